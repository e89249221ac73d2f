package client

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/vellumcanvas/vellum/internal/document"
	server "github.com/vellumcanvas/vellum/internal/services/sync/app"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// startSession runs a session against the given server until the test ends
// and blocks until it has joined.
func startSession(t *testing.T, serverURL, documentID, name string) *Session {
	t.Helper()
	sess, err := NewSession(SessionConfig{ServerURL: serverURL, Document: documentID, Name: name})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()
	t.Cleanup(func() {
		sess.Close()
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("session run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("session did not stop after close")
		}
	})

	waitFor(t, "session join", func() bool { return sess.Reconciler().Joined() })
	return sess
}

func retryListen(t *testing.T, addr string) net.Listener {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			return ln
		}
		if time.Now().After(deadline) {
			t.Fatalf("listen %s: %v", addr, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestNewSessionValidatesConfig(t *testing.T) {
	if _, err := NewSession(SessionConfig{ServerURL: "http://localhost:1"}); err == nil {
		t.Fatal("expected error for missing document")
	}
	if _, err := NewSession(SessionConfig{ServerURL: "ftp://localhost:1", Document: "d"}); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
	if _, err := NewSession(SessionConfig{ServerURL: "://nope", Document: "d"}); err == nil {
		t.Fatal("expected error for malformed url")
	}
}

func TestSessionsConvergeThroughServer(t *testing.T) {
	srv := httptest.NewServer(server.NewHandler())
	t.Cleanup(srv.Close)

	alice := startSession(t, srv.URL, "doc-main", "Alice")
	bob := startSession(t, srv.URL, "doc-main", "Bob")

	if got := alice.Reconciler().ClientID(); got != 1 {
		t.Fatalf("alice client id = %d, want 1", got)
	}
	if got := bob.Reconciler().ClientID(); got != 2 {
		t.Fatalf("bob client id = %d, want 2", got)
	}
	waitFor(t, "alice to see bob join", func() bool {
		peers := alice.Reconciler().Peers()
		return len(peers) == 1 && peers[0].Name == "Bob"
	})

	rect, err := alice.Reconciler().CreateObject("rectangle", pageID, map[document.Property]document.Value{
		document.PropWidth:  document.Number(120),
		document.PropHeight: document.Number(80),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitFor(t, "bob to see the rectangle", func() bool {
		_, ok := bob.Reconciler().GetProperty(rect, document.PropWidth)
		return ok
	})

	if err := bob.Reconciler().SetProperty(rect, document.PropX, document.Number(40)); err != nil {
		t.Fatalf("set x: %v", err)
	}
	waitFor(t, "alice to see bob's edit", func() bool {
		got, ok := alice.Reconciler().GetProperty(rect, document.PropX)
		return ok && got.Equal(document.Number(40))
	})

	if err := alice.Reconciler().MoveCursor(5, 6); err != nil {
		t.Fatalf("move cursor: %v", err)
	}
	waitFor(t, "bob to see alice's cursor", func() bool {
		peers := bob.Reconciler().Peers()
		return len(peers) == 1 && peers[0].X == 5 && peers[0].Y == 6
	})

	waitFor(t, "queues to drain", func() bool {
		return alice.Reconciler().PendingCount() == 0 && bob.Reconciler().PendingCount() == 0
	})
	if !reflect.DeepEqual(alice.Reconciler().Snapshot(), bob.Reconciler().Snapshot()) {
		t.Fatal("replicas diverged")
	}
}

func TestSessionRedialsAndReplaysAfterRestart(t *testing.T) {
	registry := server.NewRegistry()
	ln := retryListen(t, "127.0.0.1:0")
	addr := ln.Addr().String()
	first := &http.Server{Handler: server.NewHandlerWithGrants(registry, nil)}
	go func() { _ = first.Serve(ln) }()

	sess := startSession(t, "http://"+addr, "doc-restart", "Ada")
	rec := sess.Reconciler()
	if err := rec.SetProperty(pageID, document.PropName, document.Text("Before")); err != nil {
		t.Fatalf("set name: %v", err)
	}
	waitFor(t, "first edit to be acknowledged", func() bool { return rec.PendingCount() == 0 })

	// Take the server down, live sockets included, and edit while offline.
	_ = first.Close()
	registry.CloseAll()
	if err := rec.SetProperty(pageID, document.PropName, document.Text("After")); err != nil {
		t.Fatalf("offline edit: %v", err)
	}
	if got, _ := rec.GetProperty(pageID, document.PropName); !got.Equal(document.Text("After")) {
		t.Fatalf("offline edit not applied locally: %s", got)
	}

	// Restart on the same address with empty state. The session must redial,
	// rejoin, replay the queued edit, and see it acknowledged.
	relisten := retryListen(t, addr)
	second := &http.Server{Handler: server.NewHandler()}
	t.Cleanup(func() { _ = second.Close() })
	go func() { _ = second.Serve(relisten) }()

	waitFor(t, "queued edit to be replayed and acknowledged", func() bool {
		return rec.PendingCount() == 0
	})
	if got, _ := rec.GetProperty(pageID, document.PropName); !got.Equal(document.Text("After")) {
		t.Fatalf("replayed edit lost: %s", got)
	}

	// A fresh participant on the restarted server sees the replayed edit in
	// its join snapshot.
	observer := startSession(t, "http://"+addr, "doc-restart", "Observer")
	if got, _ := observer.Reconciler().GetProperty(pageID, document.PropName); !got.Equal(document.Text("After")) {
		t.Fatalf("observer snapshot missing replayed edit: %s", got)
	}
}
