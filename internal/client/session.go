package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/vellumcanvas/vellum/internal/platform/timeouts"
	"github.com/vellumcanvas/vellum/internal/wire"
	"golang.org/x/net/websocket"
)

var (
	// ErrClosed reports a session that was shut down by Close.
	ErrClosed = errors.New("session closed")
	// ErrDisconnected reports a send attempted with no live connection.
	// The operation stays pending and is replayed after the next join.
	ErrDisconnected = errors.New("not connected")
)

// SessionConfig describes how to reach one document on the authority.
type SessionConfig struct {
	// ServerURL is the authority's base URL, http(s) or ws(s) scheme.
	ServerURL string
	// Document is the document id to collaborate on.
	Document string
	// Name is the display name shown to peers. Optional.
	Name string
	// Grant is a signed join grant, required only by gated servers.
	Grant string
}

// Session keeps one client connected to the authority: it dials, feeds
// inbound frames to its Reconciler, and redials with exponential backoff
// when the connection drops, replaying unacknowledged operations after
// every successful join. Edits keep working while disconnected; they queue
// as pending operations until a connection carries them out.
type Session struct {
	document string
	wsURL    string
	origin   string
	rec      *Reconciler

	mu     sync.Mutex
	conn   *websocket.Conn
	enc    *json.Encoder
	closed bool
}

// NewSession validates the config and prepares a session. No connection is
// made until Run.
func NewSession(cfg SessionConfig) (*Session, error) {
	base := strings.TrimSpace(cfg.ServerURL)
	if base == "" {
		return nil, errors.New("server url is required")
	}
	document := strings.TrimSpace(cfg.Document)
	if document == "" {
		return nil, errors.New("document is required")
	}

	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = "/ws"
	query := url.Values{}
	query.Set("document", document)
	if name := strings.TrimSpace(cfg.Name); name != "" {
		query.Set("name", name)
	}
	if grant := strings.TrimSpace(cfg.Grant); grant != "" {
		query.Set("grant", grant)
	}
	u.RawQuery = query.Encode()

	s := &Session{
		document: document,
		wsURL:    u.String(),
		origin:   base,
	}
	s.rec = NewReconciler(s.send)
	return s, nil
}

// Reconciler returns the replica this session feeds. All editing goes
// through it.
func (s *Session) Reconciler() *Reconciler {
	return s.rec
}

// Document returns the document id this session collaborates on.
func (s *Session) Document() string {
	return s.document
}

// Run connects and serves until the context ends or Close is called.
// Dropped connections are redialed with exponential backoff; each rejoin
// restores the authority's snapshot and replays the pending queue.
func (s *Session) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 10 * time.Second

	for {
		conn, err := backoff.Retry(ctx, func() (*websocket.Conn, error) {
			if s.isClosed() {
				return nil, backoff.Permanent(ErrClosed)
			}
			return websocket.Dial(s.wsURL, "", s.origin)
		},
			backoff.WithBackOff(policy),
			backoff.WithNotify(func(err error, next time.Duration) {
				log.Printf("client: dial document=%q: %v (retry in %s)", s.document, err, next)
			}),
		)
		if err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("dial sync server: %w", err)
		}
		policy.Reset()

		err = s.serve(ctx, conn)
		if s.isClosed() || ctx.Err() != nil {
			return nil
		}
		log.Printf("client: connection lost document=%q: %v", s.document, err)
	}
}

// serve reads frames from one connection until it dies. The join_ack that
// opens every connection triggers a replay of operations the previous
// connection never got acknowledged.
func (s *Session) serve(ctx context.Context, conn *websocket.Conn) error {
	s.attach(conn)
	defer s.detach(conn)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()
	go s.pingLoop(conn, stop)

	decoder := json.NewDecoder(conn)
	for {
		var frame wire.Frame
		if err := decoder.Decode(&frame); err != nil {
			return err
		}
		if err := s.rec.HandleFrame(frame); err != nil {
			log.Printf("client: handle %s frame: %v", frame.Type, err)
			continue
		}
		if frame.Type == wire.TypeJoinAck {
			if err := s.rec.Replay(); err != nil {
				log.Printf("client: replay pending operations: %v", err)
			}
		}
	}
}

// pingLoop probes liveness on an otherwise idle connection. A failed probe
// closes the socket, which trips the read loop into the redial path.
func (s *Session) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(timeouts.Ping)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := s.send(wire.Frame{Type: wire.TypePing}); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

// Close severs the connection and stops reconnecting. Safe at any point,
// including mid-edit, and safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) attach(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.enc = json.NewEncoder(conn)
	s.mu.Unlock()
}

func (s *Session) detach(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
		s.enc = nil
	}
	s.mu.Unlock()
	_ = conn.Close()
}

// send delivers one frame over the live connection. The encoder is guarded
// by the session mutex because the reconciler and the ping loop both write.
func (s *Session) send(frame wire.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enc == nil {
		return ErrDisconnected
	}
	return s.enc.Encode(frame)
}
