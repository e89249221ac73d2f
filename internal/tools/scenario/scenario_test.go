package scenario

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	server "github.com/vellumcanvas/vellum/internal/services/sync/app"
)

func TestNewRunnerValidatesConfig(t *testing.T) {
	if _, err := NewRunner(Config{Clients: 1, Edits: 1}); err == nil {
		t.Fatal("expected error for missing server url")
	}
	if _, err := NewRunner(Config{ServerURL: "http://localhost:8090", Edits: 1}); err == nil {
		t.Fatal("expected error for zero clients")
	}
	if _, err := NewRunner(Config{ServerURL: "http://localhost:8090", Clients: 1}); err == nil {
		t.Fatal("expected error for zero edits")
	}
}

func TestNewRunnerAppliesDefaults(t *testing.T) {
	runner, err := NewRunner(Config{ServerURL: "http://localhost:8090", Clients: 2, Edits: 5})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	if !strings.HasPrefix(runner.document, "scenario-") {
		t.Fatalf("document = %q, want generated scenario id", runner.document)
	}
	if runner.timeout != 30*time.Second {
		t.Fatalf("timeout = %s, want default 30s", runner.timeout)
	}
	if runner.seed == 0 {
		t.Fatal("expected a non-zero seed")
	}
}

func TestScenarioConvergesAgainstLiveServer(t *testing.T) {
	srv := httptest.NewServer(server.NewHandler())
	defer srv.Close()

	runner, err := NewRunner(Config{
		ServerURL: srv.URL,
		Clients:   3,
		Edits:     12,
		Seed:      42,
		Timeout:   30 * time.Second,
	})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	report, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := report.Edits + report.Skipped; got != 3*12 {
		t.Fatalf("edits+skipped = %d, want %d", got, 3*12)
	}
	if report.Objects < 1 {
		t.Fatalf("objects = %d, want at least the root", report.Objects)
	}
	if report.Elapsed <= 0 {
		t.Fatal("expected a positive elapsed time")
	}
	if !strings.Contains(report.String(), report.Document) {
		t.Fatalf("summary %q does not mention the document", report.String())
	}
}

func TestScenarioFailsWhenServerUnreachable(t *testing.T) {
	runner, err := NewRunner(Config{
		ServerURL: "http://127.0.0.1:1",
		Clients:   1,
		Edits:     1,
		Timeout:   2 * time.Second,
	})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	if _, err := runner.Run(context.Background()); err == nil {
		t.Fatal("expected error when no server is listening")
	}
}
