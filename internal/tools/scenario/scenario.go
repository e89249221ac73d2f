// Package scenario floods a sync server with concurrent editors and
// verifies every replica settles on the same document. It exists as a
// deploy smoke check: point it at a live server and it fails loudly when
// replicas diverge or operations never drain.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vellumcanvas/vellum/internal/client"
	"github.com/vellumcanvas/vellum/internal/document"
	"github.com/vellumcanvas/vellum/internal/platform/id"
)

// Config controls scenario execution.
type Config struct {
	ServerURL string
	Document  string
	Clients   int
	Edits     int
	Timeout   time.Duration
	Seed      int64
	Verbose   bool
	Logger    *log.Logger
}

// DefaultConfig returns default runner configuration.
func DefaultConfig() Config {
	return Config{
		ServerURL: "http://localhost:8090",
		Clients:   3,
		Edits:     40,
		Timeout:   30 * time.Second,
	}
}

// Report summarizes a finished run.
type Report struct {
	Document string
	Clients  int
	Edits    int
	Skipped  int
	Objects  int
	Elapsed  time.Duration
}

// String renders the report as a single summary line.
func (r Report) String() string {
	return fmt.Sprintf("document=%s clients=%d edits=%d skipped=%d objects=%d elapsed=%s",
		r.Document, r.Clients, r.Edits, r.Skipped, r.Objects, r.Elapsed.Round(time.Millisecond))
}

// Runner executes one randomized convergence scenario.
type Runner struct {
	serverURL string
	document  string
	clients   int
	edits     int
	timeout   time.Duration
	seed      int64
	verbose   bool
	logger    *log.Logger
}

// NewRunner validates configuration and prepares a scenario runner.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("server url is required")
	}
	if cfg.Clients < 1 {
		return nil, errors.New("at least one client is required")
	}
	if cfg.Edits < 1 {
		return nil, errors.New("at least one edit per client is required")
	}
	doc := cfg.Document
	if doc == "" {
		epoch, err := id.NewID()
		if err != nil {
			return nil, fmt.Errorf("generate document id: %w", err)
		}
		doc = "scenario-" + epoch
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "", 0)
	}
	return &Runner{
		serverURL: cfg.ServerURL,
		document:  doc,
		clients:   cfg.Clients,
		edits:     cfg.Edits,
		timeout:   timeout,
		seed:      seed,
		verbose:   cfg.Verbose,
		logger:    logger,
	}, nil
}

// Run connects the fleet, performs the edits, waits for quiescence, and
// compares replicas. A non-nil error means the run did not converge.
func (r *Runner) Run(ctx context.Context) (report Report, err error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	report = Report{Document: r.document, Clients: r.clients}

	sessions := make([]*client.Session, 0, r.clients)
	runErrs := make(chan error, r.clients)
	defer func() {
		for _, s := range sessions {
			s.Close()
		}
		for range sessions {
			<-runErrs
		}
		report.Elapsed = time.Since(start)
	}()

	for i := 0; i < r.clients; i++ {
		s, err := client.NewSession(client.SessionConfig{
			ServerURL: r.serverURL,
			Document:  r.document,
			Name:      fmt.Sprintf("editor-%d", i+1),
		})
		if err != nil {
			return report, fmt.Errorf("configure editor %d: %w", i+1, err)
		}
		sessions = append(sessions, s)
		go func() { runErrs <- s.Run(ctx) }()
	}

	for i, s := range sessions {
		if err := waitUntil(ctx, s.Reconciler().Joined); err != nil {
			return report, fmt.Errorf("editor %d never joined %s: %w", i+1, r.document, err)
		}
	}
	r.logf("scenario start: %s (%d editors, %d edits each, seed %d)", r.document, r.clients, r.edits, r.seed)

	var performed, skipped atomic.Int64
	var wg sync.WaitGroup
	for i, s := range sessions {
		wg.Add(1)
		go func(index int, rec *client.Reconciler) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(r.seed + int64(index)))
			for n := 0; n < r.edits; n++ {
				if ctx.Err() != nil {
					return
				}
				if err := r.edit(rec, rng); err != nil {
					skipped.Add(1)
					r.logf("editor %d edit %d skipped: %v", index+1, n+1, err)
				} else {
					performed.Add(1)
				}
				time.Sleep(time.Duration(1+rng.Intn(3)) * time.Millisecond)
			}
		}(i, s.Reconciler())
	}
	wg.Wait()
	report.Edits = int(performed.Load())
	report.Skipped = int(skipped.Load())
	r.logf("edits issued: %d (%d skipped), waiting for quiescence", report.Edits, report.Skipped)

	recs := make([]*client.Reconciler, len(sessions))
	for i, s := range sessions {
		recs[i] = s.Reconciler()
	}
	if err := waitUntil(ctx, func() bool { return converged(recs) }); err != nil {
		return report, fmt.Errorf("replicas did not converge: %s: %w", describeDivergence(recs), err)
	}

	report.Objects = len(recs[0].Snapshot().Objects)
	r.logf("scenario done: %s (%d objects)", r.document, report.Objects)
	return report, nil
}

// edit performs one random operation against a replica. Errors are
// expected under contention, such as moving an object a peer deleted,
// and count as skips.
func (r *Runner) edit(rec *client.Reconciler, rng *rand.Rand) error {
	objects := editableObjects(rec)
	switch roll := rng.Intn(100); {
	case roll < 40 && len(objects) > 0:
		target := objects[rng.Intn(len(objects))]
		prop, value := randomProperty(rng)
		return rec.SetProperty(target, prop, value)
	case roll < 70 || len(objects) == 0:
		parent := document.RootID
		if len(objects) > 0 && rng.Intn(2) == 0 {
			parent = objects[rng.Intn(len(objects))]
		}
		objectType := objectTypes[rng.Intn(len(objectTypes))]
		_, err := rec.CreateObject(objectType, parent, map[document.Property]document.Value{
			document.PropX: document.Number(float64(rng.Intn(800))),
			document.PropY: document.Number(float64(rng.Intn(600))),
		})
		return err
	case roll < 90:
		target := objects[rng.Intn(len(objects))]
		parent := document.RootID
		if rng.Intn(2) == 0 {
			parent = objects[rng.Intn(len(objects))]
		}
		if parent == target {
			parent = document.RootID
		}
		return rec.MoveObject(target, parent, rng.Intn(4))
	default:
		return rec.DeleteObject(objects[rng.Intn(len(objects))])
	}
}

var objectTypes = []string{"frame", "rectangle", "ellipse", "text"}

// editableObjects lists every object except the root, sorted so that the
// seeded generator picks the same targets given the same replica state.
func editableObjects(rec *client.Reconciler) []document.ObjectID {
	snapshot := rec.Snapshot()
	objects := make([]document.ObjectID, 0, len(snapshot.Objects))
	for objID := range snapshot.Objects {
		if objID == document.RootID {
			continue
		}
		objects = append(objects, objID)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i] < objects[j] })
	return objects
}

func randomProperty(rng *rand.Rand) (document.Property, document.Value) {
	switch rng.Intn(6) {
	case 0:
		return document.PropX, document.Number(float64(rng.Intn(1000)))
	case 1:
		return document.PropY, document.Number(float64(rng.Intn(1000)))
	case 2:
		return document.PropWidth, document.Number(float64(10 + rng.Intn(500)))
	case 3:
		return document.PropName, document.Text(fmt.Sprintf("node-%d", rng.Intn(1000)))
	case 4:
		return document.PropOpacity, document.Number(float64(rng.Intn(101)) / 100)
	default:
		return document.PropVisible, document.Boolean(rng.Intn(2) == 0)
	}
}

// converged reports whether every replica has drained its queue and all
// snapshots are identical, clocks included.
func converged(recs []*client.Reconciler) bool {
	for _, rec := range recs {
		if rec.PendingCount() != 0 {
			return false
		}
	}
	base := recs[0].Snapshot()
	for _, rec := range recs[1:] {
		if !reflect.DeepEqual(base, rec.Snapshot()) {
			return false
		}
	}
	return true
}

// describeDivergence names the first observable difference between
// replica 1 and the others, for the failure message.
func describeDivergence(recs []*client.Reconciler) string {
	for i, rec := range recs {
		if n := rec.PendingCount(); n != 0 {
			return fmt.Sprintf("editor %d still has %d pending operations", i+1, n)
		}
	}
	base := recs[0].Snapshot()
	for i, rec := range recs[1:] {
		other := rec.Snapshot()
		if len(base.Objects) != len(other.Objects) {
			return fmt.Sprintf("editor 1 has %d objects, editor %d has %d", len(base.Objects), i+2, len(other.Objects))
		}
		for objID, obj := range base.Objects {
			otherObj, ok := other.Objects[objID]
			if !ok {
				return fmt.Sprintf("object %s missing from editor %d", objID, i+2)
			}
			if !reflect.DeepEqual(obj, otherObj) {
				return fmt.Sprintf("object %s differs between editor 1 and editor %d", objID, i+2)
			}
		}
		if !reflect.DeepEqual(base, other) {
			return fmt.Sprintf("editor 1 and editor %d snapshots differ", i+2)
		}
	}
	return "replicas match; deadline raced the last acknowledgement"
}

// waitUntil polls a condition until it holds or the context dies.
func waitUntil(ctx context.Context, cond func() bool) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if cond() {
			return nil
		}
		select {
		case <-ctx.Done():
			if cond() {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Runner) logf(format string, args ...any) {
	if !r.verbose || r.logger == nil {
		return
	}
	r.logger.Printf(format, args...)
}
