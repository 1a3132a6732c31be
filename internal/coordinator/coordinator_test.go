package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/adapta/solmatch/internal/vectorstore"
	"go.uber.org/zap"
)

// countingEmbedder fails a configurable number of calls, then succeeds.
type countingEmbedder struct {
	mu       sync.Mutex
	calls    int
	failures int
}

func (e *countingEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.failures > 0 {
		e.failures--
		return nil, errors.New("provider down")
	}
	return []float32{1, 0}, nil
}

func fastConfig() Config {
	return Config{
		QueueSize:        4,
		Workers:          1,
		RetryMaxAttempts: 2,
		RetryBaseDelay:   time.Millisecond,
		Cooldown:         20 * time.Millisecond,
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestTryEnqueueBackpressure(t *testing.T) {
	store := vectorstore.NewMemoryStore()
	c := New(&countingEmbedder{}, store, fastConfig(), zap.NewNop())
	// Not started: nothing drains the queue.
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := c.TryEnqueue(ctx, "p1", "text", int64(i+1), nil); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	start := time.Now()
	err := c.TryEnqueue(ctx, "p1", "text", 5, nil)
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("TryEnqueue blocked on a full queue")
	}
}

func TestEnqueueBlocksUntilContextDone(t *testing.T) {
	store := vectorstore.NewMemoryStore()
	c := New(&countingEmbedder{}, store, fastConfig(), zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		c.TryEnqueue(ctx, "p1", "text", int64(i+1), nil)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := c.Enqueue(waitCtx, "p1", "text", 5, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestProcessUpsertsVector(t *testing.T) {
	store := vectorstore.NewMemoryStore()
	c := New(&countingEmbedder{}, store, fastConfig(), zap.NewNop())
	c.Start()
	defer c.Stop()

	meta := map[string]string{"name": "Ledger Pro"}
	if err := c.TryEnqueue(context.Background(), "p1", "accounting software", 1, meta); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		results, _ := store.Query(context.Background(), []float32{1, 0}, vectorstore.QueryOptions{K: 1})
		return len(results) == 1
	})

	results, _ := store.Query(context.Background(), []float32{1, 0}, vectorstore.QueryOptions{K: 1})
	if results[0].ProductID != "p1" || results[0].Version != 1 {
		t.Fatalf("unexpected result %+v", results[0])
	}
	if results[0].Metadata["name"] != "Ledger Pro" {
		t.Errorf("metadata not carried through: %+v", results[0].Metadata)
	}
}

func TestNewerVersionWins(t *testing.T) {
	store := vectorstore.NewMemoryStore()
	c := New(&countingEmbedder{}, store, fastConfig(), zap.NewNop())
	c.Start()
	defer c.Stop()
	ctx := context.Background()

	// Whichever order the worker processes these, version 2 must end up
	// stored: the upsert gate drops the older write.
	c.TryEnqueue(ctx, "p1", "v2 text", 2, nil)
	c.TryEnqueue(ctx, "p1", "v1 text", 1, nil)

	waitFor(t, time.Second, func() bool {
		results, _ := store.Query(ctx, []float32{1, 0}, vectorstore.QueryOptions{K: 1, IncludeStale: true})
		return len(results) == 1 && results[0].Version == 2
	})
}

func TestFailedItemsSurfaced(t *testing.T) {
	store := vectorstore.NewMemoryStore()
	embedder := &countingEmbedder{failures: 100}
	cfg := fastConfig()
	cfg.Cooldown = time.Hour // keep reconciliation out of this test
	c := New(embedder, store, cfg, zap.NewNop())
	c.Start()
	defer c.Stop()

	c.TryEnqueue(context.Background(), "p1", "text", 1, nil)

	waitFor(t, time.Second, func() bool {
		return len(c.FailedItems()) == 1
	})

	failed := c.FailedItems()[0]
	if failed.Status != StatusFailed {
		t.Errorf("status %s, want %s", failed.Status, StatusFailed)
	}
	if failed.Attempts != cfg.RetryMaxAttempts {
		t.Errorf("attempts %d, want %d", failed.Attempts, cfg.RetryMaxAttempts)
	}
	if failed.LastError == "" {
		t.Error("failed item should carry its last error")
	}
}

func TestReconcileRetriesAfterCooldown(t *testing.T) {
	store := vectorstore.NewMemoryStore()
	// Exhaust the first item's attempts, then succeed on reconciliation.
	embedder := &countingEmbedder{failures: 2}
	c := New(embedder, store, fastConfig(), zap.NewNop())
	c.Start()
	defer c.Stop()
	ctx := context.Background()

	c.TryEnqueue(ctx, "p1", "text", 1, nil)

	waitFor(t, time.Second, func() bool {
		return len(c.FailedItems()) == 1
	})
	waitFor(t, 2*time.Second, func() bool {
		results, _ := store.Query(ctx, []float32{1, 0}, vectorstore.QueryOptions{K: 1})
		return len(results) == 1
	})
	if len(c.FailedItems()) != 0 {
		t.Errorf("reconciled item should leave the failed list")
	}
}

func TestObsoleteResultIsNotAFailure(t *testing.T) {
	store := vectorstore.NewMemoryStore()
	store.Upsert(context.Background(), vectorstore.Point{ProductID: "p1", Vector: []float32{0, 1}, Version: 5})

	c := New(&countingEmbedder{}, store, fastConfig(), zap.NewNop())
	c.Start()
	defer c.Stop()

	// A slow, outdated work item: the store rejects the write, and the
	// coordinator records it as done rather than failed.
	c.TryEnqueue(context.Background(), "p1", "old text", 1, nil)

	time.Sleep(50 * time.Millisecond)
	if len(c.FailedItems()) != 0 {
		t.Fatalf("obsolete result must not be marked failed: %+v", c.FailedItems())
	}

	results, _ := store.Query(context.Background(), []float32{0, 1}, vectorstore.QueryOptions{K: 1, IncludeStale: true})
	if len(results) != 1 || results[0].Version != 5 {
		t.Fatalf("stored vector should remain at version 5: %+v", results)
	}
}
