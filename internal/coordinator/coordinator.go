package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adapta/solmatch/internal/vectorstore"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrQueueFull is the backpressure signal: the bounded work queue is
// saturated and the enqueue was rejected rather than silently dropped.
// Callers may retry; product writes themselves are unaffected.
var ErrQueueFull = errors.New("embedding queue full")

// ItemStatus tracks a work item through its lifecycle.
type ItemStatus string

const (
	StatusPending    ItemStatus = "pending"
	StatusInProgress ItemStatus = "in_progress"
	StatusDone       ItemStatus = "done"
	StatusFailed     ItemStatus = "failed"
)

// Item is one unit of background embedding work.
type Item struct {
	ID         string            `json:"id"`
	ProductID  string            `json:"product_id"`
	Text       string            `json:"text"`
	Version    int64             `json:"version"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Status     ItemStatus        `json:"status"`
	Attempts   int               `json:"attempts"`
	LastError  string            `json:"last_error,omitempty"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Embedder is the slice of the embedding service the coordinator needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config tunes the coordinator.
type Config struct {
	QueueSize        int
	Workers          int
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	Cooldown         time.Duration // wait before reconciling failed items
}

// Coordinator computes product embeddings off the write path: a bounded
// queue feeds a worker pool, each item runs a bounded attempt loop, and
// failed items are retried by a separate reconciliation pass after a
// cooldown so failures cannot turn into retry storms.
type Coordinator struct {
	embedder Embedder
	store    vectorstore.Store
	queue    chan *Item

	mu     sync.Mutex
	failed map[string]*Item // item ID -> failed item, kept for operators

	cfg    Config
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger
}

// New creates a Coordinator. Call Start to begin processing.
func New(embedder Embedder, store vectorstore.Store, cfg Config, logger *zap.Logger) *Coordinator {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.RetryMaxAttempts <= 0 {
		cfg.RetryMaxAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}
	return &Coordinator{
		embedder: embedder,
		store:    store,
		queue:    make(chan *Item, cfg.QueueSize),
		failed:   make(map[string]*Item),
		cfg:      cfg,
		logger:   logger,
	}
}

// Start launches the worker pool and the reconciliation loop.
func (c *Coordinator) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx)
	}
	c.wg.Add(1)
	go c.reconcile(ctx)

	c.logger.Info("embedding coordinator started",
		zap.Int("workers", c.cfg.Workers),
		zap.Int("queue_size", c.cfg.QueueSize))
}

// Stop cancels all workers and waits for them to drain.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func newItem(productID, text string, version int64, metadata map[string]string) *Item {
	now := time.Now()
	return &Item{
		ID:         uuid.New().String(),
		ProductID:  productID,
		Text:       text,
		Version:    version,
		Metadata:   metadata,
		Status:     StatusPending,
		EnqueuedAt: now,
		UpdatedAt:  now,
	}
}

// TryEnqueue submits work without blocking; a saturated queue returns
// ErrQueueFull immediately. The product's stored vector is marked stale
// either way, so it stops being served as authoritative.
func (c *Coordinator) TryEnqueue(ctx context.Context, productID, text string, version int64, metadata map[string]string) error {
	if err := c.store.MarkStale(ctx, productID, version); err != nil {
		return err
	}
	select {
	case c.queue <- newItem(productID, text, version, metadata):
		return nil
	default:
		return ErrQueueFull
	}
}

// Enqueue submits work, blocking until queue space frees up or ctx is done.
func (c *Coordinator) Enqueue(ctx context.Context, productID, text string, version int64, metadata map[string]string) error {
	if err := c.store.MarkStale(ctx, productID, version); err != nil {
		return err
	}
	select {
	case c.queue <- newItem(productID, text, version, metadata):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) worker(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-c.queue:
			c.process(ctx, item)
		}
	}
}

// process runs the bounded attempt loop for one item. Success upserts the
// vector at the item's version; the store's version gate makes a late
// result for an outdated version a harmless no-op.
func (c *Coordinator) process(ctx context.Context, item *Item) {
	item.Status = StatusInProgress
	item.UpdatedAt = time.Now()

	delay := c.cfg.RetryBaseDelay
	var lastErr error

	for attempt := 1; attempt <= c.cfg.RetryMaxAttempts; attempt++ {
		item.Attempts++

		vec, err := c.embedder.Embed(ctx, item.Text)
		if err == nil {
			err = c.store.Upsert(ctx, vectorstore.Point{
				ProductID: item.ProductID,
				Vector:    vec,
				Version:   item.Version,
				Metadata:  item.Metadata,
			})
			if errors.Is(err, vectorstore.ErrStaleWrite) {
				// A newer version already landed; this result is obsolete,
				// not failed.
				c.logger.Debug("stale embedding result discarded",
					zap.String("product_id", item.ProductID),
					zap.Int64("version", item.Version))
				err = nil
			}
		}
		if err == nil {
			item.Status = StatusDone
			item.UpdatedAt = time.Now()
			return
		}
		lastErr = err

		if ctx.Err() != nil {
			break
		}
		if attempt < c.cfg.RetryMaxAttempts {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
			}
			delay *= 2
		}
	}

	item.Status = StatusFailed
	item.LastError = lastErr.Error()
	item.UpdatedAt = time.Now()

	c.mu.Lock()
	c.failed[item.ID] = item
	c.mu.Unlock()

	c.logger.Warn("embedding work item failed",
		zap.String("product_id", item.ProductID),
		zap.Int64("version", item.Version),
		zap.Int("attempts", item.Attempts),
		zap.Error(lastErr))
}

// reconcile periodically requeues failed items that have cooled down. Items
// that don't fit in the queue stay failed and are picked up next pass.
func (c *Coordinator) reconcile(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.Cooldown)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.retryCooled()
		}
	}
}

func (c *Coordinator) retryCooled() {
	cutoff := time.Now().Add(-c.cfg.Cooldown)

	c.mu.Lock()
	var cooled []*Item
	for _, item := range c.failed {
		if item.UpdatedAt.Before(cutoff) {
			cooled = append(cooled, item)
		}
	}
	c.mu.Unlock()

	for _, item := range cooled {
		retry := newItem(item.ProductID, item.Text, item.Version, item.Metadata)
		select {
		case c.queue <- retry:
			c.mu.Lock()
			delete(c.failed, item.ID)
			c.mu.Unlock()
			c.logger.Info("requeued failed embedding item",
				zap.String("product_id", item.ProductID),
				zap.Int64("version", item.Version))
		default:
			return // queue full, next pass
		}
	}
}

// FailedItems lists items that exhausted their attempts, for operator
// visibility.
func (c *Coordinator) FailedItems() []Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	items := make([]Item, 0, len(c.failed))
	for _, item := range c.failed {
		items = append(items, *item)
	}
	return items
}

// QueueDepth reports how many items are waiting.
func (c *Coordinator) QueueDepth() int {
	return len(c.queue)
}
