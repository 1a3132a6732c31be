package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/adapta/solmatch/internal/coordinator"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store is the persistence the catalog service needs.
type Store interface {
	SaveOwner(ctx context.Context, o *Owner) error
	GetOwner(ctx context.Context, id string) (*Owner, error)
	ListOwners(ctx context.Context) ([]*Owner, error)
	DeleteOwner(ctx context.Context, id string) error

	SaveProduct(ctx context.Context, p *Product) error
	GetProduct(ctx context.Context, id string) (*Product, error)
	ListProducts(ctx context.Context) ([]*Product, error)
	DeleteProduct(ctx context.Context, id string) error
}

// Enqueuer submits background embedding work.
type Enqueuer interface {
	TryEnqueue(ctx context.Context, productID, text string, version int64, metadata map[string]string) error
	Enqueue(ctx context.Context, productID, text string, version int64, metadata map[string]string) error
}

// VectorRemover drops a product's vector when the product goes away.
type VectorRemover interface {
	Remove(ctx context.Context, productID string) error
}

// Service owns product/owner lifecycle. Writes persist first, then hand
// embedding work to the coordinator; embedding never blocks the write path.
type Service struct {
	store   Store
	queue   Enqueuer
	vectors VectorRemover
	logger  *zap.Logger
}

// NewService creates a catalog service.
func NewService(store Store, queue Enqueuer, vectors VectorRemover, logger *zap.Logger) *Service {
	return &Service{store: store, queue: queue, vectors: vectors, logger: logger}
}

// CreateProduct persists the product at embedding version 1 and enqueues its
// first embedding. The returned bool reports whether embedding work was
// queued; false means the queue was saturated and the boot sweep or a later
// update will catch the product up.
func (s *Service) CreateProduct(ctx context.Context, p *Product) (bool, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	p.EmbeddingVersion = 1

	if err := s.store.SaveProduct(ctx, p); err != nil {
		return false, fmt.Errorf("save product: %w", err)
	}
	return s.enqueueEmbedding(ctx, p), nil
}

// UpdateProduct persists changes. When the embeddable text changed, the
// version is bumped and re-embedding enqueued; the stored vector is marked
// stale either way through the coordinator.
func (s *Service) UpdateProduct(ctx context.Context, p *Product) (bool, error) {
	existing, err := s.store.GetProduct(ctx, p.ID)
	if err != nil {
		return false, fmt.Errorf("get product %s: %w", p.ID, err)
	}

	owner, _ := s.store.GetOwner(ctx, p.OwnerID)
	prevOwner, _ := s.store.GetOwner(ctx, existing.OwnerID)

	textChanged := p.EmbeddingText(owner) != existing.EmbeddingText(prevOwner)
	p.EmbeddingVersion = existing.EmbeddingVersion
	if textChanged {
		p.EmbeddingVersion++
	}

	if err := s.store.SaveProduct(ctx, p); err != nil {
		return false, fmt.Errorf("save product %s: %w", p.ID, err)
	}
	if !textChanged {
		return false, nil
	}
	return s.enqueueEmbedding(ctx, p), nil
}

func (s *Service) enqueueEmbedding(ctx context.Context, p *Product) bool {
	owner, err := s.store.GetOwner(ctx, p.OwnerID)
	if err != nil {
		owner = nil
	}
	err = s.queue.TryEnqueue(ctx, p.ID, p.EmbeddingText(owner), p.EmbeddingVersion, p.SearchMetadata(owner))
	if err != nil {
		if errors.Is(err, coordinator.ErrQueueFull) {
			s.logger.Warn("embedding queue full, product embedding deferred",
				zap.String("product_id", p.ID),
				zap.Int64("version", p.EmbeddingVersion))
			return false
		}
		s.logger.Warn("enqueue embedding failed",
			zap.String("product_id", p.ID), zap.Error(err))
		return false
	}
	return true
}

// DeleteProduct removes the product and its vector.
func (s *Service) DeleteProduct(ctx context.Context, id string) error {
	if err := s.store.DeleteProduct(ctx, id); err != nil {
		return fmt.Errorf("delete product %s: %w", id, err)
	}
	if err := s.vectors.Remove(ctx, id); err != nil {
		s.logger.Warn("remove product vector failed",
			zap.String("product_id", id), zap.Error(err))
	}
	return nil
}

// GetProduct returns one product.
func (s *Service) GetProduct(ctx context.Context, id string) (*Product, error) {
	return s.store.GetProduct(ctx, id)
}

// ListProducts returns the catalog.
func (s *Service) ListProducts(ctx context.Context) ([]*Product, error) {
	return s.store.ListProducts(ctx)
}

// CreateOwner persists a new owner.
func (s *Service) CreateOwner(ctx context.Context, o *Owner) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	return s.store.SaveOwner(ctx, o)
}

// UpdateOwner persists owner changes.
func (s *Service) UpdateOwner(ctx context.Context, o *Owner) error {
	return s.store.SaveOwner(ctx, o)
}

// GetOwner returns one owner.
func (s *Service) GetOwner(ctx context.Context, id string) (*Owner, error) {
	return s.store.GetOwner(ctx, id)
}

// ListOwners returns all owners.
func (s *Service) ListOwners(ctx context.Context) ([]*Owner, error) {
	return s.store.ListOwners(ctx)
}

// DeleteOwner removes an owner.
func (s *Service) DeleteOwner(ctx context.Context, id string) error {
	return s.store.DeleteOwner(ctx, id)
}

// Resync enqueues embedding work for every product, blocking on queue space.
// Run at boot so products whose enqueue was deferred, or whose vectors were
// lost with an in-memory store, catch up. The coordinator's version gate
// drops work that is already up to date.
func (s *Service) Resync(ctx context.Context) error {
	products, err := s.store.ListProducts(ctx)
	if err != nil {
		return fmt.Errorf("list products: %w", err)
	}
	for _, p := range products {
		owner, err := s.store.GetOwner(ctx, p.OwnerID)
		if err != nil {
			owner = nil
		}
		if err := s.queue.Enqueue(ctx, p.ID, p.EmbeddingText(owner), p.EmbeddingVersion, p.SearchMetadata(owner)); err != nil {
			return fmt.Errorf("resync product %s: %w", p.ID, err)
		}
	}
	s.logger.Info("catalog resync enqueued", zap.Int("products", len(products)))
	return nil
}
