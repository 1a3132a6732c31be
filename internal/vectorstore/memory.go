package vectorstore

import (
	"context"
	"sync"
)

type memoryRecord struct {
	vector      []float32
	version     int64 // version of the stored vector
	textVersion int64 // version of the product's current text
	metadata    map[string]string
}

func (r *memoryRecord) stale() bool {
	return r.version < r.textVersion
}

// MemoryStore is an exact-scan in-process Store. It carries the full query
// and write-ordering semantics and backs tests and small catalogs; larger
// deployments use QdrantStore behind the same interface.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*memoryRecord
}

// NewMemoryStore creates an empty in-memory vector store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*memoryRecord)}
}

// Upsert stores the point unless a vector with an equal or newer version is
// already present, in which case it returns ErrStaleWrite and changes nothing.
func (s *MemoryStore) Upsert(_ context.Context, p Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[p.ProductID]
	if !ok {
		rec = &memoryRecord{}
		s.records[p.ProductID] = rec
	}
	if rec.vector != nil && p.Version <= rec.version {
		return ErrStaleWrite
	}

	vec := make([]float32, len(p.Vector))
	copy(vec, p.Vector)
	rec.vector = vec
	rec.version = p.Version
	if p.Version > rec.textVersion {
		rec.textVersion = p.Version
	}
	rec.metadata = make(map[string]string, len(p.Metadata))
	for k, v := range p.Metadata {
		rec.metadata[k] = v
	}
	return nil
}

// MarkStale raises the product's text version, leaving any stored vector in
// place but excluded from default queries until re-embedded.
func (s *MemoryStore) MarkStale(_ context.Context, productID string, textVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[productID]
	if !ok {
		rec = &memoryRecord{}
		s.records[productID] = rec
	}
	if textVersion > rec.textVersion {
		rec.textVersion = textVersion
	}
	return nil
}

// Remove deletes the product's vector entirely.
func (s *MemoryStore) Remove(_ context.Context, productID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, productID)
	return nil
}

// Query scans all vectors and returns the K most cosine-similar, ordered
// deterministically per SortResults. Stale vectors are skipped unless
// opts.IncludeStale asks for graceful degradation.
func (s *MemoryStore) Query(_ context.Context, vector []float32, opts QueryOptions) ([]Result, error) {
	if opts.K <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	results := make([]Result, 0, len(s.records))
	for id, rec := range s.records {
		if rec.vector == nil {
			continue
		}
		if rec.stale() && !opts.IncludeStale {
			continue
		}
		if !matchesFilters(rec.metadata, opts.Filters) {
			continue
		}
		meta := make(map[string]string, len(rec.metadata))
		for k, v := range rec.metadata {
			meta[k] = v
		}
		results = append(results, Result{
			ProductID: id,
			Score:     Cosine(vector, rec.vector),
			Version:   rec.version,
			Metadata:  meta,
			Stale:     rec.stale(),
		})
	}
	s.mu.RUnlock()

	SortResults(results)
	if len(results) > opts.K {
		results = results[:opts.K]
	}
	return results, nil
}

// Len returns the number of stored products, embedded or pending.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// EmbeddedLen returns the number of products whose vector has landed.
// MarkStale creates a pending record before the embedding exists, so this
// can lag Len.
func (s *MemoryStore) EmbeddedLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rec := range s.records {
		if rec.vector != nil {
			n++
		}
	}
	return n
}
