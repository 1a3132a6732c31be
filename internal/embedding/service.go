package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrUnavailable means the provider kept failing after all retry
	// attempts. Transient; callers may retry on their own schedule.
	ErrUnavailable = errors.New("embedding provider unavailable")

	// ErrDimensionMismatch means the provider returned a vector whose
	// dimension differs from the configured one. This is a configuration
	// fault, not a transient failure; nothing is cached.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// ServiceConfig tunes the embedding service.
type ServiceConfig struct {
	Model            string
	Dimension        int
	MaxBatchSize     int
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
}

// Service orchestrates normalization, cache lookup, batching and provider
// calls. It is the embedding entry point for the rest of the system.
type Service struct {
	provider    Provider
	cache       Cache
	model       string
	dimension   int
	maxBatch    int
	maxAttempts int
	baseDelay   time.Duration
	logger      *zap.Logger
}

// NewService creates an embedding Service. cache may be nil, which disables
// caching but changes nothing else.
func NewService(provider Provider, cache Cache, cfg ServiceConfig, logger *zap.Logger) *Service {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 32
	}
	if cfg.RetryMaxAttempts <= 0 {
		cfg.RetryMaxAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 200 * time.Millisecond
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = provider.Dimension()
	}
	return &Service{
		provider:    provider,
		cache:       cache,
		model:       cfg.Model,
		dimension:   cfg.Dimension,
		maxBatch:    cfg.MaxBatchSize,
		maxAttempts: cfg.RetryMaxAttempts,
		baseDelay:   cfg.RetryBaseDelay,
		logger:      logger,
	}
}

// Dimension returns the vector dimension every embedding must have.
func (s *Service) Dimension() int {
	return s.dimension
}

// Normalize produces the cache-key form of text: trimmed, internal
// whitespace collapsed, lowercased. The original text is what gets sent to
// the provider; normalization only widens cache hits.
func Normalize(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

func (s *Service) cacheKey(normalized string) string {
	return s.model + "\x00" + normalized
}

// Embed returns the embedding for a single text.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// pendingText is one distinct normalized text awaiting a provider call.
// positions are the input indexes it must fill, preserving correspondence.
type pendingText struct {
	norm      string
	original  string
	positions []int
}

// EmbedBatch returns one vector per input text, in input order. Cached texts
// cost no provider call; the rest go out in provider batches of at most
// MaxBatchSize. Texts normalizing to the same key share one provider slot.
// Results of completed batches are cached even if a later batch fails.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([][]float32, len(texts))
	var misses []*pendingText
	byNorm := make(map[string]*pendingText)

	for i, text := range texts {
		norm := Normalize(text)
		if s.cache != nil {
			if vec, ok := s.cache.Get(ctx, s.cacheKey(norm)); ok {
				results[i] = vec
				continue
			}
		}
		if p, ok := byNorm[norm]; ok {
			p.positions = append(p.positions, i)
			continue
		}
		p := &pendingText{norm: norm, original: text, positions: []int{i}}
		byNorm[norm] = p
		misses = append(misses, p)
	}

	for start := 0; start < len(misses); start += s.maxBatch {
		end := start + s.maxBatch
		if end > len(misses) {
			end = len(misses)
		}
		chunk := misses[start:end]

		inputs := make([]string, len(chunk))
		for i, p := range chunk {
			inputs[i] = p.original
		}

		vecs, err := s.callProvider(ctx, inputs)
		if err != nil {
			return nil, err
		}

		for i, p := range chunk {
			vec := vecs[i]
			if len(vec) != s.dimension {
				return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), s.dimension)
			}
			if s.cache != nil {
				s.cache.Put(ctx, s.cacheKey(p.norm), vec)
			}
			for _, pos := range p.positions {
				results[pos] = vec
			}
		}
	}

	return results, nil
}

// callProvider runs one provider batch with exponential backoff. A response
// with the wrong vector count is malformed and retried like any failure.
// Context cancellation stops retrying immediately.
func (s *Service) callProvider(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	delay := s.baseDelay

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		vecs, err := s.provider.Embed(ctx, texts)
		if err == nil && len(vecs) != len(texts) {
			err = fmt.Errorf("provider returned %d vectors for %d texts", len(vecs), len(texts))
		}
		if err == nil {
			return vecs, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if attempt < s.maxAttempts {
			s.logger.Warn("embedding provider call failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", delay),
				zap.Error(err))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			delay *= 2
		}
	}

	return nil, fmt.Errorf("%w: %d attempts: %v", ErrUnavailable, s.maxAttempts, lastErr)
}
