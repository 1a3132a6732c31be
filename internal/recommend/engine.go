package recommend

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/adapta/solmatch/internal/usercontext"
	"github.com/adapta/solmatch/internal/vectorstore"
	"go.uber.org/zap"
)

var (
	// ErrInvalidQuery means the query text was empty.
	ErrInvalidQuery = errors.New("invalid query")
	// ErrInvalidK means the requested result count was below 1.
	ErrInvalidK = errors.New("invalid k")
)

const (
	// headroom gives the re-ranker more candidates than the caller asked
	// for, so context weighting can promote from below the cut line.
	headroomFactor = 3
	minHeadroom    = 20

	// maxContextBonus bounds the summed attribute weights so the adjusted
	// score stays a positive multiple of similarity.
	maxContextBonus = 2.0
)

// Embedder is the slice of the embedding service the engine needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Request asks for the top K products matching a free-text query, biased by
// the user's context when UserID is set.
type Request struct {
	Query        string            `json:"query"`
	UserID       string            `json:"user_id,omitempty"`
	K            int               `json:"k"`
	Filters      map[string]string `json:"filters,omitempty"`
	IncludeStale bool              `json:"include_stale,omitempty"`
}

// Match is one ranked product. AdjustedScore is the rank key; Similarity is
// the raw cosine score before context weighting.
type Match struct {
	ProductID     string            `json:"product_id"`
	Similarity    float64           `json:"similarity_score"`
	AdjustedScore float64           `json:"adjusted_score"`
	Version       int64             `json:"embedding_version"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Engine turns queries into ranked product matches: embed, k-NN with
// headroom, context-weighted re-rank, truncate.
type Engine struct {
	embedder Embedder
	store    vectorstore.Store
	contexts *usercontext.Manager
	logger   *zap.Logger
}

// NewEngine creates a recommendation engine.
func NewEngine(embedder Embedder, store vectorstore.Store, contexts *usercontext.Manager, logger *zap.Logger) *Engine {
	return &Engine{embedder: embedder, store: store, contexts: contexts, logger: logger}
}

// Recommend returns at most req.K matches ordered by adjusted score.
// Embedding and store failures propagate untouched: a failed recommendation
// has no safe default, and callers must be able to tell "no matches" from
// "service unavailable".
func (e *Engine) Recommend(ctx context.Context, req Request) ([]Match, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, ErrInvalidQuery
	}
	if req.K < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidK, req.K)
	}

	queryVec, err := e.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, err
	}

	headroom := req.K * headroomFactor
	if headroom < minHeadroom {
		headroom = minHeadroom
	}
	candidates, err := e.store.Query(ctx, queryVec, vectorstore.QueryOptions{
		K:            headroom,
		Filters:      req.Filters,
		IncludeStale: req.IncludeStale,
	})
	if err != nil {
		return nil, err
	}

	uc := e.contexts.Get(req.UserID)
	weights := usercontext.Weights(uc)

	matches := make([]Match, 0, len(candidates))
	for _, c := range candidates {
		bonus := contextBonus(c.Metadata, uc.Signals, weights)
		matches = append(matches, Match{
			ProductID:     c.ProductID,
			Similarity:    c.Score,
			AdjustedScore: c.Score * (1 + bonus),
			Version:       c.Version,
			Metadata:      c.Metadata,
		})
	}

	sortMatches(matches)
	if len(matches) > req.K {
		matches = matches[:req.K]
	}

	e.logger.Debug("recommendation served",
		zap.String("user_id", req.UserID),
		zap.Int("k", req.K),
		zap.Int("candidates", len(candidates)),
		zap.Int("returned", len(matches)))
	return matches, nil
}

// contextBonus sums the weights of context keys whose signal value matches
// the product's metadata for the same attribute, clamped to
// [0, maxContextBonus] so adjusted scores remain sign- and order-preserving
// in similarity.
func contextBonus(metadata, signals map[string]string, weights map[string]float64) float64 {
	var bonus float64
	for key, w := range weights {
		attr, ok := metadata[key]
		if !ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(attr), signals[key]) {
			bonus += w
		}
	}
	if bonus < 0 {
		bonus = 0
	}
	if bonus > maxContextBonus {
		bonus = maxContextBonus
	}
	return bonus
}

// sortMatches orders by adjusted score descending with the store's
// deterministic tie-breaking: near-equal scores fall back to newer
// embedding version, then product ID ascending.
func sortMatches(matches []Match) {
	sort.Slice(matches, func(i, j int) bool {
		if math.Abs(matches[i].AdjustedScore-matches[j].AdjustedScore) > vectorstore.ScoreEpsilon {
			return matches[i].AdjustedScore > matches[j].AdjustedScore
		}
		if matches[i].Version != matches[j].Version {
			return matches[i].Version > matches[j].Version
		}
		return matches[i].ProductID < matches[j].ProductID
	})
}

// FormatMatches renders matches into a chat-friendly reply.
func FormatMatches(matches []Match) string {
	if len(matches) == 0 {
		return "No matching products found."
	}
	var b strings.Builder
	b.WriteString("Here's what I found:\n")
	for i, m := range matches {
		name := m.Metadata["name"]
		if name == "" {
			name = m.ProductID
		}
		fmt.Fprintf(&b, "%d. %s (match %.0f%%)\n", i+1, name, m.Similarity*100)
	}
	return b.String()
}
