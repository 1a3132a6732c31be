package vectorstore

import (
	"context"
	"errors"
	"math"
	"sort"
)

// ErrStaleWrite means an upsert carried a version that is not strictly newer
// than the stored one and was dropped. The newer data already won; callers
// may log it but should not treat it as a failure.
var ErrStaleWrite = errors.New("stale write rejected")

// ScoreEpsilon is the tolerance within which two similarity scores are
// considered tied and ordering falls back to version, then product ID.
const ScoreEpsilon = 1e-6

// Point is a product vector with its version and searchable metadata.
type Point struct {
	ProductID string
	Vector    []float32
	Version   int64
	Metadata  map[string]string
}

// QueryOptions controls a nearest-neighbor query.
type QueryOptions struct {
	K            int
	Filters      map[string]string // metadata equality filters
	IncludeStale bool              // serve vectors behind the current text version
}

// Result is a single query hit, ordered by descending cosine similarity.
type Result struct {
	ProductID string
	Score     float64
	Version   int64
	Metadata  map[string]string
	Stale     bool
}

// Store persists product vectors and answers k-nearest-neighbor queries.
// Upserts for the same product are version-gated: a write whose version is
// not strictly newer is a no-op returning ErrStaleWrite.
type Store interface {
	Upsert(ctx context.Context, p Point) error
	Query(ctx context.Context, vector []float32, opts QueryOptions) ([]Result, error)
	// MarkStale records that the product's source text moved to textVersion,
	// making any stored vector behind it ineligible for default queries.
	MarkStale(ctx context.Context, productID string, textVersion int64) error
	Remove(ctx context.Context, productID string) error
}

// Cosine returns the cosine similarity of two vectors, 0 when either has
// zero magnitude.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

// SortResults orders results by descending score; scores within ScoreEpsilon
// tie-break by newer version, then product ID ascending, so repeated queries
// over the same data return the same order.
func SortResults(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		if math.Abs(results[i].Score-results[j].Score) > ScoreEpsilon {
			return results[i].Score > results[j].Score
		}
		if results[i].Version != results[j].Version {
			return results[i].Version > results[j].Version
		}
		return results[i].ProductID < results[j].ProductID
	})
}

func matchesFilters(metadata, filters map[string]string) bool {
	for k, v := range filters {
		if metadata[k] != v {
			return false
		}
	}
	return true
}
