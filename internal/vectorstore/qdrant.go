package vectorstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// QdrantConfig holds connection settings for a Qdrant instance.
type QdrantConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Collection string `json:"collection"`
}

// qdrant ranks by score only, so we over-fetch and re-rank locally to get
// the same deterministic tie-breaking as MemoryStore.
const queryOverfetch = 16

// QdrantStore implements Store against a Qdrant collection over gRPC.
// Version gating and staleness tracking live in a local registry; write
// ordering is guaranteed per-caller, not cross-process.
type QdrantStore struct {
	conn        *grpc.ClientConn
	collections pb.CollectionsClient
	points      pb.PointsClient
	collection  string
	dimension   uint64

	mu   sync.RWMutex
	meta map[string]*memoryRecord // vector omitted; version bookkeeping only
	ids  map[string]string        // product ID -> qdrant point UUID

	logger *zap.Logger
}

// NewQdrantStore dials Qdrant and ensures the product collection exists with
// a cosine-distance index of the given dimension.
func NewQdrantStore(ctx context.Context, cfg QdrantConfig, dimension int, logger *zap.Logger) (*QdrantStore, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect %s: %w", addr, err)
	}
	s := &QdrantStore{
		conn:        conn,
		collections: pb.NewCollectionsClient(conn),
		points:      pb.NewPointsClient(conn),
		collection:  cfg.Collection,
		dimension:   uint64(dimension),
		meta:        make(map[string]*memoryRecord),
		ids:         make(map[string]string),
		logger:      logger,
	}
	if err := s.ensureCollection(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	_, err := s.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: s.collection})
	if err == nil {
		return nil
	}
	_, err = s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     s.dimension,
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", s.collection, err)
	}
	return nil
}

// pointID derives a stable UUID for a product so re-embedding overwrites the
// same point instead of accumulating duplicates.
func pointID(productID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(productID)).String()
}

// Upsert writes the point unless the local registry already holds an equal
// or newer version for the product.
func (s *QdrantStore) Upsert(ctx context.Context, p Point) error {
	s.mu.Lock()
	rec, ok := s.meta[p.ProductID]
	if !ok {
		rec = &memoryRecord{}
		s.meta[p.ProductID] = rec
	}
	if rec.vector != nil && p.Version <= rec.version {
		s.mu.Unlock()
		return ErrStaleWrite
	}
	// The registry only gates versions; a 1-element marker stands in for
	// "has a vector" without duplicating it in memory.
	rec.vector = []float32{1}
	rec.version = p.Version
	if p.Version > rec.textVersion {
		rec.textVersion = p.Version
	}
	rec.metadata = p.Metadata
	id := pointID(p.ProductID)
	s.ids[p.ProductID] = id
	s.mu.Unlock()

	payload := map[string]*pb.Value{
		"product_id": {Kind: &pb.Value_StringValue{StringValue: p.ProductID}},
		"version":    {Kind: &pb.Value_IntegerValue{IntegerValue: p.Version}},
	}
	for k, v := range p.Metadata {
		payload[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: v}}
	}

	_, err := s.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: s.collection,
		Points: []*pb.PointStruct{
			{
				Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id}},
				Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: p.Vector}}},
				Payload: payload,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("qdrant upsert %s: %w", p.ProductID, err)
	}
	return nil
}

// MarkStale raises the product's text version in the local registry.
func (s *QdrantStore) MarkStale(_ context.Context, productID string, textVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.meta[productID]
	if !ok {
		rec = &memoryRecord{}
		s.meta[productID] = rec
	}
	if textVersion > rec.textVersion {
		rec.textVersion = textVersion
	}
	return nil
}

// Remove deletes the product's point and registry entry.
func (s *QdrantStore) Remove(ctx context.Context, productID string) error {
	s.mu.Lock()
	delete(s.meta, productID)
	id, ok := s.ids[productID]
	delete(s.ids, productID)
	s.mu.Unlock()
	if !ok {
		return nil
	}

	_, err := s.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: s.collection,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{Ids: []*pb.PointId{{PointIdOptions: &pb.PointId_Uuid{Uuid: id}}}},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("qdrant delete %s: %w", productID, err)
	}
	return nil
}

// Query searches the collection, filters and re-ranks locally, and returns
// the top K results with the same ordering guarantees as MemoryStore.
func (s *QdrantStore) Query(ctx context.Context, vector []float32, opts QueryOptions) ([]Result, error) {
	if opts.K <= 0 {
		return nil, nil
	}

	resp, err := s.points.Search(ctx, &pb.SearchPoints{
		CollectionName: s.collection,
		Vector:         vector,
		Limit:          uint64(opts.K + queryOverfetch),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant search %s: %w", s.collection, err)
	}

	s.mu.RLock()
	results := make([]Result, 0, len(resp.Result))
	for _, hit := range resp.Result {
		var productID string
		var version int64
		meta := make(map[string]string)
		for k, v := range hit.Payload {
			switch k {
			case "product_id":
				productID = v.GetStringValue()
			case "version":
				version = v.GetIntegerValue()
			default:
				if sv, ok := v.Kind.(*pb.Value_StringValue); ok {
					meta[k] = sv.StringValue
				}
			}
		}
		if productID == "" {
			continue
		}

		stale := false
		if rec, ok := s.meta[productID]; ok {
			stale = version < rec.textVersion
		}
		if stale && !opts.IncludeStale {
			continue
		}
		if !matchesFilters(meta, opts.Filters) {
			continue
		}
		results = append(results, Result{
			ProductID: productID,
			Score:     float64(hit.Score),
			Version:   version,
			Metadata:  meta,
			Stale:     stale,
		})
	}
	s.mu.RUnlock()

	SortResults(results)
	if len(results) > opts.K {
		results = results[:opts.K]
	}
	return results, nil
}

// Close tears down the underlying gRPC connection.
func (s *QdrantStore) Close() error {
	return s.conn.Close()
}
