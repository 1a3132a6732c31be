package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/adapta/solmatch/internal/api"
	"github.com/adapta/solmatch/internal/catalog"
	"github.com/adapta/solmatch/internal/coordinator"
	"github.com/adapta/solmatch/internal/embedding"
	"github.com/adapta/solmatch/internal/gateway"
	"github.com/adapta/solmatch/internal/recommend"
	msgrouter "github.com/adapta/solmatch/internal/router"
	pgstore "github.com/adapta/solmatch/internal/store"
	"github.com/adapta/solmatch/internal/usercontext"
	"github.com/adapta/solmatch/internal/vectorstore"
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	testLogger, _ = zap.NewDevelopment()

	pgDSN, pgCleanup, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres unavailable, skipping e2e: %v\n", err)
		os.Exit(0)
	}
	defer pgCleanup()

	testPGStore, err = pgstore.New(ctx, pgDSN, testLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pg store: %v\n", err)
		os.Exit(1)
	}
	defer testPGStore.Close()

	if err := testPGStore.Migrate(ctx, "../../migrations"); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}

	redisURL, redisCleanup, err := startRedis(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redis: %v\n", err)
		os.Exit(1)
	}
	defer redisCleanup()
	testRedisURL = redisURL

	os.Exit(m.Run())
}

type stack struct {
	server *httptest.Server
	vstore *vectorstore.MemoryStore
	coord  *coordinator.Coordinator
}

// newStack assembles the full service against the shared containers: Redis
// embedding cache, fake OpenAI endpoint, real Postgres catalog and the
// coordinator pipeline into a memory vector store.
func newStack(t *testing.T) *stack {
	t.Helper()

	embedAPI := startEmbeddingAPI()
	t.Cleanup(embedAPI.Close)

	provider := embedding.NewAPIProvider(embedding.Config{
		Endpoint:  embedAPI.URL,
		Model:     "test-embed",
		Dimension: testDimension,
	})
	cache, err := embedding.NewRedisCache(testRedisURL, time.Hour, testLogger)
	if err != nil {
		t.Fatalf("redis cache: %v", err)
	}
	embedSvc := embedding.NewService(provider, cache, embedding.ServiceConfig{
		Model:     "test-embed",
		Dimension: testDimension,
	}, testLogger)

	vstore := vectorstore.NewMemoryStore()
	contexts := usercontext.NewManager(testPGStore, testLogger)
	if err := contexts.Load(context.Background()); err != nil {
		t.Fatalf("load contexts: %v", err)
	}

	coord := coordinator.New(embedSvc, vstore, coordinator.Config{
		QueueSize:      32,
		Workers:        2,
		RetryBaseDelay: 10 * time.Millisecond,
	}, testLogger)
	coord.Start()
	t.Cleanup(coord.Stop)

	catalogSvc := catalog.NewService(testPGStore, coord, vstore, testLogger)
	engine := recommend.NewEngine(embedSvc, vstore, contexts, testLogger)

	restGW := gateway.NewRESTAdapter(testLogger)
	gw := gateway.NewGateway(testLogger)
	gw.SetHandler(msgrouter.New(engine, gw, contexts, testPGStore, testLogger).Handle)
	gw.Register(restGW)

	h := api.NewHandler(engine, catalogSvc, contexts, coord, restGW, testPGStore, testLogger)
	server := httptest.NewServer(h.Router())
	t.Cleanup(server.Close)

	return &stack{server: server, vstore: vstore, coord: coord}
}

func (s *stack) request(t *testing.T, method, path string, body any, out any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req, err := http.NewRequest(method, s.server.URL+path, &buf)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp
}

func waitForVectors(t *testing.T, s *stack, n int) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if s.vstore.EmbeddedLen() >= n {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("vector store never reached %d points (have %d)", n, s.vstore.EmbeddedLen())
}

func TestRecommendationFlow(t *testing.T) {
	s := newStack(t)

	var owner catalog.Owner
	resp := s.request(t, http.MethodPost, "/api/owners", map[string]any{
		"name":     "Acme Fintech",
		"email":    "flow-owner@acme.test",
		"industry": "Fintech",
		"size":     "Small",
	}, &owner)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create owner: status %d", resp.StatusCode)
	}

	products := []map[string]any{
		{"name": "LedgerPro", "owner_id": owner.ID, "description": "accounting invoicing bookkeeping", "category": "Finance"},
		{"name": "ShipFast", "owner_id": owner.ID, "description": "logistics shipping tracking", "category": "Logistics"},
		{"name": "TalkHub", "owner_id": owner.ID, "description": "team chat messaging collaboration", "category": "Communication"},
	}
	ids := make(map[string]string)
	for _, p := range products {
		var created struct {
			Product catalog.Product `json:"product"`
			Queued  bool            `json:"embedding_queued"`
		}
		resp := s.request(t, http.MethodPost, "/api/products", p, &created)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("create product %v: status %d", p["name"], resp.StatusCode)
		}
		if !created.Queued {
			t.Fatalf("product %v not queued for embedding", p["name"])
		}
		ids[created.Product.Name] = created.Product.ID
	}

	waitForVectors(t, s, len(products))

	t.Run("Recommend", func(t *testing.T) {
		var result struct {
			Matches []recommend.Match `json:"matches"`
		}
		resp := s.request(t, http.MethodPost, "/api/recommend", recommend.Request{
			Query: "accounting invoicing software", K: 3,
		}, &result)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status %d", resp.StatusCode)
		}
		if len(result.Matches) == 0 {
			t.Fatal("no matches")
		}
		if result.Matches[0].ProductID != ids["LedgerPro"] {
			t.Errorf("top match = %s, want LedgerPro (%s)", result.Matches[0].ProductID, ids["LedgerPro"])
		}
	})

	t.Run("ReEmbedOnUpdate", func(t *testing.T) {
		var updated struct {
			Product catalog.Product `json:"product"`
			Queued  bool            `json:"embedding_queued"`
		}
		resp := s.request(t, http.MethodPut, "/api/products/"+ids["ShipFast"], map[string]any{
			"name":        "ShipFast",
			"owner_id":    owner.ID,
			"description": "freight logistics shipping tracking customs",
			"category":    "Logistics",
		}, &updated)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("update: status %d", resp.StatusCode)
		}
		if !updated.Queued {
			t.Fatal("text change must queue a re-embed")
		}
		if updated.Product.EmbeddingVersion != 2 {
			t.Errorf("version = %d, want 2", updated.Product.EmbeddingVersion)
		}

		// Until the new vector lands, a query either excludes the stale
		// point or serves the fresh one; eventually it is fresh at v2.
		deadline := time.Now().Add(10 * time.Second)
		for time.Now().Before(deadline) {
			var result struct {
				Matches []recommend.Match `json:"matches"`
			}
			s.request(t, http.MethodPost, "/api/recommend", recommend.Request{
				Query: "freight shipping logistics", K: 1,
			}, &result)
			if len(result.Matches) == 1 &&
				result.Matches[0].ProductID == ids["ShipFast"] &&
				result.Matches[0].Version == 2 {
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
		t.Fatal("updated product never served at version 2")
	})

	t.Run("ContextWeighting", func(t *testing.T) {
		resp := s.request(t, http.MethodPost, "/api/context/e2e-user", map[string]string{
			"category": "finance",
		}, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("update context: status %d", resp.StatusCode)
		}

		var result struct {
			Matches []recommend.Match `json:"matches"`
		}
		s.request(t, http.MethodPost, "/api/recommend", recommend.Request{
			Query: "accounting shipping tools", UserID: "e2e-user", K: 3,
		}, &result)
		boosted := false
		for _, m := range result.Matches {
			if m.ProductID == ids["LedgerPro"] {
				boosted = m.AdjustedScore > m.Similarity
			}
		}
		if !boosted {
			t.Error("category signal did not boost the finance product")
		}
	})

	t.Run("ChatFlow", func(t *testing.T) {
		var reply gateway.OutboundMessage
		resp := s.request(t, http.MethodPost, "/api/chat/message", map[string]string{
			"user_id":    "e2e-chat-user",
			"session_id": "s-1",
			"content":    "industry: fintech I need accounting invoicing tools",
		}, &reply)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("chat: status %d", resp.StatusCode)
		}
		if !strings.Contains(reply.Content, "LedgerPro") {
			t.Errorf("chat reply missing LedgerPro: %q", reply.Content)
		}

		// The inline hint was persisted as a context signal.
		var uc usercontext.UserContext
		s.request(t, http.MethodGet, "/api/context/e2e-chat-user", nil, &uc)
		if uc.Signals["industry"] != "fintech" {
			t.Errorf("industry signal = %q, want fintech", uc.Signals["industry"])
		}

		// Both chat turns landed in history.
		var history []catalog.ChatMessage
		s.request(t, http.MethodGet,
			"/api/chat/history?user_id=e2e-chat-user&session_id=rest:s-1", nil, &history)
		if len(history) != 2 {
			t.Errorf("history turns = %d, want 2", len(history))
		}
	})

	t.Run("DeleteRemovesVector", func(t *testing.T) {
		before := s.vstore.EmbeddedLen()
		resp := s.request(t, http.MethodDelete, "/api/products/"+ids["TalkHub"], nil, nil)
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("delete: status %d", resp.StatusCode)
		}
		if s.vstore.EmbeddedLen() != before-1 {
			t.Errorf("vector count = %d, want %d", s.vstore.EmbeddedLen(), before-1)
		}
	})
}

// TestContextSurvivesRestart verifies contexts persist through Postgres and
// hydrate into a fresh manager.
func TestContextSurvivesRestart(t *testing.T) {
	ctx := context.Background()

	first := usercontext.NewManager(testPGStore, testLogger)
	first.Update(ctx, "restart-user", map[string]string{"location": "berlin"})

	second := usercontext.NewManager(testPGStore, testLogger)
	if err := second.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := second.Get("restart-user").Signals["location"]; got != "berlin" {
		t.Errorf("location after reload = %q, want berlin", got)
	}
}

// TestRedisCacheSharedAcrossServices verifies two embedding services share
// cached vectors through Redis.
func TestRedisCacheSharedAcrossServices(t *testing.T) {
	embedAPI := startEmbeddingAPI()
	defer embedAPI.Close()

	provider := embedding.NewAPIProvider(embedding.Config{
		Endpoint: embedAPI.URL, Model: "test-embed", Dimension: testDimension,
	})
	cacheA, err := embedding.NewRedisCache(testRedisURL, time.Hour, testLogger)
	if err != nil {
		t.Fatalf("cache a: %v", err)
	}
	cacheB, err := embedding.NewRedisCache(testRedisURL, time.Hour, testLogger)
	if err != nil {
		t.Fatalf("cache b: %v", err)
	}

	cfg := embedding.ServiceConfig{Model: "test-embed", Dimension: testDimension}
	svcA := embedding.NewService(provider, cacheA, cfg, testLogger)
	svcB := embedding.NewService(provider, cacheB, cfg, testLogger)

	ctx := context.Background()
	vecA, err := svcA.Embed(ctx, "shared cache text")
	if err != nil {
		t.Fatalf("embed a: %v", err)
	}

	embedAPI.Close() // second service must be served from Redis

	vecB, err := svcB.Embed(ctx, "shared cache text")
	if err != nil {
		t.Fatalf("embed b after provider shutdown: %v", err)
	}
	for i := range vecA {
		if vecA[i] != vecB[i] {
			t.Fatalf("cached vector mismatch at %d", i)
		}
	}
}
