package router

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/adapta/solmatch/internal/catalog"
	"github.com/adapta/solmatch/internal/embedding"
	"github.com/adapta/solmatch/internal/gateway"
	"github.com/adapta/solmatch/internal/recommend"
	"github.com/adapta/solmatch/internal/usercontext"
	"github.com/adapta/solmatch/internal/vectorstore"
	"go.uber.org/zap"
)

// captureAdapter records outbound messages for inspection.
type captureAdapter struct {
	mu   sync.Mutex
	sent []*gateway.OutboundMessage
}

func (a *captureAdapter) Platform() string                        { return "rest" }
func (a *captureAdapter) Connect(context.Context) error           { return nil }
func (a *captureAdapter) OnMessage(gateway.MessageHandler)        {}
func (a *captureAdapter) Close() error                            { return nil }
func (a *captureAdapter) Send(_ context.Context, msg *gateway.OutboundMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, msg)
	return nil
}

func (a *captureAdapter) last(t *testing.T) *gateway.OutboundMessage {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sent) == 0 {
		t.Fatal("no reply sent")
	}
	return a.sent[len(a.sent)-1]
}

type fixedEmbedder struct {
	vec []float32
	err error
}

func (e *fixedEmbedder) Embed(context.Context, string) ([]float32, error) {
	return e.vec, e.err
}

type memChatStore struct {
	mu       sync.Mutex
	messages []*catalog.ChatMessage
}

func (s *memChatStore) SaveMessage(_ context.Context, m *catalog.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
	return nil
}

func newTestRouter(t *testing.T, emb recommend.Embedder) (*MessageRouter, *captureAdapter, *usercontext.Manager, *memChatStore) {
	t.Helper()
	logger := zap.NewNop()
	store := vectorstore.NewMemoryStore()
	if err := store.Upsert(context.Background(), vectorstore.Point{
		ProductID: "p-1",
		Vector:    []float32{1, 0},
		Version:   1,
		Metadata:  map[string]string{"name": "LedgerPro", "industry": "fintech"},
	}); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	contexts := usercontext.NewManager(nil, logger)
	engine := recommend.NewEngine(emb, store, contexts, logger)

	adapter := &captureAdapter{}
	gw := gateway.NewGateway(logger)
	gw.Register(adapter)

	chats := &memChatStore{}
	return New(engine, gw, contexts, chats, logger), adapter, contexts, chats
}

func inbound(content string) *gateway.InboundMessage {
	return &gateway.InboundMessage{
		Platform:  "rest",
		ChannelID: "ch-1",
		UserID:    "user-1",
		Content:   content,
	}
}

func TestHandleRepliesWithMatches(t *testing.T) {
	mr, adapter, _, chats := newTestRouter(t, &fixedEmbedder{vec: []float32{1, 0}})

	mr.Handle(inbound("accounting software for startups"))

	reply := adapter.last(t)
	if !strings.Contains(reply.Content, "LedgerPro") {
		t.Errorf("reply missing product name: %q", reply.Content)
	}

	chats.mu.Lock()
	defer chats.mu.Unlock()
	if len(chats.messages) != 2 {
		t.Fatalf("expected 2 persisted turns, got %d", len(chats.messages))
	}
	if chats.messages[0].Role != catalog.RoleUser || chats.messages[1].Role != catalog.RoleAssistant {
		t.Errorf("unexpected roles: %s, %s", chats.messages[0].Role, chats.messages[1].Role)
	}
}

func TestHandleExtractsInlineSignals(t *testing.T) {
	mr, adapter, contexts, _ := newTestRouter(t, &fixedEmbedder{vec: []float32{1, 0}})

	mr.Handle(inbound("industry: fintech need invoicing tools"))

	uc := contexts.Get("user-1")
	if uc.Signals["industry"] != "fintech" {
		t.Errorf("industry signal not captured: %v", uc.Signals)
	}
	// The hint is stripped; the rest still drives a search.
	if !strings.Contains(adapter.last(t).Content, "LedgerPro") {
		t.Errorf("expected recommendations after signal extraction, got %q", adapter.last(t).Content)
	}
}

func TestHandleSignalOnlyMessageConfirms(t *testing.T) {
	mr, adapter, contexts, _ := newTestRouter(t, &fixedEmbedder{vec: []float32{1, 0}})

	mr.Handle(inbound("size=small"))

	if contexts.Get("user-1").Signals["size"] != "small" {
		t.Error("size signal not stored")
	}
	if strings.Contains(adapter.last(t).Content, "LedgerPro") {
		t.Error("signal-only message should not trigger a search")
	}
}

func TestHandleUnknownKeyStaysInQuery(t *testing.T) {
	mr, _, contexts, _ := newTestRouter(t, &fixedEmbedder{vec: []float32{1, 0}})

	mr.Handle(inbound("color: red accounting tools"))

	if _, ok := contexts.Get("user-1").Signals["color"]; ok {
		t.Error("unrecognized inline key must not become a signal")
	}
}

func TestHandleDegradedEmbedding(t *testing.T) {
	mr, adapter, _, _ := newTestRouter(t, &fixedEmbedder{
		err: fmt.Errorf("%w: 3 attempts", embedding.ErrUnavailable),
	})

	mr.Handle(inbound("accounting software"))

	reply := adapter.last(t)
	if !strings.Contains(reply.Content, "degraded") {
		t.Errorf("expected degraded notice, got %q", reply.Content)
	}
	if strings.Contains(reply.Content, "No matching products") {
		t.Error("outage must not read like an empty result")
	}
}

func TestContextCommand(t *testing.T) {
	mr, adapter, contexts, _ := newTestRouter(t, &fixedEmbedder{vec: []float32{1, 0}})

	mr.Handle(inbound("/context industry=fintech location=berlin"))
	if contexts.Get("user-1").Signals["location"] != "berlin" {
		t.Error("command signals not stored")
	}

	mr.Handle(inbound("/context"))
	reply := adapter.last(t)
	if !strings.Contains(reply.Content, "industry: fintech") {
		t.Errorf("profile listing missing signal: %q", reply.Content)
	}
}

func TestExtractSignals(t *testing.T) {
	tests := []struct {
		in        string
		wantQuery string
		want      map[string]string
	}{
		{"plain query text", "plain query text", map[string]string{}},
		{"industry: fintech crm tools", "crm tools", map[string]string{"industry": "fintech"}},
		{"platform=web size=small dashboards", "dashboards", map[string]string{"platform": "web", "size": "small"}},
		{"version: 2 of the report", "version: 2 of the report", map[string]string{}},
	}
	for _, tt := range tests {
		query, signals := extractSignals(tt.in)
		if query != tt.wantQuery {
			t.Errorf("extractSignals(%q) query = %q, want %q", tt.in, query, tt.wantQuery)
		}
		if len(signals) != len(tt.want) {
			t.Errorf("extractSignals(%q) signals = %v, want %v", tt.in, signals, tt.want)
			continue
		}
		for k, v := range tt.want {
			if signals[k] != v {
				t.Errorf("extractSignals(%q)[%s] = %q, want %q", tt.in, k, signals[k], v)
			}
		}
	}
}
