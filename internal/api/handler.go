package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/adapta/solmatch/internal/catalog"
	"github.com/adapta/solmatch/internal/coordinator"
	"github.com/adapta/solmatch/internal/embedding"
	"github.com/adapta/solmatch/internal/gateway"
	"github.com/adapta/solmatch/internal/recommend"
	"github.com/adapta/solmatch/internal/usercontext"
	"go.uber.org/zap"
)

// ChatHistory is the slice of the store the chat history endpoint needs.
type ChatHistory interface {
	GetHistory(ctx context.Context, userID, sessionID string, limit int) ([]*catalog.ChatMessage, error)
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	engine   *recommend.Engine
	catalog  *catalog.Service
	contexts *usercontext.Manager
	coord    *coordinator.Coordinator
	restGW   *gateway.RESTAdapter
	history  ChatHistory // nil when Postgres is absent
	logger   *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(
	engine *recommend.Engine,
	catalogSvc *catalog.Service,
	contexts *usercontext.Manager,
	coord *coordinator.Coordinator,
	restGW *gateway.RESTAdapter,
	history ChatHistory,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		engine:   engine,
		catalog:  catalogSvc,
		contexts: contexts,
		coord:    coord,
		restGW:   restGW,
		history:  history,
		logger:   logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Post("/recommend", h.recommendProducts)

		r.Get("/owners", h.listOwners)
		r.Post("/owners", h.createOwner)
		r.Get("/owners/{id}", h.getOwner)
		r.Put("/owners/{id}", h.updateOwner)
		r.Delete("/owners/{id}", h.deleteOwner)

		r.Get("/products", h.listProducts)
		r.Post("/products", h.createProduct)
		r.Get("/products/{id}", h.getProduct)
		r.Put("/products/{id}", h.updateProduct)
		r.Delete("/products/{id}", h.deleteProduct)
		r.Post("/products/{id}/embed", h.enqueueEmbedding)

		r.Get("/context/{userID}", h.getContext)
		r.Post("/context/{userID}", h.updateContext)

		r.Get("/embeddings/failed", h.listFailedEmbeddings)

		r.Route("/chat", func(r chi.Router) {
			if h.restGW != nil {
				r.Post("/message", h.restGW.HandleMessage)
			}
			r.Get("/history", h.chatHistory)
		})
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "solmatch"})
}

// --- Recommendations ---

func (h *Handler) recommendProducts(w http.ResponseWriter, r *http.Request) {
	var req recommend.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	matches, err := h.engine.Recommend(r.Context(), req)
	if err != nil {
		h.writeRecommendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"matches": matches,
		"count":   len(matches),
	})
}

// writeRecommendError maps pipeline errors onto status codes. An embedding
// outage must be distinguishable from "no relevant products": it gets a 503
// with a degraded marker, never an empty 200.
func (h *Handler) writeRecommendError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, recommend.ErrInvalidQuery), errors.Is(err, recommend.ErrInvalidK):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, embedding.ErrUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":    err.Error(),
			"degraded": true,
		})
	default:
		h.logger.Error("recommendation failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

// --- Owners ---

func (h *Handler) listOwners(w http.ResponseWriter, r *http.Request) {
	owners, err := h.catalog.ListOwners(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, owners)
}

func (h *Handler) createOwner(w http.ResponseWriter, r *http.Request) {
	var o catalog.Owner
	if err := json.NewDecoder(r.Body).Decode(&o); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if o.Name == "" || o.Email == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name and email are required"})
		return
	}
	if err := h.catalog.CreateOwner(r.Context(), &o); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (h *Handler) getOwner(w http.ResponseWriter, r *http.Request) {
	o, err := h.catalog.GetOwner(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "owner not found"})
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *Handler) updateOwner(w http.ResponseWriter, r *http.Request) {
	var o catalog.Owner
	if err := json.NewDecoder(r.Body).Decode(&o); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	o.ID = chi.URLParam(r, "id")
	if err := h.catalog.UpdateOwner(r.Context(), &o); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *Handler) deleteOwner(w http.ResponseWriter, r *http.Request) {
	if err := h.catalog.DeleteOwner(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Products ---

func (h *Handler) listProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.catalog.ListProducts(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, products)
}

func (h *Handler) createProduct(w http.ResponseWriter, r *http.Request) {
	var p catalog.Product
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if p.Name == "" || p.OwnerID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name and owner_id are required"})
		return
	}

	queued, err := h.catalog.CreateProduct(r.Context(), &p)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"product":          p,
		"embedding_queued": queued,
	})
}

func (h *Handler) getProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.catalog.GetProduct(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "product not found"})
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) updateProduct(w http.ResponseWriter, r *http.Request) {
	var p catalog.Product
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	p.ID = chi.URLParam(r, "id")

	queued, err := h.catalog.UpdateProduct(r.Context(), &p)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"product":          p,
		"embedding_queued": queued,
	})
}

func (h *Handler) deleteProduct(w http.ResponseWriter, r *http.Request) {
	if err := h.catalog.DeleteProduct(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// enqueueEmbedding explicitly re-queues a product's embedding. Unlike the
// create/update paths, it surfaces backpressure to the caller as a 429.
func (h *Handler) enqueueEmbedding(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := h.catalog.GetProduct(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "product not found"})
		return
	}
	owner, err := h.catalog.GetOwner(r.Context(), p.OwnerID)
	if err != nil {
		owner = nil
	}

	err = h.coord.TryEnqueue(r.Context(), p.ID, p.EmbeddingText(owner), p.EmbeddingVersion, p.SearchMetadata(owner))
	if errors.Is(err, coordinator.ErrQueueFull) {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"product_id": p.ID,
		"version":    p.EmbeddingVersion,
	})
}

// --- User context ---

func (h *Handler) getContext(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.contexts.Get(chi.URLParam(r, "userID")))
}

func (h *Handler) updateContext(w http.ResponseWriter, r *http.Request) {
	var signals map[string]string
	if err := json.NewDecoder(r.Body).Decode(&signals); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	uc := h.contexts.Update(r.Context(), chi.URLParam(r, "userID"), signals)
	writeJSON(w, http.StatusOK, uc)
}

// --- Operations ---

func (h *Handler) listFailedEmbeddings(w http.ResponseWriter, r *http.Request) {
	items := h.coord.FailedItems()
	writeJSON(w, http.StatusOK, map[string]any{
		"failed":      items,
		"count":       len(items),
		"queue_depth": h.coord.QueueDepth(),
	})
}

// --- Chat ---

func (h *Handler) chatHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "chat history unavailable"})
		return
	}
	userID := r.URL.Query().Get("user_id")
	sessionID := r.URL.Query().Get("session_id")
	if userID == "" || sessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id and session_id are required"})
		return
	}
	messages, err := h.history.GetHistory(r.Context(), userID, sessionID, 50)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
