package usercontext

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// UserContext holds the preference signals collected for one user from
// onboarding and chat flows.
type UserContext struct {
	UserID      string            `json:"user_id"`
	Signals     map[string]string `json:"signals"`
	LastUpdated time.Time         `json:"last_updated"`
}

// signalWeights are the recognized signal keys and the ranking bonus each
// contributes when a product attribute matches. Unknown keys are stored but
// never weighted.
var signalWeights = map[string]float64{
	"industry": 0.5,
	"category": 0.4,
	"size":     0.4,
	"platform": 0.3,
	"location": 0.2,
}

// Persister stores contexts so they survive restarts. Optional.
type Persister interface {
	SaveContext(ctx context.Context, uc *UserContext) error
	LoadContexts(ctx context.Context) ([]*UserContext, error)
}

// Manager keeps per-user context state. Reads never fail: an unknown user
// gets an empty context, and malformed signals are ignored, not rejected.
type Manager struct {
	mu        sync.RWMutex
	contexts  map[string]*UserContext
	persister Persister
	logger    *zap.Logger
}

// NewManager creates a context manager. persister may be nil for
// memory-only operation.
func NewManager(persister Persister, logger *zap.Logger) *Manager {
	return &Manager{
		contexts:  make(map[string]*UserContext),
		persister: persister,
		logger:    logger,
	}
}

// Load hydrates contexts from the persister, typically at boot.
func (m *Manager) Load(ctx context.Context) error {
	if m.persister == nil {
		return nil
	}
	stored, err := m.persister.LoadContexts(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, uc := range stored {
		m.contexts[uc.UserID] = uc
	}
	return nil
}

// Get returns a copy of the user's context, or an empty one if none exists.
func (m *Manager) Get(userID string) UserContext {
	m.mu.RLock()
	defer m.mu.RUnlock()

	uc, ok := m.contexts[userID]
	if !ok {
		return UserContext{UserID: userID, Signals: map[string]string{}}
	}
	return uc.copy()
}

func (uc *UserContext) copy() UserContext {
	signals := make(map[string]string, len(uc.Signals))
	for k, v := range uc.Signals {
		signals[k] = v
	}
	return UserContext{UserID: uc.UserID, Signals: signals, LastUpdated: uc.LastUpdated}
}

// Update merges the supplied signals into the user's context by key: a new
// value replaces the old value for that key only, other keys are untouched.
// Empty keys or values are dropped silently to keep onboarding flows
// resilient. Returns the merged context.
func (m *Manager) Update(ctx context.Context, userID string, signals map[string]string) UserContext {
	m.mu.Lock()
	uc, ok := m.contexts[userID]
	if !ok {
		uc = &UserContext{UserID: userID, Signals: make(map[string]string)}
		m.contexts[userID] = uc
	}
	for k, v := range signals {
		key := strings.TrimSpace(strings.ToLower(k))
		val := strings.TrimSpace(v)
		if key == "" || val == "" {
			continue
		}
		uc.Signals[key] = val
	}
	uc.LastUpdated = time.Now()
	merged := uc.copy()
	m.mu.Unlock()

	if m.persister != nil {
		if err := m.persister.SaveContext(ctx, &merged); err != nil {
			m.logger.Warn("persist user context failed",
				zap.String("user_id", userID), zap.Error(err))
		}
	}
	return merged
}

// KnownSignal reports whether key is a recognized, weighted signal key.
func KnownSignal(key string) bool {
	_, ok := signalWeights[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// Weights maps the context's recognized signals to attribute weights for
// the recommendation engine. An empty context yields neutral (empty) weights.
func Weights(uc UserContext) map[string]float64 {
	weights := make(map[string]float64)
	for key := range uc.Signals {
		if w, ok := signalWeights[key]; ok {
			weights[key] = w
		}
	}
	return weights
}
