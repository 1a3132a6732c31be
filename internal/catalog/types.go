package catalog

import (
	"strings"
	"time"
)

// Owner is a solution owner: the company publishing products.
type Owner struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Email       string    `json:"email"`
	Description string    `json:"description,omitempty"`
	Website     string    `json:"website,omitempty"`
	Industry    string    `json:"industry,omitempty"`
	Size        string    `json:"size,omitempty"` // Small, Medium, Large, Enterprise
	Location    string    `json:"location,omitempty"`
	Verified    bool      `json:"verified"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Product is a catalog entry. EmbeddingVersion increments whenever the
// embeddable text changes; the vector store refuses writes that are not
// strictly newer.
type Product struct {
	ID               string    `json:"id"`
	OwnerID          string    `json:"owner_id"`
	Name             string    `json:"name"`
	Description      string    `json:"description,omitempty"`
	Category         string    `json:"category,omitempty"`
	Platform         string    `json:"platform,omitempty"` // Web, Mobile, Desktop, API
	Features         []string  `json:"features,omitempty"`
	TargetAudience   string    `json:"target_audience,omitempty"`
	Available        bool      `json:"available"`
	EmbeddingVersion int64     `json:"embedding_version"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// EmbeddingText composes the display text sent to the embedding provider.
// Field order is fixed so the same product data always produces the same
// text, and the same cache key.
func (p *Product) EmbeddingText(owner *Owner) string {
	var parts []string
	add := func(label, value string) {
		if value != "" {
			parts = append(parts, label+": "+value)
		}
	}
	add("Product", p.Name)
	add("Description", p.Description)
	add("Category", p.Category)
	add("Platform", p.Platform)
	if len(p.Features) > 0 {
		add("Features", strings.Join(p.Features, ", "))
	}
	add("Target Audience", p.TargetAudience)
	if owner != nil {
		add("Company", owner.Name)
		add("Industry", owner.Industry)
	}
	return strings.Join(parts, " | ")
}

// SearchMetadata is the payload stored beside the product vector. Keys here
// line up with recognized context signal keys so the recommendation engine
// can match user signals against product attributes.
func (p *Product) SearchMetadata(owner *Owner) map[string]string {
	meta := map[string]string{"name": p.Name}
	if p.Category != "" {
		meta["category"] = strings.ToLower(p.Category)
	}
	if p.Platform != "" {
		meta["platform"] = strings.ToLower(p.Platform)
	}
	if owner != nil {
		if owner.Industry != "" {
			meta["industry"] = strings.ToLower(owner.Industry)
		}
		if owner.Size != "" {
			meta["size"] = strings.ToLower(owner.Size)
		}
		if owner.Location != "" {
			meta["location"] = strings.ToLower(owner.Location)
		}
	}
	return meta
}

// MessageRole labels who wrote a chat message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// ChatMessage is one stored chat turn.
type ChatMessage struct {
	ID        string      `json:"id"`
	UserID    string      `json:"user_id"`
	SessionID string      `json:"session_id"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"created_at"`
}
