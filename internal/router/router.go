package router

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/adapta/solmatch/internal/catalog"
	"github.com/adapta/solmatch/internal/embedding"
	"github.com/adapta/solmatch/internal/gateway"
	"github.com/adapta/solmatch/internal/recommend"
	"github.com/adapta/solmatch/internal/usercontext"
	"go.uber.org/zap"
)

// defaultChatK is how many recommendations a chat reply carries.
const defaultChatK = 5

// signalRe matches inline preference hints like "industry: fintech" or
// "platform=web" anywhere in a chat message.
var signalRe = regexp.MustCompile(`(?i)\b([a-z]+)\s*[:=]\s*([a-zA-Z][\w-]*)`)

// ChatStore persists conversation turns. Optional.
type ChatStore interface {
	SaveMessage(ctx context.Context, m *catalog.ChatMessage) error
}

// MessageRouter turns inbound chat messages into recommendation replies.
type MessageRouter struct {
	engine   *recommend.Engine
	gw       *gateway.Gateway
	contexts *usercontext.Manager
	chats    ChatStore
	logger   *zap.Logger
}

// New creates a new MessageRouter. chats may be nil when Postgres is absent.
func New(engine *recommend.Engine, gw *gateway.Gateway,
	contexts *usercontext.Manager, chats ChatStore, logger *zap.Logger) *MessageRouter {
	return &MessageRouter{
		engine:   engine,
		gw:       gw,
		contexts: contexts,
		chats:    chats,
		logger:   logger,
	}
}

// Handle processes one inbound message. Signature matches
// gateway.MessageHandler.
func (mr *MessageRouter) Handle(msg *gateway.InboundMessage) {
	ctx := context.Background()
	mr.logger.Info("routing message",
		zap.String("platform", msg.Platform),
		zap.String("channel", msg.ChannelID),
		zap.String("user", msg.UserID),
	)

	mr.saveTurn(ctx, msg, catalog.RoleUser, msg.Content)

	// Slash commands bypass the recommendation pipeline
	if strings.HasPrefix(msg.Content, "/") {
		mr.sendReply(ctx, msg, mr.handleCommand(ctx, msg))
		return
	}

	// Inline preference hints update the user's context before searching
	query, signals := extractSignals(msg.Content)
	if len(signals) > 0 {
		mr.contexts.Update(ctx, msg.UserID, signals)
	}
	if strings.TrimSpace(query) == "" {
		if len(signals) > 0 {
			mr.sendReply(ctx, msg, "Got it, I'll keep that in mind. What are you looking for?")
		} else {
			mr.sendReply(ctx, msg, "Tell me what kind of product you're looking for.")
		}
		return
	}

	matches, err := mr.engine.Recommend(ctx, recommend.Request{
		Query:  query,
		UserID: msg.UserID,
		K:      defaultChatK,
	})
	if err != nil {
		mr.sendReply(ctx, msg, mr.errorReply(err))
		return
	}

	reply := recommend.FormatMatches(matches)
	mr.saveTurn(ctx, msg, catalog.RoleAssistant, reply)
	mr.sendReply(ctx, msg, reply)
}

// errorReply translates pipeline errors into chat-safe text. An embedding
// outage is reported as degraded service rather than "no results".
func (mr *MessageRouter) errorReply(err error) string {
	switch {
	case errors.Is(err, embedding.ErrUnavailable):
		mr.logger.Warn("recommendation degraded", zap.Error(err))
		return "Search is temporarily degraded — I can't rank products right now. Please try again in a moment."
	case errors.Is(err, recommend.ErrInvalidQuery):
		return "Tell me what kind of product you're looking for."
	default:
		mr.logger.Error("recommendation failed", zap.Error(err))
		return "Something went wrong while searching. Please try again."
	}
}

// handleCommand dispatches slash commands.
func (mr *MessageRouter) handleCommand(ctx context.Context, msg *gateway.InboundMessage) string {
	fields := strings.Fields(msg.Content)
	switch fields[0] {
	case "/context":
		if len(fields) == 1 {
			return mr.formatContext(msg.UserID)
		}
		signals := make(map[string]string)
		for _, f := range fields[1:] {
			k, v, ok := strings.Cut(f, "=")
			if !ok {
				return fmt.Sprintf("Can't parse %q — use key=value, e.g. /context industry=fintech", f)
			}
			signals[k] = v
		}
		mr.contexts.Update(ctx, msg.UserID, signals)
		return mr.formatContext(msg.UserID)
	case "/help":
		return "Ask me for product recommendations in plain language.\n" +
			"Inline hints like `industry: fintech` refine your profile.\n" +
			"`/context` shows your profile, `/context key=value` updates it."
	default:
		return fmt.Sprintf("Unknown command %s. Try /help.", fields[0])
	}
}

// formatContext renders the user's stored signals for chat display.
func (mr *MessageRouter) formatContext(userID string) string {
	uc := mr.contexts.Get(userID)
	if len(uc.Signals) == 0 {
		return "No profile yet. Set one with e.g. /context industry=fintech size=small"
	}
	keys := make([]string, 0, len(uc.Signals))
	for k := range uc.Signals {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("Your profile:\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %s\n", k, uc.Signals[k])
	}
	return b.String()
}

// extractSignals pulls recognized "key: value" / "key=value" hints out of a
// message. Returns the remaining query text and the extracted signals.
// Unrecognized keys are left in the query untouched.
func extractSignals(content string) (string, map[string]string) {
	signals := make(map[string]string)
	query := signalRe.ReplaceAllStringFunc(content, func(m string) string {
		parts := signalRe.FindStringSubmatch(m)
		if !usercontext.KnownSignal(parts[1]) {
			return m
		}
		signals[strings.ToLower(parts[1])] = strings.ToLower(parts[2])
		return ""
	})
	return strings.Join(strings.Fields(query), " "), signals
}

// saveTurn persists one chat turn, best effort.
func (mr *MessageRouter) saveTurn(ctx context.Context, msg *gateway.InboundMessage, role catalog.MessageRole, content string) {
	if mr.chats == nil {
		return
	}
	err := mr.chats.SaveMessage(ctx, &catalog.ChatMessage{
		UserID:    msg.UserID,
		SessionID: msg.SessionID(),
		Role:      role,
		Content:   content,
	})
	if err != nil {
		mr.logger.Warn("persist chat turn failed", zap.Error(err))
	}
}

// sendReply sends a text reply back to the originating platform/channel.
func (mr *MessageRouter) sendReply(ctx context.Context, orig *gateway.InboundMessage, text string) {
	err := mr.gw.Send(ctx, &gateway.OutboundMessage{
		Platform:  orig.Platform,
		ChannelID: orig.ChannelID,
		Content:   text,
		ReplyTo:   orig.ReplyTo,
	})
	if err != nil {
		mr.logger.Error("send reply failed", zap.Error(err))
	}
}
