package messages

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/parley/internal/models"
	"github.com/ternarybob/parley/internal/services/conversations"
	"github.com/ternarybob/parley/internal/services/dispatch"
)

// ErrNoActiveConversation is returned by Edit when nothing is active.
var ErrNoActiveConversation = errors.New("no active conversation")

// ErrNotUserMessage is returned when editing an assistant message.
var ErrNotUserMessage = errors.New("only user messages can be edited")

// DefaultTitleMaxLength caps titles seeded from the first message.
const DefaultTitleMaxLength = 30

// Lifecycle creates, edits, and truncates messages within the active
// conversation, delegating response generation to the dispatcher.
type Lifecycle struct {
	store      *conversations.Store
	dispatcher *dispatch.Dispatcher
	logger     arbor.ILogger
	titleMax   int
}

// NewLifecycle creates a message lifecycle manager. titleMax bounds the
// conversation title seeded from the first message; zero means the default.
func NewLifecycle(store *conversations.Store, dispatcher *dispatch.Dispatcher, logger arbor.ILogger, titleMax int) *Lifecycle {
	if titleMax <= 0 {
		titleMax = DefaultTitleMaxLength
	}
	return &Lifecycle{
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
		titleMax:   titleMax,
	}
}

// Send submits a user message. Empty or whitespace-only content is a silent
// no-op, not a failure. When no conversation is active one is created,
// titled from a truncated prefix of the content.
func (l *Lifecycle) Send(ctx context.Context, content string) (*models.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}

	conversationID := l.store.ActiveID()
	if conversationID == "" {
		conv, err := l.store.Create(ctx, models.DeriveTitle(content, l.titleMax))
		if err != nil {
			return nil, fmt.Errorf("failed to start conversation: %w", err)
		}
		conversationID = conv.ID
	}

	libraryIDs := l.dispatcher.SelectedLibraries(ctx, conversationID)
	return l.dispatcher.Dispatch(ctx, conversationID, content, libraryIDs, false)
}

// SendDirect submits a user message in explicit direct mode, bypassing
// retrieval regardless of the library selection.
func (l *Lifecycle) SendDirect(ctx context.Context, content string) (*models.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}

	conversationID := l.store.ActiveID()
	if conversationID == "" {
		conv, err := l.store.Create(ctx, models.DeriveTitle(content, l.titleMax))
		if err != nil {
			return nil, fmt.Errorf("failed to start conversation: %w", err)
		}
		conversationID = conv.ID
	}

	return l.dispatcher.Dispatch(ctx, conversationID, content, nil, true)
}

// Edit rewrites a user message and regenerates from that point: every
// message after the edited one is discarded, then a fresh response is
// produced through the same path used for new sends. Editing to identical
// or empty content is a no-op.
func (l *Lifecycle) Edit(ctx context.Context, messageID, newContent string) (*models.Message, error) {
	if strings.TrimSpace(newContent) == "" {
		return nil, nil
	}

	conversationID := l.store.ActiveID()
	if conversationID == "" {
		return nil, ErrNoActiveConversation
	}

	msg, ok := l.store.Message(conversationID, messageID)
	if !ok {
		return nil, conversations.ErrMessageNotFound
	}
	if !msg.IsUser {
		return nil, ErrNotUserMessage
	}
	if msg.Content == newContent {
		return nil, nil
	}

	// Destructive truncation: downstream messages, including responses
	// based on the old content, are discarded rather than archived.
	removed, err := l.store.TruncateAfter(conversationID, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to truncate conversation: %w", err)
	}
	if err := l.store.SetMessageContent(conversationID, messageID, newContent); err != nil {
		return nil, fmt.Errorf("failed to apply edit: %w", err)
	}

	l.logger.Info().
		Str("conversation_id", conversationID).
		Str("message_id", messageID).
		Int("discarded", removed).
		Msg("Edited message, regenerating response")

	libraryIDs := l.dispatcher.SelectedLibraries(ctx, conversationID)
	return l.dispatcher.Respond(ctx, conversationID, newContent, libraryIDs, false)
}
