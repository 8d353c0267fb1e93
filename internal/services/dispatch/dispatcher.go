package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/parley/internal/common"
	"github.com/ternarybob/parley/internal/interfaces"
	"github.com/ternarybob/parley/internal/models"
	"github.com/ternarybob/parley/internal/services/conversations"
	"github.com/ternarybob/parley/internal/services/sources"
)

// ErrConversationBusy is returned when a send is already in flight for the
// conversation. Duplicate submission is prevented; the caller should keep
// the input editable and retry after the current send resolves.
var ErrConversationBusy = errors.New("conversation busy")

const (
	retryingNotice = "The selected knowledge base appears to be empty. Retrying without document grounding..."
	fallbackFailed = "The selected knowledge base is empty and answering without it also failed. Please try again."
)

// Dispatcher routes each user message to the right backend operation and
// owns the per-conversation knowledge-library selection. Message appends
// within one conversation are serialized by a busy flag; different
// conversations proceed independently.
type Dispatcher struct {
	gateway    interfaces.BackendGateway
	store      *conversations.Store
	prefs      interfaces.PreferenceStorage
	normalizer *sources.Normalizer
	logger     arbor.ILogger

	mu       sync.Mutex
	busy     map[string]bool
	selected map[string][]string // conversation id -> selected library ids
}

// NewDispatcher creates a query dispatcher.
func NewDispatcher(
	gateway interfaces.BackendGateway,
	store *conversations.Store,
	prefs interfaces.PreferenceStorage,
	normalizer *sources.Normalizer,
	logger arbor.ILogger,
) *Dispatcher {
	return &Dispatcher{
		gateway:    gateway,
		store:      store,
		prefs:      prefs,
		normalizer: normalizer,
		logger:     logger,
		busy:       make(map[string]bool),
		selected:   make(map[string][]string),
	}
}

// SelectedLibraries returns the library selection for a conversation,
// loading it from the preference store on first access. No selection means
// direct chat.
func (d *Dispatcher) SelectedLibraries(ctx context.Context, conversationID string) []string {
	d.mu.Lock()
	if ids, ok := d.selected[conversationID]; ok {
		out := append([]string(nil), ids...)
		d.mu.Unlock()
		return out
	}
	d.mu.Unlock()

	ids, err := d.prefs.SelectedLibraries(ctx, conversationID)
	if err != nil {
		d.logger.Warn().Err(err).
			Str("conversation_id", conversationID).
			Msg("Failed to load library selection, defaulting to none")
		ids = nil
	}

	d.mu.Lock()
	d.selected[conversationID] = append([]string(nil), ids...)
	d.mu.Unlock()
	return ids
}

// SetSelectedLibraries records the library selection for a conversation and
// writes it through to the preference store. The in-memory map and the
// write-through happen as one step so a selection made just before a send
// is never lost.
func (d *Dispatcher) SetSelectedLibraries(ctx context.Context, conversationID string, libraryIDs []string) {
	d.mu.Lock()
	d.selected[conversationID] = append([]string(nil), libraryIDs...)
	d.mu.Unlock()

	if err := d.prefs.SetSelectedLibraries(ctx, conversationID, libraryIDs); err != nil {
		// Preference persistence is cosmetic; losing it costs a re-selection.
		d.logger.Warn().Err(err).
			Str("conversation_id", conversationID).
			Msg("Failed to persist library selection")
	}
}

// ForgetConversation drops dispatcher state for a deleted conversation.
func (d *Dispatcher) ForgetConversation(ctx context.Context, conversationID string) {
	d.mu.Lock()
	delete(d.selected, conversationID)
	delete(d.busy, conversationID)
	d.mu.Unlock()

	if err := d.prefs.DeleteConversationState(ctx, conversationID); err != nil {
		d.logger.Warn().Err(err).
			Str("conversation_id", conversationID).
			Msg("Failed to clear conversation preferences")
	}
}

// Dispatch persists the user's message, routes the query, and appends the
// AI answer to the conversation. On failure a terminal error bubble is
// appended and the error returned.
func (d *Dispatcher) Dispatch(ctx context.Context, conversationID, content string, libraryIDs []string, direct bool) (*models.Message, error) {
	if !d.acquire(conversationID) {
		return nil, ErrConversationBusy
	}
	defer d.release(conversationID)

	d.persistUserMessage(ctx, conversationID, content)
	return d.respond(ctx, conversationID, content, libraryIDs, direct)
}

// Respond generates and appends an AI answer without adding a user message.
// The edit-and-regenerate flow uses this after truncation: the edited user
// message is already in place.
func (d *Dispatcher) Respond(ctx context.Context, conversationID, content string, libraryIDs []string, direct bool) (*models.Message, error) {
	if !d.acquire(conversationID) {
		return nil, ErrConversationBusy
	}
	defer d.release(conversationID)

	return d.respond(ctx, conversationID, content, libraryIDs, direct)
}

// Busy reports whether a send is in flight for the conversation.
func (d *Dispatcher) Busy(conversationID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.busy[conversationID]
}

func (d *Dispatcher) acquire(conversationID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.busy[conversationID] {
		return false
	}
	d.busy[conversationID] = true
	return true
}

func (d *Dispatcher) release(conversationID string) {
	d.mu.Lock()
	delete(d.busy, conversationID)
	d.mu.Unlock()
}

// persistUserMessage stores the user's message at the backend, then shows
// it locally. Persistence failure never blocks the user from seeing their
// own message; it is shown anyway, marked pending.
func (d *Dispatcher) persistUserMessage(ctx context.Context, conversationID, content string) {
	userMsg := models.Message{
		ID:        common.NewMessageID(),
		Content:   content,
		IsUser:    true,
		Timestamp: time.Now(),
	}

	backendID, err := d.gateway.AddMessage(ctx, conversationID, content, "user")
	if err != nil {
		d.logger.Warn().Err(err).
			Str("conversation_id", conversationID).
			Msg("Failed to persist user message, showing locally as pending")
		userMsg.Pending = true
	}

	if err := d.store.AppendMessage(conversationID, userMsg); err != nil {
		d.logger.Error().Err(err).
			Str("conversation_id", conversationID).
			Msg("Failed to append user message locally")
		return
	}
	if backendID != "" {
		d.store.ReconcileMessageID(conversationID, userMsg.ID, backendID)
	}
}

func (d *Dispatcher) respond(ctx context.Context, conversationID, content string, libraryIDs []string, direct bool) (*models.Message, error) {
	result, err := d.route(ctx, conversationID, content, libraryIDs, direct)
	if err != nil {
		// Only an empty-knowledge-base rejection on a grounded query gets
		// the one-shot direct-chat fallback; everything else is terminal.
		if !direct && models.IsEmptyKnowledgeBase(err) {
			return d.fallbackToDirectChat(ctx, conversationID, content)
		}
		d.appendErrorMessage(conversationID, errorText(err))
		return nil, err
	}

	return d.appendAnswer(conversationID, result), nil
}

// route applies the ordered routing policy: explicit direct mode, then
// multi-library, then single-library, then the query endpoint without
// grounding.
func (d *Dispatcher) route(ctx context.Context, conversationID, content string, libraryIDs []string, direct bool) (*interfaces.QueryResult, error) {
	switch {
	case direct:
		d.logger.Debug().Str("conversation_id", conversationID).Msg("Routing to direct chat")
		return d.gateway.Chat(ctx, content, conversationID)
	case len(libraryIDs) > 1:
		d.logger.Debug().
			Str("conversation_id", conversationID).
			Strs("library_ids", libraryIDs).
			Msg("Routing to multi-library query")
		return d.gateway.Query(ctx, &interfaces.QueryRequest{
			Query:            content,
			KnowledgeBaseIDs: libraryIDs,
			ConversationID:   conversationID,
		})
	case len(libraryIDs) == 1:
		d.logger.Debug().
			Str("conversation_id", conversationID).
			Str("library_id", libraryIDs[0]).
			Msg("Routing to single-library query")
		return d.gateway.Query(ctx, &interfaces.QueryRequest{
			Query:           content,
			KnowledgeBaseID: libraryIDs[0],
			ConversationID:  conversationID,
		})
	default:
		d.logger.Debug().Str("conversation_id", conversationID).Msg("Routing to ungrounded query")
		return d.gateway.Query(ctx, &interfaces.QueryRequest{
			Query:          content,
			ConversationID: conversationID,
		})
	}
}

// fallbackToDirectChat reissues an empty-knowledge-base failure through the
// chat endpoint, exactly once. A transient retry notice is shown while the
// retry is in flight and is always gone by the time this returns: removed
// on success, replaced by a terminal error on failure.
func (d *Dispatcher) fallbackToDirectChat(ctx context.Context, conversationID, content string) (*models.Message, error) {
	d.logger.Info().
		Str("conversation_id", conversationID).
		Msg("Knowledge base empty, retrying through direct chat")

	transient := models.Message{
		ID:        common.NewMessageID(),
		Content:   retryingNotice,
		Timestamp: time.Now(),
		Transient: true,
	}
	if err := d.store.AppendMessage(conversationID, transient); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to show retry notice")
	}

	result, err := d.gateway.Chat(ctx, content, conversationID)
	if err != nil {
		d.store.ReplaceMessage(conversationID, transient.ID, models.Message{
			ID:        common.NewMessageID(),
			Content:   fallbackFailed,
			Timestamp: time.Now(),
			Transient: true,
		})
		return nil, err
	}

	d.store.RemoveMessage(conversationID, transient.ID)
	return d.appendAnswer(conversationID, result), nil
}

// appendAnswer converts a backend result to an assistant message and
// appends it.
func (d *Dispatcher) appendAnswer(conversationID string, result *interfaces.QueryResult) *models.Message {
	msg := models.Message{
		ID:        common.NewMessageID(),
		Content:   result.Answer,
		Timestamp: time.Now(),
		Sources:   d.normalizer.NormalizeList(result.Sources),
	}

	if result.Warning != "" {
		d.logger.Warn().
			Str("conversation_id", conversationID).
			Str("warning", result.Warning).
			Msg("Backend answered with a warning")
	}

	if err := d.store.AppendMessage(conversationID, msg); err != nil {
		d.logger.Error().Err(err).
			Str("conversation_id", conversationID).
			Msg("Failed to append answer locally")
		return nil
	}
	return &msg
}

// appendErrorMessage shows a terminal error bubble. Error bubbles are
// transient: they are never persisted and never reconciled.
func (d *Dispatcher) appendErrorMessage(conversationID, text string) {
	msg := models.Message{
		ID:        common.NewMessageID(),
		Content:   text,
		Timestamp: time.Now(),
		Transient: true,
	}
	if err := d.store.AppendMessage(conversationID, msg); err != nil {
		d.logger.Error().Err(err).
			Str("conversation_id", conversationID).
			Msg("Failed to append error message")
	}
}

func errorText(err error) string {
	var apiErr *models.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Class {
		case models.ErrorClassTransport:
			return "Could not reach the backend. Check your connection and try again."
		case models.ErrorClassServer:
			return "The backend ran into an internal error. Please try again."
		default:
			if apiErr.Detail != "" {
				return fmt.Sprintf("Request failed: %s (%s)", apiErr.Message, apiErr.Detail)
			}
			return fmt.Sprintf("Request failed: %s", apiErr.Message)
		}
	}
	return fmt.Sprintf("Request failed: %v", err)
}
