package conversations

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/parley/internal/interfaces"
	"github.com/ternarybob/parley/internal/models"
	"github.com/ternarybob/parley/internal/services/sources"
)

// ErrBackendUnavailable is returned when conversation creation fails at the
// backend. Prior local state is left untouched.
var ErrBackendUnavailable = errors.New("backend unavailable")

// ErrConversationNotFound is returned for operations on unknown ids.
var ErrConversationNotFound = errors.New("conversation not found")

// ErrMessageNotFound is returned for operations on unknown message ids.
var ErrMessageNotFound = errors.New("message not found")

// Store is the in-memory collection of conversations and their messages,
// the source of truth for the UI. It is reconciled against the backend:
// history fetches replace local messages wholesale, never merge.
type Store struct {
	gateway    interfaces.BackendGateway
	normalizer *sources.Normalizer
	logger     arbor.ILogger

	mu            sync.Mutex
	conversations []*models.Conversation
	activeID      string

	// fetchEpoch tags in-flight history fetches so a stale resolution
	// cannot overwrite the state of a newer activation.
	fetchEpoch uint64
}

// NewStore creates a conversation store.
func NewStore(gateway interfaces.BackendGateway, normalizer *sources.Normalizer, logger arbor.ILogger) *Store {
	return &Store{
		gateway:    gateway,
		normalizer: normalizer,
		logger:     logger,
	}
}

// List refreshes conversation summaries from the backend, newest first.
// Loaded message histories for conversations still present are carried over.
func (s *Store) List(ctx context.Context) ([]models.Conversation, error) {
	summaries, err := s.gateway.ListConversations(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing := make(map[string]*models.Conversation, len(s.conversations))
	for _, conv := range s.conversations {
		existing[conv.ID] = conv
	}

	refreshed := make([]*models.Conversation, 0, len(summaries))
	for _, summary := range summaries {
		conv := &models.Conversation{
			ID:           summary.ID,
			Title:        summary.Title,
			CreatedAt:    summary.CreatedAt,
			MessageCount: summary.MessageCount,
		}
		if prev, ok := existing[summary.ID]; ok {
			conv.Messages = prev.Messages
			conv.Files = prev.Files
			if len(prev.Messages) > 0 {
				conv.MessageCount = len(prev.Messages)
			}
		}
		refreshed = append(refreshed, conv)
	}
	s.conversations = refreshed

	return s.snapshotLocked(), nil
}

// Conversations returns a snapshot of the current summaries.
func (s *Store) Conversations() []models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() []models.Conversation {
	out := make([]models.Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		out = append(out, *conv)
	}
	return out
}

// ActiveID returns the id of the active conversation, or "".
func (s *Store) ActiveID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

// Active returns a copy of the active conversation, or nil.
func (s *Store) Active() *models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.findLocked(s.activeID)
	if conv == nil {
		return nil
	}
	copied := *conv
	copied.Messages = append([]models.Message(nil), conv.Messages...)
	return &copied
}

// Activate makes a conversation active and fetches its full message history,
// replacing the local message list wholesale. An empty id clears the active
// conversation. Concurrent activations are last-wins: the fetch is tagged
// with an epoch and a stale resolution is discarded.
func (s *Store) Activate(ctx context.Context, id string) error {
	s.mu.Lock()
	s.fetchEpoch++
	epoch := s.fetchEpoch
	s.activeID = id
	s.mu.Unlock()

	if id == "" {
		return nil
	}

	detail, err := s.gateway.GetConversation(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to fetch conversation %s: %w", id, err)
	}

	messages := s.reconcileHistory(detail.Messages)

	s.mu.Lock()
	defer s.mu.Unlock()

	if epoch != s.fetchEpoch {
		s.logger.Debug().
			Str("conversation_id", id).
			Msg("Discarding stale history fetch")
		return nil
	}

	conv := s.findLocked(id)
	if conv == nil {
		conv = &models.Conversation{
			ID:        detail.ID,
			Title:     detail.Title,
			CreatedAt: detail.CreatedAt,
		}
		s.conversations = append(s.conversations, conv)
	}
	conv.Messages = messages
	conv.MessageCount = len(messages)

	return nil
}

// Create requests a new conversation from the backend, inserts it at the
// head of the list, and makes it active. Failure leaves prior state
// untouched.
func (s *Store) Create(ctx context.Context, title string) (*models.Conversation, error) {
	id, err := s.gateway.CreateConversation(ctx, title, "")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}

	conv := &models.Conversation{
		ID:        id,
		Title:     title,
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = append([]*models.Conversation{conv}, s.conversations...)
	// Invalidate any in-flight fetch for the previously active conversation.
	s.fetchEpoch++
	s.activeID = id

	s.logger.Info().
		Str("conversation_id", id).
		Str("title", title).
		Msg("Created conversation")

	copied := *conv
	return &copied, nil
}

// Delete removes a conversation. The local entry is removed only after the
// backend confirms, so a failed delete leaves the list intact. Deleting the
// active conversation deactivates it.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.gateway.DeleteConversation(ctx, id); err != nil {
		return fmt.Errorf("failed to delete conversation %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, conv := range s.conversations {
		if conv.ID == id {
			s.conversations = append(s.conversations[:i], s.conversations[i+1:]...)
			break
		}
	}
	if s.activeID == id {
		s.activeID = ""
		s.fetchEpoch++
	}

	s.logger.Info().Str("conversation_id", id).Msg("Deleted conversation")
	return nil
}

// Rename changes a conversation title locally. Titles are cosmetic and
// eventually consistent; no backend confirmation is required.
func (s *Store) Rename(id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.findLocked(id)
	if conv == nil {
		return ErrConversationNotFound
	}
	conv.Title = title
	return nil
}

// AppendMessage appends a message to a conversation. Messages are strictly
// append-only; ordering follows insertion.
func (s *Store) AppendMessage(conversationID string, msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.findLocked(conversationID)
	if conv == nil {
		return ErrConversationNotFound
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	conv.Messages = append(conv.Messages, msg)
	conv.MessageCount = len(conv.Messages)
	return nil
}

// Message returns a copy of a message by id.
func (s *Store) Message(conversationID, messageID string) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.findLocked(conversationID)
	if conv == nil {
		return models.Message{}, false
	}
	for _, msg := range conv.Messages {
		if msg.ID == messageID {
			return msg, true
		}
	}
	return models.Message{}, false
}

// RemoveMessage deletes a message by id. Used for transient status bubbles.
func (s *Store) RemoveMessage(conversationID, messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.findLocked(conversationID)
	if conv == nil {
		return false
	}
	for i, msg := range conv.Messages {
		if msg.ID == messageID {
			conv.Messages = append(conv.Messages[:i], conv.Messages[i+1:]...)
			conv.MessageCount = len(conv.Messages)
			return true
		}
	}
	return false
}

// ReplaceMessage swaps a message in place, keeping its position.
func (s *Store) ReplaceMessage(conversationID, messageID string, replacement models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.findLocked(conversationID)
	if conv == nil {
		return false
	}
	for i, msg := range conv.Messages {
		if msg.ID == messageID {
			if replacement.Timestamp.IsZero() {
				replacement.Timestamp = msg.Timestamp
			}
			conv.Messages[i] = replacement
			return true
		}
	}
	return false
}

// SetMessageContent rewrites a message's content. Only the edit flow calls
// this; content is otherwise immutable.
func (s *Store) SetMessageContent(conversationID, messageID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.findLocked(conversationID)
	if conv == nil {
		return ErrConversationNotFound
	}
	for i := range conv.Messages {
		if conv.Messages[i].ID == messageID {
			conv.Messages[i].Content = content
			return nil
		}
	}
	return ErrMessageNotFound
}

// ReconcileMessageID swaps a provisional local id for the backend-assigned
// one. If the backend id already exists in the conversation the local id is
// kept, so list-rendering keys never collide.
func (s *Store) ReconcileMessageID(conversationID, localID, backendID string) {
	if backendID == "" || localID == backendID {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.findLocked(conversationID)
	if conv == nil {
		return
	}
	for _, msg := range conv.Messages {
		if msg.ID == backendID {
			return
		}
	}
	for i := range conv.Messages {
		if conv.Messages[i].ID == localID {
			conv.Messages[i].ID = backendID
			return
		}
	}
}

// TruncateAfter discards every message after the given one, keeping the
// message itself. This is destructive: downstream messages are not archived.
func (s *Store) TruncateAfter(conversationID, messageID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.findLocked(conversationID)
	if conv == nil {
		return 0, ErrConversationNotFound
	}
	for i, msg := range conv.Messages {
		if msg.ID == messageID {
			removed := len(conv.Messages) - i - 1
			conv.Messages = conv.Messages[:i+1]
			conv.MessageCount = len(conv.Messages)
			return removed, nil
		}
	}
	return 0, ErrMessageNotFound
}

func (s *Store) findLocked(id string) *models.Conversation {
	if id == "" {
		return nil
	}
	for _, conv := range s.conversations {
		if conv.ID == id {
			return conv
		}
	}
	return nil
}

// reconcileHistory converts backend message records to local messages and
// collapses adjacent duplicates. The backend may echo a just-submitted
// message back during refetch; the comparison is local (against the last
// accepted message only), so genuinely repeated messages separated by a
// reply are preserved. This is a compensating control for the backend's
// at-least-once persistence, not a data-modeling truth.
func (s *Store) reconcileHistory(records []interfaces.MessageRecord) []models.Message {
	messages := make([]models.Message, 0, len(records))
	for _, record := range records {
		msg := models.Message{
			ID:        record.ID,
			Content:   record.Content,
			IsUser:    record.MessageType == "user",
			Timestamp: record.CreatedAt,
		}
		if !msg.IsUser && len(record.Sources) > 0 {
			msg.Sources = s.normalizer.NormalizeList(record.Sources)
		}

		if len(messages) > 0 {
			last := messages[len(messages)-1]
			if last.Content == msg.Content && last.IsUser == msg.IsUser {
				continue
			}
		}
		messages = append(messages, msg)
	}
	return messages
}
