package interfaces

import (
	"context"
	"errors"

	"github.com/ternarybob/parley/internal/models"
)

// ErrPreferenceNotFound is returned when a preference key has no value.
var ErrPreferenceNotFound = errors.New("preference not found")

// PreferenceStorage persists client-local UI state: selected model, theme,
// per-conversation library selection, per-conversation attachments, and
// folder metadata. All of it is cache; the backend is the record of truth
// for everything else, so losing this store must be harmless.
type PreferenceStorage interface {
	// SelectedModel returns the preferred AI model, or ErrPreferenceNotFound.
	SelectedModel(ctx context.Context) (string, error)
	SetSelectedModel(ctx context.Context, model string) error

	// Theme returns the UI theme preference, or ErrPreferenceNotFound.
	Theme(ctx context.Context) (string, error)
	SetTheme(ctx context.Context, theme string) error

	// SelectedLibraries returns the knowledge libraries selected for a
	// conversation. A missing entry yields an empty slice (direct chat).
	SelectedLibraries(ctx context.Context, conversationID string) ([]string, error)
	SetSelectedLibraries(ctx context.Context, conversationID string, libraryIDs []string) error

	// Attachments returns the cached attachment list for a conversation.
	Attachments(ctx context.Context, conversationID string) ([]models.UploadedFile, error)
	SetAttachments(ctx context.Context, conversationID string, files []models.UploadedFile) error

	// DeleteConversationState removes all per-conversation entries after
	// the conversation itself is deleted.
	DeleteConversationState(ctx context.Context, conversationID string) error

	// Folders returns all knowledge-library folder groupings.
	Folders(ctx context.Context) ([]models.Folder, error)
	SaveFolder(ctx context.Context, folder *models.Folder) error
	DeleteFolder(ctx context.Context, id string) error
}
