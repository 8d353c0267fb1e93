package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/parley/internal/interfaces"
	"github.com/ternarybob/parley/internal/models"
)

// Key namespaces for preference records. Per-conversation entries embed the
// conversation id so DeleteConversationState can sweep them.
const (
	keySelectedModel  = "model"
	keyTheme          = "theme"
	prefixLibraries   = "libraries:"
	prefixAttachments = "attachments:"
	prefixFolder      = "folder:"
)

// preferenceRecord is a single persisted preference. Values are JSON so one
// record shape covers scalars, id lists, and folder structs.
type preferenceRecord struct {
	Key       string `badgerhold:"key"`
	Value     []byte
	UpdatedAt time.Time
}

// PreferenceStorage implements interfaces.PreferenceStorage on Badger.
// Everything here is cache: the backend stays authoritative for all data
// except these UI preferences, so a wiped store is never an error.
type PreferenceStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewPreferenceStorage creates a new PreferenceStorage instance
func NewPreferenceStorage(db *BadgerDB, logger arbor.ILogger) interfaces.PreferenceStorage {
	return &PreferenceStorage{
		db:     db,
		logger: logger,
	}
}

func (s *PreferenceStorage) get(key string, out interface{}) error {
	var record preferenceRecord
	err := s.db.Store().Get(key, &record)
	if err == badgerhold.ErrNotFound {
		return interfaces.ErrPreferenceNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get preference %s: %w", key, err)
	}
	if err := json.Unmarshal(record.Value, out); err != nil {
		return fmt.Errorf("failed to decode preference %s: %w", key, err)
	}
	return nil
}

func (s *PreferenceStorage) set(key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode preference %s: %w", key, err)
	}

	record := preferenceRecord{
		Key:       key,
		Value:     data,
		UpdatedAt: time.Now(),
	}
	if err := s.db.Store().Upsert(key, &record); err != nil {
		return fmt.Errorf("failed to store preference %s: %w", key, err)
	}

	s.logger.Debug().Str("key", key).Msg("Stored preference")
	return nil
}

// SelectedModel returns the preferred AI model.
func (s *PreferenceStorage) SelectedModel(ctx context.Context) (string, error) {
	var model string
	if err := s.get(keySelectedModel, &model); err != nil {
		return "", err
	}
	return model, nil
}

// SetSelectedModel stores the preferred AI model.
func (s *PreferenceStorage) SetSelectedModel(ctx context.Context, model string) error {
	return s.set(keySelectedModel, model)
}

// Theme returns the UI theme preference.
func (s *PreferenceStorage) Theme(ctx context.Context) (string, error) {
	var theme string
	if err := s.get(keyTheme, &theme); err != nil {
		return "", err
	}
	return theme, nil
}

// SetTheme stores the UI theme preference.
func (s *PreferenceStorage) SetTheme(ctx context.Context, theme string) error {
	return s.set(keyTheme, theme)
}

// SelectedLibraries returns the knowledge libraries selected for a
// conversation. A missing entry is an empty selection, not an error.
func (s *PreferenceStorage) SelectedLibraries(ctx context.Context, conversationID string) ([]string, error) {
	var ids []string
	err := s.get(prefixLibraries+conversationID, &ids)
	if err == interfaces.ErrPreferenceNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// SetSelectedLibraries stores the library selection for a conversation.
func (s *PreferenceStorage) SetSelectedLibraries(ctx context.Context, conversationID string, libraryIDs []string) error {
	return s.set(prefixLibraries+conversationID, libraryIDs)
}

// Attachments returns the cached attachment list for a conversation.
func (s *PreferenceStorage) Attachments(ctx context.Context, conversationID string) ([]models.UploadedFile, error) {
	var files []models.UploadedFile
	err := s.get(prefixAttachments+conversationID, &files)
	if err == interfaces.ErrPreferenceNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return files, nil
}

// SetAttachments stores the attachment list for a conversation.
func (s *PreferenceStorage) SetAttachments(ctx context.Context, conversationID string, files []models.UploadedFile) error {
	return s.set(prefixAttachments+conversationID, files)
}

// DeleteConversationState removes per-conversation entries after the
// conversation itself is gone.
func (s *PreferenceStorage) DeleteConversationState(ctx context.Context, conversationID string) error {
	for _, key := range []string{prefixLibraries + conversationID, prefixAttachments + conversationID} {
		err := s.db.Store().Delete(key, &preferenceRecord{})
		if err != nil && err != badgerhold.ErrNotFound {
			return fmt.Errorf("failed to delete preference %s: %w", key, err)
		}
	}

	s.logger.Debug().Str("conversation_id", conversationID).Msg("Deleted conversation preferences")
	return nil
}

// Folders returns all knowledge-library folder groupings, oldest first.
func (s *PreferenceStorage) Folders(ctx context.Context) ([]models.Folder, error) {
	var records []preferenceRecord
	query := badgerhold.Where("Key").MatchFunc(func(ra *badgerhold.RecordAccess) (bool, error) {
		record, ok := ra.Record().(*preferenceRecord)
		if !ok {
			return false, nil
		}
		return strings.HasPrefix(record.Key, prefixFolder), nil
	})
	if err := s.db.Store().Find(&records, query); err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}

	folders := make([]models.Folder, 0, len(records))
	for _, record := range records {
		var folder models.Folder
		if err := json.Unmarshal(record.Value, &folder); err != nil {
			s.logger.Warn().Err(err).Str("key", record.Key).Msg("Skipping undecodable folder record")
			continue
		}
		folders = append(folders, folder)
	}

	sort.Slice(folders, func(i, j int) bool {
		return folders[i].CreatedAt.Before(folders[j].CreatedAt)
	})
	return folders, nil
}

// SaveFolder inserts or updates a folder grouping.
func (s *PreferenceStorage) SaveFolder(ctx context.Context, folder *models.Folder) error {
	if folder.ID == "" {
		return fmt.Errorf("folder id cannot be empty")
	}
	return s.set(prefixFolder+folder.ID, folder)
}

// DeleteFolder removes a folder grouping.
func (s *PreferenceStorage) DeleteFolder(ctx context.Context, id string) error {
	err := s.db.Store().Delete(prefixFolder+id, &preferenceRecord{})
	if err == badgerhold.ErrNotFound {
		return interfaces.ErrPreferenceNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete folder %s: %w", id, err)
	}
	return nil
}
