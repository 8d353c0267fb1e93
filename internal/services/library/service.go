package library

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/parley/internal/common"
	"github.com/ternarybob/parley/internal/interfaces"
	"github.com/ternarybob/parley/internal/models"
	"github.com/ternarybob/parley/internal/services/sources"
)

// Service manages knowledge libraries and their documents through the
// backend gateway, plus the client-side folder groupings and attachment
// caches kept in the preference store.
type Service struct {
	gateway  interfaces.BackendGateway
	prefs    interfaces.PreferenceStorage
	registry *sources.RegistryResolver
	logger   arbor.ILogger
}

// NewService creates a knowledge library service. registry may be nil when
// the document-name fallback resolver is disabled.
func NewService(gateway interfaces.BackendGateway, prefs interfaces.PreferenceStorage, registry *sources.RegistryResolver, logger arbor.ILogger) *Service {
	return &Service{
		gateway:  gateway,
		prefs:    prefs,
		registry: registry,
		logger:   logger,
	}
}

// Libraries returns all knowledge libraries.
func (s *Service) Libraries(ctx context.Context) ([]models.KnowledgeLibrary, error) {
	infos, err := s.gateway.ListKnowledgeBases(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list knowledge libraries: %w", err)
	}

	libraries := make([]models.KnowledgeLibrary, 0, len(infos))
	for _, info := range infos {
		libraries = append(libraries, models.KnowledgeLibrary{
			ID:          info.ID,
			Name:        info.Name,
			Description: info.Description,
		})
	}
	return libraries, nil
}

// Create creates a knowledge library and returns it.
func (s *Service) Create(ctx context.Context, name, description string) (*models.KnowledgeLibrary, error) {
	id, err := s.gateway.CreateKnowledgeBase(ctx, name, description)
	if err != nil {
		return nil, fmt.Errorf("failed to create knowledge library: %w", err)
	}

	s.logger.Info().Str("library_id", id).Str("name", name).Msg("Created knowledge library")
	return &models.KnowledgeLibrary{ID: id, Name: name, Description: description}, nil
}

// Rename updates a library's name.
func (s *Service) Rename(ctx context.Context, id, name string) error {
	if err := s.gateway.UpdateKnowledgeBase(ctx, id, &name, nil); err != nil {
		return fmt.Errorf("failed to rename knowledge library %s: %w", id, err)
	}
	return nil
}

// SetDescription updates a library's description.
func (s *Service) SetDescription(ctx context.Context, id, description string) error {
	if err := s.gateway.UpdateKnowledgeBase(ctx, id, nil, &description); err != nil {
		return fmt.Errorf("failed to update knowledge library %s: %w", id, err)
	}
	return nil
}

// Delete removes a library and all its documents, then sweeps it out of any
// folder groupings.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.gateway.DeleteKnowledgeBase(ctx, id); err != nil {
		return fmt.Errorf("failed to delete knowledge library %s: %w", id, err)
	}

	folders, err := s.prefs.Folders(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to load folders for cleanup")
		return nil
	}
	for i := range folders {
		folder := folders[i]
		kept := folder.LibraryIDs[:0]
		for _, libID := range folder.LibraryIDs {
			if libID != id {
				kept = append(kept, libID)
			}
		}
		if len(kept) != len(folder.LibraryIDs) {
			folder.LibraryIDs = kept
			if err := s.prefs.SaveFolder(ctx, &folder); err != nil {
				s.logger.Warn().Err(err).Str("folder_id", folder.ID).Msg("Failed to update folder after library delete")
			}
		}
	}
	return nil
}

// Documents returns the documents in a library (or all documents when id is
// empty) and feeds the known-document registry used by the source
// normalizer's degraded id fallback.
func (s *Service) Documents(ctx context.Context, libraryID string) ([]interfaces.DocumentInfo, error) {
	docs, err := s.gateway.ListDocuments(ctx, libraryID)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}

	if s.registry != nil {
		for _, doc := range docs {
			s.registry.Register(doc.ID, doc.OriginalFilename)
		}
	}
	return docs, nil
}

// Upload stores a document in a library and returns its client-side
// metadata.
func (s *Service) Upload(ctx context.Context, libraryID, filename, contentType string, data []byte) (*models.UploadedFile, error) {
	docID, err := s.gateway.UploadDocument(ctx, libraryID, filename, data)
	if err != nil {
		return nil, fmt.Errorf("failed to upload %s: %w", filename, err)
	}

	if s.registry != nil {
		s.registry.Register(docID, filename)
	}

	s.logger.Info().
		Str("library_id", libraryID).
		Str("document_id", docID).
		Str("filename", filename).
		Msg("Uploaded document")

	return &models.UploadedFile{
		ID:         docID,
		Name:       filename,
		Size:       int64(len(data)),
		Type:       contentType,
		UploadTime: time.Now(),
	}, nil
}

// DeleteDocument removes a document.
func (s *Service) DeleteDocument(ctx context.Context, id string) error {
	if err := s.gateway.DeleteDocument(ctx, id); err != nil {
		return fmt.Errorf("failed to delete document %s: %w", id, err)
	}
	return nil
}

// DownloadURL returns the download URL for a document. Invalid ids are
// rejected before any network call.
func (s *Service) DownloadURL(documentID string) (string, error) {
	return s.gateway.DownloadDocumentURL(documentID)
}

// AttachToConversation records a file in a conversation's cached attachment
// list. The read-modify-write happens as one step.
func (s *Service) AttachToConversation(ctx context.Context, conversationID string, file models.UploadedFile) error {
	files, err := s.prefs.Attachments(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("failed to load attachments: %w", err)
	}
	files = append(files, file)
	if err := s.prefs.SetAttachments(ctx, conversationID, files); err != nil {
		return fmt.Errorf("failed to save attachments: %w", err)
	}
	return nil
}

// Attachments returns a conversation's cached attachment list.
func (s *Service) Attachments(ctx context.Context, conversationID string) ([]models.UploadedFile, error) {
	return s.prefs.Attachments(ctx, conversationID)
}

// Folders returns the client-side folder groupings.
func (s *Service) Folders(ctx context.Context) ([]models.Folder, error) {
	return s.prefs.Folders(ctx)
}

// CreateFolder creates a folder grouping.
func (s *Service) CreateFolder(ctx context.Context, name string, libraryIDs []string) (*models.Folder, error) {
	folder := &models.Folder{
		ID:         common.NewFolderID(),
		Name:       name,
		LibraryIDs: append([]string(nil), libraryIDs...),
		CreatedAt:  time.Now(),
	}
	if err := s.prefs.SaveFolder(ctx, folder); err != nil {
		return nil, fmt.Errorf("failed to save folder: %w", err)
	}
	return folder, nil
}

// DeleteFolder removes a folder grouping. Libraries themselves are
// untouched.
func (s *Service) DeleteFolder(ctx context.Context, id string) error {
	return s.prefs.DeleteFolder(ctx, id)
}
