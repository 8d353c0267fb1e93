package badger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/parley/internal/common"
	"github.com/ternarybob/parley/internal/interfaces"
	"github.com/ternarybob/parley/internal/models"
)

func newTestStorage(t *testing.T) interfaces.PreferenceStorage {
	t.Helper()
	logger := arbor.NewLogger()

	db, err := NewBadgerDB(logger, &common.BadgerConfig{
		Path: filepath.Join(t.TempDir(), "prefs"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return NewPreferenceStorage(db, logger)
}

func TestSelectedModelRoundTrip(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	_, err := storage.SelectedModel(ctx)
	assert.ErrorIs(t, err, interfaces.ErrPreferenceNotFound)

	require.NoError(t, storage.SetSelectedModel(ctx, "llama3"))
	model, err := storage.SelectedModel(ctx)
	require.NoError(t, err)
	assert.Equal(t, "llama3", model)

	// Overwrite, not append.
	require.NoError(t, storage.SetSelectedModel(ctx, "mistral"))
	model, err = storage.SelectedModel(ctx)
	require.NoError(t, err)
	assert.Equal(t, "mistral", model)
}

func TestThemeRoundTrip(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	_, err := storage.Theme(ctx)
	assert.ErrorIs(t, err, interfaces.ErrPreferenceNotFound)

	require.NoError(t, storage.SetTheme(ctx, "dark"))
	theme, err := storage.Theme(ctx)
	require.NoError(t, err)
	assert.Equal(t, "dark", theme)
}

func TestSelectedLibrariesMissingIsEmptyNotError(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	ids, err := storage.SelectedLibraries(ctx, "1")
	require.NoError(t, err)
	assert.Nil(t, ids)

	require.NoError(t, storage.SetSelectedLibraries(ctx, "1", []string{"5", "6"}))
	ids, err = storage.SelectedLibraries(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, []string{"5", "6"}, ids)

	// Selections are per conversation.
	ids, err = storage.SelectedLibraries(ctx, "2")
	require.NoError(t, err)
	assert.Nil(t, ids)
}

func TestAttachmentsRoundTrip(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	files, err := storage.Attachments(ctx, "1")
	require.NoError(t, err)
	assert.Nil(t, files)

	uploaded := []models.UploadedFile{
		{ID: "9", Name: "report.pdf", Size: 2048, Type: "application/pdf", UploadTime: time.Now().Truncate(time.Second)},
	}
	require.NoError(t, storage.SetAttachments(ctx, "1", uploaded))

	files, err = storage.Attachments(ctx, "1")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "report.pdf", files[0].Name)
	assert.Equal(t, int64(2048), files[0].Size)
}

func TestDeleteConversationStateSweepsBothNamespaces(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, storage.SetSelectedLibraries(ctx, "1", []string{"5"}))
	require.NoError(t, storage.SetAttachments(ctx, "1", []models.UploadedFile{{ID: "9", Name: "a.pdf"}}))
	require.NoError(t, storage.SetSelectedLibraries(ctx, "2", []string{"7"}))

	require.NoError(t, storage.DeleteConversationState(ctx, "1"))

	ids, err := storage.SelectedLibraries(ctx, "1")
	require.NoError(t, err)
	assert.Nil(t, ids)
	files, err := storage.Attachments(ctx, "1")
	require.NoError(t, err)
	assert.Nil(t, files)

	// Other conversations untouched.
	ids, err = storage.SelectedLibraries(ctx, "2")
	require.NoError(t, err)
	assert.Equal(t, []string{"7"}, ids)

	// Deleting state that never existed is not an error.
	assert.NoError(t, storage.DeleteConversationState(ctx, "99"))
}

func TestFoldersOrderedByCreation(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	folders, err := storage.Folders(ctx)
	require.NoError(t, err)
	assert.Empty(t, folders)

	base := time.Now().Truncate(time.Second)
	require.NoError(t, storage.SaveFolder(ctx, &models.Folder{
		ID: "folder_b", Name: "Second", LibraryIDs: []string{"2"}, CreatedAt: base.Add(time.Hour),
	}))
	require.NoError(t, storage.SaveFolder(ctx, &models.Folder{
		ID: "folder_a", Name: "First", LibraryIDs: []string{"1"}, CreatedAt: base,
	}))

	folders, err = storage.Folders(ctx)
	require.NoError(t, err)
	require.Len(t, folders, 2)
	assert.Equal(t, "First", folders[0].Name)
	assert.Equal(t, "Second", folders[1].Name)
}

func TestSaveFolderUpdatesInPlace(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	folder := &models.Folder{ID: "folder_a", Name: "Research", LibraryIDs: []string{"1"}, CreatedAt: time.Now()}
	require.NoError(t, storage.SaveFolder(ctx, folder))

	folder.LibraryIDs = []string{"1", "3"}
	require.NoError(t, storage.SaveFolder(ctx, folder))

	folders, err := storage.Folders(ctx)
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.Equal(t, []string{"1", "3"}, folders[0].LibraryIDs)
}

func TestSaveFolderRejectsEmptyID(t *testing.T) {
	storage := newTestStorage(t)
	assert.Error(t, storage.SaveFolder(context.Background(), &models.Folder{Name: "no id"}))
}

func TestDeleteFolder(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, storage.SaveFolder(ctx, &models.Folder{ID: "folder_a", Name: "Research", CreatedAt: time.Now()}))
	require.NoError(t, storage.DeleteFolder(ctx, "folder_a"))

	folders, err := storage.Folders(ctx)
	require.NoError(t, err)
	assert.Empty(t, folders)

	assert.ErrorIs(t, storage.DeleteFolder(ctx, "folder_a"), interfaces.ErrPreferenceNotFound)
}
