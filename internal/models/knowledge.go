package models

import "time"

// KnowledgeLibrary is a user-managed document collection used to ground
// answers. Selection is a per-conversation preference, not global.
type KnowledgeLibrary struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	DocumentIDs []string `json:"document_ids,omitempty"`
}

// Folder is client-side grouping metadata for organizing knowledge
// libraries. Cache only, safe to lose.
type Folder struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	LibraryIDs []string  `json:"library_ids"`
	CreatedAt  time.Time `json:"created_at"`
}
