package interfaces

import (
	"context"
	"encoding/json"
	"time"
)

// KnowledgeBaseInfo is a knowledge base summary as returned by the backend.
type KnowledgeBaseInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// DocumentInfo is backend document metadata.
type DocumentInfo struct {
	ID               string    `json:"id"`
	OriginalFilename string    `json:"original_filename"`
	FileSize         int64     `json:"file_size"`
	KnowledgeBaseID  string    `json:"knowledge_base_id"`
	UploadDate       time.Time `json:"upload_date"`
}

// ConversationSummary is a conversation listing entry without message bodies.
type ConversationSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	MessageCount int       `json:"message_count"`
}

// MessageRecord is a backend-persisted message. Sources is kept raw because
// the payload shape varies; the sources normalizer owns its interpretation.
type MessageRecord struct {
	ID          string          `json:"id"`
	Content     string          `json:"content"`
	MessageType string          `json:"message_type"` // "user" or "assistant"
	CreatedAt   time.Time       `json:"created_at"`
	Sources     json.RawMessage `json:"sources,omitempty"`
}

// ConversationDetail is a conversation with its full message history.
type ConversationDetail struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	CreatedAt time.Time       `json:"created_at"`
	Messages  []MessageRecord `json:"messages"`
}

// QueryRequest describes a grounded query. Exactly one of KnowledgeBaseID /
// KnowledgeBaseIDs is set for single- and multi-library modes; both empty
// means the backend answers without grounding.
type QueryRequest struct {
	Query            string   `json:"query"`
	KnowledgeBaseID  string   `json:"knowledge_base_id,omitempty"`
	KnowledgeBaseIDs []string `json:"knowledge_base_ids,omitempty"`
	ConversationID   string   `json:"conversation_id,omitempty"`
}

// QueryResult is the backend answer to a query or chat call.
type QueryResult struct {
	Answer  string          `json:"answer"`
	Sources json.RawMessage `json:"sources,omitempty"`
	Warning string          `json:"warning,omitempty"`
}

// BackendGateway is the typed request/response surface of the remote
// backend. Implementations carry no business logic and retain no state
// between calls; failures are normalized to *models.APIError.
type BackendGateway interface {
	ListKnowledgeBases(ctx context.Context) ([]KnowledgeBaseInfo, error)
	CreateKnowledgeBase(ctx context.Context, name, description string) (string, error)
	UpdateKnowledgeBase(ctx context.Context, id string, name, description *string) error
	DeleteKnowledgeBase(ctx context.Context, id string) error

	// ListDocuments returns all documents, or only those in the given
	// knowledge base when knowledgeBaseID is non-empty.
	ListDocuments(ctx context.Context, knowledgeBaseID string) ([]DocumentInfo, error)
	UploadDocument(ctx context.Context, knowledgeBaseID, filename string, data []byte) (string, error)
	DeleteDocument(ctx context.Context, id string) error

	// DownloadDocumentURL builds the download URL for a document. Invalid
	// (non-numeric) ids are rejected client-side without a network call.
	DownloadDocumentURL(documentID string) (string, error)

	ListConversations(ctx context.Context, knowledgeBaseID string) ([]ConversationSummary, error)
	GetConversation(ctx context.Context, id string) (*ConversationDetail, error)
	CreateConversation(ctx context.Context, title, knowledgeBaseID string) (string, error)
	DeleteConversation(ctx context.Context, id string) error

	// AddMessage persists a message and returns its backend-assigned id.
	AddMessage(ctx context.Context, conversationID, content, messageType string) (string, error)

	Query(ctx context.Context, req *QueryRequest) (*QueryResult, error)
	Chat(ctx context.Context, query, conversationID string) (*QueryResult, error)
}
