package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"

	"github.com/ternarybob/parley/internal/interfaces"
	"github.com/ternarybob/parley/internal/models"
)

// Wire types mirror the backend's JSON exactly. Backend row ids are
// integers on the wire; the gateway converts them to strings so the rest
// of the client deals in one id type.

type knowledgeBaseWire struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type knowledgeBaseListEnvelope struct {
	KnowledgeBases []knowledgeBaseWire `json:"knowledge_bases"`
}

type createKnowledgeBaseEnvelope struct {
	KnowledgeBaseID int64 `json:"knowledge_base_id"`
}

type documentWire struct {
	ID               int64  `json:"id"`
	OriginalFilename string `json:"original_filename"`
	FileSize         int64  `json:"file_size"`
	KnowledgeBaseID  int64  `json:"knowledge_base_id"`
	UploadDate       string `json:"upload_date"`
}

type documentListEnvelope struct {
	Documents []documentWire `json:"documents"`
}

type uploadEnvelope struct {
	DocumentID int64  `json:"document_id"`
	Warning    string `json:"warning"`
}

type conversationWire struct {
	ID           int64  `json:"id"`
	Title        string `json:"title"`
	CreatedAt    string `json:"created_at"`
	MessageCount int    `json:"message_count"`
}

type conversationListEnvelope struct {
	Conversations []conversationWire `json:"conversations"`
}

type createConversationEnvelope struct {
	ConversationID int64 `json:"conversation_id"`
}

type messageWire struct {
	ID          int64           `json:"id"`
	Content     string          `json:"content"`
	MessageType string          `json:"message_type"`
	CreatedAt   string          `json:"created_at"`
	Sources     json.RawMessage `json:"sources"`
}

type conversationDetailWire struct {
	ID        int64         `json:"id"`
	Title     string        `json:"title"`
	CreatedAt string        `json:"created_at"`
	Messages  []messageWire `json:"messages"`
}

type addMessageEnvelope struct {
	MessageID int64 `json:"message_id"`
}

type queryWire struct {
	Query            string  `json:"query"`
	KnowledgeBaseID  *int64  `json:"knowledge_base_id,omitempty"`
	KnowledgeBaseIDs []int64 `json:"knowledge_base_ids,omitempty"`
	ConversationID   *int64  `json:"conversation_id,omitempty"`
}

// ListKnowledgeBases returns all knowledge base summaries.
func (c *Client) ListKnowledgeBases(ctx context.Context) ([]interfaces.KnowledgeBaseInfo, error) {
	var envelope knowledgeBaseListEnvelope
	if err := c.do(ctx, http.MethodGet, "/knowledge-bases", nil, nil, &envelope); err != nil {
		return nil, err
	}

	infos := make([]interfaces.KnowledgeBaseInfo, 0, len(envelope.KnowledgeBases))
	for _, kb := range envelope.KnowledgeBases {
		infos = append(infos, interfaces.KnowledgeBaseInfo{
			ID:          strconv.FormatInt(kb.ID, 10),
			Name:        kb.Name,
			Description: kb.Description,
		})
	}
	return infos, nil
}

// CreateKnowledgeBase creates a knowledge base and returns its id.
func (c *Client) CreateKnowledgeBase(ctx context.Context, name, description string) (string, error) {
	body := map[string]string{"name": name, "description": description}
	var envelope createKnowledgeBaseEnvelope
	if err := c.do(ctx, http.MethodPost, "/knowledge-bases", nil, body, &envelope); err != nil {
		return "", err
	}
	return strconv.FormatInt(envelope.KnowledgeBaseID, 10), nil
}

// UpdateKnowledgeBase updates name and/or description. Nil fields are left
// unchanged.
func (c *Client) UpdateKnowledgeBase(ctx context.Context, id string, name, description *string) error {
	if !isNumericID(id) {
		return invalidIDError("/knowledge-bases/"+id, id)
	}

	body := map[string]string{}
	if name != nil {
		body["name"] = *name
	}
	if description != nil {
		body["description"] = *description
	}

	return c.do(ctx, http.MethodPut, "/knowledge-bases/"+id, nil, body, nil)
}

// DeleteKnowledgeBase deletes a knowledge base and all its documents.
func (c *Client) DeleteKnowledgeBase(ctx context.Context, id string) error {
	if !isNumericID(id) {
		return invalidIDError("/knowledge-bases/"+id, id)
	}
	return c.do(ctx, http.MethodDelete, "/knowledge-bases/"+id, nil, nil, nil)
}

// ListDocuments returns document metadata, filtered by knowledge base when
// knowledgeBaseID is non-empty.
func (c *Client) ListDocuments(ctx context.Context, knowledgeBaseID string) ([]interfaces.DocumentInfo, error) {
	var params url.Values
	if knowledgeBaseID != "" {
		if !isNumericID(knowledgeBaseID) {
			return nil, invalidIDError("/documents", knowledgeBaseID)
		}
		params = url.Values{"knowledge_base_id": []string{knowledgeBaseID}}
	}

	var envelope documentListEnvelope
	if err := c.do(ctx, http.MethodGet, "/documents", params, nil, &envelope); err != nil {
		return nil, err
	}

	docs := make([]interfaces.DocumentInfo, 0, len(envelope.Documents))
	for _, d := range envelope.Documents {
		docs = append(docs, interfaces.DocumentInfo{
			ID:               strconv.FormatInt(d.ID, 10),
			OriginalFilename: d.OriginalFilename,
			FileSize:         d.FileSize,
			KnowledgeBaseID:  strconv.FormatInt(d.KnowledgeBaseID, 10),
			UploadDate:       parseBackendTime(d.UploadDate),
		})
	}
	return docs, nil
}

// UploadDocument uploads a file into a knowledge base as multipart form data
// and returns the new document id. The backend embeds the document as part
// of the upload.
func (c *Client) UploadDocument(ctx context.Context, knowledgeBaseID, filename string, data []byte) (string, error) {
	endpoint := "/upload/" + knowledgeBaseID
	if !isNumericID(knowledgeBaseID) {
		return "", invalidIDError(endpoint, knowledgeBaseID)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", &models.APIError{
			Class:    models.ErrorClassTransport,
			Message:  fmt.Sprintf("rate limiter wait: %v", err),
			Endpoint: endpoint,
		}
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("failed to create multipart form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("failed to write file data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize multipart form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &buf)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	if c.logger != nil {
		c.logger.Debug().
			Str("path", endpoint).
			Str("filename", filename).
			Int("size", len(data)).
			Msg("Uploading document")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &models.APIError{
			Class:    models.ErrorClassTransport,
			Message:  err.Error(),
			Endpoint: endpoint,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", c.errorFromResponse(resp, endpoint)
	}

	var envelope uploadEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return "", fmt.Errorf("failed to decode upload response: %w", err)
	}

	// 201 with a warning means the file was stored but its content could
	// not be indexed for search. Surface that in logs, not as a failure.
	if envelope.Warning != "" && c.logger != nil {
		c.logger.Warn().
			Str("filename", filename).
			Str("warning", envelope.Warning).
			Msg("Document stored but not searchable")
	}

	return strconv.FormatInt(envelope.DocumentID, 10), nil
}

// DeleteDocument removes a document.
func (c *Client) DeleteDocument(ctx context.Context, id string) error {
	if !isNumericID(id) {
		return invalidIDError("/documents/"+id, id)
	}
	return c.do(ctx, http.MethodDelete, "/documents/"+id, nil, nil, nil)
}

// DownloadDocumentURL builds the download URL for a document. Ids must be
// numeric; invalid ids are rejected without touching the network.
func (c *Client) DownloadDocumentURL(documentID string) (string, error) {
	if !isNumericID(documentID) {
		return "", invalidIDError("/documents/"+documentID+"/download", documentID)
	}
	return c.baseURL + "/documents/" + documentID + "/download", nil
}

// ListConversations returns conversation summaries, newest first, filtered
// by knowledge base when knowledgeBaseID is non-empty.
func (c *Client) ListConversations(ctx context.Context, knowledgeBaseID string) ([]interfaces.ConversationSummary, error) {
	var params url.Values
	if knowledgeBaseID != "" {
		if !isNumericID(knowledgeBaseID) {
			return nil, invalidIDError("/conversations", knowledgeBaseID)
		}
		params = url.Values{"knowledge_base_id": []string{knowledgeBaseID}}
	}

	var envelope conversationListEnvelope
	if err := c.do(ctx, http.MethodGet, "/conversations", params, nil, &envelope); err != nil {
		return nil, err
	}

	summaries := make([]interfaces.ConversationSummary, 0, len(envelope.Conversations))
	for _, conv := range envelope.Conversations {
		summaries = append(summaries, interfaces.ConversationSummary{
			ID:           strconv.FormatInt(conv.ID, 10),
			Title:        conv.Title,
			CreatedAt:    parseBackendTime(conv.CreatedAt),
			MessageCount: conv.MessageCount,
		})
	}
	return summaries, nil
}

// GetConversation returns a conversation with its full message history.
func (c *Client) GetConversation(ctx context.Context, id string) (*interfaces.ConversationDetail, error) {
	if !isNumericID(id) {
		return nil, invalidIDError("/conversations/"+id, id)
	}

	var wire conversationDetailWire
	if err := c.do(ctx, http.MethodGet, "/conversations/"+id, nil, nil, &wire); err != nil {
		return nil, err
	}

	detail := &interfaces.ConversationDetail{
		ID:        strconv.FormatInt(wire.ID, 10),
		Title:     wire.Title,
		CreatedAt: parseBackendTime(wire.CreatedAt),
		Messages:  make([]interfaces.MessageRecord, 0, len(wire.Messages)),
	}
	for _, m := range wire.Messages {
		detail.Messages = append(detail.Messages, interfaces.MessageRecord{
			ID:          strconv.FormatInt(m.ID, 10),
			Content:     m.Content,
			MessageType: m.MessageType,
			CreatedAt:   parseBackendTime(m.CreatedAt),
			Sources:     m.Sources,
		})
	}
	return detail, nil
}

// CreateConversation creates a conversation and returns its id. The
// knowledge base association is optional.
func (c *Client) CreateConversation(ctx context.Context, title, knowledgeBaseID string) (string, error) {
	body := map[string]interface{}{"title": title}
	if knowledgeBaseID != "" {
		if !isNumericID(knowledgeBaseID) {
			return "", invalidIDError("/conversations", knowledgeBaseID)
		}
		kbID, _ := strconv.ParseInt(knowledgeBaseID, 10, 64)
		body["knowledge_base_id"] = kbID
	}

	var envelope createConversationEnvelope
	if err := c.do(ctx, http.MethodPost, "/conversations", nil, body, &envelope); err != nil {
		return "", err
	}
	return strconv.FormatInt(envelope.ConversationID, 10), nil
}

// DeleteConversation removes a conversation and its history.
func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	if !isNumericID(id) {
		return invalidIDError("/conversations/"+id, id)
	}
	return c.do(ctx, http.MethodDelete, "/conversations/"+id, nil, nil, nil)
}

// AddMessage persists a message to a conversation and returns the
// backend-assigned message id.
func (c *Client) AddMessage(ctx context.Context, conversationID, content, messageType string) (string, error) {
	endpoint := "/conversations/" + conversationID + "/messages"
	if !isNumericID(conversationID) {
		return "", invalidIDError(endpoint, conversationID)
	}

	body := map[string]string{
		"content":      content,
		"message_type": messageType,
	}
	var envelope addMessageEnvelope
	if err := c.do(ctx, http.MethodPost, endpoint, nil, body, &envelope); err != nil {
		return "", err
	}
	return strconv.FormatInt(envelope.MessageID, 10), nil
}

// Query runs a grounded query. Empty library selection means the backend
// answers without grounding through the same endpoint.
func (c *Client) Query(ctx context.Context, req *interfaces.QueryRequest) (*interfaces.QueryResult, error) {
	wire := queryWire{Query: req.Query}

	if req.KnowledgeBaseID != "" {
		if !isNumericID(req.KnowledgeBaseID) {
			return nil, invalidIDError("/query", req.KnowledgeBaseID)
		}
		id, _ := strconv.ParseInt(req.KnowledgeBaseID, 10, 64)
		wire.KnowledgeBaseID = &id
	}
	for _, kbID := range req.KnowledgeBaseIDs {
		if !isNumericID(kbID) {
			return nil, invalidIDError("/query", kbID)
		}
		id, _ := strconv.ParseInt(kbID, 10, 64)
		wire.KnowledgeBaseIDs = append(wire.KnowledgeBaseIDs, id)
	}
	if req.ConversationID != "" {
		if !isNumericID(req.ConversationID) {
			return nil, invalidIDError("/query", req.ConversationID)
		}
		id, _ := strconv.ParseInt(req.ConversationID, 10, 64)
		wire.ConversationID = &id
	}

	var result interfaces.QueryResult
	if err := c.do(ctx, http.MethodPost, "/query", nil, &wire, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Chat runs an ungrounded chat turn through the dedicated chat endpoint.
func (c *Client) Chat(ctx context.Context, query, conversationID string) (*interfaces.QueryResult, error) {
	body := map[string]interface{}{"query": query}
	if conversationID != "" {
		if !isNumericID(conversationID) {
			return nil, invalidIDError("/chat", conversationID)
		}
		id, _ := strconv.ParseInt(conversationID, 10, 64)
		body["conversation_id"] = id
	}

	var result interfaces.QueryResult
	if err := c.do(ctx, http.MethodPost, "/chat", nil, body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
