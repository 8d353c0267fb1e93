package models

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Conversation represents a chat conversation and its ordered message history.
// The backend is authoritative for identity and message persistence; the
// client keeps an optimistic local copy that is reconciled on fetch.
type Conversation struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	CreatedAt    time.Time      `json:"created_at"`
	MessageCount int            `json:"message_count"` // denormalized, used before history load
	Messages     []Message      `json:"messages"`
	Files        []UploadedFile `json:"files,omitempty"`
}

// Message is a single entry in a conversation. Authorship never changes
// after creation; content changes only through the edit flow.
type Message struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	IsUser    bool      `json:"is_user"`
	Timestamp time.Time `json:"timestamp"`
	Sources   []Source  `json:"sources,omitempty"`

	// Pending marks a message shown locally before backend persistence
	// was confirmed. Shown anyway for UX continuity.
	Pending bool `json:"pending,omitempty"`

	// Transient marks status/error bubbles that are never persisted and
	// never participate in reconciliation.
	Transient bool `json:"transient,omitempty"`
}

// UploadedFile is client-side metadata for a document attached to a
// conversation or knowledge library. Cache only; the backend owns the bytes.
type UploadedFile struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	Type       string    `json:"type"`
	UploadTime time.Time `json:"upload_time"`
}

// DeriveTitle builds a conversation title from the first message content,
// truncated to maxLen runes.
func DeriveTitle(content string, maxLen int) string {
	title := strings.TrimSpace(content)
	title = strings.ReplaceAll(title, "\n", " ")
	if maxLen > 0 && utf8.RuneCountInString(title) > maxLen {
		runes := []rune(title)
		title = string(runes[:maxLen])
	}
	return title
}
