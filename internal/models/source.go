package models

// Source is a canonical citation attached to an assistant message that was
// answered with retrieval. Backend payloads are heterogeneous; the sources
// normalizer produces this shape.
type Source struct {
	DocumentName string `json:"document_name"`

	// Content is the full excerpt when the backend supplied one;
	// ContentPreview is a shortened form. Highlighting uses Content,
	// falling back to the untruncated preview.
	Content        string `json:"content,omitempty"`
	ContentPreview string `json:"content_preview,omitempty"`

	// Page is the numeric index used for navigation. PageLabel is the
	// label printed on the page; the two may disagree and both are kept.
	Page      int    `json:"page"`
	PageLabel string `json:"page_label,omitempty"`

	RelevanceScore  *float64 `json:"relevance_score,omitempty"`
	DocumentID      string   `json:"document_id,omitempty"`
	KnowledgeBaseID string   `json:"knowledge_base_id,omitempty"`

	// Metadata carries any payload fields not lifted to the top level.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// CanOpenDocument reports whether the open-document action is available.
// A source without a resolvable document id disables the action rather
// than failing the viewer.
func (s *Source) CanOpenDocument() bool {
	return s != nil && s.DocumentID != ""
}

// HighlightText returns the text used to drive in-document highlighting:
// full content when present, otherwise the untruncated preview.
func (s *Source) HighlightText() string {
	if s.Content != "" {
		return s.Content
	}
	return s.ContentPreview
}
