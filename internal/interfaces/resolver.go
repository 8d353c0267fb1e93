package interfaces

// DocumentResolver resolves a document id for source payloads that omit one.
// This is a degraded path papering over backend payloads without ids; wire
// the no-op implementation once the backend reliably supplies them.
type DocumentResolver interface {
	// Resolve attempts to find a document id by name or content preview.
	// Returns the id and true on a match.
	Resolve(documentName, contentPreview string) (string, bool)
}
