package sources

import (
	"strings"
	"sync"

	"github.com/ternarybob/parley/internal/interfaces"
)

// NoopResolver never resolves. Wire this once the backend reliably
// supplies document ids on every source.
type NoopResolver struct{}

// NewNoopResolver creates a resolver that always misses.
func NewNoopResolver() interfaces.DocumentResolver {
	return &NoopResolver{}
}

// Resolve implements interfaces.DocumentResolver.
func (r *NoopResolver) Resolve(documentName, contentPreview string) (string, bool) {
	return "", false
}

// RegistryResolver matches source names against a small known-document
// registry. It papers over backend payloads that omit ids and should be
// treated as a degraded path, not data-modeling truth.
type RegistryResolver struct {
	mu      sync.RWMutex
	entries map[string]string // document id -> filename
}

// NewRegistryResolver creates an empty registry resolver.
func NewRegistryResolver() *RegistryResolver {
	return &RegistryResolver{
		entries: make(map[string]string),
	}
}

// Register records a known document. Typically fed from a document listing.
func (r *RegistryResolver) Register(documentID, filename string) {
	if documentID == "" || filename == "" {
		return
	}
	r.mu.Lock()
	r.entries[documentID] = filename
	r.mu.Unlock()
}

// Resolve fuzzy-matches a document name or content preview against the
// registry: exact name first, then case-insensitive containment either way.
func (r *RegistryResolver) Resolve(documentName, contentPreview string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if documentName != "" {
		for id, filename := range r.entries {
			if filename == documentName {
				return id, true
			}
		}
		lowered := strings.ToLower(documentName)
		for id, filename := range r.entries {
			loweredFile := strings.ToLower(filename)
			if strings.Contains(loweredFile, lowered) || strings.Contains(lowered, loweredFile) {
				return id, true
			}
		}
	}

	if contentPreview != "" {
		loweredPreview := strings.ToLower(contentPreview)
		for id, filename := range r.entries {
			base := strings.ToLower(strings.TrimSuffix(filename, filenameExtension(filename)))
			if base != "" && strings.Contains(loweredPreview, base) {
				return id, true
			}
		}
	}

	return "", false
}

func filenameExtension(filename string) string {
	if idx := strings.LastIndex(filename, "."); idx >= 0 {
		return filename[idx:]
	}
	return ""
}
