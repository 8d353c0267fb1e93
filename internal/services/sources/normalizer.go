package sources

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/parley/internal/interfaces"
	"github.com/ternarybob/parley/internal/models"
)

// DefaultPreviewTokens is the number of whitespace tokens kept when a
// preview is truncated for compact list views.
const DefaultPreviewTokens = 10

// Normalizer parses heterogeneous source-citation payloads into the
// canonical models.Source shape. Payloads arrive as structured objects,
// JSON-encoded strings, or arrays; a malformed source is dropped rather
// than failing the whole message.
type Normalizer struct {
	resolver      interfaces.DocumentResolver
	logger        arbor.ILogger
	previewTokens int
}

// NewNormalizer creates a normalizer. The resolver is the degraded-path
// fallback for payloads without a document id; pass NewNoopResolver() when
// the backend reliably supplies ids.
func NewNormalizer(resolver interfaces.DocumentResolver, logger arbor.ILogger, previewTokens int) *Normalizer {
	if previewTokens <= 0 {
		previewTokens = DefaultPreviewTokens
	}
	return &Normalizer{
		resolver:      resolver,
		logger:        logger,
		previewTokens: previewTokens,
	}
}

// NormalizeList parses a raw sources payload into canonical sources.
// Unparseable entries are dropped individually.
func (n *Normalizer) NormalizeList(raw json.RawMessage) []models.Source {
	if len(raw) == 0 {
		return nil
	}

	var payload interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		recovered, ok := n.recoverString(string(raw))
		if !ok {
			n.logger.Warn().Str("error", err.Error()).Msg("Dropping unparseable sources payload")
			return nil
		}
		payload = recovered
	}

	// A payload that is itself a JSON-encoded string unwraps one level.
	if s, ok := payload.(string); ok {
		recovered, ok := n.recoverString(s)
		if !ok {
			n.logger.Warn().Msg("Dropping string sources payload that failed recovery")
			return nil
		}
		payload = recovered
	}

	var sources []models.Source
	switch value := payload.(type) {
	case []interface{}:
		for _, entry := range value {
			if source := n.Normalize(entry); source != nil {
				sources = append(sources, *source)
			}
		}
	default:
		if source := n.Normalize(payload); source != nil {
			sources = append(sources, *source)
		}
	}
	return sources
}

// Normalize parses one source payload of any supported shape. Returns nil
// when the payload cannot be recovered.
func (n *Normalizer) Normalize(raw interface{}) *models.Source {
	switch value := raw.(type) {
	case map[string]interface{}:
		return n.fromObject(value)
	case string:
		recovered, ok := n.recoverString(value)
		if !ok {
			n.logger.Debug().Msg("Dropping source entry that failed string recovery")
			return nil
		}
		return n.Normalize(recovered)
	case []interface{}:
		// Some payloads nest a single source in an array.
		for _, entry := range value {
			if source := n.Normalize(entry); source != nil {
				return source
			}
		}
		return nil
	default:
		return nil
	}
}

// fromObject lifts the known fields out of a structured source payload,
// consulting the metadata bag as a fallback carrier for each of them.
func (n *Normalizer) fromObject(obj map[string]interface{}) *models.Source {
	metadata, _ := obj["metadata"].(map[string]interface{})

	source := &models.Source{
		DocumentName:    stringField(obj, "document_name"),
		Content:         stringField(obj, "content"),
		ContentPreview:  stringField(obj, "content_preview"),
		KnowledgeBaseID: idField(obj, metadata, "knowledge_base_id"),
		Metadata:        metadata,
	}

	if score, ok := floatField(obj, "relevance_score"); ok {
		source.RelevanceScore = &score
	}

	source.DocumentID = n.resolveDocumentID(obj, metadata, source)
	source.Page, source.PageLabel = resolvePage(obj, metadata)

	return source
}

// resolveDocumentID applies the resolution order: explicit field, metadata
// bag, then the pluggable registry fallback.
func (n *Normalizer) resolveDocumentID(obj, metadata map[string]interface{}, source *models.Source) string {
	if id := idField(obj, metadata, "document_id"); id != "" {
		return id
	}
	if n.resolver != nil {
		if id, ok := n.resolver.Resolve(source.DocumentName, source.ContentPreview); ok {
			n.logger.Debug().
				Str("document_name", source.DocumentName).
				Str("document_id", id).
				Msg("Resolved document id through registry fallback")
			return id
		}
	}
	return ""
}

// resolvePage applies the page resolution order: page_label,
// metadata.page_label, numeric page, metadata.page (string or number),
// default 1. The label drives the numeric page when it parses as a number;
// otherwise both are kept as-is since they may legitimately disagree.
func resolvePage(obj, metadata map[string]interface{}) (int, string) {
	label := stringField(obj, "page_label")
	if label == "" && metadata != nil {
		label = stringField(metadata, "page_label")
	}

	if label != "" {
		if page, err := strconv.Atoi(strings.TrimSpace(label)); err == nil && page >= 1 {
			return page, label
		}
	}

	if page, ok := intField(obj, "page"); ok {
		return clampPage(page), label
	}
	if metadata != nil {
		if page, ok := intField(metadata, "page"); ok {
			return clampPage(page), label
		}
	}

	return 1, label
}

func clampPage(page int) int {
	if page < 1 {
		return 1
	}
	return page
}

// CompactPreview deterministically truncates preview text for compact list
// views: the first previewTokens whitespace-delimited tokens plus an
// ellipsis. Full text passes through untouched when short enough.
func (n *Normalizer) CompactPreview(text string) string {
	tokens := strings.Fields(text)
	if len(tokens) <= n.previewTokens {
		return text
	}
	return strings.Join(tokens[:n.previewTokens], " ") + "..."
}

// recoverString parses a JSON-encoded source string, applying a lenient
// recovery pass (strip control characters, undo common over-escaping)
// before giving up.
func (n *Normalizer) recoverString(s string) (interface{}, bool) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, false
	}

	var value interface{}
	if err := json.Unmarshal([]byte(trimmed), &value); err == nil {
		return value, true
	}

	cleaned := stripControlCharacters(trimmed)
	if err := json.Unmarshal([]byte(cleaned), &value); err == nil {
		return value, true
	}

	// Over-escaped payloads arrive with literal backslash-quote sequences,
	// sometimes wrapped in an extra pair of quotes.
	unescaped := strings.ReplaceAll(cleaned, `\"`, `"`)
	unescaped = strings.ReplaceAll(unescaped, `\\`, `\`)
	unescaped = strings.Trim(unescaped, `"`)
	if err := json.Unmarshal([]byte(unescaped), &value); err == nil {
		return value, true
	}

	return nil, false
}

// stripControlCharacters removes control characters that break strict JSON
// parsing, keeping ordinary whitespace.
func stripControlCharacters(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)
}

func stringField(obj map[string]interface{}, key string) string {
	if value, ok := obj[key].(string); ok {
		return value
	}
	return ""
}

// idField reads an id that may be a string or a number, from the top level
// first and the metadata bag second.
func idField(obj, metadata map[string]interface{}, key string) string {
	for _, m := range []map[string]interface{}{obj, metadata} {
		if m == nil {
			continue
		}
		switch value := m[key].(type) {
		case string:
			if value != "" {
				return value
			}
		case float64:
			return strconv.FormatInt(int64(value), 10)
		}
	}
	return ""
}

func floatField(obj map[string]interface{}, key string) (float64, bool) {
	if value, ok := obj[key].(float64); ok {
		return value, true
	}
	return 0, false
}

// intField reads a page value that may be a JSON number or a numeric string.
func intField(obj map[string]interface{}, key string) (int, bool) {
	switch value := obj[key].(type) {
	case float64:
		return int(value), true
	case string:
		if page, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return page, true
		}
	}
	return 0, false
}
