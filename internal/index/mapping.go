package index

import (
	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/unicode"
	"github.com/blevesearch/bleve/v2/mapping"
)

// Field names of an indexed message.
const (
	FieldTenant       = "tenant_id"
	FieldConversation = "conversation_id"
	FieldContent      = "content"
	FieldTimestamp    = "timestamp"
)

// ContentAnalyzer tokenizes content on unicode word boundaries and
// lowercases. Stop words are kept so "no" or "there" stay searchable.
const ContentAnalyzer = "message_content"

// bleveDoc is the shape handed to bleve.
type bleveDoc struct {
	TenantID       string `json:"tenant_id"`
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	Timestamp      string `json:"timestamp"`
}

// newMessageMapping builds the messages mapping: exact-match scope fields,
// analyzed content, and a stored-only timestamp.
func newMessageMapping() mapping.IndexMapping {
	keywordField := func() *mapping.FieldMapping {
		f := bleve.NewKeywordFieldMapping()
		f.Analyzer = keyword.Name
		f.Store = true
		f.IncludeInAll = false
		return f
	}

	content := bleve.NewTextFieldMapping()
	content.Analyzer = ContentAnalyzer
	content.Store = true
	content.IncludeInAll = false

	timestamp := bleve.NewTextFieldMapping()
	timestamp.Index = false
	timestamp.Store = true
	timestamp.IncludeInAll = false

	doc := bleve.NewDocumentStaticMapping()
	doc.AddFieldMappingsAt(FieldTenant, keywordField())
	doc.AddFieldMappingsAt(FieldConversation, keywordField())
	doc.AddFieldMappingsAt(FieldContent, content)
	doc.AddFieldMappingsAt(FieldTimestamp, timestamp)

	im := bleve.NewIndexMapping()
	// Registered before the analyzer is referenced; AddCustomAnalyzer only
	// fails on an unknown tokenizer or filter.
	if err := im.AddCustomAnalyzer(ContentAnalyzer, map[string]interface{}{
		"type":          custom.Name,
		"tokenizer":     unicode.Name,
		"token_filters": []string{lowercase.Name},
	}); err != nil {
		panic(err)
	}
	im.DefaultMapping = doc
	im.DefaultAnalyzer = ContentAnalyzer
	return im
}
