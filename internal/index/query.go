package index

import (
	"unicode/utf8"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
)

// Fuzziness returns the edit distance allowed for a term: exact up to two
// characters, one edit up to five, two beyond.
func Fuzziness(term string) int {
	switch n := utf8.RuneCountInString(term); {
	case n <= 2:
		return 0
	case n <= 5:
		return 1
	default:
		return 2
	}
}

// analyzeTerms runs text through the content analyzer and returns the
// distinct terms in order of first appearance.
func analyzeTerms(m mapping.IndexMapping, text string) []string {
	analyzer := m.AnalyzerNamed(ContentAnalyzer)
	if analyzer == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var terms []string
	for _, tok := range analyzer.Analyze([]byte(text)) {
		term := string(tok.Term)
		if term == "" {
			continue
		}
		if _, dup := seen[term]; dup {
			continue
		}
		seen[term] = struct{}{}
		terms = append(terms, term)
	}
	return terms
}

// buildQuery scopes a fuzzy content match to one tenant and conversation.
// Returns nil when the text has no searchable terms.
func buildQuery(m mapping.IndexMapping, req Request) query.Query {
	terms := analyzeTerms(m, req.Text)
	if len(terms) == 0 {
		return nil
	}

	matches := make([]query.Query, 0, len(terms))
	for _, term := range terms {
		if fuzz := Fuzziness(term); fuzz > 0 {
			fq := bleve.NewFuzzyQuery(term)
			fq.SetField(FieldContent)
			fq.SetFuzziness(fuzz)
			matches = append(matches, fq)
		} else {
			tq := bleve.NewTermQuery(term)
			tq.SetField(FieldContent)
			matches = append(matches, tq)
		}
	}
	content := bleve.NewDisjunctionQuery(matches...)
	content.SetMin(1)

	// Scope terms filter without scoring: relevance comes from content alone.
	tenant := bleve.NewTermQuery(req.TenantID)
	tenant.SetField(FieldTenant)
	tenant.SetBoost(0)
	conversation := bleve.NewTermQuery(req.ConversationID)
	conversation.SetField(FieldConversation)
	conversation.SetBoost(0)

	return bleve.NewConjunctionQuery(tenant, conversation, content)
}
