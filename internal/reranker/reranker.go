// Package reranker reorders retrieved passages by blending their vector
// similarity with lexical overlap against the query. Pulling a wider
// candidate pool and reranking it lexically recovers exact-term matches
// that pure embedding similarity ranks too low.
package reranker

import (
	"context"
	"sort"
	"strings"
	"unicode"
)

// Candidate is one passage entering the reranker.
type Candidate struct {
	// ID identifies the passage.
	ID string

	// Text is the passage content scored against the query.
	Text string

	// Score is the vector similarity from the index store.
	Score float32
}

// Reranker reorders candidates by query relevance and truncates to topK.
// Implementations must be stable: candidates with equal final scores keep
// their input order.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []Candidate, topK int) ([]Candidate, error)
}

// Lexical blends vector similarity with term overlap, equally weighted.
// It needs no model backend, so reranking never adds an upstream failure
// mode to retrieval.
type Lexical struct{}

var _ Reranker = (*Lexical)(nil)

// NewLexical creates a lexical reranker.
func NewLexical() *Lexical {
	return &Lexical{}
}

// Rerank scores each candidate as the mean of its vector score and the
// fraction of query terms its text contains, then sorts descending.
// topK <= 0 keeps all candidates.
func (r *Lexical) Rerank(ctx context.Context, query string, candidates []Candidate, topK int) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return []Candidate{}, nil
	}

	queryTerms := terms(query)

	type scored struct {
		Candidate
		final float32
	}
	ranked := make([]scored, len(candidates))
	for i, c := range candidates {
		overlap := termOverlap(queryTerms, terms(c.Text))
		ranked[i] = scored{
			Candidate: c,
			final:     0.5*c.Score + 0.5*overlap,
		}
	}

	// Stable: equal blended scores preserve the store's ordering, which
	// retrieval has already fixed to ingestion order.
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].final > ranked[j].final
	})

	if topK <= 0 || topK > len(ranked) {
		topK = len(ranked)
	}
	out := make([]Candidate, topK)
	for i := range out {
		out[i] = ranked[i].Candidate
		out[i].Score = ranked[i].final
	}
	return out, nil
}

// terms tokenizes into lowercase alphanumeric terms, dropping words too
// short to be discriminative.
func terms(text string) []string {
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	filtered := tokens[:0]
	for _, tok := range tokens {
		if len(tok) > 2 {
			filtered = append(filtered, tok)
		}
	}
	return filtered
}

// termOverlap is the fraction of distinct query terms present in the
// passage, in [0, 1].
func termOverlap(queryTerms, passageTerms []string) float32 {
	if len(queryTerms) == 0 {
		return 0
	}
	present := make(map[string]bool, len(passageTerms))
	for _, term := range passageTerms {
		present[term] = true
	}

	matched := 0
	counted := make(map[string]bool, len(queryTerms))
	distinct := 0
	for _, term := range queryTerms {
		if counted[term] {
			continue
		}
		counted[term] = true
		distinct++
		if present[term] {
			matched++
		}
	}
	return float32(matched) / float32(distinct)
}
