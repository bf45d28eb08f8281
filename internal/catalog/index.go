package catalog

import (
	"sort"
	"strings"

	"invoicerecon/internal"
	"invoicerecon/internal/util"
)

// scanCap bounds the fallback scan when a query shares no token with the
// catalog.
const scanCap = 1500

type Suggestion struct {
	ProductID  string
	ProductKey string
	Name       string
	Score      float64
}

// Index is an in-memory view of the product master for fuzzy lookups.
type Index struct {
	ProductsByID         map[string]internal.Product
	ByHeader             map[string][]internal.Product
	TokenToProductIDs    map[string]map[string]struct{}
	NormalizedHeaderByID map[string]string
	order                []string
}

func header(p internal.Product) string {
	return strings.TrimSpace(p.Name + " " + util.Deref(p.Spec))
}

func BuildIndex(products []internal.Product) *Index {
	idx := &Index{
		ProductsByID:         map[string]internal.Product{},
		ByHeader:             map[string][]internal.Product{},
		TokenToProductIDs:    map[string]map[string]struct{}{},
		NormalizedHeaderByID: map[string]string{},
	}

	for _, p := range products {
		idx.ProductsByID[p.ID] = p
		idx.order = append(idx.order, p.ID)
		normHeader := util.NormalizeHeader(header(p))
		idx.NormalizedHeaderByID[p.ID] = normHeader
		idx.ByHeader[normHeader] = append(idx.ByHeader[normHeader], p)

		for _, token := range util.Tokenize(normHeader) {
			if _, ok := idx.TokenToProductIDs[token]; !ok {
				idx.TokenToProductIDs[token] = map[string]struct{}{}
			}
			idx.TokenToProductIDs[token][p.ID] = struct{}{}
		}
	}

	return idx
}

func (idx *Index) Len() int { return len(idx.ProductsByID) }

// Suggest ranks catalog products against a free-text line by header score
// and returns at most limit entries scoring at least minScore.
func (idx *Index) Suggest(query string, limit int, minScore float64) []Suggestion {
	normalized := util.NormalizeHeader(query)
	if normalized == "" || limit <= 0 {
		return nil
	}
	queryTokens := util.Tokenize(normalized)

	ids := map[string]struct{}{}
	for _, token := range queryTokens {
		for id := range idx.TokenToProductIDs[token] {
			ids[id] = struct{}{}
		}
	}
	if len(ids) == 0 {
		for i, id := range idx.order {
			if i >= scanCap {
				break
			}
			ids[id] = struct{}{}
		}
	}

	out := make([]Suggestion, 0, len(ids))
	for id := range ids {
		candidate := idx.NormalizedHeaderByID[id]
		score := ScoreHeader(normalized, candidate, queryTokens, util.Tokenize(candidate))
		if score < minScore {
			continue
		}
		p := idx.ProductsByID[id]
		out = append(out, Suggestion{ProductID: p.ID, ProductKey: p.ProductKey, Name: header(p), Score: score})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ProductKey < out[j].ProductKey
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ScoreHeader blends bigram similarity with the share of query tokens found
// in the candidate.
func ScoreHeader(query, candidate string, queryTokens, candidateTokens []string) float64 {
	dice := util.DiceCoefficient(query, candidate)
	if len(queryTokens) == 0 || len(candidateTokens) == 0 {
		return dice
	}

	set := map[string]struct{}{}
	for _, t := range candidateTokens {
		set[t] = struct{}{}
	}
	overlap := 0
	for _, t := range queryTokens {
		if _, ok := set[t]; ok {
			overlap++
		}
	}
	tokenScore := float64(overlap) / float64(len(queryTokens))
	return 0.65*dice + 0.35*tokenScore
}
