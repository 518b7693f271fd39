package routing

import (
	"math"
	"regexp"
	"strings"
)

var tokenPattern = regexp.MustCompile(`\w+`)

func tokenize(text string) []string {
	return tokenPattern.FindAllString(strings.ToLower(text), -1)
}

// bm25Scorer implements Okapi BM25 lexical scoring. The IDF table is
// rebuilt per request from the candidate pool, so a scorer instance is
// request-scoped and needs no locking.
type bm25Scorer struct {
	k1       float64
	b        float64
	docCount int
	docFreq  map[string]int
}

func newBM25Scorer() *bm25Scorer {
	return &bm25Scorer{k1: 1.5, b: 0.75, docFreq: map[string]int{}}
}

// buildIDF fills the document-frequency table from a corpus. Only called
// when the pool has more than one document; with a single document the
// flat idf fallback of 1.0 applies.
func (s *bm25Scorer) buildIDF(documents []string) {
	s.docCount = len(documents)
	s.docFreq = make(map[string]int)
	for _, doc := range documents {
		seen := map[string]bool{}
		for _, term := range tokenize(doc) {
			if !seen[term] {
				seen[term] = true
				s.docFreq[term]++
			}
		}
	}
}

func (s *bm25Scorer) idf(term string) float64 {
	if s.docCount == 0 {
		return 1.0
	}
	df := s.docFreq[term]
	if df == 0 {
		return 1.0
	}
	return math.Log((float64(s.docCount)-float64(df)+0.5)/(float64(df)+0.5) + 1.0)
}

func (s *bm25Scorer) score(query, document string) float64 {
	docTerms := tokenize(document)
	if len(docTerms) == 0 {
		return 0.0
	}

	docLen := float64(len(docTerms))
	// Single-document approximation: avg length equals this doc's length,
	// which collapses the length normalization term to 1.
	avgDocLen := math.Max(docLen, 1)

	tf := map[string]float64{}
	for _, term := range docTerms {
		tf[term]++
	}

	var score float64
	for _, term := range tokenize(query) {
		f := tf[term]
		if f == 0 {
			continue
		}
		numerator := f * (s.k1 + 1)
		denominator := f + s.k1*(1-s.b+s.b*(docLen/avgDocLen))
		score += s.idf(term) * (numerator / denominator)
	}
	return score
}
