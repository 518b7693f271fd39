package safety

import (
	"math"
	"regexp"
	"strings"

	"github.com/openskills/osp-server/pkg/models"
)

// Classification is a non-safe classifier outcome. Blocked distinguishes
// a hard refusal (score at or above the block threshold) from a
// suspicious-but-passing score.
type Classification struct {
	Category   string
	RiskScore  float64
	RiskLevel  models.RiskLevel
	ReasonCode string
	Blocked    bool
}

// Classifier scores a query against the safety vocabulary. A nil
// Classification with a nil error means the query is clean. Any error
// makes the engine fail closed.
type Classifier interface {
	Classify(query string) (*Classification, error)
}

const (
	suspicionThreshold = 0.15
	blockThreshold     = 0.25
)

var wordPattern = regexp.MustCompile(`\w+`)

// Compact English stopword list, applied before n-gram extraction.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "for": true, "from": true,
	"had": true, "has": true, "have": true, "he": true, "her": true,
	"his": true, "how": true, "i": true, "if": true, "in": true,
	"into": true, "is": true, "it": true, "its": true, "me": true,
	"my": true, "no": true, "not": true, "now": true, "of": true,
	"on": true, "or": true, "she": true, "that": true, "the": true,
	"their": true, "them": true, "then": true, "there": true,
	"these": true, "they": true, "this": true, "to": true, "was": true,
	"we": true, "were": true, "what": true, "when": true, "where": true,
	"which": true, "who": true, "will": true, "with": true, "would": true,
	"you": true, "your": true,
}

// ngrams tokenizes text, drops stopwords, and returns unigrams plus
// adjacent bigrams.
func ngrams(text string) []string {
	raw := wordPattern.FindAllString(strings.ToLower(text), -1)
	words := raw[:0]
	for _, w := range raw {
		if !stopwords[w] {
			words = append(words, w)
		}
	}
	grams := make([]string, 0, len(words)*2)
	grams = append(grams, words...)
	for i := 0; i+1 < len(words); i++ {
		grams = append(grams, words[i]+" "+words[i+1])
	}
	return grams
}

// TFIDFClassifier scores queries by cosine similarity between the query's
// TF-IDF vector and one vector per category, each category's document
// being the concatenation of its keyword phrases.
type TFIDFClassifier struct {
	vocab      map[string]int // term -> column
	idf        []float64
	categories []Category
	catVectors [][]float64 // l2-normalized, one per category
}

// NewTFIDFClassifier fits the vectorizer over the built-in vocabulary.
func NewTFIDFClassifier() *TFIDFClassifier {
	c := &TFIDFClassifier{
		vocab:      make(map[string]int),
		categories: Categories,
	}

	docs := make([][]string, len(c.categories))
	for i, cat := range c.categories {
		docs[i] = ngrams(strings.Join(cat.Keywords, " "))
		for _, g := range docs[i] {
			if _, ok := c.vocab[g]; !ok {
				c.vocab[g] = len(c.vocab)
			}
		}
	}

	// Smoothed idf: ln((1+n)/(1+df)) + 1.
	df := make([]int, len(c.vocab))
	for _, doc := range docs {
		seen := make(map[int]bool, len(doc))
		for _, g := range doc {
			seen[c.vocab[g]] = true
		}
		for col := range seen {
			df[col]++
		}
	}
	n := float64(len(docs))
	c.idf = make([]float64, len(c.vocab))
	for col, d := range df {
		c.idf[col] = math.Log((1+n)/(1+float64(d))) + 1
	}

	c.catVectors = make([][]float64, len(docs))
	for i, doc := range docs {
		c.catVectors[i] = c.vectorize(doc)
	}
	return c
}

// vectorize builds the l2-normalized TF-IDF vector for a token stream.
func (c *TFIDFClassifier) vectorize(grams []string) []float64 {
	vec := make([]float64, len(c.vocab))
	for _, g := range grams {
		if col, ok := c.vocab[g]; ok {
			vec[col] += c.idf[col]
		}
	}
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec
}

func (c *TFIDFClassifier) Classify(query string) (*Classification, error) {
	qv := c.vectorize(ngrams(query))

	bestIdx, bestScore := -1, 0.0
	for i, cv := range c.catVectors {
		var dot float64
		for col, v := range cv {
			dot += v * qv[col]
		}
		if bestIdx == -1 || dot > bestScore {
			bestIdx, bestScore = i, dot
		}
	}

	if bestIdx == -1 || bestScore < suspicionThreshold {
		return nil, nil
	}
	cat := c.categories[bestIdx]
	return &Classification{
		Category:   cat.Name,
		RiskScore:  round4(bestScore),
		RiskLevel:  cat.RiskLevel,
		ReasonCode: cat.ReasonCode,
		Blocked:    bestScore >= blockThreshold,
	}, nil
}

// KeywordClassifier is the deterministic substring matcher. It blocks on
// any keyword phrase hit and scores by hit density.
type KeywordClassifier struct{}

func NewKeywordClassifier() *KeywordClassifier { return &KeywordClassifier{} }

func (c *KeywordClassifier) Classify(query string) (*Classification, error) {
	lower := strings.ToLower(query)
	var best *Classification
	bestScore := 0.0

	for _, cat := range Categories {
		hits := 0
		for _, kw := range cat.Keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		score := float64(hits) / float64(len(cat.Keywords))
		if score > bestScore {
			bestScore = score
			best = &Classification{
				Category:   cat.Name,
				RiskScore:  round4(math.Min(score*3, 0.99)),
				RiskLevel:  cat.RiskLevel,
				ReasonCode: cat.ReasonCode,
				Blocked:    true,
			}
		}
	}
	return best, nil
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
