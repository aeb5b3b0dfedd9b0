package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	ahocorasick "github.com/cloudflare/ahocorasick"

	"github.com/baikalmedia/tourism-monitor/internal/filter"
)

// bowModel is the on-disk shape of a bag-of-words weights file.
type bowModel struct {
	Bias    float64            `json:"bias"`
	Weights map[string]float64 `json:"weights"`
}

// BagOfWords is a linear model over folded term counts squashed through a
// logistic function. Terms match as substrings of the folded text, the same
// semantics as the keyword filter, so a stem like "байкал" weighs every
// inflected form. The model runs fully in process and never fails at score
// time, which makes it the usual backend when no model service is deployed.
type BagOfWords struct {
	bias    float64
	terms   []termWeight
	matcher *ahocorasick.Matcher
}

// termWeight pairs a folded term with its weight. The slice is sorted by
// term and the matcher indexes into it, so the summation order is fixed and
// repeated scoring of one text produces the same float.
type termWeight struct {
	term   string
	weight float64
}

// NewBagOfWords loads a weights file. Terms are folded the same way scored
// text is, so weight keys may be written in any case or with diacritics;
// keys that fold to the same term have their weights summed.
func NewBagOfWords(path string) (*BagOfWords, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read weights file: %w", err)
	}

	var model bowModel
	if err := json.Unmarshal(raw, &model); err != nil {
		return nil, fmt.Errorf("failed to parse weights file %s: %w", path, err)
	}

	folded := make(map[string]float64, len(model.Weights))
	for term, weight := range model.Weights {
		t := filter.Fold(strings.TrimSpace(term))
		if t == "" {
			continue
		}
		folded[t] += weight
	}
	if len(folded) == 0 {
		return nil, fmt.Errorf("weights file %s has no terms", path)
	}

	b := &BagOfWords{
		bias:  model.Bias,
		terms: make([]termWeight, 0, len(folded)),
	}
	for term, weight := range folded {
		b.terms = append(b.terms, termWeight{term: term, weight: weight})
	}
	sort.Slice(b.terms, func(i, j int) bool { return b.terms[i].term < b.terms[j].term })

	patterns := make([]string, len(b.terms))
	for i, t := range b.terms {
		patterns[i] = t.term
	}
	b.matcher = ahocorasick.NewStringMatcher(patterns)

	return b, nil
}

// Score computes the logistic of bias plus the weighted occurrence counts of
// every matching term.
func (b *BagOfWords) Score(_ context.Context, text string) (float64, error) {
	folded := filter.Fold(text)

	z := b.bias
	hits := b.matcher.Match([]byte(folded))
	sort.Ints(hits)
	for _, idx := range hits {
		if idx < 0 || idx >= len(b.terms) {
			continue
		}
		t := b.terms[idx]
		z += t.weight * float64(strings.Count(folded, t.term))
	}

	return sigmoid(z), nil
}

// ScoreBatch scores each text independently, preserving input order.
func (b *BagOfWords) ScoreBatch(ctx context.Context, texts []string) ([]float64, error) {
	scores := make([]float64, len(texts))
	for i, text := range texts {
		score, err := b.Score(ctx, text)
		if err != nil {
			return nil, err
		}
		scores[i] = score
	}
	return scores, nil
}

func sigmoid(z float64) float64 {
	return 1.0 / (1.0 + math.Exp(-z))
}
