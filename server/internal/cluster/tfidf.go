package cluster

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"gonum.org/v1/gonum/mat"
)

var (
	latinWordRe = regexp.MustCompile(`[a-zA-Z0-9]{2,}`)
	cjkCharRe   = regexp.MustCompile(`\p{Han}`)
)

// englishStopwords is the small stopword list applied to title/content
// TF-IDF, per spec §4.3.
var englishStopwords = map[string]bool{
	"the": true, "a": true, "an": true, "of": true, "in": true, "on": true,
	"and": true, "or": true, "to": true, "is": true, "are": true, "this": true,
	"that": true, "for": true, "with": true, "as": true, "at": true, "by": true,
	"from": true, "it": true, "be": true, "was": true, "were": true, "has": true,
	"have": true, "had": true, "not": true, "but": true, "which": true, "who": true,
	"whom": true, "what": true, "can": true, "will": true, "would": true,
	"should": true, "could": true,
}

// tokenize splits s into lowercased Latin word tokens (length >= 2, minus
// stopwords) and individual Han characters. Mixed-script corpora (as
// typical for this workbench) need both: sklearn's default word-boundary
// tokenizer is of little use on unsegmented Chinese text, so Han
// characters are treated as unigram tokens instead of being dropped.
// Tokenize exposes tokenize for reuse by the title-similarity grouping
// heuristic.
func Tokenize(s string) []string { return tokenize(s) }

func tokenize(s string) []string {
	var tokens []string
	for _, w := range latinWordRe.FindAllString(strings.ToLower(s), -1) {
		if !englishStopwords[w] {
			tokens = append(tokens, w)
		}
	}
	for _, c := range cjkCharRe.FindAllString(s, -1) {
		tokens = append(tokens, c)
	}
	return tokens
}

// tfidfModel is a from-scratch TF-IDF vectorizer: term frequency per
// document, smoothed IDF across the corpus, L2-normalized rows. There is
// no NLP/ML library anywhere in the retrieval corpus (see DESIGN.md), so
// the vectorizer and the cosine-similarity matrix it feeds are hand-rolled
// over gonum matrices.
type tfidfModel struct {
	vocab   []string
	vocabIx map[string]int
}

// fitTFIDF builds a vectorizer capped at maxFeatures terms, keeping the
// most frequent terms across the corpus when the full vocabulary exceeds
// the cap.
func fitTFIDF(docs [][]string, maxFeatures int) *tfidfModel {
	counts := map[string]int{}
	for _, toks := range docs {
		for _, t := range toks {
			counts[t]++
		}
	}
	terms := make([]string, 0, len(counts))
	for t := range counts {
		terms = append(terms, t)
	}
	sort.Slice(terms, func(i, j int) bool {
		if counts[terms[i]] != counts[terms[j]] {
			return counts[terms[i]] > counts[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if len(terms) > maxFeatures {
		terms = terms[:maxFeatures]
	}
	sort.Strings(terms)

	m := &tfidfModel{vocab: terms, vocabIx: make(map[string]int, len(terms))}
	for i, t := range terms {
		m.vocabIx[t] = i
	}
	return m
}

// transform maps each document's tokens to an L2-normalized TF-IDF row
// vector over the fitted vocabulary.
func (m *tfidfModel) transform(docs [][]string) *mat.Dense {
	n := len(docs)
	d := len(m.vocab)
	if d == 0 {
		return mat.NewDense(n, 1, make([]float64, n))
	}

	df := make([]int, d)
	termFreqs := make([]map[int]float64, n)
	for i, toks := range docs {
		tf := map[int]float64{}
		for _, t := range toks {
			if ix, ok := m.vocabIx[t]; ok {
				tf[ix]++
			}
		}
		termFreqs[i] = tf
		for ix := range tf {
			df[ix]++
		}
	}

	idf := make([]float64, d)
	for j := 0; j < d; j++ {
		idf[j] = math.Log(float64(1+n)/float64(1+df[j])) + 1
	}

	out := mat.NewDense(n, d, nil)
	for i, tf := range termFreqs {
		var norm float64
		row := make([]float64, d)
		for ix, count := range tf {
			v := count * idf[ix]
			row[ix] = v
			norm += v * v
		}
		norm = math.Sqrt(norm)
		if norm > 0 {
			for ix := range row {
				row[ix] /= norm
			}
		}
		out.SetRow(i, row)
	}
	return out
}

// cosineSimilarityMatrix returns X * X^T for L2-normalized rows, which
// equals pairwise cosine similarity.
func cosineSimilarityMatrix(x *mat.Dense) *mat.Dense {
	n, _ := x.Dims()
	sim := mat.NewDense(n, n, nil)
	sim.Mul(x, x.T())
	return sim
}
