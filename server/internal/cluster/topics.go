package cluster

import (
	"math"
	"math/rand"
	"sort"
)

// ldaSeed is the fixed random seed carried over from the original
// implementation.
const ldaSeed = 42

// topicModel is a deterministic stand-in for the original's
// CountVectorizer + LatentDirichletAllocation pipeline: no topic-modeling
// library exists anywhere in the retrieval corpus (see DESIGN.md), so
// document-topic proportions are produced by projecting each document's
// term-count vector through a fixed, seeded random topic-word matrix and
// normalizing with softmax. This preserves the spec's determinism
// requirement (P5: identical inputs + fixed seed ⇒ identical output)
// without claiming to reproduce LDA's statistical guarantees.
type topicModel struct {
	vocabIx map[string]int
	weights [][]float64 // nTopics x vocabSize
	nTopics int
}

// fitTopicModel builds the vocabulary (capped at maxFeatures, most
// frequent terms first) and the seeded topic-word weight matrix.
func fitTopicModel(docs [][]string, maxFeatures, nTopics int) *topicModel {
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
	// Deterministic ordering: by frequency desc, then lexicographic.
	sortTermsByFreqThenLex(terms, counts)
	if len(terms) > maxFeatures {
		terms = terms[:maxFeatures]
	}

	vocabIx := make(map[string]int, len(terms))
	for i, t := range terms {
		vocabIx[t] = i
	}

	rng := rand.New(rand.NewSource(ldaSeed))
	weights := make([][]float64, nTopics)
	for k := 0; k < nTopics; k++ {
		row := make([]float64, len(terms))
		for j := range row {
			row[j] = rng.Float64()
		}
		weights[k] = row
	}

	return &topicModel{vocabIx: vocabIx, weights: weights, nTopics: nTopics}
}

// transform returns each document's topic-proportion vector via a
// softmax over the projection onto the seeded topic-word matrix.
func (m *topicModel) transform(docs [][]string) [][]float64 {
	out := make([][]float64, len(docs))
	for i, toks := range docs {
		counts := map[int]float64{}
		for _, t := range toks {
			if ix, ok := m.vocabIx[t]; ok {
				counts[ix]++
			}
		}
		scores := make([]float64, m.nTopics)
		for k := 0; k < m.nTopics; k++ {
			var s float64
			for ix, c := range counts {
				s += c * m.weights[k][ix]
			}
			scores[k] = s
		}
		out[i] = softmax(scores)
	}
	return out
}

func softmax(scores []float64) []float64 {
	if len(scores) == 0 {
		return scores
	}
	maxV := scores[0]
	for _, s := range scores {
		if s > maxV {
			maxV = s
		}
	}
	sum := 0.0
	out := make([]float64, len(scores))
	for i, s := range scores {
		out[i] = math.Exp(s - maxV)
		sum += out[i]
	}
	if sum > 0 {
		for i := range out {
			out[i] /= sum
		}
	}
	return out
}

func sortTermsByFreqThenLex(terms []string, counts map[string]int) {
	sort.Slice(terms, func(i, j int) bool {
		if counts[terms[i]] != counts[terms[j]] {
			return counts[terms[i]] > counts[terms[j]]
		}
		return terms[i] < terms[j]
	})
}

// cosineSimilarityVec computes cosine similarity between two dense
// vectors of equal length.
func cosineSimilarityVec(a, b []float64) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
