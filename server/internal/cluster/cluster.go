// Package cluster implements the enhanced clusterer: a multi-feature
// fusion pipeline that groups related articles into event clusters. No
// clustering/NLP library exists anywhere in the retrieval corpus (see
// DESIGN.md), so TF-IDF, entity similarity, the topic model,
// agglomerative clustering and DBSCAN are hand-rolled over gonum
// matrices — this package is itself the spec's deliverable.
package cluster

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/newsworkbench/engine/server/internal/llmservice"
	"github.com/newsworkbench/engine/server/internal/models"
)

// FeatureWeights are the linear-fusion weights over the five feature
// channels. Set via Config and renormalized so they sum to 1.
type FeatureWeights struct {
	TitleTFIDF    float64
	ContentTFIDF  float64
	Entity        float64
	Topic         float64
	TimeProximity float64
}

// DefaultFeatureWeights mirrors the original implementation's defaults.
func DefaultFeatureWeights() FeatureWeights {
	return FeatureWeights{
		TitleTFIDF:    0.3,
		ContentTFIDF:  0.2,
		Entity:        0.25,
		Topic:         0.15,
		TimeProximity: 0.1,
	}
}

func (w FeatureWeights) renormalized() FeatureWeights {
	sum := w.TitleTFIDF + w.ContentTFIDF + w.Entity + w.Topic + w.TimeProximity
	if sum <= 0 {
		return DefaultFeatureWeights()
	}
	return FeatureWeights{
		TitleTFIDF:    w.TitleTFIDF / sum,
		ContentTFIDF:  w.ContentTFIDF / sum,
		Entity:        w.Entity / sum,
		Topic:         w.Topic / sum,
		TimeProximity: w.TimeProximity / sum,
	}
}

// Config holds the clusterer's configurable parameters, all with the
// defaults from spec §4.3.
type Config struct {
	Eps                 float64
	MinSamples          int
	SimilarityThreshold float64
	TimeWindowDays      float64
	Weights             FeatureWeights
	NTopics             int
}

// DefaultConfig returns the spec-mandated defaults.
func DefaultConfig() Config {
	return Config{
		Eps:                 0.4,
		MinSamples:          2,
		SimilarityThreshold: 0.5,
		TimeWindowDays:      3,
		Weights:             DefaultFeatureWeights(),
		NTopics:             20,
	}
}

// Clusterer groups articles into EventClusters via multi-feature fusion.
// An LLMService is optional: when absent, every feature channel that
// could use one falls back to its rule-based equivalent.
type Clusterer struct {
	cfg Config
	llm llmservice.LLMService
}

// New constructs a Clusterer. llm may be nil.
func New(cfg Config, llm llmservice.LLMService) *Clusterer {
	cfg.Weights = cfg.Weights.renormalized()
	if cfg.NTopics <= 0 {
		cfg.NTopics = 20
	}
	return &Clusterer{cfg: cfg, llm: llm}
}

// Cluster runs the full pipeline and returns event clusters sorted by
// report count descending. Every input article appears in
// exactly one output event (spec P6).
func (c *Clusterer) Cluster(ctx context.Context, articles []models.Article) []models.EventCluster {
	if len(articles) == 0 {
		return nil
	}

	pre := preprocess(articles)
	n := len(pre)

	titleTokens := make([][]string, n)
	contentTokens := make([][]string, n)
	combinedTokens := make([][]string, n)
	entities := make([][]string, n)
	for i, p := range pre {
		titleTokens[i] = tokenize(p.Title)
		contentTokens[i] = tokenize(p.Content)
		combinedTokens[i] = append(append([]string{}, titleTokens[i]...), contentTokens[i]...)
		entities[i] = extractEntities(ctx, c.llm, p.Title, p.Content)
	}

	titleModel := fitTFIDF(titleTokens, 1000)
	titleVecs := titleModel.transform(titleTokens)
	titleSim := cosineSimilarityMatrix(titleVecs)

	contentModel := fitTFIDF(contentTokens, 2000)
	contentVecs := contentModel.transform(contentTokens)
	contentSim := cosineSimilarityMatrix(contentVecs)

	topicM := fitTopicModel(combinedTokens, 1000, c.cfg.NTopics)
	topicDists := topicM.transform(combinedTokens)

	dist := make([][]float64, n)
	for i := 0; i < n; i++ {
		dist[i] = make([]float64, n)
	}

	w := c.cfg.Weights
	for i := 0; i < n; i++ {
		dist[i][i] = 0
		for j := i + 1; j < n; j++ {
			entitySim := jaccard(entities[i], entities[j])
			topicSim := cosineSimilarityVec(topicDists[i], topicDists[j])
			timeSim := timeProximity(pre[i].PublishTime, pre[j].PublishTime, c.cfg.TimeWindowDays)

			s := w.TitleTFIDF*titleSim.At(i, j) +
				w.ContentTFIDF*contentSim.At(i, j) +
				w.Entity*entitySim +
				w.Topic*topicSim +
				w.TimeProximity*timeSim

			d := 1 - s
			dist[i][j] = d
			dist[j][i] = d
		}
	}

	coarse := agglomerativeClusters(dist, 1-c.cfg.SimilarityThreshold)

	var fineGroups [][]int
	for _, group := range coarse {
		if len(group) < 2 {
			fineGroups = append(fineGroups, group)
			continue
		}
		labels := dbscanLabels(dist, group, c.cfg.Eps, c.cfg.MinSamples)
		byLabel := map[int][]int{}
		for idx, lbl := range labels {
			if lbl == -1 {
				fineGroups = append(fineGroups, []int{group[idx]})
				continue
			}
			byLabel[lbl] = append(byLabel[lbl], group[idx])
		}
		var keys []int
		for k := range byLabel {
			keys = append(keys, k)
		}
		sort.Ints(keys)
		for _, k := range keys {
			fineGroups = append(fineGroups, byLabel[k])
		}
	}

	events := make([]models.EventCluster, 0, len(fineGroups))
	for _, group := range fineGroups {
		events = append(events, c.assembleEvent(ctx, group, pre, dist))
	}

	sort.SliceStable(events, func(i, j int) bool {
		return len(events[i].Reports) > len(events[j].Reports)
	})
	return events
}

// timeProximity is the Gaussian kernel exp(-Δdays²/(2·timeWindow²)).
func timeProximity(a, b time.Time, timeWindowDays float64) float64 {
	delta := a.Sub(b).Hours() / 24
	if timeWindowDays <= 0 {
		timeWindowDays = 3
	}
	return math.Exp(-(delta * delta) / (2 * timeWindowDays * timeWindowDays))
}

func (c *Clusterer) assembleEvent(ctx context.Context, group []int, pre []preprocessedArticle, dist [][]float64) models.EventCluster {
	repIdx := representativeIndex(group, dist)
	rep := pre[repIdx]

	var reports []models.Article
	sourceSet := map[string]bool{}
	var sources []string
	var minPublish time.Time
	categoryVotes := map[string]int{}
	keywordCounts := map[string]int{}

	for i, idx := range group {
		p := pre[idx]
		reports = append(reports, p.Article)
		if p.Article.SourceName != "" && !sourceSet[p.Article.SourceName] {
			sourceSet[p.Article.SourceName] = true
			sources = append(sources, p.Article.SourceName)
		}
		if i == 0 || p.PublishTime.Before(minPublish) {
			minPublish = p.PublishTime
		}
		cat := categorize(p.Title, p.Content)
		categoryVotes[cat]++
		for _, kw := range extractKeywords(ctx, c.llm, p.Title, p.Content) {
			keywordCounts[kw]++
		}
	}

	summary := c.summarize(ctx, rep)

	return models.EventCluster{
		EventID:     uuid.NewString(),
		Title:       rep.Title,
		Summary:     summary,
		Keywords:    topKeywords(keywordCounts, 5),
		Category:    majorityCategory(categoryVotes),
		Reports:     reports,
		Sources:     sources,
		PublishTime: &minPublish,
	}
}

// representativeIndex picks the group member maximizing its average
// pairwise similarity (minimizing average distance) to the rest of the
// group.
func representativeIndex(group []int, dist [][]float64) int {
	if len(group) == 1 {
		return group[0]
	}
	best := group[0]
	bestAvg := math.MaxFloat64
	for _, i := range group {
		var sum float64
		for _, j := range group {
			if i == j {
				continue
			}
			sum += dist[i][j]
		}
		avg := sum / float64(len(group)-1)
		if avg < bestAvg {
			bestAvg = avg
			best = i
		}
	}
	return best
}

func majorityCategory(votes map[string]int) string {
	best := UncategorizedID
	bestCount := -1
	var keys []string
	for k := range votes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if votes[k] > bestCount {
			bestCount = votes[k]
			best = k
		}
	}
	return best
}

func topKeywords(counts map[string]int, k int) []string {
	type kv struct {
		word  string
		count int
	}
	var list []kv
	for w, c := range counts {
		list = append(list, kv{w, c})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].count != list[j].count {
			return list[i].count > list[j].count
		}
		return list[i].word < list[j].word
	})
	if len(list) > k {
		list = list[:k]
	}
	out := make([]string, len(list))
	for i, e := range list {
		out[i] = e.word
	}
	return out
}

// sentenceEndRe matches punctuation the fallback summary may stop at.
var sentenceEndRe = []rune{'。', '！', '？', '.', '!', '?'}

// summarize produces an event's summary: an LLM-generated ~100-char
// summary when available, else the first 200 characters of content
// extended to the nearest sentence-terminator within 100 chars (with an
// ellipsis if truncated), else the title.
func (c *Clusterer) summarize(ctx context.Context, rep preprocessedArticle) string {
	if c.llm != nil && c.llm.IsConfigured() {
		tmpl := "用不超过100字总结以下新闻：\n" + rep.Title + "\n" + rep.Content
		if raw, err := c.llm.CallLLM(ctx, tmpl); err == nil {
			if s, ok := raw.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
			if m, ok := raw.(map[string]any); ok {
				if s, ok := m["analysis"].(string); ok && s != "" {
					return s
				}
			}
		}
	}

	content := []rune(rep.Content)
	if len(content) == 0 {
		return rep.Title
	}
	limit := 200
	if limit > len(content) {
		limit = len(content)
	}
	truncated := limit < len(content)
	window := content[:limit]

	extendLimit := limit + 100
	if extendLimit > len(content) {
		extendLimit = len(content)
	}
	for i := limit; i < extendLimit; i++ {
		if isSentenceEnd(content[i]) {
			window = content[:i+1]
			truncated = i+1 < len(content)
			break
		}
	}

	result := string(window)
	if truncated {
		result += "…"
	}
	return result
}

func isSentenceEnd(r rune) bool {
	for _, e := range sentenceEndRe {
		if r == e {
			return true
		}
	}
	return false
}
