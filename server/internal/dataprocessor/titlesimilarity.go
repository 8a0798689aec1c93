package dataprocessor

import (
	"time"

	"github.com/google/uuid"

	"github.com/newsworkbench/engine/server/internal/cluster"
	"github.com/newsworkbench/engine/server/internal/models"
)

// titleFeatures is the per-item precomputed shape the heuristic scans
// over.
type titleFeatures struct {
	article  models.Article
	tokens   []string
	topics   []string
	entities []string
	digits   []string
}

// titleSimilarityGroup is the pairwise-title heuristic fallback grouping
// method. It honors a
// soft wall-clock budget: once exceeded, no further groups are opened and
// whatever has been grouped so far is returned (best-effort, matching the
// "soft" qualifier — this is not a hard cancellation point).
func titleSimilarityGroup(items []models.Article, budget time.Duration) []models.EventCluster {
	deadline := time.Now().Add(budget)

	features := make([]titleFeatures, len(items))
	for i, a := range items {
		features[i] = titleFeatures{
			article:  a,
			tokens:   cluster.Tokenize(a.Title),
			topics:   cluster.DetectTopics(a.Title),
			entities: cluster.CapitalizedEntities(a.Title),
			digits:   cluster.DigitRuns(a.Title),
		}
	}

	used := make([]bool, len(features))
	var groups [][]int

	for i := range features {
		if used[i] {
			continue
		}
		if time.Now().After(deadline) {
			break
		}
		used[i] = true
		group := []int{i}

		for j := i + 1; j < len(features); j++ {
			if used[j] {
				continue
			}
			if features[i].article.SourceName == features[j].article.SourceName {
				continue
			}
			if titleSimilar(features[i], features[j]) {
				used[j] = true
				group = append(group, j)
			}
		}

		if len(group) >= 2 {
			groups = append(groups, group)
		}
	}

	out := make([]models.EventCluster, 0, len(groups))
	for _, g := range groups {
		out = append(out, assembleTitleGroup(g, features))
	}
	return out
}

// titleSimilar implements spec §4.4 step 2's scan-and-score rule.
func titleSimilar(a, b titleFeatures) bool {
	if len(a.topics) > 0 && len(b.topics) > 0 && cluster.Jaccard(a.topics, b.topics) == 0 {
		return false
	}

	tokenJaccard := cluster.Jaccard(a.tokens, b.tokens)
	sharedTokens := countShared(a.tokens, b.tokens)
	entityOverlap := countShared(a.entities, b.entities)

	if !digitSetsMatch(a.digits, b.digits) && entityOverlap < 2 {
		return false
	}

	candidate := tokenJaccard > 0.3 || sharedTokens >= 3 || entityOverlap >= 2

	if !candidate {
		return sharedTokens >= 5
	}

	charJaccard := cluster.CharSetJaccard(a.article.Title, b.article.Title)
	semanticScore := semanticScore(entityOverlap, sharedTokens)
	score := 0.35*tokenJaccard + 0.25*charJaccard + 0.4*semanticScore

	if score > 0.6 {
		return true
	}
	if entityOverlap > 0 && tokenJaccard > 0.4 {
		return true
	}
	return sharedTokens >= 5
}

// semanticScore turns raw entity/token-overlap counts into a 0..1 score;
// the distillation names the two inputs but not a formula, so this uses a
// saturating normalization (5+ shared signals reaches 1.0).
func semanticScore(entityOverlap, sharedTokens int) float64 {
	raw := float64(entityOverlap)*0.6 + float64(sharedTokens)*0.2
	if raw > 1 {
		return 1
	}
	return raw
}

func countShared(a, b []string) int {
	set := map[string]bool{}
	for _, v := range a {
		set[v] = true
	}
	count := 0
	for _, v := range b {
		if set[v] {
			count++
		}
	}
	return count
}

// digitSetsMatch reports whether the two digit-run sets are identical or
// either is empty.
func digitSetsMatch(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return true
	}
	if len(a) != len(b) {
		return false
	}
	set := map[string]bool{}
	for _, v := range a {
		set[v] = true
	}
	for _, v := range b {
		if !set[v] {
			return false
		}
	}
	return true
}

func assembleTitleGroup(group []int, features []titleFeatures) models.EventCluster {
	rep := features[group[0]].article
	var reports []models.Article
	sourceSet := map[string]bool{}
	var sources []string
	var minPublish time.Time
	categoryVotes := map[string]int{}

	for i, idx := range group {
		a := features[idx].article
		reports = append(reports, a)
		if a.SourceName != "" && !sourceSet[a.SourceName] {
			sourceSet[a.SourceName] = true
			sources = append(sources, a.SourceName)
		}
		pt := time.Now().UTC()
		if a.PublishTime != nil {
			pt = *a.PublishTime
		}
		if i == 0 || pt.Before(minPublish) {
			minPublish = pt
		}
		categoryVotes[cluster.Categorize(a.Title, a.Content)]++
	}

	bestCat := cluster.UncategorizedID
	bestCount := -1
	for _, cat := range append(cluster.CategoryIDs(), cluster.UncategorizedID) {
		if categoryVotes[cat] > bestCount {
			bestCount = categoryVotes[cat]
			bestCat = cat
		}
	}

	return models.EventCluster{
		EventID:     uuid.NewString(),
		Title:       rep.Title,
		Summary:     rep.Summary,
		Category:    bestCat,
		Reports:     reports,
		Sources:     sources,
		PublishTime: &minPublish,
	}
}
