// Package dataprocessor is the façade between raw storage rows and the
// analysis/cluster layers: it loads and categorizes articles,
// delegates grouping to the clusterer or a title-similarity heuristic, and
// projects storage shape to the LLM-facing shape and back.
package dataprocessor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/newsworkbench/engine/server/internal/cluster"
	"github.com/newsworkbench/engine/server/internal/llmservice"
	"github.com/newsworkbench/engine/server/internal/models"
	"github.com/newsworkbench/engine/server/internal/storage"
)

// categoryDisplayNames maps a keyword-table category id (plus the
// uncategorized bucket) to its human-readable name, with special-casing
// for "uncategorized" and "military" recovered from
// news_data_processor.py's get_category_name.
var categoryDisplayNames = map[string]string{
	cluster.UncategorizedID: "未分类",
	"politics":              "政治",
	"military":              "军事",
	"international":         "国际",
	"technology":            "科技",
	"business":              "财经",
	"science":               "科学",
	"sports":                "体育",
	"entertainment":         "娱乐",
	"health":                "健康",
	"culture":               "文化",
	"environment":           "环境",
	"disaster":              "灾害",
}

// AllCategoryID is the sentinel category id returned by GetNewsByCategory
// meaning "every loaded article".
const AllCategoryID = "all"

// ErrNotImplemented is returned by the OPML stubs.
var ErrNotImplemented = errors.New("dataprocessor: not implemented")

// titleSimilarityBudget bounds the fallback grouping method's wall clock.
const titleSimilarityBudget = 60 * time.Second

// DataProcessor holds the last-loaded snapshot plus derived views, exactly
// the loaded-state triad spec §4.4 describes.
type DataProcessor struct {
	store *storage.Storage
	clust *cluster.Clusterer
	llm   llmservice.LLMService
	log   *log.Logger

	mu            sync.Mutex
	allNewsItems  []models.Article
	categorized   map[string][]models.Article
	newsGroups    []models.EventCluster
}

// New constructs a DataProcessor. clust and llm may be nil; llm is kept on
// the struct but no method of this package calls it.
func New(store *storage.Storage, clust *cluster.Clusterer, llm llmservice.LLMService) *DataProcessor {
	return &DataProcessor{
		store:       store,
		clust:       clust,
		llm:         llm,
		log:         log.New(os.Stderr, "[dataprocessor] ", log.LstdFlags),
		categorized: map[string][]models.Article{},
	}
}

// LoadNewsData pulls every article from storage and populates
// categorized_news including an uncategorized bucket. An article's stored
// category_name is used as its bucket id when set; the keyword-based
// categorizer is run for the rest.
func (d *DataProcessor) LoadNewsData() error {
	items, err := d.store.GetAllArticles(storage.ArticleFilter{}, storage.ArticleSort{}, storage.Paging{})
	if err != nil {
		return fmt.Errorf("loading news data: %w", err)
	}

	buckets := map[string][]models.Article{}
	for _, a := range items {
		id := a.CategoryName
		if id == "" {
			id = cluster.Categorize(a.Title, a.Content)
		}
		buckets[id] = append(buckets[id], a)
	}

	d.mu.Lock()
	d.allNewsItems = items
	d.categorized = buckets
	d.mu.Unlock()

	for id, bucket := range buckets {
		d.log.Printf("category %q: %d articles", id, len(bucket))
	}
	return nil
}

// GetNewsByCategory returns the articles in category id; id=="all" returns
// every loaded article.
func (d *DataProcessor) GetNewsByCategory(id string) []models.Article {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id == AllCategoryID {
		return append([]models.Article{}, d.allNewsItems...)
	}
	return append([]models.Article{}, d.categorized[id]...)
}

// GetCategoryName returns the human name for id, special-casing
// uncategorized/military per SPEC_FULL §D; unknown ids fall back to the id
// itself.
func (d *DataProcessor) GetCategoryName(id string) string {
	if name, ok := categoryDisplayNames[id]; ok {
		return name
	}
	return id
}

// AutoGroupNews groups items by method: "multi_feature" delegates to the
// clusterer; any other value (default "title_similarity") runs the
// pairwise-title heuristic.
func (d *DataProcessor) AutoGroupNews(ctx context.Context, items []models.Article, method string) ([]models.EventCluster, error) {
	var groups []models.EventCluster
	if method == "multi_feature" {
		if d.clust == nil {
			return nil, fmt.Errorf("dataprocessor: multi_feature grouping requires a clusterer")
		}
		groups = d.clust.Cluster(ctx, items)
	} else {
		groups = titleSimilarityGroup(items, titleSimilarityBudget)
	}

	d.mu.Lock()
	d.newsGroups = groups
	d.mu.Unlock()
	return groups, nil
}

// PrepareNewsForAnalysis projects storage shape to the LLM-facing shape.
func (d *DataProcessor) PrepareNewsForAnalysis(items []models.Article) []llmservice.NewsItem {
	out := make([]llmservice.NewsItem, len(items))
	for i, a := range items {
		pubDate := ""
		if a.PublishTime != nil {
			pubDate = a.PublishTime.Format(time.RFC3339)
		}
		out[i] = llmservice.NewsItem{
			Title:   a.Title,
			Content: a.Content,
			Source:  a.SourceName,
			PubDate: pubDate,
			URL:     a.Link,
		}
	}
	return out
}

// SaveAnalysisResult assembles an archival record from an analysis result
// plus the selected articles, attaching a group summary when the
// selection intersects a loaded news group, and forwards it to storage.
func (d *DataProcessor) SaveAnalysisResult(result map[string]any, kind string, selected []models.Article) (*int64, error) {
	titles := make([]string, len(selected))
	sourceSet := map[string]bool{}
	var sources []string
	categorySet := map[string]bool{}
	var categories []string
	articleIDs := make([]int64, len(selected))
	for i, a := range selected {
		titles[i] = a.Title
		articleIDs[i] = a.ID
		if a.SourceName != "" && !sourceSet[a.SourceName] {
			sourceSet[a.SourceName] = true
			sources = append(sources, a.SourceName)
		}
		cat := a.CategoryName
		if cat == "" {
			cat = cluster.UncategorizedID
		}
		if !categorySet[cat] {
			categorySet[cat] = true
			categories = append(categories, cat)
		}
	}

	var groupSummaries []string
	d.mu.Lock()
	for _, g := range d.newsGroups {
		if groupIntersectsSelection(g, selected) {
			groupSummaries = append(groupSummaries, g.Summary)
		}
	}
	d.mu.Unlock()

	analysisText, _ := result["analysis"].(string)
	importance := 0
	if v, ok := result["importance"]; ok {
		switch iv := v.(type) {
		case int:
			importance = iv
		case float64:
			importance = int(iv)
		}
	}
	now := time.Now().UTC()

	record := models.LLMAnalysisRecord{
		AnalysisTimestamp:  &now,
		AnalysisType:       kind,
		AnalysisResultText: analysisText,
		MetaNewsCount:      len(selected),
		MetaNewsTitles:     titles,
		MetaNewsSources:    sources,
		MetaCategories:     categories,
		MetaGroups:         groupSummaries,
		MetaArticleIDs:     articleIDs,
		MetaAnalysisParams: map[string]any{"importance": importance},
	}
	if errMsg, ok := result["error"].(string); ok {
		record.MetaErrorInfo = errMsg
	}

	return d.store.AddLLMAnalysis(record, articleIDs)
}

func groupIntersectsSelection(g models.EventCluster, selected []models.Article) bool {
	links := map[string]bool{}
	for _, a := range selected {
		links[a.Link] = true
	}
	for _, r := range g.Reports {
		if links[r.Link] {
			return true
		}
	}
	return false
}

// ExportSourcesToOPML is a stub: it returns ErrNotImplemented and does not
// touch storage; the OPML XML walk itself is an external collaborator.
func (d *DataProcessor) ExportSourcesToOPML(_ []models.NewsSource) (string, error) {
	return "", ErrNotImplemented
}

// ImportSourcesFromOPML is a thin stub; see ExportSourcesToOPML.
func (d *DataProcessor) ImportSourcesFromOPML(_ string) ([]models.NewsSource, error) {
	return nil, ErrNotImplemented
}
