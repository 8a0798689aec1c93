package storage

import (
	"testing"
	"time"

	"github.com/newsworkbench/engine/server/internal/models"
)

func openTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := Open(InMemoryPath)
	if err != nil {
		t.Fatalf("opening in-memory storage: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if !s.WasDBJustCreated() {
		t.Fatalf("expected a fresh in-memory database to report WasDBJustCreated")
	}
	return s
}

// P1: upsert sets link and a non-decreasing retrieval_time.
func TestUpsertArticle_InsertThenUpdate(t *testing.T) {
	s := openTestStorage(t)

	id1, err := s.UpsertArticle(models.Article{Link: "https://x/1", Title: "T1"})
	if err != nil || id1 == nil {
		t.Fatalf("insert: id=%v err=%v", id1, err)
	}

	first, err := s.GetArticleByLink("https://x/1")
	if err != nil || first == nil {
		t.Fatalf("get after insert: %v err=%v", first, err)
	}
	if first.RetrievalTime == nil {
		t.Fatalf("retrieval_time must be set after insert")
	}
	firstRetrieval := *first.RetrievalTime

	time.Sleep(5 * time.Millisecond)
	id2, err := s.UpsertArticle(models.Article{Link: "https://x/1", Title: "T1-updated"})
	if err != nil || id2 == nil {
		t.Fatalf("update: id=%v err=%v", id2, err)
	}
	if *id1 != *id2 {
		t.Fatalf("update-on-conflict must keep the same id: %d vs %d", *id1, *id2)
	}

	second, err := s.GetArticleByLink("https://x/1")
	if err != nil || second == nil {
		t.Fatalf("get after update: %v err=%v", second, err)
	}
	if second.Title != "T1-updated" {
		t.Fatalf("expected updated title, got %q", second.Title)
	}
	if second.RetrievalTime == nil || second.RetrievalTime.Before(firstRetrieval) {
		t.Fatalf("retrieval_time must not move backwards on update")
	}
}

func TestUpsertArticle_RejectsEmptyLink(t *testing.T) {
	s := openTestStorage(t)
	if _, err := s.UpsertArticle(models.Article{Title: "no link"}); err == nil {
		t.Fatalf("expected an error for an empty link")
	}
}

// P2: duplicate source names yield exactly one row.
func TestAddNewsSource_UniqueName(t *testing.T) {
	s := openTestStorage(t)

	id, err := s.AddNewsSource(models.NewsSource{Name: "BBC", Type: models.SourceTypeRSS, URL: "https://bbc/feed"})
	if err != nil || id == nil {
		t.Fatalf("first add: id=%v err=%v", id, err)
	}

	dupID, err := s.AddNewsSource(models.NewsSource{Name: "BBC", Type: models.SourceTypeRSS, URL: "https://bbc/other"})
	if err != nil {
		t.Fatalf("second add should not error, got %v", err)
	}
	if dupID != nil {
		t.Fatalf("second add with duplicate name must return nil id, got %v", dupID)
	}

	sources, err := s.GetAllNewsSources()
	if err != nil {
		t.Fatalf("list sources: %v", err)
	}
	count := 0
	for _, src := range sources {
		if src.Name == "BBC" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one row named BBC, got %d", count)
	}
}

func TestAddNewsSource_DefaultsCategoryAndStatus(t *testing.T) {
	s := openTestStorage(t)
	if _, err := s.AddNewsSource(models.NewsSource{Name: "Reuters", Type: models.SourceTypeRSS}); err != nil {
		t.Fatalf("add: %v", err)
	}
	sources, err := s.GetAllNewsSources()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sources) != 1 {
		t.Fatalf("expected 1 source, got %d", len(sources))
	}
	src := sources[0]
	if src.CategoryName != models.DefaultCategoryName {
		t.Fatalf("expected default category %q, got %q", models.DefaultCategoryName, src.CategoryName)
	}
	if src.Status != models.StatusUnknown {
		t.Fatalf("expected initial status %q, got %q", models.StatusUnknown, src.Status)
	}
}

// P3: browsing history requires an extant article.
func TestAddBrowsingHistory_RejectsMissingArticle(t *testing.T) {
	s := openTestStorage(t)
	id, err := s.AddBrowsingHistory(99999, nil)
	if id != nil {
		t.Fatalf("expected nil id for nonexistent article, got %v", id)
	}
	if err != nil {
		t.Fatalf("expected no error for nonexistent article, got %v", err)
	}
}

func TestAddBrowsingHistory_Succeeds(t *testing.T) {
	s := openTestStorage(t)
	articleID, err := s.UpsertArticle(models.Article{Link: "https://x/2", Title: "T2"})
	if err != nil || articleID == nil {
		t.Fatalf("seed article: %v err=%v", articleID, err)
	}
	histID, err := s.AddBrowsingHistory(*articleID, nil)
	if err != nil || histID == nil {
		t.Fatalf("add history: %v err=%v", histID, err)
	}

	entries, err := s.GetBrowsingHistory(nil, 10, 0)
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(entries))
	}
}

// P4: set_article_read_status idempotence.
func TestSetArticleReadStatus_Idempotent(t *testing.T) {
	s := openTestStorage(t)
	if _, err := s.UpsertArticle(models.Article{Link: "https://x/3", Title: "T3"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	for i := 0; i < 3; i++ {
		ok, err := s.SetArticleReadStatus("https://x/3", true)
		if err != nil {
			t.Fatalf("set read status iteration %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("expected a row to be updated on iteration %d", i)
		}
	}

	a, err := s.GetArticleByLink("https://x/3")
	if err != nil || a == nil {
		t.Fatalf("get after set: %v err=%v", a, err)
	}
	if !a.IsRead {
		t.Fatalf("expected is_read == true")
	}
}

func TestSetArticleReadStatus_UnknownLink(t *testing.T) {
	s := openTestStorage(t)
	ok, err := s.SetArticleReadStatus("https://nowhere", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected false for a nonexistent link")
	}
}

// L2: an analysis linked to multiple articles is retrievable from each.
func TestAddLLMAnalysis_LinksToMultipleArticles(t *testing.T) {
	s := openTestStorage(t)

	id1, _ := s.UpsertArticle(models.Article{Link: "https://x/a1", Title: "A1"})
	id2, _ := s.UpsertArticle(models.Article{Link: "https://x/a2", Title: "A2"})

	record := models.LLMAnalysisRecord{
		AnalysisType:       "新闻相似度分析",
		AnalysisResultText: "same event",
		MetaNewsCount:      2,
		MetaNewsTitles:     []string{"A1", "A2"},
	}
	analysisID, err := s.AddLLMAnalysis(record, []int64{*id1, *id2})
	if err != nil || analysisID == nil {
		t.Fatalf("add analysis: %v err=%v", analysisID, err)
	}

	for _, aid := range []int64{*id1, *id2} {
		analyses, err := s.GetLLMAnalysesForArticle(aid)
		if err != nil {
			t.Fatalf("get analyses for %d: %v", aid, err)
		}
		if len(analyses) != 1 {
			t.Fatalf("expected 1 analysis for article %d, got %d", aid, len(analyses))
		}
		if analyses[0].ID != *analysisID {
			t.Fatalf("expected analysis id %d, got %d", *analysisID, analyses[0].ID)
		}
		if len(analyses[0].MetaNewsTitles) != 2 || analyses[0].MetaNewsTitles[0] != "A1" {
			t.Fatalf("meta_news_titles did not round-trip: %#v", analyses[0].MetaNewsTitles)
		}
	}
}

func TestDeleteArticlesWithNullPublishTime(t *testing.T) {
	s := openTestStorage(t)
	if _, err := s.UpsertArticle(models.Article{Link: "https://x/null-pub", Title: "no date"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	now := time.Now().UTC()
	if _, err := s.UpsertArticle(models.Article{Link: "https://x/dated", Title: "dated", PublishTime: &now}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	n, err := s.DeleteArticlesWithNullPublishTime()
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly 1 deleted row, got %d", n)
	}

	remaining, err := s.GetAllArticles(ArticleFilter{}, ArticleSort{}, Paging{})
	if err != nil {
		t.Fatalf("list remaining: %v", err)
	}
	if len(remaining) != 1 || remaining[0].Link != "https://x/dated" {
		t.Fatalf("expected only the dated article to remain, got %#v", remaining)
	}
}

func TestGetAllArticles_SearchAndFilter(t *testing.T) {
	s := openTestStorage(t)
	if _, err := s.UpsertArticle(models.Article{Link: "https://x/econ1", Title: "中国经济政策改革", CategoryName: "business"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := s.UpsertArticle(models.Article{Link: "https://x/sport1", Title: "本地足球联赛开幕", CategoryName: "sports"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	results, err := s.GetAllArticles(ArticleFilter{Category: "business"}, ArticleSort{}, Paging{})
	if err != nil {
		t.Fatalf("filter by category: %v", err)
	}
	if len(results) != 1 || results[0].CategoryName != "business" {
		t.Fatalf("expected 1 business article, got %#v", results)
	}

	bySearch, err := s.GetAllArticles(ArticleFilter{SearchTerm: "经济", SearchFields: []string{"title"}}, ArticleSort{}, Paging{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(bySearch) != 1 {
		t.Fatalf("expected 1 search match, got %d", len(bySearch))
	}
}
