package dataprocessor

import (
	"context"
	"testing"

	"github.com/newsworkbench/engine/server/internal/cluster"
	"github.com/newsworkbench/engine/server/internal/models"
	"github.com/newsworkbench/engine/server/internal/storage"
)

func openTestStore(t *testing.T) *storage.Storage {
	t.Helper()
	s, err := storage.Open(storage.InMemoryPath)
	if err != nil {
		t.Fatalf("opening in-memory storage: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLoadNewsData_CategorizesAndBucketsUncategorized(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.UpsertArticle(models.Article{Link: "https://x/1", Title: "本地足球联赛开幕", Content: "球队今日比赛"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := s.UpsertArticle(models.Article{Link: "https://x/2", Title: "无法归类的标题", Content: "无法归类的内容"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	dp := New(s, nil, nil)
	if err := dp.LoadNewsData(); err != nil {
		t.Fatalf("LoadNewsData: %v", err)
	}

	all := dp.GetNewsByCategory(AllCategoryID)
	if len(all) != 2 {
		t.Fatalf("expected 2 articles under %q, got %d", AllCategoryID, len(all))
	}

	sports := dp.GetNewsByCategory("sports")
	if len(sports) != 1 || sports[0].Link != "https://x/1" {
		t.Fatalf("expected the football article bucketed as sports, got %#v", sports)
	}

	uncategorized := dp.GetNewsByCategory(cluster.UncategorizedID)
	if len(uncategorized) != 1 || uncategorized[0].Link != "https://x/2" {
		t.Fatalf("expected the second article bucketed as uncategorized, got %#v", uncategorized)
	}
}

func TestGetCategoryName_KnownAndUnknown(t *testing.T) {
	dp := New(openTestStore(t), nil, nil)
	if got := dp.GetCategoryName("sports"); got != "体育" {
		t.Fatalf("expected 体育, got %q", got)
	}
	if got := dp.GetCategoryName(cluster.UncategorizedID); got != "未分类" {
		t.Fatalf("expected 未分类, got %q", got)
	}
	if got := dp.GetCategoryName("some_unknown_id"); got != "some_unknown_id" {
		t.Fatalf("expected fallback to the raw id, got %q", got)
	}
}

func TestAutoGroupNews_MultiFeatureRequiresClusterer(t *testing.T) {
	dp := New(openTestStore(t), nil, nil)
	_, err := dp.AutoGroupNews(context.Background(), nil, "multi_feature")
	if err == nil {
		t.Fatalf("expected an error when multi_feature grouping has no clusterer")
	}
}

func TestAutoGroupNews_MultiFeatureDelegatesToClusterer(t *testing.T) {
	dp := New(openTestStore(t), cluster.New(cluster.DefaultConfig(), nil), nil)
	items := []models.Article{
		{Link: "https://x/a", Title: "中国经济政策改革", Content: "财经新闻正文"},
		{Link: "https://x/b", Title: "中国经济新政策出台", Content: "财经新闻正文二"},
	}
	groups, err := dp.AutoGroupNews(context.Background(), items, "multi_feature")
	if err != nil {
		t.Fatalf("AutoGroupNews: %v", err)
	}
	if len(groups) == 0 {
		t.Fatalf("expected at least one group")
	}
}

func TestAutoGroupNews_DefaultsToTitleSimilarity(t *testing.T) {
	dp := New(openTestStore(t), nil, nil)
	items := []models.Article{
		{Link: "https://x/a", Title: "苹果公司发布新款手机", SourceName: "S1"},
		{Link: "https://x/b", Title: "苹果公司新款手机发布", SourceName: "S2"},
		{Link: "https://x/c", Title: "完全不相关的标题内容", SourceName: "S3"},
	}
	groups, err := dp.AutoGroupNews(context.Background(), items, "")
	if err != nil {
		t.Fatalf("AutoGroupNews: %v", err)
	}
	total := 0
	for _, g := range groups {
		total += len(g.Reports)
	}
	if total != 2 {
		t.Fatalf("expected the two matching titles grouped and the unrelated title left out, got %d of %d", total, len(items))
	}
}

func TestPrepareNewsForAnalysis_ProjectsShape(t *testing.T) {
	dp := New(openTestStore(t), nil, nil)
	items := []models.Article{{Link: "https://x/1", Title: "T", Content: "C", SourceName: "S"}}
	out := dp.PrepareNewsForAnalysis(items)
	if len(out) != 1 {
		t.Fatalf("expected 1 item, got %d", len(out))
	}
	if out[0].Title != "T" || out[0].Content != "C" || out[0].Source != "S" || out[0].URL != "https://x/1" {
		t.Fatalf("unexpected projection: %#v", out[0])
	}
}

func TestSaveAnalysisResult_ArchivesWithGroupSummaryWhenSelectionIntersects(t *testing.T) {
	s := openTestStore(t)
	id1, err := s.UpsertArticle(models.Article{Link: "https://x/g1", Title: "G1"})
	if err != nil {
		t.Fatalf("seed g1: %v", err)
	}
	a1, err := s.GetArticleByLink("https://x/g1")
	if err != nil || a1 == nil {
		t.Fatalf("get g1: %v err=%v", a1, err)
	}

	dp := New(s, nil, nil)
	dp.newsGroups = []models.EventCluster{
		{Summary: "group summary text", Reports: []models.Article{*a1}},
	}

	result := map[string]any{"analysis": "the analysis text", "importance": 3}
	analysisID, err := dp.SaveAnalysisResult(result, "摘要", []models.Article{*a1})
	if err != nil || analysisID == nil {
		t.Fatalf("SaveAnalysisResult: %v err=%v", analysisID, err)
	}

	analyses, err := s.GetLLMAnalysesForArticle(*id1)
	if err != nil {
		t.Fatalf("get analyses: %v", err)
	}
	if len(analyses) != 1 {
		t.Fatalf("expected 1 archived analysis, got %d", len(analyses))
	}
	if len(analyses[0].MetaGroups) != 1 || analyses[0].MetaGroups[0] != "group summary text" {
		t.Fatalf("expected the intersecting group's summary attached, got %#v", analyses[0].MetaGroups)
	}
	if analyses[0].AnalysisResultText != "the analysis text" {
		t.Fatalf("unexpected analysis text: %q", analyses[0].AnalysisResultText)
	}
}

func TestSaveAnalysisResult_RecordsErrorInfo(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.UpsertArticle(models.Article{Link: "https://x/err1", Title: "E1"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	a1, err := s.GetArticleByLink("https://x/err1")
	if err != nil || a1 == nil {
		t.Fatalf("get: %v err=%v", a1, err)
	}

	dp := New(s, nil, nil)
	result := map[string]any{"error": "LLM 服务未配置"}
	analysisID, err := dp.SaveAnalysisResult(result, "摘要", []models.Article{*a1})
	if err != nil || analysisID == nil {
		t.Fatalf("SaveAnalysisResult: %v err=%v", analysisID, err)
	}
	analyses, err := s.GetLLMAnalysesForArticle(a1.ID)
	if err != nil || len(analyses) != 1 {
		t.Fatalf("get analyses: %v (len=%d)", err, len(analyses))
	}
	if analyses[0].MetaErrorInfo != "LLM 服务未配置" {
		t.Fatalf("expected error info recorded, got %q", analyses[0].MetaErrorInfo)
	}
}

func TestExportImportOPML_NotImplemented(t *testing.T) {
	dp := New(openTestStore(t), nil, nil)
	if _, err := dp.ExportSourcesToOPML(nil); err != ErrNotImplemented {
		t.Fatalf("expected ErrNotImplemented, got %v", err)
	}
	if _, err := dp.ImportSourcesFromOPML(""); err != ErrNotImplemented {
		t.Fatalf("expected ErrNotImplemented, got %v", err)
	}
}
