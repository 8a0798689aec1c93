package analysis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/newsworkbench/engine/server/internal/llmservice"
	"github.com/newsworkbench/engine/server/internal/models"
)

// stubLLM implements llmservice.LLMService with hand-wired per-test
// behavior; it lets the retry/merge/error paths be exercised without a
// live provider.
type stubLLM struct {
	configured bool

	similarityResult map[string]any
	similarityErr     error
	importanceResult  map[string]any
	importanceErr      error
	analyzeResult      map[string]any
	analyzeErr         error
	customResult       map[string]any
	customErr          error

	calls int
	failUntilAttempt int // AnalyzeNews fails until this call count is reached
}

func (s *stubLLM) IsConfigured() bool { return s.configured }

func (s *stubLLM) CallLLM(ctx context.Context, prompt string) (any, error) { return "", nil }

func (s *stubLLM) AnalyzeNews(ctx context.Context, item llmservice.NewsItem, kind string) (map[string]any, error) {
	s.calls++
	if s.failUntilAttempt > 0 && s.calls < s.failUntilAttempt {
		return nil, errors.New("transient failure")
	}
	if s.analyzeErr != nil {
		return nil, s.analyzeErr
	}
	return s.analyzeResult, nil
}

func (s *stubLLM) AnalyzeNewsSimilarity(ctx context.Context, items []llmservice.NewsItem) (map[string]any, error) {
	return s.similarityResult, s.similarityErr
}

func (s *stubLLM) AnalyzeImportanceStance(ctx context.Context, item llmservice.NewsItem) (map[string]any, error) {
	return s.importanceResult, s.importanceErr
}

func (s *stubLLM) AnalyzeWithCustomPrompt(ctx context.Context, items []llmservice.NewsItem, prompt string) (map[string]any, error) {
	return s.customResult, s.customErr
}

func (s *stubLLM) TestConnectionWithConfig(ctx context.Context, cfg models.LLMConfigProfile) (bool, string) {
	return true, "ok"
}

func (s *stubLLM) ReloadActiveConfig() error { return nil }

func (s *stubLLM) PromptManager() llmservice.PromptManager { return nil }

// stubArchiver records what was archived without touching real storage.
type stubArchiver struct {
	saved     map[string]any
	savedKind string
	saveErr   error
}

func (a *stubArchiver) PrepareNewsForAnalysis(items []models.Article) []llmservice.NewsItem { return nil }

func (a *stubArchiver) SaveAnalysisResult(result map[string]any, kind string, selected []models.Article) (*int64, error) {
	a.saved = result
	a.savedKind = kind
	if a.saveErr != nil {
		return nil, a.saveErr
	}
	id := int64(1)
	return &id, nil
}

func noSleep(ctx context.Context, d time.Duration) {}

func articles(titles ...string) []models.Article {
	out := make([]models.Article, len(titles))
	for i, t := range titles {
		out[i] = models.Article{Link: "https://x/" + t, Title: t, Content: "content " + t, SourceName: "src"}
	}
	return out
}

func TestAnalyzeNews_EmptyInput(t *testing.T) {
	e := New(&stubLLM{configured: true}, nil)
	_, err := e.AnalyzeNews(context.Background(), nil, KindSummary, "")
	var derr *DataProcessingError
	if !errors.As(err, &derr) {
		t.Fatalf("expected DataProcessingError, got %v", err)
	}
	if derr.Message != "没有提供新闻数据" {
		t.Fatalf("unexpected message: %q", derr.Message)
	}
}

func TestAnalyzeNews_NoLLMConfigured(t *testing.T) {
	e := New(&stubLLM{configured: false}, nil)
	_, err := e.AnalyzeNews(context.Background(), articles("A"), KindSummary, "")
	var lerr *LLMServiceError
	if !errors.As(err, &lerr) {
		t.Fatalf("expected LLMServiceError, got %v", err)
	}
}

// Multi-article analysis: similarity result merged with importance/stance.
func TestAnalyzeNews_SimilarityMergesImportanceStance(t *testing.T) {
	llm := &stubLLM{
		configured:       true,
		similarityResult: map[string]any{"analysis": "S"},
		importanceResult: map[string]any{"importance": 0.8, "stance": -0.5},
	}
	arc := &stubArchiver{}
	e := New(llm, arc)
	e.sleep = noSleep

	result, err := e.AnalyzeNews(context.Background(), articles("T1", "T2"), KindSimilarity, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result["analysis"] != "S" {
		t.Fatalf("expected analysis=S, got %v", result["analysis"])
	}
	if result["importance"] != 0.8 {
		t.Fatalf("expected importance=0.8, got %v", result["importance"])
	}
	if result["stance"] != -0.5 {
		t.Fatalf("expected stance=-0.5, got %v", result["stance"])
	}
	text, _ := result["formatted_text"].(string)
	if !contains(text, "分析类型: "+KindSimilarity) || !contains(text, "T1") || !contains(text, "T2") {
		t.Fatalf("formatted_text missing expected content: %q", text)
	}
	if arc.savedKind != KindSimilarity {
		t.Fatalf("expected archival with kind %q, got %q", KindSimilarity, arc.savedKind)
	}
}

func TestAnalyzeNews_SingleItemSkipsDoubleImportanceForImportanceKind(t *testing.T) {
	llm := &stubLLM{
		configured:   true,
		analyzeResult: map[string]any{"analysis": "X", "importance": 5, "stance": 0.1},
	}
	e := New(llm, &stubArchiver{})
	e.sleep = noSleep

	result, err := e.AnalyzeNews(context.Background(), articles("Solo"), KindImportanceStance, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result["importance"] != 5 {
		t.Fatalf("expected importance from the single analyze call, got %v", result["importance"])
	}
}

func TestAnalyzeNews_CustomPromptSupersedesAnalysisType(t *testing.T) {
	llm := &stubLLM{configured: true, customResult: map[string]any{"analysis": "custom-out"}}
	e := New(llm, &stubArchiver{})
	e.sleep = noSleep

	result, err := e.AnalyzeNews(context.Background(), articles("A"), KindSummary, "custom prompt text")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result["analysis"] != "custom-out" {
		t.Fatalf("expected custom prompt result, got %v", result["analysis"])
	}
}

func TestAnalyzeNews_RetriesThenSucceeds(t *testing.T) {
	llm := &stubLLM{configured: true, failUntilAttempt: 2, analyzeResult: map[string]any{"analysis": "ok"}}
	e := New(llm, &stubArchiver{})
	e.sleep = noSleep

	result, err := e.AnalyzeNews(context.Background(), articles("A"), KindImportanceStance, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result["analysis"] != "ok" {
		t.Fatalf("expected eventual success, got %v", result)
	}
	if llm.calls < 2 {
		t.Fatalf("expected at least 2 attempts, got %d", llm.calls)
	}
}

func TestAnalyzeNews_ExhaustsRetriesReturnsErrorField(t *testing.T) {
	llm := &stubLLM{configured: true, analyzeErr: errors.New("boom")}
	arc := &stubArchiver{}
	e := New(llm, arc)
	e.sleep = noSleep

	result, err := e.AnalyzeNews(context.Background(), articles("A"), KindImportanceStance, "")
	if err != nil {
		t.Fatalf("expected a swallowed error (no Go error), got %v", err)
	}
	if _, ok := result["error"]; !ok {
		t.Fatalf("expected an {error: ...} result, got %#v", result)
	}
	if arc.saved != nil {
		t.Fatalf("archival should not run when the call never succeeds")
	}
}

func TestAnalyzeNews_ArchivalFailureDoesNotFailTheCall(t *testing.T) {
	llm := &stubLLM{configured: true, analyzeResult: map[string]any{"analysis": "ok"}}
	arc := &stubArchiver{saveErr: errors.New("disk full")}
	e := New(llm, arc)
	e.sleep = noSleep

	result, err := e.AnalyzeNews(context.Background(), articles("A"), KindImportanceStance, "")
	if err != nil {
		t.Fatalf("archival failure must not propagate as an error: %v", err)
	}
	if result["analysis"] != "ok" {
		t.Fatalf("expected the successful result regardless of archival failure: %#v", result)
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
