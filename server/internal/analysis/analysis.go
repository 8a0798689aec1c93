// Package analysis implements the AnalysisEngine: the single entry point
// for all LLM-mediated analyses over one-or-many articles. It
// preprocesses articles into the LLM-facing shape, drives the retry loop
// around LLMService, merges importance/stance scoring, formats the
// metadata header, and archives the result through DataProcessor.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/newsworkbench/engine/server/internal/llmservice"
	"github.com/newsworkbench/engine/server/internal/models"
)

// Recognized analysis kinds. Unrecognized tags are accepted
// and passed through to the LLM unmodified.
const (
	KindSimilarity       = "新闻相似度分析"
	KindMultiFeature     = "增强型多特征分析"
	KindImportanceStance = "重要程度和立场分析"
	KindDeepAnalysis     = "深度分析"
	KindKeyViewpoints    = "关键观点"
	KindFactCheck        = "事实核查"
	KindSummary          = "摘要"
	KindCustom           = "自定义"
)

// DataProcessingError is raised for empty input, malformed items, or
// result-shape violations.
type DataProcessingError struct{ Message string }

func (e *DataProcessingError) Error() string { return e.Message }

// LLMServiceError is raised when no LLM service is configured or the
// retry loop exhausts its attempts.
type LLMServiceError struct{ Message string }

func (e *LLMServiceError) Error() string { return e.Message }

// maxAttempts and retryDelay implement a fixed (non-backoff) retry
// policy: at most 3 attempts, 1s sleep between.
const (
	maxAttempts = 3
	retryDelay  = 1 * time.Second
)

// Archiver is the subset of DataProcessor the engine needs to persist a
// completed analysis. Modeled as an interface so the
// engine can be tested without a live storage-backed DataProcessor.
type Archiver interface {
	PrepareNewsForAnalysis(items []models.Article) []llmservice.NewsItem
	SaveAnalysisResult(result map[string]any, kind string, selected []models.Article) (*int64, error)
}

// Engine orchestrates LLM-mediated analyses with retry, error taxonomy,
// and best-effort archival.
type Engine struct {
	llm  llmservice.LLMService
	proc Archiver
	cb   *gobreaker.CircuitBreaker[any]
	log  *log.Logger

	// sleep is the retry-loop delay function, overridable in tests so the
	// 1s-per-attempt policy doesn't slow down the suite.
	sleep func(ctx context.Context, d time.Duration)
}

// New constructs an Engine bound to llm (the configured LLMService) and
// proc (the archival façade). A gobreaker.CircuitBreaker wraps the retry
// loop so a persistently failing LLM backend trips open instead of
// burning three full retry cycles per call, grounded on the teacher
// pack's sony/gobreaker wiring around a flaky upstream client.
func New(llm llmservice.LLMService, proc Archiver) *Engine {
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "llm-analysis",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && counts.TotalFailures == counts.Requests
		},
	})
	return &Engine{
		llm:  llm,
		proc: proc,
		cb:   cb,
		log:  log.New(os.Stderr, "[analysis] ", log.LstdFlags),
		sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
			}
		},
	}
}

// preparedItem is the engine-internal preprocessed shape: {title, content, source, pub_date, url}.
type preparedItem = llmservice.NewsItem

// AnalyzeNews is the engine's single entry point. newsItems
// must be non-empty; analysisType is one of the tags in §6.3 (or any
// string, passed through); customPrompt, if non-empty, supersedes
// analysisType's default prompt.
//
// On any non-retriable failure the engine returns {"error": message}
// rather than propagating, per §4.5 step 8 ("swallow at the engine
// boundary for UI friendliness") — except DataProcessingError and
// LLMServiceError raised before the retry loop even starts, which are
// returned as Go errors so callers can distinguish shape problems from a
// degraded-but-handled LLM failure.
func (e *Engine) AnalyzeNews(ctx context.Context, newsItems []models.Article, analysisType, customPrompt string) (map[string]any, error) {
	if len(newsItems) == 0 {
		return nil, &DataProcessingError{Message: "没有提供新闻数据"}
	}
	if e.llm == nil || !e.llm.IsConfigured() {
		return nil, &LLMServiceError{Message: "LLM 服务未配置"}
	}

	prepared := e.preprocess(newsItems)
	if len(prepared) == 0 {
		return nil, &DataProcessingError{Message: "没有提供新闻数据"}
	}

	result, err := e.retryLoop(ctx, prepared, analysisType, customPrompt)
	if err != nil {
		var lerr *LLMServiceError
		if errors.As(err, &lerr) {
			return map[string]any{"error": lerr.Message}, nil
		}
		return map[string]any{"error": err.Error()}, nil
	}

	e.postprocess(result)
	e.enrich(result, analysisType, newsItems)

	if e.proc != nil {
		if _, aerr := e.proc.SaveAnalysisResult(result, analysisType, newsItems); aerr != nil {
			// Archival failure is logged, never fatal.
			e.log.Printf("archiving analysis result: %v", aerr)
		}
	}

	return result, nil
}

// preprocess normalizes each article into the LLM-facing shape, skipping
// malformed items silently (logged).
func (e *Engine) preprocess(items []models.Article) []preparedItem {
	out := make([]preparedItem, 0, len(items))
	for _, a := range items {
		if strings.TrimSpace(a.Title) == "" && strings.TrimSpace(a.Content) == "" {
			e.log.Printf("skipping malformed article (no title/content), link=%q", a.Link)
			continue
		}
		pubDate := ""
		if a.PublishTime != nil {
			pubDate = a.PublishTime.Format(time.RFC3339)
		}
		out = append(out, preparedItem{
			Title:   a.Title,
			Content: a.Content,
			Source:  a.SourceName,
			PubDate: pubDate,
			URL:     a.Link,
		})
	}
	return out
}

// retryLoop makes at most maxAttempts attempts in total with a fixed
// retryDelay between them, no exponential backoff.
func (e *Engine) retryLoop(ctx context.Context, items []preparedItem, analysisType, customPrompt string) (map[string]any, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := e.callOnce(ctx, items, analysisType, customPrompt)
		if err == nil {
			return result, nil
		}
		lastErr = err
		e.log.Printf("analysis attempt %d/%d failed: %v", attempt, maxAttempts, err)
		if attempt < maxAttempts {
			e.sleep(ctx, retryDelay)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return nil, &LLMServiceError{Message: fmt.Sprintf("分析失败(已重试%d次): %v", maxAttempts, lastErr)}
}

// callOnce dispatches to the shape-appropriate LLM call, wrapped in the circuit breaker so a tripped-open breaker fails fast
// instead of spending the network timeout on every retry attempt.
func (e *Engine) callOnce(ctx context.Context, items []preparedItem, analysisType, customPrompt string) (map[string]any, error) {
	v, err := e.cb.Execute(func() (any, error) {
		return e.dispatch(ctx, items, analysisType, customPrompt)
	})
	if err != nil {
		return nil, err
	}
	result, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("analysis: unexpected result shape from LLM call")
	}
	return result, nil
}

func (e *Engine) dispatch(ctx context.Context, items []preparedItem, analysisType, customPrompt string) (map[string]any, error) {
	if customPrompt != "" {
		return e.llm.AnalyzeWithCustomPrompt(ctx, items, customPrompt)
	}
	if len(items) > 1 {
		simResult, err := e.llm.AnalyzeNewsSimilarity(ctx, items)
		if err != nil {
			return nil, err
		}
		impResult, err := e.llm.AnalyzeImportanceStance(ctx, items[0])
		if err != nil {
			return nil, err
		}
		return mergeResults(simResult, impResult), nil
	}

	result, err := e.llm.AnalyzeNews(ctx, items[0], analysisType)
	if err != nil {
		return nil, err
	}
	if analysisType != KindImportanceStance {
		impResult, err := e.llm.AnalyzeImportanceStance(ctx, items[0])
		if err != nil {
			return nil, err
		}
		result = mergeResults(result, impResult)
	}
	return result, nil
}

// mergeResults combines the primary analysis map with the importance/
// stance map, primary keys take precedence on collision.
func mergeResults(primary, secondary map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range secondary {
		out[k] = v
	}
	for k, v := range primary {
		out[k] = v
	}
	return out
}

// postprocess ensures the {analysis, importance, stance, timestamp} keys
// exist, defaulting importance=0, stance=0.0.
func (e *Engine) postprocess(result map[string]any) {
	if _, ok := result["analysis"]; !ok {
		result["analysis"] = ""
	}
	if _, ok := result["importance"]; !ok {
		result["importance"] = 0
	}
	if _, ok := result["stance"]; !ok {
		result["stance"] = 0.0
	}
	result["timestamp"] = time.Now().UTC().Format(time.RFC3339)
}

// enrich attaches the metadata header and computes formatted_text, the
// human-readable rendering of the result alongside its structured fields.
func (e *Engine) enrich(result map[string]any, analysisType string, items []models.Article) {
	analysisText, _ := result["analysis"].(string)

	var b strings.Builder
	fmt.Fprintf(&b, "分析类型: %s\n", analysisType)
	fmt.Fprintf(&b, "新闻数量: %d\n", len(items))

	sourceSet := map[string]bool{}
	var sources []string
	categorySet := map[string]bool{}
	var categories []string
	for _, a := range items {
		if a.SourceName != "" && !sourceSet[a.SourceName] {
			sourceSet[a.SourceName] = true
			sources = append(sources, a.SourceName)
		}
		if a.CategoryName != "" && !categorySet[a.CategoryName] {
			categorySet[a.CategoryName] = true
			categories = append(categories, a.CategoryName)
		}
	}
	if len(sources) > 0 {
		fmt.Fprintf(&b, "来源: %s\n", strings.Join(sources, ", "))
	}
	if len(categories) > 0 {
		fmt.Fprintf(&b, "分类: %s\n", strings.Join(categories, ", "))
	}
	b.WriteString("标题:\n")
	for _, a := range items {
		fmt.Fprintf(&b, "- %s\n", a.Title)
	}
	b.WriteString("\n")
	b.WriteString(analysisText)

	result["formatted_text"] = b.String()
	result["analysis_type"] = analysisType
	result["news_count"] = len(items)
}
