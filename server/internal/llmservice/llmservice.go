// Package llmservice defines the LLMService contract consumed by the
// clusterer and analysis engine, plus a default HTTP adapter
// that talks to a local Ollama-compatible server, grounded on the
// teacher's callOllama/callOllamaWithTimeout request shape.
package llmservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/newsworkbench/engine/server/internal/config"
	"github.com/newsworkbench/engine/server/internal/models"
)

// NewsItem is the minimal article shape LLM-facing prompts are built
// from.
type NewsItem struct {
	Title   string
	Content string
	Source  string
	PubDate string
	URL     string
}

// PromptManager exposes named prompt templates.
type PromptManager interface {
	GetTemplateContent(name string) (string, error)
}

// LLMService is the contract the clusterer and analysis engine depend on.
// Implementations must never block indefinitely: every method accepts a
// context and should honor its deadline.
type LLMService interface {
	IsConfigured() bool
	CallLLM(ctx context.Context, prompt string) (any, error)
	AnalyzeNews(ctx context.Context, item NewsItem, kind string) (map[string]any, error)
	AnalyzeNewsSimilarity(ctx context.Context, items []NewsItem) (map[string]any, error)
	AnalyzeImportanceStance(ctx context.Context, item NewsItem) (map[string]any, error)
	AnalyzeWithCustomPrompt(ctx context.Context, items []NewsItem, prompt string) (map[string]any, error)
	TestConnectionWithConfig(ctx context.Context, cfg models.LLMConfigProfile) (bool, string)
	ReloadActiveConfig() error
	PromptManager() PromptManager
}

// defaultPromptManager resolves template names to hand-authored defaults;
// there is no file-backed template store in this deployment.
type defaultPromptManager struct {
	templates map[string]string
}

func newDefaultPromptManager() *defaultPromptManager {
	return &defaultPromptManager{templates: map[string]string{
		"similarity":          "比较以下新闻报道，判断它们是否描述同一事件，并总结共同点：",
		"importance_stance":   "评估以下新闻的重要程度(0-10)和立场倾向(-1.0到1.0)，以JSON返回 {\"importance\":.., \"stance\":..}：",
		"entities":            "提取以下文本中的实体，以JSON返回 {\"entities\":[{\"text\":\"..\",\"type\":\"..\"}]}：",
		"category":            "从给定类别集合中为以下文本选择一个类别，以JSON返回 {\"category\":\"..\"}：",
		"keywords":            "提取以下文本的5个关键词，以JSON返回 {\"keywords\":[\"..\"]}：",
	}}
}

func (p *defaultPromptManager) GetTemplateContent(name string) (string, error) {
	t, ok := p.templates[name]
	if !ok {
		return "", fmt.Errorf("no prompt template named %q", name)
	}
	return t, nil
}

// ============================================================================
// OLLAMA REQUEST/RESPONSE SHAPES (teacher's ai.go OllamaRequest/OllamaResponse)
// ============================================================================

// OllamaRequest mirrors Ollama's /api/generate request body.
type OllamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

// OllamaResponse mirrors Ollama's /api/generate response body.
type OllamaResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

const (
	defaultOllamaURL      = "http://localhost:11434"
	defaultModel          = "llama3.2:3b"
	defaultRequestTimeout = 60 * time.Second
)

// OllamaService is the default LLMService adapter: it resolves the active
// profile via config.Manager and issues HTTP requests against an
// Ollama-compatible /api/generate endpoint.
type OllamaService struct {
	cfgManager    *config.Manager
	active        *models.LLMConfigProfile
	promptManager *defaultPromptManager
	log           *log.Logger
}

// NewOllamaService constructs an adapter bound to cfgManager and loads
// whatever profile is currently active.
func NewOllamaService(cfgManager *config.Manager) (*OllamaService, error) {
	s := &OllamaService{
		cfgManager:    cfgManager,
		promptManager: newDefaultPromptManager(),
		log:           log.New(os.Stderr, "[llmservice] ", log.LstdFlags),
	}
	if err := s.ReloadActiveConfig(); err != nil {
		return nil, err
	}
	return s, nil
}

// ReloadActiveConfig re-reads the active profile from the config manager.
// The service does not observe ConfigManager.SetActiveConfigName on its
// own: the profile loaded here stays in use until ReloadActiveConfig is
// called again.
func (s *OllamaService) ReloadActiveConfig() error {
	cfg, err := s.cfgManager.GetActiveConfig()
	if err != nil {
		return fmt.Errorf("reloading active llm config: %w", err)
	}
	s.active = cfg
	return nil
}

// IsConfigured reports whether an active profile is loaded.
func (s *OllamaService) IsConfigured() bool { return s.active != nil }

func (s *OllamaService) baseURL() string {
	if s.active != nil && s.active.ApiURL != "" {
		return s.active.ApiURL
	}
	return defaultOllamaURL
}

func (s *OllamaService) model() string {
	if s.active != nil && s.active.Model != "" {
		return s.active.Model
	}
	return defaultModel
}

func (s *OllamaService) timeout() time.Duration {
	if s.active != nil && s.active.Timeout > 0 {
		return time.Duration(s.active.Timeout) * time.Second
	}
	return defaultRequestTimeout
}

// CallLLM issues prompt as-is and returns either the parsed JSON object
// (when the response is JSON-shaped) or the raw response text.
func (s *OllamaService) CallLLM(ctx context.Context, prompt string) (any, error) {
	if !s.IsConfigured() {
		return nil, fmt.Errorf("llm service not configured")
	}
	text, err := s.callOllama(ctx, prompt, s.timeout())
	if err != nil {
		return nil, err
	}
	if strings.Contains(text, "{") {
		var parsed map[string]any
		if err := json.Unmarshal([]byte(extractJSONObject(text)), &parsed); err == nil {
			return parsed, nil
		}
	}
	return text, nil
}

// AnalyzeNews runs the given analysis kind over a single item.
func (s *OllamaService) AnalyzeNews(ctx context.Context, item NewsItem, kind string) (map[string]any, error) {
	if !s.IsConfigured() {
		return nil, fmt.Errorf("llm service not configured")
	}
	prompt := fmt.Sprintf("%s\n\n标题: %s\n内容: %s", kind, item.Title, item.Content)
	text, err := s.callOllama(ctx, prompt, s.timeout())
	if err != nil {
		return nil, err
	}
	return map[string]any{"analysis": text}, nil
}

// AnalyzeNewsSimilarity compares multiple items for shared-event coverage.
func (s *OllamaService) AnalyzeNewsSimilarity(ctx context.Context, items []NewsItem) (map[string]any, error) {
	if !s.IsConfigured() {
		return nil, fmt.Errorf("llm service not configured")
	}
	tmpl, _ := s.promptManager.GetTemplateContent("similarity")
	var b strings.Builder
	b.WriteString(tmpl)
	for i, it := range items {
		fmt.Fprintf(&b, "\n[%d] %s: %s", i+1, it.Title, it.Content)
	}
	text, err := s.callOllama(ctx, b.String(), s.timeout())
	if err != nil {
		return nil, err
	}
	return map[string]any{"analysis": text}, nil
}

// AnalyzeImportanceStance scores a single item's importance (0..10) and
// stance (-1.0..1.0).
func (s *OllamaService) AnalyzeImportanceStance(ctx context.Context, item NewsItem) (map[string]any, error) {
	if !s.IsConfigured() {
		return nil, fmt.Errorf("llm service not configured")
	}
	tmpl, _ := s.promptManager.GetTemplateContent("importance_stance")
	prompt := fmt.Sprintf("%s\n标题: %s\n内容: %s", tmpl, item.Title, item.Content)
	text, err := s.callOllama(ctx, prompt, s.timeout())
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Importance float64 `json:"importance"`
		Stance     float64 `json:"stance"`
	}
	if err := json.Unmarshal([]byte(extractJSONObject(text)), &parsed); err != nil || !strings.Contains(text, "{") {
		s.log.Printf("importance/stance response not JSON-shaped, defaulting: %v", err)
		return map[string]any{"importance": 0, "stance": 0.0}, nil
	}
	return map[string]any{"importance": parsed.Importance, "stance": parsed.Stance}, nil
}

// AnalyzeWithCustomPrompt supersedes the default analysis-kind prompt with
// user-supplied free text.
func (s *OllamaService) AnalyzeWithCustomPrompt(ctx context.Context, items []NewsItem, prompt string) (map[string]any, error) {
	if !s.IsConfigured() {
		return nil, fmt.Errorf("llm service not configured")
	}
	var b strings.Builder
	b.WriteString(prompt)
	for i, it := range items {
		fmt.Fprintf(&b, "\n[%d] %s: %s", i+1, it.Title, it.Content)
	}
	text, err := s.callOllama(ctx, b.String(), s.timeout())
	if err != nil {
		return nil, err
	}
	return map[string]any{"analysis": text}, nil
}

// TestConnectionWithConfig issues a trivial prompt against cfg without
// mutating the active configuration, reporting success/failure.
func (s *OllamaService) TestConnectionWithConfig(ctx context.Context, cfg models.LLMConfigProfile) (bool, string) {
	url := cfg.ApiURL
	if url == "" {
		url = defaultOllamaURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	timeout := defaultRequestTimeout
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}
	_, err := s.callOllamaAt(ctx, url, model, "ping", timeout)
	if err != nil {
		return false, err.Error()
	}
	return true, "连接成功"
}

// PromptManager returns the adapter's template resolver.
func (s *OllamaService) PromptManager() PromptManager { return s.promptManager }

// callOllama POSTs prompt to the active profile's endpoint.
func (s *OllamaService) callOllama(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	return s.callOllamaAt(ctx, s.baseURL(), s.model(), prompt, timeout)
}

// callOllamaAt is the low-level HTTP call, mirroring the teacher's
// callOllamaWithTimeout: marshal request, POST, decode response.
func (s *OllamaService) callOllamaAt(ctx context.Context, baseURL, model, prompt string, timeout time.Duration) (string, error) {
	reqBody := OllamaRequest{Model: model, Prompt: prompt, Stream: false}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling ollama request: %w", err)
	}

	httpClient := &http.Client{Timeout: timeout}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/generate", bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("building ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling ollama api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("ollama api error (status %d): %s", resp.StatusCode, string(body))
	}

	var ollamaResp OllamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&ollamaResp); err != nil {
		return "", fmt.Errorf("decoding ollama response: %w", err)
	}
	return ollamaResp.Response, nil
}

// extractJSONObject returns the substring from the first '{' to the last
// '}' so responses wrapped in surrounding prose can still be parsed.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end < start {
		return "{}"
	}
	return s[start : end+1]
}
