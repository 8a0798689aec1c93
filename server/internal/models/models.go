// Package models defines the core domain types shared across the news
// analysis workbench: articles, sources, browsing history, LLM analysis
// records, LLM configuration profiles, and the transient event-cluster
// shape produced by the clusterer.
//
// # Database Mapping
//
// All persisted models use struct tags for:
//   - JSON serialization: `json:"field_name"` (GraphQL responses)
//   - Database mapping: `db:"column_name"` (storage layer scans)
//
// # Timestamp Conventions
//
// Timestamps are stored in TIMESTAMP columns in the backing store and
// exposed as *time.Time on read; a nil pointer means the column was NULL.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// ARTICLE
// ============================================================================

// Article is a single news item, uniquely identified by Link. One row exists
// per link; re-ingesting the same link updates the existing row instead of
// creating a duplicate.
type Article struct {
	ID            int64      `json:"id" db:"id"`
	Link          string     `json:"link" db:"link"`
	Title         string     `json:"title" db:"title"`
	Content       string     `json:"content" db:"content"`
	Summary       string     `json:"summary" db:"summary"`
	SourceName    string     `json:"source_name" db:"source_name"`
	SourceURL     string     `json:"source_url" db:"source_url"`
	CategoryName  string     `json:"category_name" db:"category_name"`
	PublishTime   *time.Time `json:"publish_time" db:"publish_time"`
	RetrievalTime *time.Time `json:"retrieval_time" db:"retrieval_time"`
	ImageURL      string     `json:"image_url" db:"image_url"`
	IsRead        bool       `json:"is_read" db:"is_read"`
	LLMSummary    string     `json:"llm_summary" db:"llm_summary"`
}

// ============================================================================
// NEWS SOURCE
// ============================================================================

// SourceType enumerates the kinds of news source the workbench can track.
type SourceType string

const (
	SourceTypeRSS     SourceType = "rss"
	SourceTypeCrawler SourceType = "crawler"
	SourceTypePengpai SourceType = "pengpai"
)

// SourceStatusState is the health state of a NewsSource, per spec §4.6.
type SourceStatusState string

const (
	StatusUnknown  SourceStatusState = "unknown"
	StatusChecking SourceStatusState = "checking"
	StatusOK       SourceStatusState = "ok"
	StatusError    SourceStatusState = "error"
)

// DefaultCategoryName is used when a source is created without an explicit
// category, mirroring the original "未分类" (unclassified) default.
const DefaultCategoryName = "未分类"

// NewsSource is a provider of articles: an RSS feed or a crawler target.
type NewsSource struct {
	ID                    int64             `json:"id" db:"id"`
	Name                  string            `json:"name" db:"name"`
	Type                  SourceType        `json:"type" db:"type"`
	URL                   string            `json:"url" db:"url"`
	CategoryName          string            `json:"category_name" db:"category_name"`
	IsEnabled             bool              `json:"is_enabled" db:"is_enabled"`
	IsUserAdded           bool              `json:"is_user_added" db:"is_user_added"`
	CustomConfig          map[string]any    `json:"custom_config" db:"custom_config"`
	Notes                 string            `json:"notes" db:"notes"`
	LastCheckedTime       *time.Time        `json:"last_checked_time" db:"last_checked_time"`
	Status                SourceStatusState `json:"status" db:"status"`
	LastError             string            `json:"last_error" db:"last_error"`
	ConsecutiveErrorCount int               `json:"consecutive_error_count" db:"consecutive_error_count"`
}

// ============================================================================
// BROWSING HISTORY
// ============================================================================

// BrowsingHistoryEntry records that an article was viewed at a point in
// time. Entries are append-only and reference an extant Article.
type BrowsingHistoryEntry struct {
	ID        int64      `json:"id" db:"id"`
	ArticleID int64      `json:"article_id" db:"article_id"`
	ViewTime  *time.Time `json:"view_time" db:"view_time"`
}

// ============================================================================
// LLM ANALYSIS RECORD
// ============================================================================

// LLMAnalysisRecord is the archival shape of a completed analysis. The
// JSON-serialized meta fields must round-trip exactly.
type LLMAnalysisRecord struct {
	ID                 int64        `json:"id" db:"id"`
	AnalysisTimestamp  *time.Time   `json:"analysis_timestamp" db:"analysis_timestamp"`
	AnalysisType       string       `json:"analysis_type" db:"analysis_type"`
	AnalysisResultText string       `json:"analysis_result_text" db:"analysis_result_text"`
	MetaNewsCount      int          `json:"meta_news_count" db:"meta_news_count"`
	MetaNewsTitles     []string     `json:"meta_news_titles" db:"meta_news_titles"`
	MetaNewsSources    []string     `json:"meta_news_sources" db:"meta_news_sources"`
	MetaCategories     []string     `json:"meta_categories" db:"meta_categories"`
	MetaGroups         []string     `json:"meta_groups" db:"meta_groups"`
	MetaArticleIDs     []int64      `json:"meta_article_ids" db:"meta_article_ids"`
	MetaAnalysisParams map[string]any `json:"meta_analysis_params" db:"meta_analysis_params"`
	MetaErrorInfo      string       `json:"meta_error_info" db:"meta_error_info"`
}

// MarshalJSONList is a small helper used by the storage layer to serialize
// the Meta* slice/map fields into the TEXT columns backing them.
func MarshalJSONList(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal json column: %w", err)
	}
	return string(b), nil
}

// UnmarshalJSONList is the inverse of MarshalJSONList; an empty string
// unmarshals to the zero value of out without error.
func UnmarshalJSONList(s string, out any) error {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), out); err != nil {
		return fmt.Errorf("unmarshal json column: %w", err)
	}
	return nil
}

// ============================================================================
// LLM CONFIG PROFILE
// ============================================================================

// Provider is the inferred LLM vendor family driving key-resolution strategy.
type Provider string

const (
	ProviderGoogle        Provider = "google"
	ProviderOpenAI        Provider = "openai"
	ProviderAnthropic     Provider = "anthropic"
	ProviderOllama        Provider = "ollama"
	ProviderVolcengineArk Provider = "volcengine_ark"
	ProviderMoonshot      Provider = "moonshot"
	ProviderBaidu         Provider = "baidu"
	ProviderAzure         Provider = "azure"
	ProviderXAI           Provider = "xai"
	ProviderMistral       Provider = "mistral"
	ProviderFireworks     Provider = "fireworks"
	ProviderGeneric       Provider = "generic"
)

// ApiKeyKind tags which variant of ApiKey is populated. Go has no built-in
// sum type, so ApiKey models the spec's "string | list | dict" union as a
// tagged struct.
type ApiKeyKind int

const (
	ApiKeyNone ApiKeyKind = iota
	ApiKeySingle
	ApiKeyMulti
	ApiKeyAkSk
)

// ApiKey is the sum type `Single(str) | Multi([]str) | AkSk{ak,sk}` required
// by spec §3.5 / §9. Exactly one of Value/Values/(AccessKey,SecretKey) is
// meaningful, selected by Kind.
type ApiKey struct {
	Kind       ApiKeyKind
	Value      string
	Values     []string
	AccessKey  string
	SecretKey  string
}

// NewSingleApiKey builds a scalar ApiKey.
func NewSingleApiKey(v string) ApiKey { return ApiKey{Kind: ApiKeySingle, Value: v} }

// NewMultiApiKey builds a list-valued ApiKey.
func NewMultiApiKey(vs []string) ApiKey { return ApiKey{Kind: ApiKeyMulti, Values: vs} }

// NewAkSkApiKey builds a dual-credential ApiKey (volcengine_ark and similar).
func NewAkSkApiKey(ak, sk string) ApiKey {
	return ApiKey{Kind: ApiKeyAkSk, AccessKey: ak, SecretKey: sk}
}

// IsZero reports whether no key material is present.
func (k ApiKey) IsZero() bool { return k.Kind == ApiKeyNone }

// Primary returns the first usable scalar credential for display/masking
// purposes: Value for Single, Values[0] for Multi, AccessKey for AkSk.
func (k ApiKey) Primary() string {
	switch k.Kind {
	case ApiKeySingle:
		return k.Value
	case ApiKeyMulti:
		if len(k.Values) > 0 {
			return k.Values[0]
		}
		return ""
	case ApiKeyAkSk:
		return k.AccessKey
	default:
		return ""
	}
}

// apiKeyWire is the JSON-on-the-wire shape stored in the config backing
// store: a discriminated union encoded as an object with optional fields.
type apiKeyWire struct {
	Kind      string   `json:"kind,omitempty"`
	Value     string   `json:"value,omitempty"`
	Values    []string `json:"values,omitempty"`
	AccessKey string   `json:"access_key,omitempty"`
	SecretKey string   `json:"secret_key,omitempty"`
}

// MarshalJSON implements json.Marshaler for ApiKey.
func (k ApiKey) MarshalJSON() ([]byte, error) {
	switch k.Kind {
	case ApiKeySingle:
		return json.Marshal(apiKeyWire{Kind: "single", Value: k.Value})
	case ApiKeyMulti:
		return json.Marshal(apiKeyWire{Kind: "multi", Values: k.Values})
	case ApiKeyAkSk:
		return json.Marshal(apiKeyWire{Kind: "ak_sk", AccessKey: k.AccessKey, SecretKey: k.SecretKey})
	default:
		return json.Marshal(apiKeyWire{Kind: "none"})
	}
}

// UnmarshalJSON implements json.Unmarshaler for ApiKey.
func (k *ApiKey) UnmarshalJSON(b []byte) error {
	var w apiKeyWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	switch w.Kind {
	case "single":
		*k = NewSingleApiKey(w.Value)
	case "multi":
		*k = NewMultiApiKey(w.Values)
	case "ak_sk":
		*k = NewAkSkApiKey(w.AccessKey, w.SecretKey)
	default:
		*k = ApiKey{}
	}
	return nil
}

// LLMConfigProfile is a named LLM configuration.
type LLMConfigProfile struct {
	Name          string         `json:"name"`
	Provider      Provider       `json:"provider"`
	ApiURL        string         `json:"api_url"`
	Model         string         `json:"model"`
	ApiKey        ApiKey         `json:"api_key"`
	Temperature   float64        `json:"temperature"`
	MaxTokens     int            `json:"max_tokens"`
	Timeout       int            `json:"timeout"`
	SystemPrompt  string         `json:"system_prompt,omitempty"`
	CustomConfig  map[string]any `json:"custom_config,omitempty"`
}

// DefaultTemperature, DefaultMaxTokens and DefaultTimeout are the profile
// defaults from spec §3.5.
const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 2048
	DefaultTimeout     = 60
)

// ============================================================================
// EVENT CLUSTER (transient — not persisted)
// ============================================================================

// EventCluster is the clusterer's output shape: a group of articles judged
// to cover the same real-world event. It is never written to storage
// directly; callers may archive a summary of it via LLMAnalysisRecord.
type EventCluster struct {
	EventID     string       `json:"event_id"`
	Title       string       `json:"title"`
	Summary     string       `json:"summary"`
	Keywords    []string     `json:"keywords"`
	Category    string       `json:"category"`
	Reports     []Article  `json:"reports"`
	Sources     []string   `json:"sources"`
	PublishTime *time.Time `json:"publish_time"`
}
