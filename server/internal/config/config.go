// Package config implements the LLM configuration manager: multi-profile
// CRUD over a process-local key-value backing store, provider-aware API
// key resolution (environment first, persisted store fallback), and
// "active profile" election.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/newsworkbench/engine/server/internal/models"
)

const (
	configKeyPrefix = "llm_configs:"
	activeConfigKey = "llm:active_config_name"
)

// Manager owns a BadgerDB-backed profile store.
type Manager struct {
	db  *badger.DB
	log *log.Logger
}

// Open opens (creating if absent) the Badger store at dir. Pass "" to run
// entirely in memory, matching the manager's "process-local" contract
// without requiring a filesystem path.
func Open(dir string) (*Manager, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(dir)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening config store: %w", err)
	}
	return &Manager{db: db, log: log.New(os.Stderr, "[config] ", log.LstdFlags)}, nil
}

// Close releases the underlying Badger handles.
func (m *Manager) Close() error { return m.db.Close() }

// profileRecord is the JSON-on-the-wire shape of a persisted profile,
// excluding the resolved (possibly env-sourced) key material.
type profileRecord struct {
	Provider     models.Provider `json:"provider"`
	ApiURL       string          `json:"api_url"`
	Model        string          `json:"model"`
	ApiKey       models.ApiKey   `json:"api_key"`
	Temperature  float64         `json:"temperature"`
	MaxTokens    int             `json:"max_tokens"`
	Timeout      int             `json:"timeout"`
	SystemPrompt string          `json:"system_prompt,omitempty"`
	CustomConfig map[string]any  `json:"custom_config,omitempty"`
}

func configKey(name string) []byte { return []byte(configKeyPrefix + name) }

// GetConfigNames returns every persisted profile name, sorted.
func (m *Manager) GetConfigNames() ([]string, error) {
	var names []string
	err := m.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(configKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().Key())
			names = append(names, strings.TrimPrefix(key, configKeyPrefix))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing config names: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (m *Manager) readRecord(name string) (*profileRecord, error) {
	var rec profileRecord
	err := m.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(configKey(name))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return badger.ErrKeyNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", name, err)
	}
	return &rec, nil
}

// GetConfig returns the named profile with its API key resolved per the
// provider's key-loading strategy (§4.2), or nil if the profile is absent.
func (m *Manager) GetConfig(name string) (*models.LLMConfigProfile, error) {
	rec, err := m.readRecord(name)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}

	provider := rec.Provider
	if provider == "" {
		provider = InferProvider(name, rec.ApiURL)
	}

	resolvedKey := m.resolveAPIKey(name, provider, rec.ApiKey)

	return &models.LLMConfigProfile{
		Name:         name,
		Provider:     provider,
		ApiURL:       rec.ApiURL,
		Model:        rec.Model,
		ApiKey:       resolvedKey,
		Temperature:  rec.Temperature,
		MaxTokens:    rec.MaxTokens,
		Timeout:      rec.Timeout,
		SystemPrompt: rec.SystemPrompt,
		CustomConfig: rec.CustomConfig,
	}, nil
}

// AddOrUpdateConfig persists data under name, inferring provider from
// name/api_url when not supplied. Rejects empty names.
func (m *Manager) AddOrUpdateConfig(name string, profile models.LLMConfigProfile) (bool, error) {
	if strings.TrimSpace(name) == "" {
		m.log.Printf("add_or_update_config: empty name rejected")
		return false, nil
	}

	provider := profile.Provider
	if provider == "" {
		provider = InferProvider(name, profile.ApiURL)
	}
	temperature := profile.Temperature
	if temperature == 0 {
		temperature = models.DefaultTemperature
	}
	maxTokens := profile.MaxTokens
	if maxTokens == 0 {
		maxTokens = models.DefaultMaxTokens
	}
	timeout := profile.Timeout
	if timeout == 0 {
		timeout = models.DefaultTimeout
	}

	rec := profileRecord{
		Provider:     provider,
		ApiURL:       profile.ApiURL,
		Model:        profile.Model,
		ApiKey:       profile.ApiKey,
		Temperature:  temperature,
		MaxTokens:    maxTokens,
		Timeout:      timeout,
		SystemPrompt: profile.SystemPrompt,
		CustomConfig: profile.CustomConfig,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("marshaling config %q: %w", name, err)
	}

	err = m.db.Update(func(txn *badger.Txn) error {
		return txn.Set(configKey(name), data)
	})
	if err != nil {
		return false, fmt.Errorf("persisting config %q: %w", name, err)
	}
	return true, nil
}

// DeleteConfig removes the named profile, clearing the active pointer if
// it referenced name.
func (m *Manager) DeleteConfig(name string) (bool, error) {
	activeName, err := m.GetActiveConfigName()
	if err != nil {
		return false, err
	}

	err = m.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(configKey(name))
	})
	if err != nil {
		return false, fmt.Errorf("deleting config %q: %w", name, err)
	}

	if activeName != nil && *activeName == name {
		if _, err := m.SetActiveConfigName(nil); err != nil {
			return false, err
		}
	}
	return true, nil
}

// GetActiveConfigName returns the currently active profile name, or nil
// if none is set.
func (m *Manager) GetActiveConfigName() (*string, error) {
	var name string
	err := m.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(activeConfigKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return badger.ErrKeyNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			name = string(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading active config name: %w", err)
	}
	return &name, nil
}

// SetActiveConfigName activates name, or clears the active pointer when
// name is nil. Rejects names that do not correspond to an existing
// profile (spec P7).
func (m *Manager) SetActiveConfigName(name *string) (bool, error) {
	if name == nil {
		err := m.db.Update(func(txn *badger.Txn) error {
			return txn.Delete([]byte(activeConfigKey))
		})
		if err != nil {
			return false, fmt.Errorf("clearing active config: %w", err)
		}
		return true, nil
	}

	names, err := m.GetConfigNames()
	if err != nil {
		return false, err
	}
	found := false
	for _, n := range names {
		if n == *name {
			found = true
			break
		}
	}
	if !found {
		m.log.Printf("set_active_config_name: %q is not a known profile", *name)
		return false, nil
	}

	err = m.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(activeConfigKey), []byte(*name))
	})
	if err != nil {
		return false, fmt.Errorf("setting active config: %w", err)
	}
	return true, nil
}

// GetActiveConfig resolves the active profile's full configuration. If
// the active name points at a profile that no longer exists, it
// self-heals by clearing the active setting and returns nil.
func (m *Manager) GetActiveConfig() (*models.LLMConfigProfile, error) {
	name, err := m.GetActiveConfigName()
	if err != nil || name == nil {
		return nil, err
	}
	cfg, err := m.GetConfig(*name)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		m.log.Printf("get_active_config: active profile %q is missing, clearing", *name)
		if _, err := m.SetActiveConfigName(nil); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return cfg, nil
}

// ============================================================================
// PROVIDER INFERENCE
// ============================================================================

type providerRule struct {
	token    string
	provider models.Provider
}

var providerRules = []providerRule{
	{"gemini", models.ProviderGoogle},
	{"google", models.ProviderGoogle},
	{"volcengine", models.ProviderVolcengineArk},
	{"volces", models.ProviderVolcengineArk},
	{"火山", models.ProviderVolcengineArk},
	{"openai", models.ProviderOpenAI},
	{"anthropic", models.ProviderAnthropic},
	{"ollama", models.ProviderOllama},
	{"xai", models.ProviderXAI},
	{"mistral", models.ProviderMistral},
	{"fireworks", models.ProviderFireworks},
	{"kimi", models.ProviderMoonshot},
	{"moonshot", models.ProviderMoonshot},
	{"ernie", models.ProviderBaidu},
	{"aip.baidubce.com", models.ProviderBaidu},
}

// InferProvider applies the name/api_url token table from spec §4.2,
// falling back to "generic" for anything unrecognized.
func InferProvider(name, apiURL string) models.Provider {
	haystack := strings.ToLower(name + " " + apiURL)
	for _, rule := range providerRules {
		if strings.Contains(haystack, rule.token) {
			return rule.provider
		}
	}
	return models.ProviderGeneric
}

// providerEnvFamily maps a provider to the token used as the PROVIDER
// segment of its environment variable names.
var providerEnvFamily = map[models.Provider]string{
	models.ProviderGoogle:        "GEMINI",
	models.ProviderVolcengineArk: "VOLC",
	models.ProviderOpenAI:        "OPENAI",
	models.ProviderAnthropic:     "ANTHROPIC",
	models.ProviderOllama:        "OLLAMA",
	models.ProviderXAI:           "XAI",
	models.ProviderMistral:       "MISTRAL",
	models.ProviderFireworks:     "FIREWORKS",
	models.ProviderMoonshot:      "MOONSHOT",
	models.ProviderBaidu:         "ERNIE",
	models.ProviderAzure:         "AZURE",
	models.ProviderGeneric:       "LLM",
}

// normalizedProfileName uppercases name and replaces spaces/hyphens with
// underscores, per spec §6.5.
func normalizedProfileName(name string) string {
	replacer := strings.NewReplacer(" ", "_", "-", "_")
	return strings.ToUpper(replacer.Replace(name))
}

func envVarName(provider models.Provider, suffix, name string) string {
	family := providerEnvFamily[provider]
	if family == "" {
		family = "LLM"
	}
	return fmt.Sprintf("%s_%s_%s", family, suffix, normalizedProfileName(name))
}

// resolveAPIKey implements the key-resolution algorithm of spec §4.2 step
// 1-5: environment variables take priority over the value persisted in
// the backing store, with a provider-specific lookup strategy.
func (m *Manager) resolveAPIKey(name string, provider models.Provider, stored models.ApiKey) models.ApiKey {
	switch provider {
	case models.ProviderVolcengineArk:
		ak := strings.TrimSpace(os.Getenv(envVarName(provider, "ACCESS_KEY", name)))
		sk := strings.TrimSpace(os.Getenv(envVarName(provider, "SECRET_KEY", name)))
		if ak != "" && sk != "" {
			return models.NewAkSkApiKey(ak, sk)
		}
		return trimApiKey(stored)

	case models.ProviderGoogle:
		return trimApiKey(stored)

	case models.ProviderAzure:
		key := strings.TrimSpace(os.Getenv(envVarName(provider, "API_KEY", name)))
		if key == "" {
			return trimApiKey(stored)
		}
		return models.NewSingleApiKey(key)

	default:
		key := strings.TrimSpace(os.Getenv(envVarName(provider, "API_KEY", name)))
		if key != "" {
			return models.NewSingleApiKey(key)
		}
		return trimApiKey(stored)
	}
}

// trimApiKey whitespace-trims the stored key, collapsing a legacy list to
// its first element.
func trimApiKey(k models.ApiKey) models.ApiKey {
	switch k.Kind {
	case models.ApiKeySingle:
		return models.NewSingleApiKey(strings.TrimSpace(k.Value))
	case models.ApiKeyMulti:
		if len(k.Values) == 0 {
			return models.NewSingleApiKey("")
		}
		return models.NewSingleApiKey(strings.TrimSpace(k.Values[0]))
	case models.ApiKeyAkSk:
		return models.NewAkSkApiKey(strings.TrimSpace(k.AccessKey), strings.TrimSpace(k.SecretKey))
	default:
		return k
	}
}

// MaskApiKey applies the "***<last-4>" masking rule used for logging
// (spec P8): a key longer than 8 characters becomes "***" followed by its
// last 4 characters; a key of 8 characters or fewer becomes just "***".
func MaskApiKey(s string) string {
	if len(s) > 8 {
		return "***" + s[len(s)-4:]
	}
	return "***"
}
