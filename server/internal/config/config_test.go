package config

import (
	"os"
	"testing"

	"github.com/dgraph-io/badger/v4"

	"github.com/newsworkbench/engine/server/internal/models"
)

func openTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := Open("")
	if err != nil {
		t.Fatalf("opening in-memory config manager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

// L3: save then load restores scalar fields exactly.
func TestAddOrUpdateConfig_RoundTrip(t *testing.T) {
	m := openTestManager(t)

	profile := models.LLMConfigProfile{
		Provider:    models.ProviderOpenAI,
		ApiURL:      "https://api.openai.com/v1",
		Model:       "gpt-4o",
		ApiKey:      models.NewSingleApiKey("  sk-test-key  "),
		Temperature: 0.3,
		MaxTokens:   4096,
		Timeout:     30,
	}
	ok, err := m.AddOrUpdateConfig("primary", profile)
	if err != nil || !ok {
		t.Fatalf("add config: ok=%v err=%v", ok, err)
	}

	loaded, err := m.GetConfig("primary")
	if err != nil || loaded == nil {
		t.Fatalf("get config: %v err=%v", loaded, err)
	}
	if loaded.ApiURL != profile.ApiURL || loaded.Model != profile.Model {
		t.Fatalf("scalar fields did not round-trip: %#v", loaded)
	}
	if loaded.Temperature != 0.3 || loaded.MaxTokens != 4096 || loaded.Timeout != 30 {
		t.Fatalf("numeric fields did not round-trip: %#v", loaded)
	}
	if loaded.ApiKey.Primary() != "sk-test-key" {
		t.Fatalf("api key must survive whitespace-trim, got %q", loaded.ApiKey.Primary())
	}
}

func TestAddOrUpdateConfig_AppliesDefaults(t *testing.T) {
	m := openTestManager(t)
	ok, err := m.AddOrUpdateConfig("defaults", models.LLMConfigProfile{ApiURL: "https://openai.com"})
	if err != nil || !ok {
		t.Fatalf("add: ok=%v err=%v", ok, err)
	}
	cfg, err := m.GetConfig("defaults")
	if err != nil || cfg == nil {
		t.Fatalf("get: %v err=%v", cfg, err)
	}
	if cfg.Temperature != models.DefaultTemperature || cfg.MaxTokens != models.DefaultMaxTokens || cfg.Timeout != models.DefaultTimeout {
		t.Fatalf("expected default temperature/max_tokens/timeout, got %#v", cfg)
	}
	if cfg.Provider != models.ProviderOpenAI {
		t.Fatalf("expected provider inferred as openai from api_url, got %q", cfg.Provider)
	}
}

func TestAddOrUpdateConfig_RejectsEmptyName(t *testing.T) {
	m := openTestManager(t)
	ok, err := m.AddOrUpdateConfig("", models.LLMConfigProfile{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected rejection of empty profile name")
	}
}

// P7: activation of an unknown profile is rejected and does not change state.
func TestSetActiveConfigName_RejectsUnknown(t *testing.T) {
	m := openTestManager(t)
	if _, err := m.AddOrUpdateConfig("known", models.LLMConfigProfile{}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	name := "known"
	if _, err := m.SetActiveConfigName(&name); err != nil {
		t.Fatalf("activate known: %v", err)
	}

	ghost := "ghost"
	ok, err := m.SetActiveConfigName(&ghost)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected activation of an unknown profile to fail")
	}

	active, err := m.GetActiveConfigName()
	if err != nil || active == nil || *active != "known" {
		t.Fatalf("active config must remain unchanged, got %v err=%v", active, err)
	}
}

func TestDeleteConfig_ClearsActivePointer(t *testing.T) {
	m := openTestManager(t)
	if _, err := m.AddOrUpdateConfig("a", models.LLMConfigProfile{}); err != nil {
		t.Fatalf("seed a: %v", err)
	}
	name := "a"
	if _, err := m.SetActiveConfigName(&name); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if ok, err := m.DeleteConfig("a"); err != nil || !ok {
		t.Fatalf("delete: ok=%v err=%v", ok, err)
	}
	active, err := m.GetActiveConfigName()
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if active != nil {
		t.Fatalf("expected active pointer to be cleared, got %v", *active)
	}
}

func TestGetActiveConfig_SelfHealsWhenProfileMissing(t *testing.T) {
	m := openTestManager(t)
	if _, err := m.AddOrUpdateConfig("transient", models.LLMConfigProfile{}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	name := "transient"
	if _, err := m.SetActiveConfigName(&name); err != nil {
		t.Fatalf("activate: %v", err)
	}

	// Directly remove the profile without going through DeleteConfig, so
	// the active pointer is left dangling.
	if err := m.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(configKey("transient"))
	}); err != nil {
		t.Fatalf("removing profile directly: %v", err)
	}

	cfg, err := m.GetActiveConfig()
	if err != nil {
		t.Fatalf("get active config: %v", err)
	}
	if cfg != nil {
		t.Fatalf("expected nil active config after dangling pointer self-heal, got %#v", cfg)
	}
	active, err := m.GetActiveConfigName()
	if err != nil || active != nil {
		t.Fatalf("expected active pointer to have been cleared, got %v err=%v", active, err)
	}
}

func TestInferProvider(t *testing.T) {
	cases := []struct {
		name, apiURL string
		want         models.Provider
	}{
		{"my-gemini-profile", "", models.ProviderGoogle},
		{"", "https://generativelanguage.googleapis.com", models.ProviderGoogle},
		{"volcengine-ark", "", models.ProviderVolcengineArk},
		{"", "https://ark.cn-beijing.volces.com", models.ProviderVolcengineArk},
		{"kimi", "", models.ProviderMoonshot},
		{"", "https://aip.baidubce.com", models.ProviderBaidu},
		{"something-else", "https://unknown.example.com", models.ProviderGeneric},
	}
	for _, c := range cases {
		got := InferProvider(c.name, c.apiURL)
		if got != c.want {
			t.Errorf("InferProvider(%q, %q) = %q, want %q", c.name, c.apiURL, got, c.want)
		}
	}
}

func TestResolveAPIKey_VolcengineArkEnvPair(t *testing.T) {
	m := openTestManager(t)
	os.Setenv("VOLC_ACCESS_KEY_MYPROFILE", " ak-123 ")
	os.Setenv("VOLC_SECRET_KEY_MYPROFILE", " sk-456 ")
	t.Cleanup(func() {
		os.Unsetenv("VOLC_ACCESS_KEY_MYPROFILE")
		os.Unsetenv("VOLC_SECRET_KEY_MYPROFILE")
	})

	if _, err := m.AddOrUpdateConfig("myprofile", models.LLMConfigProfile{Provider: models.ProviderVolcengineArk}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	cfg, err := m.GetConfig("myprofile")
	if err != nil || cfg == nil {
		t.Fatalf("get: %v err=%v", cfg, err)
	}
	if cfg.ApiKey.Kind != models.ApiKeyAkSk || cfg.ApiKey.AccessKey != "ak-123" || cfg.ApiKey.SecretKey != "sk-456" {
		t.Fatalf("expected env-sourced ak/sk pair, got %#v", cfg.ApiKey)
	}
}

func TestResolveAPIKey_FallsBackToStoredValue(t *testing.T) {
	m := openTestManager(t)
	if _, err := m.AddOrUpdateConfig("noenv", models.LLMConfigProfile{
		Provider: models.ProviderOpenAI,
		ApiKey:   models.NewSingleApiKey("stored-key"),
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	cfg, err := m.GetConfig("noenv")
	if err != nil || cfg == nil {
		t.Fatalf("get: %v err=%v", cfg, err)
	}
	if cfg.ApiKey.Primary() != "stored-key" {
		t.Fatalf("expected fallback to stored key, got %q", cfg.ApiKey.Primary())
	}
}

// P8: masking preserves only the last <=4 characters.
func TestMaskApiKey(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"sk-abcdefgh1234", "***1234"},
		{"short", "***"},
		{"", "***"},
	}
	for _, c := range cases {
		got := MaskApiKey(c.in)
		if got != c.want {
			t.Errorf("MaskApiKey(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
