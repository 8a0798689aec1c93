package cluster

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/newsworkbench/engine/server/internal/llmservice"
)

var (
	capitalizedWordRe = regexp.MustCompile(`[A-Z][a-zA-Z]+`)
	digitRunRe        = regexp.MustCompile(`\d+`)
)

// ruleBasedEntities extracts capitalized Latin tokens, CJK n-grams
// (length 2..4), and digit runs from text — the fallback entity
// recognizer used when no LLM service is configured.
func ruleBasedEntities(text string) []string {
	seen := map[string]bool{}
	var out []string
	add := func(s string) {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	}

	for _, w := range capitalizedWordRe.FindAllString(text, -1) {
		add(w)
	}
	for _, d := range digitRunRe.FindAllString(text, -1) {
		add(d)
	}
	for _, g := range hanNGrams(text) {
		add(g)
	}
	return out
}

var hanRunRe = regexp.MustCompile(`\p{Han}+`)

func hanRuns(text string) []string {
	return hanRunRe.FindAllString(text, -1)
}

// hanNGrams returns every length-2..4 n-gram across each contiguous Han
// run in text, left to right and not deduplicated — shared by the
// rule-based entity extractor and the title-keyword fallback, since
// unsegmented CJK text has no word boundaries for either to key off of.
func hanNGrams(text string) []string {
	var out []string
	for _, run := range hanRuns(text) {
		runeRun := []rune(run)
		for n := 2; n <= 4; n++ {
			for i := 0; i+n <= len(runeRun); i++ {
				out = append(out, string(runeRun[i:i+n]))
			}
		}
	}
	return out
}

// RuleBasedEntities exposes the capitalized/digit/Han-n-gram extractor for
// reuse by the title-similarity grouping heuristic.
func RuleBasedEntities(text string) []string { return ruleBasedEntities(text) }

// CapitalizedEntities returns capitalized Latin tokens only.
func CapitalizedEntities(text string) []string {
	seen := map[string]bool{}
	var out []string
	for _, w := range capitalizedWordRe.FindAllString(text, -1) {
		lw := strings.ToLower(w)
		if seen[lw] {
			continue
		}
		seen[lw] = true
		out = append(out, lw)
	}
	return out
}

// DigitRuns returns the distinct digit runs in text.
func DigitRuns(text string) []string {
	seen := map[string]bool{}
	var out []string
	for _, d := range digitRunRe.FindAllString(text, -1) {
		if seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out
}

// Jaccard exposes jaccard for reuse outside the package.
func Jaccard(a, b []string) float64 { return jaccard(a, b) }

// CharSetJaccard computes Jaccard similarity over the distinct-rune sets
// of two strings.
func CharSetJaccard(a, b string) float64 {
	setA := map[rune]bool{}
	for _, r := range a {
		setA[r] = true
	}
	setB := map[rune]bool{}
	for _, r := range b {
		setB[r] = true
	}
	if len(setA) == 0 && len(setB) == 0 {
		return 0
	}
	inter := 0
	union := map[rune]bool{}
	for r := range setA {
		union[r] = true
	}
	for r := range setB {
		union[r] = true
		if setA[r] {
			inter++
		}
	}
	if len(union) == 0 {
		return 0
	}
	return float64(inter) / float64(len(union))
}

type llmEntities struct {
	Entities []struct {
		Text string `json:"text"`
		Type string `json:"type"`
	} `json:"entities"`
}

// extractEntities returns a lowercased, deduplicated entity set for one
// article, preferring an LLM call when service is configured and falling
// back to the rule-based extractor otherwise.
func extractEntities(ctx context.Context, service llmservice.LLMService, title, content string) []string {
	if service == nil || !service.IsConfigured() {
		return ruleBasedEntities(title + " " + content)
	}

	tmpl, err := service.PromptManager().GetTemplateContent("entities")
	if err != nil {
		return ruleBasedEntities(title + " " + content)
	}
	raw, err := service.CallLLM(ctx, tmpl+"\n"+title+"\n"+content)
	if err != nil {
		return ruleBasedEntities(title + " " + content)
	}

	var parsed llmEntities
	switch v := raw.(type) {
	case map[string]any:
		b, _ := json.Marshal(v)
		if err := json.Unmarshal(b, &parsed); err != nil {
			return ruleBasedEntities(title + " " + content)
		}
	default:
		return ruleBasedEntities(title + " " + content)
	}

	seen := map[string]bool{}
	var out []string
	for _, e := range parsed.Entities {
		t := strings.ToLower(strings.TrimSpace(e.Text))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	if len(out) == 0 {
		return ruleBasedEntities(title + " " + content)
	}
	return out
}

// jaccard computes the Jaccard similarity of two string sets.
func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, v := range a {
		set[v] = true
	}
	inter := 0
	union := map[string]bool{}
	for _, v := range a {
		union[v] = true
	}
	for _, v := range b {
		union[v] = true
		if set[v] {
			inter++
		}
	}
	if len(union) == 0 {
		return 0
	}
	return float64(inter) / float64(len(union))
}

// extractKeywords returns up to 5 keywords for one article: an LLM call
// when available, else tokenized title words of length >= 2 after
// stripping punctuation and a small bilingual stopword list.
func extractKeywords(ctx context.Context, service llmservice.LLMService, title, content string) []string {
	if service != nil && service.IsConfigured() {
		if tmpl, err := service.PromptManager().GetTemplateContent("keywords"); err == nil {
			if raw, err := service.CallLLM(ctx, tmpl+"\n"+title+"\n"+content); err == nil {
				if m, ok := raw.(map[string]any); ok {
					if list, ok := m["keywords"].([]any); ok {
						var out []string
						for _, v := range list {
							if s, ok := v.(string); ok && s != "" {
								out = append(out, s)
							}
						}
						if len(out) > 0 {
							return out
						}
					}
				}
			}
		}
	}

	var candidates []string
	candidates = append(candidates, latinWordRe.FindAllString(strings.ToLower(title), -1)...)
	candidates = append(candidates, hanNGrams(title)...)

	var out []string
	for _, tok := range candidates {
		if bilingualStopwords[tok] {
			continue
		}
		if len([]rune(tok)) < 2 {
			continue
		}
		out = append(out, tok)
		if len(out) == 5 {
			break
		}
	}
	return out
}

var bilingualStopwords = map[string]bool{
	"的": true, "了": true, "在": true, "是": true, "和": true, "与": true,
	"the": true, "a": true, "an": true, "of": true, "to": true, "and": true,
}
