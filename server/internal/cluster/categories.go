package cluster

import "strings"

// categoryKeywords is the static keyword table used for rule-based
// per-article categorization when no LLM service is available, ported
// from the original keyword table. categoryOrder only breaks exact score
// ties in categorize below; the earlier category wins a tie.
var categoryOrder = []string{
	"politics", "military", "international", "technology", "business",
	"science", "sports", "entertainment", "health", "culture",
	"environment", "disaster",
}

var categoryKeywords = map[string][]string{
	"politics":       {"政治", "政府", "总统", "主席", "国家", "党", "选举", "外交", "政策"},
	"military":       {"军事", "军队", "战争", "导弹", "武器", "国防", "军演", "作战"},
	"international":  {"国际", "联合国", "外国", "全球", "世界", "双边", "多边"},
	"technology":     {"科技", "技术", "互联网", "人工智能", "芯片", "软件", "硬件", "数字"},
	"business":       {"经济", "财经", "股市", "金融", "贸易", "企业", "市场", "投资"},
	"science":        {"科学", "研究", "发现", "实验", "科学家", "论文"},
	"sports":         {"体育", "足球", "篮球", "比赛", "联赛", "运动", "奥运"},
	"entertainment":  {"娱乐", "明星", "电影", "音乐", "综艺", "演员"},
	"health":         {"健康", "医疗", "疾病", "医院", "药物", "疫情"},
	"culture":        {"文化", "艺术", "历史", "传统", "文学"},
	"environment":    {"环境", "气候", "污染", "生态", "环保"},
	"disaster":       {"灾害", "地震", "洪水", "台风", "火灾", "事故"},
}

// UncategorizedID is the bucket id assigned when no keyword matches.
const UncategorizedID = "uncategorized"

// categorize returns the category id for title/content using the keyword
// table. Each category is scored by its distinct keyword hits, title
// hits counting far more than content hits (so a title match still
// generally outranks a content-only match), and the highest-scoring
// category wins ties broken by categoryOrder. A single matching keyword
// is not enough to win outright: an article can trip one category's
// keyword in its title while a competing category has more distinct
// hits overall, and the more specific/more-hit category should win
// rather than whichever category happens to come first in the table.
// UncategorizedID is returned when no category scores above zero.
func categorize(title, content string) string {
	best := UncategorizedID
	bestScore := 0
	for _, cat := range categoryOrder {
		titleHits, contentHits := 0, 0
		for _, kw := range categoryKeywords[cat] {
			if containsAny(title, kw) {
				titleHits++
			}
			if containsAny(content, kw) {
				contentHits++
			}
		}
		score := titleHits*10 + contentHits
		if score > bestScore {
			bestScore = score
			best = cat
		}
	}
	return best
}

// Categorize is the exported entry point the dataprocessor package uses
// to apply the same keyword table.
func Categorize(title, content string) string {
	return categorize(title, content)
}

// CategoryIDs returns the ordered list of keyword-table category ids
// (excluding UncategorizedID).
func CategoryIDs() []string {
	out := make([]string, len(categoryOrder))
	copy(out, categoryOrder)
	return out
}

// DetectTopics returns every category id whose keyword table matches text,
// reusing the categorization keyword table as the "topic-keyword table"
// the title-similarity heuristic detects intersections over. Unlike Categorize, which returns only the
// best-scoring category, all matches are returned.
func DetectTopics(text string) []string {
	var out []string
	for _, cat := range categoryOrder {
		for _, kw := range categoryKeywords[cat] {
			if containsAny(text, kw) {
				out = append(out, cat)
				break
			}
		}
	}
	return out
}

func containsAny(haystack, needle string) bool {
	return needle != "" && len(haystack) > 0 && strings.Contains(haystack, needle)
}
