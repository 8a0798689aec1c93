package cluster

import (
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/newsworkbench/engine/server/internal/models"
)

var whitespaceRe = regexp.MustCompile(`\s+`)

// stripHTML removes tags from s using goquery the same way the teacher's
// scrapeArticleContent parses scraped pages, then collapses whitespace.
func stripHTML(s string) string {
	if !strings.Contains(s, "<") {
		return whitespaceRe.ReplaceAllString(strings.TrimSpace(s), " ")
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return whitespaceRe.ReplaceAllString(strings.TrimSpace(s), " ")
	}
	text := doc.Text()
	return whitespaceRe.ReplaceAllString(strings.TrimSpace(text), " ")
}

// preprocessedArticle is the clusterer's working shape: title/content with
// tags stripped and publish time defaulted to now when absent (spec
// §4.3 step 1).
type preprocessedArticle struct {
	Article     models.Article
	Title       string
	Content     string
	PublishTime time.Time
}

func preprocess(articles []models.Article) []preprocessedArticle {
	now := time.Now().UTC()
	out := make([]preprocessedArticle, len(articles))
	for i, a := range articles {
		pt := now
		if a.PublishTime != nil {
			pt = a.PublishTime.UTC()
		}
		out[i] = preprocessedArticle{
			Article:     a,
			Title:       stripHTML(a.Title),
			Content:     stripHTML(a.Content),
			PublishTime: pt,
		}
	}
	return out
}
