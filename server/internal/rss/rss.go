// Package rss provides a minimal RSS/Atom health probe used by the
// source-status lifecycle. Full feed ingestion (fetching and persisting
// articles) is an external collaborator; this package only answers "is
// this feed reachable and well-formed right now", which is what a
// status-check batch needs.
package rss

import (
	"context"
	"fmt"

	"github.com/mmcdole/gofeed"
)

// Prober checks RSS/Atom feed reachability using gofeed.
type Prober struct {
	parser *gofeed.Parser
}

// NewProber constructs a Prober with a fresh gofeed.Parser.
func NewProber() *Prober {
	return &Prober{parser: gofeed.NewParser()}
}

// ProbeResult is the outcome of a single feed health check.
type ProbeResult struct {
	Success   bool
	Message   string
	ItemCount int
}

// Probe fetches and parses feedURL, reporting whether it is currently
// healthy. A feed that parses but has zero items is still a success:
// reachability and well-formedness are all that matter here, not a
// minimum article count.
func (p *Prober) Probe(ctx context.Context, feedURL string) ProbeResult {
	feed, err := p.parser.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		return ProbeResult{Success: false, Message: fmt.Sprintf("fetch failed: %v", err)}
	}
	return ProbeResult{Success: true, Message: "ok", ItemCount: len(feed.Items)}
}
