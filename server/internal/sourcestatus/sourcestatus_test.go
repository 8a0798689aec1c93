package sourcestatus

import (
	"context"
	"testing"
	"time"

	"github.com/newsworkbench/engine/server/internal/models"
	"github.com/newsworkbench/engine/server/internal/rss"
	"github.com/newsworkbench/engine/server/internal/storage"
)

// scriptedProber returns a fixed result per source URL, or a default for
// anything unlisted.
type scriptedProber struct {
	byURL   map[string]rss.ProbeResult
	fallback rss.ProbeResult
}

func (p *scriptedProber) Probe(ctx context.Context, url string) rss.ProbeResult {
	if r, ok := p.byURL[url]; ok {
		return r
	}
	return p.fallback
}

func openTestStore(t *testing.T) *storage.Storage {
	t.Helper()
	s, err := storage.Open(storage.InMemoryPath)
	if err != nil {
		t.Fatalf("opening in-memory storage: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func drain(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	for e := range events {
		out = append(out, e)
	}
	return out
}

// A batch of 2 enabled sources, one ok, one failing with "Timeout".
func TestCheckSources_ScenarioFive(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.AddNewsSource(models.NewsSource{Name: "GoodFeed", Type: models.SourceTypeRSS, URL: "https://good/feed", IsEnabled: true}); err != nil {
		t.Fatalf("seed GoodFeed: %v", err)
	}
	if _, err := s.AddNewsSource(models.NewsSource{Name: "BadFeed", Type: models.SourceTypeRSS, URL: "https://bad/feed", IsEnabled: true}); err != nil {
		t.Fatalf("seed BadFeed: %v", err)
	}

	prober := &scriptedProber{byURL: map[string]rss.ProbeResult{
		"https://good/feed": {Success: true, Message: "ok", ItemCount: 3},
		"https://bad/feed":  {Success: false, Message: "Timeout"},
	}}
	svc := New(s, map[models.SourceType]Prober{models.SourceTypeRSS: prober})

	events, err := svc.CheckAll(context.Background())
	if err != nil {
		t.Fatalf("CheckAll: %v", err)
	}
	all := drain(t, events)

	if len(all) != 3 {
		t.Fatalf("expected 2 per-source events + 1 batch-finished, got %d: %#v", len(all), all)
	}
	// EventBatchFinished must be strictly last.
	last := all[len(all)-1]
	if last.Kind != EventBatchFinished || last.Checked != 2 {
		t.Fatalf("expected a terminal EventBatchFinished with Checked=2, got %#v", last)
	}
	for _, e := range all[:len(all)-1] {
		if e.Kind != EventSourceChecked {
			t.Fatalf("expected only EventSourceChecked before the terminal event, got %#v", e)
		}
	}

	sources, err := s.GetAllNewsSources()
	if err != nil {
		t.Fatalf("list sources: %v", err)
	}
	byName := map[string]models.NewsSource{}
	for _, src := range sources {
		byName[src.Name] = src
	}

	good := byName["GoodFeed"]
	if good.Status != models.StatusOK || good.ConsecutiveErrorCount != 0 || good.LastError != "" {
		t.Fatalf("unexpected GoodFeed state: %#v", good)
	}
	bad := byName["BadFeed"]
	if bad.Status != models.StatusError || bad.ConsecutiveErrorCount != 1 || bad.LastError != "Timeout" {
		t.Fatalf("unexpected BadFeed state: %#v", bad)
	}
}

func TestCheckSources_DisabledSourceSkippedSilently(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.AddNewsSource(models.NewsSource{Name: "Disabled", Type: models.SourceTypeRSS, URL: "https://disabled/feed", IsEnabled: false}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	prober := &scriptedProber{fallback: rss.ProbeResult{Success: true, Message: "ok"}}
	svc := New(s, map[models.SourceType]Prober{models.SourceTypeRSS: prober})

	events, err := svc.CheckAll(context.Background())
	if err != nil {
		t.Fatalf("CheckAll: %v", err)
	}
	all := drain(t, events)
	if len(all) != 1 || all[0].Kind != EventBatchFinished || all[0].Checked != 0 {
		t.Fatalf("expected only a terminal event with Checked=0 for an all-disabled batch, got %#v", all)
	}
}

func TestCheckSources_ConsecutiveErrorCountAccumulatesThenResets(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.AddNewsSource(models.NewsSource{Name: "Flaky", Type: models.SourceTypeRSS, URL: "https://flaky/feed", IsEnabled: true}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	failing := &scriptedProber{fallback: rss.ProbeResult{Success: false, Message: "boom"}}
	svc := New(s, map[models.SourceType]Prober{models.SourceTypeRSS: failing})

	for i := 0; i < 2; i++ {
		events, err := svc.CheckAll(context.Background())
		if err != nil {
			t.Fatalf("CheckAll iteration %d: %v", i, err)
		}
		drain(t, events)
	}

	sources, err := s.GetAllNewsSources()
	if err != nil || len(sources) != 1 {
		t.Fatalf("list: %v (len=%d)", err, len(sources))
	}
	if sources[0].ConsecutiveErrorCount != 2 {
		t.Fatalf("expected consecutive_error_count to accumulate to 2, got %d", sources[0].ConsecutiveErrorCount)
	}

	succeeding := &scriptedProber{fallback: rss.ProbeResult{Success: true, Message: "ok"}}
	svc2 := New(s, map[models.SourceType]Prober{models.SourceTypeRSS: succeeding})
	events, err := svc2.CheckAll(context.Background())
	if err != nil {
		t.Fatalf("CheckAll recovery: %v", err)
	}
	drain(t, events)

	sources, err = s.GetAllNewsSources()
	if err != nil || len(sources) != 1 {
		t.Fatalf("list after recovery: %v", err)
	}
	if sources[0].ConsecutiveErrorCount != 0 || sources[0].Status != models.StatusOK {
		t.Fatalf("expected a clean recovery, got %#v", sources[0])
	}
}

func TestCheckSources_SourceWithNoRegisteredProberIsSkipped(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.AddNewsSource(models.NewsSource{Name: "Crawled", Type: models.SourceTypeCrawler, URL: "https://crawl/target", IsEnabled: true}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	svc := New(s, nil) // no prober registered for any source type

	events, err := svc.CheckAll(context.Background())
	if err != nil {
		t.Fatalf("CheckAll: %v", err)
	}
	all := drain(t, events)
	if len(all) != 1 || all[0].Kind != EventBatchFinished {
		t.Fatalf("expected only a terminal event when no prober matches, got %#v", all)
	}
}

func TestCheckSources_RejectsConcurrentBatch(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.AddNewsSource(models.NewsSource{Name: "Slow", Type: models.SourceTypeRSS, URL: "https://slow/feed", IsEnabled: true}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	blocking := &blockingProber{release: make(chan struct{})}
	svc := New(s, map[models.SourceType]Prober{models.SourceTypeRSS: blocking})

	events, err := svc.CheckAll(context.Background())
	if err != nil {
		t.Fatalf("first CheckAll: %v", err)
	}

	if _, err := svc.CheckAll(context.Background()); err == nil {
		t.Fatalf("expected the second concurrent CheckAll to be rejected")
	}

	close(blocking.release)
	drain(t, events)
}

type blockingProber struct{ release chan struct{} }

func (p *blockingProber) Probe(ctx context.Context, url string) rss.ProbeResult {
	<-p.release
	return rss.ProbeResult{Success: true, Message: "ok"}
}

func TestResetStatus_ClearsErrorState(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.AddNewsSource(models.NewsSource{Name: "ToReset", Type: models.SourceTypeRSS, URL: "https://reset/feed", IsEnabled: true}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := s.UpdateNewsSource("ToReset", map[string]any{
		"status":                  string(models.StatusError),
		"last_error":              "boom",
		"consecutive_error_count": 4,
	}); err != nil {
		t.Fatalf("seed error state: %v", err)
	}

	svc := New(s, nil)
	ok, err := svc.ResetStatus("ToReset")
	if err != nil || !ok {
		t.Fatalf("ResetStatus: ok=%v err=%v", ok, err)
	}

	sources, err := s.GetAllNewsSources()
	if err != nil || len(sources) != 1 {
		t.Fatalf("list: %v", err)
	}
	if sources[0].Status != models.StatusUnknown || sources[0].LastError != "" || sources[0].ConsecutiveErrorCount != 0 {
		t.Fatalf("expected cleared error state, got %#v", sources[0])
	}
}

func TestCancel_StopsInFlightBatch(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.AddNewsSource(models.NewsSource{Name: "Cancelable", Type: models.SourceTypeRSS, URL: "https://cancel/feed", IsEnabled: true}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	ctxProber := &ctxAwareProber{}
	svc := New(s, map[models.SourceType]Prober{models.SourceTypeRSS: ctxProber})

	events, err := svc.CheckAll(context.Background())
	if err != nil {
		t.Fatalf("CheckAll: %v", err)
	}
	svc.Cancel()

	select {
	case <-events:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected the event channel to close promptly after Cancel")
	}
	for range events {
	}
	if svc.IsRunning() {
		t.Fatalf("expected IsRunning() == false after the batch completes")
	}
}

type ctxAwareProber struct{}

func (p *ctxAwareProber) Probe(ctx context.Context, url string) rss.ProbeResult {
	select {
	case <-ctx.Done():
		return rss.ProbeResult{Success: false, Message: "cancelled"}
	case <-time.After(50 * time.Millisecond):
		return rss.ProbeResult{Success: true, Message: "ok"}
	}
}
