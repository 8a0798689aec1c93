// Package sourcestatus implements the source-status lifecycle (spec
// §4.6): the state machine unknown → checking → ok/error, concurrent
// per-source health probes, consecutive-error counting, and the
// per-source/batch-finished event protocol consumed by a presentation
// surface.
//
// The fan-out-and-join shape is grounded on the teacher's
// scheduler.Service: a mutex-guarded running flag, a stop channel for
// cooperative cancellation, and one goroutine per unit of work — here
// retargeted from a single periodic ticker onto a batch of concurrent
// per-source probes that join before the terminal event fires.
package sourcestatus

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/newsworkbench/engine/server/internal/models"
	"github.com/newsworkbench/engine/server/internal/rss"
	"github.com/newsworkbench/engine/server/internal/storage"
)

// EventKind tags what a Event represents in a status-check batch.
type EventKind int

const (
	// EventSourceChecked fires once a single source's probe completes,
	// in no particular guaranteed order relative to its siblings.
	EventSourceChecked EventKind = iota
	// EventBatchFinished fires exactly once per batch, strictly after
	// every EventSourceChecked for that batch.
	EventBatchFinished
)

// Event is a single notification emitted during a status-check batch.
type Event struct {
	Kind       EventKind
	SourceName string            // zero value for EventBatchFinished
	Status     models.SourceStatusState
	Message    string
	Checked    int // set on EventBatchFinished only: enabled sources the batch processed, including any skipped for lack of a prober or by cancellation
}

// Prober answers "is this feed reachable and well-formed right now" for
// one source. rss.Prober satisfies this for RSS sources; other source
// types (crawler, pengpai) are external fetch probes per spec §1 and are
// wired in by the caller via a type-specific Prober.
type Prober interface {
	Probe(ctx context.Context, url string) rss.ProbeResult
}

// Service drives status-check batches over a Storage's news_sources.
type Service struct {
	store   *storage.Storage
	probers map[models.SourceType]Prober

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc

	log *log.Logger
}

// New constructs a Service. probers maps a source type to the Prober
// responsible for health-checking it; a source whose type has no
// registered Prober is skipped (treated the same as "no probe
// available" — logged, no event emitted, per spec §1's scope boundary).
func New(store *storage.Storage, probers map[models.SourceType]Prober) *Service {
	if probers == nil {
		probers = map[models.SourceType]Prober{}
	}
	return &Service{
		store:   store,
		probers: probers,
		log:     log.New(os.Stderr, "[sourcestatus] ", log.LstdFlags),
	}
}

// IsRunning reports whether a status-check batch is currently in flight.
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Cancel requests cooperative cancellation of the in-flight batch, if
// any. No-op if no batch is running.
func (s *Service) Cancel() {
	s.mu.RLock()
	cancel := s.cancel
	s.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

// CheckAll runs a status-check batch over every enabled source, emitting
// events on the returned channel. The channel is closed after
// EventBatchFinished is sent. Only one batch may run at a time; calling
// CheckAll while a batch is already running returns an error.
func (s *Service) CheckAll(ctx context.Context) (<-chan Event, error) {
	sources, err := s.store.GetAllNewsSources()
	if err != nil {
		return nil, fmt.Errorf("loading sources for status check: %w", err)
	}
	return s.CheckSources(ctx, sources)
}

// CheckSources runs a status-check batch over exactly the given
// sources, skipping any that are disabled.
func (s *Service) CheckSources(ctx context.Context, sources []models.NewsSource) (<-chan Event, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, fmt.Errorf("sourcestatus: a check batch is already running")
	}
	batchCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.mu.Unlock()

	enabled := make([]models.NewsSource, 0, len(sources))
	for _, src := range sources {
		if src.IsEnabled {
			enabled = append(enabled, src)
		}
	}

	events := make(chan Event, len(enabled)+1)

	go func() {
		defer func() {
			s.mu.Lock()
			s.running = false
			s.cancel = nil
			s.mu.Unlock()
			cancel()
			close(events)
		}()

		var wg sync.WaitGroup
		var mu sync.Mutex
		checked := 0

		for _, src := range enabled {
			src := src
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.checkOne(batchCtx, src, events)
				mu.Lock()
				checked++
				mu.Unlock()
			}()
		}
		wg.Wait()

		events <- Event{Kind: EventBatchFinished, Checked: checked}
	}()

	return events, nil
}

// checkOne runs a single source's probe end to end: mark checking,
// dispatch, write the outcome back to storage, emit the per-source
// event.
func (s *Service) checkOne(ctx context.Context, src models.NewsSource, events chan<- Event) {
	if ctx.Err() != nil {
		return
	}

	prober, ok := s.probers[src.Type]
	if !ok {
		s.log.Printf("no prober registered for source %q (type %s); skipping", src.Name, src.Type)
		return
	}

	result := prober.Probe(ctx, src.URL)
	now := time.Now().UTC()

	var status models.SourceStatusState
	var lastError string
	consecutive := src.ConsecutiveErrorCount
	if result.Success {
		status = models.StatusOK
		consecutive = 0
	} else {
		status = models.StatusError
		lastError = result.Message
		consecutive++
	}

	_, err := s.store.UpdateNewsSource(src.Name, map[string]any{
		"status":                  string(status),
		"last_error":              lastError,
		"consecutive_error_count": consecutive,
		"last_checked_time":       now,
	})
	if err != nil {
		s.log.Printf("writing status for source %q: %v", src.Name, err)
	}

	events <- Event{
		Kind:       EventSourceChecked,
		SourceName: src.Name,
		Status:     status,
		Message:    result.Message,
	}
}

// ResetStatus clears a source's error state back to unknown, per spec
// §4.6's "re-enabled/edit clears last_error, resets to unknown"
// transition. Callers invoke this from the update-source path, not from
// this package, since it is a side effect of editing — not of checking.
func (s *Service) ResetStatus(name string) (bool, error) {
	return s.store.UpdateNewsSource(name, map[string]any{
		"status":                  string(models.StatusUnknown),
		"last_error":              "",
		"consecutive_error_count": 0,
	})
}
