// Package replay is the entry point the presentation layers use. A Session
// owns one loaded run together with its metrics, timeline index and playback
// clock. Sessions are explicitly constructed, so several can live side by
// side in one process.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/kalambet/jreplay/internal/diff"
	"github.com/kalambet/jreplay/internal/export"
	"github.com/kalambet/jreplay/internal/journey"
	"github.com/kalambet/jreplay/internal/metrics"
	"github.com/kalambet/jreplay/internal/playback"
	"github.com/kalambet/jreplay/internal/share"
	"github.com/kalambet/jreplay/internal/timeline"
)

var (
	ErrNoRun       = errors.New("no run loaded")
	ErrUnknownStep = errors.New("unknown step")
)

// Options configures a Session. Zero values are usable: a wall-clock
// scheduler, in-memory share links and exports kept in the Result payload.
// A zero Playback starts at the slowest speed; most callers want
// playback.DefaultConfig.
type Options struct {
	Scheduler      playback.Scheduler
	Playback       playback.Config
	Shares         *share.Service
	Sink           export.Sink
	MaxExportBytes int64
	Logger         *slog.Logger
}

// ShareResult is the eventual outcome of GenerateShareLink.
type ShareResult struct {
	Link share.Link
	Err  error
}

type Session struct {
	ID string

	opts   Options
	player *playback.Player
	logger *slog.Logger

	mu        sync.RWMutex
	run       *journey.Run
	metrics   *metrics.TimelinePerformanceMetrics
	index     *timeline.Index
	anomalies []journey.Anomaly
	search    *timeline.Search
	ctx       context.Context
	cancel    context.CancelFunc
}

func NewSession(opts Options) *Session {
	if opts.Shares == nil {
		opts.Shares = share.NewService(nil, "")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		ID:     uuid.New().String(),
		opts:   opts,
		player: playback.New(opts.Scheduler, opts.Playback),
	}
	s.logger = logger.With("session_id", s.ID)
	return s
}

// LoadRun replaces the loaded run. Pending clock ticks and in-flight share
// link requests of the previous run are cancelled before any state changes.
// Data-integrity problems do not fail the load; they are reported by
// Anomalies and flagged on the affected items.
func (s *Session) LoadRun(run *journey.Run) (playback.State, error) {
	if run == nil {
		return s.player.State(), errors.New("nil run")
	}

	var (
		m         metrics.TimelinePerformanceMetrics
		anomalies []journey.Anomaly
	)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m = metrics.Compute(run.Steps, run.AILogs)
	}()
	go func() {
		defer wg.Done()
		anomalies = journey.Validate(run)
	}()
	wg.Wait()

	items := timeline.Build(run, &m)

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.run = run
	s.metrics = &m
	s.index = timeline.NewIndex(items)
	s.anomalies = anomalies
	s.search = nil
	s.mu.Unlock()

	if len(anomalies) > 0 {
		s.logger.Warn("run loaded with anomalies", "run_id", run.ID, "count", len(anomalies))
	}
	return s.player.Load(run), nil
}

// Unload stops the clock, cancels in-flight work and drops the run.
func (s *Session) Unload() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.run, s.metrics, s.index, s.anomalies, s.search = nil, nil, nil, nil, nil
	s.mu.Unlock()
	s.player.Unload()
}

// Run returns the loaded run, or nil.
func (s *Session) Run() *journey.Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.run
}

// Player exposes the playback clock, mainly for subscribing to changes.
func (s *Session) Player() *playback.Player { return s.player }

func (s *Session) State() playback.State        { return s.player.State() }
func (s *Session) Play() playback.State         { return s.player.Play() }
func (s *Session) Pause() playback.State        { return s.player.Pause() }
func (s *Session) StepForward() playback.State  { return s.player.StepForward() }
func (s *Session) StepBackward() playback.State { return s.player.StepBackward() }
func (s *Session) Seek(ms int64) playback.State { return s.player.Seek(ms) }
func (s *Session) ToggleLoop() playback.State   { return s.player.ToggleLoop() }
func (s *Session) Reset() playback.State        { return s.player.Reset() }

func (s *Session) SetSpeed(v playback.Speed) playback.State { return s.player.SetSpeed(v) }

// SeekToStep moves the clock to the start of stepID.
func (s *Session) SeekToStep(stepID string) (playback.State, error) {
	s.mu.RLock()
	idx := s.index
	s.mu.RUnlock()
	if idx == nil {
		return s.player.State(), ErrNoRun
	}
	it, ok := idx.Get(stepID)
	if !ok {
		return s.player.State(), fmt.Errorf("%w: %s", ErrUnknownStep, stepID)
	}
	return s.player.Seek(it.StartTime), nil
}

// GetTimelineItems returns the items matching f, in step order. A zero
// Filters returns the full list.
func (s *Session) GetTimelineItems(f timeline.Filters) ([]timeline.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.index == nil {
		return nil, ErrNoRun
	}
	return s.index.Filter(f), nil
}

// SelectedItem is the item under the playback cursor.
func (s *Session) SelectedItem() (timeline.Item, bool) {
	id := s.player.State().SelectedStepID
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.index == nil || id == "" {
		return timeline.Item{}, false
	}
	return s.index.Get(id)
}

// GetStepDiff diffs the snapshot recorded before stepID against the one
// recorded after it. The first step is diffed against an empty state.
func (s *Session) GetStepDiff(stepID string) (diff.StepContextDiff, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.index == nil {
		return diff.StepContextDiff{}, ErrNoRun
	}
	cur, ok := s.index.Get(stepID)
	if !ok {
		return diff.StepContextDiff{}, fmt.Errorf("%w: %s", ErrUnknownStep, stepID)
	}
	var prev journey.Snapshot
	if p, ok := s.index.Previous(stepID); ok {
		prev = p.Snapshot
	}
	return diff.Compute(prev, cur.Snapshot), nil
}

func (s *Session) GetMetrics() (metrics.TimelinePerformanceMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.metrics == nil {
		return metrics.TimelinePerformanceMetrics{}, ErrNoRun
	}
	return *s.metrics, nil
}

// Anomalies lists the data-integrity problems found when the run was loaded.
func (s *Session) Anomalies() []journey.Anomaly {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]journey.Anomaly(nil), s.anomalies...)
}

// Search starts a new text search over the full item list and returns its
// cursor. The session keeps it for Search{Next,Prev}.
func (s *Session) Search(query string) (*timeline.Search, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index == nil {
		return nil, ErrNoRun
	}
	s.search = timeline.NewSearch(s.index.Items(), query)
	return s.search, nil
}

// SearchNext moves the active search to its next match, wrapping after the
// last one, and seeks playback to it.
func (s *Session) SearchNext() (timeline.Item, bool) {
	return s.cycle((*timeline.Search).Next)
}

// SearchPrev is SearchNext in the other direction.
func (s *Session) SearchPrev() (timeline.Item, bool) {
	return s.cycle((*timeline.Search).Prev)
}

func (s *Session) cycle(move func(*timeline.Search) (timeline.Item, bool)) (timeline.Item, bool) {
	s.mu.Lock()
	search := s.search
	var (
		it timeline.Item
		ok bool
	)
	if search != nil {
		it, ok = move(search)
	}
	s.mu.Unlock()
	if ok {
		s.player.Seek(it.StartTime)
	}
	return it, ok
}

// ExportTimeline renders the items matching f. Identity fields and the size
// cap are filled from the session when opts leaves them empty. Failures are
// reported in the Result.
func (s *Session) ExportTimeline(ctx context.Context, f timeline.Filters, opts export.Options) export.Result {
	s.mu.RLock()
	run, idx, m := s.run, s.index, s.metrics
	s.mu.RUnlock()
	if idx == nil {
		return export.Result{Format: opts.Format, Error: ErrNoRun.Error()}
	}
	if opts.JourneyID == "" {
		opts.JourneyID = run.JourneyID
	}
	if opts.RunID == "" {
		opts.RunID = run.ID
	}
	if opts.MaxBytes == 0 {
		opts.MaxBytes = s.opts.MaxExportBytes
	}

	res := export.Export(ctx, idx.Filter(f), m, opts, s.opts.Sink)
	if !res.Ok() {
		s.logger.Warn("export failed", "run_id", run.ID, "format", opts.Format, "error", res.Error)
	}
	return res
}

// GenerateShareLink issues a link for the loaded run without blocking the
// caller. The channel receives exactly one result. Unloading or replacing
// the run cancels a request still in flight.
func (s *Session) GenerateShareLink(e share.Expiry) <-chan ShareResult {
	out := make(chan ShareResult, 1)

	s.mu.RLock()
	run, ctx := s.run, s.ctx
	s.mu.RUnlock()
	if run == nil {
		out <- ShareResult{Err: ErrNoRun}
		close(out)
		return out
	}

	go func() {
		defer close(out)
		l, err := s.opts.Shares.Generate(ctx, run.JourneyID, run.ID, e)
		if err == nil && ctx.Err() != nil {
			if rerr := s.opts.Shares.Revoke(l.Token); rerr != nil {
				s.logger.Warn("revoking cancelled share link", "run_id", run.ID, "error", rerr)
			}
			err = ctx.Err()
		}
		if err != nil {
			out <- ShareResult{Err: err}
			return
		}
		s.logger.Info("share link issued", "run_id", run.ID, "expires_at", l.ExpiresAt)
		out <- ShareResult{Link: l}
	}()
	return out
}
