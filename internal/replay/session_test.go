package replay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kalambet/jreplay/internal/export"
	"github.com/kalambet/jreplay/internal/journey"
	"github.com/kalambet/jreplay/internal/playback"
	"github.com/kalambet/jreplay/internal/share"
	"github.com/kalambet/jreplay/internal/storage"
	"github.com/kalambet/jreplay/internal/timeline"
)

func newTestSession(t *testing.T, opts Options) (*Session, *playback.ManualScheduler) {
	t.Helper()
	sched := &playback.ManualScheduler{}
	opts.Scheduler = sched
	s := NewSession(opts)
	t.Cleanup(s.Unload)
	if _, err := s.LoadRun(journey.SampleRun()); err != nil {
		t.Fatalf("LoadRun: %v", err)
	}
	return s, sched
}

func TestLoadRunReturnsReadyState(t *testing.T) {
	s, _ := newTestSession(t, Options{})
	st := s.State()
	if st.Status != playback.StatusReady || st.TotalSteps != 3 || st.TotalDurationMs != 5200 {
		t.Errorf("state = %+v", st)
	}
	if len(s.Anomalies()) != 0 {
		t.Errorf("sample run anomalies = %v", s.Anomalies())
	}
}

func TestEmptySessionReportsNoRun(t *testing.T) {
	s := NewSession(Options{Scheduler: &playback.ManualScheduler{}})
	if _, err := s.GetTimelineItems(timeline.Filters{}); !errors.Is(err, ErrNoRun) {
		t.Errorf("GetTimelineItems = %v", err)
	}
	if _, err := s.GetMetrics(); !errors.Is(err, ErrNoRun) {
		t.Errorf("GetMetrics = %v", err)
	}
	if _, err := s.GetStepDiff("s1"); !errors.Is(err, ErrNoRun) {
		t.Errorf("GetStepDiff = %v", err)
	}
	if res := s.ExportTimeline(context.Background(), timeline.Filters{}, export.Options{Format: export.FormatJSON}); res.Ok() {
		t.Error("export without run succeeded")
	}
	if r := <-s.GenerateShareLink(share.ExpiryHour); !errors.Is(r.Err, ErrNoRun) {
		t.Errorf("GenerateShareLink = %v", r.Err)
	}
	if st := s.Play(); st.Status != playback.StatusLoading {
		t.Errorf("Play on empty session = %s", st.Status)
	}
}

func TestLoadRunFlagsAnomaliesWithoutFailing(t *testing.T) {
	run := journey.SampleRun()
	run.Steps[2].EndTime = run.Steps[2].StartTime - 10
	s := NewSession(Options{Scheduler: &playback.ManualScheduler{}})
	if _, err := s.LoadRun(run); err != nil {
		t.Fatalf("LoadRun: %v", err)
	}
	if len(s.Anomalies()) == 0 {
		t.Fatal("negative duration not reported")
	}
	items, err := s.GetTimelineItems(timeline.Filters{})
	if err != nil || len(items) != 3 {
		t.Fatalf("items = %d, %v", len(items), err)
	}
	if len(items[2].Anomalies) == 0 {
		t.Error("bad step not flagged")
	}
}

func TestGetStepDiff(t *testing.T) {
	s, _ := newTestSession(t, Options{})

	first, err := s.GetStepDiff("s1")
	if err != nil {
		t.Fatalf("GetStepDiff(s1): %v", err)
	}
	if len(first.AddedKeys) != 1 || first.AddedKeys[0] != "lead" {
		t.Errorf("s1 diff = %+v", first)
	}

	d, err := s.GetStepDiff("s2")
	if err != nil {
		t.Fatalf("GetStepDiff(s2): %v", err)
	}
	if d.TotalChanges != 2 || len(d.ChangedKeys) != 1 || d.ChangedKeys[0] != "lead.score" ||
		len(d.AddedKeys) != 1 || d.AddedKeys[0] != "decision" {
		t.Errorf("s2 diff = %+v", d)
	}

	if _, err := s.GetStepDiff("nope"); !errors.Is(err, ErrUnknownStep) {
		t.Errorf("GetStepDiff(nope) = %v", err)
	}
}

func TestGetTimelineItemsFilters(t *testing.T) {
	s, _ := newTestSession(t, Options{})
	all, _ := s.GetTimelineItems(timeline.Filters{})
	if len(all) != 3 {
		t.Fatalf("unfiltered = %d items", len(all))
	}
	bn, _ := s.GetTimelineItems(timeline.Filters{IsBottleneck: timeline.Flag(true)})
	if len(bn) != 1 || bn[0].ID != "s2" {
		t.Errorf("bottlenecks = %+v", bn)
	}
	again, _ := s.GetTimelineItems(timeline.Filters{})
	if len(again) != 3 {
		t.Error("filtering changed the index")
	}
}

func TestGetMetrics(t *testing.T) {
	s, _ := newTestSession(t, Options{})
	m, err := s.GetMetrics()
	if err != nil {
		t.Fatalf("GetMetrics: %v", err)
	}
	if m.P95StepDurationMs != 5000 || m.TokensByModel["gpt-4o"] != 2000 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestControlsDriveSelection(t *testing.T) {
	s, sched := newTestSession(t, Options{Playback: playback.Config{Speed: playback.SpeedNormal}})

	s.Play()
	sched.Advance(150)
	it, ok := s.SelectedItem()
	if !ok || it.ID != "s2" {
		t.Errorf("selected after 150ms = %v (%v)", it.ID, ok)
	}

	st := s.StepForward()
	if st.Status != playback.StatusPaused {
		t.Errorf("StepForward while playing = %s", st.Status)
	}

	st = s.SetSpeed(playback.SpeedDouble)
	if st.Config.Speed != playback.SpeedDouble {
		t.Errorf("SetSpeed = %v", st.Config.Speed)
	}
	if st := s.ToggleLoop(); !st.Config.LoopEnabled {
		t.Error("ToggleLoop did not enable loop")
	}
	if st := s.Reset(); st.Status != playback.StatusReady || st.CurrentTimeMs != 0 {
		t.Errorf("Reset = %+v", st)
	}
}

func TestSeekToStep(t *testing.T) {
	s, _ := newTestSession(t, Options{})
	st, err := s.SeekToStep("s3")
	if err != nil {
		t.Fatalf("SeekToStep: %v", err)
	}
	if st.CurrentTimeMs != 5100 || st.SelectedStepID != "s3" {
		t.Errorf("state = %+v", st)
	}
	if _, err := s.SeekToStep("x"); !errors.Is(err, ErrUnknownStep) {
		t.Errorf("SeekToStep(x) = %v", err)
	}
}

func TestSearchCyclesAndSeeks(t *testing.T) {
	s, _ := newTestSession(t, Options{})
	search, err := s.Search("o")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if search.Len() != 3 {
		t.Fatalf("matches = %d, want 3", search.Len())
	}

	it, ok := s.SearchNext()
	if !ok || it.ID != "s2" || s.State().SelectedStepID != "s2" {
		t.Errorf("SearchNext = %s, selected %s", it.ID, s.State().SelectedStepID)
	}
	s.SearchNext()
	if it, _ := s.SearchNext(); it.ID != "s1" {
		t.Errorf("wraparound = %s, want s1", it.ID)
	}
	if it, _ := s.SearchPrev(); it.ID != "s3" {
		t.Errorf("SearchPrev = %s, want s3", it.ID)
	}
}

func TestExportTimelineFillsIdentity(t *testing.T) {
	dir := t.TempDir()
	s, _ := newTestSession(t, Options{Sink: export.DirSink{Dir: dir}})
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	res := s.ExportTimeline(context.Background(), timeline.Filters{HasError: timeline.Flag(true)},
		export.Options{Format: export.FormatCSV, Timestamp: ts})
	if !res.Ok() {
		t.Fatalf("export failed: %s", res.Error)
	}
	if res.Filename != "journey-lead-enrichment-run-run-001-20260102T030405Z.csv" {
		t.Errorf("Filename = %s", res.Filename)
	}
	if res.URL == "" || res.Size == 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestExportTimelineSizeCap(t *testing.T) {
	s, _ := newTestSession(t, Options{MaxExportBytes: 10})
	res := s.ExportTimeline(context.Background(), timeline.Filters{}, export.Options{Format: export.FormatJSON})
	if res.Ok() {
		t.Error("export over the session cap succeeded")
	}
}

func TestGenerateShareLink(t *testing.T) {
	svc := share.NewService(nil, "http://replay.test")
	s, _ := newTestSession(t, Options{Shares: svc})

	select {
	case r := <-s.GenerateShareLink(share.ExpiryWeek):
		if r.Err != nil {
			t.Fatalf("GenerateShareLink: %v", r.Err)
		}
		if r.Link.RunID != "run-001" || r.Link.URL == "" {
			t.Errorf("link = %+v", r.Link)
		}
		if _, err := svc.Resolve(r.Link.Token); err != nil {
			t.Errorf("Resolve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("share link never arrived")
	}
}

// blockingStore holds CreateShareLink until release is closed.
type blockingStore struct {
	entered chan struct{}
	release chan struct{}
	inner   *share.MemoryStore
	token   string
}

func (b *blockingStore) CreateShareLink(l storage.ShareLink) error {
	b.token = l.Token
	close(b.entered)
	<-b.release
	return b.inner.CreateShareLink(l)
}

func (b *blockingStore) DeleteShareLink(token string) error {
	return b.inner.DeleteShareLink(token)
}

func (b *blockingStore) GetShareLink(token string) (storage.ShareLink, error) {
	return b.inner.GetShareLink(token)
}

func TestUnloadCancelsShareLink(t *testing.T) {
	store := &blockingStore{entered: make(chan struct{}), release: make(chan struct{}), inner: share.NewMemoryStore()}
	s, _ := newTestSession(t, Options{Shares: share.NewService(store, "")})

	ch := s.GenerateShareLink(share.ExpiryHour)
	<-store.entered
	s.Unload()
	close(store.release)

	select {
	case r := <-ch:
		if !errors.Is(r.Err, context.Canceled) {
			t.Errorf("result after unload = %+v, want context.Canceled", r)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no result after unload")
	}

	if _, err := store.GetShareLink(store.token); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("cancelled link still stored: err = %v", err)
	}
	if _, err := share.NewService(store, "").Resolve(store.token); err == nil {
		t.Error("cancelled link still resolves")
	}
}

func TestLoadRunStopsPreviousClock(t *testing.T) {
	s, sched := newTestSession(t, Options{Playback: playback.Config{Speed: playback.SpeedNormal}})
	s.Play()
	if !sched.Active() {
		t.Fatal("clock not started")
	}
	st, _ := s.LoadRun(journey.SampleRun())
	if sched.Active() || st.Status != playback.StatusReady || st.CurrentTimeMs != 0 {
		t.Errorf("after reload: active=%v state=%+v", sched.Active(), st)
	}
}
