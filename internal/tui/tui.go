// Package tui is the terminal replay viewer. The bubbletea frame timer is the
// playback clock: every frame advances the session's manual scheduler by the
// wall time since the previous frame.
package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/kalambet/jreplay/internal/playback"
	"github.com/kalambet/jreplay/internal/replay"
	"github.com/kalambet/jreplay/internal/timeline"
)

// DefaultFrame is the frame interval when none is configured.
const DefaultFrame = 50 * time.Millisecond

type tickMsg time.Time

type searchDoneMsg struct {
	search *timeline.Search
	err    error
}

// Model is the viewer. The session must have been created with clock as its
// scheduler, otherwise playback runs on its own timer and frames only
// repaint.
type Model struct {
	session  *replay.Session
	clock    *playback.ManualScheduler
	frame    time.Duration
	lastTick time.Time

	items []timeline.Item
	keys  keyMap
	help  help.Model

	input     textinput.Model
	searching bool
	search    *timeline.Search

	showDiff   bool
	diffStepID string
	diffView   viewport.Model

	message string
	width   int
	height  int
}

func New(session *replay.Session, clock *playback.ManualScheduler, frame time.Duration) *Model {
	if frame <= 0 {
		frame = DefaultFrame
	}
	input := textinput.New()
	input.Prompt = "/"
	input.Placeholder = "search steps"
	input.CharLimit = 120

	return &Model{
		session:  session,
		clock:    clock,
		frame:    frame,
		keys:     defaultKeyMap(),
		help:     help.New(),
		input:    input,
		diffView: viewport.New(80, 8),
		width:    80,
	}
}

func (m *Model) Init() tea.Cmd {
	items, err := m.session.GetTimelineItems(timeline.Filters{})
	if err != nil {
		m.message = err.Error()
	}
	m.items = items
	return m.tickCmd()
}

func (m *Model) tickCmd() tea.Cmd {
	return tea.Tick(m.frame, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		var cmd tea.Cmd
		if m.searching {
			cmd = m.handleSearchKey(msg)
		} else {
			cmd = m.handleKey(msg)
		}
		m.syncDiff()
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.diffView.Width = msg.Width - 4
		m.help.Width = msg.Width
		return m, nil

	case tickMsg:
		m.advance(time.Time(msg))
		m.syncDiff()
		return m, m.tickCmd()

	case searchDoneMsg:
		m.applySearch(msg)
		m.syncDiff()
		return m, nil
	}
	return m, nil
}

// advance feeds the wall time since the previous frame to a running clock.
func (m *Model) advance(now time.Time) {
	elapsed := m.frame
	if !m.lastTick.IsZero() {
		elapsed = now.Sub(m.lastTick)
	}
	m.lastTick = now
	if m.clock != nil && m.clock.Active() {
		m.clock.Advance(float64(elapsed) / float64(time.Millisecond))
	}
}

func (m *Model) handleKey(msg tea.KeyMsg) tea.Cmd {
	s := m.session
	switch {
	case key.Matches(msg, m.keys.Quit):
		return tea.Quit
	case key.Matches(msg, m.keys.PlayPause):
		if s.State().Status == playback.StatusPlaying {
			s.Pause()
		} else {
			s.Play()
		}
	case key.Matches(msg, m.keys.Back):
		s.StepBackward()
	case key.Matches(msg, m.keys.Forward):
		s.StepForward()
	case key.Matches(msg, m.keys.Slower):
		s.SetSpeed(s.State().Config.Speed.Slower())
	case key.Matches(msg, m.keys.Faster):
		s.SetSpeed(s.State().Config.Speed.Faster())
	case key.Matches(msg, m.keys.Loop):
		s.ToggleLoop()
	case key.Matches(msg, m.keys.Reset):
		s.Reset()
		m.message = ""
	case key.Matches(msg, m.keys.Search):
		m.searching = true
		m.input.Reset()
		return m.input.Focus()
	case key.Matches(msg, m.keys.NextMatch):
		m.cycle(s.SearchNext)
	case key.Matches(msg, m.keys.PrevMatch):
		m.cycle(s.SearchPrev)
	case key.Matches(msg, m.keys.Diff):
		m.showDiff = !m.showDiff
		m.diffStepID = ""
	}
	return nil
}

func (m *Model) handleSearchKey(msg tea.KeyMsg) tea.Cmd {
	switch msg.Type {
	case tea.KeyEnter:
		m.searching = false
		m.input.Blur()
		return m.runSearch(m.input.Value())
	case tea.KeyEsc:
		m.searching = false
		m.input.Blur()
		return nil
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return cmd
}

// runSearch matches off the update loop; the result arrives as a
// searchDoneMsg.
func (m *Model) runSearch(query string) tea.Cmd {
	s := m.session
	return func() tea.Msg {
		search, err := s.Search(query)
		return searchDoneMsg{search: search, err: err}
	}
}

func (m *Model) applySearch(msg searchDoneMsg) {
	if msg.err != nil {
		m.message = msg.err.Error()
		return
	}
	m.search = msg.search
	it, ok := msg.search.Current()
	if !ok {
		m.message = fmt.Sprintf("no matches for %q", msg.search.Query)
		return
	}
	m.session.SeekToStep(it.ID)
	m.message = m.matchMessage(it)
}

func (m *Model) cycle(move func() (timeline.Item, bool)) {
	it, ok := move()
	if !ok {
		m.message = "no active search"
		return
	}
	m.message = m.matchMessage(it)
}

func (m *Model) matchMessage(it timeline.Item) string {
	return fmt.Sprintf("match %d/%d: %s", m.search.Cursor()+1, m.search.Len(), it.Name)
}

// syncDiff re-renders the diff pane when the selected step changed.
func (m *Model) syncDiff() {
	if !m.showDiff {
		return
	}
	id := m.session.State().SelectedStepID
	if id == m.diffStepID && id != "" {
		return
	}
	m.diffStepID = id
	if id == "" {
		m.diffView.SetContent(dimStyle.Render("no step selected"))
		return
	}
	d, err := m.session.GetStepDiff(id)
	if err != nil {
		m.diffView.SetContent(errorStyle.Render(err.Error()))
		return
	}
	m.diffView.SetContent(renderDiff(d))
	m.diffView.GotoTop()
}
