package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/kalambet/jreplay/internal/diff"
	"github.com/kalambet/jreplay/internal/journey"
	"github.com/kalambet/jreplay/internal/playback"
	"github.com/kalambet/jreplay/internal/timeline"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	statusPlaying   = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusPaused    = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusCompleted = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))

	stepFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	stepDone    = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	stepSkipped = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	slowStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))

	addedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	removedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	changedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))

	paneStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(0, 1)
)

const progressWidth = 40

func (m *Model) View() string {
	st := m.session.State()
	var b strings.Builder

	title := "jreplay"
	if run := m.session.Run(); run != nil {
		title = run.Name
		if title == "" {
			title = run.JourneyID + " / " + run.ID
		}
	}
	b.WriteString(titleStyle.Render(title) + "  " + formatStatus(st.Status) + "\n\n")

	loop := "off"
	if st.Config.LoopEnabled {
		loop = "on"
	}
	fmt.Fprintf(&b, "%s %s / %s  speed %s  loop %s  event %d/%d\n\n",
		buildProgressBar(st.Progress, progressWidth),
		formatMs(st.CurrentTimeMs), formatMs(st.TotalDurationMs),
		st.Config.Speed, loop, st.CurrentEventIndex, st.TotalEvents)

	for _, it := range m.items {
		line := fmt.Sprintf("%-3d %s %-28s %-10s %8s %s",
			it.Index+1, stepIcon(it.Status), truncate(it.Name, 28), truncate(it.Type, 10),
			formatMs(it.DurationMs), itemMarks(it))
		if it.ID == st.SelectedStepID {
			line = selectedStyle.Render("▶ " + line)
		} else {
			line = "  " + line
		}
		b.WriteString(line + "\n")
	}

	if m.showDiff {
		header := "Context diff"
		if m.diffStepID != "" {
			header += " · " + m.diffStepID
		}
		b.WriteString("\n" + paneStyle.Render(titleStyle.Render(header)+"\n"+m.diffView.View()) + "\n")
	}

	b.WriteString("\n")
	if m.searching {
		b.WriteString(m.input.View() + "\n")
	} else if m.message != "" {
		b.WriteString(dimStyle.Render(m.message) + "\n")
	}
	if st.Error != "" {
		b.WriteString(errorStyle.Render(st.Error) + "\n")
	}
	b.WriteString(helpStyle.Render(m.help.ShortHelpView(m.keys.ShortHelp())))
	return b.String()
}

func formatStatus(s playback.Status) string {
	switch s {
	case playback.StatusPlaying:
		return statusPlaying.Render("● playing")
	case playback.StatusPaused:
		return statusPaused.Render("❚❚ paused")
	case playback.StatusCompleted:
		return statusCompleted.Render("✓ completed")
	case playback.StatusError:
		return errorStyle.Render("✗ error")
	}
	return dimStyle.Render(string(s))
}

func stepIcon(s journey.StepStatus) string {
	switch s {
	case journey.StatusCompleted:
		return stepDone.Render("✓")
	case journey.StatusFailed:
		return stepFailed.Render("✗")
	case journey.StatusSkipped:
		return stepSkipped.Render("-")
	case journey.StatusRunning:
		return statusPaused.Render("●")
	}
	return "○"
}

func itemMarks(it timeline.Item) string {
	var marks []string
	if it.IsAI {
		marks = append(marks, "AI")
	}
	if it.IsDecision {
		marks = append(marks, "DECISION")
	}
	if it.HasFallback {
		marks = append(marks, "FALLBACK")
	}
	if it.HasError {
		marks = append(marks, stepFailed.Render("ERROR"))
	}
	if it.IsBottleneck {
		marks = append(marks, slowStyle.Render("SLOW"))
	}
	if len(it.Anomalies) > 0 {
		marks = append(marks, errorStyle.Render("!"))
	}
	return strings.Join(marks, " ")
}

func renderDiff(d diff.StepContextDiff) string {
	if d.TotalChanges == 0 {
		return dimStyle.Render("no changes")
	}
	lines := []string{dimStyle.Render(diff.Summary(d))}
	for _, c := range d.Changes {
		switch c.Operation {
		case diff.OpAdded:
			lines = append(lines, addedStyle.Render(fmt.Sprintf("+ %s = %s", c.Path, c.NewValue)))
		case diff.OpRemoved:
			lines = append(lines, removedStyle.Render(fmt.Sprintf("- %s = %s", c.Path, c.OldValue)))
		case diff.OpChanged:
			lines = append(lines, changedStyle.Render(fmt.Sprintf("~ %s: %s → %s", c.Path, c.OldValue, c.NewValue)))
		}
	}
	return strings.Join(lines, "\n")
}

func buildProgressBar(percent float64, width int) string {
	filled := int(percent / 100 * float64(width))
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

func formatMs(ms int64) string {
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	if ms < 60_000 {
		return fmt.Sprintf("%.1fs", float64(ms)/1000)
	}
	return fmt.Sprintf("%dm%02ds", ms/60_000, (ms/1000)%60)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
