package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"pii-ledger/internal/ledger"
	"pii-ledger/internal/pipeline"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62")).
			Underline(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")).
			Width(12)

	countStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39"))
)

func row(label string, value any, style lipgloss.Style) string {
	return labelStyle.Render(label) + style.Render(fmt.Sprint(value))
}

func countStyleFor(n int64) lipgloss.Style {
	if n > 0 {
		return warningStyle
	}
	return countStyle
}

func renderProgress(p pipeline.Progress) string {
	return infoStyle.Render(fmt.Sprintf("pass %d", p.Pass)) + " " +
		fmt.Sprintf("batches=%d done=%s failed=%s skipped=%d remaining=%d",
			p.Batches, countStyle.Render(fmt.Sprint(p.Done)),
			countStyleFor(p.Failed).Render(fmt.Sprint(p.Failed)), p.Skipped, p.Remaining)
}

func renderSummary(s pipeline.Summary) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Run "+s.RunID) + "\n")
	for _, r := range []string{
		row("scanned", s.Scanned, countStyle),
		row("seeded", s.Seeded, countStyle),
		row("reclaimed", s.Reclaimed, countStyle),
		row("passes", s.Passes, countStyle),
		row("batches", s.Batches, countStyle),
		row("done", s.Done, countStyle),
		row("failed", s.Failed, countStyleFor(s.Failed)),
		row("terminal", s.Terminal, countStyleFor(s.Terminal)),
		row("skipped", s.Skipped, countStyle),
		row("duration", s.Duration.Round(time.Millisecond), infoStyle),
	} {
		b.WriteString(r + "\n")
	}
	if s.Canceled {
		b.WriteString(warningStyle.Render("interrupted: run again to resume") + "\n")
	}
	return b.String()
}

func renderStats(s ledger.Stats) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Ledger") + "\n")
	for _, r := range []string{
		row("pending", s.Pending, countStyle),
		row("in progress", s.InProgress, countStyle),
		row("done", s.Done, countStyle),
		row("failed", s.Failed, countStyleFor(int64(s.Failed))),
		row("terminal", s.Terminal, countStyleFor(int64(s.Terminal))),
		row("total", s.Total(), countStyle),
	} {
		b.WriteString(r + "\n")
	}
	return b.String()
}
