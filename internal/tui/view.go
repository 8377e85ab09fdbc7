package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/surge-downloader/hotupdate/internal/utils"
)

func (m RootModel) View() string {
	var sections []string

	// --- Header ---
	title := TitleStyle.Render("hotupdate")
	phase := PhaseStyle.Render(m.phase)
	switch {
	case m.err != nil:
		phase = ErrorStyle.Render("Error")
	case m.finished != nil:
		phase = DoneStyle.Render("Done")
	}
	header := lipgloss.JoinHorizontal(lipgloss.Center, title, "  ", phase)
	if m.detail != "" {
		header = lipgloss.JoinHorizontal(lipgloss.Center, header, StatsStyle.Render(m.detail))
	}
	sections = append(sections, header)

	// --- Overall progress ---
	if m.snapshot.BytesTotal > 0 || len(m.files) > 0 {
		stats := fmt.Sprintf("%s / %s  %s  %s",
			utils.ConvertBytesToHumanReadable(m.snapshot.BytesDone),
			utils.ConvertBytesToHumanReadable(m.snapshot.BytesTotal),
			speedOrDash(m.snapshot.Speed),
			m.elapsed.Round(time.Second))
		sections = append(sections,
			m.progress.ViewAs(m.snapshot.Percent()/100),
			StatsStyle.Render(stats))

		if len(m.speedHistory) > 1 {
			maxSpeed := 0.0
			for _, v := range m.speedHistory {
				maxSpeed = max(maxSpeed, v)
			}
			sections = append(sections,
				speedGraph(m.speedHistory, m.graphWidth(), GraphHeight, maxSpeed, ColorPrimary))
		}
	}

	// --- Files ---
	if len(m.files) > 0 {
		sections = append(sections, PanelStyle.Render(m.renderFiles()))
	}

	// --- Mount ---
	if m.mountName != "" {
		sections = append(sections, StatsStyle.Render(
			fmt.Sprintf("Mounting %s (%.0f%%)", m.mountName, m.mountProgress*100)))
	}

	// --- Footer ---
	switch {
	case m.err != nil:
		sections = append(sections, ErrorStyle.Render(m.err.Error()))
	case m.finished != nil:
		sections = append(sections, DoneStyle.Render(FinishedSummary(m.finished.Skipped,
			len(m.finished.Packages), len(m.finished.Downloaded))))
	default:
		sections = append(sections, HelpStyle.Render("s skip update • q quit"))
	}

	return AppStyle.Render(lipgloss.JoinVertical(lipgloss.Left, sections...))
}

func (m RootModel) renderFiles() string {
	visible := m.files
	hidden := 0
	if len(visible) > MaxVisibleFiles {
		hidden = len(visible) - MaxVisibleFiles
		visible = visible[hidden:]
	}

	lines := make([]string, 0, len(visible)+1)
	if hidden > 0 {
		lines = append(lines, HelpStyle.Render(fmt.Sprintf("… %d more", hidden)))
	}
	for _, f := range visible {
		size := utils.ConvertBytesToHumanReadable(f.Total)
		switch f.Status {
		case FileDone:
			lines = append(lines, ItemStyle.Render(fmt.Sprintf("✔ %s  %s", f.Name, size)))
		case FileFailed:
			lines = append(lines, FailedItemStyle.Render(fmt.Sprintf("✘ %s  %v", f.Name, f.Err)))
		default:
			lines = append(lines, PendingItemStyle.Render(fmt.Sprintf("↓ %s  %s", f.Name, size)))
		}
	}
	return strings.Join(lines, "\n")
}

func (m RootModel) graphWidth() int {
	w := m.width - 6
	if w < MinWidth {
		return MinWidth
	}
	return w
}

func speedOrDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// FinishedSummary formats the one-line result of a finished pass
func FinishedSummary(skipped bool, packages, downloaded int) string {
	if skipped {
		return "Update skipped"
	}
	return fmt.Sprintf("Up to date: %d packages, %d downloaded", packages, downloaded)
}
