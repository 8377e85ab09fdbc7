package tui

import (
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/surge-downloader/hotupdate/internal/engine/events"
	"github.com/surge-downloader/hotupdate/internal/utils"
)

// Update handles messages and updates the model
func (m RootModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case events.PhaseMsg:
		m.passID = msg.PassID
		m.phase = msg.State
		m.detail = msg.Detail
		if msg.Err != nil {
			m.err = msg.Err
			return m, tea.Quit
		}
		cmds = append(cmds, listenForActivity(m.events))

	case events.ProgressMsg:
		m.snapshot = msg.ProgressSnapshot
		m.elapsed = msg.Elapsed
		m.speedHistory = append(m.speedHistory, msg.SpeedBps/Megabyte)
		if len(m.speedHistory) > SpeedHistoryLength {
			m.speedHistory = m.speedHistory[len(m.speedHistory)-SpeedHistoryLength:]
		}
		cmds = append(cmds, m.progress.SetPercent(msg.Percent()/100), listenForActivity(m.events))

	case events.FileStartedMsg:
		row, ok := m.index[msg.Name]
		if !ok {
			row = &FileRow{Name: msg.Name}
			m.index[msg.Name] = row
			m.files = append(m.files, row)
		}
		row.Total = msg.Total
		row.Status = FileDownloading
		row.Err = nil
		cmds = append(cmds, listenForActivity(m.events))

	case events.FileDoneMsg:
		row, ok := m.index[msg.Name]
		if !ok {
			row = &FileRow{Name: msg.Name, Total: msg.Size}
			m.index[msg.Name] = row
			m.files = append(m.files, row)
		}
		if msg.Err != nil {
			row.Status = FileFailed
			row.Err = msg.Err
		} else {
			row.Status = FileDone
		}
		cmds = append(cmds, listenForActivity(m.events))

	case events.MountProgressMsg:
		m.mountName = msg.Name
		m.mountProgress = msg.Progress
		cmds = append(cmds, listenForActivity(m.events))

	case events.FinishedMsg:
		m.finished = &msg
		m.passID = msg.PassID
		m.phase = "Done"
		return m, tea.Quit

	case channelClosedMsg:
		return m, tea.Quit

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "s":
			if m.skip == nil || m.Terminal() {
				return m, nil
			}
			skip := m.skip
			return m, func() tea.Msg {
				if err := skip(); err != nil {
					utils.Debug("skip from TUI: %v", err)
				}
				return nil
			}
		}

	case progress.FrameMsg:
		newModel, cmd := m.progress.Update(msg)
		if p, ok := newModel.(progress.Model); ok {
			m.progress = p
		}
		return m, cmd
	}

	return m, tea.Batch(cmds...)
}
