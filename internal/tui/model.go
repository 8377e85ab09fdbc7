// Package tui renders an update pass in the terminal.
package tui

import (
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/surge-downloader/hotupdate/internal/engine/events"
	"github.com/surge-downloader/hotupdate/internal/engine/types"
)

// FileStatus is the display state of one package
type FileStatus int

const (
	FileDownloading FileStatus = iota
	FileDone
	FileFailed
)

// FileRow is one package line
type FileRow struct {
	Name   string
	Total  int64
	Status FileStatus
	Err    error
}

// RootModel follows the outward events of one update pass
type RootModel struct {
	events <-chan any
	skip   func() error

	width  int
	height int

	passID   string
	phase    string
	detail   string
	err      error
	finished *events.FinishedMsg
	quitting bool

	snapshot     types.ProgressSnapshot
	elapsed      time.Duration
	speedHistory []float64
	progress     progress.Model

	files []*FileRow
	index map[string]*FileRow

	mountName     string
	mountProgress float64
}

// channelClosedMsg is delivered once the event channel is closed
type channelClosedMsg struct{}

// NewRootModel reads pass events from ch. skip, when set, is bound to the "s" key.
func NewRootModel(ch <-chan any, skip func() error) RootModel {
	return RootModel{
		events:   ch,
		skip:     skip,
		phase:    "Idle",
		progress: progress.New(progress.WithDefaultGradient(), progress.WithWidth(ProgressBarWidth)),
		index:    make(map[string]*FileRow),
	}
}

func (m RootModel) Init() tea.Cmd {
	return listenForActivity(m.events)
}

func listenForActivity(sub <-chan any) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-sub
		if !ok {
			return channelClosedMsg{}
		}
		return msg
	}
}

// Err returns the pass error once the model saw one
func (m RootModel) Err() error {
	return m.err
}

// Finished returns the finished notification, nil until the pass is done
func (m RootModel) Finished() *events.FinishedMsg {
	return m.finished
}

// Terminal reports whether the pass reached Done or Error
func (m RootModel) Terminal() bool {
	return m.finished != nil || m.err != nil
}
