package events

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/surge-downloader/hotupdate/internal/engine/types"
)

// =============================================================================
// Per-task events (DownloadTask -> DownloadOrchestrator)
// =============================================================================

// TaskEvent is emitted by a DownloadTask. Per task the order is strict:
// HeadRequested, HeadReceived, then ChunkStarted/Progress, then exactly one
// Completed or Failed.
type TaskEvent interface {
	TaskID() string
	Info() types.TaskInfo
}

// HeadRequested is sent when the HEAD request is issued
type HeadRequested struct{ Task types.TaskInfo }

// HeadReceived is sent once the total size is known and the temp file is open
type HeadReceived struct{ Task types.TaskInfo }

// ChunkStarted is sent before each ranged GET
type ChunkStarted struct {
	Task       types.TaskInfo
	RangeStart int64
	RangeEnd   int64
}

// Progress reports committed and in-flight bytes
type Progress struct{ Task types.TaskInfo }

// Completed is terminal: the package sits at its final name in the temp root
type Completed struct{ Task types.TaskInfo }

// Failed is terminal
type Failed struct {
	Task types.TaskInfo
	Err  error
	// Phase is the task phase that failed ("head", "chunk", "finalize", "start")
	Phase string
}

func (e HeadRequested) TaskID() string { return e.Task.ID }
func (e HeadReceived) TaskID() string  { return e.Task.ID }
func (e ChunkStarted) TaskID() string  { return e.Task.ID }
func (e Progress) TaskID() string      { return e.Task.ID }
func (e Completed) TaskID() string     { return e.Task.ID }
func (e Failed) TaskID() string        { return e.Task.ID }

func (e HeadRequested) Info() types.TaskInfo { return e.Task }
func (e HeadReceived) Info() types.TaskInfo  { return e.Task }
func (e ChunkStarted) Info() types.TaskInfo  { return e.Task }
func (e Progress) Info() types.TaskInfo      { return e.Task }
func (e Completed) Info() types.TaskInfo     { return e.Task }
func (e Failed) Info() types.TaskInfo        { return e.Task }

// IsTerminal reports whether ev ends a task's event stream
func IsTerminal(ev TaskEvent) bool {
	switch ev.(type) {
	case Completed, Failed:
		return true
	}
	return false
}

// =============================================================================
// Outward events (core -> caller / UI)
// =============================================================================

// PhaseMsg reports a state change of the update state machine
type PhaseMsg struct {
	PassID string
	State  string
	Detail string
	Err    error
}

func (m PhaseMsg) MarshalJSON() ([]byte, error) {
	type encoded struct {
		PassID string `json:"PassID"`
		State  string `json:"State"`
		Detail string `json:"Detail,omitempty"`
		Err    string `json:"Err,omitempty"`
	}

	out := encoded{
		PassID: m.PassID,
		State:  m.State,
		Detail: m.Detail,
	}
	if m.Err != nil {
		out.Err = m.Err.Error()
	}

	return json.Marshal(out)
}

func (m *PhaseMsg) UnmarshalJSON(data []byte) error {
	var aux struct {
		PassID string          `json:"PassID"`
		State  string          `json:"State"`
		Detail string          `json:"Detail"`
		Err    json.RawMessage `json:"Err"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	m.PassID = aux.PassID
	m.State = aux.State
	m.Detail = aux.Detail
	m.Err = nil

	if len(aux.Err) == 0 {
		return nil
	}

	var errStr string
	if err := json.Unmarshal(aux.Err, &errStr); err == nil {
		if errStr != "" {
			m.Err = errors.New(errStr)
		}
		return nil
	}

	// Accept non-string payloads (e.g. {}).
	raw := string(aux.Err)
	if raw != "" && raw != "null" {
		m.Err = errors.New(raw)
	}
	return nil
}

// ProgressMsg is an aggregated progress snapshot of a download pass
type ProgressMsg struct {
	types.ProgressSnapshot
	Elapsed time.Duration
}

// FileStartedMsg signals that a package began its chunk downloads
type FileStartedMsg struct {
	Name  string
	Total int64
}

// FileDoneMsg signals that a package finished, successfully or not
type FileDoneMsg struct {
	Name string
	Size int64
	Err  error
}

// MountProgressMsg reports mount progress as a fraction in (0,1]
type MountProgressMsg struct {
	Name     string
	Progress float64
}

// FinishedMsg is the terminal "finished" notification of a successful or skipped pass
type FinishedMsg struct {
	PassID     string
	Skipped    bool
	Packages   []string // Files now present in the package root
	Downloaded []string // Subset fetched during this pass
	Elapsed    time.Duration
}
