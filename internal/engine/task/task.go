// Package task downloads one package file over HTTP in fixed-size byte ranges.
package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/surge-downloader/hotupdate/internal/engine"
	"github.com/surge-downloader/hotupdate/internal/engine/events"
	"github.com/surge-downloader/hotupdate/internal/engine/types"
	"github.com/surge-downloader/hotupdate/internal/utils"
)

// State is the lifecycle state of a Task
type State int

const (
	Pending State = iota
	AwaitingHead
	Downloading
	Completed
	Failed
	Stopped
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case AwaitingHead:
		return "awaiting-head"
	case Downloading:
		return "downloading"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Phase names carried by events.Failed
const (
	PhaseStart    = "start"
	PhaseHead     = "head"
	PhaseChunk    = "chunk"
	PhaseFinalize = "finalize"
)

// Options configures a Task
type Options struct {
	Client  *http.Client
	Runtime *types.RuntimeConfig
	Sink    chan<- events.TaskEvent
}

// Task downloads URL into <tempRoot>/<name>.tmp and renames it to <tempRoot>/<name>.
// At most one request is in flight per task.
type Task struct {
	tempRoot string
	client   *http.Client
	runtime  *types.RuntimeConfig

	mu     sync.Mutex
	info   types.TaskInfo
	state  State
	cancel context.CancelFunc
	file   *os.File

	sendMu sync.Mutex // Held while delivering; Stop takes it to detach the sink
	sink   chan<- events.TaskEvent

	lastProgress time.Time // Touched only by the running goroutine
}

// ID derives the stable task id for a url/name pair
func ID(url, name string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(url+"|"+name)).String()
}

// New creates a pending task. An empty name is taken from the last URL path segment.
func New(url, tempRoot, name string, declaredSize int64, opts Options) *Task {
	if name == "" {
		name = utils.FileNameFromURL(url)
	}
	client := opts.Client
	if client == nil {
		client = engine.NewHTTPClient(opts.Runtime)
	}
	return &Task{
		tempRoot: tempRoot,
		client:   client,
		runtime:  opts.Runtime,
		sink:     opts.Sink,
		info: types.TaskInfo{
			ID:           ID(url, name),
			FileName:     name,
			URL:          url,
			DeclaredSize: declaredSize,
			TotalSize:    -1,
		},
	}
}

// ID returns the task id
func (t *Task) ID() string {
	return t.info.ID
}

// Info returns a copy of the task's observable state
func (t *Task) Info() types.TaskInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.info
}

// State returns the current lifecycle state
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetSink binds the event channel. Ignored once the task has been stopped.
func (t *Task) SetSink(sink chan<- events.TaskEvent) {
	if t.State() == Stopped {
		return
	}
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	t.sink = sink
}

// TempPath returns the path of the in-progress file
func (t *Task) TempPath() string {
	return t.FinalPath() + types.TempSuffix
}

// FinalPath returns where the finished file sits in the temp root
func (t *Task) FinalPath() string {
	return filepath.Join(t.tempRoot, filepath.FromSlash(t.info.FileName))
}

// Start launches the download in a new goroutine and returns immediately.
// Invalid tasks report ErrInvalidTask both here and as a Failed event.
// Calling Start on a running or completed task does nothing.
func (t *Task) Start(ctx context.Context) error {
	runCtx, cancel, err := t.begin(ctx)
	if err != nil || runCtx == nil {
		return err
	}
	go func() {
		defer cancel()
		_ = t.download(runCtx)
	}()
	return nil
}

// Run downloads synchronously and returns the terminal error, nil on success.
func (t *Task) Run(ctx context.Context) error {
	runCtx, cancel, err := t.begin(ctx)
	if err != nil || runCtx == nil {
		return err
	}
	defer cancel()
	return t.download(runCtx)
}

// Stop cancels the in-flight request, closes the temp file and detaches the sink.
// Safe to call in any state, any number of times.
func (t *Task) Stop() {
	t.mu.Lock()
	if t.state == Stopped {
		t.mu.Unlock()
		return
	}
	t.state = Stopped
	if t.cancel != nil {
		t.cancel()
	}
	if t.file != nil {
		_ = t.file.Close()
		t.file = nil
	}
	t.mu.Unlock()

	// A blocked send returns via the cancelled context before the lock is free
	t.sendMu.Lock()
	t.sink = nil
	t.sendMu.Unlock()
}

func (t *Task) validate() error {
	name := t.info.FileName
	switch {
	case name == "":
		return errors.New("empty file name")
	case t.info.URL == "":
		return errors.New("empty url")
	case t.tempRoot == "":
		return errors.New("empty temp root")
	case !filepath.IsLocal(filepath.FromSlash(name)):
		return fmt.Errorf("file name %q escapes the temp root", name)
	}
	if _, err := utils.EncodeURLPath(t.info.URL); err != nil {
		return err
	}
	return nil
}

// begin moves the task into AwaitingHead and returns the run context with its
// cancel func. The context is nil when the task is already running, completed
// or stopped.
func (t *Task) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	t.mu.Lock()
	switch t.state {
	case AwaitingHead, Downloading, Completed, Stopped:
		t.mu.Unlock()
		return nil, nil, nil
	}

	if err := t.validate(); err != nil {
		t.state = Failed
		t.mu.Unlock()
		taskErr := types.NewError(types.ErrInvalidTask, PhaseStart, t.info.FileName, err)
		t.emit(ctx, events.Failed{Task: t.Info(), Err: taskErr, Phase: PhaseStart})
		return nil, nil, taskErr
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.state = AwaitingHead
	t.info.CurrentSize = 0
	t.info.DownloadSize = 0
	t.info.TotalSize = -1
	t.mu.Unlock()
	return runCtx, cancel, nil
}

func (t *Task) download(ctx context.Context) error {
	name := t.info.FileName
	encoded, _ := utils.EncodeURLPath(t.info.URL) // validated in begin

	t.emit(ctx, events.HeadRequested{Task: t.Info()})

	headCtx, cancel := context.WithTimeout(ctx, t.runtime.GetProbeTimeout())
	probe, err := engine.ProbeHead(headCtx, t.client, encoded, t.runtime.GetUserAgent())
	cancel()
	if err != nil {
		return t.fail(ctx, PhaseHead, types.ErrNetwork, err)
	}
	if probe.FileSize < 0 {
		return t.fail(ctx, PhaseHead, types.ErrNetwork, errors.New("server did not report Content-Length"))
	}
	if t.info.DeclaredSize > 0 && probe.FileSize != t.info.DeclaredSize {
		utils.Warn("%s: server size %d differs from declared size %d", name, probe.FileSize, t.info.DeclaredSize)
	}

	tempPath := t.TempPath()
	if err := os.MkdirAll(filepath.Dir(tempPath), 0o755); err != nil {
		return t.fail(ctx, PhaseHead, types.ErrIO, err)
	}
	// No resume across passes: always start from an empty file
	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return t.fail(ctx, PhaseHead, types.ErrIO, err)
	}

	t.mu.Lock()
	if t.state == Stopped {
		t.mu.Unlock()
		_ = f.Close()
		return context.Canceled
	}
	t.file = f
	t.state = Downloading
	t.info.TotalSize = probe.FileSize
	t.mu.Unlock()

	utils.Debug("%s: HEAD ok, %s to fetch", name, utils.ConvertBytesToHumanReadable(probe.FileSize))
	t.emit(ctx, events.HeadReceived{Task: t.Info()})

	buf := make([]byte, t.runtime.GetWorkerBufferSize())
	chunk := t.runtime.GetChunkSize()
	total := probe.FileSize

	for {
		start := t.Info().CurrentSize
		if start >= total {
			break
		}
		end := min(start+chunk-1, total-1)

		t.emit(ctx, events.ChunkStarted{Task: t.Info(), RangeStart: start, RangeEnd: end})

		n, err := t.fetchChunk(ctx, f, encoded, start, end, buf)
		if err != nil {
			return err
		}

		t.mu.Lock()
		t.info.CurrentSize += n
		t.info.DownloadSize = t.info.CurrentSize
		t.mu.Unlock()
		t.emit(ctx, events.Progress{Task: t.Info()})
	}

	return t.finalize(ctx)
}

// fetchChunk performs one ranged GET and writes the body at offset start.
// It returns the number of bytes committed.
func (t *Task) fetchChunk(ctx context.Context, f *os.File, encoded string, start, end int64, buf []byte) (int64, error) {
	chunkCtx, cancel := context.WithTimeout(ctx, t.runtime.GetChunkTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(chunkCtx, http.MethodGet, encoded, nil)
	if err != nil {
		return 0, t.fail(ctx, PhaseChunk, types.ErrNetwork, err)
	}
	req.Header.Set("User-Agent", t.runtime.GetUserAgent())
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, t.fail(ctx, PhaseChunk, types.ErrNetwork, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusPartialContent:
	case resp.StatusCode == http.StatusOK && start == 0:
		// Server ignored Range; only the first window is read from the body
		utils.Debug("%s: server ignored Range, reading first window from full body", t.info.FileName)
	default:
		return 0, t.fail(ctx, PhaseChunk, types.ErrNetwork,
			&engine.StatusError{Method: http.MethodGet, URL: encoded, StatusCode: resp.StatusCode})
	}

	want := end - start + 1
	var received int64
	for received < want {
		readSize := min(int64(len(buf)), want-received)
		n, readErr := resp.Body.Read(buf[:readSize])
		if n > 0 {
			if _, err := f.WriteAt(buf[:n], start+received); err != nil {
				return 0, t.fail(ctx, PhaseChunk, types.ErrIO, fmt.Errorf("write error: %w", err))
			}
			received += int64(n)
			t.reportInFlight(ctx, start, received)
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			// A body that ended early keeps what arrived and the next window
			// resumes from there. Deadlines and resets fail the task.
			if errors.Is(readErr, io.ErrUnexpectedEOF) && received > 0 && ctx.Err() == nil {
				utils.Debug("%s: chunk %d-%d cut short after %d bytes", t.info.FileName, start, end, received)
				break
			}
			return 0, t.fail(ctx, PhaseChunk, types.ErrNetwork, readErr)
		}
	}

	if received == 0 {
		return 0, t.fail(ctx, PhaseChunk, types.ErrNetwork, fmt.Errorf("empty body for range %d-%d", start, end))
	}
	return received, nil
}

// reportInFlight emits a throttled sub-chunk Progress event
func (t *Task) reportInFlight(ctx context.Context, committed, received int64) {
	t.mu.Lock()
	total := t.info.TotalSize
	t.mu.Unlock()

	if committed+received > total {
		utils.Debug("%s: dropping progress %d beyond total %d", t.info.FileName, committed+received, total)
		return
	}

	now := time.Now()
	if now.Sub(t.lastProgress) < types.ProgressInterval {
		return
	}
	t.lastProgress = now

	t.mu.Lock()
	t.info.DownloadSize = committed + received
	t.mu.Unlock()
	t.emit(ctx, events.Progress{Task: t.Info()})
}

func (t *Task) finalize(ctx context.Context) error {
	t.mu.Lock()
	f := t.file
	t.file = nil
	t.mu.Unlock()
	if f != nil {
		if err := f.Close(); err != nil {
			return t.fail(ctx, PhaseFinalize, types.ErrIO, err)
		}
	}

	finalPath := t.FinalPath()
	tempPath := t.TempPath()

	info, err := os.Stat(finalPath)
	switch {
	case err == nil:
		// A file of that name is already in the temp root; trust what is on disk
		utils.Debug("%s: %s already exists, keeping it", t.info.FileName, finalPath)
		_ = os.Remove(tempPath)
		t.mu.Lock()
		t.info.CurrentSize = info.Size()
		t.info.DownloadSize = info.Size()
		t.info.TotalSize = info.Size()
		t.mu.Unlock()
	case os.IsNotExist(err):
		if err := os.Rename(tempPath, finalPath); err != nil {
			return t.fail(ctx, PhaseFinalize, types.ErrIO, err)
		}
	default:
		return t.fail(ctx, PhaseFinalize, types.ErrIO, err)
	}

	t.mu.Lock()
	if t.state != Stopped {
		t.state = Completed
	}
	t.mu.Unlock()

	utils.Debug("%s: completed (%s)", t.info.FileName, utils.ConvertBytesToHumanReadable(t.Info().CurrentSize))
	t.emit(ctx, events.Completed{Task: t.Info()})
	return nil
}

// fail marks the task failed, releases the file and emits the terminal event
func (t *Task) fail(ctx context.Context, phase string, kind error, cause error) error {
	taskErr := types.NewError(kind, phase, t.info.FileName, cause)

	t.mu.Lock()
	stopped := t.state == Stopped
	if !stopped {
		t.state = Failed
	}
	if t.file != nil {
		_ = t.file.Close()
		t.file = nil
	}
	t.mu.Unlock()

	if stopped {
		return taskErr
	}

	utils.Debug("%s: %v", t.info.FileName, taskErr)
	t.emit(ctx, events.Failed{Task: t.Info(), Err: taskErr, Phase: phase})
	return taskErr
}

// emit delivers ev unless the task is detached or ctx is done
func (t *Task) emit(ctx context.Context, ev events.TaskEvent) {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	if t.sink == nil {
		return
	}
	select {
	case t.sink <- ev:
	case <-ctx.Done():
	}
}
