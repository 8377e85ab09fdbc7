// Package orchestrator runs the download tasks of one update pass and installs
// finished packages into the package root.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/h2non/filetype"
	"github.com/hashicorp/go-multierror"

	"github.com/surge-downloader/hotupdate/internal/engine"
	"github.com/surge-downloader/hotupdate/internal/engine/events"
	"github.com/surge-downloader/hotupdate/internal/engine/task"
	"github.com/surge-downloader/hotupdate/internal/engine/types"
	"github.com/surge-downloader/hotupdate/internal/utils"
)

var (
	ErrAlreadyStarted = errors.New("orchestrator already started")
	ErrNotStarted     = errors.New("orchestrator not started")
	ErrShutdown       = errors.New("orchestrator shut down")
)

// Options configures an Orchestrator
type Options struct {
	TempRoot    string
	PackageRoot string
	Runtime     *types.RuntimeConfig
	Client      *http.Client
	// Events receives ProgressMsg, FileStartedMsg and FileDoneMsg. May be nil.
	Events chan<- any
	// Clock is used for progress sampling; defaults to time.Now
	Clock func() time.Time
}

// Installed describes a package moved into the package root
type Installed struct {
	Info types.TaskInfo
	Path string
	MIME string
}

// Result is the outcome of a settled pass
type Result struct {
	Installed []Installed
	Failed    []Failure
	Elapsed   time.Duration
}

// Successful reports whether the failed set is empty
func (r *Result) Successful() bool {
	return len(r.Failed) == 0
}

// Err aggregates every failure, nil when the pass succeeded
func (r *Result) Err() error {
	var result *multierror.Error
	for _, f := range r.Failed {
		result = multierror.Append(result, f.Err)
	}
	return result.ErrorOrNil()
}

// Orchestrator owns the tasks of one pass. AddTask must be called before StartUp;
// Wait must be called after StartUp and from a single goroutine.
type Orchestrator struct {
	opts    Options
	client  *http.Client
	taskEvt chan events.TaskEvent

	mu       sync.Mutex
	tasks    map[string]*task.Task
	order    []string
	started  bool
	stopping bool

	passCtx  context.Context
	cancel   context.CancelFunc
	pool     *workerPool
	runners  sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}

	// Owned by the Wait loop after StartUp
	outcome    PassOutcome
	installed  []Installed
	sampler    *sampler
	startTime  time.Time
	bytesTotal int64
}

// New creates an empty orchestrator
func New(opts Options) *Orchestrator {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	client := opts.Client
	if client == nil {
		client = engine.NewHTTPClient(opts.Runtime)
	}
	return &Orchestrator{
		opts:    opts,
		client:  client,
		tasks:   make(map[string]*task.Task),
		stopped: make(chan struct{}),
		outcome: newPassOutcome(),
	}
}

// AddTask queues a download. A task whose derived id is already queued is ignored.
func (o *Orchestrator) AddTask(url, name string, size int64) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.started {
		return "", ErrAlreadyStarted
	}

	tk := task.New(url, o.opts.TempRoot, name, size, task.Options{
		Client:  o.client,
		Runtime: o.opts.Runtime,
	})
	id := tk.ID()
	if _, exists := o.tasks[id]; exists {
		utils.Debug("Skipping duplicate task %s (%s)", tk.Info().FileName, id)
		return id, nil
	}

	o.tasks[id] = tk
	o.order = append(o.order, id)
	return id, nil
}

// Tasks returns the queued tasks' info in insertion order
func (o *Orchestrator) Tasks() []types.TaskInfo {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]types.TaskInfo, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.tasks[id].Info())
	}
	return out
}

// StartUp clears stale artifacts from the temp root and admits every queued task.
func (o *Orchestrator) StartUp(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.stopping {
		return ErrShutdown
	}
	if o.started {
		return ErrAlreadyStarted
	}
	o.started = true

	o.clearTempRoot()
	for _, dir := range []string{o.opts.TempRoot, o.opts.PackageRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return types.NewError(types.ErrIO, "startup", "", err)
		}
	}

	// Room for one start failure per task before Wait begins draining
	o.taskEvt = make(chan events.TaskEvent, types.TaskEventBuffer+len(o.order))
	o.passCtx, o.cancel = context.WithCancel(ctx)
	o.startTime = o.opts.Clock()
	o.sampler = newSampler(o.opts.Runtime.GetSampleInterval(), o.opts.Clock)

	for _, id := range o.order {
		tk := o.tasks[id]
		tk.SetSink(o.taskEvt)
		info := tk.Info()
		o.outcome.Active[id] = info
		o.bytesTotal += info.DeclaredSize
	}

	limit := o.opts.Runtime.GetMaxConcurrentTasks()
	if limit > 0 {
		// Each task can be admitted at most twice (one HEAD retry)
		o.pool = newWorkerPool(o.passCtx, limit, 2*len(o.order))
	}

	utils.Debug("Starting pass with %d tasks, %s total, limit %d",
		len(o.order), utils.ConvertBytesToHumanReadable(o.bytesTotal), limit)

	for _, id := range o.order {
		o.admit(o.tasks[id])
	}
	return nil
}

// admit runs tk on the pool, or in its own goroutine when unbounded.
// Callers hold o.mu.
func (o *Orchestrator) admit(tk *task.Task) {
	if o.stopping {
		return
	}
	if o.pool != nil {
		o.pool.Add(tk)
		return
	}
	o.runners.Add(1)
	go func() {
		defer o.runners.Done()
		if err := tk.Run(o.passCtx); err != nil {
			utils.Debug("%s: %v", tk.Info().FileName, err)
		}
	}()
}

// Wait drains task events until every task has settled and returns the pass result.
func (o *Orchestrator) Wait(ctx context.Context) (*Result, error) {
	o.mu.Lock()
	started := o.started
	o.mu.Unlock()
	if !started {
		return nil, ErrNotStarted
	}

	for !o.outcome.Settled() {
		select {
		case ev := <-o.taskEvt:
			o.apply(reduce(&o.outcome, ev))
		case <-o.stopped:
			return nil, ErrShutdown
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if snap, ok := o.sampler.sample(o.outcome.BytesDone(), o.bytesTotal, true); ok {
		o.publish(events.ProgressMsg{ProgressSnapshot: snap, Elapsed: o.elapsed()})
	}

	result := &Result{
		Installed: o.installed,
		Elapsed:   o.elapsed(),
	}
	for _, f := range o.outcome.Failed {
		result.Failed = append(result.Failed, f)
	}
	sort.Slice(result.Failed, func(i, j int) bool {
		return result.Failed[i].Info.FileName < result.Failed[j].Info.FileName
	})

	utils.Debug("Pass settled: %d installed, %d failed in %s",
		len(result.Installed), len(result.Failed), result.Elapsed.Round(time.Millisecond))
	return result, nil
}

// Run is StartUp followed by Wait
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	if err := o.StartUp(ctx); err != nil {
		return nil, err
	}
	return o.Wait(ctx)
}

// Shutdown stops every task, waits for their goroutines and clears the temp root.
// Safe to call more than once and before StartUp.
func (o *Orchestrator) Shutdown() {
	o.stopOnce.Do(func() {
		o.mu.Lock()
		started := o.started
		o.started = true // No StartUp after Shutdown
		o.stopping = true
		cancel := o.cancel
		pool := o.pool
		tasks := make([]*task.Task, 0, len(o.tasks))
		for _, tk := range o.tasks {
			tasks = append(tasks, tk)
		}
		o.mu.Unlock()

		close(o.stopped)
		if cancel != nil {
			cancel()
		}
		for _, tk := range tasks {
			tk.Stop()
		}
		if pool != nil {
			pool.Wait()
		}
		o.runners.Wait()

		if started {
			o.clearTempRoot()
		}
		utils.Debug("Orchestrator shut down")
	})
}

func (o *Orchestrator) apply(effects []effect) {
	for _, eff := range effects {
		switch eff.kind {
		case effectProgress:
			if snap, ok := o.sampler.sample(o.outcome.BytesDone(), o.bytesTotal, false); ok {
				o.publish(events.ProgressMsg{ProgressSnapshot: snap, Elapsed: o.elapsed()})
			}

		case effectFileStarted:
			o.publish(events.FileStartedMsg{Name: eff.info.FileName, Total: eff.info.TotalSize})

		case effectInstall:
			if err := o.install(eff.info); err != nil {
				o.outcome.markFailed(eff.info, err)
				o.publish(events.FileDoneMsg{Name: eff.info.FileName, Size: eff.info.CurrentSize, Err: err})
				continue
			}
			o.publish(events.FileDoneMsg{Name: eff.info.FileName, Size: eff.info.CurrentSize})

		case effectRetry:
			utils.Warn("%s: HEAD failed (%v), retrying once", eff.info.FileName, eff.err)
			o.mu.Lock()
			o.admit(o.tasks[eff.info.ID])
			o.mu.Unlock()

		case effectFileFailed:
			utils.Error("%s: %v", eff.info.FileName, eff.err)
			o.publish(events.FileDoneMsg{Name: eff.info.FileName, Size: eff.info.CurrentSize, Err: eff.err})
		}
	}
}

// install moves a completed package from the temp root into the package root.
// A missing temp file is logged and does not fail the package.
func (o *Orchestrator) install(info types.TaskInfo) error {
	name := filepath.FromSlash(info.FileName)
	src := filepath.Join(o.opts.TempRoot, name)
	dst := filepath.Join(o.opts.PackageRoot, name)

	if err := engine.MoveFile(src, dst); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			utils.Error("%s: finished file %s is missing, nothing to install", info.FileName, src)
			return nil
		}
		return types.NewError(types.ErrIO, "install", info.FileName, err)
	}

	mime := "application/octet-stream"
	if kind, err := filetype.MatchFile(dst); err == nil && kind != filetype.Unknown {
		mime = kind.MIME.Value
	}
	utils.Debug("Installed %s (%s, %s)", dst, mime, utils.ConvertBytesToHumanReadable(info.CurrentSize))

	o.installed = append(o.installed, Installed{Info: info, Path: dst, MIME: mime})
	return nil
}

// clearTempRoot removes leftover temp files and package files from earlier passes
func (o *Orchestrator) clearTempRoot() {
	CleanTempRoot(o.opts.TempRoot, o.opts.Runtime.GetPackageExtension())
}

// CleanTempRoot deletes every "*.tmp" file and every file with the package
// extension under root and returns how many were removed. A missing root is
// not an error.
func CleanTempRoot(root, ext string) int {
	if root == "" {
		return 0
	}

	removed := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		stale := strings.HasSuffix(name, types.TempSuffix) ||
			(ext != "" && strings.EqualFold(filepath.Ext(name), ext))
		if !stale {
			return nil
		}
		if err := os.Remove(path); err != nil {
			utils.Warn("Failed to remove stale file %s: %v", path, err)
		} else {
			removed++
			utils.Debug("Removed stale file %s", path)
		}
		return nil
	})
	if err != nil {
		utils.Warn("Failed to clear temp root %s: %v", root, err)
	}
	return removed
}

func (o *Orchestrator) elapsed() time.Duration {
	return o.opts.Clock().Sub(o.startTime)
}

// publish forwards an outward event unless the pass was stopped
func (o *Orchestrator) publish(msg any) {
	if o.opts.Events == nil {
		return
	}
	select {
	case o.opts.Events <- msg:
	case <-o.stopped:
	case <-o.passCtx.Done():
	}
}

func (f Failure) String() string {
	return fmt.Sprintf("%s: %v", f.Info.FileName, f.Err)
}
