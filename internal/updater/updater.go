// Package updater sequences one hot-update pass: negotiate, diff, download,
// install and mount.
package updater

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/surge-downloader/hotupdate/internal/config"
	"github.com/surge-downloader/hotupdate/internal/engine"
	"github.com/surge-downloader/hotupdate/internal/engine/events"
	"github.com/surge-downloader/hotupdate/internal/engine/negotiate"
	"github.com/surge-downloader/hotupdate/internal/engine/orchestrator"
	"github.com/surge-downloader/hotupdate/internal/engine/types"
	"github.com/surge-downloader/hotupdate/internal/engine/verify"
	"github.com/surge-downloader/hotupdate/internal/mount"
	"github.com/surge-downloader/hotupdate/internal/state"
	"github.com/surge-downloader/hotupdate/internal/utils"
)

// LockFileName is created in the package root while a pass holds it
const LockFileName = ".hotupdate.lock"

var (
	ErrPassRunning = errors.New("update pass already running")
	ErrAlreadyDone = errors.New("update pass already done")
	ErrNoPass      = errors.New("no update pass started")
)

// Recorder persists pass history. *state.Store implements it.
type Recorder interface {
	BeginPass(ctx context.Context, p state.Pass) error
	FinishPass(ctx context.Context, p state.Pass) error
	RecordInstalled(ctx context.Context, p state.Package) error
}

// Options configures an Updater
type Options struct {
	Settings *config.Settings
	Client   *http.Client
	// Events receives PhaseMsg, FinishedMsg, MountProgressMsg and the
	// orchestrator's progress messages. The caller must drain it.
	Events   chan<- any
	Mounter  mount.Mounter
	Recorder Recorder
}

// pass is the state of one StartUp call
type pass struct {
	id      string
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{} // Closed when the pass goroutine returns
	settled chan struct{} // Closed once terminal and no fire call is mid-effects
	started time.Time

	// Guarded by Updater.mu
	firing     int
	isSettled  bool
	orch       *orchestrator.Orchestrator
	lock       *flock.Flock
	tornDown   bool
	recorded   bool
	finished   bool
	err        error
	packages   []string
	downloaded []string
}

// Updater drives Transition for one pass at a time
type Updater struct {
	opts     Options
	settings *config.Settings
	runtime  *types.RuntimeConfig
	client   *http.Client

	startMu sync.Mutex // Serializes StartUp

	mu    sync.Mutex
	state State
	pass  *pass
}

// New creates an idle Updater. A nil Settings uses DefaultSettings.
func New(opts Options) *Updater {
	settings := opts.Settings
	if settings == nil {
		settings = config.DefaultSettings()
	}
	runtime := types.ConvertRuntimeConfig(settings.ToRuntimeConfig())
	client := opts.Client
	if client == nil {
		client = engine.NewHTTPClient(runtime)
	}
	return &Updater{
		opts:     opts,
		settings: settings,
		runtime:  runtime,
		client:   client,
	}
}

// State returns the current phase
func (u *Updater) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// PassID returns the id of the latest pass, empty before the first StartUp
func (u *Updater) PassID() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.pass == nil {
		return ""
	}
	return u.pass.id
}

// StartUp launches a pass and returns without waiting for it. With
// General.SkipUpdate set the pass is reported finished immediately.
func (u *Updater) StartUp(ctx context.Context) error {
	u.startMu.Lock()
	defer u.startMu.Unlock()

	u.mu.Lock()
	if u.state != Idle && !u.state.Terminal() {
		u.mu.Unlock()
		return ErrPassRunning
	}
	prev := u.pass
	u.mu.Unlock()

	// A force-skipped pass may still be unwinding
	if prev != nil {
		<-prev.done
		<-prev.settled
	}

	p := newPass(ctx)

	u.mu.Lock()
	u.pass = p
	u.mu.Unlock()

	skip := u.settings.General.SkipUpdate
	utils.Debug("Pass %s starting (skip=%v)", p.id, skip)

	pending := u.fire(p, Start{Skip: skip})
	if len(pending) == 0 {
		p.cancel()
		close(p.done)
		return nil
	}
	go u.run(p, pending)
	return nil
}

// ForceSkip abandons the current pass, if any, and reports it finished.
func (u *Updater) ForceSkip() error {
	u.mu.Lock()
	if u.state == Done {
		u.mu.Unlock()
		return ErrAlreadyDone
	}
	p := u.pass
	if p == nil {
		p = newPass(context.Background())
		close(p.done)
		u.pass = p
	}
	u.mu.Unlock()

	utils.Debug("Pass %s force-skipped", p.id)
	u.fire(p, ForceSkip{})
	return nil
}

// Wait blocks until the latest pass has ended and returns its terminal error.
// Once it returns, the pass publishes nothing more unless a later call starts
// or skips a pass.
func (u *Updater) Wait(ctx context.Context) error {
	u.mu.Lock()
	p := u.pass
	u.mu.Unlock()
	if p == nil {
		return ErrNoPass
	}

	for _, ch := range []chan struct{}{p.done, p.settled} {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.pass != p {
		return nil
	}
	return p.err
}

// Run is StartUp followed by Wait
func (u *Updater) Run(ctx context.Context) error {
	if err := u.StartUp(ctx); err != nil {
		return err
	}
	return u.Wait(ctx)
}

// run performs the blocking effects of a pass in order
func (u *Updater) run(p *pass, pending []Effect) {
	defer close(p.done)
	defer p.cancel()

	for len(pending) > 0 {
		eff := pending[0]
		pending = pending[1:]

		var ev Event
		switch e := eff.(type) {
		case Negotiate:
			ev = u.negotiate(p)
		case Download:
			ev = u.download(p, e.Manifest)
		case Mount:
			ev = u.mount(p, e)
		}
		if ev != nil {
			pending = append(pending, u.fire(p, ev)...)
		}
	}
}

// fire applies ev and performs the immediate effects. Blocking effects are
// returned for the pass goroutine. Events from a superseded pass are dropped.
func (u *Updater) fire(p *pass, ev Event) []Effect {
	u.mu.Lock()
	if u.pass != p {
		u.mu.Unlock()
		return nil
	}
	prev := u.state
	next, effects := Transition(prev, ev)
	u.state = next
	p.firing++
	u.mu.Unlock()
	defer u.settle(p)

	if next == prev && len(effects) == 0 {
		utils.Debug("Pass %s: ignoring %T in %s", p.id, ev, prev)
		return nil
	}
	if next != prev {
		utils.Debug("Pass %s: %s -> %s", p.id, prev, next)
		if next != Error {
			u.publish(p, events.PhaseMsg{PassID: p.id, State: next.String(), Detail: u.detail(next)})
		}
	}

	var pending []Effect
	for _, eff := range effects {
		switch e := eff.(type) {
		case NotifyFinished:
			u.notifyFinished(p, e.Skipped)
		case NotifyError:
			u.notifyError(p, e)
		case CancelPass:
			p.cancel()
		case Teardown:
			u.teardown(p)
		default:
			pending = append(pending, eff)
		}
	}
	return pending
}

// settle closes p.settled when the last in-progress fire of a terminal pass returns
func (u *Updater) settle(p *pass) {
	u.mu.Lock()
	defer u.mu.Unlock()
	p.firing--
	if p.firing == 0 && !p.isSettled && u.pass == p && u.state.Terminal() {
		p.isSettled = true
		close(p.settled)
	}
}

func newPass(parent context.Context) *pass {
	ctx, cancel := context.WithCancel(parent)
	return &pass{
		id:      uuid.NewString(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		settled: make(chan struct{}),
		started: time.Now(),
	}
}

func (u *Updater) detail(s State) string {
	switch s {
	case NegotiatingVersion:
		return u.settings.Server.URL
	case Downloading:
		return fmt.Sprintf("%s/%s", u.settings.Server.Version, u.settings.Server.Platform)
	}
	return ""
}

func (u *Updater) negotiate(p *pass) Event {
	root := u.settings.Paths.PackageRoot
	if err := os.MkdirAll(root, 0o755); err != nil {
		return NegotiationFailed{Err: types.NewError(types.ErrIO, "lock", "", err)}
	}

	lock := flock.New(filepath.Join(root, LockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return NegotiationFailed{Err: types.NewError(types.ErrLocked, "lock", "", err)}
	}
	if !locked {
		return NegotiationFailed{Err: types.NewError(types.ErrLocked, "lock", "",
			fmt.Errorf("%s is held by another update", lock.Path()))}
	}

	u.mu.Lock()
	if p.tornDown {
		u.mu.Unlock()
		_ = lock.Unlock()
		return NegotiationFailed{Err: context.Canceled}
	}
	p.lock = lock
	u.mu.Unlock()

	u.beginRecord(p)

	n := negotiate.New(negotiate.ConfigFromSettings(u.settings), u.client)
	manifest, err := n.Negotiate(p.ctx)
	if err != nil {
		return NegotiationFailed{Err: err}
	}
	return ManifestReceived{Manifest: manifest}
}

func (u *Updater) download(p *pass, manifest types.Manifest) Event {
	pkgs := manifest.Packages()
	verifier := verify.New(u.settings.Paths.PackageRoot)
	n := negotiate.New(negotiate.ConfigFromSettings(u.settings), u.client)

	var stale []types.PackageDescriptor
	for _, pkg := range pkgs {
		if !verifier.Validate(pkg) {
			stale = append(stale, pkg)
		}
	}
	utils.Info("Pass %s: %d of %d packages need downloading", p.id, len(stale), len(pkgs))

	orch := orchestrator.New(orchestrator.Options{
		TempRoot:    u.settings.Paths.TempRoot,
		PackageRoot: u.settings.Paths.PackageRoot,
		Runtime:     u.runtime,
		Client:      u.client,
		Events:      u.opts.Events,
	})
	for _, pkg := range stale {
		if _, err := orch.AddTask(n.DownloadURL(pkg.Name), pkg.Name, pkg.Size); err != nil {
			return DownloadFailed{Err: err}
		}
	}

	u.mu.Lock()
	if p.tornDown {
		u.mu.Unlock()
		return DownloadFailed{Err: context.Canceled}
	}
	p.orch = orch
	u.mu.Unlock()

	result, err := orch.Run(p.ctx)
	if err != nil {
		return DownloadFailed{Err: err}
	}
	if !result.Successful() {
		return DownloadFailed{Err: result.Err()}
	}

	byName := make(map[string]types.PackageDescriptor, len(stale))
	for _, pkg := range stale {
		byName[pkg.Name] = pkg
	}
	var downloaded []string
	for _, inst := range result.Installed {
		downloaded = append(downloaded, inst.Info.FileName)
		u.recordInstalled(p, byName[inst.Info.FileName], inst)
	}
	sort.Strings(downloaded)

	// Every package must hold after install, not only the ones fetched now
	var invalid *multierror.Error
	for _, pkg := range pkgs {
		if err := verifier.Check(pkg); err != nil {
			invalid = multierror.Append(invalid, err)
		}
	}
	if err := invalid.ErrorOrNil(); err != nil {
		return DownloadFailed{Err: err}
	}

	return DownloadSucceeded{Packages: pkgs, Downloaded: downloaded}
}

func (u *Updater) mount(p *pass, m Mount) Event {
	names := make([]string, 0, len(m.Packages))
	for _, pkg := range m.Packages {
		names = append(names, pkg.Name)
	}
	sort.Strings(names)

	u.mu.Lock()
	p.packages = names
	p.downloaded = m.Downloaded
	u.mu.Unlock()

	if u.opts.Mounter == nil {
		return MountSucceeded{}
	}
	err := u.opts.Mounter.Mount(p.ctx, m.Packages, func(name string, fraction float64) {
		u.publish(p, events.MountProgressMsg{Name: name, Progress: fraction})
	})
	if err != nil {
		return MountFailed{Err: err}
	}
	return MountSucceeded{}
}

func (u *Updater) notifyFinished(p *pass, skipped bool) {
	u.mu.Lock()
	alreadyFinished := p.finished
	p.finished = true
	p.err = nil
	packages, downloaded := p.packages, p.downloaded
	u.mu.Unlock()

	elapsed := time.Since(p.started)
	if skipped {
		utils.Info("Pass %s skipped", p.id)
	} else {
		utils.Info("Pass %s done in %s: %d packages, %d downloaded",
			p.id, elapsed.Round(time.Millisecond), len(packages), len(downloaded))
	}

	if !alreadyFinished {
		outcome := state.OutcomeDone
		if skipped {
			outcome = state.OutcomeSkipped
		}
		u.finishRecord(p, outcome, "", len(downloaded))
	}

	u.publish(p, events.FinishedMsg{
		PassID:     p.id,
		Skipped:    skipped,
		Packages:   packages,
		Downloaded: downloaded,
		Elapsed:    elapsed,
	})
}

func (u *Updater) notifyError(p *pass, e NotifyError) {
	u.mu.Lock()
	p.finished = true
	p.err = e.Err
	u.mu.Unlock()

	utils.Error("Pass %s failed while %s: %v", p.id, e.Phase, e.Err)
	u.finishRecord(p, state.OutcomeError, e.Err.Error(), 0)
	u.publish(p, events.PhaseMsg{PassID: p.id, State: Error.String(), Detail: e.Phase.String(), Err: e.Err})
}

// teardown releases everything a pass owns. Safe to call more than once.
func (u *Updater) teardown(p *pass) {
	u.mu.Lock()
	if p.tornDown {
		u.mu.Unlock()
		return
	}
	p.tornDown = true
	orch, lock := p.orch, p.lock
	p.orch, p.lock = nil, nil
	u.mu.Unlock()

	p.cancel()
	if orch != nil {
		orch.Shutdown()
	}
	if lock != nil {
		if err := lock.Unlock(); err != nil {
			utils.Warn("Failed to release %s: %v", lock.Path(), err)
		}
	}
	utils.Debug("Pass %s torn down", p.id)
}

func (u *Updater) beginRecord(p *pass) {
	if u.opts.Recorder == nil {
		return
	}
	err := u.opts.Recorder.BeginPass(context.Background(), state.Pass{
		ID:        p.id,
		Version:   u.settings.Server.Version,
		Platform:  u.settings.Server.Platform,
		StartedAt: p.started,
	})
	if err != nil {
		utils.Warn("Failed to record pass %s: %v", p.id, err)
		return
	}
	u.mu.Lock()
	p.recorded = true
	u.mu.Unlock()
}

func (u *Updater) finishRecord(p *pass, outcome, msg string, packages int) {
	u.mu.Lock()
	recorded := p.recorded
	u.mu.Unlock()
	if u.opts.Recorder == nil || !recorded {
		return
	}
	err := u.opts.Recorder.FinishPass(context.Background(), state.Pass{
		ID:         p.id,
		FinishedAt: time.Now(),
		Outcome:    outcome,
		Error:      msg,
		Packages:   packages,
	})
	if err != nil {
		utils.Warn("Failed to record outcome of pass %s: %v", p.id, err)
	}
}

func (u *Updater) recordInstalled(p *pass, desc types.PackageDescriptor, inst orchestrator.Installed) {
	if u.opts.Recorder == nil {
		return
	}
	err := u.opts.Recorder.RecordInstalled(context.Background(), state.Package{
		Name:        inst.Info.FileName,
		Size:        inst.Info.CurrentSize,
		Hash:        desc.Hash,
		MIME:        inst.MIME,
		PassID:      p.id,
		InstalledAt: time.Now(),
	})
	if err != nil {
		utils.Warn("Failed to record %s: %v", inst.Info.FileName, err)
	}
}

// publish delivers msg, giving up when the consumer stalls
func (u *Updater) publish(p *pass, msg any) {
	if u.opts.Events == nil {
		return
	}
	select {
	case u.opts.Events <- msg:
	case <-time.After(publishTimeout):
		utils.Warn("Pass %s: dropped %T, event consumer is not reading", p.id, msg)
	}
}

const publishTimeout = 5 * time.Second
