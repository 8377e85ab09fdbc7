package updater

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surge-downloader/hotupdate/internal/config"
	"github.com/surge-downloader/hotupdate/internal/engine/events"
	"github.com/surge-downloader/hotupdate/internal/engine/types"
	"github.com/surge-downloader/hotupdate/internal/engine/verify"
	"github.com/surge-downloader/hotupdate/internal/mount"
	"github.com/surge-downloader/hotupdate/internal/state"
	"github.com/surge-downloader/hotupdate/internal/testutil"
)

type harness struct {
	t        *testing.T
	server   *testutil.MockServer
	settings *config.Settings
	events   chan any
	files    map[string][]byte
	manifest types.Manifest
}

func newHarness(t *testing.T, sizes map[string]int, opts ...testutil.MockServerOption) *harness {
	t.Helper()
	root := t.TempDir()

	h := &harness{
		t:        t,
		events:   make(chan any, 4096),
		files:    make(map[string][]byte),
		manifest: types.Manifest{},
	}
	for name, size := range sizes {
		data := testutil.RandomBytes(size)
		h.files[name] = data
		opts = append(opts, testutil.WithFile("/1.0/win/"+name, data))
		h.manifest["base"] = append(h.manifest["base"], types.PackageDescriptor{
			Name: name, Size: int64(size), Hash: testutil.MD5Hex(data),
		})
	}
	h.server = testutil.NewMockServerT(t, opts...)
	h.server.SetManifest(h.manifest)

	s := config.DefaultSettings()
	s.Server.URL = h.server.URL()
	s.Server.Version = "1.0"
	s.Server.Platform = "win"
	s.Server.Timeout = 2 * time.Second
	s.Server.MaxAttempts = 2
	s.Paths.PackageRoot = filepath.Join(root, "Paks")
	s.Paths.TempRoot = filepath.Join(root, "Paks", "Temp")
	s.Paths.StateDir = root
	s.Network.ChunkSize = 32 * types.KB
	s.Network.WorkerBufferSize = 8 * types.KB
	s.Network.MaxConcurrentTasks = 0
	s.General.SampleInterval = 10 * time.Millisecond
	h.settings = s
	return h
}

func (h *harness) updater(opts Options) *Updater {
	opts.Settings = h.settings
	opts.Events = h.events
	return New(opts)
}

// preinstall writes a valid copy of name into the package root
func (h *harness) preinstall(name string) {
	_, err := testutil.WriteFile(h.settings.Paths.PackageRoot, name, h.files[name])
	require.NoError(h.t, err)
}

func (h *harness) drain() []any {
	var out []any
	for {
		select {
		case ev := <-h.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func phases(evs []any) []string {
	var out []string
	for _, ev := range evs {
		if m, ok := ev.(events.PhaseMsg); ok {
			out = append(out, m.State)
		}
	}
	return out
}

func finished(evs []any) []events.FinishedMsg {
	var out []events.FinishedMsg
	for _, ev := range evs {
		if m, ok := ev.(events.FinishedMsg); ok {
			out = append(out, m)
		}
	}
	return out
}

func assertLockFree(t *testing.T, root string) {
	t.Helper()
	lock := flock.New(filepath.Join(root, LockFileName))
	locked, err := lock.TryLock()
	require.NoError(t, err)
	assert.True(t, locked, "pass lock should be released")
	_ = lock.Unlock()
}

func TestUpdater_DownloadsOnlyStalePackages(t *testing.T) {
	h := newHarness(t, map[string]int{"a.pak": 40 * types.KB, "b.pak": 70 * types.KB, "c.pak": 10 * types.KB})
	h.preinstall("b.pak")

	u := h.updater(Options{})
	require.NoError(t, u.Run(context.Background()))
	assert.Equal(t, Done, u.State())

	assert.Equal(t, int64(2), h.server.Stats().HeadRequests, "only invalid packages are downloaded")
	assert.Empty(t, h.server.Ranges("/1.0/win/b.pak"))

	v := verify.New(h.settings.Paths.PackageRoot)
	for _, pkg := range h.manifest.Packages() {
		assert.True(t, v.Validate(pkg), "%s should be valid after the pass", pkg.Name)
	}

	evs := h.drain()
	assert.Equal(t, []string{"NegotiatingVersion", "Downloading", "Mounting", "Done"}, phases(evs))

	fin := finished(evs)
	require.Len(t, fin, 1)
	assert.False(t, fin[0].Skipped)
	assert.Equal(t, u.PassID(), fin[0].PassID)
	assert.Equal(t, []string{"a.pak", "b.pak", "c.pak"}, fin[0].Packages)
	assert.Equal(t, []string{"a.pak", "c.pak"}, fin[0].Downloaded)

	assertLockFree(t, h.settings.Paths.PackageRoot)
}

func TestUpdater_NegotiationRequestCarriesIdentity(t *testing.T) {
	h := newHarness(t, map[string]int{"a.pak": 1024})
	require.NoError(t, h.updater(Options{}).Run(context.Background()))

	body, header := h.server.LastManifestRequest()
	assert.JSONEq(t, `{"version":"1.0","platform":"win"}`, string(body))
	assert.Equal(t, "application/json; charset=utf-8", header.Get("Content-Type"))
}

func TestUpdater_NothingStaleStillMounts(t *testing.T) {
	h := newHarness(t, map[string]int{"a.pak": 1024, "b.pak": 2048})
	h.preinstall("a.pak")
	h.preinstall("b.pak")

	reg := mount.NewRegistry()
	u := h.updater(Options{Mounter: mount.NewVerifyingMounter(h.settings.Paths.PackageRoot, ".pak", reg)})
	require.NoError(t, u.Run(context.Background()))

	assert.Zero(t, h.server.Stats().HeadRequests)
	assert.Equal(t, []string{"a.pak", "b.pak"}, reg.Mounted())

	fin := finished(h.drain())
	require.Len(t, fin, 1)
	assert.Empty(t, fin[0].Downloaded)
}

func TestUpdater_SkipSettingBypassesPass(t *testing.T) {
	h := newHarness(t, map[string]int{"a.pak": 1024})
	h.settings.General.SkipUpdate = true

	u := h.updater(Options{})
	require.NoError(t, u.Run(context.Background()))
	assert.Equal(t, Done, u.State())
	assert.Zero(t, h.server.Stats().ManifestRequests)

	fin := finished(h.drain())
	require.Len(t, fin, 1)
	assert.True(t, fin[0].Skipped)
}

func TestUpdater_ForceSkipBeforeNegotiation(t *testing.T) {
	h := newHarness(t, map[string]int{"a.pak": 1024})
	u := h.updater(Options{})

	require.NoError(t, u.ForceSkip())
	assert.Equal(t, Done, u.State())
	require.NoError(t, u.Wait(context.Background()))

	evs := h.drain()
	fin := finished(evs)
	require.Len(t, fin, 1)
	assert.True(t, fin[0].Skipped)
	assert.Empty(t, fin[0].Packages)
	assert.Empty(t, fin[0].Downloaded)
	assert.Equal(t, []string{"Done"}, phases(evs))

	assert.Zero(t, h.server.Stats().TotalRequests, "nothing is negotiated or downloaded")
	assert.ErrorIs(t, u.ForceSkip(), ErrAlreadyDone)
}

func TestUpdater_ForceSkipDuringDownload(t *testing.T) {
	h := newHarness(t, map[string]int{"big.pak": 1 * types.MB}, testutil.WithByteLatency(50*time.Millisecond))
	u := h.updater(Options{})
	require.NoError(t, u.StartUp(context.Background()))

	var seen []any
	deadline := time.After(5 * time.Second)
wait:
	for {
		select {
		case ev := <-h.events:
			seen = append(seen, ev)
			if _, ok := ev.(events.FileStartedMsg); ok {
				break wait
			}
		case <-deadline:
			t.Fatal("download never started")
		}
	}
	assert.Equal(t, Downloading, u.State())

	require.NoError(t, u.ForceSkip())
	require.NoError(t, u.Wait(context.Background()))
	assert.Equal(t, Done, u.State())

	seen = append(seen, h.drain()...)
	fin := finished(seen)
	require.Len(t, fin, 1)
	assert.True(t, fin[0].Skipped)
	assert.NotContains(t, phases(seen), "Error")

	assertLockFree(t, h.settings.Paths.PackageRoot)
	assert.False(t, testutil.FileExists(filepath.Join(h.settings.Paths.TempRoot, "big.pak.tmp")),
		"teardown clears the temp root")
}

func TestUpdater_WaitCoversConcurrentForceSkip(t *testing.T) {
	h := newHarness(t, map[string]int{"big.pak": 1 * types.MB}, testutil.WithByteLatency(50*time.Millisecond))

	evCh := make(chan any)
	u := New(Options{Settings: h.settings, Events: evCh})

	var mu sync.Mutex
	var order []string
	note := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	started := make(chan struct{})
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		var once sync.Once
		for ev := range evCh {
			switch m := ev.(type) {
			case events.FileStartedMsg:
				once.Do(func() { close(started) })
			case events.PhaseMsg:
				if m.State == Done.String() {
					// A slow consumer holds up the skip's remaining effects
					time.Sleep(200 * time.Millisecond)
				}
			case events.FinishedMsg:
				note("finished")
			}
		}
	}()

	require.NoError(t, u.StartUp(context.Background()))
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("download never started")
	}

	skipped := make(chan error, 1)
	go func() { skipped <- u.ForceSkip() }()

	require.NoError(t, u.Wait(context.Background()))
	note("wait")
	close(evCh)
	<-consumed

	require.NoError(t, <-skipped)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"finished", "wait"}, order)
	assertLockFree(t, h.settings.Paths.PackageRoot)
}

func TestUpdater_StartUpWhilePassRunning(t *testing.T) {
	h := newHarness(t, map[string]int{"a.pak": 1024})
	h.server.SetManifestDelay(500 * time.Millisecond)

	u := h.updater(Options{})
	require.NoError(t, u.StartUp(context.Background()))
	assert.ErrorIs(t, u.StartUp(context.Background()), ErrPassRunning)

	require.NoError(t, u.ForceSkip())
	require.NoError(t, u.Wait(context.Background()))
}

func TestUpdater_NegotiationFailure(t *testing.T) {
	tests := []struct {
		name  string
		setup func(m *testutil.MockServer)
		kind  error
	}{
		{"not found", func(m *testutil.MockServer) { m.SetManifestStatus(http.StatusNotFound) }, types.ErrNetwork},
		{"malformed", func(m *testutil.MockServer) { m.SetManifestRaw("<html>") }, types.ErrProtocol},
		{"busy", func(m *testutil.MockServer) {
			m.FailManifest(testutil.ManifestFailure{Status: 503}, testutil.ManifestFailure{Status: 503})
		}, types.ErrTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, map[string]int{"a.pak": 1024})
			tt.setup(h.server)

			u := h.updater(Options{})
			err := u.Run(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.kind)
			assert.Equal(t, Error, u.State())

			evs := h.drain()
			assert.Empty(t, finished(evs))

			var errorMsgs []events.PhaseMsg
			for _, ev := range evs {
				if m, ok := ev.(events.PhaseMsg); ok && m.State == "Error" {
					errorMsgs = append(errorMsgs, m)
				}
			}
			require.Len(t, errorMsgs, 1, "a failed pass reports exactly one error")
			assert.Equal(t, "NegotiatingVersion", errorMsgs[0].Detail)
			assert.Error(t, errorMsgs[0].Err)

			assert.Zero(t, h.server.Stats().HeadRequests)
			assertLockFree(t, h.settings.Paths.PackageRoot)
		})
	}
}

func TestUpdater_DownloadFailureKeepsSiblings(t *testing.T) {
	h := newHarness(t, map[string]int{"good.pak": 50 * types.KB, "bad.pak": 50 * types.KB})
	h.server.SetGetStatus("/1.0/win/bad.pak", http.StatusNotFound)

	u := h.updater(Options{})
	err := u.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrNetwork)
	assert.Contains(t, err.Error(), "bad.pak")
	assert.Equal(t, Error, u.State())

	v := verify.New(h.settings.Paths.PackageRoot)
	for _, pkg := range h.manifest.Packages() {
		assert.Equal(t, pkg.Name == "good.pak", v.Validate(pkg), pkg.Name)
	}
	assert.Empty(t, finished(h.drain()))
}

func TestUpdater_CorruptDownloadFailsVerification(t *testing.T) {
	h := newHarness(t, map[string]int{"a.pak": 4 * types.KB})
	h.manifest["base"][0].Hash = strings.Repeat("0", 32)
	h.server.SetManifest(h.manifest)

	u := h.updater(Options{})
	err := u.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrIntegrity)
	assert.Equal(t, Error, u.State())
}

func TestUpdater_MountFailure(t *testing.T) {
	h := newHarness(t, map[string]int{"a.pak": 1024})
	rejected := errors.New("content system rejected package")
	loader := mount.LoaderFunc(func(context.Context, string, types.PackageDescriptor) error { return rejected })

	u := h.updater(Options{Mounter: mount.NewVerifyingMounter(h.settings.Paths.PackageRoot, ".pak", loader)})
	err := u.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrMount)
	assert.ErrorIs(t, err, rejected)
	assert.Equal(t, Error, u.State())
}

func TestUpdater_MountProgressReported(t *testing.T) {
	h := newHarness(t, map[string]int{"a.pak": 1024, "b.pak": 1024})
	reg := mount.NewRegistry()

	u := h.updater(Options{Mounter: mount.NewVerifyingMounter(h.settings.Paths.PackageRoot, ".pak", reg)})
	require.NoError(t, u.Run(context.Background()))
	assert.Equal(t, []string{"a.pak", "b.pak"}, reg.Mounted())

	var fractions []float64
	for _, ev := range h.drain() {
		if m, ok := ev.(events.MountProgressMsg); ok {
			fractions = append(fractions, m.Progress)
		}
	}
	assert.Equal(t, []float64{0.5, 1}, fractions)
}

func TestUpdater_LockedPackageRoot(t *testing.T) {
	h := newHarness(t, map[string]int{"a.pak": 1024})
	require.NoError(t, os.MkdirAll(h.settings.Paths.PackageRoot, 0o755))

	held := flock.New(filepath.Join(h.settings.Paths.PackageRoot, LockFileName))
	locked, err := held.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer func() { _ = held.Unlock() }()

	u := h.updater(Options{})
	err = u.Run(context.Background())
	assert.ErrorIs(t, err, types.ErrLocked)
	assert.Zero(t, h.server.Stats().ManifestRequests)
}

func TestUpdater_RestartAfterError(t *testing.T) {
	h := newHarness(t, map[string]int{"a.pak": 1024})
	h.server.SetManifestStatus(http.StatusInternalServerError)

	u := h.updater(Options{})
	require.Error(t, u.Run(context.Background()))
	assert.Equal(t, Error, u.State())
	first := u.PassID()

	h.server.SetManifestStatus(http.StatusOK)
	require.NoError(t, u.Run(context.Background()))
	assert.Equal(t, Done, u.State())
	assert.NotEqual(t, first, u.PassID())
}

func TestUpdater_RecordsLedger(t *testing.T) {
	h := newHarness(t, map[string]int{"a.pak": 8 * types.KB, "b.pak": 8 * types.KB})
	h.preinstall("a.pak")

	store, err := state.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	u := h.updater(Options{Recorder: store})
	require.NoError(t, u.Run(context.Background()))

	ctx := context.Background()
	passes, err := store.ListPasses(ctx, 0)
	require.NoError(t, err)
	require.Len(t, passes, 1)
	assert.Equal(t, u.PassID(), passes[0].ID)
	assert.Equal(t, state.OutcomeDone, passes[0].Outcome)
	assert.Equal(t, "1.0", passes[0].Version)
	assert.Equal(t, "win", passes[0].Platform)
	assert.Equal(t, 1, passes[0].Packages)

	installed, err := store.Installed(ctx)
	require.NoError(t, err)
	require.Len(t, installed, 1)
	assert.Equal(t, "b.pak", installed[0].Name)
	assert.Equal(t, int64(8*types.KB), installed[0].Size)
	assert.Equal(t, testutil.MD5Hex(h.files["b.pak"]), installed[0].Hash)
	assert.Equal(t, u.PassID(), installed[0].PassID)

	h.server.SetManifestStatus(http.StatusBadGateway)
	require.Error(t, u.Run(ctx))

	passes, err = store.ListPasses(ctx, 0)
	require.NoError(t, err)
	require.Len(t, passes, 2)
	assert.Equal(t, state.OutcomeError, passes[0].Outcome)
	assert.Contains(t, passes[0].Error, "network error")
}

func TestUpdater_WaitWithoutPass(t *testing.T) {
	u := New(Options{Settings: config.DefaultSettings()})
	assert.ErrorIs(t, u.Wait(context.Background()), ErrNoPass)
	assert.Equal(t, Idle, u.State())
	assert.Empty(t, u.PassID())
}
