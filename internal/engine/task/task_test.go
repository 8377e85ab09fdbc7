package task

import (
	"context"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surge-downloader/hotupdate/internal/engine/events"
	"github.com/surge-downloader/hotupdate/internal/engine/types"
	"github.com/surge-downloader/hotupdate/internal/testutil"
)

const testChunk = 64 * types.KB

func testRuntime() *types.RuntimeConfig {
	return &types.RuntimeConfig{ChunkSize: testChunk, WorkerBufferSize: 8 * types.KB}
}

func newTestTask(url, tempRoot, name string, size int64) (*Task, chan events.TaskEvent) {
	sink := make(chan events.TaskEvent, 1024)
	tk := New(url, tempRoot, name, size, Options{Runtime: testRuntime(), Sink: sink})
	return tk, sink
}

func drain(ch chan events.TaskEvent) []events.TaskEvent {
	var out []events.TaskEvent
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func waitFor[T events.TaskEvent](t *testing.T, ch chan events.TaskEvent) T {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if typed, ok := ev.(T); ok {
				return typed
			}
		case <-timeout:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func TestTask_DownloadsInRangedChunks(t *testing.T) {
	data := testutil.RandomBytes(150 * types.KB)
	server := testutil.NewMockServerT(t, testutil.WithFile("/1.0/win/a.pak", data))
	tempRoot := t.TempDir()

	tk, sink := newTestTask(server.URL()+"/1.0/win/a.pak", tempRoot, "a.pak", int64(len(data)))
	require.NoError(t, tk.Run(context.Background()))

	assert.Equal(t, Completed, tk.State())
	assert.NoError(t, testutil.VerifyFileContent(filepath.Join(tempRoot, "a.pak"), data))
	assert.False(t, testutil.FileExists(tk.TempPath()), "temp file should be renamed")

	assert.Equal(t, []string{
		"bytes=0-65535",
		"bytes=65536-131071",
		"bytes=131072-153599",
	}, server.Ranges("/1.0/win/a.pak"))

	evs := drain(sink)
	require.GreaterOrEqual(t, len(evs), 3)
	assert.IsType(t, events.HeadRequested{}, evs[0])
	assert.IsType(t, events.HeadReceived{}, evs[1])

	terminals := 0
	var lastDownloaded int64
	for i, ev := range evs {
		if events.IsTerminal(ev) {
			terminals++
			assert.Equal(t, len(evs)-1, i, "terminal event must be last")
		}
		info := ev.Info()
		if info.TotalSize >= 0 {
			assert.LessOrEqual(t, info.CurrentSize, info.TotalSize)
		}
		assert.GreaterOrEqual(t, info.DownloadSize, lastDownloaded, "download size must not go backwards")
		lastDownloaded = info.DownloadSize
	}
	assert.Equal(t, 1, terminals)

	done, ok := evs[len(evs)-1].(events.Completed)
	require.True(t, ok)
	assert.Equal(t, int64(len(data)), done.Task.CurrentSize)
	assert.Equal(t, int64(len(data)), done.Task.TotalSize)
}

func TestTask_EncodesPathSegments(t *testing.T) {
	data := testutil.RandomBytes(1000)
	server := testutil.NewMockServerT(t, testutil.WithFile("/1.0/win/my pak#1.pak", data))

	tk, _ := newTestTask(server.URL()+"/1.0/win/my pak#1.pak", t.TempDir(), "my pak#1.pak", 0)
	require.NoError(t, tk.Run(context.Background()))
	assert.NoError(t, testutil.VerifyFileContent(tk.FinalPath(), data))
}

func TestTask_QuestionMarkInName(t *testing.T) {
	data := testutil.RandomBytes(1000)
	server := testutil.NewMockServerT(t, testutil.WithFile("/1.0/win/a?b.pak", data))

	tk, _ := newTestTask(server.URL()+"/1.0/win/a?b.pak", t.TempDir(), "a?b.pak", 0)
	require.NoError(t, tk.Run(context.Background()))
	assert.NoError(t, testutil.VerifyFileContent(tk.FinalPath(), data))
}

func TestTask_NameDerivedFromURL(t *testing.T) {
	tk := New("http://cdn.example.com/1.0/win/base.pak", t.TempDir(), "", 10, Options{})
	assert.Equal(t, "base.pak", tk.Info().FileName)
	assert.Equal(t, ID("http://cdn.example.com/1.0/win/base.pak", "base.pak"), tk.ID())
}

func TestID(t *testing.T) {
	assert.Equal(t, ID("u", "a"), ID("u", "a"))
	assert.NotEqual(t, ID("u", "a"), ID("u", "b"))
	assert.NotEqual(t, ID("u|a", ""), ID("u", "a|"), "ids are derived from the joined string")
}

func TestTask_InvalidTask(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		fileName string
	}{
		{"empty url", "", "a.pak"},
		{"no name in url", "http://cdn.example.com/", ""},
		{"escaping name", "http://cdn.example.com/a.pak", "../a.pak"},
		{"absolute name", "http://cdn.example.com/a.pak", "/etc/a.pak"},
		{"relative url", "cdn/a.pak", "a.pak"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk, sink := newTestTask(tt.url, t.TempDir(), tt.fileName, 0)

			err := tk.Start(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, types.ErrInvalidTask)
			assert.Equal(t, Failed, tk.State())

			evs := drain(sink)
			require.Len(t, evs, 1)
			failed, ok := evs[0].(events.Failed)
			require.True(t, ok)
			assert.Equal(t, PhaseStart, failed.Phase)
			assert.ErrorIs(t, failed.Err, types.ErrInvalidTask)
		})
	}
}

func TestTask_HeadFailure(t *testing.T) {
	server := testutil.NewMockServerT(t)
	tempRoot := t.TempDir()

	tk, sink := newTestTask(server.URL()+"/missing.pak", tempRoot, "missing.pak", 10)
	err := tk.Run(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrNetwork)
	assert.Equal(t, Failed, tk.State())
	assert.False(t, testutil.FileExists(tk.TempPath()), "no temp file before HEAD succeeds")

	evs := drain(sink)
	require.Len(t, evs, 2)
	assert.IsType(t, events.HeadRequested{}, evs[0])
	failed := evs[1].(events.Failed)
	assert.Equal(t, PhaseHead, failed.Phase)
	assert.Equal(t, int64(-1), failed.Task.TotalSize)
}

func TestTask_ChunkFailure(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", "4096")
			w.WriteHeader(http.StatusOK)
			return
		}
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	server := testutil.NewHTTPServerT(t, handler)
	defer server.Close()

	tk, sink := newTestTask(server.URL+"/a.pak", t.TempDir(), "a.pak", 4096)
	err := tk.Run(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrNetwork)
	assert.Contains(t, err.Error(), "500")

	evs := drain(sink)
	failed := evs[len(evs)-1].(events.Failed)
	assert.Equal(t, PhaseChunk, failed.Phase)
	assert.Equal(t, int64(4096), failed.Task.TotalSize)
	assert.Equal(t, int64(0), failed.Task.CurrentSize)
}

func TestTask_RangeIgnoredOnFirstWindow(t *testing.T) {
	small := testutil.RandomBytes(10 * types.KB)
	large := testutil.RandomBytes(100 * types.KB)
	server := testutil.NewMockServerT(t,
		testutil.WithIgnoreRange(),
		testutil.WithFile("/small.pak", small),
		testutil.WithFile("/large.pak", large),
	)

	t.Run("single window succeeds", func(t *testing.T) {
		tk, _ := newTestTask(server.URL()+"/small.pak", t.TempDir(), "small.pak", 0)
		require.NoError(t, tk.Run(context.Background()))
		assert.NoError(t, testutil.VerifyFileContent(tk.FinalPath(), small))
	})

	t.Run("later window fails", func(t *testing.T) {
		tk, _ := newTestTask(server.URL()+"/large.pak", t.TempDir(), "large.pak", 0)
		err := tk.Run(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, types.ErrNetwork)
		assert.Equal(t, int64(testChunk), tk.Info().CurrentSize)
	})
}

func TestTask_ShortBodyResumesAtNextWindow(t *testing.T) {
	data := testutil.RandomBytes(100 * types.KB)
	server := testutil.NewMockServerT(t,
		testutil.WithFile("/a.pak", data),
		testutil.WithFailAfterBytes(40*types.KB),
	)

	tk, _ := newTestTask(server.URL()+"/a.pak", t.TempDir(), "a.pak", int64(len(data)))
	require.NoError(t, tk.Run(context.Background()))
	assert.NoError(t, testutil.VerifyFileContent(tk.FinalPath(), data))

	ranges := server.Ranges("/a.pak")
	require.NotEmpty(t, ranges)
	assert.Equal(t, "bytes=0-65535", ranges[0])
	assert.Equal(t, "bytes=40960-102399", ranges[1])
}

func TestTask_StallAfterPartialBodyFails(t *testing.T) {
	var gets atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		gets.Add(1)
		w.Header().Set("Content-Range", "bytes 0-99/100")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(make([]byte, 10))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	server := testutil.NewHTTPServerT(t, handler)

	sink := make(chan events.TaskEvent, 1024)
	runtime := testRuntime()
	runtime.ChunkTimeout = 200 * time.Millisecond
	tk := New(server.URL+"/a.pak", t.TempDir(), "a.pak", 100, Options{Runtime: runtime, Sink: sink})

	err := tk.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrNetwork)
	assert.Equal(t, int32(1), gets.Load(), "a timed-out window is not resumed")
	assert.NoFileExists(t, tk.FinalPath())

	evs := drain(sink)
	failed, ok := evs[len(evs)-1].(events.Failed)
	require.True(t, ok)
	assert.Equal(t, PhaseChunk, failed.Phase)
}

func TestTask_ExistingFinalFileIsKept(t *testing.T) {
	data := testutil.RandomBytes(2000)
	server := testutil.NewMockServerT(t, testutil.WithFile("/a.pak", data))
	tempRoot := t.TempDir()
	_, err := testutil.WriteFile(tempRoot, "a.pak", []byte("0123456789"))
	require.NoError(t, err)

	tk, sink := newTestTask(server.URL()+"/a.pak", tempRoot, "a.pak", int64(len(data)))
	require.NoError(t, tk.Run(context.Background()))

	info := tk.Info()
	assert.Equal(t, int64(10), info.CurrentSize)
	assert.Equal(t, int64(10), info.TotalSize)
	assert.False(t, testutil.FileExists(tk.TempPath()))

	evs := drain(sink)
	assert.IsType(t, events.Completed{}, evs[len(evs)-1])
}

func TestTask_NestedNameCreatesDirectories(t *testing.T) {
	data := testutil.RandomBytes(500)
	server := testutil.NewMockServerT(t, testutil.WithFile("/dlc/a.pak", data))
	tempRoot := t.TempDir()

	tk, _ := newTestTask(server.URL()+"/dlc/a.pak", tempRoot, "dlc/a.pak", 500)
	require.NoError(t, tk.Run(context.Background()))
	assert.NoError(t, testutil.VerifyFileContent(filepath.Join(tempRoot, "dlc", "a.pak"), data))
}

func TestTask_RestartAfterFailureTruncates(t *testing.T) {
	data := testutil.RandomBytes(3000)
	server := testutil.NewMockServerT(t, testutil.WithFile("/a.pak", data))
	server.FailHead("/a.pak", 1)
	tempRoot := t.TempDir()

	// Stale bytes from an earlier attempt must not survive
	_, err := testutil.WriteFile(tempRoot, "a.pak"+types.TempSuffix, testutil.RandomBytes(5000))
	require.NoError(t, err)

	tk, _ := newTestTask(server.URL()+"/a.pak", tempRoot, "a.pak", 3000)
	require.ErrorIs(t, tk.Run(context.Background()), types.ErrNetwork)

	require.NoError(t, tk.Run(context.Background()))
	assert.Equal(t, Completed, tk.State())
	assert.NoError(t, testutil.VerifyFileContent(tk.FinalPath(), data))
}

func TestTask_StartIsNoopWhileRunning(t *testing.T) {
	data := testutil.RandomBytes(256 * types.KB)
	server := testutil.NewMockServerT(t,
		testutil.WithFile("/a.pak", data),
		testutil.WithByteLatency(20*time.Millisecond),
	)

	tk, sink := newTestTask(server.URL()+"/a.pak", t.TempDir(), "a.pak", int64(len(data)))
	require.NoError(t, tk.Start(context.Background()))
	require.NoError(t, tk.Start(context.Background()))

	waitFor[events.Completed](t, sink)
	assert.Equal(t, int64(1), server.Stats().HeadRequests)

	// Completed tasks ignore Start as well
	require.NoError(t, tk.Start(context.Background()))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), server.Stats().HeadRequests)
	assert.Empty(t, drain(sink))
}

func TestTask_StopDetachesAndIsIdempotent(t *testing.T) {
	data := testutil.RandomBytes(512 * types.KB)
	server := testutil.NewMockServerT(t,
		testutil.WithFile("/a.pak", data),
		testutil.WithByteLatency(50*time.Millisecond),
	)

	tk, sink := newTestTask(server.URL()+"/a.pak", t.TempDir(), "a.pak", int64(len(data)))
	require.NoError(t, tk.Start(context.Background()))
	waitFor[events.HeadReceived](t, sink)

	tk.Stop()
	tk.Stop()
	assert.Equal(t, Stopped, tk.State())

	drain(sink)
	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, drain(sink), "no events after Stop")
	assert.False(t, testutil.FileExists(tk.FinalPath()))

	// A stopped task cannot be restarted
	require.NoError(t, tk.Start(context.Background()))
	assert.Equal(t, Stopped, tk.State())
}

func TestTask_StopBeforeStart(t *testing.T) {
	tk, sink := newTestTask("http://127.0.0.1:1/a.pak", t.TempDir(), "a.pak", 1)
	tk.Stop()
	require.NoError(t, tk.Run(context.Background()))
	assert.Empty(t, drain(sink))
}

func TestTask_ContextCancel(t *testing.T) {
	data := testutil.RandomBytes(512 * types.KB)
	server := testutil.NewMockServerT(t,
		testutil.WithFile("/a.pak", data),
		testutil.WithByteLatency(50*time.Millisecond),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	tk, _ := newTestTask(server.URL()+"/a.pak", t.TempDir(), "a.pak", int64(len(data)))
	err := tk.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrNetwork)
	assert.Equal(t, Failed, tk.State())
	assert.False(t, testutil.FileExists(tk.FinalPath()))
}

func TestTask_ZeroLengthFile(t *testing.T) {
	server := testutil.NewMockServerT(t, testutil.WithFile("/empty.pak", []byte{}))

	tk, _ := newTestTask(server.URL()+"/empty.pak", t.TempDir(), "empty.pak", 0)
	require.NoError(t, tk.Run(context.Background()))

	assert.NoError(t, testutil.VerifyFileSize(tk.FinalPath(), 0))
	assert.Empty(t, server.Ranges("/empty.pak"))
}

func TestTask_ReportInFlightDropsOvershoot(t *testing.T) {
	tk, sink := newTestTask("http://example.com/a.pak", t.TempDir(), "a.pak", 100)
	tk.info.TotalSize = 100

	tk.reportInFlight(context.Background(), 90, 20)
	assert.Empty(t, drain(sink))

	tk.reportInFlight(context.Background(), 50, 10)
	evs := drain(sink)
	require.Len(t, evs, 1)
	assert.Equal(t, int64(60), evs[0].Info().DownloadSize)

	// Throttled within the progress interval
	tk.reportInFlight(context.Background(), 50, 20)
	assert.Empty(t, drain(sink))
}

func TestState_String(t *testing.T) {
	for s := Pending; s <= Stopped; s++ {
		assert.NotContains(t, s.String(), "state(")
	}
	assert.Equal(t, "state(42)", State(42).String())
}
