// Package testutil provides testing utilities for the hot-update pipeline.
package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// MockServer is a configurable HTTP test server that serves package files
// (HEAD + ranged GET) and answers manifest negotiation (POST).
type MockServer struct {
	Server *httptest.Server

	// Configuration
	Latency        time.Duration // Artificial latency per request
	ByteLatency    time.Duration // Latency per 32KB block (simulates slow connection)
	FailAfterBytes int64         // Abort GET bodies after this many bytes (0 = no fail)
	IgnoreRange    bool          // Answer ranged GETs with 200 and the whole file

	// Tracking
	RequestCount     atomic.Int64
	HeadRequests     atomic.Int64
	RangeRequests    atomic.Int64
	FullRequests     atomic.Int64
	ManifestRequests atomic.Int64
	FailedRequests   atomic.Int64
	BytesServed      atomic.Int64
	ActiveRequests   atomic.Int64
	MaxActive        atomic.Int64

	mu            sync.Mutex
	files         map[string][]byte
	status        map[string]int // Forced status for every request to a path
	getStatus     map[string]int // Forced status for GET requests only
	headFailures  map[string]int // Remaining HEAD requests answered with 500
	ranges        map[string][]string
	manifest      any
	manifestCode  int
	manifestRaw   []byte
	manifestFails []ManifestFailure
	lastBody      []byte
	lastHeader    http.Header
	manifestDelay time.Duration
}

// ManifestFailure describes one scripted failure of the manifest endpoint.
type ManifestFailure struct {
	Status     int
	RetryAfter string
	Delay      time.Duration // Sleep before answering (simulates timeouts)
}

// MockServerOption is a function that configures a MockServer.
type MockServerOption func(*MockServer)

// WithLatency sets per-request latency.
func WithLatency(d time.Duration) MockServerOption {
	return func(m *MockServer) {
		m.Latency = d
	}
}

// WithByteLatency sets latency per written block.
func WithByteLatency(d time.Duration) MockServerOption {
	return func(m *MockServer) {
		m.ByteLatency = d
	}
}

// WithFailAfterBytes makes every GET body stop after n bytes.
func WithFailAfterBytes(n int64) MockServerOption {
	return func(m *MockServer) {
		m.FailAfterBytes = n
	}
}

// WithIgnoreRange makes the server answer ranged GETs with the full file.
func WithIgnoreRange() MockServerOption {
	return func(m *MockServer) {
		m.IgnoreRange = true
	}
}

// WithFile registers data under the request path p (e.g. "/1.0/win/a.pak").
func WithFile(p string, data []byte) MockServerOption {
	return func(m *MockServer) {
		m.files[p] = data
	}
}

func newMockServer(opts []MockServerOption) *MockServer {
	m := &MockServer{
		files:        make(map[string][]byte),
		status:       make(map[string]int),
		getStatus:    make(map[string]int),
		headFailures: make(map[string]int),
		ranges:       make(map[string][]string),
		manifestCode: http.StatusOK,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewMockServer creates a new mock HTTP server with the given options.
func NewMockServer(opts ...MockServerOption) *MockServer {
	m := newMockServer(opts)
	m.Server = NewHTTPServer(http.HandlerFunc(m.handleRequest))
	return m
}

// NewMockServerT creates a new mock HTTP server and skips the test if binding fails.
// The server is closed when the test ends.
func NewMockServerT(t *testing.T, opts ...MockServerOption) *MockServer {
	t.Helper()
	m := newMockServer(opts)
	m.Server = NewHTTPServerT(t, http.HandlerFunc(m.handleRequest))
	t.Cleanup(m.Close)
	return m
}

// URL returns the server's URL.
func (m *MockServer) URL() string {
	return m.Server.URL
}

// Close shuts down the mock server.
func (m *MockServer) Close() {
	if m.Server != nil {
		m.Server.Close()
	}
}

// AddFile registers data under the request path p.
func (m *MockServer) AddFile(p string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[p] = data
}

// SetStatus forces every request to p to answer with code.
func (m *MockServer) SetStatus(p string, code int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status[p] = code
}

// SetGetStatus forces GET requests to p to answer with code; HEAD still succeeds.
func (m *MockServer) SetGetStatus(p string, code int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getStatus[p] = code
}

// FailHead makes the next n HEAD requests to p answer with 500.
func (m *MockServer) FailHead(p string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.headFailures[p] = n
}

// SetManifest sets the value encoded as the manifest response.
func (m *MockServer) SetManifest(v any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.manifest = v
	m.manifestRaw = nil
}

// SetManifestRaw sets a literal manifest response body.
func (m *MockServer) SetManifestRaw(body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.manifestRaw = []byte(body)
}

// SetManifestStatus sets the status of non-scripted manifest responses.
func (m *MockServer) SetManifestStatus(code int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.manifestCode = code
}

// SetManifestDelay delays every manifest response.
func (m *MockServer) SetManifestDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.manifestDelay = d
}

// FailManifest queues failures consumed by the next manifest requests in order.
func (m *MockServer) FailManifest(failures ...ManifestFailure) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.manifestFails = append(m.manifestFails, failures...)
}

// LastManifestRequest returns the body and headers of the latest manifest request.
func (m *MockServer) LastManifestRequest() ([]byte, http.Header) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastBody, m.lastHeader
}

// Ranges returns the Range headers received for p, in order.
func (m *MockServer) Ranges(p string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ranges[p]...)
}

// Stats returns a summary of server statistics.
func (m *MockServer) Stats() MockServerStats {
	return MockServerStats{
		TotalRequests:    m.RequestCount.Load(),
		HeadRequests:     m.HeadRequests.Load(),
		BytesServed:      m.BytesServed.Load(),
		RangeRequests:    m.RangeRequests.Load(),
		FullRequests:     m.FullRequests.Load(),
		ManifestRequests: m.ManifestRequests.Load(),
		FailedRequests:   m.FailedRequests.Load(),
		MaxActive:        m.MaxActive.Load(),
	}
}

// MockServerStats contains server statistics.
type MockServerStats struct {
	TotalRequests    int64
	HeadRequests     int64
	BytesServed      int64
	RangeRequests    int64
	FullRequests     int64
	ManifestRequests int64
	FailedRequests   int64
	MaxActive        int64
}

func (m *MockServer) handleRequest(w http.ResponseWriter, r *http.Request) {
	m.RequestCount.Add(1)

	if r.Method == http.MethodPost {
		m.handleManifest(w, r)
		return
	}

	active := m.ActiveRequests.Add(1)
	defer m.ActiveRequests.Add(-1)
	for {
		peak := m.MaxActive.Load()
		if active <= peak || m.MaxActive.CompareAndSwap(peak, active) {
			break
		}
	}

	if m.Latency > 0 {
		time.Sleep(m.Latency)
	}

	m.mu.Lock()
	data, ok := m.files[r.URL.Path]
	forced := m.status[r.URL.Path]
	if r.Method == http.MethodGet && forced == 0 {
		forced = m.getStatus[r.URL.Path]
	}
	failHead := false
	if r.Method == http.MethodHead && m.headFailures[r.URL.Path] > 0 {
		m.headFailures[r.URL.Path]--
		failHead = true
	}
	if rh := r.Header.Get("Range"); rh != "" && r.Method == http.MethodGet {
		m.ranges[r.URL.Path] = append(m.ranges[r.URL.Path], rh)
	}
	m.mu.Unlock()

	switch {
	case forced != 0:
		m.FailedRequests.Add(1)
		http.Error(w, http.StatusText(forced), forced)
		return
	case failHead:
		m.FailedRequests.Add(1)
		http.Error(w, "Simulated failure", http.StatusInternalServerError)
		return
	case !ok:
		http.NotFound(w, r)
		return
	}

	fileSize := int64(len(data))

	// Handle HEAD requests for probing
	if r.Method == http.MethodHead {
		m.HeadRequests.Add(1)
		setCommonHeaders(w, 0, fileSize-1)
		w.Header().Set("Accept-Ranges", "bytes")
		w.WriteHeader(http.StatusOK)
		return
	}

	rangeHeader := r.Header.Get("Range")
	start := int64(0)
	end := fileSize - 1

	if rangeHeader != "" && !m.IgnoreRange {
		m.RangeRequests.Add(1)

		var err error
		start, end, err = parseRange(rangeHeader, fileSize)
		if err != nil {
			http.Error(w, "Invalid range", http.StatusRequestedRangeNotSatisfiable)
			return
		}

		setCommonHeaders(w, start, end)
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, fileSize))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		m.FullRequests.Add(1)
		setCommonHeaders(w, 0, fileSize-1)
		w.WriteHeader(http.StatusOK)
	}

	m.serveBody(w, data, start, end)
}

func (m *MockServer) serveBody(w http.ResponseWriter, data []byte, start, end int64) {
	length := end - start + 1
	bytesWritten := int64(0)

	// Write in blocks to support byte latency and fail-after-bytes
	blockSize := int64(32 * 1024)
	for bytesWritten < length {
		// Per-request byte count so a fresh request can succeed
		if m.FailAfterBytes > 0 && bytesWritten >= m.FailAfterBytes {
			m.FailedRequests.Add(1)
			// Abruptly close connection by not writing more
			return
		}

		n := length - bytesWritten
		if n > blockSize {
			n = blockSize
		}
		if m.FailAfterBytes > 0 && bytesWritten+n > m.FailAfterBytes {
			n = m.FailAfterBytes - bytesWritten
		}

		if m.ByteLatency > 0 {
			time.Sleep(m.ByteLatency)
		}

		dataStart := start + bytesWritten
		written, err := w.Write(data[dataStart : dataStart+n])
		if err != nil {
			return // Client disconnected
		}

		bytesWritten += int64(written)
		m.BytesServed.Add(int64(written))

		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}
}

func (m *MockServer) handleManifest(w http.ResponseWriter, r *http.Request) {
	m.ManifestRequests.Add(1)
	body, _ := io.ReadAll(r.Body)

	m.mu.Lock()
	m.lastBody = body
	m.lastHeader = r.Header.Clone()
	var failure *ManifestFailure
	if len(m.manifestFails) > 0 {
		f := m.manifestFails[0]
		m.manifestFails = m.manifestFails[1:]
		failure = &f
	}
	manifest, raw, code, delay := m.manifest, m.manifestRaw, m.manifestCode, m.manifestDelay
	m.mu.Unlock()

	if failure != nil {
		m.FailedRequests.Add(1)
		if failure.Delay > 0 {
			select {
			case <-time.After(failure.Delay):
			case <-r.Context().Done():
				return
			}
		}
		if failure.RetryAfter != "" {
			w.Header().Set("Retry-After", failure.RetryAfter)
		}
		status := failure.Status
		if status == 0 {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, http.StatusText(status), status)
		return
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	if raw == nil {
		if manifest == nil {
			manifest = map[string]any{}
		}
		raw, _ = json.Marshal(manifest)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(raw)
}

func setCommonHeaders(w http.ResponseWriter, start, end int64) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
}

// parseRange parses an HTTP Range header and returns start, end positions.
// Handles formats like "bytes=0-499" or "bytes=500-"; the end is clamped to the file.
func parseRange(rangeHeader string, fileSize int64) (int64, int64, error) {
	if !strings.HasPrefix(rangeHeader, "bytes=") {
		return 0, 0, fmt.Errorf("invalid range prefix")
	}

	rangeSpec := strings.TrimPrefix(rangeHeader, "bytes=")
	parts := strings.Split(rangeSpec, "-")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid range format")
	}

	var start, end int64
	var err error

	if parts[0] == "" {
		// Suffix range: -500 means last 500 bytes
		end = fileSize - 1
		start, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, err
		}
		start = fileSize - start
	} else {
		start, err = strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return 0, 0, err
		}

		if parts[1] == "" {
			// Open-ended range: 500-
			end = fileSize - 1
		} else {
			end, err = strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				return 0, 0, err
			}
		}
	}

	if end >= fileSize {
		end = fileSize - 1
	}
	if start < 0 || start > end {
		return 0, 0, fmt.Errorf("range out of bounds")
	}

	return start, end, nil
}
