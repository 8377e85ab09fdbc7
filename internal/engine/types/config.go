package types

import (
	"time"
)

// Size constants
const (
	KB = 1024
	MB = 1024 * KB
	GB = 1024 * MB

	// TempSuffix is appended to package files while they are downloading
	TempSuffix = ".tmp"

	// DefaultPackageExtension is the extension of mountable content packages
	DefaultPackageExtension = ".pak"
)

// Chunk constants for ranged downloads
const (
	ChunkSize    = 4 * MB // Fixed Range window per GET
	WorkerBuffer = 32 * KB

	// Sub-chunk progress is reported at most once per interval
	ProgressInterval = 100 * time.Millisecond
)

// HTTP Client Tuning
const (
	DefaultMaxIdleConns          = 100
	DefaultIdleConnTimeout       = 90 * time.Second
	DefaultTLSHandshakeTimeout   = 10 * time.Second
	DefaultResponseHeaderTimeout = 15 * time.Second
	DialTimeout                  = 10 * time.Second
	KeepAliveDuration            = 30 * time.Second
	ProbeTimeout                 = 30 * time.Second
	ChunkTimeout                 = 2 * time.Minute
)

// Negotiation defaults
const (
	NegotiateTimeout     = 10 * time.Second
	// One request plus three retries
	NegotiateMaxAttempts = 4
)

// Channel buffer sizes
const (
	ProgressChannelBuffer = 100
	TaskEventBuffer       = 256
)

// Progress sampling
const (
	SampleInterval = 1 * time.Second
)

// RuntimeConfig holds dynamic settings that can override defaults
type RuntimeConfig struct {
	UserAgent          string
	ChunkSize          int64
	WorkerBufferSize   int
	MaxConcurrentTasks int // 0 means every task is admitted at once
	ProbeTimeout       time.Duration
	ChunkTimeout       time.Duration
	SampleInterval     time.Duration
	PackageExtension   string
}

// GetUserAgent returns the configured user agent or the default
func (r *RuntimeConfig) GetUserAgent() string {
	if r == nil || r.UserAgent == "" {
		return "hotupdate/1.0 (+https://github.com/surge-downloader/hotupdate)"
	}
	return r.UserAgent
}

// GetChunkSize returns configured value or default
func (r *RuntimeConfig) GetChunkSize() int64 {
	if r == nil || r.ChunkSize <= 0 {
		return ChunkSize
	}
	return r.ChunkSize
}

// GetWorkerBufferSize returns configured value or default
func (r *RuntimeConfig) GetWorkerBufferSize() int {
	if r == nil || r.WorkerBufferSize <= 0 {
		return WorkerBuffer
	}
	return r.WorkerBufferSize
}

// GetMaxConcurrentTasks returns the admission limit, 0 for unbounded
func (r *RuntimeConfig) GetMaxConcurrentTasks() int {
	if r == nil || r.MaxConcurrentTasks < 0 {
		return 0
	}
	return r.MaxConcurrentTasks
}

// GetProbeTimeout returns configured value or default
func (r *RuntimeConfig) GetProbeTimeout() time.Duration {
	if r == nil || r.ProbeTimeout <= 0 {
		return ProbeTimeout
	}
	return r.ProbeTimeout
}

// GetChunkTimeout returns configured value or default
func (r *RuntimeConfig) GetChunkTimeout() time.Duration {
	if r == nil || r.ChunkTimeout <= 0 {
		return ChunkTimeout
	}
	return r.ChunkTimeout
}

// GetSampleInterval returns configured value or default
func (r *RuntimeConfig) GetSampleInterval() time.Duration {
	if r == nil || r.SampleInterval <= 0 {
		return SampleInterval
	}
	return r.SampleInterval
}

// GetPackageExtension returns the configured package extension.
// An explicit empty value is kept so callers can opt out of extension filters.
func (r *RuntimeConfig) GetPackageExtension() string {
	if r == nil {
		return DefaultPackageExtension
	}
	return r.PackageExtension
}
