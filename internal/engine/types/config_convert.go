package types

import "github.com/surge-downloader/hotupdate/internal/config"

// ConvertRuntimeConfig converts the app-level RuntimeConfig to the engine-level RuntimeConfig.
func ConvertRuntimeConfig(rc *config.RuntimeConfig) *RuntimeConfig {
	return &RuntimeConfig{
		UserAgent:          rc.UserAgent,
		ChunkSize:          rc.ChunkSize,
		WorkerBufferSize:   rc.WorkerBufferSize,
		MaxConcurrentTasks: rc.MaxConcurrentTasks,
		ProbeTimeout:       rc.ProbeTimeout,
		ChunkTimeout:       rc.ChunkTimeout,
		SampleInterval:     rc.SampleInterval,
		PackageExtension:   rc.PackageExtension,
	}
}
