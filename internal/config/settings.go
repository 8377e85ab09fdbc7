package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"sigs.k8s.io/yaml"
)

// Settings holds all user-configurable settings organized by category.
// A loaded Settings value is treated as immutable once handed to the engine.
type Settings struct {
	Server  ServerSettings  `json:"server"`
	Paths   PathSettings    `json:"paths"`
	Network NetworkSettings `json:"network"`
	General GeneralSettings `json:"general"`
}

// ServerSettings describes the hot-update server and the client identity sent to it.
type ServerSettings struct {
	URL         string        `json:"url"`
	Version     string        `json:"version"`
	Platform    string        `json:"platform"`
	Timeout     time.Duration `json:"timeout"`
	MaxAttempts int           `json:"max_attempts"`
}

// PathSettings contains the on-disk layout.
type PathSettings struct {
	TempRoot    string `json:"temp_root"`
	PackageRoot string `json:"package_root"`
	StateDir    string `json:"state_dir"`
}

// NetworkSettings contains download transport parameters.
type NetworkSettings struct {
	UserAgent          string        `json:"user_agent"`
	ChunkSize          int64         `json:"chunk_size"`
	WorkerBufferSize   int           `json:"worker_buffer_size"`
	MaxConcurrentTasks int           `json:"max_concurrent_tasks"`
	ProbeTimeout       time.Duration `json:"probe_timeout"`
	ChunkTimeout       time.Duration `json:"chunk_timeout"`
}

// GeneralSettings contains application behavior settings.
type GeneralSettings struct {
	SkipUpdate       bool          `json:"skip_update"`
	PackageExtension string        `json:"package_extension"`
	LogLevel         string        `json:"log_level"`
	SampleInterval   time.Duration `json:"sample_interval"`
}

const (
	KB = 1024
	MB = 1024 * KB
)

// DefaultPlatform maps the running OS to the platform names the server understands.
func DefaultPlatform() string {
	switch runtime.GOOS {
	case "windows":
		return "win"
	case "darwin":
		return "mac"
	default:
		return runtime.GOOS
	}
}

// DefaultSettings returns a new Settings instance with sensible defaults.
func DefaultSettings() *Settings {
	root := GetHotUpdateDir()

	return &Settings{
		Server: ServerSettings{
			URL:         "http://127.0.0.1",
			Version:     "1.0.0",
			Platform:    DefaultPlatform(),
			Timeout:     10 * time.Second,
			MaxAttempts: 4, // One request plus three retries
		},
		Paths: PathSettings{
			TempRoot:    filepath.Join(root, "Paks", "Temp"),
			PackageRoot: filepath.Join(root, "Paks"),
			StateDir:    root,
		},
		Network: NetworkSettings{
			UserAgent:          "", // Empty means use default UA
			ChunkSize:          4 * MB,
			WorkerBufferSize:   32 * KB,
			MaxConcurrentTasks: 4,
			ProbeTimeout:       30 * time.Second,
			ChunkTimeout:       2 * time.Minute,
		},
		General: GeneralSettings{
			SkipUpdate:       false,
			PackageExtension: ".pak",
			LogLevel:         "info",
			SampleInterval:   time.Second,
		},
	}
}

// GetHotUpdateDir returns the base directory for hot-update data.
func GetHotUpdateDir() string {
	if dir := os.Getenv("HOTUPDATE_HOME"); dir != "" {
		return dir
	}
	base, err := os.UserConfigDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "hotupdate")
}

// GetSettingsPath returns the default settings file path.
func GetSettingsPath() string {
	return filepath.Join(GetHotUpdateDir(), "settings.yaml")
}

// LoadSettings loads settings from disk. Returns defaults if the file doesn't exist.
// Both YAML and JSON files are accepted.
func LoadSettings(path string) (*Settings, error) {
	if path == "" {
		path = GetSettingsPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultSettings(), nil
		}
		return nil, err
	}

	settings := DefaultSettings() // Start with defaults to fill any missing fields
	if err := yaml.Unmarshal(data, settings); err != nil {
		return nil, fmt.Errorf("failed to parse settings %s: %w", path, err)
	}

	return settings, nil
}

// SaveSettings saves settings to disk atomically.
func SaveSettings(path string, s *Settings) error {
	if path == "" {
		path = GetSettingsPath()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}

	// Atomic write: write to temp file, then rename
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return err
	}

	return os.Rename(tempPath, path)
}

// Validate reports the first setting that cannot work.
func (s *Settings) Validate() error {
	if s.Server.URL == "" {
		return errors.New("server.url is required")
	}
	u, err := url.Parse(s.Server.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("server.url %q is not an absolute URL", s.Server.URL)
	}
	if strings.TrimSpace(s.Server.Version) == "" {
		return errors.New("server.version is required")
	}
	if strings.TrimSpace(s.Server.Platform) == "" {
		return errors.New("server.platform is required")
	}
	if s.Server.MaxAttempts <= 0 {
		return fmt.Errorf("server.max_attempts must be positive, got %d", s.Server.MaxAttempts)
	}
	if s.Paths.TempRoot == "" || s.Paths.PackageRoot == "" {
		return errors.New("paths.temp_root and paths.package_root are required")
	}
	if filepath.Clean(s.Paths.TempRoot) == filepath.Clean(s.Paths.PackageRoot) {
		return errors.New("paths.temp_root must differ from paths.package_root")
	}
	// The temp root is wiped of package files on every pass
	if rel, err := filepath.Rel(s.Paths.TempRoot, s.Paths.PackageRoot); err == nil && filepath.IsLocal(rel) {
		return fmt.Errorf("paths.package_root %q must not be inside paths.temp_root %q", s.Paths.PackageRoot, s.Paths.TempRoot)
	}
	if s.Network.MaxConcurrentTasks < 0 {
		return fmt.Errorf("network.max_concurrent_tasks must not be negative, got %d", s.Network.MaxConcurrentTasks)
	}
	return nil
}

// RuntimeConfig holds the download engine parameters derived from Settings.
type RuntimeConfig struct {
	UserAgent          string
	ChunkSize          int64
	WorkerBufferSize   int
	MaxConcurrentTasks int
	ProbeTimeout       time.Duration
	ChunkTimeout       time.Duration
	SampleInterval     time.Duration
	PackageExtension   string
}

// ToRuntimeConfig creates a RuntimeConfig from user Settings
func (s *Settings) ToRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		UserAgent:          s.Network.UserAgent,
		ChunkSize:          s.Network.ChunkSize,
		WorkerBufferSize:   s.Network.WorkerBufferSize,
		MaxConcurrentTasks: s.Network.MaxConcurrentTasks,
		ProbeTimeout:       s.Network.ProbeTimeout,
		ChunkTimeout:       s.Network.ChunkTimeout,
		SampleInterval:     s.General.SampleInterval,
		PackageExtension:   s.General.PackageExtension,
	}
}
