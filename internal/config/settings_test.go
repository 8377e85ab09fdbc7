package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSettings(t *testing.T) {
	settings := DefaultSettings()
	require.NotNil(t, settings)

	t.Run("ServerSettings", func(t *testing.T) {
		assert.NotEmpty(t, settings.Server.URL)
		assert.NotEmpty(t, settings.Server.Platform)
		assert.Equal(t, 10*time.Second, settings.Server.Timeout)
		assert.Equal(t, 4, settings.Server.MaxAttempts)
	})

	t.Run("PathSettings", func(t *testing.T) {
		assert.True(t, strings.HasPrefix(settings.Paths.TempRoot, settings.Paths.PackageRoot),
			"temp root %s should live under package root %s", settings.Paths.TempRoot, settings.Paths.PackageRoot)
		assert.NotEqual(t, settings.Paths.TempRoot, settings.Paths.PackageRoot)
	})

	t.Run("NetworkSettings", func(t *testing.T) {
		assert.Equal(t, int64(4*MB), settings.Network.ChunkSize)
		assert.Positive(t, settings.Network.MaxConcurrentTasks)
	})

	require.NoError(t, settings.Validate())
}

func TestDefaultSettings_Consistency(t *testing.T) {
	s1 := DefaultSettings()
	s2 := DefaultSettings()

	if s1 == s2 {
		t.Error("DefaultSettings should return new instance each time")
	}
	assert.Equal(t, s1, s2)
}

func TestDefaultPlatform(t *testing.T) {
	p := DefaultPlatform()
	assert.NotEmpty(t, p)
	assert.NotEqual(t, "windows", p)
	assert.NotEqual(t, "darwin", p)
}

func TestGetHotUpdateDir_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOTUPDATE_HOME", dir)

	assert.Equal(t, dir, GetHotUpdateDir())
	assert.Equal(t, filepath.Join(dir, "settings.yaml"), GetSettingsPath())
}

func TestLoadSettings_MissingFileReturnsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.yaml")

	settings, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings().Server, settings.Server)
}

func TestLoadSettings_YAMLPartialOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	content := `
server:
  url: https://updates.example.com/api
  version: 2.3.1
  max_attempts: 5
network:
  max_concurrent_tasks: 0
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	settings, err := LoadSettings(path)
	require.NoError(t, err)

	assert.Equal(t, "https://updates.example.com/api", settings.Server.URL)
	assert.Equal(t, "2.3.1", settings.Server.Version)
	assert.Equal(t, 5, settings.Server.MaxAttempts)
	assert.Equal(t, 0, settings.Network.MaxConcurrentTasks)
	// Untouched fields keep their defaults
	assert.Equal(t, 10*time.Second, settings.Server.Timeout)
	assert.Equal(t, ".pak", settings.General.PackageExtension)
}

func TestLoadSettings_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	content := `{"server": {"platform": "android"}, "general": {"skip_update": true}}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	settings, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, "android", settings.Server.Platform)
	assert.True(t, settings.General.SkipUpdate)
}

func TestLoadSettings_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unterminated"), 0o644))

	_, err := LoadSettings(path)
	assert.Error(t, err)
}

func TestSaveAndLoadSettings_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "settings.yaml")

	original := DefaultSettings()
	original.Server.URL = "https://cdn.example.com/hot"
	original.Network.MaxConcurrentTasks = 8
	original.Server.Timeout = 3 * time.Second

	require.NoError(t, SaveSettings(path, original))

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file should be renamed away")

	loaded, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, original, loaded)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(s *Settings)
		wantErr string
	}{
		{"valid defaults", func(s *Settings) {}, ""},
		{"empty url", func(s *Settings) { s.Server.URL = "" }, "server.url"},
		{"relative url", func(s *Settings) { s.Server.URL = "updates/api" }, "absolute"},
		{"empty version", func(s *Settings) { s.Server.Version = " " }, "server.version"},
		{"empty platform", func(s *Settings) { s.Server.Platform = "" }, "server.platform"},
		{"zero attempts", func(s *Settings) { s.Server.MaxAttempts = 0 }, "max_attempts"},
		{"same roots", func(s *Settings) { s.Paths.TempRoot = s.Paths.PackageRoot }, "must differ"},
		{"package root inside temp root", func(s *Settings) {
			s.Paths.PackageRoot = filepath.Join(s.Paths.TempRoot, "Installed")
		}, "must not be inside"},
		{"temp root inside package root", func(s *Settings) {
			s.Paths.TempRoot = filepath.Join(s.Paths.PackageRoot, "Temp", "Staging")
		}, ""},
		{"negative pool", func(s *Settings) { s.Network.MaxConcurrentTasks = -1 }, "max_concurrent_tasks"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			tt.mutate(s)
			err := s.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestToRuntimeConfig(t *testing.T) {
	s := DefaultSettings()
	s.Network.UserAgent = "TestAgent/1.0"
	s.Network.ChunkSize = 64 * KB
	s.Network.MaxConcurrentTasks = 2
	s.General.PackageExtension = ""

	rc := s.ToRuntimeConfig()
	assert.Equal(t, "TestAgent/1.0", rc.UserAgent)
	assert.Equal(t, int64(64*KB), rc.ChunkSize)
	assert.Equal(t, 2, rc.MaxConcurrentTasks)
	assert.Equal(t, "", rc.PackageExtension)
	assert.Equal(t, s.Network.ProbeTimeout, rc.ProbeTimeout)
	assert.Equal(t, s.General.SampleInterval, rc.SampleInterval)
}
