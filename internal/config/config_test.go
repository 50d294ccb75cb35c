package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, "/data", cfg.StoreDirectory)
	assert.Equal(t, "/data/store.json", cfg.StorePath())
	assert.Equal(t, "/data/skills", cfg.SkillsDir())
	assert.Equal(t, "http://localhost:12101/api/", cfg.RhasspyURL)
	assert.Equal(t, 30*time.Second, cfg.TrainingTimeout)
	assert.Equal(t, BackendFile, cfg.RegistryBackend)
	assert.Equal(t, "mqtt-net", cfg.BusNetwork)
	assert.Equal(t, "bridge", cfg.InternetNetwork)
	assert.Equal(t, "bridge_skill", cfg.Broker.ClientID)
	assert.Equal(t, os.TempDir(), cfg.TempDir())

	port, err := cfg.ListenPort()
	require.NoError(t, err)
	assert.Equal(t, 9090, port)
}

func TestLoad_Environment(t *testing.T) {
	cfg, err := Load("", map[string]string{
		"SKILLBOX_STORE_DIRECTORY":   "/srv/skillbox",
		"SKILLBOX_REGISTRY_BACKEND":  "redis",
		"SKILLBOX_REDIS_URL":         "redis://localhost:6379/0",
		"SKILLBOX_TRAINING_TIMEOUT":  "5s",
		"SKILLBOX_LOG_LEVEL":         "debug",
		"SKILLBOX_BROKER_MQTT_HOST":  "rhasspy.local",
		"SKILLBOX_BROKER_MQTT_USER":  "bridge",
		"SKILLBOX_TEMP_DIRECTORY":    "/srv/tmp",
		"SKILLBOX_INTERNET_NETWORK":  "wan",
		"SKILLBOX_HOST_DATA_PATH":    "/mnt/data",
		"SOME_UNRELATED_ENVIRONMENT": "ignored",
	})
	require.NoError(t, err)

	assert.Equal(t, "/srv/skillbox/store.json", cfg.StorePath())
	assert.Equal(t, BackendRedis, cfg.RegistryBackend)
	assert.Equal(t, 5*time.Second, cfg.TrainingTimeout)
	assert.Equal(t, "rhasspy.local", cfg.Broker.UpstreamHost)
	assert.Equal(t, "bridge", cfg.Broker.UpstreamUser)
	assert.Equal(t, "/srv/tmp", cfg.TempDir())
	assert.Equal(t, "wan", cfg.InternetNetwork)
	assert.Equal(t, "/mnt/data", cfg.HostDataPath)

	level, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestLoad_LegacyEnvironment(t *testing.T) {
	cfg, err := Load("", map[string]string{
		"STORE_DIRECTORY": "/legacy",
		"MQTT_HOST":       "old-host",
	})
	require.NoError(t, err)
	assert.Equal(t, "/legacy", cfg.StoreDirectory)
	assert.Equal(t, "old-host", cfg.Broker.UpstreamHost)

	cfg, err = Load("", map[string]string{
		"STORE_DIRECTORY":          "/legacy",
		"SKILLBOX_STORE_DIRECTORY": "/current",
	})
	require.NoError(t, err)
	assert.Equal(t, "/current", cfg.StoreDirectory)
}

func TestLoad_YAMLThenEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "skillbox.yml")
	content := `store_directory: /from/yaml
listen_addr: "127.0.0.1:8080"
training_timeout: 45s
broker:
  mqtt_host: yaml-host
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path, map[string]string{"SKILLBOX_STORE_DIRECTORY": "/from/env"})
	require.NoError(t, err)

	assert.Equal(t, "/from/env", cfg.StoreDirectory, "environment overrides the file")
	assert.Equal(t, 45*time.Second, cfg.TrainingTimeout)
	assert.Equal(t, "yaml-host", cfg.Broker.UpstreamHost)
	assert.Equal(t, "bridge_skill", cfg.Broker.ClientID, "defaults survive a partial file")

	port, err := cfg.ListenPort()
	require.NoError(t, err)
	assert.Equal(t, 8080, port)
}

func TestLoad_FileNotFound(t *testing.T) {
	cfg, err := Load("/nonexistent/skillbox.yml", map[string]string{})
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to read config")
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "skillbox.yml")
	require.NoError(t, os.WriteFile(path, []byte("store_directory: [unclosed\n"), 0644))

	_, err := Load(path, map[string]string{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoad_InvalidDuration(t *testing.T) {
	_, err := Load("", map[string]string{"SKILLBOX_TRAINING_TIMEOUT": "soon"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse environment")
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults are valid", func(c *Config) {}, ""},
		{"empty store directory", func(c *Config) { c.StoreDirectory = "" }, "store_directory is required"},
		{"bad rhasspy scheme", func(c *Config) { c.RhasspyURL = "ftp://rhasspy" }, "scheme must be http or https"},
		{"zero training timeout", func(c *Config) { c.TrainingTimeout = 0 }, "training_timeout must be positive"},
		{"listen addr without port", func(c *Config) { c.ListenAddr = "localhost" }, "invalid listen_addr"},
		{"listen addr bad port", func(c *Config) { c.ListenAddr = ":http" }, "bad port"},
		{"unknown log level", func(c *Config) { c.LogLevel = "chatty" }, "invalid log_level"},
		{"unknown log format", func(c *Config) { c.LogFormat = "xml" }, "invalid log_format"},
		{"unknown backend", func(c *Config) { c.RegistryBackend = "sqlite" }, "invalid registry_backend"},
		{"redis without url", func(c *Config) { c.RegistryBackend = BackendRedis }, "redis_url is required"},
		{"empty bus network", func(c *Config) { c.BusNetwork = "" }, "bus_network is required"},
		{"negative stop timeout", func(c *Config) { c.StopTimeout = -time.Second }, "stop_timeout"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestEnsureSkillsDir(t *testing.T) {
	cfg := Default()
	cfg.StoreDirectory = filepath.Join(t.TempDir(), "store")

	dir, err := cfg.EnsureSkillsDir()
	require.NoError(t, err)
	assert.DirExists(t, dir)
}
