package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "SKILLBOX_"

// Registry backends
const (
	BackendFile  = "file"
	BackendRedis = "redis"
)

// BrokerConfig parameterises the generated mosquitto configuration
type BrokerConfig struct {
	UpstreamHost     string `yaml:"mqtt_host" env:"MQTT_HOST"`
	UpstreamUser     string `yaml:"mqtt_user" env:"MQTT_USER"`
	UpstreamPassword string `yaml:"mqtt_password" env:"MQTT_PASSWORD"`
	ClientID         string `yaml:"client_id" env:"CLIENT_ID"`
	ConfigPath       string `yaml:"dest_file" env:"DEST_FILE"`
}

// Config is the skill manager configuration. Values come from built-in
// defaults, then an optional YAML file, then SKILLBOX_* environment variables.
type Config struct {
	StoreDirectory  string        `yaml:"store_directory" env:"STORE_DIRECTORY"`
	TempDirectory   string        `yaml:"temp_directory" env:"TEMP_DIRECTORY"`
	RhasspyURL      string        `yaml:"rhasspy_url" env:"RHASSPY_URL"`
	TrainingTimeout time.Duration `yaml:"training_timeout" env:"TRAINING_TIMEOUT"`
	ListenAddr      string        `yaml:"listen_addr" env:"LISTEN_ADDR"`

	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"`

	RegistryBackend string `yaml:"registry_backend" env:"REGISTRY_BACKEND"`
	RedisURL        string `yaml:"redis_url" env:"REDIS_URL"`
	RedisKey        string `yaml:"redis_key" env:"REDIS_KEY"`

	HostDataPath    string        `yaml:"host_data_path" env:"HOST_DATA_PATH"` // overrides self-inspection
	BusNetwork      string        `yaml:"bus_network" env:"BUS_NETWORK"`
	InternetNetwork string        `yaml:"internet_network" env:"INTERNET_NETWORK"`
	StopTimeout     time.Duration `yaml:"stop_timeout" env:"STOP_TIMEOUT"`

	Broker BrokerConfig `yaml:"broker" envPrefix:"BROKER_"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		StoreDirectory:  "/data",
		RhasspyURL:      "http://localhost:12101/api/",
		TrainingTimeout: 30 * time.Second,
		ListenAddr:      ":9090",
		LogLevel:        "info",
		LogFormat:       "json",
		RegistryBackend: BackendFile,
		RedisKey:        "skillbox:registry",
		BusNetwork:      "mqtt-net",
		InternetNetwork: "bridge",
		StopTimeout:     10 * time.Second,
		Broker: BrokerConfig{
			ClientID:   "bridge_skill",
			ConfigPath: "/etc/mosquitto/mosquitto.conf",
		},
	}
}

// legacyEnv maps unprefixed variable names understood by earlier releases
// to their prefixed replacements. The prefixed name wins when both are set.
var legacyEnv = map[string]string{
	"STORE_DIRECTORY": "STORE_DIRECTORY",
	"RHASSPY_URL":     "RHASSPY_URL",
	"MQTT_HOST":       "BROKER_MQTT_HOST",
	"MQTT_USER":       "BROKER_MQTT_USER",
	"MQTT_PASSWORD":   "BROKER_MQTT_PASSWORD",
	"CLIENT_ID":       "BROKER_CLIENT_ID",
	"DEST_FILE":       "BROKER_DEST_FILE",
}

// Load builds the configuration. path may be empty to skip the YAML file;
// environ nil means the process environment.
func Load(path string, environ map[string]string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	if environ == nil {
		environ = env.ToMap(os.Environ())
	}
	merged := make(map[string]string, len(environ))
	for k, v := range environ {
		merged[k] = v
	}
	for legacy, current := range legacyEnv {
		if v, ok := environ[legacy]; ok {
			if _, set := environ[EnvPrefix+current]; !set {
				merged[EnvPrefix+current] = v
			}
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix, Environment: merged}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate performs strict validation on the configuration
func (c *Config) Validate() error {
	if c.StoreDirectory == "" {
		return fmt.Errorf("store_directory is required")
	}

	u, err := url.Parse(c.RhasspyURL)
	if err != nil {
		return fmt.Errorf("invalid rhasspy_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid rhasspy_url '%s': scheme must be http or https", c.RhasspyURL)
	}
	if c.TrainingTimeout <= 0 {
		return fmt.Errorf("training_timeout must be positive, got %s", c.TrainingTimeout)
	}

	if _, err := c.ListenPort(); err != nil {
		return err
	}

	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("invalid log_format: %s (must be 'json' or 'text')", c.LogFormat)
	}

	switch c.RegistryBackend {
	case BackendFile:
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("redis_url is required when registry_backend is 'redis'")
		}
	default:
		return fmt.Errorf("invalid registry_backend: %s (must be 'file' or 'redis')", c.RegistryBackend)
	}

	if c.BusNetwork == "" {
		return fmt.Errorf("bus_network is required")
	}
	if c.StopTimeout < 0 {
		return fmt.Errorf("stop_timeout must be >= 0, got %s", c.StopTimeout)
	}
	return nil
}

// StorePath is the location of the registry file.
func (c *Config) StorePath() string {
	return filepath.Join(c.StoreDirectory, "store.json")
}

// SkillsDir is the directory holding one subdirectory per installed skill.
func (c *Config) SkillsDir() string {
	return filepath.Join(c.StoreDirectory, "skills")
}

// EnsureSkillsDir creates SkillsDir if needed and returns it.
func (c *Config) EnsureSkillsDir() (string, error) {
	dir := c.SkillsDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create skills directory: %w", err)
	}
	return dir, nil
}

// TempDir is where uploads are spooled.
func (c *Config) TempDir() string {
	if c.TempDirectory != "" {
		return c.TempDirectory
	}
	return os.TempDir()
}

// ListenPort extracts the port of ListenAddr.
func (c *Config) ListenPort() (int, error) {
	_, portStr, err := net.SplitHostPort(c.ListenAddr)
	if err != nil {
		return 0, fmt.Errorf("invalid listen_addr '%s': %w", c.ListenAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid listen_addr '%s': bad port", c.ListenAddr)
	}
	return port, nil
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log_level: %s", c.LogLevel)
	}
	return level, nil
}
