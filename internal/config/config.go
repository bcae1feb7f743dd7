// Package config loads and validates the relay's YAML configuration, discovered
// by walking parent directories for a project root marker.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// projectMarker is the directory name used to locate the project root when
	// walking up from the working directory.
	projectMarker = "neuro-relay"

	// configRelPath is the path to the configuration file relative to the project root.
	configRelPath = "config/relay.yaml"

	envPrefix = "NEURORELAY_"
)

// IntermediaryConfig holds settings for the Intermediary broker.
type IntermediaryConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	AuthToken  string `yaml:"auth_token"`
	RelayQueue string `yaml:"relay_queue"`
}

// BackendServerConfig holds settings for the local integration-facing server
// (named "nakurity-backend" in the upstream vocabulary).
type BackendServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// UpstreamConfig holds the address of the upstream the backend adapter dials.
type UpstreamConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// InterceptProxyConfig holds settings for the optional intercept proxy.
type InterceptProxyConfig struct {
	Host            string   `yaml:"host"`
	Port            int      `yaml:"port"`
	UpstreamURL     string   `yaml:"upstream_url"`
	MatchCommands   []string `yaml:"match_commands"`
	IntegrationName string   `yaml:"integration_name"`
}

// IdentityConfig holds the bind address of the external identity collaborator.
type IdentityConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// MetricsConfig holds the bind address for the health/metrics HTTP surface.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// LogConfig controls structured logging verbosity.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Config is the full relay configuration tree.
type Config struct {
	Intermediary    IntermediaryConfig   `yaml:"intermediary"`
	NakurityBackend BackendServerConfig  `yaml:"nakurity-backend"`
	NakurityClient  UpstreamConfig       `yaml:"nakurity-client"`
	InterceptProxy  InterceptProxyConfig `yaml:"intercept-proxy"`
	NakurityID      IdentityConfig       `yaml:"nakurity-id"`
	Metrics         MetricsConfig        `yaml:"metrics"`
	Log             LogConfig            `yaml:"log"`
}

// Default returns the configuration with all documented defaults applied.
func Default() *Config {
	return &Config{
		Intermediary: IntermediaryConfig{
			Host:       "127.0.0.1",
			Port:       8765,
			AuthToken:  "super-secret-token",
			RelayQueue: "relay_message_queue.bin",
		},
		NakurityBackend: BackendServerConfig{
			Host: "127.0.0.1",
			Port: 8001,
		},
		NakurityClient: UpstreamConfig{
			Host: "127.0.0.1",
			Port: 8000,
		},
		InterceptProxy: InterceptProxyConfig{
			Host:            "127.0.0.1",
			Port:            8767,
			UpstreamURL:     "ws://127.0.0.1:8000",
			MatchCommands:   []string{"startup", "actions/register", "context"},
			IntegrationName: "intercept-proxy",
		},
		NakurityID: IdentityConfig{
			Host: "127.0.0.1",
			Port: 8002,
		},
		Metrics: MetricsConfig{
			Listen: "127.0.0.1:9090",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load discovers the configuration file by walking parent directories of the
// working directory for projectMarker, reads it if present, and applies
// environment overrides on top. A missing file is not an error: defaults and
// environment variables still apply.
func Load() (*Config, error) {
	cfg := Default()

	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting working directory: %w", err)
	}

	root, found := findProjectRoot(wd)
	if found {
		path := filepath.Join(root, configRelPath)
		if err := loadConfigFile(path, cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// findProjectRoot walks up from dir (inclusive) and returns the nearest
// directory that is either literally named projectMarker or contains a go.mod.
func findProjectRoot(dir string) (string, bool) {
	cur := dir
	for {
		if filepath.Base(cur) == projectMarker {
			return cur, true
		}
		if _, err := os.Stat(filepath.Join(cur, "go.mod")); err == nil {
			return cur, true
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", false
		}
		cur = parent
	}
}

func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func applyEnvOverrides(cfg *Config) {
	str(&cfg.Intermediary.Host, envPrefix+"INTERMEDIARY_HOST")
	intv(&cfg.Intermediary.Port, envPrefix+"INTERMEDIARY_PORT")
	str(&cfg.Intermediary.AuthToken, envPrefix+"AUTH_TOKEN")
	str(&cfg.Intermediary.RelayQueue, envPrefix+"RELAY_QUEUE")

	str(&cfg.NakurityBackend.Host, envPrefix+"BACKEND_HOST")
	intv(&cfg.NakurityBackend.Port, envPrefix+"BACKEND_PORT")

	str(&cfg.NakurityClient.Host, envPrefix+"UPSTREAM_HOST")
	intv(&cfg.NakurityClient.Port, envPrefix+"UPSTREAM_PORT")

	str(&cfg.InterceptProxy.Host, envPrefix+"INTERCEPT_HOST")
	intv(&cfg.InterceptProxy.Port, envPrefix+"INTERCEPT_PORT")
	str(&cfg.InterceptProxy.UpstreamURL, envPrefix+"INTERCEPT_UPSTREAM_URL")
	str(&cfg.InterceptProxy.IntegrationName, envPrefix+"INTERCEPT_INTEGRATION_NAME")
	if v := os.Getenv(envPrefix + "INTERCEPT_MATCH_COMMANDS"); v != "" {
		cfg.InterceptProxy.MatchCommands = strings.Split(v, ",")
	}

	str(&cfg.NakurityID.Host, envPrefix+"IDENTITY_HOST")
	intv(&cfg.NakurityID.Port, envPrefix+"IDENTITY_PORT")

	str(&cfg.Metrics.Listen, envPrefix+"METRICS_LISTEN")
	str(&cfg.Log.Level, envPrefix+"LOG_LEVEL")
}

func str(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func intv(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func validate(cfg *Config) error {
	if cfg.Intermediary.Host == "" {
		return fmt.Errorf("intermediary.host is required")
	}
	if cfg.Intermediary.Port <= 0 {
		return fmt.Errorf("intermediary.port must be positive")
	}
	if cfg.Intermediary.AuthToken == "" {
		return fmt.Errorf("intermediary.auth_token is required")
	}
	if cfg.Intermediary.RelayQueue == "" {
		return fmt.Errorf("intermediary.relay_queue is required")
	}
	return nil
}

// Addr formats a host/port pair as "host:port".
func Addr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
