// Package config loads scripthost settings from a YAML file and SCRIPTHOST_* environment variables.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/guseggert/scripthost/agent"
	"github.com/guseggert/scripthost/build"
	"github.com/guseggert/scripthost/host"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// HostConfig holds script host settings.
type HostConfig struct {
	ProjectPath string `yaml:"projectPath,omitempty"`
	// Entrypoint is the path of the script the runtime is started on.
	Entrypoint          string            `yaml:"entrypoint"`
	NodePath            string            `yaml:"nodePath,omitempty"`
	Port                int               `yaml:"port,omitempty"`
	Env                 map[string]string `yaml:"env,omitempty"`
	InvocationTimeout   time.Duration     `yaml:"invocationTimeout,omitempty"`
	LaunchWithDebugging bool              `yaml:"launchWithDebugging,omitempty"`
	DebuggingPort       int               `yaml:"debuggingPort,omitempty"`
	ReadinessMarker     string            `yaml:"readinessMarker,omitempty"`
}

// BuildConfig holds watch-mode build settings.
type BuildConfig struct {
	PackageManager string        `yaml:"packageManager,omitempty"`
	Script         string        `yaml:"script,omitempty"`
	SourceDir      string        `yaml:"sourceDir,omitempty"`
	Marker         string        `yaml:"marker,omitempty"`
	Occurrences    int           `yaml:"occurrences,omitempty"`
	Timeout        time.Duration `yaml:"timeout,omitempty"`
	Args           []string      `yaml:"args,omitempty"`
}

// AgentConfig holds agent daemon settings.
type AgentConfig struct {
	ListenAddr string `yaml:"listenAddr,omitempty"`
}

type Config struct {
	Host     HostConfig  `yaml:"host"`
	Build    BuildConfig `yaml:"build"`
	Agent    AgentConfig `yaml:"agent"`
	LogLevel string      `yaml:"logLevel,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Host: HostConfig{
			NodePath:          host.DefaultNodePath,
			InvocationTimeout: host.DefaultInvocationTimeout,
			ReadinessMarker:   host.DefaultReadinessMarker,
		},
		Build: BuildConfig{
			PackageManager: build.DefaultPackageManager,
			Marker:         build.DefaultMarker.String(),
			Occurrences:    build.DefaultOccurrences,
			Timeout:        build.DefaultTimeout,
		},
		Agent: AgentConfig{
			ListenAddr: agent.DefaultListenAddr,
		},
		LogLevel: "info",
	}
}

// LoadFromFile loads configuration from a YAML file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", path, err)
	}
	return cfg, nil
}

// Load loads path if it is non-empty, or the defaults otherwise, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		cfg, err = LoadFromFile(path)
		if err != nil {
			return nil, err
		}
	}
	if err := LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config.
func LoadFromEnv(cfg *Config) error {
	strs := map[string]*string{
		"SCRIPTHOST_PROJECT_PATH":     &cfg.Host.ProjectPath,
		"SCRIPTHOST_ENTRYPOINT":       &cfg.Host.Entrypoint,
		"SCRIPTHOST_NODE_PATH":        &cfg.Host.NodePath,
		"SCRIPTHOST_READINESS_MARKER": &cfg.Host.ReadinessMarker,
		"SCRIPTHOST_PACKAGE_MANAGER":  &cfg.Build.PackageManager,
		"SCRIPTHOST_BUILD_SCRIPT":     &cfg.Build.Script,
		"SCRIPTHOST_SOURCE_DIR":       &cfg.Build.SourceDir,
		"SCRIPTHOST_LISTEN_ADDR":      &cfg.Agent.ListenAddr,
		"SCRIPTHOST_LOG_LEVEL":        &cfg.LogLevel,
	}
	for k, p := range strs {
		if v := os.Getenv(k); v != "" {
			*p = v
		}
	}

	if v := os.Getenv("SCRIPTHOST_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing SCRIPTHOST_PORT: %w", err)
		}
		cfg.Host.Port = port
	}
	if v := os.Getenv("SCRIPTHOST_INVOCATION_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parsing SCRIPTHOST_INVOCATION_TIMEOUT: %w", err)
		}
		cfg.Host.InvocationTimeout = d
	}
	if v := os.Getenv("SCRIPTHOST_BUILD_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parsing SCRIPTHOST_BUILD_TIMEOUT: %w", err)
		}
		cfg.Build.Timeout = d
	}
	if v := os.Getenv("SCRIPTHOST_DEBUG"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parsing SCRIPTHOST_DEBUG: %w", err)
		}
		cfg.Host.LaunchWithDebugging = b
	}
	return nil
}

// HostOptions reads the entrypoint script and builds the options for host.Start.
func (c *Config) HostOptions(log *zap.SugaredLogger) (host.Options, error) {
	if c.Host.Entrypoint == "" {
		return host.Options{}, fmt.Errorf("no entrypoint script configured")
	}
	script, err := os.ReadFile(c.Host.Entrypoint)
	if err != nil {
		return host.Options{}, fmt.Errorf("reading entrypoint script: %w", err)
	}
	return host.Options{
		ProjectPath:          c.Host.ProjectPath,
		EntrypointScript:     string(script),
		NodePath:             c.Host.NodePath,
		Port:                 c.Host.Port,
		EnvironmentVariables: c.Host.Env,
		InvocationTimeout:    c.Host.InvocationTimeout,
		LaunchWithDebugging:  c.Host.LaunchWithDebugging,
		DebuggingPort:        c.Host.DebuggingPort,
		ReadinessMarker:      c.Host.ReadinessMarker,
		Logger:               log,
	}, nil
}

// BuildWatcher builds the watcher for the configured build.
func (c *Config) BuildWatcher(log *zap.SugaredLogger) (*build.Watcher, error) {
	w := &build.Watcher{
		PackageManager: c.Build.PackageManager,
		Script:         c.Build.Script,
		SourceDir:      c.Build.SourceDir,
		Occurrences:    c.Build.Occurrences,
		Timeout:        c.Build.Timeout,
		Args:           c.Build.Args,
		Log:            log,
	}
	if c.Build.Marker != "" {
		re, err := regexp.Compile(c.Build.Marker)
		if err != nil {
			return nil, fmt.Errorf("compiling build marker: %w", err)
		}
		w.Marker = re
	}
	return w, nil
}

// Logger builds a development logger at the configured level.
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	zc := zap.NewDevelopmentConfig()
	zc.Level = level
	return zc.Build()
}
