package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const sampleConfig = `
host:
  projectPath: /srv/app
  entrypoint: entry.js
  port: 5000
  invocationTimeout: 30s
  env:
    NODE_ENV: production
build:
  script: build:ssr
  occurrences: 1
  timeout: 2m
logLevel: debug
`

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "scripthost.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFromFile(t *testing.T) {
	cfg, err := LoadFromFile(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "/srv/app", cfg.Host.ProjectPath)
	assert.Equal(t, 5000, cfg.Host.Port)
	assert.Equal(t, 30*time.Second, cfg.Host.InvocationTimeout)
	assert.Equal(t, map[string]string{"NODE_ENV": "production"}, cfg.Host.Env)
	assert.Equal(t, "build:ssr", cfg.Build.Script)
	assert.Equal(t, 1, cfg.Build.Occurrences)
	assert.Equal(t, 2*time.Minute, cfg.Build.Timeout)
	assert.Equal(t, "debug", cfg.LogLevel)

	// unset fields keep their defaults
	assert.Equal(t, "node", cfg.Host.NodePath)
	assert.Equal(t, "HttpNodeHost", cfg.Host.ReadinessMarker)
	assert.Equal(t, "npm", cfg.Build.PackageManager)
	assert.Equal(t, "Build at:", cfg.Build.Marker)
}

func TestLoadFromFileErrors(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = LoadFromFile(writeConfig(t, "host: [unterminated"))
	require.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SCRIPTHOST_NODE_PATH", "/usr/local/bin/node")
	t.Setenv("SCRIPTHOST_PORT", "7000")
	t.Setenv("SCRIPTHOST_INVOCATION_TIMEOUT", "5s")
	t.Setenv("SCRIPTHOST_DEBUG", "true")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, "/usr/local/bin/node", cfg.Host.NodePath)
	assert.Equal(t, 7000, cfg.Host.Port)
	assert.Equal(t, 5*time.Second, cfg.Host.InvocationTimeout)
	assert.True(t, cfg.Host.LaunchWithDebugging)
	assert.Equal(t, "/srv/app", cfg.Host.ProjectPath)
}

func TestLoadFromEnvInvalid(t *testing.T) {
	t.Setenv("SCRIPTHOST_PORT", "not-a-port")
	_, err := Load("")
	require.ErrorContains(t, err, "SCRIPTHOST_PORT")
}

func TestHostOptions(t *testing.T) {
	dir := t.TempDir()
	entry := filepath.Join(dir, "entry.js")
	require.NoError(t, os.WriteFile(entry, []byte("console.log('hi')"), 0o644))

	cfg := DefaultConfig()
	_, err := cfg.HostOptions(zap.NewNop().Sugar())
	require.Error(t, err)

	cfg.Host.Entrypoint = entry
	cfg.Host.Port = 1234
	opts, err := cfg.HostOptions(zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.Equal(t, "console.log('hi')", opts.EntrypointScript)
	assert.Equal(t, 1234, opts.Port)
	assert.Equal(t, 60*time.Second, opts.InvocationTimeout)
}

func TestBuildWatcher(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Build.Marker = `Compiled (\d+)`
	w, err := cfg.BuildWatcher(zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.True(t, w.Marker.MatchString("Compiled 3 files"))
	assert.Equal(t, 2, w.Occurrences)

	cfg.Build.Marker = "("
	_, err = cfg.BuildWatcher(zap.NewNop().Sugar())
	require.Error(t, err)
}
