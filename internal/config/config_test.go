package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeTempConfig(t, `
server:
  port: 9090
cml:
  host: cml.lab.local
  username: admin
  password: secret
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "cml.lab.local", cfg.CML.Host)
	assert.Equal(t, 443, cfg.CML.APIPort)
	assert.Equal(t, 22, cfg.CML.ConsolePort)

	// 控制台时序默认值
	assert.Equal(t, 500*time.Millisecond, cfg.Console.SettleDelay)
	assert.Equal(t, 300*time.Millisecond, cfg.Console.CRInterval)
	assert.Equal(t, 15*time.Second, cfg.Console.PromptTimeout)
	assert.Equal(t, 50*time.Millisecond, cfg.Console.PagerDelay)
	assert.Equal(t, 2*time.Second, cfg.Console.RecoveryTimeout)
	assert.Equal(t, 3, cfg.Console.StabilizeRetries)
	assert.Equal(t, 50, cfg.Console.MaxIterations)

	assert.Equal(t, "local", cfg.Storage.Backend)
	assert.Equal(t, 8, cfg.Collector.Concurrent)
}

func TestLoadEnvVarSubstitution(t *testing.T) {
	t.Setenv("LAB_CML_PASS", "fromenv")
	path := writeTempConfig(t, `
cml:
  host: cml.lab.local
  username: admin
  password: ${LAB_CML_PASS}
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "fromenv", cfg.CML.Password)
}

func TestGetServerAddr(t *testing.T) {
	cfg := &Config{Server: ServerConfig{Host: "127.0.0.1", Port: 8080}}
	assert.Equal(t, "127.0.0.1:8080", cfg.GetServerAddr())
}
