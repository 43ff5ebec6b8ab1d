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

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gatekeeper.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv(EnvHosts, "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.False(t, cfg.TLS.Enabled())
}

func TestLoadFile(t *testing.T) {
	t.Setenv(EnvHosts, "")
	path := writeConfig(t, `
hosts:
  - etcd-1:2379
  - etcd-2:2379
read_only: true
session_timeout: 30s
dispatcher_workers: 4
hold_request_cache: false
log_level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"etcd-1:2379", "etcd-2:2379"}, cfg.Hosts)
	assert.True(t, cfg.ReadOnly)
	assert.Equal(t, 30*time.Second, cfg.SessionTimeout)
	assert.Equal(t, 10*time.Second, cfg.ConnectTimeout, "unset keys keep their default")
	assert.Equal(t, 4, cfg.DispatcherWorkers)
	assert.False(t, cfg.HoldRequestCache)
	assert.Equal(t, "debug", cfg.LogLevel)

	logger, err := cfg.NewLogger()
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))
}

func TestEnvOverridesHosts(t *testing.T) {
	t.Setenv(EnvHosts, "a:2379,b:2379")
	cfg, err := Load(writeConfig(t, "hosts: [file:2379]\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a:2379", "b:2379"}, cfg.Hosts)

	etcd, err := cfg.Etcd(zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, cfg.Hosts, etcd.Endpoints)
	assert.Equal(t, cfg.SessionTimeout, etcd.SessionTimeout)
	assert.Nil(t, etcd.TLS)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv(EnvHosts, "")
	for name, content := range map[string]string{
		"no hosts":     "hosts: []\n",
		"empty host":   "hosts: ['']\n",
		"short":        "session_timeout: 10ms\n",
		"workers":      "dispatcher_workers: 0\n",
		"log level":    "log_level: chatty\n",
		"key no cert":  "tls: {key: /tmp/key.pem}\n",
		"bad yaml":     "hosts: [\n",
		"bad duration": "connect_timeout: soon\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestTLSBuild(t *testing.T) {
	dir := t.TempDir()
	ca := filepath.Join(dir, "ca.pem")
	require.NoError(t, os.WriteFile(ca, []byte("not a certificate"), 0o600))

	_, err := TLSConfig{CA: ca}.Build()
	assert.ErrorContains(t, err, "no certificates")

	_, err = TLSConfig{CA: filepath.Join(dir, "missing.pem")}.Build()
	assert.Error(t, err)

	_, err = TLSConfig{Cert: filepath.Join(dir, "c.pem"), Key: filepath.Join(dir, "k.pem")}.Build()
	assert.ErrorContains(t, err, "client certificate")

	cfg, err := TLSConfig{}.Build()
	require.NoError(t, err)
	assert.Nil(t, cfg)
}
