package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mirror-cache/mirror-cache/pkg/config"
)

const sampleYAML = `
port: 9000
metrics_port: 9100
log_level: info
hot_reload: false
sled:
  metadata_path: /tmp/mirror-cache/meta
rules:
  - name: pypi
    path: /pypi/simple
    upstream: https://pypi.org/simple$tail
    policy: pypi-lru
    rewrite:
      - from: "https://files.pythonhosted.org"
        to: "http://localhost:9000/pypi"
policies:
  - name: pypi-lru
    type: LRU
    metadata_db: embedded
    storage: pypi-fs
    size: "10 GB"
storages:
  - name: pypi-fs
    type: FS
    config:
      root: /var/cache/mirror-cache/pypi
`

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoad_ParsesSchema(t *testing.T) {
	path := writeTemp(t, sampleYAML)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	require.Equal(t, 9000, cfg.Port)
	require.Equal(t, 9100, cfg.MetricsPort)
	require.Len(t, cfg.Rules, 1)
	require.Len(t, cfg.Policies, 1)
	require.Len(t, cfg.Storages, 1)

	require.Equal(t, uint64(10*1000*1000*1000), cfg.Policies[0].SizeBytes)
	require.Equal(t, "/var/cache/mirror-cache/pypi", cfg.Storages[0].Root())
}

func TestLoad_RuleSizeLimitOverridesPolicySize(t *testing.T) {
	const yamlWithOverride = `
port: 9000
metrics_port: 9100
sled:
  metadata_path: /tmp/mirror-cache/meta
rules:
  - path: /pypi/simple
    upstream: https://pypi.org/simple$tail
    policy: pypi-lru
    size_limit: "1 KB"
policies:
  - name: pypi-lru
    type: LRU
    metadata_db: embedded
    storage: pypi-fs
    size: "10 GB"
storages:
  - name: pypi-fs
    type: FS
    config:
      root: /var/cache/mirror-cache/pypi
`
	path := writeTemp(t, yamlWithOverride)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), cfg.Policies[0].SizeBytes)
}

func TestLoad_RejectsUnknownPolicyReference(t *testing.T) {
	bad := `
port: 9000
metrics_port: 9100
sled:
  metadata_path: /tmp/m
rules:
  - path: /x
    upstream: https://example.com
    policy: does-not-exist
policies: []
storages: []
`
	path := writeTemp(t, bad)
	_, err := config.Load(path)
	require.Error(t, err)
}

func TestLoad_RequiresRedisURLWhenReferenced(t *testing.T) {
	bad := `
port: 9000
metrics_port: 9100
rules:
  - path: /x
    upstream: https://example.com
    policy: p
policies:
  - name: p
    type: TTL
    metadata_db: redis
    storage: s
    timeout: "1s"
    clean_interval: "1s"
storages:
  - name: s
    type: MEM
    config: {}
`
	path := writeTemp(t, bad)
	_, err := config.Load(path)
	require.Error(t, err)
}
