package graph_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mirror-cache/mirror-cache/pkg/config"
	"github.com/mirror-cache/mirror-cache/pkg/graph"
)

func TestBuild_WiresStoragesPoliciesAndRouter(t *testing.T) {
	dir := t.TempDir()

	cfg := &config.Config{
		Port:        8080,
		MetricsPort: 9090,
		LogLevel:    "info",
		Sled:        config.Sled{MetadataPath: filepath.Join(dir, "meta.db")},
		Storages: []config.Storage{
			{Name: "mem", Type: config.StorageMEM},
		},
		Policies: []config.Policy{
			{Name: "pypi", Type: config.PolicyLRU, Storage: "mem", SizeBytes: 1024, TimeoutSeconds: 10},
			{Name: "conda", Type: config.PolicyTTL, Storage: "mem", TimeoutSeconds: 10, CleanIntervalSeconds: 60},
		},
		Rules: []config.Rule{
			{Name: "pypi", Path: "/pypi/simple", Upstream: "https://pypi.org/simple", Policy: "pypi"},
		},
	}

	g, err := graph.Build(cfg)
	require.NoError(t, err)
	defer g.Close()

	require.Len(t, g.Policies, 2)
	require.Equal(t, "pypi", g.Policies["pypi"].Name())
	require.Equal(t, "conda", g.Policies["conda"].Name())

	m, ok := g.Router.Route("/pypi/simple/flask/")
	require.True(t, ok)
	require.Equal(t, "pypi", m.Rule.Policy)
}

func TestBuild_UnknownStorageReferenceFails(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		Sled: config.Sled{MetadataPath: filepath.Join(dir, "meta.db")},
		Policies: []config.Policy{
			{Name: "pypi", Type: config.PolicyLRU, Storage: "missing", SizeBytes: 1024},
		},
	}

	_, err := graph.Build(cfg)
	require.Error(t, err)
}
