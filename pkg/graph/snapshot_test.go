package graph_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mirror-cache/mirror-cache/pkg/config"
	"github.com/mirror-cache/mirror-cache/pkg/graph"
)

func TestSnapshot_SwapReplacesLiveGraph(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		Sled:     config.Sled{MetadataPath: filepath.Join(dir, "meta.db")},
		Storages: []config.Storage{{Name: "mem", Type: config.StorageMEM}},
		Policies: []config.Policy{
			{Name: "pypi", Type: config.PolicyLRU, Storage: "mem", SizeBytes: 1024, TimeoutSeconds: 10},
		},
		Rules: []config.Rule{
			{Name: "pypi", Path: "/pypi", Upstream: "https://pypi.org", Policy: "pypi"},
		},
	}

	g1, err := graph.Build(cfg)
	require.NoError(t, err)
	snap := graph.NewSnapshot(g1)
	require.Same(t, g1, snap.Load())

	cfg2 := *cfg
	cfg2.Sled = config.Sled{MetadataPath: filepath.Join(dir, "meta2.db")}
	cfg2.Rules = []config.Rule{
		{Name: "conda", Path: "/conda", Upstream: "https://repo.anaconda.com", Policy: "pypi"},
	}
	g2, err := graph.Build(&cfg2)
	require.NoError(t, err)

	prev := snap.Swap(g2)
	require.Same(t, g1, prev)
	require.Same(t, g2, snap.Load())

	_, ok := snap.Load().Router.Route("/conda/x")
	require.True(t, ok)
	_, ok = snap.Load().Router.Route("/pypi/x")
	require.False(t, ok)

	g1.Close()
	g2.Close()
}
