package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/open-community-runtime/ocr/internal/guid"
)

func TestLoadParsesNeighborsAndDefaultsWorkerCount(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pd0.yaml")
	doc := `
location: 0
listenAddr: "127.0.0.1:9000"
blessed: true
neighbors:
  - location: 1
    addr: "127.0.0.1:9001"
affinities:
  - name: gpu0
    location: 1
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.EqualValues(t, 0, cfg.Location)
	require.True(t, cfg.Blessed)
	require.Equal(t, 1, cfg.ComputeWorkers, "unset computeWorkers must default to 1")
	require.Len(t, cfg.Neighbors, 1)
	require.Equal(t, []guid.Location{1}, cfg.NeighborLocations())
}

func TestValidateRejectsSelfAsNeighbor(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	doc := "location: 3\nneighbors:\n  - location: 3\n    addr: \"x\"\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}
