package dataset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"dispatch_dashboard/internal/normalize"
)

func TestBundledDataset(t *testing.T) {
	f, err := NewFallback("")
	require.NoError(t, err)
	items := f.Emergencies()
	require.Len(t, items, 5)
	require.Equal(t, "CALL-001", items[0].ID)
	for _, e := range items {
		require.True(t, e.Severity.Valid())
		require.Equal(t, normalize.StatusActive, e.Status)
	}
}

func TestEmergenciesReturnsCopy(t *testing.T) {
	f, err := NewFallback("")
	require.NoError(t, err)
	items := f.Emergencies()
	items[0].Status = normalize.StatusResolved
	items[0].Units[0] = "changed"
	again := f.Emergencies()
	require.Equal(t, normalize.StatusActive, again[0].Status)
	require.Equal(t, "Engine 9", again[0].Units[0])
}

func TestFileDatasetAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fallback.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"type":"Flood","severity":"SEVERE"}]`), 0o644))

	f, err := NewFallback(path)
	require.NoError(t, err)
	items := f.Emergencies()
	require.Len(t, items, 1)
	require.Equal(t, "CALL-001", items[0].ID)
	require.Equal(t, normalize.SeverityMedium, items[0].Severity)
	require.Equal(t, [2]float64{normalize.FallbackLongitude, normalize.FallbackLatitude}, items[0].Location.Coordinates)
	require.NotNil(t, items[0].Units)

	require.NoError(t, os.WriteFile(path, []byte(`not json`), 0o644))
	require.Error(t, f.Reload())
	require.Len(t, f.Emergencies(), 1, "previous contents survive a bad reload")

	require.NoError(t, os.WriteFile(path, []byte(`[{"id":"A"},{"id":"B"}]`), 0o644))
	require.NoError(t, f.Reload())
	require.Len(t, f.Emergencies(), 2)
}

func TestMissingFileFails(t *testing.T) {
	_, err := NewFallback(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}
