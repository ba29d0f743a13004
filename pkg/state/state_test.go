package state

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeGROOVE-dev/starbar/pkg/stars"
)

func TestLoadMissingFile(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "state.json"))
	f, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultScanIntervalDays, f.ScanIntervalDays)
	assert.NotNil(t, f.Repos)
	assert.Nil(t, f.LastFullScan)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	s := NewStore(path)

	scanned := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	starred := scanned.Add(-time.Hour)
	in := &File{
		Snapshot: stars.Snapshot{
			LastFullScan: &scanned,
			Repos: map[string]stars.RepoState{
				"alice/app": {LastStarAt: &starred, StarCount: 12, WebhookSecret: "s3cret", CreatedAt: scanned.AddDate(-1, 0, 0)},
			},
			Tracked: []string{"alice/app"},
			Recent:  []stars.StarEvent{{Timestamp: starred, Repo: "alice/app", User: "bob", StarNumber: 12}},
		},
		ScanIntervalDays: 7,
	}
	require.NoError(t, s.Save(in))

	out, err := s.Load()
	require.NoError(t, err)
	require.NotNil(t, out.LastFullScan)
	assert.True(t, scanned.Equal(*out.LastFullScan))
	assert.Equal(t, []string{"alice/app"}, out.Tracked)
	assert.Equal(t, "s3cret", out.Repos["alice/app"].WebhookSecret)
	assert.Equal(t, 12, out.Repos["alice/app"].StarCount)
	require.Len(t, out.Recent, 1)
	assert.Equal(t, "bob", out.Recent[0].User)

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestLoadToleratesComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	doc := `{
  // hand-edited
  "last_full_scan": "2026-03-01T12:00:00Z",
  "scan_interval_days": 3,
  "tracked_repos": ["alice/app",],
  "repos": {
    "alice/app": {"star_count": 4, "created_at": "2025-01-01T00:00:00Z"}, /* trailing */
  },
}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	f, err := NewStore(path).Load()
	require.NoError(t, err)
	assert.Equal(t, 3, f.ScanIntervalDays)
	assert.Equal(t, 4, f.Repos["alice/app"].StarCount)
	assert.Nil(t, f.Repos["alice/app"].LastStarAt)
}

func TestLoadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err := NewStore(path).Load()
	assert.Error(t, err)
}

func TestSaveFailureLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, os.MkdirAll(filepath.Join(path, "occupied"), 0o700))

	err := NewStore(path).Save(&File{ScanIntervalDays: 7})
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "state.json", entries[0].Name())
}
