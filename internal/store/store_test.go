package store

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HueCodes/zeno/internal/config"
	"github.com/HueCodes/zeno/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func event(typ models.EventType, repo string, minute int) models.Event {
	return models.Event{
		Type:       typ,
		Repository: repo,
		Timestamp:  time.Date(2024, 3, 4, 9, minute, 0, 0, time.UTC),
	}
}

func TestStoreDisabled(t *testing.T) {
	s, err := New(config.StoreConfig{Enabled: false}, testLogger())
	require.NoError(t, err)

	s.Emit(event(models.EventScalingUp, "acme/api", 0))
	assert.Equal(t, 0, s.Len())
}

func TestStoreBoundedAndPersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.json")
	cfg := config.StoreConfig{Enabled: true, Path: path, MaxEvents: 3}

	s, err := New(cfg, testLogger())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Record(event(models.EventRunnerCreated, "acme/api", i)))
	}
	assert.Equal(t, 3, s.Len())

	reloaded, err := New(cfg, testLogger())
	require.NoError(t, err)
	got := reloaded.Recent("", 0)
	require.Len(t, got, 3)
	assert.Equal(t, 4, got[0].Timestamp.Minute(), "newest first")
	assert.Equal(t, 2, got[2].Timestamp.Minute())
}

func TestStoreRecent(t *testing.T) {
	s, err := New(config.StoreConfig{Enabled: true}, testLogger())
	require.NoError(t, err)

	s.Emit(event(models.EventScalingUp, "acme/api", 1))
	s.Emit(event(models.EventScalingUp, "acme/web", 2))
	s.Emit(event(models.EventScalingDown, "acme/api", 3))

	tests := []struct {
		name  string
		repo  string
		limit int
		want  []int
	}{
		{"all", "", 0, []int{3, 2, 1}},
		{"limited", "", 2, []int{3, 2}},
		{"by repository", "acme/api", 0, []int{3, 1}},
		{"unknown repository", "acme/none", 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []int
			for _, e := range s.Recent(tt.repo, tt.limit) {
				got = append(got, e.Timestamp.Minute())
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := New(config.StoreConfig{Enabled: true, Path: path}, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load store")
}

func TestStoreMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.json")

	s, err := New(config.StoreConfig{Enabled: true, Path: path}, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 0, s.Len())
}
