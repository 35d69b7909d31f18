package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HueCodes/zeno/internal/config"
	"github.com/HueCodes/zeno/internal/models"
	v1 "github.com/HueCodes/zeno/pkg/api/v1"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "zeno.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestSetupLogger(t *testing.T) {
	tests := []struct {
		level     string
		wantDebug bool
		wantInfo  bool
	}{
		{"debug", true, true},
		{"info", false, true},
		{"warn", false, false},
		{"error", false, false},
		{"", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			logger := setupLogger(tt.level, &buf)
			ctx := context.Background()

			if got := logger.Enabled(ctx, slog.LevelDebug); got != tt.wantDebug {
				t.Errorf("debug enabled = %v, want %v", got, tt.wantDebug)
			}
			if got := logger.Enabled(ctx, slog.LevelInfo); got != tt.wantInfo {
				t.Errorf("info enabled = %v, want %v", got, tt.wantInfo)
			}

			logger.Error("boom", "repository", "acme/api")
			var line map[string]any
			require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
			assert.Equal(t, "acme/api", line["repository"])
		})
	}
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "dry-run", modeString(true))
	assert.Equal(t, "production", modeString(false))
}

func TestCreateProviderUnknown(t *testing.T) {
	cfg := &config.Config{Provider: config.ProviderConfig{Type: "nomad"}}
	_, err := createProvider(context.Background(), cfg, slog.Default())
	assert.ErrorContains(t, err, "unknown provider type")
}

func TestIdentity(t *testing.T) {
	a, b := identity(), identity()
	assert.NotEqual(t, a, b)
	host, _ := os.Hostname()
	assert.True(t, strings.HasPrefix(a, host+"-") || strings.HasPrefix(a, "zeno-"))
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "zeno dev\n", out)
}

func TestValidateCommand(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		path := writeConfig(t, `
github:
  token: test-token
repositories:
  - name: acme/api
    policy:
      mode: aggressive
      max_dynamic: 6
  - name: acme/web
`)
		out, err := execute(t, "validate", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "REPOSITORY")
		assert.Contains(t, out, "acme/api")
		assert.Contains(t, out, "aggressive")
	})

	t.Run("invalid repository policy", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "acme__docs.yaml"), []byte("mode: [\n"), 0o644))
		path := writeConfig(t, "github:\n  token: t\npolicy_dir: "+dir+"\n")

		out, err := execute(t, "validate", "--config", path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "1 of 1 repositories")
		assert.Contains(t, out, "acme/docs")
	})

	t.Run("invalid config", func(t *testing.T) {
		path := writeConfig(t, "repositories:\n  - name: acme/api\n")
		_, err := execute(t, "validate", "--config", path)
		assert.ErrorContains(t, err, "github.token is required")
	})
}

func TestStatusCommand(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		if r.URL.Path != "/api/v1/status" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(v1.StatusResponse{
			StatusSnapshot: models.StatusSnapshot{
				Repositories: []models.RepositoryStatus{
					{Repository: "acme/api", Dedicated: 1, Dynamic: 3, Busy: 2},
					{Repository: "acme/web", Dedicated: 1, Degraded: true},
				},
				Totals: models.Totals{Runners: 5, Dedicated: 2, Dynamic: 3, Busy: 2, DegradedRepositories: 1},
			},
			Provider: "docker",
		})
	}))
	defer srv.Close()

	out, err := execute(t, "status", "--addr", srv.URL, "--api-key", "secret")
	require.NoError(t, err)
	assert.Equal(t, "secret", gotKey)
	assert.Contains(t, out, "Provider: docker")
	assert.Contains(t, out, "Runners: 5 (busy 2)")

	lines := strings.Split(strings.TrimSpace(out), "\n")
	last := strings.Fields(lines[len(lines)-1])
	assert.Equal(t, []string{"acme/web", "1", "0", "0", "0", "degraded"}, last)
}

func TestStatusCommandUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	_, err := execute(t, "status", "--addr", srv.URL)
	assert.ErrorContains(t, err, "failed to get status")
}

func TestRepositoryState(t *testing.T) {
	tests := []struct {
		degraded, excluded bool
		want               string
	}{
		{false, false, "ok"},
		{true, false, "degraded"},
		{false, true, "excluded"},
		{true, true, "excluded"},
	}
	for _, tt := range tests {
		if got := repositoryState(tt.degraded, tt.excluded); got != tt.want {
			t.Errorf("repositoryState(%v, %v) = %q, want %q", tt.degraded, tt.excluded, got, tt.want)
		}
	}
}
