package docker

import (
	"archive/tar"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HueCodes/zeno/internal/models"
)

func TestAssignmentMarker(t *testing.T) {
	want := assignment{
		ID:         "0b5d",
		Name:       "zeno-acme-api-dynamic-0b5d",
		Repository: "acme/api",
		Class:      models.ClassDynamic,
	}

	archive, err := encodeAssignment(want)
	require.NoError(t, err)

	got, ok, err := decodeAssignment(archive)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, want, got)
}

func tarOf(t *testing.T, name, body string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(body))}))
	_, err := tw.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	return &buf
}

func TestDecodeAssignment(t *testing.T) {
	tests := []struct {
		name     string
		archive  *bytes.Buffer
		assigned bool
		wantErr  string
	}{
		{"assigned", tarOf(t, assignmentFile, `{"id":"1","name":"r","repository":"acme/api","class":"dynamic"}`), true, ""},
		{"no repository", tarOf(t, assignmentFile, `{"id":"1"}`), false, ""},
		{"other file", tarOf(t, "etc/hostname", "abc"), false, ""},
		{"corrupt marker", tarOf(t, assignmentFile, "{"), false, "invalid assignment marker"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok, err := decodeAssignment(tt.archive)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.True(t, strings.Contains(err.Error(), tt.wantErr))
				return
			}
			require.NoError(t, err)
			if ok != tt.assigned {
				t.Errorf("assigned = %v, want %v", ok, tt.assigned)
			}
		})
	}
}
