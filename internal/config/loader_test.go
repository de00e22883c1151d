package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	s, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "normal", s.Compression)
	assert.Equal(t, "md5,sha1", s.Hash)
	assert.False(t, s.ReportAll)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gograb.yaml")
	content := "compression: maximum\nreport_all: true\nhash: sha256\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "maximum", s.Compression)
	assert.Equal(t, "sha256", s.Hash)
	assert.True(t, s.ReportAll)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("GOGRAB_COMPRESSION", "fast")
	t.Setenv("GOGRAB_REPORT_ALL", "true")

	s, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "fast", s.Compression)
	assert.True(t, s.ReportAll)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
