package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dfirkit/gograb/pkg/pipeline"
)

func TestParseContentFlag(t *testing.T) {
	tests := []struct {
		in      string
		want    pipeline.Content
		wantErr bool
	}{
		{"data", pipeline.Content{Kind: pipeline.KindData}, false},
		{"strings,min=6,max=64", pipeline.Content{Kind: pipeline.KindStrings, MinChars: 6, MaxChars: 64}, false},
		{"raw", pipeline.Content{Kind: pipeline.KindRaw}, false},
		{"strings,min=", pipeline.Content{}, true},
		{"strings,depth=2", pipeline.Content{}, true},
		{"bogus", pipeline.Content{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseContentFlag(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCollectCommandArchives(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "boot.ini"), []byte("payload"), 0o644))
	out := filepath.Join(t.TempDir(), "evidence.zip")

	rootCmd.SetArgs([]string{
		"collect",
		"--out", out,
		"--root", root,
		"--sample", "*.ini",
		"--name", "cfg",
	})
	require.NoError(t, rootCmd.Execute())

	zr, err := zip.OpenReader(out)
	require.NoError(t, err)
	defer func() { _ = zr.Close() }()

	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.Contains(t, names, "GetSamples.csv")
	assert.Contains(t, names, "Statistics.json")

	sampleSeen := false
	for _, n := range names {
		if filepath.Dir(n) == "cfg" {
			sampleSeen = true
		}
	}
	assert.True(t, sampleSeen, "expected a cfg/ sample entry, got %v", names)
}

func TestExitCodeOf(t *testing.T) {
	err := exitError(3, "bad input", assert.AnError)
	assert.Equal(t, 3, exitCodeOf(err))
	assert.Equal(t, 1, exitCodeOf(assert.AnError))
}
