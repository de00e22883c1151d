package upload

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dfirkit/gograb/pkg/provider/file"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func writeLocal(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestAgentCopyAndMove(t *testing.T) {
	work := t.TempDir()
	store, err := file.New(filepath.Join(work, "remote"))
	require.NoError(t, err)

	a := NewAgent(store, nil)

	copied := writeLocal(t, work, "copied.zip", "copy me")
	moved := writeLocal(t, work, "moved.zip", "move me")

	require.NoError(t, a.Request(Request{LocalPath: copied, Key: "copied.zip", Mode: ModeCopy}))
	require.NoError(t, a.Request(Request{LocalPath: moved, Key: "moved.zip", Mode: ModeMove}))
	require.NoError(t, a.Complete(context.Background()))

	ctx := context.Background()
	size, ok, err := a.Exists(ctx, "copied.zip")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(7), size)

	_, ok, err = a.Exists(ctx, "absent.zip")
	require.NoError(t, err)
	assert.False(t, ok)

	// Copy keeps the local file, move removes it.
	_, err = os.Stat(copied)
	assert.NoError(t, err)
	_, err = os.Stat(moved)
	assert.True(t, os.IsNotExist(err))
}

func TestAgentReportsFailures(t *testing.T) {
	store, err := file.New(filepath.Join(t.TempDir(), "remote"))
	require.NoError(t, err)
	a := NewAgent(store, nil)

	var cbErr error
	require.NoError(t, a.Request(Request{
		LocalPath:  "/does/not/exist.zip",
		Key:        "x.zip",
		OnComplete: func(err error) { cbErr = err },
	}))
	err = a.Complete(context.Background())
	require.Error(t, err)
	assert.Error(t, cbErr)
}

func TestAgentRejectsAfterComplete(t *testing.T) {
	store, err := file.New(filepath.Join(t.TempDir(), "remote"))
	require.NoError(t, err)
	a := NewAgent(store, nil)
	require.NoError(t, a.Complete(context.Background()))

	err = a.Request(Request{LocalPath: "x", Key: "x"})
	assert.ErrorIs(t, err, ErrAgentClosed)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("move")
	require.NoError(t, err)
	assert.Equal(t, ModeMove, m)

	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeCopy, m)

	_, err = ParseMode("teleport")
	assert.Error(t, err)
}
