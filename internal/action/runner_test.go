package action

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/csync2go/csyncd/internal/store"
)

func openTestStore(t *testing.T) store.Store {
	t.Helper()

	dsn := "file:" + filepath.Join(t.TempDir(), "csync2.db")
	s, err := store.Open(context.Background(), dsn, store.DefaultLimits(), nil)
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestRun_SubstitutesFilenamesAndDeletesBatch(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	dir := t.TempDir()

	out := filepath.Join(dir, "out.txt")
	logfile := filepath.Join(dir, "run.log")

	command := "echo " + FilenamesMarker + " > " + out

	require.NoError(t, s.ScheduleAction(ctx, "/a", command, logfile))
	require.NoError(t, s.ScheduleAction(ctx, "/b", command, logfile))

	r := NewRunner(s, nil, 2)
	require.NoError(t, r.Run(ctx))

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "/a /b\n", string(got))

	batches, err := s.ListActionBatches(ctx)
	require.NoError(t, err)
	assert.Empty(t, batches)
}

func TestRun_OneBatchFailureDoesNotStopOthers(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	dir := t.TempDir()

	okOut := filepath.Join(dir, "ok.txt")
	logfile := filepath.Join(dir, "run.log")

	require.NoError(t, s.ScheduleAction(ctx, "/bad", "/bin/false", logfile))
	require.NoError(t, s.ScheduleAction(ctx, "/good", "touch "+okOut, "/tmp/other.log"))

	r := NewRunner(s, nil, 2)
	err := r.Run(ctx)
	require.Error(t, err)

	_, statErr := os.Stat(okOut)
	assert.NoError(t, statErr)

	batches, err := s.ListActionBatches(ctx)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, "/bin/false", batches[0].Command)
}

func TestRun_NoBatchesIsNoop(t *testing.T) {
	s := openTestStore(t)

	r := NewRunner(s, nil, 0)
	require.NoError(t, r.Run(context.Background()))
}
