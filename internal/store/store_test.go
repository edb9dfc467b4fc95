package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) Store {
	t.Helper()

	dir := t.TempDir()
	dsn := "file:" + filepath.Join(dir, "csync2.db")

	s, err := Open(context.Background(), dsn, DefaultLimits(), nil)
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestOpen_UnsupportedScheme(t *testing.T) {
	_, err := Open(context.Background(), "mysql://localhost/csync2", DefaultLimits(), nil)
	require.ErrorIs(t, err, ErrUnsupportedScheme)
}

func TestFileRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rec, err := s.GetFile(ctx, "/a/b")
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, s.UpsertFile(ctx, FileRecord{Filename: "/a/b", CheckText: "v1:size=1"}))

	rec, err = s.GetFile(ctx, "/a/b")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "v1:size=1", rec.CheckText)

	require.NoError(t, s.UpsertFile(ctx, FileRecord{Filename: "/a/b", CheckText: "v1:size=2"}))

	rec, err = s.GetFile(ctx, "/a/b")
	require.NoError(t, err)
	assert.Equal(t, "v1:size=2", rec.CheckText)

	require.NoError(t, s.DeleteFile(ctx, "/a/b"))

	rec, err = s.GetFile(ctx, "/a/b")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestListFilesUnder_Recursive(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for _, f := range []string{"/data", "/data/a", "/data/b/c", "/other"} {
		require.NoError(t, s.UpsertFile(ctx, FileRecord{Filename: f, CheckText: "v1"}))
	}

	recs, err := s.ListFilesUnder(ctx, "/data", true)
	require.NoError(t, err)

	var names []string
	for _, r := range recs {
		names = append(names, r.Filename)
	}

	assert.ElementsMatch(t, []string{"/data", "/data/a", "/data/b/c"}, names)
}

func TestDirtyLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.MarkDirty(ctx, "/a", "nodeA", "nodeB", false, true))

	dirty, err := s.IsDirty(ctx, "/a", "nodeB")
	require.NoError(t, err)
	assert.True(t, dirty)

	recs, err := s.ListDirtyForPeer(ctx, "nodeB")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "/a", recs[0].Filename)
	assert.False(t, recs[0].Force)

	// Upsert re-marking with force=true should OR the flag in, not clear it.
	require.NoError(t, s.MarkDirty(ctx, "/a", "nodeA", "nodeB", true, true))

	recs, err = s.ListDirtyForPeer(ctx, "nodeB")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Force)

	peers, err := s.ListDirtyPeers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"nodeB"}, peers)

	require.NoError(t, s.DeleteDirty(ctx, "/a", "nodeB"))

	dirty, err = s.IsDirty(ctx, "/a", "nodeB")
	require.NoError(t, err)
	assert.False(t, dirty)
}

func TestSetForce_AffectsAllPeers(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.MarkDirty(ctx, "/a", "nodeA", "nodeB", false, true))
	require.NoError(t, s.MarkDirty(ctx, "/a", "nodeA", "nodeC", false, true))

	n, err := s.SetForce(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	recs, err := s.ListAllDirty(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	for _, r := range recs {
		assert.True(t, r.Force)
	}
}

func TestHints_DrainIsOnceOnly(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.AddHint(ctx, "/a", false))
	require.NoError(t, s.AddHint(ctx, "/b", true))

	hints, err := s.DrainHints(ctx)
	require.NoError(t, err)
	require.Len(t, hints, 2)
	assert.Equal(t, "/a", hints[0].Filename)
	assert.False(t, hints[0].Recursive)
	assert.True(t, hints[1].Recursive)

	again, err := s.DrainHints(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestHints_ListIsNonDestructive(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.AddHint(ctx, "/a", false))
	require.NoError(t, s.AddHint(ctx, "/b", true))

	first, err := s.ListHints(ctx)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "/a", first[0].Filename)
	assert.True(t, first[1].Recursive)

	second, err := s.ListHints(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	drained, err := s.DrainHints(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, drained)
}

func TestActionBatches_GroupByCommandAndLogfile(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.ScheduleAction(ctx, "/a", "reload %%", "/var/log/reload.log"))
	require.NoError(t, s.ScheduleAction(ctx, "/b", "reload %%", "/var/log/reload.log"))
	require.NoError(t, s.ScheduleAction(ctx, "/c", "other %%", "/var/log/other.log"))

	batches, err := s.ListActionBatches(ctx)
	require.NoError(t, err)
	require.Len(t, batches, 2)

	// Batches come back ordered by command, so "other %%" sorts first.
	assert.Equal(t, "reload %%", batches[1].Command)
	assert.Equal(t, []string{"/a", "/b"}, batches[1].Filenames)

	require.NoError(t, s.DeleteActionBatch(ctx, batches[1].Command, batches[1].Logfile))

	batches, err = s.ListActionBatches(ctx)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, "other %%", batches[0].Command)
}

func TestPinCert_TrustOnFirstUseThenMismatch(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	cert, err := s.GetPinnedCert(ctx, "nodeB")
	require.NoError(t, err)
	assert.Nil(t, cert)

	require.NoError(t, s.PinCert(ctx, "nodeB", []byte("cert-v1")))

	cert, err = s.GetPinnedCert(ctx, "nodeB")
	require.NoError(t, err)
	assert.Equal(t, []byte("cert-v1"), cert)

	// Re-pinning the same bytes is a no-op.
	require.NoError(t, s.PinCert(ctx, "nodeB", []byte("cert-v1")))

	// A different certificate is rejected rather than silently trusted.
	err = s.PinCert(ctx, "nodeB", []byte("cert-v2"))
	require.ErrorIs(t, err, ErrCertMismatch)
}

func TestManyWrites_CommitsAcrossBatchThreshold(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	dsn := "file:" + filepath.Join(dir, "csync2.db")

	limits := DefaultLimits()
	limits.MaxBatchWrites = 4

	s, err := Open(ctx, dsn, limits, nil)
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, s.UpsertFile(ctx, FileRecord{Filename: filepath.Join("/f", string(rune('a'+i))), CheckText: "v1"}))
	}

	recs, err := s.ListFilesUnder(ctx, "/f", true)
	require.NoError(t, err)
	assert.Len(t, recs, 10)
}
