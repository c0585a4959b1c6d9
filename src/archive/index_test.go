package archive

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/LogArchive/src/latch"
	"github.com/Blackdeer1524/LogArchive/src/pkg/common"
)

func TestOpenIndexRequiresArchdir(t *testing.T) {
	_, err := OpenIndex(IndexOptions{}, common.NoopLogger{})
	assert.ErrorIs(t, err, common.ErrBadConfig)
}

func TestOpenIndexRejectsUnknownFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stray.bin"), []byte{1}, 0o644))

	_, err := OpenIndex(IndexOptions{Archdir: dir}, common.NoopLogger{})
	assert.ErrorIs(t, err, common.ErrBadConfig)
}

func TestOpenIndexDropsIncompleteRuns(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "current.1"), []byte{1}, 0o644))

	idx, err := OpenIndex(IndexOptions{Archdir: dir}, common.NoopLogger{})
	require.NoError(t, err)
	defer idx.Close()

	_, err = os.Stat(filepath.Join(dir, "current.1"))
	assert.True(t, os.IsNotExist(err))
}

func TestRunFileNameGrammar(t *testing.T) {
	id, ok := ParseRunFileName("archive.3-7.2")
	require.True(t, ok)
	assert.Equal(t, RunId{Begin: 3, End: 7, Level: 2}, id)
	assert.Equal(t, "archive.3-7.2", id.String())

	for _, bad := range []string{"archive.3-7", "current.1", "log.3", "archive.a-b.1"} {
		_, ok := ParseRunFileName(bad)
		assert.False(t, ok, bad)
	}

	assert.True(t, IsCurrRunFileName("current.1"))
	assert.False(t, IsCurrRunFileName("archive.1-2.1"))
}

// A pending run reserved by OpenNewRun is invisible until CloseCurrentRun
// installs it under the exclusive latch.
func TestRunVisibility(t *testing.T) {
	idx := newTestIndex(t, t.TempDir())

	require.NoError(t, idx.OpenNewRun(1))

	rec := testRec{pid: 1, version: 1}
	block := recBytes(t, rec)
	require.NoError(t, idx.Append(block, 1))
	idx.NewBlock([]BucketInfo{{PID: 1, Offset: 0}}, 1)

	var inputs []MergeInput
	_, err := idx.Probe(&inputs, 1, 2, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, inputs)

	require.NoError(t, idx.CloseCurrentRun(1, 1))

	_, err = idx.Probe(&inputs, 1, 2, 0, 0)
	require.NoError(t, err)
	require.Len(t, inputs, 1)
	idx.CloseScan(inputs[0].runFile.ID)

	assert.EqualValues(t, 1, idx.GetLastRun())
	assert.Equal(t, []string{"archive.1-1.1"}, idx.ListFiles(0))
}

// Trailer round trip: runs written through the appender are picked up by a
// fresh index and probed successfully.
func TestIndexReload(t *testing.T) {
	dir := t.TempDir()
	idx := newTestIndex(t, dir)

	buildRun(t, idx, 1, 4, []testRec{
		{pid: 10, version: 1, img: true},
		{pid: 10, version: 2},
		{pid: 20, version: 1},
	})
	buildRun(t, idx, 1, 9, []testRec{
		{pid: 20, version: 2},
	})
	idx.Close()

	reopened, err := OpenIndex(IndexOptions{Archdir: dir}, common.NoopLogger{})
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, 2, reopened.RunCount(1))
	assert.EqualValues(t, 9, reopened.GetLastRun())
	assert.EqualValues(t, 1, reopened.GetFirstRunOnLevel(1))

	s := NewScan(reopened)
	defer s.Close()

	require.NoError(t, s.Open(10, 21, 0, 0))
	got := collectScan(t, s)
	want := []testRec{
		{pid: 10, version: 1, img: true},
		{pid: 10, version: 2},
		{pid: 20, version: 1},
		{pid: 20, version: 2},
	}
	assert.Equal(t, want, got)
}

func TestOpenIndexReformat(t *testing.T) {
	dir := t.TempDir()
	idx := newTestIndex(t, dir)
	buildRun(t, idx, 1, 1, []testRec{{pid: 1, version: 1}})
	idx.Close()

	wiped, err := OpenIndex(IndexOptions{Archdir: dir, Reformat: true}, common.NoopLogger{})
	require.NoError(t, err)
	defer wiped.Close()

	assert.Zero(t, wiped.RunCount(1))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEmptyRunDiscarded(t *testing.T) {
	dir := t.TempDir()
	idx := newTestIndex(t, dir)

	require.NoError(t, idx.OpenNewRun(1))
	require.NoError(t, idx.CloseCurrentRun(1, 1))

	assert.Zero(t, idx.RunCount(1))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestListRunsNonOverlapping(t *testing.T) {
	idx := newTestIndex(t, t.TempDir())

	buildRun(t, idx, 1, 5, []testRec{{pid: 1, version: 1}})
	buildRun(t, idx, 1, 10, []testRec{{pid: 1, version: 2}})

	assert.Equal(t, []RunId{
		{Begin: 1, End: 5, Level: 1},
		{Begin: 6, End: 10, Level: 1},
	}, idx.ListRunsNonOverlapping())

	// a level-2 run covering [1, 10] supersedes both
	buildRun(t, idx, 2, 10, []testRec{
		{pid: 1, version: 1},
		{pid: 1, version: 2},
	})

	assert.Equal(t, []RunId{
		{Begin: 1, End: 10, Level: 2},
	}, idx.ListRunsNonOverlapping())
}

func TestDeleteRunsKeepsUncovered(t *testing.T) {
	dir := t.TempDir()
	idx := newTestIndex(t, dir)

	buildRun(t, idx, 1, 5, []testRec{{pid: 1, version: 1}})
	buildRun(t, idx, 1, 10, []testRec{{pid: 1, version: 2}})
	buildRun(t, idx, 1, 12, []testRec{{pid: 1, version: 3}})
	buildRun(t, idx, 2, 10, []testRec{
		{pid: 1, version: 1},
		{pid: 1, version: 2},
	})

	require.NoError(t, idx.DeleteRuns(0))

	// [11,12] is not covered by the level-2 run and survives
	assert.Equal(t, 1, idx.RunCount(1))
	assert.Equal(t, []RunId{
		{Begin: 1, End: 10, Level: 2},
		{Begin: 11, End: 12, Level: 1},
	}, idx.ListRunsNonOverlapping())

	_, err := os.Stat(filepath.Join(dir, "archive.1-5.1"))
	assert.True(t, os.IsNotExist(err))

	// the merged history is still fully scannable
	s := NewScan(idx)
	defer s.Close()
	require.NoError(t, s.Open(1, 2, 0, 0))
	assert.Len(t, collectScan(t, s), 3)
}

// The LRU cache evicts only unreferenced mappings and stays within its cap
// when possible.
func TestOpenFileCacheEviction(t *testing.T) {
	dir := t.TempDir()
	idx, err := OpenIndex(IndexOptions{Archdir: dir, MaxOpenFiles: 1}, common.NoopLogger{})
	require.NoError(t, err)
	defer idx.Close()

	buildRun(t, idx, 1, 1, []testRec{{pid: 1, version: 1}})
	buildRun(t, idx, 1, 2, []testRec{{pid: 2, version: 1}})

	a := RunId{Begin: 1, End: 1, Level: 1}
	b := RunId{Begin: 2, End: 2, Level: 1}

	rfA, err := idx.OpenForScan(a)
	require.NoError(t, err)
	idx.CloseScan(a)

	_, err = idx.OpenForScan(b)
	require.NoError(t, err)

	idx.openFileMutex.Acquire(latch.ModeSH, latch.WaitForever)
	_, stillCached := idx.openFiles[a]
	cacheLen := len(idx.openFiles)
	idx.openFileMutex.Release()

	assert.False(t, stillCached)
	assert.Nil(t, rfA.Data)
	assert.Equal(t, 1, cacheLen)

	idx.CloseScan(b)
}

// A pinned mapping survives the cap; eviction happens later.
func TestOpenFileCachePinnedOverCap(t *testing.T) {
	dir := t.TempDir()
	idx, err := OpenIndex(IndexOptions{Archdir: dir, MaxOpenFiles: 1}, common.NoopLogger{})
	require.NoError(t, err)
	defer idx.Close()

	buildRun(t, idx, 1, 1, []testRec{{pid: 1, version: 1}})
	buildRun(t, idx, 1, 2, []testRec{{pid: 2, version: 1}})

	a := RunId{Begin: 1, End: 1, Level: 1}
	b := RunId{Begin: 2, End: 2, Level: 1}

	rfA, err := idx.OpenForScan(a)
	require.NoError(t, err)

	_, err = idx.OpenForScan(b)
	require.NoError(t, err)

	// a is pinned, so the cache runs over the cap instead of unmapping it
	assert.NotNil(t, rfA.Data)

	idx.CloseScan(a)
	idx.CloseScan(b)
}
