package wal

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/LogArchive/src/pkg/common"
)

// Single-record round trip: one partition, one 32-byte redo record.
func TestConsumerSingleRecord(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := newTestStorage(t, fs, 8192)
	defer s.Close()

	writePartition(t, s, 1, redoRecord(t, 7, 1, 32))

	c := NewConsumer(common.NewLSN(1, 0), 8192, s, common.NoopLogger{})
	defer c.Shutdown()

	c.Open(common.NewLSN(1, 32), false)

	var (
		lr  Record
		lsn common.LSN
	)
	require.True(t, c.Next(&lr, &lsn))
	assert.EqualValues(t, 7, lr.PID())
	assert.EqualValues(t, 1, lr.PageVersion())
	assert.EqualValues(t, 32, lr.Length())
	assert.EqualValues(t, typeRedo, lr.Type())
	assert.Equal(t, common.NewLSN(1, 0), lsn)

	require.False(t, c.Next(&lr, &lsn))
	require.NoError(t, c.Err())
	assert.Equal(t, common.NewLSN(1, 32), c.GetNextLSN())
}

// Records of lengths 48, 48, 32 with blockSize 64: the second record
// straddles blocks 1-2 and arrives via the scanner's scratch buffer.
func TestConsumerBlockBoundarySpanning(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := newTestStorage(t, fs, 64)
	defer s.Close()

	writePartition(t, s, 1,
		redoRecord(t, 1, 1, 48),
		redoRecord(t, 2, 1, 48),
		redoRecord(t, 3, 1, 32),
	)

	c := NewConsumer(common.NewLSN(1, 0), 64, s, common.NoopLogger{})
	defer c.Shutdown()

	c.Open(common.NewLSN(1, 128), false)

	var lr Record
	wantPIDs := []common.PageID{1, 2, 3}
	wantLSNs := []common.LSN{
		common.NewLSN(1, 0),
		common.NewLSN(1, 48),
		common.NewLSN(1, 96),
	}

	for i, want := range wantPIDs {
		var lsn common.LSN
		require.True(t, c.Next(&lr, &lsn), "record %d", i)
		assert.Equal(t, want, lr.PID())
		assert.Equal(t, wantLSNs[i], lsn)
	}

	require.False(t, c.Next(&lr, nil))
	require.NoError(t, c.Err())
}

// Partition rotation without an EOF marker: log.1 ends at offset 96 and
// the consumer jumps transparently to log.2.
func TestConsumerPartitionRotationNoEOF(t *testing.T) {
	fs := afero.NewMemMapFs()

	stream := append(
		append([]byte{}, redoRecord(t, 1, 1, 48)...),
		redoRecord(t, 2, 1, 48)...,
	)
	require.NoError(t, fs.MkdirAll("/log", 0o755))
	require.NoError(t, afero.WriteFile(fs, "/log/log.1", stream, 0o644))
	require.NoError(t, afero.WriteFile(fs, "/log/log.2", redoRecord(t, 3, 1, 48), 0o644))

	s, err := OpenStorage(fs, StorageOptions{
		Logdir:        "/log",
		PartitionSize: 1 << 20,
		SegmentSize:   64,
	}, common.NoopLogger{})
	require.NoError(t, err)
	defer s.Close()

	c := NewConsumer(common.NewLSN(1, 0), 64, s, common.NoopLogger{})
	defer c.Shutdown()

	c.Open(common.NewLSN(2, 48), false)

	var lr Record
	require.True(t, c.Next(&lr, nil))
	assert.EqualValues(t, 1, lr.PID())
	require.True(t, c.Next(&lr, nil))
	assert.EqualValues(t, 2, lr.PID())

	var lsn common.LSN
	require.True(t, c.Next(&lr, &lsn))
	assert.EqualValues(t, 3, lr.PID())
	assert.Equal(t, common.NewLSN(2, 0), lsn)

	require.False(t, c.Next(&lr, nil))
	require.NoError(t, c.Err())
}

// Rotation through the EOF marker written by Finalize.
func TestConsumerPartitionRotationWithEOF(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := newTestStorage(t, fs, 8192)
	defer s.Close()

	writePartition(t, s, 1,
		redoRecord(t, 1, 1, 48),
		redoRecord(t, 1, 2, 48),
	)
	// rotating finalizes log.1 with an EOF record
	writePartition(t, s, 2, redoRecord(t, 9, 1, 64))

	c := NewConsumer(common.NewLSN(1, 0), 8192, s, common.NoopLogger{})
	defer c.Shutdown()

	c.Open(common.NewLSN(2, 64), false)

	var lr Record
	require.True(t, c.Next(&lr, nil))
	assert.EqualValues(t, 1, lr.PageVersion())
	require.True(t, c.Next(&lr, nil))
	assert.EqualValues(t, 2, lr.PageVersion())

	require.True(t, c.Next(&lr, nil))
	assert.EqualValues(t, 9, lr.PID())

	require.False(t, c.Next(&lr, nil))
	require.NoError(t, c.Err())
	assert.Equal(t, common.NewLSN(2, 64), c.GetNextLSN())
}

// nextLSN is strictly increasing by lr.Length() across non-EOF records and
// jumps to (hi+1, 0) across partition boundaries.
func TestConsumerLSNMonotonicity(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := newTestStorage(t, fs, 256)
	defer s.Close()

	lengths := []int{48, 32, 160, 48, 96, 32, 64, 400, 16, 80}
	var p1Size uint32
	recs := make([]Record, 0, len(lengths))
	for i, l := range lengths {
		recs = append(recs, redoRecord(t, common.PageID(i), uint32(i+1), l))
		p1Size += uint32(l)
	}
	writePartition(t, s, 1, recs...)
	writePartition(t, s, 2, redoRecord(t, 100, 1, 48), redoRecord(t, 100, 2, 32))

	c := NewConsumer(common.NewLSN(1, 0), 256, s, common.NoopLogger{})
	defer c.Shutdown()

	c.Open(common.NewLSN(2, 80), false)

	var (
		lr   Record
		lsn  common.LSN
		prev common.LSN
		seen int
	)
	for c.Next(&lr, &lsn) {
		if seen > 0 {
			assert.Greater(t, lsn, prev)
		}
		assert.Equal(t, lsn.Advance(lr.Length()), c.GetNextLSN())
		prev = lsn
		seen++
	}

	require.NoError(t, c.Err())
	assert.Equal(t, len(lengths)+2, seen)
	assert.Equal(t, common.NewLSN(2, 80), c.GetNextLSN())
}

// The consumer emits exactly the record sequence a byte-level parser sees
// over the concatenated partition bytes: nothing duplicated, dropped or
// reordered.
func TestConsumerMatchesByteParser(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := newTestStorage(t, fs, 128)
	defer s.Close()

	lengths := []int{32, 176, 48, 96, 16, 64, 32, 240}
	var (
		recs  []Record
		total uint32
	)
	for i, l := range lengths {
		recs = append(recs, redoRecord(t, common.PageID(i%3), uint32(i+1), l))
		total += uint32(l)
	}
	writePartition(t, s, 1, recs...)

	raw, err := afero.ReadFile(fs, "/log/log.1")
	require.NoError(t, err)

	type key struct {
		pid     common.PageID
		version uint32
		length  uint32
	}

	var want []key
	for pos := 0; pos < len(raw); {
		rec := Record(raw[pos:])
		want = append(want, key{rec.PID(), rec.PageVersion(), rec.Length()})
		pos += int(rec.Length())
	}

	c := NewConsumer(common.NewLSN(1, 0), 128, s, common.NoopLogger{})
	defer c.Shutdown()

	c.Open(common.NewLSN(1, total), false)

	var got []key
	var lr Record
	for c.Next(&lr, nil) {
		got = append(got, key{lr.PID(), lr.PageVersion(), lr.Length()})
	}

	require.NoError(t, c.Err())
	assert.Equal(t, want, got)
}

// An end goal beyond the last partition surfaces unexpected EOF.
func TestConsumerUnexpectedEOF(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := newTestStorage(t, fs, 8192)
	defer s.Close()

	writePartition(t, s, 1, redoRecord(t, 1, 1, 32))

	c := NewConsumer(common.NewLSN(1, 0), 8192, s, common.NoopLogger{})
	defer c.Shutdown()

	c.Open(common.NewLSN(2, 16), false)

	var lr Record
	require.True(t, c.Next(&lr, nil))

	require.False(t, c.Next(&lr, nil))
	assert.ErrorIs(t, c.Err(), common.ErrUnexpectedEOF)
}
