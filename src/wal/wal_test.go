package wal

import (
	"os"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/LogArchive/src/pkg/common"
)

// test record types installed via InitializeFlags
const (
	typeRedo    uint8 = 1
	typeRedoImg uint8 = 2
	typeSystem  uint8 = 3
)

func TestMain(m *testing.M) {
	InitializeFlags([]Flags{
		FlagRedo,
		FlagRedo | FlagPageImg,
		FlagSystem,
	})
	os.Exit(m.Run())
}

// redoRecord builds a redo record padded to the requested total length.
func redoRecord(t *testing.T, pid common.PageID, version uint32, totalLen int) Record {
	t.Helper()
	require.Zero(t, totalLen%LogrecAlignment)
	require.GreaterOrEqual(t, totalLen, HeaderSize)

	rec := NewRecord(typeRedo, pid, version, make([]byte, totalLen-HeaderSize))
	require.EqualValues(t, totalLen, rec.Length())
	return rec
}

func newTestStorage(t *testing.T, fs afero.Fs, blockSize uint64) *Storage {
	t.Helper()

	s, err := OpenStorage(fs, StorageOptions{
		Logdir:        "/log",
		Reformat:      true,
		PartitionSize: 1 << 20,
		SegmentSize:   blockSize,
	}, common.NoopLogger{})
	require.NoError(t, err)
	return s
}

// writePartition appends the records to partition pnum, creating it if
// needed. The file is left unfinalized (no EOF marker).
func writePartition(t *testing.T, s *Storage, pnum common.PartitionNumber, recs ...Record) {
	t.Helper()

	p := s.GetPartition(pnum)
	if p == nil {
		var err error
		p, err = s.CreatePartition(pnum)
		require.NoError(t, err)
	}

	for _, rec := range recs {
		_, err := p.Append(rec)
		require.NoError(t, err)
	}
	require.NoError(t, p.Sync())
}
