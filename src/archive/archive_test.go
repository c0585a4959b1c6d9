package archive

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/LogArchive/src/pkg/common"
	"github.com/Blackdeer1524/LogArchive/src/wal"
)

const (
	typeRedo    uint8 = 1
	typeRedoImg uint8 = 2
)

func TestMain(m *testing.M) {
	wal.InitializeFlags([]wal.Flags{
		wal.FlagRedo,
		wal.FlagRedo | wal.FlagPageImg,
		wal.FlagSystem,
	})
	os.Exit(m.Run())
}

func newTestIndex(t *testing.T, dir string) *Index {
	t.Helper()

	idx, err := OpenIndex(IndexOptions{Archdir: dir}, common.NoopLogger{})
	require.NoError(t, err)
	t.Cleanup(idx.Close)
	return idx
}

type testRec struct {
	pid     common.PageID
	version uint32
	img     bool
	payload []byte
}

// buildRun appends one sorted block of records as a finished run covering
// epochs up to runNo.
func buildRun(t *testing.T, idx *Index, level uint, runNo common.RunNumber, recs []testRec) {
	t.Helper()

	require.NoError(t, idx.OpenNewRun(level))

	var (
		block   []byte
		buckets []BucketInfo
		lastPID = common.PageID(0)
		havePID = false
	)
	for _, r := range recs {
		typ := typeRedo
		if r.img {
			typ = typeRedoImg
		}
		rec := wal.NewRecord(typ, r.pid, r.version, r.payload)

		if !havePID || r.pid != lastPID {
			buckets = append(buckets, BucketInfo{
				PID:          r.pid,
				Offset:       uint64(len(block)),
				HasPageImage: r.img,
			})
			lastPID = r.pid
			havePID = true
		}
		block = append(block, rec...)
	}

	require.NoError(t, idx.Append(block, level))
	idx.NewBlock(buckets, level)
	require.NoError(t, idx.Fsync(level))
	require.NoError(t, idx.CloseCurrentRun(runNo, level))
}

func recBytes(t *testing.T, r testRec) []byte {
	t.Helper()

	typ := typeRedo
	if r.img {
		typ = typeRedoImg
	}
	return wal.NewRecord(typ, r.pid, r.version, r.payload)
}

func collectScan(t *testing.T, s *Scan) []testRec {
	t.Helper()

	var out []testRec
	var lr wal.Record
	for s.Next(&lr) {
		out = append(out, testRec{
			pid:     lr.PID(),
			version: lr.PageVersion(),
			img:     lr.HasPageImg(),
		})
	}
	return out
}
