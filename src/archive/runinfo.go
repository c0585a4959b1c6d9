package archive

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/Blackdeer1524/LogArchive/src/pkg/assert"
	"github.com/Blackdeer1524/LogArchive/src/pkg/common"
)

// offsetMask flags offsets whose block starts with a full page image.
const offsetMask = uint64(1) << 63

// BucketInfo carries one sparse-index entry from the run builder into the
// index when a block is appended.
type BucketInfo struct {
	PID          common.PageID
	Offset       uint64
	HasPageImage bool
}

// RunInfo is the in-memory index entry for one run: two parallel sequences
// where entry i asserts that the first record with page id PIDs[i] sits at
// byte offset offsets[i] (high bit masked out) within the run file. PIDs
// are monotonically non-decreasing.
type RunInfo struct {
	Begin common.RunNumber
	End   common.RunNumber

	PIDs    []common.PageID
	offsets []uint64
}

// AddRawEntry records the offset as given, mask included. Used when
// loading a serialized trailer.
func (r *RunInfo) AddRawEntry(pid common.PageID, rawOffset uint64) {
	r.PIDs = append(r.PIDs, pid)
	r.offsets = append(r.offsets, rawOffset)
}

func (r *RunInfo) AddEntry(pid common.PageID, offset uint64, hasImage bool) {
	if hasImage {
		offset |= offsetMask
	}
	r.AddRawEntry(pid, offset)
}

func (r *RunInfo) Entries() int {
	return len(r.PIDs)
}

func (r *RunInfo) GetOffset(i int) uint64 {
	return r.offsets[i] &^ offsetMask
}

func (r *RunInfo) HasImage(i int) bool {
	return r.offsets[i]&offsetMask != 0
}

// findEntry returns the greatest index i with PIDs[i] <= pid, so a scan
// starting at pid begins at or before its first record. Requires at least
// one entry.
func (r *RunInfo) findEntry(pid common.PageID) int {
	assert.Assert(len(r.PIDs) > 0, "entry search in an empty run")

	// first index with PIDs[i] > pid
	i := sort.Search(len(r.PIDs), func(j int) bool { return r.PIDs[j] > pid })
	if i == 0 {
		return 0
	}
	return i - 1
}

// Run trailer layout, little-endian:
//
//	count    u32
//	pids     count * u32
//	offsets  count * u64
//	length   u64   (total trailer length, this field included)
const trailerLenSize = 8

func (r *RunInfo) trailerSize() int {
	return 4 + 4*len(r.PIDs) + 8*len(r.offsets) + trailerLenSize
}

// Serialize encodes the sparse index as the run-file trailer.
func (r *RunInfo) Serialize() []byte {
	buf := make([]byte, r.trailerSize())

	binary.LittleEndian.PutUint32(buf, uint32(len(r.PIDs)))
	pos := 4
	for _, pid := range r.PIDs {
		binary.LittleEndian.PutUint32(buf[pos:], pid)
		pos += 4
	}
	for _, off := range r.offsets {
		binary.LittleEndian.PutUint64(buf[pos:], off)
		pos += 8
	}
	binary.LittleEndian.PutUint64(buf[pos:], uint64(len(buf)))

	return buf
}

// DeserializeRunInfo decodes a trailer produced by Serialize. The slice
// must span exactly the trailer.
func DeserializeRunInfo(buf []byte) (*RunInfo, error) {
	if len(buf) < 4+trailerLenSize {
		return nil, fmt.Errorf("run trailer of %d bytes: %w",
			len(buf), common.ErrCorruptRecord)
	}

	count := int(binary.LittleEndian.Uint32(buf))
	want := 4 + 4*count + 8*count + trailerLenSize
	if len(buf) != want {
		return nil, fmt.Errorf("run trailer of %d bytes, want %d for %d entries: %w",
			len(buf), want, count, common.ErrCorruptRecord)
	}

	info := &RunInfo{}
	pos := 4
	for i := 0; i < count; i++ {
		info.PIDs = append(info.PIDs, binary.LittleEndian.Uint32(buf[pos:]))
		pos += 4
	}
	for i := 0; i < count; i++ {
		info.offsets = append(info.offsets, binary.LittleEndian.Uint64(buf[pos:]))
		pos += 8
	}

	return info, nil
}
