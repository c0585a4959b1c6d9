package archive

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/Blackdeer1524/LogArchive/src/latch"
	"github.com/Blackdeer1524/LogArchive/src/pkg/assert"
	"github.com/Blackdeer1524/LogArchive/src/pkg/common"
)

// RunFile is a memory-mapped open run. It is owned jointly by the index's
// open-file cache and by every outstanding scan: the mapping goes away
// only when the refcount is zero and the cache evicts it.
type RunFile struct {
	ID RunId

	file     *os.File
	refcount int
	lastUsed uint64

	// Data maps the whole file; the records occupy [0, DataLen) and the
	// serialized RunInfo trailer the rest.
	Data    []byte
	Length  int64
	DataLen int64
}

// OpenForScan returns the mapped run with its refcount incremented,
// mapping the file first if it is not cached. When the cache exceeds its
// cap, the least-recently-used mapping with refcount zero is evicted.
func (idx *Index) OpenForScan(id RunId) (*RunFile, error) {
	idx.openFileMutex.Acquire(latch.ModeEX, latch.WaitForever)
	defer idx.openFileMutex.Release()

	idx.clock++

	if rf, ok := idx.openFiles[id]; ok {
		rf.refcount++
		rf.lastUsed = idx.clock
		return rf, nil
	}

	if len(idx.openFiles) >= idx.maxOpenFiles {
		idx.evictLocked()
	}

	rf, err := idx.mapRun(id)
	if err != nil {
		return nil, err
	}

	rf.refcount = 1
	rf.lastUsed = idx.clock
	idx.openFiles[id] = rf
	return rf, nil
}

// CloseScan drops one scan's reference; the mapping stays cached.
func (idx *Index) CloseScan(id RunId) {
	idx.openFileMutex.Acquire(latch.ModeEX, latch.WaitForever)
	defer idx.openFileMutex.Release()

	rf, ok := idx.openFiles[id]
	if !ok {
		return
	}

	rf.refcount--
	assert.Assert(rf.refcount >= 0, "refcount of %v dropped below zero", id)
}

// evictLocked drops the least-recently-used unreferenced mapping, if any.
// Caller holds the open-file latch.
func (idx *Index) evictLocked() {
	var victim *RunFile
	for _, rf := range idx.openFiles {
		if rf.refcount != 0 {
			continue
		}
		if victim == nil || rf.lastUsed < victim.lastUsed {
			victim = rf
		}
	}
	if victim == nil {
		// every mapping is pinned by a scan; run over the cap
		return
	}

	idx.unmapRun(victim)
	delete(idx.openFiles, victim.ID)
}

func (idx *Index) mapRun(id RunId) (*RunFile, error) {
	path := idx.makeRunPath(id)

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open run %v: %w", id, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat run %v: %w", id, err)
	}
	size := info.Size()

	rf := &RunFile{ID: id, file: f, Length: size}
	if size == 0 {
		return rf, nil
	}

	data, err := mmapFile(f, size)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap run %v: %w", id, err)
	}

	if size < trailerLenSize {
		munmapFile(data)
		f.Close()
		return nil, fmt.Errorf("run %v of %d bytes has no trailer: %w",
			id, size, common.ErrCorruptRecord)
	}
	trailerLen := int64(binary.LittleEndian.Uint64(data[size-trailerLenSize:]))
	if trailerLen < 4+trailerLenSize || trailerLen > size {
		munmapFile(data)
		f.Close()
		return nil, fmt.Errorf("run %v trailer length %d out of range: %w",
			id, trailerLen, common.ErrCorruptRecord)
	}

	rf.Data = data
	rf.DataLen = size - trailerLen
	return rf, nil
}

func (idx *Index) unmapRun(rf *RunFile) {
	if rf.Data != nil {
		if err := munmapFile(rf.Data); err != nil {
			idx.log.Errorf("munmap %v: %v", rf.ID, err)
		}
		rf.Data = nil
	}
	if rf.file != nil {
		rf.file.Close()
		rf.file = nil
	}
}

// closeAllFiles tears the cache down; every refcount must be zero.
func (idx *Index) closeAllFiles() {
	idx.openFileMutex.Acquire(latch.ModeEX, latch.WaitForever)
	defer idx.openFileMutex.Release()

	for id, rf := range idx.openFiles {
		assert.Assert(rf.refcount == 0, "closing index with live scan on %v", id)
		idx.unmapRun(rf)
		delete(idx.openFiles, id)
	}
}
