package wal

import (
	"fmt"
	"os"
	"sync"

	"github.com/spf13/afero"

	"github.com/Blackdeer1524/LogArchive/src/pkg/assert"
	"github.com/Blackdeer1524/LogArchive/src/pkg/common"
)

type PartitionState int

const (
	PartitionAbsent PartitionState = iota
	PartitionOpenForRead
	PartitionOpenForAppend
	PartitionMarkedForDeletion
	PartitionDeleted
)

// Partition is one append-only WAL file. Once the writer moves on to the
// next partition, the finalized bytes are immutable.
type Partition struct {
	num  common.PartitionNumber
	path string
	fs   afero.Fs

	mu    sync.Mutex
	state PartitionState
	file  afero.File
	size  int64
}

func newPartition(fs afero.Fs, num common.PartitionNumber, path string) *Partition {
	return &Partition{
		num:   num,
		path:  path,
		fs:    fs,
		state: PartitionAbsent,
	}
}

func (p *Partition) Num() common.PartitionNumber { return p.num }

func (p *Partition) State() PartitionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Open opens an existing partition file for reading.
func (p *Partition) Open() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == PartitionOpenForRead || p.state == PartitionOpenForAppend {
		return nil
	}

	f, err := p.fs.Open(p.path)
	if err != nil {
		return fmt.Errorf("open partition %d: %w", p.num, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat partition %d: %w", p.num, err)
	}

	p.file = f
	p.size = info.Size()
	p.state = PartitionOpenForRead
	return nil
}

// OpenForAppend creates the partition file and prepares it for appends.
func (p *Partition) OpenForAppend() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	assert.Assert(p.state == PartitionAbsent, "partition %d reopened for append", p.num)

	f, err := p.fs.OpenFile(p.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("create partition %d: %w", p.num, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat partition %d: %w", p.num, err)
	}

	p.file = f
	p.size = info.Size()
	p.state = PartitionOpenForAppend
	return nil
}

// Append writes one record at the current tail and returns its offset.
func (p *Partition) Append(rec Record) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	assert.Assert(p.state == PartitionOpenForAppend,
		"append to partition %d in state %d", p.num, p.state)

	off := p.size
	if _, err := p.file.WriteAt(rec, off); err != nil {
		return 0, fmt.Errorf("append to partition %d: %w", p.num, err)
	}
	p.size += int64(len(rec))

	return uint32(off), nil
}

// Finalize appends the EOF marker, syncs and demotes the partition to
// read-only. Called when the writer rotates to the next partition.
func (p *Partition) Finalize() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	assert.Assert(p.state == PartitionOpenForAppend,
		"finalize of partition %d in state %d", p.num, p.state)

	eof := NewEOFRecord()
	if _, err := p.file.WriteAt(eof, p.size); err != nil {
		return fmt.Errorf("finalize partition %d: %w", p.num, err)
	}
	p.size += int64(len(eof))

	if err := p.file.Sync(); err != nil {
		return fmt.Errorf("fsync partition %d: %w", p.num, err)
	}

	p.state = PartitionOpenForRead
	return nil
}

func (p *Partition) ReadAt(buf []byte, off int64) (int, error) {
	p.mu.Lock()
	f := p.file
	p.mu.Unlock()

	if f == nil {
		return 0, fmt.Errorf("partition %d: %w", p.num, common.ErrNotFound)
	}
	return f.ReadAt(buf, off)
}

func (p *Partition) Size() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

func (p *Partition) Sync() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.file == nil {
		return nil
	}
	return p.file.Sync()
}

// MarkForDeletion closes the handle and removes the file. Readers that
// opened their own handle keep it usable; a name lookup after this treats
// the partition as absent.
func (p *Partition) MarkForDeletion() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.state = PartitionMarkedForDeletion
	if p.file != nil {
		p.file.Close()
		p.file = nil
	}

	if err := p.fs.Remove(p.path); err != nil {
		return fmt.Errorf("remove partition %d: %w", p.num, err)
	}
	p.state = PartitionDeleted
	return nil
}

func (p *Partition) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.file == nil {
		return nil
	}

	err := p.file.Close()
	p.file = nil
	if p.state == PartitionOpenForRead || p.state == PartitionOpenForAppend {
		p.state = PartitionAbsent
	}
	return err
}
