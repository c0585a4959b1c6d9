package wal

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/spf13/afero"

	"github.com/Blackdeer1524/LogArchive/src/latch"
	"github.com/Blackdeer1524/LogArchive/src/pkg/assert"
	"github.com/Blackdeer1524/LogArchive/src/pkg/common"
)

const LogPrefix = "log."

var logFileRegex = regexp.MustCompile(`^log\.[1-9][0-9]*$`)

type StorageOptions struct {
	Logdir string
	// Reformat wipes pre-existing partitions instead of scanning them.
	Reformat bool
	// DeleteOldPartitions enables physical deletion of recycled partitions.
	DeleteOldPartitions bool
	// PartitionSize in bytes; rounded down to a multiple of SegmentSize.
	PartitionSize uint64
	SegmentSize   uint64
}

// Storage catalogs the numbered partition files of the write-ahead log:
// it enumerates them at startup, rotates to new ones as the flusher
// crosses file boundaries and recycles old ones in the background.
type Storage struct {
	fs      afero.Fs
	logpath string
	log     common.Logger

	partitionSize uint64
	deleteOld     bool

	// guards partitions and curr
	mapLatch   *latch.Latch
	partitions map[common.PartitionNumber]*Partition
	curr       *Partition

	recyclerMu     sync.Mutex
	recycler       *workerThread
	recycleHorizon atomic.Uint32
}

func OpenStorage(fs afero.Fs, opts StorageOptions, log common.Logger) (*Storage, error) {
	if opts.Logdir == "" {
		return nil, fmt.Errorf("logdir must be set to enable logging: %w", common.ErrBadConfig)
	}

	exists, err := afero.DirExists(fs, opts.Logdir)
	if err != nil {
		return nil, fmt.Errorf("inspect log directory: %w", err)
	}
	if !exists {
		if !opts.Reformat {
			return nil, fmt.Errorf("could not open log directory %q: %w",
				opts.Logdir, common.ErrBadConfig)
		}
		if err := fs.MkdirAll(opts.Logdir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}

	psize := (opts.PartitionSize / opts.SegmentSize) * opts.SegmentSize
	if psize == 0 {
		return nil, fmt.Errorf("partition size %d below segment size %d: %w",
			opts.PartitionSize, opts.SegmentSize, common.ErrBadConfig)
	}

	s := &Storage{
		fs:            fs,
		logpath:       opts.Logdir,
		log:           log,
		partitionSize: psize,
		deleteOld:     opts.DeleteOldPartitions,
		mapLatch:      latch.New(),
		partitions:    make(map[common.PartitionNumber]*Partition),
	}

	entries, err := afero.ReadDir(fs, opts.Logdir)
	if err != nil {
		return nil, fmt.Errorf("scan log directory: %w", err)
	}

	lastPartition := common.PartitionNumber(0)
	for _, entry := range entries {
		name := entry.Name()
		if !logFileRegex.MatchString(name) {
			return nil, fmt.Errorf("cannot parse filename %q in log directory: %w",
				name, common.ErrBadConfig)
		}

		if opts.Reformat {
			if err := fs.Remove(filepath.Join(opts.Logdir, name)); err != nil {
				return nil, fmt.Errorf("reformat: remove %q: %w", name, err)
			}
			continue
		}

		pnum64, err := strconv.ParseUint(name[len(LogPrefix):], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("cannot parse filename %q in log directory: %w",
				name, common.ErrBadConfig)
		}
		pnum := common.PartitionNumber(pnum64)

		p := newPartition(fs, pnum, s.MakeLogName(pnum))
		if err := p.Open(); err != nil {
			return nil, err
		}
		s.partitions[pnum] = p

		if pnum > lastPartition {
			lastPartition = pnum
		}
	}

	if lastPartition > 0 {
		s.curr = s.partitions[lastPartition]
	}

	return s, nil
}

func (s *Storage) PartitionSize() uint64 { return s.partitionSize }

func (s *Storage) MakeLogName(pnum common.PartitionNumber) string {
	return filepath.Join(s.logpath, LogPrefix+strconv.FormatUint(uint64(pnum), 10))
}

// GetPartition returns the partition or nil when absent (e.g. after losing
// a race with the recycler).
func (s *Storage) GetPartition(pnum common.PartitionNumber) *Partition {
	s.mapLatch.Acquire(latch.ModeSH, latch.WaitForever)
	defer s.mapLatch.Release()

	return s.partitions[pnum]
}

func (s *Storage) CurrPartition() *Partition {
	s.mapLatch.Acquire(latch.ModeSH, latch.WaitForever)
	defer s.mapLatch.Release()

	return s.curr
}

// CreatePartition installs partition pnum as the new current partition.
// Partitions are created strictly in sequence.
func (s *Storage) CreatePartition(pnum common.PartitionNumber) (*Partition, error) {
	if p := s.GetPartition(pnum); p != nil {
		return nil, fmt.Errorf("partition %d already exists", pnum)
	}

	p := newPartition(s.fs, pnum, s.MakeLogName(pnum))
	if err := p.OpenForAppend(); err != nil {
		return nil, err
	}

	s.mapLatch.Acquire(latch.ModeEX, latch.WaitForever)
	assert.Assert(s.curr == nil || s.curr.Num() == pnum-1,
		"out-of-order partition creation: curr=%v new=%d", s.curr, pnum)
	prev := s.curr
	s.partitions[pnum] = p
	s.curr = p
	s.mapLatch.Release()

	if prev != nil && prev.State() == PartitionOpenForAppend {
		if err := prev.Finalize(); err != nil {
			return nil, err
		}
	}

	s.wakeupRecycler()

	return p, nil
}

// GetPartitionForFlush hands the flusher the partition that startLSN lands
// in, rotating to a fresh one when the flush crosses a file boundary.
func (s *Storage) GetPartitionForFlush(startLSN common.LSN) (*Partition, error) {
	p := s.CurrPartition()
	if p == nil {
		assert.Assert(startLSN.Partition() == 1,
			"first flush must target partition 1, got %v", startLSN)
		return s.CreatePartition(1)
	}

	if startLSN.Partition() != p.Num() {
		n := p.Num()
		assert.Assert(startLSN.Partition() == n+1,
			"flush skipped a partition: curr=%d start=%v", n, startLSN)
		return s.CreatePartition(n + 1)
	}

	return p, nil
}

// DeleteOldPartitions drops every partition numbered below olderThan and
// returns how many were removed. Physical file deletion happens only when
// the storage was opened with DeleteOldPartitions.
func (s *Storage) DeleteOldPartitions(olderThan common.PartitionNumber) int {
	if olderThan == 0 {
		return 0
	}

	count := 0

	s.mapLatch.Acquire(latch.ModeEX, latch.WaitForever)
	victims := make([]*Partition, 0)
	for pnum, p := range s.partitions {
		if pnum < olderThan {
			victims = append(victims, p)
			delete(s.partitions, pnum)
			count++
		}
	}
	s.mapLatch.Release()

	for _, p := range victims {
		if s.deleteOld {
			if err := p.MarkForDeletion(); err != nil {
				s.log.Errorf("recycler: %v", err)
			}
		} else {
			p.Close()
		}
	}

	if count > 0 {
		s.log.Infof("recycled %d log partitions below %d", count, olderThan)
	}

	return count
}

func (s *Storage) ListPartitions() []common.PartitionNumber {
	s.mapLatch.Acquire(latch.ModeSH, latch.WaitForever)
	nums := make([]common.PartitionNumber, 0, len(s.partitions))
	for pnum := range s.partitions {
		nums = append(nums, pnum)
	}
	s.mapLatch.Release()

	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums
}

// SetRecycleHorizon publishes the newest partition number whose
// predecessors are fully archived; the recycler deletes below it.
func (s *Storage) SetRecycleHorizon(olderThan common.PartitionNumber) {
	s.recycleHorizon.Store(olderThan)
}

func (s *Storage) wakeupRecycler() {
	s.recyclerMu.Lock()
	if s.recycler == nil {
		s.recycler = newWorkerThread(func() {
			s.DeleteOldPartitions(s.recycleHorizon.Load())
		})
		s.recycler.Fork()
	}
	r := s.recycler
	s.recyclerMu.Unlock()

	r.Wakeup(false)
}

// ByteDistance measures the on-disk distance between two LSNs, assuming
// every non-tail partition is exactly partitionSize long.
func (s *Storage) ByteDistance(a, b common.LSN) uint64 {
	if a.IsNil() {
		a = common.NewLSN(1, 0)
	}
	if b.IsNil() {
		b = common.NewLSN(1, 0)
	}
	if a > b {
		a, b = b, a
	}

	if a.Partition() == b.Partition() {
		return uint64(b.Offset() - a.Offset())
	}

	rest := uint64(b.Offset()) + (s.partitionSize - uint64(a.Offset()))
	return s.partitionSize*uint64(b.Partition()-a.Partition()-1) + rest
}

func (s *Storage) Close() {
	s.recyclerMu.Lock()
	r := s.recycler
	s.recyclerMu.Unlock()
	if r != nil {
		r.Stop()
	}

	s.mapLatch.Acquire(latch.ModeEX, latch.WaitForever)
	defer s.mapLatch.Release()

	for _, p := range s.partitions {
		p.Close()
	}
}
