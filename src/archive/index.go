package archive

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Blackdeer1524/LogArchive/src/latch"
	"github.com/Blackdeer1524/LogArchive/src/pkg/assert"
	"github.com/Blackdeer1524/LogArchive/src/pkg/common"
	"github.com/Blackdeer1524/LogArchive/src/wal"
)

const DefaultMaxOpenFiles = 20

type IndexOptions struct {
	Archdir string
	// Reformat wipes pre-existing runs instead of loading them.
	Reformat bool
	// MaxOpenFiles caps the mmap cache; DefaultMaxOpenFiles when zero.
	MaxOpenFiles int
}

// Index catalogs the leveled runs of the log archive. It locates runs for
// point probes and merges, owns the mmap open-file cache, and serves the
// run builder's appender path. Runs become visible to probes only once
// CloseCurrentRun installed them under the exclusive latch.
type Index struct {
	archdir string
	log     common.Logger

	// guards runs, lastFinished and maxLevel
	mutex        *latch.Latch
	runs         [][]RunInfo
	lastFinished []int
	maxLevel     uint

	// appender state, one slot per level; the run builder drives each
	// level from a single goroutine
	appendMu    sync.Mutex
	appendFiles []*os.File
	appendPos   []int64

	openFileMutex *latch.Latch
	openFiles     map[RunId]*RunFile
	maxOpenFiles  int
	clock         uint64
}

func OpenIndex(opts IndexOptions, log common.Logger) (*Index, error) {
	if opts.Archdir == "" {
		return nil, fmt.Errorf("archdir must be set to enable archiving: %w",
			common.ErrBadConfig)
	}

	maxOpen := opts.MaxOpenFiles
	if maxOpen <= 0 {
		maxOpen = DefaultMaxOpenFiles
	}

	idx := &Index{
		archdir:       opts.Archdir,
		log:           log,
		mutex:         latch.New(),
		maxLevel:      1,
		openFileMutex: latch.New(),
		openFiles:     make(map[RunId]*RunFile),
		maxOpenFiles:  maxOpen,
	}

	if err := os.MkdirAll(opts.Archdir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}

	entries, err := os.ReadDir(opts.Archdir)
	if err != nil {
		return nil, fmt.Errorf("scan archive directory: %w", err)
	}

	var runIDs []RunId
	for _, entry := range entries {
		name := entry.Name()

		if IsCurrRunFileName(name) {
			// leftover of a run that was being written when we crashed
			idx.log.Warnf("removing incomplete run file %s", name)
			if err := os.Remove(filepath.Join(opts.Archdir, name)); err != nil {
				return nil, fmt.Errorf("remove incomplete run: %w", err)
			}
			continue
		}

		id, ok := ParseRunFileName(name)
		if !ok {
			return nil, fmt.Errorf("cannot parse filename %q in archive directory: %w",
				name, common.ErrBadConfig)
		}

		if opts.Reformat {
			if err := os.Remove(filepath.Join(opts.Archdir, name)); err != nil {
				return nil, fmt.Errorf("reformat: remove run %v: %w", id, err)
			}
			continue
		}

		runIDs = append(runIDs, id)
		if id.Level > idx.maxLevel {
			idx.maxLevel = id.Level
		}
	}

	idx.runs = make([][]RunInfo, idx.maxLevel+1)
	idx.lastFinished = make([]int, idx.maxLevel+1)
	for i := range idx.lastFinished {
		idx.lastFinished[i] = -1
	}
	idx.appendFiles = make([]*os.File, idx.maxLevel+1)
	idx.appendPos = make([]int64, idx.maxLevel+1)

	// load trailers in parallel; order is restored by sorting below
	infos := make([]*RunInfo, len(runIDs))
	var g errgroup.Group
	for i, id := range runIDs {
		i, id := i, id
		g.Go(func() error {
			info, err := idx.readRunInfo(id)
			if err != nil {
				return err
			}
			info.Begin = id.Begin
			info.End = id.End
			infos[i] = info
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, id := range runIDs {
		idx.runs[id.Level] = append(idx.runs[id.Level], *infos[i])
	}
	for level := range idx.runs {
		sort.Slice(idx.runs[level], func(i, j int) bool {
			return idx.runs[level][i].Begin < idx.runs[level][j].Begin
		})
		idx.lastFinished[level] = len(idx.runs[level]) - 1
	}

	return idx, nil
}

func (idx *Index) Archdir() string { return idx.archdir }

func (idx *Index) makeRunPath(id RunId) string {
	return filepath.Join(idx.archdir, id.String())
}

func (idx *Index) makeCurrRunPath(level uint) string {
	return filepath.Join(idx.archdir, CurrRunName(level))
}

// readRunInfo loads the serialized trailer of a finished run.
func (idx *Index) readRunInfo(id RunId) (*RunInfo, error) {
	f, err := os.Open(idx.makeRunPath(id))
	if err != nil {
		return nil, fmt.Errorf("open run %v: %w", id, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat run %v: %w", id, err)
	}
	size := info.Size()
	if size < trailerLenSize {
		return nil, fmt.Errorf("run %v of %d bytes has no trailer: %w",
			id, size, common.ErrCorruptRecord)
	}

	var lenBuf [trailerLenSize]byte
	if _, err := f.ReadAt(lenBuf[:], size-trailerLenSize); err != nil {
		return nil, fmt.Errorf("read trailer length of %v: %w", id, err)
	}
	trailerLen := int64(binary.LittleEndian.Uint64(lenBuf[:]))
	if trailerLen < 4+trailerLenSize || trailerLen > size {
		return nil, fmt.Errorf("run %v trailer length %d out of range: %w",
			id, trailerLen, common.ErrCorruptRecord)
	}

	buf := make([]byte, trailerLen)
	if _, err := f.ReadAt(buf, size-trailerLen); err != nil {
		return nil, fmt.Errorf("read trailer of %v: %w", id, err)
	}

	return DeserializeRunInfo(buf)
}

func (idx *Index) MaxLevel() uint {
	idx.mutex.Acquire(latch.ModeSH, latch.WaitForever)
	defer idx.mutex.Release()
	return idx.maxLevel
}

func (idx *Index) RunCount(level uint) int {
	idx.mutex.Acquire(latch.ModeSH, latch.WaitForever)
	defer idx.mutex.Release()

	if level > idx.maxLevel {
		return 0
	}
	return len(idx.runs[level])
}

// GetLastRun returns the newest archived epoch across all levels, 0 when
// the archive is empty.
func (idx *Index) GetLastRun() common.RunNumber {
	idx.mutex.Acquire(latch.ModeSH, latch.WaitForever)
	defer idx.mutex.Release()

	last := common.RunNumber(0)
	for level := uint(1); level <= idx.maxLevel; level++ {
		if idx.lastFinished[level] < 0 {
			continue
		}
		if end := idx.runs[level][idx.lastFinished[level]].End; end > last {
			last = end
		}
	}
	return last
}

func (idx *Index) GetLastRunOnLevel(level uint) common.RunNumber {
	idx.mutex.Acquire(latch.ModeSH, latch.WaitForever)
	defer idx.mutex.Release()

	if level > idx.maxLevel || idx.lastFinished[level] < 0 {
		return 0
	}
	return idx.runs[level][idx.lastFinished[level]].End
}

func (idx *Index) GetFirstRunOnLevel(level uint) common.RunNumber {
	idx.mutex.Acquire(latch.ModeSH, latch.WaitForever)
	defer idx.mutex.Release()

	if level > idx.maxLevel || idx.lastFinished[level] < 0 {
		return 0
	}
	return idx.runs[level][0].Begin
}

// findRun returns the position of the first run on the level whose End is
// at least run. Caller holds the latch.
func (idx *Index) findRun(run common.RunNumber, level uint) int {
	v := idx.runs[level]
	return sort.Search(len(v), func(i int) bool { return v[i].End >= run })
}

// Probe collects merge inputs for [startPID, endPID) from every finished
// run covering epochs from runBegin up to runEnd (0 = unbounded), walking
// levels from the highest down. It returns the last epoch probed so the
// caller can bound future work. Opened inputs are released again if a
// later open fails.
func (idx *Index) Probe(
	inputs *[]MergeInput,
	startPID, endPID common.PageID,
	runBegin, runEnd common.RunNumber,
) (common.RunNumber, error) {
	idx.mutex.Acquire(latch.ModeSH, latch.WaitForever)
	defer idx.mutex.Release()

	*inputs = (*inputs)[:0]
	nextRun := runBegin
	lastRun := runBegin

	for level := idx.maxLevel; level >= 1; level-- {
		if runEnd > 0 && nextRun > runEnd {
			break
		}

		index := idx.findRun(nextRun, level)
		for index <= idx.lastFinished[level] {
			run := &idx.runs[level][index]
			if runEnd > 0 && run.Begin > runEnd {
				break
			}
			index++
			// lower levels resume after the epochs covered here
			nextRun = run.End + 1
			lastRun = run.End

			if run.Entries() == 0 {
				continue
			}
			if startPID > run.PIDs[len(run.PIDs)-1] {
				// pid beyond the largest in this run: skip the search
				continue
			}

			entryBegin := run.findEntry(startPID)
			if run.PIDs[entryBegin] >= endPID && endPID > 0 {
				continue
			}

			rf, err := idx.OpenForScan(RunId{Begin: run.Begin, End: run.End, Level: level})
			if err != nil {
				for _, in := range *inputs {
					idx.CloseScan(in.runFile.ID)
				}
				*inputs = (*inputs)[:0]
				return 0, err
			}

			*inputs = append(*inputs, MergeInput{
				runFile: rf,
				pos:     int64(run.GetOffset(entryBegin)),
				endPID:  endPID,
			})
		}
	}

	return lastRun, nil
}

// ListRunsNonOverlapping collects a maximal set of non-overlapping runs
// covering the whole archive, preferring the highest level (largest runs,
// fewest random reads).
func (idx *Index) ListRunsNonOverlapping() []RunId {
	idx.mutex.Acquire(latch.ModeSH, latch.WaitForever)
	defer idx.mutex.Release()

	var out []RunId
	nextRun := common.RunNumber(1)

	for level := idx.maxLevel; level >= 1; level-- {
		index := idx.findRun(nextRun, level)
		for index <= idx.lastFinished[level] {
			run := &idx.runs[level][index]
			out = append(out, RunId{Begin: run.Begin, End: run.End, Level: level})
			nextRun = run.End + 1
			index++
		}
	}

	return out
}

// ListFiles names the finished run files, newest level first; level 0
// means all levels.
func (idx *Index) ListFiles(level int) []string {
	var out []string
	for _, id := range idx.ListRuns(level) {
		out = append(out, id.String())
	}
	return out
}

// ListRuns returns the finished runs, newest level first; level 0 means
// all levels.
func (idx *Index) ListRuns(level int) []RunId {
	idx.mutex.Acquire(latch.ModeSH, latch.WaitForever)
	defer idx.mutex.Release()

	var out []RunId
	for l := int(idx.maxLevel); l >= 1; l-- {
		if level > 0 && l != level {
			continue
		}
		for i := 0; i <= idx.lastFinished[l]; i++ {
			run := &idx.runs[l][i]
			out = append(out, RunId{Begin: run.Begin, End: run.End, Level: uint(l)})
		}
	}
	return out
}

// ensureLevelLocked grows the per-level vectors. Caller holds the EX latch.
func (idx *Index) ensureLevelLocked(level uint) {
	for uint(len(idx.runs)) <= level {
		idx.runs = append(idx.runs, nil)
		idx.lastFinished = append(idx.lastFinished, -1)
	}
	if level > idx.maxLevel {
		idx.maxLevel = level
	}
}

// OpenNewRun creates the current-name file for the level and reserves an
// index slot past lastFinished; the run stays invisible to probes until
// CloseCurrentRun.
func (idx *Index) OpenNewRun(level uint) error {
	idx.appendMu.Lock()
	defer idx.appendMu.Unlock()

	for uint(len(idx.appendFiles)) <= level {
		idx.appendFiles = append(idx.appendFiles, nil)
		idx.appendPos = append(idx.appendPos, 0)
	}
	assert.Assert(idx.appendFiles[level] == nil,
		"level %d already has an open run", level)

	f, err := os.OpenFile(idx.makeCurrRunPath(level), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create run file for level %d: %w", level, err)
	}

	idx.appendFiles[level] = f
	idx.appendPos[level] = 0

	idx.mutex.Acquire(latch.ModeEX, latch.WaitForever)
	idx.ensureLevelLocked(level)
	idx.runs[level] = append(idx.runs[level], RunInfo{})
	idx.mutex.Release()

	return nil
}

// Append forwards one block of records to the level's current run file.
func (idx *Index) Append(data []byte, level uint) error {
	idx.appendMu.Lock()
	defer idx.appendMu.Unlock()

	f := idx.appendFiles[level]
	assert.Assert(f != nil, "append to level %d without an open run", level)

	if _, err := f.WriteAt(data, idx.appendPos[level]); err != nil {
		return fmt.Errorf("append to run on level %d: %w", level, err)
	}
	idx.appendPos[level] += int64(len(data))
	return nil
}

// NewBlock extends the pending run's sparse index with the buckets of the
// block just appended.
func (idx *Index) NewBlock(buckets []BucketInfo, level uint) {
	idx.mutex.Acquire(latch.ModeEX, latch.WaitForever)
	defer idx.mutex.Release()

	assert.Assert(len(idx.runs[level]) > idx.lastFinished[level]+1,
		"no pending run on level %d", level)

	pending := &idx.runs[level][len(idx.runs[level])-1]
	for _, b := range buckets {
		pending.AddEntry(b.PID, b.Offset, b.HasPageImage)
	}
}

func (idx *Index) Fsync(level uint) error {
	idx.appendMu.Lock()
	defer idx.appendMu.Unlock()

	f := idx.appendFiles[level]
	assert.Assert(f != nil, "fsync on level %d without an open run", level)

	return f.Sync()
}

// CloseCurrentRun finishes the level's run up to epoch runNo: it
// terminates the data region with an EOF record, serializes the RunInfo
// trailer, fsyncs, renames the file to its final name and makes the run
// visible to probes. An empty run (no blocks appended) is discarded.
func (idx *Index) CloseCurrentRun(runNo common.RunNumber, level uint) error {
	idx.appendMu.Lock()
	defer idx.appendMu.Unlock()

	f := idx.appendFiles[level]
	assert.Assert(f != nil, "closing level %d without an open run", level)

	idx.mutex.Acquire(latch.ModeEX, latch.WaitForever)
	pendingIdx := len(idx.runs[level]) - 1
	assert.Assert(pendingIdx > idx.lastFinished[level],
		"no pending run on level %d", level)
	pending := &idx.runs[level][pendingIdx]

	begin := common.RunNumber(1)
	if idx.lastFinished[level] >= 0 {
		begin = idx.runs[level][idx.lastFinished[level]].End + 1
	}
	idx.mutex.Release()

	if idx.appendPos[level] == 0 {
		// nothing was appended: drop the reservation and the file
		idx.mutex.Acquire(latch.ModeEX, latch.WaitForever)
		idx.runs[level] = idx.runs[level][:pendingIdx]
		idx.mutex.Release()

		f.Close()
		idx.appendFiles[level] = nil
		if err := os.Remove(idx.makeCurrRunPath(level)); err != nil {
			return fmt.Errorf("remove empty run on level %d: %w", level, err)
		}
		return nil
	}

	assert.Assert(runNo >= begin, "run [%d, %d] on level %d is inverted",
		begin, runNo, level)

	eof := wal.NewEOFRecord()
	if _, err := f.WriteAt(eof, idx.appendPos[level]); err != nil {
		return fmt.Errorf("terminate run on level %d: %w", level, err)
	}
	idx.appendPos[level] += int64(len(eof))

	trailer := pending.Serialize()
	if _, err := f.WriteAt(trailer, idx.appendPos[level]); err != nil {
		return fmt.Errorf("write trailer on level %d: %w", level, err)
	}
	idx.appendPos[level] += int64(len(trailer))

	if err := f.Sync(); err != nil {
		return fmt.Errorf("fsync run on level %d: %w", level, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close run on level %d: %w", level, err)
	}
	idx.appendFiles[level] = nil

	id := RunId{Begin: begin, End: runNo, Level: level}
	if err := os.Rename(idx.makeCurrRunPath(level), idx.makeRunPath(id)); err != nil {
		return fmt.Errorf("rename run %v: %w", id, err)
	}

	idx.mutex.Acquire(latch.ModeEX, latch.WaitForever)
	pending = &idx.runs[level][pendingIdx]
	pending.Begin = begin
	pending.End = runNo
	idx.lastFinished[level]++
	assert.Assert(idx.lastFinished[level] == pendingIdx,
		"finished run on level %d out of order", level)
	idx.mutex.Release()

	idx.log.Infof("closed archive run %v with %d index entries",
		id, pending.Entries())

	return nil
}

// DeleteRuns removes runs that were merged into a higher level.
// replicationFactor keeps that many newest covered runs per level; zero
// deletes every covered run.
func (idx *Index) DeleteRuns(replicationFactor uint) error {
	type victim struct {
		id    RunId
		index int
	}

	idx.mutex.Acquire(latch.ModeEX, latch.WaitForever)

	var victims []victim
	for level := uint(1); level < idx.maxLevel; level++ {
		kept := uint(0)
		for i := idx.lastFinished[level]; i >= 0; i-- {
			run := &idx.runs[level][i]
			if !idx.coveredAboveLocked(run, level) {
				continue
			}
			if kept < replicationFactor {
				kept++
				continue
			}
			victims = append(victims, victim{
				id:    RunId{Begin: run.Begin, End: run.End, Level: level},
				index: i,
			})
		}
	}

	// drop from the index back to front so positions stay valid
	for _, v := range victims {
		idx.runs[v.id.Level] = append(
			idx.runs[v.id.Level][:v.index],
			idx.runs[v.id.Level][v.index+1:]...)
		idx.lastFinished[v.id.Level]--
	}
	idx.mutex.Release()

	for _, v := range victims {
		idx.dropFromCache(v.id)
		if err := os.Remove(idx.makeRunPath(v.id)); err != nil {
			return fmt.Errorf("delete run %v: %w", v.id, err)
		}
		idx.log.Infof("deleted merged run %v", v.id)
	}

	return nil
}

// coveredAboveLocked reports whether some finished run on a higher level
// spans the run's whole epoch range. Caller holds the latch.
func (idx *Index) coveredAboveLocked(run *RunInfo, level uint) bool {
	for upper := level + 1; upper <= idx.maxLevel; upper++ {
		for i := 0; i <= idx.lastFinished[upper]; i++ {
			r := &idx.runs[upper][i]
			if r.Begin <= run.Begin && run.End <= r.End {
				return true
			}
		}
	}
	return false
}

// dropFromCache evicts a deleted run's mapping when no scan holds it; a
// pinned mapping stays valid until its scans finish.
func (idx *Index) dropFromCache(id RunId) {
	idx.openFileMutex.Acquire(latch.ModeEX, latch.WaitForever)
	defer idx.openFileMutex.Release()

	rf, ok := idx.openFiles[id]
	if !ok || rf.refcount > 0 {
		return
	}
	idx.unmapRun(rf)
	delete(idx.openFiles, id)
}

// Close tears down the appender files and the mmap cache. Every scan must
// be closed first.
func (idx *Index) Close() {
	idx.appendMu.Lock()
	for level, f := range idx.appendFiles {
		if f != nil {
			f.Close()
			idx.appendFiles[level] = nil
		}
	}
	idx.appendMu.Unlock()

	idx.closeAllFiles()
}
