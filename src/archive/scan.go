package archive

import (
	"unsafe"

	"github.com/Blackdeer1524/LogArchive/src/pkg/assert"
	"github.com/Blackdeer1524/LogArchive/src/pkg/common"
	"github.com/Blackdeer1524/LogArchive/src/wal"
)

// MergeInput is one cursor of a k-way merge: a mapped run positioned at
// its current record, keyed by that record's (pid, version).
type MergeInput struct {
	runFile    *RunFile
	pos        int64
	keyVersion uint32
	keyPID     common.PageID
	endPID     common.PageID
}

// Two merge inputs per cache line.
const mergeInputSize = unsafe.Sizeof(MergeInput{})

var (
	_ [mergeInputSize - 32]byte
	_ [32 - mergeInputSize]byte
)

func (in *MergeInput) logrec() wal.Record {
	return wal.Record(in.runFile.Data[in.pos:])
}

// finished reports whether the cursor ran off its input: past the data
// region, at the EOF record, or past endPID (0 = unbounded).
func (in *MergeInput) finished() bool {
	if in.runFile == nil || in.runFile.DataLen == 0 || in.pos >= in.runFile.DataLen {
		return true
	}
	lr := in.logrec()
	return lr.IsEOF() || (in.endPID != 0 && lr.PID() >= in.endPID)
}

// open positions the cursor on the first record with pid >= startPID and
// loads the heap key. False means this input has nothing to contribute.
func (in *MergeInput) open(startPID common.PageID) bool {
	if in.finished() {
		return false
	}

	lr := in.logrec()
	in.keyVersion = lr.PageVersion()
	in.keyPID = lr.PID()

	if in.keyPID < startPID {
		for !in.finished() && in.logrec().PID() < startPID {
			in.next()
		}
		if in.finished() {
			return false
		}
	}

	assert.Assert(in.keyVersion == in.logrec().PageVersion(),
		"merge input key out of sync")
	return true
}

// next advances by one record and refreshes the heap key.
func (in *MergeInput) next() {
	assert.Assert(!in.finished(), "advancing a finished merge input")

	in.pos += int64(in.logrec().Length())
	if in.pos >= in.runFile.DataLen {
		return
	}

	lr := in.logrec()
	assert.Assert(lr.ValidHeader(), "corrupt record in run %v at offset %d",
		in.runFile.ID, in.pos)
	in.keyPID = lr.PID()
	in.keyVersion = lr.PageVersion()
}

// less orders inputs by (pid, version) ascending.
func (in *MergeInput) less(other *MergeInput) bool {
	if in.keyPID != other.keyPID {
		return in.keyPID < other.keyPID
	}
	return in.keyVersion < other.keyVersion
}

// Scan merge-reads all log records for a page range across every level of
// the archive index, in strict (pid, version) order. Records it emits are
// borrows into mapped memory, valid until the next call.
type Scan struct {
	index *Index

	inputs    []MergeInput
	heapBegin int
	heapEnd   int

	singlePage    bool
	lastProbedRun common.RunNumber

	prevPID     common.PageID
	prevVersion uint32
}

func NewScan(index *Index) *Scan {
	assert.Assert(index != nil, "scan needs an archive index")
	return &Scan{index: index}
}

// Open probes the index for [startPID, endPID) over epochs [runBegin,
// runEnd] (0 = unbounded) and builds the merge heap. For single-page scans
// a page-image record in the most recent input discards every older
// input: the image is a base case that obsoletes prior history.
func (s *Scan) Open(startPID, endPID common.PageID, runBegin, runEnd common.RunNumber) error {
	s.clear()

	last, err := s.index.Probe(&s.inputs, startPID, endPID, runBegin, runEnd)
	if err != nil {
		return err
	}
	s.lastProbedRun = last
	s.singlePage = endPID == startPID+1

	// Sweep inputs newest to oldest so a page image can prune everything
	// older than it.
	s.heapBegin = 0
	for i := len(s.inputs) - 1; i >= 0; i-- {
		in := &s.inputs[i]
		if in.open(startPID) {
			if s.singlePage && in.logrec().HasPageImg() {
				// inputs before i hold history the image supersedes
				s.heapBegin = i
				break
			}
		} else {
			s.index.CloseScan(in.runFile.ID)
			s.inputs = append(s.inputs[:i], s.inputs[i+1:]...)
		}
	}
	s.heapEnd = len(s.inputs)

	s.initHeap()
	return nil
}

// OpenForMerge opens the scan over an explicit run list (no probe); used
// by whole-archive merges. Empty inputs are dropped.
func (s *Scan) OpenForMerge(runs []RunId) error {
	s.clear()

	for _, id := range runs {
		rf, err := s.index.OpenForScan(id)
		if err != nil {
			s.clear()
			return err
		}
		s.inputs = append(s.inputs, MergeInput{runFile: rf})
	}

	for i := len(s.inputs) - 1; i >= 0; i-- {
		in := &s.inputs[i]
		if !in.open(0) {
			s.index.CloseScan(in.runFile.ID)
			s.inputs = append(s.inputs[:i], s.inputs[i+1:]...)
		}
	}

	s.heapBegin = 0
	s.heapEnd = len(s.inputs)
	s.initHeap()
	return nil
}

// OpenByPage opens an unbounded whole-archive scan.
func (s *Scan) OpenByPage() error {
	return s.Open(0, 0, 0, 0)
}

func (s *Scan) Finished() bool {
	return s.heapBegin >= s.heapEnd
}

// LastProbedRun returns the newest epoch the last Open saw, so callers can
// bound a future Reopen.
func (s *Scan) LastProbedRun() common.RunNumber {
	return s.lastProbedRun
}

// Next pops the record with the smallest (pid, version). Two records with
// an equal key never occur; the run builder enforces that.
func (s *Scan) Next(lr *wal.Record) bool {
	for {
		if s.Finished() {
			return false
		}

		top := &s.inputs[s.heapBegin]
		if top.finished() {
			// drop the exhausted input and shrink the heap
			s.inputs[s.heapBegin], s.inputs[s.heapEnd-1] =
				s.inputs[s.heapEnd-1], s.inputs[s.heapBegin]
			s.heapEnd--
			s.siftDown(s.heapBegin)
			continue
		}

		*lr = top.logrec()
		assert.Assert(lr.PID() == top.keyPID && lr.PageVersion() == top.keyVersion,
			"merge input emitted a record that differs from its key")

		if s.prevPID != 0 || s.prevVersion != 0 {
			assert.Assert(s.prevPID < lr.PID() ||
				(s.prevPID == lr.PID() && s.prevVersion <= lr.PageVersion()),
				"archive merge went backwards: (%d,%d) after (%d,%d)",
				lr.PID(), lr.PageVersion(), s.prevPID, s.prevVersion)
		}
		s.prevPID = lr.PID()
		s.prevVersion = lr.PageVersion()

		top.next()
		s.siftDown(s.heapBegin)
		return true
	}
}

// Close releases every input's reference on its run file. The scan can be
// re-opened afterwards.
func (s *Scan) Close() {
	s.clear()
}

func (s *Scan) clear() {
	for i := range s.inputs {
		s.index.CloseScan(s.inputs[i].runFile.ID)
	}
	s.inputs = s.inputs[:0]
	s.heapBegin = 0
	s.heapEnd = 0
	s.prevPID = 0
	s.prevVersion = 0
}

// Binary min-heap over inputs[heapBegin:heapEnd], root at heapBegin.

func (s *Scan) initHeap() {
	n := s.heapEnd - s.heapBegin
	for i := n/2 - 1; i >= 0; i-- {
		s.siftDown(s.heapBegin + i)
	}
}

func (s *Scan) siftDown(root int) {
	for {
		child := s.heapBegin + 2*(root-s.heapBegin) + 1
		if child >= s.heapEnd {
			return
		}
		if child+1 < s.heapEnd && s.inputs[child+1].less(&s.inputs[child]) {
			child++
		}
		if !s.inputs[child].less(&s.inputs[root]) {
			return
		}
		s.inputs[root], s.inputs[child] = s.inputs[child], s.inputs[root]
		root = child
	}
}
