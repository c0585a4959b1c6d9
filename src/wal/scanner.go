package wal

import (
	"errors"
	"fmt"

	"github.com/Blackdeer1524/LogArchive/src/pkg/assert"
	"github.com/Blackdeer1524/LogArchive/src/pkg/common"
	"github.com/Blackdeer1524/LogArchive/src/pkg/utils"
)

// errZeroTail marks an all-zero header: the unwritten tail of a partition
// that was rotated without an EOF marker. The consumer turns it into a
// partition jump when more partitions lie before the goal.
var errZeroTail = errors.New("zeroed record header")

// Scanner reassembles variable-length log records from a stream of binary
// data delivered block-at-a-time. It performs no I/O itself; the major task
// is control of block boundaries, which can occur in the middle of a
// record. A partial record is staged in an internal scratch buffer and
// completed from the following block(s).
type Scanner struct {
	blockSize   int
	truncBuf    []byte
	truncCopied int
	toSkip      int
}

func NewScanner(blockSize int) *Scanner {
	assert.Assert(blockSize > 0, "invalid scanner block size %d", blockSize)

	return &Scanner{
		blockSize: blockSize,
		// scratch must hold the largest possible record
		truncBuf: make([]byte, MaxLogrecSize),
	}
}

func (s *Scanner) BlockSize() int { return s.blockSize }

func (s *Scanner) HasPartialLogrec() bool {
	return s.truncCopied > 0
}

func (s *Scanner) Reset() {
	s.truncCopied = 0
}

// NextLogrec fetches the record at src[*pos]. On success it points lr at
// the record (borrowing either the block or the scratch buffer), advances
// *pos and *nextLSN, stores the record length in *lrLen and returns true.
//
// It returns false with a nil error when the caller must fetch the next
// block (partial record staged in scratch, or in-block skip crossed the
// boundary) and when *nextLSN has reached stopLSN. An all-zero header
// surfaces as errZeroTail; any other malformed header as ErrCorruptRecord.
func (s *Scanner) NextLogrec(
	src []byte,
	pos *int,
	lr *Record,
	nextLSN *common.LSN,
	stopLSN common.LSN,
	lrLen *int,
) (bool, error) {
	for {
		if !stopLSN.IsNil() && stopLSN == *nextLSN {
			return false, nil
		}

		remaining := s.blockSize - *pos
		if remaining == 0 {
			return false, nil
		}

		if s.truncCopied > 0 {
			done, err := s.completePartial(src, pos, lr, remaining)
			if err != nil || !done {
				return false, err
			}
		} else {
			head := Record(src[*pos:])
			if remaining < HeaderSize || int(head.Length()) > remaining {
				// Stage the tail of this block; the record continues in
				// the next one.
				copy(s.truncBuf, src[*pos:s.blockSize])
				s.truncCopied = remaining
				*pos += remaining

				if lrLen != nil {
					if remaining >= HeaderSize {
						*lrLen = int(head.Length())
					} else {
						*lrLen = -1
					}
				}
				return false, nil
			}

			// keep at least the header in view so a bogus length still
			// leaves the error path something to report
			n := int(head.Length())
			if n < HeaderSize {
				n = HeaderSize
			}
			*lr = Record(src[*pos : *pos+n])
		}

		if !lr.ValidHeader() {
			if lr.Length() == 0 && lr.Type() == TypeInvalid {
				return false, errZeroTail
			}
			return false, fmt.Errorf(
				"bad header (type=%d len=%d) at block offset %d: %w",
				lr.Type(), lr.Length(), *pos, common.ErrCorruptRecord)
		}

		*nextLSN = nextLSN.Advance(lr.Length())
		if lrLen != nil {
			*lrLen = int(lr.Length())
		}

		if s.toSkip > 0 {
			if s.toSkip <= remaining {
				// stayed in the same block after skipping
				*pos += s.toSkip
				s.toSkip = 0
				continue
			}
			s.toSkip -= remaining
			return false, nil
		}

		// if the record was assembled in scratch, pos was already advanced
		if &(*lr)[0] != &s.truncBuf[0] {
			*pos += int(lr.Length())
		}

		return true, nil
	}
}

// completePartial continues a record staged in the scratch buffer. Reports
// done=false when the record still does not end in this block.
func (s *Scanner) completePartial(src []byte, pos *int, lr *Record, remaining int) (bool, error) {
	if s.truncCopied < HeaderSize {
		n := utils.Min(HeaderSize-s.truncCopied, remaining)
		copy(s.truncBuf[s.truncCopied:], src[*pos:*pos+n])
		s.truncCopied += n
		*pos += n

		if s.truncCopied < HeaderSize {
			return false, nil
		}
		remaining = s.blockSize - *pos
	}

	head := Record(s.truncBuf)
	total := int(head.Length())
	if total < HeaderSize || total > MaxLogrecSize {
		return false, fmt.Errorf("bad spanning record length %d: %w",
			total, common.ErrCorruptRecord)
	}

	missing := total - s.truncCopied
	n := utils.Min(missing, remaining)
	copy(s.truncBuf[s.truncCopied:total], src[*pos:*pos+n])
	*pos += n

	if n < missing {
		s.truncCopied += n
		return false, nil
	}

	*lr = Record(s.truncBuf[:total])
	s.truncCopied = 0
	return true, nil
}
