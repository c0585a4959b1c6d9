package wal

import (
	"errors"
	"fmt"

	"github.com/Blackdeer1524/LogArchive/src/pkg/assert"
	"github.com/Blackdeer1524/LogArchive/src/pkg/common"
	"github.com/Blackdeer1524/LogArchive/src/ringbuffer"
)

// total read buffer = ioBlockCount * blockSize
const ioBlockCount = 8

// Consumer provides a record-at-a-time interface over the recovery log
// using asynchronous reads. It owns the reader worker and its ring buffer.
//
// Access requires a preliminary Open call, which activates the reader with
// the given end LSN; Next then delivers records until that LSN is reached.
// Records returned by Next are borrows into the current block or the
// scanner's scratch buffer, valid until the following Next call.
type Consumer struct {
	readbuf *ringbuffer.AsyncRingBuffer
	reader  *readerThread
	scanner *Scanner
	log     common.Logger

	nextLSN common.LSN
	endLSN  common.LSN

	currentBlock    []byte
	blockSize       int
	pos             int
	readWholeBlocks bool

	err error
}

func NewConsumer(
	startLSN common.LSN,
	blockSize int,
	storage *Storage,
	log common.Logger,
) *Consumer {
	c := &Consumer{
		readbuf:   ringbuffer.New(blockSize, ioBlockCount),
		scanner:   NewScanner(blockSize),
		log:       log,
		nextLSN:   startLSN,
		blockSize: blockSize,
		// offset of the first record within its block
		pos: int(startLSN.Offset()) % blockSize,
	}
	c.reader = newReaderThread(c.readbuf, startLSN, storage, log)
	c.reader.Fork()

	log.Debugf("starting log consumer at LSN %v", startLSN)
	return c
}

// Open activates the reader up to endLSN. With readWholeBlocks set, the
// consumer stops early instead of fetching another block to finish a
// spanning record; the caller re-opens later.
func (c *Consumer) Open(endLSN common.LSN, readWholeBlocks bool) {
	c.endLSN = endLSN
	c.readWholeBlocks = readWholeBlocks

	c.reader.WakeupUntilLSN(endLSN, false)

	if c.nextLSN < endLSN {
		c.nextBlock()
	}
}

func (c *Consumer) GetNextLSN() common.LSN { return c.nextLSN }

// Err reports the first failure of the pipeline (I/O error, corrupt
// record, unexpected EOF). Next returns false on failure.
func (c *Consumer) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.reader.Err()
}

func (c *Consumer) nextBlock() bool {
	if c.currentBlock != nil {
		c.readbuf.ConsumerRelease()
		c.currentBlock = nil
	}

	c.currentBlock = c.readbuf.ConsumerRequest()
	if c.currentBlock == nil {
		// Only legitimate when the buffer was finished (shutdown or reader
		// failure): endLSN must always be an existing LSN, so a plain
		// "no more blocks" would be a bug.
		assert.Assert(c.readbuf.IsFinished(), "consume request failed")
		return false
	}

	if c.pos >= c.blockSize {
		// the previous block was consumed to its end; otherwise this is the
		// same block in a continued reader cycle and pos is maintained
		c.pos = 0
	}

	return true
}

// Next delivers the next record. False means the end LSN was reached, the
// consumer was shut down, or the pipeline failed (see Err).
func (c *Consumer) Next(lr *Record, lsn *common.LSN) bool {
	for {
		assert.Assert(c.nextLSN <= c.endLSN, "consumer ran past its goal: %v > %v",
			c.nextLSN, c.endLSN)

		if c.nextLSN == c.endLSN {
			return false
		}

		if c.currentBlock == nil {
			if !c.nextBlock() {
				return false
			}
		}

		lrLen := 0
		scanned, err := c.scanner.NextLogrec(
			c.currentBlock, &c.pos, lr, &c.nextLSN, c.endLSN, &lrLen)
		if errors.Is(err, errZeroTail) {
			// Unwritten tail of a partition rotated without an EOF marker:
			// jump to the next file, like the EOF record would make us do.
			if c.endLSN.Partition() <= c.nextLSN.Partition() {
				c.err = fmt.Errorf("log ended at %v before goal %v: %w",
					c.nextLSN, c.endLSN, common.ErrUnexpectedEOF)
				return false
			}
			c.nextLSN = common.NewLSN(c.nextLSN.Partition()+1, 0)
			c.pos = 0
			c.scanner.Reset()
			if !c.nextBlock() {
				return false
			}
			continue
		}
		if err != nil {
			c.err = err
			return false
		}

		if scanned && lsn != nil {
			*lsn = c.nextLSN - common.LSN(lr.Length())
		}

		stopReading := c.nextLSN == c.endLSN
		if !scanned && c.readWholeBlocks && !stopReading {
			// A spanning record would need the next block; under the
			// whole-blocks policy we wait for the next activation instead.
			// Detected when the record is longer than what remains before
			// the goal, or when this call did not learn its length
			// (lrLen <= 0: header cut short, or no record started yet).
			stopReading = c.endLSN.Partition() == c.nextLSN.Partition() &&
				(lrLen <= 0 || int(c.endLSN.Offset()-c.nextLSN.Offset()) < lrLen)
		}

		if !scanned && stopReading {
			c.log.Debugf("consumer reached end LSN on %v", c.nextLSN)
			return false
		}

		assert.Assert(c.nextLSN <= c.endLSN, "consumer ran past its goal: %v > %v",
			c.nextLSN, c.endLSN)

		if !scanned || (lrLen > 0 && lr.IsEOF()) {
			if scanned && lr.IsEOF() {
				// the next block comes from the next partition file
				c.nextLSN = common.NewLSN(c.nextLSN.Partition()+1, 0)
				c.pos = 0
				c.scanner.Reset()
				assert.Assert(!c.scanner.HasPartialLogrec(),
					"partial record across an EOF marker")
				c.log.Debugf("reached EOF record, nextLSN = %v", c.nextLSN)
			}
			if !c.nextBlock() {
				return false
			}
			continue
		}

		return true
	}
}

// Shutdown stops the reader worker; pending blocks are discarded. Safe to
// call more than once.
func (c *Consumer) Shutdown() {
	// the buffer may already be finished by a reader failure; the worker
	// still has to be stopped
	c.readbuf.Finish()
	c.reader.shutdown()
}
