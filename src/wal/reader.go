package wal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/spf13/afero"

	"github.com/Blackdeer1524/LogArchive/src/pkg/assert"
	"github.com/Blackdeer1524/LogArchive/src/pkg/common"
	"github.com/Blackdeer1524/LogArchive/src/ringbuffer"
)

// readerThread streams partition files block-at-a-time into the ring
// buffer. It works on activation cycles: the consumer wakes it up with an
// end-LSN goal, the reader fills blocks until the goal is covered and goes
// back to sleep. It never reads past the goal at logical granularity, but
// may read up to one block past it physically, which is safe because short
// reads are handled.
type readerThread struct {
	*logWorkerThread

	buf     *ringbuffer.AsyncRingBuffer
	storage *Storage
	log     common.Logger

	current       afero.File
	nextPartition common.PartitionNumber
	pos           int64
	localEndLSN   common.LSN

	errMu sync.Mutex
	err   error
}

func newReaderThread(
	buf *ringbuffer.AsyncRingBuffer,
	startLSN common.LSN,
	storage *Storage,
	log common.Logger,
) *readerThread {
	assert.Assert(storage != nil, "reader needs a log storage")

	r := &readerThread{
		buf:           buf,
		storage:       storage,
		log:           log,
		nextPartition: startLSN.Partition(),
		pos:           int64(startLSN.Offset()),
	}
	r.logWorkerThread = newLogWorkerThread(r.doWork)
	return r
}

func (r *readerThread) fail(err error) {
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.errMu.Unlock()

	r.log.Errorf("log reader: %v", err)
	r.buf.Finish()
}

func (r *readerThread) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

// openPartition rotates the read handle to the next partition. Reports
// false for an empty file.
func (r *readerThread) openPartition() (bool, error) {
	if r.current != nil {
		if err := r.current.Close(); err != nil {
			return false, err
		}
		r.current = nil
	}

	fname := r.storage.MakeLogName(r.nextPartition)
	f, err := r.storage.fs.Open(fname)
	if err != nil {
		return false, fmt.Errorf("open %q: %w", fname, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return false, fmt.Errorf("stat %q: %w", fname, err)
	}
	if info.Size() == 0 {
		f.Close()
		return false, nil
	}

	// The partition holding the goal must contain it; otherwise the
	// given end LSN was wrong.
	if r.localEndLSN.Partition() == r.nextPartition {
		assert.Assert(info.Size() >= int64(r.localEndLSN.Offset()),
			"partition %d shorter (%d) than goal %v",
			r.nextPartition, info.Size(), r.localEndLSN)
	}

	r.log.Debugf("opened log partition for read: %s", fname)

	r.current = f
	r.nextPartition++
	return true, nil
}

func (r *readerThread) doWork() {
	blockSize := int64(r.buf.BlockSize())
	// copy the goal so it cannot move between the steps below
	r.localEndLSN = r.EndLSN()

	r.log.Debugf("reader activated until %v", r.localEndLSN)

	for {
		currPartition := r.nextPartition
		if r.current != nil {
			currPartition = r.nextPartition - 1
		}
		if r.localEndLSN.Partition() == currPartition &&
			r.pos >= int64(r.localEndLSN.Offset()) {
			// The goal sits inside an already-read block. Snap pos to it so
			// the next activation resumes exactly at the goal.
			r.pos = int64(r.localEndLSN.Offset())
			r.log.Debugf("reader reached end LSN, sleeping; new pos = %d", r.pos)
			return
		}

		if r.ShouldExit() {
			r.log.Debugf("reader got shutdown request")
			return
		}

		dest := r.buf.ProducerRequest()
		if dest == nil {
			// buffer finished under us: shutting down
			return
		}

		if r.current == nil {
			opened, err := r.openPartition()
			if err != nil {
				r.fail(err)
				return
			}
			assert.Assert(opened, "partition %d expected to exist", r.nextPartition)
		}

		// read only the portion ignored on the last round
		blockPos := r.pos % blockSize
		n, err := r.current.ReadAt(dest[blockPos:], r.pos)
		if err != nil && !errors.Is(err, io.EOF) {
			r.fail(err)
			return
		}

		if n == 0 {
			// reached EOF: open the next partition and retry once
			opened, err := r.openPartition()
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					err = fmt.Errorf("no partition %d before goal %v: %w",
						r.nextPartition, r.localEndLSN, common.ErrUnexpectedEOF)
				}
				r.fail(err)
				return
			}
			if !opened {
				r.fail(fmt.Errorf("partition %d ended before goal %v: %w",
					r.nextPartition, r.localEndLSN, common.ErrUnexpectedEOF))
				return
			}
			r.pos = 0
			n, err = r.current.ReadAt(dest[:blockSize], 0)
			if err != nil && !errors.Is(err, io.EOF) {
				r.fail(err)
				return
			}
			if n == 0 {
				r.fail(fmt.Errorf("partition %d is empty before goal %v: %w",
					r.nextPartition-1, r.localEndLSN, common.ErrUnexpectedEOF))
				return
			}
		}

		r.pos += int64(n)
		r.buf.ProducerRelease()
	}
}

func (r *readerThread) shutdown() {
	r.Stop()
	if r.current != nil {
		r.current.Close()
		r.current = nil
	}
}
