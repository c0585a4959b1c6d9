package ringbuffer

import (
	"sync"
	"time"

	"github.com/Blackdeer1524/LogArchive/src/pkg/assert"
)

// recheckInterval bounds every condvar wait so a late Finish() is observed
// even if the matching signal was missed.
const recheckInterval = 100 * time.Millisecond

// AsyncRingBuffer is a bounded circular buffer of fixed-size blocks shared
// between exactly one producer and one consumer. Block memory is lent out
// in place: the producer requests a free slot, fills it and releases it;
// the consumer requests a filled slot, parses it and releases it. Cursor
// parities disambiguate a full buffer from an empty one when the cursors
// coincide.
type AsyncRingBuffer struct {
	mu   sync.Mutex
	cond *sync.Cond

	buf []byte

	begin   int
	end     int
	bparity bool
	eparity bool

	finished bool

	blockSize  int
	blockCount int
}

func New(blockSize, blockCount int) *AsyncRingBuffer {
	assert.Assert(blockSize > 0 && blockCount > 0,
		"invalid ring geometry: %d x %d", blockCount, blockSize)

	r := &AsyncRingBuffer{
		buf:        make([]byte, blockSize*blockCount),
		bparity:    true,
		eparity:    true,
		blockSize:  blockSize,
		blockCount: blockCount,
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *AsyncRingBuffer) BlockSize() int  { return r.blockSize }
func (r *AsyncRingBuffer) BlockCount() int { return r.blockCount }

func (r *AsyncRingBuffer) isFull() bool {
	return r.begin == r.end && r.bparity != r.eparity
}

func (r *AsyncRingBuffer) isEmpty() bool {
	return r.begin == r.end && r.bparity == r.eparity
}

func (r *AsyncRingBuffer) IsFinished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}

// Finish latches the terminal flag. The producer refuses further requests
// immediately; the consumer drains the remaining blocks first.
func (r *AsyncRingBuffer) Finish() {
	r.mu.Lock()
	r.finished = true
	r.mu.Unlock()
	r.cond.Broadcast()
}

func (r *AsyncRingBuffer) increment(p *int, parity *bool) {
	*p = (*p + 1) % r.blockCount
	if *p == 0 {
		*parity = !*parity
	}
}

// timedWait sleeps until the condition is signalled or the re-check
// interval elapses. Caller must hold r.mu.
func (r *AsyncRingBuffer) timedWait() {
	timer := time.AfterFunc(recheckInterval, r.cond.Broadcast)
	defer timer.Stop()
	r.cond.Wait()
}

// ProducerRequest blocks until a free slot exists and returns it, or nil
// once the buffer is finished.
func (r *AsyncRingBuffer) ProducerRequest() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	for r.isFull() && !r.finished {
		r.timedWait()
	}
	if r.finished {
		return nil
	}

	off := r.end * r.blockSize
	return r.buf[off : off+r.blockSize]
}

func (r *AsyncRingBuffer) ProducerRelease() {
	r.mu.Lock()
	wasEmpty := r.isEmpty()
	r.increment(&r.end, &r.eparity)
	r.mu.Unlock()

	if wasEmpty {
		r.cond.Broadcast()
	}
}

// ConsumerRequest blocks until a filled slot exists and returns it, or nil
// once the buffer is finished and drained.
func (r *AsyncRingBuffer) ConsumerRequest() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	for r.isEmpty() && !r.finished {
		r.timedWait()
	}
	if r.finished && r.isEmpty() {
		return nil
	}

	off := r.begin * r.blockSize
	return r.buf[off : off+r.blockSize]
}

func (r *AsyncRingBuffer) ConsumerRelease() {
	r.mu.Lock()
	wasFull := r.isFull()
	r.increment(&r.begin, &r.bparity)
	r.mu.Unlock()

	if wasFull {
		r.cond.Broadcast()
	}
}
