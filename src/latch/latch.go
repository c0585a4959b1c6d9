package latch

import (
	"sync"
	"time"

	"github.com/Blackdeer1524/LogArchive/src/pkg/assert"
)

type Mode int

const (
	ModeNL Mode = iota
	ModeSH
	ModeEX
)

func (m Mode) String() string {
	switch m {
	case ModeNL:
		return "NL"
	case ModeSH:
		return "SH"
	case ModeEX:
		return "EX"
	}
	return "invalid"
}

type AcquireResult int

const (
	AcquireOK AcquireResult = iota
	AcquireWouldBlock
	AcquireTimeout
)

type Timeout time.Duration

const (
	// WaitImmediate tries exactly once and reports AcquireWouldBlock on
	// contention.
	WaitImmediate Timeout = 0
	WaitForever   Timeout = -1
)

// Latch is a short-duration reader/writer lock with shared (SH) and
// exclusive (EX) modes, recursive re-acquisition by the same goroutine and
// a conditional SH->EX upgrade. Writers are preferred: once a writer is
// waiting, new readers are held back.
//
// Recursive acquisitions are tracked in a per-goroutine holder table (see
// holders.go) and never touch the underlying lock state.
type Latch struct {
	mu   sync.Mutex
	cond *sync.Cond

	readers        int
	writer         bool
	waitingWriters int
}

func New() *Latch {
	l := &Latch{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Acquire obtains the latch in the given mode.
//
// If the calling goroutine already holds the latch:
//   - same mode: the recursion count is incremented;
//   - held EX, any mode requested: treated as EX recursion;
//   - held SH, EX requested: a non-blocking upgrade is attempted regardless
//     of the timeout and AcquireWouldBlock is returned on failure. Blocking
//     here would deadlock on our own SH hold.
func (l *Latch) Acquire(mode Mode, timeout Timeout) AcquireResult {
	assert.Assert(mode == ModeSH || mode == ModeEX, "cannot acquire in mode %v", mode)

	if h := findHolder(l); h != nil {
		if h.mode == mode || h.mode == ModeEX {
			h.count++
			return AcquireOK
		}

		// held SH, EX requested
		if !l.tryUpgrade() {
			return AcquireWouldBlock
		}
		h.mode = ModeEX
		h.count++
		return AcquireOK
	}

	res := l.lockInternal(mode, timeout)
	if res != AcquireOK {
		return res
	}

	insertHolder(l, mode)
	return AcquireOK
}

func (l *Latch) lockInternal(mode Mode, timeout Timeout) AcquireResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	canTake := func() bool {
		if mode == ModeEX {
			return !l.writer && l.readers == 0
		}
		return !l.writer && l.waitingWriters == 0
	}

	take := func() {
		if mode == ModeEX {
			l.writer = true
		} else {
			l.readers++
		}
	}

	if canTake() {
		take()
		return AcquireOK
	}

	if timeout == WaitImmediate {
		return AcquireWouldBlock
	}

	if mode == ModeEX {
		l.waitingWriters++
		defer func() { l.waitingWriters-- }()
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(time.Duration(timeout))
		timer := time.AfterFunc(time.Duration(timeout), l.cond.Broadcast)
		defer timer.Stop()
	}

	for {
		// a waiting writer ignores waitingWriters (it is counted there
		// itself) and enters once no writer and no reader is inside
		if mode == ModeEX && !l.writer && l.readers == 0 {
			l.writer = true
			return AcquireOK
		}
		if mode == ModeSH && canTake() {
			take()
			return AcquireOK
		}

		if timeout > 0 && !time.Now().Before(deadline) {
			return AcquireTimeout
		}

		l.cond.Wait()
	}
}

// Release drops one level of recursion and returns the remaining count.
// The underlying lock is released only when the count reaches zero.
func (l *Latch) Release() int {
	h := findHolder(l)
	assert.Assert(h != nil, "releasing a latch that is not held")

	h.count--
	if h.count > 0 {
		return h.count
	}

	mode := h.mode
	removeHolder(l)

	l.mu.Lock()
	defer l.mu.Unlock()

	if mode == ModeEX {
		assert.Assert(l.writer, "latch word lost its writer bit")
		l.writer = false
	} else {
		assert.Assert(l.readers > 0, "latch word lost its readers")
		l.readers--
	}
	l.cond.Broadcast()

	return 0
}

// UpgradeIfNotBlock attempts an SH->EX upgrade without ever blocking and
// without touching the recursion count.
func (l *Latch) UpgradeIfNotBlock() (wouldBlock bool) {
	h := findHolder(l)
	assert.Assert(h != nil && h.mode == ModeSH, "upgrade requires an SH hold")

	if !l.tryUpgrade() {
		return true
	}

	h.mode = ModeEX
	return false
}

// tryUpgrade succeeds only when this goroutine is the sole reader and no
// writer is queued.
func (l *Latch) tryUpgrade() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	assert.Assert(!l.writer, "SH hold coexisting with a writer")
	if l.readers != 1 || l.waitingWriters > 0 {
		return false
	}

	l.readers = 0
	l.writer = true
	return true
}

// Downgrade atomically turns an EX hold into SH; the recursion count is
// unchanged.
func (l *Latch) Downgrade() {
	h := findHolder(l)
	assert.Assert(h != nil && h.mode == ModeEX, "downgrade requires an EX hold")

	l.mu.Lock()
	assert.Assert(l.writer && l.readers == 0, "latch word out of sync with holder")
	l.writer = false
	l.readers = 1
	l.cond.Broadcast()
	l.mu.Unlock()

	h.mode = ModeSH
}

// HeldByMe reports whether the calling goroutine holds the latch in any mode.
func (l *Latch) HeldByMe() bool {
	return findHolder(l) != nil
}

// IsMine reports whether the calling goroutine holds the latch exclusively.
func (l *Latch) IsMine() bool {
	h := findHolder(l)
	return h != nil && h.mode == ModeEX
}

// Mode is best-effort: the answer may be stale by the time it returns.
func (l *Latch) Mode() Mode {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case l.writer:
		return ModeEX
	case l.readers > 0:
		return ModeSH
	default:
		return ModeNL
	}
}

// NumHolders is best-effort, like Mode.
func (l *Latch) NumHolders() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer {
		return 1
	}
	return l.readers
}
