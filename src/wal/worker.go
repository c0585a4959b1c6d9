package wal

import (
	"sync"
	"sync/atomic"

	"github.com/Blackdeer1524/LogArchive/src/pkg/common"
)

// workerThread runs a work function on activation cycles: it sleeps until
// woken, performs one round, notifies waiters and sleeps again. Stop() is
// observed between rounds and, through ShouldExit, inside long rounds.
type workerThread struct {
	mu     sync.Mutex
	wakeup *sync.Cond
	done   *sync.Cond

	work func()

	stopRequested   atomic.Bool
	wakeupRequested bool
	busy            bool
	roundsCompleted int64

	joined chan struct{}
}

func newWorkerThread(work func()) *workerThread {
	w := &workerThread{
		work:   work,
		joined: make(chan struct{}),
	}
	w.wakeup = sync.NewCond(&w.mu)
	w.done = sync.NewCond(&w.mu)
	return w
}

// Fork starts the worker goroutine. Call at most once.
func (w *workerThread) Fork() {
	go w.run()
}

func (w *workerThread) run() {
	defer close(w.joined)

	w.mu.Lock()
	for {
		for !w.wakeupRequested && !w.stopRequested.Load() {
			w.wakeup.Wait()
		}
		if w.stopRequested.Load() {
			w.busy = false
			w.done.Broadcast()
			w.mu.Unlock()
			return
		}

		w.wakeupRequested = false
		w.busy = true
		w.mu.Unlock()

		w.work()

		w.mu.Lock()
		w.roundsCompleted++
		w.busy = false
		w.done.Broadcast()
	}
}

// Wakeup requests one more round. If wait is true, it blocks until the
// round triggered by this request has completed.
func (w *workerThread) Wakeup(wait bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	target := w.roundsCompleted + 1
	if w.busy {
		// current round may miss this request
		target++
	}

	w.wakeupRequested = true
	w.wakeup.Broadcast()

	if !wait {
		return
	}
	for w.roundsCompleted < target && !w.stopRequested.Load() {
		w.done.Wait()
	}
}

// Stop asks the worker to exit after the current round and joins it.
// Idempotent.
func (w *workerThread) Stop() {
	w.stopRequested.Store(true)
	w.mu.Lock()
	w.wakeup.Broadcast()
	w.mu.Unlock()
	<-w.joined
}

func (w *workerThread) ShouldExit() bool {
	return w.stopRequested.Load()
}

// logWorkerThread adds an end-LSN goal to the activation protocol, for
// workers that process LSN ranges.
type logWorkerThread struct {
	*workerThread
	endLSN atomic.Uint64
}

func newLogWorkerThread(work func()) *logWorkerThread {
	l := &logWorkerThread{}
	l.workerThread = newWorkerThread(work)
	return l
}

func (l *logWorkerThread) WakeupUntilLSN(lsn common.LSN, wait bool) {
	l.endLSN.Store(uint64(lsn))
	l.Wakeup(wait)
}

func (l *logWorkerThread) EndLSN() common.LSN {
	return common.LSN(l.endLSN.Load())
}
