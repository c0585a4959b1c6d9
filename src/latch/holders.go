package latch

import (
	"sync"

	"github.com/petermattis/goid"
)

// holderRec tracks one goroutine's hold on one latch. A record is read and
// mutated only by the goroutine it belongs to; the registry lock protects
// just the map structure.
type holderRec struct {
	mode  Mode
	count int
}

type holderKey struct {
	gid   int64
	latch *Latch
}

var holderTable = struct {
	mu sync.RWMutex
	m  map[holderKey]*holderRec
}{m: make(map[holderKey]*holderRec)}

func findHolder(l *Latch) *holderRec {
	key := holderKey{gid: goid.Get(), latch: l}

	holderTable.mu.RLock()
	h := holderTable.m[key]
	holderTable.mu.RUnlock()

	return h
}

func insertHolder(l *Latch, mode Mode) {
	key := holderKey{gid: goid.Get(), latch: l}

	holderTable.mu.Lock()
	holderTable.m[key] = &holderRec{mode: mode, count: 1}
	holderTable.mu.Unlock()
}

func removeHolder(l *Latch) {
	key := holderKey{gid: goid.Get(), latch: l}

	holderTable.mu.Lock()
	delete(holderTable.m, key)
	holderTable.mu.Unlock()
}
