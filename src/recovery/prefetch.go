package recovery

import (
	"fmt"
	"sync"

	"github.com/panjf2000/ants"

	"github.com/Blackdeer1524/LogArchive/src/archive"
	"github.com/Blackdeer1524/LogArchive/src/pkg/common"
)

// Prefetcher replays archive history for many nodes concurrently on a
// bounded worker pool. Every task drives its own NodeFetch, so scans never
// share cursors; the index's open-file cache deduplicates the mappings
// underneath.
type Prefetcher[Node any] struct {
	index  *archive.Index
	redoer Redoer[Node]
	pool   *ants.Pool
}

func NewPrefetcher[Node any](
	index *archive.Index,
	redoer Redoer[Node],
	workers int,
) (*Prefetcher[Node], error) {
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("prefetcher pool: %w", err)
	}

	return &Prefetcher[Node]{
		index:  index,
		redoer: redoer,
		pool:   pool,
	}, nil
}

// FetchAll rebuilds every listed node, calling alloc for the target of
// each id. It returns the first failure, after all tasks finished.
func (p *Prefetcher[Node]) FetchAll(
	ids []common.PageID,
	alloc func(common.PageID) *Node,
) error {
	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		firstErr error
	)

	fail := func(err error) {
		errMu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		errMu.Unlock()
	}

	for _, id := range ids {
		id := id
		wg.Add(1)
		task := func() {
			defer wg.Done()

			fetch := NewNodeFetch(p.index, p.redoer)
			defer fetch.Close()

			if err := fetch.Open(id); err != nil {
				fail(fmt.Errorf("fetch node %d: %w", id, err))
				return
			}
			if _, err := fetch.Apply(alloc(id)); err != nil {
				fail(fmt.Errorf("replay node %d: %w", id, err))
			}
		}

		if err := p.pool.Submit(task); err != nil {
			wg.Done()
			fail(fmt.Errorf("submit fetch of node %d: %w", id, err))
		}
	}

	wg.Wait()
	return firstErr
}

// Release shuts the worker pool down.
func (p *Prefetcher[Node]) Release() {
	p.pool.Release()
}
