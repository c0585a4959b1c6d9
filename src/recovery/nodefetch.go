package recovery

import (
	"github.com/Blackdeer1524/LogArchive/src/archive"
	"github.com/Blackdeer1524/LogArchive/src/pkg/assert"
	"github.com/Blackdeer1524/LogArchive/src/pkg/common"
	"github.com/Blackdeer1524/LogArchive/src/wal"
)

// Redoer applies one redo record to a node.
type Redoer[Node any] interface {
	Redo(lr wal.Record, node *Node) error
}

// RedoFunc adapts a plain function to the Redoer interface.
type RedoFunc[Node any] func(lr wal.Record, node *Node) error

func (f RedoFunc[Node]) Redo(lr wal.Record, node *Node) error {
	return f(lr, node)
}

// NodeFetch rebuilds a node (page) by driving a single-page archive scan
// and replaying every redo record in (pid, version) order.
type NodeFetch[Node any] struct {
	scan   *archive.Scan
	redoer Redoer[Node]

	// Page-image compression interacts with run boundaries: an older
	// non-image update may land in a later run file than the image that
	// shadows it, so it would not be pruned by the scan's image rule.
	// Until the first image for the page is seen, non-image records are
	// skipped; applying them would corrupt the page.
	imgConsumed bool
}

func NewNodeFetch[Node any](index *archive.Index, redoer Redoer[Node]) *NodeFetch[Node] {
	return &NodeFetch[Node]{
		scan:   archive.NewScan(index),
		redoer: redoer,
	}
}

// Open positions the fetch on the node's archive history.
func (f *NodeFetch[Node]) Open(id common.PageID) error {
	if err := f.scan.Open(id, id+1, 0, 0); err != nil {
		return err
	}
	f.imgConsumed = false
	return nil
}

// Reopen continues a fetch for updates archived after the previous pass.
// Used when a page with not-yet-archived updates was evicted.
func (f *NodeFetch[Node]) Reopen(id common.PageID) error {
	return f.scan.Open(id, id+1, f.scan.LastProbedRun()+1, 0)
}

// Apply replays the scanned records onto the node and returns how many
// were applied.
func (f *NodeFetch[Node]) Apply(node *Node) (int, error) {
	replayed := 0

	var lr wal.Record
	for f.scan.Next(&lr) {
		if !f.shouldRedo(lr) {
			continue
		}
		if err := f.redoer.Redo(lr, node); err != nil {
			return replayed, err
		}
		replayed++
	}

	return replayed, nil
}

// Close releases the underlying scan.
func (f *NodeFetch[Node]) Close() {
	f.scan.Close()
}

func (f *NodeFetch[Node]) shouldRedo(lr wal.Record) bool {
	assert.Assert(lr.ValidHeader(), "replaying a corrupt record")
	assert.Assert(lr.IsRedo(), "replaying a non-redo record")
	assert.Assert(lr.PageVersion() > 0, "redo record with zero page version")

	if lr.HasPageImg() {
		f.imgConsumed = true
	} else if !f.imgConsumed {
		return false
	}
	return true
}
