package prefs

import (
	"context"
	"time"

	"github.com/conneroisu/prefstore/internal/logging"
	"github.com/conneroisu/prefstore/internal/storage"
	"github.com/conneroisu/prefstore/internal/worker"
)

// DefaultFlushDelay is how long a node waits after a change before saving.
const DefaultFlushDelay = 200 * time.Millisecond

// StorageFactory returns the storage for the node at an absolute path.
type StorageFactory func(absolutePath string) storage.Storage

// Tree is a preferences hierarchy over one storage policy.
type Tree struct {
	name       string
	factory    StorageFactory
	pool       *worker.Pool
	flushDelay time.Duration
	logger     logging.Logger
	root       *Node
}

// TreeOption configures a Tree.
type TreeOption func(*Tree)

// WithFlushDelay sets the debounce window of background flushes.
func WithFlushDelay(d time.Duration) TreeOption {
	return func(t *Tree) {
		if d > 0 {
			t.flushDelay = d
		}
	}
}

// WithLogger sets the logger for background failures.
func WithLogger(l logging.Logger) TreeOption {
	return func(t *Tree) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithName names the tree in logs.
func WithName(name string) TreeOption {
	return func(t *Tree) { t.name = name }
}

// NewTree creates a tree whose nodes get their storage from factory and
// flush on pool. A nil pool gets a private single-worker pool.
func NewTree(factory StorageFactory, pool *worker.Pool, opts ...TreeOption) *Tree {
	t := &Tree{
		name:       "user",
		factory:    factory,
		pool:       pool,
		flushDelay: DefaultFlushDelay,
		logger:     logging.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.WithComponent("prefs").With("tree", t.name)
	if t.pool == nil {
		t.pool = worker.NewPool(1, t.logger)
	}
	t.root = newNode(t, nil, "", "/")
	return t
}

// Name returns the tree's name.
func (t *Tree) Name() string { return t.name }

// Root returns the root node.
func (t *Tree) Root() *Node { return t.root }

// Node returns the node at path, creating it if needed.
func (t *Tree) Node(path string) (*Node, error) {
	return t.root.node(path)
}

// Shutdown writes pending changes of writable trees.
func (t *Tree) Shutdown(ctx context.Context) error {
	if t.root.IsReadOnly() {
		return nil
	}
	perf := logging.StartOperation(t.logger, "flush_tree")
	err := t.root.Flush()
	if err != nil {
		perf.EndWithError(ctx, err)
		return err
	}
	perf.End(ctx)
	return nil
}
