package prefs

import (
	"context"
	"sort"
	"sync"

	"github.com/conneroisu/prefstore/internal/errors"
	"github.com/conneroisu/prefstore/internal/properties"
	"github.com/conneroisu/prefstore/internal/storage"
	"github.com/conneroisu/prefstore/internal/worker"
)

// applyMode tells put and remove where a change comes from.
type applyMode int

const (
	// modeLocal changes were made through the API and must be flushed.
	modeLocal applyMode = iota
	// modeReconcile changes were read from storage; they are never
	// flushed back and are checked against the value history.
	modeReconcile
)

const (
	historyLimit = 1000
	historyKeep  = 100
)

// historyEntry is one value a key held; removed marks a deletion and local
// a change made through the API.
type historyEntry struct {
	value   string
	removed bool
	local   bool
}

// Node is a preferences node of a Tree.
type Node struct {
	tree     *Tree
	parent   *Node
	name     string
	path     string
	storage  storage.Storage
	readOnly bool

	mu sync.Mutex
	// props is nil until first access
	props *properties.EditableProperties
	// history holds recent values per key to recognize stale
	// notifications from storage
	history map[string][]historyEntry
	// dirty holds keys changed locally since the last flush
	dirty    map[string]struct{}
	children map[string]*Node
	removed  bool
	// newNode is set when storage had no such node at creation
	newNode bool

	flushTask *worker.Task
	detach    func()
	listeners listeners
}

func newNode(tree *Tree, parent *Node, name, path string) *Node {
	st := tree.factory(path)
	n := &Node{
		tree:     tree,
		parent:   parent,
		name:     name,
		path:     path,
		storage:  st,
		readOnly: st.IsReadOnly(),
		history:  make(map[string][]historyEntry),
		dirty:    make(map[string]struct{}),
		children: make(map[string]*Node),
	}
	n.newNode = parent != nil && !st.ExistsNode()
	n.flushTask = tree.pool.Create(n.backgroundFlush)
	n.detach = st.AttachChangeListener(n.onStorageChanged)
	return n
}

// Name implements Preferences.
func (n *Node) Name() string { return n.name }

// AbsolutePath implements Preferences.
func (n *Node) AbsolutePath() string { return n.path }

// Parent implements Preferences.
func (n *Node) Parent() Preferences {
	if n.parent == nil {
		return nil
	}
	return n.parent
}

func (n *Node) String() string {
	return n.tree.name + " preference node: " + n.path
}

// IsReadOnly reports whether the node's storage rejects writes.
func (n *Node) IsReadOnly() bool { return n.readOnly }

// Get implements Preferences.
func (n *Node) Get(key, def string) string {
	if v, ok := n.Lookup(key); ok {
		return v
	}
	return def
}

// Lookup implements Preferences. A removed node has no values.
func (n *Node) Lookup(key string) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.removed {
		return "", false
	}
	n.loadLocked()
	return n.props.Get(key)
}

// Put implements Preferences. Storing the current value again does
// nothing. On read-only storage the value is kept in memory only.
func (n *Node) Put(key, value string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := validateValue(key, value); err != nil {
		return err
	}

	n.mu.Lock()
	ev, changed := n.putLocked(key, value, modeLocal)
	n.mu.Unlock()

	if changed {
		n.listeners.firePreferenceChange(ev)
	}
	return nil
}

// Remove implements Preferences.
func (n *Node) Remove(key string) error {
	n.mu.Lock()
	ev, changed := n.removeLocked(key, modeLocal)
	n.mu.Unlock()

	if changed {
		n.listeners.firePreferenceChange(ev)
	}
	return nil
}

// Clear implements Preferences.
func (n *Node) Clear() error {
	n.mu.Lock()
	var events []PreferenceChangeEvent
	if !n.removed {
		n.loadLocked()
		for _, key := range n.props.Keys() {
			if ev, ok := n.removeLocked(key, modeLocal); ok {
				events = append(events, ev)
			}
		}
	}
	n.mu.Unlock()

	for _, ev := range events {
		n.listeners.firePreferenceChange(ev)
	}
	return nil
}

// Keys implements Preferences.
func (n *Node) Keys() ([]string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.removed {
		return nil, errors.ErrNodeRemoved(n.path)
	}
	n.loadLocked()
	return n.props.Keys(), nil
}

// ChildrenNames implements Preferences. It merges children known in
// memory with those found in storage.
func (n *Node) ChildrenNames() ([]string, error) {
	n.mu.Lock()
	if n.removed {
		n.mu.Unlock()
		return nil, errors.ErrNodeRemoved(n.path)
	}
	seen := make(map[string]bool, len(n.children))
	for name := range n.children {
		seen[name] = true
	}
	n.mu.Unlock()

	stored, err := n.storage.ChildrenNames()
	if err != nil {
		return nil, err
	}
	for _, name := range stored {
		seen[name] = true
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Node implements Preferences.
func (n *Node) Node(path string) (Preferences, error) {
	c, err := n.node(path)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (n *Node) node(path string) (*Node, error) {
	absolute, names, err := splitPath(path)
	if err != nil {
		return nil, err
	}

	cur := n
	if absolute {
		cur = n.tree.root
	}
	if len(names) == 0 && cur.isRemoved() {
		return nil, errors.ErrNodeRemoved(cur.path)
	}
	for _, name := range names {
		if cur, err = cur.child(name); err != nil {
			return nil, err
		}
	}
	return cur, nil
}

func (n *Node) child(name string) (*Node, error) {
	n.mu.Lock()
	if n.removed {
		n.mu.Unlock()
		return nil, errors.ErrNodeRemoved(n.path)
	}
	if c, ok := n.children[name]; ok {
		n.mu.Unlock()
		return c, nil
	}
	c := newNode(n.tree, n, name, childPath(n.path, name))
	n.children[name] = c
	n.mu.Unlock()

	if c.newNode {
		n.listeners.fireNodeChange(NodeChangeEvent{Parent: n, Child: c})
	}
	return c, nil
}

// NodeExists implements Preferences. It never creates nodes. The empty
// path asks about this node and is false once it was removed.
func (n *Node) NodeExists(path string) (bool, error) {
	absolute, names, err := splitPath(path)
	if err != nil {
		return false, err
	}
	if !absolute && len(names) == 0 {
		return !n.isRemoved(), nil
	}
	if n.isRemoved() {
		return false, errors.ErrNodeRemoved(n.path)
	}

	cur := n
	if absolute {
		cur = n.tree.root
	}
	for i, name := range names {
		cur.mu.Lock()
		c, ok := cur.children[name]
		cur.mu.Unlock()
		if !ok {
			target := cur.path
			for _, rest := range names[i:] {
				target = childPath(target, rest)
			}
			return n.tree.factory(target).ExistsNode(), nil
		}
		cur = c
	}
	return !cur.isRemoved(), nil
}

// RemoveNode implements Preferences. The root cannot be removed and
// read-only nodes reject removal; removing twice is a no-op.
func (n *Node) RemoveNode() error {
	if n.parent == nil {
		return errors.NewUnsupportedError(errors.ErrCodeRootRemoval, "cannot remove the root node").
			WithPath(n.path)
	}
	if n.readOnly {
		return errors.ErrReadOnly("removeNode", n.path)
	}

	p := n.parent
	var events []NodeChangeEvent

	p.mu.Lock()
	err := n.removeSubtree(&events)
	if err == nil && p.children[n.name] == n {
		delete(p.children, n.name)
		events = append(events, NodeChangeEvent{Parent: p, Child: n, Removed: true})
	}
	p.mu.Unlock()

	for _, ev := range events {
		ev.Parent.(*Node).listeners.fireNodeChange(ev)
	}
	return err
}

// removeSubtree removes n and its descendants depth first. The caller
// holds the parent's lock.
func (n *Node) removeSubtree(events *[]NodeChangeEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.removed {
		return nil
	}

	stored, err := n.storage.ChildrenNames()
	if err != nil {
		return err
	}
	for _, name := range stored {
		if _, ok := n.children[name]; !ok {
			n.children[name] = newNode(n.tree, n, name, childPath(n.path, name))
		}
	}

	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		c := n.children[name]
		if err := c.removeSubtree(events); err != nil {
			errs = append(errs, err)
			continue
		}
		delete(n.children, name)
		*events = append(*events, NodeChangeEvent{Parent: n, Child: c, Removed: true})
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	// Until storage confirms the removal the node keeps its values and its
	// pending flush.
	if err := n.storage.RemoveNode(); err != nil {
		return err
	}
	n.flushTask.Cancel()
	n.props = properties.New()
	n.history = make(map[string][]historyEntry)
	n.dirty = make(map[string]struct{})
	n.removed = true
	n.detach()
	return nil
}

// Flush implements Preferences. Pending background flushes of the subtree
// are performed synchronously.
func (n *Node) Flush() error {
	if n.readOnly {
		return errors.ErrReadOnly("flush", n.path)
	}
	return n.flushTree()
}

func (n *Node) flushTree() error {
	children, ok := n.snapshotChildren()
	if !ok {
		return nil
	}

	n.flushTask.Cancel()
	n.flushTask.WaitFinished()

	var errs []error
	if err := n.flush(); err != nil {
		errs = append(errs, err)
	}
	for _, c := range children {
		if err := c.flushTree(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Sync implements Preferences. It waits for a pending flush, running it
// inline if it has not started, and then reloads the subtree.
func (n *Node) Sync() error {
	if n.readOnly {
		return errors.ErrReadOnly("sync", n.path)
	}
	return n.syncTree()
}

func (n *Node) syncTree() error {
	children, ok := n.snapshotChildren()
	if !ok {
		return nil
	}

	n.flushTask.Cancel()
	n.flushTask.WaitFinished()

	var errs []error
	if err := n.flush(); err != nil {
		errs = append(errs, err)
	} else {
		n.reconcile(true)
	}
	for _, c := range children {
		if err := c.syncTree(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (n *Node) snapshotChildren() ([]*Node, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.removed {
		return nil, false
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	children := make([]*Node, 0, len(names))
	for _, name := range names {
		children = append(children, n.children[name])
	}
	return children, true
}

// AddPreferenceChangeListener implements Preferences.
func (n *Node) AddPreferenceChangeListener(fn func(PreferenceChangeEvent)) *Subscription {
	return n.listeners.addPreference(fn)
}

// AddNodeChangeListener implements Preferences.
func (n *Node) AddNodeChangeListener(fn func(NodeChangeEvent)) *Subscription {
	return n.listeners.addNode(fn)
}

func (n *Node) isRemoved() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.removed
}

// loadLocked fills the cache on first use. Load failures leave the node
// empty.
func (n *Node) loadLocked() {
	if n.props != nil {
		return
	}
	p, err := n.storage.Load()
	if err != nil {
		n.tree.logger.Warn(context.Background(), err, "Failed to load preferences, using empty node",
			"node", n.path)
		p = properties.New()
	}
	n.props = p
}

func (n *Node) putLocked(key, value string, mode applyMode) (PreferenceChangeEvent, bool) {
	if n.removed {
		return PreferenceChangeEvent{}, false
	}
	n.loadLocked()

	if cur, ok := n.props.Get(key); ok && cur == value {
		return PreferenceChangeEvent{}, false
	}
	if mode == modeReconcile && !n.acceptLocked(key, historyEntry{value: value}) {
		return PreferenceChangeEvent{}, false
	}

	n.props.Put(key, value)
	n.recordLocked(key, historyEntry{value: value, local: mode == modeLocal})
	if mode == modeLocal {
		n.changedLocked(key)
	}
	return PreferenceChangeEvent{Node: n, Key: key, NewValue: value}, true
}

func (n *Node) removeLocked(key string, mode applyMode) (PreferenceChangeEvent, bool) {
	if n.removed {
		return PreferenceChangeEvent{}, false
	}
	n.loadLocked()

	if !n.props.Has(key) {
		return PreferenceChangeEvent{}, false
	}
	if mode == modeReconcile && !n.acceptLocked(key, historyEntry{removed: true}) {
		return PreferenceChangeEvent{}, false
	}

	n.props.Remove(key)
	n.recordLocked(key, historyEntry{removed: true, local: mode == modeLocal})
	if mode == modeLocal {
		n.changedLocked(key)
	}
	return PreferenceChangeEvent{Node: n, Key: key, Removed: true}, true
}

// acceptLocked decides whether a change read from storage applies. Keys
// with unflushed local changes keep the local value, and a value this node
// wrote before its latest one is a late notification of that older write.
// Values that only ever came from storage are always applied, so another
// process may switch a key back and forth.
func (n *Node) acceptLocked(key string, e historyEntry) bool {
	if _, pending := n.dirty[key]; pending {
		return false
	}
	h := n.history[key]
	for i := len(h) - 2; i >= 0; i-- {
		if h[i].local && h[i].value == e.value && h[i].removed == e.removed {
			return false
		}
	}
	return true
}

func (n *Node) recordLocked(key string, e historyEntry) {
	h := append(n.history[key], e)
	if len(h) > historyLimit {
		h = append([]historyEntry(nil), h[len(h)-historyKeep:]...)
	}
	n.history[key] = h
}

func (n *Node) changedLocked(key string) {
	if n.readOnly {
		return
	}
	n.dirty[key] = struct{}{}
	n.storage.MarkModified()
	n.flushTask.Schedule(n.tree.flushDelay)
}

// flush saves the cache when it holds unflushed changes.
func (n *Node) flush() error {
	return n.storage.RunAtomic(func() error {
		n.mu.Lock()
		defer n.mu.Unlock()

		if n.removed || n.props == nil || len(n.dirty) == 0 {
			return nil
		}
		if err := n.storage.Save(n.props.Clone()); err != nil {
			return errors.WrapIO(err, errors.ErrCodeSaveFailed, "flush failed").WithPath(n.path)
		}
		n.dirty = make(map[string]struct{})
		return nil
	})
}

func (n *Node) backgroundFlush() {
	if err := n.flush(); err != nil {
		n.tree.logger.Error(context.Background(), err, "Background flush failed", "node", n.path)
	}
}

func (n *Node) onStorageChanged() {
	n.reconcile(false)
}

// reconcile brings the cache in line with storage. Unless force is set a
// node that was never loaded is left alone; it will read fresh data on
// first access anyway.
func (n *Node) reconcile(force bool) {
	n.mu.Lock()
	if n.removed || (n.props == nil && !force) {
		n.mu.Unlock()
		return
	}

	fresh, err := n.storage.Load()
	if err != nil {
		n.mu.Unlock()
		n.tree.logger.Warn(context.Background(), err, "Failed to reload preferences", "node", n.path)
		return
	}
	if n.props == nil {
		n.props = fresh
		n.mu.Unlock()
		return
	}

	var events []PreferenceChangeEvent
	for _, key := range fresh.Keys() {
		value, _ := fresh.Get(key)
		if ev, ok := n.putLocked(key, value, modeReconcile); ok {
			events = append(events, ev)
		}
	}
	for _, key := range n.props.Keys() {
		if fresh.Has(key) {
			continue
		}
		if ev, ok := n.removeLocked(key, modeReconcile); ok {
			events = append(events, ev)
		}
	}
	n.mu.Unlock()

	for _, ev := range events {
		n.listeners.firePreferenceChange(ev)
	}
}
