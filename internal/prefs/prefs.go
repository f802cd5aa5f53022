// Package prefs implements hierarchical preferences backed by per-node
// storage.
//
// A Tree owns a root Node and creates descendants on demand. Every node
// caches its properties, writes them back through a debounced background
// flush, and reconciles changes other processes make to its backing store
// without echoing its own writes. Proxy layers several nodes into one
// read view.
package prefs

import (
	"sort"
	"sync"
)

// Preferences is a node in a hierarchical key/value store.
type Preferences interface {
	// Name returns the node's name relative to its parent.
	Name() string
	// AbsolutePath returns the slash-delimited path from the tree root.
	AbsolutePath() string
	// Parent returns the parent node, or nil for a root.
	Parent() Preferences

	// Get returns the value for key, or def when absent.
	Get(key, def string) string
	// Lookup returns the value for key and whether it is present.
	Lookup(key string) (string, bool)
	Put(key, value string) error
	Remove(key string) error
	// Clear removes every key of this node.
	Clear() error
	Keys() ([]string, error)

	ChildrenNames() ([]string, error)
	// Node returns the node at path, creating it if needed. Relative paths
	// start at this node, absolute paths at the tree root.
	Node(path string) (Preferences, error)
	NodeExists(path string) (bool, error)
	RemoveNode() error

	// Flush writes pending changes of this subtree to storage.
	Flush() error
	// Sync flushes pending changes and then reloads from storage.
	Sync() error

	AddPreferenceChangeListener(fn func(PreferenceChangeEvent)) *Subscription
	AddNodeChangeListener(fn func(NodeChangeEvent)) *Subscription
}

// PreferenceChangeEvent describes a changed key.
type PreferenceChangeEvent struct {
	Node     Preferences
	Key      string
	NewValue string
	// Removed is set when the key no longer has a value.
	Removed bool
}

// NodeChangeEvent describes a child added to or removed from Parent.
type NodeChangeEvent struct {
	Parent  Preferences
	Child   Preferences
	Removed bool
}

// Subscription is returned by the listener registration methods.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Unsubscribe stops delivery. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

// listeners is the notification hook shared by Node and Proxy.
type listeners struct {
	mu     sync.RWMutex
	nextID uint64
	pref   map[uint64]func(PreferenceChangeEvent)
	node   map[uint64]func(NodeChangeEvent)
}

func (l *listeners) addPreference(fn func(PreferenceChangeEvent)) *Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pref == nil {
		l.pref = make(map[uint64]func(PreferenceChangeEvent))
	}
	l.nextID++
	id := l.nextID
	l.pref[id] = fn
	return &Subscription{cancel: func() {
		l.mu.Lock()
		delete(l.pref, id)
		l.mu.Unlock()
	}}
}

func (l *listeners) addNode(fn func(NodeChangeEvent)) *Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.node == nil {
		l.node = make(map[uint64]func(NodeChangeEvent))
	}
	l.nextID++
	id := l.nextID
	l.node[id] = fn
	return &Subscription{cancel: func() {
		l.mu.Lock()
		delete(l.node, id)
		l.mu.Unlock()
	}}
}

// firePreferenceChange delivers ev to preference listeners in
// registration order. Callers must not hold node locks.
func (l *listeners) firePreferenceChange(ev PreferenceChangeEvent) {
	l.mu.RLock()
	ids := sortedIDs(l.pref)
	fns := make([]func(PreferenceChangeEvent), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, l.pref[id])
	}
	l.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// fireNodeChange delivers ev to node listeners in registration order.
func (l *listeners) fireNodeChange(ev NodeChangeEvent) {
	l.mu.RLock()
	ids := sortedIDs(l.node)
	fns := make([]func(NodeChangeEvent), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, l.node[id])
	}
	l.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func sortedIDs[F any](m map[uint64]F) []uint64 {
	ids := make([]uint64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// rootOf walks up to the root of p's tree.
func rootOf(p Preferences) Preferences {
	for {
		parent := p.Parent()
		if parent == nil {
			return p
		}
		p = parent
	}
}
