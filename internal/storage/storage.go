// Package storage defines how a preferences node is persisted.
//
// Every node owns one Storage. The file implementation maps node /a/b to
// <root>/a/b.properties for its keys and <root>/a/b/ for its children; the
// root node's keys live in <root>/.properties. Two policies exist: a
// writable user root and a read-only system root.
package storage

import (
	"sync"

	"github.com/conneroisu/prefstore/internal/properties"
)

// Storage is the backing store of a single preferences node.
type Storage interface {
	// Load returns the node's properties. A node without a backing file
	// yields an empty snapshot.
	Load() (*properties.EditableProperties, error)
	// Save replaces the node's properties. Saving an empty snapshot
	// removes the backing file.
	Save(props *properties.EditableProperties) error
	// ChildrenNames lists the children present in the backing store.
	ChildrenNames() ([]string, error)
	// ExistsNode reports whether the node is present in the backing store.
	ExistsNode() bool
	// RemoveNode deletes the node's own backing data.
	RemoveNode() error
	// MarkModified records that the in-memory state differs from the
	// backing store.
	MarkModified()
	// RunAtomic runs fn with exclusive access to the backing resource.
	RunAtomic(fn func() error) error
	// AttachChangeListener registers fn for changes of the backing resource
	// not caused by this storage's own Save.
	AttachChangeListener(fn func()) (detach func())
	// IsReadOnly reports whether mutating calls are rejected.
	IsReadOnly() bool
}

// keyedMutex hands out one mutex per resource name.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

// fileLocks is shared by every storage in the process so that two storages
// for the same file never write concurrently.
var fileLocks = &keyedMutex{locks: make(map[string]*refMutex)}

func (k *keyedMutex) lock(name string) func() {
	k.mu.Lock()
	m, ok := k.locks[name]
	if !ok {
		m = &refMutex{}
		k.locks[name] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, name)
		}
		k.mu.Unlock()
	}
}
