package storage

import (
	"sort"
	"strings"
	"sync"

	"github.com/conneroisu/prefstore/internal/errors"
	"github.com/conneroisu/prefstore/internal/properties"
)

// MemoryRoot keeps a preferences tree in memory. It is used for tests and
// for throwaway trees; Replace and Delete simulate edits made by another
// process.
type MemoryRoot struct {
	readOnly bool

	mu        sync.Mutex
	nodes     map[string]*properties.EditableProperties
	saves     map[string]int
	loadErrs  map[string]error
	saveErrs  map[string]error
	listeners map[string]map[uint64]func()
	nextID    uint64
}

// NewMemoryRoot returns an empty in-memory root.
func NewMemoryRoot(readOnly bool) *MemoryRoot {
	return &MemoryRoot{
		readOnly:  readOnly,
		nodes:     make(map[string]*properties.EditableProperties),
		saves:     make(map[string]int),
		loadErrs:  make(map[string]error),
		saveErrs:  make(map[string]error),
		listeners: make(map[string]map[uint64]func()),
	}
}

// Storage returns the storage for the node at nodePath.
func (m *MemoryRoot) Storage(nodePath string) Storage {
	return &memoryStorage{root: m, path: cleanNodePath(nodePath)}
}

// Seed sets a node's content without notifying listeners.
func (m *MemoryRoot) Seed(nodePath string, props *properties.EditableProperties) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[cleanNodePath(nodePath)] = props.Clone()
}

// Replace sets a node's content as an external writer would and notifies
// the node's listeners synchronously.
func (m *MemoryRoot) Replace(nodePath string, props *properties.EditableProperties) {
	path := cleanNodePath(nodePath)
	m.mu.Lock()
	m.nodes[path] = props.Clone()
	fns := m.listenersLocked(path)
	m.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Delete removes a node's content as an external writer would and notifies
// the node's listeners synchronously.
func (m *MemoryRoot) Delete(nodePath string) {
	path := cleanNodePath(nodePath)
	m.mu.Lock()
	delete(m.nodes, path)
	fns := m.listenersLocked(path)
	m.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Properties returns a copy of the stored content of a node, or nil.
func (m *MemoryRoot) Properties(nodePath string) *properties.EditableProperties {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.nodes[cleanNodePath(nodePath)]; ok {
		return p.Clone()
	}
	return nil
}

// SaveCount returns how many times a node was saved.
func (m *MemoryRoot) SaveCount(nodePath string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves[cleanNodePath(nodePath)]
}

// FailLoad makes loads of a node fail with err until cleared with nil.
func (m *MemoryRoot) FailLoad(nodePath string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadErrs[cleanNodePath(nodePath)] = err
}

// FailSave makes saves of a node fail with err until cleared with nil.
func (m *MemoryRoot) FailSave(nodePath string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErrs[cleanNodePath(nodePath)] = err
}

func (m *MemoryRoot) listenersLocked(path string) []func() {
	ids := make([]uint64, 0, len(m.listeners[path]))
	for id := range m.listeners[path] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.listeners[path][id])
	}
	return fns
}

func cleanNodePath(p string) string {
	p = "/" + strings.Trim(p, "/")
	return p
}

type memoryStorage struct {
	root *MemoryRoot
	path string
}

func (s *memoryStorage) Load() (*properties.EditableProperties, error) {
	s.root.mu.Lock()
	defer s.root.mu.Unlock()

	if err := s.root.loadErrs[s.path]; err != nil {
		return nil, errors.ErrLoadFailed(s.path, err)
	}
	if p, ok := s.root.nodes[s.path]; ok {
		return p.Clone(), nil
	}
	return properties.New(), nil
}

func (s *memoryStorage) Save(props *properties.EditableProperties) error {
	if s.root.readOnly {
		return errors.ErrReadOnly("save", s.path)
	}

	s.root.mu.Lock()
	defer s.root.mu.Unlock()

	if err := s.root.saveErrs[s.path]; err != nil {
		return errors.ErrSaveFailed(s.path, err)
	}
	s.root.saves[s.path]++
	if props.Len() == 0 {
		delete(s.root.nodes, s.path)
		return nil
	}
	s.root.nodes[s.path] = props.Clone()
	return nil
}

func (s *memoryStorage) ChildrenNames() ([]string, error) {
	s.root.mu.Lock()
	defer s.root.mu.Unlock()

	prefix := s.path + "/"
	if s.path == "/" {
		prefix = "/"
	}

	seen := make(map[string]bool)
	for p := range s.root.nodes {
		if p == s.path || !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := strings.TrimPrefix(p, prefix)
		if i := strings.Index(rest, "/"); i >= 0 {
			rest = rest[:i]
		}
		seen[rest] = true
	}

	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (s *memoryStorage) ExistsNode() bool {
	s.root.mu.Lock()
	defer s.root.mu.Unlock()

	if _, ok := s.root.nodes[s.path]; ok {
		return true
	}
	prefix := s.path + "/"
	if s.path == "/" {
		return len(s.root.nodes) > 0
	}
	for p := range s.root.nodes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

func (s *memoryStorage) RemoveNode() error {
	if s.root.readOnly {
		return errors.ErrReadOnly("removeNode", s.path)
	}
	s.root.mu.Lock()
	defer s.root.mu.Unlock()
	delete(s.root.nodes, s.path)
	return nil
}

func (s *memoryStorage) MarkModified() {}

func (s *memoryStorage) RunAtomic(fn func() error) error {
	unlock := fileLocks.lock("mem:" + s.path)
	defer unlock()
	return fn()
}

func (s *memoryStorage) AttachChangeListener(fn func()) func() {
	s.root.mu.Lock()
	defer s.root.mu.Unlock()

	s.root.nextID++
	id := s.root.nextID
	if s.root.listeners[s.path] == nil {
		s.root.listeners[s.path] = make(map[uint64]func())
	}
	s.root.listeners[s.path][id] = fn

	return func() {
		s.root.mu.Lock()
		defer s.root.mu.Unlock()
		delete(s.root.listeners[s.path], id)
	}
}

func (s *memoryStorage) IsReadOnly() bool {
	return s.root.readOnly
}
