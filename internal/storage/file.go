package storage

import (
	"context"
	"crypto/sha256"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/conneroisu/prefstore/internal/errors"
	"github.com/conneroisu/prefstore/internal/logging"
	"github.com/conneroisu/prefstore/internal/properties"
	"github.com/conneroisu/prefstore/internal/watcher"
)

const propertiesExt = ".properties"

// Root is a directory holding a preferences tree on disk.
type Root struct {
	dir      string
	readOnly bool
	watcher  *watcher.FileWatcher
	logger   logging.Logger
}

// NewUserRoot returns a writable root. The watcher may be nil, in which
// case external changes are not observed.
func NewUserRoot(dir string, w *watcher.FileWatcher, logger logging.Logger) *Root {
	return newRoot(dir, false, w, logger)
}

// NewSystemRoot returns a read-only root.
func NewSystemRoot(dir string, w *watcher.FileWatcher, logger logging.Logger) *Root {
	return newRoot(dir, true, w, logger)
}

func newRoot(dir string, readOnly bool, w *watcher.FileWatcher, logger logging.Logger) *Root {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Root{
		dir:      filepath.Clean(dir),
		readOnly: readOnly,
		watcher:  w,
		logger:   logger.WithComponent("storage"),
	}
}

// Dir returns the root directory.
func (r *Root) Dir() string {
	return r.dir
}

// ReadOnly reports whether storages of this root reject writes.
func (r *Root) ReadOnly() bool {
	return r.readOnly
}

// Storage returns the storage for the node at absolute path nodePath.
func (r *Root) Storage(nodePath string) Storage {
	var segments []string
	for _, s := range strings.Split(nodePath, "/") {
		if s != "" {
			segments = append(segments, escapeName(s))
		}
	}

	dir := filepath.Join(append([]string{r.dir}, segments...)...)
	file := filepath.Join(r.dir, propertiesExt)
	if len(segments) > 0 {
		file = dir + propertiesExt
	}

	return &FileStorage{
		root:      r,
		nodePath:  nodePath,
		file:      file,
		dir:       dir,
		listeners: make(map[uint64]func()),
	}
}

// FileStorage stores one node as a properties file.
type FileStorage struct {
	root     *Root
	nodePath string
	file     string
	dir      string

	mu sync.Mutex
	// lastHash is the digest of the content this storage last read or
	// wrote; file events matching it are our own echoes.
	lastHash  [sha256.Size]byte
	hashKnown bool
	modified  bool
	listeners map[uint64]func()
	nextID    uint64
	cancel    func()
}

// File returns the path of the properties file.
func (s *FileStorage) File() string {
	return s.file
}

// Load implements Storage.
func (s *FileStorage) Load() (*properties.EditableProperties, error) {
	data, err := os.ReadFile(s.file)
	if err != nil && !os.IsNotExist(err) {
		return nil, errors.ErrLoadFailed(s.nodePath, err)
	}

	s.mu.Lock()
	s.lastHash = sha256.Sum256(data)
	s.hashKnown = true
	s.mu.Unlock()

	p, err := properties.ParseBytes(data)
	if err != nil {
		return nil, errors.ErrLoadFailed(s.nodePath, err)
	}
	return p, nil
}

// Save implements Storage.
func (s *FileStorage) Save(props *properties.EditableProperties) error {
	if s.root.readOnly {
		return errors.ErrReadOnly("save", s.nodePath)
	}

	data := props.Bytes()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Record the hash before the file changes so the watcher echo is
	// always recognized.
	s.lastHash = sha256.Sum256(data)
	s.hashKnown = true

	if len(data) == 0 {
		if err := os.Remove(s.file); err != nil && !os.IsNotExist(err) {
			return errors.ErrSaveFailed(s.nodePath, err)
		}
		s.modified = false
		return nil
	}

	if err := writeAtomic(s.file, data); err != nil {
		return errors.ErrSaveFailed(s.nodePath, err)
	}
	s.modified = false
	return nil
}

func writeAtomic(file string, data []byte) error {
	dir := filepath.Dir(file)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(file)+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, file); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// ChildrenNames implements Storage.
func (s *FileStorage) ChildrenNames() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.NewIOError(errors.ErrCodeListFailed, "failed to list children", err).
			WithPath(s.nodePath)
	}

	seen := make(map[string]bool)
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".tmp-") || name == propertiesExt {
			continue
		}
		if !e.IsDir() {
			if !strings.HasSuffix(name, propertiesExt) {
				continue
			}
			name = strings.TrimSuffix(name, propertiesExt)
		}
		decoded, err := url.PathUnescape(name)
		if err != nil {
			s.root.logger.Warn(context.Background(), err, "Skipping undecodable entry",
				"dir", s.dir, "name", name)
			continue
		}
		seen[decoded] = true
	}

	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// ExistsNode implements Storage.
func (s *FileStorage) ExistsNode() bool {
	if info, err := os.Stat(s.dir); err == nil && info.IsDir() {
		return true
	}
	if s.nodePath == "/" || s.nodePath == "" {
		return false
	}
	_, err := os.Stat(s.file)
	return err == nil
}

// RemoveNode implements Storage. Children must have been removed already.
func (s *FileStorage) RemoveNode() error {
	if s.root.readOnly {
		return errors.ErrReadOnly("removeNode", s.nodePath)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// The directory goes first: it fails when something unknown is left
	// inside, and the node's file must survive that.
	if err := os.Remove(s.dir); err != nil && !os.IsNotExist(err) {
		return errors.NewIOError(errors.ErrCodeRemoveFailed, "failed to remove node directory", err).
			WithPath(s.nodePath)
	}
	if err := os.Remove(s.file); err != nil && !os.IsNotExist(err) {
		return errors.NewIOError(errors.ErrCodeRemoveFailed, "failed to remove node", err).
			WithPath(s.nodePath)
	}

	s.lastHash = sha256.Sum256(nil)
	s.hashKnown = true
	s.modified = false
	return nil
}

// MarkModified implements Storage.
func (s *FileStorage) MarkModified() {
	if s.root.readOnly {
		return
	}
	s.mu.Lock()
	s.modified = true
	s.mu.Unlock()
}

// IsModified reports whether MarkModified was called since the last save.
func (s *FileStorage) IsModified() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modified
}

// RunAtomic implements Storage.
func (s *FileStorage) RunAtomic(fn func() error) error {
	unlock := fileLocks.lock(s.file)
	defer unlock()
	return fn()
}

// IsReadOnly implements Storage.
func (s *FileStorage) IsReadOnly() bool {
	return s.root.readOnly
}

// AttachChangeListener implements Storage. Without a watcher on the root
// the listener is never called.
func (s *FileStorage) AttachChangeListener(fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	s.listeners[id] = fn

	if s.cancel == nil && s.root.watcher != nil {
		cancel, err := s.root.watcher.Subscribe(s.file, s.onFileEvent)
		if err != nil {
			s.root.logger.Warn(context.Background(), err, "Cannot watch preferences file",
				"file", s.file)
		} else {
			s.cancel = cancel
		}
	}

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
		if len(s.listeners) == 0 && s.cancel != nil {
			s.cancel()
			s.cancel = nil
		}
	}
}

func (s *FileStorage) onFileEvent(event watcher.ChangeEvent) {
	data, err := os.ReadFile(s.file)
	if err != nil && !os.IsNotExist(err) {
		s.root.logger.Warn(context.Background(), err, "Cannot read changed preferences file",
			"file", s.file)
		return
	}
	hash := sha256.Sum256(data)

	s.mu.Lock()
	if s.hashKnown && hash == s.lastHash {
		s.mu.Unlock()
		return
	}
	fns := make([]func(), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	s.root.logger.Debug(context.Background(), "External preferences change",
		"node", s.nodePath, "event", event.Type.String())
	for _, fn := range fns {
		fn()
	}
}

// escapeName makes a node name safe as a single path element. A leading
// dot is escaped so names never collide with "." and "..", the root file
// or temporary files.
func escapeName(name string) string {
	escaped := url.PathEscape(name)
	if strings.HasPrefix(escaped, ".") {
		escaped = "%2E" + escaped[1:]
	}
	return escaped
}
