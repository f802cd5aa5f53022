// Package watcher delivers debounced file-system change notifications for
// preference files.
//
// A single FileWatcher serves every storage of a preferences root: storages
// subscribe to the path of their backing file and the watcher keeps the
// enclosing directories under fsnotify observation, including directories
// that only come into existence after the subscription was made.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/conneroisu/prefstore/internal/logging"
)

// FileWatcher watches for file changes with debouncing
type FileWatcher struct {
	watcher   *fsnotify.Watcher
	debouncer *Debouncer
	filters   []FileFilter
	handlers  []ChangeHandler
	subs      map[string]map[uint64]func(ChangeEvent)
	watched   map[string]bool
	nextID    uint64
	logger    logging.Logger
	mutex     sync.RWMutex
}

// ChangeEvent represents a file change event
type ChangeEvent struct {
	Type    EventType
	Path    string
	ModTime time.Time
	Size    int64
}

// EventType represents the type of file change
type EventType int

const (
	EventTypeCreated EventType = iota
	EventTypeModified
	EventTypeDeleted
	EventTypeRenamed
)

// String returns the string representation of the EventType
func (e EventType) String() string {
	switch e {
	case EventTypeCreated:
		return "created"
	case EventTypeModified:
		return "modified"
	case EventTypeDeleted:
		return "deleted"
	case EventTypeRenamed:
		return "renamed"
	default:
		return "unknown"
	}
}

// FileFilter determines if a file should be reported
type FileFilter func(path string) bool

// ChangeHandler handles a batch of file change events
type ChangeHandler func(events []ChangeEvent) error

// Debouncer groups rapid file changes together
type Debouncer struct {
	delay   time.Duration
	events  chan ChangeEvent
	output  chan []ChangeEvent
	timer   *time.Timer
	pending []ChangeEvent
	mutex   sync.Mutex
}

// NewFileWatcher creates a new file watcher
func NewFileWatcher(debounceDelay time.Duration, logger logging.Logger) (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	debouncer := &Debouncer{
		delay:   debounceDelay,
		events:  make(chan ChangeEvent, 256),
		output:  make(chan []ChangeEvent, 16),
		pending: make([]ChangeEvent, 0),
	}

	fw := &FileWatcher{
		watcher:   watcher,
		debouncer: debouncer,
		filters:   make([]FileFilter, 0),
		handlers:  make([]ChangeHandler, 0),
		subs:      make(map[string]map[uint64]func(ChangeEvent)),
		watched:   make(map[string]bool),
		logger:    logger.WithComponent("watcher"),
	}

	return fw, nil
}

// AddFilter adds a file filter
func (fw *FileWatcher) AddFilter(filter FileFilter) {
	fw.mutex.Lock()
	defer fw.mutex.Unlock()
	fw.filters = append(fw.filters, filter)
}

// AddHandler adds a handler that receives every debounced batch
func (fw *FileWatcher) AddHandler(handler ChangeHandler) {
	fw.mutex.Lock()
	defer fw.mutex.Unlock()
	fw.handlers = append(fw.handlers, handler)
}

// AddPath adds a directory to watch
func (fw *FileWatcher) AddPath(path string) error {
	cleanPath, err := cleanAbs(path)
	if err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}

	fw.mutex.Lock()
	defer fw.mutex.Unlock()
	return fw.addLocked(cleanPath)
}

// AddRecursive adds a directory and all subdirectories to watch
func (fw *FileWatcher) AddRecursive(root string) error {
	cleanRoot, err := cleanAbs(root)
	if err != nil {
		return fmt.Errorf("invalid root path: %w", err)
	}

	return filepath.Walk(cleanRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		fw.mutex.Lock()
		defer fw.mutex.Unlock()
		return fw.addLocked(path)
	})
}

// Subscribe registers fn for events on exactly path. The closest existing
// ancestor directory of path is watched until the file's own directory
// appears. The returned function cancels the subscription.
func (fw *FileWatcher) Subscribe(path string, fn func(ChangeEvent)) (func(), error) {
	cleanPath, err := cleanAbs(path)
	if err != nil {
		return nil, fmt.Errorf("invalid path: %w", err)
	}

	fw.mutex.Lock()
	defer fw.mutex.Unlock()

	if err := fw.watchNearestLocked(filepath.Dir(cleanPath)); err != nil {
		return nil, err
	}

	fw.nextID++
	id := fw.nextID
	if fw.subs[cleanPath] == nil {
		fw.subs[cleanPath] = make(map[uint64]func(ChangeEvent))
	}
	fw.subs[cleanPath][id] = fn

	return func() {
		fw.mutex.Lock()
		defer fw.mutex.Unlock()
		if m := fw.subs[cleanPath]; m != nil {
			delete(m, id)
			if len(m) == 0 {
				delete(fw.subs, cleanPath)
			}
		}
	}, nil
}

func cleanAbs(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path")
	}
	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("getting absolute path: %w", err)
	}
	return absPath, nil
}

func (fw *FileWatcher) addLocked(dir string) error {
	if fw.watched[dir] {
		return nil
	}
	if err := fw.watcher.Add(dir); err != nil {
		return err
	}
	fw.watched[dir] = true
	return nil
}

// watchNearestLocked watches dir, or its closest existing ancestor when dir
// does not exist yet.
func (fw *FileWatcher) watchNearestLocked(dir string) error {
	for {
		info, err := os.Stat(dir)
		if err == nil && info.IsDir() {
			return fw.addLocked(dir)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return fmt.Errorf("no existing ancestor directory for %s", dir)
		}
		dir = parent
	}
}

// Start starts the file watcher
func (fw *FileWatcher) Start(ctx context.Context) error {
	go fw.debouncer.start(ctx)
	go fw.processEvents(ctx)
	go fw.watchLoop(ctx)

	return nil
}

// Stop stops the file watcher and cleans up resources
func (fw *FileWatcher) Stop() error {
	fw.debouncer.mutex.Lock()
	if fw.debouncer.timer != nil {
		fw.debouncer.timer.Stop()
	}
	fw.debouncer.mutex.Unlock()

	return fw.watcher.Close()
}

// Shutdown implements the container shutdown hook.
func (fw *FileWatcher) Shutdown(ctx context.Context) error {
	return fw.Stop()
}

func (fw *FileWatcher) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			fw.handleFsnotifyEvent(event)
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Warn(ctx, err, "File watcher error")
		}
	}
}

func (fw *FileWatcher) handleFsnotifyEvent(event fsnotify.Event) {
	info, err := os.Stat(event.Name)
	var modTime time.Time
	var size int64

	if err == nil {
		modTime = info.ModTime()
		size = info.Size()
		if info.IsDir() && event.Op&fsnotify.Create == fsnotify.Create {
			fw.expandWatches(event.Name)
			return
		}
	}

	fw.mutex.RLock()
	filters := fw.filters
	fw.mutex.RUnlock()

	for _, filter := range filters {
		if !filter(event.Name) {
			return
		}
	}

	var eventType EventType
	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		eventType = EventTypeCreated
	case event.Op&fsnotify.Write == fsnotify.Write:
		eventType = EventTypeModified
	case event.Op&fsnotify.Remove == fsnotify.Remove:
		eventType = EventTypeDeleted
	case event.Op&fsnotify.Rename == fsnotify.Rename:
		eventType = EventTypeRenamed
	default:
		eventType = EventTypeModified
	}

	changeEvent := ChangeEvent{
		Type:    eventType,
		Path:    event.Name,
		ModTime: modTime,
		Size:    size,
	}

	select {
	case fw.debouncer.events <- changeEvent:
	default:
		fw.logger.Warn(context.Background(), nil, "Dropping file event, queue full", "path", event.Name)
	}
}

// expandWatches is called when a directory appears. Subscriptions below it
// get their directories watched, and files already created inside are
// reported since their creation events may have been missed.
func (fw *FileWatcher) expandWatches(dir string) {
	fw.mutex.Lock()
	var missed []string
	for path := range fw.subs {
		if !strings.HasPrefix(path, dir+string(filepath.Separator)) {
			continue
		}
		if err := fw.watchNearestLocked(filepath.Dir(path)); err != nil {
			fw.logger.Warn(context.Background(), err, "Failed to watch directory", "path", path)
			continue
		}
		if _, err := os.Stat(path); err == nil {
			missed = append(missed, path)
		}
	}
	fw.mutex.Unlock()

	for _, path := range missed {
		select {
		case fw.debouncer.events <- ChangeEvent{Type: EventTypeCreated, Path: path}:
		default:
		}
	}
}

func (fw *FileWatcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case events := <-fw.debouncer.output:
			fw.dispatch(ctx, events)
		}
	}
}

func (fw *FileWatcher) dispatch(ctx context.Context, events []ChangeEvent) {
	fw.mutex.RLock()
	handlers := append([]ChangeHandler(nil), fw.handlers...)
	targets := make([][]func(ChangeEvent), len(events))
	for i, event := range events {
		for _, fn := range fw.subs[event.Path] {
			targets[i] = append(targets[i], fn)
		}
	}
	fw.mutex.RUnlock()

	for i, event := range events {
		for _, fn := range targets[i] {
			fn(event)
		}
	}

	for _, handler := range handlers {
		if err := handler(events); err != nil {
			fw.logger.Warn(ctx, err, "File watcher handler error")
		}
	}
}

// Debouncer implementation
func (d *Debouncer) start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-d.events:
			d.addEvent(event)
		}
	}
}

func (d *Debouncer) addEvent(event ChangeEvent) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.pending = append(d.pending, event)

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.flush()
	})
}

func (d *Debouncer) flush() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if len(d.pending) == 0 {
		return
	}

	// Deduplicate by path, keeping the latest event and first-seen order
	index := make(map[string]int)
	events := make([]ChangeEvent, 0, len(d.pending))
	for _, event := range d.pending {
		if i, ok := index[event.Path]; ok {
			events[i] = event
			continue
		}
		index[event.Path] = len(events)
		events = append(events, event)
	}

	select {
	case d.output <- events:
	default:
	}

	d.pending = d.pending[:0]
}

// Common file filters

// PropertiesFilter accepts preference files.
func PropertiesFilter(path string) bool {
	return filepath.Ext(path) == ".properties"
}

// NoTempFilter rejects the temporary files written during atomic saves.
func NoTempFilter(path string) bool {
	return !strings.HasPrefix(filepath.Base(path), ".tmp-")
}
