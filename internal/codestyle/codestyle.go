// Package codestyle decides, per document or file and mime type, whether
// code-style settings come from the enclosing project or from the global
// preferences.
//
// Resolution is cached per (document-or-file, mime type). Entries hold their
// keys weakly, so closing a document and dropping it releases the entry.
// When requested from the event thread, the project lookup runs on the
// worker pool and the global settings are served until it completes.
package codestyle

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"weak"

	"github.com/conneroisu/prefstore/internal/errors"
	"github.com/conneroisu/prefstore/internal/logging"
	"github.com/conneroisu/prefstore/internal/prefs"
	"github.com/conneroisu/prefstore/internal/worker"
)

// Profile node layout inside a project's preferences.
const (
	ProfileNode    = "CodeStyle"
	UsedProfileKey = "usedProfile"
	ProjectProfile = "project"
	DefaultProfile = "default"
)

// State is the resolution state of an entry.
type State int

const (
	// StateUnresolved entries have not looked for a project yet.
	StateUnresolved State = iota
	// StateGlobal entries use the global preferences.
	StateGlobal
	// StateProject entries use the project view layered over the global one.
	StateProject
)

func (s State) String() string {
	switch s {
	case StateUnresolved:
		return "unresolved"
	case StateGlobal:
		return "global"
	case StateProject:
		return "project"
	default:
		return "unknown"
	}
}

// Document is an open editor document.
type Document struct {
	Path string
}

// File is a file on disk.
type File struct {
	Path string
}

// Project is anything that owns project-scoped preferences.
type Project interface {
	Preferences() prefs.Preferences
}

// ProjectLocator finds the project a path belongs to.
type ProjectLocator interface {
	Locate(path string) (Project, bool)
}

// LocatorFunc adapts a function to ProjectLocator.
type LocatorFunc func(path string) (Project, bool)

// Locate implements ProjectLocator.
func (f LocatorFunc) Locate(path string) (Project, bool) { return f(path) }

// Options configures a Cache.
type Options struct {
	// Global returns the global preferences for a mime type. It may be nil
	// or return nil, in which case Fallback is used. It is called once per
	// entry; a result with a Close method is closed with the entry.
	Global func(mimeType string) prefs.Preferences
	// Fallback is served when no global preferences exist. Required.
	Fallback prefs.Preferences
	// Locator finds projects; nil means files never belong to a project.
	Locator ProjectLocator
	// Pool runs asynchronous resolution.
	Pool *worker.Pool
	// OnEventThread reports whether the caller is the event thread.
	OnEventThread func() bool
	Logger        logging.Logger
}

type entryKey struct {
	doc  weak.Pointer[Document]
	file weak.Pointer[File]
	mime string
}

// Cache holds one Entry per live (document-or-file, mime type) pair.
type Cache struct {
	opts   Options
	logger logging.Logger

	mu      sync.Mutex
	entries map[entryKey]*Entry
}

// NewCache creates a cache.
func NewCache(opts Options) (*Cache, error) {
	if opts.Fallback == nil {
		return nil, errors.NewConfigError(errors.ErrCodeConfigInvalid, "code style cache needs fallback preferences")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Cache{
		opts:    opts,
		logger:  logger.WithComponent("codestyle"),
		entries: make(map[entryKey]*Entry),
	}, nil
}

// ForDocument returns the entry for doc and mimeType.
func (c *Cache) ForDocument(doc *Document, mimeType string) *Entry {
	if doc == nil {
		return c.detached(mimeType)
	}
	key := entryKey{doc: weak.Make(doc), mime: mimeType}
	return c.entry(key, doc.Path, func() {
		runtime.AddCleanup(doc, c.evict, key)
	})
}

// ForFile returns the entry for f and mimeType.
func (c *Cache) ForFile(f *File, mimeType string) *Entry {
	if f == nil {
		return c.detached(mimeType)
	}
	key := entryKey{file: weak.Make(f), mime: mimeType}
	return c.entry(key, f.Path, func() {
		runtime.AddCleanup(f, c.evict, key)
	})
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close releases every entry.
func (c *Cache) Close() {
	c.mu.Lock()
	entries := c.entries
	c.entries = make(map[entryKey]*Entry)
	c.mu.Unlock()

	for _, e := range entries {
		e.close()
	}
}

func (c *Cache) entry(key entryKey, path string, track func()) *Entry {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return e
	}
	e := c.newEntry(path, key.mime)
	c.entries[key] = e
	track()
	c.mu.Unlock()

	c.start(e)
	return e
}

// detached serves callers without a document or file: global settings,
// never cached.
func (c *Cache) detached(mimeType string) *Entry {
	e := c.newEntry("", mimeType)
	e.state = StateGlobal
	close(e.resolved)
	return e
}

func (c *Cache) newEntry(path, mimeType string) *Entry {
	var global prefs.Preferences
	if c.opts.Global != nil {
		global = c.opts.Global(mimeType)
	}
	if global == nil {
		global = c.opts.Fallback
	}
	return &Entry{
		cache:    c,
		path:     path,
		mime:     mimeType,
		global:   global,
		resolved: make(chan struct{}),
	}
}

func (c *Cache) start(e *Entry) {
	if c.opts.OnEventThread != nil && c.opts.OnEventThread() && c.opts.Pool != nil {
		if err := c.opts.Pool.Post(e.resolve); err == nil {
			return
		}
	}
	e.resolve()
}

func (c *Cache) evict(key entryKey) {
	c.mu.Lock()
	e, ok := c.entries[key]
	delete(c.entries, key)
	c.mu.Unlock()

	if ok {
		e.close()
	}
}

// Entry is the resolution of one (document-or-file, mime type) pair.
type Entry struct {
	cache  *Cache
	path   string
	mime   string
	global prefs.Preferences

	mu         sync.Mutex
	state      State
	project    *prefs.Proxy
	profileSub *prefs.Subscription
	closed     bool
	resolved   chan struct{}
}

// Preferences returns the preferences to use. It is never nil.
func (e *Entry) Preferences() prefs.Preferences {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateProject && e.project != nil {
		return e.project
	}
	return e.global
}

// State returns the current resolution state.
func (e *Entry) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// MimeType returns the entry's mime type.
func (e *Entry) MimeType() string { return e.mime }

// Wait blocks until the project lookup finished or ctx is done.
func (e *Entry) Wait(ctx context.Context) error {
	select {
	case <-e.resolved:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Entry) resolve() {
	defer close(e.resolved)

	state, project, sub := e.lookupProject()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		if project != nil {
			project.Close()
		}
		sub.Unsubscribe()
		return
	}
	e.project = project
	e.profileSub = sub
	if e.state == StateUnresolved {
		e.state = state
	}
}

// lookupProject finds the project of the entry and builds its view. The
// profile listener is attached before the initial profile is read so no
// switch is missed.
func (e *Entry) lookupProject() (State, *prefs.Proxy, *prefs.Subscription) {
	locator := e.cache.opts.Locator
	if locator == nil || e.path == "" {
		return StateGlobal, nil, nil
	}
	project, ok := locator.Locate(e.path)
	if !ok || project == nil {
		return StateGlobal, nil, nil
	}
	root := project.Preferences()
	if root == nil {
		return StateGlobal, nil, nil
	}

	profile, err := root.Node(ProfileNode)
	if err != nil {
		e.cache.logger.Warn(context.Background(), err, "Cannot open project code style", "path", e.path)
		return StateGlobal, nil, nil
	}
	generic, err := profile.Node(ProjectProfile)
	if err != nil {
		e.cache.logger.Warn(context.Background(), err, "Cannot open project code style", "path", e.path)
		return StateGlobal, nil, nil
	}

	var specific prefs.Preferences
	if mime := strings.Trim(e.mime, "/"); mime != "" {
		if specific, err = generic.Node(mime); err != nil {
			e.cache.logger.Debug(context.Background(), "No mime specific project code style",
				"mime", e.mime, "error", err.Error())
			specific = nil
		}
	}

	view := prefs.NewProxy(specific, generic, e.global)
	sub := profile.AddPreferenceChangeListener(func(ev prefs.PreferenceChangeEvent) {
		if ev.Key == UsedProfileKey {
			e.setUseProject(!ev.Removed && ev.NewValue == ProjectProfile)
		}
	})

	state := StateGlobal
	if profile.Get(UsedProfileKey, DefaultProfile) == ProjectProfile {
		state = StateProject
	}
	return state, view, sub
}

func (e *Entry) setUseProject(use bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed || e.project == nil {
		// Lookup still running; it reads the profile after subscribing.
		if e.state == StateUnresolved && !e.closed {
			if use {
				e.state = StateProject
			} else {
				e.state = StateGlobal
			}
		}
		return
	}
	if use {
		e.state = StateProject
	} else {
		e.state = StateGlobal
	}
}

func (e *Entry) close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.closed = true
	e.profileSub.Unsubscribe()
	if e.project != nil {
		e.project.Close()
	}
	if c, ok := e.global.(interface{ Close() }); ok && e.global != e.cache.opts.Fallback {
		c.Close()
	}
}
