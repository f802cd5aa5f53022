package codestyle

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/conneroisu/prefstore/internal/logging"
	"github.com/conneroisu/prefstore/internal/prefs"
)

// DefaultMarker is the directory that marks a project root.
const DefaultMarker = ".prefstore"

// OpenFunc opens the preferences of the project rooted at dir.
type OpenFunc func(dir string) (prefs.Preferences, error)

// DirProject is a project found by DirLocator.
type DirProject struct {
	dir   string
	prefs prefs.Preferences
}

// Dir returns the project root directory.
func (p *DirProject) Dir() string { return p.dir }

// Preferences implements Project.
func (p *DirProject) Preferences() prefs.Preferences { return p.prefs }

// DirLocator finds the nearest ancestor directory holding a marker
// directory. Opened projects are reused.
type DirLocator struct {
	marker string
	open   OpenFunc
	logger logging.Logger

	mu       sync.Mutex
	projects map[string]*DirProject
}

// NewDirLocator creates a locator. An empty marker means DefaultMarker.
func NewDirLocator(marker string, open OpenFunc, logger logging.Logger) *DirLocator {
	if marker == "" {
		marker = DefaultMarker
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &DirLocator{
		marker:   marker,
		open:     open,
		logger:   logger.WithComponent("codestyle"),
		projects: make(map[string]*DirProject),
	}
}

// Locate implements ProjectLocator.
func (l *DirLocator) Locate(path string) (Project, bool) {
	dir, ok := l.findRoot(path)
	if !ok {
		return nil, false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if p, ok := l.projects[dir]; ok {
		return p, true
	}
	root, err := l.open(dir)
	if err != nil {
		l.logger.Warn(context.Background(), err, "Cannot open project preferences", "dir", dir)
		return nil, false
	}
	p := &DirProject{dir: dir, prefs: root}
	l.projects[dir] = p
	return p, true
}

// Projects returns the projects opened so far.
func (l *DirLocator) Projects() []*DirProject {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*DirProject, 0, len(l.projects))
	for _, p := range l.projects {
		out = append(out, p)
	}
	return out
}

func (l *DirLocator) findRoot(path string) (string, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}
	dir := abs
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		dir = filepath.Dir(abs)
	}
	for {
		if info, err := os.Stat(filepath.Join(dir, l.marker)); err == nil && info.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}
