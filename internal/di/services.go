package di

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/conneroisu/prefstore/internal/codestyle"
	"github.com/conneroisu/prefstore/internal/config"
	"github.com/conneroisu/prefstore/internal/errors"
	"github.com/conneroisu/prefstore/internal/feed"
	"github.com/conneroisu/prefstore/internal/logging"
	"github.com/conneroisu/prefstore/internal/prefs"
	"github.com/conneroisu/prefstore/internal/storage"
	"github.com/conneroisu/prefstore/internal/watcher"
	"github.com/conneroisu/prefstore/internal/worker"
)

// Service names.
const (
	ServiceConfig       = "config"
	ServiceLogger       = "logger"
	ServiceWatcher      = "watcher"
	ServicePool         = "pool"
	ServiceUserTree     = "userTree"
	ServiceSystemTree   = "systemTree"
	ServiceRegistry     = "registry"
	ServiceProjectTrees = "projectTrees"
	ServiceLocator      = "locator"
	ServiceCodeStyle    = "codestyle"
	ServiceFeed         = "feed"
)

const watcherDebounce = 100 * time.Millisecond

// registerCoreServices registers every core service not registered yet.
func (c *ServiceContainer) registerCoreServices() {
	cfg := c.config
	define := func(name string, factory FactoryFunc) *ServiceBuilder {
		if c.Has(name) {
			return &ServiceBuilder{name: name, container: c}
		}
		return c.RegisterSingleton(name, factory)
	}

	if !c.Has(ServiceConfig) {
		c.RegisterInstance(ServiceConfig, cfg)
	}

	define(ServiceLogger, func(DependencyResolver) (interface{}, error) {
		level, err := logging.ParseLevel(cfg.Log.Level)
		if err != nil {
			return nil, errors.WrapConfig(err, errors.ErrCodeConfigInvalid, "invalid log level")
		}
		return logging.NewLogger(&logging.LoggerConfig{
			Level:  level,
			Format: cfg.Log.Format,
			Output: os.Stderr,
		}), nil
	}).WithTag("core")

	define(ServiceWatcher, func(r DependencyResolver) (interface{}, error) {
		logger, err := resolveLogger(r)
		if err != nil {
			return nil, err
		}
		w, err := watcher.NewFileWatcher(watcherDebounce, logger)
		if err != nil {
			return nil, errors.WrapIO(err, errors.ErrCodeInternalError, "cannot start file watcher")
		}
		w.AddFilter(watcher.NoTempFilter)
		if err := w.Start(c.ctx); err != nil {
			return nil, err
		}
		return w, nil
	}).DependsOn(ServiceLogger).WithTag("core")

	define(ServicePool, func(r DependencyResolver) (interface{}, error) {
		logger, err := resolveLogger(r)
		if err != nil {
			return nil, err
		}
		return worker.NewPool(cfg.Workers, logger), nil
	}).DependsOn(ServiceLogger).WithTag("core")

	treeFactory := func(name string, system bool) FactoryFunc {
		return func(r DependencyResolver) (interface{}, error) {
			logger, w, pool, err := resolveStorageDeps(r)
			if err != nil {
				return nil, err
			}
			var root *storage.Root
			if system {
				root = storage.NewSystemRoot(cfg.SystemDir, w, logger)
			} else {
				root = storage.NewUserRoot(cfg.UserDir, w, logger)
			}
			return prefs.NewTree(root.Storage, pool,
				prefs.WithName(name),
				prefs.WithFlushDelay(cfg.FlushDelay),
				prefs.WithLogger(logger),
			), nil
		}
	}
	define(ServiceUserTree, treeFactory("user", false)).
		DependsOn(ServiceLogger, ServiceWatcher, ServicePool).WithTag("tree")
	define(ServiceSystemTree, treeFactory("system", true)).
		DependsOn(ServiceLogger, ServiceWatcher, ServicePool).WithTag("tree")

	define(ServiceRegistry, func(r DependencyResolver) (interface{}, error) {
		user, err := r.Get(ServiceUserTree)
		if err != nil {
			return nil, err
		}
		system, err := r.Get(ServiceSystemTree)
		if err != nil {
			return nil, err
		}
		return prefs.NewRegistry(user.(*prefs.Tree), system.(*prefs.Tree)), nil
	}).DependsOn(ServiceUserTree, ServiceSystemTree).WithTag("core")

	define(ServiceProjectTrees, func(r DependencyResolver) (interface{}, error) {
		logger, w, pool, err := resolveStorageDeps(r)
		if err != nil {
			return nil, err
		}
		return &ProjectTrees{
			watcher:    w,
			pool:       pool,
			logger:     logger,
			flushDelay: cfg.FlushDelay,
		}, nil
	}).DependsOn(ServiceLogger, ServiceWatcher, ServicePool)

	define(ServiceLocator, func(r DependencyResolver) (interface{}, error) {
		logger, err := resolveLogger(r)
		if err != nil {
			return nil, err
		}
		trees, err := r.Get(ServiceProjectTrees)
		if err != nil {
			return nil, err
		}
		return codestyle.NewDirLocator(codestyle.DefaultMarker, trees.(*ProjectTrees).Open, logger), nil
	}).DependsOn(ServiceLogger, ServiceProjectTrees)

	define(ServiceCodeStyle, func(r DependencyResolver) (interface{}, error) {
		logger, err := resolveLogger(r)
		if err != nil {
			return nil, err
		}
		reg, err := r.Get(ServiceRegistry)
		if err != nil {
			return nil, err
		}
		locator, err := r.Get(ServiceLocator)
		if err != nil {
			return nil, err
		}
		pool, err := r.Get(ServicePool)
		if err != nil {
			return nil, err
		}
		return newCodeStyleCache(reg.(*prefs.Registry), locator.(codestyle.ProjectLocator), pool.(*worker.Pool), logger)
	}).DependsOn(ServiceLogger, ServiceRegistry, ServiceLocator, ServicePool)

	define(ServiceFeed, func(r DependencyResolver) (interface{}, error) {
		logger, err := resolveLogger(r)
		if err != nil {
			return nil, err
		}
		return feed.NewHub(feed.AllowedOrigins(cfg.Feed.AllowedOrigins), logger), nil
	}).DependsOn(ServiceLogger)
}

// newCodeStyleCache layers the user's global code style over the system's
// and falls back to the system CodeStyle/default node.
func newCodeStyleCache(reg *prefs.Registry, locator codestyle.ProjectLocator, pool *worker.Pool, logger logging.Logger) (*codestyle.Cache, error) {
	base := "/" + codestyle.ProfileNode + "/" + codestyle.DefaultProfile
	fallback, err := reg.SystemRoot().Node(base)
	if err != nil {
		return nil, err
	}
	return codestyle.NewCache(codestyle.Options{
		Global: func(mimeType string) prefs.Preferences {
			path := base
			if mimeType != "" {
				path += "/" + mimeType
			}
			user, err := reg.UserRoot().Node(path)
			if err != nil {
				return nil
			}
			system, err := reg.SystemRoot().Node(path)
			if err != nil {
				return nil
			}
			return prefs.NewProxy(user, system)
		},
		Fallback: fallback,
		Locator:  locator,
		Pool:     pool,
		Logger:   logger,
	})
}

func resolveLogger(r DependencyResolver) (logging.Logger, error) {
	l, err := r.Get(ServiceLogger)
	if err != nil {
		return nil, err
	}
	return l.(logging.Logger), nil
}

func resolveStorageDeps(r DependencyResolver) (logging.Logger, *watcher.FileWatcher, *worker.Pool, error) {
	logger, err := resolveLogger(r)
	if err != nil {
		return nil, nil, nil, err
	}
	w, err := r.Get(ServiceWatcher)
	if err != nil {
		return nil, nil, nil, err
	}
	pool, err := r.Get(ServicePool)
	if err != nil {
		return nil, nil, nil, err
	}
	return logger, w.(*watcher.FileWatcher), pool.(*worker.Pool), nil
}

// ProjectTrees opens project preference trees under the project's marker
// directory and flushes them on shutdown.
type ProjectTrees struct {
	watcher    *watcher.FileWatcher
	pool       *worker.Pool
	logger     logging.Logger
	flushDelay time.Duration

	mu    sync.Mutex
	trees []*prefs.Tree
}

// Open implements codestyle.OpenFunc.
func (p *ProjectTrees) Open(dir string) (prefs.Preferences, error) {
	root := storage.NewUserRoot(filepath.Join(dir, codestyle.DefaultMarker), p.watcher, p.logger)
	tree := prefs.NewTree(root.Storage, p.pool,
		prefs.WithName("project:"+dir),
		prefs.WithFlushDelay(p.flushDelay),
		prefs.WithLogger(p.logger),
	)

	p.mu.Lock()
	p.trees = append(p.trees, tree)
	p.mu.Unlock()
	return tree.Root(), nil
}

// Shutdown flushes every opened project tree.
func (p *ProjectTrees) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	trees := p.trees
	p.trees = nil
	p.mu.Unlock()

	var errs []error
	for _, t := range trees {
		if err := t.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Typed accessors.

func (c *ServiceContainer) Config() *config.Config { return c.config }

func (c *ServiceContainer) Logger() (logging.Logger, error) {
	return get[logging.Logger](c, ServiceLogger)
}

func (c *ServiceContainer) Registry() (*prefs.Registry, error) {
	return get[*prefs.Registry](c, ServiceRegistry)
}

func (c *ServiceContainer) Pool() (*worker.Pool, error) {
	return get[*worker.Pool](c, ServicePool)
}

func (c *ServiceContainer) Watcher() (*watcher.FileWatcher, error) {
	return get[*watcher.FileWatcher](c, ServiceWatcher)
}

func (c *ServiceContainer) CodeStyle() (*codestyle.Cache, error) {
	return get[*codestyle.Cache](c, ServiceCodeStyle)
}

func (c *ServiceContainer) Feed() (*feed.Hub, error) {
	return get[*feed.Hub](c, ServiceFeed)
}

func get[T any](c *ServiceContainer, name string) (T, error) {
	var zero T
	service, err := c.Get(name)
	if err != nil {
		return zero, err
	}
	typed, ok := service.(T)
	if !ok {
		return zero, errors.NewInternalError(errors.ErrCodeInternalError,
			"service '"+name+"' has an unexpected type", nil)
	}
	return typed, nil
}
