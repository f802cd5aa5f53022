// Package di wires prefstore's services together.
//
// ServiceContainer resolves named services lazily through factories, with
// singleton coordination and circular dependency detection. Initialize
// registers the core services: logger, watcher, worker pool, the user and
// system preference trees, the code-style cache and the change feed.
package di

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/conneroisu/prefstore/internal/config"
	"github.com/conneroisu/prefstore/internal/errors"
)

// dependencyResolver carries the set of services being resolved so that
// factories calling back into the container detect cycles.
type dependencyResolver struct {
	container *ServiceContainer
	resolving map[string]bool
}

// Get retrieves a service using the safe resolver
func (dr *dependencyResolver) Get(name string) (interface{}, error) {
	return dr.container.getWithResolver(name, dr.resolving)
}

// GetByTag retrieves all services with a specific tag using the safe resolver
func (dr *dependencyResolver) GetByTag(tag string) ([]interface{}, error) {
	return dr.container.getByTag(tag, dr.Get)
}

// MustGet retrieves a service and panics if not found
func (dr *dependencyResolver) MustGet(name string) interface{} {
	instance, err := dr.Get(name)
	if err != nil {
		panic(fmt.Sprintf("failed to get service '%s': %v", name, err))
	}
	return instance
}

// ServiceContainer manages dependency injection for the application
type ServiceContainer struct {
	services    map[string]ServiceDefinition
	singletons  map[string]interface{}
	creating    map[string]*sync.WaitGroup
	order       []string
	mu          sync.RWMutex
	config      *config.Config
	ctx         context.Context
	cancel      context.CancelFunc
	initialized bool
}

// ServiceDefinition defines how a service should be created and managed
type ServiceDefinition struct {
	Name         string
	Factory      FactoryFunc
	Singleton    bool
	Dependencies []string
	Tags         []string
}

// FactoryFunc creates a service instance using the dependency resolver
type FactoryFunc func(resolver DependencyResolver) (interface{}, error)

// DependencyResolver provides dependency resolution to factories
type DependencyResolver interface {
	Get(name string) (interface{}, error)
	GetByTag(tag string) ([]interface{}, error)
	MustGet(name string) interface{}
}

// ServiceBuilder helps build service definitions
type ServiceBuilder struct {
	name      string
	container *ServiceContainer
}

// NewServiceContainer creates a new dependency injection container
func NewServiceContainer(cfg *config.Config) *ServiceContainer {
	ctx, cancel := context.WithCancel(context.Background())
	return &ServiceContainer{
		services:   make(map[string]ServiceDefinition),
		singletons: make(map[string]interface{}),
		creating:   make(map[string]*sync.WaitGroup),
		config:     cfg,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Register registers a transient service with the container
func (c *ServiceContainer) Register(name string, factory FactoryFunc) *ServiceBuilder {
	return c.register(ServiceDefinition{Name: name, Factory: factory})
}

// RegisterSingleton registers a singleton service
func (c *ServiceContainer) RegisterSingleton(name string, factory FactoryFunc) *ServiceBuilder {
	return c.register(ServiceDefinition{Name: name, Factory: factory, Singleton: true})
}

func (c *ServiceContainer) register(def ServiceDefinition) *ServiceBuilder {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.services[def.Name] = def
	delete(c.singletons, def.Name)
	return &ServiceBuilder{name: def.Name, container: c}
}

// RegisterInstance registers an existing instance as a singleton
func (c *ServiceContainer) RegisterInstance(name string, instance interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.singletons[name] = instance
	c.services[name] = ServiceDefinition{Name: name, Singleton: true}
	c.order = append(c.order, name)
}

// Get retrieves a service from the container
func (c *ServiceContainer) Get(name string) (interface{}, error) {
	return c.getWithResolver(name, make(map[string]bool))
}

// getWithResolver retrieves a service with circular dependency detection
func (c *ServiceContainer) getWithResolver(name string, resolving map[string]bool) (interface{}, error) {
	if resolving[name] {
		return nil, errors.NewInternalError(errors.ErrCodeInternalError,
			fmt.Sprintf("circular dependency detected for service '%s'", name), nil)
	}

	c.mu.RLock()
	definition, exists := c.services[name]
	c.mu.RUnlock()

	if !exists {
		return nil, errors.NewConfigError(errors.ErrCodeServiceMissing,
			fmt.Sprintf("service '%s' not registered", name))
	}

	if !definition.Singleton {
		resolving[name] = true
		instance, err := c.create(definition.Factory, resolving)
		delete(resolving, name)
		if err != nil {
			return nil, fmt.Errorf("failed to create service '%s': %w", name, err)
		}
		return instance, nil
	}

	c.mu.Lock()
	for {
		if instance, ok := c.singletons[name]; ok {
			c.mu.Unlock()
			return instance, nil
		}
		wg, creating := c.creating[name]
		if !creating {
			break
		}
		// Another goroutine is creating it; wait and look again.
		c.mu.Unlock()
		wg.Wait()
		c.mu.Lock()
	}

	wg := &sync.WaitGroup{}
	wg.Add(1)
	c.creating[name] = wg
	resolving[name] = true
	c.mu.Unlock()

	instance, err := c.create(definition.Factory, resolving)
	delete(resolving, name)

	c.mu.Lock()
	delete(c.creating, name)
	if err == nil {
		c.singletons[name] = instance
		c.order = append(c.order, name)
	}
	c.mu.Unlock()
	wg.Done()

	if err != nil {
		return nil, fmt.Errorf("failed to create singleton service '%s': %w", name, err)
	}
	return instance, nil
}

func (c *ServiceContainer) create(factory FactoryFunc, resolving map[string]bool) (interface{}, error) {
	if factory == nil {
		return nil, errors.NewInternalError(errors.ErrCodeInternalError, "factory is nil", nil)
	}
	return factory(&dependencyResolver{container: c, resolving: resolving})
}

// MustGet retrieves a service and panics if not found
func (c *ServiceContainer) MustGet(name string) interface{} {
	instance, err := c.Get(name)
	if err != nil {
		panic(fmt.Sprintf("failed to get service '%s': %v", name, err))
	}
	return instance
}

// Has checks if a service is registered
func (c *ServiceContainer) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, exists := c.services[name]
	return exists
}

// GetByTag retrieves all services with a specific tag, sorted by name
func (c *ServiceContainer) GetByTag(tag string) ([]interface{}, error) {
	return c.getByTag(tag, c.Get)
}

func (c *ServiceContainer) getByTag(tag string, get func(string) (interface{}, error)) ([]interface{}, error) {
	c.mu.RLock()
	var names []string
	for name, definition := range c.services {
		if slices.Contains(definition.Tags, tag) {
			names = append(names, name)
		}
	}
	c.mu.RUnlock()
	slices.Sort(names)

	services := make([]interface{}, 0, len(names))
	for _, name := range names {
		service, err := get(name)
		if err != nil {
			return nil, err
		}
		services = append(services, service)
	}
	return services, nil
}

// Initialize registers the core services. Services registered before
// Initialize take precedence over the defaults.
func (c *ServiceContainer) Initialize() error {
	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		return nil
	}
	c.initialized = true
	c.mu.Unlock()

	if c.config == nil {
		return errors.NewConfigError(errors.ErrCodeConfigInvalid, "container needs a configuration")
	}
	c.registerCoreServices()
	return nil
}

// Shutdown shuts created singletons down in reverse creation order and
// joins their errors.
func (c *ServiceContainer) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	order := slices.Clone(c.order)
	instances := c.singletons
	c.singletons = make(map[string]interface{})
	c.order = nil
	c.mu.Unlock()

	var errs []error
	for _, name := range slices.Backward(order) {
		instance, ok := instances[name]
		if !ok {
			continue
		}
		switch s := instance.(type) {
		case interface{ Shutdown(context.Context) error }:
			if err := s.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("failed to shutdown %s: %w", name, err))
			}
		case interface{ Close() }:
			s.Close()
		}
	}
	c.cancel()

	return errors.Join(errs...)
}

// DependsOn adds dependencies to the service
func (sb *ServiceBuilder) DependsOn(dependencies ...string) *ServiceBuilder {
	return sb.update(func(d *ServiceDefinition) {
		d.Dependencies = append(d.Dependencies, dependencies...)
	})
}

// WithTag adds tags to the service
func (sb *ServiceBuilder) WithTag(tags ...string) *ServiceBuilder {
	return sb.update(func(d *ServiceDefinition) { d.Tags = append(d.Tags, tags...) })
}

func (sb *ServiceBuilder) update(fn func(*ServiceDefinition)) *ServiceBuilder {
	sb.container.mu.Lock()
	defer sb.container.mu.Unlock()
	d := sb.container.services[sb.name]
	fn(&d)
	sb.container.services[sb.name] = d
	return sb
}

// ListServices returns the sorted names of all registered services
func (c *ServiceContainer) ListServices() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	services := make([]string, 0, len(c.services))
	for name := range c.services {
		services = append(services, name)
	}
	slices.Sort(services)
	return services
}

// GetServiceDefinition returns the definition for a service
func (c *ServiceContainer) GetServiceDefinition(name string) (ServiceDefinition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	definition, exists := c.services[name]
	return definition, exists
}
