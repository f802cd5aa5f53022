package prefs

import (
	"context"

	"github.com/conneroisu/prefstore/internal/errors"
)

// Registry holds the application's user and system trees.
type Registry struct {
	user   *Tree
	system *Tree
}

// NewRegistry creates a registry over the given trees.
func NewRegistry(user, system *Tree) *Registry {
	return &Registry{user: user, system: system}
}

// User returns the writable user tree.
func (r *Registry) User() *Tree { return r.user }

// System returns the read-only system tree.
func (r *Registry) System() *Tree { return r.system }

// UserRoot returns the root of the user tree.
func (r *Registry) UserRoot() Preferences { return r.user.Root() }

// SystemRoot returns the root of the system tree.
func (r *Registry) SystemRoot() Preferences { return r.system.Root() }

// Tree returns the system tree when system is set, the user tree otherwise.
func (r *Registry) Tree(system bool) *Tree {
	if system {
		return r.system
	}
	return r.user
}

// Shutdown flushes both trees.
func (r *Registry) Shutdown(ctx context.Context) error {
	return errors.Join(r.user.Shutdown(ctx), r.system.Shutdown(ctx))
}
