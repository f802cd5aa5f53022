package prefs

import (
	"sync"

	"github.com/conneroisu/prefstore/internal/errors"
)

// Proxy is a read view layered over an ordered list of delegates.
//
// Reads return the value of the first delegate that has one; writes go to
// the first delegate that is still valid. A delegate whose node is removed
// is dropped and looked up again, by its root and path, on every later
// call until it reappears. Layering is strict precedence: values are never
// merged across delegates.
type Proxy struct {
	name string
	path string

	mu        sync.Mutex
	delegates []Preferences
	roots     []Preferences
	paths     []string
	subs      []*Subscription
	closed    bool

	listeners listeners
}

// NewProxy layers delegates, highest precedence first. Nil delegates are
// skipped.
func NewProxy(delegates ...Preferences) *Proxy {
	p := &Proxy{
		delegates: make([]Preferences, len(delegates)),
		roots:     make([]Preferences, len(delegates)),
		paths:     make([]string, len(delegates)),
		subs:      make([]*Subscription, len(delegates)),
	}

	for i, d := range delegates {
		if d == nil {
			continue
		}
		if p.path == "" {
			p.name = d.Name()
			p.path = d.AbsolutePath()
		}
		p.delegates[i] = d
		p.roots[i] = rootOf(d)
		p.paths[i] = d.AbsolutePath()
		p.subs[i] = p.watch(i, d)
	}
	return p
}

func (p *Proxy) watch(i int, d Preferences) *Subscription {
	return d.AddPreferenceChangeListener(func(ev PreferenceChangeEvent) {
		p.delegateChanged(i, d, ev)
	})
}

// delegateChanged republishes a change of delegate i unless a delegate
// with higher precedence masks the key.
func (p *Proxy) delegateChanged(i int, source Preferences, ev PreferenceChangeEvent) {
	p.mu.Lock()
	if p.closed || p.delegates[i] != source {
		p.mu.Unlock()
		return
	}
	delegates := append([]Preferences(nil), p.delegates...)
	p.mu.Unlock()

	for _, d := range delegates[:i] {
		if d == nil {
			continue
		}
		if _, ok := d.Lookup(ev.Key); ok {
			return
		}
	}

	out := PreferenceChangeEvent{Node: p, Key: ev.Key, NewValue: ev.NewValue, Removed: ev.Removed}
	if ev.Removed {
		for _, d := range delegates[i+1:] {
			if d == nil {
				continue
			}
			if v, ok := d.Lookup(ev.Key); ok {
				out.NewValue = v
				out.Removed = false
				break
			}
		}
	}
	p.listeners.firePreferenceChange(out)
}

// checkDelegates drops delegates that no longer exist and re-resolves
// dropped ones whose node is present again. It returns the current
// delegates.
func (p *Proxy) checkDelegates() []Preferences {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.delegates {
		if d := p.delegates[i]; d != nil {
			if ok, err := d.NodeExists(""); err == nil && ok {
				continue
			}
			p.delegates[i] = nil
			p.subs[i].Unsubscribe()
			p.subs[i] = nil
		}

		if p.closed || p.roots[i] == nil {
			continue
		}
		ok, err := p.roots[i].NodeExists(p.paths[i])
		if err != nil || !ok {
			continue
		}
		d, err := p.roots[i].Node(p.paths[i])
		if err != nil {
			continue
		}
		p.delegates[i] = d
		p.subs[i] = p.watch(i, d)
	}

	return append([]Preferences(nil), p.delegates...)
}

// Close detaches the proxy from its delegates.
func (p *Proxy) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	for i, s := range p.subs {
		s.Unsubscribe()
		p.subs[i] = nil
	}
}

// Name implements Preferences.
func (p *Proxy) Name() string { return p.name }

// AbsolutePath implements Preferences.
func (p *Proxy) AbsolutePath() string { return p.path }

// Parent implements Preferences. A proxy has no parent.
func (p *Proxy) Parent() Preferences { return nil }

// Get implements Preferences.
func (p *Proxy) Get(key, def string) string {
	if v, ok := p.Lookup(key); ok {
		return v
	}
	return def
}

// Lookup implements Preferences.
func (p *Proxy) Lookup(key string) (string, bool) {
	for _, d := range p.checkDelegates() {
		if d == nil {
			continue
		}
		if v, ok := d.Lookup(key); ok {
			return v, true
		}
	}
	return "", false
}

// Put implements Preferences. Only the first valid delegate is written.
func (p *Proxy) Put(key, value string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := validateValue(key, value); err != nil {
		return err
	}

	for _, d := range p.checkDelegates() {
		if d != nil {
			return d.Put(key, value)
		}
	}
	return errors.NewStateError(errors.ErrCodeNoDelegate, "no valid delegate").WithPath(p.path)
}

// Remove is not supported.
func (p *Proxy) Remove(key string) error {
	return errors.ErrUnsupportedOp("remove")
}

// Clear is not supported.
func (p *Proxy) Clear() error {
	return errors.ErrUnsupportedOp("clear")
}

// Keys implements Preferences. It returns the union of the delegates'
// keys; failing delegates contribute nothing.
func (p *Proxy) Keys() ([]string, error) {
	return p.union(func(d Preferences) ([]string, error) { return d.Keys() }), nil
}

// ChildrenNames implements Preferences as the union over delegates.
func (p *Proxy) ChildrenNames() ([]string, error) {
	return p.union(func(d Preferences) ([]string, error) { return d.ChildrenNames() }), nil
}

func (p *Proxy) union(list func(Preferences) ([]string, error)) []string {
	seen := make(map[string]bool)
	var out []string
	for _, d := range p.checkDelegates() {
		if d == nil {
			continue
		}
		names, err := list(d)
		if err != nil {
			continue
		}
		for _, n := range names {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	return out
}

// Node returns the proxy itself for the empty path. Child nodes are not
// supported.
func (p *Proxy) Node(path string) (Preferences, error) {
	if path == "" {
		return p, nil
	}
	return nil, errors.ErrUnsupportedOp("node")
}

// NodeExists reports for the empty path whether any delegate is valid.
func (p *Proxy) NodeExists(path string) (bool, error) {
	if path != "" {
		return false, errors.ErrUnsupportedOp("nodeExists")
	}
	for _, d := range p.checkDelegates() {
		if d != nil {
			return true, nil
		}
	}
	return false, nil
}

// RemoveNode is not supported.
func (p *Proxy) RemoveNode() error {
	return errors.ErrUnsupportedOp("removeNode")
}

// Flush is not supported.
func (p *Proxy) Flush() error {
	return errors.ErrUnsupportedOp("flush")
}

// Sync is not supported.
func (p *Proxy) Sync() error {
	return errors.ErrUnsupportedOp("sync")
}

// AddPreferenceChangeListener implements Preferences.
func (p *Proxy) AddPreferenceChangeListener(fn func(PreferenceChangeEvent)) *Subscription {
	return p.listeners.addPreference(fn)
}

// AddNodeChangeListener implements Preferences. A proxy has no children, so
// no events are delivered.
func (p *Proxy) AddNodeChangeListener(fn func(NodeChangeEvent)) *Subscription {
	return p.listeners.addNode(fn)
}
