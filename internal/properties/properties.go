// Package properties implements an ordered key/value map that round-trips
// through the key=value text format used for preference files.
//
// Unlike a plain map, EditableProperties keeps keys in insertion order and
// remembers the comment block written above each key, so a file edited by
// hand keeps its layout after being loaded, modified and saved again.
package properties

// entry is one key with the raw comment and blank lines written above it.
type entry struct {
	key      string
	value    string
	comments []string
}

// EditableProperties is an insertion-ordered string map.
// It is not safe for concurrent use; callers serialize access.
type EditableProperties struct {
	order  []string
	items  map[string]*entry
	footer []string
}

// New returns an empty EditableProperties.
func New() *EditableProperties {
	return &EditableProperties{items: make(map[string]*entry)}
}

// FromMap builds properties from a map. Keys are added in the order given
// by keys; keys missing from m are skipped.
func FromMap(m map[string]string, keys []string) *EditableProperties {
	p := New()
	for _, k := range keys {
		if v, ok := m[k]; ok {
			p.Put(k, v)
		}
	}
	return p
}

// Get returns the value for key.
func (p *EditableProperties) Get(key string) (string, bool) {
	e, ok := p.items[key]
	if !ok {
		return "", false
	}
	return e.value, true
}

// Has reports whether key is present.
func (p *EditableProperties) Has(key string) bool {
	_, ok := p.items[key]
	return ok
}

// Put sets key to value. New keys are appended; existing keys keep their
// position and comments. It returns the previous value, if any.
func (p *EditableProperties) Put(key, value string) (string, bool) {
	if e, ok := p.items[key]; ok {
		old := e.value
		e.value = value
		return old, true
	}
	p.items[key] = &entry{key: key, value: value}
	p.order = append(p.order, key)
	return "", false
}

// Remove deletes key and its comments, returning the removed value.
func (p *EditableProperties) Remove(key string) (string, bool) {
	e, ok := p.items[key]
	if !ok {
		return "", false
	}
	delete(p.items, key)
	for i, k := range p.order {
		if k == key {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return e.value, true
}

// SetComment replaces the comment block above key with one "# " line per
// element of lines.
func (p *EditableProperties) SetComment(key string, lines ...string) bool {
	e, ok := p.items[key]
	if !ok {
		return false
	}
	e.comments = make([]string, 0, len(lines))
	for _, l := range lines {
		e.comments = append(e.comments, "# "+l)
	}
	return true
}

// Comment returns the raw lines (markers and blank lines included) written
// above key.
func (p *EditableProperties) Comment(key string) []string {
	if e, ok := p.items[key]; ok {
		return append([]string(nil), e.comments...)
	}
	return nil
}

// Keys returns the keys in order.
func (p *EditableProperties) Keys() []string {
	return append([]string(nil), p.order...)
}

// Len returns the number of keys.
func (p *EditableProperties) Len() int {
	return len(p.order)
}

// Clear removes every key. Trailing comments are dropped as well.
func (p *EditableProperties) Clear() {
	p.order = nil
	p.items = make(map[string]*entry)
	p.footer = nil
}

// Map returns a copy of the content as a plain map.
func (p *EditableProperties) Map() map[string]string {
	m := make(map[string]string, len(p.order))
	for _, k := range p.order {
		m[k] = p.items[k].value
	}
	return m
}

// Clone returns a deep copy.
func (p *EditableProperties) Clone() *EditableProperties {
	c := &EditableProperties{
		order:  append([]string(nil), p.order...),
		items:  make(map[string]*entry, len(p.items)),
		footer: append([]string(nil), p.footer...),
	}
	for k, e := range p.items {
		c.items[k] = &entry{
			key:      e.key,
			value:    e.value,
			comments: append([]string(nil), e.comments...),
		}
	}
	return c
}

// Equal reports whether both hold the same keys and values, ignoring order
// and comments.
func (p *EditableProperties) Equal(o *EditableProperties) bool {
	if p == nil || o == nil {
		return p == o
	}
	if len(p.items) != len(o.items) {
		return false
	}
	for k, e := range p.items {
		oe, ok := o.items[k]
		if !ok || oe.value != e.value {
			return false
		}
	}
	return true
}
