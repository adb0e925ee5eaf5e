package doc

import "sort"

// Map is a string-keyed container. Detached maps (not yet inserted into a
// document) may be populated directly; attached maps mutate through a
// transaction only.
type Map struct {
	doc     *Doc
	path    []Step
	entries map[string]Value
}

// NewMap returns a detached map.
func NewMap() *Map {
	return &Map{entries: make(map[string]Value)}
}

func (m *Map) Get(key string) (Value, bool) {
	if m.doc != nil {
		m.doc.mu.RLock()
		defer m.doc.mu.RUnlock()
	}
	v, ok := m.entries[key]
	return v, ok
}

func (m *Map) Len() int {
	if m.doc != nil {
		m.doc.mu.RLock()
		defer m.doc.mu.RUnlock()
	}
	return len(m.entries)
}

func (m *Map) Keys() []string {
	if m.doc != nil {
		m.doc.mu.RLock()
		defer m.doc.mu.RUnlock()
	}
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *Map) String(key string) (string, bool) {
	v, ok := m.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (m *Map) Float(key string) (float64, bool) {
	v, ok := m.Get(key)
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

func (m *Map) Int(key string) (int, bool) {
	f, ok := m.Float(key)
	return int(f), ok
}

func (m *Map) Bool(key string) (bool, bool) {
	v, ok := m.Get(key)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

func (m *Map) ChildMap(key string) (*Map, bool) {
	v, ok := m.Get(key)
	if !ok {
		return nil, false
	}
	c, ok := v.(*Map)
	return c, ok
}

func (m *Map) ChildArray(key string) (*Array, bool) {
	v, ok := m.Get(key)
	if !ok {
		return nil, false
	}
	c, ok := v.(*Array)
	return c, ok
}

// Set stores a value under key. For attached maps tx is required and the
// mutation is recorded; detached maps are populated in place.
func (m *Map) Set(tx *Tx, key string, v Value) error {
	v = normalize(v)
	if m.doc == nil {
		m.entries[key] = v
		return nil
	}
	if tx == nil {
		return ErrNoTransaction
	}
	return tx.apply(Op{
		Kind:  OpMapSet,
		Path:  m.path,
		Key:   key,
		Value: encodeValue(v),
	}, v, true)
}

// Delete removes key. Deleting an absent key is a no-op.
func (m *Map) Delete(tx *Tx, key string) error {
	if m.doc == nil {
		delete(m.entries, key)
		return nil
	}
	if tx == nil {
		return ErrNoTransaction
	}
	return tx.apply(Op{
		Kind: OpMapDelete,
		Path: m.path,
		Key:  key,
	}, nil, false)
}
