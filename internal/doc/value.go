package doc

// Value is anything storable in the document tree: nil, bool, float64,
// string, *Map or *Array. Integers passed to mutators are normalized to
// float64 so values survive a JSON round trip unchanged.
type Value any

// normalize converts Go numeric types to float64 before storage.
func normalize(v Value) Value {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	default:
		return v
	}
}

// encodeValue converts a tree value into plain JSON-marshalable data.
// Containers become objects and arrays; scalars pass through.
func encodeValue(v Value) any {
	switch c := v.(type) {
	case *Map:
		out := make(map[string]any, len(c.entries))
		for k, child := range c.entries {
			out[k] = encodeValue(child)
		}
		return out
	case *Array:
		out := make([]any, len(c.items))
		for i, child := range c.items {
			out[i] = encodeValue(child)
		}
		return out
	default:
		return v
	}
}

// decodeValue converts plain JSON data back into a detached tree value.
func decodeValue(raw any) Value {
	switch c := raw.(type) {
	case map[string]any:
		m := NewMap()
		for k, child := range c {
			m.entries[k] = decodeValue(child)
		}
		return m
	case []any:
		a := NewArray()
		for _, child := range c {
			a.items = append(a.items, decodeValue(child))
		}
		return a
	default:
		return normalize(c)
	}
}

// attach wires a value (and any nested containers) into the document at the
// given path. The path slice is owned by the container afterwards.
func attach(v Value, d *Doc, path []Step) {
	switch c := v.(type) {
	case *Map:
		c.doc = d
		c.path = path
		for k, child := range c.entries {
			attach(child, d, childPath(path, Step{Key: k}))
		}
	case *Array:
		c.doc = d
		c.path = path
		for i, child := range c.items {
			attach(child, d, childPath(path, Step{Index: i, IsIndex: true}))
		}
	}
}

// detach severs a removed subtree from the document so stale handles cannot
// mutate live state.
func detach(v Value) {
	switch c := v.(type) {
	case *Map:
		c.doc = nil
		c.path = nil
		for _, child := range c.entries {
			detach(child)
		}
	case *Array:
		c.doc = nil
		c.path = nil
		for _, child := range c.items {
			detach(child)
		}
	}
}

// updatePathIndex rewrites the array index recorded at depth in a shifted
// subtree after a sibling insert or delete.
func updatePathIndex(v Value, depth, newIndex int) {
	switch c := v.(type) {
	case *Map:
		if c.path != nil && depth < len(c.path) {
			c.path[depth].Index = newIndex
		}
		for _, child := range c.entries {
			updatePathIndex(child, depth, newIndex)
		}
	case *Array:
		if c.path != nil && depth < len(c.path) {
			c.path[depth].Index = newIndex
		}
		for _, child := range c.items {
			updatePathIndex(child, depth, newIndex)
		}
	}
}

func childPath(parent []Step, step Step) []Step {
	path := make([]Step, 0, len(parent)+1)
	path = append(path, parent...)
	return append(path, step)
}
