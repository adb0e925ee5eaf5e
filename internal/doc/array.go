package doc

// Array is an ordered container. It deliberately has no in-place index
// setter: replacing an element is a delete followed by an insert, which keeps
// every mutation invertible.
type Array struct {
	doc   *Doc
	path  []Step
	items []Value
}

// NewArray returns a detached array.
func NewArray() *Array {
	return &Array{}
}

func (a *Array) Get(i int) (Value, bool) {
	if a.doc != nil {
		a.doc.mu.RLock()
		defer a.doc.mu.RUnlock()
	}
	if i < 0 || i >= len(a.items) {
		return nil, false
	}
	return a.items[i], true
}

func (a *Array) Len() int {
	if a.doc != nil {
		a.doc.mu.RLock()
		defer a.doc.mu.RUnlock()
	}
	return len(a.items)
}

// ChildMap returns the element at i when it is a map.
func (a *Array) ChildMap(i int) (*Map, bool) {
	v, ok := a.Get(i)
	if !ok {
		return nil, false
	}
	m, ok := v.(*Map)
	return m, ok
}

// Insert places v at index i, shifting later elements right.
func (a *Array) Insert(tx *Tx, i int, v Value) error {
	v = normalize(v)
	if a.doc == nil {
		if i < 0 || i > len(a.items) {
			return ErrIndexOutOfRange
		}
		a.items = append(a.items, nil)
		copy(a.items[i+1:], a.items[i:])
		a.items[i] = v
		return nil
	}
	if tx == nil {
		return ErrNoTransaction
	}
	return tx.apply(Op{
		Kind:  OpArrayInsert,
		Path:  a.path,
		Index: i,
		Value: encodeValue(v),
	}, v, true)
}

// Push appends v at the end.
func (a *Array) Push(tx *Tx, v Value) error {
	if a.doc == nil {
		return a.Insert(nil, len(a.items), v)
	}
	if tx == nil {
		return ErrNoTransaction
	}
	// Length is read under the transaction's op lock via the insert itself;
	// transactions are serialized so this cannot race another writer.
	return a.Insert(tx, a.Len(), v)
}

// Delete removes the element at index i, shifting later elements left.
func (a *Array) Delete(tx *Tx, i int) error {
	if a.doc == nil {
		if i < 0 || i >= len(a.items) {
			return ErrIndexOutOfRange
		}
		a.items = append(a.items[:i], a.items[i+1:]...)
		return nil
	}
	if tx == nil {
		return ErrNoTransaction
	}
	return tx.apply(Op{
		Kind:  OpArrayDelete,
		Path:  a.path,
		Index: i,
	}, nil, false)
}
