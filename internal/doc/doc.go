// Package doc implements the replicated document the rest of the application
// programs against: named root containers holding nested maps and arrays,
// mutated only inside origin-tagged transactions.
//
// Every mutation records a forward op and its inverse. A transaction whose
// body returns an error (or panics) is rolled back op by op, so callers get
// all-or-nothing behavior without explicit staging. Committed ops are
// delivered to update subscribers and round-trip through JSON, which is how
// transports ship changes between replicas and how the persistence mirror
// replays them.
package doc

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
)

var (
	ErrNoTransaction     = errors.New("mutation outside a transaction")
	ErrNestedTransaction = errors.New("nested transaction")
	ErrBadPath           = errors.New("op path does not resolve to a container")
	ErrIndexOutOfRange   = errors.New("array index out of range")
	ErrAlreadyAttached   = errors.New("container already belongs to a document")
)

// Doc is the canonical shared state of one scoring event.
type Doc struct {
	txMu sync.Mutex   // serializes transactions
	mu   sync.RWMutex // guards the tree

	roots map[string]Value

	subMu      sync.Mutex
	subs       map[int]func(Update, Origin)
	commitSubs map[int]func(Commit)
	nextSub    int
}

func New() *Doc {
	return &Doc{
		roots:      make(map[string]Value),
		subs:       make(map[int]func(Update, Origin)),
		commitSubs: make(map[int]func(Commit)),
	}
}

// Commit pairs a committed transaction's ops with the inverses that undo
// them, in apply order. Inverses never leave the process; only Update is
// serialized.
type Commit struct {
	Ops    []Op
	Inv    []Op
	Origin Origin
}

// GetMap returns the named root map, creating it if absent. Requesting a
// root that exists with a different type is a contract violation: it is
// logged and a detached map is returned so the caller's writes go nowhere.
func (d *Doc) GetMap(name string) *Map {
	d.mu.Lock()
	defer d.mu.Unlock()
	root, ok := d.roots[name]
	if !ok {
		m := &Map{doc: d, path: []Step{{Key: name}}, entries: make(map[string]Value)}
		d.roots[name] = m
		return m
	}
	m, ok := root.(*Map)
	if !ok {
		log.Printf("doc: root %q is not a map", name)
		return NewMap()
	}
	return m
}

// GetArray returns the named root array, creating it if absent.
func (d *Doc) GetArray(name string) *Array {
	d.mu.Lock()
	defer d.mu.Unlock()
	root, ok := d.roots[name]
	if !ok {
		a := &Array{doc: d, path: []Step{{Key: name}}}
		d.roots[name] = a
		return a
	}
	a, ok := root.(*Array)
	if !ok {
		log.Printf("doc: root %q is not an array", name)
		return NewArray()
	}
	return a
}

// Tx records the ops of one transaction alongside their inverses.
type Tx struct {
	doc    *Doc
	origin Origin
	ops    []Op
	inv    []Op
}

// Origin reports the tag the transaction was opened with.
func (tx *Tx) Origin() Origin { return tx.origin }

// Apply replays a previously recorded op inside this transaction. The undo
// manager uses it to mix inverse ops with its own log writes in one commit.
func (tx *Tx) Apply(op Op) error {
	return tx.apply(op, nil, false)
}

func (tx *Tx) apply(op Op, direct Value, haveDirect bool) error {
	tx.doc.mu.Lock()
	inv, err := tx.doc.applyOpLocked(op, direct, haveDirect)
	tx.doc.mu.Unlock()
	if err != nil {
		return err
	}
	tx.ops = append(tx.ops, op)
	tx.inv = append(tx.inv, inv)
	return nil
}

// Transact runs body as one origin-tagged transaction. Transactions are
// serialized; the body must not start another one. If body returns an error
// or panics, every op already applied is rolled back in reverse order and
// subscribers are not notified.
//
// Subscribers are invoked in commit order and must not start transactions of
// their own.
func (d *Doc) Transact(origin Origin, body func(*Tx) error) error {
	d.txMu.Lock()
	defer d.txMu.Unlock()

	tx := &Tx{doc: d, origin: origin}
	if err := runBody(tx, body); err != nil {
		d.rollback(tx)
		return err
	}
	if len(tx.ops) == 0 {
		return nil
	}

	update := Update{Ops: tx.ops}
	for _, sub := range d.subscribers() {
		sub(update, origin)
	}
	commit := Commit{Ops: tx.ops, Inv: tx.inv, Origin: origin}
	for _, sub := range d.commitSubscribers() {
		sub(commit)
	}
	return nil
}

func runBody(tx *Tx, body func(*Tx) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transaction panicked: %v", r)
		}
	}()
	return body(tx)
}

func (d *Doc) rollback(tx *Tx) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(tx.inv) - 1; i >= 0; i-- {
		if _, err := d.applyOpLocked(tx.inv[i], nil, false); err != nil {
			// Inverses are derived from the state they undo; failure here
			// means the tree was mutated outside a transaction.
			log.Printf("doc: rollback op %d failed: %v", i, err)
		}
	}
}

// ApplyUpdate replays a serialized update under the given origin, typically
// Remote for transport traffic. It is transactional like Transact.
func (d *Doc) ApplyUpdate(u Update, origin Origin) error {
	return d.Transact(origin, func(tx *Tx) error {
		for _, op := range u.Ops {
			if err := tx.apply(op, nil, false); err != nil {
				return fmt.Errorf("apply %s op: %w", op.Kind, err)
			}
		}
		return nil
	})
}

// ApplyOps replays previously recorded ops (the undo manager's inverses)
// under the given origin.
func (d *Doc) ApplyOps(ops []Op, origin Origin) error {
	return d.ApplyUpdate(Update{Ops: ops}, origin)
}

// OnUpdate registers a subscriber for committed transactions. The returned
// function unregisters it.
func (d *Doc) OnUpdate(fn func(Update, Origin)) func() {
	d.subMu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = fn
	d.subMu.Unlock()
	return func() {
		d.subMu.Lock()
		delete(d.subs, id)
		d.subMu.Unlock()
	}
}

// OnCommit registers a subscriber that also sees each transaction's inverse
// ops. Same delivery rules as OnUpdate.
func (d *Doc) OnCommit(fn func(Commit)) func() {
	d.subMu.Lock()
	id := d.nextSub
	d.nextSub++
	d.commitSubs[id] = fn
	d.subMu.Unlock()
	return func() {
		d.subMu.Lock()
		delete(d.commitSubs, id)
		d.subMu.Unlock()
	}
}

func (d *Doc) subscribers() []func(Update, Origin) {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	out := make([]func(Update, Origin), 0, len(d.subs))
	for id := 0; id < d.nextSub; id++ {
		if fn, ok := d.subs[id]; ok {
			out = append(out, fn)
		}
	}
	return out
}

func (d *Doc) commitSubscribers() []func(Commit) {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	out := make([]func(Commit), 0, len(d.commitSubs))
	for id := 0; id < d.nextSub; id++ {
		if fn, ok := d.commitSubs[id]; ok {
			out = append(out, fn)
		}
	}
	return out
}

// EncodeSnapshot serializes the entire tree for state hand-off to a late
// joiner or for mirror compaction.
func (d *Doc) EncodeSnapshot() ([]byte, error) {
	d.mu.RLock()
	encoded := make(map[string]any, len(d.roots))
	for name, root := range d.roots {
		encoded[name] = encodeValue(root)
	}
	d.mu.RUnlock()
	data, err := json.Marshal(encoded)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

// ApplySnapshot replaces the whole document with the decoded snapshot inside
// a single transaction.
func (d *Doc) ApplySnapshot(data []byte, origin Origin) error {
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	return d.Transact(origin, func(tx *Tx) error {
		return tx.apply(Op{Kind: OpSnapshot, Value: decoded}, nil, false)
	})
}

// applyOpLocked mutates the tree and returns the inverse op. The caller
// holds d.mu.
func (d *Doc) applyOpLocked(op Op, direct Value, haveDirect bool) (Op, error) {
	if op.Kind == OpSnapshot {
		return d.applySnapshotLocked(op)
	}
	if len(op.Path) == 0 {
		return Op{}, ErrBadPath
	}

	target, err := d.resolveLocked(op.Path, op.Kind)
	if err != nil {
		return Op{}, err
	}

	value := direct
	if !haveDirect {
		value = decodeValue(op.Value)
	}
	if err := ensureDetached(value); err != nil {
		return Op{}, err
	}

	switch op.Kind {
	case OpMapSet:
		m, ok := target.(*Map)
		if !ok {
			return Op{}, ErrBadPath
		}
		inv := Op{Kind: OpMapDelete, Path: op.Path, Key: op.Key}
		if old, existed := m.entries[op.Key]; existed {
			inv = Op{Kind: OpMapSet, Path: op.Path, Key: op.Key, Value: encodeValue(old)}
			detach(old)
		}
		m.entries[op.Key] = value
		attach(value, d, childPath(m.path, Step{Key: op.Key}))
		return inv, nil

	case OpMapDelete:
		m, ok := target.(*Map)
		if !ok {
			return Op{}, ErrBadPath
		}
		old, existed := m.entries[op.Key]
		if !existed {
			// Deleting an absent key stays a no-op in both directions.
			return Op{Kind: OpMapDelete, Path: op.Path, Key: op.Key}, nil
		}
		inv := Op{Kind: OpMapSet, Path: op.Path, Key: op.Key, Value: encodeValue(old)}
		detach(old)
		delete(m.entries, op.Key)
		return inv, nil

	case OpArrayInsert:
		a, ok := target.(*Array)
		if !ok {
			return Op{}, ErrBadPath
		}
		if op.Index < 0 || op.Index > len(a.items) {
			return Op{}, ErrIndexOutOfRange
		}
		a.items = append(a.items, nil)
		copy(a.items[op.Index+1:], a.items[op.Index:])
		a.items[op.Index] = value
		attach(value, d, childPath(a.path, Step{Index: op.Index, IsIndex: true}))
		depth := len(a.path)
		for j := op.Index + 1; j < len(a.items); j++ {
			updatePathIndex(a.items[j], depth, j)
		}
		return Op{Kind: OpArrayDelete, Path: op.Path, Index: op.Index}, nil

	case OpArrayDelete:
		a, ok := target.(*Array)
		if !ok {
			return Op{}, ErrBadPath
		}
		if op.Index < 0 || op.Index >= len(a.items) {
			return Op{}, ErrIndexOutOfRange
		}
		old := a.items[op.Index]
		inv := Op{Kind: OpArrayInsert, Path: op.Path, Index: op.Index, Value: encodeValue(old)}
		detach(old)
		a.items = append(a.items[:op.Index], a.items[op.Index+1:]...)
		depth := len(a.path)
		for j := op.Index; j < len(a.items); j++ {
			updatePathIndex(a.items[j], depth, j)
		}
		return inv, nil

	default:
		return Op{}, fmt.Errorf("unknown op kind %q", op.Kind)
	}
}

func (d *Doc) applySnapshotLocked(op Op) (Op, error) {
	decoded, ok := op.Value.(map[string]any)
	if !ok {
		return Op{}, fmt.Errorf("snapshot op value is %T, not an object", op.Value)
	}

	// Validate before touching the tree so a bad snapshot leaves the
	// document as it was.
	next := make(map[string]Value, len(decoded))
	for name, raw := range decoded {
		root := decodeValue(raw)
		switch root.(type) {
		case *Map, *Array:
		default:
			return Op{}, fmt.Errorf("snapshot root %q is not a container", name)
		}
		next[name] = root
	}

	previous := make(map[string]any, len(d.roots))
	for name, root := range d.roots {
		previous[name] = encodeValue(root)
		detach(root)
	}

	d.roots = next
	for name, root := range next {
		attach(root, d, []Step{{Key: name}})
	}

	return Op{Kind: OpSnapshot, Value: previous}, nil
}

// resolveLocked walks a path to its container, creating the root on demand.
func (d *Doc) resolveLocked(path []Step, kind OpKind) (Value, error) {
	name := path[0].Key
	root, ok := d.roots[name]
	if !ok {
		isArray := kind == OpArrayInsert || kind == OpArrayDelete
		if len(path) > 1 {
			isArray = path[1].IsIndex
		}
		if isArray {
			root = &Array{doc: d, path: []Step{{Key: name}}}
		} else {
			root = &Map{doc: d, path: []Step{{Key: name}}, entries: make(map[string]Value)}
		}
		d.roots[name] = root
	}

	cur := root
	for _, step := range path[1:] {
		switch c := cur.(type) {
		case *Map:
			if step.IsIndex {
				return nil, ErrBadPath
			}
			next, ok := c.entries[step.Key]
			if !ok {
				return nil, ErrBadPath
			}
			cur = next
		case *Array:
			if !step.IsIndex || step.Index < 0 || step.Index >= len(c.items) {
				return nil, ErrBadPath
			}
			cur = c.items[step.Index]
		default:
			return nil, ErrBadPath
		}
	}
	return cur, nil
}

func ensureDetached(v Value) error {
	switch c := v.(type) {
	case *Map:
		if c.doc != nil {
			return ErrAlreadyAttached
		}
	case *Array:
		if c.doc != nil {
			return ErrAlreadyAttached
		}
	}
	return nil
}
