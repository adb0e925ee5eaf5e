// Package history implements undo and redo over the replicated document.
// Only local-origin transactions are tracked; migration, import, init,
// history and remote transactions neither populate the undo stack nor clear
// the redo stack, so a remote edit arriving mid-undo-chain cannot eat the
// user's redo.
package history

import (
	"fmt"
	"sync"
	"time"

	"tally/internal/doc"
	"tally/internal/state"
)

const (
	// DefaultWindow is how long after a local transaction the next one is
	// merged into the same undo entry. Rapid edits (holding a +1 button)
	// undo as one step.
	DefaultWindow = 500 * time.Millisecond

	// DefaultLimit bounds each stack; the oldest entries fall off.
	DefaultLimit = 200
)

type entry struct {
	ops []doc.Op
	inv []doc.Op
}

// Manager observes a document's commits and replays inverses on demand.
type Manager struct {
	d      *state.Document
	stop   func()
	window time.Duration
	limit  int
	now    func() time.Time

	mu        sync.Mutex
	undo      []*entry
	redo      []*entry
	lastLocal time.Time

	changeMu sync.Mutex
	onChange func()
}

// New attaches a manager to the document. Call Close to detach.
func New(d *state.Document) *Manager {
	m := &Manager{
		d:      d,
		window: DefaultWindow,
		limit:  DefaultLimit,
		now:    time.Now,
	}
	m.stop = d.Doc().OnCommit(m.observe)
	return m
}

// Close detaches the manager from the document. The stacks stay usable.
func (m *Manager) Close() {
	if m.stop != nil {
		m.stop()
		m.stop = nil
	}
}

// OnChange registers a single callback fired whenever CanUndo or CanRedo may
// have changed, typically to refresh button state.
func (m *Manager) OnChange(fn func()) {
	m.changeMu.Lock()
	m.onChange = fn
	m.changeMu.Unlock()
}

func (m *Manager) notify() {
	m.changeMu.Lock()
	fn := m.onChange
	m.changeMu.Unlock()
	if fn != nil {
		fn()
	}
}

func (m *Manager) observe(c doc.Commit) {
	if c.Origin.Kind != doc.OriginLocal {
		return
	}

	m.mu.Lock()
	m.redo = m.redo[:0]
	at := m.now()
	if n := len(m.undo); n > 0 && at.Sub(m.lastLocal) <= m.window {
		top := m.undo[n-1]
		top.ops = append(top.ops, c.Ops...)
		top.inv = append(top.inv, c.Inv...)
	} else {
		e := &entry{
			ops: append([]doc.Op(nil), c.Ops...),
			inv: append([]doc.Op(nil), c.Inv...),
		}
		m.undo = append(m.undo, e)
		if len(m.undo) > m.limit {
			m.undo = m.undo[1:]
		}
	}
	m.lastLocal = at
	m.mu.Unlock()

	m.notify()
}

func (m *Manager) CanUndo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.undo) > 0
}

func (m *Manager) CanRedo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.redo) > 0
}

// Undo reverts the most recent tracked entry. An empty stack is a no-op.
// The inversion and its audit log entry commit as one history-origin
// transaction, so undoing is itself never undoable.
func (m *Manager) Undo() error {
	m.mu.Lock()
	n := len(m.undo)
	if n == 0 {
		m.mu.Unlock()
		return nil
	}
	e := m.undo[n-1]
	m.undo = m.undo[:n-1]
	m.mu.Unlock()

	err := m.d.Doc().Transact(doc.History(), func(tx *doc.Tx) error {
		for i := len(e.inv) - 1; i >= 0; i-- {
			if err := tx.Apply(e.inv[i]); err != nil {
				return err
			}
		}
		return m.d.AppendLog(tx, "undo", "", m.now().UTC().Format(time.RFC3339))
	})
	if err != nil {
		return fmt.Errorf("undo: %w", err)
	}

	m.mu.Lock()
	m.redo = append(m.redo, e)
	// The next local commit starts a fresh entry rather than merging into
	// whatever is on top of the stack now.
	m.lastLocal = time.Time{}
	m.mu.Unlock()
	m.notify()
	return nil
}

// Redo re-applies the most recently undone entry.
func (m *Manager) Redo() error {
	m.mu.Lock()
	n := len(m.redo)
	if n == 0 {
		m.mu.Unlock()
		return nil
	}
	e := m.redo[n-1]
	m.redo = m.redo[:n-1]
	m.mu.Unlock()

	err := m.d.Doc().Transact(doc.History(), func(tx *doc.Tx) error {
		for _, op := range e.ops {
			if err := tx.Apply(op); err != nil {
				return err
			}
		}
		return m.d.AppendLog(tx, "redo", "", m.now().UTC().Format(time.RFC3339))
	})
	if err != nil {
		return fmt.Errorf("redo: %w", err)
	}

	m.mu.Lock()
	m.undo = append(m.undo, e)
	m.lastLocal = time.Time{}
	m.mu.Unlock()
	m.notify()
	return nil
}
