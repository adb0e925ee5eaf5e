// Package state defines the shape of the replicated scoring document and the
// typed accessors the rest of the application navigates it with. Sequences
// that were 1-indexed in the flat legacy record stay 1-indexed here: index 0
// of sessions, teams, questions and per-question team scores is a reserved
// placeholder that is skipped, never read. Blocks have no placeholder; index
// 0 is the real "no block" entry.
package state

import (
	"fmt"

	"tally/internal/doc"
)

// CurrentDataVersion is the schema version of the replicated document.
const CurrentDataVersion = 2.0

// Root container and field names.
const (
	MetaRoot     = "meta"
	SessionsRoot = "sessions"
	LogRoot      = "log"

	KeyDataVersion    = "dataVersion"
	KeyCurrentSession = "currentSession"
)

// Document wraps a replicated doc with the scoring schema.
type Document struct {
	d *doc.Doc
}

func Wrap(d *doc.Doc) *Document {
	return &Document{d: d}
}

func (s *Document) Doc() *doc.Doc       { return s.d }
func (s *Document) Meta() *doc.Map      { return s.d.GetMap(MetaRoot) }
func (s *Document) Sessions() *doc.Array { return s.d.GetArray(SessionsRoot) }
func (s *Document) Log() *doc.Array     { return s.d.GetArray(LogRoot) }

// DataVersion returns 0 when the document holds no replicated data yet.
func (s *Document) DataVersion() float64 {
	v, _ := s.Meta().Float(KeyDataVersion)
	return v
}

// HasReplicatedData reports whether the document carries a fully migrated
// state: a non-empty meta map at the current schema version.
func (s *Document) HasReplicatedData() bool {
	meta := s.Meta()
	return meta.Len() > 0 && s.DataVersion() == CurrentDataVersion
}

// SetDataVersion enforces that the version never decreases.
func (s *Document) SetDataVersion(tx *doc.Tx, v float64) error {
	if v < s.DataVersion() {
		return fmt.Errorf("data version may not decrease: %v -> %v", s.DataVersion(), v)
	}
	return s.Meta().Set(tx, KeyDataVersion, v)
}

// CurrentSession returns the 1-based index of the active session.
func (s *Document) CurrentSession() int {
	n, ok := s.Meta().Int(KeyCurrentSession)
	if !ok || n < 1 {
		return 1
	}
	return n
}

// SetCurrentSession rejects indexes that would point at the placeholder or
// past the last real session.
func (s *Document) SetCurrentSession(tx *doc.Tx, n int) error {
	if n < 1 || n > s.SessionCount() {
		return fmt.Errorf("session index %d out of range [1,%d]", n, s.SessionCount())
	}
	return s.Meta().Set(tx, KeyCurrentSession, n)
}

// SessionCount is the number of real sessions, excluding the placeholder.
func (s *Document) SessionCount() int {
	n := s.Sessions().Len() - 1
	if n < 0 {
		return 0
	}
	return n
}

// Session returns the lens for the n-th real session (n >= 1).
func (s *Document) Session(n int) (Session, bool) {
	if n < 1 {
		return Session{}, false
	}
	m, ok := s.Sessions().ChildMap(n)
	if !ok {
		return Session{}, false
	}
	return Session{m: m}, true
}

// Current returns the active session's lens.
func (s *Document) Current() (Session, bool) {
	return s.Session(s.CurrentSession())
}

// AddSession appends a new session and returns its 1-based index. The first
// session added to an empty document also claims the placeholder slot.
func (s *Document) AddSession(tx *doc.Tx, name string, maxPoints float64) (int, error) {
	sessions := s.Sessions()
	if sessions.Len() == 0 {
		if err := sessions.Push(tx, nil); err != nil {
			return 0, err
		}
	}
	index := sessions.Len()
	if err := sessions.Push(tx, NewSessionValue(name, maxPoints)); err != nil {
		return 0, err
	}
	return index, nil
}

// AppendLog adds an audit entry to the document's action log. Callers pick
// the transaction origin; the undo manager uses History so the record of an
// undo is not itself undoable.
func (s *Document) AppendLog(tx *doc.Tx, action, detail, at string) error {
	entry := doc.NewMap()
	_ = entry.Set(nil, "action", action)
	_ = entry.Set(nil, "detail", detail)
	_ = entry.Set(nil, "at", at)
	return s.Log().Push(tx, entry)
}
