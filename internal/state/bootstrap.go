package state

import (
	"fmt"

	"tally/internal/doc"
)

// Bootstrap populates an empty document with the default state a fresh
// installation starts from: one session with one team, one question and one
// named block after the "no block" entry. Everything happens in a single
// init-origin transaction so the undo manager never sees it.
func Bootstrap(d *Document) error {
	return d.Doc().Transact(doc.Init(), func(tx *doc.Tx) error {
		if err := d.Meta().Set(tx, KeyDataVersion, CurrentDataVersion); err != nil {
			return fmt.Errorf("bootstrap meta: %w", err)
		}
		if err := d.Meta().Set(tx, KeyCurrentSession, 1); err != nil {
			return fmt.Errorf("bootstrap meta: %w", err)
		}

		n, err := d.AddSession(tx, "Session 1", 10)
		if err != nil {
			return fmt.Errorf("bootstrap session: %w", err)
		}
		session, ok := d.Session(n)
		if !ok {
			return fmt.Errorf("bootstrap: session %d not readable after insert", n)
		}
		if _, err := session.AddTeam(tx, "Team 1"); err != nil {
			return fmt.Errorf("bootstrap team: %w", err)
		}
		if _, err := session.AddBlock(tx, "Block 1"); err != nil {
			return fmt.Errorf("bootstrap block: %w", err)
		}
		if _, err := session.AddQuestion(tx, "Question 1"); err != nil {
			return fmt.Errorf("bootstrap question: %w", err)
		}
		return nil
	})
}
