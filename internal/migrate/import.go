package migrate

import (
	"fmt"

	"tally/internal/doc"
	"tally/internal/legacy"
	"tally/internal/state"
)

// ImportSnapshot replaces the document's contents with a legacy-format JSON
// snapshot, typically one exported on another device or restored from a
// backup. Validation happens before any mutation; a rejected snapshot leaves
// the document exactly as it was.
//
// The whole replacement is one import-origin transaction, so the undo
// manager never tracks it and an undo immediately afterward cannot revert it.
func ImportSnapshot(d *state.Document, data []byte) error {
	snap, err := legacy.UnmarshalSnapshot(data)
	if err != nil {
		return fmt.Errorf("import rejected: %w", err)
	}
	if err := legacy.Validate(snap); err != nil {
		return fmt.Errorf("import rejected: %w", err)
	}
	rec, err := legacy.Parse(snap)
	if err != nil {
		return fmt.Errorf("import rejected: %w", err)
	}

	// Build into a scratch document first. Applying its snapshot replaces
	// every root of the target in one op, which both clears the old state
	// and keeps the replacement invertible.
	scratch := state.Wrap(doc.New())
	if err := Build(scratch, doc.Import(), rec); err != nil {
		return fmt.Errorf("import build: %w", err)
	}
	encoded, err := scratch.Doc().EncodeSnapshot()
	if err != nil {
		return fmt.Errorf("import build: %w", err)
	}
	return d.Doc().ApplySnapshot(encoded, doc.Import())
}
