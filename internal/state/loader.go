package state

import (
	"context"
	"fmt"
	"log"

	"tally/internal/legacy"
)

// Migrator runs the legacy schema migration pipeline. Declared here so the
// loader does not import the migrate package.
type Migrator interface {
	Run(ctx context.Context) error
}

// Loader decides how a document gets its initial state once persisted data
// has been replayed into it.
type Loader struct {
	Doc    *Document
	Legacy legacy.Store
	// Ready is closed by the persistence layer when the replay of stored
	// updates has finished. Initialize does not look at the document before
	// that, otherwise it would bootstrap over data still being loaded.
	Ready    <-chan struct{}
	Migrator Migrator
}

// Initialize waits for persisted state and then takes exactly one of three
// paths: the document already carries migrated data and nothing happens, a
// flat legacy record exists and the migration pipeline runs, or the document
// is brand new and gets bootstrapped.
func (l *Loader) Initialize(ctx context.Context) error {
	if l.Ready != nil {
		select {
		case <-l.Ready:
		case <-ctx.Done():
			return fmt.Errorf("waiting for persisted state: %w", ctx.Err())
		}
	}

	if l.Doc.HasReplicatedData() {
		log.Printf("state: document ready at version %v", l.Doc.DataVersion())
		return nil
	}

	if l.Legacy != nil {
		if _, ok := legacy.Version(l.Legacy); ok {
			if l.Migrator == nil {
				return fmt.Errorf("legacy record present but no migrator configured")
			}
			log.Print("state: legacy record found, migrating")
			if err := l.Migrator.Run(ctx); err != nil {
				return fmt.Errorf("migrate legacy record: %w", err)
			}
			return nil
		}
	}

	log.Print("state: empty document, bootstrapping defaults")
	if err := Bootstrap(l.Doc); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	return nil
}
