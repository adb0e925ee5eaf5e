package persist

import (
	"path/filepath"
	"testing"

	"tally/internal/doc"
	"tally/internal/state"
)

func openMirror(t *testing.T, path string, d *doc.Doc) *Mirror {
	t.Helper()
	m, err := Open(path, d)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return m
}

func mutate(t *testing.T, d *state.Document, score float64) {
	t.Helper()
	err := d.Doc().Transact(doc.Local(), func(tx *doc.Tx) error {
		s, _ := d.Current()
		q, _ := s.Question(1)
		return q.SetScore(tx, score)
	})
	if err != nil {
		t.Fatalf("Transact failed: %v", err)
	}
}

func TestSyncedClosesAfterReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mirror.db")
	m := openMirror(t, path, doc.New())
	defer m.Close()

	select {
	case <-m.Synced():
	default:
		t.Error("Synced channel not closed after Open returned")
	}
}

func TestWriteThroughSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mirror.db")

	d := state.Wrap(doc.New())
	m := openMirror(t, path, d.Doc())
	if err := state.Bootstrap(d); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	mutate(t, d, 6)
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	restored := state.Wrap(doc.New())
	m2 := openMirror(t, path, restored.Doc())
	defer m2.Close()

	if !restored.HasReplicatedData() {
		t.Fatal("replay did not restore the document")
	}
	s, _ := restored.Current()
	q, ok := s.Question(1)
	if !ok {
		t.Fatal("question missing after replay")
	}
	if q.Score() != 6 {
		t.Errorf("score = %v after replay, want 6", q.Score())
	}
}

func TestReplayUsesInitOrigin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mirror.db")

	d := state.Wrap(doc.New())
	m := openMirror(t, path, d.Doc())
	if err := state.Bootstrap(d); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	fresh := doc.New()
	var origins []doc.Origin
	fresh.OnUpdate(func(u doc.Update, origin doc.Origin) {
		origins = append(origins, origin)
	})
	m2 := openMirror(t, path, fresh)
	defer m2.Close()

	if len(origins) == 0 {
		t.Fatal("no replayed transactions observed")
	}
	for _, origin := range origins {
		if origin.Kind != doc.OriginInit {
			t.Errorf("replay origin = %v, want init", origin)
		}
	}
}

func TestCompactPreservesState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mirror.db")

	d := state.Wrap(doc.New())
	m := openMirror(t, path, d.Doc())
	if err := state.Bootstrap(d); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	mutate(t, d, 3)

	if err := m.Compact(); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	// Post-compaction writes land in the fresh update log.
	mutate(t, d, 9)
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	restored := state.Wrap(doc.New())
	m2 := openMirror(t, path, restored.Doc())
	defer m2.Close()

	s, _ := restored.Current()
	q, ok := s.Question(1)
	if !ok {
		t.Fatal("question missing after compacted replay")
	}
	if q.Score() != 9 {
		t.Errorf("score = %v after compacted replay, want 9", q.Score())
	}
}

func TestRemoteUpdatesArePersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mirror.db")

	d := state.Wrap(doc.New())
	m := openMirror(t, path, d.Doc())
	if err := state.Bootstrap(d); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	err := d.Doc().Transact(doc.Remote("peer-1"), func(tx *doc.Tx) error {
		s, _ := d.Current()
		q, _ := s.Question(1)
		return q.SetScore(tx, 8)
	})
	if err != nil {
		t.Fatalf("Transact failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	restored := state.Wrap(doc.New())
	m2 := openMirror(t, path, restored.Doc())
	defer m2.Close()

	s, _ := restored.Current()
	q, _ := s.Question(1)
	if q.Score() != 8 {
		t.Errorf("score = %v, remote edit lost across restart", q.Score())
	}
}
