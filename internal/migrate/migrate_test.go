package migrate

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"tally/internal/doc"
	"tally/internal/legacy"
	"tally/internal/state"
)

func baseFixture(version string) map[string]string {
	return map[string]string{
		"data_version":                      version,
		"session_names":                     `["","S1"]`,
		"current_session":                   "1",
		"session_1_max_points_per_question": "10",
		"session_1_team_names":              `["","TeamA"]`,
		"session_1_block_names":             `["NoBlock"]`,
		"session_1_question_names":          `["","Q1"]`,
		"session_1_question_1_score":        "5",
		"session_1_question_1_block":        "0",
		"session_1_question_1_team_1_score": "3",
	}
}

func newStore(t *testing.T, snap map[string]string) *legacy.MemStore {
	t.Helper()
	store := legacy.NewMemStore()
	for k, v := range snap {
		if err := store.Set(k, v); err != nil {
			t.Fatalf("Set(%s) failed: %v", k, err)
		}
	}
	return store
}

func newPipeline(store legacy.Store) (*Pipeline, *state.Document) {
	d := state.Wrap(doc.New())
	p := &Pipeline{
		Store: store,
		Doc:   d,
		Now:   func() time.Time { return time.Date(2024, 3, 9, 18, 30, 0, 0, time.UTC) },
	}
	return p, d
}

func TestMigrateFromEachVersion(t *testing.T) {
	for _, version := range []string{"1.0", "1.01", "1.3", "1.4"} {
		t.Run(version, func(t *testing.T) {
			store := newStore(t, baseFixture(version))
			p, d := newPipeline(store)

			if err := p.Run(context.Background()); err != nil {
				t.Fatalf("Run failed: %v", err)
			}

			if v := d.DataVersion(); v != 2.0 {
				t.Errorf("DataVersion = %v, want 2.0", v)
			}
			if n := d.CurrentSession(); n != 1 {
				t.Errorf("CurrentSession = %d, want 1", n)
			}

			s, ok := d.Session(1)
			if !ok {
				t.Fatal("session 1 missing")
			}
			if s.Name() != "S1" || s.MaxPoints() != 10 || s.Rounding() {
				t.Errorf("session = %q/%v/%v", s.Name(), s.MaxPoints(), s.Rounding())
			}
			if b, ok := s.Block(0); !ok || b.Name() != "NoBlock" {
				t.Errorf("blocks[0] = %v/%v", b, ok)
			}

			q, ok := s.Question(1)
			if !ok {
				t.Fatal("question 1 missing")
			}
			if q.Score() != 5 || q.Block() != 0 || q.Ignore() {
				t.Errorf("question = %v/%v/%v", q.Score(), q.Block(), q.Ignore())
			}
			ts, ok := q.TeamScore(1)
			if !ok {
				t.Fatal("team score 1 missing")
			}
			if ts.Score() != 3 {
				t.Errorf("team score = %v, want 3", ts.Score())
			}
			if ts.ExtraCredit() != 0 {
				t.Errorf("extra credit = %v, want 0", ts.ExtraCredit())
			}

			// Everything legacy is gone except the backup.
			for _, key := range store.Keys() {
				if !legacy.IsBackupKey(legacy.DefaultBackupPrefix, key) {
					t.Errorf("legacy key %s survived migration", key)
				}
			}
			if store.Len() != 1 {
				t.Errorf("store has %d keys, want just the backup", store.Len())
			}
		})
	}
}

// The ignore and extra-credit steps are scoped by the current session's
// question count, not each session's own. The backup is written after the
// flat-record steps, so it exposes exactly which keys they produced.
func TestFlagStepsUseCurrentSessionScope(t *testing.T) {
	snap := baseFixture("1.0")
	snap["session_names"] = `["","S1","S2"]`
	snap["session_2_max_points_per_question"] = "10"
	snap["session_2_team_names"] = `["","TeamX"]`
	snap["session_2_block_names"] = `["NoBlock"]`
	snap["session_2_question_names"] = `["","Q1","Q2"]`
	store := newStore(t, snap)
	p, _ := newPipeline(store)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	raw, ok := store.Get(legacy.BackupKey(legacy.DefaultBackupPrefix, p.Now()))
	if !ok {
		t.Fatal("backup missing")
	}
	backup, err := legacy.UnmarshalSnapshot([]byte(raw))
	if err != nil {
		t.Fatalf("UnmarshalSnapshot failed: %v", err)
	}

	if _, ok := backup["session_1_question_1_ignore"]; !ok {
		t.Error("current session's question missed the ignore flag")
	}
	if _, ok := backup["session_2_question_1_ignore"]; ok {
		t.Error("ignore flag leaked into a non-current session")
	}
	// Session 1 (current) has one question, so session 2 only gets extra
	// credit for question 1 even though it has two.
	if _, ok := backup["session_2_question_1_team_1_extra_credit"]; !ok {
		t.Error("extra credit missing for session 2 question 1")
	}
	if _, ok := backup["session_2_question_2_team_1_extra_credit"]; ok {
		t.Error("extra credit written beyond the current session's question count")
	}
	if _, ok := backup["session_1_rounding"]; !ok {
		t.Error("rounding flag missing after the re-add step")
	}
}

func TestTransformFailureLeavesStoreIntact(t *testing.T) {
	snap := baseFixture("1.5")
	snap["session_1_bogus_field"] = "1"
	store := newStore(t, snap)
	before := legacy.Export(store, legacy.DefaultBackupPrefix)

	p, d := newPipeline(store)
	err := p.Run(context.Background())
	if err == nil {
		t.Fatal("expected transform failure")
	}
	var fatal *FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("error is %T, want *FatalError", err)
	}

	after := legacy.Export(store, legacy.DefaultBackupPrefix)
	if !reflect.DeepEqual(before, after) {
		t.Error("legacy record changed despite failed transform")
	}
	if d.HasReplicatedData() || d.SessionCount() != 0 {
		t.Error("partial document left behind")
	}
}

func TestTransformRollsBackDocument(t *testing.T) {
	snap := baseFixture("1.5")
	snap["current_session"] = "7"
	store := newStore(t, snap)
	before := legacy.Export(store, legacy.DefaultBackupPrefix)

	p, d := newPipeline(store)
	err := p.Run(context.Background())
	if err == nil {
		t.Fatal("expected failure for out-of-range current_session")
	}
	var fatal *FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("error is %T, want *FatalError", err)
	}

	if d.HasReplicatedData() {
		t.Error("document marked migrated after rollback")
	}
	if n := d.SessionCount(); n != 0 {
		t.Errorf("SessionCount = %d after rollback, want 0", n)
	}
	after := legacy.Export(store, legacy.DefaultBackupPrefix)
	if !reflect.DeepEqual(before, after) {
		t.Error("legacy record changed despite failed transform")
	}
}

func TestRunIsIdempotent(t *testing.T) {
	store := newStore(t, baseFixture("1.0"))
	p, d := newPipeline(store)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if n := d.SessionCount(); n != 1 {
		t.Errorf("SessionCount = %d after second run, want 1", n)
	}
}

func TestRunSkipsStoresWithoutVersion(t *testing.T) {
	p, d := newPipeline(legacy.NewMemStore())
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if d.HasReplicatedData() {
		t.Error("document populated from an empty store")
	}
}

func importFixture() map[string]string {
	snap := baseFixture("1.5")
	snap["session_1_block_names"] = `["NoBlock","Round 1"]`
	snap["session_1_rounding"] = "false"
	snap["session_1_question_1_ignore"] = "false"
	snap["session_1_question_1_team_1_extra_credit"] = "2"
	return snap
}

func TestImportSnapshot(t *testing.T) {
	data, err := legacy.MarshalSnapshot(importFixture())
	if err != nil {
		t.Fatalf("MarshalSnapshot failed: %v", err)
	}

	d := state.Wrap(doc.New())
	if err := state.Bootstrap(d); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}

	if err := ImportSnapshot(d, data); err != nil {
		t.Fatalf("ImportSnapshot failed: %v", err)
	}

	if !d.HasReplicatedData() {
		t.Error("imported document not at current version")
	}
	s, ok := d.Session(1)
	if !ok {
		t.Fatal("session 1 missing after import")
	}
	if s.Name() != "S1" {
		t.Errorf("session name = %q, imported data did not replace bootstrap", s.Name())
	}
	q, _ := s.Question(1)
	ts, ok := q.TeamScore(1)
	if !ok {
		t.Fatal("team score missing after import")
	}
	if ts.Score() != 3 || ts.ExtraCredit() != 2 {
		t.Errorf("team score = %v/%v, want 3/2", ts.Score(), ts.ExtraCredit())
	}
}

func TestImportRejectsInvalidSnapshot(t *testing.T) {
	snap := importFixture()
	delete(snap, "session_names")
	data, _ := legacy.MarshalSnapshot(snap)

	d := state.Wrap(doc.New())
	if err := state.Bootstrap(d); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	before, err := d.Doc().EncodeSnapshot()
	if err != nil {
		t.Fatalf("EncodeSnapshot failed: %v", err)
	}

	if err := ImportSnapshot(d, data); err == nil {
		t.Fatal("expected validation error")
	}

	after, err := d.Doc().EncodeSnapshot()
	if err != nil {
		t.Fatalf("EncodeSnapshot failed: %v", err)
	}
	if string(before) != string(after) {
		t.Error("rejected import mutated the document")
	}
}
