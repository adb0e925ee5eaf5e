package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"tally/internal/doc"
	"tally/internal/legacy"
)

func newBootstrapped(t *testing.T) *Document {
	t.Helper()
	d := Wrap(doc.New())
	if err := Bootstrap(d); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	return d
}

func TestBootstrapDefaults(t *testing.T) {
	d := newBootstrapped(t)

	if v := d.DataVersion(); v != CurrentDataVersion {
		t.Errorf("DataVersion = %v, want %v", v, CurrentDataVersion)
	}
	if !d.HasReplicatedData() {
		t.Error("HasReplicatedData = false after bootstrap")
	}
	if n := d.SessionCount(); n != 1 {
		t.Fatalf("SessionCount = %d, want 1", n)
	}
	if n := d.CurrentSession(); n != 1 {
		t.Errorf("CurrentSession = %d, want 1", n)
	}

	s, ok := d.Current()
	if !ok {
		t.Fatal("Current session missing")
	}
	if s.Name() != "Session 1" {
		t.Errorf("session name = %q", s.Name())
	}
	if s.MaxPoints() != 10 {
		t.Errorf("MaxPoints = %v, want 10", s.MaxPoints())
	}
	if s.Rounding() {
		t.Error("Rounding should default to false")
	}
	if n := s.TeamCount(); n != 1 {
		t.Errorf("TeamCount = %d, want 1", n)
	}
	if n := s.BlockCount(); n != 2 {
		t.Errorf("BlockCount = %d, want 2", n)
	}
	if b, ok := s.Block(0); !ok || b.Name() != "No block" {
		t.Errorf("blocks[0] = %v/%v, want the no-block entry", b, ok)
	}
	if n := s.QuestionCount(); n != 1 {
		t.Errorf("QuestionCount = %d, want 1", n)
	}

	q, ok := s.Question(1)
	if !ok {
		t.Fatal("question 1 missing")
	}
	if q.Ignore() {
		t.Error("Ignore should default to false")
	}
	if n := q.TeamScoreCount(); n != 1 {
		t.Errorf("TeamScoreCount = %d, want 1", n)
	}
	ts, ok := q.TeamScore(1)
	if !ok {
		t.Fatal("team score 1 missing")
	}
	if ts.Score() != 0 || ts.ExtraCredit() != 0 {
		t.Errorf("team score = %v/%v, want zeroes", ts.Score(), ts.ExtraCredit())
	}
}

func TestPlaceholdersAreSkipped(t *testing.T) {
	d := newBootstrapped(t)
	s, _ := d.Current()

	if _, ok := d.Session(0); ok {
		t.Error("Session(0) must not resolve")
	}
	if _, ok := s.Team(0); ok {
		t.Error("Team(0) must not resolve")
	}
	if _, ok := s.Question(0); ok {
		t.Error("Question(0) must not resolve")
	}
	q, _ := s.Question(1)
	if _, ok := q.TeamScore(0); ok {
		t.Error("TeamScore(0) must not resolve")
	}
}

func TestAddTeamAlignsScores(t *testing.T) {
	d := newBootstrapped(t)

	err := d.Doc().Transact(doc.Local(), func(tx *doc.Tx) error {
		s, _ := d.Current()
		if _, err := s.AddQuestion(tx, "Question 2"); err != nil {
			return err
		}
		if _, err := s.AddTeam(tx, "Team 2"); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Transact failed: %v", err)
	}

	s, _ := d.Current()
	if n := s.TeamCount(); n != 2 {
		t.Fatalf("TeamCount = %d, want 2", n)
	}
	for qi := 1; qi <= s.QuestionCount(); qi++ {
		q, _ := s.Question(qi)
		if n := q.TeamScoreCount(); n != 2 {
			t.Errorf("question %d TeamScoreCount = %d, want 2", qi, n)
		}
	}
}

func TestAddQuestionCarriesTeamSlots(t *testing.T) {
	d := newBootstrapped(t)

	err := d.Doc().Transact(doc.Local(), func(tx *doc.Tx) error {
		s, _ := d.Current()
		if _, err := s.AddTeam(tx, "Team 2"); err != nil {
			return err
		}
		if _, err := s.AddQuestion(tx, "Question 2"); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Transact failed: %v", err)
	}

	s, _ := d.Current()
	q, ok := s.Question(2)
	if !ok {
		t.Fatal("question 2 missing")
	}
	if n := q.TeamScoreCount(); n != 2 {
		t.Errorf("TeamScoreCount = %d, want 2", n)
	}
}

func TestSetCurrentSessionRange(t *testing.T) {
	d := newBootstrapped(t)

	err := d.Doc().Transact(doc.Local(), func(tx *doc.Tx) error {
		if err := d.SetCurrentSession(tx, 2); err == nil {
			t.Error("expected range error for session 2 of 1")
		}
		if err := d.SetCurrentSession(tx, 0); err == nil {
			t.Error("expected range error for the placeholder index")
		}
		return d.SetCurrentSession(tx, 1)
	})
	if err != nil {
		t.Fatalf("Transact failed: %v", err)
	}
}

func TestDataVersionNeverDecreases(t *testing.T) {
	d := newBootstrapped(t)

	err := d.Doc().Transact(doc.Local(), func(tx *doc.Tx) error {
		return d.SetDataVersion(tx, 1.5)
	})
	if err == nil {
		t.Error("expected error lowering the data version")
	}
	if v := d.DataVersion(); v != CurrentDataVersion {
		t.Errorf("DataVersion = %v after rejected write", v)
	}
}

func TestAppendLog(t *testing.T) {
	d := newBootstrapped(t)

	at := time.Date(2024, 3, 9, 18, 30, 0, 0, time.UTC).Format(time.RFC3339)
	err := d.Doc().Transact(doc.Local(), func(tx *doc.Tx) error {
		return d.AppendLog(tx, "score", "question 1 team 1", at)
	})
	if err != nil {
		t.Fatalf("AppendLog failed: %v", err)
	}

	if n := d.Log().Len(); n != 1 {
		t.Fatalf("log length = %d, want 1", n)
	}
	entry, ok := d.Log().ChildMap(0)
	if !ok {
		t.Fatal("log entry is not a map")
	}
	if action, _ := entry.String("action"); action != "score" {
		t.Errorf("action = %q", action)
	}
}

type fakeMigrator struct {
	ran bool
	err error
}

func (f *fakeMigrator) Run(ctx context.Context) error {
	f.ran = true
	return f.err
}

func TestLoaderPaths(t *testing.T) {
	ready := make(chan struct{})
	close(ready)

	t.Run("existing replicated data is left alone", func(t *testing.T) {
		d := newBootstrapped(t)
		mig := &fakeMigrator{}
		l := &Loader{Doc: d, Legacy: legacy.NewMemStore(), Ready: ready, Migrator: mig}
		if err := l.Initialize(context.Background()); err != nil {
			t.Fatalf("Initialize failed: %v", err)
		}
		if mig.ran {
			t.Error("migrator ran despite replicated data")
		}
		if n := d.SessionCount(); n != 1 {
			t.Errorf("SessionCount = %d after no-op load", n)
		}
	})

	t.Run("legacy record triggers migration", func(t *testing.T) {
		store := legacy.NewMemStore()
		if err := store.Set(legacy.VersionKey, "1.0"); err != nil {
			t.Fatal(err)
		}
		mig := &fakeMigrator{}
		l := &Loader{Doc: Wrap(doc.New()), Legacy: store, Ready: ready, Migrator: mig}
		if err := l.Initialize(context.Background()); err != nil {
			t.Fatalf("Initialize failed: %v", err)
		}
		if !mig.ran {
			t.Error("migrator did not run")
		}
	})

	t.Run("migration failure propagates", func(t *testing.T) {
		store := legacy.NewMemStore()
		_ = store.Set(legacy.VersionKey, "1.0")
		mig := &fakeMigrator{err: errors.New("boom")}
		l := &Loader{Doc: Wrap(doc.New()), Legacy: store, Ready: ready, Migrator: mig}
		if err := l.Initialize(context.Background()); err == nil {
			t.Error("expected migration error")
		}
	})

	t.Run("empty everything bootstraps", func(t *testing.T) {
		d := Wrap(doc.New())
		l := &Loader{Doc: d, Legacy: legacy.NewMemStore(), Ready: ready}
		if err := l.Initialize(context.Background()); err != nil {
			t.Fatalf("Initialize failed: %v", err)
		}
		if !d.HasReplicatedData() {
			t.Error("document not bootstrapped")
		}
	})

	t.Run("context cancellation beats ready", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		l := &Loader{Doc: Wrap(doc.New()), Ready: make(chan struct{})}
		if err := l.Initialize(ctx); err == nil {
			t.Error("expected context error")
		}
	})
}
