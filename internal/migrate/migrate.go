// Package migrate upgrades a flat legacy scoring record, step by step, to the
// replicated document schema. The flat-record steps are cheap key rewrites;
// the final structural transform is a single all-or-nothing transaction that
// never deletes legacy data before the new document exists.
package migrate

import (
	"context"
	"fmt"
	"log"
	"time"

	"tally/internal/doc"
	"tally/internal/legacy"
	"tally/internal/state"
)

// FatalError reports a failed structural transform. When it is returned the
// legacy store has not been deleted and the document holds no partial state.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("migration failed and the existing data was left untouched: %v. Export a manual backup before retrying and report this failure.", e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Pipeline upgrades Store and populates Doc.
type Pipeline struct {
	Store legacy.Store
	Doc   *state.Document

	// BackupPrefix defaults to legacy.DefaultBackupPrefix.
	BackupPrefix string
	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

func (p *Pipeline) prefix() string {
	if p.BackupPrefix != "" {
		return p.BackupPrefix
	}
	return legacy.DefaultBackupPrefix
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Run applies every outstanding upgrade step in order. Each flat-record step
// bumps the stored version when it completes, so an interrupted run resumes
// where it stopped. A store without a version key, or one already at the
// document version, is left alone.
func (p *Pipeline) Run(ctx context.Context) error {
	v, ok := legacy.Version(p.Store)
	if !ok || v >= state.CurrentDataVersion {
		return nil
	}
	log.Printf("migrate: legacy record at version %v", v)

	if v < 1.01 {
		if err := p.addRoundingFlags(); err != nil {
			return fmt.Errorf("add rounding flags: %w", err)
		}
		if err := legacy.SetVersion(p.Store, 1.01); err != nil {
			return err
		}
		v = 1.01
	}

	if v < 1.3 {
		// The ignore flags are scoped to the current session's questions.
		// That scope looks wrong but matches what every migrated record in
		// the field already got, so it stays.
		if err := p.addIgnoreFlags(); err != nil {
			return fmt.Errorf("add ignore flags: %w", err)
		}
		if err := p.removeRoundingFlags(); err != nil {
			return fmt.Errorf("remove rounding flags: %w", err)
		}
		if err := legacy.SetVersion(p.Store, 1.3); err != nil {
			return err
		}
		v = 1.3
	}

	if v < 1.4 {
		if err := p.addRoundingFlags(); err != nil {
			return fmt.Errorf("re-add rounding flags: %w", err)
		}
		if err := legacy.SetVersion(p.Store, 1.4); err != nil {
			return err
		}
		v = 1.4
	}

	if v < 1.5 {
		if err := p.addExtraCredit(); err != nil {
			return fmt.Errorf("add extra credit: %w", err)
		}
		if err := legacy.SetVersion(p.Store, 1.5); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	return p.transform()
}

func (p *Pipeline) addRoundingFlags() error {
	for n := 1; n <= legacy.SessionCount(p.Store); n++ {
		if err := p.Store.Set(fmt.Sprintf("session_%d_rounding", n), "false"); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) removeRoundingFlags() error {
	for n := 1; n <= legacy.SessionCount(p.Store); n++ {
		if err := p.Store.Delete(fmt.Sprintf("session_%d_rounding", n)); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) addIgnoreFlags() error {
	cur := legacy.CurrentSession(p.Store)
	for q := 1; q <= legacy.QuestionCount(p.Store, cur); q++ {
		if err := p.Store.Set(fmt.Sprintf("session_%d_question_%d_ignore", cur, q), "false"); err != nil {
			return err
		}
	}
	return nil
}

// addExtraCredit writes a zero extra-credit value for every session, using
// the current session's question and team counts for all of them. Same
// historical scope quirk as the ignore flags.
func (p *Pipeline) addExtraCredit() error {
	cur := legacy.CurrentSession(p.Store)
	questions := legacy.QuestionCount(p.Store, cur)
	teams := legacy.TeamCount(p.Store, cur)
	for n := 1; n <= legacy.SessionCount(p.Store); n++ {
		for q := 1; q <= questions; q++ {
			for t := 1; t <= teams; t++ {
				key := fmt.Sprintf("session_%d_question_%d_team_%d_extra_credit", n, q, t)
				if err := p.Store.Set(key, "0"); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// transform turns the version-1.5 flat record into the replicated document.
// The backup is written first and survives everything; a backup-write failure
// alone does not stop the migration because the legacy keys are only deleted
// after the document transaction commits.
func (p *Pipeline) transform() error {
	if key, err := legacy.WriteBackup(p.Store, p.prefix(), p.now()); err != nil {
		log.Printf("migrate: backup write failed, continuing: %v", err)
	} else {
		log.Printf("migrate: wrote backup %s", key)
	}

	snap := legacy.Export(p.Store, p.prefix())
	rec, err := legacy.Parse(snap)
	if err != nil {
		return &FatalError{Err: fmt.Errorf("parse legacy record: %w", err)}
	}

	if err := Build(p.Doc, doc.Migration(), rec); err != nil {
		return &FatalError{Err: err}
	}

	for _, key := range p.Store.Keys() {
		if legacy.IsBackupKey(p.prefix(), key) {
			continue
		}
		if err := p.Store.Delete(key); err != nil {
			// The document is already migrated; a leftover legacy key is
			// harmless because the loader checks the document first.
			log.Printf("migrate: delete legacy key %s: %v", key, err)
		}
	}
	log.Printf("migrate: document at version %v", p.Doc.DataVersion())
	return nil
}

// Build populates an empty document from a parsed flat record in one
// transaction under the given origin. Sessions named in session_names drive
// the build; stray keys for indexes beyond the named counts are dropped.
func Build(d *state.Document, origin doc.Origin, rec *legacy.Record) error {
	return d.Doc().Transact(origin, func(tx *doc.Tx) error {
		if err := d.SetDataVersion(tx, state.CurrentDataVersion); err != nil {
			return err
		}

		for n := 1; n < len(rec.SessionNames); n++ {
			if err := buildSession(d, tx, rec, n); err != nil {
				return fmt.Errorf("session %d: %w", n, err)
			}
		}

		cur := rec.CurrentSession
		if cur < 1 {
			cur = 1
		}
		if err := d.SetCurrentSession(tx, cur); err != nil {
			return err
		}
		return nil
	})
}

func buildSession(d *state.Document, tx *doc.Tx, rec *legacy.Record, n int) error {
	data := rec.Sessions[n]
	if data == nil {
		data = &legacy.SessionData{CurrentQuestion: 1}
	}

	idx, err := d.AddSession(tx, rec.SessionNames[n], data.MaxPoints)
	if err != nil {
		return err
	}
	s, ok := d.Session(idx)
	if !ok {
		return fmt.Errorf("session not readable after insert")
	}
	if err := s.SetRounding(tx, data.Rounding); err != nil {
		return err
	}

	for t := 1; t < len(data.TeamNames); t++ {
		if _, err := s.AddTeam(tx, data.TeamNames[t]); err != nil {
			return err
		}
	}

	// blocks[0] is a real entry; the legacy record names it too.
	if len(data.BlockNames) > 0 {
		b, ok := s.Block(0)
		if !ok {
			return fmt.Errorf("no-block entry missing")
		}
		if err := b.SetName(tx, data.BlockNames[0]); err != nil {
			return err
		}
	}
	for b := 1; b < len(data.BlockNames); b++ {
		if _, err := s.AddBlock(tx, data.BlockNames[b]); err != nil {
			return err
		}
	}

	for q := 1; q < len(data.QuestionNames); q++ {
		if _, err := s.AddQuestion(tx, data.QuestionNames[q]); err != nil {
			return err
		}
		qd := data.Questions[q]
		if qd == nil {
			continue
		}
		question, ok := s.Question(q)
		if !ok {
			return fmt.Errorf("question %d not readable after insert", q)
		}
		if err := question.SetScore(tx, qd.Score); err != nil {
			return err
		}
		if err := question.SetBlock(tx, qd.Block); err != nil {
			return err
		}
		if err := question.SetIgnore(tx, qd.Ignore); err != nil {
			return err
		}
		for t := 1; t <= s.TeamCount(); t++ {
			tsd := qd.TeamScores[t]
			if tsd == nil {
				continue
			}
			ts, ok := question.TeamScore(t)
			if !ok {
				return fmt.Errorf("question %d team %d slot missing", q, t)
			}
			if err := ts.SetScore(tx, tsd.Score); err != nil {
				return err
			}
			if err := ts.SetExtraCredit(tx, tsd.ExtraCredit); err != nil {
				return err
			}
		}
	}

	if data.CurrentQuestion >= 1 && data.CurrentQuestion <= s.QuestionCount() {
		if err := s.SetCurrentQuestion(tx, data.CurrentQuestion); err != nil {
			return err
		}
	}
	return nil
}
