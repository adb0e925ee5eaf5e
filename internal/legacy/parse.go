package legacy

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
)

// Key grammar of the flat record. Index segments are 1-based for sessions,
// questions and teams; blocks are referenced by value, not by key.
var (
	reSessionField  = regexp.MustCompile(`^session_(\d+)_(max_points_per_question|rounding|current_question|team_names|block_names|question_names)$`)
	reQuestionField = regexp.MustCompile(`^session_(\d+)_question_(\d+)_(score|block|ignore)$`)
	reTeamField     = regexp.MustCompile(`^session_(\d+)_question_(\d+)_team_(\d+)_(score|extra_credit)$`)
)

// Record is the fully parsed flat record, the input of the structural
// transform and of import validation.
type Record struct {
	DataVersion    float64
	CurrentSession int
	// SessionNames keeps the raw array including the index-0 placeholder.
	SessionNames []string
	Sessions     map[int]*SessionData
}

type SessionData struct {
	MaxPoints       float64
	Rounding        bool
	CurrentQuestion int
	TeamNames       []string
	BlockNames      []string
	QuestionNames   []string
	Questions       map[int]*QuestionData
}

type QuestionData struct {
	Score      float64
	Block      int
	Ignore     bool
	TeamScores map[int]*TeamScoreData
}

type TeamScoreData struct {
	Score       float64
	ExtraCredit float64
}

// SessionCount reads the number of real sessions from the store's
// session_names array (index 0 is the placeholder).
func SessionCount(s Store) int {
	names, err := stringArray(s, "session_names")
	if err != nil || len(names) == 0 {
		return 0
	}
	return len(names) - 1
}

// QuestionCount reads the number of real questions of session n.
func QuestionCount(s Store, n int) int {
	names, err := stringArray(s, fmt.Sprintf("session_%d_question_names", n))
	if err != nil || len(names) == 0 {
		return 0
	}
	return len(names) - 1
}

// TeamCount reads the number of real teams of session n.
func TeamCount(s Store, n int) int {
	names, err := stringArray(s, fmt.Sprintf("session_%d_team_names", n))
	if err != nil || len(names) == 0 {
		return 0
	}
	return len(names) - 1
}

// CurrentSession reads the current_session pointer, defaulting to 1.
func CurrentSession(s Store) int {
	raw, ok := s.Get("current_session")
	if !ok {
		return 1
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func stringArray(s Store, key string) ([]string, error) {
	raw, ok := s.Get(key)
	if !ok {
		return nil, fmt.Errorf("key %s missing", key)
	}
	return parseStringArray(raw)
}

func parseStringArray(raw string) ([]string, error) {
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("parse array: %w", err)
	}
	return out, nil
}

// Parse turns a snapshot into a typed Record. It is strict: every key must
// belong to the grammar and every field must parse, otherwise an error
// identifying the offending key is returned.
func Parse(snap map[string]string) (*Record, error) {
	rec := &Record{Sessions: make(map[int]*SessionData)}

	session := func(n int) *SessionData {
		s, ok := rec.Sessions[n]
		if !ok {
			s = &SessionData{CurrentQuestion: 1, Questions: make(map[int]*QuestionData)}
			rec.Sessions[n] = s
		}
		return s
	}
	question := func(n, q int) *QuestionData {
		s := session(n)
		qd, ok := s.Questions[q]
		if !ok {
			qd = &QuestionData{TeamScores: make(map[int]*TeamScoreData)}
			s.Questions[q] = qd
		}
		return qd
	}
	teamScore := func(n, q, t int) *TeamScoreData {
		qd := question(n, q)
		ts, ok := qd.TeamScores[t]
		if !ok {
			ts = &TeamScoreData{}
			qd.TeamScores[t] = ts
		}
		return ts
	}

	for key, raw := range snap {
		switch key {
		case VersionKey:
			v, err := parseNonNegative(raw)
			if err != nil {
				return nil, fmt.Errorf("key %s: %w", key, err)
			}
			rec.DataVersion = v
			continue
		case "current_session":
			n, err := parsePositiveInt(raw)
			if err != nil {
				return nil, fmt.Errorf("key %s: %w", key, err)
			}
			rec.CurrentSession = n
			continue
		case "session_names":
			names, err := parseStringArray(raw)
			if err != nil {
				return nil, fmt.Errorf("key %s: %w", key, err)
			}
			rec.SessionNames = names
			continue
		}

		if m := reSessionField.FindStringSubmatch(key); m != nil {
			n, _ := strconv.Atoi(m[1])
			s := session(n)
			var err error
			switch m[2] {
			case "max_points_per_question":
				s.MaxPoints, err = parseNonNegative(raw)
			case "rounding":
				s.Rounding, err = parseBool(raw)
			case "current_question":
				s.CurrentQuestion, err = parsePositiveInt(raw)
			case "team_names":
				s.TeamNames, err = parseStringArray(raw)
			case "block_names":
				s.BlockNames, err = parseStringArray(raw)
			case "question_names":
				s.QuestionNames, err = parseStringArray(raw)
			}
			if err != nil {
				return nil, fmt.Errorf("key %s: %w", key, err)
			}
			continue
		}

		if m := reQuestionField.FindStringSubmatch(key); m != nil {
			n, _ := strconv.Atoi(m[1])
			q, _ := strconv.Atoi(m[2])
			qd := question(n, q)
			var err error
			switch m[3] {
			case "score":
				qd.Score, err = parseNonNegative(raw)
			case "block":
				var f float64
				f, err = parseNonNegative(raw)
				qd.Block = int(f)
			case "ignore":
				qd.Ignore, err = parseBool(raw)
			}
			if err != nil {
				return nil, fmt.Errorf("key %s: %w", key, err)
			}
			continue
		}

		if m := reTeamField.FindStringSubmatch(key); m != nil {
			n, _ := strconv.Atoi(m[1])
			q, _ := strconv.Atoi(m[2])
			t, _ := strconv.Atoi(m[3])
			ts := teamScore(n, q, t)
			var err error
			switch m[4] {
			case "score":
				ts.Score, err = parseNonNegative(raw)
			case "extra_credit":
				ts.ExtraCredit, err = parseNonNegative(raw)
			}
			if err != nil {
				return nil, fmt.Errorf("key %s: %w", key, err)
			}
			continue
		}

		return nil, fmt.Errorf("unexpected key %s", key)
	}

	if rec.CurrentSession == 0 {
		rec.CurrentSession = 1
	}
	return rec, nil
}

func parseNonNegative(raw string) (float64, error) {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", raw)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative value: %q", raw)
	}
	return v, nil
}

func parsePositiveInt(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("not an integer: %q", raw)
	}
	if n < 1 {
		return 0, fmt.Errorf("must be >= 1: %q", raw)
	}
	return n, nil
}

func parseBool(raw string) (bool, error) {
	switch raw {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, fmt.Errorf("not a boolean: %q", raw)
	}
}
