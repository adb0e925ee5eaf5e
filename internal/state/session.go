package state

import (
	"fmt"

	"tally/internal/doc"
)

// Session field names.
const (
	keyName            = "name"
	keyConfig          = "config"
	keyMaxPoints       = "maxPointsPerQuestion"
	keyRounding        = "rounding"
	keyTeams           = "teams"
	keyBlocks          = "blocks"
	keyQuestions       = "questions"
	keyCurrentQuestion = "currentQuestion"
	keyScore           = "score"
	keyBlock           = "block"
	keyIgnore          = "ignore"
	keyExtraCredit     = "extraCredit"
)

// Session is the lens over one SessionRecord.
type Session struct {
	m *doc.Map
}

func (s Session) Name() string {
	name, _ := s.m.String(keyName)
	return name
}

func (s Session) SetName(tx *doc.Tx, name string) error {
	return s.m.Set(tx, keyName, name)
}

func (s Session) config() *doc.Map {
	cfg, _ := s.m.ChildMap(keyConfig)
	return cfg
}

func (s Session) MaxPoints() float64 {
	v, _ := s.config().Float(keyMaxPoints)
	return v
}

func (s Session) SetMaxPoints(tx *doc.Tx, v float64) error {
	return s.config().Set(tx, keyMaxPoints, v)
}

func (s Session) Rounding() bool {
	v, _ := s.config().Bool(keyRounding)
	return v
}

func (s Session) SetRounding(tx *doc.Tx, v bool) error {
	return s.config().Set(tx, keyRounding, v)
}

func (s Session) CurrentQuestion() int {
	n, ok := s.m.Int(keyCurrentQuestion)
	if !ok || n < 1 {
		return 1
	}
	return n
}

func (s Session) SetCurrentQuestion(tx *doc.Tx, n int) error {
	if n < 1 || n > s.QuestionCount() {
		return fmt.Errorf("question index %d out of range [1,%d]", n, s.QuestionCount())
	}
	return s.m.Set(tx, keyCurrentQuestion, n)
}

func (s Session) teams() *doc.Array {
	a, _ := s.m.ChildArray(keyTeams)
	return a
}

func (s Session) blocks() *doc.Array {
	a, _ := s.m.ChildArray(keyBlocks)
	return a
}

func (s Session) questions() *doc.Array {
	a, _ := s.m.ChildArray(keyQuestions)
	return a
}

// TeamCount excludes the index-0 placeholder.
func (s Session) TeamCount() int {
	n := s.teams().Len() - 1
	if n < 0 {
		return 0
	}
	return n
}

func (s Session) Team(i int) (Team, bool) {
	if i < 1 {
		return Team{}, false
	}
	m, ok := s.teams().ChildMap(i)
	if !ok {
		return Team{}, false
	}
	return Team{m: m}, true
}

// BlockCount counts all blocks: index 0 is the real "no block" entry.
func (s Session) BlockCount() int {
	return s.blocks().Len()
}

func (s Session) Block(i int) (Block, bool) {
	m, ok := s.blocks().ChildMap(i)
	if !ok {
		return Block{}, false
	}
	return Block{m: m}, true
}

// QuestionCount excludes the index-0 placeholder.
func (s Session) QuestionCount() int {
	n := s.questions().Len() - 1
	if n < 0 {
		return 0
	}
	return n
}

func (s Session) Question(i int) (Question, bool) {
	if i < 1 {
		return Question{}, false
	}
	m, ok := s.questions().ChildMap(i)
	if !ok {
		return Question{}, false
	}
	return Question{m: m}, true
}

// AddTeam appends a team and gives every question a zeroed score slot for
// it, keeping the per-question team sequences aligned with the team list.
func (s Session) AddTeam(tx *doc.Tx, name string) (int, error) {
	index := s.teams().Len()
	if err := s.teams().Push(tx, NewTeamValue(name)); err != nil {
		return 0, err
	}
	for q := 1; q <= s.QuestionCount(); q++ {
		question, ok := s.Question(q)
		if !ok {
			continue
		}
		if err := question.teamScores().Push(tx, NewTeamScoreValue(0, 0)); err != nil {
			return 0, err
		}
	}
	return index, nil
}

func (s Session) AddBlock(tx *doc.Tx, name string) (int, error) {
	index := s.blocks().Len()
	if err := s.blocks().Push(tx, NewBlockValue(name)); err != nil {
		return 0, err
	}
	return index, nil
}

// AddQuestion appends a question with one zeroed score slot per team.
func (s Session) AddQuestion(tx *doc.Tx, name string) (int, error) {
	index := s.questions().Len()
	if err := s.questions().Push(tx, NewQuestionValue(name, s.TeamCount())); err != nil {
		return 0, err
	}
	return index, nil
}

// Team is the lens over one TeamRecord.
type Team struct {
	m *doc.Map
}

func (t Team) Name() string {
	name, _ := t.m.String(keyName)
	return name
}

func (t Team) SetName(tx *doc.Tx, name string) error {
	return t.m.Set(tx, keyName, name)
}

// Block is the lens over one BlockRecord.
type Block struct {
	m *doc.Map
}

func (b Block) Name() string {
	name, _ := b.m.String(keyName)
	return name
}

func (b Block) SetName(tx *doc.Tx, name string) error {
	return b.m.Set(tx, keyName, name)
}

// Question is the lens over one QuestionRecord.
type Question struct {
	m *doc.Map
}

func (q Question) Name() string {
	name, _ := q.m.String(keyName)
	return name
}

func (q Question) SetName(tx *doc.Tx, name string) error {
	return q.m.Set(tx, keyName, name)
}

func (q Question) Score() float64 {
	v, _ := q.m.Float(keyScore)
	return v
}

func (q Question) SetScore(tx *doc.Tx, v float64) error {
	if v < 0 {
		return fmt.Errorf("score must be >= 0, got %v", v)
	}
	return q.m.Set(tx, keyScore, v)
}

// Block returns the index into the session's block list.
func (q Question) Block() int {
	n, _ := q.m.Int(keyBlock)
	return n
}

func (q Question) SetBlock(tx *doc.Tx, i int) error {
	return q.m.Set(tx, keyBlock, i)
}

func (q Question) Ignore() bool {
	v, _ := q.m.Bool(keyIgnore)
	return v
}

func (q Question) SetIgnore(tx *doc.Tx, v bool) error {
	return q.m.Set(tx, keyIgnore, v)
}

func (q Question) teamScores() *doc.Array {
	a, _ := q.m.ChildArray(keyTeams)
	return a
}

// TeamScoreCount excludes the index-0 placeholder.
func (q Question) TeamScoreCount() int {
	n := q.teamScores().Len() - 1
	if n < 0 {
		return 0
	}
	return n
}

func (q Question) TeamScore(i int) (TeamScore, bool) {
	if i < 1 {
		return TeamScore{}, false
	}
	m, ok := q.teamScores().ChildMap(i)
	if !ok {
		return TeamScore{}, false
	}
	return TeamScore{m: m}, true
}

// TeamScore is the lens over one TeamScoreRecord.
type TeamScore struct {
	m *doc.Map
}

func (t TeamScore) Score() float64 {
	v, _ := t.m.Float(keyScore)
	return v
}

func (t TeamScore) SetScore(tx *doc.Tx, v float64) error {
	if v < 0 {
		return fmt.Errorf("score must be >= 0, got %v", v)
	}
	return t.m.Set(tx, keyScore, v)
}

func (t TeamScore) ExtraCredit() float64 {
	v, _ := t.m.Float(keyExtraCredit)
	return v
}

func (t TeamScore) SetExtraCredit(tx *doc.Tx, v float64) error {
	if v < 0 {
		return fmt.Errorf("extra credit must be >= 0, got %v", v)
	}
	return t.m.Set(tx, keyExtraCredit, v)
}

// NewSessionValue builds a detached SessionRecord with the placeholder
// conventions in place: placeholder teams/questions/team-scores at index 0,
// a real "no block" entry at blocks[0].
func NewSessionValue(name string, maxPoints float64) *doc.Map {
	config := doc.NewMap()
	_ = config.Set(nil, keyMaxPoints, maxPoints)
	_ = config.Set(nil, keyRounding, false)

	teams := doc.NewArray()
	_ = teams.Push(nil, nil)

	blocks := doc.NewArray()
	_ = blocks.Push(nil, NewBlockValue("No block"))

	questions := doc.NewArray()
	_ = questions.Push(nil, nil)

	session := doc.NewMap()
	_ = session.Set(nil, keyName, name)
	_ = session.Set(nil, keyConfig, config)
	_ = session.Set(nil, keyTeams, teams)
	_ = session.Set(nil, keyBlocks, blocks)
	_ = session.Set(nil, keyQuestions, questions)
	_ = session.Set(nil, keyCurrentQuestion, 1)
	return session
}

func NewTeamValue(name string) *doc.Map {
	team := doc.NewMap()
	_ = team.Set(nil, keyName, name)
	return team
}

func NewBlockValue(name string) *doc.Map {
	block := doc.NewMap()
	_ = block.Set(nil, keyName, name)
	return block
}

// NewQuestionValue builds a detached QuestionRecord with one zeroed score
// slot per team after the placeholder.
func NewQuestionValue(name string, teamCount int) *doc.Map {
	teams := doc.NewArray()
	_ = teams.Push(nil, nil)
	for i := 0; i < teamCount; i++ {
		_ = teams.Push(nil, NewTeamScoreValue(0, 0))
	}

	question := doc.NewMap()
	_ = question.Set(nil, keyName, name)
	_ = question.Set(nil, keyScore, 0)
	_ = question.Set(nil, keyBlock, 0)
	_ = question.Set(nil, keyIgnore, false)
	_ = question.Set(nil, keyTeams, teams)
	return question
}

func NewTeamScoreValue(score, extraCredit float64) *doc.Map {
	ts := doc.NewMap()
	_ = ts.Set(nil, keyScore, score)
	_ = ts.Set(nil, keyExtraCredit, extraCredit)
	return ts
}
