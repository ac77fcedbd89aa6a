package session

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kotoba-cbt/kotoba-backend/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a settable Clock for deterministic timer tests.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

// fixture is a 4-section exam: two questions per section, section 3 all
// audio, 60 minute timer.
type fixture struct {
	exam      *model.Exam
	questions []model.CandidateQuestion
	qids      map[int][]uuid.UUID // section → ordered question ids
}

func newFixture() *fixture {
	f := &fixture{
		exam: &model.Exam{
			ID:              uuid.New(),
			Title:           "N3 Mock",
			DurationMinutes: 60,
			Status:          model.ExamStatusPublished,
			Sections: []model.Section{
				{Number: 1, Title: "Vocabulary"},
				{Number: 2, Title: "Grammar & Reading"},
				{Number: 3, Title: "Listening"},
				{Number: 4, Title: "Reading II"},
			},
		},
		qids: make(map[int][]uuid.UUID),
	}

	for section := 1; section <= 4; section++ {
		for i := 0; i < 2; i++ {
			q := model.CandidateQuestion{
				ID:            uuid.New(),
				SectionNumber: section,
				Type:          model.QuestionTypeText,
				ContentText:   "question",
				Options:       []string{"a", "b", "c", "d"},
				QuestionOrder: i,
			}
			if section == 3 {
				q.Type = model.QuestionTypeAudio
				url := "https://cdn.example.com/audio.mp3"
				q.AudioURL = &url
			}
			f.questions = append(f.questions, q)
			f.qids[section] = append(f.qids[section], q.ID)
		}
	}
	return f
}

func (f *fixture) attempt(start time.Time) *model.Attempt {
	return &model.Attempt{
		ID:               uuid.New(),
		ExamID:           f.exam.ID,
		UserID:           7,
		CurrentSection:   1,
		Answers:          map[string]string{},
		AudioPlayCount:   map[string]int{},
		SectionFinished:  map[string]bool{},
		FlaggedQuestions: []string{},
		StartedAt:        start,
	}
}

func (f *fixture) session(clock Clock) *Session {
	catalog := NewCatalog(f.exam, f.questions)
	var start time.Time
	if fc, ok := clock.(*fakeClock); ok {
		start = fc.now
	} else {
		start = clock.Now()
	}
	return New(f.attempt(start), catalog, clock)
}

func TestSelectAnswer_CurrentSectionOnly(t *testing.T) {
	f := newFixture()
	s := f.session(&fakeClock{now: time.Now()})

	inSection := f.qids[1][0]
	foreign := f.qids[2][0]

	s.SelectAnswer(inSection, "a")
	s.SelectAnswer(foreign, "a")

	answers := s.Answers()
	assert.Equal(t, "a", answers[inSection.String()])
	assert.NotContains(t, answers, foreign.String())
}

func TestSelectAnswer_RejectsUnknownOptionAndQuestion(t *testing.T) {
	f := newFixture()
	s := f.session(&fakeClock{now: time.Now()})

	qid := f.qids[1][0]
	s.SelectAnswer(qid, "z")
	s.SelectAnswer(uuid.New(), "a")

	assert.Empty(t, s.Answers())
}

func TestSelectAnswer_OverwriteIsLastWriteWins(t *testing.T) {
	f := newFixture()
	s := f.session(&fakeClock{now: time.Now()})

	qid := f.qids[1][0]
	s.SelectAnswer(qid, "a")
	s.SelectAnswer(qid, "c")

	assert.Equal(t, "c", s.Answers()[qid.String()])
}

func TestPlayAudio_CapAtTwo(t *testing.T) {
	f := newFixture()
	s := f.session(&fakeClock{now: time.Now()})

	// Advance into the listening section.
	s.FinishSection(true)
	s.AcknowledgeTransition()
	s.FinishSection(true)
	s.AcknowledgeTransition()
	require.Equal(t, 3, s.CurrentSection())

	qid := f.qids[3][0]
	s.PlayAudio(qid)
	s.PlayAudio(qid)
	s.PlayAudio(qid) // beyond the cap: silent no-op

	assert.Equal(t, AudioPlayCap, s.AudioPlays(qid))
}

func TestPlayAudio_NonAudioIgnored(t *testing.T) {
	f := newFixture()
	s := f.session(&fakeClock{now: time.Now()})

	qid := f.qids[1][0] // text question
	s.PlayAudio(qid)

	assert.Zero(t, s.AudioPlays(qid))
}

func TestListeningSection_IsOneWay(t *testing.T) {
	f := newFixture()
	s := f.session(&fakeClock{now: time.Now()})

	s.FinishSection(true)
	s.AcknowledgeTransition()
	s.FinishSection(true)
	s.AcknowledgeTransition()
	require.Equal(t, ListeningSection, s.CurrentSection())

	s.Next()
	require.Equal(t, 1, s.Index())

	s.Previous() // forbidden in listening
	assert.Equal(t, 1, s.Index())

	s.JumpTo(0) // forbidden in listening
	assert.Equal(t, 1, s.Index())

	s.ToggleFlag(f.qids[3][1]) // flagging not offered in listening
	assert.False(t, s.Flagged(f.qids[3][1]))
}

func TestNavigation_ClampedToSectionBounds(t *testing.T) {
	f := newFixture()
	s := f.session(&fakeClock{now: time.Now()})

	s.Previous()
	assert.Equal(t, 0, s.Index())

	s.Next()
	s.Next()
	s.Next()
	assert.Equal(t, 1, s.Index()) // two questions per section

	s.JumpTo(99)
	assert.Equal(t, 1, s.Index())

	s.JumpTo(0)
	assert.Equal(t, 0, s.Index())
}

func TestToggleFlag_Toggles(t *testing.T) {
	f := newFixture()
	s := f.session(&fakeClock{now: time.Now()})

	qid := f.qids[1][0]
	s.ToggleFlag(qid)
	assert.True(t, s.Flagged(qid))

	s.ToggleFlag(qid)
	assert.False(t, s.Flagged(qid))
}

func TestFinishSection_RequiresConfirmation(t *testing.T) {
	f := newFixture()
	s := f.session(&fakeClock{now: time.Now()})

	assert.False(t, s.FinishSection(false))
	assert.Equal(t, 1, s.CurrentSection())
	assert.Equal(t, PhaseInSection, s.Phase())
}

func TestFinishSection_IsIrreversible(t *testing.T) {
	f := newFixture()
	s := f.session(&fakeClock{now: time.Now()})

	s.FinishSection(true)
	assert.Equal(t, PhaseTransition, s.Phase())
	assert.Equal(t, 2, s.CurrentSection())
	assert.True(t, s.SectionFinished(1))

	s.AcknowledgeTransition()
	assert.Equal(t, PhaseInSection, s.Phase())

	// Answering into the closed section is a no-op.
	s.SelectAnswer(f.qids[1][0], "a")
	assert.Empty(t, s.Answers())
}

func TestFinishSection_DuringTransitionIsNoOp(t *testing.T) {
	f := newFixture()
	s := f.session(&fakeClock{now: time.Now()})

	s.FinishSection(true)
	require.Equal(t, PhaseTransition, s.Phase())

	assert.False(t, s.FinishSection(true))
	assert.Equal(t, 2, s.CurrentSection())
}

func TestFinishLastSection_FiresLatchOnce(t *testing.T) {
	f := newFixture()
	s := f.session(&fakeClock{now: time.Now()})

	for i := 0; i < 3; i++ {
		require.False(t, s.FinishSection(true))
		s.AcknowledgeTransition()
	}
	require.Equal(t, 4, s.CurrentSection())

	assert.True(t, s.FinishSection(true))
	assert.Equal(t, PhaseSubmitted, s.Phase())

	// Every later trigger is a no-op.
	assert.False(t, s.FinishSection(true))
	assert.False(t, s.ExpireIfDue())
}

func TestRemaining_DerivedFromClock(t *testing.T) {
	f := newFixture()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	s := f.session(clock)

	assert.Equal(t, 60*time.Minute, s.Remaining())

	clock.advance(25 * time.Minute)
	assert.Equal(t, 35*time.Minute, s.Remaining())

	clock.advance(40 * time.Minute)
	assert.Equal(t, time.Duration(0), s.Remaining())
}

func TestRemaining_SurvivesReload(t *testing.T) {
	f := newFixture()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	catalog := NewCatalog(f.exam, f.questions)
	attempt := f.attempt(clock.now)

	s1 := New(attempt, catalog, clock)
	clock.advance(10 * time.Minute)

	// A reload builds a fresh session from the same durable attempt; the
	// remaining time must not reset.
	s2 := New(attempt, catalog, clock)
	assert.Equal(t, s1.Remaining(), s2.Remaining())
	assert.Equal(t, 50*time.Minute, s2.Remaining())
}

func TestExpireIfDue_ForceSubmitsOnce(t *testing.T) {
	f := newFixture()
	clock := &fakeClock{now: time.Now()}
	s := f.session(clock)

	s.SelectAnswer(f.qids[1][0], "b")
	assert.False(t, s.ExpireIfDue())

	clock.advance(61 * time.Minute)

	assert.True(t, s.ExpireIfDue())
	assert.Equal(t, PhaseSubmitted, s.Phase())
	for n := 1; n <= 4; n++ {
		assert.True(t, s.SectionFinished(n), "section %d", n)
	}

	// Next tick crosses zero again; the latch holds.
	assert.False(t, s.ExpireIfDue())

	// The recorded answer survives the forced close.
	assert.Equal(t, "b", s.Answers()[f.qids[1][0].String()])
}

func TestExpireIfDue_DuringTransition(t *testing.T) {
	f := newFixture()
	clock := &fakeClock{now: time.Now()}
	s := f.session(clock)

	s.FinishSection(true)
	require.Equal(t, PhaseTransition, s.Phase())

	clock.advance(2 * time.Hour)
	assert.True(t, s.ExpireIfDue())
	assert.Equal(t, PhaseSubmitted, s.Phase())
}

func TestNew_ReconcilesStoredProgress(t *testing.T) {
	f := newFixture()
	clock := &fakeClock{now: time.Now()}
	catalog := NewCatalog(f.exam, f.questions)

	attempt := f.attempt(clock.now.Add(-5 * time.Minute))
	attempt.CurrentSection = 2
	attempt.Answers = map[string]string{
		f.qids[2][0].String(): "a",
		"not-a-uuid":          "a",
		uuid.New().String():   "a", // unknown question: dropped
	}
	attempt.AudioPlayCount = map[string]int{
		f.qids[3][0].String(): 9, // corrupted count: clamped to the cap
	}
	attempt.SectionFinished = map[string]bool{"1": true}
	attempt.FlaggedQuestions = []string{f.qids[2][1].String()}

	s := New(attempt, catalog, clock)

	assert.Equal(t, 2, s.CurrentSection())
	assert.Equal(t, PhaseInSection, s.Phase())
	// First unanswered question of section 2 is index 1.
	assert.Equal(t, 1, s.Index())
	assert.True(t, s.SectionFinished(1))
	assert.True(t, s.Flagged(f.qids[2][1]))
	assert.Equal(t, AudioPlayCap, s.AudioPlays(f.qids[3][0]))

	answers := s.Answers()
	assert.Len(t, answers, 1)
	assert.Equal(t, "a", answers[f.qids[2][0].String()])
}

func TestNew_SubmittedAttemptIsTerminal(t *testing.T) {
	f := newFixture()
	clock := &fakeClock{now: time.Now()}
	attempt := f.attempt(clock.now)
	submittedAt := clock.now
	attempt.SubmittedAt = &submittedAt

	s := New(attempt, NewCatalog(f.exam, f.questions), clock)

	assert.Equal(t, PhaseSubmitted, s.Phase())
	assert.False(t, s.FinishSection(true))
	s.SelectAnswer(f.qids[1][0], "a")
	assert.Empty(t, s.Answers())
}

func TestNew_FinishedSectionsStayClosedAfterReload(t *testing.T) {
	f := newFixture()
	clock := &fakeClock{now: time.Now()}

	// The terminal snapshot landed but the grading write never did: every
	// section finished, current at the last, submitted_at unset.
	attempt := f.attempt(clock.now.Add(-30 * time.Minute))
	attempt.CurrentSection = 4
	attempt.SectionFinished = map[string]bool{"1": true, "2": true, "3": true, "4": true}

	s := New(attempt, NewCatalog(f.exam, f.questions), clock)

	// The finished last section must not accept answers again.
	s.SelectAnswer(f.qids[4][0], "a")
	s.ToggleFlag(f.qids[4][0])
	assert.Empty(t, s.Answers())
	assert.False(t, s.Flagged(f.qids[4][0]))

	// Re-confirming fires the grading again exactly once.
	assert.True(t, s.FinishSection(true))
	assert.Equal(t, PhaseSubmitted, s.Phase())
	assert.False(t, s.FinishSection(true))
}

func TestSnapshot_CarriesFullState(t *testing.T) {
	f := newFixture()
	clock := &fakeClock{now: time.Now()}
	s := f.session(clock)

	s.SelectAnswer(f.qids[1][0], "d")
	s.ToggleFlag(f.qids[1][1])
	s.FinishSection(true)

	p := s.Snapshot()
	assert.Equal(t, s.AttemptID(), p.AttemptID)
	assert.Equal(t, f.exam.ID, p.ExamID)
	assert.Equal(t, 7, p.UserID)
	assert.Equal(t, 2, p.CurrentSection)
	assert.Equal(t, "d", p.Answers[f.qids[1][0].String()])
	assert.True(t, p.SectionFinished["1"])
	assert.Contains(t, p.FlaggedQuestions, f.qids[1][1].String())
}

func TestTakeSnapshotIfDirty(t *testing.T) {
	f := newFixture()
	s := f.session(&fakeClock{now: time.Now()})

	assert.Nil(t, s.TakeSnapshotIfDirty())

	s.SelectAnswer(f.qids[1][0], "a")
	p := s.TakeSnapshotIfDirty()
	assert.NotNil(t, p)

	// Clean again until the next mutation.
	assert.Nil(t, s.TakeSnapshotIfDirty())

	// Navigation alone is not persisted state.
	s.Next()
	assert.Nil(t, s.TakeSnapshotIfDirty())
}
