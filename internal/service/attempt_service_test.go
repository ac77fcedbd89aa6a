package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kotoba-cbt/kotoba-backend/internal/model"
	"github.com/kotoba-cbt/kotoba-backend/internal/repository"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Mocks
// ============================================================================

type MockAttemptStore struct {
	mock.Mock
}

func (m *MockAttemptStore) Create(ctx context.Context, a *model.Attempt) error {
	args := m.Called(ctx, a)
	return args.Error(0)
}

func (m *MockAttemptStore) GetByExamAndUser(ctx context.Context, examID uuid.UUID, userID int) (*model.Attempt, error) {
	args := m.Called(ctx, examID, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Attempt), args.Error(1)
}

func (m *MockAttemptStore) SaveProgress(ctx context.Context, p *model.AttemptProgress) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func (m *MockAttemptStore) Submit(ctx context.Context, attemptID uuid.UUID, sectionScores map[string]float64, total float64, sectionFinished map[string]bool, lastSection int) (bool, error) {
	args := m.Called(ctx, attemptID, sectionScores, total, sectionFinished, lastSection)
	return args.Bool(0), args.Error(1)
}

func (m *MockAttemptStore) ListByUser(ctx context.Context, userID int) ([]model.Attempt, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Attempt), args.Error(1)
}

func (m *MockAttemptStore) ListByExam(ctx context.Context, examID uuid.UUID, limit, offset int) ([]repository.AttemptResult, int, error) {
	args := m.Called(ctx, examID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Int(1), args.Error(2)
	}
	return args.Get(0).([]repository.AttemptResult), args.Int(1), args.Error(2)
}

type MockCatalogSource struct {
	mock.Mock
}

func (m *MockCatalogSource) GetExam(ctx context.Context, id uuid.UUID) (*model.Exam, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Exam), args.Error(1)
}

func (m *MockCatalogSource) ListPublished(ctx context.Context) ([]model.Exam, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Exam), args.Error(1)
}

func (m *MockCatalogSource) GetPaper(ctx context.Context, examID uuid.UUID) (*model.ExamPaper, error) {
	args := m.Called(ctx, examID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ExamPaper), args.Error(1)
}

func (m *MockCatalogSource) PrivilegedQuestions(ctx context.Context, examID uuid.UUID) ([]model.Question, error) {
	args := m.Called(ctx, examID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Question), args.Error(1)
}

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

// ============================================================================
// Fixtures
// ============================================================================

// unreachableRedis returns a client whose commands fail immediately. The
// attempt service treats Redis as best effort on every path under test.
func unreachableRedis() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:            "127.0.0.1:1",
		DialTimeout:     10 * time.Millisecond,
		MaxRetries:      -1,
		PoolTimeout:     10 * time.Millisecond,
		ConnMaxIdleTime: time.Millisecond,
	})
}

func testExam() *model.Exam {
	return &model.Exam{
		ID:              uuid.New(),
		Title:           "N3 Mock",
		DurationMinutes: 60,
		Status:          model.ExamStatusPublished,
		Sections: []model.Section{
			{Number: 1, Title: "Vocabulary"},
			{Number: 2, Title: "Grammar"},
			{Number: 3, Title: "Listening"},
			{Number: 4, Title: "Reading"},
		},
	}
}

func testService(attempts *MockAttemptStore, catalog *MockCatalogSource, now time.Time) *AttemptService {
	return NewAttemptService(attempts, catalog, unreachableRedis(), fixedClock{now: now}, zerolog.Nop())
}

func activeAttempt(exam *model.Exam, userID int, startedAt time.Time) *model.Attempt {
	return &model.Attempt{
		ID:               uuid.New(),
		ExamID:           exam.ID,
		UserID:           userID,
		CurrentSection:   1,
		Answers:          map[string]string{},
		AudioPlayCount:   map[string]int{},
		SectionFinished:  map[string]bool{},
		FlaggedQuestions: []string{},
		StartedAt:        startedAt,
	}
}

// ============================================================================
// Enter
// ============================================================================

func TestEnter_CreatesNewAttempt(t *testing.T) {
	attempts := new(MockAttemptStore)
	catalog := new(MockCatalogSource)
	exam := testExam()
	svc := testService(attempts, catalog, time.Now())

	catalog.On("GetExam", mock.Anything, exam.ID).Return(exam, nil)
	attempts.On("GetByExamAndUser", mock.Anything, exam.ID, 7).Return(nil, pgx.ErrNoRows)
	attempts.On("Create", mock.Anything, mock.MatchedBy(func(a *model.Attempt) bool {
		return a.ExamID == exam.ID && a.UserID == 7
	})).Return(nil)

	attempt, err := svc.Enter(context.Background(), exam.ID, 7)

	require.NoError(t, err)
	assert.Equal(t, exam.ID, attempt.ExamID)
	attempts.AssertExpectations(t)
}

func TestEnter_ResumesExistingAttempt(t *testing.T) {
	attempts := new(MockAttemptStore)
	catalog := new(MockCatalogSource)
	exam := testExam()
	svc := testService(attempts, catalog, time.Now())

	existing := activeAttempt(exam, 7, time.Now().Add(-5*time.Minute))
	catalog.On("GetExam", mock.Anything, exam.ID).Return(exam, nil)
	attempts.On("GetByExamAndUser", mock.Anything, exam.ID, 7).Return(existing, nil)

	attempt, err := svc.Enter(context.Background(), exam.ID, 7)

	require.NoError(t, err)
	assert.Equal(t, existing.ID, attempt.ID)
	attempts.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestEnter_RefusesSubmittedAttempt(t *testing.T) {
	attempts := new(MockAttemptStore)
	catalog := new(MockCatalogSource)
	exam := testExam()
	svc := testService(attempts, catalog, time.Now())

	submitted := activeAttempt(exam, 7, time.Now().Add(-2*time.Hour))
	at := time.Now().Add(-time.Hour)
	submitted.SubmittedAt = &at

	catalog.On("GetExam", mock.Anything, exam.ID).Return(exam, nil)
	attempts.On("GetByExamAndUser", mock.Anything, exam.ID, 7).Return(submitted, nil)

	_, err := svc.Enter(context.Background(), exam.ID, 7)
	assert.ErrorIs(t, err, ErrAlreadyAttempted)
}

func TestEnter_RefusesUnpublishedExam(t *testing.T) {
	attempts := new(MockAttemptStore)
	catalog := new(MockCatalogSource)
	exam := testExam()
	exam.Status = model.ExamStatusDraft
	svc := testService(attempts, catalog, time.Now())

	catalog.On("GetExam", mock.Anything, exam.ID).Return(exam, nil)

	_, err := svc.Enter(context.Background(), exam.ID, 7)
	assert.ErrorIs(t, err, ErrExamNotPublished)
}

func TestEnter_LosingCreateRaceResumes(t *testing.T) {
	attempts := new(MockAttemptStore)
	catalog := new(MockCatalogSource)
	exam := testExam()
	svc := testService(attempts, catalog, time.Now())

	winner := activeAttempt(exam, 7, time.Now())
	catalog.On("GetExam", mock.Anything, exam.ID).Return(exam, nil)
	attempts.On("GetByExamAndUser", mock.Anything, exam.ID, 7).Return(nil, pgx.ErrNoRows).Once()
	attempts.On("Create", mock.Anything, mock.Anything).Return(pgx.ErrNoRows)
	attempts.On("GetByExamAndUser", mock.Anything, exam.ID, 7).Return(winner, nil).Once()

	attempt, err := svc.Enter(context.Background(), exam.ID, 7)

	require.NoError(t, err)
	assert.Equal(t, winner.ID, attempt.ID)
}

// ============================================================================
// GetState
// ============================================================================

func TestGetState_DerivesRemainingFromStart(t *testing.T) {
	attempts := new(MockAttemptStore)
	catalog := new(MockCatalogSource)
	exam := testExam()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	svc := testService(attempts, catalog, now)

	attempt := activeAttempt(exam, 7, now.Add(-10*time.Minute))
	attempts.On("GetByExamAndUser", mock.Anything, exam.ID, 7).Return(attempt, nil)
	catalog.On("GetExam", mock.Anything, exam.ID).Return(exam, nil)

	state, err := svc.GetState(context.Background(), exam.ID, 7)

	require.NoError(t, err)
	assert.InDelta(t, 50*60, state.RemainingSeconds, 1e-9)
	assert.Equal(t, attempt.ID, state.Attempt.ID)
}

func TestGetState_FloorsExpiredTimerAtZero(t *testing.T) {
	attempts := new(MockAttemptStore)
	catalog := new(MockCatalogSource)
	exam := testExam()
	now := time.Now()
	svc := testService(attempts, catalog, now)

	attempt := activeAttempt(exam, 7, now.Add(-3*time.Hour))
	attempts.On("GetByExamAndUser", mock.Anything, exam.ID, 7).Return(attempt, nil)
	catalog.On("GetExam", mock.Anything, exam.ID).Return(exam, nil)

	state, err := svc.GetState(context.Background(), exam.ID, 7)

	require.NoError(t, err)
	assert.Zero(t, state.RemainingSeconds)
}

func TestGetState_NoAttempt(t *testing.T) {
	attempts := new(MockAttemptStore)
	catalog := new(MockCatalogSource)
	exam := testExam()
	svc := testService(attempts, catalog, time.Now())

	attempts.On("GetByExamAndUser", mock.Anything, exam.ID, 7).Return(nil, pgx.ErrNoRows)

	_, err := svc.GetState(context.Background(), exam.ID, 7)
	assert.ErrorIs(t, err, ErrNoActiveAttempt)
}

// ============================================================================
// Submit
// ============================================================================

func TestSubmit_GradesAndFinalizes(t *testing.T) {
	attempts := new(MockAttemptStore)
	catalog := new(MockCatalogSource)
	exam := testExam()
	svc := testService(attempts, catalog, time.Now())

	q1 := model.Question{ID: uuid.New(), SectionNumber: 1, Options: []string{"a", "b"}, CorrectAnswer: "a"}
	q2 := model.Question{ID: uuid.New(), SectionNumber: 2, Options: []string{"a", "b"}, CorrectAnswer: "b"}

	attempt := activeAttempt(exam, 7, time.Now().Add(-30*time.Minute))
	attempt.Answers = map[string]string{
		q1.ID.String(): "a", // correct
		q2.ID.String(): "a", // wrong
	}

	attempts.On("GetByExamAndUser", mock.Anything, exam.ID, 7).Return(attempt, nil)
	catalog.On("GetExam", mock.Anything, exam.ID).Return(exam, nil)
	catalog.On("PrivilegedQuestions", mock.Anything, exam.ID).Return([]model.Question{q1, q2}, nil)
	attempts.On("Submit", mock.Anything, attempt.ID,
		mock.MatchedBy(func(scores map[string]float64) bool {
			return scores["1"] == 100.0 && scores["2"] == 0.0
		}),
		125.0,
		mock.MatchedBy(func(finished map[string]bool) bool {
			return finished["1"] && finished["2"] && finished["3"] && finished["4"]
		}),
		4,
	).Return(true, nil)

	graded, err := svc.Submit(context.Background(), attempt.ID, exam.ID, 7)

	require.NoError(t, err)
	require.NotNil(t, graded.SubmittedAt)
	require.NotNil(t, graded.TotalScore250)
	assert.InDelta(t, 125.0, *graded.TotalScore250, 1e-9)
	assert.Equal(t, 4, graded.CurrentSection)
	attempts.AssertExpectations(t)
}

func TestSubmit_IdempotentOnSubmittedAttempt(t *testing.T) {
	attempts := new(MockAttemptStore)
	catalog := new(MockCatalogSource)
	exam := testExam()
	svc := testService(attempts, catalog, time.Now())

	attempt := activeAttempt(exam, 7, time.Now().Add(-2*time.Hour))
	at := time.Now().Add(-time.Hour)
	total := 125.0
	attempt.SubmittedAt = &at
	attempt.TotalScore250 = &total

	attempts.On("GetByExamAndUser", mock.Anything, exam.ID, 7).Return(attempt, nil)

	graded, err := svc.Submit(context.Background(), attempt.ID, exam.ID, 7)

	require.NoError(t, err)
	assert.Equal(t, &total, graded.TotalScore250)
	attempts.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	catalog.AssertNotCalled(t, "PrivilegedQuestions", mock.Anything, mock.Anything)
}

func TestSubmit_LosingRaceReturnsWinnersGrading(t *testing.T) {
	attempts := new(MockAttemptStore)
	catalog := new(MockCatalogSource)
	exam := testExam()
	svc := testService(attempts, catalog, time.Now())

	attempt := activeAttempt(exam, 7, time.Now().Add(-time.Hour))
	attempts.On("GetByExamAndUser", mock.Anything, exam.ID, 7).Return(attempt, nil).Once()
	catalog.On("GetExam", mock.Anything, exam.ID).Return(exam, nil)
	catalog.On("PrivilegedQuestions", mock.Anything, exam.ID).Return([]model.Question{}, nil)
	attempts.On("Submit", mock.Anything, attempt.ID, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(false, nil)

	winner := activeAttempt(exam, 7, attempt.StartedAt)
	winner.ID = attempt.ID
	at := time.Now()
	total := 200.0
	winner.SubmittedAt = &at
	winner.TotalScore250 = &total
	attempts.On("GetByExamAndUser", mock.Anything, exam.ID, 7).Return(winner, nil).Once()

	graded, err := svc.Submit(context.Background(), attempt.ID, exam.ID, 7)

	require.NoError(t, err)
	assert.InDelta(t, 200.0, *graded.TotalScore250, 1e-9)
}

func TestSubmitFinal_PersistsAnswersBeforeGrading(t *testing.T) {
	attempts := new(MockAttemptStore)
	catalog := new(MockCatalogSource)
	exam := testExam()
	svc := testService(attempts, catalog, time.Now())

	q := model.Question{ID: uuid.New(), SectionNumber: 1, Options: []string{"a", "b"}, CorrectAnswer: "a"}

	// The store still holds no answers; only the terminal snapshot does.
	attempt := activeAttempt(exam, 7, time.Now().Add(-time.Hour))
	snapshot := &model.AttemptProgress{
		AttemptID:      attempt.ID,
		ExamID:         exam.ID,
		UserID:         7,
		CurrentSection: 4,
		Answers:        map[string]string{q.ID.String(): "a"},
	}

	var order []string
	attempts.On("SaveProgress", mock.Anything, snapshot).Run(func(mock.Arguments) {
		order = append(order, "persist")
		attempt.Answers = snapshot.Answers
	}).Return(nil)
	attempts.On("GetByExamAndUser", mock.Anything, exam.ID, 7).Return(attempt, nil)
	catalog.On("GetExam", mock.Anything, exam.ID).Return(exam, nil)
	catalog.On("PrivilegedQuestions", mock.Anything, exam.ID).Return([]model.Question{q}, nil)
	attempts.On("Submit", mock.Anything, attempt.ID,
		mock.MatchedBy(func(scores map[string]float64) bool { return scores["1"] == 100.0 }),
		250.0, mock.Anything, 4,
	).Run(func(mock.Arguments) {
		order = append(order, "grade")
	}).Return(true, nil)

	graded, err := svc.SubmitFinal(context.Background(), snapshot)

	require.NoError(t, err)
	// The write lands before scoring reads the answers back, so the final
	// answers count toward the grade.
	assert.Equal(t, []string{"persist", "grade"}, order)
	assert.InDelta(t, 250.0, *graded.TotalScore250, 1e-9)
	attempts.AssertExpectations(t)
}

func TestSubmitFinal_AbortsWhenFinalFlushFails(t *testing.T) {
	attempts := new(MockAttemptStore)
	catalog := new(MockCatalogSource)
	exam := testExam()
	svc := testService(attempts, catalog, time.Now())

	attempt := activeAttempt(exam, 7, time.Now().Add(-time.Hour))
	snapshot := &model.AttemptProgress{
		AttemptID:      attempt.ID,
		ExamID:         exam.ID,
		UserID:         7,
		CurrentSection: 4,
		Answers:        map[string]string{uuid.NewString(): "a"},
	}

	attempts.On("SaveProgress", mock.Anything, snapshot).Return(errors.New("connection refused"))

	_, err := svc.SubmitFinal(context.Background(), snapshot)

	// No grading from stale answers; a retry can still carry full state.
	require.Error(t, err)
	attempts.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSubmit_RefusesForeignAttemptID(t *testing.T) {
	attempts := new(MockAttemptStore)
	catalog := new(MockCatalogSource)
	exam := testExam()
	svc := testService(attempts, catalog, time.Now())

	attempt := activeAttempt(exam, 7, time.Now())
	attempts.On("GetByExamAndUser", mock.Anything, exam.ID, 7).Return(attempt, nil)

	_, err := svc.Submit(context.Background(), uuid.New(), exam.ID, 7)
	assert.ErrorIs(t, err, ErrNotOwner)
}

// ============================================================================
// Lobby / Result
// ============================================================================

func TestLobby_OverlaysAttemptStatus(t *testing.T) {
	attempts := new(MockAttemptStore)
	catalog := new(MockCatalogSource)
	examA := testExam()
	examB := testExam()
	svc := testService(attempts, catalog, time.Now())

	done := activeAttempt(examA, 7, time.Now().Add(-2*time.Hour))
	at := time.Now().Add(-time.Hour)
	total := 175.0
	done.SubmittedAt = &at
	done.TotalScore250 = &total

	catalog.On("ListPublished", mock.Anything).Return([]model.Exam{*examA, *examB}, nil)
	attempts.On("ListByUser", mock.Anything, 7).Return([]model.Attempt{*done}, nil)

	lobby, err := svc.Lobby(context.Background(), 7)

	require.NoError(t, err)
	require.Len(t, lobby, 2)
	assert.True(t, lobby[0].Attempted)
	assert.True(t, lobby[0].Submitted)
	assert.InDelta(t, 175.0, *lobby[0].TotalScore250, 1e-9)
	assert.False(t, lobby[1].Attempted)
}

func TestResult_RequiresSubmittedAttempt(t *testing.T) {
	attempts := new(MockAttemptStore)
	catalog := new(MockCatalogSource)
	exam := testExam()
	svc := testService(attempts, catalog, time.Now())

	open := activeAttempt(exam, 7, time.Now())
	attempts.On("GetByExamAndUser", mock.Anything, exam.ID, 7).Return(open, nil)

	_, err := svc.Result(context.Background(), exam.ID, 7)
	assert.ErrorIs(t, err, ErrNotSubmitted)
}

// ============================================================================
// FlushCandidateProgress
// ============================================================================

func TestFlushCandidateProgress_WritesThroughToOwnAttempt(t *testing.T) {
	attempts := new(MockAttemptStore)
	catalog := new(MockCatalogSource)
	exam := testExam()
	svc := testService(attempts, catalog, time.Now())

	attempt := activeAttempt(exam, 7, time.Now())
	attempts.On("GetByExamAndUser", mock.Anything, exam.ID, 7).Return(attempt, nil)
	// The REST flush is synchronous: a REST submit right after it must
	// grade the flushed answers, so no queue sits in between.
	attempts.On("SaveProgress", mock.Anything, mock.MatchedBy(func(p *model.AttemptProgress) bool {
		return p.AttemptID == attempt.ID && p.UserID == 7 && p.SectionFinished["1"]
	})).Return(nil)

	err := svc.FlushCandidateProgress(context.Background(), exam.ID, 7, &model.SaveProgressRequest{
		CurrentSection:   2,
		Answers:          map[string]string{},
		AudioPlayCount:   map[string]int{},
		SectionFinished:  map[string]bool{"1": true},
		FlaggedQuestions: []string{},
	})

	assert.NoError(t, err)
	attempts.AssertExpectations(t)
}

func TestFlushCandidateProgress_RefusesSubmittedAttempt(t *testing.T) {
	attempts := new(MockAttemptStore)
	catalog := new(MockCatalogSource)
	exam := testExam()
	svc := testService(attempts, catalog, time.Now())

	attempt := activeAttempt(exam, 7, time.Now().Add(-2*time.Hour))
	at := time.Now()
	attempt.SubmittedAt = &at
	attempts.On("GetByExamAndUser", mock.Anything, exam.ID, 7).Return(attempt, nil)

	err := svc.FlushCandidateProgress(context.Background(), exam.ID, 7, &model.SaveProgressRequest{CurrentSection: 1})
	assert.ErrorIs(t, err, ErrAlreadyAttempted)
}

// ============================================================================
// ExamResults
// ============================================================================

func TestExamResults_PaginationReflectsClampedValues(t *testing.T) {
	attempts := new(MockAttemptStore)
	catalog := new(MockCatalogSource)
	exam := testExam()
	svc := testService(attempts, catalog, time.Now())

	attempts.On("ListByExam", mock.Anything, exam.ID, 100, 0).
		Return([]repository.AttemptResult{}, 150, nil)

	_, pagination, err := svc.ExamResults(context.Background(), exam.ID, 0, 500)

	require.NoError(t, err)
	assert.Equal(t, 1, pagination.Page)
	assert.Equal(t, 100, pagination.PerPage)
	assert.Equal(t, 150, pagination.TotalItems)
	assert.Equal(t, 2, pagination.TotalPages)
}
