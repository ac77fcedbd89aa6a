package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kotoba-cbt/kotoba-backend/internal/config"
	"github.com/kotoba-cbt/kotoba-backend/internal/model"
	"github.com/kotoba-cbt/kotoba-backend/internal/repository"
	"github.com/kotoba-cbt/kotoba-backend/internal/response"
	"github.com/kotoba-cbt/kotoba-backend/internal/scoring"
	"github.com/kotoba-cbt/kotoba-backend/internal/session"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	ErrAlreadyAttempted = errors.New("exam already attempted")
	ErrNoActiveAttempt  = errors.New("no active attempt")
	ErrNotSubmitted     = errors.New("attempt not submitted")
	ErrNotOwner         = errors.New("attempt belongs to another candidate")
)

// AttemptStore is the persistence surface AttemptService needs. Satisfied
// by repository.AttemptRepository.
type AttemptStore interface {
	Create(ctx context.Context, a *model.Attempt) error
	GetByExamAndUser(ctx context.Context, examID uuid.UUID, userID int) (*model.Attempt, error)
	SaveProgress(ctx context.Context, p *model.AttemptProgress) error
	Submit(ctx context.Context, attemptID uuid.UUID, sectionScores map[string]float64, total float64, sectionFinished map[string]bool, lastSection int) (bool, error)
	ListByUser(ctx context.Context, userID int) ([]model.Attempt, error)
	ListByExam(ctx context.Context, examID uuid.UUID, limit, offset int) ([]repository.AttemptResult, int, error)
}

// CatalogSource is the catalog surface AttemptService needs. Satisfied by
// CatalogService.
type CatalogSource interface {
	GetExam(ctx context.Context, id uuid.UUID) (*model.Exam, error)
	ListPublished(ctx context.Context) ([]model.Exam, error)
	GetPaper(ctx context.Context, examID uuid.UUID) (*model.ExamPaper, error)
	PrivilegedQuestions(ctx context.Context, examID uuid.UUID) ([]model.Question, error)
}

// LobbyExam is a published exam decorated with the candidate's own attempt
// status, if any.
type LobbyExam struct {
	Exam          model.Exam `json:"exam"`
	Attempted     bool       `json:"attempted"`
	Submitted     bool       `json:"submitted"`
	TotalScore250 *float64   `json:"total_score_250,omitempty"`
}

// AttemptService owns the attempt lifecycle: entry and resumption, progress
// persistence, and the single-fire privileged submit that grades the
// attempt. Progress writes arrive both directly (REST save, workers) and
// through the Redis persistence queue.
type AttemptService struct {
	attempts AttemptStore
	catalog  CatalogSource
	rdb      *redis.Client
	clock    session.Clock
	log      zerolog.Logger
}

// NewAttemptService creates a new AttemptService.
func NewAttemptService(
	attempts AttemptStore,
	catalog CatalogSource,
	rdb *redis.Client,
	clock session.Clock,
	log zerolog.Logger,
) *AttemptService {
	return &AttemptService{
		attempts: attempts,
		catalog:  catalog,
		rdb:      rdb,
		clock:    clock,
		log:      log.With().Str("component", "attempt_service").Logger(),
	}
}

// Lobby lists published exams with the candidate's attempt status overlaid.
func (s *AttemptService) Lobby(ctx context.Context, userID int) ([]LobbyExam, error) {
	exams, err := s.catalog.ListPublished(ctx)
	if err != nil {
		return nil, fmt.Errorf("list published exams: %w", err)
	}

	attempts, err := s.attempts.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	byExam := make(map[uuid.UUID]*model.Attempt, len(attempts))
	for i := range attempts {
		byExam[attempts[i].ExamID] = &attempts[i]
	}

	lobby := make([]LobbyExam, len(exams))
	for i, exam := range exams {
		entry := LobbyExam{Exam: exam}
		if a, ok := byExam[exam.ID]; ok {
			entry.Attempted = true
			entry.Submitted = a.Submitted()
			entry.TotalScore250 = a.TotalScore250
		}
		lobby[i] = entry
	}
	return lobby, nil
}

// Enter creates the candidate's attempt for an exam, or resumes the
// existing one. A submitted attempt cannot be re-entered. Safe under
// concurrent calls: the unique (exam_id, user_id) constraint makes the
// second creator a resumer.
func (s *AttemptService) Enter(ctx context.Context, examID uuid.UUID, userID int) (*model.Attempt, error) {
	exam, err := s.catalog.GetExam(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("get exam: %w", err)
	}
	if exam.Status != model.ExamStatusPublished {
		return nil, ErrExamNotPublished
	}

	existing, err := s.attempts.GetByExamAndUser(ctx, examID, userID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	if existing != nil {
		return s.resume(ctx, existing)
	}

	attempt := &model.Attempt{ExamID: examID, UserID: userID}
	if err := s.attempts.Create(ctx, attempt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Lost the race to a concurrent Enter. Resume that one.
			existing, err = s.attempts.GetByExamAndUser(ctx, examID, userID)
			if err != nil {
				return nil, fmt.Errorf("get concurrent attempt: %w", err)
			}
			return s.resume(ctx, existing)
		}
		return nil, fmt.Errorf("create attempt: %w", err)
	}

	s.cacheStart(ctx, attempt)
	s.log.Info().
		Str("attempt_id", attempt.ID.String()).
		Str("exam_id", examID.String()).
		Int("user_id", userID).
		Msg("Attempt started")
	return attempt, nil
}

func (s *AttemptService) resume(ctx context.Context, attempt *model.Attempt) (*model.Attempt, error) {
	if attempt.Submitted() {
		return nil, ErrAlreadyAttempted
	}
	s.cacheStart(ctx, attempt)
	return attempt, nil
}

// cacheStart records the attempt's start instant in Redis so active-attempt
// checks skip PostgreSQL. Best effort: the row is the source of truth.
func (s *AttemptService) cacheStart(ctx context.Context, attempt *model.Attempt) {
	key := config.CacheKey.AttemptStartKey(attempt.ExamID.String(), attempt.UserID)
	if err := s.rdb.Set(ctx, key, attempt.StartedAt.Unix(), 0).Err(); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("Failed to cache attempt start")
	}
}

// HasActiveAttempt reports whether the candidate holds an unsubmitted
// attempt on the exam. Redis fast path with a PostgreSQL fallback that
// self-heals the cache.
func (s *AttemptService) HasActiveAttempt(ctx context.Context, examID uuid.UUID, userID int) (bool, error) {
	key := config.CacheKey.AttemptStartKey(examID.String(), userID)
	n, err := s.rdb.Exists(ctx, key).Result()
	if err == nil && n > 0 {
		return true, nil
	}

	attempt, err := s.attempts.GetByExamAndUser(ctx, examID, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("get attempt: %w", err)
	}
	if attempt.Submitted() {
		return false, nil
	}

	s.cacheStart(ctx, attempt)
	return true, nil
}

// GetState serves the reload payload: the persisted attempt plus remaining
// time derived from started_at. The remaining clock is never stored.
func (s *AttemptService) GetState(ctx context.Context, examID uuid.UUID, userID int) (*model.AttemptState, error) {
	attempt, err := s.attempts.GetByExamAndUser(ctx, examID, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoActiveAttempt
		}
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	if attempt.Submitted() {
		return nil, ErrAlreadyAttempted
	}

	exam, err := s.catalog.GetExam(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("get exam: %w", err)
	}

	remaining := attempt.Deadline(exam.Duration()).Sub(s.clock.Now())
	if remaining < 0 {
		remaining = 0
	}

	return &model.AttemptState{
		Attempt:          attempt,
		RemainingSeconds: remaining.Seconds(),
	}, nil
}

// BuildSession loads everything a live session needs and reconciles it
// from the durable attempt.
func (s *AttemptService) BuildSession(ctx context.Context, examID uuid.UUID, userID int) (*session.Session, error) {
	attempt, err := s.attempts.GetByExamAndUser(ctx, examID, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoActiveAttempt
		}
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	if attempt.Submitted() {
		return nil, ErrAlreadyAttempted
	}

	exam, err := s.catalog.GetExam(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("get exam: %w", err)
	}

	paper, err := s.catalog.GetPaper(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("get paper: %w", err)
	}

	catalog := session.NewCatalog(exam, paper.Questions)
	return session.New(attempt, catalog, s.clock), nil
}

// EnqueueProgress pushes a progress snapshot onto the Redis persistence
// queue. Fire and forget: a failed enqueue is logged, never surfaced, and
// the next snapshot supersedes this one anyway.
func (s *AttemptService) EnqueueProgress(ctx context.Context, p *model.AttemptProgress) {
	payload, err := json.Marshal(p)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to marshal progress")
		return
	}
	if err := s.rdb.RPush(ctx, config.WorkerKey.PersistProgressQueue, payload).Err(); err != nil {
		s.log.Warn().
			Err(err).
			Str("attempt_id", p.AttemptID.String()).
			Msg("Failed to enqueue progress")
	}
}

// SaveProgress writes a snapshot straight to PostgreSQL. Used by the
// persistence worker, the REST save endpoint, and the synchronous flush
// that precedes submit. A no-op on submitted attempts by construction of
// the conditional UPDATE.
func (s *AttemptService) SaveProgress(ctx context.Context, p *model.AttemptProgress) error {
	return s.attempts.SaveProgress(ctx, p)
}

// FlushCandidateProgress binds a REST progress payload to the caller's own
// attempt and writes it through synchronously. REST clients submit over
// REST too, so their flush must be durable before the submit that may
// follow it — the queue would let the submit grade ahead of the drain.
func (s *AttemptService) FlushCandidateProgress(ctx context.Context, examID uuid.UUID, userID int, req *model.SaveProgressRequest) error {
	attempt, err := s.attempts.GetByExamAndUser(ctx, examID, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNoActiveAttempt
		}
		return fmt.Errorf("get attempt: %w", err)
	}
	if attempt.Submitted() {
		return ErrAlreadyAttempted
	}

	return s.SaveProgress(ctx, &model.AttemptProgress{
		AttemptID:        attempt.ID,
		ExamID:           examID,
		UserID:           userID,
		CurrentSection:   req.CurrentSection,
		Answers:          req.Answers,
		AudioPlayCount:   req.AudioPlayCount,
		SectionFinished:  req.SectionFinished,
		FlaggedQuestions: req.FlaggedQuestions,
	})
}

// SubmitFinal persists a terminal snapshot, then grades. The write must
// land before scoring reads the answers back, so the snapshot never rides
// the queue here: a lost enqueue would exclude the final answers from the
// grade forever, because SaveProgress refuses snapshots once submitted_at
// is set. A failed write aborts the grading so a retry can still carry
// the full state.
func (s *AttemptService) SubmitFinal(ctx context.Context, p *model.AttemptProgress) (*model.Attempt, error) {
	if err := s.SaveProgress(ctx, p); err != nil {
		return nil, fmt.Errorf("final flush: %w", err)
	}
	return s.Submit(ctx, p.AttemptID, p.ExamID, p.UserID)
}

// SubmitByExam resolves the caller's attempt and submits it.
func (s *AttemptService) SubmitByExam(ctx context.Context, examID uuid.UUID, userID int) (*model.Attempt, error) {
	attempt, err := s.attempts.GetByExamAndUser(ctx, examID, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoActiveAttempt
		}
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	return s.Submit(ctx, attempt.ID, examID, userID)
}

// Submit grades and finalizes the attempt. Idempotent: a second call
// returns the already-graded attempt. Scoring runs here and only here,
// against the privileged catalog; the conditional UPDATE guarantees at
// most one grading writes.
func (s *AttemptService) Submit(ctx context.Context, attemptID, examID uuid.UUID, userID int) (*model.Attempt, error) {
	attempt, err := s.attempts.GetByExamAndUser(ctx, examID, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoActiveAttempt
		}
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	if attempt.ID != attemptID {
		return nil, ErrNotOwner
	}
	if attempt.Submitted() {
		return attempt, nil
	}

	exam, err := s.catalog.GetExam(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("get exam: %w", err)
	}

	questions, err := s.catalog.PrivilegedQuestions(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("get scoring catalog: %w", err)
	}

	result := scoring.Score(questions, attempt.Answers)

	finished := make(map[string]bool, len(exam.Sections))
	for _, sec := range exam.Sections {
		finished[fmt.Sprintf("%d", sec.Number)] = true
	}

	ok, err := s.attempts.Submit(ctx, attempt.ID, result.SectionScores, result.TotalScore250, finished, exam.LastSection())
	if err != nil {
		return nil, fmt.Errorf("submit attempt: %w", err)
	}
	if !ok {
		// Another path submitted first. Return its grading.
		fresh, err := s.attempts.GetByExamAndUser(ctx, examID, userID)
		if err != nil {
			return nil, fmt.Errorf("get submitted attempt: %w", err)
		}
		return fresh, nil
	}

	s.clearStart(ctx, attempt)

	now := s.clock.Now().UTC()
	attempt.SubmittedAt = &now
	attempt.ScoreSection = result.SectionScores
	attempt.TotalScore250 = &result.TotalScore250
	attempt.SectionFinished = finished
	attempt.CurrentSection = exam.LastSection()

	s.log.Info().
		Str("attempt_id", attempt.ID.String()).
		Int("user_id", userID).
		Float64("total_score_250", result.TotalScore250).
		Int("correct", result.TotalCorrect).
		Int("questions", result.TotalCount).
		Msg("Attempt submitted")
	return attempt, nil
}

func (s *AttemptService) clearStart(ctx context.Context, attempt *model.Attempt) {
	key := config.CacheKey.AttemptStartKey(attempt.ExamID.String(), attempt.UserID)
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("Failed to clear attempt start")
	}
}

// Result serves the candidate's graded attempt.
func (s *AttemptService) Result(ctx context.Context, examID uuid.UUID, userID int) (*model.Attempt, error) {
	attempt, err := s.attempts.GetByExamAndUser(ctx, examID, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoActiveAttempt
		}
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	if !attempt.Submitted() {
		return nil, ErrNotSubmitted
	}
	return attempt, nil
}

// ExamResults lists graded and in-flight attempts on an exam for the admin
// results view. The returned pagination reflects the clamped values, not
// the caller's raw query.
func (s *AttemptService) ExamResults(ctx context.Context, examID uuid.UUID, page, perPage int) ([]repository.AttemptResult, *response.Pagination, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}
	if perPage > 100 {
		perPage = 100
	}

	results, total, err := s.attempts.ListByExam(ctx, examID, perPage, (page-1)*perPage)
	if err != nil {
		return nil, nil, err
	}

	pagination := &response.Pagination{
		Page:       page,
		PerPage:    perPage,
		TotalItems: total,
		TotalPages: (total + perPage - 1) / perPage,
	}
	return results, pagination, nil
}
