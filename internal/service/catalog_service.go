package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/kotoba-cbt/kotoba-backend/internal/config"
	"github.com/kotoba-cbt/kotoba-backend/internal/model"
	"github.com/kotoba-cbt/kotoba-backend/internal/repository"
	"github.com/kotoba-cbt/kotoba-backend/internal/response"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Domain errors.
var (
	ErrCatalogNotFound  = errors.New("exam catalog not found")
	ErrExamNotDraft     = errors.New("exam status is not DRAFT")
	ErrExamNotPublished = errors.New("exam status is not PUBLISHED")
	ErrNoQuestions      = errors.New("exam has no questions")
	ErrBadAnswerKey     = errors.New("correct answer does not match any option")
	ErrUnknownSection   = errors.New("question references an unknown section")
)

// CatalogService is the catalog provider: it owns exam definitions and
// question banks, and serves two views of them — the candidate paper
// (correct answers withheld) and the privileged scoring catalog (correct
// answers included, trusted path only). Published exams are cached in Redis
// so the candidate-facing hot path never touches PostgreSQL.
type CatalogService struct {
	examRepo     *repository.ExamRepository
	questionRepo *repository.QuestionRepository
	rdb          *redis.Client
	log          zerolog.Logger
}

// NewCatalogService creates a new CatalogService.
func NewCatalogService(
	examRepo *repository.ExamRepository,
	questionRepo *repository.QuestionRepository,
	rdb *redis.Client,
	log zerolog.Logger,
) *CatalogService {
	return &CatalogService{
		examRepo:     examRepo,
		questionRepo: questionRepo,
		rdb:          rdb,
		log:          log.With().Str("component", "catalog_service").Logger(),
	}
}

// CreateExam inserts a new DRAFT exam with normalized section ordering.
func (s *CatalogService) CreateExam(ctx context.Context, req *model.CreateExamRequest, authorID int) (*model.Exam, error) {
	sections := make([]model.Section, len(req.Sections))
	copy(sections, req.Sections)
	sort.Slice(sections, func(i, j int) bool { return sections[i].Number < sections[j].Number })

	seen := make(map[int]bool, len(sections))
	for _, sec := range sections {
		if seen[sec.Number] {
			return nil, fmt.Errorf("duplicate section number %d", sec.Number)
		}
		seen[sec.Number] = true
	}

	exam := &model.Exam{
		Title:           req.Title,
		Description:     req.Description,
		DurationMinutes: req.DurationMinutes,
		Sections:        sections,
		Status:          model.ExamStatusDraft,
		CreatedBy:       authorID,
	}
	if err := s.examRepo.Create(ctx, exam); err != nil {
		return nil, fmt.Errorf("create exam: %w", err)
	}
	return exam, nil
}

// GetExam retrieves an exam definition.
func (s *CatalogService) GetExam(ctx context.Context, id uuid.UUID) (*model.Exam, error) {
	return s.examRepo.GetByID(ctx, id)
}

// ListExams retrieves exams for the admin listing.
func (s *CatalogService) ListExams(ctx context.Context, page, perPage int) ([]model.Exam, *response.Pagination, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 10
	}
	if perPage > 100 {
		perPage = 100
	}

	exams, total, err := s.examRepo.ListPaginated(ctx, perPage, (page-1)*perPage)
	if err != nil {
		return nil, nil, err
	}
	if exams == nil {
		exams = []model.Exam{}
	}

	pagination := &response.Pagination{
		Page:       page,
		PerPage:    perPage,
		TotalItems: total,
		TotalPages: (total + perPage - 1) / perPage,
	}
	return exams, pagination, nil
}

// QuestionCount returns the size of an exam's question bank, for the
// admin detail view.
func (s *CatalogService) QuestionCount(ctx context.Context, examID uuid.UUID) (int, error) {
	return s.questionRepo.CountByExam(ctx, examID)
}

// ListPublished retrieves every published exam (candidate lobby).
func (s *CatalogService) ListPublished(ctx context.Context) ([]model.Exam, error) {
	return s.examRepo.ListPublished(ctx)
}

// ReplaceQuestions validates and transactionally replaces an exam's
// question bank. Only DRAFT exams can be edited — a published exam is
// immutable once attempts may exist against it.
func (s *CatalogService) ReplaceQuestions(ctx context.Context, examID uuid.UUID, reqs []model.AddQuestionRequest) error {
	exam, err := s.examRepo.GetByID(ctx, examID)
	if err != nil {
		return fmt.Errorf("get exam: %w", err)
	}
	if exam.Status != model.ExamStatusDraft {
		return ErrExamNotDraft
	}

	known := make(map[int]bool, len(exam.Sections))
	for _, sec := range exam.Sections {
		known[sec.Number] = true
	}

	questions := make([]model.Question, len(reqs))
	for i, req := range reqs {
		if !known[req.SectionNumber] {
			return fmt.Errorf("question %d: %w", i, ErrUnknownSection)
		}
		valid := false
		for _, opt := range req.Options {
			if opt == req.CorrectAnswer {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("question %d: %w", i, ErrBadAnswerKey)
		}
		questions[i] = model.Question{
			SectionNumber: req.SectionNumber,
			Category:      req.Category,
			Type:          model.QuestionType(req.Type),
			ContentText:   req.ContentText,
			ImageURL:      req.ImageURL,
			AudioURL:      req.AudioURL,
			Options:       req.Options,
			CorrectAnswer: req.CorrectAnswer,
			QuestionOrder: req.QuestionOrder,
		}
	}

	return s.questionRepo.ReplaceForExam(ctx, examID, questions)
}

// Publish changes exam status to PUBLISHED and caches both catalog views.
// This is the critical path that populates the candidate-facing fast lane.
func (s *CatalogService) Publish(ctx context.Context, examID uuid.UUID) error {
	exam, err := s.examRepo.GetByID(ctx, examID)
	if err != nil {
		return fmt.Errorf("get exam: %w", err)
	}
	if exam.Status != model.ExamStatusDraft {
		return ErrExamNotDraft
	}

	if err := s.WarmExamCache(ctx, exam); err != nil {
		return err
	}

	if err := s.examRepo.UpdateStatus(ctx, examID, model.ExamStatusPublished); err != nil {
		return fmt.Errorf("update status: %w", err)
	}

	s.log.Info().Str("exam_id", examID.String()).Msg("Exam published")
	return nil
}

// WarmExamCache loads an exam's paper and scoring catalog from PostgreSQL
// into Redis. Used by Publish and PrewarmAllCaches.
func (s *CatalogService) WarmExamCache(ctx context.Context, exam *model.Exam) error {
	questions, err := s.questionRepo.ListByExam(ctx, exam.ID)
	if err != nil {
		return fmt.Errorf("list questions: %w", err)
	}
	if len(questions) == 0 {
		return ErrNoQuestions
	}

	// Candidate paper: correct answers withheld.
	candidate := make([]model.CandidateQuestion, len(questions))
	for i := range questions {
		candidate[i] = questions[i].CandidateView()
	}

	paper := model.ExamPaper{
		ExamID:          exam.ID,
		Title:           exam.Title,
		DurationMinutes: exam.DurationMinutes,
		Sections:        exam.Sections,
		Questions:       candidate,
	}

	paperJSON, err := json.Marshal(paper)
	if err != nil {
		return fmt.Errorf("marshal paper: %w", err)
	}

	// Privileged scoring catalog, full questions including correct answers.
	scoringJSON, err := json.Marshal(questions)
	if err != nil {
		return fmt.Errorf("marshal scoring catalog: %w", err)
	}

	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, config.CacheKey.ExamPaperKey(exam.ID.String()), paperJSON, 0)
	pipe.Set(ctx, config.CacheKey.ExamScoringKey(exam.ID.String()), scoringJSON, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache to redis: %w", err)
	}

	s.log.Debug().
		Str("exam_id", exam.ID.String()).
		Int("questions", len(questions)).
		Msg("Cache warmed")
	return nil
}

// PrewarmAllCaches loads all published exams into Redis on application
// startup, avoiding lazy-load races under a thundering herd.
func (s *CatalogService) PrewarmAllCaches(ctx context.Context) error {
	exams, err := s.examRepo.ListPublished(ctx)
	if err != nil {
		return fmt.Errorf("list published exams: %w", err)
	}

	if len(exams) == 0 {
		s.log.Info().Msg("No published exams to prewarm")
		return nil
	}

	warmed := 0
	for i := range exams {
		if err := s.WarmExamCache(ctx, &exams[i]); err != nil {
			s.log.Warn().
				Err(err).
				Str("exam_id", exams[i].ID.String()).
				Msg("Failed to warm exam, skipping")
			continue
		}
		warmed++
	}

	s.log.Info().
		Int("warmed", warmed).
		Int("total", len(exams)).
		Msg("Prewarming complete")
	return nil
}

// GetPaper retrieves the cached candidate paper. A missing paper means the
// exam is not published: a fatal load error for the session.
func (s *CatalogService) GetPaper(ctx context.Context, examID uuid.UUID) (*model.ExamPaper, error) {
	data, err := s.rdb.Get(ctx, config.CacheKey.ExamPaperKey(examID.String())).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCatalogNotFound
		}
		return nil, fmt.Errorf("get paper: %w", err)
	}

	var paper model.ExamPaper
	if err := json.Unmarshal(data, &paper); err != nil {
		return nil, fmt.Errorf("unmarshal paper: %w", err)
	}
	return &paper, nil
}

// PrivilegedQuestions retrieves the full scoring catalog with correct
// answers. Redis first; on a cache miss it falls back to PostgreSQL as the
// source of truth and self-heals the cache so the next read is fast.
// Must only be called from the trusted submit path.
func (s *CatalogService) PrivilegedQuestions(ctx context.Context, examID uuid.UUID) ([]model.Question, error) {
	key := config.CacheKey.ExamScoringKey(examID.String())

	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var questions []model.Question
		if err := json.Unmarshal(data, &questions); err != nil {
			return nil, fmt.Errorf("unmarshal scoring catalog: %w", err)
		}
		return questions, nil
	}
	if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get scoring catalog: %w", err)
	}

	// Cache miss (evicted, or a legacy exam). Fall back to PostgreSQL.
	questions, err := s.questionRepo.ListByExam(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("scoring catalog not in cache or db: %w", err)
	}
	if len(questions) == 0 {
		return nil, ErrCatalogNotFound
	}

	if raw, err := json.Marshal(questions); err == nil {
		_ = s.rdb.Set(ctx, key, raw, 0)
	}

	return questions, nil
}
