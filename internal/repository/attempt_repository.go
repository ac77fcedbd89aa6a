package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kotoba-cbt/kotoba-backend/internal/model"
)

const attemptColumns = `id, exam_id, user_id, current_section, answers, audio_play_count,
	 section_finished, flagged_questions, score_section, total_score_250, started_at, submitted_at`

// AttemptResult combines candidate data with their attempt for admin listings.
type AttemptResult struct {
	UserID        int        `json:"user_id"`
	Name          string     `json:"name"`
	Email         string     `json:"email"`
	TotalScore250 *float64   `json:"total_score_250"`
	StartedAt     time.Time  `json:"started_at"`
	SubmittedAt   *time.Time `json:"submitted_at"`
}

// AttemptRepository handles exam attempt data access. It is the durable
// Attempt Store: the source of truth for resumption and the only place
// submitted_at and score fields are ever written.
type AttemptRepository struct {
	pool *pgxpool.Pool
}

// NewAttemptRepository creates a new AttemptRepository.
func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

// Create inserts a new attempt. started_at is assigned by the database.
// Returns pgx.ErrNoRows if an attempt already exists for (exam, user) —
// the caller distinguishes resume from duplicate.
func (r *AttemptRepository) Create(ctx context.Context, a *model.Attempt) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO exam_attempts (exam_id, user_id)
		 VALUES ($1, $2)
		 ON CONFLICT (exam_id, user_id) DO NOTHING
		 RETURNING id, current_section, answers, audio_play_count, section_finished, flagged_questions, started_at`,
		a.ExamID, a.UserID,
	).Scan(&a.ID, &a.CurrentSection, &a.Answers, &a.AudioPlayCount, &a.SectionFinished, &a.FlaggedQuestions, &a.StartedAt)
}

// GetByExamAndUser retrieves the attempt for a specific exam-candidate pair.
func (r *AttemptRepository) GetByExamAndUser(ctx context.Context, examID uuid.UUID, userID int) (*model.Attempt, error) {
	a := &model.Attempt{}
	err := r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+`
		 FROM exam_attempts
		 WHERE exam_id = $1 AND user_id = $2`, examID, userID,
	).Scan(&a.ID, &a.ExamID, &a.UserID, &a.CurrentSection, &a.Answers, &a.AudioPlayCount,
		&a.SectionFinished, &a.FlaggedQuestions, &a.ScoreSection, &a.TotalScore250, &a.StartedAt, &a.SubmittedAt)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// SaveProgress overwrites the mutable progress fields of an attempt.
// The write is a full-document overwrite scoped by attempt id and owner,
// and is refused once the attempt is terminal; replaying an old snapshot
// after submission must not resurrect the attempt.
func (r *AttemptRepository) SaveProgress(ctx context.Context, p *model.AttemptProgress) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE exam_attempts
		 SET current_section = GREATEST(current_section, $1),
		     answers = $2,
		     audio_play_count = $3,
		     section_finished = $4,
		     flagged_questions = $5
		 WHERE id = $6 AND user_id = $7 AND submitted_at IS NULL`,
		p.CurrentSection, p.Answers, p.AudioPlayCount, p.SectionFinished, p.FlaggedQuestions,
		p.AttemptID, p.UserID)
	return err
}

// Submit atomically records the terminal state: submitted_at plus every
// score field in one statement. The submitted_at IS NULL guard makes the
// operation single-fire — a second trigger matches zero rows.
// Returns true if this call performed the submission.
func (r *AttemptRepository) Submit(ctx context.Context, attemptID uuid.UUID, sectionScores map[string]float64, total float64, sectionFinished map[string]bool, lastSection int) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE exam_attempts
		 SET submitted_at = NOW(),
		     score_section = $1,
		     total_score_250 = $2,
		     section_finished = $3,
		     current_section = GREATEST(current_section, $4)
		 WHERE id = $5 AND submitted_at IS NULL`,
		sectionScores, total, sectionFinished, lastSection, attemptID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListByUser retrieves all attempts for a candidate, newest first.
func (r *AttemptRepository) ListByUser(ctx context.Context, userID int) ([]model.Attempt, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+attemptColumns+`
		 FROM exam_attempts
		 WHERE user_id = $1
		 ORDER BY started_at DESC`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []model.Attempt
	for rows.Next() {
		var a model.Attempt
		if err := rows.Scan(&a.ID, &a.ExamID, &a.UserID, &a.CurrentSection, &a.Answers, &a.AudioPlayCount,
			&a.SectionFinished, &a.FlaggedQuestions, &a.ScoreSection, &a.TotalScore250, &a.StartedAt, &a.SubmittedAt); err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// ListByExam retrieves all candidate results for an exam, with pagination.
func (r *AttemptRepository) ListByExam(ctx context.Context, examID uuid.UUID, limit, offset int) ([]AttemptResult, int, error) {
	var total int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM exam_attempts WHERE exam_id = $1`, examID,
	).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	rows, err := r.pool.Query(ctx,
		`SELECT u.id, u.name, u.email, a.total_score_250, a.started_at, a.submitted_at
		 FROM exam_attempts a
		 JOIN users u ON a.user_id = u.id
		 WHERE a.exam_id = $1
		 ORDER BY u.name ASC
		 LIMIT $2 OFFSET $3`, examID, limit, offset,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var results []AttemptResult
	for rows.Next() {
		var res AttemptResult
		if err := rows.Scan(&res.UserID, &res.Name, &res.Email, &res.TotalScore250, &res.StartedAt, &res.SubmittedAt); err != nil {
			return nil, 0, err
		}
		results = append(results, res)
	}
	return results, total, rows.Err()
}

// ListExpired finds attempt ids whose global timer ran out before the cutoff
// and that have not been submitted. now is passed in so the sweep is
// deterministic under test.
func (r *AttemptRepository) ListExpired(ctx context.Context, now time.Time, grace time.Duration) ([]model.Attempt, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT a.id, a.exam_id, a.user_id, a.current_section, a.answers, a.audio_play_count,
		        a.section_finished, a.flagged_questions, a.score_section, a.total_score_250, a.started_at, a.submitted_at
		 FROM exam_attempts a
		 JOIN exams e ON a.exam_id = e.id
		 WHERE a.submitted_at IS NULL
		   AND a.started_at + (e.duration_minutes * INTERVAL '1 minute') + $2::interval < $1`,
		now, grace,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []model.Attempt
	for rows.Next() {
		var a model.Attempt
		if err := rows.Scan(&a.ID, &a.ExamID, &a.UserID, &a.CurrentSection, &a.Answers, &a.AudioPlayCount,
			&a.SectionFinished, &a.FlaggedQuestions, &a.ScoreSection, &a.TotalScore250, &a.StartedAt, &a.SubmittedAt); err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}
