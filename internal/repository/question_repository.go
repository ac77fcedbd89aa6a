package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kotoba-cbt/kotoba-backend/internal/model"
)

// QuestionRepository handles question catalog data access.
type QuestionRepository struct {
	pool *pgxpool.Pool
}

// NewQuestionRepository creates a new QuestionRepository.
func NewQuestionRepository(pool *pgxpool.Pool) *QuestionRepository {
	return &QuestionRepository{pool: pool}
}

// ListByExam retrieves an exam's questions in catalog order
// (section first, then question_order within the section).
func (r *QuestionRepository) ListByExam(ctx context.Context, examID uuid.UUID) ([]model.Question, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, exam_id, section_number, category, type, content_text, image_url, audio_url, options, correct_answer, question_order
		 FROM questions
		 WHERE exam_id = $1
		 ORDER BY section_number, question_order`, examID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var questions []model.Question
	for rows.Next() {
		var q model.Question
		if err := rows.Scan(&q.ID, &q.ExamID, &q.SectionNumber, &q.Category, &q.Type, &q.ContentText, &q.ImageURL, &q.AudioURL, &q.Options, &q.CorrectAnswer, &q.QuestionOrder); err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// ReplaceForExam transactionally replaces all questions of an exam.
func (r *QuestionRepository) ReplaceForExam(ctx context.Context, examID uuid.UUID, questions []model.Question) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM questions WHERE exam_id = $1`, examID); err != nil {
		return fmt.Errorf("delete old questions: %w", err)
	}

	for i := range questions {
		q := &questions[i]
		err := tx.QueryRow(ctx,
			`INSERT INTO questions (exam_id, section_number, category, type, content_text, image_url, audio_url, options, correct_answer, question_order)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 RETURNING id`,
			examID, q.SectionNumber, q.Category, q.Type, q.ContentText, q.ImageURL, q.AudioURL, q.Options, q.CorrectAnswer, q.QuestionOrder,
		).Scan(&q.ID)
		if err != nil {
			return fmt.Errorf("insert question %d: %w", i, err)
		}
		q.ExamID = examID
	}

	return tx.Commit(ctx)
}

// CountByExam returns the number of questions an exam carries.
func (r *QuestionRepository) CountByExam(ctx context.Context, examID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM questions WHERE exam_id = $1`, examID).Scan(&n)
	return n, err
}
