package model

import (
	"time"

	"github.com/google/uuid"
)

// Attempt is the durable record of one candidate's progress on one exam.
// It is the source of truth for resumption. Map keys are strings (question
// UUIDs or section numbers) to match the jsonb columns they live in.
type Attempt struct {
	ID               uuid.UUID          `json:"id"`
	ExamID           uuid.UUID          `json:"exam_id"`
	UserID           int                `json:"user_id"`
	CurrentSection   int                `json:"current_section"`
	Answers          map[string]string  `json:"answers"`
	AudioPlayCount   map[string]int     `json:"audio_play_count"`
	SectionFinished  map[string]bool    `json:"section_finished"`
	FlaggedQuestions []string           `json:"flagged_questions"`
	ScoreSection     map[string]float64 `json:"score_section,omitempty"`
	TotalScore250    *float64           `json:"total_score_250,omitempty"`
	StartedAt        time.Time          `json:"started_at"`
	SubmittedAt      *time.Time         `json:"submitted_at,omitempty"`
}

// Submitted reports whether the attempt is terminal.
func (a *Attempt) Submitted() bool {
	return a.SubmittedAt != nil
}

// Deadline returns the instant the global timer runs out.
func (a *Attempt) Deadline(duration time.Duration) time.Time {
	return a.StartedAt.Add(duration)
}

// AttemptProgress is the idempotent full-state overwrite pushed by a live
// session. It carries every candidate-mutable progress field and nothing
// else; score fields and submitted_at are written only by the privileged
// submit path.
type AttemptProgress struct {
	AttemptID        uuid.UUID         `json:"attempt_id"`
	ExamID           uuid.UUID         `json:"exam_id"`
	UserID           int               `json:"user_id"`
	CurrentSection   int               `json:"current_section"`
	Answers          map[string]string `json:"answers"`
	AudioPlayCount   map[string]int    `json:"audio_play_count"`
	SectionFinished  map[string]bool   `json:"section_finished"`
	FlaggedQuestions []string          `json:"flagged_questions"`
}

// SaveProgressRequest is the REST body for a progress flush. The attempt
// identity comes from the authenticated route, never from the payload.
type SaveProgressRequest struct {
	CurrentSection   int               `json:"current_section" binding:"required,min=1"`
	Answers          map[string]string `json:"answers" binding:"required"`
	AudioPlayCount   map[string]int    `json:"audio_play_count" binding:"required"`
	SectionFinished  map[string]bool   `json:"section_finished" binding:"required"`
	FlaggedQuestions []string          `json:"flagged_questions" binding:"required"`
}

// AttemptState is the reload payload served to a resuming candidate:
// the persisted progress plus remaining time derived from started_at.
type AttemptState struct {
	Attempt          *Attempt `json:"attempt"`
	RemainingSeconds float64  `json:"remaining_seconds"`
}
