package model

import (
	"time"

	"github.com/google/uuid"
)

// ExamStatus enumerates the possible states of an exam.
type ExamStatus string

const (
	ExamStatusDraft     ExamStatus = "DRAFT"
	ExamStatusPublished ExamStatus = "PUBLISHED"
	ExamStatusArchived  ExamStatus = "ARCHIVED"
)

// Section is one ordered part of an exam. Number is 1-based and defines the
// fixed traversal order. DurationMinutes is a display-only legacy field; the
// exam-wide DurationMinutes on Exam is the authoritative timer.
type Section struct {
	Number          int    `json:"number" binding:"required,min=1"`
	Title           string `json:"title" binding:"required,max=255"`
	DurationMinutes int    `json:"duration_minutes" binding:"min=0"`
}

// Exam represents an exam definition with its ordered sections.
// It is immutable once an attempt has been started against it.
type Exam struct {
	ID              uuid.UUID  `json:"id"`
	Title           string     `json:"title"`
	Description     *string    `json:"description,omitempty"`
	DurationMinutes int        `json:"duration_minutes"`
	Sections        []Section  `json:"sections"`
	Status          ExamStatus `json:"status"`
	CreatedBy       int        `json:"created_by"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// LastSection returns the highest section number, or 0 for a sectionless exam.
func (e *Exam) LastSection() int {
	last := 0
	for _, s := range e.Sections {
		if s.Number > last {
			last = s.Number
		}
	}
	return last
}

// Duration returns the exam-wide timer as a time.Duration.
func (e *Exam) Duration() time.Duration {
	return time.Duration(e.DurationMinutes) * time.Minute
}

// CreateExamRequest is the payload for creating a new exam.
type CreateExamRequest struct {
	Title           string    `json:"title" binding:"required,min=3,max=255"`
	Description     *string   `json:"description" binding:"omitempty,max=2000"`
	DurationMinutes int       `json:"duration_minutes" binding:"required,min=1,max=480"`
	Sections        []Section `json:"sections" binding:"required,min=1,dive"`
}

// ExamPaper is the Redis-cached exam view sent to candidates. Questions
// never carry correct answers here.
type ExamPaper struct {
	ExamID          uuid.UUID           `json:"exam_id"`
	Title           string              `json:"title"`
	DurationMinutes int                 `json:"duration_minutes"`
	Sections        []Section           `json:"sections"`
	Questions       []CandidateQuestion `json:"questions"`
}
