package session

import (
	"time"

	"github.com/google/uuid"
	"github.com/kotoba-cbt/kotoba-backend/internal/model"
)

// Catalog is the session's read-only view of an exam definition. It is
// built from candidate-facing questions on purpose: the state machine never
// holds correct answers, so nothing in the live session path can leak them.
type Catalog struct {
	examID      uuid.UUID
	duration    time.Duration
	lastSection int
	bySection   map[int][]model.CandidateQuestion
	sectionOf   map[uuid.UUID]int
	typeOf      map[uuid.UUID]model.QuestionType
	optionsOf   map[uuid.UUID][]string
}

// NewCatalog builds a Catalog from an exam and its ordered candidate view.
// Questions referencing unknown sections are dropped rather than trusted.
func NewCatalog(exam *model.Exam, questions []model.CandidateQuestion) *Catalog {
	known := make(map[int]bool, len(exam.Sections))
	for _, s := range exam.Sections {
		known[s.Number] = true
	}

	c := &Catalog{
		examID:      exam.ID,
		duration:    exam.Duration(),
		lastSection: exam.LastSection(),
		bySection:   make(map[int][]model.CandidateQuestion),
		sectionOf:   make(map[uuid.UUID]int, len(questions)),
		typeOf:      make(map[uuid.UUID]model.QuestionType, len(questions)),
		optionsOf:   make(map[uuid.UUID][]string, len(questions)),
	}

	for _, q := range questions {
		if !known[q.SectionNumber] {
			continue
		}
		c.bySection[q.SectionNumber] = append(c.bySection[q.SectionNumber], q)
		c.sectionOf[q.ID] = q.SectionNumber
		c.typeOf[q.ID] = q.Type
		c.optionsOf[q.ID] = q.Options
	}

	return c
}

// ExamID returns the owning exam id.
func (c *Catalog) ExamID() uuid.UUID { return c.examID }

// Duration returns the exam-wide timer length.
func (c *Catalog) Duration() time.Duration { return c.duration }

// LastSection returns the final section number.
func (c *Catalog) LastSection() int { return c.lastSection }

// SectionQuestions returns the ordered questions of one section.
func (c *Catalog) SectionQuestions(number int) []model.CandidateQuestion {
	return c.bySection[number]
}

// SectionOf returns the owning section of a question, or 0 if unknown.
func (c *Catalog) SectionOf(id uuid.UUID) int { return c.sectionOf[id] }

// IsAudio reports whether a question is an audio question.
func (c *Catalog) IsAudio(id uuid.UUID) bool {
	return c.typeOf[id] == model.QuestionTypeAudio
}

// HasOption reports whether option is one of the question's choices.
func (c *Catalog) HasOption(id uuid.UUID, option string) bool {
	for _, o := range c.optionsOf[id] {
		if o == option {
			return true
		}
	}
	return false
}
