package model

import (
	"github.com/google/uuid"
)

// QuestionType enumerates the presentation types of a question.
type QuestionType string

const (
	QuestionTypeText  QuestionType = "text"
	QuestionTypeImage QuestionType = "image"
	QuestionTypeAudio QuestionType = "audio"
)

// Question is the privileged catalog record for a single question. It
// carries CorrectAnswer and must never be serialized to a candidate before
// submission; use CandidateView for the candidate-facing shape.
type Question struct {
	ID            uuid.UUID    `json:"id"`
	ExamID        uuid.UUID    `json:"exam_id"`
	SectionNumber int          `json:"section_number"`
	Category      string       `json:"category"`
	Type          QuestionType `json:"type"`
	ContentText   string       `json:"content_text"`
	ImageURL      *string      `json:"image_url,omitempty"`
	AudioURL      *string      `json:"audio_url,omitempty"`
	Options       []string     `json:"options"`
	CorrectAnswer string       `json:"correct_answer"`
	QuestionOrder int          `json:"question_order"`
}

// CandidateQuestion is a question stripped of its correct answer.
type CandidateQuestion struct {
	ID            uuid.UUID    `json:"id"`
	SectionNumber int          `json:"section_number"`
	Category      string       `json:"category"`
	Type          QuestionType `json:"type"`
	ContentText   string       `json:"content_text"`
	ImageURL      *string      `json:"image_url,omitempty"`
	AudioURL      *string      `json:"audio_url,omitempty"`
	Options       []string     `json:"options"`
	QuestionOrder int          `json:"question_order"`
}

// CandidateView strips the correct answer for candidate-facing reads.
func (q *Question) CandidateView() CandidateQuestion {
	return CandidateQuestion{
		ID:            q.ID,
		SectionNumber: q.SectionNumber,
		Category:      q.Category,
		Type:          q.Type,
		ContentText:   q.ContentText,
		ImageURL:      q.ImageURL,
		AudioURL:      q.AudioURL,
		Options:       q.Options,
		QuestionOrder: q.QuestionOrder,
	}
}

// AddQuestionRequest is the payload for one question in a bulk replace.
type AddQuestionRequest struct {
	SectionNumber int      `json:"section_number" binding:"required,min=1"`
	Category      string   `json:"category" binding:"max=100"`
	Type          string   `json:"type" binding:"required,oneof=text image audio"`
	ContentText   string   `json:"content_text" binding:"required,min=1,max=4000"`
	ImageURL      *string  `json:"image_url" binding:"omitempty,max=1000"`
	AudioURL      *string  `json:"audio_url" binding:"omitempty,max=1000"`
	Options       []string `json:"options" binding:"required,min=2,unique,dive,min=1"`
	CorrectAnswer string   `json:"correct_answer" binding:"required"`
	QuestionOrder int      `json:"question_order" binding:"min=0"`
}

// ReplaceQuestionsRequest is the payload for bulk replacing an exam's questions.
type ReplaceQuestionsRequest struct {
	Questions []AddQuestionRequest `json:"questions" binding:"required,min=1,dive"`
}
