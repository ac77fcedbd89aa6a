package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/kotoba-cbt/kotoba-backend/internal/middleware"
	"github.com/kotoba-cbt/kotoba-backend/internal/model"
	"github.com/kotoba-cbt/kotoba-backend/internal/response"
	"github.com/kotoba-cbt/kotoba-backend/internal/service"
	"github.com/kotoba-cbt/kotoba-backend/internal/validator"
)

// CandidateHandler handles the candidate-facing exam endpoints.
type CandidateHandler struct {
	catalogService *service.CatalogService
	attemptService *service.AttemptService
}

// NewCandidateHandler creates a new CandidateHandler.
func NewCandidateHandler(catalogService *service.CatalogService, attemptService *service.AttemptService) *CandidateHandler {
	return &CandidateHandler{
		catalogService: catalogService,
		attemptService: attemptService,
	}
}

// Lobby godoc
// GET /api/v1/candidate/exams
// Lists published exams with the candidate's attempt status.
func (h *CandidateHandler) Lobby(c *gin.Context) {
	claims := middleware.GetClaims(c)

	exams, err := h.attemptService.Lobby(c.Request.Context(), claims.UserID)
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"exams": exams})
}

// Enter godoc
// POST /api/v1/candidate/exams/:exam_id/attempt
// Creates or resumes the candidate's attempt on the exam.
func (h *CandidateHandler) Enter(c *gin.Context) {
	claims := middleware.GetClaims(c)

	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	attempt, err := h.attemptService.Enter(c.Request.Context(), examID, claims.UserID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrAlreadyAttempted):
			response.Fail(c, http.StatusConflict, response.ErrAlreadyAttempted)
		case errors.Is(err, service.ErrExamNotPublished):
			response.Fail(c, http.StatusNotFound, response.ErrExamNotPublished)
		default:
			response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		}
		return
	}

	response.Success(c, http.StatusOK, gin.H{"attempt": attempt})
}

// GetPaper godoc
// GET /api/v1/candidate/exams/:exam_id/paper
// Serves the cached candidate paper. Requires an active attempt;
// correct answers are never present in this payload.
func (h *CandidateHandler) GetPaper(c *gin.Context) {
	claims := middleware.GetClaims(c)

	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	active, err := h.attemptService.HasActiveAttempt(c.Request.Context(), examID, claims.UserID)
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	if !active {
		response.Fail(c, http.StatusForbidden, response.ErrNoActiveAttempt)
		return
	}

	paper, err := h.catalogService.GetPaper(c.Request.Context(), examID)
	if err != nil {
		if errors.Is(err, service.ErrCatalogNotFound) {
			response.Fail(c, http.StatusNotFound, response.ErrNotFound)
			return
		}
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"paper": paper})
}

// GetState godoc
// GET /api/v1/candidate/exams/:exam_id/attempt/state
// Serves the reload payload: persisted progress plus derived remaining time.
func (h *CandidateHandler) GetState(c *gin.Context) {
	claims := middleware.GetClaims(c)

	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	state, err := h.attemptService.GetState(c.Request.Context(), examID, claims.UserID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNoActiveAttempt):
			response.Fail(c, http.StatusNotFound, response.ErrNoActiveAttempt)
		case errors.Is(err, service.ErrAlreadyAttempted):
			response.Fail(c, http.StatusConflict, response.ErrAlreadyAttempted)
		default:
			response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		}
		return
	}

	response.Success(c, http.StatusOK, gin.H{"state": state})
}

// SaveProgress godoc
// PUT /api/v1/candidate/exams/:exam_id/attempt/progress
// Writes a full-state progress snapshot through synchronously: 200 means
// durable, so a submit that follows grades these answers.
func (h *CandidateHandler) SaveProgress(c *gin.Context) {
	claims := middleware.GetClaims(c)

	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var req model.SaveProgressRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.attemptService.FlushCandidateProgress(c.Request.Context(), examID, claims.UserID, &req); err != nil {
		switch {
		case errors.Is(err, service.ErrNoActiveAttempt):
			response.Fail(c, http.StatusNotFound, response.ErrNoActiveAttempt)
		case errors.Is(err, service.ErrAlreadyAttempted):
			response.Fail(c, http.StatusConflict, response.ErrAttemptSubmitted)
		default:
			response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		}
		return
	}

	response.Success(c, http.StatusOK, gin.H{"status": "saved"})
}

// Submit godoc
// POST /api/v1/candidate/exams/:exam_id/attempt/submit
// Finalizes and grades the attempt. Idempotent: re-submitting returns
// the recorded grading.
func (h *CandidateHandler) Submit(c *gin.Context) {
	claims := middleware.GetClaims(c)

	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	attempt, err := h.attemptService.SubmitByExam(c.Request.Context(), examID, claims.UserID)
	if err != nil {
		if errors.Is(err, service.ErrNoActiveAttempt) {
			response.Fail(c, http.StatusNotFound, response.ErrNoActiveAttempt)
			return
		}
		response.Fail(c, http.StatusInternalServerError, response.ErrSubmitFailed)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"score_section":   attempt.ScoreSection,
		"total_score_250": attempt.TotalScore250,
		"submitted_at":    attempt.SubmittedAt,
	})
}

// GetResult godoc
// GET /api/v1/candidate/exams/:exam_id/result
// Serves the candidate's own graded attempt.
func (h *CandidateHandler) GetResult(c *gin.Context) {
	claims := middleware.GetClaims(c)

	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	attempt, err := h.attemptService.Result(c.Request.Context(), examID, claims.UserID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNoActiveAttempt):
			response.Fail(c, http.StatusNotFound, response.ErrNoActiveAttempt)
		case errors.Is(err, service.ErrNotSubmitted):
			response.Fail(c, http.StatusNotFound, response.ErrNotFound)
		default:
			response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		}
		return
	}

	response.Success(c, http.StatusOK, gin.H{"attempt": attempt})
}
