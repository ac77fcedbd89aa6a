package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/kotoba-cbt/kotoba-backend/internal/middleware"
	"github.com/kotoba-cbt/kotoba-backend/internal/model"
	"github.com/kotoba-cbt/kotoba-backend/internal/response"
	"github.com/kotoba-cbt/kotoba-backend/internal/service"
	"github.com/kotoba-cbt/kotoba-backend/internal/validator"
)

// AdminHandler handles catalog management and results endpoints.
type AdminHandler struct {
	catalogService *service.CatalogService
	attemptService *service.AttemptService
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(catalogService *service.CatalogService, attemptService *service.AttemptService) *AdminHandler {
	return &AdminHandler{
		catalogService: catalogService,
		attemptService: attemptService,
	}
}

// CreateExam godoc
// POST /api/v1/admin/exams
func (h *AdminHandler) CreateExam(c *gin.Context) {
	claims := middleware.GetClaims(c)

	var req model.CreateExamRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	exam, err := h.catalogService.CreateExam(c.Request.Context(), &req, claims.UserID)
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidPayload)
		return
	}

	response.Success(c, http.StatusCreated, gin.H{"exam": exam})
}

// ListExams godoc
// GET /api/v1/admin/exams?page=1&per_page=10
func (h *AdminHandler) ListExams(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "10"))

	exams, pagination, err := h.catalogService.ListExams(c.Request.Context(), page, perPage)
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.SuccessWithPagination(c, http.StatusOK, gin.H{"exams": exams}, pagination)
}

// GetExam godoc
// GET /api/v1/admin/exams/:exam_id
func (h *AdminHandler) GetExam(c *gin.Context) {
	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	exam, err := h.catalogService.GetExam(c.Request.Context(), examID)
	if err != nil {
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
		return
	}

	count, err := h.catalogService.QuestionCount(c.Request.Context(), examID)
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"exam": exam, "question_count": count})
}

// ReplaceQuestions godoc
// PUT /api/v1/admin/exams/:exam_id/questions
// Replaces the exam's full question bank. DRAFT exams only.
func (h *AdminHandler) ReplaceQuestions(c *gin.Context) {
	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var req model.ReplaceQuestionsRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.catalogService.ReplaceQuestions(c.Request.Context(), examID, req.Questions); err != nil {
		switch {
		case errors.Is(err, service.ErrExamNotDraft):
			response.Fail(c, http.StatusConflict, response.ErrExamNotDraft)
		case errors.Is(err, service.ErrBadAnswerKey):
			response.Fail(c, http.StatusBadRequest, response.ErrBadAnswerKey)
		case errors.Is(err, service.ErrUnknownSection):
			response.Fail(c, http.StatusBadRequest, response.ErrInvalidPayload)
		default:
			response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		}
		return
	}

	response.Success(c, http.StatusOK, gin.H{"status": "replaced"})
}

// PublishExam godoc
// POST /api/v1/admin/exams/:exam_id/publish
// Validates the question bank, warms the Redis caches, flips the status.
func (h *AdminHandler) PublishExam(c *gin.Context) {
	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	if err := h.catalogService.Publish(c.Request.Context(), examID); err != nil {
		switch {
		case errors.Is(err, service.ErrExamNotDraft):
			response.Fail(c, http.StatusConflict, response.ErrExamNotDraft)
		case errors.Is(err, service.ErrNoQuestions):
			response.Fail(c, http.StatusConflict, response.ErrNoQuestions)
		default:
			response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		}
		return
	}

	response.Success(c, http.StatusOK, gin.H{"status": "published"})
}

// ExamResults godoc
// GET /api/v1/admin/exams/:exam_id/results?page=1&per_page=20
func (h *AdminHandler) ExamResults(c *gin.Context) {
	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "20"))

	results, pagination, err := h.attemptService.ExamResults(c.Request.Context(), examID, page, perPage)
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.SuccessWithPagination(c, http.StatusOK, gin.H{"results": results}, pagination)
}
