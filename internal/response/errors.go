package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrInvalidCredentials ErrCode = "INVALID_CREDENTIALS"
	ErrSessionActive      ErrCode = "SESSION_ALREADY_ACTIVE"
	ErrSessionInvalidated ErrCode = "SESSION_INVALIDATED"
	ErrTokenRequired      ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid       ErrCode = "TOKEN_INVALID"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrForbidden     ErrCode = "FORBIDDEN"
	ErrCandidateOnly ErrCode = "CANDIDATE_ACCESS_ONLY"
	ErrAdminOnly     ErrCode = "ADMIN_ACCESS_ONLY"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Catalog ───────────────────────────────────────────────────────
	ErrNotFound         ErrCode = "NOT_FOUND"
	ErrExamNotPublished ErrCode = "EXAM_NOT_PUBLISHED"
	ErrExamNotDraft     ErrCode = "EXAM_NOT_DRAFT"
	ErrNoQuestions      ErrCode = "NO_QUESTIONS"
	ErrBadAnswerKey     ErrCode = "BAD_ANSWER_KEY"

	// ─── Attempts ──────────────────────────────────────────────────────
	ErrAlreadyAttempted ErrCode = "ALREADY_ATTEMPTED"
	ErrNoActiveAttempt  ErrCode = "NO_ACTIVE_ATTEMPT"
	ErrAttemptSubmitted ErrCode = "ATTEMPT_SUBMITTED"
	ErrSubmitFailed     ErrCode = "SUBMIT_FAILED"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	case ErrInvalidCredentials:
		return "Email or password is incorrect."
	case ErrSessionActive:
		return "You are already logged in on another device."
	case ErrSessionInvalidated:
		return "Your session has ended. Please log in again."
	case ErrTokenRequired:
		return "An authentication token is required."
	case ErrTokenInvalid:
		return "The authentication token is invalid or expired."
	case ErrForbidden:
		return "You do not have permission to access this resource."
	case ErrCandidateOnly:
		return "This resource is restricted to candidates."
	case ErrAdminOnly:
		return "This resource is restricted to administrators."
	case ErrValidation:
		return "Validation failed. Please check your input."
	case ErrInvalidID:
		return "The ID format is invalid."
	case ErrInvalidPayload:
		return "The request payload is invalid."
	case ErrNotFound:
		return "The requested resource was not found."
	case ErrExamNotPublished:
		return "This exam is not published."
	case ErrExamNotDraft:
		return "This exam is no longer in DRAFT status."
	case ErrNoQuestions:
		return "This exam has no questions."
	case ErrBadAnswerKey:
		return "One or more correct answers do not match their options."
	case ErrAlreadyAttempted:
		return "You have already attempted this exam."
	case ErrNoActiveAttempt:
		return "No active attempt exists for this exam."
	case ErrAttemptSubmitted:
		return "This attempt has already been submitted."
	case ErrSubmitFailed:
		return "Submission could not be recorded. Please try again."
	case ErrRateLimitExceeded:
		return "Too many requests. Please try again later."
	case ErrInternal:
		return "An internal server error occurred."
	default:
		return "An unexpected error occurred."
	}
}
