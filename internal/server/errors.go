package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/billcore/pkg/errs"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrNotFound       = errors.New("not_found")
	ErrInvalidRequest = errors.New("invalid_request")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

var kindStatus = map[errs.Kind]int{
	errs.KindValidation:          http.StatusBadRequest,
	errs.KindInvalidState:        http.StatusConflict,
	errs.KindNotFound:            http.StatusNotFound,
	errs.KindConflict:            http.StatusConflict,
	errs.KindInsufficientBalance: http.StatusPaymentRequired,
	errs.KindOverpayment:         http.StatusUnprocessableEntity,
	errs.KindDependency:          http.StatusServiceUnavailable,
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    string(errs.KindValidation),
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if kind, ok := errs.KindOf(err); ok {
		status, known := kindStatus[kind]
		if !known {
			status = http.StatusInternalServerError
		}
		code := errs.CodeOf(err)
		payload := errorPayload{
			Type:    string(kind),
			Message: humanize(code),
		}
		if kind == errs.KindValidation {
			payload.Message = "validation error"
			payload.Errors = []ValidationError{{
				Field:   validationErrorField(code),
				Code:    code,
				Message: humanize(code),
			}}
		}
		return status, payload
	}

	switch {
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, errorPayload{
			Type:    string(errs.KindValidation),
			Message: "invalid request",
		}
	case errors.Is(err, ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    string(errs.KindNotFound),
			Message: "not found",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog returns the error type and code recorded on the
// request log line.
func classifyErrorForLog(err error) (string, string) {
	if asValidationErrors(err) != nil {
		return string(errs.KindValidation), "invalid_request"
	}
	if kind, ok := errs.KindOf(err); ok {
		return string(kind), errs.CodeOf(err)
	}
	status, payload := mapError(err)
	if status >= http.StatusInternalServerError {
		return "internal_error", ""
	}
	return payload.Type, ""
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func validationErrorField(code string) string {
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func humanize(code string) string {
	if code == "" {
		return "error"
	}
	return strings.ReplaceAll(code, "_", " ")
}
