package server

import (
	"errors"
	"net/http"

	auditdomain "github.com/NxtWaveTools/nxt-subscription-sub002/internal/audit/domain"
	billingcycledomain "github.com/NxtWaveTools/nxt-subscription-sub002/internal/billingcycle/domain"
	subscriptiondomain "github.com/NxtWaveTools/nxt-subscription-sub002/internal/subscription/domain"
	"github.com/gin-gonic/gin"
)

// ValidationError describes a single bad field in a request.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type errorPayload struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details []ValidationError `json:"details,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

// ValidationErrors aggregates per-field problems into one response body.
type ValidationErrors struct {
	Errors []ValidationError
}

func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "invalid_request"
	}
	return "invalid_request: " + e.Errors[0].Field
}

func newValidationError(field, message string) *ValidationErrors {
	return &ValidationErrors{Errors: []ValidationError{{Field: field, Message: message}}}
}

// AbortWithError records err on the gin context for the error middleware.
func AbortWithError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}

// ErrorHandlingMiddleware converts the last recorded handler error into a
// JSON error response. Handlers push errors via AbortWithError and never
// write error bodies themselves.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func mapError(err error) (int, errorPayload) {
	var validationErrs *ValidationErrors
	if errors.As(err, &validationErrs) {
		return http.StatusBadRequest, errorPayload{
			Code:    "invalid_request",
			Message: "request validation failed",
			Details: validationErrs.Errors,
		}
	}

	switch {
	case errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound),
		errors.Is(err, billingcycledomain.ErrCycleNotFound):
		return http.StatusNotFound, errorPayload{
			Code:    "not_found",
			Message: err.Error(),
		}

	case errors.Is(err, subscriptiondomain.ErrIllegalTransition):
		return http.StatusConflict, errorPayload{
			Code:    "illegal_transition",
			Message: "the requested event is not allowed from the current status",
		}

	case errors.Is(err, billingcycledomain.ErrDuplicateCycle):
		return http.StatusConflict, errorPayload{
			Code:    "duplicate_cycle",
			Message: "a payment cycle already exists for that start date",
		}

	case errors.Is(err, billingcycledomain.ErrCycleFinalized):
		return http.StatusConflict, errorPayload{
			Code:    "cycle_finalized",
			Message: "the payment cycle has already been paid or cancelled",
		}

	case errors.Is(err, billingcycledomain.ErrInvalidState):
		return http.StatusConflict, errorPayload{
			Code:    "invalid_state",
			Message: err.Error(),
		}

	case errors.Is(err, subscriptiondomain.ErrMissingActor):
		return http.StatusBadRequest, errorPayload{
			Code:    "missing_actor",
			Message: "an acting principal is required for this operation",
		}

	case errors.Is(err, subscriptiondomain.ErrInvalidEvent),
		errors.Is(err, subscriptiondomain.ErrInvalidStatus),
		errors.Is(err, subscriptiondomain.ErrInvalidFrequency),
		errors.Is(err, subscriptiondomain.ErrInvalidDepartment),
		errors.Is(err, subscriptiondomain.ErrInvalidStartDate),
		errors.Is(err, subscriptiondomain.ErrInvalidSubscription),
		errors.Is(err, billingcycledomain.ErrInvalidCycleID),
		errors.Is(err, auditdomain.ErrInvalidAction),
		errors.Is(err, auditdomain.ErrInvalidPageToken),
		errors.Is(err, auditdomain.ErrInvalidTimeRange):
		return http.StatusBadRequest, errorPayload{
			Code:    "invalid_request",
			Message: err.Error(),
		}
	}

	return http.StatusInternalServerError, errorPayload{
		Code:    "internal",
		Message: "internal server error",
	}
}
