package services

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
)

// ErrorCode is the stable machine-readable code reported to clients.
type ErrorCode string

const (
	CodeInvalidCoordinates ErrorCode = "INVALID_COORDINATES"
	CodeUserNotEligible    ErrorCode = "USER_NOT_ELIGIBLE"
	CodePrizeNotAvailable  ErrorCode = "PRIZE_NOT_AVAILABLE"
	CodeAlreadyClaimed     ErrorCode = "ALREADY_CLAIMED"
	CodeTooFar             ErrorCode = "TOO_FAR"
	CodeCooldownNotMet     ErrorCode = "COOLDOWN_NOT_MET"
	CodeDailyLimitReached  ErrorCode = "DAILY_LIMIT_REACHED"
)

// AdmissionError is a permanent, user-facing rejection. Meta carries the
// measured value that triggered it (distance, retry-after, limit) so clients
// can render something useful. Transient DB/redis failures are NOT admission
// errors — they bubble up as plain errors and map to 503.
type AdmissionError struct {
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Meta    map[string]interface{} `json:"meta,omitempty"`
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// AsAdmissionError unwraps err into an AdmissionError if it is one.
func AsAdmissionError(err error) (*AdmissionError, bool) {
	var ae *AdmissionError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// HTTPStatus maps an admission code to a response status.
func (e *AdmissionError) HTTPStatus() int {
	switch e.Code {
	case CodeInvalidCoordinates:
		return fiber.StatusBadRequest
	case CodeUserNotEligible:
		return fiber.StatusForbidden
	case CodeCooldownNotMet, CodeDailyLimitReached:
		return fiber.StatusTooManyRequests
	case CodePrizeNotAvailable, CodeAlreadyClaimed, CodeTooFar:
		return fiber.StatusConflict
	}
	return fiber.StatusUnprocessableEntity
}

func errInvalidCoordinates(lat, lng float64) *AdmissionError {
	return &AdmissionError{
		Code:    CodeInvalidCoordinates,
		Message: "latitude must be within ±90 and longitude within ±180",
		Meta:    map[string]interface{}{"latitude": lat, "longitude": lng},
	}
}

func errUserNotEligible(reason string) *AdmissionError {
	return &AdmissionError{
		Code:    CodeUserNotEligible,
		Message: reason,
	}
}

func errPrizeNotAvailable(reason string) *AdmissionError {
	return &AdmissionError{
		Code:    CodePrizeNotAvailable,
		Message: reason,
	}
}

func errAlreadyClaimed(claimID string) *AdmissionError {
	return &AdmissionError{
		Code:    CodeAlreadyClaimed,
		Message: "prize already claimed by this user",
		Meta:    map[string]interface{}{"claim_id": claimID},
	}
}

func errTooFar(distanceM, catchRadiusM float64) *AdmissionError {
	return &AdmissionError{
		Code:    CodeTooFar,
		Message: fmt.Sprintf("%.1f m away, catch radius is %.1f m", distanceM, catchRadiusM),
		Meta:    map[string]interface{}{"distance_m": distanceM, "catch_radius_m": catchRadiusM},
	}
}

func errCooldownNotMet(retryAfterS int) *AdmissionError {
	return &AdmissionError{
		Code:    CodeCooldownNotMet,
		Message: fmt.Sprintf("cooldown active, retry in %d s", retryAfterS),
		Meta:    map[string]interface{}{"retry_after_s": retryAfterS},
	}
}

func errDailyLimitReached(limit int) *AdmissionError {
	return &AdmissionError{
		Code:    CodeDailyLimitReached,
		Message: fmt.Sprintf("daily claim limit of %d reached", limit),
		Meta:    map[string]interface{}{"limit": limit},
	}
}
