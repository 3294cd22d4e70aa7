package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrForbidden         = errors.New("forbidden")
	ErrValidation        = errors.New("validation failed")
	ErrQuotaExceeded     = errors.New("quota exceeded")
	ErrAlreadyProcessing = errors.New("image already queued or processing")
	ErrStatusConflict    = errors.New("status changed concurrently")
	ErrMaxAttempts       = errors.New("maximum processing attempts reached")
	ErrProcessingTimeout = errors.New("processing timed out")
	ErrFeatureDisabled   = errors.New("feature disabled")
	ErrNotConfigured     = errors.New("not configured")
)
