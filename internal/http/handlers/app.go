package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gallery/internal/auth"
	"gallery/internal/domain"
	"gallery/internal/images"
	"gallery/internal/middleware"
	"gallery/internal/processing"
	"gallery/internal/realtime"
	"gallery/internal/usage"
)

const (
	defaultMaxUpload = 10 << 20
	defaultKeepAlive = 25 * time.Second
)

// App carries the dependencies shared by every handler.
type App struct {
	Images     *images.Service
	Processing *processing.Orchestrator
	Usage      *usage.Governor
	Bus        *realtime.Bus
	Logger     zerolog.Logger

	// Database and Vision back the readiness checks. A nil Database means
	// the in-memory store.
	Database Pinger
	Vision   Pinger
	Version  string

	MaxUploadBytes int64
	// KeepAlive is the comment interval on event streams.
	KeepAlive time.Duration

	doneOnce  sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

// Close ends every open event stream. Call it when the server starts shutting down.
func (a *App) Close() {
	ch := a.closed()
	a.closeOnce.Do(func() { close(ch) })
}

func (a *App) closed() chan struct{} {
	a.doneOnce.Do(func() { a.done = make(chan struct{}) })
	return a.done
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, map[string]string{"error": errCode, "message": message})
}

func (a *App) currentUserID(r *http.Request) string {
	return auth.UserIDFromContext(r.Context())
}

// fail maps a service error onto a status code and the JSON error body.
func (a *App) fail(w http.ResponseWriter, r *http.Request, err error) {
	var quota *usage.QuotaError
	var invalid *images.ValidationError
	switch {
	case errors.As(err, &quota):
		a.json(w, http.StatusTooManyRequests, map[string]any{
			"error":   "quota_exceeded",
			"message": quotaMessage(middleware.LocaleFromContext(r.Context()), quota),
			"kind":    quota.Kind,
			"limit":   quota.Limit,
		})
	case errors.As(err, &invalid):
		a.json(w, http.StatusBadRequest, map[string]string{
			"error":   "validation_failed",
			"message": invalid.Error(),
			"field":   invalid.Field,
		})
	case errors.Is(err, domain.ErrValidation):
		a.error(w, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
	case errors.Is(err, domain.ErrForbidden):
		a.error(w, http.StatusForbidden, "forbidden", "not your image")
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", "image not found")
	case errors.Is(err, domain.ErrFeatureDisabled):
		a.error(w, http.StatusNotFound, "not_found", "feature disabled")
	case errors.Is(err, domain.ErrAlreadyProcessing):
		a.error(w, http.StatusConflict, "already_processing", err.Error())
	case errors.Is(err, domain.ErrStatusConflict):
		a.error(w, http.StatusConflict, "status_conflict", err.Error())
	case errors.Is(err, domain.ErrMaxAttempts):
		a.error(w, http.StatusConflict, "max_attempts", err.Error())
	case errors.Is(err, domain.ErrNotConfigured):
		a.error(w, http.StatusServiceUnavailable, "not_configured", err.Error())
	default:
		a.Logger.Error().Err(err).
			Str("request_id", middleware.RequestIDFromContext(r.Context())).
			Str("path", r.URL.Path).
			Msg("http: request failed")
		a.error(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func quotaMessage(locale string, q *usage.QuotaError) string {
	if locale == "id" {
		switch q.Kind {
		case usage.MonthlyLimitExceeded:
			return fmt.Sprintf("Batas bulanan %d permintaan analisis tercapai. Tunggu hingga batas direset atau tingkatkan paket Anda.", q.Limit)
		case usage.DailyLimitExceeded:
			return fmt.Sprintf("Batas harian %d permintaan analisis tercapai. Coba lagi besok atau tingkatkan paket Anda.", q.Limit)
		}
		return "Kuota analisis habis."
	}
	switch q.Kind {
	case usage.MonthlyLimitExceeded:
		return fmt.Sprintf("Monthly limit of %d analysis requests reached. Wait for the reset or upgrade your plan.", q.Limit)
	case usage.DailyLimitExceeded:
		return fmt.Sprintf("Daily limit of %d analysis requests reached. Try again tomorrow or upgrade your plan.", q.Limit)
	}
	return "Analysis quota exceeded."
}

func (a *App) maxUpload() int64 {
	if a.MaxUploadBytes > 0 {
		return a.MaxUploadBytes
	}
	return defaultMaxUpload
}

func (a *App) keepAlive() time.Duration {
	if a.KeepAlive > 0 {
		return a.KeepAlive
	}
	return defaultKeepAlive
}
