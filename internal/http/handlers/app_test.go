package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"gallery/internal/domain"
	"gallery/internal/images"
	"gallery/internal/middleware"
	"gallery/internal/usage"
)

func TestFailStatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
		want string
	}{
		{"validation", &images.ValidationError{Field: "file", Message: "too large"}, http.StatusBadRequest, "validation_failed"},
		{"wrapped validation", fmt.Errorf("decode: %w", domain.ErrValidation), http.StatusBadRequest, "validation_failed"},
		{"unauthorized", domain.ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
		{"forbidden", domain.ErrForbidden, http.StatusForbidden, "forbidden"},
		{"not found", fmt.Errorf("image file: %w", domain.ErrNotFound), http.StatusNotFound, "not_found"},
		{"disabled", domain.ErrFeatureDisabled, http.StatusNotFound, "not_found"},
		{"processing", domain.ErrAlreadyProcessing, http.StatusConflict, "already_processing"},
		{"conflict", domain.ErrStatusConflict, http.StatusConflict, "status_conflict"},
		{"attempts", fmt.Errorf("%w (3)", domain.ErrMaxAttempts), http.StatusConflict, "max_attempts"},
		{"quota", &usage.QuotaError{Kind: usage.DailyLimitExceeded, Limit: 150}, http.StatusTooManyRequests, "quota_exceeded"},
		{"not configured", domain.ErrNotConfigured, http.StatusServiceUnavailable, "not_configured"},
		{"unknown", errors.New("disk on fire"), http.StatusInternalServerError, "internal"},
	}
	app := &App{Logger: zerolog.Nop()}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			app.fail(rr, httptest.NewRequest(http.MethodGet, "/images/x", nil), tt.err)
			if rr.Code != tt.code {
				t.Fatalf("expected %d, got %d", tt.code, rr.Code)
			}
			var body map[string]any
			if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if body["error"] != tt.want {
				t.Fatalf("expected error %q, got %v", tt.want, body["error"])
			}
		})
	}
}

func TestQuotaMessageLocales(t *testing.T) {
	q := &usage.QuotaError{Kind: usage.MonthlyLimitExceeded, Limit: 4000}
	if got := quotaMessage("en", q); got != "Monthly limit of 4000 analysis requests reached. Wait for the reset or upgrade your plan." {
		t.Fatalf("unexpected english message %q", got)
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(context.WithValue(req.Context(), middleware.LocaleKey, "id"))
	rr := httptest.NewRecorder()
	(&App{}).fail(rr, req, q)
	var body map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["message"] != quotaMessage("id", q) || body["limit"] != float64(4000) {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	app := &App{}
	app.Close()
	app.Close()
	select {
	case <-app.closed():
	default:
		t.Fatal("expected closed channel")
	}
}
