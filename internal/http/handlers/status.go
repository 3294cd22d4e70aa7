package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"gallery/internal/domain"
)

const (
	serviceName  = "gallery-api"
	checkTimeout = 3 * time.Second
)

// Pinger is a dependency that can report whether it is reachable.
// *pgxpool.Pool and the vision client satisfy it.
type Pinger interface {
	Ping(ctx context.Context) error
}

type check struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type processorCheck struct {
	check
	ActiveTasks   int `json:"active_tasks"`
	MaxConcurrent int `json:"max_concurrent"`
}

// Health answers without touching any dependency.
func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": serviceName,
		"version": a.version(),
	})
}

// Live reports that the process is serving requests.
func (a *App) Live(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]string{"status": "alive"})
}

// Ready fails with 503 while the record store is unreachable or a configured
// vision endpoint rejects us. A missing vision key does not block readiness
// since uploads still work without analysis.
func (a *App) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.pingDatabase(r.Context()); err != nil {
		a.json(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "reason": "database: " + err.Error()})
		return
	}
	if err := a.pingVision(r.Context()); err != nil && !errors.Is(err, domain.ErrNotConfigured) {
		a.json(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "reason": err.Error()})
		return
	}
	a.json(w, http.StatusOK, map[string]string{"status": "ready"})
}

// DetailedHealth runs every check and reports "degraded" when any fails.
func (a *App) DetailedHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]any{}
	healthy := true

	db := result(a.pingDatabase(r.Context()))
	if a.Database == nil {
		db.Message = "in-memory store"
	}
	checks["database"] = db
	healthy = healthy && db.Status == "healthy"

	if a.Processing != nil {
		st := a.Processing.Status()
		checks["processor"] = processorCheck{
			check:         check{Status: "healthy", Message: fmt.Sprintf("%d active tasks", st.ActiveTasks)},
			ActiveTasks:   st.ActiveTasks,
			MaxConcurrent: st.MaxConcurrent,
		}
	}

	vc := result(a.pingVision(r.Context()))
	if a.Vision == nil {
		vc = check{Status: "unhealthy", Message: "not configured"}
	}
	checks["vision"] = vc
	healthy = healthy && vc.Status == "healthy"

	status := "healthy"
	if !healthy {
		status = "degraded"
	}
	a.json(w, http.StatusOK, map[string]any{
		"status":  status,
		"service": serviceName,
		"version": a.version(),
		"checks":  checks,
	})
}

// pingDatabase is a no-op for the in-memory store.
func (a *App) pingDatabase(ctx context.Context) error {
	if a.Database == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	return a.Database.Ping(ctx)
}

func (a *App) pingVision(ctx context.Context) error {
	if a.Vision == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	return a.Vision.Ping(ctx)
}

func result(err error) check {
	if err != nil {
		return check{Status: "unhealthy", Message: err.Error()}
	}
	return check{Status: "healthy", Message: "connected"}
}

func (a *App) version() string {
	if a.Version != "" {
		return a.Version
	}
	return "dev"
}

// UsageStats reports the vision quota counters.
func (a *App) UsageStats(w http.ResponseWriter, r *http.Request) {
	if a.currentUserID(r) == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	stats := a.Usage.GetUsageStats()
	a.json(w, http.StatusOK, map[string]any{
		"usage":       stats,
		"can_request": a.Usage.CanMakeRequest(),
	})
}

// ProcessingStatus reports in-flight analyses and event bus counters.
func (a *App) ProcessingStatus(w http.ResponseWriter, r *http.Request) {
	if a.currentUserID(r) == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	body := map[string]any{"processing": a.Processing.Status()}
	if a.Bus != nil {
		body["realtime"] = a.Bus.Stats()
	}
	a.json(w, http.StatusOK, body)
}
