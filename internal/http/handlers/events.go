package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"gallery/internal/domain"
	"gallery/internal/middleware"
)

// streamBuffer bounds updates queued for one slow client. Overflow ends the
// stream so the client reconnects and re-fetches current state.
const streamBuffer = 32

// ImageEvents streams every processing update of the caller's images.
func (a *App) ImageEvents(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	a.stream(w, r, nil, func(cb func(domain.ProcessingUpdate)) (func(), error) {
		return a.Bus.SubscribeToUser(userID, cb)
	})
}

// SingleImageEvents streams updates of one owned image, starting with its
// current state.
func (a *App) SingleImageEvents(w http.ResponseWriter, r *http.Request) {
	img, err := a.Images.Get(r.Context(), a.currentUserID(r), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	initial := domain.UpdateFromImage(*img)
	a.stream(w, r, &initial, func(cb func(domain.ProcessingUpdate)) (func(), error) {
		return a.Bus.SubscribeToImage(img.ID, cb)
	})
}

func (a *App) stream(w http.ResponseWriter, r *http.Request, initial *domain.ProcessingUpdate, subscribe func(func(domain.ProcessingUpdate)) (func(), error)) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		a.error(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}
	if a.Bus == nil {
		a.error(w, http.StatusServiceUnavailable, "not_configured", "realtime updates unavailable")
		return
	}

	updates := make(chan domain.ProcessingUpdate, streamBuffer)
	overflow := make(chan struct{})
	var overflowOnce sync.Once
	reqID := middleware.RequestIDFromContext(r.Context())
	unsubscribe, err := subscribe(func(u domain.ProcessingUpdate) {
		select {
		case updates <- u:
		default:
			overflowOnce.Do(func() {
				a.Logger.Warn().Str("request_id", reqID).Str("image_id", u.ImageID).Msg("events: client too slow, closing stream")
				close(overflow)
			})
		}
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	defer unsubscribe()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "retry: 3000\n\n")
	if initial != nil {
		if err := writeEvent(w, *initial); err != nil {
			return
		}
	}
	flusher.Flush()

	ticker := time.NewTicker(a.keepAlive())
	defer ticker.Stop()
	done := a.closed()
	for {
		select {
		case <-overflow:
			return
		default:
		}
		select {
		case <-overflow:
			return
		case <-r.Context().Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case u := <-updates:
			if err := writeEvent(w, u); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, u domain.ProcessingUpdate) error {
	payload, err := json.Marshal(newUpdateResponse(u))
	if err != nil {
		return err
	}
	event := "processing"
	if u.Status == domain.StatusDeleted {
		event = "deleted"
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", u.UpdatedAt.UnixMilli(), event, payload)
	return err
}
