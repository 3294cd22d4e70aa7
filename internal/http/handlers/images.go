package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"gallery/internal/domain"
	"gallery/internal/images"
)

const uploadField = "file"

func (a *App) UploadImage(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	// Leave room for multipart framing so an oversized file reaches validation.
	r.Body = http.MaxBytesReader(w, r.Body, a.maxUpload()+1<<20)
	file, header, err := r.FormFile(uploadField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.error(w, http.StatusRequestEntityTooLarge, "too_large", "file exceeds the upload limit")
			return
		}
		a.error(w, http.StatusBadRequest, "bad_request", "multipart field \"file\" is required")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "failed to read upload")
		return
	}

	res, err := a.Images.Upload(r.Context(), userID, images.UploadInput{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	body := map[string]any{
		"success":            true,
		"image_id":           res.Image.ID,
		"message":            "Image uploaded successfully",
		"processing_started": res.ProcessingStarted,
		"image":              newImageResponse(res.Image),
	}
	if res.ProcessingError != "" {
		body["processing_error"] = res.ProcessingError
	}
	a.json(w, http.StatusCreated, body)
}

func (a *App) ListImages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	res, err := a.Images.List(r.Context(), a.currentUserID(r), domain.ListOptions{
		Page:   page,
		Limit:  limit,
		Status: domain.ImageStatus(q.Get("status")),
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, newPageResponse(res))
}

func (a *App) GetImage(w http.ResponseWriter, r *http.Request) {
	img, err := a.Images.Get(r.Context(), a.currentUserID(r), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, newImageResponse(*img))
}

func (a *App) DeleteImage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.Images.Delete(r.Context(), a.currentUserID(r), id); err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{
		"success":  true,
		"image_id": id,
		"message":  "Image deleted successfully",
	})
}

func (a *App) DownloadImage(w http.ResponseWriter, r *http.Request) {
	dl, err := a.Images.Download(r.Context(), a.currentUserID(r), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", dl.MIMEType)
	w.Header().Set("Content-Length", strconv.Itoa(len(dl.Data)))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": dl.Filename}))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(dl.Data)
}

func (a *App) RetryProcessing(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.Processing.RetryProcessing(r.Context(), a.currentUserID(r), id); err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusAccepted, map[string]any{"success": true, "image_id": id, "message": "AI processing restarted"})
}

func (a *App) ResetStuck(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.Processing.ResetStuck(r.Context(), a.currentUserID(r), id); err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusAccepted, map[string]any{"success": true, "image_id": id, "message": "Stuck processing reset"})
}

func (a *App) ForceComplete(w http.ResponseWriter, r *http.Request) {
	img, err := a.Processing.ForceComplete(r.Context(), a.currentUserID(r), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, newImageResponse(*img))
}

type batchRequest struct {
	ImageIDs []string `json:"image_ids"`
}

const maxBatchIDs = 100

func (a *App) ProcessBatch(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	var req batchRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if len(req.ImageIDs) == 0 || len(req.ImageIDs) > maxBatchIDs {
		a.error(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("image_ids must hold 1..%d ids", maxBatchIDs))
		return
	}
	results := a.Processing.ProcessBatch(r.Context(), userID, req.ImageIDs)
	queued := 0
	for _, res := range results {
		if res.Queued {
			queued++
		}
	}
	a.json(w, http.StatusOK, map[string]any{"results": results, "queued": queued, "total": len(results)})
}

func (a *App) ExportImages(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	n, err := a.Images.Export(r.Context(), a.currentUserID(r), &buf)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	name := fmt.Sprintf("gallery-export-%s.zip", time.Now().UTC().Format("20060102"))
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	w.Header().Set("X-Export-Count", strconv.Itoa(n))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}
