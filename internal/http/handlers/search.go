package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"gallery/internal/domain"
	"gallery/internal/images"
)

func (a *App) SearchImages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	var tags []string
	if raw := q.Get("tags"); raw != "" {
		tags = strings.Split(raw, ",")
	}
	res, err := a.Images.Search(r.Context(), a.currentUserID(r), domain.SearchFilters{
		Query:     q.Get("q"),
		Color:     q.Get("color"),
		Tags:      tags,
		SortBy:    q.Get("sort_by"),
		SortOrder: domain.SortOrder(strings.ToLower(q.Get("sort_order"))),
		Page:      page,
		Limit:     limit,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, newPageResponse(res))
}

func (a *App) SimilarImages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	threshold := images.DefaultSimilarityThreshold
	if raw := q.Get("similarity_threshold"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 || v > 1 {
			a.error(w, http.StatusBadRequest, "validation_failed", "similarity_threshold must be between 0 and 1")
			return
		}
		threshold = v
	}
	id := chi.URLParam(r, "id")
	matches, err := a.Images.Similar(r.Context(), a.currentUserID(r), id, limit, threshold)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	out := make([]similarResponse, 0, len(matches))
	for _, m := range matches {
		out = append(out, newSimilarResponse(m))
	}
	a.json(w, http.StatusOK, map[string]any{
		"source_image_id":      id,
		"similar_images":       out,
		"total":                len(out),
		"similarity_threshold": threshold,
	})
}

func (a *App) SearchSuggestions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	if query == "" {
		query = r.URL.Query().Get("q")
	}
	res, err := a.Images.Suggestions(r.Context(), a.currentUserID(r), query)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, res)
}
