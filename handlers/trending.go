package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"movieshelf/models"
	"movieshelf/services/trending"
)

type trendingService interface {
	RecordSearch(ctx context.Context, term string, movie models.MovieSnapshot) (models.TrendingMovie, error)
	Top(ctx context.Context, n int) []models.TrendingMovie
}

var _ trendingService = (*trending.Service)(nil)

type TrendingHandler struct {
	Service trendingService
}

func NewTrendingHandler(service trendingService) *TrendingHandler {
	return &TrendingHandler{Service: service}
}

// Top lists the most searched movies; ?limit= overrides the default count.
func (h *TrendingHandler) Top(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.Service.Top(r.Context(), limit))
}

func (h *TrendingHandler) RecordSearch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Term  string               `json:"term"`
		Movie models.MovieSnapshot `json:"movie"`
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	entry, err := h.Service.RecordSearch(r.Context(), body.Term, body.Movie)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, trending.ErrTermRequired) || errors.Is(err, trending.ErrMovieRequired) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entry)
}

func (h *TrendingHandler) Options(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
