package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"movieshelf/models"
	"movieshelf/services/savedmovies"

	"github.com/gorilla/mux"
)

type savedMoviesService interface {
	Identity() models.Identity
	List() []models.SavedMovie
	Status() savedmovies.Status
	IsSaved(movieID int64) bool
	Refresh(ctx context.Context) error
	Toggle(ctx context.Context, movieID int64, snap models.MovieSnapshot) (bool, error)
	Save(ctx context.Context, snap models.MovieSnapshot) (models.SavedMovie, error)
	Unsave(ctx context.Context, movieID int64) error
}

var _ savedMoviesService = (*savedmovies.Session)(nil)

type SavedMoviesHandler struct {
	Service savedMoviesService
}

func NewSavedMoviesHandler(service savedMoviesService) *SavedMoviesHandler {
	return &SavedMoviesHandler{Service: service}
}

type savedListResponse struct {
	Identity string              `json:"identity"`
	Loaded   bool                `json:"loaded"`
	Loading  bool                `json:"loading"`
	Error    string              `json:"error,omitempty"`
	Items    []models.SavedMovie `json:"items"`
}

type savedStateResponse struct {
	MovieID int64 `json:"movieId"`
	Saved   bool  `json:"saved"`
}

func (h *SavedMoviesHandler) listResponse() savedListResponse {
	st := h.Service.Status()
	resp := savedListResponse{
		Identity: h.Service.Identity().String(),
		Loaded:   st.Loaded,
		Loading:  st.Loading,
		Items:    h.Service.List(),
	}
	if st.Err != nil {
		resp.Error = st.Err.Error()
	}
	return resp
}

// List returns the cached saved movies, most recent first, with load status.
func (h *SavedMoviesHandler) List(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.listResponse())
}

func (h *SavedMoviesHandler) Get(w http.ResponseWriter, r *http.Request) {
	movieID, ok := movieIDFromPath(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(savedStateResponse{MovieID: movieID, Saved: h.Service.IsSaved(movieID)})
}

// Refresh reloads the list from the store.
func (h *SavedMoviesHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.Refresh(r.Context()); err != nil {
		http.Error(w, err.Error(), savedMoviesStatus(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.listResponse())
}

// Toggle flips the saved state of a movie. The body is the movie snapshot
// used when the toggle ends up saving.
func (h *SavedMoviesHandler) Toggle(w http.ResponseWriter, r *http.Request) {
	movieID, ok := movieIDFromPath(w, r)
	if !ok {
		return
	}

	snap, ok := decodeSnapshot(w, r, movieID)
	if !ok {
		return
	}

	saved, err := h.Service.Toggle(r.Context(), movieID, snap)
	if err != nil {
		http.Error(w, err.Error(), savedMoviesStatus(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(savedStateResponse{MovieID: movieID, Saved: saved})
}

func (h *SavedMoviesHandler) Save(w http.ResponseWriter, r *http.Request) {
	snap, ok := decodeSnapshot(w, r, 0)
	if !ok {
		return
	}

	record, err := h.Service.Save(r.Context(), snap)
	if err != nil {
		http.Error(w, err.Error(), savedMoviesStatus(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(record)
}

func (h *SavedMoviesHandler) Unsave(w http.ResponseWriter, r *http.Request) {
	movieID, ok := movieIDFromPath(w, r)
	if !ok {
		return
	}

	if err := h.Service.Unsave(r.Context(), movieID); err != nil {
		http.Error(w, err.Error(), savedMoviesStatus(err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *SavedMoviesHandler) Options(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func movieIDFromPath(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := strings.TrimSpace(mux.Vars(r)["movieID"])
	if raw == "" {
		http.Error(w, "movie id is required", http.StatusBadRequest)
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "movie id must be a positive integer", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// decodeSnapshot reads the snapshot body. When pathID is set the body id
// may be omitted but must not disagree with it.
func decodeSnapshot(w http.ResponseWriter, r *http.Request, pathID int64) (models.MovieSnapshot, bool) {
	var snap models.MovieSnapshot
	if r.Body != nil && r.ContentLength != 0 {
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&snap); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return models.MovieSnapshot{}, false
		}
	}
	if pathID > 0 {
		if snap.ID == 0 {
			snap.ID = pathID
		} else if snap.ID != pathID {
			http.Error(w, "movie id in body does not match path", http.StatusBadRequest)
			return models.MovieSnapshot{}, false
		}
	}
	return snap, true
}

func savedMoviesStatus(err error) int {
	switch {
	case errors.Is(err, savedmovies.ErrMovieIDRequired), errors.Is(err, savedmovies.ErrTitleRequired):
		return http.StatusBadRequest
	case errors.Is(err, savedmovies.ErrToggleInFlight):
		return http.StatusConflict
	case errors.Is(err, savedmovies.ErrControllerClosed), errors.Is(err, savedmovies.ErrSessionClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, savedmovies.ErrBackendUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
