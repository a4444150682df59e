package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"movieshelf/handlers"
	"movieshelf/internal/database"
	"movieshelf/models"
	"movieshelf/services/identity"
	"movieshelf/services/savedmovies"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

type savedFixture struct {
	session *savedmovies.Session
	handler *handlers.SavedMoviesHandler
}

func newSavedFixture(t *testing.T, auth identity.Authenticator) *savedFixture {
	t.Helper()
	dir := t.TempDir()

	db, err := database.NewDB(database.Config{
		DatabasePath: filepath.Join(dir, "movieshelf.db"),
		DatabaseID:   "main",
		Logger:       zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	kv, err := identity.NewFileStore(afero.NewMemMapFs(), "/identity")
	if err != nil {
		t.Fatalf("failed to create identity store: %v", err)
	}
	resolver, err := identity.NewResolver(auth, kv, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create resolver: %v", err)
	}

	session, err := savedmovies.NewSession(context.Background(), savedmovies.SessionConfig{
		Store:      db.Documents,
		Resolver:   resolver,
		DatabaseID: "main",
		Collection: "saved_movies",
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
	t.Cleanup(session.Close)

	return &savedFixture{session: session, handler: handlers.NewSavedMoviesHandler(session)}
}

func savedRequest(method, movieID string, body any) *http.Request {
	var reader *bytes.Reader
	if body != nil {
		payload, _ := json.Marshal(body)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	path := "/api/saved"
	if movieID != "" {
		path += "/" + movieID
	}
	req := httptest.NewRequest(method, path, reader)
	if movieID != "" {
		req = mux.SetURLVars(req, map[string]string{"movieID": movieID})
	}
	return req
}

func TestSavedMoviesToggleRoundTrip(t *testing.T) {
	f := newSavedFixture(t, nil)

	poster := "/fight-club.jpg"
	snap := models.MovieSnapshot{ID: 550, Title: "Fight Club", PosterPath: &poster}

	rec := httptest.NewRecorder()
	f.handler.Toggle(rec, savedRequest(http.MethodPost, "550", snap))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var state struct {
		MovieID int64 `json:"movieId"`
		Saved   bool  `json:"saved"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatalf("failed to decode toggle response: %v", err)
	}
	if !state.Saved || state.MovieID != 550 {
		t.Fatalf("unexpected toggle response: %+v", state)
	}

	recGet := httptest.NewRecorder()
	f.handler.Get(recGet, savedRequest(http.MethodGet, "550", nil))
	if !strings.Contains(recGet.Body.String(), `"saved":true`) {
		t.Fatalf("expected movie to be saved, got %s", recGet.Body.String())
	}

	recList := httptest.NewRecorder()
	f.handler.List(recList, savedRequest(http.MethodGet, "", nil))
	var list struct {
		Identity string              `json:"identity"`
		Loaded   bool                `json:"loaded"`
		Items    []models.SavedMovie `json:"items"`
	}
	if err := json.Unmarshal(recList.Body.Bytes(), &list); err != nil {
		t.Fatalf("failed to decode list response: %v", err)
	}
	if !list.Loaded || len(list.Items) != 1 {
		t.Fatalf("expected one loaded item, got %+v", list)
	}
	if list.Items[0].MovieID != 550 || list.Items[0].DeviceID == "" {
		t.Fatalf("unexpected item: %+v", list.Items[0])
	}
	if list.Items[0].PosterURL == nil || *list.Items[0].PosterURL != "https://image.tmdb.org/t/p/w500/fight-club.jpg" {
		t.Fatalf("unexpected poster url: %v", list.Items[0].PosterURL)
	}
	if !strings.HasPrefix(list.Identity, "anonymous") {
		t.Fatalf("expected anonymous identity, got %q", list.Identity)
	}

	recAgain := httptest.NewRecorder()
	f.handler.Toggle(recAgain, savedRequest(http.MethodPost, "550", nil))
	if !strings.Contains(recAgain.Body.String(), `"saved":false`) {
		t.Fatalf("expected second toggle to unsave, got %s", recAgain.Body.String())
	}
	if f.session.IsSaved(550) {
		t.Fatalf("movie still saved after second toggle")
	}
}

func TestSavedMoviesSaveAndUnsave(t *testing.T) {
	f := newSavedFixture(t, nil)

	rec := httptest.NewRecorder()
	f.handler.Save(rec, savedRequest(http.MethodPost, "", models.MovieSnapshot{ID: 603, Title: "The Matrix"}))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rec.Code, rec.Body.String())
	}

	recDel := httptest.NewRecorder()
	f.handler.Unsave(recDel, savedRequest(http.MethodDelete, "603", nil))
	if recDel.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", recDel.Code)
	}
	if f.session.IsSaved(603) {
		t.Fatalf("expected movie to be removed")
	}
}

func TestSavedMoviesValidation(t *testing.T) {
	f := newSavedFixture(t, nil)

	cases := []struct {
		name string
		req  *http.Request
		call func(http.ResponseWriter, *http.Request)
	}{
		{"non numeric id", savedRequest(http.MethodGet, "abc", nil), f.handler.Get},
		{"negative id", savedRequest(http.MethodDelete, "-4", nil), f.handler.Unsave},
		{"mismatched body", savedRequest(http.MethodPost, "550", models.MovieSnapshot{ID: 551, Title: "x"}), f.handler.Toggle},
		{"missing title", savedRequest(http.MethodPost, "", models.MovieSnapshot{ID: 1}), f.handler.Save},
		{"unknown field", savedRequest(http.MethodPost, "", map[string]any{"id": 1, "title": "x", "rating": 5}), f.handler.Save},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		tc.call(rec, tc.req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected status 400, got %d", tc.name, rec.Code)
		}
	}
}

type stubSavedService struct {
	toggleErr error
}

func (s *stubSavedService) Identity() models.Identity { return models.Authenticated("u1") }
func (s *stubSavedService) List() []models.SavedMovie { return []models.SavedMovie{} }
func (s *stubSavedService) Status() savedmovies.Status { return savedmovies.Status{} }
func (s *stubSavedService) IsSaved(int64) bool { return false }
func (s *stubSavedService) Refresh(ctx context.Context) error { return s.toggleErr }
func (s *stubSavedService) Unsave(context.Context, int64) error { return s.toggleErr }
func (s *stubSavedService) Toggle(context.Context, int64, models.MovieSnapshot) (bool, error) {
	return false, s.toggleErr
}
func (s *stubSavedService) Save(context.Context, models.MovieSnapshot) (models.SavedMovie, error) {
	return models.SavedMovie{}, s.toggleErr
}

func TestSavedMoviesErrorStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{savedmovies.ErrToggleInFlight, http.StatusConflict},
		{fmt.Errorf("add movie 1: %w: %w", savedmovies.ErrRollbackRequired, savedmovies.ErrBackendUnavailable), http.StatusBadGateway},
		{savedmovies.ErrSessionClosed, http.StatusServiceUnavailable},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		h := handlers.NewSavedMoviesHandler(&stubSavedService{toggleErr: tc.err})
		rec := httptest.NewRecorder()
		h.Toggle(rec, savedRequest(http.MethodPost, "1", models.MovieSnapshot{Title: "x"}))
		if rec.Code != tc.want {
			t.Fatalf("%v: expected status %d, got %d", tc.err, tc.want, rec.Code)
		}
	}
}
