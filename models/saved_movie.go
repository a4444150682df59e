package models

import (
	"strings"
	"time"
)

// Document field names used by the saved-movies collection. They are shared
// with other clients of the store and must not change.
const (
	FieldUserID      = "userId"
	FieldDeviceID    = "deviceId"
	FieldMovieID     = "movie_id"
	FieldTitle       = "title"
	FieldPosterURL   = "poster_url"
	FieldOverview    = "overview"
	FieldReleaseDate = "release_date"
	FieldVoteAverage = "vote_average"
	FieldSavedAt     = "savedAt"
)

// TimestampLayout is the fixed-width UTC layout used for savedAt so that
// lexical and chronological order agree inside the store.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

const (
	tmdbImageBaseURL = "https://image.tmdb.org/t/p"
	tmdbPosterSize   = "w500"
)

// SavedMovie is a movie the owner has saved, with a snapshot of the catalog
// metadata taken at save time.
type SavedMovie struct {
	ID          string    `json:"$id"`
	UserID      string    `json:"userId,omitempty"`
	DeviceID    string    `json:"deviceId,omitempty"`
	MovieID     int64     `json:"movie_id"`
	Title       string    `json:"title"`
	PosterURL   *string   `json:"poster_url"`
	Overview    string    `json:"overview"`
	ReleaseDate string    `json:"release_date"`
	VoteAverage float64   `json:"vote_average"`
	SavedAt     time.Time `json:"savedAt"`
}

// OwnerKey returns whichever owner field is populated.
func (m SavedMovie) OwnerKey() string {
	if m.UserID != "" {
		return m.UserID
	}
	return m.DeviceID
}

// MovieSnapshot is the catalog data a caller hands over when saving a movie.
type MovieSnapshot struct {
	ID          int64   `json:"id"`
	Title       string  `json:"title"`
	PosterPath  *string `json:"poster_path"`
	Overview    string  `json:"overview,omitempty"`
	ReleaseDate string  `json:"release_date,omitempty"`
	VoteAverage float64 `json:"vote_average,omitempty"`
}

// PosterURL expands the catalog poster path into an absolute image URL.
func (s MovieSnapshot) PosterURL() *string {
	if s.PosterPath == nil {
		return nil
	}
	path := strings.TrimSpace(*s.PosterPath)
	if path == "" {
		return nil
	}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return &path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	url := tmdbImageBaseURL + "/" + tmdbPosterSize + path
	return &url
}

// Record builds a SavedMovie from the snapshot for the given owner.
func (s MovieSnapshot) Record(owner Identity, savedAt time.Time) SavedMovie {
	rec := SavedMovie{
		MovieID:     s.ID,
		Title:       strings.TrimSpace(s.Title),
		PosterURL:   s.PosterURL(),
		Overview:    s.Overview,
		ReleaseDate: s.ReleaseDate,
		VoteAverage: s.VoteAverage,
		SavedAt:     savedAt.UTC(),
	}
	switch owner.Kind() {
	case IdentityAuthenticated:
		rec.UserID = owner.OwnerKey()
	case IdentityAnonymous:
		rec.DeviceID = owner.OwnerKey()
	}
	return rec
}
