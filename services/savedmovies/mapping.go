package savedmovies

import (
	"time"

	"movieshelf/internal/docstore"
	"movieshelf/models"
)

func toDocumentFields(rec models.SavedMovie) map[string]any {
	fields := map[string]any{
		models.FieldMovieID:     rec.MovieID,
		models.FieldTitle:       rec.Title,
		models.FieldOverview:    rec.Overview,
		models.FieldReleaseDate: rec.ReleaseDate,
		models.FieldVoteAverage: rec.VoteAverage,
		models.FieldSavedAt:     rec.SavedAt.UTC().Format(models.TimestampLayout),
	}
	if rec.PosterURL != nil {
		fields[models.FieldPosterURL] = *rec.PosterURL
	}
	if rec.UserID != "" {
		fields[models.FieldUserID] = rec.UserID
	}
	if rec.DeviceID != "" {
		fields[models.FieldDeviceID] = rec.DeviceID
	}
	return fields
}

// fromDocument maps a stored document back to a record. Documents without a
// movie id are rejected.
func fromDocument(doc docstore.Document) (models.SavedMovie, bool) {
	movieID, ok := doc.Int(models.FieldMovieID)
	if !ok || movieID <= 0 {
		return models.SavedMovie{}, false
	}

	rec := models.SavedMovie{
		ID:          doc.ID,
		UserID:      doc.String(models.FieldUserID),
		DeviceID:    doc.String(models.FieldDeviceID),
		MovieID:     movieID,
		Title:       doc.String(models.FieldTitle),
		PosterURL:   doc.StringPtr(models.FieldPosterURL),
		Overview:    doc.String(models.FieldOverview),
		ReleaseDate: doc.String(models.FieldReleaseDate),
	}
	if vote, ok := doc.Float(models.FieldVoteAverage); ok {
		rec.VoteAverage = vote
	}
	if raw := doc.String(models.FieldSavedAt); raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			rec.SavedAt = t.UTC()
		}
	}
	if rec.SavedAt.IsZero() {
		rec.SavedAt = doc.CreatedAt.UTC()
	}
	return rec, true
}
