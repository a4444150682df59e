// Package savedmovies keeps the "is this movie saved" state of one owner in
// sync between optimistic local toggles, the document store and the store's
// change feed.
package savedmovies

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"movieshelf/internal/docstore"
	"movieshelf/models"
)

const tracerName = "movieshelf/services/savedmovies"

// OwnerSource yields the identity repository calls are scoped to. It is
// consulted on every call so identity switches apply immediately.
type OwnerSource interface {
	Owner(ctx context.Context) (models.Identity, error)
}

// OwnerFunc adapts a function to OwnerSource.
type OwnerFunc func(ctx context.Context) (models.Identity, error)

func (f OwnerFunc) Owner(ctx context.Context) (models.Identity, error) { return f(ctx) }

// FixedOwner always returns id.
func FixedOwner(id models.Identity) OwnerSource {
	return OwnerFunc(func(context.Context) (models.Identity, error) { return id, nil })
}

// Repository reads and writes the saved-movie documents of the current owner.
type Repository struct {
	store      docstore.Store
	owner      OwnerSource
	collection string
	now        func() time.Time
	log        zerolog.Logger
	tracer     trace.Tracer
}

// NewRepository builds a repository over collection.
func NewRepository(store docstore.Store, owner OwnerSource, collection string, log zerolog.Logger) *Repository {
	return &Repository{
		store:      store,
		owner:      owner,
		collection: collection,
		now:        time.Now,
		log:        log.With().Str("component", "savedmovies.repository").Logger(),
		tracer:     otel.Tracer(tracerName),
	}
}

// WithClock replaces the clock used for savedAt.
func (r *Repository) WithClock(now func() time.Time) *Repository {
	if now != nil {
		r.now = now
	}
	return r
}

// Collection returns the collection the repository writes to.
func (r *Repository) Collection() string { return r.collection }

// List returns the owner's saved movies, most recently saved first.
func (r *Repository) List(ctx context.Context) (out []models.SavedMovie, err error) {
	ctx, span := r.startSpan(ctx, "savedmovies.List")
	defer func() { endSpan(span, err) }()

	owner, err := r.resolve(ctx)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(ownerAttributes(owner)...)

	docs, err := r.store.ListDocuments(ctx, r.collection, []docstore.Query{
		docstore.Equal(owner.OwnerField(), owner.OwnerKey()),
		docstore.OrderDesc(models.FieldSavedAt),
	})
	if err != nil {
		return nil, fmt.Errorf("list saved movies: %w: %w", ErrBackendUnavailable, err)
	}

	out = make([]models.SavedMovie, 0, len(docs))
	for _, doc := range docs {
		rec, ok := fromDocument(doc)
		if !ok {
			r.log.Warn().Str("id", doc.ID).Msg("skipping saved movie document without movie_id")
			continue
		}
		out = append(out, rec)
	}
	span.SetAttributes(attribute.Int("savedmovies.count", len(out)))
	return out, nil
}

// Exists reports whether the owner has saved movieID. Failures read as false.
func (r *Repository) Exists(ctx context.Context, movieID int64) bool {
	ctx, span := r.startSpan(ctx, "savedmovies.Exists")
	defer span.End()

	owner, err := r.resolve(ctx)
	if err != nil {
		r.log.Warn().Err(err).Int64("movieId", movieID).Msg("exists check failed")
		return false
	}
	_, found, err := r.find(ctx, owner, movieID)
	if err != nil {
		span.RecordError(err)
		r.log.Warn().Err(err).Int64("movieId", movieID).Msg("exists check failed")
		return false
	}
	return found
}

// Create saves the snapshot for the owner. When the movie is already saved
// the existing record is returned unchanged.
func (r *Repository) Create(ctx context.Context, snap models.MovieSnapshot) (rec models.SavedMovie, err error) {
	ctx, span := r.startSpan(ctx, "savedmovies.Create")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.Int64("movie.id", snap.ID))

	if err := validateSnapshot(snap); err != nil {
		return models.SavedMovie{}, err
	}

	owner, err := r.resolve(ctx)
	if err != nil {
		return models.SavedMovie{}, err
	}
	span.SetAttributes(ownerAttributes(owner)...)

	existing, found, err := r.find(ctx, owner, snap.ID)
	if err != nil {
		return models.SavedMovie{}, fmt.Errorf("check saved movie %d: %w", snap.ID, err)
	}
	if found {
		r.log.Debug().Int64("movieId", snap.ID).Str("owner", owner.String()).Msg("movie already saved, skipping duplicate")
		return existing, nil
	}

	record := snap.Record(owner, r.now())
	doc, err := r.store.CreateDocument(ctx, r.collection, docstore.UniqueID, toDocumentFields(record), permissionsFor(owner))
	if err != nil {
		return models.SavedMovie{}, fmt.Errorf("save movie %d: %w: %w", snap.ID, ErrBackendUnavailable, err)
	}

	stored, ok := fromDocument(doc)
	if !ok {
		record.ID = doc.ID
		stored = record
	}
	r.log.Info().Int64("movieId", snap.ID).Str("owner", owner.String()).Msg("movie saved")
	return stored, nil
}

// Remove deletes every record of movieID for the owner. Removing a movie
// that is not saved is a no-op.
func (r *Repository) Remove(ctx context.Context, movieID int64) (err error) {
	ctx, span := r.startSpan(ctx, "savedmovies.Remove")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.Int64("movie.id", movieID))

	if movieID <= 0 {
		return ErrMovieIDRequired
	}

	owner, err := r.resolve(ctx)
	if err != nil {
		return err
	}
	span.SetAttributes(ownerAttributes(owner)...)

	docs, err := r.store.ListDocuments(ctx, r.collection, []docstore.Query{
		docstore.Equal(owner.OwnerField(), owner.OwnerKey()),
		docstore.Equal(models.FieldMovieID, movieID),
	})
	if err != nil {
		return fmt.Errorf("find saved movie %d: %w: %w", movieID, ErrBackendUnavailable, err)
	}

	for _, doc := range docs {
		if err := r.store.DeleteDocument(ctx, r.collection, doc.ID); err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				continue
			}
			return fmt.Errorf("remove saved movie %d: %w: %w", movieID, ErrBackendUnavailable, err)
		}
	}
	if len(docs) > 0 {
		r.log.Info().Int64("movieId", movieID).Str("owner", owner.String()).Int("records", len(docs)).Msg("movie removed")
	}
	return nil
}

func (r *Repository) find(ctx context.Context, owner models.Identity, movieID int64) (models.SavedMovie, bool, error) {
	docs, err := r.store.ListDocuments(ctx, r.collection, []docstore.Query{
		docstore.Equal(owner.OwnerField(), owner.OwnerKey()),
		docstore.Equal(models.FieldMovieID, movieID),
		docstore.Limit(1),
	})
	if err != nil {
		return models.SavedMovie{}, false, fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	if len(docs) == 0 {
		return models.SavedMovie{}, false, nil
	}
	rec, ok := fromDocument(docs[0])
	if !ok {
		return models.SavedMovie{}, false, nil
	}
	return rec, true, nil
}

func (r *Repository) resolve(ctx context.Context) (models.Identity, error) {
	if r.owner == nil {
		return models.Identity{}, ErrIdentityRequired
	}
	owner, err := r.owner.Owner(ctx)
	if err != nil {
		return models.Identity{}, fmt.Errorf("resolve owner: %w", err)
	}
	if owner.IsZero() {
		return models.Identity{}, ErrIdentityRequired
	}
	return owner, nil
}

func (r *Repository) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("docstore.collection", r.collection)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func ownerAttributes(owner models.Identity) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("owner.kind", owner.Kind().String()),
		attribute.String("owner.key", owner.OwnerKey()),
	}
}

func validateSnapshot(snap models.MovieSnapshot) error {
	if snap.ID <= 0 {
		return ErrMovieIDRequired
	}
	if strings.TrimSpace(snap.Title) == "" {
		return ErrTitleRequired
	}
	return nil
}

// permissionsFor grants the signed-in user full control of their record.
// Anonymous records carry no ACL.
func permissionsFor(owner models.Identity) []string {
	if owner.Kind() != models.IdentityAuthenticated {
		return nil
	}
	role := docstore.UserRole(owner.OwnerKey())
	return []string{
		docstore.PermissionRead(role),
		docstore.PermissionUpdate(role),
		docstore.PermissionDelete(role),
	}
}
