package trending

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/mozillazg/go-unidecode"
	"github.com/rs/zerolog"

	"movieshelf/internal/docstore"
	"movieshelf/models"
)

const DefaultTopN = 5

var (
	ErrStoreRequired = errors.New("document store is required")
	ErrTermRequired  = errors.New("search term is required")
	ErrMovieRequired = errors.New("movie id is required")
)

// Service counts which movie each search term led to.
type Service struct {
	store      docstore.Store
	collection string
	log        zerolog.Logger

	// counts are read-modify-write; serialise them within this process.
	mu sync.Mutex
}

// NewService builds a trending service over collection.
func NewService(store docstore.Store, collection string, log zerolog.Logger) (*Service, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	if strings.TrimSpace(collection) == "" {
		collection = "trending"
	}
	return &Service{
		store:      store,
		collection: collection,
		log:        log.With().Str("component", "trending").Logger(),
	}, nil
}

// NormaliseTerm lowercases and trims a search term and folds it to ASCII.
func NormaliseTerm(term string) string {
	term = unidecode.Unidecode(strings.TrimSpace(term))
	return strings.ToLower(strings.Join(strings.Fields(term), " "))
}

// RecordSearch bumps the counter of term, creating it for movie on first use.
func (s *Service) RecordSearch(ctx context.Context, term string, movie models.MovieSnapshot) (models.TrendingMovie, error) {
	term = NormaliseTerm(term)
	if term == "" {
		return models.TrendingMovie{}, ErrTermRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	docs, err := s.store.ListDocuments(ctx, s.collection, []docstore.Query{
		docstore.Equal(models.FieldSearchTerm, term),
		docstore.Limit(1),
	})
	if err != nil {
		return models.TrendingMovie{}, fmt.Errorf("find search term: %w", err)
	}

	if len(docs) > 0 {
		count, _ := docs[0].Int(models.FieldCount)
		doc, err := s.store.UpdateDocument(ctx, s.collection, docs[0].ID, map[string]any{
			models.FieldCount: count + 1,
		})
		if err != nil {
			return models.TrendingMovie{}, fmt.Errorf("update search count: %w", err)
		}
		return fromDocument(doc), nil
	}

	if movie.ID <= 0 {
		return models.TrendingMovie{}, fmt.Errorf("record search %q: %w", term, ErrMovieRequired)
	}
	fields := map[string]any{
		models.FieldSearchTerm: term,
		models.FieldMovieID:    movie.ID,
		models.FieldTitle:      movie.Title,
		models.FieldCount:      int64(1),
	}
	if poster := movie.PosterURL(); poster != nil {
		fields[models.FieldPosterURL] = *poster
	}
	doc, err := s.store.CreateDocument(ctx, s.collection, docstore.UniqueID, fields, nil)
	if err != nil {
		return models.TrendingMovie{}, fmt.Errorf("create search count: %w", err)
	}
	return fromDocument(doc), nil
}

// Top returns the n most searched entries. Failures are logged and yield an
// empty list.
func (s *Service) Top(ctx context.Context, n int) []models.TrendingMovie {
	if n <= 0 {
		n = DefaultTopN
	}

	docs, err := s.store.ListDocuments(ctx, s.collection, []docstore.Query{
		docstore.Limit(n),
		docstore.OrderDesc(models.FieldCount),
	})
	if err != nil {
		s.log.Error().Err(err).Msg("fetch trending movies")
		return []models.TrendingMovie{}
	}

	out := make([]models.TrendingMovie, 0, len(docs))
	for _, doc := range docs {
		out = append(out, fromDocument(doc))
	}
	return out
}

func fromDocument(doc docstore.Document) models.TrendingMovie {
	movieID, _ := doc.Int(models.FieldMovieID)
	count, _ := doc.Int(models.FieldCount)
	return models.TrendingMovie{
		ID:         doc.ID,
		SearchTerm: doc.String(models.FieldSearchTerm),
		MovieID:    movieID,
		Title:      doc.String(models.FieldTitle),
		Count:      count,
		PosterURL:  doc.StringPtr(models.FieldPosterURL),
	}
}
