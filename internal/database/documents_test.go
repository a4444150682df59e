package database

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"movieshelf/internal/docstore"
)

const savedCollection = "saved_movies"

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(Config{
		DatabasePath: filepath.Join(t.TempDir(), "movieshelf.db"),
		DatabaseID:   "main",
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestCreateAssignsIDAndSequence(t *testing.T) {
	store := newTestDB(t).Documents
	ctx := context.Background()

	first, err := store.CreateDocument(ctx, savedCollection, docstore.UniqueID, map[string]any{
		"userId":   "u1",
		"movie_id": int64(550),
		"title":    "Fight Club",
	}, []string{docstore.PermissionRead(docstore.UserRole("u1"))})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.NotEqual(t, docstore.UniqueID, first.ID)
	assert.Equal(t, savedCollection, first.Collection)
	assert.Equal(t, []string{`read("user:u1")`}, first.Permissions)

	id, ok := first.Int("movie_id")
	require.True(t, ok)
	assert.Equal(t, int64(550), id)

	second, err := store.CreateDocument(ctx, savedCollection, docstore.UniqueID, map[string]any{"movie_id": 13}, nil)
	require.NoError(t, err)
	assert.Greater(t, second.Sequence, first.Sequence)
	assert.Empty(t, second.Permissions)
}

func TestCreateDuplicateIDConflicts(t *testing.T) {
	store := newTestDB(t).Documents
	ctx := context.Background()

	_, err := store.CreateDocument(ctx, savedCollection, "fixed", map[string]any{"movie_id": 1}, nil)
	require.NoError(t, err)

	_, err = store.CreateDocument(ctx, savedCollection, "fixed", map[string]any{"movie_id": 2}, nil)
	assert.ErrorIs(t, err, docstore.ErrConflict)
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	store := newTestDB(t).Documents
	ctx := context.Background()

	_, err := store.CreateDocument(ctx, "", docstore.UniqueID, nil, nil)
	assert.ErrorIs(t, err, docstore.ErrCollectionReq)

	_, err = store.CreateDocument(ctx, savedCollection, " ", nil, nil)
	assert.ErrorIs(t, err, docstore.ErrIDRequired)

	_, err = store.CreateDocument(ctx, savedCollection, docstore.UniqueID, map[string]any{"bad-name": 1}, nil)
	assert.ErrorIs(t, err, docstore.ErrInvalidField)
}

func TestListFiltersOrdersAndLimits(t *testing.T) {
	store := newTestDB(t).Documents
	ctx := context.Background()

	seed := []map[string]any{
		{"userId": "u1", "movie_id": 1, "savedAt": "2024-01-01T10:00:00.000Z"},
		{"userId": "u2", "movie_id": 2, "savedAt": "2024-01-05T10:00:00.000Z"},
		{"userId": "u1", "movie_id": 3, "savedAt": "2024-01-03T10:00:00.000Z"},
		{"userId": "u1", "movie_id": 4, "savedAt": "2024-01-02T10:00:00.000Z"},
	}
	for _, fields := range seed {
		_, err := store.CreateDocument(ctx, savedCollection, docstore.UniqueID, fields, nil)
		require.NoError(t, err)
	}

	docs, err := store.ListDocuments(ctx, savedCollection, []docstore.Query{
		docstore.Equal("userId", "u1"),
		docstore.OrderDesc("savedAt"),
	})
	require.NoError(t, err)
	require.Len(t, docs, 3)
	var ids []int64
	for _, d := range docs {
		id, _ := d.Int("movie_id")
		ids = append(ids, id)
	}
	assert.Equal(t, []int64{3, 4, 1}, ids)

	docs, err = store.ListDocuments(ctx, savedCollection, []docstore.Query{
		docstore.Equal("userId", "u1"),
		docstore.Equal("movie_id", 4),
		docstore.Limit(1),
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "2024-01-02T10:00:00.000Z", docs[0].String("savedAt"))

	docs, err = store.ListDocuments(ctx, "other", nil)
	require.NoError(t, err)
	assert.NotNil(t, docs)
	assert.Empty(t, docs)
}

func TestListMatchesInMemoryEvaluation(t *testing.T) {
	store := newTestDB(t).Documents
	ctx := context.Background()

	same := "2024-02-01T00:00:00.000Z"
	var created []docstore.Document
	for i := 1; i <= 4; i++ {
		doc, err := store.CreateDocument(ctx, savedCollection, docstore.UniqueID, map[string]any{
			"deviceId": "d1",
			"movie_id": i,
			"savedAt":  same,
		}, nil)
		require.NoError(t, err)
		created = append(created, doc)
	}

	queries := []docstore.Query{docstore.Equal("deviceId", "d1"), docstore.OrderDesc("savedAt")}
	fromSQL, err := store.ListDocuments(ctx, savedCollection, queries)
	require.NoError(t, err)
	inMemory, err := docstore.Apply(created, queries)
	require.NoError(t, err)

	require.Len(t, fromSQL, len(inMemory))
	for i := range inMemory {
		assert.Equal(t, inMemory[i].ID, fromSQL[i].ID)
	}
}

func TestUpdateMergesFields(t *testing.T) {
	store := newTestDB(t).Documents
	ctx := context.Background()

	doc, err := store.CreateDocument(ctx, "trending", docstore.UniqueID, map[string]any{
		"searchTerm": "matrix",
		"count":      1,
		"title":      "The Matrix",
	}, nil)
	require.NoError(t, err)

	updated, err := store.UpdateDocument(ctx, "trending", doc.ID, map[string]any{"count": 2, "title": nil})
	require.NoError(t, err)
	count, ok := updated.Int("count")
	require.True(t, ok)
	assert.Equal(t, int64(2), count)
	assert.Equal(t, "matrix", updated.String("searchTerm"))
	_, hasTitle := updated.Fields["title"]
	assert.False(t, hasTitle)
	assert.Equal(t, doc.Sequence, updated.Sequence)

	_, err = store.UpdateDocument(ctx, "trending", "missing", map[string]any{"count": 1})
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestDeleteRemovesDocument(t *testing.T) {
	store := newTestDB(t).Documents
	ctx := context.Background()

	doc, err := store.CreateDocument(ctx, savedCollection, docstore.UniqueID, map[string]any{"movie_id": 550}, nil)
	require.NoError(t, err)

	require.NoError(t, store.DeleteDocument(ctx, savedCollection, doc.ID))
	assert.ErrorIs(t, store.DeleteDocument(ctx, savedCollection, doc.ID), docstore.ErrNotFound)

	docs, err := store.ListDocuments(ctx, savedCollection, nil)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestWritesPublishChangeEvents(t *testing.T) {
	store := newTestDB(t).Documents
	ctx := context.Background()

	var (
		mu      sync.Mutex
		actions []string
	)
	channel := docstore.CollectionChannel("main", savedCollection)
	unsubscribe := store.Subscribe(channel, func(evt docstore.Event) {
		mu.Lock()
		defer mu.Unlock()
		actions = append(actions, evt.Action())
	})
	defer unsubscribe()

	doc, err := store.CreateDocument(ctx, savedCollection, docstore.UniqueID, map[string]any{"userId": "u1", "movie_id": 1}, nil)
	require.NoError(t, err)
	_, err = store.UpdateDocument(ctx, savedCollection, doc.ID, map[string]any{"title": "x"})
	require.NoError(t, err)
	require.NoError(t, store.DeleteDocument(ctx, savedCollection, doc.ID))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(actions) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{docstore.ActionCreate, docstore.ActionUpdate, docstore.ActionDelete}, actions)
}

func TestNewDBMigratesTwice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "twice.db")
	cfg := Config{DatabasePath: path, DatabaseID: "main", Logger: zerolog.Nop()}

	db, err := NewDB(cfg)
	require.NoError(t, err)
	_, err = db.Documents.CreateDocument(context.Background(), savedCollection, docstore.UniqueID, map[string]any{"movie_id": 1}, nil)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = NewDB(cfg)
	require.NoError(t, err)
	defer db.Close()
	docs, err := db.Documents.ListDocuments(context.Background(), savedCollection, nil)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}
