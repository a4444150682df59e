package savedmovies

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"movieshelf/internal/docstore"
	"movieshelf/models"
)

const (
	testDatabase   = "main"
	testCollection = "saved_movies"
)

// memStore is an in-memory docstore.Store. Writes can be made to fail or to
// wait on a gate so tests can observe the optimistic window.
type memStore struct {
	hub *docstore.Hub

	mu      sync.Mutex
	docs    []docstore.Document
	nextSeq int64

	createErr error
	deleteErr error
	listErr   error
	gate      chan struct{}
	entered   chan struct{}

	listCalls atomic.Int32
}

func newMemStore() *memStore {
	return &memStore{hub: docstore.NewHub(zerolog.Nop())}
}

func (m *memStore) Close() { m.hub.Close() }

// holdWrites makes the next writes block until the returned release func runs.
// entered receives once per blocked write.
func (m *memStore) holdWrites() (entered <-chan struct{}, release func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gate = make(chan struct{})
	m.entered = make(chan struct{}, 8)
	gate := m.gate
	var once sync.Once
	return m.entered, func() { once.Do(func() { close(gate) }) }
}

func (m *memStore) wait(ctx context.Context) error {
	m.mu.Lock()
	gate, entered := m.gate, m.entered
	m.mu.Unlock()
	if gate == nil {
		return nil
	}
	entered <- struct{}{}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *memStore) setCreateErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createErr = err
}

func (m *memStore) setDeleteErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteErr = err
}

func (m *memStore) setListErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listErr = err
}

func (m *memStore) Subscribe(channel string, onEvent func(docstore.Event)) func() {
	return m.hub.Subscribe(channel, onEvent)
}

func (m *memStore) ListDocuments(_ context.Context, collection string, queries []docstore.Query) ([]docstore.Document, error) {
	m.listCalls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var inCollection []docstore.Document
	for _, d := range m.docs {
		if d.Collection == collection {
			inCollection = append(inCollection, d)
		}
	}
	return docstore.Apply(inCollection, queries)
}

func (m *memStore) CreateDocument(ctx context.Context, collection, id string, fields map[string]any, permissions []string) (docstore.Document, error) {
	if err := m.wait(ctx); err != nil {
		return docstore.Document{}, err
	}

	m.mu.Lock()
	if m.createErr != nil {
		err := m.createErr
		m.mu.Unlock()
		return docstore.Document{}, err
	}
	m.nextSeq++
	if id == docstore.UniqueID {
		id = fmt.Sprintf("doc%d", m.nextSeq)
	}
	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	now := time.Now().UTC()
	doc := docstore.Document{
		ID:          id,
		Collection:  collection,
		Sequence:    m.nextSeq,
		CreatedAt:   now,
		UpdatedAt:   now,
		Permissions: permissions,
		Fields:      copied,
	}
	m.docs = append(m.docs, doc)
	m.mu.Unlock()

	m.hub.Publish(docstore.NewEvent(testDatabase, doc, docstore.ActionCreate, now))
	return doc, nil
}

func (m *memStore) UpdateDocument(_ context.Context, collection, id string, fields map[string]any) (docstore.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.docs {
		if m.docs[i].Collection == collection && m.docs[i].ID == id {
			for k, v := range fields {
				m.docs[i].Fields[k] = v
			}
			return m.docs[i], nil
		}
	}
	return docstore.Document{}, docstore.ErrNotFound
}

func (m *memStore) DeleteDocument(ctx context.Context, collection, id string) error {
	if err := m.wait(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	if m.deleteErr != nil {
		err := m.deleteErr
		m.mu.Unlock()
		return err
	}
	for i := range m.docs {
		if m.docs[i].Collection == collection && m.docs[i].ID == id {
			doc := m.docs[i]
			m.docs = append(m.docs[:i], m.docs[i+1:]...)
			m.mu.Unlock()
			m.hub.Publish(docstore.NewEvent(testDatabase, doc, docstore.ActionDelete, time.Now()))
			return nil
		}
	}
	m.mu.Unlock()
	return docstore.ErrNotFound
}

// count returns the number of documents owned by owner for movieID.
func (m *memStore) count(owner models.Identity, movieID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, d := range m.docs {
		id, _ := d.Int(models.FieldMovieID)
		if d.String(owner.OwnerField()) == owner.OwnerKey() && id == movieID {
			n++
		}
	}
	return n
}

// publishForeign pushes a change event as if written by another client.
func (m *memStore) publishForeign(fields map[string]any) {
	doc := docstore.Document{ID: "remote", Collection: testCollection, Fields: fields}
	m.hub.Publish(docstore.NewEvent(testDatabase, doc, docstore.ActionCreate, time.Now()))
}

type fixedResolver struct {
	mu sync.Mutex
	id models.Identity
}

func (r *fixedResolver) Resolve(context.Context) (models.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id, nil
}

func (r *fixedResolver) set(id models.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.id = id
}

type noticeRecorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (n *noticeRecorder) notify(notice Notice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
}

func (n *noticeRecorder) all() []Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notice(nil), n.notices...)
}

func snapshot(id int64, title string) models.MovieSnapshot {
	poster := "/poster.jpg"
	return models.MovieSnapshot{ID: id, Title: title, PosterPath: &poster, ReleaseDate: "1999-10-15", VoteAverage: 8.4}
}

// stepClock returns increasing timestamps one minute apart.
func stepClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	next := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := next
		next = next.Add(time.Minute)
		return t
	}
}
