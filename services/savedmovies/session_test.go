package savedmovies

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"movieshelf/models"
)

func newTestSession(t *testing.T, store *memStore, resolver *fixedResolver, notify Notifier) *Session {
	t.Helper()
	s, err := NewSession(context.Background(), SessionConfig{
		Store:          store,
		Resolver:       resolver,
		DatabaseID:     testDatabase,
		Collection:     testCollection,
		Clock:          stepClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)),
		Notify:         notify,
		RefreshTimeout: time.Second,
		Logger:         zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestMovie550Scenario(t *testing.T) {
	store := newMemStore()
	defer store.Close()
	s := newTestSession(t, store, &fixedResolver{id: deviceD1}, nil)

	require.True(t, s.Status().Loaded)
	assert.False(t, s.IsSaved(550))

	entered, release := store.holdWrites()
	done := make(chan error, 1)
	go func() {
		_, err := s.Toggle(context.Background(), 550, snapshot(550, "Fight Club"))
		done <- err
	}()
	<-entered

	assert.True(t, s.IsSaved(550), "optimistic before the network completes")

	release()
	require.NoError(t, <-done)
	assert.True(t, s.IsSaved(550))

	require.NoError(t, s.Refresh(context.Background()))
	list := s.List()
	require.Len(t, list, 1)
	assert.Equal(t, int64(550), list[0].MovieID)
	assert.Equal(t, "d1", list[0].DeviceID)
	assert.NotEmpty(t, list[0].ID)
	require.NotNil(t, list[0].PosterURL)
	assert.Equal(t, "https://image.tmdb.org/t/p/w500/poster.jpg", *list[0].PosterURL)
}

func TestIdentitySwitchStartsFromEmpty(t *testing.T) {
	store := newMemStore()
	defer store.Close()
	resolver := &fixedResolver{id: models.Anonymous("D1")}
	s := newTestSession(t, store, resolver, nil)

	_, err := s.Save(context.Background(), snapshot(1, "M1"))
	require.NoError(t, err)
	require.True(t, s.IsSaved(1))
	oldCtrl, err := s.Controller(1)
	require.NoError(t, err)

	resolver.set(models.Authenticated("U1"))
	changed, err := s.Reidentify(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)

	assert.Equal(t, models.Authenticated("U1"), s.Identity())
	assert.False(t, s.IsSaved(1))
	assert.Empty(t, s.List())
	assert.Equal(t, 1, store.count(models.Anonymous("D1"), 1), "previous owner's record untouched")
	assert.ErrorIs(t, oldCtrl.Toggle(context.Background(), snapshot(1, "M1")), ErrControllerClosed)

	changed, err = s.Reidentify(context.Background())
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestForeignOwnerEventDoesNotRefresh(t *testing.T) {
	store := newMemStore()
	defer store.Close()
	s := newTestSession(t, store, &fixedResolver{id: userU1}, nil)

	before := store.listCalls.Load()
	store.publishForeign(map[string]any{models.FieldUserID: "u2", models.FieldMovieID: 99})

	require.Eventually(t, func() bool { return s.FeedStats().Discarded == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, before, store.listCalls.Load())
	assert.Zero(t, s.FeedStats().Delivered)
}

func TestOwnEventFromElsewhereRefreshes(t *testing.T) {
	store := newMemStore()
	defer store.Close()
	s := newTestSession(t, store, &fixedResolver{id: userU1}, nil)

	var changes atomic.Int32
	s.SubscribeToChanges(func() { changes.Add(1) })

	// Written by another device of the same user, bypassing this session.
	other := NewRepository(store, FixedOwner(userU1), testCollection, zerolog.Nop())
	_, err := other.Create(context.Background(), snapshot(42, "Hitchhiker"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.IsSaved(42) }, 2*time.Second, 5*time.Millisecond)
	assert.Positive(t, changes.Load())
	assert.Equal(t, int64(1), s.FeedStats().Delivered)
}

func TestInitialLoadFailureIsNotFatal(t *testing.T) {
	store := newMemStore()
	defer store.Close()
	boom := errors.New("offline")
	store.setListErr(boom)

	s := newTestSession(t, store, &fixedResolver{id: userU1}, nil)
	st := s.Status()
	assert.False(t, st.Loaded)
	assert.ErrorIs(t, st.Err, ErrBackendUnavailable)

	store.setListErr(nil)
	require.NoError(t, s.Refresh(context.Background()))
	assert.True(t, s.Status().Loaded)
}

func TestSessionToggleNotifiesOnFailure(t *testing.T) {
	store := newMemStore()
	defer store.Close()
	notices := &noticeRecorder{}
	s := newTestSession(t, store, &fixedResolver{id: userU1}, notices.notify)

	store.setCreateErr(errors.New("boom"))
	saved, err := s.Toggle(context.Background(), 7, snapshot(7, "Se7en"))
	assert.ErrorIs(t, err, ErrRollbackRequired)
	assert.False(t, saved)
	require.Len(t, notices.all(), 1)
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	store := newMemStore()
	defer store.Close()
	s := newTestSession(t, store, &fixedResolver{id: userU1}, nil)

	s.Close()
	s.Close()

	_, err := s.Toggle(context.Background(), 1, snapshot(1, "x"))
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, s.Refresh(context.Background()), ErrSessionClosed)
	_, err = s.Reidentify(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = s.Owner(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestNewSessionValidatesConfig(t *testing.T) {
	_, err := NewSession(context.Background(), SessionConfig{Resolver: &fixedResolver{id: userU1}})
	assert.ErrorIs(t, err, ErrStoreRequired)

	store := newMemStore()
	defer store.Close()
	_, err = NewSession(context.Background(), SessionConfig{Store: store})
	assert.ErrorIs(t, err, ErrIdentityRequired)

	_, err = NewSession(context.Background(), SessionConfig{Store: store, Resolver: &fixedResolver{}})
	assert.ErrorIs(t, err, ErrIdentityRequired)
}
