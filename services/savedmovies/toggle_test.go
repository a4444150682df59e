package savedmovies

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type toggleFixture struct {
	store   *memStore
	repo    *Repository
	cache   *Cache
	notices *noticeRecorder
	ctrl    *ToggleController
}

func newToggleFixture(t *testing.T, movieID int64) *toggleFixture {
	t.Helper()
	store := newMemStore()
	t.Cleanup(store.Close)

	repo := NewRepository(store, FixedOwner(userU1), testCollection, zerolog.Nop())
	cache := NewCache(repo, zerolog.Nop())
	require.NoError(t, cache.Refresh(context.Background()))

	notices := &noticeRecorder{}
	return &toggleFixture{
		store:   store,
		repo:    repo,
		cache:   cache,
		notices: notices,
		ctrl:    NewToggleController(movieID, userU1, cache, repo, notices.notify, zerolog.Nop()),
	}
}

func TestCheckReadsCache(t *testing.T) {
	f := newToggleFixture(t, 550)
	assert.Equal(t, StateUnknown, f.ctrl.State())
	assert.Equal(t, StateUnsaved, f.ctrl.Check())

	_, err := f.repo.Create(context.Background(), snapshot(550, "Fight Club"))
	require.NoError(t, err)
	require.NoError(t, f.cache.Refresh(context.Background()))
	assert.Equal(t, StateSaved, f.ctrl.Check())
}

func TestCheckTreatsUnloadedCacheAsUnsaved(t *testing.T) {
	cache := NewCache(staticLister(rec(550)), zerolog.Nop())
	ctrl := NewToggleController(550, userU1, cache, nil, nil, zerolog.Nop())
	assert.Equal(t, StateUnsaved, ctrl.Check())
}

func TestDoubleToggleReturnsToOriginalState(t *testing.T) {
	f := newToggleFixture(t, 550)
	ctx := context.Background()
	f.ctrl.Check()

	require.NoError(t, f.ctrl.Toggle(ctx, snapshot(550, "Fight Club")))
	assert.Equal(t, StateSaved, f.ctrl.State())
	assert.True(t, f.cache.IsSaved(550))

	require.NoError(t, f.ctrl.Toggle(ctx, snapshot(550, "Fight Club")))
	assert.Equal(t, StateUnsaved, f.ctrl.State())
	assert.False(t, f.cache.IsSaved(550))
	assert.Equal(t, 0, f.store.count(userU1, 550))

	for i := 1; i <= 5; i++ {
		require.NoError(t, f.ctrl.Toggle(ctx, snapshot(550, "Fight Club")))
		assert.Equal(t, i%2 == 1, f.ctrl.Saved(), "toggle %d", i)
	}
}

func TestFailedRemoveRollsBack(t *testing.T) {
	f := newToggleFixture(t, 550)
	ctx := context.Background()
	require.NoError(t, f.ctrl.Toggle(ctx, snapshot(550, "Fight Club")))
	before := f.cache.List()

	boom := errors.New("503 service unavailable")
	f.store.setDeleteErr(boom)

	err := f.ctrl.Toggle(ctx, snapshot(550, "Fight Club"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRollbackRequired)
	assert.ErrorIs(t, err, boom)

	assert.True(t, f.cache.IsSaved(550))
	assert.Equal(t, before, f.cache.List())
	assert.Equal(t, StateSaved, f.ctrl.State())

	notices := f.notices.all()
	require.Len(t, notices, 1)
	assert.Equal(t, int64(550), notices[0].MovieID)
	assert.Equal(t, ActionUnsave, notices[0].Action)
	assert.ErrorIs(t, notices[0].Err, boom)
}

func TestFailedCreateRollsBack(t *testing.T) {
	f := newToggleFixture(t, 13)
	f.store.setCreateErr(errors.New("quota exceeded"))

	err := f.ctrl.Toggle(context.Background(), snapshot(13, "Forrest Gump"))
	assert.ErrorIs(t, err, ErrRollbackRequired)
	assert.False(t, f.cache.IsSaved(13))
	assert.Empty(t, f.cache.List())
	assert.Equal(t, StateUnsaved, f.ctrl.State())
	require.Len(t, f.notices.all(), 1)
	assert.Equal(t, ActionSave, f.notices.all()[0].Action)
}

func TestToggleRejectedWhileMutating(t *testing.T) {
	f := newToggleFixture(t, 550)
	entered, release := f.store.holdWrites()

	done := make(chan error, 1)
	go func() { done <- f.ctrl.Toggle(context.Background(), snapshot(550, "Fight Club")) }()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("create never reached the store")
	}

	assert.True(t, f.cache.IsSaved(550), "optimistic add visible before the store answers")
	assert.True(t, f.ctrl.Busy())

	listsBefore := f.store.listCalls.Load()
	err := f.ctrl.Toggle(context.Background(), snapshot(550, "Fight Club"))
	assert.ErrorIs(t, err, ErrToggleInFlight)
	assert.Equal(t, listsBefore, f.store.listCalls.Load(), "rejected toggle must not touch the repository")

	release()
	require.NoError(t, <-done)
	assert.Equal(t, StateSaved, f.ctrl.State())
	assert.Equal(t, 1, f.store.count(userU1, 550))
}

func TestClosedControllerRejectsToggle(t *testing.T) {
	f := newToggleFixture(t, 550)
	f.ctrl.Close()
	assert.ErrorIs(t, f.ctrl.Toggle(context.Background(), snapshot(550, "Fight Club")), ErrControllerClosed)
	assert.Equal(t, StateUnknown, f.ctrl.Check())
}

func TestCloseDuringMutationSkipsCommitButStillRollsBack(t *testing.T) {
	f := newToggleFixture(t, 550)
	f.store.setCreateErr(errors.New("boom"))
	entered, release := f.store.holdWrites()

	done := make(chan error, 1)
	go func() { done <- f.ctrl.Toggle(context.Background(), snapshot(550, "Fight Club")) }()
	<-entered

	f.ctrl.Close()
	release()

	err := <-done
	assert.ErrorIs(t, err, ErrRollbackRequired)
	assert.False(t, f.cache.IsSaved(550), "shared cache rolled back")
	assert.Equal(t, StateMutating, f.ctrl.State(), "closed controller does not transition")
	assert.Empty(t, f.notices.all(), "no notice for an unmounted card")
}

func TestCloseDuringSuccessfulMutationSkipsTransition(t *testing.T) {
	f := newToggleFixture(t, 550)
	entered, release := f.store.holdWrites()

	done := make(chan error, 1)
	go func() { done <- f.ctrl.Toggle(context.Background(), snapshot(550, "Fight Club")) }()
	<-entered

	f.ctrl.Close()
	release()
	require.NoError(t, <-done)
	assert.Equal(t, StateMutating, f.ctrl.State())

	got, ok := f.cache.Get(550)
	require.True(t, ok)
	assert.NotEmpty(t, got.ID, "shared list carries the stored record, not the provisional one")

	stored, err := f.repo.List(context.Background())
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, stored[0].ID, got.ID)
}

func TestSaveAndUnsaveAreIdempotent(t *testing.T) {
	f := newToggleFixture(t, 550)
	ctx := context.Background()

	require.NoError(t, f.ctrl.Save(ctx, snapshot(550, "Fight Club")))
	require.NoError(t, f.ctrl.Save(ctx, snapshot(550, "Fight Club")))
	assert.Equal(t, 1, f.store.count(userU1, 550))
	assert.Equal(t, StateSaved, f.ctrl.State())

	require.NoError(t, f.ctrl.Unsave(ctx))
	require.NoError(t, f.ctrl.Unsave(ctx))
	assert.Equal(t, 0, f.store.count(userU1, 550))
	assert.Equal(t, StateUnsaved, f.ctrl.State())
}

func TestSaveValidatesWithoutOptimisticFlash(t *testing.T) {
	f := newToggleFixture(t, 550)
	err := f.ctrl.Save(context.Background(), snapshot(550, ""))
	assert.ErrorIs(t, err, ErrTitleRequired)
	assert.False(t, f.cache.IsSaved(550))
	assert.Equal(t, StateUnsaved, f.ctrl.State())
	assert.Empty(t, f.notices.all())
}
