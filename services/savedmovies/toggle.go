package savedmovies

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"movieshelf/models"
)

// State is the rendering state of one movie card.
type State int

const (
	StateUnknown State = iota
	StateChecking
	StateSaved
	StateUnsaved
	StateMutating
)

func (s State) String() string {
	switch s {
	case StateChecking:
		return "checking"
	case StateSaved:
		return "saved"
	case StateUnsaved:
		return "unsaved"
	case StateMutating:
		return "mutating"
	default:
		return "unknown"
	}
}

// Actions reported in a Notice.
const (
	ActionSave   = "save"
	ActionUnsave = "unsave"
)

// Notice reports a failed change so the UI can show a short message.
type Notice struct {
	MovieID int64
	Action  string
	Err     error
}

// Notifier receives notices. It must not block.
type Notifier func(Notice)

// Mutator is the write side of the repository.
type Mutator interface {
	Create(ctx context.Context, snap models.MovieSnapshot) (models.SavedMovie, error)
	Remove(ctx context.Context, movieID int64) error
}

// ToggleController drives the saved state of a single movie: it applies the
// change to the cache at once, writes it to the store, then confirms or rolls
// back. Only one change per movie is in flight at a time.
type ToggleController struct {
	movieID int64
	owner   models.Identity
	cache   *Cache
	repo    Mutator
	notify  Notifier
	now     func() time.Time
	log     zerolog.Logger

	mu     sync.Mutex
	state  State
	closed bool
}

// NewToggleController builds a controller for movieID owned by owner.
func NewToggleController(movieID int64, owner models.Identity, cache *Cache, repo Mutator, notify Notifier, log zerolog.Logger) *ToggleController {
	return &ToggleController{
		movieID: movieID,
		owner:   owner,
		cache:   cache,
		repo:    repo,
		notify:  notify,
		now:     time.Now,
		log:     log.With().Str("component", "savedmovies.toggle").Int64("movieId", movieID).Logger(),
	}
}

func (t *ToggleController) MovieID() int64 { return t.movieID }

// State returns the current state.
func (t *ToggleController) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Saved reports membership as rendered, including an in-flight change.
func (t *ToggleController) Saved() bool {
	return t.cache.IsSaved(t.movieID)
}

// Busy reports whether a change is in flight.
func (t *ToggleController) Busy() bool {
	return t.State() == StateMutating
}

// Check settles the state from the cache. An unloaded cache reads as
// unsaved until it loads.
func (t *ToggleController) Check() State {
	t.mu.Lock()
	if t.closed || t.state == StateMutating {
		s := t.state
		t.mu.Unlock()
		return s
	}
	t.state = StateChecking
	t.mu.Unlock()

	saved := t.cache.Loaded() && t.cache.IsSaved(t.movieID)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateChecking {
		t.state = stateFor(saved)
	}
	return t.state
}

// Toggle flips the saved state.
func (t *ToggleController) Toggle(ctx context.Context, snap models.MovieSnapshot) error {
	prior, err := t.begin()
	if err != nil {
		return err
	}
	if prior == StateSaved {
		return t.runRemove(ctx, prior)
	}
	return t.runAdd(ctx, prior, snap)
}

// Save makes sure the movie is saved. It is a no-op when it already is.
func (t *ToggleController) Save(ctx context.Context, snap models.MovieSnapshot) error {
	prior, err := t.begin()
	if err != nil {
		return err
	}
	if prior == StateSaved {
		t.finishNoop(prior)
		return nil
	}
	return t.runAdd(ctx, prior, snap)
}

// Unsave makes sure the movie is not saved. It is a no-op when it is not.
func (t *ToggleController) Unsave(ctx context.Context) error {
	prior, err := t.begin()
	if err != nil {
		return err
	}
	if prior == StateUnsaved {
		t.finishNoop(prior)
		return nil
	}
	return t.runRemove(ctx, prior)
}

// Close marks the controller unmounted. Changes still in flight roll back
// on failure but no longer update the controller or confirm into the cache.
func (t *ToggleController) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
}

// begin moves to mutating and returns the state being left.
func (t *ToggleController) begin() (State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return StateUnknown, ErrControllerClosed
	}
	if t.state == StateMutating {
		return StateUnknown, ErrToggleInFlight
	}
	prior := stateFor(t.cache.IsSaved(t.movieID))
	t.state = StateMutating
	return prior, nil
}

func (t *ToggleController) finishNoop(prior State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.state = prior
	}
}

func (t *ToggleController) runAdd(ctx context.Context, prior State, snap models.MovieSnapshot) error {
	snap.ID = t.movieID
	if err := validateSnapshot(snap); err != nil {
		t.finishNoop(prior)
		return err
	}

	m := t.cache.ApplyOptimisticAdd(snap.Record(t.owner, t.now()))
	stored, err := t.repo.Create(ctx, snap)
	if err != nil {
		return t.fail(m, prior, ActionSave, err)
	}

	t.mu.Lock()
	closed := t.closed
	if !closed {
		t.state = StateSaved
	}
	t.mu.Unlock()

	if closed {
		m.Forget(&stored)
		return nil
	}
	m.Confirm(&stored)
	t.log.Debug().Msg("save confirmed")
	return nil
}

func (t *ToggleController) runRemove(ctx context.Context, prior State) error {
	m := t.cache.ApplyOptimisticRemove(t.movieID)
	if err := t.repo.Remove(ctx, t.movieID); err != nil {
		return t.fail(m, prior, ActionUnsave, err)
	}

	t.mu.Lock()
	closed := t.closed
	if !closed {
		t.state = StateUnsaved
	}
	t.mu.Unlock()

	if closed {
		m.Forget(nil)
		return nil
	}
	m.Confirm(nil)
	t.log.Debug().Msg("unsave confirmed")
	return nil
}

func (t *ToggleController) fail(m *Mutation, prior State, action string, cause error) error {
	m.Rollback()

	t.mu.Lock()
	closed := t.closed
	if !closed {
		t.state = prior
	}
	t.mu.Unlock()

	t.log.Warn().Err(cause).Str("action", action).Msg("change failed, rolled back")
	if !closed && t.notify != nil {
		t.notify(Notice{MovieID: t.movieID, Action: action, Err: cause})
	}
	return fmt.Errorf("%s movie %d: %w: %w", action, t.movieID, ErrRollbackRequired, cause)
}

func stateFor(saved bool) State {
	if saved {
		return StateSaved
	}
	return StateUnsaved
}
