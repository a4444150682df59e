package savedmovies

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"movieshelf/internal/docstore"
	"movieshelf/models"
)

const defaultRefreshTimeout = 15 * time.Second

// IdentityResolver produces the current owner identity.
type IdentityResolver interface {
	Resolve(ctx context.Context) (models.Identity, error)
}

// SessionConfig wires a Session.
type SessionConfig struct {
	Store docstore.Store
	// Feed overrides the change feed; Store is used when nil.
	Feed       docstore.Subscriber
	Resolver   IdentityResolver
	DatabaseID string
	Collection string
	Clock      func() time.Time
	Notify     Notifier
	// RefreshTimeout bounds refreshes triggered by the change feed.
	RefreshTimeout time.Duration
	Logger         zerolog.Logger
}

// Session is the saved-movies context of the running app: the active
// identity with its repository, cache, change feed and per-movie controllers.
// It must be closed when no longer needed.
type Session struct {
	cfg   SessionConfig
	repo  *Repository
	cache *Cache
	feed  *FeedListener
	log   zerolog.Logger

	mu          sync.Mutex
	identity    models.Identity
	controllers map[int64]*ToggleController
	cancels     []func()
	closed      bool

	// reidentifyMu serialises identity switches.
	reidentifyMu sync.Mutex

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       conc.WaitGroup
}

var _ OwnerSource = (*Session)(nil)

// NewSession resolves the identity, starts listening for changes and loads
// the list. A failed first load is reported through Status, not returned.
func NewSession(ctx context.Context, cfg SessionConfig) (*Session, error) {
	if cfg.Store == nil {
		return nil, ErrStoreRequired
	}
	if cfg.Resolver == nil {
		return nil, ErrIdentityRequired
	}
	if strings.TrimSpace(cfg.DatabaseID) == "" {
		cfg.DatabaseID = "default"
	}
	if strings.TrimSpace(cfg.Collection) == "" {
		cfg.Collection = "saved_movies"
	}
	if cfg.Feed == nil {
		cfg.Feed = cfg.Store
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = defaultRefreshTimeout
	}

	identity, err := cfg.Resolver.Resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve identity: %w", err)
	}
	if identity.IsZero() {
		return nil, ErrIdentityRequired
	}

	s := &Session{
		cfg:         cfg,
		log:         cfg.Logger.With().Str("component", "savedmovies.session").Logger(),
		identity:    identity,
		controllers: make(map[int64]*ToggleController),
	}
	s.bgCtx, s.bgCancel = context.WithCancel(context.Background())
	s.repo = NewRepository(cfg.Store, s, cfg.Collection, cfg.Logger).WithClock(cfg.Clock)
	s.cache = NewCache(s.repo, cfg.Logger)
	s.feed = NewFeedListener(cfg.Feed, cfg.DatabaseID, cfg.Collection, s.refreshInBackground, cfg.Logger)

	s.feed.Start(identity)
	if err := s.cache.Refresh(ctx); err != nil {
		s.log.Warn().Err(err).Msg("initial saved movies load failed")
	}

	s.log.Info().Str("identity", identity.String()).Msg("saved movies session started")
	return s, nil
}

// Owner implements OwnerSource with the session's active identity.
func (s *Session) Owner(context.Context) (models.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return models.Identity{}, ErrSessionClosed
	}
	return s.identity, nil
}

// Identity returns the active identity.
func (s *Session) Identity() models.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

func (s *Session) Repository() *Repository { return s.repo }

func (s *Session) Cache() *Cache { return s.cache }

func (s *Session) FeedStats() FeedStats { return s.feed.Stats() }

// IsSaved answers from the cache.
func (s *Session) IsSaved(movieID int64) bool { return s.cache.IsSaved(movieID) }

// List returns the cached list, newest first.
func (s *Session) List() []models.SavedMovie { return s.cache.List() }

func (s *Session) Status() Status { return s.cache.Status() }

// Refresh reloads the list from the store.
func (s *Session) Refresh(ctx context.Context) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	return s.cache.Refresh(ctx)
}

// Controller returns the controller of movieID, creating it on first use.
func (s *Session) Controller(movieID int64) (*ToggleController, error) {
	if movieID <= 0 {
		return nil, ErrMovieIDRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if ctrl, ok := s.controllers[movieID]; ok {
		return ctrl, nil
	}
	ctrl := NewToggleController(movieID, s.identity, s.cache, s.repo, s.cfg.Notify, s.cfg.Logger)
	ctrl.now = s.cfg.Clock
	s.controllers[movieID] = ctrl
	return ctrl, nil
}

// ReleaseController closes and forgets the controller of movieID.
func (s *Session) ReleaseController(movieID int64) {
	s.mu.Lock()
	ctrl, ok := s.controllers[movieID]
	delete(s.controllers, movieID)
	s.mu.Unlock()

	if ok {
		ctrl.Close()
	}
}

// Toggle flips the saved state of movieID and returns the new state.
func (s *Session) Toggle(ctx context.Context, movieID int64, snap models.MovieSnapshot) (bool, error) {
	ctrl, err := s.Controller(movieID)
	if err != nil {
		return false, err
	}
	if err := ctrl.Toggle(ctx, snap); err != nil {
		return s.cache.IsSaved(movieID), err
	}
	return s.cache.IsSaved(movieID), nil
}

// Save saves the movie unless it already is.
func (s *Session) Save(ctx context.Context, snap models.MovieSnapshot) (models.SavedMovie, error) {
	ctrl, err := s.Controller(snap.ID)
	if err != nil {
		return models.SavedMovie{}, err
	}
	if err := ctrl.Save(ctx, snap); err != nil {
		return models.SavedMovie{}, err
	}
	rec, ok := s.cache.Get(snap.ID)
	if !ok {
		return models.SavedMovie{}, fmt.Errorf("movie %d missing after save", snap.ID)
	}
	return rec, nil
}

// Unsave removes the movie unless it is not saved.
func (s *Session) Unsave(ctx context.Context, movieID int64) error {
	ctrl, err := s.Controller(movieID)
	if err != nil {
		return err
	}
	return ctrl.Unsave(ctx)
}

// SubscribeToChanges registers fn to run after refreshes, optimistic
// changes and identity switches.
func (s *Session) SubscribeToChanges(fn func()) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return func() {}
	}
	cancel = s.cache.OnChange(fn)
	s.cancels = append(s.cancels, cancel)
	return cancel
}

// Reidentify re-resolves the identity. When it changed, the cache is
// emptied, every controller is closed and the feed and list follow the new
// identity. It reports whether the identity changed.
func (s *Session) Reidentify(ctx context.Context) (bool, error) {
	s.reidentifyMu.Lock()
	defer s.reidentifyMu.Unlock()

	if s.isClosed() {
		return false, ErrSessionClosed
	}

	next, err := s.cfg.Resolver.Resolve(ctx)
	if err != nil {
		return false, fmt.Errorf("resolve identity: %w", err)
	}
	if next.IsZero() {
		return false, ErrIdentityRequired
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, ErrSessionClosed
	}
	previous := s.identity
	if previous == next {
		s.mu.Unlock()
		return false, nil
	}
	s.identity = next
	controllers := s.controllers
	s.controllers = make(map[int64]*ToggleController)
	s.mu.Unlock()

	s.feed.Stop()
	for _, ctrl := range controllers {
		ctrl.Close()
	}
	s.cache.Reset()
	s.feed.Start(next)

	s.log.Info().Str("from", previous.String()).Str("to", next.String()).Msg("identity changed")

	if err := s.cache.Refresh(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn().Err(err).Msg("reload after identity change failed")
	}
	return true, nil
}

// Close tears the session down. It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	controllers := s.controllers
	s.controllers = make(map[int64]*ToggleController)
	cancels := s.cancels
	s.cancels = nil
	s.mu.Unlock()

	s.feed.Stop()
	for _, ctrl := range controllers {
		ctrl.Close()
	}
	for _, cancel := range cancels {
		cancel()
	}
	s.bgCancel()
	s.bg.Wait()
	s.log.Info().Msg("saved movies session closed")
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// refreshInBackground runs on the feed's delivery goroutine and must not block it.
func (s *Session) refreshInBackground() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.bg.Go(func() {
		ctx, cancel := context.WithTimeout(s.bgCtx, s.cfg.RefreshTimeout)
		defer cancel()
		if err := s.cache.Refresh(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn().Err(err).Msg("refresh after change event failed")
		}
	})
	s.mu.Unlock()
}
