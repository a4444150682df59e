package savedmovies

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"movieshelf/models"
)

// Lister is the read side of the repository the cache refreshes from.
type Lister interface {
	List(ctx context.Context) ([]models.SavedMovie, error)
}

// Status describes the cache for list screens.
type Status struct {
	Loading bool
	Loaded  bool
	Err     error
	Count   int
}

type pendingKind int

const (
	pendingAdd pendingKind = iota + 1
	pendingRemove
)

// pendingOp overlays one optimistic change on refreshed lists. Once the
// write is settled the op stays until a refresh started after the settle
// commits, so a list read before the write cannot undo it.
type pendingOp struct {
	kind      pendingKind
	record    models.SavedMovie
	settled   bool
	settledAt uint64
}

// Cache holds the active owner's saved movies, newest first, and answers
// membership queries without a round trip.
type Cache struct {
	repo Lister
	log  zerolog.Logger

	mu      sync.Mutex
	items   []models.SavedMovie
	ids     map[int64]struct{}
	loaded  bool
	loading int
	lastErr error

	// generation is bumped by Reset; work started under an older generation
	// never commits.
	generation uint64
	// refreshSeq orders overlapping refreshes so an older result cannot
	// overwrite a newer one.
	refreshSeq    uint64
	lastCommitted uint64

	pending map[int64]pendingOp

	observers map[uint64]func()
	nextObsID uint64
}

// NewCache builds an empty, not yet loaded cache.
func NewCache(repo Lister, log zerolog.Logger) *Cache {
	return &Cache{
		repo:      repo,
		log:       log.With().Str("component", "savedmovies.cache").Logger(),
		ids:       make(map[int64]struct{}),
		pending:   make(map[int64]pendingOp),
		observers: make(map[uint64]func()),
	}
}

// Refresh reloads the list from the repository. On failure the current list
// is kept and the error is recorded in Status.
func (c *Cache) Refresh(ctx context.Context) error {
	c.mu.Lock()
	gen := c.generation
	c.refreshSeq++
	seq := c.refreshSeq
	c.loading++
	c.mu.Unlock()
	c.notify()

	items, err := c.repo.List(ctx)

	c.mu.Lock()
	c.loading--
	if gen != c.generation {
		c.mu.Unlock()
		c.log.Debug().Msg("discarding refresh started before identity change")
		return nil
	}
	if err != nil {
		if seq > c.lastCommitted {
			c.lastErr = err
		}
		c.mu.Unlock()
		c.log.Warn().Err(err).Msg("refresh saved movies failed")
		c.notify()
		return err
	}
	if seq < c.lastCommitted {
		c.mu.Unlock()
		c.notify()
		return nil
	}
	c.lastCommitted = seq
	c.replaceLocked(items, seq)
	c.lastErr = nil
	c.loaded = true
	c.mu.Unlock()

	c.notify()
	return nil
}

// IsSaved reports membership, including optimistic changes.
func (c *Cache) IsSaved(movieID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.ids[movieID]
	return ok
}

// Loaded reports whether a refresh has succeeded since the last Reset.
func (c *Cache) Loaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loaded
}

func (c *Cache) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Loading: c.loading > 0,
		Loaded:  c.loaded,
		Err:     c.lastErr,
		Count:   len(c.items),
	}
}

// List returns a copy of the cached records, newest first.
func (c *Cache) List() []models.SavedMovie {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.SavedMovie, len(c.items))
	copy(out, c.items)
	return out
}

// Get returns the cached record for movieID.
func (c *Cache) Get(movieID int64) (models.SavedMovie, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := c.indexLocked(movieID); i >= 0 {
		return c.items[i], true
	}
	return models.SavedMovie{}, false
}

// Reset empties the cache for a new identity. Outstanding refreshes and
// mutations of the previous identity become no-ops.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.generation++
	c.items = nil
	c.ids = make(map[int64]struct{})
	c.pending = make(map[int64]pendingOp)
	c.loaded = false
	c.lastErr = nil
	c.mu.Unlock()

	c.notify()
}

// OnChange registers fn to run after every change. fn runs without the
// cache lock held and may call back into the cache.
func (c *Cache) OnChange(fn func()) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	c.mu.Lock()
	c.nextObsID++
	id := c.nextObsID
	c.observers[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.observers, id)
			c.mu.Unlock()
		})
	}
}

// ApplyOptimisticAdd shows record as saved ahead of the store write.
func (c *Cache) ApplyOptimisticAdd(record models.SavedMovie) *Mutation {
	c.mu.Lock()
	m := &Mutation{cache: c, generation: c.generation, kind: pendingAdd, movieID: record.MovieID, record: record}
	if _, exists := c.ids[record.MovieID]; exists {
		c.mu.Unlock()
		m.done = true
		return m
	}
	c.items = append([]models.SavedMovie{record}, c.items...)
	c.ids[record.MovieID] = struct{}{}
	m.stashLocked()
	c.pending[record.MovieID] = pendingOp{kind: pendingAdd, record: record}
	m.applied = true
	c.mu.Unlock()

	c.notify()
	return m
}

// ApplyOptimisticRemove hides movieID ahead of the store delete.
func (c *Cache) ApplyOptimisticRemove(movieID int64) *Mutation {
	c.mu.Lock()
	m := &Mutation{cache: c, generation: c.generation, kind: pendingRemove, movieID: movieID}
	idx := c.indexLocked(movieID)
	if idx < 0 {
		c.mu.Unlock()
		m.done = true
		return m
	}
	m.record = c.items[idx]
	m.index = idx
	c.items = append(c.items[:idx:idx], c.items[idx+1:]...)
	delete(c.ids, movieID)
	m.stashLocked()
	c.pending[movieID] = pendingOp{kind: pendingRemove, record: m.record}
	m.applied = true
	c.mu.Unlock()

	c.notify()
	return m
}

// replaceLocked installs the list read by refresh seq and re-applies the
// optimistic changes that list may not reflect yet. Settled changes older
// than seq are dropped from the overlay.
func (c *Cache) replaceLocked(items []models.SavedMovie, seq uint64) {
	for movieID, op := range c.pending {
		if op.settled && seq > op.settledAt {
			delete(c.pending, movieID)
		}
	}

	next := make([]models.SavedMovie, 0, len(items)+len(c.pending))
	ids := make(map[int64]struct{}, len(items)+len(c.pending))
	for _, rec := range items {
		if op, ok := c.pending[rec.MovieID]; ok && op.kind == pendingRemove {
			continue
		}
		if _, dup := ids[rec.MovieID]; dup {
			continue
		}
		next = append(next, rec)
		ids[rec.MovieID] = struct{}{}
	}
	for movieID, op := range c.pending {
		if op.kind != pendingAdd {
			continue
		}
		if _, ok := ids[movieID]; ok {
			continue
		}
		next = append([]models.SavedMovie{op.record}, next...)
		ids[movieID] = struct{}{}
	}
	c.items = next
	c.ids = ids
}

func (c *Cache) indexLocked(movieID int64) int {
	if _, ok := c.ids[movieID]; !ok {
		return -1
	}
	for i := range c.items {
		if c.items[i].MovieID == movieID {
			return i
		}
	}
	return -1
}

func (c *Cache) notify() {
	c.mu.Lock()
	fns := make([]func(), 0, len(c.observers))
	for _, fn := range c.observers {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Mutation is the handle of one optimistic change. Exactly one of Confirm,
// Forget or Rollback takes effect; later calls are ignored, as are calls after the
// cache was Reset.
type Mutation struct {
	cache      *Cache
	generation uint64
	kind       pendingKind
	movieID    int64
	record     models.SavedMovie
	index      int
	applied    bool
	done       bool
	// prev is the overlay entry this mutation displaced.
	prev *pendingOp
}

func (m *Mutation) stashLocked() {
	if op, ok := m.cache.pending[m.movieID]; ok {
		m.prev = &op
	}
}

// Applied reports whether the mutation changed the cache at all.
func (m *Mutation) Applied() bool { return m.applied }

// Rollback restores the state from before the optimistic change.
func (m *Mutation) Rollback() {
	c := m.cache
	c.mu.Lock()
	if m.done || m.generation != c.generation {
		m.done = true
		c.mu.Unlock()
		return
	}
	m.done = true
	if m.prev != nil {
		c.pending[m.movieID] = *m.prev
	} else {
		delete(c.pending, m.movieID)
	}

	switch m.kind {
	case pendingAdd:
		if idx := c.indexLocked(m.movieID); idx >= 0 {
			c.items = append(c.items[:idx:idx], c.items[idx+1:]...)
			delete(c.ids, m.movieID)
		}
	case pendingRemove:
		if _, exists := c.ids[m.movieID]; !exists {
			idx := m.index
			if idx > len(c.items) {
				idx = len(c.items)
			}
			next := make([]models.SavedMovie, 0, len(c.items)+1)
			next = append(next, c.items[:idx]...)
			next = append(next, m.record)
			next = append(next, c.items[idx:]...)
			c.items = next
			c.ids[m.movieID] = struct{}{}
		}
	}
	c.mu.Unlock()

	c.notify()
}

// Confirm commits the optimistic change. For an add, stored replaces the
// provisional record; for a remove stored is ignored.
func (m *Mutation) Confirm(stored *models.SavedMovie) {
	m.settle(stored, true)
}

// Forget stops tracking the mutation for a caller that no longer follows
// it. The list keeps whatever the optimistic change left, except that a
// provisional record still present is swapped for stored.
func (m *Mutation) Forget(stored *models.SavedMovie) {
	m.settle(stored, false)
}

func (m *Mutation) settle(stored *models.SavedMovie, commit bool) {
	c := m.cache
	c.mu.Lock()
	if m.done || m.generation != c.generation {
		m.done = true
		c.mu.Unlock()
		return
	}
	m.done = true

	rec := m.record
	if m.kind == pendingAdd && stored != nil {
		rec = *stored
	}
	c.pending[m.movieID] = pendingOp{kind: m.kind, record: rec, settled: true, settledAt: c.refreshSeq}

	idx := c.indexLocked(m.movieID)
	switch {
	case m.kind == pendingAdd && idx >= 0:
		c.items[idx] = rec
	case m.kind == pendingAdd && commit:
		c.items = append([]models.SavedMovie{rec}, c.items...)
		c.ids[m.movieID] = struct{}{}
	case m.kind == pendingRemove && idx >= 0 && commit:
		c.items = append(c.items[:idx:idx], c.items[idx+1:]...)
		delete(c.ids, m.movieID)
	}
	c.mu.Unlock()

	c.notify()
}
