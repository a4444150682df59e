package savedmovies

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"movieshelf/internal/docstore"
	"movieshelf/models"
)

// FeedStats counts change events seen by a FeedListener.
type FeedStats struct {
	Delivered int64
	Discarded int64
}

// FeedListener watches the saved-movies collection channel and asks for a
// refresh whenever a document of the current owner changes or the feed
// reports a delivery gap. Event payloads
// are never applied directly; the list is always re-fetched.
type FeedListener struct {
	sub       docstore.Subscriber
	channel   string
	onRefresh func()
	log       zerolog.Logger

	mu          sync.Mutex
	owner       models.Identity
	unsubscribe func()
	epoch       uint64
	active      bool

	delivered atomic.Int64
	discarded atomic.Int64
}

// NewFeedListener builds a stopped listener for databaseID/collection.
func NewFeedListener(sub docstore.Subscriber, databaseID, collection string, onRefresh func(), log zerolog.Logger) *FeedListener {
	return &FeedListener{
		sub:       sub,
		channel:   docstore.CollectionChannel(databaseID, collection),
		onRefresh: onRefresh,
		log:       log.With().Str("component", "savedmovies.feed").Logger(),
	}
}

// Channel returns the subscribed channel name.
func (l *FeedListener) Channel() string { return l.channel }

// Start subscribes for owner, replacing any existing subscription.
func (l *FeedListener) Start(owner models.Identity) {
	l.mu.Lock()
	previous := l.unsubscribe
	l.unsubscribe = nil
	l.epoch++
	epoch := l.epoch
	l.owner = owner
	l.active = true
	l.mu.Unlock()

	if previous != nil {
		previous()
	}

	unsubscribe := l.sub.Subscribe(l.channel, func(evt docstore.Event) {
		l.handle(epoch, evt)
	})

	l.mu.Lock()
	if l.epoch != epoch || !l.active {
		// Stopped or restarted while subscribing.
		l.mu.Unlock()
		unsubscribe()
		return
	}
	l.unsubscribe = unsubscribe
	l.mu.Unlock()

	l.log.Debug().Str("channel", l.channel).Str("owner", owner.String()).Msg("listening for saved movie changes")
}

// Stop removes the subscription. It is safe to call more than once.
func (l *FeedListener) Stop() {
	l.mu.Lock()
	previous := l.unsubscribe
	l.unsubscribe = nil
	l.active = false
	l.epoch++
	l.mu.Unlock()

	if previous != nil {
		previous()
	}
}

// Stats returns the event counters.
func (l *FeedListener) Stats() FeedStats {
	return FeedStats{Delivered: l.delivered.Load(), Discarded: l.discarded.Load()}
}

func (l *FeedListener) handle(epoch uint64, evt docstore.Event) {
	l.mu.Lock()
	if !l.active || epoch != l.epoch {
		l.mu.Unlock()
		return
	}
	owner := l.owner
	l.mu.Unlock()

	if evt.Action() != docstore.ActionResync && evt.Payload.String(owner.OwnerField()) != owner.OwnerKey() {
		l.discarded.Add(1)
		return
	}

	l.delivered.Add(1)
	l.log.Debug().Str("event", evt.Action()).Str("document", evt.Payload.ID).Msg("saved movie changed remotely")
	if l.onRefresh != nil {
		l.onRefresh()
	}
}
