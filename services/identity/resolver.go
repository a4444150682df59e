// Package identity decides who owns saved movies: the signed-in user when
// there is one, otherwise a device id generated once and kept locally.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"movieshelf/models"
)

// DeviceIDKey is the key the anonymous device id is stored under.
const DeviceIDKey = "deviceId"

var (
	// ErrAuthUnavailable is reported by an Authenticator with no active session.
	ErrAuthUnavailable = errors.New("no authenticated session")
	ErrKeyValueStore   = errors.New("key-value store is required")
)

// Authenticator reports the signed-in user.
type Authenticator interface {
	CurrentUserID(ctx context.Context) (string, error)
}

// Resolver produces the owner identity for saved-movie operations.
type Resolver struct {
	auth Authenticator
	kv   KeyValueStore
	log  zerolog.Logger

	mu sync.Mutex
}

// NewResolver builds a resolver. auth may be nil, in which case every
// identity is anonymous.
func NewResolver(auth Authenticator, kv KeyValueStore, log zerolog.Logger) (*Resolver, error) {
	if kv == nil {
		return nil, ErrKeyValueStore
	}
	return &Resolver{
		auth: auth,
		kv:   kv,
		log:  log.With().Str("component", "identity").Logger(),
	}, nil
}

// Resolve returns the authenticated identity when a session exists and the
// anonymous device identity otherwise. Auth failures are never returned.
func (r *Resolver) Resolve(ctx context.Context) (models.Identity, error) {
	if r.auth != nil {
		userID, err := r.auth.CurrentUserID(ctx)
		switch {
		case err == nil && strings.TrimSpace(userID) != "":
			return models.Authenticated(strings.TrimSpace(userID)), nil
		case err != nil && !errors.Is(err, ErrAuthUnavailable):
			r.log.Debug().Err(err).Msg("auth lookup failed, using device identity")
		}
	}

	deviceID, err := r.DeviceID(ctx)
	if err != nil {
		return models.Identity{}, err
	}
	return models.Anonymous(deviceID), nil
}

// DeviceID returns the persisted device id, generating and storing one on
// first use. Concurrent first calls commit a single id.
func (r *Resolver) DeviceID(ctx context.Context) (string, error) {
	if id, ok, err := r.kv.Get(DeviceIDKey); err != nil {
		return "", fmt.Errorf("read device id: %w", err)
	} else if ok && strings.TrimSpace(id) != "" {
		return id, nil
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Another caller may have generated it while we waited.
	if id, ok, err := r.kv.Get(DeviceIDKey); err != nil {
		return "", fmt.Errorf("read device id: %w", err)
	} else if ok && strings.TrimSpace(id) != "" {
		return id, nil
	}

	id := uuid.NewString()
	if err := r.kv.Set(DeviceIDKey, id); err != nil {
		return "", fmt.Errorf("persist device id: %w", err)
	}
	r.log.Info().Str("deviceId", id).Msg("generated device id")
	return id, nil
}
