// Package backend opens the document store selected in the settings file.
package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"movieshelf/config"
	"movieshelf/internal/database"
	"movieshelf/internal/docstore"
	"movieshelf/internal/dynamostore"
	"movieshelf/internal/realtime"
)

// Backend is an open document store plus the change feed sessions listen on.
type Backend struct {
	Store      docstore.Store
	DatabaseID string
	// Local carries events of writes made through Store in this process.
	Local docstore.Subscriber
	// Feed is what sessions subscribe to: the upstream realtime endpoint
	// when one is configured, Local otherwise.
	Feed docstore.Subscriber

	closers []func() error
	cancel  context.CancelFunc
	wg      conc.WaitGroup
}

// Open connects the configured backend. Background consumers (the SQS feed)
// run until Close.
func Open(ctx context.Context, s config.Settings, log zerolog.Logger) (*Backend, error) {
	b := &Backend{DatabaseID: s.Store.DatabaseID}

	switch s.Store.Backend {
	case config.BackendDynamoDB:
		store, feed, err := dynamostore.Open(ctx, s.Dynamo, s.Store.DatabaseID, log)
		if err != nil {
			return nil, fmt.Errorf("open dynamodb store: %w", err)
		}
		b.Store, b.Local = store, store
		b.closers = append(b.closers, func() error { store.Close(); return nil })
		if feed != nil {
			runCtx, cancel := context.WithCancel(context.Background())
			b.cancel = cancel
			b.wg.Go(func() {
				if err := feed.Run(runCtx); err != nil {
					log.Error().Err(err).Msg("dynamodb change feed stopped")
				}
			})
		}
	default:
		if dir := filepath.Dir(s.Database.Path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database dir: %w", err)
			}
		}
		db, err := database.NewDB(database.Config{
			DatabasePath: s.Database.Path,
			DatabaseID:   s.Store.DatabaseID,
			Logger:       log,
		})
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		b.Store, b.Local = db.Documents, db.Documents
		b.closers = append(b.closers, db.Close)
	}

	b.Feed = b.Local
	if upstream := strings.TrimSpace(s.Realtime.UpstreamURL); upstream != "" {
		client, err := realtime.NewClient(upstream, log)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.Feed = client
		// Close the client before the store it might still be feeding.
		b.closers = append([]func() error{client.Close}, b.closers...)
	}
	return b, nil
}

// Close stops background consumers and releases the store.
func (b *Backend) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()

	var firstErr error
	for _, c := range b.closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.closers = nil
	return firstErr
}
