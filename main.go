package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"movieshelf/api"
	"movieshelf/config"
	"movieshelf/handlers"
	"movieshelf/internal/backend"
	"movieshelf/internal/logging"
	"movieshelf/internal/realtime"
	"movieshelf/internal/tracing"
	"movieshelf/services/accounts"
	"movieshelf/services/identity"
	"movieshelf/services/savedmovies"
	"movieshelf/services/trending"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

func main() {
	portOverride := flag.Int("port", 0, "override server port from config")
	flag.Parse()

	fmt.Println("🎬 movieshelf starting...")

	// Determine config path (env or default)
	configPath := os.Getenv("MOVIESHELF_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("cache", "settings.json")
	}

	// Init config manager and load settings (creates defaults if missing)
	cfgManager := config.NewManager(configPath)
	settings, err := cfgManager.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load settings: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser, err := logging.New(settings.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	if *portOverride > 0 {
		settings.Server.Port = *portOverride
	}

	if err := run(settings, logger); err != nil {
		logger.Error().Err(err).Msg("movieshelf exited with error")
		logCloser.Close()
		os.Exit(1)
	}
}

func run(settings config.Settings, log zerolog.Logger) error {
	// Timeout for setup functions
	setupCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if settings.Tracing.Enabled {
		shutdown, err := tracing.Setup(setupCtx, settings.Tracing.ServiceName)
		if err != nil {
			return fmt.Errorf("set up tracing: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				log.Warn().Err(err).Msg("tracer shutdown")
			}
		}()
	}

	be, err := backend.Open(setupCtx, settings, log)
	if err != nil {
		return err
	}
	defer be.Close()
	log.Info().Str("backend", settings.Store.Backend).Str("database", be.DatabaseID).Msg("document store ready")

	accountsSvc, err := accounts.NewService(settings.Accounts.StorageDir)
	if err != nil {
		return fmt.Errorf("init accounts service: %w", err)
	}

	var auth identity.Authenticator
	if settings.Identity.AuthMode == config.AuthModeAccounts {
		auth = accountsSvc
	}
	deviceStore, err := identity.NewFileStore(afero.NewOsFs(), settings.Identity.StateDir)
	if err != nil {
		return fmt.Errorf("init device store: %w", err)
	}
	resolver, err := identity.NewResolver(auth, deviceStore, log)
	if err != nil {
		return fmt.Errorf("init identity resolver: %w", err)
	}

	session, err := savedmovies.NewSession(setupCtx, savedmovies.SessionConfig{
		Store:      be.Store,
		Feed:       be.Feed,
		Resolver:   resolver,
		DatabaseID: be.DatabaseID,
		Collection: settings.Store.SavedCollectionID,
		Notify: func(n savedmovies.Notice) {
			log.Warn().Err(n.Err).Int64("movieId", n.MovieID).Str("action", n.Action).Msg("saved movie change rolled back")
		},
		Logger: log,
	})
	if err != nil {
		return fmt.Errorf("start saved movies session: %w", err)
	}
	defer session.Close()

	trendingSvc, err := trending.NewService(be.Store, settings.Store.TrendingCollectionID, log)
	if err != nil {
		return fmt.Errorf("init trending service: %w", err)
	}

	var realtimeHandler http.Handler
	if settings.Realtime.Enabled {
		realtimeHandler = realtime.NewServer(be.Local, log)
	}

	r := mux.NewRouter()
	api.Register(r,
		handlers.NewSavedMoviesHandler(session),
		handlers.NewAccountsHandler(accountsSvc, session, log),
		handlers.NewTrendingHandler(trendingSvc),
		settings.Realtime.Path,
		realtimeHandler,
	)

	addr := fmt.Sprintf("%s:%d", settings.Server.Host, settings.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	// Setup graceful shutdown
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-shutdownChan:
		log.Info().Msg("shutdown signal received, cleaning up")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server shutdown")
	}

	log.Info().Msg("shutdown complete")
	return nil
}
