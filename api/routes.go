package api

import (
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"runtime"
	"strings"

	"movieshelf/handlers"

	"github.com/gorilla/mux"
)

// localhostOnlyMiddleware restricts access to localhost requests only
func localhostOnlyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := r.Host
		// Strip port if present
		for i := len(host) - 1; i >= 0; i-- {
			if host[i] == ':' {
				host = host[:i]
				break
			}
		}
		host = strings.Trim(host, "[]")
		// Allow localhost, 127.0.0.1, ::1
		if host != "localhost" && host != "127.0.0.1" && host != "::1" {
			http.Error(w, "Debug endpoints only accessible from localhost", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware handles CORS for API routes
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Set CORS headers
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// Register mounts API endpoints onto the provided router. A nil realtime
// handler leaves the websocket feed unmounted.
func Register(
	r *mux.Router,
	savedHandler *handlers.SavedMoviesHandler,
	accountsHandler *handlers.AccountsHandler,
	trendingHandler *handlers.TrendingHandler,
	realtimePath string,
	realtimeHandler http.Handler,
) {
	r.HandleFunc("/health", handleHealth).Methods(http.MethodGet)

	if realtimeHandler != nil && strings.TrimSpace(realtimePath) != "" {
		r.Handle(realtimePath, realtimeHandler).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api").Subrouter()

	// Add CORS middleware to API subrouter
	api.Use(corsMiddleware)

	// Saved movies of the active identity
	api.HandleFunc("/saved", savedHandler.List).Methods(http.MethodGet)
	api.HandleFunc("/saved", savedHandler.Save).Methods(http.MethodPost)
	api.HandleFunc("/saved", savedHandler.Options).Methods(http.MethodOptions)
	api.HandleFunc("/saved/refresh", savedHandler.Refresh).Methods(http.MethodPost)
	api.HandleFunc("/saved/refresh", savedHandler.Options).Methods(http.MethodOptions)
	api.HandleFunc("/saved/{movieID}", savedHandler.Get).Methods(http.MethodGet)
	api.HandleFunc("/saved/{movieID}", savedHandler.Unsave).Methods(http.MethodDelete)
	api.HandleFunc("/saved/{movieID}", savedHandler.Options).Methods(http.MethodOptions)
	api.HandleFunc("/saved/{movieID}/toggle", savedHandler.Toggle).Methods(http.MethodPost)
	api.HandleFunc("/saved/{movieID}/toggle", savedHandler.Options).Methods(http.MethodOptions)

	// Accounts
	api.HandleFunc("/accounts/register", accountsHandler.Register).Methods(http.MethodPost)
	api.HandleFunc("/accounts/register", accountsHandler.Options).Methods(http.MethodOptions)
	api.HandleFunc("/accounts/login", accountsHandler.Login).Methods(http.MethodPost)
	api.HandleFunc("/accounts/login", accountsHandler.Options).Methods(http.MethodOptions)
	api.HandleFunc("/accounts/logout", accountsHandler.Logout).Methods(http.MethodPost)
	api.HandleFunc("/accounts/logout", accountsHandler.Options).Methods(http.MethodOptions)
	api.HandleFunc("/accounts/me", accountsHandler.Me).Methods(http.MethodGet)
	api.HandleFunc("/accounts/me", accountsHandler.Options).Methods(http.MethodOptions)

	// Trending searches
	api.HandleFunc("/trending", trendingHandler.Top).Methods(http.MethodGet)
	api.HandleFunc("/trending", trendingHandler.Options).Methods(http.MethodOptions)
	api.HandleFunc("/trending/searches", trendingHandler.RecordSearch).Methods(http.MethodPost)
	api.HandleFunc("/trending/searches", trendingHandler.Options).Methods(http.MethodOptions)

	// Pprof debug endpoints for profiling (localhost only)
	pprofRouter := api.PathPrefix("/debug/pprof").Subrouter()
	pprofRouter.Use(localhostOnlyMiddleware)
	pprofRouter.HandleFunc("/", pprof.Index)
	pprofRouter.HandleFunc("/cmdline", pprof.Cmdline)
	pprofRouter.HandleFunc("/profile", pprof.Profile)
	pprofRouter.HandleFunc("/symbol", pprof.Symbol)
	pprofRouter.HandleFunc("/trace", pprof.Trace)
	pprofRouter.HandleFunc("/goroutine", pprof.Handler("goroutine").ServeHTTP)
	pprofRouter.HandleFunc("/heap", pprof.Handler("heap").ServeHTTP)

	// Runtime stats endpoint (localhost only)
	runtimeRouter := api.PathPrefix("/debug/runtime").Subrouter()
	runtimeRouter.Use(localhostOnlyMiddleware)
	runtimeRouter.HandleFunc("", func(w http.ResponseWriter, r *http.Request) {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"goroutines":  runtime.NumGoroutine(),
			"heapAlloc":   m.HeapAlloc,
			"heapInuse":   m.HeapInuse,
			"heapObjects": m.HeapObjects,
			"numGC":       m.NumGC,
		})
	}).Methods(http.MethodGet)
}
