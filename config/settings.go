package config

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Store backends.
const (
	BackendSQLite   = "sqlite"
	BackendDynamoDB = "dynamodb"
)

// Identity auth modes.
const (
	AuthModeAccounts  = "accounts"
	AuthModeAnonymous = "anonymous"
)

// Settings represents the application configuration persisted to disk.
type Settings struct {
	Server   ServerSettings   `json:"server"`
	Store    StoreSettings    `json:"store"`
	Database DatabaseSettings `json:"database"`
	Dynamo   DynamoSettings   `json:"dynamo"`
	Realtime RealtimeSettings `json:"realtime"`
	Identity IdentitySettings `json:"identity"`
	Accounts AccountSettings  `json:"accounts"`
	Log      LogConfig        `json:"log"`
	Tracing  TracingSettings  `json:"tracing"`
}

type ServerSettings struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// StoreSettings selects the document store and names its collections.
type StoreSettings struct {
	Backend              string `json:"backend"` // "sqlite" or "dynamodb"
	DatabaseID           string `json:"databaseId"`
	SavedCollectionID    string `json:"savedCollectionId"`
	TrendingCollectionID string `json:"trendingCollectionId"`
}

// DatabaseSettings configures the sqlite document store.
type DatabaseSettings struct {
	Path string `json:"path"`
}

// DynamoSettings configures the DynamoDB document store and its SQS change feed.
type DynamoSettings struct {
	Region    string `json:"region"`
	Table     string `json:"table"`
	QueueName string `json:"queueName"` // empty disables the remote change feed
	Endpoint  string `json:"endpoint"`  // optional, e.g. a local DynamoDB
}

// RealtimeSettings configures the websocket change feed.
type RealtimeSettings struct {
	Enabled     bool   `json:"enabled"`
	Path        string `json:"path"`
	UpstreamURL string `json:"upstreamUrl"` // subscribe to a remote feed instead of the local store
}

type IdentitySettings struct {
	StateDir string `json:"stateDir"`
	AuthMode string `json:"authMode"` // "accounts" or "anonymous"
}

type AccountSettings struct {
	StorageDir string `json:"storageDir"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	File       string `json:"file"`
	Level      string `json:"level"`
	MaxSize    int    `json:"maxSize"`
	MaxAge     int    `json:"maxAge"`
	MaxBackups int    `json:"maxBackups"`
	Compress   bool   `json:"compress"`
}

type TracingSettings struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
}

// DefaultSettings returns sane defaults for a fresh install.
func DefaultSettings() Settings {
	return Settings{
		Server: ServerSettings{Host: "0.0.0.0", Port: 7777},
		Store: StoreSettings{
			Backend:              BackendSQLite,
			DatabaseID:           "main",
			SavedCollectionID:    "saved_movies",
			TrendingCollectionID: "trending",
		},
		Database: DatabaseSettings{Path: "cache/movieshelf.db"},
		Dynamo:   DynamoSettings{Region: "us-east-1", Table: "movieshelf-documents"},
		Realtime: RealtimeSettings{Enabled: true, Path: "/api/realtime"},
		Identity: IdentitySettings{StateDir: "cache/identity", AuthMode: AuthModeAccounts},
		Accounts: AccountSettings{StorageDir: "cache/accounts"},
		Log: LogConfig{
			File:       "cache/logs/movieshelf.log",
			Level:      "info",
			MaxSize:    50,   // 50 MB per file
			MaxBackups: 3,    // keep 3 old files
			MaxAge:     7,    // 7 days
			Compress:   true, // compress old files
		},
		Tracing: TracingSettings{Enabled: false, ServiceName: "movieshelf"},
	}
}

// Manager loads and persists settings to a JSON file.
type Manager struct {
	path string
}

func NewManager(configPath string) *Manager {
	return &Manager{path: configPath}
}

// Path returns the settings file location.
func (m *Manager) Path() string { return m.path }

// EnsureDir ensures parent directory exists.
func (m *Manager) EnsureDir() error {
	dir := filepath.Dir(m.path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// Load reads settings.json from disk or creates defaults if missing.
func (m *Manager) Load() (Settings, error) {
	if m.path == "" {
		return Settings{}, errors.New("config path not set")
	}
	if _, err := os.Stat(m.path); errors.Is(err, fs.ErrNotExist) {
		// create with defaults
		defaults := DefaultSettings()
		if err := m.Save(defaults); err != nil {
			return Settings{}, err
		}
		return defaults, nil
	}
	f, err := os.Open(m.path)
	if err != nil {
		return Settings{}, err
	}
	defer f.Close()

	var raw map[string]interface{}
	dec := json.NewDecoder(f)
	if err := dec.Decode(&raw); err != nil {
		return Settings{}, err
	}

	// Older configs named the saved-movies collection "collectionId".
	if storeRaw, ok := raw["store"].(map[string]interface{}); ok {
		if legacy, has := storeRaw["collectionId"]; has {
			if _, hasNew := storeRaw["savedCollectionId"]; !hasNew {
				storeRaw["savedCollectionId"] = legacy
			}
			delete(storeRaw, "collectionId")
		}
	}

	// Re-encode and decode into Settings struct
	rawJSON, err := json.Marshal(raw)
	if err != nil {
		return Settings{}, err
	}

	var s Settings
	if err := json.Unmarshal(rawJSON, &s); err != nil {
		return Settings{}, err
	}

	backfill(&s)
	return s, nil
}

// backfill fills settings introduced after the config file was written.
func backfill(s *Settings) {
	d := DefaultSettings()

	if s.Server.Port == 0 {
		s.Server.Port = d.Server.Port
	}

	s.Store.Backend = strings.ToLower(strings.TrimSpace(s.Store.Backend))
	if s.Store.Backend != BackendDynamoDB {
		s.Store.Backend = BackendSQLite
	}
	if strings.TrimSpace(s.Store.DatabaseID) == "" {
		s.Store.DatabaseID = d.Store.DatabaseID
	}
	if strings.TrimSpace(s.Store.SavedCollectionID) == "" {
		s.Store.SavedCollectionID = d.Store.SavedCollectionID
	}
	if strings.TrimSpace(s.Store.TrendingCollectionID) == "" {
		s.Store.TrendingCollectionID = d.Store.TrendingCollectionID
	}

	if strings.TrimSpace(s.Database.Path) == "" {
		s.Database.Path = d.Database.Path
	}
	if strings.TrimSpace(s.Dynamo.Region) == "" {
		s.Dynamo.Region = d.Dynamo.Region
	}
	if strings.TrimSpace(s.Dynamo.Table) == "" {
		s.Dynamo.Table = d.Dynamo.Table
	}

	if strings.TrimSpace(s.Realtime.Path) == "" {
		s.Realtime.Path = d.Realtime.Path
	}

	if strings.TrimSpace(s.Identity.StateDir) == "" {
		s.Identity.StateDir = d.Identity.StateDir
	}
	if s.Identity.AuthMode != AuthModeAnonymous {
		s.Identity.AuthMode = AuthModeAccounts
	}
	if strings.TrimSpace(s.Accounts.StorageDir) == "" {
		s.Accounts.StorageDir = d.Accounts.StorageDir
	}

	// Backfill Log settings
	if strings.TrimSpace(s.Log.Level) == "" {
		s.Log.Level = d.Log.Level
	}
	if s.Log.MaxSize == 0 {
		s.Log.MaxSize = d.Log.MaxSize
	}
	if s.Log.MaxBackups == 0 {
		s.Log.MaxBackups = d.Log.MaxBackups
	}
	if s.Log.MaxAge == 0 {
		s.Log.MaxAge = d.Log.MaxAge
	}

	if strings.TrimSpace(s.Tracing.ServiceName) == "" {
		s.Tracing.ServiceName = d.Tracing.ServiceName
	}
}

// Save writes the provided settings to disk atomically.
func (m *Manager) Save(s Settings) error {
	if m.path == "" {
		return errors.New("config path not set")
	}
	if err := m.EnsureDir(); err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, m.path)
}
