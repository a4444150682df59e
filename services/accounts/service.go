package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"movieshelf/models"
	"movieshelf/services/identity"
)

const minPasswordLength = 8

var (
	ErrStorageDirRequired = errors.New("storage directory not provided")
	ErrEmailRequired      = errors.New("a valid email is required")
	ErrNameRequired       = errors.New("name is required")
	ErrPasswordTooShort   = errors.New("password must be at least 8 characters")
	ErrEmailTaken         = errors.New("an account with this email already exists")
	ErrInvalidCredentials = errors.New("invalid email or password")
)

// storedAccount is the on-disk form; models.Account hides the hash from clients.
type storedAccount struct {
	models.Account
	PasswordHash string `json:"passwordHash"`
}

type fileState struct {
	Accounts []storedAccount `json:"accounts"`
	// SessionAccountID is the signed-in account, empty when logged out.
	SessionAccountID string `json:"sessionAccountId,omitempty"`
}

// Service manages accounts and the single signed-in session of this
// installation. It is the identity.Authenticator of the app.
type Service struct {
	mu       sync.RWMutex
	path     string
	accounts map[string]storedAccount
	session  string
	now      func() time.Time
}

var _ identity.Authenticator = (*Service)(nil)

// NewService creates an accounts service storing data inside the provided directory.
func NewService(storageDir string) (*Service, error) {
	if strings.TrimSpace(storageDir) == "" {
		return nil, ErrStorageDirRequired
	}

	if err := os.MkdirAll(storageDir, 0o755); err != nil {
		return nil, fmt.Errorf("create accounts dir: %w", err)
	}

	svc := &Service{
		path:     filepath.Join(storageDir, "accounts.json"),
		accounts: make(map[string]storedAccount),
		now:      time.Now,
	}

	if err := svc.load(); err != nil {
		return nil, err
	}

	return svc, nil
}

// Register creates an account. It does not sign the account in.
func (s *Service) Register(email, password, name string) (models.Account, error) {
	email, err := normaliseEmail(email)
	if err != nil {
		return models.Account{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Account{}, ErrNameRequired
	}
	if len(password) < minPasswordLength {
		return models.Account{}, ErrPasswordTooShort
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return models.Account{}, fmt.Errorf("hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.findByEmailLocked(email); ok {
		return models.Account{}, ErrEmailTaken
	}

	now := s.now().UTC()
	acct := storedAccount{
		Account: models.Account{
			ID:        uuid.NewString(),
			Email:     email,
			Name:      name,
			CreatedAt: now,
			UpdatedAt: now,
		},
		PasswordHash: string(hash),
	}
	s.accounts[acct.ID] = acct

	if err := s.saveLocked(); err != nil {
		delete(s.accounts, acct.ID)
		return models.Account{}, err
	}

	return acct.Account, nil
}

// Login verifies the credentials and makes the account the active session.
func (s *Service) Login(email, password string) (models.Account, error) {
	email, err := normaliseEmail(email)
	if err != nil {
		return models.Account{}, ErrInvalidCredentials
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.findByEmailLocked(email)
	if !ok {
		return models.Account{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(password)); err != nil {
		return models.Account{}, ErrInvalidCredentials
	}

	previous := s.session
	s.session = acct.ID
	if err := s.saveLocked(); err != nil {
		s.session = previous
		return models.Account{}, err
	}

	return acct.Account, nil
}

// Logout ends the active session. Logging out while signed out is a no-op.
func (s *Service) Logout() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == "" {
		return nil
	}

	previous := s.session
	s.session = ""
	if err := s.saveLocked(); err != nil {
		s.session = previous
		return err
	}
	return nil
}

// Current returns the signed-in account.
func (s *Service) Current() (models.Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.session == "" {
		return models.Account{}, false
	}
	acct, ok := s.accounts[s.session]
	return acct.Account, ok
}

// CurrentUserID implements identity.Authenticator.
func (s *Service) CurrentUserID(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	acct, ok := s.Current()
	if !ok {
		return "", fmt.Errorf("accounts: %w", identity.ErrAuthUnavailable)
	}
	return acct.ID, nil
}

func (s *Service) findByEmailLocked(email string) (storedAccount, bool) {
	for _, acct := range s.accounts {
		if acct.Email == email {
			return acct, true
		}
	}
	return storedAccount{}, false
}

func normaliseEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", ErrEmailRequired
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrEmailRequired
	}
	return email, nil
}

func (s *Service) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open accounts file: %w", err)
	}
	defer file.Close()

	var stored fileState
	if err := json.NewDecoder(file).Decode(&stored); err != nil {
		return fmt.Errorf("decode accounts: %w", err)
	}

	s.accounts = make(map[string]storedAccount, len(stored.Accounts))
	for _, acct := range stored.Accounts {
		if strings.TrimSpace(acct.ID) == "" {
			continue
		}
		if acct.UpdatedAt.IsZero() {
			acct.UpdatedAt = acct.CreatedAt
		}
		s.accounts[acct.ID] = acct
	}
	if _, ok := s.accounts[stored.SessionAccountID]; ok {
		s.session = stored.SessionAccountID
	}

	return nil
}

func (s *Service) saveLocked() error {
	state := fileState{
		Accounts:         make([]storedAccount, 0, len(s.accounts)),
		SessionAccountID: s.session,
	}
	for _, acct := range s.accounts {
		state.Accounts = append(state.Accounts, acct)
	}

	sort.Slice(state.Accounts, func(i, j int) bool {
		if state.Accounts[i].CreatedAt.Equal(state.Accounts[j].CreatedAt) {
			return state.Accounts[i].Email < state.Accounts[j].Email
		}
		return state.Accounts[i].CreatedAt.Before(state.Accounts[j].CreatedAt)
	})

	tmp := s.path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create accounts temp file: %w", err)
	}

	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	if err := enc.Encode(state); err != nil {
		file.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("encode accounts: %w", err)
	}

	if err := file.Sync(); err != nil {
		file.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("sync accounts: %w", err)
	}

	if err := file.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close accounts temp file: %w", err)
	}

	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace accounts file: %w", err)
	}

	return nil
}
