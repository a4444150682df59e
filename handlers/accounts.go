package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"movieshelf/models"
	"movieshelf/services/accounts"

	"github.com/rs/zerolog"
)

type accountsService interface {
	Register(email, password, name string) (models.Account, error)
	Login(email, password string) (models.Account, error)
	Logout() error
	Current() (models.Account, bool)
}

var _ accountsService = (*accounts.Service)(nil)

// reidentifier is told when the signed-in account changes so the saved
// movies follow the new owner.
type reidentifier interface {
	Reidentify(ctx context.Context) (bool, error)
}

type AccountsHandler struct {
	Service  accountsService
	Sessions reidentifier
	log      zerolog.Logger
}

func NewAccountsHandler(service accountsService, sessions reidentifier, log zerolog.Logger) *AccountsHandler {
	return &AccountsHandler{
		Service:  service,
		Sessions: sessions,
		log:      log.With().Str("handler", "accounts").Logger(),
	}
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name,omitempty"`
}

func (h *AccountsHandler) Register(w http.ResponseWriter, r *http.Request) {
	var body credentials
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	acct, err := h.Service.Register(body.Email, body.Password, body.Name)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, accounts.ErrEmailRequired),
			errors.Is(err, accounts.ErrNameRequired),
			errors.Is(err, accounts.ErrPasswordTooShort):
			status = http.StatusBadRequest
		case errors.Is(err, accounts.ErrEmailTaken):
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(acct)
}

// Login signs in and switches the saved movies to the account.
func (h *AccountsHandler) Login(w http.ResponseWriter, r *http.Request) {
	var body credentials
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	acct, err := h.Service.Login(body.Email, body.Password)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, accounts.ErrInvalidCredentials) {
			status = http.StatusUnauthorized
		}
		http.Error(w, err.Error(), status)
		return
	}
	h.reidentify(r.Context())

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(acct)
}

// Logout signs out; saved movies fall back to the device identity.
func (h *AccountsHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.Logout(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.reidentify(r.Context())

	w.WriteHeader(http.StatusNoContent)
}

func (h *AccountsHandler) Me(w http.ResponseWriter, r *http.Request) {
	acct, ok := h.Service.Current()
	if !ok {
		http.Error(w, "not signed in", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(acct)
}

func (h *AccountsHandler) Options(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// reidentify failures are logged; the account change itself succeeded.
func (h *AccountsHandler) reidentify(ctx context.Context) {
	if h.Sessions == nil {
		return
	}
	if _, err := h.Sessions.Reidentify(ctx); err != nil {
		h.log.Warn().Err(err).Msg("saved movies did not follow account change")
	}
}
