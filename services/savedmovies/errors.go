package savedmovies

import "errors"

var (
	ErrBackendUnavailable = errors.New("saved movies backend unavailable")
	ErrRollbackRequired   = errors.New("saved movie change failed and was rolled back")
	ErrToggleInFlight     = errors.New("a change for this movie is already in progress")
	ErrControllerClosed   = errors.New("toggle controller closed")
	ErrSessionClosed      = errors.New("saved movies session closed")
	ErrMovieIDRequired    = errors.New("movie id is required")
	ErrTitleRequired      = errors.New("title is required")
	ErrIdentityRequired   = errors.New("owner identity is required")
	ErrStoreRequired      = errors.New("document store is required")
)
