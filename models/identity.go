package models

import "fmt"

// IdentityKind discriminates the two owner schemes.
type IdentityKind int

const (
	IdentityUnknown IdentityKind = iota
	IdentityAuthenticated
	IdentityAnonymous
)

func (k IdentityKind) String() string {
	switch k {
	case IdentityAuthenticated:
		return "authenticated"
	case IdentityAnonymous:
		return "anonymous"
	default:
		return "unknown"
	}
}

// Identity scopes saved-movie queries. It is either an authenticated user id
// or an anonymous device id; the zero value is neither and is invalid.
// Identity values are comparable with ==.
type Identity struct {
	kind IdentityKind
	key  string
}

// Authenticated returns the identity of a signed-in user.
func Authenticated(userID string) Identity {
	return Identity{kind: IdentityAuthenticated, key: userID}
}

// Anonymous returns the identity of a logged-out device.
func Anonymous(deviceID string) Identity {
	return Identity{kind: IdentityAnonymous, key: deviceID}
}

func (i Identity) Kind() IdentityKind { return i.kind }

// OwnerKey is the value stored in the owner field of every record.
func (i Identity) OwnerKey() string { return i.key }

// OwnerField is the document field the owner key is stored under.
func (i Identity) OwnerField() string {
	switch i.kind {
	case IdentityAuthenticated:
		return FieldUserID
	case IdentityAnonymous:
		return FieldDeviceID
	default:
		return ""
	}
}

// IsZero reports whether the identity is unset or has an empty key.
func (i Identity) IsZero() bool {
	return i.kind == IdentityUnknown || i.key == ""
}

func (i Identity) String() string {
	if i.IsZero() {
		return "identity(none)"
	}
	return fmt.Sprintf("%s:%s", i.kind, i.key)
}
