// Package docstore defines the document-store contract the saved-movie
// synchronisation runs against: filtered listing, create/update/delete of
// schemaless documents, and a push channel reporting changes.
package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// UniqueID asks the store to generate a document id on create.
const UniqueID = "unique()"

var (
	ErrNotFound      = errors.New("document not found")
	ErrConflict      = errors.New("document already exists")
	ErrInvalidQuery  = errors.New("invalid query")
	ErrInvalidField  = errors.New("invalid field name")
	ErrStoreClosed   = errors.New("document store closed")
	ErrIDRequired    = errors.New("document id is required")
	ErrCollectionReq = errors.New("collection is required")
)

// Subscriber is the push side of a store. Subscribe registers onEvent for
// every change published on channel and returns a func that removes it.
// Delivery is best effort: events may be dropped or arrive late.
type Subscriber interface {
	Subscribe(channel string, onEvent func(Event)) (unsubscribe func())
}

// Store is the document-store collaborator.
type Store interface {
	Subscriber
	ListDocuments(ctx context.Context, collection string, queries []Query) ([]Document, error)
	CreateDocument(ctx context.Context, collection, id string, fields map[string]any, permissions []string) (Document, error)
	UpdateDocument(ctx context.Context, collection, id string, fields map[string]any) (Document, error)
	DeleteDocument(ctx context.Context, collection, id string) error
}

// Document is a stored record. Sequence reflects the store's insertion order
// and breaks ties when ordering by a field.
type Document struct {
	ID          string
	Collection  string
	Sequence    int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Permissions []string
	Fields      map[string]any
}

// MarshalJSON flattens system attributes ($-prefixed) and fields into one object.
func (d Document) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(d.Fields)+6)
	for k, v := range d.Fields {
		out[k] = v
	}
	out["$id"] = d.ID
	out["$collectionId"] = d.Collection
	out["$sequence"] = d.Sequence
	out["$createdAt"] = d.CreatedAt.UTC().Format(time.RFC3339Nano)
	out["$updatedAt"] = d.UpdatedAt.UTC().Format(time.RFC3339Nano)
	perms := d.Permissions
	if perms == nil {
		perms = []string{}
	}
	out["$permissions"] = perms
	return json.Marshal(out)
}

// UnmarshalJSON reverses MarshalJSON.
func (d *Document) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}

	doc := Document{Fields: make(map[string]any, len(raw))}
	for k, v := range raw {
		switch k {
		case "$id":
			doc.ID, _ = v.(string)
		case "$collectionId":
			doc.Collection, _ = v.(string)
		case "$sequence":
			if n, ok := toInt64(v); ok {
				doc.Sequence = n
			}
		case "$createdAt":
			doc.CreatedAt = parseTime(v)
		case "$updatedAt":
			doc.UpdatedAt = parseTime(v)
		case "$permissions":
			if list, ok := v.([]any); ok {
				for _, p := range list {
					if s, ok := p.(string); ok {
						doc.Permissions = append(doc.Permissions, s)
					}
				}
			}
		default:
			if strings.HasPrefix(k, "$") {
				continue
			}
			doc.Fields[k] = normaliseJSONValue(v)
		}
	}
	*d = doc
	return nil
}

// String returns a string field, or "" when absent or not a string.
func (d Document) String(field string) string {
	s, _ := d.Fields[field].(string)
	return s
}

// StringPtr returns a nullable string field.
func (d Document) StringPtr(field string) *string {
	s, ok := d.Fields[field].(string)
	if !ok {
		return nil
	}
	return &s
}

// Int returns an integral field.
func (d Document) Int(field string) (int64, bool) {
	return toInt64(d.Fields[field])
}

// Float returns a numeric field.
func (d Document) Float(field string) (float64, bool) {
	return toFloat64(d.Fields[field])
}

// Event is a change notification pushed on a channel.
type Event struct {
	Channel   string    `json:"channel"`
	Events    []string  `json:"events"`
	Payload   Document  `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Action returns the trailing verb (create, update, delete) of the first event name.
func (e Event) Action() string {
	if len(e.Events) == 0 {
		return ""
	}
	name := e.Events[0]
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		return name[idx+1:]
	}
	return name
}

// Document change actions.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
	// ActionResync carries no document: events on the channel may have been
	// missed and subscribers should re-read what they derive from it.
	ActionResync = "resync"
)

// CollectionChannel names the channel carrying changes to every document of a collection.
func CollectionChannel(databaseID, collection string) string {
	return fmt.Sprintf("databases.%s.collections.%s.documents", databaseID, collection)
}

// DocumentEvent names a single change for the events list of an Event.
func DocumentEvent(databaseID, collection, id, action string) string {
	return fmt.Sprintf("%s.%s.%s", CollectionChannel(databaseID, collection), id, action)
}

// NewEvent builds the event published after a write.
func NewEvent(databaseID string, doc Document, action string, at time.Time) Event {
	return Event{
		Channel:   CollectionChannel(databaseID, doc.Collection),
		Events:    []string{DocumentEvent(databaseID, doc.Collection, doc.ID, action)},
		Payload:   doc,
		Timestamp: at.UTC(),
	}
}

// ResyncEvent builds the event a feed emits after a gap in delivery.
func ResyncEvent(channel string, at time.Time) Event {
	return Event{
		Channel:   channel,
		Events:    []string{channel + "." + ActionResync},
		Timestamp: at.UTC(),
	}
}

// Permission helpers, formatted the way document ACLs are stored.
func PermissionRead(role string) string   { return fmt.Sprintf("read(%q)", role) }
func PermissionUpdate(role string) string { return fmt.Sprintf("update(%q)", role) }
func PermissionDelete(role string) string { return fmt.Sprintf("delete(%q)", role) }

// UserRole is the ACL role of a single user.
func UserRole(userID string) string { return "user:" + userID }

func parseTime(v any) time.Time {
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func normaliseJSONValue(v any) any {
	switch val := v.(type) {
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return n
		}
		f, _ := val.Float64()
		return f
	case []any:
		out := make([]any, len(val))
		for i := range val {
			out[i] = normaliseJSONValue(val[i])
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k := range val {
			out[k] = normaliseJSONValue(val[k])
		}
		return out
	default:
		return v
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case float32:
		if float32(int64(n)) == n {
			return int64(n), true
		}
	case float64:
		if float64(int64(n)) == n {
			return int64(n), true
		}
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
	}
	return 0, false
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
