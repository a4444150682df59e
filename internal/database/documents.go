package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/segmentio/ksuid"

	"movieshelf/internal/docstore"
)

// DocumentStore is a docstore.Store backed by the documents table. Every
// write publishes a change event on the collection channel.
type DocumentStore struct {
	conn       *sql.DB
	databaseID string
	hub        *docstore.Hub
	log        zerolog.Logger
	now        func() time.Time

	closeOnce sync.Once
}

var _ docstore.Store = (*DocumentStore)(nil)

// NewDocumentStore wraps an already migrated connection.
func NewDocumentStore(conn *sql.DB, databaseID string, log zerolog.Logger) *DocumentStore {
	if strings.TrimSpace(databaseID) == "" {
		databaseID = "default"
	}
	return &DocumentStore{
		conn:       conn,
		databaseID: databaseID,
		hub:        docstore.NewHub(log),
		log:        log.With().Str("component", "documents").Logger(),
		now:        time.Now,
	}
}

// DatabaseID returns the logical database name used in channel names.
func (s *DocumentStore) DatabaseID() string { return s.databaseID }

// Hub exposes the change hub, e.g. to bridge it onto a websocket.
func (s *DocumentStore) Hub() *docstore.Hub { return s.hub }

// Subscribe implements docstore.Subscriber.
func (s *DocumentStore) Subscribe(channel string, onEvent func(docstore.Event)) func() {
	return s.hub.Subscribe(channel, onEvent)
}

// Close stops the change hub. The connection is owned by DB.
func (s *DocumentStore) Close() {
	s.closeOnce.Do(s.hub.Close)
}

// ListDocuments implements docstore.Store.
func (s *DocumentStore) ListDocuments(ctx context.Context, collection string, queries []docstore.Query) ([]docstore.Document, error) {
	if strings.TrimSpace(collection) == "" {
		return nil, docstore.ErrCollectionReq
	}

	plan, err := docstore.Compile(queries)
	if err != nil {
		return nil, err
	}

	var (
		sb   strings.Builder
		args = []any{collection}
	)
	sb.WriteString("SELECT seq, id, collection, data, permissions, created_at, updated_at FROM documents WHERE collection = ?")

	for _, f := range plan.Filters {
		expr := jsonPath(f.Field)
		if f.Value == nil {
			sb.WriteString(" AND " + expr + " IS NULL")
			continue
		}
		value, err := sqlValue(f.Value)
		if err != nil {
			return nil, err
		}
		sb.WriteString(" AND " + expr + " = ?")
		args = append(args, value)
	}

	orderBy := make([]string, 0, len(plan.Orders)+1)
	for _, o := range plan.Orders {
		dir := "ASC"
		if o.Kind == docstore.QueryOrderDesc {
			dir = "DESC"
		}
		orderBy = append(orderBy, jsonPath(o.Field)+" "+dir)
	}
	if len(plan.Orders) > 0 && plan.Orders[0].Kind == docstore.QueryOrderDesc {
		orderBy = append(orderBy, "seq DESC")
	} else {
		orderBy = append(orderBy, "seq ASC")
	}
	sb.WriteString(" ORDER BY " + strings.Join(orderBy, ", "))

	if plan.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, plan.Limit)
	}

	rows, err := s.conn.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	docs := make([]docstore.Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}

// CreateDocument implements docstore.Store.
func (s *DocumentStore) CreateDocument(ctx context.Context, collection, id string, fields map[string]any, permissions []string) (docstore.Document, error) {
	if strings.TrimSpace(collection) == "" {
		return docstore.Document{}, docstore.ErrCollectionReq
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return docstore.Document{}, docstore.ErrIDRequired
	}
	if id == docstore.UniqueID {
		id = ksuid.New().String()
	}
	for name := range fields {
		if err := docstore.ValidateField(name); err != nil {
			return docstore.Document{}, err
		}
	}

	data, err := json.Marshal(nonNilFields(fields))
	if err != nil {
		return docstore.Document{}, fmt.Errorf("encode document: %w", err)
	}
	if permissions == nil {
		permissions = []string{}
	}
	perms, err := json.Marshal(permissions)
	if err != nil {
		return docstore.Document{}, fmt.Errorf("encode permissions: %w", err)
	}

	now := s.now().UTC()
	stamp := now.Format(time.RFC3339Nano)
	res, err := s.conn.ExecContext(ctx,
		`INSERT INTO documents (id, collection, data, permissions, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, collection, string(data), string(perms), stamp, stamp)
	if err != nil {
		if isUniqueViolation(err) {
			return docstore.Document{}, fmt.Errorf("%w: %s/%s", docstore.ErrConflict, collection, id)
		}
		return docstore.Document{}, fmt.Errorf("insert document: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return docstore.Document{}, fmt.Errorf("read document sequence: %w", err)
	}

	doc, err := s.get(ctx, collection, id)
	if err != nil {
		return docstore.Document{}, err
	}
	if doc.Sequence != seq {
		s.log.Warn().Int64("expected", seq).Int64("got", doc.Sequence).Msg("document sequence mismatch after insert")
	}

	s.hub.Publish(docstore.NewEvent(s.databaseID, doc, docstore.ActionCreate, now))
	return doc, nil
}

// UpdateDocument implements docstore.Store. Fields are merged into the
// stored document; a nil value removes the field.
func (s *DocumentStore) UpdateDocument(ctx context.Context, collection, id string, fields map[string]any) (docstore.Document, error) {
	for name := range fields {
		if err := docstore.ValidateField(name); err != nil {
			return docstore.Document{}, err
		}
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return docstore.Document{}, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT seq, id, collection, data, permissions, created_at, updated_at FROM documents WHERE collection = ? AND id = ?`,
		collection, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return docstore.Document{}, fmt.Errorf("%w: %s/%s", docstore.ErrNotFound, collection, id)
	}
	if err != nil {
		return docstore.Document{}, err
	}

	for k, v := range fields {
		if v == nil {
			delete(doc.Fields, k)
			continue
		}
		doc.Fields[k] = v
	}
	data, err := json.Marshal(doc.Fields)
	if err != nil {
		return docstore.Document{}, fmt.Errorf("encode document: %w", err)
	}

	now := s.now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE documents SET data = ?, updated_at = ? WHERE seq = ?`,
		string(data), now.Format(time.RFC3339Nano), doc.Sequence); err != nil {
		return docstore.Document{}, fmt.Errorf("update document: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return docstore.Document{}, fmt.Errorf("commit update: %w", err)
	}

	doc, err = s.get(ctx, collection, id)
	if err != nil {
		return docstore.Document{}, err
	}
	s.hub.Publish(docstore.NewEvent(s.databaseID, doc, docstore.ActionUpdate, now))
	return doc, nil
}

// DeleteDocument implements docstore.Store.
func (s *DocumentStore) DeleteDocument(ctx context.Context, collection, id string) error {
	doc, err := s.get(ctx, collection, id)
	if err != nil {
		return err
	}

	res, err := s.conn.ExecContext(ctx, `DELETE FROM documents WHERE seq = ?`, doc.Sequence)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s/%s", docstore.ErrNotFound, collection, id)
	}

	s.hub.Publish(docstore.NewEvent(s.databaseID, doc, docstore.ActionDelete, s.now()))
	return nil
}

func (s *DocumentStore) get(ctx context.Context, collection, id string) (docstore.Document, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT seq, id, collection, data, permissions, created_at, updated_at FROM documents WHERE collection = ? AND id = ?`,
		collection, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return docstore.Document{}, fmt.Errorf("%w: %s/%s", docstore.ErrNotFound, collection, id)
	}
	return doc, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (docstore.Document, error) {
	var (
		doc                  docstore.Document
		data, perms          string
		createdAt, updatedAt string
	)
	if err := row.Scan(&doc.Sequence, &doc.ID, &doc.Collection, &data, &perms, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return docstore.Document{}, err
		}
		return docstore.Document{}, fmt.Errorf("scan document: %w", err)
	}

	// Round-trip through Document's decoder so numbers come back as int64/float64.
	var decoded docstore.Document
	if err := json.Unmarshal([]byte(data), &decoded); err != nil {
		return docstore.Document{}, fmt.Errorf("decode document %s: %w", doc.ID, err)
	}
	doc.Fields = decoded.Fields

	if err := json.Unmarshal([]byte(perms), &doc.Permissions); err != nil {
		return docstore.Document{}, fmt.Errorf("decode permissions %s: %w", doc.ID, err)
	}
	doc.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	doc.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return doc, nil
}

// jsonPath is only called with names accepted by docstore.ValidateField,
// so inlining them keeps the expression indexes usable.
func jsonPath(field string) string {
	return "json_extract(data, '$." + field + "')"
}

func sqlValue(v any) (any, error) {
	switch val := v.(type) {
	case string, int, int32, int64, float32, float64:
		return val, nil
	case bool:
		if val {
			return 1, nil
		}
		return 0, nil
	default:
		return nil, fmt.Errorf("%w: unsupported filter value %T", docstore.ErrInvalidQuery, v)
	}
}

func nonNilFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if v != nil {
			out[k] = v
		}
	}
	return out
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
