// Package dynamostore keeps documents in a single DynamoDB table keyed by
// (collection, id). Change events of local writes go to an in-process hub;
// writes made elsewhere arrive through an SQS queue consumed by Feed.
package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"
	"github.com/segmentio/ksuid"

	"movieshelf/internal/docstore"
)

// DynamoAPI is the subset of *dynamodb.Client the store uses.
type DynamoAPI interface {
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

const (
	attrCollection = "collection"
	attrID         = "id"
	attrData       = "data"
)

// item is the stored shape of a document.
type item struct {
	Collection  string         `dynamodbav:"collection"`
	ID          string         `dynamodbav:"id"`
	Seq         int64          `dynamodbav:"seq"`
	CreatedAt   string         `dynamodbav:"createdAt"`
	UpdatedAt   string         `dynamodbav:"updatedAt"`
	Permissions []string       `dynamodbav:"permissions,omitempty"`
	Data        map[string]any `dynamodbav:"data"`
}

// Store is a docstore.Store over DynamoDB.
type Store struct {
	api        DynamoAPI
	table      string
	databaseID string
	hub        *docstore.Hub
	log        zerolog.Logger
	now        func() time.Time

	seqMu   sync.Mutex
	lastSeq int64

	closeOnce sync.Once
}

var _ docstore.Store = (*Store)(nil)

func New(api DynamoAPI, table, databaseID string, log zerolog.Logger) *Store {
	if strings.TrimSpace(databaseID) == "" {
		databaseID = "default"
	}
	return &Store{
		api:        api,
		table:      table,
		databaseID: databaseID,
		hub:        docstore.NewHub(log),
		log:        log.With().Str("component", "dynamostore").Str("table", table).Logger(),
		now:        time.Now,
	}
}

func (s *Store) DatabaseID() string { return s.databaseID }

// Hub exposes the change hub. Feed publishes remote events into it.
func (s *Store) Hub() *docstore.Hub { return s.hub }

func (s *Store) Subscribe(channel string, onEvent func(docstore.Event)) func() {
	return s.hub.Subscribe(channel, onEvent)
}

func (s *Store) Close() {
	s.closeOnce.Do(s.hub.Close)
}

// nextSeq hands out increasing sequence numbers derived from the clock.
func (s *Store) nextSeq(now time.Time) int64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	seq := now.UnixNano()
	if seq <= s.lastSeq {
		seq = s.lastSeq + 1
	}
	s.lastSeq = seq
	return seq
}

// ListDocuments queries the collection partition with equality filters
// pushed down; ordering and limits are applied after all pages are read.
func (s *Store) ListDocuments(ctx context.Context, collection string, queries []docstore.Query) ([]docstore.Document, error) {
	if strings.TrimSpace(collection) == "" {
		return nil, docstore.ErrCollectionReq
	}
	plan, err := docstore.Compile(queries)
	if err != nil {
		return nil, err
	}

	names := map[string]string{"#c": attrCollection}
	values := map[string]types.AttributeValue{":c": &types.AttributeValueMemberS{Value: collection}}
	var filters []string
	for i, f := range plan.Filters {
		if i == 0 {
			names["#data"] = attrData
		}
		fieldRef := fmt.Sprintf("#f%d", i)
		names[fieldRef] = f.Field
		if f.Value == nil {
			filters = append(filters, fmt.Sprintf("attribute_not_exists(#data.%s)", fieldRef))
			continue
		}
		av, err := attributevalue.Marshal(f.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", docstore.ErrInvalidQuery, f.Field, err)
		}
		valueRef := fmt.Sprintf(":v%d", i)
		values[valueRef] = av
		filters = append(filters, fmt.Sprintf("#data.%s = %s", fieldRef, valueRef))
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(s.table),
		KeyConditionExpression:    aws.String("#c = :c"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	}
	if len(filters) > 0 {
		input.FilterExpression = aws.String(strings.Join(filters, " AND "))
	}

	docs := []docstore.Document{}
	for {
		out, err := s.api.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("query documents: %w", err)
		}
		for _, raw := range out.Items {
			doc, err := decodeItem(raw)
			if err != nil {
				return nil, err
			}
			docs = append(docs, doc)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}

	return docstore.Apply(docs, queries)
}

func (s *Store) CreateDocument(ctx context.Context, collection, id string, fields map[string]any, permissions []string) (docstore.Document, error) {
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

	data := make(map[string]any, len(fields))
	for name, v := range fields {
		if err := docstore.ValidateField(name); err != nil {
			return docstore.Document{}, err
		}
		if v != nil {
			data[name] = v
		}
	}

	now := s.now().UTC()
	stamp := now.Format(time.RFC3339Nano)
	it := item{
		Collection:  collection,
		ID:          id,
		Seq:         s.nextSeq(now),
		CreatedAt:   stamp,
		UpdatedAt:   stamp,
		Permissions: permissions,
		Data:        data,
	}
	av, err := attributevalue.MarshalMap(it)
	if err != nil {
		return docstore.Document{}, fmt.Errorf("encode document: %w", err)
	}

	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(s.table),
		Item:                     av,
		ConditionExpression:      aws.String("attribute_not_exists(#id)"),
		ExpressionAttributeNames: map[string]string{"#id": attrID},
	})
	if err != nil {
		if isConditionFailed(err) {
			return docstore.Document{}, fmt.Errorf("%w: %s/%s", docstore.ErrConflict, collection, id)
		}
		return docstore.Document{}, fmt.Errorf("put document: %w", err)
	}

	doc, err := decodeItem(av)
	if err != nil {
		return docstore.Document{}, err
	}
	s.hub.Publish(docstore.NewEvent(s.databaseID, doc, docstore.ActionCreate, now))
	return doc, nil
}

// UpdateDocument merges fields into the stored document; a nil value removes
// the field.
func (s *Store) UpdateDocument(ctx context.Context, collection, id string, fields map[string]any) (docstore.Document, error) {
	names := map[string]string{"#id": attrID, "#data": attrData, "#u": "updatedAt"}
	now := s.now().UTC()
	values := map[string]types.AttributeValue{
		":u": &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
	}
	sets := []string{"#u = :u"}
	var removes []string

	i := 0
	for name, v := range fields {
		if err := docstore.ValidateField(name); err != nil {
			return docstore.Document{}, err
		}
		fieldRef := fmt.Sprintf("#f%d", i)
		names[fieldRef] = name
		if v == nil {
			removes = append(removes, "#data."+fieldRef)
		} else {
			av, err := attributevalue.Marshal(v)
			if err != nil {
				return docstore.Document{}, fmt.Errorf("encode field %s: %w", name, err)
			}
			valueRef := fmt.Sprintf(":v%d", i)
			values[valueRef] = av
			sets = append(sets, fmt.Sprintf("#data.%s = %s", fieldRef, valueRef))
		}
		i++
	}

	update := "SET " + strings.Join(sets, ", ")
	if len(removes) > 0 {
		update += " REMOVE " + strings.Join(removes, ", ")
	}

	out, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       key(collection, id),
		UpdateExpression:          aws.String(update),
		ConditionExpression:       aws.String("attribute_exists(#id)"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		if isConditionFailed(err) {
			return docstore.Document{}, fmt.Errorf("%w: %s/%s", docstore.ErrNotFound, collection, id)
		}
		return docstore.Document{}, fmt.Errorf("update document: %w", err)
	}

	doc, err := decodeItem(out.Attributes)
	if err != nil {
		return docstore.Document{}, err
	}
	s.hub.Publish(docstore.NewEvent(s.databaseID, doc, docstore.ActionUpdate, now))
	return doc, nil
}

func (s *Store) DeleteDocument(ctx context.Context, collection, id string) error {
	out, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                aws.String(s.table),
		Key:                      key(collection, id),
		ConditionExpression:      aws.String("attribute_exists(#id)"),
		ExpressionAttributeNames: map[string]string{"#id": attrID},
		ReturnValues:             types.ReturnValueAllOld,
	})
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("%w: %s/%s", docstore.ErrNotFound, collection, id)
		}
		return fmt.Errorf("delete document: %w", err)
	}

	doc, err := decodeItem(out.Attributes)
	if err != nil {
		s.log.Warn().Err(err).Str("id", id).Msg("decode deleted document")
		doc = docstore.Document{ID: id, Collection: collection}
	}
	s.hub.Publish(docstore.NewEvent(s.databaseID, doc, docstore.ActionDelete, s.now()))
	return nil
}

func key(collection, id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrCollection: &types.AttributeValueMemberS{Value: collection},
		attrID:         &types.AttributeValueMemberS{Value: id},
	}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func decodeItem(raw map[string]types.AttributeValue) (docstore.Document, error) {
	var it item
	if err := attributevalue.UnmarshalMap(raw, &it); err != nil {
		return docstore.Document{}, fmt.Errorf("decode document: %w", err)
	}
	if it.Data == nil {
		it.Data = map[string]any{}
	}
	for k, v := range it.Data {
		it.Data[k] = normaliseNumber(v)
	}
	created, _ := time.Parse(time.RFC3339Nano, it.CreatedAt)
	updated, _ := time.Parse(time.RFC3339Nano, it.UpdatedAt)
	return docstore.Document{
		ID:          it.ID,
		Collection:  it.Collection,
		Sequence:    it.Seq,
		CreatedAt:   created,
		UpdatedAt:   updated,
		Permissions: it.Permissions,
		Fields:      it.Data,
	}, nil
}

// normaliseNumber turns whole float64 values back into int64 so documents
// read from DynamoDB compare like the ones read from sqlite.
func normaliseNumber(v any) any {
	if f, ok := v.(float64); ok && f == float64(int64(f)) {
		return int64(f)
	}
	return v
}
