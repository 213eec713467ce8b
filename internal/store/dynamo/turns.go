// Package dynamo is the DynamoDB history backend. Items live in a single
// table keyed by PK=CONV#<identity>, SK=MSG#<timestamp>; expiry is handled
// by the table's TTL on the "ttl" attribute.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/chatrelay/internal/store"
)

const (
	skPrefixMsg = "MSG#"

	DefaultTTL = 30 * 24 * time.Hour
)

// dynamodbAPI is the subset of the DynamoDB client the store uses.
type dynamodbAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// TurnStore implements store.TurnStore on a DynamoDB table.
type TurnStore struct {
	api       dynamodbAPI
	tableName string
	ttl       time.Duration
	now       func() time.Time
}

// New creates a TurnStore. ttl <= 0 uses DefaultTTL.
func New(api dynamodbAPI, tableName string, ttl time.Duration) (*TurnStore, error) {
	if api == nil {
		return nil, errors.New("dynamo store: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("dynamo store: table name must not be empty")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &TurnStore{api: api, tableName: tableName, ttl: ttl, now: time.Now}, nil
}

func convPK(identity string) string {
	return "CONV#" + identity
}

// msgSK orders lexically by time; the id suffix keeps same-instant turns distinct.
func msgSK(ts time.Time, id string) string {
	return skPrefixMsg + ts.UTC().Format("2006-01-02T15:04:05.000000000Z") + "#" + id
}

func (s *TurnStore) AppendTurn(ctx context.Context, t store.Turn) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now().UTC()
	}

	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                s.turnItem(t),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return fmt.Errorf("dynamo store: AppendTurn: %w", err)
	}
	return nil
}

// RecentTurns reads newest first so Limit favors recent context, then
// reverses into chronological order.
func (s *TurnStore) RecentTurns(ctx context.Context, identity string, limit int) ([]store.Turn, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: convPK(identity)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		ScanIndexForward: aws.Bool(false),
	}
	if limit > 0 {
		in.Limit = aws.Int32(int32(limit))
	}

	var turns []store.Turn
	for {
		out, err := s.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("dynamo store: RecentTurns query: %w", err)
		}
		for _, item := range out.Items {
			t, err := itemToTurn(item)
			if err != nil {
				return nil, fmt.Errorf("dynamo store: RecentTurns unmarshal: %w", err)
			}
			turns = append(turns, t)
		}
		if len(out.LastEvaluatedKey) == 0 || (limit > 0 && len(turns) >= limit) {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
	if limit > 0 && len(turns) > limit {
		turns = turns[:limit]
	}

	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// Prune is a no-op: item TTL expires old turns.
func (s *TurnStore) Prune(context.Context, int) (int, error) {
	return 0, nil
}

func (s *TurnStore) Close() error { return nil }

func (s *TurnStore) turnItem(t store.Turn) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: convPK(t.Identity)},
		"SK":        &types.AttributeValueMemberS{Value: msgSK(t.CreatedAt, t.ID)},
		"id":        &types.AttributeValueMemberS{Value: t.ID},
		"identity":  &types.AttributeValueMemberS{Value: t.Identity},
		"role":      &types.AttributeValueMemberS{Value: t.Role},
		"content":   &types.AttributeValueMemberS{Value: t.Content},
		"createdAt": &types.AttributeValueMemberN{Value: strconv.FormatInt(t.CreatedAt.UnixNano(), 10)},
		"ttl":       &types.AttributeValueMemberN{Value: strconv.FormatInt(t.CreatedAt.Add(s.ttl).Unix(), 10)},
	}
}

func itemToTurn(item map[string]types.AttributeValue) (store.Turn, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return store.Turn{}, err
	}
	identity, err := strAttr(item, "identity")
	if err != nil {
		return store.Turn{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return store.Turn{}, err
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return store.Turn{}, err
	}
	ns, err := intAttr(item, "createdAt")
	if err != nil {
		return store.Turn{}, err
	}
	return store.Turn{
		ID:        id,
		Identity:  identity,
		Role:      role,
		Content:   content,
		CreatedAt: time.Unix(0, ns).UTC(),
	}, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
