package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const DefaultDynamoTable = "paygate_idempotency"

// DynamoAPI is the subset of *dynamodb.Client used by DynamoStore.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// dynamoItem is the table layout.
//
// Table requirements:
//   - PK: idempotency_key (string)
//   - TTL attribute: ttl (epoch seconds)
type dynamoItem struct {
	Key         string   `dynamodbav:"idempotency_key"`
	State       string   `dynamodbav:"state"`
	Owner       string   `dynamodbav:"owner,omitempty"`
	Value       string   `dynamodbav:"value,omitempty"`
	Failure     *Failure `dynamodbav:"failure,omitempty"`
	CreatedAt   string   `dynamodbav:"created_at"`
	ExpiresAtMs int64    `dynamodbav:"expires_at_ms"`
	TTL         int64    `dynamodbav:"ttl"`
}

// DynamoStore keeps the registry in a DynamoDB table, for deployments with
// several instances and no shared Redis. Reserve relies on conditional
// writes.
type DynamoStore struct {
	ddb       DynamoAPI
	tableName string
	now       func() time.Time
}

// NewDynamoStore creates a store on table. An empty table name uses
// DefaultDynamoTable.
func NewDynamoStore(ddb DynamoAPI, tableName string) *DynamoStore {
	if tableName == "" {
		tableName = DefaultDynamoTable
	}
	return &DynamoStore{ddb: ddb, tableName: tableName, now: time.Now}
}

func (s *DynamoStore) keyAttr(key Key) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"idempotency_key": &types.AttributeValueMemberS{Value: string(key)},
	}
}

func (s *DynamoStore) Get(ctx context.Context, key Key) (Record, bool, error) {
	out, err := s.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            s.keyAttr(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return Record{}, false, fmt.Errorf("dynamodb get %s: %w", key, err)
	}
	if len(out.Item) == 0 {
		return Record{}, false, nil
	}

	var it dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return Record{}, false, fmt.Errorf("failed to unmarshal record %s: %w", key, err)
	}
	if it.ExpiresAtMs <= s.now().UnixMilli() {
		return Record{}, false, nil
	}
	return fromDynamoItem(it), true, nil
}

func (s *DynamoStore) Reserve(ctx context.Context, key Key, owner string, lease time.Duration) (bool, error) {
	now := s.now()
	av, err := attributevalue.MarshalMap(toDynamoItem(key, Record{
		State:     StateInFlight,
		Owner:     owner,
		CreatedAt: now,
		ExpiresAt: now.Add(lease),
	}))
	if err != nil {
		return false, err
	}

	_, err = s.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(#k) OR #e <= :now"),
		ExpressionAttributeNames: map[string]string{
			"#k": "idempotency_key",
			"#e": "expires_at_ms",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixMilli(), 10)},
		},
	})
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dynamodb reserve %s: %w", key, err)
	}
	return true, nil
}

func (s *DynamoStore) Complete(ctx context.Context, key Key, owner string, rec Record, retention time.Duration) error {
	now := s.now()
	rec.Owner = owner
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.ExpiresAt = now.Add(retention)

	av, err := attributevalue.MarshalMap(toDynamoItem(key, rec))
	if err != nil {
		return err
	}
	_, err = s.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(#k) OR #e <= :now OR (#s = :inflight AND #o = :owner)"),
		ExpressionAttributeNames: map[string]string{
			"#k": "idempotency_key",
			"#e": "expires_at_ms",
			"#s": "state",
			"#o": "owner",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now":      &types.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixMilli(), 10)},
			":inflight": &types.AttributeValueMemberS{Value: string(StateInFlight)},
			":owner":    &types.AttributeValueMemberS{Value: owner},
		},
	})
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return ErrLeaseLost
	}
	if err != nil {
		return fmt.Errorf("dynamodb complete %s: %w", key, err)
	}
	return nil
}

func (s *DynamoStore) Release(ctx context.Context, key Key, owner string) error {
	_, err := s.ddb.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 s.keyAttr(key),
		ConditionExpression: aws.String("#s = :inflight AND #o = :owner"),
		ExpressionAttributeNames: map[string]string{
			"#s": "state",
			"#o": "owner",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":inflight": &types.AttributeValueMemberS{Value: string(StateInFlight)},
			":owner":    &types.AttributeValueMemberS{Value: owner},
		},
	})
	var ccf *types.ConditionalCheckFailedException
	if err != nil && !errors.As(err, &ccf) {
		return fmt.Errorf("dynamodb release %s: %w", key, err)
	}
	return nil
}

func toDynamoItem(key Key, rec Record) dynamoItem {
	return dynamoItem{
		Key:         string(key),
		State:       string(rec.State),
		Owner:       rec.Owner,
		Value:       string(rec.Value),
		Failure:     rec.Failure,
		CreatedAt:   rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		ExpiresAtMs: rec.ExpiresAt.UnixMilli(),
		TTL:         rec.ExpiresAt.Unix(),
	}
}

func fromDynamoItem(it dynamoItem) Record {
	created, _ := time.Parse(time.RFC3339Nano, it.CreatedAt)
	rec := Record{
		State:     State(it.State),
		Owner:     it.Owner,
		Failure:   it.Failure,
		CreatedAt: created,
		ExpiresAt: time.UnixMilli(it.ExpiresAtMs),
	}
	if it.Value != "" {
		rec.Value = json.RawMessage(it.Value)
	}
	return rec
}
