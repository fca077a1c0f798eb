package idempotency

import (
	"context"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeDynamo keeps items in memory and evaluates the condition expressions
// DynamoStore issues.
type fakeDynamo struct {
	mu        sync.Mutex
	items     map[string]map[string]types.AttributeValue
	lastTable string
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]types.AttributeValue)}
}

func keyOf(attrs map[string]types.AttributeValue) string {
	return str(attrs["idempotency_key"])
}

func str(v types.AttributeValue) string {
	if s, ok := v.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func num(v types.AttributeValue) int64 {
	if n, ok := v.(*types.AttributeValueMemberN); ok {
		i, _ := strconv.ParseInt(n.Value, 10, 64)
		return i
	}
	return 0
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastTable = aws.ToString(in.TableName)
	return &dynamodb.GetItemOutput{Item: f.items[keyOf(in.Key)]}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastTable = aws.ToString(in.TableName)

	key := keyOf(in.Item)
	if in.ConditionExpression != nil {
		if existing, ok := f.items[key]; ok {
			live := num(existing["expires_at_ms"]) > num(in.ExpressionAttributeValues[":now"])
			owner, ownerCond := in.ExpressionAttributeValues[":owner"]
			leased := ownerCond &&
				str(existing["state"]) == str(in.ExpressionAttributeValues[":inflight"]) &&
				str(existing["owner"]) == str(owner)
			if live && !leased {
				return nil, &types.ConditionalCheckFailedException{Message: aws.String("conditional request failed")}
			}
		}
	}
	f.items[key] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastTable = aws.ToString(in.TableName)

	key := keyOf(in.Key)
	existing, ok := f.items[key]
	if !ok ||
		str(existing["state"]) != str(in.ExpressionAttributeValues[":inflight"]) ||
		str(existing["owner"]) != str(in.ExpressionAttributeValues[":owner"]) {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("conditional request failed")}
	}
	delete(f.items, key)
	return &dynamodb.DeleteItemOutput{}, nil
}
