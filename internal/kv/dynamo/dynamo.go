// Package dynamo implements kv.Store on a DynamoDB table with a TTL attribute.
//
// Table layout: partition key "pk" (S), value "val" (B), expiry "expires_at" (N, unix seconds).
// Native TTL deletion is lazy, so reads treat an elapsed expires_at as absent.
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

	"github.com/and161185/tgcollector/internal/errs"
)

const (
	attrKey = "pk"
	attrVal = "val"
	attrExp = "expires_at"
)

// dynamodbAPI is the minimal DynamoDB interface required by Store.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Store wraps a DynamoDB table as a kv.Store.
type Store struct {
	api       dynamodbAPI
	tableName string
	prefix    string
	now       func() time.Time
}

// New creates a Store. prefix namespaces every key, e.g. per deployment.
func New(api dynamodbAPI, tableName, prefix string) (*Store, error) {
	if api == nil {
		return nil, errors.New("dynamo: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("dynamo: table name must not be empty")
	}
	return &Store{api: api, tableName: tableName, prefix: prefix, now: time.Now}, nil
}

func (s *Store) key(k string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{attrKey: &types.AttributeValueMemberS{Value: s.prefix + k}}
}

func (s *Store) nowUnix() string { return strconv.FormatInt(s.now().Unix(), 10) }

func (s *Store) item(k string, val []byte, ttl time.Duration) map[string]types.AttributeValue {
	it := map[string]types.AttributeValue{
		attrKey: &types.AttributeValueMemberS{Value: s.prefix + k},
		attrVal: &types.AttributeValueMemberB{Value: val},
	}
	if ttl > 0 {
		it[attrExp] = &types.AttributeValueMemberN{Value: strconv.FormatInt(s.now().Add(ttl).Unix(), 10)}
	}
	return it
}

// live reports whether an item exists and has not expired.
func (s *Store) live(item map[string]types.AttributeValue) (bool, error) {
	if len(item) == 0 {
		return false, nil
	}
	v, ok := item[attrExp]
	if !ok {
		return true, nil
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return false, fmt.Errorf("dynamo: attribute %q is not a number", attrExp)
	}
	exp, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return false, fmt.Errorf("dynamo: parse attribute %q: %w", attrExp, err)
	}
	return s.now().Unix() < exp, nil
}

func (s *Store) get(ctx context.Context, k string) (map[string]types.AttributeValue, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            s.key(k),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamo: get %q: %w", k, err)
	}
	if out == nil {
		return nil, nil
	}
	ok, err := s.live(out.Item)
	if err != nil || !ok {
		return nil, err
	}
	return out.Item, nil
}

func (s *Store) Get(ctx context.Context, k string) ([]byte, error) {
	item, err := s.get(ctx, k)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, errs.ErrNotFound
	}
	b, ok := item[attrVal].(*types.AttributeValueMemberB)
	if !ok {
		return nil, fmt.Errorf("dynamo: attribute %q is not binary", attrVal)
	}
	return b.Value, nil
}

func (s *Store) Exists(ctx context.Context, k string) (bool, error) {
	item, err := s.get(ctx, k)
	return item != nil, err
}

func (s *Store) Set(ctx context.Context, k string, val []byte, ttl time.Duration) error {
	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      s.item(k, val, ttl),
	})
	if err != nil {
		return fmt.Errorf("dynamo: set %q: %w", k, err)
	}
	return nil
}

// SetNX is a conditional put that also succeeds over an item whose expiry has elapsed
// but which native TTL has not reaped yet.
func (s *Store) SetNX(ctx context.Context, k string, val []byte, ttl time.Duration) (bool, error) {
	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(s.tableName),
		Item:                     s.item(k, val, ttl),
		ConditionExpression:      aws.String("attribute_not_exists(#k) OR #e <= :now"),
		ExpressionAttributeNames: map[string]string{"#k": attrKey, "#e": attrExp},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: s.nowUnix()},
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("dynamo: setnx %q: %w", k, err)
	}
	return true, nil
}

func (s *Store) Expire(ctx context.Context, k string, ttl time.Duration) error {
	in := &dynamodb.UpdateItemInput{
		TableName:                aws.String(s.tableName),
		Key:                      s.key(k),
		ConditionExpression:      aws.String("attribute_exists(#k) AND (attribute_not_exists(#e) OR #e > :now)"),
		ExpressionAttributeNames: map[string]string{"#k": attrKey, "#e": attrExp},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: s.nowUnix()},
		},
	}
	if ttl > 0 {
		in.UpdateExpression = aws.String("SET #e = :exp")
		in.ExpressionAttributeValues[":exp"] = &types.AttributeValueMemberN{
			Value: strconv.FormatInt(s.now().Add(ttl).Unix(), 10),
		}
	} else {
		in.UpdateExpression = aws.String("REMOVE #e")
	}
	if _, err := s.api.UpdateItem(ctx, in); err != nil {
		if isConditionFailed(err) {
			return errs.ErrNotFound
		}
		return fmt.Errorf("dynamo: expire %q: %w", k, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, k string) error {
	_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.key(k),
	})
	if err != nil {
		return fmt.Errorf("dynamo: delete %q: %w", k, err)
	}
	return nil
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}
