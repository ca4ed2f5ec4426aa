// Package dynamodb provides a DynamoDB-backed implementation of the registry
// interface. The table's partition key is the string attribute
// "connectionId".
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/ggoodman/wsconnect-go/registry"
)

// API is the subset of the DynamoDB client used by the registry.
type API interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// Config contains configuration options for the DynamoDB registry.
type Config struct {
	Client    API
	TableName string

	// TTLAttribute names the numeric epoch-seconds attribute configured as
	// the table's TTL. Default: "expiresAt".
	TTLAttribute string
}

// Registry implements registry.Registry using a DynamoDB table.
type Registry struct {
	client  API
	table   string
	ttlAttr string
}

// New creates a new DynamoDB-backed registry.
func New(cfg Config) (*Registry, error) {
	if cfg.Client == nil {
		return nil, errors.New("dynamodb client is required")
	}
	if cfg.TableName == "" {
		return nil, errors.New("table name is required")
	}
	if cfg.TTLAttribute == "" {
		cfg.TTLAttribute = "expiresAt"
	}
	return &Registry{client: cfg.Client, table: cfg.TableName, ttlAttr: cfg.TTLAttribute}, nil
}

// Put writes rec with PutItem, replacing any existing item for the
// connection.
func (r *Registry) Put(ctx context.Context, rec *registry.ConnectionRecord, opts ...registry.Option) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	item := registry.Apply(opts...).Stamp(rec, time.Now())

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("failed to marshal connection record: %w", err)
	}
	if item.ExpiresAt != nil {
		av[r.ttlAttr] = &types.AttributeValueMemberN{Value: strconv.FormatInt(item.ExpiresAt.Unix(), 10)}
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.table),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("failed to put connection %s: %w", rec.ConnectionID, err)
	}
	return nil
}

// Get reads the record for connectionID with a consistent read. Items past
// their TTL are treated as absent, since DynamoDB removes them lazily.
func (r *Registry) Get(ctx context.Context, connectionID string) (*registry.ConnectionRecord, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.table),
		Key: map[string]types.AttributeValue{
			"connectionId": &types.AttributeValueMemberS{Value: connectionID},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get connection %s: %w", connectionID, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}

	var rec registry.ConnectionRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal connection record: %w", err)
	}
	if n, ok := out.Item[r.ttlAttr].(*types.AttributeValueMemberN); ok {
		secs, err := strconv.ParseInt(n.Value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s attribute: %w", r.ttlAttr, err)
		}
		exp := time.Unix(secs, 0)
		rec.ExpiresAt = &exp
	}
	if rec.IsExpired() {
		return nil, nil
	}
	return &rec, nil
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (r *Registry) Close() error { return nil }

// Compile-time interface check
var _ registry.Registry = (*Registry)(nil)
