package dynamodb

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/ggoodman/wsconnect-go/registry"
	"github.com/ggoodman/wsconnect-go/registry/registrytest"
)

// fakeTable is an in-memory table keyed by the "connectionId" attribute.
type fakeTable struct {
	mu     sync.Mutex
	items  map[string]map[string]types.AttributeValue
	putErr error
	puts   []*dynamodb.PutItemInput
}

func newFakeTable() *fakeTable {
	return &fakeTable{items: map[string]map[string]types.AttributeValue{}}
}

func keyOf(item map[string]types.AttributeValue) string {
	if s, ok := item["connectionId"].(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func (f *fakeTable) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, in)
	if f.putErr != nil {
		return nil, f.putErr
	}
	f.items[keyOf(in.Item)] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeTable) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.items[keyOf(in.Key)]}, nil
}

func TestDynamoDBRegistry(t *testing.T) {
	registrytest.RunRegistryTests(t, func(t *testing.T) registry.Registry {
		r, err := New(Config{Client: newFakeTable(), TableName: "Connections"})
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		return r
	})
}

func TestDynamoDBRegistry_ItemShape(t *testing.T) {
	table := newFakeTable()
	r, err := New(Config{Client: table, TableName: "Connections"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	rec := &registry.ConnectionRecord{ConnectionID: "c1", PrincipalID: "u1"}
	if err := r.Put(ctx, rec, registry.WithTTL(2*time.Hour)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if len(table.puts) != 1 {
		t.Fatalf("want 1 PutItem call, got %d", len(table.puts))
	}
	in := table.puts[0]
	if aws.ToString(in.TableName) != "Connections" {
		t.Fatalf("table = %q", aws.ToString(in.TableName))
	}
	if _, ok := in.Item["tenantId"]; ok {
		t.Fatalf("empty tenant must be omitted from the item")
	}
	if s, ok := in.Item["principalId"].(*types.AttributeValueMemberS); !ok || s.Value != "u1" {
		t.Fatalf("principalId attribute = %#v", in.Item["principalId"])
	}
	if _, ok := in.Item["expiresAt"].(*types.AttributeValueMemberN); !ok {
		t.Fatalf("expected numeric TTL attribute, got %#v", in.Item["expiresAt"])
	}
}

func TestDynamoDBRegistry_PutError(t *testing.T) {
	table := newFakeTable()
	table.putErr = errors.New("ProvisionedThroughputExceededException")
	r, err := New(Config{Client: table, TableName: "Connections"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	err = r.Put(context.Background(), &registry.ConnectionRecord{ConnectionID: "c1", PrincipalID: "u1"})
	if !errors.Is(err, table.putErr) {
		t.Fatalf("want wrapped client error, got %v", err)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{TableName: "t"}); err == nil {
		t.Fatalf("expected error without client")
	}
	if _, err := New(Config{Client: newFakeTable()}); err == nil {
		t.Fatalf("expected error without table")
	}
}
