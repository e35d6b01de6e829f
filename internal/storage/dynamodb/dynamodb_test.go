package dynamodb

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	smithy "github.com/aws/smithy-go"

	"pkt.systems/mergelock/internal/storage"
	"pkt.systems/mergelock/internal/storage/storetest"
)

// fakeTable evaluates the two condition expressions the store issues.
type fakeTable struct {
	mu       sync.Mutex
	items    map[string]map[string]types.AttributeValue
	pageSize int
	scanErr  error
}

func newFakeTable() *fakeTable {
	return &fakeTable{items: make(map[string]map[string]types.AttributeValue), pageSize: 2}
}

func (f *fakeTable) check(cond *string, username string) error {
	_, exists := f.items[username]
	switch aws.ToString(cond) {
	case condAbsent:
		if exists {
			return &types.ConditionalCheckFailedException{Message: aws.String("exists")}
		}
	case condPresent:
		if !exists {
			return &types.ConditionalCheckFailedException{Message: aws.String("absent")}
		}
	}
	return nil
}

func (f *fakeTable) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	username := in.Item[attrUsername].(*types.AttributeValueMemberS).Value
	if err := f.check(in.ConditionExpression, username); err != nil {
		return nil, err
	}
	f.items[username] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeTable) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	username := in.Key[attrUsername].(*types.AttributeValueMemberS).Value
	if err := f.check(in.ConditionExpression, username); err != nil {
		return nil, err
	}
	delete(f.items, username)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeTable) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	names := make([]string, 0, len(f.items))
	for name := range f.items {
		names = append(names, name)
	}
	sort.Strings(names)
	start := 0
	if last, ok := in.ExclusiveStartKey[attrUsername].(*types.AttributeValueMemberS); ok {
		start = sort.SearchStrings(names, last.Value) + 1
	}
	end := start + f.pageSize
	if end > len(names) {
		end = len(names)
	}
	out := &dynamodb.ScanOutput{}
	for _, name := range names[start:end] {
		out.Items = append(out.Items, f.items[name])
	}
	if end < len(names) {
		out.LastEvaluatedKey = map[string]types.AttributeValue{attrUsername: &types.AttributeValueMemberS{Value: names[end-1]}}
	}
	return out, nil
}

func TestStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storage.Store {
		return NewWithClient(newFakeTable(), Config{Table: "merge-lock-test", Region: "eu-west-1"})
	}, storetest.Options{Concurrency: 16})
}

func TestItemLayout(t *testing.T) {
	table := newFakeTable()
	store := NewWithClient(table, Config{Table: "merge-lock-test", Region: "eu-west-1"})
	if err := store.InsertIfAbsent(context.Background(), storage.Entry{Username: "alice", OrderingKey: 1500000000123}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	item := table.items["alice"]
	ts, ok := item[attrTimestamp].(*types.AttributeValueMemberN)
	if !ok || ts.Value != "1500000000123" {
		t.Fatalf("unexpected timestamp attribute %#v", item[attrTimestamp])
	}
	if got := store.Describe(); got != "dynamodb://merge-lock-test?region=eu-west-1" {
		t.Fatalf("unexpected description %q", got)
	}
}

func TestScanRejectsMalformedItem(t *testing.T) {
	table := newFakeTable()
	table.items["bob"] = map[string]types.AttributeValue{
		attrUsername:  &types.AttributeValueMemberS{Value: "bob"},
		attrTimestamp: &types.AttributeValueMemberS{Value: "soon"},
	}
	store := NewWithClient(table, Config{Table: "t", Region: "r"})
	if _, err := store.ScanAll(context.Background()); err == nil || !strings.Contains(err.Error(), attrTimestamp) {
		t.Fatalf("expected malformed item error, got %v", err)
	}
}

func TestThrottlingIsTransient(t *testing.T) {
	table := newFakeTable()
	table.scanErr = &smithy.GenericAPIError{Code: "ProvisionedThroughputExceededException"}
	store := NewWithClient(table, Config{Table: "t", Region: "r"})
	_, err := store.ScanAll(context.Background())
	if !storage.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}

	table.scanErr = &smithy.GenericAPIError{Code: "ResourceNotFoundException"}
	_, err = store.ScanAll(context.Background())
	if err == nil || storage.IsTransient(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(context.Background(), Config{Region: "eu-west-1"}); err == nil {
		t.Fatal("expected table error")
	}
	if _, err := New(context.Background(), Config{Table: "t"}); err == nil {
		t.Fatal("expected region error")
	}
}

func TestConditionFailureIsNotTransient(t *testing.T) {
	err := &types.ConditionalCheckFailedException{Message: aws.String("x")}
	if !isConditionFailed(err) {
		t.Fatal("expected condition failure")
	}
	if isRetryable(err) {
		t.Fatal("condition failure must not be retryable")
	}
	if isConditionFailed(errors.New("boom")) {
		t.Fatal("unexpected condition failure")
	}
}
