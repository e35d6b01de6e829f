// Package dynamodb stores queue entries as items of a DynamoDB table keyed by
// username. Every write carries a condition expression so DynamoDB, not the
// caller, arbitrates concurrent mutations.
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	smithy "github.com/aws/smithy-go"

	"pkt.systems/mergelock/internal/storage"
)

const (
	attrUsername  = "username"
	attrTimestamp = "timestamp"

	condAbsent  = "attribute_not_exists(#u)"
	condPresent = "attribute_exists(#u)"
)

// Config controls the DynamoDB backend.
type Config struct {
	Table    string
	Region   string
	Endpoint string
}

// API is the subset of *dynamodb.Client used by Store.
type API interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Store implements storage.Store on a DynamoDB table.
type Store struct {
	client API
	cfg    Config
}

// New loads the default AWS configuration and builds a Store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg.Table = strings.TrimSpace(cfg.Table)
	if cfg.Table == "" {
		return nil, fmt.Errorf("dynamodb: table is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("dynamodb: region is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("dynamodb: load config: %w", err)
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewWithClient(client, cfg), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client API, cfg Config) *Store {
	return &Store{client: client, cfg: cfg}
}

// Describe satisfies storage.Describer.
func (s *Store) Describe() string {
	return "dynamodb://" + s.cfg.Table + "?region=" + s.cfg.Region
}

// Close is a no-op for the DynamoDB client.
func (s *Store) Close() error { return nil }

func (s *Store) InsertIfAbsent(ctx context.Context, entry storage.Entry) error {
	if err := storage.ValidateUsername(entry.Username); err != nil {
		return err
	}
	err := s.put(ctx, entry, condAbsent)
	if isConditionFailed(err) {
		return storage.ErrAlreadyExists
	}
	return wrapError(err, "insert entry")
}

func (s *Store) ReplaceIfPresent(ctx context.Context, entry storage.Entry) error {
	err := s.put(ctx, entry, condPresent)
	if isConditionFailed(err) {
		return storage.ErrNotFound
	}
	return wrapError(err, "replace entry")
}

func (s *Store) DeleteIfPresent(ctx context.Context, username string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                aws.String(s.cfg.Table),
		Key:                      map[string]types.AttributeValue{attrUsername: &types.AttributeValueMemberS{Value: username}},
		ConditionExpression:      aws.String(condPresent),
		ExpressionAttributeNames: map[string]string{"#u": attrUsername},
	})
	if isConditionFailed(err) {
		return storage.ErrNotFound
	}
	return wrapError(err, "delete entry")
}

// ScanAll pages through a strongly consistent scan of the table.
func (s *Store) ScanAll(ctx context.Context) ([]storage.Entry, error) {
	var (
		entries []storage.Entry
		start   map[string]types.AttributeValue
	)
	for {
		out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(s.cfg.Table),
			ConsistentRead:    aws.Bool(true),
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, wrapError(err, "scan entries")
		}
		for _, item := range out.Items {
			entry, err := decodeItem(item)
			if err != nil {
				return nil, err
			}
			entries = append(entries, entry)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		start = out.LastEvaluatedKey
	}
	storage.SortByUsername(entries)
	return entries, nil
}

func (s *Store) put(ctx context.Context, entry storage.Entry, condition string) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.cfg.Table),
		Item: map[string]types.AttributeValue{
			attrUsername:  &types.AttributeValueMemberS{Value: entry.Username},
			attrTimestamp: &types.AttributeValueMemberN{Value: strconv.FormatInt(entry.OrderingKey, 10)},
		},
		ConditionExpression:      aws.String(condition),
		ExpressionAttributeNames: map[string]string{"#u": attrUsername},
	})
	return err
}

func decodeItem(item map[string]types.AttributeValue) (storage.Entry, error) {
	user, ok := item[attrUsername].(*types.AttributeValueMemberS)
	if !ok {
		return storage.Entry{}, fmt.Errorf("dynamodb: item without string %q attribute", attrUsername)
	}
	ts, ok := item[attrTimestamp].(*types.AttributeValueMemberN)
	if !ok {
		return storage.Entry{}, fmt.Errorf("dynamodb: item %q without numeric %q attribute", user.Value, attrTimestamp)
	}
	key, err := strconv.ParseInt(ts.Value, 10, 64)
	if err != nil {
		return storage.Entry{}, fmt.Errorf("dynamodb: item %q: parse %q: %w", user.Value, attrTimestamp, err)
	}
	return storage.Entry{Username: user.Value, OrderingKey: key}, nil
}

func isConditionFailed(err error) bool {
	if err == nil {
		return false
	}
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func wrapError(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	wrapped := fmt.Errorf("dynamodb: %s: %w", op, err)
	if isRetryable(err) {
		return storage.NewTransientError(wrapped)
	}
	return wrapped
}

func isRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ProvisionedThroughputExceededException", "ThrottlingException",
			"RequestLimitExceeded", "InternalServerError", "ServiceUnavailable",
			"TransactionConflictException":
			return true
		}
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		return status >= http.StatusInternalServerError || status == http.StatusTooManyRequests
	}
	return false
}
