package azure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"pkt.systems/mergelock/internal/storage"
)

func TestAppendSASToken(t *testing.T) {
	tests := []struct {
		endpoint string
		sas      string
		want     string
	}{
		{"https://acct.blob.core.windows.net", "?sv=1&sig=x", "https://acct.blob.core.windows.net?sv=1&sig=x"},
		{"https://acct.blob.core.windows.net/?comp=list", "sv=1", "https://acct.blob.core.windows.net/?comp=list&sv=1"},
	}
	for _, tc := range tests {
		got, err := appendSASToken(tc.endpoint, tc.sas)
		if err != nil {
			t.Fatalf("appendSASToken(%q): %v", tc.endpoint, err)
		}
		if got != tc.want {
			t.Fatalf("appendSASToken(%q, %q) = %q, want %q", tc.endpoint, tc.sas, got, tc.want)
		}
	}
}

func TestNewValidatesConfig(t *testing.T) {
	ctx := context.Background()
	if _, err := New(ctx, Config{Container: "queue"}); err == nil {
		t.Fatal("expected account error")
	}
	if _, err := New(ctx, Config{Account: "acct"}); err == nil {
		t.Fatal("expected container error")
	}
	if _, err := New(ctx, Config{Account: "acct", Container: "queue"}); err == nil {
		t.Fatal("expected credential error")
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		notFound     bool
		precondition bool
		retryable    bool
	}{
		{name: "not found", err: &azcore.ResponseError{StatusCode: http.StatusNotFound}, notFound: true},
		{name: "precondition", err: &azcore.ResponseError{StatusCode: http.StatusPreconditionFailed}, precondition: true},
		{name: "conflict", err: &azcore.ResponseError{StatusCode: http.StatusConflict}, precondition: true},
		{name: "server busy", err: &azcore.ResponseError{StatusCode: http.StatusServiceUnavailable}, retryable: true},
		{name: "forbidden", err: &azcore.ResponseError{StatusCode: http.StatusForbidden}},
		{name: "canceled", err: context.Canceled},
		{name: "transport", err: errors.New("dial tcp: connection refused"), retryable: true},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := isNotFound(tc.err); got != tc.notFound {
				t.Fatalf("isNotFound = %v, want %v", got, tc.notFound)
			}
			if got := isPreconditionFailed(tc.err); got != tc.precondition {
				t.Fatalf("isPreconditionFailed = %v, want %v", got, tc.precondition)
			}
			if got := isRetryable(tc.err); got != tc.retryable {
				t.Fatalf("isRetryable = %v, want %v", got, tc.retryable)
			}
		})
	}
}

func TestWrapErrorMarksTransient(t *testing.T) {
	err := wrapError(&azcore.ResponseError{StatusCode: http.StatusInternalServerError}, "azure: op")
	if !storage.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	err = wrapError(fmt.Errorf("wrapped: %w", &azcore.ResponseError{StatusCode: http.StatusBadRequest}), "azure: op")
	if storage.IsTransient(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestIsContainerExists(t *testing.T) {
	if !isContainerExists(&azcore.ResponseError{StatusCode: http.StatusConflict, ErrorCode: "ContainerAlreadyExists"}) {
		t.Fatal("expected container exists")
	}
	if isContainerExists(&azcore.ResponseError{StatusCode: http.StatusConflict, ErrorCode: "LeaseIdMissing"}) {
		t.Fatal("unexpected container exists")
	}
}
