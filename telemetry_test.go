package mergelock

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"pkt.systems/mergelock/internal/loggingutil"
)

func TestResolveOTLPTarget(t *testing.T) {
	cases := []struct {
		raw  string
		want otlpTarget
		err  bool
	}{
		{raw: "collector", want: otlpTarget{protocol: "grpc", endpoint: "collector:4317", insecure: true}},
		{raw: "collector:9999", want: otlpTarget{protocol: "grpc", endpoint: "collector:9999", insecure: true}},
		{raw: "grpc://otel", want: otlpTarget{protocol: "grpc", endpoint: "otel:4317", insecure: true}},
		{raw: "grpcs://otel:443", want: otlpTarget{protocol: "grpc", endpoint: "otel:443"}},
		{raw: "http://otel", want: otlpTarget{protocol: "http", endpoint: "otel:4318", insecure: true}},
		{raw: "https://otel/v1/traces/", want: otlpTarget{protocol: "http", endpoint: "otel:4318", path: "/v1/traces"}},
		{raw: "", err: true},
		{raw: "ftp://otel", err: true},
		{raw: "http://", err: true},
	}
	for _, tc := range cases {
		got, err := resolveOTLPTarget(tc.raw)
		if tc.err {
			if err == nil {
				t.Fatalf("%q: expected error, got %+v", tc.raw, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("%q: got %+v, want %+v", tc.raw, got, tc.want)
		}
	}
}

func TestStartTelemetryDisabled(t *testing.T) {
	tel, err := startTelemetry(context.Background(), Config{}, loggingutil.NoopLogger())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if tel != nil {
		t.Fatalf("expected no telemetry when nothing is configured")
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil shutdown: %v", err)
	}
}

func TestStartTelemetryServesMetrics(t *testing.T) {
	ctx := context.Background()
	tel, err := startTelemetry(ctx, Config{MetricsListen: "127.0.0.1:0"}, loggingutil.NoopLogger())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tel.Shutdown(ctx)
	if tel.metricsAddr == "" {
		t.Fatalf("expected bound metrics address")
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + tel.metricsAddr + "/metrics")
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "mergelock") {
		t.Fatalf("expected service resource in scrape output, got %s", body)
	}
}
