package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pkt.systems/mergelock"
	"pkt.systems/mergelock/internal/core"
	"pkt.systems/mergelock/internal/version"
	"pkt.systems/pslog"
)

// executeRootCommand runs the CLI against a fresh viper state. Callers point
// MERGELOCK_CONFIG_DIR at a temp dir first so the default store is isolated.
func executeRootCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	viper.Reset()
	cmd := newRootCommand(pslog.NewStructured(io.Discard))
	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), err
}

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("MERGELOCK_CONFIG_DIR", dir)
	t.Setenv("MERGELOCK_STORE", "")
	t.Setenv("MERGELOCK_CONFIG", "")
	t.Setenv("MERGELOCK_OUTPUT", "")
	return dir
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := executeRootCommand(t, args...)
	if err != nil {
		t.Fatalf("mergelock %s: %v", strings.Join(args, " "), err)
	}
	return out
}

func listJSON(t *testing.T) queueView {
	t.Helper()
	out := mustRun(t, "list", "-o", "json")
	var view queueView
	if err := json.Unmarshal([]byte(out), &view); err != nil {
		t.Fatalf("decode list output %q: %v", out, err)
	}
	return view
}

func TestQueueCommandsRoundTrip(t *testing.T) {
	dir := isolate(t)

	out := mustRun(t, "join", "alice")
	if !strings.Contains(out, "alice joined and holds the lock") {
		t.Fatalf("unexpected join output %q", out)
	}
	out = mustRun(t, "join", "bob")
	if !strings.Contains(out, "bob joined at position 2 of 2 (holder: alice)") {
		t.Fatalf("unexpected join output %q", out)
	}
	if _, err := os.Stat(filepath.Join(dir, "queue.db")); err != nil {
		t.Fatalf("expected default sqlite store in config dir: %v", err)
	}

	out = mustRun(t, "list")
	if !strings.Contains(out, "alice") || !strings.Contains(out, "holder") || !strings.Contains(out, "bob") {
		t.Fatalf("unexpected list output %q", out)
	}

	_, err := executeRootCommand(t, "acquire", "bob")
	if !errors.Is(err, mergelock.ErrNotLockHolder) {
		t.Fatalf("expected ErrNotLockHolder, got %v", err)
	}
	if code := exitCode(err); code != exitRefused {
		t.Fatalf("expected refusal exit code, got %d", code)
	}

	mustRun(t, "requeue", "alice")
	view := listJSON(t)
	if view.Length != 2 || view.Holder != "bob" || view.Entries[1].Username != "alice" {
		t.Fatalf("unexpected queue after requeue: %+v", view)
	}

	_, err = executeRootCommand(t, "requeue", "alice")
	if !errors.Is(err, mergelock.ErrAlreadyAtBack) {
		t.Fatalf("expected ErrAlreadyAtBack, got %v", err)
	}

	out = mustRun(t, "acquire", "bob")
	if !strings.Contains(out, "bob acquired the lock") {
		t.Fatalf("unexpected acquire output %q", out)
	}
	mustRun(t, "leave", "alice")
	out = mustRun(t, "list")
	if strings.TrimSpace(out) != "queue is empty" {
		t.Fatalf("expected empty queue, got %q", out)
	}
	_, err = executeRootCommand(t, "leave", "alice")
	if !errors.Is(err, mergelock.ErrUserNotQueued) {
		t.Fatalf("expected ErrUserNotQueued, got %v", err)
	}
}

func TestJoinYAMLOutput(t *testing.T) {
	isolate(t)
	out := mustRun(t, "join", "carol", "--output", "yaml")
	var view struct {
		Action   string `yaml:"action"`
		Username string `yaml:"username"`
		Position int    `yaml:"position"`
		Queue    struct {
			Holder string `yaml:"holder"`
			Length int    `yaml:"length"`
		} `yaml:"queue"`
	}
	if err := yaml.Unmarshal([]byte(out), &view); err != nil {
		t.Fatalf("decode yaml %q: %v", out, err)
	}
	if view.Action != "joined" || view.Username != "carol" || view.Position != 1 || view.Queue.Holder != "carol" || view.Queue.Length != 1 {
		t.Fatalf("unexpected view %+v", view)
	}
}

func TestStoreFromEnvironment(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "env.db")
	t.Setenv("MERGELOCK_STORE", "sqlite://"+filepath.ToSlash(path))
	mustRun(t, "join", "dave")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected store from MERGELOCK_STORE: %v", err)
	}
}

func TestStoreFromConfigFile(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "file.db")
	cfgPath := filepath.Join(t.TempDir(), "mergelock.yaml")
	data := fmt.Sprintf("store: sqlite://%s\nallow-users:\n  - erin\n", filepath.ToSlash(path))
	if err := os.WriteFile(cfgPath, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	mustRun(t, "--config", cfgPath, "join", "erin")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected store from config file: %v", err)
	}
	_, err := executeRootCommand(t, "--config", cfgPath, "join", "frank")
	if !errors.Is(err, mergelock.ErrUserNotRegistered) {
		t.Fatalf("expected allow list from config file, got %v", err)
	}
}

func TestMissingExplicitConfigFile(t *testing.T) {
	isolate(t)
	_, err := executeRootCommand(t, "--config", filepath.Join(t.TempDir(), "nope.yaml"), "list")
	if err == nil || !strings.Contains(err.Error(), "config file") {
		t.Fatalf("expected config file error, got %v", err)
	}
}

func TestRejectsBadOutputAndCorrelation(t *testing.T) {
	isolate(t)
	if _, err := executeRootCommand(t, "list", "-o", "xml"); err == nil || !strings.Contains(err.Error(), "output format") {
		t.Fatalf("expected output format error, got %v", err)
	}
	if _, err := executeRootCommand(t, "list", "--correlation-id", "bad\tid"); err == nil || !strings.Contains(err.Error(), "correlation id") {
		t.Fatalf("expected correlation id error, got %v", err)
	}
}

func TestJoinRequiresUsername(t *testing.T) {
	isolate(t)
	if _, err := executeRootCommand(t, "join"); err == nil {
		t.Fatalf("expected argument error")
	}
	_, err := executeRootCommand(t, "join", " padded")
	if !errors.Is(err, mergelock.ErrInvalidUsername) {
		t.Fatalf("expected ErrInvalidUsername, got %v", err)
	}
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{err: nil, want: exitOK},
		{err: core.ErrUserAlreadyQueued, want: exitRefused},
		{err: fmt.Errorf("wrapped: %w", core.ErrNotLockHolder), want: exitRefused},
		{err: core.ErrAlreadyAtBack, want: exitRefused},
		{err: core.ErrPartialFailure, want: exitFailure},
		{err: core.ErrStoreUnavailable, want: exitFailure},
		{err: errors.New("boom"), want: exitFailure},
	}
	for _, tc := range cases {
		if got := exitCode(tc.err); got != tc.want {
			t.Fatalf("exitCode(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestReportError(t *testing.T) {
	partial := &mergelock.Failure{
		Code:   core.CodePartialFailure,
		Detail: "acquire interrupted after the queue was read; re-read before retrying",
		Err:    context.Canceled,
	}
	cases := []struct {
		name     string
		err      error
		wantCode int
		wantOut  string
	}{
		{name: "success", err: nil, wantCode: exitOK},
		{name: "interrupted", err: fmt.Errorf("list: %w", context.Canceled), wantCode: exitFailure},
		{name: "partial failure caused by interrupt", err: partial, wantCode: exitFailure, wantOut: "re-read before retrying"},
		{name: "refusal", err: core.ErrNotLockHolder, wantCode: exitRefused, wantOut: "not_lock_holder"},
	}
	for _, tc := range cases {
		var buf bytes.Buffer
		if got := reportError(&buf, tc.err); got != tc.wantCode {
			t.Fatalf("%s: exit code %d, want %d", tc.name, got, tc.wantCode)
		}
		if tc.wantOut == "" && buf.Len() != 0 {
			t.Fatalf("%s: expected no output, got %q", tc.name, buf.String())
		}
		if tc.wantOut != "" && !strings.Contains(buf.String(), tc.wantOut) {
			t.Fatalf("%s: output %q missing %q", tc.name, buf.String(), tc.wantOut)
		}
	}
}

func TestConfigGenStdout(t *testing.T) {
	dir := isolate(t)
	out := mustRun(t, "config", "gen", "--stdout")
	var doc map[string]any
	if err := yaml.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("decode generated config: %v", err)
	}
	want := "sqlite://" + filepath.ToSlash(filepath.Join(dir, "queue.db"))
	if doc["store"] != want {
		t.Fatalf("store = %v, want %s", doc["store"], want)
	}
	if doc["store-timeout"] != mergelock.DefaultStoreTimeout.String() {
		t.Fatalf("unexpected store-timeout %v", doc["store-timeout"])
	}
	if doc["log-level"] != "info" {
		t.Fatalf("unexpected log-level %v", doc["log-level"])
	}
}

func TestConfigGenWritesFile(t *testing.T) {
	isolate(t)
	target := filepath.Join(t.TempDir(), "nested", "config.yaml")
	out := mustRun(t, "config", "gen", "--out", target)
	if !strings.Contains(out, target) {
		t.Fatalf("unexpected output %q", out)
	}
	if _, err := executeRootCommand(t, "config", "gen", "--out", target); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected overwrite refusal, got %v", err)
	}
	mustRun(t, "config", "gen", "--out", target, "--force")
	if _, err := executeRootCommand(t, "config", "gen", "--out", target, "--stdout"); err == nil {
		t.Fatalf("expected mutually exclusive flag error")
	}
	// The generated file must load back as a valid configuration.
	mustRun(t, "--config", target, "list")
}

func TestVersionCommandPrintsCurrentVersion(t *testing.T) {
	isolate(t)
	out := mustRun(t, "version")
	want := version.Module() + " " + version.Current() + "\n"
	if out != want {
		t.Fatalf("unexpected stdout: got %q want %q", out, want)
	}
}
