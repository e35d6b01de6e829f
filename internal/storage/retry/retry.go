package retry

import (
	"context"
	"time"

	"pkt.systems/mergelock/internal/clock"
	"pkt.systems/mergelock/internal/storage"
	"pkt.systems/pslog"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a store that retries transient errors according to cfg.
//
// A conditional write that fails transiently may still have been applied.
// When a later attempt then reports ErrAlreadyExists or ErrNotFound the
// decorator returns the earlier transient error instead, since the
// conditional outcome may be caused by its own first attempt.
func Wrap(inner storage.Store, logger pslog.Logger, clk clock.Clock, cfg Config) storage.Store {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &store{
		inner:  inner,
		logger: logger,
		clock:  clk,
		cfg:    cfg,
	}
}

type store struct {
	inner  storage.Store
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (s *store) InsertIfAbsent(ctx context.Context, entry storage.Entry) error {
	return s.withRetry(ctx, "insert_if_absent", entry.Username, true, func(ctx context.Context) error {
		return s.inner.InsertIfAbsent(ctx, entry)
	})
}

func (s *store) ReplaceIfPresent(ctx context.Context, entry storage.Entry) error {
	return s.withRetry(ctx, "replace_if_present", entry.Username, true, func(ctx context.Context) error {
		return s.inner.ReplaceIfPresent(ctx, entry)
	})
}

func (s *store) DeleteIfPresent(ctx context.Context, username string) error {
	return s.withRetry(ctx, "delete_if_present", username, true, func(ctx context.Context) error {
		return s.inner.DeleteIfPresent(ctx, username)
	})
}

func (s *store) ScanAll(ctx context.Context) ([]storage.Entry, error) {
	var entries []storage.Entry
	err := s.withRetry(ctx, "scan_all", "", false, func(ctx context.Context) error {
		var err error
		entries, err = s.inner.ScanAll(ctx)
		return err
	})
	return entries, err
}

func (s *store) Close() error {
	return s.inner.Close()
}

func (s *store) Describe() string {
	return storage.Describe(s.inner)
}

func (s *store) withRetry(ctx context.Context, op, username string, conditional bool, fn func(context.Context) error) error {
	attempts := s.cfg.MaxAttempts
	delay := s.cfg.BaseDelay
	if attempts <= 1 {
		return fn(ctx)
	}
	var transient error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if conditional && transient != nil && storage.IsConditional(err) {
			s.logger.Warn("storage conditional outcome after transient error",
				"operation", op,
				"username", username,
				"attempt", attempt,
				"outcome", err,
				"error", transient,
			)
			return transient
		}
		if !storage.IsTransient(err) || attempt == attempts {
			return err
		}
		transient = err
		s.logger.Warn("storage transient error",
			"operation", op,
			"username", username,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			s.clock.Sleep(delay)
			next := time.Duration(float64(delay) * s.cfg.Multiplier)
			if s.cfg.MaxDelay > 0 && next > s.cfg.MaxDelay {
				next = s.cfg.MaxDelay
			}
			delay = next
		}
	}
	return transient
}
