package publish

import (
	"context"

	"pkt.systems/mergelock/internal/core"
	"pkt.systems/mergelock/internal/loggingutil"
	"pkt.systems/pslog"
)

// Log writes every event as a structured log line.
type Log struct {
	logger pslog.Logger
}

// NewLog returns a Log publisher tagged with the publish.log subsystem.
func NewLog(logger pslog.Logger) *Log {
	return &Log{logger: loggingutil.WithSubsystem(logger, "publish.log")}
}

// Publish logs ev at info level.
func (l *Log) Publish(_ context.Context, ev core.ChangeEvent) error {
	holder := ""
	if head, ok := ev.Holder(); ok {
		holder = head.Username
	}
	l.logger.Info("queue.event",
		"event_id", ev.ID,
		"kind", string(ev.Kind),
		"user", ev.Username,
		"holder", holder,
		"length", len(ev.Queue),
		"cid", ev.CorrelationID,
	)
	return nil
}
