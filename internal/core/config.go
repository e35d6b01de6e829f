package core

import (
	"time"

	"pkt.systems/mergelock/internal/clock"
	"pkt.systems/mergelock/internal/storage"
	"pkt.systems/pslog"
)

// Config wires dependencies into the queue engine.
type Config struct {
	// Store holds queue entries. Required.
	Store storage.Store
	// Publisher receives change events; nil disables events.
	Publisher Publisher
	// Verifier screens usernames on join; nil admits everyone.
	Verifier UserVerifier
	Logger   pslog.Logger
	Clock    clock.Clock
	// StoreTimeout bounds each individual store call when positive.
	StoreTimeout time.Duration
	// Node tags the low bits of every ordering key this engine writes.
	// Zero picks a random tag.
	Node uint32
}
