package core

import (
	"cmp"
	"slices"
	"time"

	"pkt.systems/mergelock/internal/storage"
)

// An ordering key packs a Unix millisecond timestamp above a node tag that
// identifies the writing engine:
//
//	key = unixMilli<<NodeBits | node
//
// Engines with different tags never produce equal keys, even when they
// write in the same millisecond from different processes.
const NodeBits = 20

const nodeMask = 1<<NodeBits - 1

// MakeKey composes an ordering key from a millisecond slot and a node tag.
func MakeKey(unixMilli int64, node uint32) int64 {
	return unixMilli<<NodeBits | int64(node&nodeMask)
}

// KeyTime returns the wall-clock time encoded in an ordering key.
func KeyTime(key int64) time.Time {
	return time.UnixMilli(key >> NodeBits)
}

// Order returns a new slice holding entries sorted by ordering key, ties
// broken by username. The input is not modified.
func Order(entries []storage.Entry) []storage.Entry {
	out := make([]storage.Entry, len(entries))
	copy(out, entries)
	slices.SortFunc(out, compare)
	return out
}

func compare(a, b storage.Entry) int {
	if c := cmp.Compare(a.OrderingKey, b.OrderingKey); c != 0 {
		return c
	}
	return cmp.Compare(a.Username, b.Username)
}

func less(a, b storage.Entry) bool {
	return compare(a, b) < 0
}

// Head returns the first entry in queue order, which is the lock holder.
func Head(entries []storage.Entry) (storage.Entry, bool) {
	if len(entries) == 0 {
		return storage.Entry{}, false
	}
	head := entries[0]
	for _, entry := range entries[1:] {
		if less(entry, head) {
			head = entry
		}
	}
	return head, true
}

// Last returns the final entry in queue order.
func Last(entries []storage.Entry) (storage.Entry, bool) {
	if len(entries) == 0 {
		return storage.Entry{}, false
	}
	last := entries[0]
	for _, entry := range entries[1:] {
		if less(last, entry) {
			last = entry
		}
	}
	return last, true
}

// BackKey returns an ordering key for mover, tagged with node, that is
// strictly greater than the key of every other entry. It stays in the
// millisecond of now when that already satisfies the bound.
func BackKey(entries []storage.Entry, mover string, now int64, node uint32) int64 {
	slot := now
	for _, entry := range entries {
		if entry.Username == mover {
			continue
		}
		if other := entry.OrderingKey >> NodeBits; other >= slot {
			slot = other + 1
		}
	}
	return MakeKey(slot, node)
}

// position reports the index of username in an ordered snapshot, or -1.
func position(ordered []storage.Entry, username string) int {
	for i, entry := range ordered {
		if entry.Username == username {
			return i
		}
	}
	return -1
}
