package storage

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
)

// EntriesDir is the directory, relative to a backend prefix, holding one
// object per queued entry.
const EntriesDir = "entries"

const entrySuffix = ".json"

// EntryObject returns the object name for username below prefix.
func EntryObject(prefix, username string) (string, error) {
	if err := ValidateUsername(username); err != nil {
		return "", err
	}
	name := url.PathEscape(username) + entrySuffix
	return joinPrefix(prefix, path.Join(EntriesDir, name)), nil
}

// EntriesPrefix returns the listing prefix (with trailing slash) for entries below prefix.
func EntriesPrefix(prefix string) string {
	return joinPrefix(prefix, EntriesDir) + "/"
}

// UsernameFromObject reverses EntryObject. ok is false for objects that do
// not look like entry records.
func UsernameFromObject(prefix, object string) (string, bool) {
	base := EntriesPrefix(prefix)
	if !strings.HasPrefix(object, base) {
		return "", false
	}
	name := strings.TrimPrefix(object, base)
	if strings.Contains(name, "/") || !strings.HasSuffix(name, entrySuffix) {
		return "", false
	}
	username, err := url.PathUnescape(strings.TrimSuffix(name, entrySuffix))
	if err != nil || username == "" {
		return "", false
	}
	return username, true
}

// objectRecord is the JSON body of an entry object. Tombstone marks an entry
// deleted by a conditional overwrite; readers treat it as absent.
type objectRecord struct {
	Username    string `json:"username"`
	OrderingKey int64  `json:"ordering_key"`
	Tombstone   bool   `json:"tombstone,omitempty"`
}

// MarshalEntry encodes entry as the JSON record stored by object backends.
func MarshalEntry(entry Entry) ([]byte, error) {
	if err := ValidateUsername(entry.Username); err != nil {
		return nil, err
	}
	return json.Marshal(objectRecord{Username: entry.Username, OrderingKey: entry.OrderingKey})
}

// MarshalTombstone encodes a tombstone record for username.
func MarshalTombstone(username string) ([]byte, error) {
	if err := ValidateUsername(username); err != nil {
		return nil, err
	}
	return json.Marshal(objectRecord{Username: username, Tombstone: true})
}

// DecodeRecord decodes an entry object and reports whether it is a
// tombstone. The record must belong to username when username is non-empty.
func DecodeRecord(data []byte, username string) (Entry, bool, error) {
	var rec objectRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return Entry{}, false, fmt.Errorf("storage: decode entry: %w", err)
	}
	if username != "" && rec.Username != username {
		return Entry{}, false, fmt.Errorf("storage: entry record for %q holds username %q", username, rec.Username)
	}
	return Entry{Username: rec.Username, OrderingKey: rec.OrderingKey}, rec.Tombstone, nil
}

// UnmarshalEntry decodes a JSON entry record and checks it belongs to username
// when username is non-empty. Tombstones decode as ErrNotFound.
func UnmarshalEntry(data []byte, username string) (Entry, error) {
	entry, tombstone, err := DecodeRecord(data, username)
	if err != nil {
		return Entry{}, err
	}
	if tombstone {
		return Entry{}, ErrNotFound
	}
	return entry, nil
}

// SortByUsername orders entries by username; backends use it so ScanAll output
// is stable for logs and tests. It carries no queue-order meaning.
func SortByUsername(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Username < entries[j].Username })
}

func joinPrefix(prefix, p string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return p
	}
	return path.Join(prefix, p)
}
