// Package tracking records which (asset, sequence, locale, file,
// processor) combinations have already been processed and against
// which source checksum. The worker consults it to skip work whose
// source bytes have not changed since the last successful run.
package tracking

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Key identifies one tracked processing result. Its canonical string
// form is "assetID:sequence:locale:fileUUID:configID".
type Key struct {
	AssetID  string
	Sequence int
	Locale   string
	FileUUID string
	ConfigID string
}

// String returns the canonical colon separated form
func (k Key) String() string {
	return fmt.Sprintf("%s:%d:%s:%s:%s", k.AssetID, k.Sequence, k.Locale, k.FileUUID, k.ConfigID)
}

// storageKey returns the key in a form valid for NATS KV, which does
// not allow colons in key names.
func (k Key) storageKey() string {
	return strings.ReplaceAll(k.String(), ":", ".")
}

// Record is what was stored for a processed combination
type Record struct {
	Checksum  string         `json:"checksum"`
	Payload   map[string]any `json:"payload,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Store is the tracking store contract. Lookup returns (nil, nil) when
// the key has never been tracked.
type Store interface {
	Track(ctx context.Context, key Key, rec Record) error
	Lookup(ctx context.Context, key Key) (*Record, error)
	Untrack(ctx context.Context, keys []Key) error
}

// Fresh reports whether a prior record makes re-processing
// unnecessary: the record exists and its checksum matches the current
// source checksum.
func Fresh(rec *Record, checksum string) bool {
	return rec != nil && rec.Checksum == checksum && checksum != ""
}
