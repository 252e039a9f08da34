// Package asset models the digital objects the pipeline processes: a
// structured metadata record carrying one or more file manifests, plus
// the processing state and activity log the scheduler maintains.
package asset

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/esmero/strawberry-runners-sub000/types"
)

// Manifest entry keys inside the structured record
const (
	keyFileID   = "dr:fid"
	keyFileUUID = "dr:uuid"
	keyMimeType = "dr:mimetype"
	keyChecksum = "checksum"
	keySequence = "sequence"
	keyForce    = "sbr:force"
)

// structureKeyPrefix marks record keys that hold file manifests, for
// example "as:image" or "as:document".
const structureKeyPrefix = "as:"

// ProcessingState is the scheduler's per-Asset lifecycle state
type ProcessingState string

// Processing states
const (
	StateInit           ProcessingState = "init"
	StateRunning        ProcessingState = "running"
	StateDone           ProcessingState = "done"
	StateDoneWithErrors ProcessingState = "done_with_errors"
)

// Terminal reports whether the state is final
func (s ProcessingState) Terminal() bool {
	return s == StateDone || s == StateDoneWithErrors
}

// Activity is one entry in an Asset's processing log
type Activity struct {
	Time        time.Time `json:"time"`
	ProcessorID string    `json:"processor_id,omitempty"`
	Level       string    `json:"level"`
	Message     string    `json:"message"`
}

// Asset is one digital object: identity, type, language variants and
// the structured record holding its file manifests.
type Asset struct {
	ID        string          `json:"id"`
	UUID      string          `json:"uuid"`
	Type      string          `json:"type"`
	Languages []string        `json:"languages,omitempty"`
	Record    map[string]any  `json:"record"`
	State     ProcessingState `json:"state,omitempty"`
	Activity  []Activity      `json:"activity,omitempty"`
	Updated   time.Time       `json:"updated,omitempty"`
}

// LanguageVariants returns the Asset's languages, defaulting to the
// undetermined locale.
func (a *Asset) LanguageVariants() []string {
	if len(a.Languages) == 0 {
		return []string{"und"}
	}
	return a.Languages
}

// LogActivity appends an entry to the Asset's processing log
func (a *Asset) LogActivity(processorID, level, message string) {
	a.Activity = append(a.Activity, Activity{
		Time:        time.Now().UTC(),
		ProcessorID: processorID,
		Level:       level,
		Message:     message,
	})
}

// FlattenResult is the outcome of walking an Asset's manifests
type FlattenResult struct {
	Files     []types.FileMeta
	Malformed int // entries skipped for missing identity or checksum
}

// Flatten walks every "as:" structure key in the record and returns
// one FileMeta per well formed entry. Entries missing a file id, uuid
// or checksum are counted as malformed and skipped; callers report the
// count once per Asset rather than per entry.
func (a *Asset) Flatten() FlattenResult {
	var res FlattenResult

	keys := make([]string, 0, len(a.Record))
	for k := range a.Record {
		if strings.HasPrefix(k, structureKeyPrefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, structKey := range keys {
		entries, ok := a.Record[structKey].(map[string]any)
		if !ok {
			res.Malformed++
			continue
		}

		uniqueIDs := make([]string, 0, len(entries))
		for uid := range entries {
			uniqueIDs = append(uniqueIDs, uid)
		}
		sort.Strings(uniqueIDs)

		for _, uid := range uniqueIDs {
			entry, ok := entries[uid].(map[string]any)
			if !ok {
				res.Malformed++
				continue
			}

			fm := types.FileMeta{
				FileID:      coerceString(entry[keyFileID]),
				FileUUID:    coerceString(entry[keyFileUUID]),
				MimeType:    coerceString(entry[keyMimeType]),
				Checksum:    coerceString(entry[keyChecksum]),
				ADOType:     a.Type,
				ManifestKey: structKey,
				SequenceID:  coerceInt(entry[keySequence]),
				ForceFlag:   coerceBool(entry[keyForce]),
			}
			if fm.FileID == "" || fm.FileUUID == "" || fm.Checksum == "" {
				res.Malformed++
				continue
			}

			for k, v := range entry {
				if strings.HasPrefix(k, "flv:") {
					if fm.Flavors == nil {
						fm.Flavors = make(map[string]any)
					}
					fm.Flavors[k] = v
				}
			}

			res.Files = append(res.Files, fm)
		}
	}
	return res
}

// SetFlavor records a processor's derived output on the manifest entry
// with the given file uuid. Returns false when no entry matches.
func (a *Asset) SetFlavor(fileUUID, flavorKey string, value any) bool {
	entry := a.findEntry(fileUUID)
	if entry == nil {
		return false
	}
	entry[flavorKey] = value
	return true
}

// DeleteFlavors removes every derived entry produced by the given
// processor config across all manifest entries, returning how many
// were removed.
func (a *Asset) DeleteFlavors(configID string) int {
	flavorKey := "flv:" + configID
	removed := 0
	a.eachEntry(func(entry map[string]any) {
		if _, ok := entry[flavorKey]; ok {
			delete(entry, flavorKey)
			removed++
		}
	})
	return removed
}

// AttachFile adds a new manifest entry for a derived file, keyed under
// the structure key matching its MIME type.
func (a *Asset) AttachFile(fm types.FileMeta, uri string) {
	structKey := structureKeyForMime(fm.MimeType)
	if a.Record == nil {
		a.Record = make(map[string]any)
	}
	entries, ok := a.Record[structKey].(map[string]any)
	if !ok {
		entries = make(map[string]any)
		a.Record[structKey] = entries
	}
	if uri == "" {
		uri = fmt.Sprintf("urn:uuid:%s", fm.FileUUID)
	}
	entries[uri] = map[string]any{
		keyFileID:   fm.FileID,
		keyFileUUID: fm.FileUUID,
		keyMimeType: fm.MimeType,
		keyChecksum: fm.Checksum,
		keySequence: fm.SequenceID,
	}
}

func (a *Asset) findEntry(fileUUID string) map[string]any {
	var found map[string]any
	a.eachEntry(func(entry map[string]any) {
		if found == nil && coerceString(entry[keyFileUUID]) == fileUUID {
			found = entry
		}
	})
	return found
}

func (a *Asset) eachEntry(fn func(entry map[string]any)) {
	for k, v := range a.Record {
		if !strings.HasPrefix(k, structureKeyPrefix) {
			continue
		}
		entries, ok := v.(map[string]any)
		if !ok {
			continue
		}
		for _, ev := range entries {
			if entry, ok := ev.(map[string]any); ok {
				fn(entry)
			}
		}
	}
}

func structureKeyForMime(mime string) string {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return "as:image"
	case strings.HasPrefix(mime, "audio/"):
		return "as:audio"
	case strings.HasPrefix(mime, "video/"):
		return "as:video"
	case strings.HasPrefix(mime, "text/"):
		return "as:text"
	case mime == "application/pdf" || strings.Contains(mime, "document"):
		return "as:document"
	default:
		return "as:application"
	}
}

// JSON unmarshalling of manifest entries yields float64 for numbers
// and occasionally string encoded ids, so readers coerce.
func coerceString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatInt(int64(t), 10)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return ""
	}
}

func coerceInt(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case int64:
		return int(t)
	case string:
		if n, err := strconv.Atoi(t); err == nil {
			return n
		}
	}
	return 0
}

func coerceBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "true" || t == "1"
	case float64:
		return t != 0
	}
	return false
}
