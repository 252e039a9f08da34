// Package types defines the shared data model for the post-processing
// pipeline: processor configurations, work items and match results.
package types

import (
	"encoding/json"
	"time"
)

// QueueClass selects which queue topic a work item is pushed to.
// The realtime and background topics are drained independently, on
// different poll cadences.
type QueueClass string

// Queue classes
const (
	QueueRealtime   QueueClass = "realtime"
	QueueBackground QueueClass = "background"
)

// Valid reports whether the queue class is one of the known classes
func (qc QueueClass) Valid() bool {
	return qc == QueueRealtime || qc == QueueBackground
}

// SourceType describes where a processor takes its primary input from
type SourceType string

// Source types
const (
	SourceStructure SourceType = "asstructure" // file referenced by the Asset's structured record
	SourceFilepath  SourceType = "filepath"    // literal path forwarded from a parent
	SourceJSON      SourceType = "json"        // JSON payload forwarded from a parent
	SourceADO       SourceType = "ado"         // the Asset record itself
)

// Destination is one fan-out target for a processor's output
type Destination string

// Output destinations
const (
	DestSubkey    Destination = "subkey"
	DestOwnkey    Destination = "ownkey"
	DestFile      Destination = "file"
	DestPlugin    Destination = "plugin"
	DestSearchAPI Destination = "searchapi"
)

// DestinationSet is the set of destinations a single run fans out to.
// A run may satisfy more than one destination simultaneously.
type DestinationSet []Destination

// Has reports whether the set contains the given destination
func (ds DestinationSet) Has(d Destination) bool {
	for _, v := range ds {
		if v == d {
			return true
		}
	}
	return false
}

// FileMeta is the snapshot of one manifest entry carried inside a work
// item. It is copied at dispatch time so the worker operates on the
// manifest state the match was computed against.
type FileMeta struct {
	FileID      string         `json:"file_id"`
	FileUUID    string         `json:"file_uuid"`
	MimeType    string         `json:"mime_type"`
	Checksum    string         `json:"checksum"`
	ADOType     string         `json:"ado_type"`
	ManifestKey string         `json:"manifest_key"`
	SequenceID  int            `json:"sequence_id"`
	Flavors     map[string]any `json:"flavors,omitempty"` // existing flv:<processor> sub-entries
	ForceFlag   bool           `json:"force_flag,omitempty"`
}

// HasFlavor reports whether this file already carries a derived entry
// produced by the given processor config.
func (fm FileMeta) HasFlavor(configID string) bool {
	_, ok := fm.Flavors["flv:"+configID]
	return ok
}

// WorkItem is one queued unit of work binding a file, an Asset and a
// processor configuration. It is created by the dispatcher and consumed
// exactly once per worker invocation; transient failures clone it with
// an incremented retry count.
type WorkItem struct {
	ID                string          `json:"id"`
	FileID            string          `json:"file_id"`
	FileUUID          string          `json:"file_uuid"`
	AssetID           string          `json:"asset_id"`
	AssetUUID         string          `json:"asset_uuid"`
	ConfigID          string          `json:"processor_config_id"`
	FieldName         string          `json:"field_name,omitempty"`
	FieldDelta        int             `json:"field_delta,omitempty"`
	StructureUniqueID string          `json:"as_structure_uniqueid,omitempty"`
	StructureKey      string          `json:"as_structure_key,omitempty"`
	Metadata          FileMeta        `json:"metadata"`
	Languages         []string        `json:"languages,omitempty"`
	Force             bool            `json:"force"`
	RetryCount        int             `json:"retry_count"`
	QueueClass        QueueClass      `json:"queue_class"`
	Properties        map[string]any  `json:"properties,omitempty"` // chained input property/argument values
	Payload           json.RawMessage `json:"payload,omitempty"`    // forwarded JSON for json-input processors
	Failure           *FailureContext `json:"failure,omitempty"`
}

// LanguageVariants returns the languages this item's index entries are
// keyed by, defaulting to the undetermined locale.
func (wi WorkItem) LanguageVariants() []string {
	if len(wi.Languages) == 0 {
		return []string{"und"}
	}
	return wi.Languages
}

// Property returns the dynamic input value with the given name, or nil.
// Chained dispatch stores a child's expected input property and argument
// here; top-level items carry none.
func (wi WorkItem) Property(name string) (any, bool) {
	if name == "" || wi.Properties == nil {
		return nil, false
	}
	v, ok := wi.Properties[name]
	return v, ok
}

// FailureContext is attached to an item when it is parked on the failed
// topic after exhausting its retries. Resubmission strips it.
type FailureContext struct {
	Error       string    `json:"error"`
	Attempts    int       `json:"attempts"`
	OriginQueue string    `json:"origin_queue"`
	FailedAt    time.Time `json:"failed_at"`
}

// MatchedWork pairs a file manifest entry with the processor
// configuration that applies to it, as computed by the match resolver.
type MatchedWork struct {
	Config *ProcessorConfig
	File   FileMeta
}
