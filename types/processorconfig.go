package types

import (
	"strings"
	"time"
)

// Settings is the runtime settings block of a processor configuration.
// Filters decide which manifest entries the configuration applies to;
// the remaining fields control how matched work is queued and routed.
type Settings struct {
	// SourceType names where the processor's primary input comes from.
	SourceType SourceType `json:"source_type" yaml:"source_type"`

	// JSONKeyFilter restricts matching to files listed under the given
	// manifest structure keys (for example "as:image"). Empty means no
	// structure-key restriction.
	JSONKeyFilter []string `json:"jsonkey_filter,omitempty" yaml:"jsonkey_filter,omitempty"`

	// ADOTypeFilter restricts matching to Assets of the given types.
	// Stored as a comma separated list in the settings form; use
	// ADOTypes to read it split and trimmed.
	ADOTypeFilter string `json:"ado_type_filter,omitempty" yaml:"ado_type_filter,omitempty"`

	// MimeTypeFilter restricts matching to files with the given MIME
	// types. Empty means any MIME type.
	MimeTypeFilter []string `json:"mime_type_filter,omitempty" yaml:"mime_type_filter,omitempty"`

	// OutputDestination is the set of targets a run's output fans out to
	OutputDestination DestinationSet `json:"output_destination" yaml:"output_destination"`

	// QueueClass selects the realtime or background topic
	QueueClass QueueClass `json:"queue_class" yaml:"queue_class"`

	// TimeoutSeconds bounds a single processor invocation. Zero means
	// the worker default applies.
	TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`

	// Extra carries plugin specific settings passed through to the
	// processor factory untouched.
	Extra map[string]any `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// ADOTypes returns the Asset type filter split on commas with
// whitespace trimmed. Empty entries are dropped.
func (s Settings) ADOTypes() []string {
	if s.ADOTypeFilter == "" {
		return nil
	}
	parts := strings.Split(s.ADOTypeFilter, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// MatchesMime reports whether the given MIME type passes the filter.
// An empty filter matches everything.
func (s Settings) MatchesMime(mime string) bool {
	if len(s.MimeTypeFilter) == 0 {
		return true
	}
	for _, m := range s.MimeTypeFilter {
		if strings.EqualFold(m, mime) {
			return true
		}
	}
	return false
}

// MatchesADOType reports whether the given Asset type passes the
// filter. An empty filter matches everything.
func (s Settings) MatchesADOType(adoType string) bool {
	types := s.ADOTypes()
	if len(types) == 0 {
		return true
	}
	for _, t := range types {
		if strings.EqualFold(t, adoType) {
			return true
		}
	}
	return false
}

// ProcessorConfig is one persisted processor configuration. Configs
// form chains through ParentID: a config with a parent runs on its
// parent's output rather than directly on manifest entries.
type ProcessorConfig struct {
	ID       string    `json:"id"`
	PluginID string    `json:"plugin_id"`
	Active   bool      `json:"active"`
	Weight   int       `json:"weight"`
	ParentID string    `json:"parent_id,omitempty"`
	Settings Settings  `json:"settings"`
	Updated  time.Time `json:"updated,omitempty"`
}

// IsTopLevel reports whether this config matches manifest entries
// directly rather than running on a parent's output.
func (pc *ProcessorConfig) IsTopLevel() bool {
	return pc.ParentID == ""
}

// FlavorKey is the manifest key under which this config's derived
// output is recorded on a file entry.
func (pc *ProcessorConfig) FlavorKey() string {
	return "flv:" + pc.ID
}

// Timeout returns the configured invocation bound, or the given
// fallback when unset.
func (pc *ProcessorConfig) Timeout(fallback time.Duration) time.Duration {
	if pc.Settings.TimeoutSeconds <= 0 {
		return fallback
	}
	return time.Duration(pc.Settings.TimeoutSeconds) * time.Second
}
