// Package runner defines the execution contract for processor plugins:
// the input a worker hands to a processor, the structured output a
// processor returns, and the Runner interface every plugin implements.
package runner

import (
	"context"
	"encoding/json"
)

// FilePayload is the primary input for file based processors: a local,
// readable path the worker materialized before invocation.
type FilePayload struct {
	Path     string
	MimeType string
	Checksum string
}

// JSONPayload is the primary input for JSON based processors, typically
// a parent processor's forwarded output.
type JSONPayload struct {
	Raw json.RawMessage
}

// Input carries a single invocation's payload. Exactly one of File or
// JSON is set, matching the processor definition's declared input type.
type Input struct {
	// Property is the definition's input property name the payload was
	// bound to.
	Property string

	File *FilePayload
	JSON *JSONPayload

	// Argument is the sequence argument for page or segment addressed
	// runs. Defaults to 1 when the dispatcher supplied none.
	Argument int

	// AssetUUID identifies the Asset the payload belongs to
	AssetUUID string

	// Metadata is the manifest snapshot of the source file entry
	Metadata map[string]any
}

// Indexable is output destined for a search index: extracted text and
// any structured fields or vectors derived from it.
type Indexable struct {
	Fulltext  string               `json:"fulltext,omitempty"`
	Plaintext string               `json:"plaintext,omitempty"`
	Label     string               `json:"label,omitempty"`
	Fields    map[string]any       `json:"fields,omitempty"`
	Vectors   map[string][]float32 `json:"vectors,omitempty"`
}

// Derived is a by-product file written by a processor, to be attached
// back onto the Asset's manifest.
type Derived struct {
	Path     string `json:"path"`
	MimeType string `json:"mime_type"`
	Label    string `json:"label,omitempty"`
}

// Output is the structured result of one processor run. Any subset of
// the fields may be populated; the configured destinations decide which
// parts are routed where.
type Output struct {
	// Indexable is routed to search indexes and the tracking store
	Indexable *Indexable

	// Derived is attached to the Asset as a new file entry
	Derived *Derived

	// Chained holds named values child processors bind their inputs
	// and arguments from. Keys are definition property and argument
	// names; values may be scalars or lists of scalars.
	Chained map[string]any
}

// HasContent reports whether the run produced anything routable
func (o *Output) HasContent() bool {
	if o == nil {
		return false
	}
	return o.Indexable != nil || o.Derived != nil || len(o.Chained) > 0
}

// Runner is implemented by every processor plugin. Run must honor the
// context deadline; the worker derives it from the configuration's
// invocation timeout.
type Runner interface {
	Run(ctx context.Context, in *Input) (*Output, error)
}

// Func adapts a plain function to the Runner interface
type Func func(ctx context.Context, in *Input) (*Output, error)

// Run implements Runner
func (f Func) Run(ctx context.Context, in *Input) (*Output, error) {
	return f(ctx, in)
}
