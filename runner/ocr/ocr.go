// Package ocr runs an external OCR engine (tesseract by default) over
// a locally materialized file and emits the extracted text both as
// indexable output and as a chained payload for downstream processors.
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/esmero/strawberry-runners-sub000/errors"
	"github.com/esmero/strawberry-runners-sub000/registry"
	"github.com/esmero/strawberry-runners-sub000/runner"
)

// PluginID is the registry id of this plugin
const PluginID = "ocr"

// Config is the plugin settings block under settings.extra
type Config struct {
	// Command is the OCR binary. Defaults to "tesseract".
	Command string `json:"command"`

	// Languages is passed to the engine's -l flag, e.g. "eng+spa"
	Languages string `json:"languages"`

	// ExtraArgs are appended verbatim to the command line
	ExtraArgs []string `json:"extra_args"`
}

func (c *Config) applyDefaults() {
	if c.Command == "" {
		c.Command = "tesseract"
	}
	if c.Languages == "" {
		c.Languages = "eng"
	}
}

// Runner shells out to the OCR engine. The invocation inherits the
// worker's deadline; on expiry the subprocess is killed.
type Runner struct {
	cfg    Config
	logger *slog.Logger
}

// New creates an OCR runner from plugin settings
func New(settings json.RawMessage, deps registry.Dependencies) (*Runner, error) {
	var cfg Config
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &cfg); err != nil {
			return nil, errors.WrapInvalid(err, "OCR", "New", "settings decoding")
		}
	}
	cfg.applyDefaults()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{cfg: cfg, logger: logger}, nil
}

// Run implements runner.Runner
func (r *Runner) Run(ctx context.Context, in *runner.Input) (*runner.Output, error) {
	if in == nil || in.File == nil || in.File.Path == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidPayload, "OCR", "Run", "input validation")
	}

	args := []string{in.File.Path, "stdout", "-l", r.cfg.Languages}
	args = append(args, r.cfg.ExtraArgs...)

	cmd := exec.CommandContext(ctx, r.cfg.Command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.WrapTransient(
				fmt.Errorf("%w: %s", errors.ErrRunTimeout, r.cfg.Command),
				"OCR", "Run", "subprocess timeout")
		}
		return nil, errors.WrapTransient(
			fmt.Errorf("%s failed: %w: %s", r.cfg.Command, err, firstLine(stderr.String())),
			"OCR", "Run", "subprocess execution")
	}

	fulltext := stdout.String()
	plaintext := strings.TrimSpace(fulltext)
	r.logger.Debug("ocr completed",
		"file", in.File.Path, "sequence", in.Argument, "chars", len(plaintext))

	return &runner.Output{
		Indexable: &runner.Indexable{
			Fulltext:  fulltext,
			Plaintext: plaintext,
			Label:     fmt.Sprintf("Sequence %d", in.Argument),
		},
		Chained: map[string]any{
			"json":            map[string]any{"plaintext": plaintext, "sequence": in.Argument},
			"sequence_number": in.Argument,
		},
	}, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Register adds the OCR plugin to the registry
func Register(reg *registry.Registry) error {
	return reg.Register(&registry.Registration{
		Definition: registry.Definition{
			ID:            PluginID,
			InputType:     registry.InputFile,
			InputProperty: "file_path",
			InputArgument: "sequence_number",
			OutputType:    "json",
			Description:   "Extracts text from images and documents with an external OCR engine",
		},
		Factory: func(settings json.RawMessage, deps registry.Dependencies) (runner.Runner, error) {
			return New(settings, deps)
		},
	})
}
