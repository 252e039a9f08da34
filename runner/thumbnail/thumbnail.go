// Package thumbnail renders fixed-size preview images from source
// images. The rendered file is a derived artifact; the caller attaches
// it back to the owning asset's manifest.
package thumbnail

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/esmero/strawberry-runners-sub000/errors"
	"github.com/esmero/strawberry-runners-sub000/registry"
	"github.com/esmero/strawberry-runners-sub000/runner"
)

// PluginID is the registry id of this plugin
const PluginID = "thumbnail"

// Config is the plugin settings block under settings.extra
type Config struct {
	// Width and Height bound the thumbnail. Defaults to 400x400.
	Width  int `json:"width"`
	Height int `json:"height"`

	// Format is "jpeg" or "png". Defaults to "jpeg".
	Format string `json:"format"`

	// Quality applies to jpeg output, 1..100. Defaults to 85.
	Quality int `json:"quality"`

	// OutputDir receives rendered files. Defaults to the system temp dir.
	OutputDir string `json:"output_dir"`
}

func (c *Config) applyDefaults() {
	if c.Width <= 0 {
		c.Width = 400
	}
	if c.Height <= 0 {
		c.Height = 400
	}
	if c.Format == "" {
		c.Format = "jpeg"
	}
	if c.Quality <= 0 || c.Quality > 100 {
		c.Quality = 85
	}
	if c.OutputDir == "" {
		c.OutputDir = os.TempDir()
	}
}

func (c *Config) validate() error {
	switch strings.ToLower(c.Format) {
	case "jpeg", "jpg", "png":
		return nil
	default:
		return fmt.Errorf("%w: unsupported thumbnail format %q", errors.ErrInvalidConfig, c.Format)
	}
}

// Runner renders thumbnails with Lanczos resampling
type Runner struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a thumbnail runner from plugin settings
func New(settings json.RawMessage, deps registry.Dependencies) (*Runner, error) {
	var cfg Config
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &cfg); err != nil {
			return nil, errors.WrapInvalid(err, "Thumbnail", "New", "settings decoding")
		}
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, errors.WrapInvalid(err, "Thumbnail", "New", "settings validation")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{cfg: cfg, logger: logger}, nil
}

// Run implements runner.Runner
func (r *Runner) Run(ctx context.Context, in *runner.Input) (*runner.Output, error) {
	if in == nil || in.File == nil || in.File.Path == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidPayload, "Thumbnail", "Run", "input validation")
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.WrapTransient(err, "Thumbnail", "Run", "context check")
	}

	img, err := imaging.Open(in.File.Path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrInvalidData, err),
			"Thumbnail", "Run", "image decoding")
	}

	thumb := imaging.Fit(img, r.cfg.Width, r.cfg.Height, imaging.Lanczos)

	outPath, mimeType := r.outputPath(in)
	switch strings.ToLower(r.cfg.Format) {
	case "png":
		err = imaging.Save(thumb, outPath)
	default:
		err = imaging.Save(thumb, outPath, imaging.JPEGQuality(r.cfg.Quality))
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "Thumbnail", "Run", "thumbnail encoding")
	}

	bounds := thumb.Bounds()
	r.logger.Debug("thumbnail rendered",
		"source", in.File.Path, "output", outPath,
		"width", bounds.Dx(), "height", bounds.Dy())

	return &runner.Output{
		Derived: &runner.Derived{
			Path:     outPath,
			MimeType: mimeType,
			Label:    fmt.Sprintf("Thumbnail %dx%d", bounds.Dx(), bounds.Dy()),
		},
	}, nil
}

// outputPath derives a stable output name from the source checksum so
// re-running the same input overwrites rather than accumulates.
func (r *Runner) outputPath(in *runner.Input) (string, string) {
	base := in.File.Checksum
	if base == "" {
		base = filepath.Base(in.File.Path)
	}
	switch strings.ToLower(r.cfg.Format) {
	case "png":
		return filepath.Join(r.cfg.OutputDir, fmt.Sprintf("thumb-%s.png", base)), "image/png"
	default:
		return filepath.Join(r.cfg.OutputDir, fmt.Sprintf("thumb-%s.jpg", base)), "image/jpeg"
	}
}

// Register adds the thumbnail plugin to the registry
func Register(reg *registry.Registry) error {
	return reg.Register(&registry.Registration{
		Definition: registry.Definition{
			ID:            PluginID,
			InputType:     registry.InputFile,
			InputProperty: "file_path",
			OutputType:    "entity-file",
			Description:   "Renders fixed-size preview images from source images",
		},
		Factory: func(settings json.RawMessage, deps registry.Dependencies) (runner.Runner, error) {
			return New(settings, deps)
		},
	})
}
