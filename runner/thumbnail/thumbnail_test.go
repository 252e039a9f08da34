package thumbnail

import (
	"context"
	"encoding/json"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esmero/strawberry-runners-sub000/errors"
	"github.com/esmero/strawberry-runners-sub000/registry"
	"github.com/esmero/strawberry-runners-sub000/runner"
)

// writeTestImage renders a solid image to disk and returns its path
func writeTestImage(t *testing.T, dir string, w, h int) string {
	t.Helper()
	img := imaging.New(w, h, color.NRGBA{R: 200, G: 100, B: 50, A: 255})
	path := filepath.Join(dir, "source.png")
	require.NoError(t, imaging.Save(img, path))
	return path
}

func TestNewDefaults(t *testing.T) {
	r, err := New(nil, registry.Dependencies{})
	require.NoError(t, err)
	assert.Equal(t, 400, r.cfg.Width)
	assert.Equal(t, 400, r.cfg.Height)
	assert.Equal(t, "jpeg", r.cfg.Format)
	assert.Equal(t, 85, r.cfg.Quality)
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	_, err := New(json.RawMessage(`{"format":"webp"}`), registry.Dependencies{})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestRunRendersJPEG(t *testing.T) {
	dir := t.TempDir()
	src := writeTestImage(t, dir, 1200, 600)

	raw, _ := json.Marshal(map[string]any{"width": 300, "height": 300, "output_dir": dir})
	r, err := New(raw, registry.Dependencies{})
	require.NoError(t, err)

	out, err := r.Run(context.Background(), &runner.Input{
		File: &runner.FilePayload{Path: src, MimeType: "image/png", Checksum: "abc123"},
	})
	require.NoError(t, err)
	require.NotNil(t, out.Derived)

	assert.Equal(t, "image/jpeg", out.Derived.MimeType)
	assert.Equal(t, filepath.Join(dir, "thumb-abc123.jpg"), out.Derived.Path)

	// 1200x600 fit into 300x300 preserves aspect ratio
	rendered, err := imaging.Open(out.Derived.Path)
	require.NoError(t, err)
	assert.Equal(t, 300, rendered.Bounds().Dx())
	assert.Equal(t, 150, rendered.Bounds().Dy())
	assert.Equal(t, "Thumbnail 300x150", out.Derived.Label)
}

func TestRunRendersPNG(t *testing.T) {
	dir := t.TempDir()
	src := writeTestImage(t, dir, 64, 64)

	raw, _ := json.Marshal(map[string]any{"format": "png", "output_dir": dir})
	r, err := New(raw, registry.Dependencies{})
	require.NoError(t, err)

	out, err := r.Run(context.Background(), &runner.Input{
		File: &runner.FilePayload{Path: src, Checksum: "def456"},
	})
	require.NoError(t, err)
	require.NotNil(t, out.Derived)
	assert.Equal(t, "image/png", out.Derived.MimeType)
	assert.FileExists(t, out.Derived.Path)
}

func TestRunSmallSourceNotUpscaled(t *testing.T) {
	dir := t.TempDir()
	src := writeTestImage(t, dir, 100, 50)

	raw, _ := json.Marshal(map[string]any{"output_dir": dir})
	r, err := New(raw, registry.Dependencies{})
	require.NoError(t, err)

	out, err := r.Run(context.Background(), &runner.Input{
		File: &runner.FilePayload{Path: src, Checksum: "small"},
	})
	require.NoError(t, err)

	rendered, err := imaging.Open(out.Derived.Path)
	require.NoError(t, err)
	assert.Equal(t, 100, rendered.Bounds().Dx())
	assert.Equal(t, 50, rendered.Bounds().Dy())
}

func TestRunNotAnImage(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(src, []byte("plain text"), 0o600))

	r, err := New(nil, registry.Dependencies{})
	require.NoError(t, err)

	_, err = r.Run(context.Background(), &runner.Input{
		File: &runner.FilePayload{Path: src},
	})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestRunMissingInput(t *testing.T) {
	r, err := New(nil, registry.Dependencies{})
	require.NoError(t, err)

	_, err = r.Run(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestRegister(t *testing.T) {
	reg := registry.NewRegistry()
	require.NoError(t, Register(reg))

	def, err := reg.Definition(PluginID)
	require.NoError(t, err)
	assert.Equal(t, registry.InputFile, def.InputType)
	assert.Equal(t, "entity-file", def.OutputType)
}
