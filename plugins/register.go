// Package plugins provides registration for the built-in processor
// plugins shipped with the pipeline binary. Deployment-specific plugins
// register themselves separately before the service starts.
package plugins

import (
	"errors"

	pkgerrors "github.com/esmero/strawberry-runners-sub000/errors"
	"github.com/esmero/strawberry-runners-sub000/registry"
	"github.com/esmero/strawberry-runners-sub000/runner/embedding"
	"github.com/esmero/strawberry-runners-sub000/runner/ocr"
	"github.com/esmero/strawberry-runners-sub000/runner/thumbnail"
)

// Register registers all built-in processor plugins:
//
//   - ocr: text extraction from images and documents
//   - embedding: vector embeddings from extracted text
//   - thumbnail: preview image rendering
func Register(reg *registry.Registry) error {
	if reg == nil {
		return pkgerrors.WrapFatal(
			errors.New("registry cannot be nil"),
			"Plugins", "Register", "registry validation")
	}

	if err := ocr.Register(reg); err != nil {
		return pkgerrors.WrapInvalid(err, "Plugins", "Register", "ocr plugin registration")
	}
	if err := embedding.Register(reg); err != nil {
		return pkgerrors.WrapInvalid(err, "Plugins", "Register", "embedding plugin registration")
	}
	if err := thumbnail.Register(reg); err != nil {
		return pkgerrors.WrapInvalid(err, "Plugins", "Register", "thumbnail plugin registration")
	}
	return nil
}
