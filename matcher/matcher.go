// Package matcher computes which active top-level processor
// configurations apply to which of an Asset's files. Chained configs
// (those with a parent) are never matched here; they are dispatched by
// the worker after their parent completes.
package matcher

import (
	"log/slog"

	"github.com/esmero/strawberry-runners-sub000/asset"
	"github.com/esmero/strawberry-runners-sub000/types"
)

// Resolver computes matches from flattened manifests
type Resolver struct {
	logger *slog.Logger
}

// NewResolver creates a match resolver
func NewResolver(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{logger: logger}
}

// Result carries the matches plus aggregate bookkeeping for one Asset
type Result struct {
	Matches []types.MatchedWork

	// Malformed counts manifest entries skipped for missing identity.
	// Reported once per Asset, never fatal.
	Malformed int
}

// Resolve computes the applicable (config, file) pairs for one Asset.
// allow optionally restricts matching to the named config ids, as used
// by on-demand run requests. Match order follows manifest iteration
// order; weight governs chain ordering, not top-level fan-out.
func (r *Resolver) Resolve(a *asset.Asset, configs []*types.ProcessorConfig, allow []string) Result {
	flat := a.Flatten()
	res := Result{Malformed: flat.Malformed}

	allowed := toSet(allow)

	// Reverse index manifest key -> configs listening on it
	byKey := make(map[string][]*types.ProcessorConfig)
	for _, cfg := range configs {
		if !cfg.Active || !cfg.IsTopLevel() {
			continue
		}
		if cfg.Settings.SourceType != types.SourceStructure {
			continue
		}
		if allowed != nil && !allowed[cfg.ID] {
			continue
		}
		for _, key := range cfg.Settings.JSONKeyFilter {
			byKey[key] = append(byKey[key], cfg)
		}
	}

	for _, file := range flat.Files {
		for _, cfg := range byKey[file.ManifestKey] {
			if file.HasFlavor(cfg.ID) {
				// Already produced by this processor
				continue
			}
			if file.ManifestKey == cfg.FlavorKey() {
				// A processor never consumes its own artifact
				continue
			}
			if !cfg.Settings.MatchesADOType(file.ADOType) {
				continue
			}
			if !cfg.Settings.MatchesMime(file.MimeType) {
				continue
			}
			res.Matches = append(res.Matches, types.MatchedWork{Config: cfg, File: file})
		}
	}

	if res.Malformed > 0 {
		r.logger.Warn("skipped malformed manifest entries",
			"asset", a.ID, "count", res.Malformed)
	}
	return res
}

func toSet(ids []string) map[string]bool {
	if ids == nil {
		return nil
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
