package builder

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/danieljhkim/themekit/internal/manifest"
)

// densityOf returns the density qualifier of a drawable directory name such
// as drawable-night-xhdpi-v4, or "" when it has none.
func densityOf(dir string) string {
	parts := strings.Split(dir, "-")
	if parts[0] != "drawable" {
		return ""
	}
	for _, q := range parts[1:] {
		if slices.Contains(manifest.DensityIdentifiers, q) {
			return q
		}
	}
	return ""
}

// partition merges req's resource directories into base and moves density
// drawables into per-density split trees. It returns the base tree and the
// split tree of every density that received a directory.
func (b *Builder) partition(req Request, work string) (string, map[string]string, error) {
	base := filepath.Join(work, "base", "res")
	if err := b.fs.MergeDirs(base, req.ResourceDirs...); err != nil {
		return "", nil, fmt.Errorf("failed to merge resources: %w", err)
	}

	entries, err := b.fs.ReadDir(base)
	if err != nil {
		return "", nil, fmt.Errorf("failed to list merged resources: %w", err)
	}
	splits := make(map[string]string)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		density := densityOf(e.Name())
		if density == "" {
			continue
		}
		res := filepath.Join(work, "split_"+density, "res")
		if err := b.fs.MkdirAll(res, 0755); err != nil {
			return "", nil, fmt.Errorf("failed to create split directory: %w", err)
		}
		if err := b.fs.Rename(filepath.Join(base, e.Name()), filepath.Join(res, e.Name())); err != nil {
			return "", nil, fmt.Errorf("failed to move %s into split: %w", e.Name(), err)
		}
		splits[density] = res
	}
	return base, splits, nil
}

func (b *Builder) buildSplit(ctx context.Context, log *slog.Logger, req Request, overlay []byte, work string) (Result, error) {
	base, splits, err := b.partition(req, work)
	if err != nil {
		return Result{}, err
	}

	artifacts := []artifact{{
		name:     req.Package,
		manifest: overlay,
		resDirs:  []string{base},
		assetDir: req.AssetDir,
		work:     filepath.Join(work, "base"),
	}}
	for _, density := range manifest.DensityIdentifiers {
		res, ok := splits[density]
		if !ok {
			continue
		}
		s := manifest.Split{Package: req.Package, Density: density}
		data, err := s.Render()
		if err != nil {
			return Result{}, err
		}
		artifacts = append(artifacts, artifact{
			name:     req.Package + "." + s.Name(),
			manifest: data,
			resDirs:  []string{res},
			work:     filepath.Dir(res),
		})
	}
	log.Debug("partitioned split overlay", "splits", len(artifacts)-1)

	paths := make([]string, len(artifacts))
	failures := make([]*BuildError, len(artifacts))
	g, gctx := errgroup.WithContext(ctx)
	for i, a := range artifacts {
		g.Go(func() error {
			path, ferr, err := b.buildArtifact(gctx, log, req, a)
			paths[i], failures[i] = path, ferr
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	for _, f := range failures {
		if f != nil {
			return Result{Err: f}, nil
		}
	}
	return Result{Paths: paths}, nil
}
