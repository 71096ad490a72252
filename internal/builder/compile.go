package builder

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"
)

// legacyCompileTrigger is the aapt diagnostic that makes the builder retry
// without the extra base packages.
const legacyCompileTrigger = "types not allowed"

// compile produces unsigned from the artifact's resources, retrying once
// without extra base packages when the compiler rejects resource types.
func (b *Builder) compile(ctx context.Context, log *slog.Logger, req Request, a artifact, manifestPath, unsigned string) (*BuildError, error) {
	aapt2 := req.UseAapt2 || b.opts.AlwaysAapt2
	includes := b.includes(req.ExtraBasePackages)

	ferr, err := b.compileWith(ctx, aapt2, a, manifestPath, unsigned, includes)
	if err != nil || ferr == nil {
		return ferr, err
	}
	if !strings.Contains(ferr.Message, legacyCompileTrigger) || b.opts.AlwaysAapt2 {
		return ferr, nil
	}
	log.Info("retrying with legacy compile", "artifact", a.name)
	return b.compileWith(ctx, aapt2, a, manifestPath, unsigned, b.includes(nil))
}

func (b *Builder) compileWith(ctx context.Context, aapt2 bool, a artifact, manifestPath, unsigned string, includes []string) (*BuildError, error) {
	if aapt2 {
		return b.aapt2(ctx, a, manifestPath, unsigned, includes)
	}
	return b.aapt(ctx, a, manifestPath, unsigned, includes)
}

// includes returns the -I packages: the framework, then every extra base
// package that exists.
func (b *Builder) includes(extra []string) []string {
	out := []string{b.opts.FrameworkAPK}
	for _, p := range extra {
		if ok, _ := b.fs.Exists(p); ok {
			out = append(out, p)
		} else {
			b.log.Debug("skipping missing base package", "path", p)
		}
	}
	return out
}

func aaptArgs(a artifact, manifestPath, unsigned string, includes []string) []string {
	args := []string{"p", "-M", manifestPath}
	for _, dir := range a.resDirs {
		args = append(args, "-S", dir)
	}
	if a.assetDir != "" {
		args = append(args, "-A", a.assetDir)
	}
	for _, inc := range includes {
		args = append(args, "-I", inc)
	}
	return append(args, "-F", unsigned, "--auto-add-overlay", "-f")
}

func (b *Builder) aapt(ctx context.Context, a artifact, manifestPath, unsigned string, includes []string) (*BuildError, error) {
	res, err := b.tools.Run(ctx, b.opts.Tools.Aapt, aaptArgs(a, manifestPath, unsigned, includes)...)
	if err != nil {
		return nil, err
	}
	if res.Failed() {
		return failure(StageManifestGenerated, KindCompile, strings.TrimSpace(res.Stderr), nil), nil
	}
	return nil, nil
}

// flatPath names the compiled archive of the i-th resource directory.
func flatPath(work string, i int, dir string) string {
	return filepath.Join(work, fmt.Sprintf("%d_%s.zip", i, filepath.Base(dir)))
}

func aapt2LinkArgs(a artifact, manifestPath, unsigned string, includes []string) []string {
	args := []string{"link", "--manifest", manifestPath}
	for _, inc := range includes {
		args = append(args, "-I", inc)
	}
	if a.assetDir != "" {
		args = append(args, "-A", a.assetDir)
	}
	for i, dir := range a.resDirs {
		args = append(args, "-R", flatPath(a.work, i, dir))
	}
	return append(args, "--auto-add-overlay", "--no-resource-deduping", "-o", unsigned)
}

func (b *Builder) aapt2(ctx context.Context, a artifact, manifestPath, unsigned string, includes []string) (*BuildError, error) {
	stderr := make([]string, len(a.resDirs))
	g, gctx := errgroup.WithContext(ctx)
	for i, dir := range a.resDirs {
		g.Go(func() error {
			res, err := b.tools.Run(gctx, b.opts.Tools.Aapt2, "compile", "--dir", dir, "-o", flatPath(a.work, i, dir))
			if err != nil {
				return err
			}
			if res.Failed() {
				stderr[i] = res.Stderr
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, s := range stderr {
		if s != "" {
			return failure(StageManifestGenerated, KindCompile, "compile error:\n"+strings.TrimSpace(s), nil), nil
		}
	}

	res, err := b.tools.Run(ctx, b.opts.Tools.Aapt2, aapt2LinkArgs(a, manifestPath, unsigned, includes)...)
	if err != nil {
		return nil, err
	}
	if res.Failed() {
		return failure(StageManifestGenerated, KindCompile, "link error:\n"+strings.TrimSpace(res.Stderr), nil), nil
	}
	return nil, nil
}
