// Package builder compiles overlay APKs.
//
// A build renders the overlay manifest into a private work directory, runs
// aapt (or aapt2 compile + link) over the requested resource directories,
// zipaligns the unsigned APK through the shell and signs the result. Each
// artifact moves through unsigned, aligned and signed files in the output
// directory; intermediates are removed once the signed APK exists and the
// work directory is removed after every build.
//
// With Split set, resources are merged into one tree and density-qualified
// drawables are moved into per-density configuration splits, each built as
// its own artifact.
package builder

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/danieljhkim/themekit/internal/apksign"
	"github.com/danieljhkim/themekit/internal/buildtools"
	"github.com/danieljhkim/themekit/internal/fsops"
	"github.com/danieljhkim/themekit/internal/manifest"
	"github.com/danieljhkim/themekit/internal/shell"
)

// DefaultFrameworkAPK is the framework resource package compiled against.
const DefaultFrameworkAPK = "/system/framework/framework-res.apk"

// Request describes one overlay to build.
type Request struct {
	Package     string
	Target      string
	Timestamp   int64
	VersionCode *int64
	VersionName string
	Label       string
	MetaData    []manifest.MetaData

	// ResourceDirs are passed in order; later directories override earlier.
	ResourceDirs []string
	AssetDir     string

	// ExtraBasePackages are additional -I packages. Missing paths are skipped.
	ExtraBasePackages []string

	Split    bool
	UseAapt2 bool
}

// Options configures a Builder.
type Options struct {
	Tools        buildtools.Tools
	FrameworkAPK string

	// AlwaysAapt2 forces aapt2 and disables the legacy compile retry.
	AlwaysAapt2 bool

	// APILevel is the running API level, used as the signing min SDK and for
	// the Synergy uses-sdk quirk.
	APILevel int
	Samsung  bool
	Synergy  bool

	OutDir  string
	WorkDir string
}

// Result is the outcome of a build. Exactly one of Paths and Err is set.
type Result struct {
	// Paths lists the signed APKs, base first.
	Paths []string
	Err   *BuildError
}

// OK reports whether the build succeeded.
func (r Result) OK() bool {
	return r.Err == nil
}

// Path returns the base APK path.
func (r Result) Path() string {
	if len(r.Paths) == 0 {
		return ""
	}
	return r.Paths[0]
}

// Message returns the failure message, or "" on success.
func (r Result) Message() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Message
}

// Builder builds overlays.
type Builder struct {
	opts   Options
	tools  shell.ToolRunner
	runner shell.Runner
	fs     fsops.FS
	key    *apksign.Key
	log    *slog.Logger
	locks  *keyedMutex
}

// New creates a Builder.
func New(
	opts Options,
	tools shell.ToolRunner,
	runner shell.Runner,
	fs fsops.FS,
	key *apksign.Key,
	log *slog.Logger,
) *Builder {
	if opts.FrameworkAPK == "" {
		opts.FrameworkAPK = DefaultFrameworkAPK
	}
	if log == nil {
		log = slog.Default()
	}
	return &Builder{
		opts:   opts,
		tools:  tools,
		runner: runner,
		fs:     fs,
		key:    key,
		log:    log,
		locks:  newKeyedMutex(),
	}
}

// artifact is one APK produced by a build.
type artifact struct {
	name     string
	manifest []byte
	resDirs  []string
	assetDir string
	work     string
}

func (b *Builder) unsignedPath(name string) string {
	return filepath.Join(b.opts.OutDir, name+"-unsigned.apk")
}

func (b *Builder) alignedPath(name string) string {
	return filepath.Join(b.opts.OutDir, name+"-unsigned-aligned.apk")
}

func (b *Builder) signedPath(name string) string {
	return filepath.Join(b.opts.OutDir, name+".apk")
}

// Build runs the pipeline for req. Recoverable failures are reported in the
// Result; the error is reserved for failures to stage the build itself, such
// as writing the manifest.
//
// Builds of the same package are serialized.
func (b *Builder) Build(ctx context.Context, req Request) (Result, error) {
	if len(req.ResourceDirs) == 0 {
		return Result{Err: failure(StageInit, KindEmptyResources, MsgEmptyResources, nil)}, nil
	}
	if req.Package == "" || req.Target == "" {
		return Result{}, fmt.Errorf("build request needs a package and a target")
	}

	unlock := b.locks.Lock(req.Package)
	defer unlock()

	if !b.fs.IsDir(b.opts.OutDir) {
		if err := b.fs.MkdirAll(b.opts.OutDir, 0755); err != nil {
			return Result{Err: failure(StageInit, KindOutputDir, MsgOutputDir, err)}, nil
		}
	}

	work := filepath.Join(b.opts.WorkDir, req.Package)
	_ = b.fs.RemoveAll(work)
	if err := b.fs.MkdirAll(work, 0755); err != nil {
		return Result{}, fmt.Errorf("failed to create work directory: %w", err)
	}
	defer func() {
		if err := b.fs.RemoveAll(work); err != nil {
			b.log.Warn("failed to remove work directory", "path", work, "err", err)
		}
	}()

	overlay, err := b.overlayManifest(req)
	if err != nil {
		return Result{}, err
	}

	log := b.log.With("package", req.Package, "target", req.Target)
	if req.Split {
		return b.buildSplit(ctx, log, req, overlay, work)
	}

	a := artifact{
		name:     req.Package,
		manifest: overlay,
		resDirs:  req.ResourceDirs,
		assetDir: req.AssetDir,
		work:     work,
	}
	path, ferr, err := b.buildArtifact(ctx, log, req, a)
	if err != nil {
		return Result{}, err
	}
	if ferr != nil {
		return Result{Err: ferr}, nil
	}
	return Result{Paths: []string{path}}, nil
}

func (b *Builder) overlayManifest(req Request) ([]byte, error) {
	m := manifest.Overlay{
		Package:          req.Package,
		Target:           req.Target,
		Timestamp:        req.Timestamp,
		VersionCode:      req.VersionCode,
		VersionName:      req.VersionName,
		Label:            req.Label,
		MetaData:         req.MetaData,
		TargetSDK:        manifest.SynergyTargetSDK(b.opts.Synergy, b.opts.APILevel),
		VendorPermission: manifest.NeedsSamsungPermission(b.opts.Samsung, req.Target),
	}
	return m.Render()
}

// buildArtifact takes one artifact from manifest to signed APK.
func (b *Builder) buildArtifact(ctx context.Context, log *slog.Logger, req Request, a artifact) (string, *BuildError, error) {
	manifestPath := filepath.Join(a.work, "AndroidManifest.xml")
	if err := b.fs.WriteFile(manifestPath, a.manifest, 0644); err != nil {
		return "", nil, fmt.Errorf("failed to write manifest for %s: %w", a.name, err)
	}

	unsigned := b.unsignedPath(a.name)
	aligned := b.alignedPath(a.name)
	signed := b.signedPath(a.name)
	for _, stale := range []string{unsigned, aligned} {
		_ = b.fs.Remove(stale)
	}

	if ferr, err := b.compile(ctx, log, req, a, manifestPath, unsigned); err != nil || ferr != nil {
		if ferr != nil {
			ferr.Artifact = a.name
		}
		return "", ferr, err
	}
	if !b.fs.IsFile(unsigned) {
		return "", b.fail(a, StageManifestGenerated, KindMissingUnsigned, MsgMissingUnsigned, nil), nil
	}
	log.Debug("compiled overlay", "artifact", a.name)

	_, err := b.runner.Exec(ctx, fmt.Sprintf("%s 4 %s %s", b.opts.Tools.Zipalign, unsigned, aligned))
	if !b.fs.IsFile(aligned) {
		return "", b.fail(a, StageCompiled, KindAlign, MsgAlign, err), nil
	}

	if err := apksign.Sign(aligned, signed, b.key, apksign.DefaultOptions(b.opts.APILevel)); err != nil {
		return "", b.fail(a, StageAligned, KindSign, MsgSign, err), nil
	}

	for _, intermediate := range []string{unsigned, aligned} {
		if err := b.fs.Remove(intermediate); err != nil {
			log.Warn("failed to remove intermediate", "path", intermediate, "err", err)
		}
	}
	log.Info("built overlay", "artifact", a.name, "path", signed)
	return signed, nil, nil
}

func (b *Builder) fail(a artifact, stage Stage, kind Kind, msg string, err error) *BuildError {
	f := failure(stage, kind, msg, err)
	f.Artifact = a.name
	return f
}
