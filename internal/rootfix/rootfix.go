// Package rootfix builds and installs the framework overlay that OneUI 2.0
// to 2.4 needs before root-installed overlays render correctly.
package rootfix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/danieljhkim/themekit/internal/apksign"
	"github.com/danieljhkim/themekit/internal/fsops"
	"github.com/danieljhkim/themekit/internal/manifest"
	"github.com/danieljhkim/themekit/internal/shell"
)

// InstallPath is where OneUI loads the fix overlay from.
const InstallPath = "/data/overlays/currentstyle/one_fix.apk"

// NightDisplayResource is the framework bool the fix overlay re-declares.
const NightDisplayResource = "config_nightDisplayAvailable"

// ErrGenerate indicates the fix overlay could not be built.
var ErrGenerate = errors.New("root fix generation failed")

// Options configures a Generator.
type Options struct {
	Aapt         string
	FrameworkAPK string
	WorkDir      string

	// NightDisplayAvailable is the device's current value of
	// NightDisplayResource.
	NightDisplayAvailable bool

	APILevel int
}

// Generator builds the fix overlay with legacy aapt and copies it into place
// through a root shell.
type Generator struct {
	opts  Options
	tools shell.ToolRunner
	su    shell.Runner
	fs    fsops.FS
	key   *apksign.Key
	log   *slog.Logger
}

// New creates a Generator.
func New(opts Options, tools shell.ToolRunner, su shell.Runner, fs fsops.FS, key *apksign.Key, log *slog.Logger) *Generator {
	if opts.FrameworkAPK == "" {
		opts.FrameworkAPK = "/system/framework/framework-res.apk"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Generator{opts: opts, tools: tools, su: su, fs: fs, key: key, log: log}
}

// Run regenerates and installs the fix overlay.
func (g *Generator) Run(ctx context.Context) error {
	work := g.opts.WorkDir
	if err := g.fs.RemoveAll(work); err != nil {
		return fmt.Errorf("%w: clean work dir: %v", ErrGenerate, err)
	}
	defer func() { _ = g.fs.RemoveAll(work) }()

	resDir := filepath.Join(work, "res")
	bools, err := manifest.BoolResources(NightDisplayResource, g.opts.NightDisplayAvailable)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGenerate, err)
	}
	if err := g.fs.WriteFile(filepath.Join(resDir, "values", "bool.xml"), bools, 0644); err != nil {
		return fmt.Errorf("%w: write resources: %v", ErrGenerate, err)
	}

	manifestPath := filepath.Join(work, "AndroidManifest.xml")
	doc, err := manifest.RootFix()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGenerate, err)
	}
	if err := g.fs.WriteFile(manifestPath, doc, 0644); err != nil {
		return fmt.Errorf("%w: write manifest: %v", ErrGenerate, err)
	}

	unsigned := filepath.Join(work, "unsigned.apk")
	res, err := g.tools.Run(ctx, g.opts.Aapt,
		"p", "-f",
		"-M", manifestPath,
		"-S", resDir,
		"-I", g.opts.FrameworkAPK,
		"-F", unsigned,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGenerate, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: aapt exited %d: %s", ErrGenerate, res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	signed := filepath.Join(work, "fix.apk")
	if err := apksign.Sign(unsigned, signed, g.key, apksign.DefaultOptions(g.opts.APILevel)); err != nil {
		return fmt.Errorf("%w: sign: %v", ErrGenerate, err)
	}

	out, err := g.su.Exec(ctx,
		"cp -f "+shell.Quote(signed)+" "+InstallPath,
		"chmod 644 "+InstallPath,
		"chown system:system "+InstallPath,
	)
	if err != nil {
		return fmt.Errorf("install root fix: %w", err)
	}
	if !out.Empty() {
		g.log.Warn("root fix install printed diagnostics", "output", out.Text())
	}
	g.log.Info("installed OneUI root fix", "path", InstallPath)
	return nil
}
