package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/danieljhkim/themekit/internal/apksign"
	"github.com/danieljhkim/themekit/internal/backend"
	"github.com/danieljhkim/themekit/internal/builder"
	"github.com/danieljhkim/themekit/internal/buildtools"
	"github.com/danieljhkim/themekit/internal/clock"
	"github.com/danieljhkim/themekit/internal/config"
	"github.com/danieljhkim/themekit/internal/fsops"
	"github.com/danieljhkim/themekit/internal/hash"
	"github.com/danieljhkim/themekit/internal/pkginfo"
	"github.com/danieljhkim/themekit/internal/rootfix"
	"github.com/danieljhkim/themekit/internal/shell"
	"github.com/danieljhkim/themekit/internal/state"
	"github.com/danieljhkim/themekit/internal/theme"
)

// session holds the real implementations a command works with. Shells are
// started on first use.
type session struct {
	paths    *config.Paths
	settings *config.Settings
	fs       fsops.FS
	clock    clock.Clock
	records  state.RecordStore
	log      *slog.Logger

	sh *shell.Shell
	su *shell.Shell
	pm pkginfo.PackageManager
}

// newSession loads configuration and prepares the themekit directories.
func newSession() (*session, error) {
	paths, err := config.DefaultPaths()
	if err != nil {
		return nil, fmt.Errorf("failed to get config paths: %w", err)
	}

	if err := paths.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to ensure directories: %w", err)
	}

	cfg := configPath
	if cfg == "" {
		cfg = paths.Config
	}
	settings, err := config.LoadSettings(cfg)
	if err != nil {
		return nil, err
	}

	fs := fsops.NewRealFS()
	return &session{
		paths:    paths,
		settings: settings,
		fs:       fs,
		clock:    &clock.RealClock{},
		records:  state.NewFileRecordStore(fs, paths.State),
		log:      slog.Default(),
	}, nil
}

// shell returns the plain shell.
func (s *session) shell() (*shell.Shell, error) {
	if s.sh != nil {
		return s.sh, nil
	}
	sh, err := shell.New(shell.Options{Timeout: s.settings.Shell.Timeout, Logger: s.log})
	if err != nil {
		return nil, err
	}
	s.sh = sh
	s.pm = pkginfo.NewShellPackageManager(sh)
	return sh, nil
}

// rootShell returns the root shell.
func (s *session) rootShell() (*shell.Shell, error) {
	if s.su != nil {
		return s.su, nil
	}
	su, err := shell.New(shell.Options{Root: true, Timeout: s.settings.Shell.Timeout, Logger: s.log})
	if err != nil {
		return nil, err
	}
	s.su = su
	return su, nil
}

// environment probes the device. A non-zero apiOverride skips probing.
func (s *session) environment(ctx context.Context, apiOverride int) (theme.Environment, error) {
	if apiOverride > 0 {
		return theme.Environment{APILevel: apiOverride}, nil
	}
	sh, err := s.shell()
	if err != nil {
		return theme.Environment{}, err
	}
	return theme.Probe(ctx, sh, s.pm)
}

func (s *session) tools() *buildtools.Setup {
	t := s.settings.Tools
	var sh shell.Runner
	if plain, err := s.shell(); err == nil {
		sh = plain
	}
	return buildtools.New(buildtools.Options{
		Mode:         buildtools.Mode(t.Mode),
		BinDir:       s.paths.Bin,
		BundleDir:    t.BundleDir,
		NativeLibDir: t.NativeLibDir,
		ARM:          t.ARM,
		ARM64:        t.ARM64,
	}, s.fs, hash.NewMD5Hasher(), &buildtools.PropABIProber{Runner: sh}, s.log)
}

// builder creates a Builder. Non-empty paths in override replace the tools
// directory copies. synergy marks overlays that Synergy will install.
func (s *session) builder(env theme.Environment, override buildtools.Tools, synergy bool) (*builder.Builder, error) {
	tools := s.tools().Tools()
	if override.Aapt != "" {
		tools.Aapt = override.Aapt
	}
	if override.Aapt2 != "" {
		tools.Aapt2 = override.Aapt2
	}
	if override.Zipalign != "" {
		tools.Zipalign = override.Zipalign
	}

	key, err := apksign.EmbeddedKey()
	if err != nil {
		return nil, err
	}
	sh, err := s.shell()
	if err != nil {
		return nil, err
	}
	return builder.New(builder.Options{
		Tools:        tools,
		FrameworkAPK: s.settings.Compiler.FrameworkAPK,
		AlwaysAapt2:  s.settings.Compiler.AlwaysAapt2,
		APILevel:     env.APILevel,
		Samsung:      env.Samsung,
		Synergy:      synergy,
		OutDir:       s.paths.Overlays,
		WorkDir:      s.paths.Work,
	}, shell.NewExecToolRunner(), sh, s.fs, key, s.log), nil
}

func (s *session) themeOptions() theme.Options {
	b := s.settings.Backends
	return theme.Options{
		AndromedaSamsung:  b.AndromedaSamsung,
		Synergy:           b.Synergy,
		Andromeda:         b.Andromeda,
		SubstratumService: b.SubstratumService,
		PieRoot:           b.PieRoot,
		Root:              b.Root,
	}
}

func (s *session) appIdentity() backend.AppIdentity {
	a := s.settings.App
	return backend.AppIdentity{
		Package:     a.Package,
		Label:       a.Label,
		VersionName: a.VersionName,
		VersionCode: a.VersionCode,
	}
}

// app selects the backend for this device. Vendor IPC services are not
// reachable from a shell, so only the shell-driven backends can be chosen.
func (s *session) app(ctx context.Context, silent bool) (*theme.App, error) {
	env, err := s.environment(ctx, 0)
	if err != nil {
		return nil, err
	}

	deps := theme.Deps{
		Shell:  s.sh,
		PM:     s.pm,
		App:    s.appIdentity(),
		Logger: s.log,
		OnError: func(op string, err error) {
			PrintError(fmt.Sprintf("background %s failed: %v", op, err))
		},
	}
	if env.Rooted {
		su, err := s.rootShell()
		if err != nil {
			s.log.Warn("failed to start root shell", "err", err)
		} else {
			deps.Root = su
			deps.RootFix = s.rootFix(env, su)
		}
	}

	sel := theme.Select
	if silent {
		sel = theme.SelectSilently
	}
	return sel(ctx, s.themeOptions(), env, deps)
}

func (s *session) rootFix(env theme.Environment, su shell.Runner) backend.RootFixer {
	key, err := apksign.EmbeddedKey()
	if err != nil {
		s.log.Warn("root fix disabled", "err", err)
		return nil
	}
	return rootfix.New(rootfix.Options{
		Aapt:                  s.tools().Tools().Aapt,
		FrameworkAPK:          s.settings.Compiler.FrameworkAPK,
		WorkDir:               s.paths.Work + "/one_fix",
		NightDisplayAvailable: s.settings.Samsung.NightDisplayAvailable,
		APILevel:              env.APILevel,
	}, shell.NewExecToolRunner(), su, s.fs, key, s.log)
}

// Close stops the shells.
func (s *session) Close() {
	if s.su != nil {
		_ = s.su.Close()
	}
	if s.sh != nil {
		_ = s.sh.Close()
	}
}

// synergySelected reports whether Synergy is the backend this device uses.
// Having the Synergy app installed is not enough when a root backend wins.
func (s *session) synergySelected(ctx context.Context, env theme.Environment) bool {
	if !env.SynergyInstalled {
		return false
	}
	app, err := openApp(ctx, s, true)
	if err != nil {
		s.log.Debug("no backend for build", "err", err)
		return false
	}
	defer app.Close()
	_, ok := app.Backend.(*backend.Synergy)
	return ok
}

// openApp selects the backend for a command. Tests replace it.
var openApp = func(ctx context.Context, s *session, silent bool) (*theme.App, error) {
	return s.app(ctx, silent)
}

// withApp opens a session, selects a backend and runs fn. Background backend
// operations are drained before the shells close.
func withApp(ctx context.Context, fn func(ctx context.Context, s *session, app *theme.App) error) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	app, err := openApp(ctx, s, false)
	if err != nil {
		if errors.Is(err, theme.ErrNoSupportedBackend) {
			return fmt.Errorf("%w: enable a backend in %s", err, s.paths.Config)
		}
		return err
	}
	defer app.Close()
	return fn(ctx, s, app)
}

// formatJSON formats a value as JSON.
func formatJSON(v interface{}) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// FormatError formats an error for display.
func FormatError(err error) string {
	return formatError(err)
}

func formatError(err error) string {
	return errorColor.Sprintf("Error: %v", err)
}

// outputJSON outputs a value as JSON to stdout.
func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
