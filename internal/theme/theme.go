// Package theme picks the overlay backend for the running device and checks
// that it is ready to use.
//
// Selection walks a fixed precedence and takes the first backend that is
// both enabled in Options and available on the device:
//
//	AndromedaSamsung  Samsung, pre-P, Andromeda initializes
//	Andromeda         pre-P, Andromeda initializes
//	SubstratumService service bridge present
//	PieRoot           rooted, P+
//	Root              rooted, pre-P
//	Synergy           companion app installed
//
// The result is an explicit *App handle; nothing is kept in package state.
package theme

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/danieljhkim/themekit/internal/backend"
	"github.com/danieljhkim/themekit/internal/pkginfo"
	"github.com/danieljhkim/themekit/internal/shell"
)

var (
	// ErrNoSupportedBackend indicates no enabled backend is available.
	ErrNoSupportedBackend = errors.New("no supported backend")

	// ErrPermission indicates a backend was found but its access permission
	// is not granted.
	ErrPermission = errors.New("backend permission not granted")
)

// SubstratumAuthorizeSetting must be "1" for the service to accept calls.
const SubstratumAuthorizeSetting = "force_authorize_substratum_packages"

// Options lists the backends the app is willing to use.
type Options struct {
	AndromedaSamsung  bool
	Synergy           bool
	Andromeda         bool
	SubstratumService bool
	PieRoot           bool
	Root              bool
}

// AndromedaService is the Andromeda server as seen from the app.
type AndromedaService interface {
	ServerExists(ctx context.Context) bool
	Initialize(ctx context.Context) bool
	AccessGranted(ctx context.Context) bool
	ServerActive(ctx context.Context) bool
	Client() backend.AndromedaClient
}

// RootShell is a root shell that can confirm its own access.
type RootShell interface {
	shell.Runner
	RootAccess(ctx context.Context) bool
}

// Deps are the channels backends are built on. Nil vendor services are
// treated as absent.
type Deps struct {
	// Shell is the unprivileged shell.
	Shell shell.Runner

	// Root is required when a root backend is selected.
	Root RootShell

	PM         pkginfo.PackageManager
	Andromeda  AndromedaService
	Substratum backend.SubstratumBridge

	App     backend.AppIdentity
	RootFix backend.RootFixer
	OnError backend.AsyncErrorHandler
	Logger  *slog.Logger
}

// App is the selected backend together with what it was selected for.
type App struct {
	Backend backend.Backend
	Env     Environment
	PM      pkginfo.PackageManager

	deps Deps
	log  *slog.Logger
}

// Select returns the first available backend in precedence order.
func Select(ctx context.Context, opts Options, env Environment, deps Deps) (*App, error) {
	return choose(ctx, opts, env, deps, false)
}

// SelectSilently is Select without prompting: an Andromeda backend whose
// access permission is not yet granted fails with ErrPermission.
func SelectSilently(ctx context.Context, opts Options, env Environment, deps Deps) (*App, error) {
	return choose(ctx, opts, env, deps, true)
}

func choose(ctx context.Context, opts Options, env Environment, deps Deps, silent bool) (*App, error) {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	app := &App{Env: env, PM: deps.PM, deps: deps, log: log}

	pie := env.AtLeastPie()
	andromeda := func() bool {
		return deps.Andromeda != nil && deps.Andromeda.ServerExists(ctx) && deps.Andromeda.Initialize(ctx)
	}

	needRoot := func() error {
		if deps.Root == nil {
			return fmt.Errorf("root backend selected but no root shell is available")
		}
		return nil
	}

	switch {
	case opts.AndromedaSamsung && env.Samsung && !pie && andromeda():
		if silent && !deps.Andromeda.AccessGranted(ctx) {
			return nil, fmt.Errorf("%w: %s", ErrPermission, backend.NameAndromedaSamsung)
		}
		app.Backend = backend.NewAndromedaSamsung(deps.Andromeda.Client(), deps.PM, deps.Shell)
	case opts.Andromeda && !pie && andromeda():
		if silent && !deps.Andromeda.AccessGranted(ctx) {
			return nil, fmt.Errorf("%w: %s", ErrPermission, backend.NameAndromeda)
		}
		app.Backend = backend.NewAndromeda(deps.Andromeda.Client(), deps.PM)
	case opts.SubstratumService && deps.Substratum != nil:
		app.Backend = backend.NewSubstratum(deps.Substratum, env.APILevel, log)
	case opts.PieRoot && env.Rooted && pie:
		if err := needRoot(); err != nil {
			return nil, err
		}
		app.Backend = backend.NewPieRoot(deps.Root, deps.Shell, deps.PM, backend.PieRootOptions{
			App:          deps.App,
			Samsung:      env.Samsung,
			OneUIVersion: env.OneUIVersion,
			RootFix:      deps.RootFix,
			OnError:      deps.OnError,
			Logger:       log,
		})
	case opts.Root && env.Rooted && !pie:
		if err := needRoot(); err != nil {
			return nil, err
		}
		app.Backend = backend.NewRoot(deps.Root, deps.PM, backend.RootOptions{
			APILevel: env.APILevel,
			OnError:  deps.OnError,
			Logger:   log,
		})
	case opts.Synergy && env.SynergyInstalled:
		app.Backend = backend.NewSynergy(deps.Shell, deps.App.Package)
	default:
		return nil, ErrNoSupportedBackend
	}

	log.Debug("selected backend", "backend", app.Backend.Name(), "api", env.APILevel, "samsung", env.Samsung)
	return app, nil
}

// InitResult is the readiness of the selected backend.
type InitResult int

const (
	ResultPass InitResult = iota
	ResultNoSupportedBackend
	ResultRootDenied
	ResultRootNotSupported
	ResultMagiskDisabled
	ResultAndromedaDenied
	ResultAndromedaInactive
	ResultSubstratumServiceDenied
)

func (r InitResult) String() string {
	switch r {
	case ResultPass:
		return "pass"
	case ResultNoSupportedBackend:
		return "no_supported_backend"
	case ResultRootDenied:
		return "root_denied"
	case ResultRootNotSupported:
		return "root_not_supported"
	case ResultMagiskDisabled:
		return "magisk_disabled"
	case ResultAndromedaDenied:
		return "andromeda_denied"
	case ResultAndromedaInactive:
		return "andromeda_inactive"
	case ResultSubstratumServiceDenied:
		return "substratum_service_denied"
	default:
		return "unknown"
	}
}

// Initialize checks that the selected backend can be used. For PieRoot it
// also installs the Magisk helper module.
func (a *App) Initialize(ctx context.Context) (InitResult, error) {
	if a == nil || a.Backend == nil {
		return ResultNoSupportedBackend, nil
	}

	switch b := a.Backend.(type) {
	case *backend.AndromedaSamsung, *backend.Andromeda:
		if !a.deps.Andromeda.AccessGranted(ctx) {
			return ResultAndromedaDenied, nil
		}
		if !a.deps.Andromeda.ServerActive(ctx) {
			return ResultAndromedaInactive, nil
		}
		return ResultPass, nil

	case *backend.Substratum:
		res, err := a.deps.Shell.Exec(ctx, "settings get secure "+SubstratumAuthorizeSetting)
		if err != nil {
			return ResultSubstratumServiceDenied, fmt.Errorf("read %s: %w", SubstratumAuthorizeSetting, err)
		}
		if strings.TrimSpace(res.Text()) != "1" {
			return ResultSubstratumServiceDenied, nil
		}
		return ResultPass, nil

	case *backend.Root:
		if !a.deps.Root.RootAccess(ctx) {
			return ResultRootDenied, nil
		}
		return ResultPass, nil

	case *backend.PieRoot:
		return a.initPieRoot(ctx, b)

	case *backend.Synergy:
		return ResultPass, nil
	}
	return ResultNoSupportedBackend, nil
}

func (a *App) initPieRoot(ctx context.Context, b *backend.PieRoot) (InitResult, error) {
	magisk, err := b.CheckMagisk(ctx)
	if err != nil {
		return ResultRootNotSupported, err
	}
	if !magisk {
		return ResultRootNotSupported, nil
	}
	if !a.deps.Root.RootAccess(ctx) {
		return ResultRootDenied, nil
	}
	disabled, err := b.ModuleDisabled(ctx)
	if err != nil {
		return ResultRootDenied, err
	}
	if disabled {
		return ResultMagiskDisabled, nil
	}
	created, err := b.InstallModule(ctx)
	if err != nil {
		return ResultRootDenied, err
	}
	if created {
		a.log.Info("helper module installed; reboot to activate overlays", "dir", b.ModuleDir())
	}
	return ResultPass, nil
}

// Close waits for background backend operations.
func (a *App) Close() {
	if a != nil && a.Backend != nil {
		backend.Drain(a.Backend)
	}
}
