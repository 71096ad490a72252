package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/danieljhkim/themekit/internal/pkginfo"
	"github.com/danieljhkim/themekit/internal/shell"
)

const (
	cmdPMInstall   = "pm install -r"
	cmdPMUninstall = "pm uninstall"
)

// RootOptions configures a Root backend.
type RootOptions struct {
	APILevel int
	OnError  AsyncErrorHandler
	Logger   *slog.Logger
}

// Root drives overlays on pre-P rooted devices with `cmd overlay` and pm.
// Mutations run in the background; call Wait before exiting.
type Root struct {
	su    shell.Runner
	pm    pkginfo.PackageManager
	codes StateCodes
	async asyncRunner
}

// NewRoot creates a Root backend on a root shell.
func NewRoot(su shell.Runner, pm pkginfo.PackageManager, opts RootOptions) *Root {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Root{
		su:    su,
		pm:    pm,
		codes: PlatformCodes(opts.APILevel),
		async: asyncRunner{runner: su, onError: opts.OnError, log: log.With("backend", NameRoot)},
	}
}

func (r *Root) Name() Name { return NameRoot }

func (r *Root) StateCodes() StateCodes { return r.codes }

// Wait blocks until background operations finish.
func (r *Root) Wait() { r.async.wait() }

func (r *Root) installed(ctx context.Context) installedFunc {
	return func(pkg string) bool { return r.pm.IsInstalled(ctx, pkg) }
}

// OverlayState lists overlays the package manager still knows about.
func (r *Root) OverlayState(ctx context.Context) (map[string]int, error) {
	list, err := overlayList(ctx, r.su)
	if err != nil {
		return nil, err
	}
	return listedStates(list, r.codes, r.installed(ctx)), nil
}

func (r *Root) TargetsWithMultipleOverlays(ctx context.Context) ([]string, error) {
	list, err := overlayList(ctx, r.su)
	if err != nil {
		return nil, err
	}
	return listedMultipleTargets(list, r.installed(ctx)), nil
}

func (r *Root) EnabledOverlaysForTarget(ctx context.Context, target string) ([]string, error) {
	list, err := overlayList(ctx, r.su)
	if err != nil {
		return nil, err
	}
	return listedEnabledForTarget(list, target, r.installed(ctx)), nil
}

func (r *Root) InstallOverlay(ctx context.Context, paths []string) error {
	var commands []string
	for _, p := range paths {
		commands = append(commands, cmdPMInstall+" "+shell.Quote(p))
	}
	r.async.submit(ctx, "install", commands)
	return nil
}

func (r *Root) UninstallOverlay(ctx context.Context, packages []string, restartUI bool) error {
	var commands []string
	for _, p := range packages {
		commands = append(commands, cmdPMUninstall+" "+shell.Quote(p))
	}
	r.async.submit(ctx, "uninstall", withRestart(commands, restartUI))
	return nil
}

func (r *Root) SwitchOverlay(ctx context.Context, packages []string, enable, restartUI bool) error {
	r.async.submit(ctx, "switch", withRestart(switchCommands(packages, enable), restartUI))
	return nil
}

// SetPriority places each package just above its predecessor.
func (r *Root) SetPriority(ctx context.Context, packages []string, restartUI bool) error {
	var commands []string
	for i := 0; i+1 < len(packages); i++ {
		commands = append(commands, fmt.Sprintf("%s %s %s", cmdOverlaySetPriority, packages[i+1], packages[i]))
	}
	r.async.submit(ctx, "priority", withRestart(commands, restartUI))
	return nil
}

func (r *Root) RestartSystemUI(ctx context.Context) error {
	r.async.submit(ctx, "restart", []string{cmdKillSystemUI})
	return nil
}

func (r *Root) ApplyFonts(ctx context.Context, themePackage, name string) error { return nil }

func (r *Root) RestoreFonts(ctx context.Context) error { return nil }

// asyncRunner submits batches to a runner in the background and tracks them.
type asyncRunner struct {
	runner  shell.Runner
	onError AsyncErrorHandler
	log     *slog.Logger
	wg      sync.WaitGroup
}

func (a *asyncRunner) submit(ctx context.Context, op string, commands []string) {
	if len(commands) == 0 {
		return
	}
	a.wg.Add(1)
	shell.Submit(ctx, a.runner, func(res *shell.Result, err error) {
		defer a.wg.Done()
		if err != nil {
			a.log.Warn("background operation failed", "op", op, "err", err)
			if a.onError != nil {
				a.onError(op, err)
			}
			return
		}
		a.log.Debug("background operation finished", "op", op, "output", res.Text())
	}, commands...)
}

func (a *asyncRunner) wait() {
	a.wg.Wait()
}

func overlayList(ctx context.Context, su shell.Runner) ([]ListedOverlay, error) {
	res, err := su.Exec(ctx, cmdOverlayList)
	if err != nil {
		return nil, fmt.Errorf("list overlays: %w", err)
	}
	return ParseOverlayList(res.Output), nil
}

func switchCommands(packages []string, enable bool) []string {
	command := cmdOverlayDisable
	if enable {
		command = cmdOverlayEnable
	}
	commands := make([]string, 0, len(packages))
	for _, p := range packages {
		commands = append(commands, command+" "+p)
	}
	return commands
}

func withRestart(commands []string, restartUI bool) []string {
	if restartUI {
		return append(commands, cmdKillSystemUI)
	}
	return commands
}
