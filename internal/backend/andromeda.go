package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/danieljhkim/themekit/internal/pkginfo"
	"github.com/danieljhkim/themekit/internal/shell"
)

// OverlayInfo is an overlay as reported by a vendor client.
type OverlayInfo struct {
	Package string
	Target  string
	State   int
	Enabled bool
}

// AndromedaClient is the Andromeda IPC surface the backends use.
type AndromedaClient interface {
	// AllOverlays groups overlays by target package.
	AllOverlays(ctx context.Context) (map[string][]OverlayInfo, error)
	OverlayStates(ctx context.Context) (map[string]int, error)
	Install(ctx context.Context, path string) error
	Uninstall(ctx context.Context, pkg string) error
	SwitchOverlay(ctx context.Context, packages []string, enable bool) error
	SetPriority(ctx context.Context, packages []string) error
}

// Andromeda delegates to the Andromeda client.
type Andromeda struct {
	client AndromedaClient
	pm     pkginfo.PackageManager
}

// NewAndromeda creates an Andromeda backend.
func NewAndromeda(client AndromedaClient, pm pkginfo.PackageManager) *Andromeda {
	return &Andromeda{client: client, pm: pm}
}

func (a *Andromeda) Name() Name { return NameAndromeda }

func (a *Andromeda) StateCodes() StateCodes { return ClientCodes }

func (a *Andromeda) OverlayState(ctx context.Context) (map[string]int, error) {
	states, err := a.client.OverlayStates(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: overlay states: %v", ErrAndromeda, err)
	}
	return states, nil
}

func (a *Andromeda) TargetsWithMultipleOverlays(ctx context.Context) ([]string, error) {
	all, err := a.client.AllOverlays(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: all overlays: %v", ErrAndromeda, err)
	}
	return multipleTargets(all, func(o OverlayInfo) bool {
		return o.Enabled && a.pm.IsInstalled(ctx, o.Package)
	}), nil
}

func (a *Andromeda) EnabledOverlaysForTarget(ctx context.Context, target string) ([]string, error) {
	all, err := a.client.AllOverlays(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: all overlays: %v", ErrAndromeda, err)
	}
	out := []string{}
	for _, o := range all[target] {
		if o.Enabled && a.pm.IsInstalled(ctx, o.Package) {
			out = append(out, o.Package)
		}
	}
	return out, nil
}

// InstallOverlay installs every path, continuing past failures.
func (a *Andromeda) InstallOverlay(ctx context.Context, paths []string) error {
	var errs []error
	for _, p := range paths {
		if err := a.client.Install(ctx, p); err != nil {
			errs = append(errs, fmt.Errorf("%w: install %s: %v", ErrAndromeda, p, err))
		}
	}
	return errors.Join(errs...)
}

func (a *Andromeda) UninstallOverlay(ctx context.Context, packages []string, restartUI bool) error {
	var errs []error
	for _, p := range packages {
		if err := a.client.Uninstall(ctx, p); err != nil {
			errs = append(errs, fmt.Errorf("%w: uninstall %s: %v", ErrAndromeda, p, err))
		}
	}
	return errors.Join(errs...)
}

func (a *Andromeda) SwitchOverlay(ctx context.Context, packages []string, enable, restartUI bool) error {
	if err := a.client.SwitchOverlay(ctx, packages, enable); err != nil {
		return fmt.Errorf("%w: switch: %v", ErrAndromeda, err)
	}
	return nil
}

func (a *Andromeda) SetPriority(ctx context.Context, packages []string, restartUI bool) error {
	if err := a.client.SetPriority(ctx, packages); err != nil {
		return fmt.Errorf("%w: priority: %v", ErrAndromeda, err)
	}
	return nil
}

// RestartSystemUI is a no-op; Andromeda restarts SystemUI itself.
func (a *Andromeda) RestartSystemUI(ctx context.Context) error { return nil }

func (a *Andromeda) ApplyFonts(ctx context.Context, themePackage, name string) error { return nil }

func (a *Andromeda) RestoreFonts(ctx context.Context) error { return nil }

// AndromedaSamsung is Andromeda on pre-P Samsung firmware, where SystemUI
// has to be restarted from the unprivileged shell.
type AndromedaSamsung struct {
	*Andromeda
	sh shell.Runner
}

// NewAndromedaSamsung creates an AndromedaSamsung backend.
func NewAndromedaSamsung(client AndromedaClient, pm pkginfo.PackageManager, sh shell.Runner) *AndromedaSamsung {
	return &AndromedaSamsung{Andromeda: NewAndromeda(client, pm), sh: sh}
}

func (a *AndromedaSamsung) Name() Name { return NameAndromedaSamsung }

func (a *AndromedaSamsung) RestartSystemUI(ctx context.Context) error {
	if _, err := a.sh.Exec(ctx, cmdKillSystemUI); err != nil {
		return fmt.Errorf("restart SystemUI: %w", err)
	}
	return nil
}

func (a *AndromedaSamsung) UninstallOverlay(ctx context.Context, packages []string, restartUI bool) error {
	if err := a.Andromeda.UninstallOverlay(ctx, packages, restartUI); err != nil {
		return err
	}
	return a.maybeRestart(ctx, restartUI)
}

func (a *AndromedaSamsung) SwitchOverlay(ctx context.Context, packages []string, enable, restartUI bool) error {
	if err := a.Andromeda.SwitchOverlay(ctx, packages, enable, restartUI); err != nil {
		return err
	}
	return a.maybeRestart(ctx, restartUI)
}

func (a *AndromedaSamsung) SetPriority(ctx context.Context, packages []string, restartUI bool) error {
	if err := a.Andromeda.SetPriority(ctx, packages, restartUI); err != nil {
		return err
	}
	return a.maybeRestart(ctx, restartUI)
}

func (a *AndromedaSamsung) maybeRestart(ctx context.Context, restartUI bool) error {
	if !restartUI {
		return nil
	}
	return a.RestartSystemUI(ctx)
}

// multipleTargets returns, in sorted order, targets with more than one
// overlay accepted by count.
func multipleTargets(all map[string][]OverlayInfo, count func(OverlayInfo) bool) []string {
	out := []string{}
	for _, target := range sortedKeys(all) {
		n := 0
		for _, o := range all[target] {
			if count(o) {
				n++
			}
		}
		if n > 1 {
			out = append(out, target)
		}
	}
	return out
}
