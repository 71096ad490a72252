package backend

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"strconv"
	"strings"

	"github.com/danieljhkim/themekit/internal/pkginfo"
	"github.com/danieljhkim/themekit/internal/shell"
)

// MinMagiskVersion is the oldest Magisk the helper module supports.
const MinMagiskVersion = 19000

// MagiskModulesDir holds Magisk modules.
const MagiskModulesDir = "/data/adb/modules"

const (
	samsungExposureKey   = "current_sec_active_themepackage"
	samsungExposureValue = "theme"
)

// AppIdentity describes the app that owns the helper module.
type AppIdentity struct {
	Package     string
	Label       string
	VersionName string
	VersionCode int64
}

// RootFixer generates and installs the OneUI 2 framework fix overlay.
type RootFixer interface {
	Run(ctx context.Context) error
}

// PieRootOptions configures a PieRoot backend.
type PieRootOptions struct {
	App AppIdentity

	Samsung      bool
	OneUIVersion float64

	// RootFix runs after installs on OneUI 2.0 to 2.4. May be nil.
	RootFix RootFixer

	OnError AsyncErrorHandler
	Logger  *slog.Logger
}

// PieRoot installs overlays as system apps inside a Magisk module on P+.
type PieRoot struct {
	su    shell.Runner
	sh    shell.Runner
	pm    pkginfo.PackageManager
	opts  PieRootOptions
	log   *slog.Logger
	async asyncRunner
}

// NewPieRoot creates a PieRoot backend. su is the root shell; sh is a plain
// shell used to query the su binary itself.
func NewPieRoot(su, sh shell.Runner, pm pkginfo.PackageManager, opts PieRootOptions) *PieRoot {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("backend", NamePieRoot)
	return &PieRoot{
		su:    su,
		sh:    sh,
		pm:    pm,
		opts:  opts,
		log:   log,
		async: asyncRunner{runner: su, onError: opts.OnError, log: log},
	}
}

func (p *PieRoot) Name() Name { return NamePieRoot }

func (p *PieRoot) StateCodes() StateCodes { return OreoCodes }

// Wait blocks until background operations finish.
func (p *PieRoot) Wait() { p.async.wait() }

// ModuleDir is the helper module directory, with a trailing slash.
func (p *PieRoot) ModuleDir() string {
	return MagiskModulesDir + "/" + p.opts.App.Package + ".helper/"
}

// InstallDir is where overlay APKs are placed inside the module.
func (p *PieRoot) InstallDir() string {
	return p.ModuleDir() + "system/app/"
}

// InstallPrefix prefixes every installed overlay file name.
func (p *PieRoot) InstallPrefix() string {
	return p.InstallDir() + "_"
}

func (p *PieRoot) installed(ctx context.Context) installedFunc {
	return func(pkg string) bool { return p.pm.IsInstalled(ctx, pkg) }
}

// OverlayState lists every overlay the platform reports.
func (p *PieRoot) OverlayState(ctx context.Context) (map[string]int, error) {
	list, err := overlayList(ctx, p.su)
	if err != nil {
		return nil, err
	}
	return listedStates(list, OreoCodes, nil), nil
}

func (p *PieRoot) TargetsWithMultipleOverlays(ctx context.Context) ([]string, error) {
	list, err := overlayList(ctx, p.su)
	if err != nil {
		return nil, err
	}
	return listedMultipleTargets(list, p.installed(ctx)), nil
}

func (p *PieRoot) EnabledOverlaysForTarget(ctx context.Context, target string) ([]string, error) {
	list, err := overlayList(ctx, p.su)
	if err != nil {
		return nil, err
	}
	return listedEnabledForTarget(list, target, p.installed(ctx)), nil
}

// InstallOverlay copies the APKs into the module. The overlays load after
// the next reboot.
func (p *PieRoot) InstallOverlay(ctx context.Context, paths []string) error {
	var commands []string
	for _, src := range paths {
		dst := p.InstallPrefix() + path.Base(src)
		commands = append(commands,
			"cp -f "+shell.Quote(src)+" "+shell.Quote(dst),
			"chmod 644 "+shell.Quote(dst),
		)
	}
	if len(commands) > 0 {
		res, err := p.su.Exec(ctx, commands...)
		if err != nil {
			return fmt.Errorf("install overlays: %w", err)
		}
		if !res.Empty() {
			return fmt.Errorf("%w: install: %s", ErrCommand, res.Text())
		}
	}

	if p.needsRootFix() {
		if err := p.opts.RootFix.Run(ctx); err != nil {
			p.log.Warn("OneUI root fix failed", "err", err)
		}
	}
	return nil
}

func (p *PieRoot) needsRootFix() bool {
	v := p.opts.OneUIVersion
	return p.opts.Samsung && p.opts.RootFix != nil && v >= 2.0 && v < 2.5
}

func (p *PieRoot) UninstallOverlay(ctx context.Context, packages []string, restartUI bool) error {
	var commands []string
	for _, pkg := range packages {
		commands = append(commands, "rm -f "+shell.Quote(p.InstallPrefix()+pkg+".apk"))
	}
	commands = append(commands, switchCommands(packages, false)...)
	return p.exec(ctx, "uninstall", withRestart(commands, restartUI))
}

func (p *PieRoot) SwitchOverlay(ctx context.Context, packages []string, enable, restartUI bool) error {
	return p.exec(ctx, "switch", withRestart(switchCommands(packages, enable), restartUI))
}

// SetPriority raises the last package to the top and then stacks each
// earlier package directly above its successor.
func (p *PieRoot) SetPriority(ctx context.Context, packages []string, restartUI bool) error {
	if len(packages) == 0 {
		return nil
	}
	var commands []string
	for i := 0; i+1 < len(packages); i++ {
		commands = append(commands, fmt.Sprintf("%s %s %s", cmdOverlaySetPriority, packages[i], packages[i+1]))
	}
	commands = append(commands, fmt.Sprintf("%s %s highest", cmdOverlaySetPriority, packages[len(packages)-1]))
	slices.Reverse(commands)
	return p.exec(ctx, "priority", withRestart(commands, restartUI))
}

func (p *PieRoot) RestartSystemUI(ctx context.Context) error {
	p.async.submit(ctx, "restart", []string{cmdKillSystemUI})
	return nil
}

func (p *PieRoot) ApplyFonts(ctx context.Context, themePackage, name string) error { return nil }

func (p *PieRoot) RestoreFonts(ctx context.Context) error { return nil }

func (p *PieRoot) exec(ctx context.Context, op string, commands []string) error {
	if len(commands) == 0 {
		return nil
	}
	if _, err := p.su.Exec(ctx, commands...); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// probe runs a test command that echoes 0 on failure.
func (p *PieRoot) probe(ctx context.Context, test string) (bool, error) {
	res, err := p.su.Exec(ctx, test+" || echo '0'")
	if err != nil {
		return false, err
	}
	return res.Empty(), nil
}

// ModuleInstalled reports whether the helper module directory exists.
func (p *PieRoot) ModuleInstalled(ctx context.Context) (bool, error) {
	return p.probe(ctx, "test -d "+p.ModuleDir())
}

// ModuleActivated reports whether the module is installed and has no
// pending update, so its files are mounted.
func (p *PieRoot) ModuleActivated(ctx context.Context) (bool, error) {
	if ok, err := p.ModuleInstalled(ctx); err != nil || !ok {
		return false, err
	}
	pending, err := p.probe(ctx, "test -f "+p.ModuleDir()+"update")
	return !pending, err
}

// ModuleDisabled reports whether the user disabled the module in Magisk.
func (p *PieRoot) ModuleDisabled(ctx context.Context) (bool, error) {
	if ok, err := p.ModuleInstalled(ctx); err != nil || !ok {
		return false, err
	}
	return p.probe(ctx, "test -f "+p.ModuleDir()+"disable")
}

// ModuleProp renders the helper module's module.prop.
func (p *PieRoot) ModuleProp() string {
	app := p.opts.App
	lines := []string{
		"id=" + app.Package + ".helper",
		"name=" + app.Label + " Overlay Helper",
		"version=" + app.VersionName,
		"versionCode=" + strconv.FormatInt(app.VersionCode, 10),
		"author=" + app.Label,
		"description=System-less overlay system for " + app.Label,
		"minMagisk=" + strconv.Itoa(MinMagiskVersion),
	}
	return strings.Join(lines, "\n") + "\n"
}

// InstallModule creates the helper module unless it exists. It reports
// whether the module was created.
func (p *PieRoot) InstallModule(ctx context.Context) (bool, error) {
	installed, err := p.ModuleInstalled(ctx)
	if err != nil {
		return false, err
	}
	if installed {
		return false, nil
	}

	dir := p.ModuleDir()
	script := fmt.Sprintf("( set -e; mkdir -p %s; printf '%%s' %s > %s; touch %s; mkdir -p %s ) || echo 'module install failed'",
		shell.Quote(dir),
		shell.Quote(p.ModuleProp()),
		shell.Quote(dir+"module.prop"),
		shell.Quote(dir+"auto_mount"),
		shell.Quote(p.InstallDir()),
	)
	res, err := p.su.Exec(ctx, script)
	if err != nil {
		return false, fmt.Errorf("install module: %w", err)
	}
	if !res.Empty() {
		return false, fmt.Errorf("%w: install module: %s", ErrCommand, res.Text())
	}
	p.log.Info("installed helper module", "dir", dir)
	return true, nil
}

// CheckMagisk reports whether su is Magisk at MinMagiskVersion or newer.
func (p *PieRoot) CheckMagisk(ctx context.Context) (bool, error) {
	res, err := p.sh.Exec(ctx, "su -v")
	if err != nil {
		return false, fmt.Errorf("su -v: %w", err)
	}
	if !strings.Contains(strings.ToLower(strings.Join(res.Output, ",")), "magisk") {
		return false, nil
	}
	version, err := p.magiskVersion(ctx)
	if err != nil {
		return false, err
	}
	return version >= MinMagiskVersion, nil
}

func (p *PieRoot) magiskVersion(ctx context.Context) (int, error) {
	res, err := p.sh.Exec(ctx, "su -V")
	if err != nil {
		return -1, fmt.Errorf("su -V: %w", err)
	}
	if len(res.Output) != 1 {
		return -1, nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(res.Output[0]))
	if err != nil {
		return -1, nil
	}
	return v, nil
}

func (p *PieRoot) samsungExposure(ctx context.Context) (string, error) {
	res, err := p.su.Exec(ctx, "settings get system "+samsungExposureKey)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", samsungExposureKey, err)
	}
	return strings.TrimSpace(res.Text()), nil
}

// SamsungExposureSwitchable reports whether OneUI's theme exposure setting
// is unset or owned by overlays.
func (p *PieRoot) SamsungExposureSwitchable(ctx context.Context) (bool, error) {
	v, err := p.samsungExposure(ctx)
	if err != nil {
		return false, err
	}
	return v == samsungExposureValue || v == "null" || v == "", nil
}

// SamsungExposureEnabled reports whether OneUI exposes the overlays as the
// active theme.
func (p *PieRoot) SamsungExposureEnabled(ctx context.Context) (bool, error) {
	v, err := p.samsungExposure(ctx)
	return v == samsungExposureValue, err
}

// SetSamsungExposure sets or clears the exposure setting.
func (p *PieRoot) SetSamsungExposure(ctx context.Context, enabled bool) error {
	command := "settings delete system " + samsungExposureKey
	if enabled {
		command = "settings put system " + samsungExposureKey + " " + samsungExposureValue
	}
	return p.exec(ctx, "samsung exposure", []string{command})
}
