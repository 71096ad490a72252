// Package backend drives overlay operations through one of several
// privileged channels.
//
// Every Backend exposes the same capability set: install, uninstall, enable
// or disable, reorder, query state, restart SystemUI and swap fonts. How a
// backend carries an operation out, and whether it waits for the result, is
// private to it:
//
//	Root              root shell, `cmd overlay` and pm; pre-P
//	PieRoot           root shell plus a Magisk module that holds the APKs; P+
//	Andromeda         vendor IPC client; pre-P
//	AndromedaSamsung  Andromeda with SystemUI restarts through the plain shell
//	SubstratumService system service bridge
//	Synergy           hands APKs to a companion app and does nothing else
//
// Root runs install, uninstall, switch, priority and restart in the
// background; PieRoot only backgrounds restart. Background failures are
// reported to the AsyncErrorHandler. Every other operation returns once it
// has completed.
package backend

import (
	"context"
	"errors"
)

var (
	// ErrCommand indicates a shell command that reports nothing on success
	// printed diagnostics.
	ErrCommand = errors.New("privileged command failed")

	// ErrSubstratum wraps failures of the Substratum service bridge.
	ErrSubstratum = errors.New("substratum service call failed")

	// ErrAndromeda wraps failures of the Andromeda client.
	ErrAndromeda = errors.New("andromeda call failed")
)

// Name identifies a backend.
type Name string

const (
	NameRoot              Name = "root"
	NamePieRoot           Name = "pie_root"
	NameAndromeda         Name = "andromeda"
	NameAndromedaSamsung  Name = "andromeda_samsung"
	NameSubstratumService Name = "substratum_service"
	NameSynergy           Name = "synergy"
)

// OverlayState is the decoded state of an installed overlay.
type OverlayState int

const (
	StateMissingTarget OverlayState = iota
	StateDisabled
	StateEnabled
)

func (s OverlayState) String() string {
	switch s {
	case StateMissingTarget:
		return "missing-target"
	case StateDisabled:
		return "disabled"
	case StateEnabled:
		return "enabled"
	default:
		return "unknown"
	}
}

// StateCodes are the numeric state values a backend reports.
type StateCodes struct {
	Misc     int
	Disabled int
	Enabled  int
}

var (
	// LegacyCodes are the platform overlay codes before Oreo.
	LegacyCodes = StateCodes{Misc: 1, Disabled: 4, Enabled: 5}

	// OreoCodes are the platform overlay codes from Oreo on.
	OreoCodes = StateCodes{Misc: 0, Disabled: 2, Enabled: 3}

	// ClientCodes are used by the Andromeda and Synergy backends, whose misc
	// state is "unknown".
	ClientCodes = StateCodes{Misc: -1, Disabled: 2, Enabled: 3}
)

// API levels that change backend behavior.
const (
	APIOreo = 26
	APIPie  = 28
)

// PlatformCodes returns the platform codes for an API level.
func PlatformCodes(apiLevel int) StateCodes {
	if apiLevel >= APIOreo {
		return OreoCodes
	}
	return LegacyCodes
}

// Code returns the numeric value of s.
func (c StateCodes) Code(s OverlayState) int {
	switch s {
	case StateEnabled:
		return c.Enabled
	case StateDisabled:
		return c.Disabled
	default:
		return c.Misc
	}
}

// Decode maps a numeric value back to a state.
func (c StateCodes) Decode(code int) (OverlayState, bool) {
	switch code {
	case c.Enabled:
		return StateEnabled, true
	case c.Disabled:
		return StateDisabled, true
	case c.Misc:
		return StateMissingTarget, true
	default:
		return 0, false
	}
}

// Backend performs overlay operations.
type Backend interface {
	Name() Name

	// OverlayState maps installed overlay packages to their state code.
	OverlayState(ctx context.Context) (map[string]int, error)

	// TargetsWithMultipleOverlays lists targets overlaid by more than one
	// enabled, installed overlay.
	TargetsWithMultipleOverlays(ctx context.Context) ([]string, error)

	StateCodes() StateCodes

	InstallOverlay(ctx context.Context, paths []string) error
	UninstallOverlay(ctx context.Context, packages []string, restartUI bool) error
	SwitchOverlay(ctx context.Context, packages []string, enable, restartUI bool) error

	// SetPriority orders packages from lowest to highest priority.
	SetPriority(ctx context.Context, packages []string, restartUI bool) error

	EnabledOverlaysForTarget(ctx context.Context, target string) ([]string, error)
	RestartSystemUI(ctx context.Context) error
	ApplyFonts(ctx context.Context, themePackage, name string) error
	RestoreFonts(ctx context.Context) error
}

// AsyncErrorHandler receives failures of operations run in the background.
type AsyncErrorHandler func(op string, err error)

// Waiter is implemented by backends that run operations in the background.
type Waiter interface {
	// Wait blocks until every background operation has finished.
	Wait()
}

// Drain waits for b's background operations, if it has any.
func Drain(b Backend) {
	if w, ok := b.(Waiter); ok {
		w.Wait()
	}
}
