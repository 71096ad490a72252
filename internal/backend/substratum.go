package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os"
)

// SubstratumBridge is the Substratum system service surface.
type SubstratumBridge interface {
	AllOverlays(ctx context.Context, userID int) (map[string][]OverlayInfo, error)
	InstallOverlay(ctx context.Context, paths []string) error
	UninstallOverlay(ctx context.Context, packages []string, restartUI bool) error
	SwitchOverlay(ctx context.Context, packages []string, enable, restartUI bool) error
	SetPriority(ctx context.Context, packages []string, restartUI bool) error
	RestartSystemUI(ctx context.Context) error

	// ApplyFonts with empty arguments restores the system fonts.
	ApplyFonts(ctx context.Context, themePackage, name string) error
}

// Substratum delegates to the Substratum service. Bridge failures are
// logged and returned wrapped in ErrSubstratum.
type Substratum struct {
	bridge SubstratumBridge
	codes  StateCodes
	userID int
	log    *slog.Logger
}

// NewSubstratum creates a Substratum backend for the current user.
func NewSubstratum(bridge SubstratumBridge, apiLevel int, log *slog.Logger) *Substratum {
	if log == nil {
		log = slog.Default()
	}
	return &Substratum{
		bridge: bridge,
		codes:  PlatformCodes(apiLevel),
		userID: os.Getuid() / 100000,
		log:    log.With("backend", NameSubstratumService),
	}
}

func (s *Substratum) Name() Name { return NameSubstratumService }

func (s *Substratum) StateCodes() StateCodes { return s.codes }

func (s *Substratum) fail(op string, err error) error {
	if err == nil {
		return nil
	}
	s.log.Error("substratum service call failed", "op", op, "err", err)
	return fmt.Errorf("%w: %s: %v", ErrSubstratum, op, err)
}

func (s *Substratum) all(ctx context.Context) (map[string][]OverlayInfo, error) {
	all, err := s.bridge.AllOverlays(ctx, s.userID)
	return all, s.fail("all overlays", err)
}

func (s *Substratum) OverlayState(ctx context.Context) (map[string]int, error) {
	all, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int)
	for _, overlays := range all {
		for _, o := range overlays {
			switch {
			case o.State == s.codes.Misc:
				out[o.Package] = s.codes.Misc
			case o.Enabled:
				out[o.Package] = s.codes.Enabled
			default:
				out[o.Package] = s.codes.Disabled
			}
		}
	}
	return out, nil
}

func (s *Substratum) TargetsWithMultipleOverlays(ctx context.Context) ([]string, error) {
	all, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	return multipleTargets(all, func(o OverlayInfo) bool { return o.Enabled }), nil
}

func (s *Substratum) EnabledOverlaysForTarget(ctx context.Context, target string) ([]string, error) {
	all, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	out := []string{}
	for _, o := range all[target] {
		if o.Enabled {
			out = append(out, o.Package)
		}
	}
	return out, nil
}

func (s *Substratum) InstallOverlay(ctx context.Context, paths []string) error {
	return s.fail("install", s.bridge.InstallOverlay(ctx, paths))
}

func (s *Substratum) UninstallOverlay(ctx context.Context, packages []string, restartUI bool) error {
	return s.fail("uninstall", s.bridge.UninstallOverlay(ctx, packages, restartUI))
}

func (s *Substratum) SwitchOverlay(ctx context.Context, packages []string, enable, restartUI bool) error {
	return s.fail("switch", s.bridge.SwitchOverlay(ctx, packages, enable, restartUI))
}

func (s *Substratum) SetPriority(ctx context.Context, packages []string, restartUI bool) error {
	return s.fail("priority", s.bridge.SetPriority(ctx, packages, restartUI))
}

func (s *Substratum) RestartSystemUI(ctx context.Context) error {
	return s.fail("restart", s.bridge.RestartSystemUI(ctx))
}

func (s *Substratum) ApplyFonts(ctx context.Context, themePackage, name string) error {
	return s.fail("apply fonts", s.bridge.ApplyFonts(ctx, themePackage, name))
}

func (s *Substratum) RestoreFonts(ctx context.Context) error {
	return s.fail("restore fonts", s.bridge.ApplyFonts(ctx, "", ""))
}
