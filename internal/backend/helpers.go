package backend

import (
	"context"
	"errors"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/danieljhkim/themekit/internal/manifest"
	"github.com/danieljhkim/themekit/internal/pkginfo"
)

// SystemUIPackage prefixes every overlay whose change needs a SystemUI
// restart to show.
const SystemUIPackage = "com.android.systemui"

// ShouldRestartSystemUI reports whether changing packages needs a SystemUI
// restart. The Substratum service restarts SystemUI on its own.
func ShouldRestartSystemUI(b Backend, packages []string) bool {
	if b.Name() == NameSubstratumService {
		return false
	}
	return slices.ContainsFunc(packages, func(p string) bool {
		return strings.HasPrefix(p, SystemUIPackage)
	})
}

// SwitchOne enables or disables a single overlay.
func SwitchOne(ctx context.Context, b Backend, pkg string, enable bool) error {
	return Switch(ctx, b, []string{pkg}, enable)
}

// Switch enables or disables overlays, restarting SystemUI when needed.
func Switch(ctx context.Context, b Backend, packages []string, enable bool) error {
	return b.SwitchOverlay(ctx, packages, enable, ShouldRestartSystemUI(b, packages))
}

// Prioritize orders packages from lowest to highest priority.
func Prioritize(ctx context.Context, b Backend, packages []string) error {
	return b.SetPriority(ctx, packages, ShouldRestartSystemUI(b, packages))
}

// Uninstall removes overlays.
func Uninstall(ctx context.Context, b Backend, packages []string) error {
	return b.UninstallOverlay(ctx, packages, ShouldRestartSystemUI(b, packages))
}

// IsOverlayNewest reports whether the installed overlay name carries the
// install timestamp ts. Missing packages and unreadable timestamps are
// reported as not newest.
func IsOverlayNewest(ctx context.Context, b Backend, pm pkginfo.PackageManager, name string, ts int64) (bool, error) {
	switch b.Name() {
	case NameSynergy:
		// Synergy installs are opaque; assume it holds what was handed over.
		return true, nil
	case NameSubstratumService:
		states, err := b.OverlayState(ctx)
		if err != nil {
			return false, err
		}
		if _, ok := states[name]; !ok {
			return false, nil
		}
	}

	info, err := pm.OverlayInfo(ctx, name)
	if errors.Is(err, pkginfo.ErrNotInstalled) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	value, ok := info.MetaData[manifest.MetadataInstallTimestamp]
	if !ok {
		return false, nil
	}
	return timestampMatches(value, ts), nil
}

// timestampMatches compares a decoded meta-data value with ts. An integer
// value must match exactly. aapt stores some large values as floats, and
// only those are compared at float32 precision.
func timestampMatches(value string, ts int64) bool {
	value = strings.TrimSpace(value)
	if v, err := strconv.ParseInt(value, 10, 64); err == nil {
		return v == ts
	}
	if !strings.ContainsAny(value, ".eE") {
		return false
	}
	f, err := strconv.ParseFloat(value, 32)
	if err != nil || math.IsNaN(f) {
		return false
	}
	return float32(f) == float32(ts)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
