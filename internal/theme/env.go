package theme

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/danieljhkim/themekit/internal/backend"
	"github.com/danieljhkim/themekit/internal/pkginfo"
	"github.com/danieljhkim/themekit/internal/shell"
)

// Environment describes the device as far as backend selection cares.
type Environment struct {
	APILevel     int
	Samsung      bool
	OneUIVersion float64

	// Rooted reports an executable su on PATH.
	Rooted           bool
	SynergyInstalled bool
}

// AtLeastPie reports whether the device runs Android P or later.
func (e Environment) AtLeastPie() bool {
	return e.APILevel >= backend.APIPie
}

// Probe reads the environment through a plain shell.
func Probe(ctx context.Context, sh shell.Runner, pm pkginfo.PackageManager) (Environment, error) {
	props, err := getprops(ctx, sh, "ro.build.version.sdk", "ro.product.manufacturer", "ro.build.version.oneui")
	if err != nil {
		return Environment{}, err
	}
	env := Environment{
		Samsung:      strings.EqualFold(props[1], "samsung"),
		OneUIVersion: ParseOneUIVersion(props[2]),
		Rooted:       SuOnPath(os.Getenv("PATH")),
	}
	if env.APILevel, err = strconv.Atoi(props[0]); err != nil {
		return Environment{}, fmt.Errorf("parse ro.build.version.sdk %q: %w", props[0], err)
	}
	if pm != nil {
		env.SynergyInstalled = pm.IsInstalled(ctx, backend.SynergyPackage)
	}
	return env, nil
}

// getprops reads each property on its own line; unset properties are "".
func getprops(ctx context.Context, sh shell.Runner, names ...string) ([]string, error) {
	commands := make([]string, len(names))
	for i, n := range names {
		commands[i] = "echo \"$(getprop " + n + ")\""
	}
	res, err := sh.Exec(ctx, commands...)
	if err != nil {
		return nil, fmt.Errorf("read device properties: %w", err)
	}
	if len(res.Output) != len(names) {
		return nil, fmt.Errorf("read device properties: got %d lines for %d properties", len(res.Output), len(names))
	}
	out := make([]string, len(names))
	for i, line := range res.Output {
		out[i] = strings.TrimSpace(line)
	}
	return out, nil
}

// ParseOneUIVersion turns ro.build.version.oneui (e.g. 20100) into 2.1. It
// returns 0 when the property is absent.
func ParseOneUIVersion(prop string) float64 {
	v, err := strconv.Atoi(strings.TrimSpace(prop))
	if err != nil || v <= 0 {
		return 0
	}
	major := v / 10000
	minor := (v % 10000) / 100
	return float64(major) + float64(minor)/10
}

// SuOnPath reports whether any directory in path holds an executable su.
func SuOnPath(path string) bool {
	for _, dir := range filepath.SplitList(path) {
		if dir == "" {
			continue
		}
		info, err := os.Stat(filepath.Join(dir, "su"))
		if err == nil && info.Mode().IsRegular() && info.Mode().Perm()&0111 != 0 {
			return true
		}
	}
	return false
}
