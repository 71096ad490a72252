// Package buildtools locates the aapt, aapt2 and zipalign binaries shipped
// with the theme app and makes them runnable from the tools directory.
//
// Two acquisition modes exist. Extract copies per-architecture binaries out of
// a bundle directory and validates them against published MD5 sums, replacing
// stale or corrupt copies. Symlink points the tools directory at copies that
// the package installer already unpacked into the native library directory
// (libaapt.so, libaapt2.so, libzipalign.so).
package buildtools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/danieljhkim/themekit/internal/fsops"
	"github.com/danieljhkim/themekit/internal/hash"
	"github.com/danieljhkim/themekit/internal/shell"
)

var (
	// ErrUnsupportedABI indicates the device architecture has no bundled tools.
	ErrUnsupportedABI = errors.New("unsupported ABI")

	// ErrChecksumMismatch indicates an extracted tool still fails its checksum.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrExtract indicates a tool could not be copied or linked into place.
	ErrExtract = errors.New("tool extraction failed")
)

// Mode selects how tools are made available.
type Mode string

const (
	ModeExtract Mode = "extract"
	ModeSymlink Mode = "symlink"
)

// Arch is a supported tool architecture.
type Arch string

const (
	ArchARM   Arch = "arm"
	ArchARM64 Arch = "arm64"
)

// Tool names.
const (
	Aapt     = "aapt"
	Aapt2    = "aapt2"
	Zipalign = "zipalign"
)

// DefaultChecksums are the published MD5 sums of the bundled binaries.
// aapt2 was never published with one and is not checksummed by default.
var DefaultChecksums = map[Arch]map[string]string{
	ArchARM64: {
		Aapt:     "C3928C2C3BFA403EA44BE8ED053E715B",
		Zipalign: "E9D702460C70F65692ED3A2F2D4A9E7C",
	},
	ArchARM: {
		Aapt:     "E310A29F1D2709F2A2C880464A1D4198",
		Zipalign: "7FB621179486A620B7B2EE3713DDCADC",
	},
}

// Tools holds resolved tool paths.
type Tools struct {
	Aapt     string
	Aapt2    string
	Zipalign string
}

// ABIProber reports the ABIs supported by the device, most preferred first.
type ABIProber interface {
	SupportedABIs(ctx context.Context) ([]string, error)
}

// Options configures a Setup.
type Options struct {
	Mode         Mode
	BinDir       string
	BundleDir    string
	NativeLibDir string

	// ARM and ARM64 declare which architectures the app ships tools for.
	ARM   bool
	ARM64 bool

	// Checksums overrides DefaultChecksums.
	Checksums map[Arch]map[string]string
}

// Setup resolves and installs the build tools.
type Setup struct {
	opts   Options
	fs     fsops.FS
	hasher hash.Hasher
	abis   ABIProber
	log    *slog.Logger
}

// New creates a Setup.
func New(opts Options, fs fsops.FS, hasher hash.Hasher, abis ABIProber, log *slog.Logger) *Setup {
	if log == nil {
		log = slog.Default()
	}
	if opts.Checksums == nil {
		opts.Checksums = DefaultChecksums
	}
	return &Setup{opts: opts, fs: fs, hasher: hasher, abis: abis, log: log}
}

// Tools returns the tool paths inside the tools directory. They are only
// usable after Run succeeded.
func (s *Setup) Tools() Tools {
	return Tools{
		Aapt:     filepath.Join(s.opts.BinDir, Aapt),
		Aapt2:    filepath.Join(s.opts.BinDir, Aapt2),
		Zipalign: filepath.Join(s.opts.BinDir, Zipalign),
	}
}

// Run installs the tools. It returns false, with the cause, when the tools
// must not be used.
func (s *Setup) Run(ctx context.Context) (bool, error) {
	if err := s.fs.MkdirAll(s.opts.BinDir, 0755); err != nil {
		return false, fmt.Errorf("%w: create tools directory: %v", ErrExtract, err)
	}

	arch, err := s.resolveArch(ctx)
	if err != nil {
		return false, err
	}
	s.log.Debug("resolved tool architecture", "arch", arch, "mode", s.opts.Mode)

	switch s.opts.Mode {
	case ModeSymlink:
		err = s.link()
	case ModeExtract, "":
		err = s.extract(arch)
	default:
		err = fmt.Errorf("unknown tools mode %q", s.opts.Mode)
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// resolveArch maps the device ABI list to a bundled architecture.
func (s *Setup) resolveArch(ctx context.Context) (Arch, error) {
	abis, err := s.abis.SupportedABIs(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to probe ABIs: %w", err)
	}
	if slices.Contains(abis, "x86") || slices.Contains(abis, "x86_64") {
		return "", fmt.Errorf("%w: x86", ErrUnsupportedABI)
	}
	has64 := slices.ContainsFunc(abis, func(abi string) bool {
		return strings.HasPrefix(abi, "arm64")
	})
	switch {
	case has64 && s.opts.ARM64:
		return ArchARM64, nil
	case has64:
		return "", fmt.Errorf("%w: arm64 tools not bundled", ErrUnsupportedABI)
	case s.opts.ARM && slices.ContainsFunc(abis, func(abi string) bool { return strings.HasPrefix(abi, "armeabi") }):
		return ArchARM, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedABI, strings.Join(abis, ","))
	}
}

func (s *Setup) extract(arch Arch) error {
	sums := s.opts.Checksums[arch]
	for _, tool := range []string{Aapt, Aapt2, Zipalign} {
		src := filepath.Join(s.opts.BundleDir, fmt.Sprintf("%s_%s", tool, arch))
		dst := filepath.Join(s.opts.BinDir, tool)
		sum, checked := sums[tool]

		if tool == Aapt2 && !s.fs.IsFile(src) {
			// Legacy bundles ship aapt and zipalign only.
			continue
		}

		if s.fs.IsFile(dst) && (!checked || hash.Matches(s.hasher, dst, sum)) {
			continue
		}

		_ = s.fs.Remove(dst)
		if err := s.fs.Copy(src, dst); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrExtract, tool, err)
		}
		if err := s.fs.Chmod(dst, 0755); err != nil {
			return fmt.Errorf("%w: chmod %s: %v", ErrExtract, tool, err)
		}
		if checked && !hash.Matches(s.hasher, dst, sum) {
			return fmt.Errorf("%w: %s", ErrChecksumMismatch, tool)
		}
		s.log.Info("extracted build tool", "tool", tool, "arch", arch)
	}
	return nil
}

func (s *Setup) link() error {
	for _, tool := range []string{Aapt, Aapt2, Zipalign} {
		target := filepath.Join(s.opts.NativeLibDir, "lib"+tool+".so")
		dst := filepath.Join(s.opts.BinDir, tool)

		if current, err := s.fs.Readlink(dst); err == nil && current == target {
			continue
		}
		if !s.fs.IsFile(target) {
			return fmt.Errorf("%w: %s missing from %s", ErrExtract, filepath.Base(target), s.opts.NativeLibDir)
		}
		if exists, _ := s.fs.Exists(dst); exists {
			if err := s.fs.Remove(dst); err != nil {
				return fmt.Errorf("%w: remove stale %s: %v", ErrExtract, tool, err)
			}
		}
		if err := s.fs.Symlink(target, dst); err != nil {
			return fmt.Errorf("%w: link %s: %v", ErrExtract, tool, err)
		}
		s.log.Info("linked build tool", "tool", tool, "target", target)
	}
	return nil
}

// PropABIProber reads ro.product.cpu.abilist through a shell.
type PropABIProber struct {
	Runner shell.Runner
}

// SupportedABIs returns the device ABI list, falling back to the host
// architecture when the property is unavailable.
func (p *PropABIProber) SupportedABIs(ctx context.Context) ([]string, error) {
	if p.Runner != nil {
		res, err := p.Runner.Exec(ctx, "getprop ro.product.cpu.abilist")
		if err != nil {
			return nil, err
		}
		if line := strings.TrimSpace(res.Text()); line != "" {
			return strings.Split(line, ","), nil
		}
	}
	return hostABIs(runtime.GOARCH), nil
}

func hostABIs(goarch string) []string {
	switch goarch {
	case "arm64":
		return []string{"arm64-v8a", "armeabi-v7a", "armeabi"}
	case "arm":
		return []string{"armeabi-v7a", "armeabi"}
	case "amd64":
		return []string{"x86_64", "x86"}
	case "386":
		return []string{"x86"}
	default:
		return []string{goarch}
	}
}

// StaticABIs is an ABIProber with a fixed answer.
type StaticABIs []string

func (a StaticABIs) SupportedABIs(context.Context) ([]string, error) {
	return a, nil
}
