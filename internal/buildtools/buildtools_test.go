package buildtools

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/danieljhkim/themekit/internal/fsops"
	"github.com/danieljhkim/themekit/internal/hash"
)

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

type fixture struct {
	bin, bundle, native string
}

func newFixture(t *testing.T, bundle map[string]string) fixture {
	t.Helper()
	root := t.TempDir()
	f := fixture{
		bin:    filepath.Join(root, "bin"),
		bundle: filepath.Join(root, "bundle"),
		native: filepath.Join(root, "lib"),
	}
	for _, dir := range []string{f.bundle, f.native} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
	}
	for name, content := range bundle {
		if err := os.WriteFile(filepath.Join(f.bundle, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return f
}

func newSetup(f fixture, mode Mode, abis []string, sums map[Arch]map[string]string) *Setup {
	return New(Options{
		Mode:         mode,
		BinDir:       f.bin,
		BundleDir:    f.bundle,
		NativeLibDir: f.native,
		ARM:          true,
		ARM64:        true,
		Checksums:    sums,
	}, fsops.NewRealFS(), hash.NewMD5Hasher(), StaticABIs(abis), nil)
}

func TestSetup_UnsupportedABI(t *testing.T) {
	tests := []struct {
		name  string
		abis  []string
		arm64 bool
	}{
		{"x86 device", []string{"x86", "armeabi-v7a"}, true},
		{"x86_64 device", []string{"x86_64"}, true},
		{"arm64 device without arm64 tools", []string{"arm64-v8a", "armeabi-v7a"}, false},
		{"unknown abi", []string{"riscv64"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			s := newSetup(f, ModeExtract, tt.abis, nil)
			s.opts.ARM64 = tt.arm64

			ok, err := s.Run(context.Background())
			if ok {
				t.Fatal("Run() should fail")
			}
			if !errors.Is(err, ErrUnsupportedABI) {
				t.Errorf("expected ErrUnsupportedABI, got %v", err)
			}
		})
	}
}

func TestSetup_Extract(t *testing.T) {
	f := newFixture(t, map[string]string{
		"aapt_arm64":     "aapt-binary",
		"zipalign_arm64": "zipalign-binary",
		"aapt_arm":       "aapt32",
		"zipalign_arm":   "zipalign32",
	})
	sums := map[Arch]map[string]string{
		ArchARM64: {Aapt: md5hex("aapt-binary"), Zipalign: md5hex("zipalign-binary")},
		ArchARM:   {Aapt: md5hex("aapt32"), Zipalign: md5hex("zipalign32")},
	}
	s := newSetup(f, ModeExtract, []string{"arm64-v8a", "armeabi-v7a"}, sums)

	ok, err := s.Run(context.Background())
	if !ok || err != nil {
		t.Fatalf("Run() = %v, %v", ok, err)
	}

	tools := s.Tools()
	for path, want := range map[string]string{tools.Aapt: "aapt-binary", tools.Zipalign: "zipalign-binary"} {
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		if string(data) != want {
			t.Errorf("%s = %q, want %q", path, data, want)
		}
		info, _ := os.Stat(path)
		if info.Mode().Perm()&0100 == 0 {
			t.Errorf("%s is not executable", path)
		}
	}
	if _, err := os.Stat(tools.Aapt2); !os.IsNotExist(err) {
		t.Error("aapt2 should not be extracted from a legacy bundle")
	}
}

func TestSetup_ExtractReplacesStaleTool(t *testing.T) {
	f := newFixture(t, map[string]string{
		"aapt_arm":     "fresh",
		"zipalign_arm": "zip",
	})
	if err := os.MkdirAll(f.bin, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(f.bin, Aapt), []byte("stale"), 0755); err != nil {
		t.Fatal(err)
	}
	sums := map[Arch]map[string]string{
		ArchARM: {Aapt: md5hex("fresh"), Zipalign: md5hex("zip")},
	}
	s := newSetup(f, ModeExtract, []string{"armeabi-v7a", "armeabi"}, sums)

	if ok, err := s.Run(context.Background()); !ok {
		t.Fatalf("Run() failed: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(f.bin, Aapt))
	if string(data) != "fresh" {
		t.Errorf("aapt = %q, want fresh copy", data)
	}
}

func TestSetup_ExtractChecksumMismatch(t *testing.T) {
	f := newFixture(t, map[string]string{
		"aapt_arm64":     "corrupt",
		"zipalign_arm64": "zip",
	})
	sums := map[Arch]map[string]string{
		ArchARM64: {Aapt: md5hex("expected"), Zipalign: md5hex("zip")},
	}
	s := newSetup(f, ModeExtract, []string{"arm64-v8a"}, sums)

	ok, err := s.Run(context.Background())
	if ok {
		t.Fatal("Run() should fail")
	}
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("expected ErrChecksumMismatch, got %v", err)
	}
}

func TestSetup_ExtractMissingBundle(t *testing.T) {
	f := newFixture(t, nil)
	s := newSetup(f, ModeExtract, []string{"arm64-v8a"}, nil)

	ok, err := s.Run(context.Background())
	if ok || !errors.Is(err, ErrExtract) {
		t.Errorf("Run() = %v, %v; want ErrExtract", ok, err)
	}
}

func TestSetup_Symlink(t *testing.T) {
	f := newFixture(t, nil)
	for _, tool := range []string{Aapt, Aapt2, Zipalign} {
		if err := os.WriteFile(filepath.Join(f.native, "lib"+tool+".so"), []byte(tool), 0755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.MkdirAll(f.bin, 0755); err != nil {
		t.Fatal(err)
	}
	// A stale regular file must be replaced by the link.
	if err := os.WriteFile(filepath.Join(f.bin, Aapt2), []byte("old"), 0755); err != nil {
		t.Fatal(err)
	}

	s := newSetup(f, ModeSymlink, []string{"arm64-v8a"}, nil)
	if ok, err := s.Run(context.Background()); !ok {
		t.Fatalf("Run() failed: %v", err)
	}

	for _, tool := range []string{Aapt, Aapt2, Zipalign} {
		target, err := os.Readlink(filepath.Join(f.bin, tool))
		if err != nil {
			t.Fatalf("%s is not a symlink: %v", tool, err)
		}
		if target != filepath.Join(f.native, "lib"+tool+".so") {
			t.Errorf("%s -> %s", tool, target)
		}
	}

	// Running again is a no-op.
	if ok, err := s.Run(context.Background()); !ok {
		t.Fatalf("second Run() failed: %v", err)
	}
}

func TestSetup_SymlinkMissingLibrary(t *testing.T) {
	f := newFixture(t, nil)
	s := newSetup(f, ModeSymlink, []string{"arm64-v8a"}, nil)

	if ok, err := s.Run(context.Background()); ok || !errors.Is(err, ErrExtract) {
		t.Errorf("Run() = %v, %v; want ErrExtract", ok, err)
	}
}

func TestHostABIs(t *testing.T) {
	if got := hostABIs("arm64"); got[0] != "arm64-v8a" {
		t.Errorf("hostABIs(arm64) = %v", got)
	}
	if got := hostABIs("amd64"); got[0] != "x86_64" {
		t.Errorf("hostABIs(amd64) = %v", got)
	}
}
