package backend

import (
	"context"
	"errors"
	"testing"

	"github.com/danieljhkim/themekit/internal/manifest"
	"github.com/danieljhkim/themekit/internal/pkginfo"
	"github.com/danieljhkim/themekit/internal/shell"
)

func TestShouldRestartSystemUI(t *testing.T) {
	root := NewRoot(shell.NewFakeRunner(), newPM(), RootOptions{})
	sub := NewSubstratum(&fakeBridge{}, 28, nil)

	tests := []struct {
		name     string
		backend  Backend
		packages []string
		want     bool
	}{
		{"systemui overlay", root, []string{"android.a", "com.android.systemui.theme"}, true},
		{"no systemui", root, []string{"android.a", "com.android.settings.x"}, false},
		{"empty", root, nil, false},
		{"substratum restarts itself", sub, []string{"com.android.systemui.theme"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldRestartSystemUI(tt.backend, tt.packages); got != tt.want {
				t.Errorf("ShouldRestartSystemUI() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSwitch_AddsRestart(t *testing.T) {
	su := shell.NewFakeRunner()
	r := NewRoot(su, newPM(), RootOptions{})
	ctx := context.Background()

	_ = SwitchOne(ctx, r, "com.android.systemui.navbar", true)
	r.Wait()
	_ = Uninstall(ctx, r, []string{"android.accent"})
	r.Wait()
	_ = Prioritize(ctx, r, []string{"com.android.systemui.a", "com.android.systemui.b"})
	r.Wait()

	batches := su.Batches()
	if len(batches) != 3 {
		t.Fatalf("got %d batches", len(batches))
	}
	last := func(b []string) string { return b[len(b)-1] }
	if last(batches[0]) != cmdKillSystemUI {
		t.Errorf("switch batch = %q, want restart", batches[0])
	}
	if last(batches[1]) == cmdKillSystemUI {
		t.Errorf("uninstall batch = %q, want no restart", batches[1])
	}
	if last(batches[2]) != cmdKillSystemUI {
		t.Errorf("priority batch = %q, want restart", batches[2])
	}
}

func TestTimestampMatches(t *testing.T) {
	tests := []struct {
		value string
		ts    int64
		want  bool
	}{
		{"1600000000000", 1600000000000, true},
		{"1.6E12", 1600000000000, true},
		{"1.6000000E12", 1600000000123, true},
		{"1599999999999", 1600000000000, false},
		{"1700000000000", 1700000000001, false},
		{"1700000000000", 1700000060000, false},
		{"99999999999999999999", 1, false},
		{"1500000000000", 1600000000000, false},
		{"", 1, false},
		{"not-a-number", 1, false},
		{"42", 42, true},
		{"43", 42, false},
	}
	for _, tt := range tests {
		if got := timestampMatches(tt.value, tt.ts); got != tt.want {
			t.Errorf("timestampMatches(%q, %d) = %v, want %v", tt.value, tt.ts, got, tt.want)
		}
	}
}

type failingPM struct {
	*pkginfo.FakePackageManager
	err error
}

func (f *failingPM) OverlayInfo(ctx context.Context, pkg string) (*pkginfo.OverlayPackageInfo, error) {
	return nil, f.err
}

func TestIsOverlayNewest(t *testing.T) {
	const ts = int64(1700000000000)
	pm := pkginfo.NewFakePackageManager()
	pm.Add(&pkginfo.OverlayPackageInfo{Name: "fresh", MetaData: map[string]string{
		manifest.MetadataInstallTimestamp: "1700000000000",
	}})
	pm.Add(&pkginfo.OverlayPackageInfo{Name: "stale", MetaData: map[string]string{
		manifest.MetadataInstallTimestamp: "1600000000000",
	}})
	pm.Add(&pkginfo.OverlayPackageInfo{Name: "minute-old", MetaData: map[string]string{
		manifest.MetadataInstallTimestamp: "1699999940000",
	}})
	pm.Add(&pkginfo.OverlayPackageInfo{Name: "unstamped", MetaData: map[string]string{}})

	root := NewRoot(shell.NewFakeRunner(), pm, RootOptions{})
	synergy := NewSynergy(shell.NewFakeRunner(), "com.example.theme")
	sub := NewSubstratum(&fakeBridge{overlays: map[string][]OverlayInfo{
		"android": {{Package: "stale", Enabled: true}},
	}}, 28, nil)

	tests := []struct {
		name    string
		backend Backend
		pkg     string
		want    bool
	}{
		{"matching timestamp", root, "fresh", true},
		{"older build", root, "stale", false},
		{"built a minute earlier", root, "minute-old", false},
		{"no timestamp", root, "unstamped", false},
		{"not installed", root, "missing", false},
		{"synergy always newest", synergy, "missing", true},
		{"substratum does not know it", sub, "fresh", false},
		{"substratum knows it but stale", sub, "stale", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := IsOverlayNewest(context.Background(), tt.backend, pm, tt.pkg, ts)
			if err != nil {
				t.Fatalf("IsOverlayNewest() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("IsOverlayNewest() = %v, want %v", got, tt.want)
			}
		})
	}

	broken := &failingPM{FakePackageManager: pm, err: errors.New("corrupt apk")}
	if _, err := IsOverlayNewest(context.Background(), root, broken, "fresh", ts); err == nil {
		t.Error("expected read failure to be returned")
	}
}
