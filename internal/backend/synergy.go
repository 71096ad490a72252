package backend

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/danieljhkim/themekit/internal/shell"
)

// SynergyPackage is the companion app that installs overlays on unrooted
// Samsung devices.
const SynergyPackage = "projekt.samsung.theme.compiler"

const (
	actionSend         = "android.intent.action.SEND"
	actionSendMultiple = "android.intent.action.SEND_MULTIPLE"
	extraStream        = "android.intent.extra.STREAM"
	apkMimeType        = "application/vnd.android.package-archive"

	// FLAG_ACTIVITY_NEW_TASK | FLAG_ACTIVITY_CLEAR_TASK
	handoffFlags = "0x10008000"
)

// Synergy hands APKs to SynergyPackage. Every other operation is a no-op.
type Synergy struct {
	sh        shell.Runner
	authority string
}

// NewSynergy creates a Synergy backend. appPackage names the file provider
// authority <appPackage>.provider that serves the APKs.
func NewSynergy(sh shell.Runner, appPackage string) *Synergy {
	return &Synergy{sh: sh, authority: appPackage + ".provider"}
}

func (s *Synergy) Name() Name { return NameSynergy }

func (s *Synergy) StateCodes() StateCodes { return ClientCodes }

// ContentURI is the provider URI for an overlay file.
func (s *Synergy) ContentURI(file string) string {
	return "content://" + s.authority + "/overlays/" + path.Base(file)
}

// HandoffCommand returns the am invocation sharing paths with Synergy, or ""
// when there is nothing to share.
func (s *Synergy) HandoffCommand(paths []string) string {
	if len(paths) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("am start")
	if len(paths) == 1 {
		fmt.Fprintf(&b, " -a %s --eu %s %s", actionSend, extraStream, shell.Quote(s.ContentURI(paths[0])))
	} else {
		uris := make([]string, len(paths))
		for i, p := range paths {
			uris[i] = s.ContentURI(p)
		}
		fmt.Fprintf(&b, " -a %s --eua %s %s", actionSendMultiple, extraStream, shell.Quote(strings.Join(uris, ",")))
	}
	fmt.Fprintf(&b, " -t %s -f %s -p %s", apkMimeType, handoffFlags, SynergyPackage)
	return b.String()
}

// InstallOverlay shares the APKs with Synergy, which installs them.
func (s *Synergy) InstallOverlay(ctx context.Context, paths []string) error {
	command := s.HandoffCommand(paths)
	if command == "" {
		return nil
	}
	res, err := s.sh.Exec(ctx, command)
	if err != nil {
		return fmt.Errorf("hand off to Synergy: %w", err)
	}
	for _, line := range res.Output {
		if strings.HasPrefix(strings.TrimSpace(line), "Error") {
			return fmt.Errorf("%w: %s", ErrCommand, line)
		}
	}
	return nil
}

func (s *Synergy) OverlayState(ctx context.Context) (map[string]int, error) {
	return map[string]int{}, nil
}

func (s *Synergy) TargetsWithMultipleOverlays(ctx context.Context) ([]string, error) {
	return []string{}, nil
}

func (s *Synergy) UninstallOverlay(ctx context.Context, packages []string, restartUI bool) error {
	return nil
}

func (s *Synergy) SwitchOverlay(ctx context.Context, packages []string, enable, restartUI bool) error {
	return nil
}

func (s *Synergy) SetPriority(ctx context.Context, packages []string, restartUI bool) error {
	return nil
}

func (s *Synergy) EnabledOverlaysForTarget(ctx context.Context, target string) ([]string, error) {
	return []string{}, nil
}

func (s *Synergy) RestartSystemUI(ctx context.Context) error { return nil }

func (s *Synergy) ApplyFonts(ctx context.Context, themePackage, name string) error { return nil }

func (s *Synergy) RestoreFonts(ctx context.Context) error { return nil }
