package backend

import "strings"

// Prefixes of `cmd overlay list` lines.
const (
	enabledPrefix       = "[x]"
	disabledPrefix      = "[ ]"
	missingTargetPrefix = "---"
)

// Shell commands shared by the root backends.
const (
	cmdOverlayList        = "cmd overlay list"
	cmdOverlayEnable      = "cmd overlay enable"
	cmdOverlayDisable     = "cmd overlay disable"
	cmdOverlaySetPriority = "cmd overlay set-priority"
	cmdKillSystemUI       = "pkill -f com.android.systemui"
)

// ListedOverlay is one overlay line of `cmd overlay list`.
type ListedOverlay struct {
	Target  string
	Package string
	State   OverlayState
}

// ParseOverlayList parses `cmd overlay list` output. Overlay lines carry a
// state prefix and belong to the closest preceding unprefixed target line.
func ParseOverlayList(lines []string) []ListedOverlay {
	var out []ListedOverlay
	target := ""
	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		state, pkg, ok := parseOverlayLine(line)
		if !ok {
			target = line
			continue
		}
		if pkg == "" {
			continue
		}
		out = append(out, ListedOverlay{Target: target, Package: pkg, State: state})
	}
	return out
}

func parseOverlayLine(line string) (OverlayState, string, bool) {
	for _, p := range []struct {
		prefix string
		state  OverlayState
	}{
		{enabledPrefix, StateEnabled},
		{disabledPrefix, StateDisabled},
		{missingTargetPrefix, StateMissingTarget},
	} {
		if rest, ok := strings.CutPrefix(line, p.prefix); ok {
			return p.state, strings.TrimSpace(rest), true
		}
	}
	return 0, "", false
}

// installedFunc filters listed overlays. nil accepts everything.
type installedFunc func(pkg string) bool

func (f installedFunc) ok(pkg string) bool {
	return f == nil || f(pkg)
}

func listedStates(list []ListedOverlay, codes StateCodes, installed installedFunc) map[string]int {
	out := make(map[string]int, len(list))
	for _, o := range list {
		if installed.ok(o.Package) {
			out[o.Package] = codes.Code(o.State)
		}
	}
	return out
}

func listedMultipleTargets(list []ListedOverlay, installed installedFunc) []string {
	var targets []string
	counts := make(map[string]int)
	for _, o := range list {
		if _, seen := counts[o.Target]; !seen {
			targets = append(targets, o.Target)
			counts[o.Target] = 0
		}
		if o.State == StateEnabled && installed.ok(o.Package) {
			counts[o.Target]++
		}
	}
	out := []string{}
	for _, t := range targets {
		if counts[t] > 1 {
			out = append(out, t)
		}
	}
	return out
}

func listedEnabledForTarget(list []ListedOverlay, target string, installed installedFunc) []string {
	out := []string{}
	for _, o := range list {
		if o.Target == target && o.State == StateEnabled && installed.ok(o.Package) {
			out = append(out, o.Package)
		}
	}
	return out
}
