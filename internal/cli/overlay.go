package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"

	"github.com/danieljhkim/themekit/internal/backend"
	"github.com/danieljhkim/themekit/internal/theme"
	"github.com/spf13/cobra"
)

var (
	uninstallKeepRecord bool
	newestTimestamp     int64
)

var installCmd = &cobra.Command{
	Use:   "install <apk|package>...",
	Short: "Install overlay APKs",
	Long: `Install overlay APKs through the selected backend.

An argument that is not a file is taken as a package name and resolves to the
artifacts of its last build.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, s *session, app *theme.App) error {
			paths, err := resolveArtifacts(s, args)
			if err != nil {
				return err
			}
			if err := app.Backend.InstallOverlay(ctx, paths); err != nil {
				return err
			}
			return report("Installed", paths, app)
		})
	},
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall <package>...",
	Short: "Uninstall overlays",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, s *session, app *theme.App) error {
			if err := backend.Uninstall(ctx, app.Backend, args); err != nil {
				return err
			}
			if !uninstallKeepRecord {
				for _, pkg := range args {
					if err := s.records.Delete(pkg); err != nil {
						s.log.Warn("failed to delete build record", "package", pkg, "err", err)
					}
				}
			}
			return report("Uninstalled", args, app)
		})
	},
}

var enableCmd = &cobra.Command{
	Use:   "enable <package>...",
	Short: "Enable overlays",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSwitch(true),
}

var disableCmd = &cobra.Command{
	Use:   "disable <package>...",
	Short: "Disable overlays",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSwitch(false),
}

var priorityCmd = &cobra.Command{
	Use:   "priority <package>...",
	Short: "Order overlays from lowest to highest priority",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, s *session, app *theme.App) error {
			if err := backend.Prioritize(ctx, app.Backend, args); err != nil {
				return err
			}
			return report("Reordered", args, app)
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed overlays and their state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, s *session, app *theme.App) error {
			states, err := app.Backend.OverlayState(ctx)
			if err != nil {
				return err
			}
			codes := app.Backend.StateCodes()

			type entry struct {
				Package string `json:"package"`
				State   string `json:"state"`
				Code    int    `json:"code"`
			}
			entries := []entry{}
			for _, pkg := range sortedNames(states) {
				code := states[pkg]
				name := "unknown"
				if st, ok := codes.Decode(code); ok {
					name = st.String()
				}
				entries = append(entries, entry{Package: pkg, State: name, Code: code})
			}

			if jsonOutput {
				return outputJSON(entries)
			}
			if len(entries) == 0 {
				PrintEmptyState("No overlays installed")
				return nil
			}
			PrintSection(fmt.Sprintf("Overlays (%s)", PrintCount(len(entries), "package", "packages")))
			for _, e := range entries {
				_, _ = labelColor.Printf("  %-60s ", e.Package)
				_, _ = stateColor(e.State).Println(e.State)
			}
			return nil
		})
	},
}

var multiCmd = &cobra.Command{
	Use:   "multi",
	Short: "List targets overlaid by more than one enabled overlay",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, s *session, app *theme.App) error {
			targets, err := app.Backend.TargetsWithMultipleOverlays(ctx)
			if err != nil {
				return err
			}
			return printNames(targets, "No target has more than one enabled overlay")
		})
	},
}

var enabledCmd = &cobra.Command{
	Use:   "enabled <target>",
	Short: "List the enabled overlays of a target",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, s *session, app *theme.App) error {
			pkgs, err := app.Backend.EnabledOverlaysForTarget(ctx, args[0])
			if err != nil {
				return err
			}
			return printNames(pkgs, "No enabled overlays for "+args[0])
		})
	},
}

var newestCmd = &cobra.Command{
	Use:   "newest <package>",
	Short: "Check that the installed overlay is the latest build",
	Long: `Check that the installed overlay carries the install timestamp of its last
build, or of --timestamp when given.`,
	Args: cobra.ExactArgs(1),
	RunE: runNewest,
}

func init() {
	uninstallCmd.Flags().BoolVar(&uninstallKeepRecord, "keep-record", false, "Keep the build record")
	newestCmd.Flags().Int64Var(&newestTimestamp, "timestamp", 0, "Expected install timestamp (default: from the build record)")
}

func runSwitch(enable bool) func(*cobra.Command, []string) error {
	verb := "Disabled"
	if enable {
		verb = "Enabled"
	}
	return func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, s *session, app *theme.App) error {
			if err := backend.Switch(ctx, app.Backend, args, enable); err != nil {
				return err
			}
			return report(verb, args, app)
		})
	}
}

func runNewest(cmd *cobra.Command, args []string) error {
	pkg := args[0]
	ts := newestTimestamp
	if ts == 0 {
		s, err := newSession()
		if err != nil {
			return err
		}
		record, err := s.records.Load(pkg)
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("no build record for %s: pass --timestamp", pkg)
		}
		if err != nil {
			return err
		}
		ts = record.Timestamp
	}

	return withApp(cmd.Context(), func(ctx context.Context, s *session, app *theme.App) error {
		newest, err := backend.IsOverlayNewest(ctx, app.Backend, app.PM, pkg, ts)
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(map[string]any{"package": pkg, "timestamp": ts, "newest": newest})
		}
		if newest {
			PrintSuccess(fmt.Sprintf("%s is up to date", pkg))
			return nil
		}
		PrintWarning(fmt.Sprintf("%s does not carry timestamp %s", pkg, strconv.FormatInt(ts, 10)))
		return nil
	})
}

// resolveArtifacts maps files to themselves and package names to the
// artifacts of their build record.
func resolveArtifacts(s *session, args []string) ([]string, error) {
	var paths []string
	for _, arg := range args {
		if s.fs.IsFile(arg) {
			paths = append(paths, arg)
			continue
		}
		record, err := s.records.Load(arg)
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s is neither an APK nor a built package", arg)
		}
		if err != nil {
			return nil, err
		}
		paths = append(paths, record.Artifacts...)
	}
	return paths, nil
}

// report prints the outcome of a mutation. Backends that run mutations in
// the background may still be working when this prints.
func report(verb string, items []string, app *theme.App) error {
	if jsonOutput {
		return outputJSON(map[string]any{
			"backend": app.Backend.Name(),
			"action":  verb,
			"items":   items,
		})
	}
	PrintSuccess(fmt.Sprintf("%s %s via %s", verb, PrintCount(len(items), "overlay", "overlays"), app.Backend.Name()))
	PrintList(items, 1)
	return nil
}

func printNames(names []string, empty string) error {
	if names == nil {
		names = []string{}
	}
	if jsonOutput {
		return outputJSON(names)
	}
	if len(names) == 0 {
		PrintEmptyState(empty)
		return nil
	}
	PrintList(names, 0)
	return nil
}

func sortedNames(m map[string]int) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}
