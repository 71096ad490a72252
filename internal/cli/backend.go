package cli

import (
	"context"
	"fmt"

	"github.com/danieljhkim/themekit/internal/backend"
	"github.com/danieljhkim/themekit/internal/theme"
	"github.com/spf13/cobra"
)

var backendSilent bool

var backendCmd = &cobra.Command{
	Use:   "backend",
	Short: "Show the selected backend and whether it is ready",
	Long: `Select the overlay backend for this device and run its readiness checks.

For the Magisk backend this installs the helper module; a reboot is needed
before overlays installed through it become visible.`,
	Args: cobra.NoArgs,
	RunE: runBackend,
}

var exposureCmd = &cobra.Command{
	Use:   "exposure [on|off]",
	Short: "Show or set Samsung overlay exposure (Magisk backend)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runExposure,
}

var restartUICmd = &cobra.Command{
	Use:   "restart-ui",
	Short: "Restart SystemUI",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, s *session, app *theme.App) error {
			if err := app.Backend.RestartSystemUI(ctx); err != nil {
				return err
			}
			PrintSuccess("SystemUI restart requested")
			return nil
		})
	},
}

var fontsCmd = &cobra.Command{
	Use:   "fonts",
	Short: "Apply or restore system fonts",
}

func init() {
	backendCmd.Flags().BoolVar(&backendSilent, "silent", false, "Fail instead of prompting for backend permissions")
	backendCmd.AddCommand(exposureCmd)

	fontsCmd.AddCommand(&cobra.Command{
		Use:   "apply <theme-package> <font>",
		Short: "Apply a font from a theme package",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, s *session, app *theme.App) error {
				if err := app.Backend.ApplyFonts(ctx, args[0], args[1]); err != nil {
					return err
				}
				PrintSuccess(fmt.Sprintf("Applied %s from %s", args[1], args[0]))
				return nil
			})
		},
	})
	fontsCmd.AddCommand(&cobra.Command{
		Use:   "restore",
		Short: "Restore the system fonts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, s *session, app *theme.App) error {
				if err := app.Backend.RestoreFonts(ctx); err != nil {
					return err
				}
				PrintSuccess("Fonts restored")
				return nil
			})
		},
	})
}

func runBackend(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	app, err := openApp(ctx, s, backendSilent)
	if err != nil {
		return err
	}
	defer app.Close()

	result, err := app.Initialize(ctx)
	if err != nil {
		return fmt.Errorf("initialize %s: %w", app.Backend.Name(), err)
	}

	if jsonOutput {
		return outputJSON(map[string]any{
			"backend":  app.Backend.Name(),
			"result":   result.String(),
			"apiLevel": app.Env.APILevel,
			"samsung":  app.Env.Samsung,
			"oneui":    app.Env.OneUIVersion,
			"rooted":   app.Env.Rooted,
		})
	}

	PrintSection("Backend")
	PrintLabelValue("Name", string(app.Backend.Name()))
	PrintLabelValue("API level", fmt.Sprint(app.Env.APILevel))
	if app.Env.Samsung {
		PrintLabelValue("OneUI", fmt.Sprint(app.Env.OneUIVersion))
	}
	if result == theme.ResultPass {
		PrintSuccess("Ready")
		return nil
	}
	PrintWarning(result.String())
	return fmt.Errorf("backend %s is not ready: %s", app.Backend.Name(), result)
}

func runExposure(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(ctx context.Context, s *session, app *theme.App) error {
		pie, ok := app.Backend.(*backend.PieRoot)
		if !ok {
			return fmt.Errorf("overlay exposure needs the %s backend, selected %s", backend.NamePieRoot, app.Backend.Name())
		}

		if len(args) == 1 {
			var enable bool
			switch args[0] {
			case "on":
				enable = true
			case "off":
			default:
				return fmt.Errorf("expected on or off, got %q", args[0])
			}
			switchable, err := pie.SamsungExposureSwitchable(ctx)
			if err != nil {
				return err
			}
			if !switchable {
				return fmt.Errorf("overlay exposure cannot be switched on this device")
			}
			if err := pie.SetSamsungExposure(ctx, enable); err != nil {
				return err
			}
		}

		enabled, err := pie.SamsungExposureEnabled(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(map[string]bool{"enabled": enabled})
		}
		PrintLabelValue("Overlay exposure", map[bool]string{true: "on", false: "off"}[enabled])
		return nil
	})
}
