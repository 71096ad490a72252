package cli

import (
	"fmt"
	"strings"

	"github.com/danieljhkim/themekit/internal/apksign"
	"github.com/danieljhkim/themekit/internal/buildtools"
	"github.com/danieljhkim/themekit/internal/builder"
	"github.com/danieljhkim/themekit/internal/clock"
	"github.com/danieljhkim/themekit/internal/manifest"
	"github.com/danieljhkim/themekit/internal/state"
	"github.com/spf13/cobra"
)

var (
	buildPackage     string
	buildTarget      string
	buildResDirs     []string
	buildAssetDir    string
	buildBases       []string
	buildSplit       bool
	buildAapt2       bool
	buildVersionCode int64
	buildVersionName string
	buildLabel       string
	buildMeta        []string
	buildAPI         int
	buildTimestamp   int64
	buildAapt        string
	buildAapt2Path   string
	buildZipalign    string

	verifyMinSDK int
)

var setupToolsCmd = &cobra.Command{
	Use:   "setup-tools",
	Short: "Install aapt, aapt2 and zipalign into the tools directory",
	Long: `Install the build tools for the device architecture.

In extract mode the bundled binaries are copied out of tools.bundle_dir and
checked against their published MD5 sums. In symlink mode the tools directory
links to the copies in tools.native_lib_dir.`,
	Args: cobra.NoArgs,
	RunE: runSetupTools,
}

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Compile, align and sign an overlay",
	Long: `Compile resource directories into a signed overlay APK.

Resource directories are applied in the order given; later directories
override earlier ones. The install timestamp defaults to the current time in
milliseconds and is recorded so "themekit newest" can check the install.`,
	Example: `  themekit build --package com.example.overlay --target android --res ./res
  themekit build --package com.example.overlay --target com.android.systemui \
      --res ./common --res ./dark --split --api 29`,
	Args: cobra.NoArgs,
	RunE: runBuild,
}

var verifyCmd = &cobra.Command{
	Use:   "verify <apk>...",
	Short: "Verify the v2 and v3 signatures of overlay APKs",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runVerify,
}

func init() {
	f := buildCmd.Flags()
	f.StringVar(&buildPackage, "package", "", "Overlay package name")
	f.StringVar(&buildTarget, "target", "", "Package the overlay applies to")
	f.StringArrayVar(&buildResDirs, "res", nil, "Resource directory (repeatable, later wins)")
	f.StringVar(&buildAssetDir, "assets", "", "Asset directory")
	f.StringArrayVar(&buildBases, "base", nil, "Additional base package to compile against (repeatable)")
	f.BoolVar(&buildSplit, "split", false, "Build per-density configuration splits")
	f.BoolVar(&buildAapt2, "aapt2", false, "Compile with aapt2")
	f.Int64Var(&buildVersionCode, "version-code", 0, "android:versionCode (omitted when 0)")
	f.StringVar(&buildVersionName, "version-name", "", "android:versionName")
	f.StringVar(&buildLabel, "label", "", "Application label")
	f.StringArrayVar(&buildMeta, "meta", nil, "Application meta-data as name=value (repeatable)")
	f.IntVar(&buildAPI, "api", 0, "API level to build for (default: probe the device)")
	f.Int64Var(&buildTimestamp, "timestamp", 0, "Install timestamp (default: now in milliseconds)")
	f.StringVar(&buildAapt, "aapt", "", "Path to aapt (default: tools directory)")
	f.StringVar(&buildAapt2Path, "aapt2-path", "", "Path to aapt2 (default: tools directory)")
	f.StringVar(&buildZipalign, "zipalign", "", "Path to zipalign (default: tools directory)")
	_ = buildCmd.MarkFlagRequired("package")
	_ = buildCmd.MarkFlagRequired("target")

	verifyCmd.Flags().IntVar(&verifyMinSDK, "min-sdk", 24, "Lowest API level the APK must verify on")
}

func runSetupTools(cmd *cobra.Command, args []string) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	setup := s.tools()
	ok, err := setup.Run(cmd.Context())
	if !ok {
		return fmt.Errorf("build tools unavailable: %w", err)
	}

	tools := setup.Tools()
	if jsonOutput {
		return outputJSON(tools)
	}
	PrintSuccess("Build tools ready")
	PrintLabelValue(buildtools.Aapt, tools.Aapt)
	PrintLabelValue(buildtools.Aapt2, tools.Aapt2)
	PrintLabelValue(buildtools.Zipalign, tools.Zipalign)
	return nil
}

// parseMeta splits name=value pairs, keeping their order.
func parseMeta(pairs []string) ([]manifest.MetaData, error) {
	var meta []manifest.MetaData
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid meta-data %q: expected name=value", p)
		}
		meta = append(meta, manifest.MetaData{Name: name, Value: value})
	}
	return meta, nil
}

func runBuild(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	meta, err := parseMeta(buildMeta)
	if err != nil {
		return err
	}

	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	env, err := s.environment(ctx, buildAPI)
	if err != nil {
		return fmt.Errorf("failed to probe device: %w (pass --api to build offline)", err)
	}

	b, err := s.builder(env, buildtools.Tools{
		Aapt:     buildAapt,
		Aapt2:    buildAapt2Path,
		Zipalign: buildZipalign,
	}, s.synergySelected(ctx, env))
	if err != nil {
		return err
	}

	ts := buildTimestamp
	if ts == 0 {
		ts = clock.InstallTimestamp(s.clock)
	}
	req := builder.Request{
		Package:           buildPackage,
		Target:            buildTarget,
		Timestamp:         ts,
		VersionName:       buildVersionName,
		Label:             buildLabel,
		MetaData:          meta,
		ResourceDirs:      buildResDirs,
		AssetDir:          buildAssetDir,
		ExtraBasePackages: buildBases,
		Split:             buildSplit,
		UseAapt2:          buildAapt2,
	}
	if buildVersionCode != 0 {
		req.VersionCode = &buildVersionCode
	}

	res, err := b.Build(ctx, req)
	if err != nil {
		return err
	}
	if !res.OK() {
		return res.Err
	}

	record := state.NewBuildRecord(req.Package, req.Target, ts, s.clock.Now())
	record.Artifacts = res.Paths
	record.Compiler = buildtools.Aapt
	if req.UseAapt2 || s.settings.Compiler.AlwaysAapt2 {
		record.Compiler = buildtools.Aapt2
	}
	if err := s.records.Save(record); err != nil {
		return fmt.Errorf("failed to save build record: %w", err)
	}

	if jsonOutput {
		return outputJSON(record)
	}
	PrintSuccess(fmt.Sprintf("Built %s for %s", req.Package, req.Target))
	PrintLabelValue("Timestamp", fmt.Sprintf("%d", ts))
	PrintList(res.Paths, 1)
	return nil
}

type verifyResult struct {
	Path     string   `json:"path"`
	Verified bool     `json:"verified"`
	Schemes  []int    `json:"schemes,omitempty"`
	Subject  string   `json:"subject,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
	Error    string   `json:"error,omitempty"`
}

func runVerify(cmd *cobra.Command, args []string) error {
	var results []verifyResult
	failed := 0
	for _, path := range args {
		r := verifyResult{Path: path}
		v, err := apksign.Verify(path, verifyMinSDK)
		if err != nil {
			r.Error = err.Error()
			failed++
		} else {
			r.Verified = true
			r.Schemes = v.Schemes
			r.Warnings = v.Warnings
			if v.Certificate != nil {
				r.Subject = v.Certificate.Subject.String()
			}
		}
		results = append(results, r)
	}

	if jsonOutput {
		if err := outputJSON(results); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			if !r.Verified {
				PrintError(fmt.Sprintf("%s: %s", r.Path, r.Error))
				continue
			}
			PrintSuccess(r.Path)
			PrintLabelValue("Schemes", fmt.Sprint(r.Schemes))
			if r.Subject != "" {
				PrintLabelValue("Signer", r.Subject)
			}
			for _, w := range r.Warnings {
				PrintWarning(w)
			}
		}
	}

	if failed > 0 {
		return fmt.Errorf("%s failed verification", PrintCount(failed, "APK", "APKs"))
	}
	return nil
}
