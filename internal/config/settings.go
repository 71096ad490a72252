package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings is the user configuration read from config.yaml and THEMEKIT_*
// environment variables.
type Settings struct {
	App      AppSettings      `mapstructure:"app"`
	Compiler CompilerSettings `mapstructure:"compiler"`
	Tools    ToolSettings     `mapstructure:"tools"`
	Backends BackendSettings  `mapstructure:"backends"`
	Shell    ShellSettings    `mapstructure:"shell"`
	Samsung  SamsungSettings  `mapstructure:"samsung"`
}

// AppSettings identifies the theme app that owns the overlays.
type AppSettings struct {
	Package     string `mapstructure:"package"`
	Label       string `mapstructure:"label"`
	VersionName string `mapstructure:"version_name"`
	VersionCode int64  `mapstructure:"version_code"`
}

// CompilerSettings controls how overlays are compiled.
type CompilerSettings struct {
	// AlwaysAapt2 forces the aapt2 path and disables the legacy retry.
	AlwaysAapt2  bool   `mapstructure:"always_aapt2"`
	FrameworkAPK string `mapstructure:"framework_apk"`
}

// ToolSettings locates the bundled native tools.
type ToolSettings struct {
	// Mode is "extract" (checksummed copy from BundleDir) or "symlink" (link
	// into NativeLibDir).
	Mode         string `mapstructure:"mode"`
	BundleDir    string `mapstructure:"bundle_dir"`
	NativeLibDir string `mapstructure:"native_lib_dir"`
	ARM          bool   `mapstructure:"arm"`
	ARM64        bool   `mapstructure:"arm64"`
}

// BackendSettings lists the backends the theme app is willing to use.
type BackendSettings struct {
	AndromedaSamsung  bool `mapstructure:"andromeda_samsung"`
	Synergy           bool `mapstructure:"synergy"`
	Andromeda         bool `mapstructure:"andromeda"`
	SubstratumService bool `mapstructure:"substratum_service"`
	PieRoot           bool `mapstructure:"pie_root"`
	Root              bool `mapstructure:"root"`
}

// ShellSettings configures the persistent shell.
type ShellSettings struct {
	// Timeout bounds each command batch; zero disables it.
	Timeout time.Duration `mapstructure:"timeout"`
}

// SamsungSettings carries values needed by the OneUI root fix.
type SamsungSettings struct {
	NightDisplayAvailable bool `mapstructure:"night_display_available"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.package", "projekt.themekit")
	v.SetDefault("app.label", "themekit")
	v.SetDefault("app.version_name", "1.0")
	v.SetDefault("app.version_code", 1)
	v.SetDefault("compiler.always_aapt2", false)
	v.SetDefault("compiler.framework_apk", "/system/framework/framework-res.apk")
	v.SetDefault("tools.mode", "symlink")
	v.SetDefault("tools.bundle_dir", "")
	v.SetDefault("tools.native_lib_dir", "")
	v.SetDefault("tools.arm", true)
	v.SetDefault("tools.arm64", true)
	v.SetDefault("backends.andromeda_samsung", false)
	v.SetDefault("backends.synergy", false)
	v.SetDefault("backends.andromeda", false)
	v.SetDefault("backends.substratum_service", true)
	v.SetDefault("backends.pie_root", true)
	v.SetDefault("backends.root", true)
	v.SetDefault("shell.timeout", 10*time.Second)
	v.SetDefault("samsung.night_display_available", true)
}

// LoadSettings reads settings from path (if it exists), THEMEKIT_* env vars
// and defaults, in increasing order of precedence: defaults, file, env.
func LoadSettings(path string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("THEMEKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	switch s.Tools.Mode {
	case "extract", "symlink":
	default:
		return nil, fmt.Errorf("invalid tools.mode %q: want extract or symlink", s.Tools.Mode)
	}

	return &s, nil
}
