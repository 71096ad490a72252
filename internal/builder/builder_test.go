package builder

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/danieljhkim/themekit/internal/apksign"
	"github.com/danieljhkim/themekit/internal/buildtools"
	"github.com/danieljhkim/themekit/internal/fsops"
	"github.com/danieljhkim/themekit/internal/manifest"
	"github.com/danieljhkim/themekit/internal/shell"
)

type harness struct {
	t       *testing.T
	root    string
	tools   *shell.FakeToolRunner
	runner  *shell.FakeRunner
	opts    Options
	key     *apksign.Key
	builder *Builder

	mu        sync.Mutex
	manifests map[string][]byte // by artifact output path
	resTrees  map[string][]string
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	root := t.TempDir()
	key, err := apksign.EmbeddedKey()
	if err != nil {
		t.Fatalf("EmbeddedKey() error = %v", err)
	}
	h := &harness{
		t:         t,
		root:      root,
		tools:     &shell.FakeToolRunner{},
		runner:    shell.NewFakeRunner(),
		key:       key,
		manifests: make(map[string][]byte),
		resTrees:  make(map[string][]string),
		opts: Options{
			Tools: buildtools.Tools{
				Aapt:     "/bin/aapt",
				Aapt2:    "/bin/aapt2",
				Zipalign: "/bin/zipalign",
			},
			APILevel: 29,
			OutDir:   filepath.Join(root, "out"),
			WorkDir:  filepath.Join(root, "work"),
		},
	}
	h.tools.Handler = h.compileSucceeds
	h.runner.Handler = h.zipalign
	if mutate != nil {
		mutate(&h.opts)
	}
	h.builder = New(h.opts, h.tools, h.runner, fsops.NewRealFS(), key, nil)
	return h
}

func argAfter(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func argsAfter(args []string, flag string) []string {
	var out []string
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			out = append(out, args[i+1])
		}
	}
	return out
}

func writeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	w := zip.NewWriter(f)
	for name, content := range files {
		e, err := w.Create(name)
		if err != nil {
			t.Fatalf("zip: %v", err)
		}
		if _, err := e.Write([]byte(content)); err != nil {
			t.Fatalf("zip: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("zip: %v", err)
	}
}

// listTree returns the relative file paths under dir.
func listTree(dir string) []string {
	var out []string
	_ = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			rel, _ := filepath.Rel(dir, path)
			out = append(out, filepath.ToSlash(rel))
		}
		return nil
	})
	slices.Sort(out)
	return out
}

// compileSucceeds emulates aapt and aapt2 by writing their outputs.
func (h *harness) compileSucceeds(name string, args []string) (shell.ToolResult, error) {
	var out string
	switch {
	case name == h.opts.Tools.Aapt:
		out = argAfter(args, "-F")
	case args[0] == "compile":
		if err := os.WriteFile(argAfter(args, "-o"), []byte("flat"), 0644); err != nil {
			return shell.ToolResult{}, err
		}
		return shell.ToolResult{}, nil
	default:
		out = argAfter(args, "-o")
	}

	manifestPath := argAfter(args, "-M")
	if manifestPath == "" {
		manifestPath = argAfter(args, "--manifest")
	}
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return shell.ToolResult{Stderr: "no manifest"}, nil
	}
	var tree []string
	for _, dir := range argsAfter(args, "-S") {
		tree = append(tree, listTree(dir)...)
	}
	h.mu.Lock()
	h.manifests[out] = data
	h.resTrees[out] = tree
	h.mu.Unlock()

	writeZip(h.t, out, map[string]string{"AndroidManifest.xml": string(data), "resources.arsc": "arsc"})
	return shell.ToolResult{}, nil
}

// zipalign emulates "zipalign 4 in out" by copying.
func (h *harness) zipalign(command string) ([]string, error) {
	fields := strings.Fields(command)
	if len(fields) != 4 || fields[0] != h.opts.Tools.Zipalign || fields[1] != "4" {
		return []string{"unexpected command"}, nil
	}
	data, err := os.ReadFile(fields[2])
	if err != nil {
		return nil, nil
	}
	return nil, os.WriteFile(fields[3], data, 0644)
}

func (h *harness) resDir(name string, files map[string]string) string {
	h.t.Helper()
	dir := filepath.Join(h.root, "src", name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		h.t.Fatal(err)
	}
	for rel, content := range files {
		p := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			h.t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			h.t.Fatal(err)
		}
	}
	return dir
}

func baseRequest(dirs ...string) Request {
	return Request{
		Package:      "com.example.theme.android",
		Target:       "android",
		Timestamp:    1700000000123,
		ResourceDirs: dirs,
	}
}

func TestBuild_EmptyResourceDirs(t *testing.T) {
	h := newHarness(t, nil)
	res, err := h.builder.Build(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if res.OK() || res.Err.Kind != KindEmptyResources || res.Message() != MsgEmptyResources {
		t.Fatalf("Build() = %+v, want empty resources failure", res.Err)
	}
	if len(h.tools.Calls()) != 0 || len(h.runner.Commands()) != 0 {
		t.Error("no external tool may run for an empty request")
	}
}

func TestBuild_Aapt(t *testing.T) {
	h := newHarness(t, nil)
	res1 := h.resDir("res1", map[string]string{"values/colors.xml": "a"})
	res2 := h.resDir("res2", map[string]string{"values/dimens.xml": "b"})
	assets := h.resDir("assets", map[string]string{"fonts/a.ttf": "f"})
	extra := h.resDir("extra", nil)
	extraAPK := filepath.Join(extra, "target.apk")
	if err := os.WriteFile(extraAPK, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	req := baseRequest(res1, res2)
	req.AssetDir = assets
	req.ExtraBasePackages = []string{extraAPK, filepath.Join(extra, "missing.apk")}

	res, err := h.builder.Build(context.Background(), req)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if !res.OK() {
		t.Fatalf("Build() failed: %v", res.Err)
	}

	signed := filepath.Join(h.opts.OutDir, req.Package+".apk")
	if res.Path() != signed || len(res.Paths) != 1 {
		t.Errorf("Paths = %v, want [%s]", res.Paths, signed)
	}
	if _, err := apksign.Verify(signed, 29); err != nil {
		t.Errorf("signed APK does not verify: %v", err)
	}

	calls := h.tools.Calls()
	if len(calls) != 1 || calls[0].Name != "/bin/aapt" {
		t.Fatalf("calls = %+v, want one aapt call", calls)
	}
	unsigned := filepath.Join(h.opts.OutDir, req.Package+"-unsigned.apk")
	manifestPath := filepath.Join(h.opts.WorkDir, req.Package, "AndroidManifest.xml")
	want := []string{
		"p", "-M", manifestPath,
		"-S", res1, "-S", res2,
		"-A", assets,
		"-I", DefaultFrameworkAPK, "-I", extraAPK,
		"-F", unsigned, "--auto-add-overlay", "-f",
	}
	if !slices.Equal(calls[0].Args, want) {
		t.Errorf("aapt args =\n%q\nwant\n%q", calls[0].Args, want)
	}

	align := h.runner.Commands()
	wantAlign := "/bin/zipalign 4 " + unsigned + " " + filepath.Join(h.opts.OutDir, req.Package+"-unsigned-aligned.apk")
	if len(align) != 1 || align[0] != wantAlign {
		t.Errorf("zipalign commands = %q, want %q", align, wantAlign)
	}

	if got := listTree(h.opts.OutDir); !slices.Equal(got, []string{req.Package + ".apk"}) {
		t.Errorf("output dir = %v, want only the signed APK", got)
	}
	if _, err := os.Stat(filepath.Join(h.opts.WorkDir, req.Package)); !os.IsNotExist(err) {
		t.Error("work directory should be removed after the build")
	}

	parsed, err := manifest.Parse(h.manifests[unsigned])
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if ts, ok := parsed.Timestamp(); !ok || ts != req.Timestamp {
		t.Errorf("manifest timestamp = %d, %v", ts, ok)
	}
}

func TestBuild_Aapt2(t *testing.T) {
	h := newHarness(t, nil)
	res1 := h.resDir("a/res", map[string]string{"values/colors.xml": "a"})
	res2 := h.resDir("b/res", map[string]string{"values/colors.xml": "b"})

	req := baseRequest(res1, res2)
	req.UseAapt2 = true
	res, err := h.builder.Build(context.Background(), req)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if !res.OK() {
		t.Fatalf("Build() failed: %v", res.Err)
	}

	calls := h.tools.Calls()
	var compiles []shell.ToolCall
	var link *shell.ToolCall
	for i, c := range calls {
		if c.Name != "/bin/aapt2" {
			t.Errorf("unexpected tool %s", c.Name)
		}
		switch c.Args[0] {
		case "compile":
			compiles = append(compiles, c)
		case "link":
			link = &calls[i]
		}
	}
	if len(compiles) != 2 || link == nil {
		t.Fatalf("calls = %+v, want two compiles and a link", calls)
	}

	work := filepath.Join(h.opts.WorkDir, req.Package)
	flats := argsAfter(link.Args, "-R")
	wantFlats := []string{filepath.Join(work, "0_res.zip"), filepath.Join(work, "1_res.zip")}
	if !slices.Equal(flats, wantFlats) {
		t.Errorf("link -R = %q, want %q (same-named dirs must not collide)", flats, wantFlats)
	}
	for _, flag := range []string{"--auto-add-overlay", "--no-resource-deduping"} {
		if !slices.Contains(link.Args, flag) {
			t.Errorf("link args missing %s", flag)
		}
	}
	if argAfter(link.Args, "-o") != filepath.Join(h.opts.OutDir, req.Package+"-unsigned.apk") {
		t.Errorf("link output = %q", argAfter(link.Args, "-o"))
	}
}

func TestBuild_CompileFailures(t *testing.T) {
	tests := []struct {
		name     string
		aapt2    bool
		handler  func(name string, args []string) (shell.ToolResult, error)
		wantMsg  string
		wantKind Kind
	}{
		{
			name: "aapt stderr",
			handler: func(string, []string) (shell.ToolResult, error) {
				return shell.ToolResult{Stderr: "res/values/a.xml:3: error: bad\n"}, nil
			},
			wantMsg:  "res/values/a.xml:3: error: bad",
			wantKind: KindCompile,
		},
		{
			name:  "aapt2 compile stderr",
			aapt2: true,
			handler: func(_ string, args []string) (shell.ToolResult, error) {
				if args[0] == "compile" {
					return shell.ToolResult{Stderr: "bad value"}, nil
				}
				return shell.ToolResult{}, nil
			},
			wantMsg:  "compile error:\nbad value",
			wantKind: KindCompile,
		},
		{
			name:  "aapt2 link stderr",
			aapt2: true,
			handler: func(_ string, args []string) (shell.ToolResult, error) {
				if args[0] == "link" {
					return shell.ToolResult{Stderr: "missing symbol"}, nil
				}
				return shell.ToolResult{}, nil
			},
			wantMsg:  "link error:\nmissing symbol",
			wantKind: KindCompile,
		},
		{
			name:     "silent compiler without output",
			handler:  func(string, []string) (shell.ToolResult, error) { return shell.ToolResult{}, nil },
			wantMsg:  MsgMissingUnsigned,
			wantKind: KindMissingUnsigned,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.tools.Handler = tt.handler
			req := baseRequest(h.resDir("res", map[string]string{"values/a.xml": "a"}))
			req.UseAapt2 = tt.aapt2

			res, err := h.builder.Build(context.Background(), req)
			if err != nil {
				t.Fatalf("Build() error = %v", err)
			}
			if res.OK() {
				t.Fatal("Build() succeeded, want failure")
			}
			if res.Message() != tt.wantMsg || res.Err.Kind != tt.wantKind {
				t.Errorf("failure = %q (%s), want %q (%s)", res.Message(), res.Err.Kind, tt.wantMsg, tt.wantKind)
			}
			if !errors.Is(res.Err, ErrBuild) {
				t.Error("BuildError should match ErrBuild")
			}
			if len(h.runner.Commands()) != 0 {
				t.Error("zipalign must not run after a compile failure")
			}
		})
	}
}

func TestBuild_LegacyCompileFallback(t *testing.T) {
	tests := []struct {
		name        string
		alwaysAapt2 bool
		wantOK      bool
		wantCalls   int
	}{
		{"retries without extra base packages", false, true, 2},
		{"always aapt2 surfaces the original error", true, false, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(o *Options) { o.AlwaysAapt2 = tt.alwaysAapt2 })
			extra := filepath.Join(h.root, "target.apk")
			if err := os.WriteFile(extra, []byte("x"), 0644); err != nil {
				t.Fatal(err)
			}
			h.tools.Handler = func(name string, args []string) (shell.ToolResult, error) {
				if slices.Contains(args, extra) {
					return shell.ToolResult{Stderr: "error: Public symbol types not allowed"}, nil
				}
				return h.compileSucceeds(name, args)
			}

			req := baseRequest(h.resDir("res", map[string]string{"values/a.xml": "a"}))
			req.ExtraBasePackages = []string{extra}
			res, err := h.builder.Build(context.Background(), req)
			if err != nil {
				t.Fatalf("Build() error = %v", err)
			}
			if res.OK() != tt.wantOK {
				t.Fatalf("OK() = %v, want %v (%v)", res.OK(), tt.wantOK, res.Err)
			}
			if !tt.wantOK && !strings.Contains(res.Message(), "types not allowed") {
				t.Errorf("Message() = %q, want the original diagnostic", res.Message())
			}
			if got := len(h.tools.Calls()); got != tt.wantCalls {
				t.Errorf("tool calls = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestBuild_AlignAndSignFailures(t *testing.T) {
	t.Run("zipalign produces nothing", func(t *testing.T) {
		h := newHarness(t, nil)
		h.runner.Handler = func(string) ([]string, error) { return nil, nil }
		res, err := h.builder.Build(context.Background(), baseRequest(h.resDir("res", map[string]string{"values/a.xml": "a"})))
		if err != nil {
			t.Fatalf("Build() error = %v", err)
		}
		if res.Message() != MsgAlign || res.Err.Stage != StageCompiled {
			t.Errorf("failure = %+v, want align failure after compile", res.Err)
		}
	})

	t.Run("zipalign channel failure", func(t *testing.T) {
		h := newHarness(t, nil)
		h.runner.Err = shell.ErrChannel
		res, err := h.builder.Build(context.Background(), baseRequest(h.resDir("res", map[string]string{"values/a.xml": "a"})))
		if err != nil {
			t.Fatalf("Build() error = %v", err)
		}
		if res.Message() != MsgAlign || !errors.Is(res.Err, shell.ErrChannel) {
			t.Errorf("failure = %v, want align failure wrapping ErrChannel", res.Err)
		}
	})

	t.Run("signing fails", func(t *testing.T) {
		h := newHarness(t, nil)
		h.builder = New(h.opts, h.tools, h.runner, fsops.NewRealFS(), nil, nil)
		res, err := h.builder.Build(context.Background(), baseRequest(h.resDir("res", map[string]string{"values/a.xml": "a"})))
		if err != nil {
			t.Fatalf("Build() error = %v", err)
		}
		if res.Message() != MsgSign || res.Err.Kind != KindSign {
			t.Errorf("failure = %+v, want sign failure", res.Err)
		}
	})
}

func TestBuild_OutputDirFailure(t *testing.T) {
	h := newHarness(t, nil)
	blocker := filepath.Join(h.root, "file")
	if err := os.WriteFile(blocker, nil, 0644); err != nil {
		t.Fatal(err)
	}
	h.opts.OutDir = filepath.Join(blocker, "out")
	h.builder = New(h.opts, h.tools, h.runner, fsops.NewRealFS(), h.key, nil)

	res, err := h.builder.Build(context.Background(), baseRequest(h.resDir("res", map[string]string{"values/a.xml": "a"})))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if res.Message() != MsgOutputDir {
		t.Errorf("Message() = %q, want %q", res.Message(), MsgOutputDir)
	}
}

func TestBuild_VendorManifest(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Samsung = true
		o.Synergy = true
		o.APILevel = 29
	})
	req := baseRequest(h.resDir("res", map[string]string{"values/a.xml": "a"}))
	res, err := h.builder.Build(context.Background(), req)
	if err != nil || !res.OK() {
		t.Fatalf("Build() = %v, %v", res.Err, err)
	}
	parsed, err := manifest.Parse(h.manifests[filepath.Join(h.opts.OutDir, req.Package+"-unsigned.apk")])
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if parsed.UsesSDK == nil || parsed.UsesSDK.TargetSDK != "29" {
		t.Errorf("uses-sdk = %+v, want target 29", parsed.UsesSDK)
	}
	if !parsed.HasPermission(manifest.SamsungOverlayPermission) {
		t.Error("Samsung permission missing")
	}
}

func TestBuild_Split(t *testing.T) {
	h := newHarness(t, nil)
	first := h.resDir("first", map[string]string{
		"values/colors.xml":            "first",
		"drawable-xhdpi/icon.png":      "x1",
		"drawable-night-hdpi-v4/a.png": "h",
		"drawable/shape.xml":           "s",
	})
	second := h.resDir("second", map[string]string{
		"values/colors.xml":       "second",
		"drawable-xhdpi/icon.png": "x2",
	})

	req := baseRequest(first, second)
	req.Split = true
	res, err := h.builder.Build(context.Background(), req)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if !res.OK() {
		t.Fatalf("Build() failed: %v", res.Err)
	}

	want := []string{
		filepath.Join(h.opts.OutDir, req.Package+".apk"),
		filepath.Join(h.opts.OutDir, req.Package+".config.hdpi.apk"),
		filepath.Join(h.opts.OutDir, req.Package+".config.xhdpi.apk"),
	}
	if !slices.Equal(res.Paths, want) {
		t.Fatalf("Paths = %v, want %v", res.Paths, want)
	}
	for _, p := range res.Paths {
		if _, err := apksign.Verify(p, 29); err != nil {
			t.Errorf("%s does not verify: %v", filepath.Base(p), err)
		}
	}

	unsigned := func(name string) string {
		return filepath.Join(h.opts.OutDir, name+"-unsigned.apk")
	}
	if got := h.resTrees[unsigned(req.Package)]; !slices.Equal(got, []string{"drawable/shape.xml", "values/colors.xml"}) {
		t.Errorf("base resources = %v", got)
	}
	if got := h.resTrees[unsigned(req.Package+".config.xhdpi")]; !slices.Equal(got, []string{"drawable-xhdpi/icon.png"}) {
		t.Errorf("xhdpi resources = %v", got)
	}

	split, err := manifest.Parse(h.manifests[unsigned(req.Package+".config.hdpi")])
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if split.Split != "config.hdpi" || split.Package != req.Package {
		t.Errorf("split manifest = %+v", split)
	}
}

func TestPartition_LaterDirectoriesWin(t *testing.T) {
	h := newHarness(t, nil)
	first := h.resDir("first", map[string]string{"values/colors.xml": "first", "drawable-mdpi/a.png": "1"})
	second := h.resDir("second", map[string]string{"values/colors.xml": "second", "drawable-mdpi/a.png": "2"})
	work := filepath.Join(h.root, "partition")

	base, splits, err := h.builder.partition(baseRequest(first, second), work)
	if err != nil {
		t.Fatalf("partition() error = %v", err)
	}
	got, _ := os.ReadFile(filepath.Join(base, "values", "colors.xml"))
	if string(got) != "second" {
		t.Errorf("merged colors.xml = %q, want second", got)
	}
	got, _ = os.ReadFile(filepath.Join(splits["mdpi"], "drawable-mdpi", "a.png"))
	if string(got) != "2" {
		t.Errorf("split a.png = %q, want 2", got)
	}
	if _, err := os.Stat(filepath.Join(base, "drawable-mdpi")); !os.IsNotExist(err) {
		t.Error("density drawables must leave the base tree")
	}
}

func TestDensityOf(t *testing.T) {
	tests := []struct {
		dir  string
		want string
	}{
		{"drawable-xhdpi", "xhdpi"},
		{"drawable-hdpi", "hdpi"},
		{"drawable-night-xxhdpi-v21", "xxhdpi"},
		{"drawable", ""},
		{"drawable-nodpi", ""},
		{"mipmap-xhdpi", ""},
		{"values-hdpi", ""},
	}
	for _, tt := range tests {
		if got := densityOf(tt.dir); got != tt.want {
			t.Errorf("densityOf(%q) = %q, want %q", tt.dir, got, tt.want)
		}
	}
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("pkg")
			mu.Lock()
			inFlight++
			maxInFlight = max(maxInFlight, inFlight)
			mu.Unlock()

			mu.Lock()
			inFlight--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	if maxInFlight != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxInFlight)
	}
	if len(k.locks) != 0 {
		t.Errorf("locks map not cleaned up: %d entries", len(k.locks))
	}

	a := k.Lock("a")
	b := k.Lock("b") // distinct keys do not block each other
	b()
	a()
}
