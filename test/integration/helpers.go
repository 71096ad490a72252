package integration

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danieljhkim/themekit/internal/apksign"
	"github.com/danieljhkim/themekit/internal/builder"
	"github.com/danieljhkim/themekit/internal/buildtools"
	"github.com/danieljhkim/themekit/internal/clock"
	"github.com/danieljhkim/themekit/internal/config"
	"github.com/danieljhkim/themekit/internal/fsops"
	"github.com/danieljhkim/themekit/internal/pkginfo"
	"github.com/danieljhkim/themekit/internal/shell"
	"github.com/danieljhkim/themekit/internal/state"
)

// fakeRootShell is a root shell that always answers.
type fakeRootShell struct {
	*shell.FakeRunner
}

func (f *fakeRootShell) RootAccess(context.Context) bool { return true }

// testEnv wires a builder, a record store and a fake device together.
type testEnv struct {
	t       *testing.T
	paths   *config.Paths
	builder *builder.Builder
	records state.RecordStore
	clock   *clock.FakeClock

	tools *shell.FakeToolRunner
	sh    *shell.FakeRunner
	su    *fakeRootShell
	pm    *pkginfo.FakePackageManager
}

func setupTestEnv(t *testing.T, apiLevel int) *testEnv {
	t.Helper()
	paths := config.PathsAt(t.TempDir())
	if err := paths.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories() error = %v", err)
	}
	key, err := apksign.EmbeddedKey()
	if err != nil {
		t.Fatalf("EmbeddedKey() error = %v", err)
	}

	fs := fsops.NewRealFS()
	env := &testEnv{
		t:       t,
		paths:   paths,
		records: state.NewFileRecordStore(fs, paths.State),
		clock:   clock.NewFakeClock(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)),
		tools:   &shell.FakeToolRunner{},
		sh:      shell.NewFakeRunner(),
		su:      &fakeRootShell{FakeRunner: shell.NewFakeRunner()},
		pm:      pkginfo.NewFakePackageManager(),
	}
	env.tools.Handler = env.aapt
	env.sh.Handler = env.zipalign

	env.builder = builder.New(builder.Options{
		Tools: buildtools.Tools{
			Aapt:     "/bin/aapt",
			Aapt2:    "/bin/aapt2",
			Zipalign: "/bin/zipalign",
		},
		APILevel: apiLevel,
		OutDir:   paths.Overlays,
		WorkDir:  paths.Work,
	}, env.tools, env.sh, fs, key, nil)
	return env
}

// aapt writes a zip holding the requested manifest to the -F output.
func (e *testEnv) aapt(name string, args []string) (shell.ToolResult, error) {
	var out, manifestPath string
	for i := 0; i+1 < len(args); i++ {
		switch args[i] {
		case "-F":
			out = args[i+1]
		case "-M":
			manifestPath = args[i+1]
		}
	}
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return shell.ToolResult{Stderr: "no manifest", ExitCode: 1}, nil
	}
	f, err := os.Create(out)
	if err != nil {
		return shell.ToolResult{}, err
	}
	defer f.Close()
	w := zip.NewWriter(f)
	entry, err := w.Create("AndroidManifest.xml")
	if err != nil {
		return shell.ToolResult{}, err
	}
	if _, err := entry.Write(data); err != nil {
		return shell.ToolResult{}, err
	}
	return shell.ToolResult{}, w.Close()
}

// zipalign emulates "zipalign 4 in out" by copying.
func (e *testEnv) zipalign(command string) ([]string, error) {
	fields := strings.Fields(command)
	if len(fields) != 4 {
		return []string{"unexpected command"}, nil
	}
	data, err := os.ReadFile(fields[2])
	if err != nil {
		return nil, nil
	}
	return nil, os.WriteFile(fields[3], data, 0644)
}

func (e *testEnv) resDir(files map[string]string) string {
	e.t.Helper()
	dir := filepath.Join(e.t.TempDir(), "res")
	for rel, content := range files {
		p := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			e.t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			e.t.Fatal(err)
		}
	}
	return dir
}

// build builds pkg for target and records the result the way the CLI does.
func (e *testEnv) build(pkg, target, resDir string) *state.BuildRecord {
	e.t.Helper()
	ts := clock.InstallTimestamp(e.clock)
	res, err := e.builder.Build(context.Background(), builder.Request{
		Package:      pkg,
		Target:       target,
		Timestamp:    ts,
		ResourceDirs: []string{resDir},
	})
	if err != nil {
		e.t.Fatalf("Build() error = %v", err)
	}
	if !res.OK() {
		e.t.Fatalf("Build() failed: %v", res.Err)
	}

	record := state.NewBuildRecord(pkg, target, ts, e.clock.Now())
	record.Artifacts = res.Paths
	if err := e.records.Save(record); err != nil {
		e.t.Fatalf("Save() error = %v", err)
	}
	return record
}

// markInstalled makes the fake package manager report pkg with ts.
func (e *testEnv) markInstalled(pkg string, ts string) {
	e.pm.Add(&pkginfo.OverlayPackageInfo{
		Name:     pkg,
		MetaData: map[string]string{"install_timestamp": ts},
	})
}
