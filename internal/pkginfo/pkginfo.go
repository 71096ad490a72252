// Package pkginfo answers questions about installed packages: whether one is
// installed, where its APK lives, and what its manifest declares.
package pkginfo

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/shogo82148/androidbinary"

	"github.com/danieljhkim/themekit/internal/shell"
)

// ErrNotInstalled indicates the package manager does not know the package.
var ErrNotInstalled = errors.New("package not installed")

// OverlayPackageInfo is the manifest summary of an installed overlay.
type OverlayPackageInfo struct {
	Name        string
	VersionCode int64
	VersionName string

	// MetaData holds the application meta-data values as the decoder
	// rendered them. Numeric values arrive in their decimal or float form.
	MetaData map[string]string
}

// PackageManager queries installed packages.
type PackageManager interface {
	IsInstalled(ctx context.Context, pkg string) bool
	Path(ctx context.Context, pkg string) (string, error)
	OverlayInfo(ctx context.Context, pkg string) (*OverlayPackageInfo, error)
}

// ShellPackageManager implements PackageManager with `pm path` and reads the
// APK it points at.
type ShellPackageManager struct {
	Runner shell.Runner

	// Read decodes an APK. Defaults to ReadAPK.
	Read func(path string) (*OverlayPackageInfo, error)
}

// NewShellPackageManager creates a ShellPackageManager.
func NewShellPackageManager(r shell.Runner) *ShellPackageManager {
	return &ShellPackageManager{Runner: r, Read: ReadAPK}
}

// IsInstalled reports whether pm knows pkg.
func (m *ShellPackageManager) IsInstalled(ctx context.Context, pkg string) bool {
	_, err := m.Path(ctx, pkg)
	return err == nil
}

// Path returns the base APK path of pkg.
func (m *ShellPackageManager) Path(ctx context.Context, pkg string) (string, error) {
	res, err := m.Runner.Exec(ctx, "pm path "+pkg)
	if err != nil {
		return "", fmt.Errorf("pm path %s: %w", pkg, err)
	}
	for _, line := range res.Output {
		if path, ok := strings.CutPrefix(strings.TrimSpace(line), "package:"); ok && path != "" {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotInstalled, pkg)
}

// OverlayInfo reads the manifest of the installed pkg.
func (m *ShellPackageManager) OverlayInfo(ctx context.Context, pkg string) (*OverlayPackageInfo, error) {
	path, err := m.Path(ctx, pkg)
	if err != nil {
		return nil, err
	}
	read := m.Read
	if read == nil {
		read = ReadAPK
	}
	info, err := read(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", pkg, err)
	}
	return info, nil
}

type binaryManifest struct {
	Package     androidbinary.String `xml:"package,attr"`
	VersionCode androidbinary.Int32  `xml:"http://schemas.android.com/apk/res/android versionCode,attr"`
	VersionName androidbinary.String `xml:"http://schemas.android.com/apk/res/android versionName,attr"`
	Application struct {
		MetaData []struct {
			Name  androidbinary.String `xml:"http://schemas.android.com/apk/res/android name,attr"`
			Value androidbinary.String `xml:"http://schemas.android.com/apk/res/android value,attr"`
		} `xml:"meta-data"`
	} `xml:"application"`
}

// ReadAPK decodes the binary manifest of a compiled APK.
func ReadAPK(path string) (*OverlayPackageInfo, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer zr.Close()

	manifestData, err := readZipFile(&zr.Reader, "AndroidManifest.xml")
	if err != nil {
		return nil, err
	}
	resData, err := readZipFile(&zr.Reader, "resources.arsc")
	if err != nil {
		return nil, err
	}

	table, err := androidbinary.NewTableFile(bytes.NewReader(resData))
	if err != nil {
		return nil, fmt.Errorf("failed to parse resources.arsc: %w", err)
	}
	xmlFile, err := androidbinary.NewXMLFile(bytes.NewReader(manifestData))
	if err != nil {
		return nil, fmt.Errorf("failed to parse AndroidManifest.xml: %w", err)
	}
	var m binaryManifest
	if err := xmlFile.Decode(&m, table, nil); err != nil {
		return nil, fmt.Errorf("failed to decode AndroidManifest.xml: %w", err)
	}

	info := &OverlayPackageInfo{MetaData: make(map[string]string)}
	if info.Name, err = m.Package.String(); err != nil {
		return nil, fmt.Errorf("package name: %w", err)
	}
	if code, err := m.VersionCode.Int32(); err == nil {
		info.VersionCode = int64(code)
	}
	info.VersionName, _ = m.VersionName.String()
	for _, md := range m.Application.MetaData {
		name, err := md.Name.String()
		if err != nil || name == "" {
			continue
		}
		value, _ := md.Value.String()
		info.MetaData[name] = value
	}
	return info, nil
}

func readZipFile(zr *zip.Reader, name string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", name, err)
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, fmt.Errorf("%s not found in archive", name)
}

// FakePackageManager implements PackageManager for testing.
type FakePackageManager struct {
	Packages map[string]*OverlayPackageInfo
	Paths    map[string]string
}

// NewFakePackageManager creates an empty FakePackageManager.
func NewFakePackageManager() *FakePackageManager {
	return &FakePackageManager{
		Packages: make(map[string]*OverlayPackageInfo),
		Paths:    make(map[string]string),
	}
}

// Add registers an installed package.
func (f *FakePackageManager) Add(info *OverlayPackageInfo) {
	f.Packages[info.Name] = info
	f.Paths[info.Name] = "/data/app/" + info.Name + "/base.apk"
}

func (f *FakePackageManager) IsInstalled(ctx context.Context, pkg string) bool {
	_, ok := f.Packages[pkg]
	return ok
}

func (f *FakePackageManager) Path(ctx context.Context, pkg string) (string, error) {
	if p, ok := f.Paths[pkg]; ok {
		return p, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotInstalled, pkg)
}

func (f *FakePackageManager) OverlayInfo(ctx context.Context, pkg string) (*OverlayPackageInfo, error) {
	if info, ok := f.Packages[pkg]; ok {
		return info, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotInstalled, pkg)
}
