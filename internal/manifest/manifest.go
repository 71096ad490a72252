// Package manifest renders the AndroidManifest.xml files fed to aapt when
// compiling overlays, and parses them back.
//
// The overlay manifest carries an install timestamp in its application
// metadata. That value is read back from the installed package later to tell
// whether the system is running the overlay that was most recently built.
package manifest

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
)

// AndroidNS is the android attribute namespace.
const AndroidNS = "http://schemas.android.com/apk/res/android"

const (
	// MetadataInstallTimestamp is the application meta-data key holding the
	// build timestamp.
	MetadataInstallTimestamp = "install_timestamp"

	// OverlayPermission is requested by every overlay so theme apps can list
	// them by permission.
	OverlayPermission = "projekt.substratum.permission.OVERLAY"

	// SamsungOverlayPermission lets Samsung's overlay manager load the overlay.
	SamsungOverlayPermission = "com.samsung.android.permission.SAMSUNG_OVERLAY_COMPONENT"
)

// DensityIdentifiers are the drawable qualifiers split into per-density APKs.
var DensityIdentifiers = []string{"ldpi", "mdpi", "hdpi", "xhdpi", "xxhdpi", "xxxhdpi"}

// standaloneSamsungTargets do not take the Samsung overlay permission.
var standaloneSamsungTargets = map[string]bool{
	"com.sec.android.app.music":     true,
	"com.sec.android.app.voicenote": true,
}

// NeedsSamsungPermission reports whether an overlay for target built on a
// Samsung device must request SamsungOverlayPermission.
func NeedsSamsungPermission(samsung bool, target string) bool {
	return samsung && !standaloneSamsungTargets[target]
}

// SynergyTargetSDK returns the targetSdkVersion to stamp on overlays handed
// to Synergy, or 0 when none is needed. Unrooted Samsung Q overlays must
// target Q or later.
func SynergyTargetSDK(synergy bool, apiLevel int) int {
	if synergy && apiLevel >= 29 {
		return apiLevel
	}
	return 0
}

// MetaData is an application meta-data pair.
type MetaData struct {
	Name  string
	Value string
}

// Overlay describes an overlay package manifest.
type Overlay struct {
	Package     string
	Target      string
	Timestamp   int64
	VersionCode *int64
	VersionName string
	Label       string

	// MetaData is written in order, before the install timestamp.
	MetaData []MetaData

	// TargetSDK adds a uses-sdk element when non-zero.
	TargetSDK int

	// VendorPermission requests SamsungOverlayPermission.
	VendorPermission bool
}

// Render returns the manifest XML.
func (o *Overlay) Render() ([]byte, error) {
	if o.Package == "" {
		return nil, fmt.Errorf("overlay manifest: package name is required")
	}
	if o.Target == "" {
		return nil, fmt.Errorf("overlay manifest: target package is required")
	}

	root := []xml.Attr{
		attr("xmlns:android", AndroidNS),
		attr("package", o.Package),
	}
	if o.VersionCode != nil {
		root = append(root, attr("android:versionCode", strconv.FormatInt(*o.VersionCode, 10)))
	}
	if o.VersionName != "" {
		root = append(root, attr("android:versionName", o.VersionName))
	}

	children := []node{
		{name: "overlay", attrs: []xml.Attr{attr("android:targetPackage", o.Target)}},
	}
	if o.TargetSDK > 0 {
		children = append(children, node{name: "uses-sdk", attrs: []xml.Attr{
			attr("android:targetSdkVersion", strconv.Itoa(o.TargetSDK)),
		}})
	}
	if o.VendorPermission {
		children = append(children, usesPermission(SamsungOverlayPermission))
	}
	children = append(children, usesPermission(OverlayPermission))

	appAttrs := []xml.Attr{
		attr("android:allowBackup", "false"),
		attr("android:hasCode", "false"),
	}
	if o.Label != "" {
		appAttrs = append(appAttrs, attr("android:label", o.Label))
	}
	var meta []node
	for _, m := range o.MetaData {
		meta = append(meta, metaData(m.Name, m.Value))
	}
	meta = append(meta, metaData(MetadataInstallTimestamp, strconv.FormatInt(o.Timestamp, 10)))
	children = append(children, node{name: "application", attrs: appAttrs, children: meta})

	return render(node{name: "manifest", attrs: root, children: children})
}

// Split describes a per-density configuration split of an overlay.
type Split struct {
	Package string
	Density string
}

// Name returns the split name, config.<density>.
func (s *Split) Name() string {
	return "config." + s.Density
}

// Render returns the split manifest XML.
func (s *Split) Render() ([]byte, error) {
	if s.Package == "" || s.Density == "" {
		return nil, fmt.Errorf("split manifest: package and density are required")
	}
	return render(node{
		name: "manifest",
		attrs: []xml.Attr{
			attr("xmlns:android", AndroidNS),
			attr("package", s.Package),
			attr("configForSplit", ""),
			attr("split", s.Name()),
		},
		children: []node{
			{name: "application", attrs: []xml.Attr{attr("android:hasCode", "false")}},
		},
	})
}

// RootFix renders the manifest of the OneUI 2 framework fix overlay.
func RootFix() ([]byte, error) {
	return render(node{
		name: "manifest",
		attrs: []xml.Attr{
			attr("xmlns:android", AndroidNS),
			attr("package", "samsung.root.fix"),
		},
		children: []node{
			usesPermission(SamsungOverlayPermission),
			usesPermission(OverlayPermission),
			{name: "application", attrs: []xml.Attr{
				attr("android:allowBackup", "false"),
				attr("android:hasCode", "false"),
			}},
			{name: "overlay", attrs: []xml.Attr{
				attr("android:priority", "1"),
				attr("android:targetPackage", "fwk"),
			}},
		},
	})
}

// BoolResources renders a values resource file with a single bool.
func BoolResources(name string, value bool) ([]byte, error) {
	return render(node{
		name: "resources",
		children: []node{
			{name: "bool", attrs: []xml.Attr{attr("name", name)}, text: strconv.FormatBool(value)},
		},
	})
}

type node struct {
	name     string
	attrs    []xml.Attr
	children []node
	text     string
}

// attr builds an attribute whose qualified name is written verbatim, which
// keeps the android: prefix and attribute order exactly as given.
func attr(name, value string) xml.Attr {
	return xml.Attr{Name: xml.Name{Local: name}, Value: value}
}

func usesPermission(name string) node {
	return node{name: "uses-permission", attrs: []xml.Attr{attr("android:name", name)}}
}

func metaData(name, value string) node {
	return node{name: "meta-data", attrs: []xml.Attr{
		attr("android:name", name),
		attr("android:value", value),
	}}
}

func render(root node) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="utf-8" standalone="yes"?>` + "\n")
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "    ")
	if err := encode(enc, root); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func encode(enc *xml.Encoder, n node) error {
	start := xml.StartElement{Name: xml.Name{Local: n.name}, Attr: n.attrs}
	if err := enc.EncodeToken(start); err != nil {
		return fmt.Errorf("failed to encode <%s>: %w", n.name, err)
	}
	if n.text != "" {
		if err := enc.EncodeToken(xml.CharData(n.text)); err != nil {
			return err
		}
	}
	for _, c := range n.children {
		if err := encode(enc, c); err != nil {
			return err
		}
	}
	return enc.EncodeToken(start.End())
}
