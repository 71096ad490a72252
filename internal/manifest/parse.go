package manifest

import (
	"encoding/xml"
	"fmt"
	"strconv"
)

// Parsed is a decoded overlay or split manifest.
type Parsed struct {
	XMLName     xml.Name `xml:"manifest"`
	Package     string   `xml:"package,attr"`
	Split       string   `xml:"split,attr"`
	VersionCode string   `xml:"http://schemas.android.com/apk/res/android versionCode,attr"`
	VersionName string   `xml:"http://schemas.android.com/apk/res/android versionName,attr"`
	Overlay     struct {
		TargetPackage string `xml:"http://schemas.android.com/apk/res/android targetPackage,attr"`
		Priority      string `xml:"http://schemas.android.com/apk/res/android priority,attr"`
	} `xml:"overlay"`
	UsesSDK *struct {
		TargetSDK string `xml:"http://schemas.android.com/apk/res/android targetSdkVersion,attr"`
	} `xml:"uses-sdk"`
	Permissions []struct {
		Name string `xml:"http://schemas.android.com/apk/res/android name,attr"`
	} `xml:"uses-permission"`
	Application struct {
		AllowBackup string `xml:"http://schemas.android.com/apk/res/android allowBackup,attr"`
		HasCode     string `xml:"http://schemas.android.com/apk/res/android hasCode,attr"`
		Label       string `xml:"http://schemas.android.com/apk/res/android label,attr"`
		MetaData    []struct {
			Name  string `xml:"http://schemas.android.com/apk/res/android name,attr"`
			Value string `xml:"http://schemas.android.com/apk/res/android value,attr"`
		} `xml:"meta-data"`
	} `xml:"application"`
}

// Parse decodes manifest XML.
func Parse(data []byte) (*Parsed, error) {
	var p Parsed
	if err := xml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &p, nil
}

// MetaData returns the application meta-data in document order.
func (p *Parsed) MetaData() []MetaData {
	out := make([]MetaData, 0, len(p.Application.MetaData))
	for _, m := range p.Application.MetaData {
		out = append(out, MetaData{Name: m.Name, Value: m.Value})
	}
	return out
}

// Timestamp returns the install timestamp meta-data value.
func (p *Parsed) Timestamp() (int64, bool) {
	for _, m := range p.Application.MetaData {
		if m.Name == MetadataInstallTimestamp {
			ts, err := strconv.ParseInt(m.Value, 10, 64)
			return ts, err == nil
		}
	}
	return 0, false
}

// HasPermission reports whether the manifest requests name.
func (p *Parsed) HasPermission(name string) bool {
	for _, perm := range p.Permissions {
		if perm.Name == name {
			return true
		}
	}
	return false
}
