// Package manifest defines the ordered package list consumed during
// provisioning. The list is fixed at build time; ordering is
// significant (runtime libraries precede the packages linked against
// them) and is never reordered at runtime.
package manifest

import (
	_ "embed"
	"fmt"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed manifest.yaml
var embedded []byte

// Entry is one package to install: its archive filename and the sha256
// checksum of that exact archive.
type Entry struct {
	// File is the archive filename within the repository pool,
	// without the architecture directory.
	File string `yaml:"file"`

	// SHA256 is the hex checksum of the archive.
	SHA256 string `yaml:"sha256"`

	// AllArch marks an architecture-independent package, served from
	// the "all" directory instead of the host architecture's.
	AllArch bool `yaml:"allarch,omitempty"`
}

// Manifest is the ordered package list plus the repository base URL it
// is served from.
type Manifest struct {
	Repository string  `yaml:"repository"`
	Packages   []Entry `yaml:"packages"`
}

// Parse decodes a YAML manifest and validates it.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Repository == "" {
		return nil, fmt.Errorf("manifest has no repository base URL")
	}
	if len(m.Packages) == 0 {
		return nil, fmt.Errorf("manifest lists no packages")
	}
	for i, e := range m.Packages {
		if e.File == "" {
			return nil, fmt.Errorf("manifest entry %d has no file", i)
		}
		if e.SHA256 != "" && len(e.SHA256) != 64 {
			return nil, fmt.Errorf("manifest entry %s: malformed sha256", e.File)
		}
	}
	return &m, nil
}

// Default returns the manifest compiled into the binary.
func Default() (*Manifest, error) {
	return Parse(embedded)
}

// URL composes the download URL for an entry: the repository base, the
// architecture directory ("all" for architecture-independent packages)
// and the archive filename.
func (m *Manifest) URL(e Entry, arch string) string {
	dir := arch
	if e.AllArch {
		dir = "all"
	}
	return strings.TrimRight(m.Repository, "/") + "/" + dir + "/" + e.File
}

// HostArch maps the running architecture to its Debian name.
func HostArch() (string, error) {
	switch runtime.GOARCH {
	case "arm64":
		return "arm64", nil
	case "arm":
		return "armhf", nil
	case "amd64":
		return "amd64", nil
	case "386":
		return "i386", nil
	default:
		return "", fmt.Errorf("no Debian architecture for %s", runtime.GOARCH)
	}
}
