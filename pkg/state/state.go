// Package state derives the current lifecycle state from the property
// store. It never mutates properties; every mutating operation gates on
// these reads before touching the host.
package state

import (
	"github.com/ContainerDroid/android-vendor-cm/pkg/props"
)

// Probe answers lifecycle state questions from the property store.
type Probe struct {
	store props.Store
	names props.Names
}

// NewProbe creates a Probe over the given store and property names.
func NewProbe(store props.Store, names props.Names) *Probe {
	return &Probe{store: store, names: names}
}

func (p *Probe) boolProp(name string) (bool, error) {
	v, err := p.store.Get(name)
	if err != nil {
		return false, err
	}
	return v == "true", nil
}

// IsEnabled reports whether bootstrap has completed successfully.
func (p *Probe) IsEnabled() (bool, error) {
	return p.boolProp(p.names.Enabled)
}

// IsDiskImageMounted reports whether the disk image is attached to its
// loop device and mounted at the environment root.
func (p *Probe) IsDiskImageMounted() (bool, error) {
	return p.boolProp(p.names.DiskImageMounted)
}

// IsRamdiskMounted reports whether the overlay mounts are live.
func (p *Probe) IsRamdiskMounted() (bool, error) {
	return p.boolProp(p.names.RamdiskMounted)
}

// RootDir returns the configured environment root path ("" if unset).
func (p *Probe) RootDir() (string, error) {
	return p.store.Get(p.names.RootDir)
}

// DiskImage returns the configured disk image path ("" = no image, the
// environment root is a plain directory).
func (p *Probe) DiskImage() (string, error) {
	return p.store.Get(p.names.DiskImage)
}

// DiskImageSize returns the configured image size string, e.g. "1G".
func (p *Probe) DiskImageSize() (string, error) {
	return p.store.Get(p.names.DiskImageSize)
}

// Snapshot is a point-in-time read of every lifecycle property. It is
// not transactional; status reporting only.
type Snapshot struct {
	Enabled          bool   `json:"enabled"            yaml:"enabled"`
	RootDir          string `json:"rootdir"            yaml:"rootdir"`
	DiskImage        string `json:"diskimage"          yaml:"diskimage"`
	DiskImageSize    string `json:"diskimage_size"     yaml:"diskimage_size"`
	DiskImageMounted bool   `json:"diskimage_mounted"  yaml:"diskimage_mounted"`
	RamdiskMounted   bool   `json:"ramdisk_mounted"    yaml:"ramdisk_mounted"`
}

// Snapshot reads all lifecycle properties. Individual read failures
// leave the corresponding field at its zero value: status must always
// produce output.
func (p *Probe) Snapshot() Snapshot {
	var s Snapshot
	s.Enabled, _ = p.IsEnabled()
	s.RootDir, _ = p.RootDir()
	s.DiskImage, _ = p.DiskImage()
	s.DiskImageSize, _ = p.DiskImageSize()
	s.DiskImageMounted, _ = p.IsDiskImageMounted()
	s.RamdiskMounted, _ = p.IsRamdiskMounted()
	return s
}

// Describe renders the snapshot's overall lifecycle phase for humans.
func (s Snapshot) Describe() string {
	switch {
	case s.RamdiskMounted:
		return "mounted"
	case s.DiskImageMounted:
		return "image attached"
	case s.Enabled:
		return "provisioned"
	default:
		return "not provisioned"
	}
}
