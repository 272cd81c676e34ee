package types

import (
	"path/filepath"
)

// Part is one unit of a multi-part build. Parts are materialized in
// build order; each owns a layer directory contributing to the overlay.
type Part struct {
	Name          string
	StagePackages []string
	BuildPackages []string
}

// LayerDir returns the part's writable layer directory under workDir
func (p *Part) LayerDir(workDir string) string {
	return filepath.Join(workDir, "parts", p.Name, "layer")
}

// StagePackagesDir is where the part's fetched package archives land
func (p *Part) StagePackagesDir(workDir string) string {
	return filepath.Join(workDir, "parts", p.Name, "stage_packages")
}

// InstallDir is the part's install tree, populated by unpacking the
// staged archives
func (p *Part) InstallDir(workDir string) string {
	return filepath.Join(workDir, "parts", p.Name, "install")
}

// ProjectInfo carries the project-wide settings the staging engine needs:
// identity, target base image, architecture, directories and the global
// part build order. The build order is immutable once a lifecycle starts.
type ProjectInfo struct {
	Application string
	Base        string
	TargetArch  string
	CacheDir    string
	WorkDir     string
	Parts       []*Part
}

// OverlayDir is the root of the overlay working area
func (p *ProjectInfo) OverlayDir() string {
	return filepath.Join(p.WorkDir, "overlay")
}

// OverlayMountDir is the overlay mount point
func (p *ProjectInfo) OverlayMountDir() string {
	return filepath.Join(p.OverlayDir(), "overlay")
}

// OverlayPackagesDir is the shared package-cache layer directory
func (p *ProjectInfo) OverlayPackagesDir() string {
	return filepath.Join(p.OverlayDir(), "packages")
}

// OverlayWorkDir is the overlayfs scratch directory
func (p *ProjectInfo) OverlayWorkDir() string {
	return filepath.Join(p.OverlayDir(), "work")
}

// PartLayerDir returns the layer directory for the named part
func (p *ProjectInfo) PartLayerDir(part *Part) string {
	return part.LayerDir(p.WorkDir)
}
