package types

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v2"
)

// hostDebArch maps the Go architecture to the Debian architecture name
func hostDebArch() string {
	switch runtime.GOARCH {
	case "arm":
		return "armhf"
	case "386":
		return "i386"
	case "ppc64le":
		return "ppc64el"
	default:
		return runtime.GOARCH
	}
}

type partConfig struct {
	Name          string   `yaml:"name"`
	StagePackages []string `yaml:"stage-packages"`
	BuildPackages []string `yaml:"build-packages"`
}

type projectConfig struct {
	Application string       `yaml:"application"`
	Base        string       `yaml:"base"`
	TargetArch  string       `yaml:"target-arch"`
	Parts       []partConfig `yaml:"parts"`
}

// LoadProject reads a project file and returns its ProjectInfo. The part
// ordering in the file is the global build order. Relative work and cache
// directories are resolved against the project file's directory.
func LoadProject(path, workDir, cacheDir string) (*ProjectInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read project file %s: %v", path, err)
	}

	var config projectConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse project file %s: %v", path, err)
	}

	if config.Application == "" {
		config.Application = "stagecraft"
	}
	if config.TargetArch == "" {
		config.TargetArch = hostDebArch()
	}

	baseDir := filepath.Dir(path)
	if workDir == "" {
		workDir = filepath.Join(baseDir, "work")
	}
	if cacheDir == "" {
		cacheDir = filepath.Join(baseDir, "cache")
	}

	info := &ProjectInfo{
		Application: config.Application,
		Base:        config.Base,
		TargetArch:  config.TargetArch,
		CacheDir:    cacheDir,
		WorkDir:     workDir,
	}

	seen := make(map[string]bool)
	for _, part := range config.Parts {
		if part.Name == "" {
			return nil, fmt.Errorf("project file %s: empty part name", path)
		}
		if seen[part.Name] {
			return nil, fmt.Errorf("project file %s: duplicate part %q", path, part.Name)
		}
		seen[part.Name] = true
		info.Parts = append(info.Parts, &Part{
			Name:          part.Name,
			StagePackages: part.StagePackages,
			BuildPackages: part.BuildPackages,
		})
	}

	return info, nil
}
