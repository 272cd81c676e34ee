package packages

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// normalize runs the cross-package fixups once after all archives have
// been merged into the install tree: absolute symlinks between staged
// files become relative, and pkg-config files get their prefix rewritten
// to the install tree.
func normalize(installDir string, logger *logrus.Entry) error {
	if err := fixSymlinks(installDir, logger); err != nil {
		return err
	}
	return fixPkgConfig(installDir)
}

func fixSymlinks(installDir string, logger *logrus.Entry) error {
	return filepath.Walk(installDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink == 0 {
			return nil
		}

		target, err := os.Readlink(path)
		if err != nil {
			return err
		}
		if !filepath.IsAbs(target) {
			return nil
		}

		// An absolute target only makes sense when the staged tree
		// provides it; rewrite it relative to the link location.
		staged := filepath.Join(installDir, target)
		if _, err := os.Lstat(staged); err != nil {
			logger.Debugf("Leaving dangling symlink %s -> %s", path, target)
			return nil
		}

		rel, err := filepath.Rel(filepath.Dir(path), staged)
		if err != nil {
			return err
		}
		if err := os.Remove(path); err != nil {
			return err
		}
		return os.Symlink(rel, path)
	})
}

func fixPkgConfig(installDir string) error {
	for _, dir := range []string{
		filepath.Join(installDir, "usr", "lib", "pkgconfig"),
		filepath.Join(installDir, "usr", "share", "pkgconfig"),
	} {
		matches, err := filepath.Glob(filepath.Join(dir, "*.pc"))
		if err != nil {
			return err
		}
		for _, path := range matches {
			if err := rewritePkgConfigPrefix(path, installDir); err != nil {
				return err
			}
		}
	}
	return nil
}

func rewritePkgConfigPrefix(path, installDir string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var out bytes.Buffer
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "prefix=") {
			prefix := strings.TrimPrefix(line, "prefix=")
			line = "prefix=" + filepath.Join(installDir, prefix)
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	return os.WriteFile(path, out.Bytes(), info.Mode().Perm())
}
