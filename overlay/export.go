package overlay

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/stagecraft/stagecraft/internal/types"
)

// ExportLayer writes a part's layer directory to w as a zstd-compressed
// tarball, preserving modes and symlinks. An empty layer produces an
// empty archive.
func (m *Manager) ExportLayer(part *types.Part, w io.Writer) error {
	layerDir := m.project.PartLayerDir(part)

	encoder, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	tarWriter := tar.NewWriter(encoder)

	err = filepath.Walk(layerDir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) && path == layerDir {
				return filepath.SkipAll
			}
			return walkErr
		}

		rel, err := filepath.Rel(layerDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		var linkTarget string
		if info.Mode()&os.ModeSymlink != 0 {
			if linkTarget, err = os.Readlink(path); err != nil {
				return err
			}
		}

		header, err := tar.FileInfoHeader(info, linkTarget)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)

		if err := tarWriter.WriteHeader(header); err != nil {
			return err
		}

		if info.Mode().IsRegular() {
			file, err := os.Open(path)
			if err != nil {
				return err
			}
			_, err = io.Copy(tarWriter, file)
			file.Close()
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		tarWriter.Close()
		encoder.Close()
		return err
	}

	if err := tarWriter.Close(); err != nil {
		encoder.Close()
		return err
	}
	return encoder.Close()
}
