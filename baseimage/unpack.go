package baseimage

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	gzip "github.com/klauspost/compress/gzip"

	"github.com/stagecraft/stagecraft/internal/log"
)

// Unpack extracts every layer of img into destDir in order, applying
// OCI whiteouts as deletions so the result matches the flattened
// image filesystem.
func Unpack(img v1.Image, destDir string) error {
	logger := log.WithComponent("baseimage")

	layers, err := img.Layers()
	if err != nil {
		return fmt.Errorf("failed to get layers: %v", err)
	}

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %v", destDir, err)
	}

	for i, layer := range layers {
		if err := unpackLayer(layer, destDir); err != nil {
			return fmt.Errorf("failed to unpack layer %d: %v", i, err)
		}
	}

	logger.Infof("Unpacked %d layers into %s", len(layers), destDir)
	return nil
}

func unpackLayer(layer v1.Layer, destDir string) error {
	rc, err := layer.Compressed()
	if err != nil {
		return fmt.Errorf("failed to read layer: %v", err)
	}
	defer rc.Close()

	gz, err := gzip.NewReader(rc)
	if err != nil {
		return fmt.Errorf("failed to create gzip reader: %v", err)
	}
	defer gz.Close()

	return applyLayer(gz, destDir)
}

// applyLayer writes the entries of an uncompressed layer tar stream
// into destDir. Whiteout entries delete their targets instead of
// creating files.
func applyLayer(r io.Reader, destDir string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read tar entry: %v", err)
		}

		cleanName := filepath.Clean(hdr.Name)
		if cleanName == ".." || strings.HasPrefix(cleanName, ".."+string(os.PathSeparator)) {
			continue
		}
		target := filepath.Join(destDir, cleanName)

		base := filepath.Base(cleanName)
		dir := filepath.Dir(cleanName)

		if base == ".wh..wh..opq" {
			opaqueDir := filepath.Join(destDir, dir)
			entries, _ := os.ReadDir(opaqueDir)
			for _, e := range entries {
				os.RemoveAll(filepath.Join(opaqueDir, e.Name()))
			}
			continue
		}
		if strings.HasPrefix(base, ".wh.") {
			os.RemoveAll(filepath.Join(destDir, dir, strings.TrimPrefix(base, ".wh.")))
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return fmt.Errorf("failed to create directory %s: %v", cleanName, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("failed to create parent of %s: %v", cleanName, err)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return fmt.Errorf("failed to create %s: %v", cleanName, err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return fmt.Errorf("failed to write %s: %v", cleanName, err)
			}
			f.Close()
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("failed to create parent of %s: %v", cleanName, err)
			}
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return fmt.Errorf("failed to create symlink %s: %v", cleanName, err)
			}
		case tar.TypeLink:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("failed to create parent of %s: %v", cleanName, err)
			}
			os.Remove(target)
			if err := os.Link(filepath.Join(destDir, filepath.Clean(hdr.Linkname)), target); err != nil {
				return fmt.Errorf("failed to create hard link %s: %v", cleanName, err)
			}
		}
	}
	return nil
}
