// Package baseimage pulls and unpacks OCI base images used as the
// bottom layer of an overlay chain.
package baseimage

import (
	"context"
	"fmt"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/types"

	"github.com/stagecraft/stagecraft/internal/log"
)

// PullResult holds a resolved base image and its content digest.
type PullResult struct {
	Image  v1.Image
	Digest string
}

// ociArchitectures maps Debian architecture names to OCI platform
// architectures and variants.
var ociArchitectures = map[string]struct {
	arch    string
	variant string
}{
	"amd64":   {arch: "amd64"},
	"arm64":   {arch: "arm64"},
	"armhf":   {arch: "arm", variant: "v7"},
	"i386":    {arch: "386"},
	"ppc64el": {arch: "ppc64le"},
	"s390x":   {arch: "s390x"},
	"riscv64": {arch: "riscv64"},
}

// Pull resolves an image reference and fetches the linux variant
// matching the given Debian architecture.
func Pull(ctx context.Context, imageRef, debArch string) (*PullResult, error) {
	logger := log.WithComponent("baseimage")

	platform, ok := ociArchitectures[debArch]
	if !ok {
		return nil, fmt.Errorf("unsupported architecture %q", debArch)
	}

	ref, err := name.ParseReference(imageRef)
	if err != nil {
		return nil, fmt.Errorf("failed to parse image reference %q: %v", imageRef, err)
	}

	logger.Infof("Pulling base image %s for linux/%s", imageRef, platform.arch)

	desc, err := remote.Get(ref, remote.WithContext(ctx), remote.WithPlatform(v1.Platform{
		OS:           "linux",
		Architecture: platform.arch,
		Variant:      platform.variant,
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to pull %s: %v", imageRef, err)
	}

	var img v1.Image

	switch desc.MediaType {
	case types.OCIImageIndex, types.DockerManifestList:
		idx, err := desc.ImageIndex()
		if err != nil {
			return nil, fmt.Errorf("failed to get image index: %v", err)
		}
		manifest, err := idx.IndexManifest()
		if err != nil {
			return nil, fmt.Errorf("failed to get index manifest: %v", err)
		}
		for _, m := range manifest.Manifests {
			if m.Platform == nil || m.Platform.OS != "linux" || m.Platform.Architecture != platform.arch {
				continue
			}
			if platform.variant != "" && m.Platform.Variant != platform.variant {
				continue
			}
			if img, err = idx.Image(m.Digest); err != nil {
				return nil, fmt.Errorf("failed to get linux/%s image: %v", platform.arch, err)
			}
			break
		}
		if img == nil {
			return nil, fmt.Errorf("no linux/%s variant found in %s", platform.arch, imageRef)
		}
	default:
		if img, err = desc.Image(); err != nil {
			return nil, fmt.Errorf("failed to get image: %v", err)
		}
		cfg, err := img.ConfigFile()
		if err != nil {
			return nil, fmt.Errorf("failed to get image config: %v", err)
		}
		if cfg.OS != "linux" || cfg.Architecture != platform.arch {
			return nil, fmt.Errorf("image %s is %s/%s, expected linux/%s",
				imageRef, cfg.OS, cfg.Architecture, platform.arch)
		}
	}

	digest, err := img.Digest()
	if err != nil {
		return nil, fmt.Errorf("failed to get digest: %v", err)
	}

	logger.Infof("Pulled %s (%s)", imageRef, digest.String())

	return &PullResult{Image: img, Digest: digest.String()}, nil
}
