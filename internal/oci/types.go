package oci

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"slices"
	"strings"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Docker media types accepted alongside their OCI equivalents.
const (
	MediaTypeDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
	MediaTypeDockerLayer        = "application/vnd.docker.image.rootfs.diff.tar"
	MediaTypeDockerLayerGzip    = "application/vnd.docker.image.rootfs.diff.tar.gzip"
)

// Image is an image resolved from the store.
type Image struct {
	Ref        string             // Normalized reference the image was resolved from
	Descriptor ocispec.Descriptor // Manifest descriptor
	Manifest   ocispec.Manifest
	Config     ocispec.Image

	store *Store
}

// Layers returns the layer descriptors, base first.
func (img *Image) Layers() []ocispec.Descriptor {
	return img.Manifest.Layers
}

// OpenLayer returns the uncompressed tar stream of a layer.
func (img *Image) OpenLayer(ctx context.Context, desc ocispec.Descriptor) (io.ReadCloser, error) {
	return img.store.OpenLayer(ctx, desc)
}

// OpenLayer returns the uncompressed tar stream of a layer blob, decompressing
// according to its media type.
func (s *Store) OpenLayer(ctx context.Context, desc ocispec.Descriptor) (io.ReadCloser, error) {
	compression, err := compressionFromMediaType(desc.MediaType)
	if err != nil {
		return nil, err
	}
	rc, err := s.OpenBlob(ctx, desc.Digest)
	if err != nil {
		return nil, err
	}
	if compression == "none" {
		return rc, nil
	}

	zr, err := gzip.NewReader(rc)
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("open gzip layer %s: %w", desc.Digest, err)
	}
	return &gzipLayer{Reader: zr, blob: rc}, nil
}

type gzipLayer struct {
	*gzip.Reader
	blob io.Closer
}

func (l *gzipLayer) Close() error {
	err := l.Reader.Close()
	if cerr := l.blob.Close(); err == nil {
		err = cerr
	}
	return err
}

func compressionFromMediaType(mediaType string) (string, error) {
	switch mediaType {
	case MediaTypeDockerLayerGzip,
		ocispec.MediaTypeImageLayerGzip,
		ocispec.MediaTypeImageLayerNonDistributableGzip:
		return "gzip", nil
	case ocispec.MediaTypeImageLayer,
		ocispec.MediaTypeImageLayerNonDistributable,
		MediaTypeDockerLayer:
		return "none", nil
	default:
		if strings.Contains(mediaType, "gzip") {
			return "gzip", nil
		}
		return "", fmt.Errorf("unsupported layer media type %s", mediaType)
	}
}

// Command returns the command to run, combining entrypoint and cmd.
// If overrideCmd is provided, it replaces the cmd portion.
func (img *Image) Command(overrideCmd []string) []string {
	cfg := img.Config.Config
	entrypoint := slices.Clone(cfg.Entrypoint)
	if len(overrideCmd) > 0 {
		return append(entrypoint, overrideCmd...)
	}
	if len(entrypoint) > 0 {
		return append(entrypoint, cfg.Cmd...)
	}
	return slices.Clone(cfg.Cmd)
}
