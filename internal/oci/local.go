package oci

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Import copies an image from another OCI layout directory (for example one
// written by `skopeo copy docker://alpine oci:dir`) into the store and tags
// it as ref. srcRef selects the image in the source layout; it may be empty
// when the layout holds a single image.
func (s *Store) Import(ctx context.Context, srcDir, srcRef, ref string) (ocispec.Descriptor, error) {
	if _, err := os.Stat(filepath.Join(srcDir, ocispec.ImageLayoutFile)); err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("%s is not an OCI layout: %w", srcDir, err)
	}
	src := &Store{dir: srcDir, logger: s.logger, base: s.base}

	desc, err := src.findDescriptor(srcRef)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	if err := copyImage(ctx, src, s, desc); err != nil {
		return ocispec.Descriptor{}, err
	}
	desc.Annotations = nil
	if err := s.Tag(ctx, ref, desc); err != nil {
		return ocispec.Descriptor{}, err
	}
	return desc, nil
}

// Export copies the image tagged ref, with all of its blobs, into the OCI
// layout at dstDir, creating the layout if needed.
func (s *Store) Export(ctx context.Context, ref, dstDir string) error {
	desc, err := s.findDescriptor(ref)
	if err != nil {
		return err
	}
	dst, err := OpenStore(dstDir, s.base)
	if err != nil {
		return err
	}
	if err := copyImage(ctx, s, dst, desc); err != nil {
		return err
	}
	return dst.Tag(ctx, ref, desc)
}

// findDescriptor locates a tagged descriptor. Annotations are compared both
// verbatim and normalized, since other tools often record only the tag.
func (s *Store) findDescriptor(ref string) (ocispec.Descriptor, error) {
	index, err := s.readIndex()
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	if ref == "" {
		if len(index.Manifests) != 1 {
			return ocispec.Descriptor{}, fmt.Errorf("layout %s holds %d images; a reference is required", s.dir, len(index.Manifests))
		}
		return index.Manifests[0], nil
	}

	normalized, _ := NormalizeRef(ref)
	for _, d := range index.Manifests {
		name := d.Annotations[ocispec.AnnotationRefName]
		if name == "" {
			continue
		}
		if name == ref || name == normalized {
			return d, nil
		}
		if n, err := NormalizeRef(name); err == nil && n == normalized {
			return d, nil
		}
	}
	return ocispec.Descriptor{}, fmt.Errorf("%w: %s", ErrImageNotFound, ref)
}

// copyImage copies desc and every blob it references from src to dst.
func copyImage(ctx context.Context, src, dst *Store, desc ocispec.Descriptor) error {
	if err := copyBlob(ctx, src, dst, desc); err != nil {
		return err
	}

	data, err := src.readBlob(ctx, desc.Digest)
	if err != nil {
		return err
	}
	mediaType := desc.MediaType
	if mediaType == "" {
		mediaType = sniffMediaType(data)
	}

	switch mediaType {
	case ocispec.MediaTypeImageIndex, MediaTypeDockerManifestList:
		var index ocispec.Index
		if err := json.Unmarshal(data, &index); err != nil {
			return fmt.Errorf("decode image index: %w", err)
		}
		for _, m := range index.Manifests {
			if err := copyImage(ctx, src, dst, m); err != nil {
				// Layouts produced for a single platform often omit the
				// other entries of a multi-platform index.
				if errors.Is(err, ErrBlobNotFound) {
					src.logger.Debug("skipping missing platform manifest", slog.String("digest", m.Digest.String()))
					continue
				}
				return err
			}
		}
		return nil

	case ocispec.MediaTypeImageManifest, MediaTypeDockerManifest:
		var manifest ocispec.Manifest
		if err := json.Unmarshal(data, &manifest); err != nil {
			return fmt.Errorf("decode manifest: %w", err)
		}
		if err := copyBlob(ctx, src, dst, manifest.Config); err != nil {
			return err
		}
		for _, layer := range manifest.Layers {
			if err := copyBlob(ctx, src, dst, layer); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("unsupported manifest media type %q", mediaType)
	}
}

func copyBlob(ctx context.Context, src, dst *Store, desc ocispec.Descriptor) error {
	if dst.HasBlob(desc.Digest) {
		return nil
	}
	in, err := src.OpenBlob(ctx, desc.Digest)
	if err != nil {
		return err
	}
	defer in.Close()

	if _, _, err := dst.WriteBlob(ctx, in, desc.Digest); err != nil {
		return fmt.Errorf("copy blob %s: %w", desc.Digest, err)
	}
	return nil
}
