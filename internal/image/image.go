// Package image assembles OCI image configs and manifests from build layers.
package image

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Layer is one filesystem layer of an image. DiffID is the digest of the
// uncompressed tar stream; for uncompressed layers it equals the blob digest.
type Layer struct {
	Descriptor ocispec.Descriptor
	DiffID     digest.Digest
}

// Spec holds the inputs of Assemble.
type Spec struct {
	Layers   []Layer
	Config   ocispec.ImageConfig
	History  []ocispec.History
	Platform ocispec.Platform
	// Created is recorded in the config when set. It is left empty by
	// default so that identical inputs produce identical digests.
	Created     *time.Time
	Author      string
	Annotations map[string]string
}

// Image is an assembled image. It is immutable; its identity is the digest
// of the manifest.
type Image struct {
	Config           ocispec.Image
	Manifest         ocispec.Manifest
	ConfigDescriptor ocispec.Descriptor
	Digest           digest.Digest

	configJSON   []byte
	manifestJSON []byte
}

// Assemble builds the config and manifest documents for spec.
func Assemble(spec Spec) (*Image, error) {
	if spec.Platform.OS == "" || spec.Platform.Architecture == "" {
		return nil, errors.New("image platform requires os and architecture")
	}

	diffIDs := make([]digest.Digest, 0, len(spec.Layers))
	layers := make([]ocispec.Descriptor, 0, len(spec.Layers))
	for i, l := range spec.Layers {
		if err := l.Descriptor.Digest.Validate(); err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		diffID := l.DiffID
		if diffID == "" {
			diffID = l.Descriptor.Digest
		}
		diffIDs = append(diffIDs, diffID)

		desc := l.Descriptor
		if desc.MediaType == "" {
			desc.MediaType = ocispec.MediaTypeImageLayer
		}
		layers = append(layers, desc)
	}

	config := ocispec.Image{
		Created:  spec.Created,
		Author:   spec.Author,
		Platform: spec.Platform,
		Config:   spec.Config,
		RootFS:   ocispec.RootFS{Type: "layers", DiffIDs: diffIDs},
		History:  spec.History,
	}
	configJSON, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("encode image config: %w", err)
	}
	configDesc := ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageConfig,
		Digest:    digest.FromBytes(configJSON),
		Size:      int64(len(configJSON)),
	}

	manifest := ocispec.Manifest{
		Versioned:   specs.Versioned{SchemaVersion: 2},
		MediaType:   ocispec.MediaTypeImageManifest,
		Config:      configDesc,
		Layers:      layers,
		Annotations: spec.Annotations,
	}
	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("encode image manifest: %w", err)
	}

	return &Image{
		Config:           config,
		Manifest:         manifest,
		ConfigDescriptor: configDesc,
		Digest:           digest.FromBytes(manifestJSON),
		configJSON:       configJSON,
		manifestJSON:     manifestJSON,
	}, nil
}

// Descriptor returns the manifest descriptor.
func (img *Image) Descriptor() ocispec.Descriptor {
	p := img.Config.Platform
	return ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageManifest,
		Digest:    img.Digest,
		Size:      int64(len(img.manifestJSON)),
		Platform:  &p,
	}
}

// Blobs returns the config and manifest documents.
func (img *Image) Blobs() [][]byte {
	return [][]byte{img.configJSON, img.manifestJSON}
}
