package oci

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/distribution/reference"
	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

var (
	// ErrImageNotFound is returned when a reference is not tagged in the store.
	ErrImageNotFound = errors.New("image not found")
	// ErrBlobNotFound is returned when a blob is missing from the store.
	ErrBlobNotFound = errors.New("blob not found")
	// ErrDigestMismatch is returned when written content does not match the
	// expected digest.
	ErrDigestMismatch = errors.New("digest mismatch")
)

// maxManifestSize bounds manifest, index and config blobs read into memory.
const maxManifestSize = 8 << 20

// Artifact is an assembled image that can be committed to the store.
type Artifact interface {
	// Descriptor returns the manifest descriptor.
	Descriptor() ocispec.Descriptor
	// Blobs returns the JSON documents (config, manifest) the image adds
	// beyond its layers.
	Blobs() [][]byte
}

// Tag is a reference recorded in the store index.
type Tag struct {
	Ref        string
	Descriptor ocispec.Descriptor
}

// Store is a local OCI image layout directory.
type Store struct {
	dir    string
	logger *slog.Logger
	// base is the logger given to OpenStore, for stores opened from this one.
	base *slog.Logger

	// mu serializes index.json updates.
	mu sync.Mutex
}

// OpenStore opens the image layout at dir, initializing it when empty.
func OpenStore(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{dir: dir, logger: logger.With(slog.String("component", "store")), base: logger}

	if err := os.MkdirAll(filepath.Join(dir, ocispec.ImageBlobsDir, string(digest.Canonical)), 0o755); err != nil {
		return nil, fmt.Errorf("create store: %w", err)
	}

	layoutPath := filepath.Join(dir, ocispec.ImageLayoutFile)
	if data, err := os.ReadFile(layoutPath); err == nil {
		var layout ocispec.ImageLayout
		if err := json.Unmarshal(data, &layout); err != nil {
			return nil, fmt.Errorf("decode %s: %w", ocispec.ImageLayoutFile, err)
		}
		if layout.Version != ocispec.ImageLayoutVersion {
			return nil, fmt.Errorf("unsupported image layout version %q", layout.Version)
		}
	} else if errors.Is(err, fs.ErrNotExist) {
		data, _ := json.Marshal(ocispec.ImageLayout{Version: ocispec.ImageLayoutVersion})
		if err := writeFileAtomic(layoutPath, data); err != nil {
			return nil, err
		}
	} else {
		return nil, fmt.Errorf("read %s: %w", ocispec.ImageLayoutFile, err)
	}

	if _, err := os.Stat(filepath.Join(dir, ocispec.ImageIndexFile)); errors.Is(err, fs.ErrNotExist) {
		if err := s.writeIndex(newIndex()); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Dir returns the layout directory.
func (s *Store) Dir() string {
	return s.dir
}

// NormalizeRef returns the fully qualified form of an image reference,
// e.g. "alpine" becomes "docker.io/library/alpine:latest".
func NormalizeRef(ref string) (string, error) {
	named, err := reference.ParseDockerRef(ref)
	if err != nil {
		return "", fmt.Errorf("invalid image reference %q: %w", ref, err)
	}
	return named.String(), nil
}

// BlobPath returns the path of a blob inside the layout.
func (s *Store) BlobPath(d digest.Digest) string {
	return filepath.Join(s.dir, ocispec.ImageBlobsDir, d.Algorithm().String(), d.Encoded())
}

// HasBlob reports whether a blob is present.
func (s *Store) HasBlob(d digest.Digest) bool {
	if d.Validate() != nil {
		return false
	}
	_, err := os.Stat(s.BlobPath(d))
	return err == nil
}

// OpenBlob opens a blob for reading.
func (s *Store) OpenBlob(ctx context.Context, d digest.Digest) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("invalid digest %q: %w", d, err)
	}
	f, err := os.Open(s.BlobPath(d))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, d)
	}
	if err != nil {
		return nil, fmt.Errorf("open blob: %w", err)
	}
	return f, nil
}

func (s *Store) readBlob(ctx context.Context, d digest.Digest) ([]byte, error) {
	rc, err := s.OpenBlob(ctx, d)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, maxManifestSize+1))
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", d, err)
	}
	if len(data) > maxManifestSize {
		return nil, fmt.Errorf("blob %s exceeds %d bytes", d, maxManifestSize)
	}
	return data, nil
}

// WriteBlob copies r into the store and returns its digest and size. When
// expected is non-empty the content must match it.
func (s *Store) WriteBlob(ctx context.Context, r io.Reader, expected digest.Digest) (digest.Digest, int64, error) {
	if expected != "" {
		if err := expected.Validate(); err != nil {
			return "", 0, fmt.Errorf("invalid digest %q: %w", expected, err)
		}
	}

	tmp, err := os.CreateTemp(filepath.Join(s.dir, ocispec.ImageBlobsDir), ".blob-*")
	if err != nil {
		return "", 0, fmt.Errorf("create temp blob: %w", err)
	}
	defer os.Remove(tmp.Name())

	algo := digest.Canonical
	if expected != "" {
		algo = expected.Algorithm()
	}
	digester := algo.Digester()
	n, err := io.Copy(io.MultiWriter(tmp, digester.Hash()), &ctxReader{ctx: ctx, r: r})
	if err != nil {
		tmp.Close()
		return "", 0, fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("close blob: %w", err)
	}

	d := digester.Digest()
	if expected != "" && d != expected {
		return "", 0, fmt.Errorf("%w: expected %s, got %s", ErrDigestMismatch, expected, d)
	}

	dst := s.BlobPath(d)
	if _, err := os.Stat(dst); err == nil {
		return d, n, nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", 0, fmt.Errorf("create blob dir: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", 0, fmt.Errorf("commit blob: %w", err)
	}
	s.logger.Debug("blob written", slog.String("digest", d.String()), slog.Int64("size", n))
	return d, n, nil
}

// PutBlob stores an in-memory blob.
func (s *Store) PutBlob(ctx context.Context, data []byte) (digest.Digest, error) {
	d, _, err := s.WriteBlob(ctx, bytes.NewReader(data), digest.FromBytes(data))
	return d, err
}

// Resolve looks up ref in the store index. Multi-platform indexes are
// narrowed to the manifest for platform.
func (s *Store) Resolve(ctx context.Context, ref string, platform ocispec.Platform) (*Image, error) {
	normalized, err := NormalizeRef(ref)
	if err != nil {
		return nil, err
	}

	index, err := s.readIndex()
	if err != nil {
		return nil, err
	}

	var desc *ocispec.Descriptor
	for i := range index.Manifests {
		if index.Manifests[i].Annotations[ocispec.AnnotationRefName] == normalized {
			desc = &index.Manifests[i]
		}
	}
	if desc == nil {
		return nil, fmt.Errorf("%w: %s", ErrImageNotFound, normalized)
	}

	img, err := s.loadImage(ctx, *desc, platform)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", normalized, err)
	}
	img.Ref = normalized
	return img, nil
}

func (s *Store) loadImage(ctx context.Context, desc ocispec.Descriptor, platform ocispec.Platform) (*Image, error) {
	for range 4 {
		data, err := s.readBlob(ctx, desc.Digest)
		if err != nil {
			return nil, err
		}

		mediaType := desc.MediaType
		if mediaType == "" {
			mediaType = sniffMediaType(data)
		}

		switch mediaType {
		case ocispec.MediaTypeImageIndex, MediaTypeDockerManifestList:
			var index ocispec.Index
			if err := json.Unmarshal(data, &index); err != nil {
				return nil, fmt.Errorf("decode image index: %w", err)
			}
			next, err := selectManifest(index, platform)
			if err != nil {
				return nil, err
			}
			desc = next

		case ocispec.MediaTypeImageManifest, MediaTypeDockerManifest:
			var manifest ocispec.Manifest
			if err := json.Unmarshal(data, &manifest); err != nil {
				return nil, fmt.Errorf("decode manifest: %w", err)
			}
			configData, err := s.readBlob(ctx, manifest.Config.Digest)
			if err != nil {
				return nil, fmt.Errorf("read config: %w", err)
			}
			var config ocispec.Image
			if err := json.Unmarshal(configData, &config); err != nil {
				return nil, fmt.Errorf("decode config: %w", err)
			}
			return &Image{Descriptor: desc, Manifest: manifest, Config: config, store: s}, nil

		default:
			return nil, fmt.Errorf("unsupported manifest media type %q", mediaType)
		}
	}
	return nil, errors.New("image index nesting too deep")
}

// sniffMediaType guesses the media type of a manifest or index whose
// descriptor does not carry one.
func sniffMediaType(data []byte) string {
	var probe struct {
		MediaType string            `json:"mediaType"`
		Manifests []json.RawMessage `json:"manifests"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	switch {
	case probe.MediaType != "":
		return probe.MediaType
	case probe.Manifests != nil:
		return ocispec.MediaTypeImageIndex
	default:
		return ocispec.MediaTypeImageManifest
	}
}

func selectManifest(index ocispec.Index, platform ocispec.Platform) (ocispec.Descriptor, error) {
	for _, m := range index.Manifests {
		if matchPlatform(platform, m.Platform) {
			return m, nil
		}
	}
	return ocispec.Descriptor{}, fmt.Errorf("%w: no manifest for platform %s", ErrImageNotFound, FormatPlatform(platform))
}

// Commit writes the image's config and manifest blobs and tags it as ref.
// The index is replaced atomically, so a failure leaves the previous tags
// untouched.
func (s *Store) Commit(ctx context.Context, ref string, img Artifact) error {
	normalized, err := NormalizeRef(ref)
	if err != nil {
		return err
	}
	for _, blob := range img.Blobs() {
		if _, err := s.PutBlob(ctx, blob); err != nil {
			return err
		}
	}
	desc := img.Descriptor()
	if !s.HasBlob(desc.Digest) {
		return fmt.Errorf("%w: manifest %s", ErrBlobNotFound, desc.Digest)
	}
	return s.Tag(ctx, normalized, desc)
}

// Tag points ref at an existing manifest descriptor.
func (s *Store) Tag(ctx context.Context, ref string, desc ocispec.Descriptor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	normalized, err := NormalizeRef(ref)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.readIndex()
	if err != nil {
		return err
	}
	index.Manifests = slices.DeleteFunc(index.Manifests, func(d ocispec.Descriptor) bool {
		return d.Annotations[ocispec.AnnotationRefName] == normalized
	})

	tagged := desc
	tagged.Annotations = map[string]string{ocispec.AnnotationRefName: normalized}
	for k, v := range desc.Annotations {
		if k != ocispec.AnnotationRefName {
			tagged.Annotations[k] = v
		}
	}
	index.Manifests = append(index.Manifests, tagged)

	if err := s.writeIndex(index); err != nil {
		return err
	}
	s.logger.Info("image tagged", slog.String("ref", normalized), slog.String("digest", desc.Digest.String()))
	return nil
}

// List returns the tagged references sorted by name.
func (s *Store) List() ([]Tag, error) {
	index, err := s.readIndex()
	if err != nil {
		return nil, err
	}
	var tags []Tag
	for _, d := range index.Manifests {
		ref, ok := d.Annotations[ocispec.AnnotationRefName]
		if !ok {
			continue
		}
		tags = append(tags, Tag{Ref: ref, Descriptor: d})
	}
	slices.SortFunc(tags, func(a, b Tag) int { return cmp.Compare(a.Ref, b.Ref) })
	return tags, nil
}

func newIndex() ocispec.Index {
	return ocispec.Index{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageIndex,
		Manifests: []ocispec.Descriptor{},
	}
}

func (s *Store) readIndex() (ocispec.Index, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, ocispec.ImageIndexFile))
	if errors.Is(err, fs.ErrNotExist) {
		return newIndex(), nil
	}
	if err != nil {
		return ocispec.Index{}, fmt.Errorf("read %s: %w", ocispec.ImageIndexFile, err)
	}
	var index ocispec.Index
	if err := json.Unmarshal(data, &index); err != nil {
		return ocispec.Index{}, fmt.Errorf("decode %s: %w", ocispec.ImageIndexFile, err)
	}
	return index, nil
}

func (s *Store) writeIndex(index ocispec.Index) error {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", ocispec.ImageIndexFile, err)
	}
	return writeFileAtomic(filepath.Join(s.dir, ocispec.ImageIndexFile), data)
}

// writeFileAtomic replaces path with data via a temporary file and rename.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// ctxReader stops a copy when its context is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
