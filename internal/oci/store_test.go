package oci

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

type testArtifact struct {
	desc  ocispec.Descriptor
	blobs [][]byte
}

func (a *testArtifact) Descriptor() ocispec.Descriptor { return a.desc }
func (a *testArtifact) Blobs() [][]byte                 { return a.blobs }

// newTestImage writes one layer holding a single file and returns an
// artifact for a manifest referencing it.
func newTestImage(t *testing.T, s *Store, cfg ocispec.ImageConfig, gz bool) *testArtifact {
	t.Helper()
	ctx := context.Background()

	var layer bytes.Buffer
	var w io.Writer = &layer
	var zw *gzip.Writer
	if gz {
		zw = gzip.NewWriter(&layer)
		w = zw
	}
	tw := tar.NewWriter(w)
	content := "hello\n"
	if err := tw.WriteHeader(&tar.Header{Name: "hello.txt", Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	mediaType := ocispec.MediaTypeImageLayer
	if zw != nil {
		if err := zw.Close(); err != nil {
			t.Fatal(err)
		}
		mediaType = ocispec.MediaTypeImageLayerGzip
	}

	layerDigest, err := s.PutBlob(ctx, layer.Bytes())
	if err != nil {
		t.Fatalf("PutBlob failed: %v", err)
	}

	config, err := json.Marshal(ocispec.Image{
		Platform: ocispec.Platform{OS: "linux", Architecture: "amd64"},
		Config:   cfg,
		RootFS:   ocispec.RootFS{Type: "layers", DiffIDs: []digest.Digest{layerDigest}},
	})
	if err != nil {
		t.Fatal(err)
	}
	manifest, err := json.Marshal(ocispec.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageManifest,
		Config:    ocispec.Descriptor{MediaType: ocispec.MediaTypeImageConfig, Digest: digest.FromBytes(config), Size: int64(len(config))},
		Layers:    []ocispec.Descriptor{{MediaType: mediaType, Digest: layerDigest, Size: int64(layer.Len())}},
	})
	if err != nil {
		t.Fatal(err)
	}

	return &testArtifact{
		desc: ocispec.Descriptor{
			MediaType: ocispec.MediaTypeImageManifest,
			Digest:    digest.FromBytes(manifest),
			Size:      int64(len(manifest)),
		},
		blobs: [][]byte{config, manifest},
	}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "store"), nil)
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	return s
}

func amd64() ocispec.Platform {
	return ocispec.Platform{OS: "linux", Architecture: "amd64"}
}

func TestOpenStoreLayout(t *testing.T) {
	s := openTestStore(t)

	data, err := os.ReadFile(filepath.Join(s.Dir(), ocispec.ImageLayoutFile))
	if err != nil {
		t.Fatalf("missing oci-layout: %v", err)
	}
	if !strings.Contains(string(data), ocispec.ImageLayoutVersion) {
		t.Errorf("unexpected oci-layout content %s", data)
	}
	if _, err := os.Stat(filepath.Join(s.Dir(), ocispec.ImageIndexFile)); err != nil {
		t.Errorf("missing index.json: %v", err)
	}

	// Reopening an existing layout succeeds.
	if _, err := OpenStore(s.Dir(), nil); err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
}

func TestNormalizeRef(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"alpine", "docker.io/library/alpine:latest"},
		{"alpine:3.19", "docker.io/library/alpine:3.19"},
		{"example.com/team/app:v1", "example.com/team/app:v1"},
		{"localhost:5000/app", "localhost:5000/app:latest"},
		// An uppercase first component can only be a registry host.
		{"UPPER/case", "UPPER/case:latest"},
	}
	for _, tc := range tests {
		got, err := NormalizeRef(tc.in)
		if err != nil {
			t.Errorf("NormalizeRef(%q) failed: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("NormalizeRef(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}

	for _, in := range []string{"Alpine", "alpine:bad tag", ""} {
		if _, err := NormalizeRef(in); err == nil {
			t.Errorf("NormalizeRef(%q): expected error", in)
		}
	}
}

func TestWriteBlobVerifiesDigest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	d, n, err := s.WriteBlob(ctx, strings.NewReader("content"), "")
	if err != nil {
		t.Fatalf("WriteBlob failed: %v", err)
	}
	if d != digest.FromString("content") || n != 7 {
		t.Errorf("WriteBlob = %s, %d", d, n)
	}
	if !s.HasBlob(d) {
		t.Error("blob missing after write")
	}

	_, _, err = s.WriteBlob(ctx, strings.NewReader("other"), digest.FromString("content"))
	if !errors.Is(err, ErrDigestMismatch) {
		t.Errorf("expected ErrDigestMismatch, got %v", err)
	}

	if _, err := s.OpenBlob(ctx, digest.FromString("missing")); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound, got %v", err)
	}
}

func TestCommitResolve(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	cfg := ocispec.ImageConfig{
		Env:        []string{"PATH=/usr/bin"},
		Entrypoint: []string{"/bin/sh"},
		Cmd:        []string{"-c", "echo hello"},
		WorkingDir: "/",
	}
	art := newTestImage(t, s, cfg, false)
	if err := s.Commit(ctx, "base:1", art); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	img, err := s.Resolve(ctx, "base:1", amd64())
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if img.Ref != "docker.io/library/base:1" {
		t.Errorf("Ref = %q", img.Ref)
	}
	if img.Descriptor.Digest != art.desc.Digest {
		t.Errorf("digest = %s, want %s", img.Descriptor.Digest, art.desc.Digest)
	}
	if len(img.Layers()) != 1 {
		t.Fatalf("expected 1 layer, got %d", len(img.Layers()))
	}
	if !slices.Equal(img.Command(nil), []string{"/bin/sh", "-c", "echo hello"}) {
		t.Errorf("Command(nil) = %v", img.Command(nil))
	}
	if !slices.Equal(img.Command([]string{"-x"}), []string{"/bin/sh", "-x"}) {
		t.Errorf("Command(override) = %v", img.Command([]string{"-x"}))
	}

	if _, err := s.Resolve(ctx, "base:2", amd64()); !errors.Is(err, ErrImageNotFound) {
		t.Errorf("expected ErrImageNotFound, got %v", err)
	}
}

func TestCommitRetag(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := newTestImage(t, s, ocispec.ImageConfig{User: "1"}, false)
	second := newTestImage(t, s, ocispec.ImageConfig{User: "2"}, false)
	if err := s.Commit(ctx, "app", first); err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(ctx, "app", second); err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(ctx, "other", first); err != nil {
		t.Fatal(err)
	}

	tags, err := s.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(tags) != 2 {
		t.Fatalf("expected 2 tags, got %d", len(tags))
	}
	if tags[0].Ref != "docker.io/library/app:latest" || tags[0].Descriptor.Digest != second.desc.Digest {
		t.Errorf("unexpected first tag %+v", tags[0])
	}
}

func TestCommitMissingManifest(t *testing.T) {
	s := openTestStore(t)
	art := &testArtifact{desc: ocispec.Descriptor{Digest: digest.FromString("nothing")}}
	if err := s.Commit(context.Background(), "broken", art); !errors.Is(err, ErrBlobNotFound) {
		t.Fatalf("expected ErrBlobNotFound, got %v", err)
	}
	tags, _ := s.List()
	if len(tags) != 0 {
		t.Errorf("failed commit left tags: %v", tags)
	}
}

func TestResolvePlatformIndex(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	art := newTestImage(t, s, ocispec.ImageConfig{}, true)
	for _, b := range art.blobs {
		if _, err := s.PutBlob(ctx, b); err != nil {
			t.Fatal(err)
		}
	}
	manifestDesc := art.desc
	manifestDesc.Platform = &ocispec.Platform{OS: "linux", Architecture: "amd64"}

	index, err := json.Marshal(ocispec.Index{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageIndex,
		Manifests: []ocispec.Descriptor{manifestDesc},
	})
	if err != nil {
		t.Fatal(err)
	}
	indexDigest, err := s.PutBlob(ctx, index)
	if err != nil {
		t.Fatal(err)
	}
	err = s.Tag(ctx, "multi", ocispec.Descriptor{MediaType: ocispec.MediaTypeImageIndex, Digest: indexDigest, Size: int64(len(index))})
	if err != nil {
		t.Fatalf("Tag failed: %v", err)
	}

	img, err := s.Resolve(ctx, "multi", amd64())
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if img.Descriptor.Digest != art.desc.Digest {
		t.Errorf("selected %s, want %s", img.Descriptor.Digest, art.desc.Digest)
	}

	rc, err := img.OpenLayer(ctx, img.Layers()[0])
	if err != nil {
		t.Fatalf("OpenLayer failed: %v", err)
	}
	defer rc.Close()
	hdr, err := tar.NewReader(rc).Next()
	if err != nil {
		t.Fatalf("read gzip layer: %v", err)
	}
	if hdr.Name != "hello.txt" {
		t.Errorf("unexpected entry %q", hdr.Name)
	}

	_, err = s.Resolve(ctx, "multi", ocispec.Platform{OS: "linux", Architecture: "riscv64"})
	if !errors.Is(err, ErrImageNotFound) {
		t.Errorf("expected ErrImageNotFound for missing platform, got %v", err)
	}
}

func TestImportExport(t *testing.T) {
	ctx := context.Background()
	src := openTestStore(t)
	art := newTestImage(t, src, ocispec.ImageConfig{Cmd: []string{"sh"}}, false)
	if err := src.Commit(ctx, "tool:1", art); err != nil {
		t.Fatal(err)
	}

	exported := filepath.Join(t.TempDir(), "exported")
	if err := src.Export(ctx, "tool:1", exported); err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	dst := openTestStore(t)
	desc, err := dst.Import(ctx, exported, "", "imported/tool:2")
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if desc.Digest != art.desc.Digest {
		t.Errorf("imported digest %s, want %s", desc.Digest, art.desc.Digest)
	}

	img, err := dst.Resolve(ctx, "imported/tool:2", amd64())
	if err != nil {
		t.Fatalf("Resolve after import failed: %v", err)
	}
	for _, l := range img.Layers() {
		if !dst.HasBlob(l.Digest) {
			t.Errorf("layer %s not imported", l.Digest)
		}
	}

	if _, err := dst.Import(ctx, t.TempDir(), "", "x"); err == nil {
		t.Error("expected error importing a directory without a layout")
	}
}

func TestExportLogsComponentOnce(t *testing.T) {
	ctx := context.Background()
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	src, err := OpenStore(filepath.Join(t.TempDir(), "store"), logger)
	if err != nil {
		t.Fatal(err)
	}
	art := newTestImage(t, src, ocispec.ImageConfig{}, false)
	if err := src.Commit(ctx, "tool:1", art); err != nil {
		t.Fatal(err)
	}
	logs.Reset()

	if err := src.Export(ctx, "tool:1", filepath.Join(t.TempDir(), "exported")); err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(logs.String()), "\n")
	if len(lines) == 0 || lines[0] == "" {
		t.Fatal("Export logged nothing")
	}
	for _, line := range lines {
		if n := strings.Count(line, "component=store"); n != 1 {
			t.Errorf("component attribute appears %d times: %s", n, line)
		}
	}
}

func TestParsePlatform(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"linux/amd64", "linux/amd64", false},
		{"linux/x86_64", "linux/amd64", false},
		{"linux/arm64/v8", "linux/arm64/v8", false},
		{"linux", "", true},
		{"/amd64", "", true},
	}
	for _, tc := range tests {
		p, err := ParsePlatform(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParsePlatform(%q) expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParsePlatform(%q) failed: %v", tc.in, err)
			continue
		}
		if got := FormatPlatform(p); got != tc.want {
			t.Errorf("ParsePlatform(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
