package builder

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"slices"
	"strings"
	"sync"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/tinyrange/ccbuild/internal/dockerfile"
	"github.com/tinyrange/ccbuild/internal/fslayer"
	"github.com/tinyrange/ccbuild/internal/oci"
)

// source is a read-only file tree COPY and ADD take files from. Names are
// slash-separated and relative to the tree root.
type source interface {
	Match(pattern string) ([]string, error)
	Lstat(name string) (fs.FileInfo, error)
	Readlink(name string) (string, error)
	Open(name string) (io.ReadCloser, error)
	ReadDir(name string) ([]fs.DirEntry, error)
}

// rootfsSource serves files from a snapshot. Symlinks are resolved inside
// the snapshot.
type rootfsSource struct {
	r *fslayer.Rootfs
	// owners keeps the recorded owners of the files instead of resetting
	// them to root.
	owners bool
}

func (s rootfsSource) host(name string, follow bool) (string, error) {
	cleaned, err := dockerfile.ValidatePath(name)
	if err != nil {
		return "", err
	}
	return s.r.Path(cleaned, follow)
}

func (s rootfsSource) Lstat(name string) (fs.FileInfo, error) {
	p, err := s.host(name, false)
	if err != nil {
		return nil, err
	}
	return os.Lstat(p)
}

func (s rootfsSource) Readlink(name string) (string, error) {
	p, err := s.host(name, false)
	if err != nil {
		return "", err
	}
	return os.Readlink(p)
}

func (s rootfsSource) Open(name string) (io.ReadCloser, error) {
	p, err := s.host(name, true)
	if err != nil {
		return nil, err
	}
	return os.Open(p)
}

func (s rootfsSource) ReadDir(name string) ([]fs.DirEntry, error) {
	p, err := s.host(name, true)
	if err != nil {
		return nil, err
	}
	return os.ReadDir(p)
}

// Match expands a glob one path element at a time so that symlinks are
// always resolved inside the snapshot.
func (s rootfsSource) Match(pattern string) ([]string, error) {
	cleaned, err := dockerfile.ValidatePath(pattern)
	if err != nil {
		return nil, err
	}
	if _, err := path.Match(cleaned, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	if cleaned == "." {
		return []string{"."}, nil
	}

	candidates := []string{"."}
	for _, elem := range strings.Split(cleaned, "/") {
		var next []string
		for _, dir := range candidates {
			if !strings.ContainsAny(elem, "*?[") {
				p := path.Join(dir, elem)
				if _, err := s.Lstat(p); err == nil {
					next = append(next, p)
				}
				continue
			}
			entries, err := s.ReadDir(dir)
			if err != nil {
				continue
			}
			for _, e := range entries {
				if ok, _ := path.Match(elem, e.Name()); ok {
					next = append(next, path.Join(dir, e.Name()))
				}
			}
		}
		candidates = next
	}
	slices.Sort(candidates)
	return candidates, nil
}

func (s rootfsSource) owner(name string) fslayer.Owner {
	if !s.owners {
		return fslayer.Owner{}
	}
	cleaned, err := dockerfile.ValidatePath(name)
	if err != nil {
		return fslayer.Owner{}
	}
	return s.r.Owner(cleaned)
}

// ownerOf returns the owner a copied file keeps when no --chown is given.
func ownerOf(src source, name string) fslayer.Owner {
	if rs, ok := src.(rootfsSource); ok {
		return rs.owner(name)
	}
	return fslayer.Owner{}
}

// imageSource is an image from the store materialized for COPY --from.
type imageSource struct {
	once   sync.Once
	rootfs *fslayer.Rootfs
	err    error
}

// imageRootfs materializes ref once per build.
func (bd *build) imageRootfs(ctx context.Context, ref string, platform ocispec.Platform, line int) (*fslayer.Rootfs, error) {
	bd.mu.Lock()
	src, ok := bd.images[ref]
	if !ok {
		src = &imageSource{}
		bd.images[ref] = src
	}
	bd.mu.Unlock()

	src.once.Do(func() {
		img, err := bd.opts.Store.Resolve(ctx, ref, platform)
		if errors.Is(err, oci.ErrImageNotFound) {
			src.err = &BaseImageNotFoundError{Ref: ref, Line: line, Err: err}
			return
		}
		if err != nil {
			src.err = &BuildError{Op: "COPY", Line: line, Message: "resolve image " + ref, Err: err}
			return
		}
		dir, err := os.MkdirTemp(bd.dir, "image-")
		if err != nil {
			src.err = err
			return
		}
		r, err := fslayer.NewRootfs(dir)
		if err != nil {
			src.err = err
			return
		}
		for _, desc := range img.Layers() {
			if err := applyLayer(ctx, bd.opts.Store, r, desc); err != nil {
				src.err = err
				return
			}
		}
		src.rootfs = r
	})
	return src.rootfs, src.err
}

// openArchive returns the tar stream of a local archive, or ok false when the
// file is not a tar archive (plain or gzip compressed).
func openArchive(src source, name string) (rc io.ReadCloser, ok bool, err error) {
	f, err := src.Open(name)
	if err != nil {
		return nil, false, err
	}
	br := bufio.NewReader(f)
	var r io.Reader = br
	var zr *gzip.Reader
	if magic, _ := br.Peek(2); len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		if zr, err = gzip.NewReader(br); err != nil {
			f.Close()
			return nil, false, nil
		}
		r = zr
	}

	tr := bufio.NewReaderSize(r, 1024)
	head, _ := tr.Peek(1024)
	if _, err := tar.NewReader(strings.NewReader(string(head))).Next(); err != nil {
		f.Close()
		return nil, false, nil
	}
	return &archiveReader{Reader: tr, gz: zr, f: f}, true, nil
}

type archiveReader struct {
	io.Reader
	gz *gzip.Reader
	f  io.Closer
}

func (a *archiveReader) Close() error {
	if a.gz != nil {
		a.gz.Close()
	}
	return a.f.Close()
}
