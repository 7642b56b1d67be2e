package fslayer

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
)

// Owner is a numeric file owner recorded in a layer.
type Owner struct {
	UID int
	GID int
}

// Rootfs is a materialized filesystem snapshot on disk.
//
// The process building an image is usually not privileged to chown files,
// so ownership from applied layers is tracked alongside the tree and used
// again when a diff is captured.
type Rootfs struct {
	Dir string

	mu     sync.Mutex
	owners map[string]Owner
}

// NewRootfs creates an empty snapshot directory at dir.
func NewRootfs(dir string) (*Rootfs, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create rootfs: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve rootfs: %w", err)
	}
	return &Rootfs{Dir: abs, owners: make(map[string]Owner)}, nil
}

// Path maps a path inside the snapshot to a host path.
func (r *Rootfs) Path(p string, follow bool) (string, error) {
	return ResolvePath(r.Dir, p, follow)
}

// Owner returns the recorded owner of a path, defaulting to root.
func (r *Rootfs) Owner(p string) Owner {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.owners[cleanRel(p)]
}

// SetOwner records the owner of a path.
func (r *Rootfs) SetOwner(p string, o Owner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rel := cleanRel(p)
	if o == (Owner{}) {
		delete(r.owners, rel)
		return
	}
	r.owners[rel] = o
}

// RemoveOwners drops the recorded owners of p and everything below it.
func (r *Rootfs) RemoveOwners(p string) {
	r.forgetOwners(cleanRel(p), true)
}

// MoveOwners re-keys the owners recorded for from and its children to to.
func (r *Rootfs) MoveOwners(from, to string) {
	from, to = cleanRel(from), cleanRel(to)
	r.forgetOwners(to, true)

	r.mu.Lock()
	defer r.mu.Unlock()
	moved := make(map[string]Owner)
	for p, o := range r.owners {
		switch {
		case p == from:
			moved[to] = o
		case from == "" || strings.HasPrefix(p, from+"/"):
			moved[path.Join(to, strings.TrimPrefix(p, from))] = o
		default:
			continue
		}
		delete(r.owners, p)
	}
	maps.Copy(r.owners, moved)
}

func (r *Rootfs) forgetOwners(rel string, self bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prefix := rel + "/"
	if rel == "" {
		prefix = ""
	}
	for p := range r.owners {
		if (self && p == rel) || strings.HasPrefix(p, prefix) {
			delete(r.owners, p)
		}
	}
}

// Apply extracts a layer tar stream on top of the snapshot, honoring
// whiteouts. Entries never escape the snapshot directory.
func (r *Rootfs) Apply(rd io.Reader) error {
	tr := tar.NewReader(rd)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read layer: %w", err)
		}
		if err := r.applyEntry(tr, hdr); err != nil {
			return fmt.Errorf("apply %s: %w", hdr.Name, err)
		}
	}
}

func (r *Rootfs) applyEntry(tr *tar.Reader, hdr *tar.Header) error {
	rel := cleanRel(hdr.Name)
	if rel == "" {
		return nil
	}
	dir, base := path.Split(rel)

	if base == WhiteoutOpaque {
		return r.clearDir(strings.TrimSuffix(dir, "/"))
	}
	if name, ok := strings.CutPrefix(base, WhiteoutPrefix); ok {
		return r.remove(dir + name)
	}

	target, err := r.Path(rel, false)
	if err != nil {
		return err
	}
	if target == r.Dir {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	mode := modeFromHeader(hdr.Mode)
	switch hdr.Typeflag {
	case tar.TypeDir:
		if info, err := os.Lstat(target); err == nil && !info.IsDir() {
			if err := os.Remove(target); err != nil {
				return err
			}
		}
		if err := os.MkdirAll(target, 0o755); err != nil {
			return err
		}
		if err := os.Chmod(target, mode|0o700); err != nil {
			return err
		}

	case tar.TypeReg:
		if err := replace(target); err != nil {
			return err
		}
		f, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		if err := os.Chmod(target, mode); err != nil {
			return err
		}

	case tar.TypeSymlink:
		if err := replace(target); err != nil {
			return err
		}
		if err := os.Symlink(hdr.Linkname, target); err != nil {
			return err
		}

	case tar.TypeLink:
		source, err := r.Path(hdr.Linkname, false)
		if err != nil {
			return err
		}
		if err := replace(target); err != nil {
			return err
		}
		if err := os.Link(source, target); err != nil {
			return err
		}

	default:
		// Device nodes and fifos need privileges; they are skipped.
		return nil
	}

	if hdr.Typeflag != tar.TypeDir {
		r.forgetOwners(rel, true)
	}
	r.SetOwner(rel, Owner{UID: hdr.Uid, GID: hdr.Gid})
	return nil
}

// replace removes whatever non-directory or directory exists at target.
func replace(target string) error {
	info, err := os.Lstat(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return os.RemoveAll(target)
	}
	return os.Remove(target)
}

func (r *Rootfs) remove(rel string) error {
	target, err := r.Path(rel, false)
	if err != nil {
		return err
	}
	if target == r.Dir {
		return nil
	}
	if err := os.RemoveAll(target); err != nil {
		return err
	}
	r.forgetOwners(cleanRel(rel), true)
	return nil
}

func (r *Rootfs) clearDir(rel string) error {
	target, err := r.Path(rel, true)
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(target, e.Name())); err != nil {
			return err
		}
	}
	r.forgetOwners(cleanRel(rel), false)
	return nil
}
