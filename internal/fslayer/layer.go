// Package fslayer builds, applies and diffs filesystem layers. Layers are
// uncompressed tar streams in the OCI layer format: deletions are recorded as
// ".wh." whiteout entries and every entry carries a fixed timestamp so that
// identical trees always produce identical bytes.
package fslayer

import (
	"archive/tar"
	"cmp"
	"fmt"
	"io"
	"io/fs"
	"path"
	"slices"
	"time"

	"github.com/opencontainers/go-digest"
)

// Whiteout markers from the OCI image layer specification.
const (
	WhiteoutPrefix = ".wh."
	WhiteoutOpaque = ".wh..wh..opq"
)

// Epoch is the modification time written for every layer entry.
var Epoch = time.Unix(0, 0).UTC()

// EntryKind describes the type of layer entry.
type EntryKind uint8

const (
	EntryRegular EntryKind = iota
	EntryDirectory
	EntrySymlink
	EntryWhiteout // Deletion marker for Path
)

func (k EntryKind) String() string {
	switch k {
	case EntryRegular:
		return "file"
	case EntryDirectory:
		return "dir"
	case EntrySymlink:
		return "symlink"
	case EntryWhiteout:
		return "whiteout"
	default:
		return "unknown"
	}
}

// Entry represents a single entry in a filesystem layer.
type Entry struct {
	Path     string // Slash-separated, relative to the root
	Kind     EntryKind
	Mode     fs.FileMode // Permission and special bits
	UID      int
	GID      int
	Size     int64
	Linkname string // Symlink target

	// Open returns the content of a regular file. It must yield exactly
	// Size bytes.
	Open func() (io.ReadCloser, error)
}

// Layer identifies a written layer blob.
type Layer struct {
	Digest digest.Digest // sha256 of the uncompressed tar stream
	Size   int64
}

// WriteLayer writes entries as a tar stream to w. Entries are written sorted
// by path with fixed timestamps, so the output depends only on the entries.
func WriteLayer(w io.Writer, entries []Entry) (Layer, error) {
	sorted := slices.Clone(entries)
	for i := range sorted {
		sorted[i].Path = cleanRel(sorted[i].Path)
	}
	slices.SortStableFunc(sorted, func(a, b Entry) int {
		return cmp.Compare(a.Path, b.Path)
	})

	digester := digest.Canonical.Digester()
	counter := &countingWriter{}
	tw := tar.NewWriter(io.MultiWriter(w, digester.Hash(), counter))

	seen := make(map[string]bool, len(sorted))
	for _, e := range sorted {
		if e.Path == "" {
			continue
		}
		if seen[e.Path] {
			return Layer{}, fmt.Errorf("duplicate layer entry %q", e.Path)
		}
		seen[e.Path] = true

		if err := writeEntry(tw, e); err != nil {
			return Layer{}, fmt.Errorf("write entry %s: %w", e.Path, err)
		}
	}

	if err := tw.Close(); err != nil {
		return Layer{}, fmt.Errorf("close layer: %w", err)
	}

	return Layer{Digest: digester.Digest(), Size: counter.n}, nil
}

func writeEntry(tw *tar.Writer, e Entry) error {
	hdr := &tar.Header{
		Name:    e.Path,
		Mode:    int64(e.Mode.Perm()) | specialBits(e.Mode),
		Uid:     e.UID,
		Gid:     e.GID,
		ModTime: Epoch,
		Format:  tar.FormatPAX,
	}

	switch e.Kind {
	case EntryRegular:
		hdr.Typeflag = tar.TypeReg
		hdr.Size = e.Size
	case EntryDirectory:
		hdr.Typeflag = tar.TypeDir
		hdr.Name += "/"
	case EntrySymlink:
		hdr.Typeflag = tar.TypeSymlink
		hdr.Linkname = e.Linkname
		hdr.Mode = 0o777
	case EntryWhiteout:
		dir, base := path.Split(e.Path)
		hdr.Typeflag = tar.TypeReg
		hdr.Name = dir + WhiteoutPrefix + base
		hdr.Mode = 0
		hdr.Uid, hdr.Gid = 0, 0
	default:
		return fmt.Errorf("unknown entry kind %d", e.Kind)
	}

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}

	if e.Kind != EntryRegular || e.Size == 0 {
		return nil
	}
	if e.Open == nil {
		return fmt.Errorf("no content for %d byte file", e.Size)
	}
	rc, err := e.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	n, err := io.CopyN(tw, rc, e.Size)
	if err != nil {
		return fmt.Errorf("copy content (%d of %d bytes): %w", n, e.Size, err)
	}
	return nil
}

// specialBits converts setuid, setgid and sticky bits to their tar values.
func specialBits(m fs.FileMode) int64 {
	var bits int64
	if m&fs.ModeSetuid != 0 {
		bits |= 0o4000
	}
	if m&fs.ModeSetgid != 0 {
		bits |= 0o2000
	}
	if m&fs.ModeSticky != 0 {
		bits |= 0o1000
	}
	return bits
}

// modeFromHeader is the inverse of specialBits for a tar header mode.
func modeFromHeader(mode int64) fs.FileMode {
	m := fs.FileMode(mode & 0o777)
	if mode&0o4000 != 0 {
		m |= fs.ModeSetuid
	}
	if mode&0o2000 != 0 {
		m |= fs.ModeSetgid
	}
	if mode&0o1000 != 0 {
		m |= fs.ModeSticky
	}
	return m
}

type countingWriter struct {
	n int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n += int64(len(p))
	return len(p), nil
}
