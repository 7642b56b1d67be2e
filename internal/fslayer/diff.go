package fslayer

import (
	"io"
	"io/fs"
	"maps"
	"os"
	"path"
	"path/filepath"
	"slices"
	"time"
)

// FileState is the recorded state of one path in a snapshot.
type FileState struct {
	Kind     EntryKind
	Mode     fs.FileMode
	Size     int64
	ModTime  time.Time
	Linkname string
	Owner    Owner
}

func (s FileState) changed(o FileState) bool {
	if s.Kind != o.Kind || s.Mode != o.Mode || s.Owner != o.Owner {
		return true
	}
	switch s.Kind {
	case EntryRegular:
		return s.Size != o.Size || !s.ModTime.Equal(o.ModTime)
	case EntrySymlink:
		return s.Linkname != o.Linkname
	default:
		return false
	}
}

// Tree maps slash-separated relative paths to their state.
type Tree map[string]FileState

// Scan records the state of every path under the snapshot. Special files
// (devices, sockets, fifos) are ignored.
func (r *Rootfs) Scan() (Tree, error) {
	tree := make(Tree)
	err := filepath.WalkDir(r.Dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == r.Dir {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(r.Dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		state := FileState{
			Mode:    info.Mode() & (fs.ModePerm | fs.ModeSetuid | fs.ModeSetgid | fs.ModeSticky),
			ModTime: info.ModTime(),
			Owner:   r.Owner(rel),
		}
		switch {
		case info.Mode().IsRegular():
			state.Kind = EntryRegular
			state.Size = info.Size()
		case info.IsDir():
			state.Kind = EntryDirectory
		case info.Mode()&fs.ModeSymlink != 0:
			state.Kind = EntrySymlink
			state.Mode = 0o777
			if state.Linkname, err = os.Readlink(p); err != nil {
				return err
			}
		default:
			return nil
		}
		tree[rel] = state
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tree, nil
}

// Diff compares the snapshot's current state with an earlier scan and returns
// the layer entries that turn before into the current tree, along with the
// current scan. New and modified paths become entries; removed paths become
// whiteouts, collapsed to the topmost removed directory.
func (r *Rootfs) Diff(before Tree) ([]Entry, Tree, error) {
	after, err := r.Scan()
	if err != nil {
		return nil, nil, err
	}

	var entries []Entry
	for _, p := range slices.Sorted(maps.Keys(after)) {
		state := after[p]
		if prev, ok := before[p]; ok && !prev.changed(state) {
			continue
		}
		e := Entry{
			Path:     p,
			Kind:     state.Kind,
			Mode:     state.Mode,
			UID:      state.Owner.UID,
			GID:      state.Owner.GID,
			Size:     state.Size,
			Linkname: state.Linkname,
		}
		if state.Kind == EntryRegular {
			host := filepath.Join(r.Dir, filepath.FromSlash(p))
			e.Open = func() (io.ReadCloser, error) { return os.Open(host) }
		}
		entries = append(entries, e)
	}

	for _, p := range slices.Sorted(maps.Keys(before)) {
		if _, ok := after[p]; ok {
			continue
		}
		if parent := path.Dir(p); parent != "." {
			if st, ok := after[parent]; !ok || st.Kind != EntryDirectory {
				continue
			}
		}
		entries = append(entries, Entry{Path: p, Kind: EntryWhiteout})
		r.forgetOwners(p, true)
	}

	return entries, after, nil
}
