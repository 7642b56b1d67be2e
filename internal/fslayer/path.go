package fslayer

import (
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// maxSymlinks bounds symlink resolution, matching the Linux limit.
const maxSymlinks = 40

// ErrTooManyLinks is returned when resolving a path follows too many symlinks.
var ErrTooManyLinks = errors.New("too many levels of symbolic links")

// ResolvePath maps p, a path inside the filesystem rooted at root, to a host
// path. Absolute and relative p are both taken relative to root. Symlinks in
// intermediate components are resolved as if root were "/", so the result
// never escapes root. The final component is only resolved when follow is set.
func ResolvePath(root, p string, follow bool) (string, error) {
	root = filepath.Clean(root)
	pending := strings.Split(path.Clean("/"+filepath.ToSlash(p)), "/")
	var resolved []string
	links := 0

	for len(pending) > 0 {
		part := pending[0]
		pending = pending[1:]

		switch part {
		case "", ".":
			continue
		case "..":
			if len(resolved) > 0 {
				resolved = resolved[:len(resolved)-1]
			}
			continue
		}

		if len(pending) == 0 && !follow {
			resolved = append(resolved, part)
			break
		}

		host := filepath.Join(root, filepath.Join(resolved...), part)
		info, err := os.Lstat(host)
		if err != nil || info.Mode()&fs.ModeSymlink == 0 {
			resolved = append(resolved, part)
			continue
		}

		links++
		if links > maxSymlinks {
			return "", &fs.PathError{Op: "resolve", Path: p, Err: ErrTooManyLinks}
		}
		target, err := os.Readlink(host)
		if err != nil {
			return "", err
		}
		if path.IsAbs(target) {
			resolved = resolved[:0]
		}
		pending = append(strings.Split(target, "/"), pending...)
	}

	return filepath.Join(append([]string{root}, resolved...)...), nil
}

// cleanRel returns p as a clean slash-separated path relative to the root,
// or "" for the root itself.
func cleanRel(p string) string {
	return strings.TrimPrefix(path.Clean("/"+filepath.ToSlash(p)), "/")
}
