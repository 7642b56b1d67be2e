package dockerfile

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/moby/patternmatcher"
	"github.com/moby/patternmatcher/ignorefile"

	"github.com/tinyrange/ccbuild/internal/fslayer"
)

// IgnoreFileName is the name of the file listing context exclusions.
const IgnoreFileName = ".dockerignore"

// BuildContext provides read-only access to files during COPY/ADD operations.
// All paths are slash-separated and relative to the context root.
type BuildContext interface {
	// Root returns the context root path.
	Root() string
	// Match expands a source operand, which may be a glob pattern, into the
	// sorted list of paths it names. Excluded paths are dropped.
	Match(src string) ([]string, error)
	Lstat(name string) (fs.FileInfo, error)
	Readlink(name string) (string, error)
	Open(name string) (io.ReadCloser, error)
	// ReadDir lists a directory sorted by name, omitting excluded entries.
	ReadDir(name string) ([]fs.DirEntry, error)
}

// DirBuildContext implements BuildContext using a directory.
type DirBuildContext struct {
	root    string
	ignores *patternmatcher.PatternMatcher
}

// NewDirBuildContext creates a BuildContext from a directory path. Patterns
// in a .dockerignore file at the root exclude matching paths.
func NewDirBuildContext(root string) (*DirBuildContext, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve context root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat context root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("context root is not a directory: %s", abs)
	}

	c := &DirBuildContext{root: abs}

	f, err := os.Open(filepath.Join(abs, IgnoreFileName))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return c, nil
	case err != nil:
		return nil, fmt.Errorf("open %s: %w", IgnoreFileName, err)
	}
	defer f.Close()

	patterns, err := ignorefile.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", IgnoreFileName, err)
	}
	if len(patterns) > 0 {
		c.ignores, err = patternmatcher.New(patterns)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", IgnoreFileName, err)
		}
	}
	return c, nil
}

func (c *DirBuildContext) Root() string {
	return c.root
}

// Excluded reports whether a context-relative path is excluded by .dockerignore.
func (c *DirBuildContext) Excluded(name string) bool {
	if c.ignores == nil || name == "." || name == "" {
		return false
	}
	matched, err := c.ignores.MatchesOrParentMatches(filepath.FromSlash(name))
	return err == nil && matched
}

func (c *DirBuildContext) Match(src string) ([]string, error) {
	cleaned, err := ValidatePath(src)
	if err != nil {
		return nil, err
	}

	if !strings.ContainsAny(cleaned, "*?[") {
		if c.Excluded(cleaned) {
			return nil, nil
		}
		if _, err := c.Lstat(cleaned); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, nil
			}
			return nil, err
		}
		return []string{cleaned}, nil
	}

	matches, err := filepath.Glob(filepath.Join(c.root, filepath.FromSlash(cleaned)))
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", src, err)
	}

	var result []string
	for _, m := range matches {
		rel, err := filepath.Rel(c.root, m)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		rel = filepath.ToSlash(rel)
		if c.Excluded(rel) {
			continue
		}
		result = append(result, rel)
	}
	slices.Sort(result)
	return result, nil
}

// hostPath maps a context-relative name to a host path. Symlinks in parent
// directories are resolved inside the context root.
func (c *DirBuildContext) hostPath(name string, follow bool) (string, error) {
	cleaned, err := ValidatePath(name)
	if err != nil {
		return "", err
	}
	return fslayer.ResolvePath(c.root, cleaned, follow)
}

func (c *DirBuildContext) Lstat(name string) (fs.FileInfo, error) {
	p, err := c.hostPath(name, false)
	if err != nil {
		return nil, err
	}
	return os.Lstat(p)
}

func (c *DirBuildContext) Readlink(name string) (string, error) {
	p, err := c.hostPath(name, false)
	if err != nil {
		return "", err
	}
	return os.Readlink(p)
}

func (c *DirBuildContext) Open(name string) (io.ReadCloser, error) {
	p, err := c.hostPath(name, true)
	if err != nil {
		return nil, err
	}
	return os.Open(p)
}

func (c *DirBuildContext) ReadDir(name string) ([]fs.DirEntry, error) {
	p, err := c.hostPath(name, true)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(p)
	if err != nil {
		return nil, err
	}
	cleaned, _ := ValidatePath(name)
	return slices.DeleteFunc(entries, func(e fs.DirEntry) bool {
		return c.Excluded(path.Join(cleaned, e.Name()))
	}), nil
}
