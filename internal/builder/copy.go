package builder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strconv"
	"strings"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/tinyrange/ccbuild/internal/cache"
	"github.com/tinyrange/ccbuild/internal/dockerfile"
	"github.com/tinyrange/ccbuild/internal/fslayer"
	"github.com/tinyrange/ccbuild/internal/shell"
)

// copyFile is one file selected by COPY or ADD.
type copyFile struct {
	entry fslayer.Entry // Path unset
	// rel is the path below the destination directory.
	rel string
}

// copyInstruction builds the layer of a COPY or ADD. The step key covers the
// selected source content, so a change in the build context invalidates the
// step and everything after it.
func (s *stageState) copyInstruction(ctx context.Context, instr dockerfile.Instruction) error {
	op := instr.Kind.String()
	args := make([]string, len(instr.Args))
	for i, arg := range instr.Args {
		v, err := s.expand(instr, arg)
		if err != nil {
			return err
		}
		args[i] = v
	}
	operands, rawDest := args[:len(args)-1], args[len(args)-1]
	if err := dockerfile.ValidateDestPath(rawDest); err != nil {
		return &BuildError{Op: op, Line: instr.Line, Err: err}
	}
	dest := rawDest
	if !path.IsAbs(dest) {
		dest = path.Join(s.workdir(), dest)
	}
	dest = path.Clean(dest)

	src, err := s.copySource(ctx, instr)
	if err != nil {
		return err
	}

	intoDir := len(operands) > 1 || strings.HasSuffix(rawDest, "/") ||
		rawDest == "." || strings.HasSuffix(rawDest, "/.")
	var files []copyFile
	for _, operand := range operands {
		matches, err := src.Match(operand)
		if err != nil {
			return copyError(instr, err)
		}
		if len(matches) == 0 {
			return &CopySourceMissingError{Op: op, Source: operand, Line: instr.Line}
		}
		if len(matches) > 1 {
			intoDir = true
		}
		for _, m := range matches {
			collected, tree, err := s.collect(src, m, instr.Kind == dockerfile.InstructionAdd)
			if err != nil {
				return copyError(instr, err)
			}
			if tree {
				intoDir = true
			}
			files = append(files, collected...)
		}
	}

	chown, _ := instr.Flag("chown")
	chmod, _ := instr.Flag("chmod")
	owner, numeric := numericOwner(chown)
	destRel := strings.TrimPrefix(dest, "/")

	// Identify the content with the into-directory layout; the layout actually
	// used depends only on the parent snapshot, which the chain key covers.
	probe, err := copyEntries(files, destRel, true, owner, chmod)
	if err != nil {
		return &BuildError{Op: op, Line: instr.Line, Err: err}
	}
	sum, err := fslayer.WriteLayer(io.Discard, probe)
	if err != nil {
		return &BuildError{Op: op, Line: instr.Line, Message: "read sources", Err: err}
	}
	normalized := cache.Normalize(op, sum.Digest.String(), dest, strconv.FormatBool(intoDir), chown, chmod)

	_, err = s.execute(ctx, instr, normalized, func(ctx context.Context) (*ocispec.Descriptor, error) {
		into := intoDir
		if !into || (chown != "" && !numeric) {
			rootfs, err := s.materialize(ctx)
			if err != nil {
				return nil, &BuildError{Op: op, Line: instr.Line, Message: "materialize snapshot", Err: err}
			}
			if !into {
				if p, err := rootfs.Path(dest, true); err == nil {
					if info, err := os.Stat(p); err == nil && info.IsDir() {
						into = true
					}
				}
			}
			if chown != "" && !numeric {
				o, err := shell.ChownOwner(rootfs, chown)
				if err != nil {
					return nil, &BuildError{Op: op, Line: instr.Line, Message: "resolve --chown " + chown, Err: err}
				}
				owner = &o
			}
		}

		entries, err := copyEntries(files, destRel, into, owner, chmod)
		if err != nil {
			return nil, &BuildError{Op: op, Line: instr.Line, Err: err}
		}
		if len(entries) == 0 {
			return nil, nil
		}
		desc, err := s.bd.writeLayer(ctx, entries)
		if err != nil {
			return nil, &BuildError{Op: op, Line: instr.Line, Message: "write layer", Err: err}
		}
		return desc, nil
	})
	return err
}

func copyError(instr dockerfile.Instruction, err error) error {
	var traversal *dockerfile.PathTraversalError
	if errors.As(err, &traversal) {
		return &dockerfile.PathTraversalError{Path: traversal.Path, Line: instr.Line}
	}
	return &BuildError{Op: instr.Kind.String(), Line: instr.Line, Err: err}
}

// copySource returns the file tree named by --from, or the build context.
func (s *stageState) copySource(ctx context.Context, instr dockerfile.Instruction) (source, error) {
	from, ok := instr.Flag("from")
	if !ok {
		if s.bd.opts.Context == nil {
			return nil, &BuildError{Op: instr.Kind.String(), Line: instr.Line, Message: "no build context provided"}
		}
		return s.bd.opts.Context, nil
	}

	ref, err := dockerfile.Expand(from, dockerfile.MapLookup(s.bd.global))
	if err != nil {
		return nil, &BuildError{Op: "COPY", Line: instr.Line, Message: "variable expansion failed", Err: err}
	}
	if idx, ok := earlierStage(s.bd.df, ref, s.stage.Index); ok {
		stage, ok := s.bd.stage(idx)
		if !ok {
			return nil, &BuildError{Op: "COPY", Line: instr.Line, Message: fmt.Sprintf("stage %q has not been built", ref)}
		}
		r, err := stage.materialize(ctx)
		if err != nil {
			return nil, &BuildError{Op: "COPY", Line: instr.Line, Message: "materialize stage " + ref, Err: err}
		}
		return rootfsSource{r: r}, nil
	}
	if _, err := strconv.Atoi(ref); err == nil {
		return nil, &BuildError{Op: "COPY", Line: instr.Line, Message: fmt.Sprintf("--from=%s does not name an earlier stage", ref)}
	}
	if _, ok := s.bd.df.StageByRef(ref); ok {
		return nil, &BuildError{Op: "COPY", Line: instr.Line, Message: fmt.Sprintf("--from=%s does not name an earlier stage", ref)}
	}

	r, err := s.bd.imageRootfs(ctx, ref, s.platform, instr.Line)
	if err != nil {
		return nil, err
	}
	return rootfsSource{r: r}, nil
}

// collect selects the files for one matched source. tree reports whether the
// match is copied as a directory tree (a directory or an extracted archive).
func (s *stageState) collect(src source, name string, extract bool) (files []copyFile, tree bool, err error) {
	info, err := src.Lstat(name)
	if err != nil {
		return nil, false, err
	}

	switch {
	case info.IsDir():
		files, err := walkTree(src, name)
		return files, true, err

	case extract && info.Mode().IsRegular():
		rc, ok, err := openArchive(src, name)
		if err != nil {
			return nil, false, err
		}
		if ok {
			defer rc.Close()
			r, err := s.bd.extractArchive(rc)
			if err != nil {
				return nil, false, fmt.Errorf("extract %s: %w", name, err)
			}
			files, err := walkTree(rootfsSource{r: r, owners: true}, ".")
			if err != nil {
				return nil, false, err
			}
			// The archive root is not part of the copied content.
			if len(files) > 0 && files[0].rel == "." {
				files = files[1:]
			}
			return files, true, nil
		}
	}

	entry, err := fileEntry(src, name, info)
	if err != nil {
		return nil, false, err
	}
	return []copyFile{{entry: entry, rel: path.Base(name)}}, false, nil
}

// extractArchive unpacks a tar stream into a scratch snapshot.
func (bd *build) extractArchive(rc io.Reader) (*fslayer.Rootfs, error) {
	dir, err := os.MkdirTemp(bd.dir, "add-")
	if err != nil {
		return nil, err
	}
	r, err := fslayer.NewRootfs(dir)
	if err != nil {
		return nil, err
	}
	if err := r.Apply(rc); err != nil {
		return nil, err
	}
	return r, nil
}

// walkTree collects root and everything below it, root first.
func walkTree(src source, root string) ([]copyFile, error) {
	var files []copyFile
	var walk func(name, rel string) error
	walk = func(name, rel string) error {
		info, err := src.Lstat(name)
		if err != nil {
			return err
		}
		entry, err := fileEntry(src, name, info)
		if err != nil {
			return err
		}
		files = append(files, copyFile{entry: entry, rel: rel})
		if !info.IsDir() {
			return nil
		}
		children, err := src.ReadDir(name)
		if err != nil {
			return err
		}
		for _, child := range children {
			if err := walk(path.Join(name, child.Name()), path.Join(rel, child.Name())); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root, "."); err != nil {
		return nil, err
	}
	return files, nil
}

const modeBits = fs.ModePerm | fs.ModeSetuid | fs.ModeSetgid | fs.ModeSticky

func fileEntry(src source, name string, info fs.FileInfo) (fslayer.Entry, error) {
	owner := ownerOf(src, name)
	e := fslayer.Entry{
		Mode: info.Mode() & modeBits,
		UID:  owner.UID,
		GID:  owner.GID,
	}
	switch {
	case info.IsDir():
		e.Kind = fslayer.EntryDirectory
	case info.Mode()&fs.ModeSymlink != 0:
		target, err := src.Readlink(name)
		if err != nil {
			return e, err
		}
		e.Kind = fslayer.EntrySymlink
		e.Linkname = target
	case info.Mode().IsRegular():
		e.Kind = fslayer.EntryRegular
		e.Size = info.Size()
		e.Open = func() (io.ReadCloser, error) { return src.Open(name) }
	default:
		return e, fmt.Errorf("%s: unsupported file type %s", name, info.Mode().Type())
	}
	return e, nil
}

// copyEntries lays files out below dest. With into false the single file
// becomes dest itself. Later files replace earlier ones at the same path.
func copyEntries(files []copyFile, dest string, into bool, owner *fslayer.Owner, chmod string) ([]fslayer.Entry, error) {
	entries := make([]fslayer.Entry, 0, len(files))
	index := make(map[string]int, len(files))
	for _, f := range files {
		e := f.entry
		e.Path = dest
		if into {
			e.Path = path.Join(dest, f.rel)
		}
		if owner != nil {
			e.UID, e.GID = owner.UID, owner.GID
		}
		if chmod != "" && e.Kind != fslayer.EntrySymlink {
			mode, err := shell.ParseMode(chmod, e.Mode, e.Kind == fslayer.EntryDirectory)
			if err != nil {
				return nil, fmt.Errorf("--chmod: %w", err)
			}
			e.Mode = mode
		}
		if i, ok := index[e.Path]; ok {
			entries[i] = e
			continue
		}
		index[e.Path] = len(entries)
		entries = append(entries, e)
	}
	return entries, nil
}

// numericOwner parses a numeric --chown value. Names are resolved against the
// snapshot later and report ok false.
func numericOwner(spec string) (owner *fslayer.Owner, ok bool) {
	if spec == "" {
		return nil, true
	}
	user, group, hasGroup := strings.Cut(spec, ":")
	uid, err := strconv.Atoi(user)
	if err != nil || uid < 0 {
		return nil, false
	}
	gid := uid
	if hasGroup && group != "" {
		if gid, err = strconv.Atoi(group); err != nil || gid < 0 {
			return nil, false
		}
	}
	return &fslayer.Owner{UID: uid, GID: gid}, true
}
