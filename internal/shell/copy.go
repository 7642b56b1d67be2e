package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"
)

func init() {
	registerDefault(cpCommand{}, mvCommand{})
}

type copyOptions struct {
	recursive bool
	deref     bool
	preserve  bool
	noClobber bool
}

type cpCommand struct{}

func (cpCommand) Name() string { return "cp" }

func (cpCommand) Run(ctx context.Context, c *Call) error {
	flags := c.flags()
	var o copyOptions
	flags.BoolVarP(&o.recursive, "recursive", "r", false, "copy directories recursively")
	flags.BoolVarP(&o.recursive, "R", "R", false, "copy directories recursively")
	archive := flags.BoolP("archive", "a", false, "same as -dR --preserve=all")
	flags.BoolVarP(&o.preserve, "preserve", "p", false, "preserve mode and ownership")
	noDeref := flags.BoolP("no-dereference", "P", false, "never follow symbolic links in SOURCE")
	deref := flags.BoolP("dereference", "L", false, "always follow symbolic links in SOURCE")
	flags.BoolVarP(&o.noClobber, "no-clobber", "n", false, "do not overwrite an existing file")
	flags.BoolP("force", "f", false, "ignored")
	flags.BoolP("verbose", "v", false, "ignored")
	if err := flags.Parse(c.Args[1:]); err != nil {
		return err
	}
	if *archive {
		o.recursive, o.preserve = true, true
	}
	o.deref = *deref || (!o.recursive && !*noDeref && !*archive)

	args := flags.Args()
	if len(args) < 2 {
		return errors.New("missing file operand")
	}
	srcs, dst := args[:len(args)-1], args[len(args)-1]

	intoDir, err := c.isDir(dst)
	if err != nil {
		return err
	}
	if len(srcs) > 1 && !intoDir {
		return fmt.Errorf("target '%s' is not a directory", dst)
	}

	failed := false
	for _, src := range srcs {
		target := c.Abs(dst)
		if intoDir {
			target = path.Join(target, path.Base(c.Abs(src)))
		}
		if err := c.copyPath(c.Abs(src), target, o); err != nil {
			c.warn("%v", err)
			failed = true
		}
	}
	if failed {
		return errFailed
	}
	return nil
}

func (c *Call) isDir(name string) (bool, error) {
	host, err := c.Resolve(name, true)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(host)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

// copyPath copies src to dst, both absolute snapshot paths.
func (c *Call) copyPath(src, dst string, o copyOptions) error {
	if dst == src || strings.HasPrefix(dst, src+"/") {
		return fmt.Errorf("cannot copy '%s' into itself, '%s'", src, dst)
	}
	srcHost, err := c.Resolve(src, o.deref)
	if err != nil {
		return err
	}
	info, err := os.Lstat(srcHost)
	if err != nil {
		return fmt.Errorf("cannot stat '%s': %w", src, unwrapPath(err))
	}

	switch {
	case info.IsDir():
		if !o.recursive {
			return fmt.Errorf("-r not specified; omitting directory '%s'", src)
		}
		return c.copyDir(src, srcHost, dst, info, o)
	case info.Mode()&fs.ModeSymlink != 0:
		err = c.copySymlink(srcHost, dst, o)
	case info.Mode().IsRegular():
		err = c.copyFile(srcHost, dst, info, o)
	default:
		return fmt.Errorf("cannot copy special file '%s'", src)
	}
	if err != nil {
		return fmt.Errorf("cannot create '%s': %w", dst, unwrapPath(err))
	}
	c.copyOwner(srcHost, dst, o)
	return nil
}

func (c *Call) copyDir(src, srcHost, dst string, info fs.FileInfo, o copyOptions) error {
	dstHost, err := c.Resolve(dst, true)
	if err != nil {
		return err
	}
	if existing, err := os.Stat(dstHost); err == nil {
		if !existing.IsDir() {
			return fmt.Errorf("cannot overwrite non-directory '%s' with directory '%s'", dst, src)
		}
	} else if err := os.Mkdir(dstHost, 0o700); err != nil {
		return fmt.Errorf("cannot create directory '%s': %w", dst, unwrapPath(err))
	}

	entries, err := os.ReadDir(srcHost)
	if err != nil {
		return fmt.Errorf("cannot read directory '%s': %w", src, unwrapPath(err))
	}
	var errs []error
	for _, e := range entries {
		if err := c.copyPath(path.Join(src, e.Name()), path.Join(dst, e.Name()), o); err != nil {
			errs = append(errs, err)
		}
	}
	if err := os.Chmod(dstHost, info.Mode()&(fs.ModePerm|fs.ModeSetgid|fs.ModeSticky)); err != nil {
		errs = append(errs, err)
	}
	c.copyOwner(srcHost, dst, o)
	return errors.Join(errs...)
}

func (c *Call) copyFile(srcHost, dst string, info fs.FileInfo, o copyOptions) error {
	dstHost, err := c.Resolve(dst, true)
	if err != nil {
		return err
	}
	_, statErr := os.Stat(dstHost)
	exists := statErr == nil
	if exists && o.noClobber {
		return nil
	}

	in, err := os.Open(srcHost)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dstHost, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if !exists || o.preserve {
		return os.Chmod(dstHost, info.Mode()&(fs.ModePerm|fs.ModeSetuid|fs.ModeSetgid|fs.ModeSticky))
	}
	return nil
}

func (c *Call) copySymlink(srcHost, dst string, o copyOptions) error {
	target, err := os.Readlink(srcHost)
	if err != nil {
		return err
	}
	dstHost, err := c.Resolve(dst, false)
	if err != nil {
		return err
	}
	if info, err := os.Lstat(dstHost); err == nil {
		if o.noClobber {
			return nil
		}
		if info.IsDir() {
			return errors.New("is a directory")
		}
		if err := os.Remove(dstHost); err != nil {
			return err
		}
	}
	return os.Symlink(target, dstHost)
}

func (c *Call) copyOwner(srcHost, dst string, o copyOptions) {
	if !o.preserve {
		return
	}
	rootfs := c.Rootfs()
	dstHost, err := c.Resolve(dst, false)
	if err != nil {
		return
	}
	rootfs.SetOwner(c.exec.containerPath("", dstHost), rootfs.Owner(c.exec.containerPath("", srcHost)))
}

type mvCommand struct{}

func (mvCommand) Name() string { return "mv" }

func (mvCommand) Run(ctx context.Context, c *Call) error {
	flags := c.flags()
	noClobber := flags.BoolP("no-clobber", "n", false, "do not overwrite an existing file")
	noTarget := flags.BoolP("no-target-directory", "T", false, "treat DEST as a normal file")
	flags.BoolP("force", "f", false, "ignored")
	flags.BoolP("verbose", "v", false, "ignored")
	if err := flags.Parse(c.Args[1:]); err != nil {
		return err
	}
	args := flags.Args()
	if len(args) < 2 {
		return errors.New("missing file operand")
	}
	srcs, dst := args[:len(args)-1], args[len(args)-1]

	intoDir, err := c.isDir(dst)
	if err != nil {
		return err
	}
	intoDir = intoDir && !*noTarget
	if len(srcs) > 1 && !intoDir {
		return fmt.Errorf("target '%s' is not a directory", dst)
	}

	failed := false
	for _, src := range srcs {
		target := dst
		if intoDir {
			target = path.Join(c.Abs(dst), path.Base(c.Abs(src)))
		}
		if err := c.move(src, target, *noClobber); err != nil {
			c.warn("cannot move '%s' to '%s': %v", src, target, unwrapPath(err))
			failed = true
		}
	}
	if failed {
		return errFailed
	}
	return nil
}

func (c *Call) move(src, dst string, noClobber bool) error {
	srcHost, err := c.Resolve(src, false)
	if err != nil {
		return err
	}
	dstHost, err := c.Resolve(dst, false)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(srcHost); err != nil {
		return err
	}
	if noClobber {
		if _, err := os.Lstat(dstHost); err == nil {
			return nil
		}
	}
	if dstHost == srcHost || strings.HasPrefix(dstHost, srcHost+"/") {
		return errors.New("cannot move a directory into itself")
	}
	if err := os.Rename(srcHost, dstHost); err != nil {
		return err
	}
	c.Rootfs().MoveOwners(c.exec.containerPath("", srcHost), c.exec.containerPath("", dstHost))
	return nil
}
