package shell

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

func init() {
	registerDefault(mkdirCommand{}, rmCommand{}, touchCommand{}, lnCommand{}, lsCommand{})
}

type mkdirCommand struct{}

func (mkdirCommand) Name() string { return "mkdir" }

func (mkdirCommand) Run(ctx context.Context, c *Call) error {
	flags := c.flags()
	parents := flags.BoolP("parents", "p", false, "make parent directories as needed")
	modeSpec := flags.StringP("mode", "m", "", "set file mode")
	flags.BoolP("verbose", "v", false, "ignored")
	if err := flags.Parse(c.Args[1:]); err != nil {
		return err
	}
	if flags.NArg() == 0 {
		return errors.New("missing operand")
	}

	failed := false
	for _, name := range flags.Args() {
		if err := c.mkdir(name, *parents, *modeSpec); err != nil {
			c.warn("cannot create directory '%s': %v", name, unwrapPath(err))
			failed = true
		}
	}
	if failed {
		return errFailed
	}
	return nil
}

func (c *Call) mkdir(name string, parents bool, modeSpec string) error {
	host, err := c.Resolve(name, true)
	if err != nil {
		return err
	}
	if parents {
		err = os.MkdirAll(host, 0o755)
	} else {
		err = os.Mkdir(host, 0o755)
	}
	if err != nil || modeSpec == "" {
		return err
	}
	mode, err := ParseMode(modeSpec, 0o755, true)
	if err != nil {
		return err
	}
	return os.Chmod(host, mode)
}

// unwrapPath strips the operation and path from a *fs.PathError.
func unwrapPath(err error) error {
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return pe.Err
	}
	return err
}

type rmCommand struct{}

func (rmCommand) Name() string { return "rm" }

func (rmCommand) Run(ctx context.Context, c *Call) error {
	flags := c.flags()
	var recursive bool
	flags.BoolVarP(&recursive, "recursive", "r", false, "remove directories and their contents")
	flags.BoolVarP(&recursive, "R", "R", false, "remove directories and their contents")
	force := flags.BoolP("force", "f", false, "ignore nonexistent files")
	dirs := flags.BoolP("dir", "d", false, "remove empty directories")
	flags.BoolP("verbose", "v", false, "ignored")
	if err := flags.Parse(c.Args[1:]); err != nil {
		return err
	}
	if flags.NArg() == 0 && !*force {
		return errors.New("missing operand")
	}

	failed := false
	for _, name := range flags.Args() {
		if err := c.remove(name, recursive, *force, *dirs); err != nil {
			c.warn("cannot remove '%s': %v", name, unwrapPath(err))
			failed = true
		}
	}
	if failed {
		return errFailed
	}
	return nil
}

func (c *Call) remove(name string, recursive, force, dirs bool) error {
	if c.Abs(name) == "/" {
		return errors.New("refusing to remove the root directory")
	}
	if base := path.Base(name); base == "." || base == ".." {
		return errors.New(`refusing to remove '.' or '..' directory`)
	}
	host, err := c.Resolve(name, false)
	if err != nil {
		return err
	}
	info, err := os.Lstat(host)
	if errors.Is(err, fs.ErrNotExist) && force {
		return nil
	}
	if err != nil {
		return err
	}

	switch {
	case !info.IsDir():
		err = os.Remove(host)
	case recursive:
		err = os.RemoveAll(host)
	case dirs:
		err = os.Remove(host)
	default:
		return errors.New("is a directory")
	}
	if err != nil {
		return err
	}
	c.Rootfs().RemoveOwners(c.exec.containerPath("", host))
	return nil
}

type touchCommand struct{}

func (touchCommand) Name() string { return "touch" }

func (touchCommand) Run(ctx context.Context, c *Call) error {
	flags := c.flags()
	noCreate := flags.BoolP("no-create", "c", false, "do not create any files")
	noDeref := flags.BoolP("no-dereference", "h", false, "affect symbolic links instead of their targets")
	flags.BoolP("a", "a", false, "ignored")
	flags.BoolP("m", "m", false, "ignored")
	if err := flags.Parse(c.Args[1:]); err != nil {
		return err
	}
	if flags.NArg() == 0 {
		return errors.New("missing file operand")
	}

	now := time.Now()
	failed := false
	for _, name := range flags.Args() {
		if err := c.touch(name, now, *noCreate, *noDeref); err != nil {
			c.warn("cannot touch '%s': %v", name, unwrapPath(err))
			failed = true
		}
	}
	if failed {
		return errFailed
	}
	return nil
}

func (c *Call) touch(name string, t time.Time, noCreate, noDeref bool) error {
	host, err := c.Resolve(name, !noDeref)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(host); errors.Is(err, fs.ErrNotExist) {
		if noCreate {
			return nil
		}
		f, err := os.OpenFile(host, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		return f.Close()
	}
	return setTimes(host, t, noDeref)
}

type lnCommand struct{}

func (lnCommand) Name() string { return "ln" }

func (lnCommand) Run(ctx context.Context, c *Call) error {
	flags := c.flags()
	symbolic := flags.BoolP("symbolic", "s", false, "make symbolic links")
	force := flags.BoolP("force", "f", false, "remove existing destination files")
	noDeref := flags.BoolP("no-dereference", "n", false, "treat a symlink to a directory as a file")
	noTarget := flags.BoolP("no-target-directory", "T", false, "treat the link name as a normal file")
	flags.BoolP("verbose", "v", false, "ignored")
	if err := flags.Parse(c.Args[1:]); err != nil {
		return err
	}
	args := flags.Args()
	if len(args) == 0 {
		return errors.New("missing file operand")
	}

	targets, dest := args, "."
	if len(args) > 1 {
		targets, dest = args[:len(args)-1], args[len(args)-1]
	}

	destHost, err := c.Resolve(dest, !*noDeref)
	if err != nil {
		return err
	}
	info, statErr := os.Stat(destHost)
	intoDir := statErr == nil && info.IsDir() && !*noTarget
	if len(targets) > 1 && !intoDir {
		return fmt.Errorf("target '%s' is not a directory", dest)
	}

	failed := false
	for _, target := range targets {
		link := dest
		if intoDir {
			link = path.Join(dest, path.Base(target))
		}
		if err := c.link(target, link, *symbolic, *force); err != nil {
			c.warn("failed to create link '%s': %v", link, unwrapPath(err))
			failed = true
		}
	}
	if failed {
		return errFailed
	}
	return nil
}

func (c *Call) link(target, link string, symbolic, force bool) error {
	linkHost, err := c.Resolve(link, false)
	if err != nil {
		return err
	}
	if force {
		if info, err := os.Lstat(linkHost); err == nil && !info.IsDir() {
			if err := os.Remove(linkHost); err != nil {
				return err
			}
		}
	}
	if symbolic {
		return os.Symlink(target, linkHost)
	}
	targetHost, err := c.Resolve(target, false)
	if err != nil {
		return err
	}
	return os.Link(targetHost, linkHost)
}

type lsCommand struct{}

func (lsCommand) Name() string { return "ls" }

func (lsCommand) Run(ctx context.Context, c *Call) error {
	flags := c.flags()
	all := flags.BoolP("all", "a", false, "do not ignore entries starting with .")
	almostAll := flags.BoolP("almost-all", "A", false, "do not list . and ..")
	long := flags.BoolP("l", "l", false, "use a long listing format")
	dirOnly := flags.BoolP("directory", "d", false, "list directories themselves")
	flags.BoolP("1", "1", false, "list one file per line")
	if err := flags.Parse(c.Args[1:]); err != nil {
		return err
	}
	names := flags.Args()
	if len(names) == 0 {
		names = []string{"."}
	}

	failed := false
	for i, name := range names {
		host, err := c.Resolve(name, true)
		var info fs.FileInfo
		if err == nil {
			info, err = os.Stat(host)
		}
		if err != nil {
			c.warn("cannot access '%s': %v", name, unwrapPath(err))
			failed = true
			continue
		}
		if !info.IsDir() || *dirOnly {
			c.printEntry(name, host, info, *long)
			continue
		}

		if len(names) > 1 {
			if i > 0 {
				fmt.Fprintln(c.Stdout)
			}
			fmt.Fprintf(c.Stdout, "%s:\n", name)
		}
		entries, err := os.ReadDir(host)
		if err != nil {
			c.warn("cannot open directory '%s': %v", name, unwrapPath(err))
			failed = true
			continue
		}
		var listed []string
		if *all {
			listed = append(listed, ".", "..")
		}
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), ".") && !*all && !*almostAll {
				continue
			}
			listed = append(listed, e.Name())
		}
		slices.Sort(listed)
		for _, entry := range listed {
			p := filepath.Join(host, entry)
			info, err := os.Lstat(p)
			if err != nil {
				continue
			}
			c.printEntry(entry, p, info, *long)
		}
	}
	if failed {
		return errFailed
	}
	return nil
}

func (c *Call) printEntry(name, host string, info fs.FileInfo, long bool) {
	if !long {
		fmt.Fprintln(c.Stdout, name)
		return
	}
	owner := c.Rootfs().Owner(c.exec.containerPath("", host))
	mode := info.Mode().String()
	if info.Mode()&fs.ModeSymlink != 0 {
		mode = "l" + mode[1:]
		if target, err := os.Readlink(host); err == nil {
			name += " -> " + target
		}
	}
	fmt.Fprintf(c.Stdout, "%s %d %d %8d %s\n", mode, owner.UID, owner.GID, info.Size(), name)
}
