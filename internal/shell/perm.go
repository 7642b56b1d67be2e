package shell

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tinyrange/ccbuild/internal/fslayer"
)

func init() {
	registerDefault(chmodCommand{}, chownCommand{})
}

// ParseMode applies a chmod mode, octal ("755") or symbolic ("u+x,go-w"),
// to cur. isDir selects the meaning of the X permission.
func ParseMode(spec string, cur fs.FileMode, isDir bool) (fs.FileMode, error) {
	if spec == "" {
		return 0, errors.New("empty mode")
	}
	if strings.Trim(spec, "01234567") == "" {
		v, err := strconv.ParseUint(spec, 8, 32)
		if err != nil || v > 0o7777 {
			return 0, fmt.Errorf("invalid mode %q", spec)
		}
		return toFileMode(uint32(v)), nil
	}

	mode := fromFileMode(cur)
	for _, clause := range strings.Split(spec, ",") {
		rest := strings.TrimLeft(clause, "ugoa")
		var who uint32
		for _, r := range clause[:len(clause)-len(rest)] {
			switch r {
			case 'u':
				who |= 0o4700
			case 'g':
				who |= 0o2070
			case 'o':
				who |= 0o1007
			case 'a':
				who |= 0o7777
			}
		}
		if who == 0 {
			who = 0o7777
		}
		if rest == "" {
			return 0, fmt.Errorf("invalid mode %q", spec)
		}

		for rest != "" {
			op := rest[0]
			if op != '+' && op != '-' && op != '=' {
				return 0, fmt.Errorf("invalid mode %q", spec)
			}
			rest = rest[1:]
			end := strings.IndexAny(rest, "+-=")
			if end < 0 {
				end = len(rest)
			}
			var bits uint32
			for _, p := range rest[:end] {
				switch p {
				case 'r':
					bits |= 0o444
				case 'w':
					bits |= 0o222
				case 'x':
					bits |= 0o111
				case 'X':
					if isDir || mode&0o111 != 0 {
						bits |= 0o111
					}
				case 's':
					bits |= 0o6000
				case 't':
					bits |= 0o1000
				default:
					return 0, fmt.Errorf("invalid mode %q", spec)
				}
			}
			rest = rest[end:]
			bits &= who

			switch op {
			case '+':
				mode |= bits
			case '-':
				mode &^= bits
			case '=':
				mode = mode&^who | bits
			}
		}
	}
	return toFileMode(mode), nil
}

func toFileMode(m uint32) fs.FileMode {
	fm := fs.FileMode(m & 0o777)
	if m&0o4000 != 0 {
		fm |= fs.ModeSetuid
	}
	if m&0o2000 != 0 {
		fm |= fs.ModeSetgid
	}
	if m&0o1000 != 0 {
		fm |= fs.ModeSticky
	}
	return fm
}

func fromFileMode(fm fs.FileMode) uint32 {
	m := uint32(fm.Perm())
	if fm&fs.ModeSetuid != 0 {
		m |= 0o4000
	}
	if fm&fs.ModeSetgid != 0 {
		m |= 0o2000
	}
	if fm&fs.ModeSticky != 0 {
		m |= 0o1000
	}
	return m
}

// walk visits host and, when recursive, everything below it without
// following symlinks.
func walk(host string, recursive bool, fn func(p string, info fs.FileInfo) error) error {
	info, err := os.Stat(host)
	if err != nil {
		return err
	}
	if !recursive || !info.IsDir() {
		return fn(host, info)
	}
	return filepath.Walk(host, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		return fn(p, info)
	})
}

type chmodCommand struct{}

func (chmodCommand) Name() string { return "chmod" }

func (chmodCommand) Run(ctx context.Context, c *Call) error {
	flags := c.flags()
	recursive := flags.BoolP("recursive", "R", false, "change files and directories recursively")
	flags.BoolP("verbose", "v", false, "ignored")
	if err := flags.Parse(c.Args[1:]); err != nil {
		return err
	}
	args := flags.Args()
	if len(args) < 2 {
		return errors.New("missing operand")
	}
	spec := args[0]

	failed := false
	for _, name := range args[1:] {
		host, err := c.Resolve(name, true)
		if err == nil {
			err = walk(host, *recursive, func(p string, info fs.FileInfo) error {
				if info.Mode()&fs.ModeSymlink != 0 {
					return nil
				}
				mode, err := ParseMode(spec, info.Mode(), info.IsDir())
				if err != nil {
					return err
				}
				return os.Chmod(p, mode)
			})
		}
		if err != nil {
			c.warn("%v", snapshotError(err, name))
			failed = true
		}
	}
	if failed {
		return errFailed
	}
	return nil
}

// chownCommand records ownership in the snapshot. Files on disk keep the
// building user's ownership; the recorded owner is written to the layer.
type chownCommand struct{}

func (chownCommand) Name() string { return "chown" }

func (chownCommand) Run(ctx context.Context, c *Call) error {
	flags := c.flags()
	recursive := flags.BoolP("recursive", "R", false, "operate on files and directories recursively")
	noDeref := flags.BoolP("no-dereference", "h", false, "affect symbolic links instead of their targets")
	flags.BoolP("verbose", "v", false, "ignored")
	if err := flags.Parse(c.Args[1:]); err != nil {
		return err
	}
	args := flags.Args()
	if len(args) < 2 {
		return errors.New("missing operand")
	}

	update, err := c.ownerUpdate(args[0])
	if err != nil {
		return err
	}

	rootfs := c.Rootfs()
	failed := false
	for _, name := range args[1:] {
		host, err := c.Resolve(name, !*noDeref)
		if err == nil {
			_, err = os.Lstat(host)
		}
		if err == nil {
			err = filepath.Walk(host, func(p string, info fs.FileInfo, err error) error {
				if err != nil {
					return err
				}
				key := c.exec.containerPath("", p)
				rootfs.SetOwner(key, update(rootfs.Owner(key)))
				if p == host && !*recursive && info.IsDir() {
					return filepath.SkipDir
				}
				return nil
			})
		}
		if err != nil {
			c.warn("%v", snapshotError(err, name))
			failed = true
		}
	}
	if failed {
		return errFailed
	}
	return nil
}

// ownerUpdate parses user[:group], user:, or :group into a function that
// applies the change to a recorded owner.
func (c *Call) ownerUpdate(spec string) (func(fslayer.Owner) fslayer.Owner, error) {
	user, group, hasGroup := strings.Cut(spec, ":")
	if !hasGroup {
		user, group, hasGroup = strings.Cut(spec, ".")
		if _, err := strconv.Atoi(user); err != nil && hasGroup {
			user, group, hasGroup = spec, "", false
		}
	}

	setUID, setGID := false, false
	var uid, gid int
	if user != "" {
		var primary int
		var err error
		uid, primary, err = lookupUser(c.Rootfs(), user)
		if err != nil {
			return nil, err
		}
		setUID = true
		if hasGroup && group == "" {
			gid, setGID = primary, true
		}
	}
	if group != "" {
		var err error
		if gid, err = lookupGroup(c.Rootfs(), group); err != nil {
			return nil, err
		}
		setGID = true
	}
	if !setUID && !setGID {
		return nil, fmt.Errorf("invalid owner %q", spec)
	}

	return func(o fslayer.Owner) fslayer.Owner {
		if setUID {
			o.UID = uid
		}
		if setGID {
			o.GID = gid
		}
		return o
	}, nil
}
