// Package shell runs build commands in an in-process POSIX shell confined to
// a filesystem snapshot.
//
// Scripts are interpreted by mvdan.cc/sh. Every file the interpreter touches
// (redirections, globs, tests, cd) is mapped into the snapshot directory, and
// external commands are served by the built-in utilities of a Registry. No
// host program is ever executed. Confinement is by path mapping only; there
// is no kernel isolation.
package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/tinyrange/ccbuild/internal/fslayer"
)

// cdFunc is defined in every shell to keep $PWD a snapshot path while the
// interpreter itself works with host directories.
const cdFunc = "__ccbuild_cd"

// Exit codes used for commands that cannot be run.
const (
	ExitNotExecutable = 126
	ExitNotFound      = 127
)

// ExitError reports a command that finished with a non-zero status.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// Options configures an Executor.
type Options struct {
	// Registry provides the available commands. Defaults to DefaultRegistry.
	Registry *Registry
	Logger   *slog.Logger
}

// Executor runs commands against one snapshot.
type Executor struct {
	rootfs   *fslayer.Rootfs
	registry *Registry
	logger   *slog.Logger
}

// New creates an Executor for rootfs.
func New(rootfs *fslayer.Rootfs, opts Options) *Executor {
	e := &Executor{
		rootfs:   rootfs,
		registry: opts.Registry,
		logger:   opts.Logger,
	}
	if e.registry == nil {
		e.registry = DefaultRegistry
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Process describes a command to run.
type Process struct {
	// Args is the argv of the command. args[0] is looked up like a shell
	// would, so a shell-form RUN is simply {"/bin/sh", "-c", script}.
	Args []string
	// Env holds KEY=VALUE pairs.
	Env []string
	// Dir is the working directory inside the snapshot. It is created when
	// missing.
	Dir string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Run executes p and waits for it. A non-zero exit status is returned as
// *ExitError; cancellation of ctx is returned as ctx.Err().
func (e *Executor) Run(ctx context.Context, p Process) error {
	if len(p.Args) == 0 {
		return errors.New("empty command")
	}

	dir := path.Clean("/" + p.Dir)
	hostDir, err := e.rootfs.Path(dir, true)
	if err != nil {
		return fmt.Errorf("resolve working directory %s: %w", dir, err)
	}
	if err := os.MkdirAll(hostDir, 0o755); err != nil {
		return fmt.Errorf("create working directory %s: %w", dir, err)
	}

	src, err := quoteArgs(p.Args)
	if err != nil {
		return err
	}

	stdout, stderr := p.Stdout, p.Stderr
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	e.logger.Debug("shell run", slog.String("dir", dir), slog.Any("args", p.Args))

	err = e.run(ctx, src, scriptEnv{
		env:     expand.ListEnviron(p.Env...),
		hostDir: hostDir,
		stdin:   p.Stdin,
		stdout:  stdout,
		stderr:  stderr,
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var status interp.ExitStatus
	if errors.As(err, &status) {
		if status == 0 {
			return nil
		}
		return &ExitError{Code: int(status)}
	}
	return err
}

// scriptEnv holds the environment a shell program runs in.
type scriptEnv struct {
	env     expand.Environ
	hostDir string
	params  []string
	stdin   io.Reader
	stdout  io.Writer
	stderr  io.Writer
}

func (e *Executor) run(ctx context.Context, src string, s scriptEnv) error {
	file, err := syntax.NewParser().Parse(strings.NewReader(src), "")
	if err != nil {
		fmt.Fprintf(s.stderr, "sh: %v\n", err)
		return interp.ExitStatus(2)
	}

	opts := []interp.RunnerOption{
		interp.Env(s.env),
		interp.Dir(s.hostDir),
		interp.StdIO(s.stdin, s.stdout, s.stderr),
		interp.CallHandler(e.callHandler),
		interp.ExecHandlers(e.execHandler),
		interp.OpenHandler(e.openHandler),
		interp.ReadDirHandler2(e.readDirHandler),
		interp.StatHandler(e.statHandler),
	}
	if len(s.params) > 0 {
		opts = append(opts, interp.Params(s.params...))
	}
	runner, err := interp.New(opts...)
	if err != nil {
		return fmt.Errorf("create shell: %w", err)
	}

	preamble, err := e.preamble(s.hostDir)
	if err != nil {
		return err
	}
	if err := runner.Run(ctx, preamble); err != nil {
		return fmt.Errorf("shell preamble: %w", err)
	}
	return runner.Run(ctx, file)
}

func (e *Executor) preamble(hostDir string) (*syntax.File, error) {
	pwd, err := syntax.Quote(e.containerPath(hostDir, "."), syntax.LangBash)
	if err != nil {
		return nil, err
	}
	src := fmt.Sprintf("PWD=%s\n%s() { builtin cd \"$1\" && PWD=$2; }\n", pwd, cdFunc)
	return syntax.NewParser().Parse(strings.NewReader(src), "")
}

func quoteArgs(args []string) (string, error) {
	quoted := make([]string, len(args))
	for i, a := range args {
		q, err := syntax.Quote(a, syntax.LangBash)
		if err != nil {
			return "", fmt.Errorf("quote argument %q: %w", a, err)
		}
		quoted[i] = q
	}
	return strings.Join(quoted, " "), nil
}

// hostRel returns the snapshot path of p when p is a host path inside the
// snapshot directory.
func (e *Executor) hostRel(p string) (string, bool) {
	root := e.rootfs.Dir
	if p == root {
		return "/", true
	}
	if rest, ok := strings.CutPrefix(p, root+string(filepath.Separator)); ok {
		return path.Clean("/" + filepath.ToSlash(rest)), true
	}
	return "", false
}

// containerPath maps a path seen by the interpreter to a snapshot path. The
// interpreter works with host directories, so absolute paths under the
// snapshot directory are translated back; any other absolute path is already
// a snapshot path. Relative paths are taken from hostDir.
func (e *Executor) containerPath(hostDir, p string) string {
	if rel, ok := e.hostRel(p); ok {
		return rel
	}
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	base := "/"
	if rel, ok := e.hostRel(hostDir); ok {
		base = rel
	}
	return path.Join(base, p)
}

func (e *Executor) hostPath(hostDir, p string, follow bool) (string, error) {
	return e.rootfs.Path(e.containerPath(hostDir, p), follow)
}

// snapshotError rewrites host paths in err to snapshot paths.
func snapshotError(err error, p string) error {
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return &fs.PathError{Op: pe.Op, Path: p, Err: pe.Err}
	}
	return err
}

func (e *Executor) callHandler(ctx context.Context, args []string) ([]string, error) {
	if len(args) == 0 {
		return args, nil
	}
	hc := interp.HandlerCtx(ctx)
	switch args[0] {
	case "cd":
		return e.rewriteCd(hc, args[1:]), nil
	case "pwd":
		return []string{"echo", e.containerPath(hc.Dir, ".")}, nil
	}
	return args, nil
}

// rewriteCd turns "cd dir" into a call to cdFunc with the host directory
// and the logical snapshot directory.
func (e *Executor) rewriteCd(hc interp.HandlerContext, args []string) []string {
	for len(args) > 0 && (args[0] == "-L" || args[0] == "-P") {
		args = args[1:]
	}
	if len(args) > 0 && args[0] == "--" {
		args = args[1:]
	}

	var target string
	switch len(args) {
	case 0:
		target = hc.Env.Get("HOME").String()
		if target == "" {
			target = "/"
		}
	case 1:
		target = args[0]
		if target == "-" {
			target = hc.Env.Get("OLDPWD").String()
			fmt.Fprintln(hc.Stdout, target)
		}
	default:
		return append([]string{"builtin", "cd"}, args...)
	}

	dir := e.containerPath(hc.Dir, target)
	host, err := e.rootfs.Path(dir, true)
	if err != nil {
		fmt.Fprintf(hc.Stderr, "cd: %s: %v\n", target, err)
		return []string{"false"}
	}
	return []string{cdFunc, host, dir}
}

func (e *Executor) execHandler(next interp.ExecHandlerFunc) interp.ExecHandlerFunc {
	return func(ctx context.Context, args []string) error {
		hc := interp.HandlerCtx(ctx)

		cmd, ok := e.registry.Lookup(path.Base(args[0]))
		if !ok {
			var status error
			args, status = e.interpreterFor(hc, args)
			if status != nil {
				return status
			}
			cmd, ok = e.registry.Lookup(path.Base(args[0]))
			if !ok {
				fmt.Fprintf(hc.Stderr, "%s: command not found\n", args[0])
				return interp.ExitStatus(ExitNotFound)
			}
		}

		e.logger.Debug("shell exec", slog.String("command", cmd.Name()), slog.Int("args", len(args)-1))

		c := &Call{
			Args:    args,
			Stdin:   hc.Stdin,
			Stdout:  hc.Stdout,
			Stderr:  hc.Stderr,
			Env:     hc.Env,
			Dir:     e.containerPath(hc.Dir, "."),
			exec:    e,
			hostDir: hc.Dir,
		}
		if c.Stdin == nil {
			c.Stdin = strings.NewReader("")
		}

		err := cmd.Run(ctx, c)
		var status interp.ExitStatus
		switch {
		case err == nil:
			return nil
		case errors.As(err, &status):
			return status
		case ctx.Err() != nil:
			return ctx.Err()
		}
		c.warn("%v", err)
		return interp.ExitStatus(1)
	}
}

// interpreterFor finds a script in the snapshot named by args[0] and returns
// the argv that runs it through its "#!" interpreter.
func (e *Executor) interpreterFor(hc interp.HandlerContext, args []string) ([]string, error) {
	name := args[0]
	var candidates []string
	if strings.Contains(name, "/") {
		candidates = []string{e.containerPath(hc.Dir, name)}
	} else {
		for _, dir := range strings.Split(hc.Env.Get("PATH").String(), ":") {
			if dir != "" {
				candidates = append(candidates, path.Join(e.containerPath(hc.Dir, dir), name))
			}
		}
	}

	for _, p := range candidates {
		host, err := e.rootfs.Path(p, true)
		if err != nil {
			continue
		}
		info, err := os.Stat(host)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if info.Mode()&0o111 == 0 {
			fmt.Fprintf(hc.Stderr, "%s: permission denied\n", name)
			return nil, interp.ExitStatus(ExitNotExecutable)
		}
		interpArgs, err := readShebang(host)
		if err != nil || len(interpArgs) == 0 {
			fmt.Fprintf(hc.Stderr, "%s: cannot execute binary file\n", name)
			return nil, interp.ExitStatus(ExitNotExecutable)
		}
		if path.Base(interpArgs[0]) == "env" && len(interpArgs) > 1 {
			interpArgs = interpArgs[1:]
		}
		out := append(interpArgs, p)
		return append(out, args[1:]...), nil
	}
	return args, nil
}

func readShebang(host string) ([]string, error) {
	f, err := os.Open(host)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	rest, ok := strings.CutPrefix(line, "#!")
	if !ok {
		return nil, nil
	}
	return strings.Fields(rest), nil
}

func (e *Executor) openHandler(ctx context.Context, p string, flag int, perm fs.FileMode) (io.ReadWriteCloser, error) {
	if p == "/dev/null" {
		return os.OpenFile(os.DevNull, flag, perm)
	}
	hc := interp.HandlerCtx(ctx)
	target := e.containerPath(hc.Dir, p)
	host, err := e.rootfs.Path(target, true)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(host, flag, perm)
	if err != nil {
		return nil, snapshotError(err, target)
	}
	return f, nil
}

func (e *Executor) readDirHandler(ctx context.Context, p string) ([]fs.DirEntry, error) {
	hc := interp.HandlerCtx(ctx)
	target := e.containerPath(hc.Dir, p)
	host, err := e.rootfs.Path(target, true)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(host)
	if err != nil {
		return nil, snapshotError(err, target)
	}
	return entries, nil
}

// statHandler is called without a handler context; the interpreter always
// passes absolute paths here.
func (e *Executor) statHandler(ctx context.Context, name string, follow bool) (fs.FileInfo, error) {
	target := e.containerPath("", name)
	host, err := e.rootfs.Path(target, follow)
	if err != nil {
		return nil, err
	}
	stat := os.Lstat
	if follow {
		stat = os.Stat
	}
	info, err := stat(host)
	if err != nil {
		return nil, snapshotError(err, target)
	}
	return info, nil
}

// environPairs returns the exported variables of env as KEY=VALUE pairs.
func environPairs(env expand.Environ) []string {
	var pairs []string
	env.Each(func(name string, vr expand.Variable) bool {
		if vr.Exported && vr.IsSet() && vr.Kind == expand.String {
			pairs = append(pairs, name+"="+vr.Str)
		}
		return true
	})
	return pairs
}
