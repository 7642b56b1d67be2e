package builder

import (
	"context"
	"errors"
	"io"
	"maps"
	"regexp"
	"slices"
	"strings"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/ccbuild/internal/cache"
	"github.com/tinyrange/ccbuild/internal/dockerfile"
	"github.com/tinyrange/ccbuild/internal/fslayer"
	"github.com/tinyrange/ccbuild/internal/shell"
)

// DefaultPath is the PATH of RUN commands when the image does not set one.
const DefaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// heredocOnly matches a RUN whose command line is nothing but a heredoc
// marker, e.g. "RUN <<EOF".
var heredocOnly = regexp.MustCompile(`^<<(-?)(['"]?)([A-Za-z_]\w*)(['"]?)$`)

func (s *stageState) runInstruction(ctx context.Context, instr dockerfile.Instruction) error {
	argv := s.runArgs(instr)
	ran, err := s.execute(ctx, instr, cache.Normalize("RUN", argv...), func(ctx context.Context) (*ocispec.Descriptor, error) {
		rootfs, err := s.materialize(ctx)
		if err != nil {
			return nil, &BuildError{Op: "RUN", Line: instr.Line, Message: "materialize snapshot", Err: err}
		}
		return s.execRun(ctx, rootfs, instr, argv)
	})
	if err != nil {
		return err
	}
	if ran {
		s.synced()
	}
	return nil
}

// runArgs returns the argv of a RUN. The shell form is wrapped with the
// current SHELL; a heredoc-only command runs its body as the script.
func (s *stageState) runArgs(instr dockerfile.Instruction) []string {
	if instr.ExecForm {
		return slices.Clone(instr.Args)
	}
	script := instr.Args[0]
	if body, ok := heredocScript(script); ok {
		script = body
	}
	return append(slices.Clone(s.shell), script)
}

func heredocScript(cmd string) (string, bool) {
	first, rest, ok := strings.Cut(cmd, "\n")
	if !ok {
		return "", false
	}
	m := heredocOnly.FindStringSubmatch(strings.TrimSpace(first))
	if m == nil || m[2] != m[4] {
		return "", false
	}
	lines := strings.Split(rest, "\n")
	if n := len(lines); n > 0 && strings.TrimSpace(lines[n-1]) == m[3] {
		lines = lines[:n-1]
	}
	if m[1] == "-" {
		for i, line := range lines {
			lines[i] = strings.TrimLeft(line, "\t")
		}
	}
	return strings.Join(lines, "\n") + "\n", true
}

func (s *stageState) execRun(ctx context.Context, rootfs *fslayer.Rootfs, instr dockerfile.Instruction, argv []string) (*ocispec.Descriptor, error) {
	var owner fslayer.Owner
	if user := s.config.User; user != "" && user != "root" && user != "0" {
		o, err := shell.UserOwner(rootfs, user)
		if err != nil {
			return nil, &BuildError{Op: "RUN", Line: instr.Line, Message: "resolve user " + user, Err: err}
		}
		owner = o
	}

	before, err := rootfs.Scan()
	if err != nil {
		return nil, &BuildError{Op: "RUN", Line: instr.Line, Message: "scan snapshot", Err: err}
	}

	exec := shell.New(rootfs, shell.Options{Registry: s.bd.opts.Registry, Logger: s.bd.logger})
	out := s.bd.opts.Output
	err = exec.Run(ctx, shell.Process{
		Args:   argv,
		Env:    s.runEnv(rootfs),
		Dir:    s.workdir(),
		Stdout: out,
		Stderr: out,
	})
	var exit *shell.ExitError
	switch {
	case errors.As(err, &exit):
		return nil, &ExecutionError{Line: instr.Line, Command: argv, ExitCode: exit.Code, Err: err}
	case err != nil && ctx.Err() != nil:
		return nil, ctx.Err()
	case err != nil:
		return nil, &BuildError{Op: "RUN", Line: instr.Line, Message: "run command", Err: err}
	}

	if owner != (fslayer.Owner{}) {
		if err := claimNewPaths(rootfs, before, owner); err != nil {
			return nil, &BuildError{Op: "RUN", Line: instr.Line, Message: "scan snapshot", Err: err}
		}
	}

	entries, _, err := rootfs.Diff(before)
	if err != nil {
		return nil, &BuildError{Op: "RUN", Line: instr.Line, Message: "diff snapshot", Err: err}
	}
	if len(entries) == 0 {
		return nil, nil
	}
	desc, err := s.bd.writeLayer(ctx, entries)
	if err != nil {
		return nil, &BuildError{Op: "RUN", Line: instr.Line, Message: "write layer", Err: err}
	}
	return desc, nil
}

// claimNewPaths gives paths created by a command run as a non-root USER to
// that user, unless the command chowned them itself.
func claimNewPaths(rootfs *fslayer.Rootfs, before fslayer.Tree, owner fslayer.Owner) error {
	after, err := rootfs.Scan()
	if err != nil {
		return err
	}
	for p := range after {
		if _, ok := before[p]; ok {
			continue
		}
		if rootfs.Owner(p) == (fslayer.Owner{}) {
			rootfs.SetOwner(p, owner)
		}
	}
	return nil
}

// runEnv returns the environment of a RUN: the image env, then ARG values not
// shadowed by it, with PATH and HOME defaulted.
func (s *stageState) runEnv(rootfs *fslayer.Rootfs) []string {
	env := slices.Clone(s.config.Env)
	set := make(map[string]bool, len(env))
	for _, kv := range env {
		k, _, _ := strings.Cut(kv, "=")
		set[k] = true
	}
	for _, k := range slices.Sorted(maps.Keys(s.args)) {
		if !set[k] {
			env = append(env, k+"="+s.args[k])
			set[k] = true
		}
	}
	if !set["PATH"] {
		env = append(env, "PATH="+DefaultPath)
	}
	if !set["HOME"] {
		user, _, _ := strings.Cut(s.config.User, ":")
		if user == "" {
			user = "root"
		}
		env = append(env, "HOME="+shell.HomeDir(rootfs, user))
	}
	return env
}

// writeLayer streams entries as a layer blob into the store.
func (bd *build) writeLayer(ctx context.Context, entries []fslayer.Entry) (*ocispec.Descriptor, error) {
	pr, pw := io.Pipe()
	var g errgroup.Group
	g.Go(func() error {
		_, err := fslayer.WriteLayer(pw, entries)
		pw.CloseWithError(err)
		return err
	})

	d, size, err := bd.opts.Store.WriteBlob(ctx, pr, "")
	pr.CloseWithError(err)
	if werr := g.Wait(); werr != nil && err == nil {
		err = werr
	}
	if err != nil {
		return nil, err
	}
	return &ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageLayer,
		Digest:    d,
		Size:      size,
	}, nil
}
