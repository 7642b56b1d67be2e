package shell

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"sync"

	"github.com/spf13/pflag"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"

	"github.com/tinyrange/ccbuild/internal/fslayer"
)

// Command is a utility available to build scripts.
type Command interface {
	// Name returns the command name (e.g., "cp", "ls", "cat").
	Name() string

	// Run executes the command. c.Args[0] is the name the command was
	// invoked as. A returned interp.ExitStatus sets the exit code without
	// printing anything; other errors are printed as "name: err" and exit 1.
	Run(ctx context.Context, c *Call) error
}

// Call is one invocation of a Command.
type Call struct {
	Args   []string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	Env    expand.Environ
	// Dir is the working directory inside the snapshot.
	Dir string

	exec    *Executor
	hostDir string
}

// errFailed reports that a command already printed its diagnostics.
var errFailed = interp.ExitStatus(1)

func (c *Call) name() string {
	return path.Base(c.Args[0])
}

// Rootfs returns the snapshot the command runs against.
func (c *Call) Rootfs() *fslayer.Rootfs {
	return c.exec.rootfs
}

// Abs returns p as an absolute path inside the snapshot.
func (c *Call) Abs(p string) string {
	return c.exec.containerPath(c.hostDir, p)
}

// Resolve maps p to a host path. Only the final component is subject to
// follow; symlinks in parent directories are always resolved.
func (c *Call) Resolve(p string, follow bool) (string, error) {
	return c.exec.hostPath(c.hostDir, p, follow)
}

// Getenv returns the string value of an environment variable.
func (c *Call) Getenv(name string) string {
	return c.Env.Get(name).String()
}

// warn prints a diagnostic in the usual "cmd: message" form.
func (c *Call) warn(format string, args ...any) {
	fmt.Fprintf(c.Stderr, "%s: %s\n", c.name(), fmt.Sprintf(format, args...))
}

// flags returns a flag set for the command that reports errors through the
// returned error only.
func (c *Call) flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet(c.name(), pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Usage = func() {}
	return fs
}

// DefaultRegistry holds the commands registered by this package.
var DefaultRegistry = NewRegistry()

// Registry maps command names to implementations. It is safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]Command
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		commands: make(map[string]Command),
	}
}

// Register adds a command. It panics if the name is empty or taken.
func (r *Registry) Register(cmd Command) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := cmd.Name()
	if name == "" {
		panic("shell: cannot register command with empty name")
	}
	if _, exists := r.commands[name]; exists {
		panic(fmt.Sprintf("shell: command %q already registered", name))
	}
	r.commands[name] = cmd
}

// Lookup retrieves a command by name.
func (r *Registry) Lookup(name string) (Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cmd, ok := r.commands[name]
	return cmd, ok
}

// Names returns the registered command names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func registerDefault(cmds ...Command) {
	for _, cmd := range cmds {
		DefaultRegistry.Register(cmd)
	}
}
