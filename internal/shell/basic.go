package shell

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
)

func init() {
	registerDefault(
		echoCommand{},
		statusCommand{name: "true", code: 0},
		statusCommand{name: "false", code: 1},
		catCommand{},
		envCommand{},
	)
}

// echoCommand serves /bin/echo; plain "echo" is a shell builtin.
type echoCommand struct{}

func (echoCommand) Name() string { return "echo" }

func (echoCommand) Run(ctx context.Context, c *Call) error {
	args := c.Args[1:]
	newline := true
	if len(args) > 0 && args[0] == "-n" {
		newline = false
		args = args[1:]
	}
	out := strings.Join(args, " ")
	if newline {
		out += "\n"
	}
	_, err := io.WriteString(c.Stdout, out)
	return err
}

type statusCommand struct {
	name string
	code uint8
}

func (s statusCommand) Name() string { return s.name }

func (s statusCommand) Run(ctx context.Context, c *Call) error {
	if s.code == 0 {
		return nil
	}
	return interp.ExitStatus(s.code)
}

type catCommand struct{}

func (catCommand) Name() string { return "cat" }

func (catCommand) Run(ctx context.Context, c *Call) error {
	flags := c.flags()
	flags.BoolP("unbuffered", "u", false, "ignored")
	if err := flags.Parse(c.Args[1:]); err != nil {
		return err
	}
	files := flags.Args()
	if len(files) == 0 {
		files = []string{"-"}
	}

	failed := false
	for _, name := range files {
		if err := c.catFile(name); err != nil {
			c.warn("%v", err)
			failed = true
		}
	}
	if failed {
		return errFailed
	}
	return nil
}

func (c *Call) catFile(name string) error {
	if name == "-" {
		_, err := io.Copy(c.Stdout, c.Stdin)
		return err
	}
	host, err := c.Resolve(name, true)
	if err != nil {
		return err
	}
	f, err := os.Open(host)
	if err != nil {
		return snapshotError(err, name)
	}
	defer f.Close()
	_, err = io.Copy(c.Stdout, f)
	return err
}

// envCommand prints the environment or runs a command with a modified one.
type envCommand struct{}

func (envCommand) Name() string { return "env" }

func (envCommand) Run(ctx context.Context, c *Call) error {
	args := c.Args[1:]
	var pairs []string
	if len(args) > 0 && (args[0] == "-i" || args[0] == "--ignore-environment") {
		args = args[1:]
	} else {
		pairs = environPairs(c.Env)
	}
	for len(args) > 0 && strings.Contains(args[0], "=") && !strings.HasPrefix(args[0], "=") {
		pairs = append(pairs, args[0])
		args = args[1:]
	}

	if len(args) == 0 {
		env := expand.ListEnviron(pairs...)
		var lines []string
		env.Each(func(name string, vr expand.Variable) bool {
			lines = append(lines, name+"="+vr.String())
			return true
		})
		slices.Sort(lines)
		for _, l := range lines {
			if _, err := fmt.Fprintln(c.Stdout, l); err != nil {
				return err
			}
		}
		return nil
	}

	src, err := quoteArgs(args)
	if err != nil {
		return err
	}
	return c.exec.run(ctx, src, scriptEnv{
		env:     expand.ListEnviron(pairs...),
		hostDir: c.hostDir,
		stdin:   c.Stdin,
		stdout:  c.Stdout,
		stderr:  c.Stderr,
	})
}
