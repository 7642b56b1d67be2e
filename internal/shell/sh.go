package shell

import (
	"context"
	"errors"
	"io"
	"os"

	"mvdan.cc/sh/v3/expand"
)

func init() {
	registerDefault(shCommand{name: "sh"}, shCommand{name: "bash"})
}

// shCommand runs a nested shell with the exported environment of the caller.
type shCommand struct {
	name string
}

func (s shCommand) Name() string { return s.name }

func (s shCommand) Run(ctx context.Context, c *Call) error {
	flags := c.flags()
	flags.SetInterspersed(false)
	command := flags.BoolP("command", "c", false, "read commands from the first operand")
	var params []string
	for _, opt := range []string{"a", "e", "f", "n", "u", "x"} {
		flags.BoolFuncP(opt, opt, "shell option", func(string) error {
			params = append(params, "-"+opt)
			return nil
		})
	}
	flags.StringSliceP("option", "o", nil, "set a long shell option")
	flags.BoolP("login", "l", false, "ignored")
	flags.BoolP("interactive", "i", false, "ignored")
	if err := flags.Parse(c.Args[1:]); err != nil {
		return err
	}
	if long, _ := flags.GetStringSlice("option"); len(long) > 0 {
		for _, o := range long {
			params = append(params, "-o", o)
		}
	}

	operands := flags.Args()
	var src string
	switch {
	case *command:
		if len(operands) == 0 {
			return errors.New("-c: option requires an argument")
		}
		src = operands[0]
		// operands[1] would be $0, which the interpreter does not expose.
		operands = operands[min(2, len(operands)):]
	case len(operands) > 0:
		host, err := c.Resolve(operands[0], true)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(host)
		if err != nil {
			return snapshotError(err, operands[0])
		}
		src = string(data)
		operands = operands[1:]
	default:
		data, err := io.ReadAll(c.Stdin)
		if err != nil {
			return err
		}
		src = string(data)
	}
	if len(operands) > 0 {
		params = append(append(params, "--"), operands...)
	}

	return c.exec.run(ctx, src, scriptEnv{
		env:     expand.ListEnviron(environPairs(c.Env)...),
		hostDir: c.hostDir,
		params:  params,
		stdin:   c.Stdin,
		stdout:  c.Stdout,
		stderr:  c.Stderr,
	})
}
