package main

import (
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tinyrange/ccbuild/internal/builder"
	"github.com/tinyrange/ccbuild/internal/dockerfile"
	"github.com/tinyrange/ccbuild/internal/oci"
)

type buildOptions struct {
	file        string
	tags        []string
	target      string
	buildArgs   []string
	noCache     bool
	platform    string
	parallelism int
	quiet       bool
}

func newBuildCommand(a *app) *cobra.Command {
	var opts buildOptions
	cmd := &cobra.Command{
		Use:   "build [flags] [context]",
		Short: "Build an image from a Dockerfile",
		Long: `Build an image from a Dockerfile.

Base images are looked up in the local image store; use "ccbuild import" to
add images from an OCI layout. RUN commands are executed by a built-in shell
confined to the image filesystem.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			contextDir := "."
			if len(args) == 1 {
				contextDir = args[0]
			}
			return a.build(cmd, contextDir, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.file, "file", "f", "", "Dockerfile path (default: <context>/Dockerfile)")
	flags.StringArrayVarP(&opts.tags, "tag", "t", nil, "tag the built image (repeatable)")
	flags.StringVar(&opts.target, "target", "", "stage to build")
	flags.StringArrayVar(&opts.buildArgs, "build-arg", nil, "set a build argument KEY=VALUE (repeatable)")
	flags.BoolVar(&opts.noCache, "no-cache", false, "do not use cached steps")
	flags.StringVar(&opts.platform, "platform", "", "target platform os/arch[/variant]")
	flags.IntVar(&opts.parallelism, "parallelism", 0, "stages built at once (default from config)")
	flags.BoolVarP(&opts.quiet, "quiet", "q", false, "suppress RUN output and progress")
	return cmd
}

func (a *app) build(cmd *cobra.Command, contextDir string, opts buildOptions) error {
	ctx := cmd.Context()

	file := opts.file
	if file == "" {
		file = filepath.Join(contextDir, "Dockerfile")
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read Dockerfile: %w", err)
	}
	df, err := dockerfile.Parse(data)
	if err != nil {
		return err
	}
	bctx, err := dockerfile.NewDirBuildContext(contextDir)
	if err != nil {
		return err
	}

	spec := opts.platform
	if spec == "" {
		spec = a.cfg.Platform
	}
	platform, err := oci.ParsePlatform(spec)
	if err != nil {
		return err
	}
	buildArgs, err := parseBuildArgs(a.cfg.BuildArgs, opts.buildArgs)
	if err != nil {
		return err
	}
	parallelism := opts.parallelism
	if parallelism <= 0 {
		parallelism = a.cfg.Parallelism
	}

	store, err := a.openStore()
	if err != nil {
		return err
	}
	ix, err := a.openCache(store)
	if err != nil {
		return err
	}

	bopts := builder.Options{
		Store:       store,
		Cache:       ix,
		NoCache:     opts.noCache,
		Context:     bctx,
		BuildArgs:   buildArgs,
		Target:      opts.target,
		Platform:    platform,
		Parallelism: parallelism,
		WorkDir:     a.cfg.WorkDir,
		Output:      os.Stderr,
		Logger:      a.logger,
	}
	if opts.quiet {
		bopts.Output = nil
	}

	// Plan once up front to size the progress display.
	planner, err := builder.New(bopts)
	if err != nil {
		return err
	}
	order, err := planner.Plan(df)
	if err != nil {
		return err
	}
	total := 0
	for _, idx := range order {
		total += 1 + len(df.Stages[idx].Instructions)
	}

	if !opts.quiet && !a.debug {
		if p := newProgress(os.Stderr, total); p != nil {
			defer p.finish()
			bopts.Output = p
			bopts.Progress = p.step
		}
	}

	b, err := builder.New(bopts)
	if err != nil {
		return err
	}
	res, err := b.Build(ctx, df)
	if err != nil {
		return err
	}

	if len(opts.tags) == 0 {
		for _, blob := range res.Image.Blobs() {
			if _, err := store.PutBlob(ctx, blob); err != nil {
				return err
			}
		}
	}
	for _, tag := range opts.tags {
		if err := store.Commit(ctx, tag, res.Image); err != nil {
			return fmt.Errorf("tag %s: %w", tag, err)
		}
		a.logger.Info("tagged image", slog.String("ref", tag))
	}

	if stats, err := ix.Stats(); err == nil {
		a.logger.Debug("cache stats", slog.Int64("hits", stats.Hits), slog.Int64("misses", stats.Misses), slog.Int("entries", stats.Entries))
	}
	fmt.Fprintln(cmd.OutOrStdout(), res.Image.Digest)
	return nil
}

// parseBuildArgs merges configured build args with --build-arg values. A bare
// KEY takes its value from the environment, and is skipped when unset there.
func parseBuildArgs(base map[string]string, flags []string) (map[string]string, error) {
	args := maps.Clone(base)
	if args == nil {
		args = make(map[string]string)
	}
	for _, f := range flags {
		key, value, ok := strings.Cut(f, "=")
		if key == "" {
			return nil, fmt.Errorf("invalid --build-arg %q", f)
		}
		if !ok {
			v, set := os.LookupEnv(key)
			if !set {
				continue
			}
			value = v
		}
		args[key] = value
	}
	return args, nil
}
