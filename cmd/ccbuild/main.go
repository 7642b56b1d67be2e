// Command ccbuild builds OCI images from Dockerfiles without a container
// runtime.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/tinyrange/ccbuild/internal/builder"
	"github.com/tinyrange/ccbuild/internal/cache"
	"github.com/tinyrange/ccbuild/internal/config"
	"github.com/tinyrange/ccbuild/internal/oci"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ccbuild: %v\n", err)
		var exec *builder.ExecutionError
		if errors.As(err, &exec) && exec.ExitCode > 0 && exec.ExitCode < 126 {
			os.Exit(exec.ExitCode)
		}
		os.Exit(1)
	}
}

// app holds the state shared by all commands.
type app struct {
	configPath string
	debug      bool
	storeDir   string
	cacheDir   string

	cfg    config.Config
	logger *slog.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "ccbuild",
		Short:         "Build OCI images from Dockerfiles",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd.ErrOrStderr())
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", config.DefaultPath(), "configuration file")
	flags.BoolVar(&a.debug, "debug", false, "enable debug logging")
	flags.StringVar(&a.storeDir, "store", "", "image store directory (overrides config)")
	flags.StringVar(&a.cacheDir, "cache-dir", "", "step cache directory (overrides config)")

	root.AddCommand(
		newBuildCommand(a),
		newParseCommand(a),
		newInspectCommand(a),
		newImagesCommand(a),
		newImportCommand(a),
		newExportCommand(a),
		newCacheCommand(a),
		newConfigCommand(a),
	)
	return root
}

func (a *app) init(logOut io.Writer) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.storeDir != "" {
		cfg.StoreDir = a.storeDir
	}
	if a.cacheDir != "" {
		cfg.CacheDir = a.cacheDir
	}
	a.cfg = cfg

	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	if a.debug {
		level = slog.LevelDebug
	}
	a.logger = slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(a.logger)
	return nil
}

func (a *app) openStore() (*oci.Store, error) {
	store, err := oci.OpenStore(a.cfg.StoreDir, a.logger)
	if err != nil {
		return nil, fmt.Errorf("open image store: %w", err)
	}
	return store, nil
}

func (a *app) openCache(store *oci.Store) (*cache.Index, error) {
	ix, err := cache.Open(a.cfg.CacheDir, cache.Options{
		Size:   a.cfg.CacheSize,
		Valid:  builder.LayerExists(store),
		Logger: a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	return ix, nil
}
