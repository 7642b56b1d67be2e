// Package builder turns a parsed Dockerfile into an OCI image.
//
// Each stage is built from its base by applying instructions in order. Steps
// are identified by chain keys (see package cache); a step whose key is in the
// cache reuses the recorded layer instead of running again. The snapshot
// directory of a stage is only materialized when a step actually has to run.
// Independent stages are built in parallel.
package builder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/ccbuild/internal/cache"
	"github.com/tinyrange/ccbuild/internal/dag"
	"github.com/tinyrange/ccbuild/internal/dockerfile"
	"github.com/tinyrange/ccbuild/internal/image"
	"github.com/tinyrange/ccbuild/internal/oci"
	"github.com/tinyrange/ccbuild/internal/shell"
)

// Options configures a Builder.
type Options struct {
	// Store holds base images and receives the layers written by the build.
	Store *oci.Store
	// Cache is consulted and updated for every step. Nil disables caching.
	Cache *cache.Index
	// NoCache skips cache lookups; results are still recorded.
	NoCache bool
	// Context provides the files for COPY and ADD.
	Context dockerfile.BuildContext
	// BuildArgs override ARG defaults.
	BuildArgs map[string]string
	// Target selects the stage to build by name or index. Defaults to the
	// last stage.
	Target string
	// Platform of the produced image. Defaults to the host platform.
	Platform ocispec.Platform
	// Parallelism bounds the number of stages built at once.
	Parallelism int
	// WorkDir holds the snapshot directories of a build. Defaults to the
	// system temporary directory.
	WorkDir string
	// Output receives the output of RUN commands.
	Output io.Writer
	// Registry provides the commands available to RUN.
	Registry *shell.Registry
	// Progress is called after each step completes.
	Progress func(Step)
	Logger   *slog.Logger
}

// Step describes one completed instruction.
type Step struct {
	Stage       int
	Line        int
	Instruction string
	Key         digest.Digest
	Layer       *ocispec.Descriptor // nil when the step added no layer
	Cached      bool
}

// Result is the outcome of a successful build.
type Result struct {
	Image *image.Image
	// Stage is the index of the stage the image was taken from.
	Stage int
	// Key is the chain key of the last step of that stage.
	Key   digest.Digest
	Steps []Step
}

// Builder builds images from Dockerfiles. A Builder may run several builds
// concurrently.
type Builder struct {
	opts   Options
	logger *slog.Logger
}

// New creates a Builder.
func New(opts Options) (*Builder, error) {
	if opts.Store == nil {
		return nil, errors.New("builder requires an image store")
	}
	if opts.Platform.OS == "" {
		opts.Platform = oci.DefaultPlatform()
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 1
	}
	if opts.Output == nil {
		opts.Output = io.Discard
	}
	opts.Output = &lockedWriter{w: opts.Output}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Builder{
		opts:   opts,
		logger: opts.Logger.With(slog.String("component", "builder")),
	}, nil
}

// LayerExists returns a cache validator that rejects entries whose layer blob
// is missing from store.
func LayerExists(store *oci.Store) func(*cache.Entry) bool {
	return func(e *cache.Entry) bool {
		return e.Layer == nil || store.HasBlob(e.Layer.Digest)
	}
}

// Plan returns the stages needed for the target, in build order.
func (b *Builder) Plan(df *dockerfile.Dockerfile) ([]int, error) {
	order, _, err := b.plan(df)
	return order, err
}

func (b *Builder) plan(df *dockerfile.Dockerfile) ([]int, *dag.Graph[int], error) {
	target := len(df.Stages) - 1
	if b.opts.Target != "" {
		stage, ok := df.StageByRef(b.opts.Target)
		if !ok {
			return nil, nil, &BuildError{Op: "target", Message: fmt.Sprintf("stage %q not found", b.opts.Target)}
		}
		target = stage.Index
	}

	graph, err := b.stageGraph(df)
	if err != nil {
		return nil, nil, err
	}
	graph = graph.Subgraph(target)
	order, err := graph.TopologicalSort()
	if err != nil {
		return nil, nil, &BuildError{Op: "plan", Message: "invalid stage dependencies", Err: err}
	}
	return order, graph, nil
}

// stageGraph records FROM <stage> and COPY --from=<stage> dependencies.
func (b *Builder) stageGraph(df *dockerfile.Dockerfile) (*dag.Graph[int], error) {
	vars := b.globalArgs(df)
	graph := dag.New[int]()
	for i := range df.Stages {
		stage := &df.Stages[i]
		graph.AddNode(stage.Index)

		ref, err := dockerfile.ExpandVariables(stage.From.ImageTemplate, vars)
		if err != nil {
			return nil, &BuildError{Op: "FROM", Line: stage.From.Line, Message: "variable expansion failed", Err: err}
		}
		if dep, ok := namedStage(df, ref, stage.Index); ok {
			graph.AddEdge(dep, stage.Index)
		}
		for _, instr := range stage.Instructions {
			if from, ok := instr.Flag("from"); ok {
				if dep, ok := earlierStage(df, from, stage.Index); ok {
					graph.AddEdge(dep, stage.Index)
				}
			}
		}
	}
	return graph, nil
}

// earlierStage resolves a reference to a stage declared before index.
func earlierStage(df *dockerfile.Dockerfile, ref string, index int) (int, bool) {
	if n, err := strconv.Atoi(ref); err == nil {
		return n, n >= 0 && n < index
	}
	stage, ok := df.StageByRef(ref)
	if !ok || stage.Index >= index {
		return 0, false
	}
	return stage.Index, true
}

// namedStage resolves a FROM reference to a stage declared before index.
// Stages are referenced by name only; anything else is an image.
func namedStage(df *dockerfile.Dockerfile, ref string, index int) (int, bool) {
	for _, stage := range df.Stages[:index] {
		if stage.Name != "" && strings.EqualFold(stage.Name, ref) {
			return stage.Index, true
		}
	}
	return 0, false
}

// globalArgs returns the values of ARGs declared before the first FROM.
func (b *Builder) globalArgs(df *dockerfile.Dockerfile) map[string]string {
	vars := make(map[string]string, len(df.Args))
	for _, arg := range df.Args {
		if v, ok := b.opts.BuildArgs[arg.Key]; ok {
			vars[arg.Key] = v
		} else {
			vars[arg.Key] = arg.Value
		}
	}
	return vars
}

// build holds the state shared by the stages of one build.
type build struct {
	*Builder
	df     *dockerfile.Dockerfile
	graph  *dag.Graph[int]
	dir    string
	global map[string]string

	mu     sync.Mutex
	stages map[int]*stageState
	done   map[int]chan struct{}
	images map[string]*imageSource
	steps  []Step
}

// Build builds the target stage of df. Layers are written to the store, but
// no tag is created; use Store.Commit with the result to tag the image.
func (b *Builder) Build(ctx context.Context, df *dockerfile.Dockerfile) (*Result, error) {
	order, graph, err := b.plan(df)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp(b.opts.WorkDir, "ccbuild-")
	if err != nil {
		return nil, fmt.Errorf("create build directory: %w", err)
	}
	defer os.RemoveAll(dir)

	bd := &build{
		Builder: b,
		df:      df,
		graph:   graph,
		dir:     dir,
		global:  b.globalArgs(df),
		stages:  make(map[int]*stageState),
		done:    make(map[int]chan struct{}),
		images:  make(map[string]*imageSource),
	}
	for _, idx := range order {
		bd.done[idx] = make(chan struct{})
	}

	b.logger.Info("build started", slog.Int("stages", len(order)), slog.String("platform", oci.FormatPlatform(b.opts.Platform)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.opts.Parallelism)
	for _, idx := range order {
		g.Go(func() error {
			return bd.runStage(gctx, idx)
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	target := order[len(order)-1]
	final := bd.stages[target]
	img, err := final.assemble()
	if err != nil {
		return nil, &BuildError{Op: "assemble", Message: "assemble image", Err: err}
	}

	b.logger.Info("build finished",
		slog.String("image", img.Digest.String()),
		slog.Int("layers", len(img.Manifest.Layers)))

	return &Result{
		Image: img,
		Stage: target,
		Key:   final.key,
		Steps: bd.steps,
	}, nil
}

// runStage waits for the stages it depends on and builds stage idx.
func (bd *build) runStage(ctx context.Context, idx int) error {
	for _, dep := range bd.graph.Dependencies(idx) {
		select {
		case <-bd.done[dep]:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s := newStageState(bd, &bd.df.Stages[idx])
	if err := s.run(ctx); err != nil {
		return err
	}

	bd.mu.Lock()
	bd.stages[idx] = s
	bd.mu.Unlock()
	close(bd.done[idx])
	return nil
}

// stage returns a finished stage.
func (bd *build) stage(idx int) (*stageState, bool) {
	bd.mu.Lock()
	defer bd.mu.Unlock()
	s, ok := bd.stages[idx]
	return s, ok
}

func (bd *build) recordStep(step Step) {
	bd.mu.Lock()
	bd.steps = append(bd.steps, step)
	bd.mu.Unlock()
	if bd.opts.Progress != nil {
		bd.opts.Progress(step)
	}
}

func cloneConfig(c ocispec.ImageConfig) ocispec.ImageConfig {
	c.ExposedPorts = maps.Clone(c.ExposedPorts)
	c.Volumes = maps.Clone(c.Volumes)
	c.Labels = maps.Clone(c.Labels)
	c.Env = append([]string(nil), c.Env...)
	c.Entrypoint = append([]string(nil), c.Entrypoint...)
	c.Cmd = append([]string(nil), c.Cmd...)
	return c
}

// lockedWriter serializes writes from stages running in parallel.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(p)
}
