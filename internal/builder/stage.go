package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/tinyrange/ccbuild/internal/cache"
	"github.com/tinyrange/ccbuild/internal/dockerfile"
	"github.com/tinyrange/ccbuild/internal/fslayer"
	"github.com/tinyrange/ccbuild/internal/image"
	"github.com/tinyrange/ccbuild/internal/oci"
)

// stageState is the image state of one stage while it is built. Only the
// goroutine building the stage mutates it; once the stage is finished other
// stages read it and may materialize its snapshot.
type stageState struct {
	bd    *build
	stage *dockerfile.Stage

	key      digest.Digest
	platform ocispec.Platform
	layers   []image.Layer
	history  []ocispec.History
	config   ocispec.ImageConfig
	author   string
	shell    []string
	args     map[string]string
	// cmdSet is true once CMD appears in this stage.
	cmdSet bool
	// missed is set after the first cache miss; later steps skip lookups.
	missed bool

	mu      sync.Mutex
	dir     string
	rootfs  *fslayer.Rootfs
	applied int // number of layers present in rootfs
}

func newStageState(bd *build, stage *dockerfile.Stage) *stageState {
	return &stageState{
		bd:       bd,
		stage:    stage,
		platform: bd.opts.Platform,
		shell:    dockerfile.DefaultShell(),
		args:     make(map[string]string),
		dir:      filepath.Join(bd.dir, "stage-"+strconv.Itoa(stage.Index)),
	}
}

func (s *stageState) run(ctx context.Context) error {
	if err := s.from(ctx); err != nil {
		return err
	}
	for _, instr := range s.stage.Instructions {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.step(ctx, instr); err != nil {
			return err
		}
	}
	return nil
}

func (s *stageState) from(ctx context.Context) error {
	from := s.stage.From
	global := dockerfile.MapLookup(s.bd.global)

	ref, err := dockerfile.Expand(from.ImageTemplate, global)
	if err != nil {
		return &BuildError{Op: "FROM", Line: from.Line, Message: "variable expansion failed", Err: err}
	}
	if from.Platform != "" {
		spec, err := dockerfile.Expand(from.Platform, global)
		if err != nil {
			return &BuildError{Op: "FROM", Line: from.Line, Message: "variable expansion failed", Err: err}
		}
		if s.platform, err = oci.ParsePlatform(spec); err != nil {
			return &BuildError{Op: "FROM", Line: from.Line, Err: err}
		}
	}

	switch dep, isStage := namedStage(s.bd.df, ref, s.stage.Index); {
	case strings.EqualFold(ref, "scratch"):
		s.key = cache.ScratchKey

	case isStage:
		parent, ok := s.bd.stage(dep)
		if !ok {
			return &BuildError{Op: "FROM", Line: from.Line, Message: fmt.Sprintf("stage %q has not been built", ref)}
		}
		s.key = parent.key
		s.platform = parent.platform
		s.layers = slices.Clone(parent.layers)
		s.history = slices.Clone(parent.history)
		s.config = cloneConfig(parent.config)
		s.author = parent.author
		s.shell = slices.Clone(parent.shell)

	default:
		img, err := s.bd.opts.Store.Resolve(ctx, ref, s.platform)
		if errors.Is(err, oci.ErrImageNotFound) {
			return &BaseImageNotFoundError{Ref: ref, Line: from.Line, Err: err}
		}
		if err != nil {
			return &BuildError{Op: "FROM", Line: from.Line, Message: "resolve base image " + ref, Err: err}
		}
		s.key = cache.BaseKey(img.Descriptor.Digest, oci.FormatPlatform(s.platform))
		diffIDs := img.Config.RootFS.DiffIDs
		for i, desc := range img.Layers() {
			layer := image.Layer{Descriptor: desc}
			if i < len(diffIDs) {
				layer.DiffID = diffIDs[i]
			}
			s.layers = append(s.layers, layer)
		}
		s.history = slices.Clone(img.Config.History)
		s.config = cloneConfig(img.Config.Config)
		s.author = img.Config.Author
	}

	text := "FROM " + from.ImageTemplate
	if from.Alias != "" {
		text += " AS " + from.Alias
	}
	s.report(Step{Stage: s.stage.Index, Line: from.Line, Instruction: text, Key: s.key, Cached: true})
	return nil
}

func (s *stageState) step(ctx context.Context, instr dockerfile.Instruction) error {
	switch instr.Kind {
	case dockerfile.InstructionRun:
		return s.runInstruction(ctx, instr)
	case dockerfile.InstructionCopy, dockerfile.InstructionAdd:
		return s.copyInstruction(ctx, instr)
	}

	parts, err := s.configure(instr)
	if err != nil {
		return err
	}
	_, err = s.execute(ctx, instr, cache.Normalize(instr.Kind.String(), parts...), func(context.Context) (*ocispec.Descriptor, error) {
		return nil, nil
	})
	return err
}

// execute resolves the step for instr through the cache. fn runs on a miss
// and returns the layer it wrote, if any. It reports whether the result came
// from a run of fn in this stage.
func (s *stageState) execute(ctx context.Context, instr dockerfile.Instruction, normalized string, fn func(context.Context) (*ocispec.Descriptor, error)) (bool, error) {
	key := cache.ChainKey(s.key, normalized)

	var (
		layer  *ocispec.Descriptor
		cached bool
		ran    bool
	)
	run := func(ctx context.Context) (*cache.Entry, error) {
		ran = true
		desc, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		return &cache.Entry{Parent: s.key, Instruction: normalized, Layer: desc}, nil
	}

	if ix := s.bd.opts.Cache; ix != nil {
		entry, hit, err := ix.Resolve(ctx, key, !s.missed && !s.bd.opts.NoCache, run)
		if err != nil {
			return false, err
		}
		layer, cached = entry.Layer, hit
	} else {
		entry, err := run(ctx)
		if err != nil {
			return false, err
		}
		layer = entry.Layer
	}
	if !cached {
		s.missed = true
	}

	if layer != nil {
		s.mu.Lock()
		s.layers = append(s.layers, image.Layer{Descriptor: *layer, DiffID: layer.Digest})
		s.mu.Unlock()
	}
	s.history = append(s.history, ocispec.History{
		CreatedBy:  dockerfile.FormatInstruction(instr),
		EmptyLayer: layer == nil,
	})
	s.key = key

	s.report(Step{
		Stage:       s.stage.Index,
		Line:        instr.Line,
		Instruction: dockerfile.FormatInstruction(instr),
		Key:         key,
		Layer:       layer,
		Cached:      cached,
	})
	return ran, nil
}

func (s *stageState) report(step Step) {
	attrs := []any{
		slog.Int("stage", step.Stage),
		slog.Int("line", step.Line),
		slog.Bool("cached", step.Cached),
	}
	if step.Layer != nil {
		attrs = append(attrs, slog.String("layer", step.Layer.Digest.String()))
	}
	s.bd.logger.Info("step "+firstLine(step.Instruction), attrs...)
	s.bd.recordStep(step)
}

func firstLine(s string) string {
	if line, _, ok := strings.Cut(s, "\n"); ok {
		return line + " ..."
	}
	return s
}

// materialize returns the snapshot of the stage with every recorded layer
// applied, creating it on first use.
func (s *stageState) materialize(ctx context.Context) (*fslayer.Rootfs, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rootfs == nil {
		r, err := fslayer.NewRootfs(s.dir)
		if err != nil {
			return nil, err
		}
		s.rootfs = r
		s.bd.logger.Debug("materializing snapshot", slog.Int("stage", s.stage.Index), slog.Int("layers", len(s.layers)))
	}
	for s.applied < len(s.layers) {
		desc := s.layers[s.applied].Descriptor
		if err := applyLayer(ctx, s.bd.opts.Store, s.rootfs, desc); err != nil {
			return nil, err
		}
		s.applied++
	}
	return s.rootfs, nil
}

// synced marks every recorded layer as present in the snapshot.
func (s *stageState) synced() {
	s.mu.Lock()
	s.applied = len(s.layers)
	s.mu.Unlock()
}

func applyLayer(ctx context.Context, store *oci.Store, r *fslayer.Rootfs, desc ocispec.Descriptor) error {
	rc, err := store.OpenLayer(ctx, desc)
	if err != nil {
		return fmt.Errorf("open layer %s: %w", desc.Digest, err)
	}
	defer rc.Close()
	if err := r.Apply(rc); err != nil {
		return fmt.Errorf("apply layer %s: %w", desc.Digest, err)
	}
	return nil
}

func (s *stageState) assemble() (*image.Image, error) {
	return image.Assemble(image.Spec{
		Layers:   s.layers,
		Config:   s.config,
		History:  s.history,
		Platform: s.platform,
		Author:   s.author,
	})
}

// lookup resolves a variable for expansion. ENV takes precedence over ARG.
func (s *stageState) lookup(name string) (string, bool) {
	for i := len(s.config.Env) - 1; i >= 0; i-- {
		if k, v, _ := strings.Cut(s.config.Env[i], "="); k == name {
			return v, true
		}
	}
	v, ok := s.args[name]
	return v, ok
}

func (s *stageState) expand(instr dockerfile.Instruction, word string) (string, error) {
	v, err := dockerfile.Expand(word, s.lookup)
	if err != nil {
		return "", &BuildError{Op: instr.Kind.String(), Line: instr.Line, Message: "variable expansion failed", Err: err}
	}
	return v, nil
}

func (s *stageState) setEnv(key, value string) {
	for i, kv := range s.config.Env {
		if k, _, _ := strings.Cut(kv, "="); k == key {
			s.config.Env[i] = key + "=" + value
			return
		}
	}
	s.config.Env = append(s.config.Env, key+"="+value)
}

func (s *stageState) workdir() string {
	if s.config.WorkingDir == "" {
		return "/"
	}
	return s.config.WorkingDir
}

// configure applies an instruction that only changes the image config and
// returns the values that identify the change.
func (s *stageState) configure(instr dockerfile.Instruction) ([]string, error) {
	switch instr.Kind {
	case dockerfile.InstructionEnv:
		var parts []string
		for _, arg := range instr.Args {
			kv := dockerfile.SplitKeyValue(arg)
			value, err := s.expand(instr, kv.Value)
			if err != nil {
				return nil, err
			}
			s.setEnv(kv.Key, value)
			parts = append(parts, kv.Key+"="+value)
		}
		return parts, nil

	case dockerfile.InstructionArg:
		kv := dockerfile.SplitKeyValue(instr.Args[0])
		value, set := kv.Value, kv.HasValue
		if set {
			v, err := s.expand(instr, value)
			if err != nil {
				return nil, err
			}
			value = v
		} else if v, ok := s.bd.global[kv.Key]; ok {
			value, set = v, true
		}
		if v, ok := s.bd.opts.BuildArgs[kv.Key]; ok {
			value, set = v, true
		}
		if !set {
			delete(s.args, kv.Key)
			return []string{kv.Key}, nil
		}
		s.args[kv.Key] = value
		return []string{kv.Key + "=" + value}, nil

	case dockerfile.InstructionLabel:
		if s.config.Labels == nil {
			s.config.Labels = make(map[string]string)
		}
		var parts []string
		for _, arg := range instr.Args {
			kv := dockerfile.SplitKeyValue(arg)
			key, err := s.expand(instr, kv.Key)
			if err != nil {
				return nil, err
			}
			value, err := s.expand(instr, kv.Value)
			if err != nil {
				return nil, err
			}
			s.config.Labels[key] = value
			parts = append(parts, key+"="+value)
		}
		return parts, nil

	case dockerfile.InstructionUser:
		user, err := s.expand(instr, instr.Args[0])
		if err != nil {
			return nil, err
		}
		s.config.User = user
		return []string{user}, nil

	case dockerfile.InstructionWorkDir:
		dir, err := s.expand(instr, instr.Args[0])
		if err != nil {
			return nil, err
		}
		if !path.IsAbs(dir) {
			dir = path.Join(s.workdir(), dir)
		}
		s.config.WorkingDir = path.Clean(dir)
		return []string{s.config.WorkingDir}, nil

	case dockerfile.InstructionExpose:
		if s.config.ExposedPorts == nil {
			s.config.ExposedPorts = make(map[string]struct{})
		}
		var parts []string
		for _, arg := range instr.Args {
			spec, err := s.expand(instr, arg)
			if err != nil {
				return nil, err
			}
			ports, err := expandPorts(spec)
			if err != nil {
				return nil, &BuildError{Op: "EXPOSE", Line: instr.Line, Err: err}
			}
			for _, p := range ports {
				s.config.ExposedPorts[p] = struct{}{}
			}
			parts = append(parts, ports...)
		}
		return parts, nil

	case dockerfile.InstructionCmd:
		s.config.Cmd = s.command(instr)
		s.cmdSet = true
		return append([]string{formOf(instr)}, s.config.Cmd...), nil

	case dockerfile.InstructionEntrypoint:
		s.config.Entrypoint = s.command(instr)
		if !s.cmdSet {
			s.config.Cmd = nil
		}
		return append([]string{formOf(instr)}, s.config.Entrypoint...), nil

	case dockerfile.InstructionShell:
		s.shell = slices.Clone(instr.Args)
		return s.shell, nil

	case dockerfile.InstructionStopSignal:
		sig, err := s.expand(instr, instr.Args[0])
		if err != nil {
			return nil, err
		}
		s.config.StopSignal = sig
		return []string{sig}, nil

	case dockerfile.InstructionVolume:
		if s.config.Volumes == nil {
			s.config.Volumes = make(map[string]struct{})
		}
		var parts []string
		for _, arg := range instr.Args {
			v, err := s.expand(instr, arg)
			if err != nil {
				return nil, err
			}
			s.config.Volumes[v] = struct{}{}
			parts = append(parts, v)
		}
		return parts, nil

	case dockerfile.InstructionMaintainer:
		s.author = instr.Args[0]
		return []string{s.author}, nil
	}

	return nil, &dockerfile.UnsupportedError{Feature: instr.Kind.String(), Line: instr.Line}
}

// command returns the argv of a CMD or ENTRYPOINT. The shell form is wrapped
// with the current SHELL.
func (s *stageState) command(instr dockerfile.Instruction) []string {
	if instr.ExecForm {
		return slices.Clone(instr.Args)
	}
	return append(slices.Clone(s.shell), instr.Args...)
}

func formOf(instr dockerfile.Instruction) string {
	if instr.ExecForm {
		return "exec"
	}
	return "shell"
}

// expandPorts normalizes an EXPOSE operand into "port/proto" keys, expanding
// ranges.
func expandPorts(spec string) ([]string, error) {
	ports, proto, ok := strings.Cut(strings.ToLower(spec), "/")
	if !ok {
		proto = "tcp"
	}
	switch proto {
	case "tcp", "udp", "sctp":
	default:
		return nil, fmt.Errorf("invalid protocol %q in %q", proto, spec)
	}

	lo, hi, isRange := strings.Cut(ports, "-")
	start, err := strconv.ParseUint(lo, 10, 16)
	if err != nil || start == 0 {
		return nil, fmt.Errorf("invalid port %q", spec)
	}
	end := start
	if isRange {
		if end, err = strconv.ParseUint(hi, 10, 16); err != nil || end < start {
			return nil, fmt.Errorf("invalid port range %q", spec)
		}
	}

	var out []string
	for p := start; p <= end; p++ {
		out = append(out, strconv.FormatUint(p, 10)+"/"+proto)
	}
	return out, nil
}
