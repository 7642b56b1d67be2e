package builder

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/tinyrange/ccbuild/internal/cache"
	"github.com/tinyrange/ccbuild/internal/dockerfile"
	"github.com/tinyrange/ccbuild/internal/fslayer"
	"github.com/tinyrange/ccbuild/internal/image"
	"github.com/tinyrange/ccbuild/internal/oci"
	"github.com/tinyrange/ccbuild/internal/shell"
)

func openTestStore(t *testing.T) *oci.Store {
	t.Helper()
	s, err := oci.OpenStore(filepath.Join(t.TempDir(), "store"), nil)
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	return s
}

// seedImage commits an image with one layer holding files under ref.
func seedImage(t *testing.T, s *oci.Store, ref string, files map[string]string, cfg ocispec.ImageConfig) {
	t.Helper()
	ctx := context.Background()

	var entries []fslayer.Entry
	for name, content := range files {
		entries = append(entries, fslayer.Entry{
			Path: name,
			Kind: fslayer.EntryRegular,
			Mode: 0o644,
			Size: int64(len(content)),
			Open: func() (io.ReadCloser, error) { return io.NopCloser(strings.NewReader(content)), nil },
		})
	}
	var buf bytes.Buffer
	layer, err := fslayer.WriteLayer(&buf, entries)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.PutBlob(ctx, buf.Bytes()); err != nil {
		t.Fatalf("PutBlob failed: %v", err)
	}

	img, err := image.Assemble(image.Spec{
		Layers: []image.Layer{{Descriptor: ocispec.Descriptor{
			MediaType: ocispec.MediaTypeImageLayer,
			Digest:    layer.Digest,
			Size:      layer.Size,
		}}},
		Config:   cfg,
		Platform: oci.DefaultPlatform(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(ctx, ref, img); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
}

func newContext(t *testing.T, files map[string]string) dockerfile.BuildContext {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	c, err := dockerfile.NewDirBuildContext(dir)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func openTestCache(t *testing.T, s *oci.Store) *cache.Index {
	t.Helper()
	ix, err := cache.Open(filepath.Join(t.TempDir(), "cache"), cache.Options{Valid: LayerExists(s)})
	if err != nil {
		t.Fatalf("cache.Open failed: %v", err)
	}
	return ix
}

func buildString(t *testing.T, opts Options, src string) (*Result, error) {
	t.Helper()
	df, err := dockerfile.Parse([]byte(src))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if opts.WorkDir == "" {
		opts.WorkDir = t.TempDir()
	}
	b, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return b.Build(context.Background(), df)
}

func mustBuild(t *testing.T, opts Options, src string) *Result {
	t.Helper()
	res, err := buildString(t, opts, src)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return res
}

// layerFiles reads a layer blob and returns the content of regular files
// and the kind of every other entry.
func layerFiles(t *testing.T, s *oci.Store, desc ocispec.Descriptor) map[string]string {
	t.Helper()
	rc, err := s.OpenLayer(context.Background(), desc)
	if err != nil {
		t.Fatalf("OpenLayer failed: %v", err)
	}
	defer rc.Close()

	files := make(map[string]string)
	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return files
		}
		if err != nil {
			t.Fatal(err)
		}
		name := strings.TrimSuffix(hdr.Name, "/")
		switch hdr.Typeflag {
		case tar.TypeReg:
			data, err := io.ReadAll(tr)
			if err != nil {
				t.Fatal(err)
			}
			files[name] = string(data)
		case tar.TypeDir:
			files[name] = "<dir>"
		case tar.TypeSymlink:
			files[name] = "-> " + hdr.Linkname
		}
	}
}

func lastLayer(t *testing.T, res *Result) ocispec.Descriptor {
	t.Helper()
	layers := res.Image.Manifest.Layers
	if len(layers) == 0 {
		t.Fatal("image has no layers")
	}
	return layers[len(layers)-1]
}

func TestBuildRunLayer(t *testing.T) {
	s := openTestStore(t)
	seedImage(t, s, "base:1", map[string]string{"etc/os-release": "test\n"}, ocispec.ImageConfig{})

	res := mustBuild(t, Options{Store: s}, "FROM base:1\nENV X=1\nRUN echo $X > /out.txt\n")

	if n := len(res.Image.Manifest.Layers); n != 2 {
		t.Fatalf("layers = %d, want 2", n)
	}
	files := layerFiles(t, s, lastLayer(t, res))
	if got := files["out.txt"]; got != "1\n" {
		t.Errorf("out.txt = %q, want %q", got, "1\n")
	}
	if _, ok := files["etc/os-release"]; ok {
		t.Error("RUN layer contains unchanged base file")
	}
	if n := len(res.Image.Config.History); n != 2 {
		t.Errorf("history entries = %d, want 2", n)
	}
}

func TestBuildDeterministic(t *testing.T) {
	s := openTestStore(t)
	seedImage(t, s, "base:1", map[string]string{"a": "a"}, ocispec.ImageConfig{})
	ctxFiles := map[string]string{"app/main.txt": "main", "app/lib/util.txt": "util"}
	src := "FROM base:1\nCOPY app /app\nRUN echo built > /app/stamp\nCMD [\"/app/main.txt\"]\n"

	first := mustBuild(t, Options{Store: s, Context: newContext(t, ctxFiles)}, src)
	second := mustBuild(t, Options{Store: s, Context: newContext(t, ctxFiles)}, src)

	if first.Image.Digest != second.Image.Digest {
		t.Fatalf("digests differ: %s != %s", first.Image.Digest, second.Image.Digest)
	}
	if first.Key != second.Key {
		t.Errorf("chain keys differ: %s != %s", first.Key, second.Key)
	}
}

func TestBuildCacheHits(t *testing.T) {
	s := openTestStore(t)
	seedImage(t, s, "base:1", map[string]string{"a": "a"}, ocispec.ImageConfig{})
	ix := openTestCache(t, s)
	bctx := newContext(t, map[string]string{"f.txt": "f"})
	src := "FROM base:1\nCOPY f.txt /f.txt\nRUN echo x > /x\nENV A=b\n"

	first := mustBuild(t, Options{Store: s, Cache: ix, Context: bctx}, src)
	for _, step := range first.Steps[1:] {
		if step.Cached {
			t.Errorf("first build: step %q cached", step.Instruction)
		}
	}

	second := mustBuild(t, Options{Store: s, Cache: ix, Context: bctx}, src)
	for _, step := range second.Steps {
		if !step.Cached {
			t.Errorf("second build: step %q not cached", step.Instruction)
		}
	}
	if first.Image.Digest != second.Image.Digest {
		t.Errorf("digests differ: %s != %s", first.Image.Digest, second.Image.Digest)
	}

	third := mustBuild(t, Options{Store: s, Cache: ix, Context: bctx, NoCache: true}, src)
	for _, step := range third.Steps[1:] {
		if step.Cached {
			t.Errorf("no-cache build: step %q cached", step.Instruction)
		}
	}
}

func TestBuildInvalidation(t *testing.T) {
	s := openTestStore(t)
	seedImage(t, s, "base:1", map[string]string{"a": "a"}, ocispec.ImageConfig{})
	ix := openTestCache(t, s)

	one := mustBuild(t, Options{Store: s, Cache: ix}, "FROM base:1\nENV X=1\nRUN echo $X > /x\n")
	two := mustBuild(t, Options{Store: s, Cache: ix}, "FROM base:1\nENV X=2\nRUN echo $X > /x\n")

	if one.Steps[0].Key != two.Steps[0].Key {
		t.Error("FROM key changed")
	}
	if one.Steps[1].Key == two.Steps[1].Key {
		t.Error("ENV key unchanged")
	}
	if two.Steps[2].Cached {
		t.Error("RUN after changed ENV was cached")
	}
	if one.Image.Digest == two.Image.Digest {
		t.Error("image digest unchanged")
	}
	if got := layerFiles(t, s, lastLayer(t, two))["x"]; got != "2\n" {
		t.Errorf("x = %q, want %q", got, "2\n")
	}
}

func TestBuildContextChangeInvalidates(t *testing.T) {
	s := openTestStore(t)
	seedImage(t, s, "base:1", map[string]string{"a": "a"}, ocispec.ImageConfig{})
	ix := openTestCache(t, s)
	src := "FROM base:1\nCOPY f.txt /f.txt\n"

	one := mustBuild(t, Options{Store: s, Cache: ix, Context: newContext(t, map[string]string{"f.txt": "one"})}, src)
	two := mustBuild(t, Options{Store: s, Cache: ix, Context: newContext(t, map[string]string{"f.txt": "two"})}, src)

	if one.Steps[1].Key == two.Steps[1].Key {
		t.Fatal("COPY key unchanged after source change")
	}
	if two.Steps[1].Cached {
		t.Error("COPY with changed source was cached")
	}
	if got := layerFiles(t, s, lastLayer(t, two))["f.txt"]; got != "two" {
		t.Errorf("f.txt = %q, want %q", got, "two")
	}
}

func TestBuildConfig(t *testing.T) {
	s := openTestStore(t)
	seedImage(t, s, "base:1", map[string]string{"a": "a"}, ocispec.ImageConfig{
		Env: []string{"PATH=/usr/bin"},
		Cmd: []string{"/bin/sh"},
	})

	res := mustBuild(t, Options{Store: s}, `FROM base:1
ENV PATH=/opt/bin:$PATH
LABEL version=1 owner=me
LABEL version=2
WORKDIR /srv
WORKDIR app
USER 1000:1000
EXPOSE 80 8000-8001/udp
ENTRYPOINT ["/entry"]
STOPSIGNAL SIGTERM
VOLUME /data
`)

	cfg := res.Image.Config.Config
	if !slices.Equal(cfg.Env, []string{"PATH=/opt/bin:/usr/bin"}) {
		t.Errorf("Env = %v", cfg.Env)
	}
	if cfg.Labels["version"] != "2" || cfg.Labels["owner"] != "me" {
		t.Errorf("Labels = %v", cfg.Labels)
	}
	if cfg.WorkingDir != "/srv/app" {
		t.Errorf("WorkingDir = %q, want /srv/app", cfg.WorkingDir)
	}
	if cfg.User != "1000:1000" {
		t.Errorf("User = %q", cfg.User)
	}
	for _, port := range []string{"80/tcp", "8000/udp", "8001/udp"} {
		if _, ok := cfg.ExposedPorts[port]; !ok {
			t.Errorf("ExposedPorts missing %s: %v", port, cfg.ExposedPorts)
		}
	}
	if !slices.Equal(cfg.Entrypoint, []string{"/entry"}) {
		t.Errorf("Entrypoint = %v", cfg.Entrypoint)
	}
	if cfg.Cmd != nil {
		t.Errorf("Cmd = %v, want reset by ENTRYPOINT", cfg.Cmd)
	}
	if cfg.StopSignal != "SIGTERM" {
		t.Errorf("StopSignal = %q", cfg.StopSignal)
	}
	if _, ok := cfg.Volumes["/data"]; !ok {
		t.Errorf("Volumes = %v", cfg.Volumes)
	}
	if n := len(res.Image.Manifest.Layers); n != 1 {
		t.Errorf("layers = %d, want 1", n)
	}
}

func TestBuildShellFormCommand(t *testing.T) {
	s := openTestStore(t)

	res := mustBuild(t, Options{Store: s}, "FROM scratch\nSHELL [\"/bin/bash\", \"-c\"]\nCMD echo hi\n")

	if got, want := res.Image.Config.Config.Cmd, []string{"/bin/bash", "-c", "echo hi"}; !slices.Equal(got, want) {
		t.Errorf("Cmd = %v, want %v", got, want)
	}
}

func TestBuildArgs(t *testing.T) {
	s := openTestStore(t)
	seedImage(t, s, "base:2", map[string]string{"a": "a"}, ocispec.ImageConfig{})

	src := "ARG TAG=1\nFROM base:${TAG}\nARG NAME=default\nRUN echo $NAME > /name\n"
	res := mustBuild(t, Options{Store: s, BuildArgs: map[string]string{"TAG": "2", "NAME": "given"}}, src)

	if got := layerFiles(t, s, lastLayer(t, res))["name"]; got != "given\n" {
		t.Errorf("name = %q, want %q", got, "given\n")
	}
	if env := res.Image.Config.Config.Env; slices.ContainsFunc(env, func(kv string) bool { return strings.HasPrefix(kv, "NAME=") }) {
		t.Errorf("ARG leaked into image env: %v", env)
	}
}

func TestBuildMultiStage(t *testing.T) {
	s := openTestStore(t)
	seedImage(t, s, "base:1", map[string]string{"a": "a"}, ocispec.ImageConfig{})
	bctx := newContext(t, map[string]string{"src/app.txt": "app"})

	res := mustBuild(t, Options{Store: s, Context: bctx, Parallelism: 2}, `FROM scratch AS build
COPY src/app.txt /out/
RUN echo compiled >> /out/app.txt

FROM scratch AS unused
RUN exit 1

FROM base:1
COPY --from=build /out/app.txt /usr/bin/app
`)

	if res.Stage != 2 {
		t.Errorf("Stage = %d, want 2", res.Stage)
	}
	if got := layerFiles(t, s, lastLayer(t, res))["usr/bin/app"]; got != "appcompiled\n" {
		t.Errorf("usr/bin/app = %q", got)
	}
	for _, step := range res.Steps {
		if step.Stage == 1 {
			t.Errorf("unused stage was built: %q", step.Instruction)
		}
	}
}

func TestBuildTarget(t *testing.T) {
	s := openTestStore(t)
	df, err := dockerfile.Parse([]byte("FROM scratch AS a\nENV A=1\nFROM a AS b\nENV B=1\nFROM scratch\nCOPY --from=b /x /x\n"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := New(Options{Store: s, Target: "b"})
	if err != nil {
		t.Fatal(err)
	}
	order, err := b.Plan(df)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if !slices.Equal(order, []int{0, 1}) {
		t.Errorf("order = %v, want [0 1]", order)
	}

	res, err := b.Build(context.Background(), df)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if !slices.Equal(res.Image.Config.Config.Env, []string{"A=1", "B=1"}) {
		t.Errorf("Env = %v", res.Image.Config.Config.Env)
	}
}

func TestBuildCopyLayout(t *testing.T) {
	s := openTestStore(t)
	bctx := newContext(t, map[string]string{
		"a.txt":         "a",
		"b.txt":         "b",
		"dir/one.txt":   "1",
		"dir/sub/2.txt": "2",
	})

	tests := []struct {
		name string
		src  string
		want map[string]string
	}{
		{"file to path", "COPY a.txt /dst", map[string]string{"dst": "a"}},
		{"file into dir", "COPY a.txt /dst/", map[string]string{"dst/a.txt": "a"}},
		{"glob", "COPY *.txt /dst", map[string]string{"dst/a.txt": "a", "dst/b.txt": "b"}},
		{"directory contents", "COPY dir /dst", map[string]string{
			"dst": "<dir>", "dst/one.txt": "1", "dst/sub": "<dir>", "dst/sub/2.txt": "2",
		}},
		{"relative to workdir", "WORKDIR /srv\nCOPY a.txt .", map[string]string{"srv/a.txt": "a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := mustBuild(t, Options{Store: s, Context: bctx}, "FROM scratch\n"+tt.src+"\n")
			got := layerFiles(t, s, lastLayer(t, res))
			for name, want := range tt.want {
				if got[name] != want {
					t.Errorf("%s = %q, want %q (layer %v)", name, got[name], want, got)
				}
			}
			if len(got) != len(tt.want) {
				t.Errorf("layer = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBuildCopyIntoExistingDir(t *testing.T) {
	s := openTestStore(t)
	bctx := newContext(t, map[string]string{"a.txt": "a"})

	res := mustBuild(t, Options{Store: s, Context: bctx}, "FROM scratch\nRUN mkdir /dst\nCOPY a.txt /dst\n")

	if got := layerFiles(t, s, lastLayer(t, res))["dst/a.txt"]; got != "a" {
		t.Errorf("dst/a.txt = %q, want %q", got, "a")
	}
}

func TestBuildCopyChownChmod(t *testing.T) {
	s := openTestStore(t)
	bctx := newContext(t, map[string]string{"run.sh": "#!/bin/sh\n"})

	res := mustBuild(t, Options{Store: s, Context: bctx}, "FROM scratch\nCOPY --chown=1000:2000 --chmod=755 run.sh /run.sh\n")

	rc, err := s.OpenLayer(context.Background(), lastLayer(t, res))
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	hdr, err := tar.NewReader(rc).Next()
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Name != "run.sh" || hdr.Uid != 1000 || hdr.Gid != 2000 || hdr.Mode&0o777 != 0o755 {
		t.Errorf("header = %s uid=%d gid=%d mode=%o", hdr.Name, hdr.Uid, hdr.Gid, hdr.Mode)
	}
}

func TestBuildAddArchive(t *testing.T) {
	s := openTestStore(t)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range map[string]string{"pkg/a.txt": "a", "pkg/b.txt": "bb"} {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg, Uid: 5, Gid: 5}); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	bctx := newContext(t, map[string]string{"files.tar": buf.String()})

	res := mustBuild(t, Options{Store: s, Context: bctx}, "FROM scratch\nADD files.tar /opt\n")

	got := layerFiles(t, s, lastLayer(t, res))
	if got["opt/pkg/a.txt"] != "a" || got["opt/pkg/b.txt"] != "bb" {
		t.Errorf("layer = %v", got)
	}
	if _, ok := got["opt/files.tar"]; ok {
		t.Error("archive copied instead of extracted")
	}

	copied := mustBuild(t, Options{Store: s, Context: bctx}, "FROM scratch\nCOPY files.tar /opt/\n")
	if _, ok := layerFiles(t, s, lastLayer(t, copied))["opt/files.tar"]; !ok {
		t.Error("COPY extracted archive")
	}
}

func TestBuildErrors(t *testing.T) {
	s := openTestStore(t)
	seedImage(t, s, "base:1", map[string]string{"a": "a"}, ocispec.ImageConfig{})
	bctx := newContext(t, map[string]string{"a.txt": "a"})

	t.Run("base image not found", func(t *testing.T) {
		_, err := buildString(t, Options{Store: s}, "FROM missing:1\nRUN echo hi\n")
		var notFound *BaseImageNotFoundError
		if !errors.As(err, &notFound) {
			t.Fatalf("error = %v, want BaseImageNotFoundError", err)
		}
		if notFound.Line != 1 {
			t.Errorf("Line = %d, want 1", notFound.Line)
		}
		if !errors.Is(err, oci.ErrImageNotFound) {
			t.Error("error does not match oci.ErrImageNotFound")
		}
	})

	t.Run("execution failure", func(t *testing.T) {
		_, err := buildString(t, Options{Store: s}, "FROM base:1\nRUN echo ok\nRUN exit 3\n")
		var exec *ExecutionError
		if !errors.As(err, &exec) {
			t.Fatalf("error = %v, want ExecutionError", err)
		}
		if exec.ExitCode != 3 || exec.Line != 3 {
			t.Errorf("ExitCode = %d, Line = %d", exec.ExitCode, exec.Line)
		}
	})

	t.Run("copy source missing", func(t *testing.T) {
		_, err := buildString(t, Options{Store: s, Context: bctx}, "FROM base:1\nCOPY nope.txt /\n")
		if !errors.Is(err, ErrCopySourceMissing) {
			t.Fatalf("error = %v, want ErrCopySourceMissing", err)
		}
	})

	t.Run("path traversal", func(t *testing.T) {
		_, err := buildString(t, Options{Store: s, Context: bctx}, "FROM base:1\nCOPY ../secret /\n")
		if !errors.Is(err, dockerfile.ErrPathTraversal) {
			t.Fatalf("error = %v, want ErrPathTraversal", err)
		}
	})

	t.Run("no context", func(t *testing.T) {
		_, err := buildString(t, Options{Store: s}, "FROM base:1\nCOPY a.txt /\n")
		var be *BuildError
		if !errors.As(err, &be) || be.Op != "COPY" {
			t.Fatalf("error = %v, want COPY BuildError", err)
		}
	})

	t.Run("unknown target", func(t *testing.T) {
		_, err := buildString(t, Options{Store: s, Target: "nope"}, "FROM base:1\n")
		var be *BuildError
		if !errors.As(err, &be) || be.Op != "target" {
			t.Fatalf("error = %v, want target BuildError", err)
		}
	})
}

func TestBuildCancelled(t *testing.T) {
	s := openTestStore(t)
	df, err := dockerfile.Parse([]byte("FROM scratch\nRUN echo hi > /x\n"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := New(Options{Store: s, WorkDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.Build(ctx, df); !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

// slowCommand ignores cancellation so that a build can only finish early by
// abandoning it.
type slowCommand struct {
	started  chan struct{}
	finished atomic.Bool
}

func (c *slowCommand) Name() string { return "slow" }

func (c *slowCommand) Run(ctx context.Context, call *shell.Call) error {
	close(c.started)
	time.Sleep(300 * time.Millisecond)
	c.finished.Store(true)
	return nil
}

func TestBuildCancelWaitsForRun(t *testing.T) {
	s := openTestStore(t)
	sh, ok := shell.DefaultRegistry.Lookup("sh")
	if !ok {
		t.Fatal("sh is not registered")
	}
	slow := &slowCommand{started: make(chan struct{})}
	reg := shell.NewRegistry()
	reg.Register(sh)
	reg.Register(slow)

	df, err := dockerfile.Parse([]byte("FROM scratch\nRUN slow\n"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := New(Options{Store: s, Cache: openTestCache(t, s), Registry: reg, WorkDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-slow.started
		cancel()
	}()

	if _, err := b.Build(ctx, df); !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if !slow.finished.Load() {
		t.Error("Build returned while RUN was still executing")
	}
}

func TestBuildUserOwnsNewFiles(t *testing.T) {
	s := openTestStore(t)
	seedImage(t, s, "base:1", map[string]string{
		"etc/passwd": "root:x:0:0:root:/root:/bin/sh\napp:x:1000:1000::/home/app:/bin/sh\n",
	}, ocispec.ImageConfig{})

	res := mustBuild(t, Options{Store: s}, "FROM base:1\nUSER app\nRUN echo $HOME > /tmp-home\n")

	rc, err := s.OpenLayer(context.Background(), lastLayer(t, res))
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	tr := tar.NewReader(rc)
	hdr, err := tr.Next()
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Name != "tmp-home" || hdr.Uid != 1000 || hdr.Gid != 1000 {
		t.Errorf("header = %s uid=%d gid=%d", hdr.Name, hdr.Uid, hdr.Gid)
	}
	data, err := io.ReadAll(tr)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "/home/app\n" {
		t.Errorf("HOME = %q", data)
	}
}

func TestHeredocScript(t *testing.T) {
	tests := []struct {
		cmd    string
		want   string
		wantOK bool
	}{
		{"<<EOF\necho a\necho b\nEOF", "echo a\necho b\n", true},
		{"<<-'END'\n\techo a\nEND", "echo a\n", true},
		{"cat <<EOF > /f\nx\nEOF", "", false},
		{"echo hi", "", false},
		{"<<'EOF\"\nx\nEOF", "", false},
	}
	for _, tt := range tests {
		got, ok := heredocScript(tt.cmd)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("heredocScript(%q) = %q, %v; want %q, %v", tt.cmd, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestExpandPorts(t *testing.T) {
	tests := []struct {
		spec    string
		want    []string
		wantErr bool
	}{
		{"80", []string{"80/tcp"}, false},
		{"53/UDP", []string{"53/udp"}, false},
		{"7000-7002/sctp", []string{"7000/sctp", "7001/sctp", "7002/sctp"}, false},
		{"80/icmp", nil, true},
		{"90-80", nil, true},
		{"http", nil, true},
		{"0", nil, true},
		{"70000", nil, true},
	}
	for _, tt := range tests {
		got, err := expandPorts(tt.spec)
		if (err != nil) != tt.wantErr {
			t.Errorf("expandPorts(%q) error = %v, wantErr %v", tt.spec, err, tt.wantErr)
			continue
		}
		if !slices.Equal(got, tt.want) {
			t.Errorf("expandPorts(%q) = %v, want %v", tt.spec, got, tt.want)
		}
	}
}

func TestNumericOwner(t *testing.T) {
	tests := []struct {
		spec   string
		want   *fslayer.Owner
		wantOK bool
	}{
		{"", nil, true},
		{"1000", &fslayer.Owner{UID: 1000, GID: 1000}, true},
		{"1000:50", &fslayer.Owner{UID: 1000, GID: 50}, true},
		{"app", nil, false},
		{"1000:staff", nil, false},
	}
	for _, tt := range tests {
		got, ok := numericOwner(tt.spec)
		if ok != tt.wantOK || (got == nil) != (tt.want == nil) || (got != nil && *got != *tt.want) {
			t.Errorf("numericOwner(%q) = %v, %v; want %v, %v", tt.spec, got, ok, tt.want, tt.wantOK)
		}
	}
}
