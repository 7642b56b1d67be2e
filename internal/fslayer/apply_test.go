package fslayer

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func writeTar(t *testing.T, hdrs []*tar.Header, contents map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, hdr := range hdrs {
		if c, ok := contents[hdr.Name]; ok {
			hdr.Size = int64(len(c))
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write header: %v", err)
		}
		if c, ok := contents[hdr.Name]; ok {
			if _, err := tw.Write([]byte(c)); err != nil {
				t.Fatalf("write content: %v", err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	return buf.Bytes()
}

func newTestRootfs(t *testing.T) *Rootfs {
	t.Helper()
	r, err := NewRootfs(filepath.Join(t.TempDir(), "rootfs"))
	if err != nil {
		t.Fatalf("NewRootfs failed: %v", err)
	}
	return r
}

func TestApplyLayer(t *testing.T) {
	r := newTestRootfs(t)

	var buf bytes.Buffer
	_, err := WriteLayer(&buf, []Entry{
		{Path: "etc", Kind: EntryDirectory, Mode: 0o755},
		fileEntry("etc/hostname", "box\n"),
		{Path: "etc/alias", Kind: EntrySymlink, Linkname: "hostname"},
		{Path: "home/user", Kind: EntryDirectory, Mode: 0o750, UID: 1000, GID: 100},
	})
	if err != nil {
		t.Fatalf("WriteLayer failed: %v", err)
	}
	if err := r.Apply(&buf); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(r.Dir, "etc", "hostname"))
	if err != nil || string(data) != "box\n" {
		t.Fatalf("hostname = %q, %v", data, err)
	}
	target, err := os.Readlink(filepath.Join(r.Dir, "etc", "alias"))
	if err != nil || target != "hostname" {
		t.Errorf("alias -> %q, %v", target, err)
	}
	if info, err := os.Stat(filepath.Join(r.Dir, "home")); err != nil || !info.IsDir() {
		t.Errorf("missing parent directory: %v", err)
	}
	if o := r.Owner("/home/user"); o.UID != 1000 || o.GID != 100 {
		t.Errorf("owner = %+v, want 1000:100", o)
	}
}

func TestApplyWhiteouts(t *testing.T) {
	r := newTestRootfs(t)

	base := writeTar(t, []*tar.Header{
		{Name: "a/", Typeflag: tar.TypeDir, Mode: 0o755},
		{Name: "a/keep", Typeflag: tar.TypeReg, Mode: 0o644},
		{Name: "a/gone", Typeflag: tar.TypeReg, Mode: 0o644},
		{Name: "b/", Typeflag: tar.TypeDir, Mode: 0o755},
		{Name: "b/x", Typeflag: tar.TypeReg, Mode: 0o644},
		{Name: "c/", Typeflag: tar.TypeDir, Mode: 0o755},
		{Name: "c/old", Typeflag: tar.TypeReg, Mode: 0o644},
	}, map[string]string{"a/keep": "k", "a/gone": "g", "b/x": "x", "c/old": "o"})
	if err := r.Apply(bytes.NewReader(base)); err != nil {
		t.Fatalf("Apply base failed: %v", err)
	}

	upper := writeTar(t, []*tar.Header{
		{Name: "a/.wh.gone", Typeflag: tar.TypeReg},
		{Name: ".wh.b", Typeflag: tar.TypeReg},
		{Name: "c/.wh..wh..opq", Typeflag: tar.TypeReg},
	}, nil)
	if err := r.Apply(bytes.NewReader(upper)); err != nil {
		t.Fatalf("Apply upper failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(r.Dir, "a", "keep")); err != nil {
		t.Errorf("a/keep should survive: %v", err)
	}
	if _, err := os.Lstat(filepath.Join(r.Dir, "a", "gone")); !os.IsNotExist(err) {
		t.Errorf("a/gone should be removed, got %v", err)
	}
	if _, err := os.Lstat(filepath.Join(r.Dir, "b")); !os.IsNotExist(err) {
		t.Errorf("b should be removed, got %v", err)
	}
	entries, err := os.ReadDir(filepath.Join(r.Dir, "c"))
	if err != nil || len(entries) != 0 {
		t.Errorf("c should be empty, got %v, %v", entries, err)
	}
}

func TestApplyReplacesTypes(t *testing.T) {
	r := newTestRootfs(t)

	first := writeTar(t, []*tar.Header{
		{Name: "x/", Typeflag: tar.TypeDir, Mode: 0o755},
		{Name: "x/inner", Typeflag: tar.TypeReg, Mode: 0o644},
		{Name: "y", Typeflag: tar.TypeReg, Mode: 0o644},
	}, map[string]string{"x/inner": "i", "y": "y"})
	second := writeTar(t, []*tar.Header{
		{Name: "x", Typeflag: tar.TypeReg, Mode: 0o600},
		{Name: "y/", Typeflag: tar.TypeDir, Mode: 0o755},
	}, map[string]string{"x": "now a file"})

	for _, layer := range [][]byte{first, second} {
		if err := r.Apply(bytes.NewReader(layer)); err != nil {
			t.Fatalf("Apply failed: %v", err)
		}
	}

	if data, err := os.ReadFile(filepath.Join(r.Dir, "x")); err != nil || string(data) != "now a file" {
		t.Errorf("x = %q, %v", data, err)
	}
	if info, err := os.Stat(filepath.Join(r.Dir, "y")); err != nil || !info.IsDir() {
		t.Errorf("y should be a directory: %v", err)
	}
}

func TestApplyStaysInsideRoot(t *testing.T) {
	outside := t.TempDir()
	r := newTestRootfs(t)

	layer := writeTar(t, []*tar.Header{
		{Name: "link", Typeflag: tar.TypeSymlink, Linkname: outside},
		{Name: "link/owned", Typeflag: tar.TypeReg, Mode: 0o644},
	}, map[string]string{"link/owned": "o"})
	if err := r.Apply(bytes.NewReader(layer)); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(outside, "owned")); !os.IsNotExist(err) {
		t.Errorf("entry written through symlink outside the root")
	}
	if _, err := os.Stat(filepath.Join(r.Dir, outside, "owned")); err != nil {
		t.Errorf("entry should be written under the root: %v", err)
	}
}

func TestResolvePath(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "real", "dir"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("/real", filepath.Join(root, "abs")); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("../../..", filepath.Join(root, "real", "dir", "up")); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("loop", filepath.Join(root, "loop")); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		path   string
		follow bool
		want   string
	}{
		{"/real/dir", false, "real/dir"},
		{"real/dir", true, "real/dir"},
		{"/abs/dir", false, "real/dir"},
		{"/abs", false, "abs"},
		{"/abs", true, "real"},
		{"/real/dir/up/etc", false, "etc"},
		{"/../../etc/passwd", false, "etc/passwd"},
		{"/missing/file", true, "missing/file"},
	}

	for _, tc := range tests {
		got, err := ResolvePath(root, tc.path, tc.follow)
		if err != nil {
			t.Errorf("ResolvePath(%q) failed: %v", tc.path, err)
			continue
		}
		want := filepath.Join(root, tc.want)
		if got != want {
			t.Errorf("ResolvePath(%q, %v) = %q, want %q", tc.path, tc.follow, got, want)
		}
	}

	if _, err := ResolvePath(root, "/loop/x", false); err == nil {
		t.Error("expected error for symlink loop")
	}
}
