package fsutil

import (
	"errors"
	"io/fs"
	"path/filepath"
	"testing"
)

func TestMemoryFileSystem(t *testing.T) {
	mfs := NewMemoryFileSystem()

	err := mfs.WriteFile("/frames/a.jpg", []byte{1}, 0o644)
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("write without directory: got %v, want ErrNotExist", err)
	}

	if err := mfs.MkdirAll("/frames/run1", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := mfs.WriteFile("/frames/a.jpg", []byte{1, 2}, 0o644); err != nil {
		t.Fatalf("parent directories should exist: %v", err)
	}
	data, err := mfs.ReadFile("/frames/a.jpg")
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 2 {
		t.Errorf("read %v", data)
	}
	if _, err := mfs.ReadFile("/frames/b.jpg"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("missing file: got %v", err)
	}
}

func TestFrameDir(t *testing.T) {
	// Paths are validated against the real directory tree, so the memory
	// filesystem is rooted in a real temporary directory.
	root := t.TempDir()
	mfs := NewMemoryFileSystem()
	d := NewFrameDir(mfs, root, "cam_")

	path, err := d.Write(1234, []byte{0xFF, 0xD8, 0xFF, 0xD9})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	want := filepath.Join(root, "cam_0000001234.jpg")
	if path != want {
		t.Errorf("path = %q, want %q", path, want)
	}
	if _, err := d.Write(1235, []byte{0xFF, 0xD8, 0xFF, 0xD9}); err != nil {
		t.Fatal(err)
	}
	if d.Written() != 2 {
		t.Errorf("Written() = %d, want 2", d.Written())
	}
	if got := mfs.Files(); len(got) != 2 || got[0] != want {
		t.Errorf("Files() = %v", got)
	}
}

func TestFrameDirOnDisk(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "frames")
	d := NewFrameDir(nil, dir, "")
	path, err := d.Write(7, []byte("jpeg"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	data, err := OSFileSystem{}.ReadFile(path)
	if err != nil || string(data) != "jpeg" {
		t.Errorf("read back %q, %v", data, err)
	}
}
