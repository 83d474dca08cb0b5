package fsutil

import (
	"fmt"

	"github.com/banshee-data/rovercam/internal/security"
)

// FrameDir writes frames as <prefix><ts>.jpg files into one directory.
type FrameDir struct {
	fs      FileSystem
	dir     string
	prefix  string
	created bool
	written int
}

// NewFrameDir returns a writer for dir. A nil fs uses the real filesystem.
func NewFrameDir(fs FileSystem, dir, prefix string) *FrameDir {
	if fs == nil {
		fs = OSFileSystem{}
	}
	return &FrameDir{fs: fs, dir: dir, prefix: prefix}
}

// Write stores frame under a name derived from ts and returns its path. The
// directory is created on first use.
func (d *FrameDir) Write(ts uint32, frame []byte) (string, error) {
	if !d.created {
		if err := d.fs.MkdirAll(d.dir, 0o755); err != nil {
			return "", fmt.Errorf("create frame directory: %w", err)
		}
		d.created = true
	}
	path, err := security.FramePath(d.dir, d.prefix, ts, "jpg")
	if err != nil {
		return "", err
	}
	if err := d.fs.WriteFile(path, frame, 0o644); err != nil {
		return "", fmt.Errorf("write frame %d: %w", ts, err)
	}
	d.written++
	return path, nil
}

// Written is the number of frames stored so far.
func (d *FrameDir) Written() int { return d.written }
