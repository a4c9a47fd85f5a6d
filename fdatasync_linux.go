//go:build linux
// +build linux

package embedkv

import (
	"os"

	"golang.org/x/sys/unix"
)

// fdatasyncFile flushes file data (but not necessarily metadata like
// mtime) to stable storage, which is slightly cheaper than a full
// fsync and sufficient for this engine's durability guarantee.
func fdatasyncFile(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}
