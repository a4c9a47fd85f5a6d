//go:build !linux && !windows
// +build !linux,!windows

package embedkv

import "os"

// fdatasyncFile falls back to a full fsync on platforms without a
// cheaper data-only sync primitive (Darwin, BSDs).
func fdatasyncFile(f *os.File) error {
	return f.Sync()
}
