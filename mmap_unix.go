//go:build !windows
// +build !windows

package embedkv

import (
	"fmt"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// flock acquires an advisory lock on the database file. Read-write
// handles take an exclusive lock; read-only handles take a shared lock.
// timeout of zero blocks indefinitely (spec.md §4.1, "single-writer
// enforced via file lock").
func flock(db *DB, exclusive bool, timeout time.Duration) error {
	var t time.Time
	if timeout != 0 {
		t = time.Now()
	}
	fd := db.file.Fd()
	flag := unix.LOCK_NB
	if exclusive {
		flag |= unix.LOCK_EX
	} else {
		flag |= unix.LOCK_SH
	}
	for {
		err := unix.Flock(int(fd), flag)
		if err == nil {
			return nil
		} else if err != unix.EWOULDBLOCK {
			return err
		}

		if timeout != 0 && time.Since(t) > timeout-flockRetryTimeout {
			return ErrTimeout
		}

		time.Sleep(flockRetryTimeout)
	}
}

const flockRetryTimeout = 50 * time.Millisecond

// funlock releases the advisory lock on the database file.
func funlock(db *DB) error {
	return unix.Flock(int(db.file.Fd()), unix.LOCK_UN)
}

// mmap memory-maps the data file and sets db.data/db.datasz on success
// (spec.md §4.3, "Mapping lifecycle").
func mmap(db *DB, sz int) error {
	b, err := unix.Mmap(int(db.file.Fd()), 0, sz, syscall.PROT_READ, syscall.MAP_SHARED|db.MmapFlags)
	if err != nil {
		return err
	}

	if err := unix.Madvise(b, syscall.MADV_RANDOM); err != nil {
		return fmt.Errorf("madvise: %w", err)
	}

	db.dataref = b
	db.data = (*[maxMapSize]byte)(unsafe.Pointer(&b[0]))
	db.datasz = sz
	return nil
}

// munmap unmaps the data file from memory.
func munmap(db *DB) error {
	if db.dataref == nil {
		return nil
	}

	err := unix.Munmap(db.dataref)
	db.dataref = nil
	db.data = nil
	db.datasz = 0
	return err
}

// fdatasync flushes written data to stable storage.
func fdatasync(db *DB) error {
	return fdatasyncFile(db.file)
}
