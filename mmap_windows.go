//go:build windows
// +build windows

package embedkv

import (
	"fmt"
	"os"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

// fdatasyncFile flushes file data to stable storage. Windows has no
// data-only sync primitive, so this falls back to a full sync.
func fdatasyncFile(f *os.File) error {
	return f.Sync()
}

// flock acquires a lock on the database file using LockFileEx.
// Exclusive for read-write handles, shared for read-only ones. A
// timeout of zero blocks indefinitely (spec.md §4.1).
func flock(db *DB, exclusive bool, timeout time.Duration) error {
	var t time.Time
	if timeout != 0 {
		t = time.Now()
	}

	var flags uint32 = windows.LOCKFILE_FAIL_IMMEDIATELY
	if exclusive {
		flags |= windows.LOCKFILE_EXCLUSIVE_LOCK
	}

	for {
		var m1 windows.Overlapped
		err := windows.LockFileEx(windows.Handle(db.file.Fd()), flags, 0, 1, 0, &m1)
		if err == nil {
			return nil
		} else if err != windows.ERROR_LOCK_VIOLATION {
			return err
		}

		if timeout != 0 && time.Since(t) > timeout-flockRetryTimeout {
			return ErrTimeout
		}

		time.Sleep(flockRetryTimeout)
	}
}

const flockRetryTimeout = 50 * time.Millisecond

// funlock releases the lock on the database file.
func funlock(db *DB) error {
	var m1 windows.Overlapped
	return windows.UnlockFileEx(windows.Handle(db.file.Fd()), 0, 1, 0, &m1)
}

// mmap memory-maps the data file using CreateFileMapping/MapViewOfFile,
// since Windows has no direct mmap(2) equivalent.
func mmap(db *DB, sz int) error {
	if !db.readOnly {
		if err := db.file.Truncate(int64(sz)); err != nil {
			return fmt.Errorf("truncate: %w", err)
		}
	}

	sizehi := uint32(sz >> 32)
	sizelo := uint32(sz) & 0xffffffff

	h, errno := windows.CreateFileMapping(windows.Handle(db.file.Fd()), nil, windows.PAGE_READONLY, sizehi, sizelo, nil)
	if h == 0 {
		return os.NewSyscallError("CreateFileMapping", errno)
	}

	addr, errno := windows.MapViewOfFile(h, windows.FILE_MAP_READ, 0, 0, uintptr(sz))
	if addr == 0 {
		_ = windows.CloseHandle(h)
		return os.NewSyscallError("MapViewOfFile", errno)
	}
	if err := windows.CloseHandle(h); err != nil {
		return os.NewSyscallError("CloseHandle", err)
	}

	db.dataref = (*[maxMapSize]byte)(unsafe.Pointer(addr))[:sz]
	db.data = (*[maxMapSize]byte)(unsafe.Pointer(addr))
	db.datasz = sz

	return nil
}

// munmap unmaps the data file from memory.
func munmap(db *DB) error {
	if db.dataref == nil {
		return nil
	}

	addr := uintptr(unsafe.Pointer(&db.dataref[0]))
	if err := windows.UnmapViewOfFile(addr); err != nil {
		return fmt.Errorf("unmap: %w", err)
	}

	db.dataref = nil
	db.data = nil
	db.datasz = 0
	return nil
}
