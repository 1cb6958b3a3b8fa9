// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

//go:build unix

// Package mmapio wraps a single memory-mapped, append-growable file: the
// primitive segalloc.Allocator uses to back size-class segments. Files are
// extended in page-multiple increments and mappings are page-aligned, per
// spec's mapping discipline (core §4.2).
package mmapio

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// PageSize is cached at init; used to round file growth and mapping length
// up to page multiples.
var PageSize = os.Getpagesize()

// File is a growable mmap'd file. All mapping/unmapping is guarded by mu so
// concurrent growth and pointer translation never race; once mapped, a
// region's bytes are valid until the next Grow, which remaps instead of
// moving existing offsets (remapping preserves earlier-returned slices'
// backing memory because mmap with MAP_SHARED over a file never changes the
// underlying pages, only the mapping length grows).
type File struct {
	mu   sync.RWMutex
	f    *os.File
	data []byte // current mapping, len == mapped capacity
	size int64  // logical file size (<= len(data))
}

// Open opens or creates path and maps an initial region of at least
// initialLen bytes (rounded up to a page multiple).
func Open(path string, initialLen int64, writable bool) (*File, error) {
	flags := os.O_RDWR | os.O_CREATE
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("mmapio: open %s: %w", path, err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	size := fi.Size()

	mf := &File{f: f, size: size}
	if err := mf.growLocked(max64(initialLen, size)); err != nil {
		f.Close()
		return nil, err
	}
	return mf, nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func roundUpPage(n int64) int64 {
	ps := int64(PageSize)
	if n%ps == 0 {
		return n
	}
	return (n/ps + 1) * ps
}

// Grow ensures the file and its mapping are at least n bytes, extending the
// backing file with Fallocate/Truncate and remapping as needed. Existing
// byte slices returned by At remain valid: munmap/mmap only changes the
// virtual mapping, not the file's page contents.
func (mf *File) Grow(n int64) error {
	mf.mu.Lock()
	defer mf.mu.Unlock()
	return mf.growLocked(n)
}

func (mf *File) growLocked(n int64) error {
	n = roundUpPage(n)
	if int64(len(mf.data)) >= n {
		return nil
	}

	if err := mf.f.Truncate(n); err != nil {
		return fmt.Errorf("mmapio: truncate: %w", err)
	}
	// Best-effort: reserve the space so later writes don't SIGBUS on a
	// sparse file under disk pressure. Not all filesystems support this;
	// ignore ENOTSUP/ENOSYS.
	_ = unix.Fallocate(int(mf.f.Fd()), 0, 0, n)

	if mf.data != nil {
		if err := unix.Munmap(mf.data); err != nil {
			return fmt.Errorf("mmapio: munmap: %w", err)
		}
		mf.data = nil
	}

	data, err := unix.Mmap(int(mf.f.Fd()), 0, int(n), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmapio: mmap: %w", err)
	}
	mf.data = data
	return nil
}

// At returns a slice over [offset, offset+length) of the current mapping.
// The caller must not retain it across a concurrent Grow from another
// goroutine without external synchronization beyond what File itself
// provides (readers should hold a Pin, see segalloc.Pin, for that case).
func (mf *File) At(offset, length uint32) ([]byte, error) {
	mf.mu.RLock()
	defer mf.mu.RUnlock()
	end := int64(offset) + int64(length)
	if end > int64(len(mf.data)) {
		return nil, fmt.Errorf("mmapio: range [%d,%d) exceeds mapped length %d", offset, end, len(mf.data))
	}
	return mf.data[offset:end], nil
}

// Len returns the current mapped capacity in bytes.
func (mf *File) Len() int64 {
	mf.mu.RLock()
	defer mf.mu.RUnlock()
	return int64(len(mf.data))
}

// Sync calls msync(MS_SYNC) over [offset, offset+length).
func (mf *File) Sync(offset, length uint32) error {
	mf.mu.RLock()
	defer mf.mu.RUnlock()
	end := int64(offset) + int64(length)
	if end > int64(len(mf.data)) {
		return fmt.Errorf("mmapio: sync range exceeds mapped length")
	}
	return unix.Msync(mf.data[offset:end], unix.MS_SYNC)
}

// Close unmaps and closes the underlying file.
func (mf *File) Close() error {
	mf.mu.Lock()
	defer mf.mu.Unlock()
	var err error
	if mf.data != nil {
		err = unix.Munmap(mf.data)
		mf.data = nil
	}
	if cerr := mf.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Fd exposes the OS file descriptor for Fallocate/Fdatasync-style calls the
// allocator may want to issue directly.
func (mf *File) Fd() uintptr { return mf.f.Fd() }
