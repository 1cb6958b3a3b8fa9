// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package deltalog implements the Delta Log (WAL): an append-only,
// length-prefixed, CRC32C-protected journal of OTDeltaRec state
// transitions. It follows the teacher's shape for a log object shared
// between a single appender and any number of readers via reference
// counting (here a plain atomic refcount with a close-on-drop finalizer,
// rather than the teacher's atomic.Value-swapped immutable state, since a
// single delta log file has no internal segment list of its own — rotation
// is the Coordinator swapping in a whole new Log, not this package
// rewriting state under a lock).
package deltalog

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/lucenia/xtreestore/deltalog/frame"
)

const fileMagic = uint32(0x5844454c) // "XDEL"
const fileHeaderLen = 16             // magic:u32 | sequence:u64 | reserved:u32

// ErrClosed is returned by any operation on a Log after Close.
var ErrClosed = errors.New("deltalog: closed")

// RecordWithPayload pairs a Record with an optional payload and whether it
// should be embedded in-line in the WAL frame.
type RecordWithPayload struct {
	Record         frame.Record
	Payload        []byte
	IncludePayload bool
}

// Log is one delta log segment file.
type Log struct {
	path     string
	sequence uint64

	mu     sync.Mutex // serializes appends, per spec's single appender lock
	f      *os.File
	w      *bufio.Writer
	closed bool

	endOffset       int64
	endEpochRelaxed uint64 // atomic

	refs      int32 // atomic; readers/writer pin the log while reading/writing
	finalizer atomic.Value // func(), run when refs drops to 0 after Close
}

// Create creates a brand new log file at path with the given sequence
// number, writing the file header.
func Create(path string, sequence uint64) (*Log, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("deltalog: create %s: %w", path, err)
	}
	l := &Log{path: path, sequence: sequence, f: f, refs: 1}
	l.w = bufio.NewWriterSize(f, 64*1024)

	hdr := make([]byte, fileHeaderLen)
	binary.LittleEndian.PutUint32(hdr[0:4], fileMagic)
	binary.LittleEndian.PutUint64(hdr[4:12], sequence)
	if _, err := f.Write(hdr); err != nil {
		f.Close()
		return nil, err
	}
	l.endOffset = fileHeaderLen
	return l, nil
}

// OpenForAppend reopens an existing log file (the unsealed tail) positioned
// at the end of its last valid frame, as determined by a prior call to
// Replay; writes after this point append starting at validEnd.
func OpenForAppend(path string, sequence uint64, validEnd int64) (*Log, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("deltalog: open %s: %w", path, err)
	}
	// Truncate away any torn trailing bytes past the last valid frame so a
	// subsequent append doesn't leave a gap an unsuspecting reader could
	// misinterpret.
	if err := f.Truncate(validEnd); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(validEnd, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	l := &Log{path: path, sequence: sequence, f: f, refs: 1, endOffset: validEnd}
	l.w = bufio.NewWriterSize(f, 64*1024)
	return l, nil
}

// OpenForRead opens a sealed log file for reading only (no appender lock
// needed since the file is immutable once sealed).
func OpenForRead(path string) (*Log, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("deltalog: open %s: %w", path, err)
	}
	return &Log{path: path, f: f, refs: 1}, nil
}

// Sequence returns the log's sequence number within the manifest.
func (l *Log) Sequence() uint64 { return l.sequence }

// Path returns the log's file path.
func (l *Log) Path() string { return l.path }

// EndOffset is a cheap query of bytes written so far.
func (l *Log) EndOffset() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.endOffset
}

// EndEpochRelaxed is a best-effort (not linearized with concurrent appends)
// view of the highest epoch appended so far, useful for rotation/checkpoint
// trigger heuristics that don't need exactness.
func (l *Log) EndEpochRelaxed() uint64 {
	return atomic.LoadUint64(&l.endEpochRelaxed)
}

// Append writes metadata-only records (no payloads) to the log.
func (l *Log) Append(records []frame.Record) error {
	rps := make([]RecordWithPayload, len(records))
	for i, r := range records {
		rps[i] = RecordWithPayload{Record: r}
	}
	return l.AppendWithPayloads(rps)
}

// AppendWithPayloads writes records, embedding payloads for any entry with
// IncludePayload set.
func (l *Log) AppendWithPayloads(records []RecordWithPayload) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}

	for _, rp := range records {
		var payload []byte
		if rp.IncludePayload {
			payload = rp.Payload
		}
		buf := frame.Encode(rp.Record, payload)
		if _, err := l.w.Write(buf); err != nil {
			return fmt.Errorf("deltalog: append: %w", err)
		}
		l.endOffset += int64(len(buf))

		epoch := rp.Record.BirthEpoch
		if rp.Record.RetireEpoch != 0 && rp.Record.RetireEpoch != ^uint64(0) && rp.Record.RetireEpoch > epoch {
			epoch = rp.Record.RetireEpoch
		}
		for {
			cur := atomic.LoadUint64(&l.endEpochRelaxed)
			if epoch <= cur {
				break
			}
			if atomic.CompareAndSwapUint64(&l.endEpochRelaxed, cur, epoch) {
				break
			}
		}
	}
	return l.w.Flush()
}

// Sync requests durability of all bytes written so far. useFdatasync
// selects fdatasync over fsync when the durability policy allows it (skips
// flushing file metadata that hasn't changed, e.g. mtime-only updates).
func (l *Log) Sync(useFdatasync bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if err := l.w.Flush(); err != nil {
		return err
	}
	if useFdatasync {
		return unix.Fdatasync(int(l.f.Fd()))
	}
	return l.f.Sync()
}

// Acquire pins the log so it cannot be closed out from under an in-flight
// read, mirroring the teacher's acquireState/release pattern. Release must
// be called exactly once per Acquire.
func (l *Log) Acquire() func() {
	atomic.AddInt32(&l.refs, 1)
	return l.release
}

func (l *Log) release() {
	if atomic.AddInt32(&l.refs, -1) == 0 {
		if fn, ok := l.finalizer.Load().(func()); ok && fn != nil {
			fn()
		}
	}
}

// Close drops the creation reference. The underlying file descriptor is
// closed once the last Acquire'd reader also releases, so readers that
// raced with rotation can finish their pinned range.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	if l.w != nil {
		_ = l.w.Flush()
	}
	l.mu.Unlock()

	l.finalizer.Store(func() {
		_ = l.f.Close()
	})
	l.release()
	return nil
}

// ReplayFunc is called once per valid record found during Replay; returning
// a non-nil error stops the replay early.
type ReplayFunc func(rec frame.Record, payload []byte, offset int64) error

// Replay iterates all valid records starting at fileHeaderLen, stopping at
// the first CRC failure or short read. Any frame Decode rejects (a torn
// tail, a CRC mismatch or a corrupt header) ends the replay at that offset
// and is not treated as an error; it returns the offset of the first byte
// that was not consumed, which callers use as validEnd for OpenForAppend.
func Replay(path string, cb ReplayFunc) (validEnd int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	hdr := make([]byte, fileHeaderLen)
	n, err := io.ReadFull(f, hdr)
	if err != nil || n < fileHeaderLen {
		// An empty or header-truncated file is treated as having no valid
		// records rather than an error, since it can result from a crash
		// right after Create but before any Append.
		return 0, nil
	}
	if binary.LittleEndian.Uint32(hdr[0:4]) != fileMagic {
		return 0, fmt.Errorf("deltalog: %s: bad file magic", path)
	}

	rest, err := io.ReadAll(f)
	if err != nil {
		return 0, err
	}

	offset := int64(fileHeaderLen)
	buf := rest
	for len(buf) > 0 {
		rec, payload, n, derr := frame.Decode(buf)
		if derr != nil {
			// Both a short read (torn tail) and a CRC mismatch end replay
			// at this offset; the remaining bytes are dropped on next open.
			break
		}
		if cb != nil {
			if cberr := cb(rec, payload, offset); cberr != nil {
				return offset, cberr
			}
		}
		offset += int64(n)
		buf = buf[n:]
	}
	return offset, nil
}
