// Package datafile wraps the single output file a sink writes to.
package datafile

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

var ErrClosed = errors.New("datafile is closed")

// DataFile is an append-only file that is locked for the lifetime of the
// writer so two sinks can never interleave units in the same path.
type DataFile struct {
	sync.Mutex

	writer *os.File
	path   string

	offset int64
}

// Create opens path for writing and truncates it. The file is locked
// before truncation so a file held by another writer is left untouched.
func Create(path string) (*DataFile, error) {
	writer, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("error opening file for writing: %w", err)
	}

	if err := unix.Flock(int(writer.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		writer.Close()
		return nil, fmt.Errorf("cannot acquire lock on file %q: %w", path, err)
	}

	if err := writer.Truncate(0); err != nil {
		unix.Flock(int(writer.Fd()), unix.LOCK_UN)
		writer.Close()
		return nil, fmt.Errorf("error truncating file %q: %w", path, err)
	}

	return &DataFile{
		writer: writer,
		path:   path,
	}, nil
}

// Path returns the path the file was created at.
func (d *DataFile) Path() string {
	return d.path
}

// Offset returns the number of bytes written so far.
func (d *DataFile) Offset() int64 {
	d.Lock()
	defer d.Unlock()

	return d.offset
}

// Write appends data and returns the offset it was written at.
func (d *DataFile) Write(data []byte) (int64, error) {
	d.Lock()
	defer d.Unlock()

	if d.writer == nil {
		return -1, ErrClosed
	}

	// Store the current size of the file.
	offset := d.offset

	n, err := d.writer.Write(data)
	d.offset += int64(n)
	if err != nil {
		return -1, err
	}
	return offset, nil
}

// Sync flushes the in-memory buffers to the disk.
func (d *DataFile) Sync() error {
	d.Lock()
	defer d.Unlock()

	if d.writer == nil {
		return ErrClosed
	}
	return d.writer.Sync()
}

// Close releases the lock and closes the file. Closing twice is a no-op.
func (d *DataFile) Close() error {
	d.Lock()
	defer d.Unlock()

	if d.writer == nil {
		return nil
	}
	w := d.writer
	d.writer = nil

	if err := unix.Flock(int(w.Fd()), unix.LOCK_UN); err != nil {
		w.Close()
		return fmt.Errorf("cannot unlock file %q: %w", d.path, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("cannot close fd on file %q: %w", d.path, err)
	}
	return nil
}
