// Package disk implements the byte-addressable buffer primitive the storage
// layer is built on. The core (log, meta, snapshot stores) is specified
// against this narrow interface rather than a specific file format so tests
// can substitute an in-memory buffer; the one on-disk implementation here
// backs it directly with os.File, matching Copycat's Buffer/FileBuffer
// abstraction (original_source/.../storage/MetaStore.java writes fixed-width
// primitives at absolute offsets into a Buffer).
package disk

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Buffer is a byte-addressable random-access region backed by a growable
// file. All reads and writes are at an absolute offset; callers are
// responsible for their own layout (this is the "disk buffer primitive" the
// consensus/log/session layers are specified against, out of their scope).
type Buffer interface {
	ReadUint64(offset int64) (uint64, error)
	WriteUint64(offset int64, v uint64) error
	ReadUint32(offset int64) (uint32, error)
	WriteUint32(offset int64, v uint32) error
	ReadUint16(offset int64) (uint16, error)
	WriteUint16(offset int64, v uint16) error
	ReadBool(offset int64) (bool, error)
	WriteBool(offset int64, v bool) error
	ReadAt(offset int64, buf []byte) error
	WriteAt(offset int64, buf []byte) error
	// Allocate ensures the buffer is at least size bytes long, growing the
	// backing file if necessary. It never shrinks the buffer.
	Allocate(size int64) error
	// Size returns the current allocated size of the buffer.
	Size() (int64, error)
	// Truncate shrinks the backing file to size bytes.
	Truncate(size int64) error
	Sync() error
	Close() error
}

// FileBuffer is the on-disk Buffer implementation.
type FileBuffer struct {
	file *os.File
	path string
}

// OpenFile opens (creating if necessary) a FileBuffer backed by path,
// allocated to at least minSize bytes.
func OpenFile(path string, minSize int64) (*FileBuffer, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("disk: open %s: %w", path, err)
	}
	b := &FileBuffer{file: f, path: path}
	if minSize > 0 {
		if err := b.Allocate(minSize); err != nil {
			f.Close()
			return nil, err
		}
	}
	return b, nil
}

func (b *FileBuffer) Path() string { return b.path }

func (b *FileBuffer) Allocate(size int64) error {
	cur, err := b.Size()
	if err != nil {
		return err
	}
	if size <= cur {
		return nil
	}
	return b.file.Truncate(size)
}

func (b *FileBuffer) Size() (int64, error) {
	info, err := b.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (b *FileBuffer) Truncate(size int64) error {
	return b.file.Truncate(size)
}

func (b *FileBuffer) ReadAt(offset int64, buf []byte) error {
	_, err := b.file.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return fmt.Errorf("disk: read at %d: %w", offset, err)
	}
	return nil
}

func (b *FileBuffer) WriteAt(offset int64, buf []byte) error {
	if _, err := b.file.WriteAt(buf, offset); err != nil {
		return fmt.Errorf("disk: write at %d: %w", offset, err)
	}
	return nil
}

func (b *FileBuffer) ReadUint64(offset int64) (uint64, error) {
	var buf [8]byte
	if err := b.ReadAt(offset, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func (b *FileBuffer) WriteUint64(offset int64, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return b.WriteAt(offset, buf[:])
}

func (b *FileBuffer) ReadUint32(offset int64) (uint32, error) {
	var buf [4]byte
	if err := b.ReadAt(offset, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func (b *FileBuffer) WriteUint32(offset int64, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return b.WriteAt(offset, buf[:])
}

func (b *FileBuffer) ReadUint16(offset int64) (uint16, error) {
	var buf [2]byte
	if err := b.ReadAt(offset, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

func (b *FileBuffer) WriteUint16(offset int64, v uint16) error {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	return b.WriteAt(offset, buf[:])
}

func (b *FileBuffer) ReadBool(offset int64) (bool, error) {
	var buf [1]byte
	if err := b.ReadAt(offset, buf[:]); err != nil {
		return false, err
	}
	return buf[0] != 0, nil
}

func (b *FileBuffer) WriteBool(offset int64, v bool) error {
	var buf [1]byte
	if v {
		buf[0] = 1
	}
	return b.WriteAt(offset, buf[:])
}

func (b *FileBuffer) Sync() error  { return b.file.Sync() }
func (b *FileBuffer) Close() error { return b.file.Close() }

// Delete closes and removes the backing file.
func (b *FileBuffer) Delete() error {
	b.file.Close()
	return os.Remove(b.path)
}

// MemBuffer is an in-memory Buffer, used by tests and by Storage levels that
// don't need durability.
type MemBuffer struct {
	data []byte
}

func NewMemBuffer(size int64) *MemBuffer {
	return &MemBuffer{data: make([]byte, size)}
}

func (b *MemBuffer) Allocate(size int64) error {
	if int64(len(b.data)) >= size {
		return nil
	}
	grown := make([]byte, size)
	copy(grown, b.data)
	b.data = grown
	return nil
}

func (b *MemBuffer) Size() (int64, error) { return int64(len(b.data)), nil }

func (b *MemBuffer) Truncate(size int64) error {
	if size >= int64(len(b.data)) {
		return b.Allocate(size)
	}
	b.data = b.data[:size]
	return nil
}

func (b *MemBuffer) ReadAt(offset int64, buf []byte) error {
	if offset+int64(len(buf)) > int64(len(b.data)) {
		return fmt.Errorf("disk: read out of range at %d len %d", offset, len(buf))
	}
	copy(buf, b.data[offset:])
	return nil
}

func (b *MemBuffer) WriteAt(offset int64, buf []byte) error {
	if err := b.Allocate(offset + int64(len(buf))); err != nil {
		return err
	}
	copy(b.data[offset:], buf)
	return nil
}

func (b *MemBuffer) ReadUint64(offset int64) (uint64, error) {
	var buf [8]byte
	if err := b.ReadAt(offset, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func (b *MemBuffer) WriteUint64(offset int64, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return b.WriteAt(offset, buf[:])
}

func (b *MemBuffer) ReadUint32(offset int64) (uint32, error) {
	var buf [4]byte
	if err := b.ReadAt(offset, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func (b *MemBuffer) WriteUint32(offset int64, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return b.WriteAt(offset, buf[:])
}

func (b *MemBuffer) ReadUint16(offset int64) (uint16, error) {
	var buf [2]byte
	if err := b.ReadAt(offset, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

func (b *MemBuffer) WriteUint16(offset int64, v uint16) error {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	return b.WriteAt(offset, buf[:])
}

func (b *MemBuffer) ReadBool(offset int64) (bool, error) {
	var buf [1]byte
	if err := b.ReadAt(offset, buf[:]); err != nil {
		return false, err
	}
	return buf[0] != 0, nil
}

func (b *MemBuffer) WriteBool(offset int64, v bool) error {
	var buf [1]byte
	if v {
		buf[0] = 1
	}
	return b.WriteAt(offset, buf[:])
}

func (b *MemBuffer) Sync() error  { return nil }
func (b *MemBuffer) Close() error { return nil }

var (
	_ Buffer = (*FileBuffer)(nil)
	_ Buffer = (*MemBuffer)(nil)
)
