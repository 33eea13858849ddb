package transfer

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// Source is a byte-addressable read handle on the file being sent.
type Source interface {
	Size() int64
	// Slice returns bytes [start, end).
	Slice(start, end int64) ([]byte, error)
}

// BytesSource serves a payload held in memory.
type BytesSource []byte

// Size returns the payload length.
func (b BytesSource) Size() int64 { return int64(len(b)) }

// Slice returns a copy of the range.
func (b BytesSource) Slice(start, end int64) ([]byte, error) {
	if start < 0 || end < start || end > int64(len(b)) {
		return nil, fmt.Errorf("slice [%d,%d) out of range for %d bytes", start, end, len(b))
	}
	return append([]byte(nil), b[start:end]...), nil
}

// FileSource reads ranges of an open file.
type FileSource struct {
	file *os.File
	size int64
}

// OpenFileSource opens path for ranged reads.
func OpenFileSource(path string) (*FileSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat source file: %w", err)
	}
	if info.IsDir() {
		_ = file.Close()
		return nil, fmt.Errorf("source %q is a directory", path)
	}
	return &FileSource{file: file, size: info.Size()}, nil
}

// Size returns the file length at open time.
func (f *FileSource) Size() int64 { return f.size }

// Slice reads [start, end) with ReadAt.
func (f *FileSource) Slice(start, end int64) ([]byte, error) {
	if start < 0 || end < start || end > f.size {
		return nil, fmt.Errorf("slice [%d,%d) out of range for %d bytes", start, end, f.size)
	}
	buffer := make([]byte, end-start)
	n, err := f.file.ReadAt(buffer, start)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read file chunk at offset %d: %w", start, err)
	}
	if int64(n) != end-start {
		return nil, fmt.Errorf("short read at offset %d: got %d want %d", start, n, end-start)
	}
	return buffer, nil
}

// Close releases the file.
func (f *FileSource) Close() error {
	return f.file.Close()
}
