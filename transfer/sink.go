package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"peerdrop/models"
)

// DefaultBufferSize is the bounded-buffer accumulation threshold.
const DefaultBufferSize = 2 * 1024 * 1024

// SinkKind names a sink strategy.
type SinkKind string

const (
	// SinkMemory accumulates into sealed in-memory segments.
	SinkMemory SinkKind = "memory"
	// SinkStream writes each chunk straight to a destination stream.
	SinkStream SinkKind = "stream"
)

var errSinkFinalized = errors.New("sink already finalized")

// Sink assembles one transfer's bytes into an artifact.
type Sink interface {
	Write(ctx context.Context, p []byte) error
	Finalize(ctx context.Context) (models.Artifact, error)
	// Abort discards everything written so far.
	Abort() error
}

// ProbeCapability reports SinkStream when dir can be created and written,
// SinkMemory otherwise.
func ProbeCapability(dir string) SinkKind {
	if strings.TrimSpace(dir) == "" {
		return SinkMemory
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return SinkMemory
	}
	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return SinkMemory
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return SinkStream
}

// BoundedBufferSink copies bytes into a fixed-size buffer. A full buffer is
// sealed into an immutable segment and replaced by a fresh one.
type BoundedBufferSink struct {
	descriptor models.FileDescriptor
	size       int
	buffer     []byte
	segments   [][]byte
	finalized  bool
}

// NewBoundedBufferSink creates a sink with the given threshold.
func NewBoundedBufferSink(descriptor models.FileDescriptor, bufferSize int) *BoundedBufferSink {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &BoundedBufferSink{descriptor: descriptor, size: bufferSize}
}

// Write appends p, sealing every time the buffer fills.
func (s *BoundedBufferSink) Write(ctx context.Context, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.finalized {
		return errSinkFinalized
	}
	for len(p) > 0 {
		if s.buffer == nil {
			s.buffer = make([]byte, 0, s.size)
		}
		n := copy(s.buffer[len(s.buffer):cap(s.buffer)], p)
		s.buffer = s.buffer[:len(s.buffer)+n]
		p = p[n:]
		if len(s.buffer) == cap(s.buffer) {
			s.seal()
		}
	}
	return nil
}

func (s *BoundedBufferSink) seal() {
	s.segments = append(s.segments, s.buffer)
	s.buffer = nil
}

// Segments returns the number of sealed segments.
func (s *BoundedBufferSink) Segments() int {
	return len(s.segments)
}

// Finalize flushes the partial buffer and concatenates segments in order.
func (s *BoundedBufferSink) Finalize(ctx context.Context) (models.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return models.Artifact{}, err
	}
	if s.finalized {
		return models.Artifact{}, errSinkFinalized
	}
	if len(s.buffer) > 0 {
		s.seal()
	}
	s.finalized = true

	total := 0
	for _, segment := range s.segments {
		total += len(segment)
	}
	data := make([]byte, 0, total)
	for _, segment := range s.segments {
		data = append(data, segment...)
	}
	sum := sha256.Sum256(data)
	return models.Artifact{
		Descriptor: s.descriptor,
		Data:       data,
		Checksum:   hex.EncodeToString(sum[:]),
	}, nil
}

// Abort releases all buffered bytes.
func (s *BoundedBufferSink) Abort() error {
	s.buffer = nil
	s.segments = nil
	s.finalized = true
	return nil
}

// StreamOpener opens the destination stream for one transfer.
type StreamOpener interface {
	Open(ctx context.Context, descriptor models.FileDescriptor) (io.WriteCloser, error)
}

// StreamingSink opens its stream on first use and writes each chunk through.
type StreamingSink struct {
	descriptor models.FileDescriptor
	opener     StreamOpener
	stream     io.WriteCloser
	hasher     hash.Hash
	finalized  bool
}

// NewStreamingSink creates a sink that opens through opener lazily.
func NewStreamingSink(descriptor models.FileDescriptor, opener StreamOpener) *StreamingSink {
	return &StreamingSink{descriptor: descriptor, opener: opener, hasher: sha256.New()}
}

func (s *StreamingSink) open(ctx context.Context) error {
	if s.stream != nil {
		return nil
	}
	stream, err := s.opener.Open(ctx, s.descriptor)
	if err != nil {
		return err
	}
	s.stream = stream
	return nil
}

// Write writes p to the stream, opening it first if needed.
func (s *StreamingSink) Write(ctx context.Context, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.finalized {
		return errSinkFinalized
	}
	if err := s.open(ctx); err != nil {
		return err
	}
	if _, err := s.stream.Write(p); err != nil {
		return err
	}
	_, _ = s.hasher.Write(p)
	return nil
}

// Finalize closes the stream. A transfer that never wrote still opens and
// closes the destination so an empty file is produced.
func (s *StreamingSink) Finalize(ctx context.Context) (models.Artifact, error) {
	if s.finalized {
		return models.Artifact{}, errSinkFinalized
	}
	if err := s.open(ctx); err != nil {
		return models.Artifact{}, err
	}
	s.finalized = true
	if err := s.stream.Close(); err != nil {
		return models.Artifact{}, err
	}

	artifact := models.Artifact{
		Descriptor: s.descriptor,
		Checksum:   hex.EncodeToString(s.hasher.Sum(nil)),
	}
	if located, ok := s.stream.(interface{ Path() string }); ok {
		artifact.Path = located.Path()
	}
	return artifact, nil
}

// Abort discards the half-written destination.
func (s *StreamingSink) Abort() error {
	s.finalized = true
	if s.stream == nil {
		return nil
	}
	if discarder, ok := s.stream.(interface{ Discard() error }); ok {
		return discarder.Discard()
	}
	return s.stream.Close()
}

// DiskOpener writes into Dir through a ".part" file renamed on Close.
type DiskOpener struct {
	Dir string
}

// Open creates the partial file for descriptor.
func (o DiskOpener) Open(_ context.Context, descriptor models.FileDescriptor) (io.WriteCloser, error) {
	if err := os.MkdirAll(o.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}
	finalPath := filepath.Join(o.Dir, prefixedFilename(descriptor.ID, descriptorFilename(descriptor)))
	tempPath := finalPath + ".part"
	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create partial file: %w", err)
	}
	return &diskStream{file: file, tempPath: tempPath, finalPath: finalPath}, nil
}

type diskStream struct {
	file      *os.File
	tempPath  string
	finalPath string
}

func (d *diskStream) Write(p []byte) (int, error) {
	return d.file.Write(p)
}

func (d *diskStream) Close() error {
	if err := d.file.Close(); err != nil {
		return fmt.Errorf("close partial file: %w", err)
	}
	if err := os.Rename(d.tempPath, d.finalPath); err != nil {
		return fmt.Errorf("finalize file: %w", err)
	}
	return nil
}

func (d *diskStream) Discard() error {
	_ = d.file.Close()
	if err := os.Remove(d.tempPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (d *diskStream) Path() string {
	return d.finalPath
}

// descriptorFilename adds an extension derived from the MIME type when the
// name has none.
func descriptorFilename(descriptor models.FileDescriptor) string {
	name := descriptor.Name
	if filepath.Ext(name) != "" || descriptor.MimeType == "" {
		return name
	}
	extensions, err := mime.ExtensionsByType(descriptor.MimeType)
	if err != nil || len(extensions) == 0 {
		return name
	}
	return name + extensions[0]
}

func prefixedFilename(fileID, filename string) string {
	return safeComponent(fileID, "file") + "_" + safeComponent(filename, "file.bin")
}

// safeComponent reduces raw to a single path element.
func safeComponent(raw, fallback string) string {
	base := filepath.Base(filepath.FromSlash(strings.ReplaceAll(raw, `\`, "/")))
	if base == "" || base == "." || base == ".." || base == string(filepath.Separator) {
		return fallback
	}
	return base
}
