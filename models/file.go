package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidDescriptorID indicates an id that is not a canonical UUID.
var ErrInvalidDescriptorID = errors.New("models: descriptor id is not a uuid")

// FileDescriptor describes one file offered for transfer. It is immutable once created.
type FileDescriptor struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"type"`
}

// NewFileDescriptor creates a descriptor with a fresh transfer ID.
func NewFileDescriptor(name string, size int64, mimeType string) (FileDescriptor, error) {
	desc := FileDescriptor{
		ID:       uuid.NewString(),
		Name:     name,
		Size:     size,
		MimeType: mimeType,
	}
	if err := desc.Validate(); err != nil {
		return FileDescriptor{}, err
	}
	return desc, nil
}

// Validate checks the fields every peer relies on.
func (d FileDescriptor) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return errors.New("file descriptor id is required")
	}
	// Ids end up in file names on the receiving side.
	if parsed, err := uuid.Parse(d.ID); err != nil || parsed.String() != d.ID {
		return fmt.Errorf("%w: %q", ErrInvalidDescriptorID, d.ID)
	}
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("file descriptor %q: name is required", d.ID)
	}
	if d.Size < 0 {
		return fmt.Errorf("file descriptor %q: negative size %d", d.ID, d.Size)
	}
	return nil
}

// ChunkCount returns how many chunks of chunkSize carry the file.
func (d FileDescriptor) ChunkCount(chunkSize int) int {
	if d.Size <= 0 || chunkSize <= 0 {
		return 0
	}
	chunks := int(d.Size / int64(chunkSize))
	if d.Size%int64(chunkSize) != 0 {
		chunks++
	}
	return chunks
}

// Artifact is the finalized output of one received transfer. Exactly one of
// Path (streamed to disk) or Data (assembled in memory) is set.
type Artifact struct {
	Descriptor FileDescriptor
	Path       string
	Data       []byte
	// Checksum is the hex SHA-256 of the assembled bytes.
	Checksum string
}

// InMemory reports whether the artifact bytes are held in memory.
func (a Artifact) InMemory() bool {
	return a.Path == ""
}

// Size returns the artifact length in bytes.
func (a Artifact) Size() int64 {
	if a.InMemory() {
		return int64(len(a.Data))
	}
	return a.Descriptor.Size
}
