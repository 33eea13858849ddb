package transfer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"peerdrop/models"
)

// ErrArtifactNotFound indicates no finalized artifact exists for an id.
var ErrArtifactNotFound = errors.New("transfer: artifact not found")

// ArtifactStore holds finalized artifacts until the user retrieves them.
type ArtifactStore struct {
	mu        sync.RWMutex
	artifacts map[string]models.Artifact
}

// NewArtifactStore creates an empty store.
func NewArtifactStore() *ArtifactStore {
	return &ArtifactStore{artifacts: make(map[string]models.Artifact)}
}

// Put records a finalized artifact.
func (s *ArtifactStore) Put(artifact models.Artifact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[artifact.Descriptor.ID] = artifact
}

// Get returns the artifact for id.
func (s *ArtifactStore) Get(id string) (models.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	artifact, ok := s.artifacts[id]
	if !ok {
		return models.Artifact{}, fmt.Errorf("%w: %s", ErrArtifactNotFound, id)
	}
	return artifact, nil
}

// List returns all artifacts ordered by name then id.
func (s *ArtifactStore) List() []models.Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := make([]models.Artifact, 0, len(s.artifacts))
	for _, artifact := range s.artifacts {
		list = append(list, artifact)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Descriptor.Name != list[j].Descriptor.Name {
			return list[i].Descriptor.Name < list[j].Descriptor.Name
		}
		return list[i].Descriptor.ID < list[j].Descriptor.ID
	})
	return list
}

// Remove drops the artifact for id.
func (s *ArtifactStore) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.artifacts, id)
}

// Save writes an in-memory artifact into dir and returns its path. Artifacts
// already on disk return their existing path.
func (s *ArtifactStore) Save(id, dir string) (string, error) {
	artifact, err := s.Get(id)
	if err != nil {
		return "", err
	}
	if !artifact.InMemory() {
		return artifact.Path, nil
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create save dir: %w", err)
	}
	finalPath := filepath.Join(dir, prefixedFilename(id, descriptorFilename(artifact.Descriptor)))
	tempPath := finalPath + ".part"
	if err := os.WriteFile(tempPath, artifact.Data, 0o600); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		_ = os.Remove(tempPath)
		return "", fmt.Errorf("finalize artifact: %w", err)
	}
	return finalPath, nil
}
