// Package volume manages the host directories backing persistent
// volumes: DiskInfo.Persistence-tagged resources that survive the task
// or executor that created them across agent restarts.
package volume

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultVolumesPath is the base directory for persistent volume directories.
const DefaultVolumesPath = "/var/lib/clustermgr/volumes"

// Manager creates, removes, and synchronizes the host directories for
// persistent volumes, keyed by their persistence ID.
type Manager struct {
	basePath string
}

// NewManager creates a volume manager rooted at basePath, creating it if
// it does not already exist. An empty basePath uses DefaultVolumesPath.
func NewManager(basePath string) (*Manager, error) {
	if basePath == "" {
		basePath = DefaultVolumesPath
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create volumes directory: %w", err)
	}
	return &Manager{basePath: basePath}, nil
}

// Path returns the host path for a persistence ID.
func (m *Manager) Path(persistenceID string) string {
	return filepath.Join(m.basePath, persistenceID)
}

// Create ensures the directory for a persistent volume exists and
// returns its host path.
func (m *Manager) Create(persistenceID string) (string, error) {
	path := m.Path(persistenceID)
	if err := os.MkdirAll(path, 0755); err != nil {
		return "", fmt.Errorf("create volume directory %s: %w", persistenceID, err)
	}
	return path, nil
}

// Delete removes a persistent volume's directory and all its contents.
func (m *Manager) Delete(persistenceID string) error {
	path := m.Path(persistenceID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("delete volume directory %s: %w", persistenceID, err)
	}
	return nil
}

// Sync reconciles the on-disk volume directories against the set of
// persistence IDs the agent currently has checkpointed: it creates any
// directory that is missing and removes any directory whose persistence
// ID is no longer known, matching what recovery does when it replays
// checkpointed resources after a restart.
func (m *Manager) Sync(persistenceIDs []string) error {
	want := make(map[string]bool, len(persistenceIDs))
	for _, id := range persistenceIDs {
		want[id] = true
		if _, err := m.Create(id); err != nil {
			return err
		}
	}

	entries, err := os.ReadDir(m.basePath)
	if err != nil {
		return fmt.Errorf("read volumes directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() || want[entry.Name()] {
			continue
		}
		if err := m.Delete(entry.Name()); err != nil {
			return err
		}
	}
	return nil
}
