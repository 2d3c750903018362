// Package devlinks maintains the /dev/<pool-name>/<filesystem-name>
// symlink convention described in spec §6.3: each running filesystem is
// exposed as a symlink to its thin volume's DM node, created/destroyed/
// renamed alongside the filesystem and the owning pool's start/stop.
package devlinks

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// DefaultRoot is the directory under which pool subdirectories are created;
// overridden in tests (the real daemon uses "/dev").
const DefaultRoot = "/dev"

// Manager creates and removes the pool/filesystem symlink tree.
type Manager struct {
	Root   string
	Logger logrus.FieldLogger
}

// New creates a Manager rooted at root. An empty root defaults to
// DefaultRoot.
func New(root string, logger logrus.FieldLogger) *Manager {
	if root == "" {
		root = DefaultRoot
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{Root: root, Logger: logger.WithField("component", "devlinks")}
}

func (m *Manager) poolDir(poolName string) string {
	return filepath.Join(m.Root, poolName)
}

func (m *Manager) link(poolName, fsName string) string {
	return filepath.Join(m.poolDir(poolName), fsName)
}

// EnsurePoolDir creates the pool's directory (idempotent), called when a
// pool transitions to Running.
func (m *Manager) EnsurePoolDir(poolName string) error {
	if err := os.MkdirAll(m.poolDir(poolName), 0755); err != nil {
		return fmt.Errorf("devlinks: create pool dir for %s: %w", poolName, err)
	}
	return nil
}

// RemovePoolDir tears down the whole pool directory (and every link in
// it), called on pool destroy and, for the old name, on pool rename.
func (m *Manager) RemovePoolDir(poolName string) error {
	if err := os.RemoveAll(m.poolDir(poolName)); err != nil {
		return fmt.Errorf("devlinks: remove pool dir for %s: %w", poolName, err)
	}
	return nil
}

// Create installs the symlink for a newly created (or newly started)
// filesystem, pointing at devicePath (its thin volume's DM node).
func (m *Manager) Create(poolName, fsName, devicePath string) error {
	if err := m.EnsurePoolDir(poolName); err != nil {
		return err
	}
	link := m.link(poolName, fsName)
	_ = os.Remove(link) // idempotent: a stale link from a prior crash is replaced, not appended to
	if err := os.Symlink(devicePath, link); err != nil {
		return fmt.Errorf("devlinks: symlink %s -> %s: %w", link, devicePath, err)
	}
	m.Logger.WithFields(logrus.Fields{"pool": poolName, "filesystem": fsName, "device": devicePath}).Debug("devlink created")
	return nil
}

// Destroy removes a filesystem's symlink. Idempotent: removing an absent
// link is not an error.
func (m *Manager) Destroy(poolName, fsName string) error {
	if err := os.Remove(m.link(poolName, fsName)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("devlinks: remove %s: %w", m.link(poolName, fsName), err)
	}
	return nil
}

// Rename implements spec §6.3's rename contract exactly: the old path is
// removed and the new one installed before the rename operation
// completes, never leaving both or neither present across a crash window
// longer than this one syscall pair.
func (m *Manager) Rename(poolName, oldName, newName, devicePath string) error {
	if err := m.Destroy(poolName, oldName); err != nil {
		return err
	}
	return m.Create(poolName, newName, devicePath)
}
