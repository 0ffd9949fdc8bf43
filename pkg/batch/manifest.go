package batch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/menta2k/focal-crop/internal/logging"
	"github.com/menta2k/focal-crop/internal/utils"
	"github.com/menta2k/focal-crop/pkg/types"
)

// ManifestName is the manifest file kept in the output directory
const ManifestName = ".focal-crop-manifest.yaml"

const manifestVersion = 1

// ManifestEntry records how a source file was last processed
type ManifestEntry struct {
	SourceSHA256  string           `yaml:"source_sha256"`
	SourceSize    int64            `yaml:"source_size"`
	SourceModTime time.Time        `yaml:"source_mtime"`
	Outputs       []string         `yaml:"outputs"`
	Focal         types.FocalPoint `yaml:"focal"`
	RunID         string           `yaml:"run_id"`
	ProcessedAt   time.Time        `yaml:"processed_at"`
}

// Manifest maps source base names to their last successful processing. It
// hardens the output-existence check against changed sources.
type Manifest struct {
	mu   sync.Mutex
	path string

	Version int                      `yaml:"version"`
	Entries map[string]ManifestEntry `yaml:"entries"`
}

// LoadManifest reads the manifest in outputDir. A missing file yields an
// empty manifest; an unreadable one is logged and replaced.
func LoadManifest(outputDir string) (*Manifest, error) {
	m := &Manifest{
		path:    filepath.Join(outputDir, ManifestName),
		Version: manifestVersion,
		Entries: map[string]ManifestEntry{},
	}

	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var onDisk Manifest
	if err := yaml.Unmarshal(data, &onDisk); err != nil {
		logging.Warnf("Ignoring corrupt manifest %s: %v", m.path, err)
		return m, nil
	}
	for k, v := range onDisk.Entries {
		m.Entries[k] = v
	}
	return m, nil
}

// Get returns the entry for a source base name
func (m *Manifest) Get(name string) (ManifestEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.Entries[name]
	return e, ok
}

// Put stores an entry and rewrites the manifest atomically
func (m *Manifest) Put(name string, e ManifestEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Entries[name] = e
	return m.save()
}

// Delete drops the entry for a source base name, if any
func (m *Manifest) Delete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.Entries[name]; !ok {
		return nil
	}
	delete(m.Entries, name)
	return m.save()
}

// save must be called with mu held
func (m *Manifest) save() error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := utils.WriteFileAtomic(m.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// Matches reports whether the entry still describes the source at path. Size
// and modification time short-circuit the hash when unchanged.
func (e ManifestEntry) Matches(path string, info os.FileInfo) (bool, error) {
	if e.SourceSize == info.Size() && e.SourceModTime.Equal(info.ModTime()) {
		return true, nil
	}
	sum, err := HashFile(path)
	if err != nil {
		return false, err
	}
	return sum == e.SourceSHA256, nil
}

// HashFile returns the hex SHA-256 of a file's contents
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
