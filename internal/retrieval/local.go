package retrieval

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LocalStore is the mandatory Tier 1 context source: plain files under the
// data directory, no network dependency. Keys map to flat filenames so an
// operator can edit context with any editor.
type LocalStore struct {
	dir string
}

func NewLocalStore(dataDir string) *LocalStore {
	return &LocalStore{dir: filepath.Join(dataDir, "context")}
}

func (s *LocalStore) path(specID, key string) string {
	return filepath.Join(s.dir, specID, key+".md")
}

// Put writes one context entry.
func (s *LocalStore) Put(specID, key, content string) error {
	dir := filepath.Join(s.dir, specID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create context dir: %w", err)
	}
	return os.WriteFile(s.path(specID, key), []byte(content), 0644)
}

// Get reads one context entry; a missing key returns "" without error.
func (s *LocalStore) Get(specID, key string) (string, error) {
	data, err := os.ReadFile(s.path(specID, key))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

// List returns the keys stored for a spec, sorted.
func (s *LocalStore) List(specID string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, specID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(e.Name(), ".md"))
	}
	sort.Strings(keys)
	return keys, nil
}
