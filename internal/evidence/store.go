// Package evidence manages the on-disk audit trail: one JSON telemetry
// document per stage execution plus an append-only JSONL event log, laid out
// per spec under the evidence root.
package evidence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"specdrive/internal/models"
)

type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: root}
}

// SpecDir returns (and creates) the evidence directory for a spec.
func (s *Store) SpecDir(specID string) (string, error) {
	dir := filepath.Join(s.root, specID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create evidence dir: %w", err)
	}
	return dir, nil
}

// WriteTelemetry persists one stage execution's telemetry document. The
// filename is deterministic in (stage, timestamp, run id) so consumers can
// select the lexicographically-last file per stage as current.
func (s *Store) WriteTelemetry(specID string, stage models.Stage, runID int64, raw []byte) (string, error) {
	dir, err := s.SpecDir(specID)
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s-%s-run%06d.json", stage, time.Now().UTC().Format("20060102T150405.000000000"), runID)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return "", fmt.Errorf("write telemetry: %w", err)
	}
	return path, nil
}

// LatestTelemetry returns the current (lexicographically-last) telemetry
// document for a stage, or "" when none exists.
func (s *Store) LatestTelemetry(specID string, stage models.Stage) (string, []byte, error) {
	dir := filepath.Join(s.root, specID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil, nil
		}
		return "", nil, err
	}

	prefix := string(stage) + "-"
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ".json") {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "", nil, nil
	}
	sort.Strings(names)

	path := filepath.Join(dir, names[len(names)-1])
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, err
	}
	return path, data, nil
}

// WriteArtifactSnapshot persists a consensus artifact version alongside the
// telemetry, for operators inspecting a spec without the database.
func (s *Store) WriteArtifactSnapshot(a *models.ConsensusArtifact) (string, error) {
	dir, err := s.SpecDir(a.SpecID)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("consensus-%s-v%04d.json", a.Stage, a.Version)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", err
	}
	return path, nil
}
