package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Settings are the runtime-mutable settings persisted as settings.json.
type Settings struct {
	AgentPath  string `json:"agent_path,omitempty"`
	DefaultCwd string `json:"default_cwd,omitempty"`
	LastCwd    string `json:"last_cwd,omitempty"`
}

func (s *Store) settingsPath() string {
	return filepath.Join(s.dataDir, "settings.json")
}

// ReadSettings loads settings.json, returning zero settings when absent.
func (s *Store) ReadSettings() (Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.settingsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return Settings{}, nil
		}
		return Settings{}, fmt.Errorf("failed to read settings: %w", err)
	}
	var settings Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		return Settings{}, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	return settings, nil
}

// WriteSettings replaces settings.json atomically.
func (s *Store) WriteSettings(settings Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	path := s.settingsPath()
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename settings: %w", err)
	}
	return nil
}
