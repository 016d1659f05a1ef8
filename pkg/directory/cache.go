package directory

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"interbank/pkg/types"
)

// SyncMeta is written next to the cache file after every persisted cycle.
type SyncMeta struct {
	LastUpdate time.Time `json:"lastUpdate"`
	Count      int       `json:"count"`
}

// LoadCache reads the cache file. A missing file yields an empty directory.
func LoadCache(path string) ([]types.BankDirectoryEntry, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read directory cache: %w", err)
	}
	var entries []types.BankDirectoryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse directory cache: %w", err)
	}
	return entries, nil
}

// LoadMeta reads the metadata file written by the last persisted cycle.
func LoadMeta(path string) (SyncMeta, error) {
	var meta SyncMeta
	data, err := os.ReadFile(path)
	if err != nil {
		return meta, err
	}
	return meta, json.Unmarshal(data, &meta)
}

func writeCache(path string, entries []types.BankDirectoryEntry) error {
	if path == "" {
		return nil
	}
	if entries == nil {
		entries = []types.BankDirectoryEntry{}
	}
	return writeJSON(path, entries)
}

func writeMeta(path string, meta SyncMeta) error {
	if path == "" {
		return nil
	}
	return writeJSON(path, meta)
}

// writeJSON replaces path through a temporary file so readers never see a
// partial document.
func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
