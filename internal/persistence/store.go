// Package persistence provides atomic
// read/write of the JSON records under the data root (agents,
// learning, productivity, app-activity, config) plus append-only JSONL
// logs. Every write is temp-file-then-rename so a reader never
// observes a half-written file.
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ReadJSON unmarshals the file at path into a freshly-allocated value
// of the same type as def and returns it. On any failure — file
// missing, unreadable, or malformed — it logs via warn (if non-nil)
// and returns def unchanged, per the "never fails to the caller"
// contract.
func ReadJSON[T any](path string, def T, warn func(format string, args ...any)) T {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) && warn != nil {
			warn("reading %s: %v", path, err)
		}
		return def
	}

	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		if warn != nil {
			warn("parsing %s: %v, falling back to default", path, err)
		}
		return def
	}
	return value
}

// WriteJSON pretty-prints value as UTF-8 JSON (2-space indent) and
// writes it to path atomically: write to a sibling temp file, fsync,
// then rename over the destination. The caller is responsible for
// coarse-grained serialization — one writer per logical file.
func WriteJSON(path string, value any) error {
	if err := EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}

	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", path, err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file into place for %s: %w", path, err)
	}
	return nil
}

// AppendJSONL appends one JSON-encoded line to an append-heavy log
// file, creating it (and its directory) if necessary.
func AppendJSONL(path string, record any) error {
	if err := EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}

	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshaling jsonl record for %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening %s for append: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending to %s: %w", path, err)
	}
	return nil
}

// EnsureDir creates path and any missing parents, a no-op if it
// already exists.
func EnsureDir(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("ensuring directory %s: %w", path, err)
	}
	return nil
}
