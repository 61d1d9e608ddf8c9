// Package yaml provides atomic file output for job summaries and failure
// records: write to a temp file, validate, then rename into place so a crash
// never leaves a half-written report.
package yaml

import (
	"fmt"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"
)

// AtomicWrite marshals data as YAML and writes it atomically.
func AtomicWrite(path string, data any) error {
	content, err := yamlv3.Marshal(data)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}
	return atomicWriteRaw(path, content, true)
}

// AtomicWriteRaw writes pre-encoded content (e.g. JSON failure records)
// atomically, without YAML validation.
func AtomicWriteRaw(path string, content []byte) error {
	return atomicWriteRaw(path, content, false)
}

func atomicWriteRaw(path string, content []byte, validate bool) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".parley-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if validate {
		written, err := os.ReadFile(tmpName)
		if err != nil {
			return fmt.Errorf("read temp file for validation: %w", err)
		}
		var v any
		if err := yamlv3.Unmarshal(written, &v); err != nil {
			return fmt.Errorf("yaml validation failed: %w", err)
		}
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}
