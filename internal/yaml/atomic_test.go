package yaml

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	yamlv3 "gopkg.in/yaml.v3"
)

func TestAtomicWrite_Success(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "summary.yaml")

	data := map[string]any{"job_id": "j-1", "tasks": 42}
	if err := AtomicWrite(path, data); err != nil {
		t.Fatalf("AtomicWrite failed: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}

	var result map[string]any
	if err := yamlv3.Unmarshal(content, &result); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if result["job_id"] != "j-1" {
		t.Errorf("job_id: got %v, want %q", result["job_id"], "j-1")
	}
}

func TestAtomicWrite_Overwrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "summary.yaml")

	if err := AtomicWrite(path, map[string]string{"version": "1"}); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if err := AtomicWrite(path, map[string]string{"version": "2"}); err != nil {
		t.Fatalf("second write failed: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	var data map[string]string
	if err := yamlv3.Unmarshal(content, &data); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if data["version"] != "2" {
		t.Errorf("version: got %q, want %q", data["version"], "2")
	}
}

func TestAtomicWrite_UnmarshalableData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "summary.yaml")

	// Channels cannot be marshaled.
	err := AtomicWrite(path, map[string]any{"ch": make(chan int)})
	if err == nil {
		t.Fatal("expected marshal error")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("file should not exist after failed write")
	}
}

func TestAtomicWriteRaw_SkipsValidation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "failure_000.json")

	// Raw mode carries pre-encoded JSON untouched.
	payload := []byte(`{"exception_kind":"timeout"}`)
	if err := AtomicWriteRaw(path, payload); err != nil {
		t.Fatalf("AtomicWriteRaw failed: %v", err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(content) != string(payload) {
		t.Errorf("content = %q", content)
	}
}

func TestAtomicWrite_NoTempFileLeftBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "summary.yaml")

	if err := AtomicWrite(path, map[string]string{"ok": "yes"}); err != nil {
		t.Fatalf("AtomicWrite failed: %v", err)
	}
	_ = AtomicWrite(path, map[string]any{"ch": make(chan int)}) // fails

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".parley-tmp-") {
			t.Errorf("temp file left behind: %s", entry.Name())
		}
	}
}

func TestAtomicWrite_StructData(t *testing.T) {
	type report struct {
		JobID string `yaml:"job_id"`
		Tasks int    `yaml:"tasks"`
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "summary.yaml")

	if err := AtomicWrite(path, &report{JobID: "j-9", Tasks: 7}); err != nil {
		t.Fatalf("AtomicWrite failed: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	var result report
	if err := yamlv3.Unmarshal(content, &result); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if result.JobID != "j-9" || result.Tasks != 7 {
		t.Errorf("got %+v", result)
	}
}
