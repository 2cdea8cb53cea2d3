package taskqueue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/example/coverd/internal/model"
)

// Save replaces the queue snapshot atomically: write to a temp file in the
// same directory, fsync, then rename over the target. A reader holding the
// old file keeps a consistent view; a reader opening after the rename sees
// the new one. No reader ever observes a torn write.
func Save(path string, queue model.TaskQueue) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("queue dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("queue temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(queue); err != nil {
		tmp.Close()
		return fmt.Errorf("encode queue: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync queue: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close queue temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace queue snapshot: %w", err)
	}
	return nil
}

// Load reads the current snapshot. os.IsNotExist on the returned error means
// no cycle has produced a queue yet.
func Load(path string) (model.TaskQueue, error) {
	var queue model.TaskQueue
	b, err := os.ReadFile(path)
	if err != nil {
		return queue, err
	}
	if err := json.Unmarshal(b, &queue); err != nil {
		return queue, fmt.Errorf("decode queue snapshot %s: %w", path, err)
	}
	return queue, nil
}
