package inventory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/example/coverd/internal/model"
)

// SaveCache persists the snapshot beside the queue so repeated cycles inside
// the TTL window can skip re-listing the bucket. Same temp-then-rename
// discipline as the queue snapshot.
func SaveCache(path string, snap model.InventorySnapshot) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("cache temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := json.NewEncoder(tmp).Encode(snap); err != nil {
		tmp.Close()
		return fmt.Errorf("encode inventory cache: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync inventory cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close inventory cache temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace inventory cache: %w", err)
	}
	return nil
}

// LoadCache returns the cached snapshot when it exists and is younger than
// ttl. The bool is false for a missing, unreadable, or expired cache; an
// expired cache is not an error, just a miss.
func LoadCache(path string, ttl time.Duration, now time.Time) (model.InventorySnapshot, bool) {
	var snap model.InventorySnapshot
	b, err := os.ReadFile(path)
	if err != nil {
		return snap, false
	}
	if err := json.Unmarshal(b, &snap); err != nil {
		return snap, false
	}
	if ttl > 0 && now.Sub(snap.ScannedAt) > ttl {
		return snap, false
	}
	snap.FromCache = true
	return snap, true
}
