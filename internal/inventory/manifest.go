package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/coverd/internal/model"
	"github.com/example/coverd/internal/storage"
)

// ErrManifestUnavailable signals the caller should fall back to a live scan.
var ErrManifestUnavailable = errors.New("inventory manifest unavailable")

// manifestDoc is the provider-generated bulk inventory layout: one object in
// the bucket listing every key with size and modification time.
type manifestDoc struct {
	GeneratedAt time.Time `json:"generated_at"`
	Objects     []struct {
		Key          string    `json:"key"`
		SizeBytes    int64     `json:"size_bytes"`
		LastModified time.Time `json:"last_modified"`
	} `json:"objects"`
}

// FromManifest builds a full snapshot from a bulk-inventory manifest object.
// Returns ErrManifestUnavailable when the manifest is missing or older than
// maxAge, so callers can fall back to live sampling transparently.
func FromManifest(ctx context.Context, store storage.ObjectStore, key string, maxAge time.Duration, now time.Time) (model.InventorySnapshot, error) {
	info, err := store.Stat(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.InventorySnapshot{}, ErrManifestUnavailable
		}
		return model.InventorySnapshot{}, fmt.Errorf("stat manifest %s: %w", key, err)
	}
	if maxAge > 0 && now.Sub(info.LastModified) > maxAge {
		return model.InventorySnapshot{}, ErrManifestUnavailable
	}

	rc, err := store.Get(ctx, key)
	if err != nil {
		return model.InventorySnapshot{}, fmt.Errorf("get manifest %s: %w", key, err)
	}
	defer rc.Close()

	var doc manifestDoc
	if err := json.NewDecoder(rc).Decode(&doc); err != nil {
		return model.InventorySnapshot{}, fmt.Errorf("decode manifest %s: %w", key, err)
	}

	snap := model.InventorySnapshot{
		ScannedAt:    now,
		SampleRate:   1.0,
		FromManifest: true,
		Entries:      make([]model.InventoryEntry, 0, len(doc.Objects)),
	}
	for _, obj := range doc.Objects {
		entry, ok := ParseKey(obj.Key)
		if !ok {
			continue
		}
		entry.SizeBytes = obj.SizeBytes
		entry.LastModified = obj.LastModified
		snap.Entries = append(snap.Entries, entry)
	}
	return snap, nil
}
