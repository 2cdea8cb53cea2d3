// Package storage abstracts the remote object store holding collected
// artifacts. The scanner only needs prefix listing and object reads; the
// interface keeps it testable against an in-memory fake.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

var ErrNotFound = errors.New("object not found")

type ObjectInfo struct {
	Key          string
	SizeBytes    int64
	LastModified time.Time
}

type ObjectStore interface {
	// ListPrefix enumerates all objects under prefix. The context deadline
	// bounds the whole listing.
	ListPrefix(ctx context.Context, prefix string) ([]ObjectInfo, error)
	// Stat returns metadata for a single object, ErrNotFound if absent.
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	// Get opens an object for reading. Caller closes.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}
