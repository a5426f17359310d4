// Package objectstore stores baseline, current and diff images by name.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ErrObjectNotFound reports that a named object does not exist.
// It is the designed "no baseline yet" path, not a storage failure.
var ErrObjectNotFound = errors.New("object not found")

// ErrInvalidKey is returned for keys that escape the store namespace.
var ErrInvalidKey = errors.New("invalid object key")

// ErrUnknownBackend is returned by Open for an unsupported backend name.
var ErrUnknownBackend = errors.New("unknown storage backend")

// Backend names accepted by Open.
const (
	BackendFS     = "fs"
	BackendAzBlob = "azblob"
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Store is content-addressable-by-name image storage.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	// Stat returns ErrObjectNotFound when key does not exist.
	Stat(ctx context.Context, key string) (ObjectInfo, error)
}

// Open selects the backend by name. An empty name means BackendFS; dir is
// used by the filesystem backend, connStr and container by Azure Blob.
func Open(backend, dir, connStr, container string) (Store, error) {
	switch backend {
	case BackendFS, "":
		s, err := NewFSStore(dir)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendAzBlob:
		s, err := NewAzureStore(connStr, container)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}

// Kind is the image role encoded in the key.
type Kind string

const (
	KindBaseline Kind = "baseline"
	KindCurrent  Kind = "current"
	KindDiff     Kind = "diff"
)

// timestampLayout is RFC 3339 in UTC with colons replaced so it is safe in blob and file names.
const timestampLayout = "2006-01-02T15-04-05.000Z"

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9]`)

// Slug derives the stable baseline key component for a resolved URL.
func Slug(resolvedURL string) string {
	return nonAlnum.ReplaceAllString(resolvedURL, "_")
}

// BaselineKey is stable per slug so each resolved URL has exactly one baseline.
func BaselineKey(slug string) string {
	return fmt.Sprintf("%s/%s_%s.png", KindBaseline, slug, KindBaseline)
}

// RunKey names a current or diff image captured at t.
func RunKey(kind Kind, slug string, t time.Time) string {
	return fmt.Sprintf("%s/%s_%s_%s.png", kind, slug, t.UTC().Format(timestampLayout), kind)
}

// ValidateKey rejects empty, absolute, and parent-traversing keys.
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}
