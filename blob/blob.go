// Package blob provides the binary-content sibling of the entity store: a
// file store with a remote bucket backend and a local-disk backend, sharing
// the entity store's one-shot process-wide fallback.
package blob

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"strings"

	"github.com/oakmere/entitystore/internal/id"
	"github.com/oakmere/entitystore/storage"
	"github.com/oakmere/entitystore/storage/fallback"
)

// Object describes one stored blob. ID is stable for the lifetime of the
// upload and doubles as the final URL path segment.
type Object struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	URL         string `json:"url"`
}

// Store is the blob storage contract. Absence is silent, mirroring the
// entity store: Get reports a missing blob through its bool result and
// Remove through a false return.
type Store interface {
	// Put stores the content under a freshly computed stable id and returns
	// the object metadata including its retrievable URL.
	Put(ctx context.Context, name, contentType string, content []byte) (Object, error)

	// Get returns the object and its content, or ok=false when none exists.
	Get(ctx context.Context, objectID string) (Object, []byte, bool, error)

	// Remove deletes the blob and reports whether anything was deleted.
	Remove(ctx context.Context, objectID string) (bool, error)
}

// NewObjectID computes the stable id for an upload: a random 26-character
// token plus the original file extension, so the id is safe as a URL path
// segment and as a file name.
func NewObjectID(name string) (string, error) {
	token, err := id.NewID()
	if err != nil {
		return "", fmt.Errorf("new object id: %w", err)
	}
	ext := strings.ToLower(path.Ext(name))
	return token + ext, nil
}

// ObjectURL builds the retrievable URL for an object id under the configured
// base URL.
func ObjectURL(baseURL, objectID string) string {
	return strings.TrimRight(baseURL, "/") + "/" + objectID
}

// Fallback wraps a remote bucket and a local-disk store behind the same
// one-shot switch the entity store uses, so a missing bucket degrades the
// whole process, not just the failing call.
type Fallback struct {
	sw *fallback.Switch[Store]
}

var _ Store = (*Fallback)(nil)

// NewFallback builds the blob orchestrator. The local store is required; a
// nil remote makes the local store active from the start.
func NewFallback(remote, local Store) (*Fallback, error) {
	if local == nil {
		return nil, fmt.Errorf("local blob store is required")
	}
	return &Fallback{sw: fallback.NewSwitch(remote, remote != nil, local)}, nil
}

// Reset re-arms the remote bucket after external recovery.
func (f *Fallback) Reset() {
	f.sw.Reset()
}

// Put stores the content through the active backend.
func (f *Fallback) Put(ctx context.Context, name, contentType string, content []byte) (Object, error) {
	backend, remote := f.sw.Active()
	object, err := backend.Put(ctx, name, contentType, content)
	if f.shouldDegrade(err, remote) {
		f.degrade(err)
		object, err = f.sw.Local().Put(ctx, name, contentType, content)
	}
	return object, err
}

// Get returns the object and its content through the active backend.
func (f *Fallback) Get(ctx context.Context, objectID string) (Object, []byte, bool, error) {
	backend, remote := f.sw.Active()
	object, content, ok, err := backend.Get(ctx, objectID)
	if f.shouldDegrade(err, remote) {
		f.degrade(err)
		object, content, ok, err = f.sw.Local().Get(ctx, objectID)
	}
	return object, content, ok, err
}

// Remove deletes the blob through the active backend.
func (f *Fallback) Remove(ctx context.Context, objectID string) (bool, error) {
	backend, remote := f.sw.Active()
	removed, err := backend.Remove(ctx, objectID)
	if f.shouldDegrade(err, remote) {
		f.degrade(err)
		removed, err = f.sw.Local().Remove(ctx, objectID)
	}
	return removed, err
}

func (f *Fallback) shouldDegrade(err error, remote bool) bool {
	return err != nil && remote && errors.Is(err, storage.ErrRelationMissing)
}

func (f *Fallback) degrade(cause error) {
	if f.sw.Trip() {
		log.Printf("entitystore: blob bucket missing, switching to local disk storage: %v", cause)
	}
}
