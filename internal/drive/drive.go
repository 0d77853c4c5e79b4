// Package drive defines the durable remote file store the write-back worker
// flushes to, and a Google Drive v3 client implementing it.
package drive

import (
	"context"
	"errors"
)

// ErrRemoteUnavailable wraps transient remote failures: the caller leaves
// the corresponding change record unacknowledged and retries later.
var ErrRemoteUnavailable = errors.New("drive: remote store unavailable")

// File identifies a remote file or folder.
type File struct {
	ID   string
	Name string
}

// ChildFilter restricts a folder listing: to a set of filenames, to folders
// only, or both. The zero value lists everything.
type ChildFilter struct {
	Names       []string
	FoldersOnly bool
}

// DurableStore is the slow, authoritative long-term backend. Writes are
// upserts by filename, so redelivered flushes are idempotent.
type DurableStore interface {
	// EnsureFolder returns the id of the named folder under parentID
	// (empty parentID means the store root), creating it if absent.
	EnsureFolder(ctx context.Context, credential Credential, name, parentID string) (string, error)
	// ListFolderChildren lists the folder's direct children matching the
	// filter.
	ListFolderChildren(ctx context.Context, credential Credential, folderID string, filter ChildFilter) ([]File, error)
	// ReadFile returns a file's text content.
	ReadFile(ctx context.Context, credential Credential, fileID string) (string, error)
	// WriteFile upserts the named file's content inside the folder and
	// returns the file id.
	WriteFile(ctx context.Context, credential Credential, folderID, filename, text string) (string, error)
}

// Credential is an access credential accepted by the store.
type Credential struct {
	AccessToken string
}
