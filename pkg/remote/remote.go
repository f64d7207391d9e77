// Package remote defines the filesystem capability the sync engine consumes and the
// types exchanged with it. Backends live in subpackages.
package remote

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound    = errors.New("no such file or directory")
	ErrPermission  = errors.New("permission denied")
	ErrUnsupported = errors.New("operation unsupported")
	ErrWatchClosed = errors.New("watch closed")
)

// EntryType is the kind of a listed entry.
type EntryType string

const (
	TypeDir  EntryType = "dir"
	TypeFile EntryType = "file"
)

// Entry is one result of List.
type Entry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Type    EntryType `json:"type"`
	Size    int64     `json:"size,omitempty"`
	ModTime time.Time `json:"mod_time,omitempty"`
}

// IsDir reports whether the entry is a directory.
func (e Entry) IsDir() bool {
	return e.Type == TypeDir
}

// EventType is the kind of change a watch reports. Unknown values are passed through.
type EventType string

const (
	EventCreate EventType = "create"
	EventRemove EventType = "remove"
	EventRename EventType = "rename"
	EventWrite  EventType = "write"
	EventChmod  EventType = "chmod"
)

// Event is a change notification. Name is relative to the watched root.
type Event struct {
	Type EventType `json:"type"`
	Name string    `json:"name"`
}

// Format selects how Read returns content.
type Format string

const (
	FormatBytes Format = "bytes"
	FormatText  Format = "text"
)

type ReadOptions struct {
	Format Format
}

type WatchOptions struct {
	Recursive bool
	// Timeout bounds establishing the subscription. Zero means no bound.
	Timeout time.Duration
}

type DownloadOptions struct {
	User         string
	UseSignature bool
	// Expiration is how long a signed URL stays valid. Zero uses the backend default.
	Expiration time.Duration
}

// Filesystem is a remote, mutable filesystem.
type Filesystem interface {
	List(ctx context.Context, path string) ([]Entry, error)
	Read(ctx context.Context, path string, opts ReadOptions) ([]byte, error)
	Write(ctx context.Context, path string, data []byte) error
	WatchDir(ctx context.Context, path string, opts WatchOptions) (Watch, error)
	DownloadURL(ctx context.Context, path string, opts DownloadOptions) (string, error)
}

// Watch is a live change subscription. Events are delivered in order. A value on
// Errors reports a failure of the subscription itself; the Events channel is closed
// once the watch ends.
type Watch interface {
	Events() <-chan Event
	Errors() <-chan error
	Stop() error
}

// Lister is the part of Filesystem needed to poll for changes.
type Lister interface {
	List(ctx context.Context, path string) ([]Entry, error)
}
