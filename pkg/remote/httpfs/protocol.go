package httpfs

import (
	"github.com/fruitsalade/sandboxfs/pkg/remote"
)

// Endpoints of the sandbox filesystem API.
const (
	pathFiles   = "/files"
	pathList    = "/files/list"
	pathWatch   = "/files/watch"
	pathWatchWS = "/files/watch/ws"
)

// ListResponse is returned by GET /files/list?path=
type ListResponse struct {
	Path    string         `json:"path"`
	Entries []remote.Entry `json:"entries"`
}

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Details string `json:"details,omitempty"`
}

// WatchEvent is one change notification on the SSE or WebSocket watch stream.
// Path is accepted as an alias of Name for servers that send absolute paths.
type WatchEvent struct {
	Type      string `json:"type"`
	Name      string `json:"name"`
	Path      string `json:"path,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}
