// Package models contains the data types shared by the tree store, the sync engine and
// the remote backends.
package models

// NodeKind distinguishes directories from files.
type NodeKind int

const (
	KindFile NodeKind = iota
	KindDir
)

func (k NodeKind) String() string {
	if k == KindDir {
		return "dir"
	}
	return "file"
}

// Node is an entry in the cached tree, keyed by its normalized absolute path.
// Children and IsExpanded are only meaningful for directories.
//
// Nodes handed out by the store are snapshots and must be treated as read-only.
type Node struct {
	Kind       NodeKind `json:"kind"`
	Name       string   `json:"name"`
	Path       string   `json:"path"`
	Children   []string `json:"children,omitempty"`
	IsExpanded bool     `json:"is_expanded,omitempty"`
}

// NewDir returns an unexpanded directory node with no known children.
func NewDir(name, path string) Node {
	return Node{Kind: KindDir, Name: name, Path: path}
}

// NewFile returns a file node.
func NewFile(name, path string) Node {
	return Node{Kind: KindFile, Name: name, Path: path}
}

// IsDir reports whether the node is a directory.
func (n Node) IsDir() bool {
	return n.Kind == KindDir
}

// IsFile reports whether the node is a file.
func (n Node) IsFile() bool {
	return n.Kind == KindFile
}

// ContentKind is the classification of a file's cached content.
type ContentKind int

const (
	ContentText ContentKind = iota + 1
	ContentImage
	ContentUnreadable
)

func (k ContentKind) String() string {
	switch k {
	case ContentText:
		return "text"
	case ContentImage:
		return "image"
	case ContentUnreadable:
		return "unreadable"
	default:
		return "unknown"
	}
}

// ContentState is the cached, classified content of a file.
// Text is set for ContentText, DataURI for ContentImage.
type ContentState struct {
	Kind    ContentKind `json:"kind"`
	Text    string      `json:"text,omitempty"`
	DataURI string      `json:"data_uri,omitempty"`
}

// Text returns a text content state.
func Text(s string) ContentState {
	return ContentState{Kind: ContentText, Text: s}
}

// Image returns an image content state holding a data URI.
func Image(dataURI string) ContentState {
	return ContentState{Kind: ContentImage, DataURI: dataURI}
}

// Unreadable returns the terminal state for content that cannot be shown.
func Unreadable() ContentState {
	return ContentState{Kind: ContentUnreadable}
}
