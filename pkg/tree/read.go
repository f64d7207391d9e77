package tree

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fruitsalade/sandboxfs/pkg/models"
	"github.com/fruitsalade/sandboxfs/pkg/pathutil"
)

// GetNode returns a copy of the node at path.
func (s *Store) GetNode(path string) (models.Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[pathutil.Normalize(path)]
	if !ok {
		return models.Node{}, false
	}
	return *n, true
}

// GetChildren returns the children of the directory at path in sibling order.
// The returned slice is shared: as long as neither the child list nor any child node
// changed, repeated calls return the same slice. Callers must not modify it.
func (s *Store) GetChildren(path string) []models.Node {
	path = pathutil.Normalize(path)

	s.mu.RLock()
	n, ok := s.nodes[path]
	if !ok || !n.IsDir() {
		s.mu.RUnlock()
		return nil
	}
	version := s.versions[path]
	if cached, ok := s.children[path]; ok && cached.version == version {
		s.mu.RUnlock()
		return cached.nodes
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-check under the write lock; another reader may have filled it.
	n, ok = s.nodes[path]
	if !ok || !n.IsDir() {
		return nil
	}
	version = s.versions[path]
	if cached, ok := s.children[path]; ok && cached.version == version {
		return cached.nodes
	}

	nodes := make([]models.Node, 0, len(n.Children))
	for _, c := range n.Children {
		if child, ok := s.nodes[c]; ok {
			nodes = append(nodes, *child)
		}
	}
	s.children[path] = childCache{version: version, nodes: nodes}
	return nodes
}

// HasChildren reports whether the directory at path has at least one child.
func (s *Store) HasChildren(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[pathutil.Normalize(path)]
	return ok && n.IsDir() && len(n.Children) > 0
}

// IsExpanded reports whether path is an expanded directory.
func (s *Store) IsExpanded(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[pathutil.Normalize(path)]
	return ok && n.IsDir() && n.IsExpanded
}

// IsSelected reports whether path is the selected file.
func (s *Store) IsSelected(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selected != "" && s.selected == pathutil.Normalize(path)
}

// Selected returns the selected path, if any.
func (s *Store) Selected() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selected, s.selected != ""
}

// IsLoaded reports whether at least one fetch for path has completed.
func (s *Store) IsLoaded(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.loaded[pathutil.Normalize(path)]
	return ok
}

// IsLoading reports whether a fetch for path is in flight.
func (s *Store) IsLoading(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.loading[pathutil.Normalize(path)]
	return ok
}

// Error returns the last error message recorded for path.
func (s *Store) Error(path string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.errors[pathutil.Normalize(path)]
	return msg, ok
}

// GetFileContent returns the cached content for path.
func (s *Store) GetFileContent(path string) (models.ContentState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contents[pathutil.Normalize(path)]
	return c, ok
}

// LastUpdated returns when the tree last reflected the remote side.
func (s *Store) LastUpdated() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpdated
}

// WatcherError returns the recorded change-subscription failure, if any.
func (s *Store) WatcherError() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watcherError, s.watcherError != ""
}

// Len returns the number of nodes, root included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// Snapshot is a point-in-time copy of the store's state.
type Snapshot struct {
	Root     string
	Nodes    map[string]models.Node
	Loading  []string
	Loaded   []string
	Errors   map[string]string
	Contents map[string]models.ContentState
	Selected string
}

// Snapshot copies the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Root:     s.rootPath,
		Nodes:    make(map[string]models.Node, len(s.nodes)),
		Loading:  sortedKeys(s.loading),
		Loaded:   sortedKeys(s.loaded),
		Errors:   make(map[string]string, len(s.errors)),
		Contents: make(map[string]models.ContentState, len(s.contents)),
		Selected: s.selected,
	}
	for p, n := range s.nodes {
		c := *n
		c.Children = append([]string(nil), n.Children...)
		snap.Nodes[p] = c
	}
	for p, msg := range s.errors {
		snap.Errors[p] = msg
	}
	for p, c := range s.contents {
		snap.Contents[p] = c
	}
	return snap
}

// Check verifies the tree invariants: the root is a directory, every child reference
// resolves, every child sits directly under its parent, and every node under the root
// is reachable from it.
func (snap Snapshot) Check() error {
	root, ok := snap.Nodes[snap.Root]
	if !ok || !root.IsDir() {
		return fmt.Errorf("root %s missing or not a directory", snap.Root)
	}

	reachable := map[string]bool{snap.Root: true}
	queue := []string{snap.Root}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		for _, c := range snap.Nodes[p].Children {
			child, ok := snap.Nodes[c]
			if !ok {
				return fmt.Errorf("dangling child %s of %s", c, p)
			}
			if pathutil.Parent(c) != p {
				return fmt.Errorf("child %s is not directly under %s", c, p)
			}
			if reachable[c] {
				return fmt.Errorf("child %s linked twice", c)
			}
			reachable[c] = true
			if child.IsDir() {
				queue = append(queue, c)
			}
		}
	}

	for p := range snap.Nodes {
		if pathutil.IsDescendant(snap.Root, p) && !reachable[p] {
			return fmt.Errorf("node %s unreachable from %s", p, snap.Root)
		}
	}
	if snap.Selected != "" {
		if _, ok := snap.Nodes[snap.Selected]; !ok {
			return fmt.Errorf("selection %s points at a removed node", snap.Selected)
		}
	}
	for p := range snap.Errors {
		if _, ok := snap.Nodes[p]; !ok {
			return fmt.Errorf("error recorded for removed node %s", p)
		}
	}
	for _, p := range snap.Loading {
		if _, ok := snap.Nodes[p]; !ok {
			return fmt.Errorf("loading flag for removed node %s", p)
		}
	}
	return nil
}

// Dump renders the tree under the root as indented lines, for diagnostics and the CLI.
func (snap Snapshot) Dump() []string {
	var lines []string
	var walk func(p string, depth int)
	walk = func(p string, depth int) {
		n := snap.Nodes[p]
		name := n.Name
		if n.IsDir() && p != pathutil.Root {
			name += "/"
		}
		lines = append(lines, strings.Repeat("  ", depth)+name)
		for _, c := range n.Children {
			walk(c, depth+1)
		}
	}
	walk(snap.Root, 0)
	return lines
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
