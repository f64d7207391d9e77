// Package tree holds the in-memory, path-indexed cache of a remote directory tree
// together with its per-path fetch state, selection and cached file content.
//
// Every mutation is applied under a single lock, so readers never observe a half-applied
// change. Reads are side-effect free; GetChildren memoizes its result per directory.
package tree

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fruitsalade/sandboxfs/pkg/models"
	"github.com/fruitsalade/sandboxfs/pkg/pathutil"
)

var (
	// ErrNotFound is returned when a mutation targets a path that is not in the tree.
	ErrNotFound = errors.New("node not found")
	// ErrNotDirectory is returned when a directory operation targets a file.
	ErrNotDirectory = errors.New("not a directory")
	// ErrNotFile is returned when a file operation targets a directory.
	ErrNotFile = errors.New("not a file")
)

// Store is the canonical cached tree for one remote root.
type Store struct {
	mu sync.RWMutex

	rootPath   string
	direction  pathutil.Direction
	comparator *pathutil.Comparator

	nodes    map[string]*models.Node
	loading  map[string]struct{}
	loaded   map[string]struct{}
	errors   map[string]string
	contents map[string]models.ContentState
	selected string

	lastUpdated  time.Time
	watcherError string

	// versions is bumped whenever a directory's child list or one of its children
	// changes; children memoizes GetChildren per directory on that stamp.
	versions map[string]uint64
	children map[string]childCache

	seed map[string][]models.Node
}

type childCache struct {
	version uint64
	nodes   []models.Node
}

// Option configures a Store.
type Option func(*Store)

// WithSortDirection sets the order of siblings within a kind.
func WithSortDirection(dir pathutil.Direction) Option {
	return func(s *Store) { s.direction = dir }
}

// WithComparator sets the sibling comparator, e.g. for a specific locale.
func WithComparator(c *pathutil.Comparator) Option {
	return func(s *Store) { s.comparator = c }
}

// WithSeed populates the store with already-known nodes, keyed by parent path, before
// the first remote round trip.
func WithSeed(byParent map[string][]models.Node) Option {
	return func(s *Store) { s.seed = byParent }
}

// New creates a store rooted at rootPath. The root directory node always exists.
func New(rootPath string, opts ...Option) *Store {
	s := &Store{
		rootPath: pathutil.Normalize(rootPath),
	}
	s.resetLocked()
	for _, opt := range opts {
		opt(s)
	}
	s.applySeed()
	return s
}

func (s *Store) applySeed() {
	if len(s.seed) == 0 {
		return
	}
	byParent := make(map[string][]models.Node, len(s.seed))
	parents := make([]string, 0, len(s.seed))
	for p, nodes := range s.seed {
		p = pathutil.Normalize(p)
		if _, ok := byParent[p]; !ok {
			parents = append(parents, p)
		}
		byParent[p] = append(byParent[p], nodes...)
	}
	// Shallow parents first so deeper seeds land under real nodes.
	sort.Slice(parents, func(i, j int) bool {
		if len(parents[i]) != len(parents[j]) {
			return len(parents[i]) < len(parents[j])
		}
		return parents[i] < parents[j]
	})
	for _, p := range parents {
		// Seeds under a file are dropped; the next listing corrects them.
		_ = s.addNodesLocked(p, byParent[p])
	}
	s.seed = nil
}

func (s *Store) resetLocked() {
	s.nodes = map[string]*models.Node{
		s.rootPath: {Kind: models.KindDir, Name: pathutil.Base(s.rootPath), Path: s.rootPath, IsExpanded: true},
	}
	s.loading = make(map[string]struct{})
	s.loaded = make(map[string]struct{})
	s.errors = make(map[string]string)
	s.contents = make(map[string]models.ContentState)
	s.selected = ""
	s.watcherError = ""
	s.versions = make(map[string]uint64)
	s.children = make(map[string]childCache)
}

// RootPath returns the normalized root of the tree.
func (s *Store) RootPath() string {
	return s.rootPath
}

// Reset clears the tree, selection, errors and cached content, keeping the root and
// the sort configuration.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

// AddNodes inserts or updates nodes under parentPath and re-sorts the parent's children.
// A missing parent is synthesized as a placeholder directory. Adding under a file fails
// with ErrNotDirectory. Nodes whose path is not directly under parentPath are skipped.
// A node that changes kind loses its fetch state, error, content and selection.
func (s *Store) AddNodes(parentPath string, nodes []models.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addNodesLocked(pathutil.Normalize(parentPath), nodes)
}

func (s *Store) addNodesLocked(parentPath string, nodes []models.Node) error {
	parent, err := s.ensureDirLocked(parentPath)
	if err != nil {
		return err
	}

	childSet := make(map[string]struct{}, len(parent.Children)+len(nodes))
	for _, c := range parent.Children {
		childSet[c] = struct{}{}
	}

	for _, n := range nodes {
		p := n.Path
		if p == "" {
			p = pathutil.Join(parentPath, n.Name)
		}
		p = pathutil.Normalize(p)
		if pathutil.Parent(p) != parentPath || p == parentPath {
			// Not a direct child of parentPath.
			continue
		}
		if n.Name == "" {
			n.Name = pathutil.Base(p)
		}
		n.Path = p

		if existing, ok := s.nodes[p]; ok {
			switch {
			case existing.IsDir() && n.IsDir():
				// Listing data never carries children or UI state.
				n.Children = existing.Children
				n.IsExpanded = existing.IsExpanded
			case existing.IsDir() && !n.IsDir():
				s.removeDescendantsLocked(p)
				s.clearStateLocked(p)
				n.Children = nil
				n.IsExpanded = false
			case !existing.IsDir() && n.IsDir():
				s.clearStateLocked(p)
				n.Children = nil
			default:
				n.Children = nil
			}
		} else if !n.IsDir() {
			n.Children = nil
			n.IsExpanded = false
		} else {
			n.Children = nil
		}

		node := n
		s.nodes[p] = &node
		s.bumpLocked(p)
		childSet[p] = struct{}{}
	}

	children := make([]string, 0, len(childSet))
	for c := range childSet {
		if _, ok := s.nodes[c]; ok {
			children = append(children, c)
		}
	}
	s.sortChildrenLocked(children)

	updated := *parent
	updated.Children = children
	s.nodes[parentPath] = &updated
	s.bumpLocked(parentPath)
	return nil
}

// ensureDirLocked returns the directory at p, synthesizing it and any missing ancestors
// as placeholders linked into the tree.
func (s *Store) ensureDirLocked(p string) (*models.Node, error) {
	if n, ok := s.nodes[p]; ok {
		if !n.IsDir() {
			return nil, fmt.Errorf("add nodes under %s: %w", p, ErrNotDirectory)
		}
		return n, nil
	}
	if p == s.rootPath || !pathutil.IsDescendant(s.rootPath, p) {
		// Outside the root: keep it addressable without linking it.
		n := &models.Node{Kind: models.KindDir, Name: pathutil.Base(p), Path: p}
		s.nodes[p] = n
		return n, nil
	}

	parentPath := pathutil.Parent(p)
	if _, err := s.ensureDirLocked(parentPath); err != nil {
		return nil, err
	}
	placeholder := models.NewDir(pathutil.Base(p), p)
	if err := s.addNodesLocked(parentPath, []models.Node{placeholder}); err != nil {
		return nil, err
	}
	return s.nodes[p], nil
}

func (s *Store) sortChildrenLocked(children []string) {
	compare := pathutil.CompareSiblings
	if s.comparator != nil {
		compare = s.comparator.Compare
	}
	sort.SliceStable(children, func(i, j int) bool {
		a, b := s.nodes[children[i]], s.nodes[children[j]]
		return compare(
			pathutil.Sibling{Name: a.Name, IsDir: a.IsDir()},
			pathutil.Sibling{Name: b.Name, IsDir: b.IsDir()},
			s.direction,
		) < 0
	})
}

// RemoveNode deletes path and all of its descendants and unlinks it from its parent.
// Fetch state, errors, content and selection for every removed path are cleared.
// Removing the root clears its subtree but keeps the root itself.
func (s *Store) RemoveNode(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path = pathutil.Normalize(path)
	if path == s.rootPath {
		s.removeDescendantsLocked(path)
		root := *s.nodes[path]
		root.Children = nil
		s.nodes[path] = &root
		s.bumpLocked(path)
		return
	}
	if _, ok := s.nodes[path]; !ok {
		return
	}

	s.removeDescendantsLocked(path)
	s.forgetLocked(path)

	parentPath := pathutil.Parent(path)
	if parent, ok := s.nodes[parentPath]; ok {
		updated := *parent
		updated.Children = make([]string, 0, len(parent.Children))
		for _, c := range parent.Children {
			if c != path {
				updated.Children = append(updated.Children, c)
			}
		}
		s.nodes[parentPath] = &updated
		s.bumpLocked(parentPath)
	}
}

func (s *Store) removeDescendantsLocked(path string) {
	for p := range s.nodes {
		if pathutil.IsDescendant(path, p) {
			s.forgetLocked(p)
		}
	}
	// Fetch state may outlive the node it belonged to.
	for _, set := range []map[string]struct{}{s.loading, s.loaded} {
		for p := range set {
			if pathutil.IsDescendant(path, p) {
				delete(set, p)
			}
		}
	}
	for p := range s.errors {
		if pathutil.IsDescendant(path, p) {
			delete(s.errors, p)
		}
	}
	for p := range s.contents {
		if pathutil.IsDescendant(path, p) {
			delete(s.contents, p)
		}
	}
	if s.selected != "" && pathutil.IsDescendant(path, s.selected) {
		s.selected = ""
	}
}

// clearStateLocked drops what was known about p under its previous kind.
func (s *Store) clearStateLocked(p string) {
	delete(s.loading, p)
	delete(s.loaded, p)
	delete(s.errors, p)
	delete(s.contents, p)
	if s.selected == p {
		s.selected = ""
	}
}

func (s *Store) forgetLocked(p string) {
	delete(s.nodes, p)
	delete(s.loading, p)
	delete(s.loaded, p)
	delete(s.errors, p)
	delete(s.contents, p)
	delete(s.versions, p)
	delete(s.children, p)
	if s.selected == p {
		s.selected = ""
	}
}

// NodeUpdate carries the fields UpdateNode changes; nil fields are left alone.
type NodeUpdate struct {
	Name       *string
	IsExpanded *bool
}

// UpdateNode changes fields of the node at path in place.
func (s *Store) UpdateNode(path string, update NodeUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path = pathutil.Normalize(path)
	n, ok := s.nodes[path]
	if !ok {
		return fmt.Errorf("update %s: %w", path, ErrNotFound)
	}
	if update.IsExpanded != nil && !n.IsDir() {
		return fmt.Errorf("expand %s: %w", path, ErrNotDirectory)
	}

	updated := *n
	if update.Name != nil {
		updated.Name = *update.Name
	}
	if update.IsExpanded != nil {
		updated.IsExpanded = *update.IsExpanded
	}
	s.nodes[path] = &updated
	s.bumpLocked(path)

	if update.Name != nil && path != s.rootPath {
		parentPath := pathutil.Parent(path)
		if parent, ok := s.nodes[parentPath]; ok {
			resorted := *parent
			resorted.Children = append([]string(nil), parent.Children...)
			s.sortChildrenLocked(resorted.Children)
			s.nodes[parentPath] = &resorted
			s.bumpLocked(parentPath)
		}
	}
	return nil
}

// SetExpanded sets the expansion flag of a directory.
func (s *Store) SetExpanded(path string, expanded bool) error {
	return s.UpdateNode(path, NodeUpdate{IsExpanded: &expanded})
}

// SetSelected selects the file at path. At most one file is selected at a time.
func (s *Store) SetSelected(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path = pathutil.Normalize(path)
	n, ok := s.nodes[path]
	if !ok {
		return fmt.Errorf("select %s: %w", path, ErrNotFound)
	}
	if !n.IsFile() {
		return fmt.Errorf("select %s: %w", path, ErrNotFile)
	}
	s.selected = path
	return nil
}

// ResetSelected clears the selection.
func (s *Store) ResetSelected() {
	s.mu.Lock()
	s.selected = ""
	s.mu.Unlock()
}

// SetLoading marks a fetch for path as in flight or finished.
func (s *Store) SetLoading(path string, loading bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	setFlag(s.loading, pathutil.Normalize(path), loading)
}

// SetLoaded records whether at least one fetch for path has completed.
func (s *Store) SetLoaded(path string, loaded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	setFlag(s.loaded, pathutil.Normalize(path), loaded)
}

// SetError records the last error message for path. An empty message clears it.
func (s *Store) SetError(path, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path = pathutil.Normalize(path)
	if msg == "" {
		delete(s.errors, path)
		return
	}
	s.errors[path] = msg
}

// SetFileContent stores classified content for path.
func (s *Store) SetFileContent(path string, content models.ContentState) {
	s.mu.Lock()
	s.contents[pathutil.Normalize(path)] = content
	s.mu.Unlock()
}

// ResetFileContent drops cached content for path.
func (s *Store) ResetFileContent(path string) {
	s.mu.Lock()
	delete(s.contents, pathutil.Normalize(path))
	s.mu.Unlock()
}

// SetLastUpdated records when the tree last reflected the remote side.
func (s *Store) SetLastUpdated(t time.Time) {
	s.mu.Lock()
	s.lastUpdated = t
	s.mu.Unlock()
}

// SetWatcherError records the health of the change subscription. Empty means healthy.
func (s *Store) SetWatcherError(msg string) {
	s.mu.Lock()
	s.watcherError = msg
	s.mu.Unlock()
}

func (s *Store) bumpLocked(path string) {
	s.versions[path]++
	if path != s.rootPath {
		s.versions[pathutil.Parent(path)]++
	}
}

func setFlag(set map[string]struct{}, path string, on bool) {
	if on {
		set[path] = struct{}{}
		return
	}
	delete(set, path)
}
