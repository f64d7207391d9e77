// Package pathutil normalizes, joins and decomposes slash-delimited remote paths and
// orders sibling entries.
//
// Every path used as a key by the tree store or the sync engine goes through Normalize.
package pathutil

import (
	"path"
	"strings"
	"sync"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// Root is the canonical root path.
const Root = "/"

// Normalize returns the canonical absolute form of p: a single leading separator, no
// trailing separator except for the root, no duplicate separators, "." and ".."
// resolved. An empty path is the root.
func Normalize(p string) string {
	if p == "" {
		return Root
	}
	p = strings.ReplaceAll(p, "\\", "/")
	return path.Clean("/" + p)
}

// Parent returns the parent directory of p. The parent of the root is the root.
func Parent(p string) string {
	return path.Dir(Normalize(p))
}

// Base returns the last element of p. The base of the root is "/".
func Base(p string) string {
	return path.Base(Normalize(p))
}

// Join joins rel onto base. rel is always treated as relative, even with a leading
// separator, since watch events report paths relative to the watched root.
func Join(base, rel string) string {
	return Normalize(Normalize(base) + "/" + rel)
}

// IsDescendant reports whether p is strictly nested under ancestor.
func IsDescendant(ancestor, p string) bool {
	ancestor = Normalize(ancestor)
	p = Normalize(p)
	if ancestor == p {
		return false
	}
	if ancestor == Root {
		return true
	}
	return strings.HasPrefix(p, ancestor+"/")
}

// Rel returns p relative to base without a leading separator, or false if p is not
// base or a descendant of it.
func Rel(base, p string) (string, bool) {
	base = Normalize(base)
	p = Normalize(p)
	if base == p {
		return "", true
	}
	if !IsDescendant(base, p) {
		return "", false
	}
	if base == Root {
		return p[1:], true
	}
	return p[len(base)+1:], true
}

// Direction is the sort direction for siblings of the same kind.
type Direction int

const (
	Ascending Direction = iota
	Descending
)

// Sibling is the sort key of a directory entry.
type Sibling struct {
	Name  string
	IsDir bool
}

// Comparator orders siblings with a locale-aware natural collation. It is safe for
// concurrent use.
type Comparator struct {
	mu       sync.Mutex
	collator *collate.Collator
}

// NewComparator returns a comparator for the given locale. Digits compare numerically
// and case is ignored.
func NewComparator(tag language.Tag) *Comparator {
	return &Comparator{
		collator: collate.New(tag, collate.Numeric, collate.IgnoreCase),
	}
}

var defaultComparator = NewComparator(language.Und)

// Compare orders a and b: directories before files regardless of direction, then
// natural case-insensitive order within a kind, reversed for Descending.
func (c *Comparator) Compare(a, b Sibling, dir Direction) int {
	if a.IsDir != b.IsDir {
		if a.IsDir {
			return -1
		}
		return 1
	}

	c.mu.Lock()
	order := c.collator.CompareString(a.Name, b.Name)
	c.mu.Unlock()
	if order == 0 {
		order = strings.Compare(a.Name, b.Name)
	}

	if dir == Descending {
		return -order
	}
	return order
}

// CompareSiblings orders a and b with the default locale-neutral comparator.
func CompareSiblings(a, b Sibling, dir Direction) int {
	return defaultComparator.Compare(a, b, dir)
}
