package router

import (
	"errors"
	"strings"
)

var (
	// ErrDuplicate is returned when a prefix is inserted twice.
	ErrDuplicate = errors.New("duplicate prefix")
	// ErrOverlap is returned when a prefix would make longest-prefix matching ambiguous.
	ErrOverlap = errors.New("overlapping prefix")
)

// Tree is a path prefix tree keyed by path segments. A prefix matches a path
// only on segment boundaries: "/a/b" matches "/a/b" and "/a/b/c" but not "/a/bc".
// A Tree is not safe for concurrent mutation; once built it may be read
// concurrently.
type Tree[V any] struct {
	root *node[V]
	size int
}

type node[V any] struct {
	children map[string]*node[V]
	prefix   string
	value    V
	set      bool
}

// Match is the result of a successful lookup.
type Match[V any] struct {
	Value V
	// Prefix is the canonical form of the matched prefix.
	Prefix string
	// Rest is the part of the looked-up path after the matched prefix. It is
	// empty or starts with "/".
	Rest string
}

// NewTree returns an empty tree.
func NewTree[V any]() *Tree[V] {
	return &Tree[V]{root: &node[V]{prefix: "/"}}
}

// Len returns the number of prefixes in the tree.
func (t *Tree[V]) Len() int { return t.size }

// Insert adds prefix with value v.
func (t *Tree[V]) Insert(prefix string, v V) error {
	n := t.root
	for _, seg := range splitPath(prefix) {
		child, ok := n.children[seg]
		if !ok {
			if n.children == nil {
				n.children = make(map[string]*node[V])
			}
			child = &node[V]{prefix: joinSegment(n.prefix, seg)}
			n.children[seg] = child
		}
		n = child
	}
	if n.set {
		return ErrDuplicate
	}
	n.value = v
	n.set = true
	t.size++
	return nil
}

// Overlapping returns an existing prefix that is equal to, an ancestor of,
// or a descendant of prefix.
func (t *Tree[V]) Overlapping(prefix string) (string, bool) {
	n := t.root
	if n.set {
		return n.prefix, true
	}
	for _, seg := range splitPath(prefix) {
		child, ok := n.children[seg]
		if !ok {
			return "", false
		}
		n = child
		if n.set {
			return n.prefix, true
		}
	}
	if d := n.firstDescendant(); d != nil {
		return d.prefix, true
	}
	return "", false
}

func (n *node[V]) firstDescendant() *node[V] {
	for _, c := range n.children {
		if c.set {
			return c
		}
		if d := c.firstDescendant(); d != nil {
			return d
		}
	}
	return nil
}

// Lookup returns the value stored under the longest prefix of path.
func (t *Tree[V]) Lookup(path string) (Match[V], bool) {
	var (
		best    *node[V]
		bestEnd int
	)
	n := t.root
	if n.set {
		best = n
	}

	i := 0
	for i < len(path) {
		for i < len(path) && path[i] == '/' {
			i++
		}
		if i == len(path) {
			break
		}
		end := strings.IndexByte(path[i:], '/')
		if end < 0 {
			end = len(path)
		} else {
			end += i
		}
		child, ok := n.children[path[i:end]]
		if !ok {
			break
		}
		n = child
		i = end
		if n.set {
			best = n
			bestEnd = end
		}
	}

	if best == nil {
		return Match[V]{}, false
	}
	return Match[V]{Value: best.value, Prefix: best.prefix, Rest: path[bestEnd:]}, true
}

// splitPath returns the non-empty segments of path.
func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	parts := strings.Split(path, "/")
	segs := parts[:0]
	for _, p := range parts {
		if p != "" {
			segs = append(segs, p)
		}
	}
	return segs
}

// Canonical returns prefix in the form stored by a Tree: one leading slash,
// no trailing slash, no empty segments.
func Canonical(prefix string) string {
	return "/" + strings.Join(splitPath(prefix), "/")
}

func joinSegment(prefix, seg string) string {
	if prefix == "/" {
		return "/" + seg
	}
	return prefix + "/" + seg
}
