package locks

import (
	"strconv"
	"strings"

	pair "github.com/notEpsilon/go-pair"
)

// NameEntry is one step of a resource path: a human-readable label and a
// numeric id (table number, page number, ...).
type NameEntry = pair.Pair[string, uint64]

// ResourceName identifies a lockable resource by its full path from the
// database root, e.g. database/1/3 for page 3 of table 1. Two resources are
// the same exactly when their full paths match.
type ResourceName struct {
	path []NameEntry
}

// NewResourceName builds a root resource name.
func NewResourceName(label string, id uint64) ResourceName {
	return ResourceName{path: []NameEntry{{First: label, Second: id}}}
}

// Child returns the name of this resource's child (label, id).
func (n ResourceName) Child(label string, id uint64) ResourceName {
	path := make([]NameEntry, len(n.path), len(n.path)+1)
	copy(path, n.path)
	return ResourceName{path: append(path, NameEntry{First: label, Second: id})}
}

// Parent returns the name one level up, and false at the root.
func (n ResourceName) Parent() (ResourceName, bool) {
	if len(n.path) <= 1 {
		return ResourceName{}, false
	}
	return ResourceName{path: n.path[:len(n.path)-1]}, true
}

// Current returns the final (label, id) element of the path.
func (n ResourceName) Current() NameEntry {
	return n.path[len(n.path)-1]
}

// Names returns the path elements from the root down.
func (n ResourceName) Names() []NameEntry {
	return n.path
}

// IsDescendantOf reports whether n is strictly below ancestor.
func (n ResourceName) IsDescendantOf(ancestor ResourceName) bool {
	if len(n.path) <= len(ancestor.path) {
		return false
	}
	for i, e := range ancestor.path {
		if n.path[i].Second != e.Second {
			return false
		}
	}
	return true
}

// Key is the canonical string form, used to index the lock table. Labels
// are display-only; identity rides on the ids.
func (n ResourceName) Key() string {
	var sb strings.Builder
	for i, e := range n.path {
		if i > 0 {
			sb.WriteByte('/')
		}
		sb.WriteString(strconv.FormatUint(e.Second, 10))
	}
	return sb.String()
}

func (n ResourceName) String() string {
	var sb strings.Builder
	for i, e := range n.path {
		if i > 0 {
			sb.WriteByte('/')
		}
		if i == 0 && e.First != "" {
			sb.WriteString(e.First)
		} else {
			sb.WriteString(strconv.FormatUint(e.Second, 10))
		}
	}
	return sb.String()
}
