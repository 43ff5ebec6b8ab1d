package store

import (
	"fmt"
	"path"
	"strconv"
	"strings"
)

// SequenceWidth is the number of digits of the counter appended to
// sequential node names.
const SequenceWidth = 10

// Join builds an absolute node path from its components.
func Join(parts ...string) string {
	return path.Join(append([]string{"/"}, parts...)...)
}

// Parent returns the parent path ("/" for top level nodes).
func Parent(p string) string {
	return path.Dir(p)
}

// Base returns the last component of a path.
func Base(p string) string {
	return path.Base(p)
}

// SequenceOf extracts the counter that a sequential create appended to a
// node name.
func SequenceOf(name string) (int64, bool) {
	if len(name) < SequenceWidth {
		return 0, false
	}
	seq, err := strconv.ParseInt(name[len(name)-SequenceWidth:], 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

func sequenceName(p string, seq int64) string {
	return fmt.Sprintf("%s%0*d", p, SequenceWidth, seq)
}

func validatePath(p string) error {
	if p == "/" {
		return nil
	}
	if !strings.HasPrefix(p, "/") || strings.HasSuffix(p, "/") || strings.Contains(p, "//") {
		return fmt.Errorf("invalid node path %q", p)
	}
	return nil
}

// isChildOf reports whether p is a direct child of parent.
func isChildOf(p, parent string) bool {
	return p != "/" && Parent(p) == parent
}

// isBelow reports whether p is a (possibly indirect) descendant of root.
func isBelow(p, root string) bool {
	if root == "/" {
		return p != "/"
	}
	return strings.HasPrefix(p, root+"/")
}
