package dbus

import (
	"errors"
	"fmt"
	"strings"
)

// ObjectPath is the path of an object exported on the bus, such as
// "/org/freedesktop/DBus".
type ObjectPath string

func (ObjectPath) Type() Type { return ObjectPathType }

// Valid reports whether p is a syntactically valid object path.
//
// A valid path begins with '/', and consists of non-empty elements
// made of [A-Za-z0-9_] separated by '/'. The root path "/" is valid,
// no other path may end with '/'.
func (p ObjectPath) Valid() error {
	s := string(p)
	if s == "" {
		return errors.New("empty object path")
	}
	if s[0] != '/' {
		return fmt.Errorf("object path %q does not begin with /", s)
	}
	if s == "/" {
		return nil
	}
	for i, elem := range strings.Split(s[1:], "/") {
		if elem == "" {
			return fmt.Errorf("object path %q has empty element %d", s, i)
		}
		for _, r := range elem {
			if !isPathChar(r) {
				return fmt.Errorf("object path %q contains invalid character %q", s, r)
			}
		}
	}
	return nil
}

func isPathChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_'
}

// IsAncestorOf reports whether p is a strict ancestor of o.
func (p ObjectPath) IsAncestorOf(o ObjectPath) bool {
	if p == o {
		return false
	}
	if p == "/" {
		return strings.HasPrefix(string(o), "/")
	}
	return strings.HasPrefix(string(o), string(p)+"/")
}

// Rel returns the path of o relative to p, without a leading '/'. p
// must be an ancestor of o.
func (p ObjectPath) Rel(o ObjectPath) string {
	if p == "/" {
		return strings.TrimPrefix(string(o), "/")
	}
	return strings.TrimPrefix(string(o), string(p)+"/")
}

// Child returns the path of the child of p named name.
func (p ObjectPath) Child(name string) ObjectPath {
	if p == "/" {
		return ObjectPath("/" + name)
	}
	return ObjectPath(string(p) + "/" + name)
}
