package cache

import (
	"regexp"
	"strings"
)

var keyRegex = regexp.MustCompile(`\{[^}]*\}`)

// RemoveKeys strips every {...} key from a keypath: /a/b{x}/c{y} becomes
// /a/b/c. Used to find the query entry that holds a keypath's record.
func RemoveKeys(keypath string) string {
	return keyRegex.ReplaceAllString(keypath, "")
}

// SplitLeaf splits a leaf keypath at its final "/" into the owning node's
// keypath and the leaf name. ok is false when there is no "/".
func SplitLeaf(keypath string) (owner, leaf string, ok bool) {
	i := strings.LastIndex(keypath, "/")
	if i < 0 {
		return "", "", false
	}
	return keypath[:i], keypath[i+1:], true
}

// ChildKeypath returns the keypath of list entry name under keypath.
func ChildKeypath(keypath, name string) string {
	return keypath + "{" + name + "}"
}

// parentKeypath drops the final path segment.
func parentKeypath(keypath string) string {
	owner, _, ok := SplitLeaf(keypath)
	if !ok {
		return keypath
	}
	return owner
}
