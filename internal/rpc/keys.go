package rpc

import "regexp"

// compositeKeyRegex matches a {...} key segment containing a space.
var compositeKeyRegex = regexp.MustCompile(`\{([^}]* [^}]*)\}`)

// RewriteKeys quotes multi-word keys in a path: /a/b{x y} becomes
// /a/b{"x y"}. Keys without a space are left alone.
func RewriteKeys(path string) string {
	return compositeKeyRegex.ReplaceAllString(path, `{"$1"}`)
}
