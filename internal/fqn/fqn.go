// Package fqn builds dotted qualified names for symbols.
//
// A module name is derived from the file path relative to the repository
// root: "pkg/service/order.py" becomes "pkg.service.order". Symbols nest
// below their module or enclosing scope: "pkg.service.order.Order.total".
package fqn

import (
	"path"
	"strings"
)

// Module returns the qualified name of the module defined by relPath.
func Module(relPath string) string {
	relPath = strings.ReplaceAll(relPath, "\\", "/")
	relPath = strings.TrimSuffix(relPath, path.Ext(relPath))
	parts := strings.Split(relPath, "/")

	// Python __init__.py and JS/TS index files name their directory
	if n := len(parts); n > 1 && (parts[n-1] == "__init__" || parts[n-1] == "index" || parts[n-1] == "mod") {
		parts = parts[:n-1]
	}
	return strings.Join(clean(parts), ".")
}

// Join appends name to scope.
func Join(scope, name string) string {
	if scope == "" {
		return name
	}
	if name == "" {
		return scope
	}
	return scope + "." + name
}

// Split returns the scope and the last segment of a qualified name.
func Split(qn string) (scope, name string) {
	i := strings.LastIndexByte(qn, '.')
	if i < 0 {
		return "", qn
	}
	return qn[:i], qn[i+1:]
}

// Normalize converts an import path or receiver expression into dotted form:
// "./lib/util.js" → "lib.util", "crate::net::Conn" → "crate.net.Conn",
// "github.com/x/y" → "github.com.x.y".
func Normalize(ref string) string {
	ref = strings.Trim(ref, "\"'`<> \t")
	for _, sep := range []string{"::", "->", "\\", "/"} {
		ref = strings.ReplaceAll(ref, sep, ".")
	}
	if ext := path.Ext(ref); ext == ".js" || ext == ".ts" || ext == ".py" || ext == ".h" || ext == ".hpp" {
		ref = strings.TrimSuffix(ref, ext)
	}
	return strings.Join(clean(strings.Split(ref, ".")), ".")
}

// HasSuffix reports whether qn ends with the dotted segments of suffix.
// HasSuffix("pkg.service.order", "service.order") is true,
// HasSuffix("pkg.service.order", "rder") is false.
func HasSuffix(qn, suffix string) bool {
	if suffix == "" {
		return false
	}
	if qn == suffix {
		return true
	}
	return strings.HasSuffix(qn, "."+suffix)
}

func clean(parts []string) []string {
	out := parts[:0:0]
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			continue
		}
		out = append(out, p)
	}
	return out
}
