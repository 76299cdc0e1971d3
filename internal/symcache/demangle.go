package symcache

import (
	"strconv"
	"strings"
)

// demangleItanium implements a best-effort subset of the Itanium C++ ABI
// mangling scheme: plain "_Z<len><name><...>" and nested
// "_Z N <len><name>(<len><name>)* E" qualified names. Templates,
// substitutions, and operator names are not supported; unsupported input
// returns ok=false so the caller leaves the mangled name untouched
// (spec.md §4.2). There is no demangling library anywhere in the example
// pack to ground a fuller implementation on (see DESIGN.md).
func demangleItanium(name string) (string, bool) {
	s := strings.TrimPrefix(name, "_")
	s = strings.TrimPrefix(s, "Z")
	if s == name {
		return "", false
	}

	if strings.HasPrefix(s, "N") {
		parts, rest, ok := readNestedName(s[1:])
		if !ok {
			return "", false
		}
		_ = rest // remaining bytes are parameter mangling; not reproduced
		return strings.Join(parts, "::"), true
	}

	ident, _, ok := readLengthPrefixed(s)
	if !ok {
		return "", false
	}
	return ident, true
}

// readNestedName parses a sequence of <length><identifier> components up
// to a terminating 'E', as found inside Itanium "N...E" nested-name
// mangling.
func readNestedName(s string) ([]string, string, bool) {
	var parts []string
	for {
		if strings.HasPrefix(s, "E") {
			return parts, s[1:], true
		}
		ident, rest, ok := readLengthPrefixed(s)
		if !ok {
			return nil, "", false
		}
		parts = append(parts, ident)
		s = rest
		if s == "" {
			return nil, "", false
		}
	}
}

// readLengthPrefixed reads a decimal length followed by that many bytes
// of identifier, returning the identifier and the unconsumed remainder.
func readLengthPrefixed(s string) (string, string, bool) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 {
		return "", "", false
	}
	n, err := strconv.Atoi(s[:i])
	if err != nil || n <= 0 || i+n > len(s) {
		return "", "", false
	}
	return s[i : i+n], s[i+n:], true
}

// demangleRust implements a best-effort subset of the Rust v0 mangling
// scheme ("_RNvC<len><crate><len><path>..."): a crate-qualified plain
// path. Generics and closures are not supported; unsupported input
// returns ok=false.
func demangleRust(name string) (string, bool) {
	s := strings.TrimPrefix(name, "_R")
	if s == name {
		return "", false
	}
	s = strings.TrimPrefix(s, "Nv")
	s = strings.TrimPrefix(s, "C")

	var parts []string
	for len(s) > 0 && s[0] >= '0' && s[0] <= '9' {
		ident, rest, ok := readLengthPrefixed(s)
		if !ok {
			break
		}
		parts = append(parts, ident)
		s = rest
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, "::"), true
}
