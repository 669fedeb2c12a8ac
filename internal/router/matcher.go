package router

import (
	"fmt"
	"net"
	"sort"
	"strings"
)

// PathMatcher is the interface for path matching.
type PathMatcher interface {
	Match(path string) (bool, map[string]string)
	Type() string
	Pattern() string
}

// ExactMatcher matches exact paths.
type ExactMatcher struct {
	path string
}

// NewExactMatcher creates a new exact path matcher.
func NewExactMatcher(path string) *ExactMatcher {
	return &ExactMatcher{path: path}
}

// Match checks if the path matches exactly.
func (m *ExactMatcher) Match(path string) (matched bool, params map[string]string) {
	return path == m.path, nil
}

// Type returns the matcher type.
func (m *ExactMatcher) Type() string {
	return "exact"
}

// Pattern returns the pattern.
func (m *ExactMatcher) Pattern() string {
	return m.path
}

// PrefixMatcher matches a path prefix at a segment boundary.
type PrefixMatcher struct {
	pattern string
	prefix  string
}

// NewPrefixMatcher creates a prefix matcher from a pattern ending in "/*".
func NewPrefixMatcher(pattern string) *PrefixMatcher {
	return &PrefixMatcher{
		pattern: pattern,
		prefix:  strings.TrimSuffix(strings.TrimSuffix(pattern, "*"), "/"),
	}
}

// Match checks if the path equals the prefix or continues it with "/".
func (m *PrefixMatcher) Match(path string) (matched bool, params map[string]string) {
	if m.prefix == "" {
		return true, nil
	}
	if !strings.HasPrefix(path, m.prefix) {
		return false, nil
	}
	return len(path) == len(m.prefix) || path[len(m.prefix)] == '/', nil
}

// Type returns the matcher type.
func (m *PrefixMatcher) Type() string {
	return "prefix"
}

// Pattern returns the pattern.
func (m *PrefixMatcher) Pattern() string {
	return m.pattern
}

// ParameterMatcher matches paths with named segments like /users/{id},
// optionally ending in a "/*" wildcard.
type ParameterMatcher struct {
	pattern  string
	segments []segment
	trailing bool
}

type segment struct {
	value     string
	isParam   bool
	paramName string
}

// NewParameterMatcher creates a new parameter path matcher.
func NewParameterMatcher(pattern string) (*ParameterMatcher, error) {
	m := &ParameterMatcher{pattern: pattern}

	trimmed := strings.Trim(pattern, "/")
	if strings.HasSuffix(trimmed, "/*") || trimmed == "*" {
		m.trailing = true
		trimmed = strings.TrimSuffix(strings.TrimSuffix(trimmed, "*"), "/")
	}

	seen := make(map[string]bool)
	for _, part := range strings.Split(trimmed, "/") {
		if part == "" {
			continue
		}
		if strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}") {
			name := part[1 : len(part)-1]
			if name == "" || seen[name] {
				return nil, fmt.Errorf("invalid parameter %q in %s", part, pattern)
			}
			seen[name] = true
			m.segments = append(m.segments, segment{value: part, isParam: true, paramName: name})
			continue
		}
		if strings.ContainsAny(part, "{}*") {
			return nil, fmt.Errorf("invalid segment %q in %s", part, pattern)
		}
		m.segments = append(m.segments, segment{value: part})
	}

	return m, nil
}

// Match checks if the path matches the pattern and extracts parameters.
// The path is expected to be cleaned (no empty segments).
func (m *ParameterMatcher) Match(path string) (matched bool, params map[string]string) {
	parts := splitPath(path)
	if len(parts) < len(m.segments) || (!m.trailing && len(parts) != len(m.segments)) {
		return false, nil
	}

	for i, seg := range m.segments {
		if !seg.isParam {
			if parts[i] != seg.value {
				return false, nil
			}
			continue
		}
		if params == nil {
			params = make(map[string]string, len(m.segments))
		}
		params[seg.paramName] = parts[i]
	}

	return true, params
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// Type returns the matcher type.
func (m *ParameterMatcher) Type() string {
	return "parameter"
}

// Pattern returns the pattern.
func (m *ParameterMatcher) Pattern() string {
	return m.pattern
}

// CreatePathMatcher picks the matcher for a path pattern.
func CreatePathMatcher(pattern string) (PathMatcher, error) {
	if !strings.HasPrefix(pattern, "/") {
		return nil, fmt.Errorf("path %q must start with /", pattern)
	}
	hasParams := strings.Contains(pattern, "{")
	hasWildcard := strings.Contains(pattern, "*")

	switch {
	case hasParams:
		return NewParameterMatcher(pattern)
	case hasWildcard:
		if !strings.HasSuffix(pattern, "/*") || strings.Count(pattern, "*") != 1 {
			return nil, fmt.Errorf("wildcard is only allowed as a trailing /* in %q", pattern)
		}
		return NewPrefixMatcher(pattern), nil
	default:
		return NewExactMatcher(pattern), nil
	}
}

// MethodMatcher matches HTTP methods. An empty set matches every method.
type MethodMatcher struct {
	methods map[string]bool
}

// NewMethodMatcher creates a new method matcher.
func NewMethodMatcher(methods []string) *MethodMatcher {
	m := &MethodMatcher{methods: make(map[string]bool, len(methods))}
	for _, method := range methods {
		m.methods[strings.ToUpper(method)] = true
	}
	return m
}

// Match checks if the method matches. HEAD matches wherever GET does.
func (m *MethodMatcher) Match(method string) bool {
	if len(m.methods) == 0 || m.methods["*"] {
		return true
	}
	method = strings.ToUpper(method)
	if method == "HEAD" && m.methods["GET"] {
		return true
	}
	return m.methods[method]
}

// Methods returns the configured methods, sorted. Empty means any.
func (m *MethodMatcher) Methods() []string {
	out := make([]string, 0, len(m.methods))
	for method := range m.methods {
		out = append(out, method)
	}
	sort.Strings(out)
	return out
}

// HostKind classifies host patterns for precedence.
type HostKind int

// Host pattern classes in precedence order.
const (
	HostExact HostKind = iota
	HostWildcard
	HostAny
)

// HostMatcher matches the request host.
type HostMatcher struct {
	kind   HostKind
	host   string
	suffix string
}

// NewHostMatcher creates a host matcher: "" matches any host, "*.example.com"
// matches any subdomain of example.com, anything else matches exactly.
func NewHostMatcher(pattern string) (*HostMatcher, error) {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	switch {
	case pattern == "" || pattern == "*":
		return &HostMatcher{kind: HostAny}, nil
	case strings.HasPrefix(pattern, "*."):
		suffix := pattern[1:]
		if strings.Contains(suffix[1:], "*") {
			return nil, fmt.Errorf("invalid host pattern %q", pattern)
		}
		return &HostMatcher{kind: HostWildcard, host: pattern, suffix: suffix}, nil
	case strings.Contains(pattern, "*"):
		return nil, fmt.Errorf("invalid host pattern %q", pattern)
	default:
		return &HostMatcher{kind: HostExact, host: pattern}, nil
	}
}

// Kind returns the precedence class.
func (m *HostMatcher) Kind() HostKind {
	return m.kind
}

// Host returns the normalized pattern.
func (m *HostMatcher) Host() string {
	return m.host
}

// Match checks a normalized host (see NormalizeHost).
func (m *HostMatcher) Match(host string) bool {
	switch m.kind {
	case HostAny:
		return true
	case HostWildcard:
		return len(host) > len(m.suffix) && strings.HasSuffix(host, m.suffix)
	default:
		return host == m.host
	}
}

// NormalizeHost lowercases the host and strips any port.
func NormalizeHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.TrimSuffix(strings.ToLower(host), ".")
}
