package router

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/vyrodovalexey/edgegw/internal/config"
	"github.com/vyrodovalexey/edgegw/internal/pipeline"
	"github.com/vyrodovalexey/edgegw/internal/util"
)

// Rule is a compiled route. It is immutable once in a Table.
type Rule struct {
	Name       string
	Service    string
	Priority   int
	Idempotent bool

	Host    *HostMatcher
	Path    PathMatcher
	Methods *MethodMatcher

	Pipeline *pipeline.Pipeline
	Cache    *config.CachePolicyConfig

	order int
}

// Order returns the declaration index of the rule.
func (r *Rule) Order() int {
	return r.order
}

// Match reports whether the rule matches a normalized host and cleaned path.
func (r *Rule) Match(method, host, cleanPath string) (map[string]string, bool) {
	if !r.Methods.Match(method) || !r.Host.Match(host) {
		return nil, false
	}
	ok, params := r.Path.Match(cleanPath)
	return params, ok
}

// Match is the result of a successful resolution.
type Match struct {
	Rule       *Rule
	Params     map[string]string
	Generation uint64
}

// BuildFunc builds the pipeline of a route definition.
type BuildFunc func(route config.RouteConfig) (*pipeline.Pipeline, error)

// Table is an immutable snapshot of the route rules.
type Table struct {
	generation uint64
	rules      []*Rule

	exact    map[string][]*Rule
	wildcard []*Rule
	any      []*Rule
}

// Compile builds a table from route definitions. build may be nil, in which
// case rules get an empty pipeline.
func Compile(routes []config.RouteConfig, build BuildFunc, generation uint64) (*Table, error) {
	t := &Table{
		generation: generation,
		rules:      make([]*Rule, 0, len(routes)),
		exact:      make(map[string][]*Rule),
	}

	names := make(map[string]bool, len(routes))
	for i := range routes {
		rc := routes[i]
		field := fmt.Sprintf("routes[%d]", i)

		if rc.Name == "" {
			return nil, util.NewConfigError(field+".name", "name is required")
		}
		if names[rc.Name] {
			return nil, util.NewConfigError(field+".name", fmt.Sprintf("duplicate route name %q", rc.Name))
		}
		names[rc.Name] = true
		if rc.Service == "" {
			return nil, util.NewConfigError(field+".service", "service is required")
		}

		rule, err := compileRule(rc, i, build)
		if err != nil {
			return nil, util.NewConfigErrorWithCause(field, fmt.Sprintf("route %q", rc.Name), err)
		}

		t.rules = append(t.rules, rule)
		switch rule.Host.Kind() {
		case HostExact:
			t.exact[rule.Host.Host()] = append(t.exact[rule.Host.Host()], rule)
		case HostWildcard:
			t.wildcard = append(t.wildcard, rule)
		default:
			t.any = append(t.any, rule)
		}
	}

	for host := range t.exact {
		sortRules(t.exact[host])
	}
	sortRules(t.wildcard)
	sortRules(t.any)

	return t, nil
}

func compileRule(rc config.RouteConfig, order int, build BuildFunc) (*Rule, error) {
	pattern := rc.Match.Path
	if !strings.ContainsAny(pattern, "*{") && strings.HasPrefix(pattern, "/") {
		pattern = path.Clean(pattern)
	}
	pathMatcher, err := CreatePathMatcher(pattern)
	if err != nil {
		return nil, err
	}

	hostMatcher, err := NewHostMatcher(rc.Match.Host)
	if err != nil {
		return nil, err
	}

	var p *pipeline.Pipeline
	if build != nil {
		if p, err = build(rc); err != nil {
			return nil, err
		}
	}
	if p == nil {
		p = pipeline.New()
	}

	return &Rule{
		Name:       rc.Name,
		Service:    rc.Service,
		Priority:   rc.Priority,
		Idempotent: rc.Idempotent,
		Host:       hostMatcher,
		Path:       pathMatcher,
		Methods:    NewMethodMatcher(rc.Match.Methods),
		Pipeline:   p,
		Cache:      rc.Cache,
		order:      order,
	}, nil
}

// sortRules orders by priority, highest first, then declaration order.
func sortRules(rules []*Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].order < rules[j].order
	})
}

// Generation returns the version of the table.
func (t *Table) Generation() uint64 {
	return t.generation
}

// Rules returns the rules in declaration order.
func (t *Table) Rules() []*Rule {
	return append([]*Rule(nil), t.rules...)
}

// Len returns the number of rules.
func (t *Table) Len() int {
	return len(t.rules)
}

// Resolve returns the rule for a request. Exact-host rules are tried first,
// then wildcard-host rules, then host-agnostic rules. A miss is a
// *util.RouteNotFoundError; there is no default route.
func (t *Table) Resolve(method, host, rawPath string) (*Match, error) {
	normalizedHost := NormalizeHost(host)
	cleanPath := CleanPath(rawPath)

	for _, candidates := range [][]*Rule{t.exact[normalizedHost], t.wildcard, t.any} {
		for _, rule := range candidates {
			if params, ok := rule.Match(method, normalizedHost, cleanPath); ok {
				return &Match{Rule: rule, Params: params, Generation: t.generation}, nil
			}
		}
	}

	return nil, util.NewRouteNotFoundError(method, normalizedHost, cleanPath)
}

// CleanPath returns the canonical form of a request path.
func CleanPath(p string) string {
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		p = "/" + p
	}
	return path.Clean(p)
}
