// Package policy maps request paths to edge caching policies.
//
// A Resolver holds an ordered list of groups. Each group carries one or more
// matching rules and the Policy applied to requests it matches. Resolution
// is first match wins, in registration order.
package policy

import (
	"fmt"
	"regexp"
	"time"
)

// Strategy selects how the edge worker answers a request.
type Strategy int

const (
	// CacheFirst serves the stored copy and only goes to the network on a
	// miss.
	CacheFirst Strategy = iota
	// NetworkFirst goes to the network and falls back to the stored copy,
	// subject to MaxAge.
	NetworkFirst
	// StaleWhileRevalidate serves the stored copy and refreshes it in the
	// background.
	StaleWhileRevalidate
)

func (s Strategy) String() string {
	switch s {
	case CacheFirst:
		return "cache-first"
	case NetworkFirst:
		return "network-first"
	case StaleWhileRevalidate:
		return "stale-while-revalidate"
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// Class is the asset class a partition stores.
type Class string

const (
	Static  Class = "static"
	Dynamic Class = "dynamic"
	Images  Class = "images"
	API     Class = "api"
)

// Classes lists every partition class.
var Classes = []Class{Static, Dynamic, Images, API}

// Policy describes how matched requests are cached.
type Policy struct {
	Strategy Strategy
	Class    Class
	// MaxAge bounds how old a stored copy may be when NetworkFirst falls
	// back to it. Zero means no bound.
	MaxAge time.Duration
}

// matchKind distinguishes the matching strategies.
type matchKind int

const (
	kindExact matchKind = iota
	kindPrefix
	kindContains
	kindRegex
	kindAny
)

// rule is a single matching rule inside a group.
type rule struct {
	kind    matchKind
	pattern string         // used for exact, prefix and contains matches
	re      *regexp.Regexp // used for regex matches
}

// GroupBuilder constructs a route group with one or more matching rules and
// a policy.
type GroupBuilder struct {
	name   string
	rules  []rule
	policy *Policy
}

// Group starts building a new route group with the given name.
func Group(name string) *GroupBuilder {
	return &GroupBuilder{name: name}
}

// Name returns the group name.
func (g *GroupBuilder) Name() string { return g.name }

// Exact adds exact-match rules, one per path.
func (g *GroupBuilder) Exact(paths ...string) *GroupBuilder {
	for _, p := range paths {
		g.rules = append(g.rules, rule{kind: kindExact, pattern: p})
	}
	return g
}

// Prefix adds a prefix-match rule for pattern.
func (g *GroupBuilder) Prefix(pattern string) *GroupBuilder {
	g.rules = append(g.rules, rule{kind: kindPrefix, pattern: pattern})
	return g
}

// Contains adds a rule matching any path containing pattern.
func (g *GroupBuilder) Contains(pattern string) *GroupBuilder {
	g.rules = append(g.rules, rule{kind: kindContains, pattern: pattern})
	return g
}

// Regex adds a regex-match rule for pattern.
// The pattern is compiled immediately; an invalid regex will panic.
func (g *GroupBuilder) Regex(pattern string) *GroupBuilder {
	g.rules = append(g.rules, rule{kind: kindRegex, pattern: pattern, re: regexp.MustCompile(pattern)})
	return g
}

// Any adds a rule matching every path. Use it for the fallback group.
func (g *GroupBuilder) Any() *GroupBuilder {
	g.rules = append(g.rules, rule{kind: kindAny})
	return g
}

// Policy attaches a Policy to the group and returns the finished builder.
func (g *GroupBuilder) Policy(p Policy) *GroupBuilder {
	g.policy = &p
	return g
}
