package policy

import "time"

// Resolver holds an ordered set of route groups and resolves a request
// target to the first matching group and its policy.
type Resolver struct {
	groups []*GroupBuilder
}

// NewResolver creates a Resolver from the supplied group builders. Groups
// without a policy are skipped.
func NewResolver(groups ...*GroupBuilder) *Resolver {
	res := &Resolver{}
	for _, g := range groups {
		if g != nil && g.policy != nil {
			res.groups = append(res.groups, g)
		}
	}
	return res
}

// Resolve returns the first group, in registration order, with a rule
// matching target (path plus query). If no group matches, ok is false.
func (res *Resolver) Resolve(target string) (groupName string, pol *Policy, ok bool) {
	for _, g := range res.groups {
		for i := range g.rules {
			if g.rules[i].match(target) {
				return g.name, g.policy, true
			}
		}
	}
	return "", nil, false
}

// Pages are the top-level storefront pages served stale-while-revalidate by
// the default table.
var Pages = []string{"/", "/shop", "/categories", "/cart", "/about", "/contact"}

// APIMaxAge is the age beyond which the default table stops serving stored
// API responses when the network is down.
const APIMaxAge = 5 * time.Minute

// Default returns the storefront route table:
//
//	static   scripts, styles and fonts   cache-first
//	images   image files                 cache-first
//	api      paths containing /api/      network-first, 5 min max age
//	pages    the top-level pages         stale-while-revalidate
//	fallback everything else             network-first
func Default() *Resolver {
	return NewResolver(
		Group("static").
			Regex(`\.(js|css|woff2?|ttf|eot)$`).
			Policy(Policy{Strategy: CacheFirst, Class: Static}),
		Group("images").
			Regex(`\.(png|jpe?g|gif|webp|svg|ico|avif)$`).
			Policy(Policy{Strategy: CacheFirst, Class: Images}),
		Group("api").
			Contains("/api/").
			Policy(Policy{Strategy: NetworkFirst, Class: API, MaxAge: APIMaxAge}),
		Group("pages").
			Exact(Pages...).
			Policy(Policy{Strategy: StaleWhileRevalidate, Class: Dynamic}),
		Group("fallback").
			Any().
			Policy(Policy{Strategy: NetworkFirst, Class: Dynamic}),
	)
}
