package catalog

import (
	"fmt"
	"os"
	"sort"
)

// Tier is the ordinal priority of a resource. Lower tiers are tried first.
type Tier int

const (
	TierCritical Tier = iota
	TierHigh
	TierMedium
	TierLow
	TierEmergency
)

var tierNames = map[Tier]string{
	TierCritical:  "critical",
	TierHigh:      "high",
	TierMedium:    "medium",
	TierLow:       "low",
	TierEmergency: "emergency",
}

func (t Tier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// ParseTier converts a config string to a Tier.
func ParseTier(s string) (Tier, error) {
	for t, name := range tierNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown tier: %q", s)
}

// AuthMode describes where a resource expects its credential.
type AuthMode string

const (
	AuthNone      AuthMode = "none"
	AuthHeaderKey AuthMode = "header"
	AuthQueryKey  AuthMode = "query"
	AuthPathKey   AuthMode = "path"
)

// AuthRef references a credential without embedding it. Name is the header
// or query parameter the secret is sent as; Env is the environment variable
// holding the secret, resolved at call time so key rotation needs no restart.
type AuthRef struct {
	Mode AuthMode
	Name string
	Env  string
}

// Secret resolves the credential from the environment. Returns empty string
// for AuthNone or when the variable is unset.
func (a AuthRef) Secret() string {
	if a.Mode == AuthNone || a.Env == "" {
		return ""
	}
	return os.Getenv(a.Env)
}

// Resource is one immutable catalog entry. Entries are created at process
// start from static configuration and never mutated afterwards.
type Resource struct {
	ID           string
	Category     string
	BaseEndpoint string
	Tier         Tier
	Auth         AuthRef
	RateLimit    int  // declared requests/minute, informational only
	Restricted   bool // requires access escalation beyond direct connection
}

// Catalog is an immutable, loaded-once index over resources.
type Catalog struct {
	resources  []Resource
	byID       map[string]int
	byCategory map[string][]int
}

// New builds a catalog from declared resources. Declaration order is kept as
// the tie-break order inside a tier.
func New(resources []Resource) (*Catalog, error) {
	c := &Catalog{
		resources:  make([]Resource, len(resources)),
		byID:       make(map[string]int, len(resources)),
		byCategory: make(map[string][]int),
	}
	copy(c.resources, resources)

	for i, res := range c.resources {
		if res.ID == "" {
			return nil, fmt.Errorf("catalog: resource %d: id is required", i)
		}
		if _, dup := c.byID[res.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate resource id: %s", res.ID)
		}
		c.byID[res.ID] = i
		c.byCategory[res.Category] = append(c.byCategory[res.Category], i)
	}

	// Tier-ascending, declaration order inside a tier. Sorting the index
	// slices once here keeps ListByCategory allocation-only.
	for _, idxs := range c.byCategory {
		sort.SliceStable(idxs, func(a, b int) bool {
			return c.resources[idxs[a]].Tier < c.resources[idxs[b]].Tier
		})
	}

	return c, nil
}

// ListByCategory returns resources in a category sorted ascending by tier,
// ties broken by declaration order. Unknown categories return an empty list,
// never an error; the caller decides whether that means exhaustion.
func (c *Catalog) ListByCategory(category string) []Resource {
	idxs := c.byCategory[category]
	out := make([]Resource, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, c.resources[i])
	}
	return out
}

// Get returns the resource with the given id.
func (c *Catalog) Get(id string) (Resource, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Resource{}, false
	}
	return c.resources[i], true
}

// Categories returns all categories with at least one resource.
func (c *Catalog) Categories() []string {
	cats := make([]string, 0, len(c.byCategory))
	for cat := range c.byCategory {
		cats = append(cats, cat)
	}
	sort.Strings(cats)
	return cats
}

// Len returns the number of catalog entries.
func (c *Catalog) Len() int {
	return len(c.resources)
}
