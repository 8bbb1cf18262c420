package atlas

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache size bounds for the lineage cache.
const (
	MinCacheSize     = 100
	MaxCacheSize     = 1000
	DefaultCacheSize = 500
)

type lineage struct {
	ancestors []int64
	siblings  []int64
}

// Resolver answers ancestor and sibling queries through a bounded LRU in
// front of the ontology arena. It is safe for concurrent use.
type Resolver struct {
	ontology *Ontology
	cache    *lru.Cache[int64, lineage]
}

// NewResolver creates a Resolver. size is clamped to [MinCacheSize, MaxCacheSize].
func NewResolver(o *Ontology, size int) (*Resolver, error) {
	size = min(max(size, MinCacheSize), MaxCacheSize)
	cache, err := lru.New[int64, lineage](size)
	if err != nil {
		return nil, fmt.Errorf("create lineage cache: %w", err)
	}
	return &Resolver{ontology: o, cache: cache}, nil
}

// Ontology returns the underlying hierarchy.
func (r *Resolver) Ontology() *Ontology { return r.ontology }

func (r *Resolver) lineage(id int64) lineage {
	if l, ok := r.cache.Get(id); ok {
		return l
	}
	l := lineage{
		ancestors: r.ontology.Ancestors(id),
		siblings:  r.ontology.Siblings(id),
	}
	r.cache.Add(id, l)
	return l
}

// Ancestors returns the ancestors of id, nearest first.
func (r *Resolver) Ancestors(id int64) []int64 {
	return r.lineage(id).ancestors
}

// Siblings returns the siblings of id.
func (r *Resolver) Siblings(id int64) []int64 {
	return r.lineage(id).siblings
}

// IsAncestor reports whether a is a strict ancestor of b.
func (r *Resolver) IsAncestor(a, b int64) bool {
	for _, x := range r.Ancestors(b) {
		if x == a {
			return true
		}
	}
	return false
}

// CommonAncestor returns the nearest region that is an ancestor of (or equal
// to) both a and b.
func (r *Resolver) CommonAncestor(a, b int64) (int64, bool) {
	chainA := append([]int64{a}, r.Ancestors(a)...)
	inA := make(map[int64]struct{}, len(chainA))
	for _, x := range chainA {
		inA[x] = struct{}{}
	}
	for _, x := range append([]int64{b}, r.Ancestors(b)...) {
		if _, ok := inA[x]; ok {
			return x, true
		}
	}
	return 0, false
}

// Len reports the number of cached entries.
func (r *Resolver) Len() int { return r.cache.Len() }
