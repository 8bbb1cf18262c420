// Package reconcile compares the brain region observed at a cell's soma with
// the regions declared for it.
package reconcile

import (
	"strings"

	"github.com/BlueBrain/data-integration-pipelines-sub000/atlas"
)

// RelationKind classifies an observed region against a reference region.
type RelationKind int

// Relation kinds.
const (
	Unknown RelationKind = iota
	Same
	Ancestor
	Descendant
	Sibling
	CommonAncestor
)

// Relation is the outcome of comparing an observed region O with a
// reference region R, named from O's side. Descendant means O lies inside R;
// Ancestor means O contains R.
type Relation struct {
	Kind        RelationKind
	Common      int64
	CommonLabel string
}

// Agrees reports whether the relation counts as agreement.
func (r Relation) Agrees() bool {
	switch r.Kind {
	case Same, Ancestor, Descendant, Sibling:
		return true
	}
	return false
}

func (r Relation) String() string {
	switch r.Kind {
	case Same:
		return "same"
	case Ancestor:
		return "ancestor"
	case Descendant:
		return "descendant"
	case Sibling:
		return "sibling"
	case CommonAncestor:
		return "common ancestor: " + r.CommonLabel
	}
	return "unknown"
}

// siblingLabels enable the sibling relation when the declared label
// mentions one of them.
var siblingLabels = []string{"barrel field", "layer 2/3"}

func siblingAllowed(label string) bool {
	label = strings.ToLower(label)
	for _, s := range siblingLabels {
		if strings.Contains(label, s) {
			return true
		}
	}
	return false
}

// Classify relates observed to reference. declaredLabel is the cell's
// declared region label; it decides whether siblings agree.
func Classify(res *atlas.Resolver, observed, reference int64, declaredLabel string) Relation {
	o := res.Ontology()
	if !o.Has(observed) || !o.Has(reference) {
		return Relation{Kind: Unknown}
	}
	switch {
	case observed == reference:
		return Relation{Kind: Same}
	case res.IsAncestor(reference, observed):
		return Relation{Kind: Descendant}
	case res.IsAncestor(observed, reference):
		return Relation{Kind: Ancestor}
	}
	if siblingAllowed(declaredLabel) {
		po, okO := o.Parent(observed)
		pr, okR := o.Parent(reference)
		if okO && okR && po == pr {
			return Relation{Kind: Sibling}
		}
	}
	if common, ok := res.CommonAncestor(observed, reference); ok {
		return Relation{Kind: CommonAncestor, Common: common, CommonLabel: o.Label(common)}
	}
	return Relation{Kind: Unknown}
}
