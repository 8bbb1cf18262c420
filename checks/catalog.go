// Package checks evaluates the structural validity catalog of a morphology.
package checks

import (
	"github.com/BlueBrain/data-integration-pipelines-sub000/morphology"
	"github.com/BlueBrain/data-integration-pipelines-sub000/vocabulary/neuro"
)

// Kind is the value type a check produces.
type Kind int

// Check kinds.
const (
	Boolean Kind = iota
	Numeric
)

// Offender identifies an element that made a boolean check fail. Section is
// -1 for findings about the morphology as a whole.
type Offender struct {
	Section int     `json:"section"`
	Points  []int64 `json:"points,omitempty"`
	Detail  string  `json:"detail,omitempty"`
}

type offenderFunc func(m *morphology.Morphology, th Thresholds) []Offender

type measureFunc func(m *morphology.Morphology, th Thresholds) float64

// Check is one catalog row. Adding a check means adding a row; the runner and
// renderers never switch on a check id.
type Check struct {
	ID       string
	URI      string
	Label    string
	Kind     Kind
	Expected bool

	// enabled reports whether the check runs under the given thresholds.
	enabled   func(th Thresholds) bool
	offenders offenderFunc
	measure   measureFunc

	JSON func(r Result) any
	TSV  func(r Result, sparse bool) string
}

func boolCheck(id, label string, fn offenderFunc) Check {
	return Check{
		ID:        id,
		URI:       neuro.CheckIRI(id),
		Label:     label,
		Kind:      Boolean,
		Expected:  true,
		offenders: fn,
		JSON:      renderBoolJSON,
		TSV:       renderBoolTSV,
	}
}

func numericCheck(id, label string, fn measureFunc) Check {
	return Check{
		ID:      id,
		URI:     neuro.CheckIRI(id),
		Label:   label,
		Kind:    Numeric,
		measure: fn,
		JSON:    renderNumericJSON,
		TSV:     renderNumericTSV,
	}
}

// Check identifiers referenced outside the table.
const (
	Loadable                 = "loadable"
	ZThicknessAboveThreshold = "z_thickness_above_threshold"
	HasAxon                  = "has_axon"
	HasBasalDendrite         = "has_basal_dendrite"
	HasApicalDendrite        = "has_apical_dendrite"
	NumberOfAxons            = "number_of_axons"
	MaxSectionLength         = "max_section_length"
)

// Catalog is the ordered check table. The order fixes the TSV columns.
var Catalog = []Check{
	boolCheck(Loadable, "Can be loaded", func(*morphology.Morphology, Thresholds) []Offender { return nil }),
	func() Check {
		c := boolCheck(ZThicknessAboveThreshold, "Z thickness above threshold", zThickness)
		c.enabled = func(th Thresholds) bool { return th.MinZThickness > 0 }
		return c
	}(),
	boolCheck("has_different_diameters", "Has different diameters", differentDiameters),
	boolCheck("no_dangling_branch", "Has no dangling branch", danglingBranches),
	boolCheck("has_no_root_node_jumps", "Has no root node jumps", rootNodeJumps),
	boolCheck("has_no_z_jumps", "Has no z jumps", zJumps),
	boolCheck("has_no_narrow_start", "Has no narrow start", narrowStarts),
	boolCheck("has_no_fat_ends", "Has no fat ends", fatEnds),
	boolCheck("has_all_nonzero_segment_lengths", "Has all nonzero segment lengths", zeroSegments),
	boolCheck("has_all_nonzero_section_lengths", "Has all nonzero section lengths", zeroSections),
	boolCheck("has_all_nonzero_neurite_radii", "Has all nonzero neurite radii", zeroRadii),
	boolCheck("has_no_narrow_neurite_section", "Has no narrow neurite section", narrowSections),
	boolCheck("has_no_flat_neurites", "Has no flat neurites", flatNeurites),
	boolCheck("has_no_unifurcation", "Has no unifurcation", unifurcations),
	boolCheck("has_no_multifurcation", "Has no multifurcation", multifurcations),
	boolCheck("has_nonzero_soma_radius", "Has nonzero soma radius", zeroSomaRadius),
	boolCheck(HasApicalDendrite, "Has apical dendrite", missing(morphology.TypeApicalDendrite)),
	boolCheck(HasBasalDendrite, "Has basal dendrite", missing(morphology.TypeBasalDendrite)),
	boolCheck(HasAxon, "Has axon", missing(morphology.TypeAxon)),
	boolCheck("has_no_heterogeneous_neurites", "Has no heterogeneous neurites", heterogeneousNeurites),
	boolCheck("has_no_heterogeneous_sections_near_soma", "Has no heterogeneous sections near soma", heterogeneousNearSoma),
	boolCheck("has_no_axon_first_composite", "Has no axon-first composite subtree", axonFirstComposites),
	numericCheck("number_of_dendritic_trees", "Number of dendritic trees stemming from the soma", dendriticTrees),
	numericCheck(NumberOfAxons, "Number of axons", axonCount),
	numericCheck("max_branch_order", "Max branch order", maxBranchOrder),
	numericCheck("total_section_length", "Total section length", totalSectionLength),
	numericCheck(MaxSectionLength, "Max section length", maxSectionLength),
}

// Lookup returns the catalog row for id.
func Lookup(id string) (Check, bool) {
	for _, c := range Catalog {
		if c.ID == id {
			return c, true
		}
	}
	return Check{}, false
}
