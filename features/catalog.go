// Package features computes the fixed morphometric catalog of a morphology
// and groups it by compartment.
package features

import (
	"github.com/BlueBrain/data-integration-pipelines-sub000/morphology"
)

// Compartment groups the metrics carried by one feature annotation.
type Compartment string

// Compartments in emission order.
const (
	CompartmentSoma             Compartment = "Soma"
	CompartmentAxon             Compartment = "Axon"
	CompartmentBasalDendrite    Compartment = "BasalDendrite"
	CompartmentApicalDendrite   Compartment = "ApicalDendrite"
	CompartmentNeuronMorphology Compartment = "NeuronMorphology"
)

// Compartments lists every compartment in emission order.
var Compartments = []Compartment{
	CompartmentSoma,
	CompartmentAxon,
	CompartmentBasalDendrite,
	CompartmentApicalDendrite,
	CompartmentNeuronMorphology,
}

// CompartmentFor maps a neurite type to its compartment.
func CompartmentFor(t morphology.Type) (Compartment, bool) {
	switch t {
	case morphology.TypeAxon:
		return CompartmentAxon, true
	case morphology.TypeBasalDendrite:
		return CompartmentBasalDendrite, true
	case morphology.TypeApicalDendrite:
		return CompartmentApicalDendrite, true
	}
	return "", false
}

// IsNeurite reports whether c is one of the neurite compartments.
func (c Compartment) IsNeurite() bool {
	return c == CompartmentAxon || c == CompartmentBasalDendrite || c == CompartmentApicalDendrite
}

// Arity is the output shape of a metric. It is part of the catalog so the
// statistic chosen for a metric never depends on the data.
type Arity int

// Metric arities.
const (
	Scalar Arity = iota
	Distribution
)

func (a Arity) String() string {
	if a == Scalar {
		return "scalar"
	}
	return "distribution"
}

// MarshalText renders the arity name.
func (a Arity) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

type neuriteFunc func(v *selection) []float64

type morphFunc func(m *morphology.Morphology) []float64

// Metric is one catalog entry.
type Metric struct {
	Name  string
	Arity Arity
	Unit  string

	neurite neuriteFunc
	morph   morphFunc
}

func nm(name string, arity Arity, fn neuriteFunc) Metric {
	return Metric{Name: name, Arity: arity, Unit: UnitFor(name), neurite: fn}
}

func mm(name string, arity Arity, fn morphFunc) Metric {
	return Metric{Name: name, Arity: arity, Unit: UnitFor(name), morph: fn}
}

// NeuriteCatalog is evaluated once per neurite type.
var NeuriteCatalog = []Metric{
	nm("max_radial_distance", Scalar, maxRadialDistance),
	nm("number_of_sections", Scalar, numberOfSections),
	nm("number_of_bifurcations", Scalar, numberOfBifurcations),
	nm("number_of_leaves", Scalar, numberOfLeaves),
	nm("total_length", Scalar, totalLength),
	nm("total_area", Scalar, totalArea),
	nm("total_volume", Scalar, totalVolume),
	nm("section_lengths", Distribution, sectionLengths),
	nm("section_term_lengths", Distribution, sectionTermLengths),
	nm("section_bif_lengths", Distribution, sectionBifLengths),
	nm("section_branch_orders", Distribution, sectionBranchOrders),
	nm("section_bif_branch_orders", Distribution, sectionBifBranchOrders),
	nm("section_term_branch_orders", Distribution, sectionTermBranchOrders),
	nm("section_path_distances", Distribution, sectionPathDistances),
	nm("section_taper_rates", Distribution, sectionTaperRates),
	nm("local_bifurcation_angles", Distribution, localBifurcationAngles),
	nm("remote_bifurcation_angles", Distribution, remoteBifurcationAngles),
	nm("partition_asymmetry", Distribution, partitionAsymmetry),
	nm("partition_asymmetry_length", Distribution, partitionAsymmetryLength),
	nm("sibling_ratios", Distribution, siblingRatios),
	nm("diameter_power_relations", Distribution, diameterPowerRelations),
	nm("section_radial_distances", Distribution, sectionRadialDistances),
	nm("section_term_radial_distances", Distribution, sectionTermRadialDistances),
	nm("section_bif_radial_distances", Distribution, sectionBifRadialDistances),
	nm("terminal_path_lengths", Distribution, terminalPathLengths),
	nm("section_volumes", Distribution, sectionVolumes),
	nm("section_areas", Distribution, sectionAreas),
	nm("section_tortuosity", Distribution, sectionTortuosity),
	nm("section_strahler_orders", Distribution, sectionStrahlerOrders),
}

// MorphologyCatalog is evaluated once per morphology. Names containing
// "soma" go to the Soma compartment, the rest to NeuronMorphology.
var MorphologyCatalog = []Metric{
	mm("soma_surface_area", Scalar, somaSurfaceArea),
	mm("soma_radius", Scalar, somaRadius),
	mm("max_radial_distance", Scalar, morphMaxRadialDistance),
	mm("number_of_sections_per_neurite", Distribution, numberOfSectionsPerNeurite),
	mm("total_length_per_neurite", Distribution, totalLengthPerNeurite),
	mm("total_area_per_neurite", Distribution, totalAreaPerNeurite),
	mm("total_height", Scalar, totalHeight),
	mm("total_width", Scalar, totalWidth),
	mm("total_depth", Scalar, totalDepth),
	mm("number_of_neurites", Scalar, numberOfNeurites),
}
