package neuro

import (
	"fmt"
	"strings"
)

// Namespace is the neuroshapes base IRI.
const Namespace = "https://neuroshapes.org/"

// StructureNamespace prefixes Allen brain-region identifiers.
const StructureNamespace = "http://api.brain-map.org/api/v2/data/Structure/"

// Annotation classes.
const (
	TypeAnnotation              = "Annotation"
	TypeFeatureAnnotation       = "MorphologyFeatureAnnotation"
	TypeQualityAnnotation       = "QualityMeasurementAnnotation"
	TypeBatchQualityAnnotation  = "BatchQualityMeasurementAnnotation"
	TypeCurationAnnotation      = "QualityAnnotation"
	TypeNeuronMorphology        = "NeuronMorphology"
	TypeReconstructedMorphology = "ReconstructedNeuronMorphology"
	TypeAnnotationTarget        = "AnnotationTarget"
	TypeMeasurement             = "Measurement"
	TypeSeries                  = "Series"
	TypeContribution            = "Contribution"
	TypeGeneration              = "Generation"
	TypeSoftwareAgent           = "SoftwareAgent"
	TypeBrainAtlasRelease       = "BrainAtlasRelease"
)

// Curation states.
const (
	Curated    = Namespace + "Curated"
	Unassessed = Namespace + "Unassessed"

	// QualityAssessment is the motivation of curation annotations.
	QualityAssessment = Namespace + "qualityAssessment"
)

// Schemas the writer constrains resources with.
const (
	SchemaAnnotation = Namespace + "dash/annotation"
	SchemaMorphology = Namespace + "dash/neuronmorphology"
)

// CuratedLabel returns the body label of a curation state IRI.
func CuratedLabel(iri string) string {
	return strings.TrimPrefix(iri, Namespace)
}

// CheckIRI builds the metric IRI of a validity check from its identifier,
// e.g. "has_no_z_jumps" becomes neuroshapes "HasNoZJumps".
func CheckIRI(id string) string {
	var sb strings.Builder
	sb.WriteString(Namespace)
	for _, part := range strings.Split(id, "_") {
		if part == "" {
			continue
		}
		sb.WriteString(strings.ToUpper(part[:1]))
		sb.WriteString(part[1:])
	}
	return sb.String()
}

// MetricIRI builds the IRI of a feature metric.
func MetricIRI(name string) string {
	return CheckIRI(name)
}

// RegionIRI returns the Allen structure IRI of a region id.
func RegionIRI(id int64) string {
	return fmt.Sprintf("%s%d", StructureNamespace, id)
}
