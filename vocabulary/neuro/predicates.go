package neuro

import "github.com/c360studio/semstreams/vocabulary"

// Annotation predicates for the triple mirror.
const (
	// AnnotationType is the annotation class (feature, quality, curation, batch).
	AnnotationType = "neuro.annotation.type"

	// AnnotationTarget is the id of the annotated morphology.
	AnnotationTarget = "neuro.annotation.target"

	// AnnotationTargetRev is the morphology revision the annotation was computed from.
	AnnotationTargetRev = "neuro.annotation.target_rev"

	// AnnotationCompartment is the compartment of a feature annotation.
	AnnotationCompartment = "neuro.annotation.compartment"

	// AnnotationCuration is the curation state IRI.
	AnnotationCuration = "neuro.annotation.curation"

	// AnnotationNote is the curation note listing failed checks.
	AnnotationNote = "neuro.annotation.note"

	// AnnotationOperation is the write performed (create, update, deprecate).
	AnnotationOperation = "neuro.annotation.operation"
)

// Run predicates.
const (
	// RunID identifies the computation run that produced an annotation.
	RunID = "neuro.run.id"

	// RunAgent is the software agent IRI of the run.
	RunAgent = "neuro.run.agent"
)

func init() {
	vocabulary.Register(AnnotationType,
		vocabulary.WithDescription("Annotation class: feature, quality measurement, batch or curation"),
		vocabulary.WithDataType("string"),
		vocabulary.WithIRI(Namespace+"annotationType"))

	vocabulary.Register(AnnotationTarget,
		vocabulary.WithDescription("Morphology the annotation describes"),
		vocabulary.WithDataType("entity_id"),
		vocabulary.WithIRI("http://www.w3.org/ns/oa#hasTarget"))

	vocabulary.Register(AnnotationTargetRev,
		vocabulary.WithDescription("Revision of the target at computation time"),
		vocabulary.WithDataType("int"),
		vocabulary.WithIRI(Namespace+"targetRevision"))

	vocabulary.Register(AnnotationCompartment,
		vocabulary.WithDescription("Compartment a feature annotation is keyed by"),
		vocabulary.WithDataType("string"),
		vocabulary.WithIRI(Namespace+"compartment"))

	vocabulary.Register(AnnotationCuration,
		vocabulary.WithDescription("Curation state: Curated or Unassessed"),
		vocabulary.WithDataType("string"),
		vocabulary.WithIRI(Namespace+"curationState"))

	vocabulary.Register(AnnotationNote,
		vocabulary.WithDescription("Rationale attached to an Unassessed curation"),
		vocabulary.WithDataType("string"),
		vocabulary.WithIRI("http://www.w3.org/2004/02/skos/core#note"))

	vocabulary.Register(AnnotationOperation,
		vocabulary.WithDescription("Graph write performed: create, update or deprecate"),
		vocabulary.WithDataType("string"),
		vocabulary.WithIRI(Namespace+"operation"))

	vocabulary.Register(RunID,
		vocabulary.WithDescription("Computation run identifier"),
		vocabulary.WithDataType("string"),
		vocabulary.WithIRI("http://www.w3.org/ns/prov#wasGeneratedBy"))

	vocabulary.Register(RunAgent,
		vocabulary.WithDescription("Software agent that computed the annotation"),
		vocabulary.WithDataType("string"),
		vocabulary.WithIRI("http://www.w3.org/ns/prov#wasAssociatedWith"))
}
