package neuro_test

import (
	"testing"

	"github.com/c360studio/semstreams/vocabulary"

	"github.com/BlueBrain/data-integration-pipelines-sub000/vocabulary/neuro"
)

func TestPredicatesRegistered(t *testing.T) {
	predicates := []string{
		neuro.AnnotationType,
		neuro.AnnotationTarget,
		neuro.AnnotationTargetRev,
		neuro.AnnotationCompartment,
		neuro.AnnotationCuration,
		neuro.AnnotationNote,
		neuro.AnnotationOperation,
		neuro.RunID,
		neuro.RunAgent,
	}

	for _, predicate := range predicates {
		t.Run(predicate, func(t *testing.T) {
			meta := vocabulary.GetPredicateMetadata(predicate)
			if meta == nil {
				t.Errorf("predicate %q not registered", predicate)
				return
			}
			if meta.Description == "" {
				t.Errorf("predicate %q missing description", predicate)
			}
		})
	}
}

func TestCheckIRI(t *testing.T) {
	tests := map[string]string{
		"has_no_z_jumps":     "https://neuroshapes.org/HasNoZJumps",
		"no_dangling_branch": "https://neuroshapes.org/NoDanglingBranch",
		"loadable":           "https://neuroshapes.org/Loadable",
	}
	for id, want := range tests {
		if got := neuro.CheckIRI(id); got != want {
			t.Errorf("CheckIRI(%q) = %q, want %q", id, got, want)
		}
	}
}

func TestRegionIRI(t *testing.T) {
	if got := neuro.RegionIRI(512); got != "http://api.brain-map.org/api/v2/data/Structure/512" {
		t.Errorf("RegionIRI(512) = %q", got)
	}
	if got := neuro.CuratedLabel(neuro.Curated); got != "Curated" {
		t.Errorf("CuratedLabel = %q", got)
	}
}
