package annotation

import (
	"strings"

	"github.com/BlueBrain/data-integration-pipelines-sub000/checks"
	"github.com/BlueBrain/data-integration-pipelines-sub000/nexus"
	"github.com/BlueBrain/data-integration-pipelines-sub000/vocabulary/neuro"
)

// CurationName is the name of every curation annotation.
const CurationName = "Morphology quality annotation"

// NoteNotComputed is the note of the default curation annotation.
const NoteNotComputed = "checks could not be computed"

func newCuration(state, note string) CurationAnnotation {
	return CurationAnnotation{
		Type:        []string{neuro.TypeCurationAnnotation, neuro.TypeAnnotation},
		HasBody:     Ref{ID: state, Label: neuro.CuratedLabel(state)},
		MotivatedBy: Ref{ID: neuro.QualityAssessment},
		Name:        CurationName,
		Note:        note,
	}
}

// Curation derives the desired curation state from a check report: Curated
// when every boolean check passed, Unassessed with the failing check labels
// otherwise.
func Curation(rep *checks.Report) CurationAnnotation {
	failed := rep.FailedLabels()
	if len(failed) == 0 {
		return newCuration(neuro.Curated, "")
	}
	return newCuration(neuro.Unassessed, "Failed checks: "+strings.Join(failed, ", "))
}

// DefaultCuration is applied to cells whose checks could not be computed.
func DefaultCuration() CurationAnnotation {
	return newCuration(neuro.Unassessed, NoteNotComputed)
}

// isCurationEntry reports whether an embedded annotation is curation
// related.
func isCurationEntry(a map[string]any) bool {
	for _, t := range nexus.Strings(a["@type"]) {
		if t == neuro.TypeCurationAnnotation {
			return true
		}
	}
	if ref, ok := a["motivatedBy"].(map[string]any); ok && ref["@id"] == neuro.QualityAssessment {
		return true
	}
	if body, ok := a["hasBody"].(map[string]any); ok {
		switch body["@id"] {
		case neuro.Curated, neuro.Unassessed:
			return true
		}
	}
	return false
}

// CurrentCuration returns the curation state embedded in a morphology's
// annotation list, "" when none.
func CurrentCuration(annotations []map[string]any) string {
	for _, a := range annotations {
		if !isCurationEntry(a) {
			continue
		}
		if body, ok := a["hasBody"].(map[string]any); ok {
			if id, ok := body["@id"].(string); ok {
				return id
			}
		}
	}
	return ""
}
