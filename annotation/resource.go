// Package annotation builds the feature, quality, batch and curation
// annotations of morphologies and plans how to reconcile them with the
// annotations already in the graph.
package annotation

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/BlueBrain/data-integration-pipelines-sub000/nexus"
	"github.com/BlueBrain/data-integration-pipelines-sub000/vocabulary/neuro"
)

// Ref is a JSON-LD reference.
type Ref struct {
	ID    string   `json:"@id" validate:"required"`
	Type  []string `json:"@type,omitempty"`
	Label string   `json:"label,omitempty"`
}

// Source is the annotated resource at the revision the annotation was
// computed from.
type Source struct {
	ID   string   `json:"@id" validate:"required"`
	Type []string `json:"@type,omitempty"`
	Rev  int      `json:"_rev" validate:"gte=1"`
}

// Target wraps the annotated resource.
type Target struct {
	Type      string `json:"@type"`
	HasSource Source `json:"hasSource"`
}

// Contribution credits an agent.
type Contribution struct {
	Type  string `json:"@type"`
	Agent Ref    `json:"agent"`
}

// SoftwareAgent identifies the toolkit that computed an annotation.
type SoftwareAgent struct {
	ID      string   `json:"@id" validate:"required"`
	Type    []string `json:"@type"`
	Name    string   `json:"name" validate:"required"`
	Version string   `json:"softwareVersion" validate:"required"`
}

// Activity is the computation that generated an annotation.
type Activity struct {
	ID                string          `json:"@id" validate:"required"`
	Type              []string        `json:"@type"`
	StartedAt         time.Time       `json:"startedAtTime" validate:"required"`
	EndedAt           time.Time       `json:"endedAtTime" validate:"required,gtefield=StartedAt"`
	WasAssociatedWith []SoftwareAgent `json:"wasAssociatedWith" validate:"min=1,dive"`
}

// Generation links an annotation to its activity.
type Generation struct {
	Type     string   `json:"@type"`
	Activity Activity `json:"activity"`
}

// Envelope is shared by per-cell annotations.
type Envelope struct {
	ID            string          `json:"@id,omitempty"`
	Type          []string        `json:"@type" validate:"min=1"`
	Name          string          `json:"name" validate:"required"`
	HasTarget     Target          `json:"hasTarget"`
	BrainLocation json.RawMessage `json:"brainLocation,omitempty"`
	AtlasRelease  *Ref            `json:"atlasRelease,omitempty"`
	Contribution  []Contribution  `json:"contribution" validate:"min=1,dive"`
	Generation    Generation      `json:"generation"`
}

// FeatureAnnotation carries the metrics of one compartment.
type FeatureAnnotation struct {
	Envelope
	Compartment string        `json:"compartment" validate:"oneof=Soma Axon BasalDendrite ApicalDendrite NeuronMorphology"`
	HasBody     []Measurement `json:"hasBody" validate:"min=1"`
}

// QualityEntry is one check outcome of a quality annotation.
type QualityEntry struct {
	IsMeasurementOf Ref `json:"isMeasurementOf"`
	Value           any `json:"value"`
}

// QualityAnnotation carries the check and reconciliation outcomes of a cell.
type QualityAnnotation struct {
	Envelope
	HasBody []QualityEntry `json:"hasBody" validate:"min=1,dive"`
}

// DataDownload is an attachment of the batch resource.
type DataDownload struct {
	Type           string `json:"@type"`
	Name           string `json:"name" validate:"required"`
	EncodingFormat string `json:"encodingFormat"`
	ContentURL     string `json:"contentUrl" validate:"required"`
}

// BatchAnnotation groups the quality annotations of one run.
type BatchAnnotation struct {
	ID           string         `json:"@id,omitempty"`
	Type         []string       `json:"@type" validate:"min=1"`
	Name         string         `json:"name" validate:"required"`
	Morphologies []Ref          `json:"morphologies" validate:"dive"`
	HasPart      []Ref          `json:"hasPart,omitempty" validate:"dive"`
	Distribution []DataDownload `json:"distribution,omitempty" validate:"dive"`
	AtlasRelease *Ref           `json:"atlasRelease,omitempty"`
	Contribution []Contribution `json:"contribution" validate:"min=1,dive"`
	Generation   Generation     `json:"generation"`
}

// CurationAnnotation states whether a morphology is curated. It is embedded
// in the morphology's annotation list rather than stored on its own.
type CurationAnnotation struct {
	Type        []string `json:"@type"`
	HasBody     Ref      `json:"hasBody"`
	MotivatedBy Ref      `json:"motivatedBy"`
	Name        string   `json:"name"`
	Note        string   `json:"note,omitempty"`
}

// State returns the curation state IRI.
func (c CurationAnnotation) State() string { return c.HasBody.ID }

// Morphology is the annotated cell as read from the graph.
type Morphology struct {
	ID            string
	Name          string
	Types         []string
	Rev           int
	BrainLocation json.RawMessage
}

// MorphologyFromResource extracts the fields annotations copy from a cell.
func MorphologyFromResource(r nexus.Resource) Morphology {
	m := Morphology{
		ID:    r.ID(),
		Name:  r.Text("name"),
		Types: r.Types(),
		Rev:   r.Rev(),
	}
	if loc, ok := r["brainLocation"]; ok {
		if raw, err := json.Marshal(loc); err == nil {
			m.BrainLocation = raw
		}
	}
	return m
}

// DeclaredRegion returns the brain region declared on the cell.
func (m Morphology) DeclaredRegion() (Ref, bool) {
	var loc struct {
		BrainRegion Ref `json:"brainRegion"`
	}
	if len(m.BrainLocation) == 0 || json.Unmarshal(m.BrainLocation, &loc) != nil || loc.BrainRegion.ID == "" {
		return Ref{}, false
	}
	return loc.BrainRegion, true
}

func (m Morphology) target() Target {
	types := m.Types
	if len(types) == 0 {
		types = []string{neuro.TypeNeuronMorphology}
	}
	return Target{
		Type:      neuro.TypeAnnotationTarget,
		HasSource: Source{ID: m.ID, Type: types, Rev: m.Rev},
	}
}

// Coordinates returns the soma position recorded in the cell's brain
// location, if any.
func (m Morphology) Coordinates() (x, y, z float64, ok bool) {
	var loc struct {
		Coordinates map[string]any `json:"coordinatesInBrainAtlas"`
	}
	if len(m.BrainLocation) == 0 || json.Unmarshal(m.BrainLocation, &loc) != nil || loc.Coordinates == nil {
		return 0, 0, 0, false
	}
	var okX, okY, okZ bool
	x, okX = number(loc.Coordinates["valueX"])
	y, okY = number(loc.Coordinates["valueY"])
	z, okZ = number(loc.Coordinates["valueZ"])
	return x, y, z, okX && okY && okZ
}

func number(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	case map[string]any:
		return number(t["@value"])
	}
	return 0, false
}
