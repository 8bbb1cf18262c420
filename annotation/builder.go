package annotation

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BlueBrain/data-integration-pipelines-sub000/atlas"
	"github.com/BlueBrain/data-integration-pipelines-sub000/checks"
	"github.com/BlueBrain/data-integration-pipelines-sub000/features"
	"github.com/BlueBrain/data-integration-pipelines-sub000/reconcile"
	"github.com/BlueBrain/data-integration-pipelines-sub000/vocabulary/neuro"
)

// Annotation kinds, used in plans and schema errors.
const (
	KindFeature  = "feature"
	KindQuality  = "quality"
	KindBatch    = "batch"
	KindCuration = "curation"
)

// Traversal measurement names.
const (
	MetricTraversed       = "traversedBrainRegion"
	MetricProjection      = "projectionBrainRegion"
	MetricCumulatedLength = "cumulatedLength"
	MetricOutsideBrain    = "outsideBrain"
)

// Provenance is what every written annotation records about its origin.
type Provenance struct {
	// Agent is the IRI of the authenticated user.
	Agent        string
	Software     SoftwareAgent
	Started      time.Time
	Ended        time.Time
	AtlasRelease *Ref
}

// NewSoftwareAgent describes this toolkit.
func NewSoftwareAgent(name, version string) SoftwareAgent {
	return SoftwareAgent{
		ID:      neuro.Namespace + "software/" + name,
		Type:    []string{"Agent", neuro.TypeSoftwareAgent},
		Name:    name,
		Version: version,
	}
}

// Builder turns computed payloads into annotation resources.
type Builder struct {
	prov     Provenance
	idBase   string
	activity string
	newID    func() string
}

// NewBuilder creates a builder. New resources get ids under idBase.
func NewBuilder(prov Provenance, idBase string) *Builder {
	if !strings.HasSuffix(idBase, "/") {
		idBase += "/"
	}
	return &Builder{
		prov:     prov,
		idBase:   idBase,
		activity: idBase + uuid.NewString(),
		newID:    uuid.NewString,
	}
}

// NewID mints an id for a resource to create.
func (b *Builder) NewID() string {
	return b.idBase + b.newID()
}

func (b *Builder) contribution() []Contribution {
	return []Contribution{{
		Type:  neuro.TypeContribution,
		Agent: Ref{ID: b.prov.Agent, Type: []string{"Agent", "Person"}},
	}}
}

func (b *Builder) generation() Generation {
	ended := b.prov.Ended
	if ended.IsZero() {
		ended = b.prov.Started
	}
	return Generation{
		Type: neuro.TypeGeneration,
		Activity: Activity{
			ID:                b.activity,
			Type:              []string{"Activity"},
			StartedAt:         b.prov.Started.UTC(),
			EndedAt:           ended.UTC(),
			WasAssociatedWith: []SoftwareAgent{b.prov.Software},
		},
	}
}

func (b *Builder) envelope(m Morphology, types []string, name string) Envelope {
	return Envelope{
		ID:            b.NewID(),
		Type:          types,
		Name:          name,
		HasTarget:     m.target(),
		BrainLocation: m.BrainLocation,
		AtlasRelease:  b.prov.AtlasRelease,
		Contribution:  b.contribution(),
		Generation:    b.generation(),
	}
}

// Features builds one annotation per compartment of res. Neurite
// compartments also carry their region traversal when available.
func (b *Builder) Features(m Morphology, res *features.Result, traversals []atlas.Traversal) ([]*FeatureAnnotation, error) {
	byCompartment := make(map[features.Compartment]atlas.Traversal, len(traversals))
	for _, t := range traversals {
		if c, ok := features.CompartmentFor(t.Type); ok {
			byCompartment[c] = t
		}
	}

	out := make([]*FeatureAnnotation, 0, len(res.Compartments))
	for _, cf := range res.Compartments {
		body := make([]Measurement, 0, len(cf.Features)+4)
		for _, f := range cf.Features {
			body = append(body, FromFeature(f))
		}
		if t, ok := byCompartment[cf.Compartment]; ok {
			body = append(body, traversalBody(t)...)
		}
		ann := &FeatureAnnotation{
			Envelope: b.envelope(m,
				[]string{neuro.TypeFeatureAnnotation, neuro.TypeAnnotation},
				fmt.Sprintf("%s feature annotation of %s", cf.Compartment, m.Name)),
			Compartment: string(cf.Compartment),
			HasBody:     body,
		}
		if err := Validate(KindFeature, ann); err != nil {
			return nil, err
		}
		out = append(out, ann)
	}
	return out, nil
}

func traversalBody(t atlas.Traversal) []Measurement {
	return []Measurement{
		BrainRegionCount{Metric: MetricTraversed, Counts: t.Traversed},
		BrainRegionCount{Metric: MetricProjection, Counts: t.Projection},
		RawScalar{Metric: MetricCumulatedLength, Value: t.CumulatedLength, Unit: features.UnitMicrometer},
		RawScalar{Metric: MetricOutsideBrain, Value: t.OutsideBrain, Unit: features.UnitDimensionless},
	}
}

// Quality builds the quality annotation of a cell. rec may be nil when the
// region reconciliation did not run.
func (b *Builder) Quality(m Morphology, rep *checks.Report, rec *reconcile.Row) (*QualityAnnotation, error) {
	body := make([]QualityEntry, 0, len(rep.Results)+8)
	for _, r := range rep.Results {
		body = append(body, QualityEntry{
			IsMeasurementOf: Ref{ID: r.Check.URI, Label: r.Check.Label},
			Value:           r.AnnotationValue(),
		})
	}
	if rec != nil {
		body = append(body, reconciliationBody(rec)...)
	}

	ann := &QualityAnnotation{
		Envelope: b.envelope(m,
			[]string{neuro.TypeQualityAnnotation, neuro.TypeAnnotation},
			"Quality measurement annotation of "+m.Name),
		HasBody: body,
	}
	if err := Validate(KindQuality, ann); err != nil {
		return nil, err
	}
	return ann, nil
}

func reconciliationBody(rec *reconcile.Row) []QualityEntry {
	var out []QualityEntry
	for _, c := range rec.Comparisons {
		if !c.Available {
			continue
		}
		id := c.Source + "_soma_in_" + c.Reference + "_region"
		out = append(out, QualityEntry{
			IsMeasurementOf: Ref{ID: neuro.CheckIRI(id), Label: strings.ReplaceAll(id, "_", " ")},
			Value:           c.Agrees(),
		})
	}
	out = append(out, QualityEntry{
		IsMeasurementOf: Ref{ID: neuro.CheckIRI("neighbour_agrees"), Label: "neighbour agrees"},
		Value:           rec.NeighbourAgrees,
	})
	return out
}

// Batch builds the run's batch resource.
func (b *Builder) Batch(name string, cells []Morphology, qualities []*QualityAnnotation, files []DataDownload) (*BatchAnnotation, error) {
	ann := &BatchAnnotation{
		ID:           b.NewID(),
		Type:         []string{neuro.TypeBatchQualityAnnotation, neuro.TypeAnnotation},
		Name:         name,
		Morphologies: make([]Ref, 0, len(cells)),
		Distribution: files,
		AtlasRelease: b.prov.AtlasRelease,
		Contribution: b.contribution(),
		Generation:   b.generation(),
	}
	for _, c := range cells {
		ann.Morphologies = append(ann.Morphologies, Ref{ID: c.ID, Label: c.Name})
	}
	for _, q := range qualities {
		ann.HasPart = append(ann.HasPart, Ref{ID: q.ID, Type: []string{neuro.TypeQualityAnnotation}})
	}
	if err := Validate(KindBatch, ann); err != nil {
		return nil, err
	}
	return ann, nil
}
