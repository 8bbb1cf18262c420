package annotation

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/BlueBrain/data-integration-pipelines-sub000/nexus"
	"github.com/BlueBrain/data-integration-pipelines-sub000/vocabulary/neuro"
)

// FloatTolerance is the absolute difference under which two measurement
// values are considered equal.
const FloatTolerance = 1e-9

// OpKind is a graph write.
type OpKind int

// Write kinds.
const (
	OpCreate OpKind = iota
	OpUpdate
	OpDeprecate
)

func (k OpKind) String() string {
	switch k {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	default:
		return "deprecate"
	}
}

// Op is one planned write.
type Op struct {
	Kind    OpKind
	Of      string
	Cell    string
	ID      string
	Rev     int
	Schema  string
	Payload any
}

// Plan is the set of writes that brings the graph to the computed state.
// Creates and updates are kept apart so that they can be issued and
// reported separately.
type Plan struct {
	Creates    []Op
	Updates    []Op
	Deprecates []Op
	Unchanged  int
}

// Merge appends the writes of o.
func (p *Plan) Merge(o Plan) {
	p.Creates = append(p.Creates, o.Creates...)
	p.Updates = append(p.Updates, o.Updates...)
	p.Deprecates = append(p.Deprecates, o.Deprecates...)
	p.Unchanged += o.Unchanged
}

// Len returns the number of writes.
func (p *Plan) Len() int {
	return len(p.Creates) + len(p.Updates) + len(p.Deprecates)
}

func (p *Plan) add(op Op) {
	switch op.Kind {
	case OpCreate:
		p.Creates = append(p.Creates, op)
	case OpUpdate:
		p.Updates = append(p.Updates, op)
	default:
		p.Deprecates = append(p.Deprecates, op)
	}
}

// newestFirst orders resources by creation time, most recent first.
func newestFirst(rs []nexus.Resource) []nexus.Resource {
	out := append([]nexus.Resource(nil), rs...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt().After(out[j].CreatedAt())
	})
	return out
}

// survivor keeps the most recently created resource and plans the
// deprecation of the others.
func survivor(p *Plan, of, cell string, rs []nexus.Resource) nexus.Resource {
	if len(rs) == 0 {
		return nil
	}
	sorted := newestFirst(rs)
	for _, r := range sorted[1:] {
		p.add(Op{Kind: OpDeprecate, Of: of, Cell: cell, ID: r.ID(), Rev: r.Rev()})
	}
	return sorted[0]
}

// refresh plans an update of existing with the envelope and body of the
// computed annotation when the bodies differ.
func refresh(p *Plan, of, cell string, existing nexus.Resource, computed any, body any) error {
	same, err := bodiesEqual(existing["hasBody"], body)
	if err != nil {
		return err
	}
	if same {
		p.Unchanged++
		return nil
	}
	fresh, err := toMap(computed)
	if err != nil {
		return err
	}
	payload := existing.Payload()
	for _, k := range []string{"hasBody", "hasTarget", "contribution", "generation", "atlasRelease"} {
		if v, ok := fresh[k]; ok {
			payload[k] = v
		}
	}
	payload["@id"] = existing.ID()
	p.add(Op{Kind: OpUpdate, Of: of, Cell: cell, ID: existing.ID(), Rev: existing.Rev(), Schema: neuro.SchemaAnnotation, Payload: payload})
	return nil
}

// PlanFeatures matches computed feature annotations to existing ones by
// compartment. Matches are updated, the rest are created. Duplicate
// existing annotations of a compartment are deprecated.
func PlanFeatures(cell string, computed []*FeatureAnnotation, existing []nexus.Resource) (Plan, error) {
	var p Plan
	byCompartment := make(map[string][]nexus.Resource)
	for _, r := range existing {
		c := r.Text("compartment")
		byCompartment[c] = append(byCompartment[c], r)
	}
	for _, ann := range computed {
		match := survivor(&p, KindFeature, cell, byCompartment[ann.Compartment])
		if match == nil {
			p.add(Op{Kind: OpCreate, Of: KindFeature, Cell: cell, ID: ann.ID, Schema: neuro.SchemaAnnotation, Payload: ann})
			continue
		}
		if err := refresh(&p, KindFeature, cell, match, ann, ann.HasBody); err != nil {
			return Plan{}, fmt.Errorf("plan %s feature annotation: %w", ann.Compartment, err)
		}
	}
	return p, nil
}

// PlanQuality keeps the most recently created quality annotation of the
// cell, deprecates the others and updates the survivor. Without an
// existing annotation one is created. computed takes the id of the
// survivor so that the batch refers to the resource actually kept.
func PlanQuality(cell string, computed *QualityAnnotation, existing []nexus.Resource) (Plan, error) {
	var p Plan
	match := survivor(&p, KindQuality, cell, existing)
	if match == nil {
		p.add(Op{Kind: OpCreate, Of: KindQuality, Cell: cell, ID: computed.ID, Schema: neuro.SchemaAnnotation, Payload: computed})
		return p, nil
	}
	computed.ID = match.ID()
	if err := refresh(&p, KindQuality, cell, match, computed, computed.HasBody); err != nil {
		return Plan{}, fmt.Errorf("plan quality annotation: %w", err)
	}
	return p, nil
}

// PlanCuration replaces the curation entries embedded in the morphology
// when they differ from the desired state. The morphology keeps exactly one
// curation entry.
func PlanCuration(cell string, desired CurationAnnotation, morph nexus.Resource) (Plan, error) {
	var p Plan
	annotations := nexus.Objects(morph["annotation"])
	var current, others []map[string]any
	for _, a := range annotations {
		if isCurationEntry(a) {
			current = append(current, a)
		} else {
			others = append(others, a)
		}
	}

	want, err := toMap(desired)
	if err != nil {
		return Plan{}, fmt.Errorf("plan curation: %w", err)
	}
	if len(current) == 1 {
		same, err := bodiesEqual(current[0], want)
		if err != nil {
			return Plan{}, fmt.Errorf("plan curation: %w", err)
		}
		if same {
			p.Unchanged++
			return p, nil
		}
	}

	list := make([]any, 0, len(others)+1)
	for _, a := range others {
		list = append(list, a)
	}
	list = append(list, want)
	payload := morph.Payload()
	payload["annotation"] = list
	p.add(Op{Kind: OpUpdate, Of: KindCuration, Cell: cell, ID: morph.ID(), Rev: morph.Rev(), Payload: payload})
	return p, nil
}

// PlanBatch updates the batch of the same name or creates it.
func PlanBatch(computed *BatchAnnotation, existing []nexus.Resource) (Plan, error) {
	var p Plan
	var named []nexus.Resource
	for _, r := range existing {
		if r.Text("name") == computed.Name {
			named = append(named, r)
		}
	}
	match := survivor(&p, KindBatch, "", named)
	if match == nil {
		p.add(Op{Kind: OpCreate, Of: KindBatch, ID: computed.ID, Schema: neuro.SchemaAnnotation, Payload: computed})
		return p, nil
	}
	payload, err := toMap(computed)
	if err != nil {
		return Plan{}, fmt.Errorf("plan batch: %w", err)
	}
	payload["@id"] = match.ID()
	p.add(Op{Kind: OpUpdate, Of: KindBatch, ID: match.ID(), Rev: match.Rev(), Schema: neuro.SchemaAnnotation, Payload: payload})
	return p, nil
}

func toMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}

func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	return out, nil
}

// bodiesEqual compares two JSON values after normalisation, with numbers
// equal within FloatTolerance.
func bodiesEqual(a, b any) (bool, error) {
	na, err := normalize(a)
	if err != nil {
		return false, err
	}
	nb, err := normalize(b)
	if err != nil {
		return false, err
	}
	return jsonEqual(na, nb), nil
}

func jsonEqual(a, b any) bool {
	switch x := a.(type) {
	case map[string]any:
		y, ok := b.(map[string]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for k, v := range x {
			w, ok := y[k]
			if !ok || !jsonEqual(v, w) {
				return false
			}
		}
		return true
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !jsonEqual(x[i], y[i]) {
				return false
			}
		}
		return true
	case float64:
		y, ok := b.(float64)
		return ok && math.Abs(x-y) <= FloatTolerance
	default:
		return a == b
	}
}
