package features

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/BlueBrain/data-integration-pipelines-sub000/morphology"
)

// FeatureError reports a metric that failed to evaluate.
type FeatureError struct {
	Metric      string
	Compartment Compartment
	Msg         string
}

func (e *FeatureError) Error() string {
	return fmt.Sprintf("feature %s (%s): %s", e.Metric, e.Compartment, e.Msg)
}

// Feature is the evaluated output of one metric. Scalar metrics carry
// exactly one value.
type Feature struct {
	Name   string    `json:"name"`
	Arity  Arity     `json:"arity"`
	Unit   string    `json:"unit"`
	Values []float64 `json:"values"`
}

// Raw returns the value of a scalar feature.
func (f Feature) Raw() float64 {
	if len(f.Values) == 0 {
		return 0
	}
	return f.Values[0]
}

// Stats summarises a distribution feature.
func (f Feature) Stats() Stats {
	return Summarize(f.Values)
}

// CompartmentFeatures is the catalog output for one compartment.
type CompartmentFeatures struct {
	Compartment Compartment `json:"compartment"`
	Features    []Feature   `json:"features"`
}

// Get returns the named feature.
func (c CompartmentFeatures) Get(name string) (Feature, bool) {
	for _, f := range c.Features {
		if f.Name == name {
			return f, true
		}
	}
	return Feature{}, false
}

// Result is the catalog output for a morphology. Compartments without data
// are omitted.
type Result struct {
	Compartments []CompartmentFeatures `json:"compartments"`
	Errors       []*FeatureError       `json:"-"`
}

// Compartment returns the features of c.
func (r *Result) Compartment(c Compartment) (CompartmentFeatures, bool) {
	for _, cf := range r.Compartments {
		if cf.Compartment == c {
			return cf, true
		}
	}
	return CompartmentFeatures{}, false
}

// ErrorMessages renders the metric failures for a report.
func (r *Result) ErrorMessages() []string {
	out := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		out = append(out, e.Error())
	}
	return out
}

// Provider computes the feature catalog of a morphology.
type Provider interface {
	Compute(m *morphology.Morphology) (*Result, error)
}

// Catalog is the built-in Provider.
type Catalog struct {
	logger *slog.Logger
}

// NewCatalog creates the built-in feature provider.
func NewCatalog(logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{logger: logger}
}

// Compute evaluates every catalog metric. A metric that panics is dropped
// from its compartment and recorded in Result.Errors.
func (c *Catalog) Compute(m *morphology.Morphology) (*Result, error) {
	if m == nil {
		return nil, fmt.Errorf("compute features: nil morphology")
	}
	res := &Result{}

	var soma, whole CompartmentFeatures
	soma.Compartment = CompartmentSoma
	whole.Compartment = CompartmentNeuronMorphology
	for _, metric := range MorphologyCatalog {
		target := &whole
		if strings.Contains(metric.Name, "soma") {
			target = &soma
		}
		values, err := evaluate(metric, func() []float64 { return metric.morph(m) })
		if err != nil {
			res.addError(metric.Name, target.Compartment, err)
			continue
		}
		target.Features = append(target.Features, newFeature(metric, values))
	}
	if len(soma.Features) > 0 {
		res.Compartments = append(res.Compartments, soma)
	}

	for _, t := range morphology.NeuriteTypes {
		neurites := m.NeuritesByType(t)
		if len(neurites) == 0 {
			continue
		}
		comp, _ := CompartmentFor(t)
		sel := newSelection(m, neurites)
		cf := CompartmentFeatures{Compartment: comp}
		for _, metric := range NeuriteCatalog {
			values, err := evaluate(metric, func() []float64 { return metric.neurite(sel) })
			if err != nil {
				res.addError(metric.Name, comp, err)
				continue
			}
			cf.Features = append(cf.Features, newFeature(metric, values))
		}
		res.Compartments = append(res.Compartments, cf)
	}

	if len(whole.Features) > 0 {
		res.Compartments = append(res.Compartments, whole)
	}
	for _, e := range res.Errors {
		c.logger.Warn("Feature evaluation failed", "morphology", m.Name, "metric", e.Metric, "compartment", e.Compartment, "error", e.Msg)
	}
	return res, nil
}

func (r *Result) addError(metric string, comp Compartment, err error) {
	r.Errors = append(r.Errors, &FeatureError{Metric: metric, Compartment: comp, Msg: err.Error()})
}

func newFeature(metric Metric, values []float64) Feature {
	if values == nil {
		values = []float64{}
	}
	return Feature{Name: metric.Name, Arity: metric.Arity, Unit: metric.Unit, Values: values}
}

func evaluate(metric Metric, fn func() []float64) (values []float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	values = fn()
	if metric.Arity == Scalar && len(values) != 1 {
		return nil, fmt.Errorf("scalar metric produced %d values", len(values))
	}
	return values, nil
}
