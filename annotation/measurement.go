package annotation

import (
	"encoding/json"

	"github.com/BlueBrain/data-integration-pipelines-sub000/atlas"
	"github.com/BlueBrain/data-integration-pipelines-sub000/features"
	"github.com/BlueBrain/data-integration-pipelines-sub000/vocabulary/neuro"
)

// Statistic names used in measurement series.
const (
	StatRaw    = "raw"
	StatMean   = "mean"
	StatMedian = "median"
	StatMin    = "minimum"
	StatMax    = "maximum"
	StatStd    = "standard deviation"
	StatCount  = "N"
)

// Measurement is one entry of a feature annotation body. The variants are
// RawScalar, Distribution and BrainRegionCount.
type Measurement interface {
	json.Marshaler
	// MetricName is the catalog name of the measured metric.
	MetricName() string
	isMeasurement()
}

// Series is one statistic of a measurement.
type Series struct {
	Statistic   string `json:"statistic"`
	Value       any    `json:"value"`
	Unit        string `json:"unit"`
	BrainRegion *Ref   `json:"brainRegion,omitempty"`
}

type measurementJSON struct {
	Type            string   `json:"@type"`
	IsMeasurementOf Ref      `json:"isMeasurementOf"`
	Series          []Series `json:"series"`
}

func metricRef(name string) Ref {
	return Ref{ID: neuro.MetricIRI(name), Label: name}
}

// RawScalar is a single-valued measurement.
type RawScalar struct {
	Metric string
	Value  any
	Unit   string
}

func (RawScalar) isMeasurement()       {}
func (m RawScalar) MetricName() string { return m.Metric }

func (m RawScalar) MarshalJSON() ([]byte, error) {
	return json.Marshal(measurementJSON{
		Type:            neuro.TypeMeasurement,
		IsMeasurementOf: metricRef(m.Metric),
		Series:          []Series{{Statistic: StatRaw, Value: m.Value, Unit: m.Unit}},
	})
}

// Distribution summarises a distribution-valued metric.
type Distribution struct {
	Metric string
	Stats  features.Stats
	Unit   string
}

func (Distribution) isMeasurement()       {}
func (m Distribution) MetricName() string { return m.Metric }

func (m Distribution) MarshalJSON() ([]byte, error) {
	s := m.Stats
	return json.Marshal(measurementJSON{
		Type:            neuro.TypeMeasurement,
		IsMeasurementOf: metricRef(m.Metric),
		Series: []Series{
			{Statistic: StatMean, Value: s.Mean, Unit: m.Unit},
			{Statistic: StatMedian, Value: s.Median, Unit: m.Unit},
			{Statistic: StatMin, Value: s.Min, Unit: m.Unit},
			{Statistic: StatMax, Value: s.Max, Unit: m.Unit},
			{Statistic: StatStd, Value: s.Std, Unit: m.Unit},
			{Statistic: StatCount, Value: s.Count, Unit: features.UnitDimensionless},
		},
	})
}

// BrainRegionCount lists how many observations fell in each region.
type BrainRegionCount struct {
	Metric string
	Counts []atlas.RegionCount
}

func (BrainRegionCount) isMeasurement()       {}
func (m BrainRegionCount) MetricName() string { return m.Metric }

func (m BrainRegionCount) MarshalJSON() ([]byte, error) {
	series := make([]Series, 0, len(m.Counts))
	for _, c := range m.Counts {
		series = append(series, Series{
			Statistic:   StatCount,
			Value:       c.Count,
			Unit:        features.UnitDimensionless,
			BrainRegion: &Ref{ID: neuro.RegionIRI(c.Region)},
		})
	}
	return json.Marshal(measurementJSON{
		Type:            neuro.TypeMeasurement,
		IsMeasurementOf: metricRef(m.Metric),
		Series:          series,
	})
}

// FromFeature converts a catalog feature into its measurement variant.
func FromFeature(f features.Feature) Measurement {
	if f.Arity == features.Distribution {
		return Distribution{Metric: f.Name, Stats: f.Stats(), Unit: f.Unit}
	}
	return RawScalar{Metric: f.Name, Value: f.Raw(), Unit: f.Unit}
}
