package atlas

import (
	"sort"

	"github.com/BlueBrain/data-integration-pipelines-sub000/morphology"
)

// RegionCount is the number of observations that fell in one region.
type RegionCount struct {
	Region int64 `json:"region"`
	Count  int   `json:"count"`
}

// Traversal is the per-compartment aggregation of point lookups.
type Traversal struct {
	Type            morphology.Type `json:"-"`
	Traversed       []RegionCount   `json:"traversedBrainRegion"`
	Projection      []RegionCount   `json:"projectionBrainRegion"`
	CumulatedLength float64         `json:"cumulatedLength"`
	OutsideBrain    bool            `json:"outsideBrain"`
}

type coord struct{ x, y, z float64 }

// Traverse probes every neurite point of m. Points are deduplicated by exact
// coordinates across the whole morphology; each leaf section additionally
// contributes its last point to the projection counts. The result has one
// entry per neurite type present, in axon, basal, apical order.
func (a *Atlas) Traverse(m *morphology.Morphology) ([]Traversal, error) {
	seen := make(map[coord]struct{}, len(m.Points))
	var out []Traversal

	for _, t := range morphology.NeuriteTypes {
		sections := m.SectionsByType(t)
		if len(sections) == 0 {
			continue
		}
		traversed := make(map[int64]int)
		projection := make(map[int64]int)
		tr := Traversal{Type: t}

		for _, s := range sections {
			geo := m.Geometry(s)
			tr.CumulatedLength += morphology.PathLength(geo)
			for _, p := range geo {
				key := coord{p.Pos.X, p.Pos.Y, p.Pos.Z}
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
				obs, err := a.Observe(p.Pos)
				if err != nil {
					return nil, err
				}
				if a.countable(obs, m.Name, p.ID) {
					traversed[obs.Region]++
				}
			}
			if !s.IsLeaf() {
				continue
			}
			last := geo[len(geo)-1]
			obs, err := a.Observe(last.Pos)
			if err != nil {
				return nil, err
			}
			if obs.Kind == Outside {
				tr.OutsideBrain = true
				continue
			}
			if a.countable(obs, m.Name, last.ID) {
				projection[obs.Region]++
			}
		}
		tr.Traversed = sortedCounts(traversed)
		tr.Projection = sortedCounts(projection)
		out = append(out, tr)
	}
	return out, nil
}

func (a *Atlas) countable(obs Observation, cell string, point int64) bool {
	switch obs.Kind {
	case InsideKnown:
		return true
	case InsideUnknown:
		a.logger.Warn("Point maps to a region absent from the ontology",
			"atlas", a.Name, "morphology", cell, "point", point, "region", obs.Region)
	}
	return false
}

func sortedCounts(counts map[int64]int) []RegionCount {
	out := make([]RegionCount, 0, len(counts))
	for region, n := range counts {
		out = append(out, RegionCount{Region: region, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Region < out[j].Region })
	return out
}
