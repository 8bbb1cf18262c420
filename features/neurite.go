package features

import (
	"math"

	"github.com/golang/geo/r3"

	"github.com/BlueBrain/data-integration-pipelines-sub000/morphology"
)

// selection is the set of neurites a neurite metric is evaluated over,
// with per-section values memoised across metrics.
type selection struct {
	m        *morphology.Morphology
	neurites []morphology.Neurite
	sections []*morphology.Section

	lengths      map[int]float64
	pathEnd      map[int]float64
	leafCount    map[int]int
	subtreeLen   map[int]float64
	neuriteLen   map[int]float64
	neuriteStart map[int]r3.Vector
}

func newSelection(m *morphology.Morphology, neurites []morphology.Neurite) *selection {
	v := &selection{
		m:            m,
		neurites:     neurites,
		lengths:      make(map[int]float64),
		pathEnd:      make(map[int]float64),
		leafCount:    make(map[int]int),
		subtreeLen:   make(map[int]float64),
		neuriteLen:   make(map[int]float64),
		neuriteStart: make(map[int]r3.Vector),
	}
	for _, n := range neurites {
		var total float64
		for _, id := range n.Sections {
			s := m.Section(id)
			l := m.SectionLength(s)
			v.sections = append(v.sections, s)
			v.lengths[id] = l
			total += l
		}
		geo := m.Geometry(m.Section(n.Root))
		start := r3.Vector{}
		if len(geo) > 0 {
			start = geo[0].Pos
		}
		for _, id := range n.Sections {
			v.neuriteLen[id] = total
			v.neuriteStart[id] = start
		}
		// Sections are numbered depth first, so parents precede children
		// and children follow their parent within n.Sections.
		for _, id := range n.Sections {
			s := m.Section(id)
			base := 0.0
			if id != n.Root {
				base = v.pathEnd[s.Parent]
			}
			v.pathEnd[id] = base + v.lengths[id]
		}
		for i := len(n.Sections) - 1; i >= 0; i-- {
			id := n.Sections[i]
			s := m.Section(id)
			leaves := 0
			length := v.lengths[id]
			if s.IsLeaf() {
				leaves = 1
			}
			for _, c := range s.Children {
				leaves += v.leafCount[c]
				length += v.subtreeLen[c]
			}
			v.leafCount[id] = leaves
			v.subtreeLen[id] = length
		}
	}
	return v
}

func (v *selection) filter(keep func(*morphology.Section) bool) []*morphology.Section {
	var out []*morphology.Section
	for _, s := range v.sections {
		if keep(s) {
			out = append(out, s)
		}
	}
	return out
}

func (v *selection) mapSections(secs []*morphology.Section, fn func(*morphology.Section) float64) []float64 {
	out := make([]float64, 0, len(secs))
	for _, s := range secs {
		out = append(out, fn(s))
	}
	return out
}

func isLeaf(s *morphology.Section) bool { return s.IsLeaf() }

func isBifurcation(s *morphology.Section) bool { return len(s.Children) == 2 }

func (v *selection) endPoint(s *morphology.Section) r3.Vector {
	geo := v.m.Geometry(s)
	return geo[len(geo)-1].Pos
}

func maxRadialDistance(v *selection) []float64 {
	center := v.m.Soma().Center
	var max float64
	for _, s := range v.filter(isLeaf) {
		if d := v.endPoint(s).Sub(center).Norm(); d > max {
			max = d
		}
	}
	return []float64{max}
}

func numberOfSections(v *selection) []float64 {
	return []float64{float64(len(v.sections))}
}

func numberOfBifurcations(v *selection) []float64 {
	return []float64{float64(len(v.filter(isBifurcation)))}
}

func numberOfLeaves(v *selection) []float64 {
	return []float64{float64(len(v.filter(isLeaf)))}
}

func totalLength(v *selection) []float64 {
	var total float64
	for _, s := range v.sections {
		total += v.lengths[s.ID]
	}
	return []float64{total}
}

func totalArea(v *selection) []float64 {
	var total float64
	for _, a := range sectionAreas(v) {
		total += a
	}
	return []float64{total}
}

func totalVolume(v *selection) []float64 {
	var total float64
	for _, vol := range sectionVolumes(v) {
		total += vol
	}
	return []float64{total}
}

func (v *selection) length(s *morphology.Section) float64 { return v.lengths[s.ID] }

func sectionLengths(v *selection) []float64 {
	return v.mapSections(v.sections, v.length)
}

func sectionTermLengths(v *selection) []float64 {
	return v.mapSections(v.filter(isLeaf), v.length)
}

func sectionBifLengths(v *selection) []float64 {
	return v.mapSections(v.filter(isBifurcation), v.length)
}

func (v *selection) branchOrder(s *morphology.Section) float64 {
	return float64(v.m.BranchOrder(s))
}

func sectionBranchOrders(v *selection) []float64 {
	return v.mapSections(v.sections, v.branchOrder)
}

func sectionBifBranchOrders(v *selection) []float64 {
	return v.mapSections(v.filter(isBifurcation), v.branchOrder)
}

func sectionTermBranchOrders(v *selection) []float64 {
	return v.mapSections(v.filter(isLeaf), v.branchOrder)
}

func (v *selection) pathDistance(s *morphology.Section) float64 { return v.pathEnd[s.ID] }

func sectionPathDistances(v *selection) []float64 {
	return v.mapSections(v.sections, v.pathDistance)
}

func terminalPathLengths(v *selection) []float64 {
	return v.mapSections(v.filter(isLeaf), v.pathDistance)
}

// sectionTaperRates fits diameter against path distance along each section
// and reports the slope.
func sectionTaperRates(v *selection) []float64 {
	return v.mapSections(v.sections, func(s *morphology.Section) float64 {
		geo := v.m.Geometry(s)
		if len(geo) < 2 {
			return 0
		}
		xs := make([]float64, len(geo))
		ys := make([]float64, len(geo))
		for i, p := range geo {
			if i > 0 {
				xs[i] = xs[i-1] + p.Pos.Sub(geo[i-1].Pos).Norm()
			}
			ys[i] = 2 * p.Radius
		}
		return slope(xs, ys)
	})
}

func slope(xs, ys []float64) float64 {
	n := float64(len(xs))
	var sx, sy, sxx, sxy float64
	for i := range xs {
		sx += xs[i]
		sy += ys[i]
		sxx += xs[i] * xs[i]
		sxy += xs[i] * ys[i]
	}
	den := n*sxx - sx*sx
	if den == 0 {
		return 0
	}
	return (n*sxy - sx*sy) / den
}

// firstDirection returns the first non-degenerate segment of a child
// section leaving its junction point.
func (v *selection) firstDirection(s *morphology.Section) (r3.Vector, morphology.Point) {
	geo := v.m.Geometry(s)
	start := geo[0]
	for _, p := range geo[1:] {
		if d := p.Pos.Sub(start.Pos); d.Norm() > 0 {
			return d, p
		}
	}
	return r3.Vector{}, start
}

func angleBetween(a, b r3.Vector) float64 {
	if a.Norm() == 0 || b.Norm() == 0 {
		return 0
	}
	return float64(a.Angle(b))
}

func localBifurcationAngles(v *selection) []float64 {
	return v.mapSections(v.filter(isBifurcation), func(s *morphology.Section) float64 {
		d0, _ := v.firstDirection(v.m.Section(s.Children[0]))
		d1, _ := v.firstDirection(v.m.Section(s.Children[1]))
		return angleBetween(d0, d1)
	})
}

func remoteBifurcationAngles(v *selection) []float64 {
	return v.mapSections(v.filter(isBifurcation), func(s *morphology.Section) float64 {
		origin := v.endPoint(s)
		e0 := v.endPoint(v.m.Section(s.Children[0])).Sub(origin)
		e1 := v.endPoint(v.m.Section(s.Children[1])).Sub(origin)
		return angleBetween(e0, e1)
	})
}

func partitionAsymmetry(v *selection) []float64 {
	return v.mapSections(v.filter(isBifurcation), func(s *morphology.Section) float64 {
		n0 := float64(v.leafCount[s.Children[0]])
		n1 := float64(v.leafCount[s.Children[1]])
		if n0+n1 <= 2 {
			return 0
		}
		return math.Abs(n0-n1) / (n0 + n1 - 2)
	})
}

func partitionAsymmetryLength(v *selection) []float64 {
	return v.mapSections(v.filter(isBifurcation), func(s *morphology.Section) float64 {
		total := v.neuriteLen[s.ID]
		if total == 0 {
			return 0
		}
		return math.Abs(v.subtreeLen[s.Children[0]]-v.subtreeLen[s.Children[1]]) / total
	})
}

func (v *selection) childRadius(id int) float64 {
	_, p := v.firstDirection(v.m.Section(id))
	return p.Radius
}

func siblingRatios(v *selection) []float64 {
	return v.mapSections(v.filter(isBifurcation), func(s *morphology.Section) float64 {
		r0, r1 := v.childRadius(s.Children[0]), v.childRadius(s.Children[1])
		hi := math.Max(r0, r1)
		if hi == 0 {
			return 0
		}
		return math.Min(r0, r1) / hi
	})
}

func diameterPowerRelations(v *selection) []float64 {
	return v.mapSections(v.filter(isBifurcation), func(s *morphology.Section) float64 {
		geo := v.m.Geometry(s)
		parent := geo[len(geo)-1].Radius
		if parent == 0 {
			return 0
		}
		r0, r1 := v.childRadius(s.Children[0]), v.childRadius(s.Children[1])
		return math.Pow(r0/parent, 1.5) + math.Pow(r1/parent, 1.5)
	})
}

func (v *selection) radialDistance(s *morphology.Section) float64 {
	return v.endPoint(s).Sub(v.neuriteStart[s.ID]).Norm()
}

func sectionRadialDistances(v *selection) []float64 {
	return v.mapSections(v.sections, v.radialDistance)
}

func sectionTermRadialDistances(v *selection) []float64 {
	return v.mapSections(v.filter(isLeaf), v.radialDistance)
}

func sectionBifRadialDistances(v *selection) []float64 {
	return v.mapSections(v.filter(isBifurcation), v.radialDistance)
}

func sectionVolumes(v *selection) []float64 {
	return v.mapSections(v.sections, func(s *morphology.Section) float64 {
		geo := v.m.Geometry(s)
		var total float64
		for i := 1; i < len(geo); i++ {
			total += morphology.FrustumVolume(geo[i-1], geo[i])
		}
		return total
	})
}

func sectionAreas(v *selection) []float64 {
	return v.mapSections(v.sections, func(s *morphology.Section) float64 {
		geo := v.m.Geometry(s)
		var total float64
		for i := 1; i < len(geo); i++ {
			total += morphology.FrustumArea(geo[i-1], geo[i])
		}
		return total
	})
}

func sectionTortuosity(v *selection) []float64 {
	return v.mapSections(v.sections, func(s *morphology.Section) float64 {
		geo := v.m.Geometry(s)
		chord := geo[len(geo)-1].Pos.Sub(geo[0].Pos).Norm()
		if chord == 0 {
			return 1
		}
		return v.lengths[s.ID] / chord
	})
}

func sectionStrahlerOrders(v *selection) []float64 {
	orders := make(map[int]int, len(v.sections))
	for i := len(v.sections) - 1; i >= 0; i-- {
		s := v.sections[i]
		if s.IsLeaf() {
			orders[s.ID] = 1
			continue
		}
		max, count := 0, 0
		for _, c := range s.Children {
			switch o := orders[c]; {
			case o > max:
				max, count = o, 1
			case o == max:
				count++
			}
		}
		if count > 1 {
			max++
		}
		orders[s.ID] = max
	}
	return v.mapSections(v.sections, func(s *morphology.Section) float64 {
		return float64(orders[s.ID])
	})
}
