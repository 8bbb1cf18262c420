package checks

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/BlueBrain/data-integration-pipelines-sub000/morphology"
)

// Thresholds parameterise the geometric checks.
type Thresholds struct {
	ZJump                   float64 `yaml:"z_jump"`
	RootJumpRadiusMultiple  float64 `yaml:"root_jump_radius_multiple"`
	NarrowStartFraction     float64 `yaml:"narrow_start_fraction"`
	FatEndMultiple          float64 `yaml:"fat_end_multiple"`
	FatEndPoints            int     `yaml:"fat_end_points"`
	NarrowSectionRadius     float64 `yaml:"narrow_section_radius"`
	NarrowSectionMinLength  float64 `yaml:"narrow_section_min_length"`
	FlatNeuriteRatio        float64 `yaml:"flat_neurite_ratio"`
	HeterogeneousSomaRadius float64 `yaml:"heterogeneous_soma_radius"`
	DanglingDistance        float64 `yaml:"dangling_distance"`
	MinZThickness           float64 `yaml:"min_z_thickness"`
}

// DefaultThresholds returns the standard check parameters. The z-thickness
// check is disabled.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ZJump:                   30,
		RootJumpRadiusMultiple:  2,
		NarrowStartFraction:     0.9,
		FatEndMultiple:          2,
		FatEndPoints:            5,
		NarrowSectionRadius:     0.05,
		NarrowSectionMinLength:  50,
		FlatNeuriteRatio:        0.1,
		HeterogeneousSomaRadius: 40,
		DanglingDistance:        12,
	}
}

func ids(pts ...morphology.Point) []int64 {
	out := make([]int64, len(pts))
	for i, p := range pts {
		out[i] = p.ID
	}
	return out
}

func neuriteSections(m *morphology.Morphology) []*morphology.Section {
	var out []*morphology.Section
	for _, n := range m.Neurites() {
		for _, id := range n.Sections {
			out = append(out, m.Section(id))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func zThickness(m *morphology.Morphology, th Thresholds) []Offender {
	if len(m.Points) == 0 {
		return []Offender{{Section: -1, Detail: "no points"}}
	}
	lo, hi := m.Points[0].Pos.Z, m.Points[0].Pos.Z
	for _, p := range m.Points[1:] {
		lo = min(lo, p.Pos.Z)
		hi = max(hi, p.Pos.Z)
	}
	if hi-lo < th.MinZThickness {
		return []Offender{{Section: -1, Detail: fmt.Sprintf("z thickness %g below %g", hi-lo, th.MinZThickness)}}
	}
	return nil
}

func differentDiameters(m *morphology.Morphology, _ Thresholds) []Offender {
	first := true
	var radius float64
	count := 0
	for _, s := range neuriteSections(m) {
		for _, p := range m.Geometry(s) {
			count++
			if first {
				radius, first = p.Radius, false
				continue
			}
			if p.Radius != radius {
				return nil
			}
		}
	}
	if count < 2 {
		return nil
	}
	return []Offender{{Section: -1, Detail: fmt.Sprintf("all %d neurite points have radius %g", count, radius)}}
}

func danglingBranches(m *morphology.Morphology, th Thresholds) []Offender {
	soma := m.Soma()
	somaRadius := soma.MaxRadius()

	var dendritePoints []morphology.Point
	for _, n := range m.Neurites() {
		if n.Type == morphology.TypeAxon {
			continue
		}
		for _, id := range n.Sections {
			dendritePoints = append(dendritePoints, m.Geometry(m.Section(id))...)
		}
	}

	var out []Offender
	for _, n := range m.Neurites() {
		start := m.Geometry(m.Section(n.Root))[0]
		if start.Pos.Sub(soma.Center).Norm()-somaRadius <= th.DanglingDistance {
			continue
		}
		if n.Type == morphology.TypeAxon {
			near := false
			for _, p := range dendritePoints {
				if start.Pos.Sub(p.Pos).Norm() < 2*p.Radius+2 {
					near = true
					break
				}
			}
			if near {
				continue
			}
		}
		out = append(out, Offender{Section: n.Root, Points: ids(start)})
	}
	return out
}

func rootNodeJumps(m *morphology.Morphology, th Thresholds) []Offender {
	soma := m.Soma()
	if len(soma.Points) == 0 {
		return nil
	}
	limit := th.RootJumpRadiusMultiple * soma.Radius
	var out []Offender
	for _, n := range m.Neurites() {
		start := m.Geometry(m.Section(n.Root))[0]
		if start.Pos.Sub(soma.Center).Norm() > limit {
			out = append(out, Offender{Section: n.Root, Points: ids(start)})
		}
	}
	return out
}

func zJumps(m *morphology.Morphology, th Thresholds) []Offender {
	var out []Offender
	for _, s := range neuriteSections(m) {
		geo := m.Geometry(s)
		for i := 1; i < len(geo); i++ {
			if math.Abs(geo[i].Pos.Z-geo[i-1].Pos.Z) > th.ZJump {
				out = append(out, Offender{Section: s.ID, Points: ids(geo[i-1], geo[i])})
			}
		}
	}
	return out
}

func narrowStarts(m *morphology.Morphology, th Thresholds) []Offender {
	var out []Offender
	for _, n := range m.Neurites() {
		geo := m.Geometry(m.Section(n.Root))
		if len(geo) < 2 {
			continue
		}
		if geo[1].Radius < th.NarrowStartFraction*geo[0].Radius {
			out = append(out, Offender{Section: n.Root, Points: ids(geo[0], geo[1])})
		}
	}
	return out
}

func fatEnds(m *morphology.Morphology, th Thresholds) []Offender {
	var out []Offender
	for _, s := range neuriteSections(m) {
		if !s.IsLeaf() {
			continue
		}
		geo := m.Geometry(s)
		if len(geo) < 2 {
			continue
		}
		tail := geo[1:]
		if len(tail) > th.FatEndPoints {
			tail = tail[len(tail)-th.FatEndPoints:]
		}
		var mean float64
		for _, p := range tail {
			mean += p.Radius
		}
		mean /= float64(len(tail))
		last := geo[len(geo)-1]
		if mean > 0 && mean*th.FatEndMultiple <= last.Radius {
			out = append(out, Offender{Section: s.ID, Points: ids(last)})
		}
	}
	return out
}

func zeroSegments(m *morphology.Morphology, _ Thresholds) []Offender {
	var out []Offender
	for _, s := range neuriteSections(m) {
		geo := m.Geometry(s)
		for i := 1; i < len(geo); i++ {
			if geo[i].Pos.Sub(geo[i-1].Pos).Norm() <= 0 {
				out = append(out, Offender{Section: s.ID, Points: ids(geo[i-1], geo[i])})
			}
		}
	}
	return out
}

func zeroSections(m *morphology.Morphology, _ Thresholds) []Offender {
	var out []Offender
	for _, s := range neuriteSections(m) {
		if m.SectionLength(s) <= 0 {
			out = append(out, Offender{Section: s.ID})
		}
	}
	return out
}

func zeroRadii(m *morphology.Morphology, _ Thresholds) []Offender {
	seen := make(map[int64]struct{})
	var out []Offender
	for _, s := range neuriteSections(m) {
		var bad []morphology.Point
		for _, p := range m.Geometry(s) {
			if _, dup := seen[p.ID]; dup || p.Radius > 0 {
				continue
			}
			seen[p.ID] = struct{}{}
			bad = append(bad, p)
		}
		if len(bad) > 0 {
			out = append(out, Offender{Section: s.ID, Points: ids(bad...)})
		}
	}
	return out
}

func narrowSections(m *morphology.Morphology, th Thresholds) []Offender {
	var out []Offender
	for _, s := range neuriteSections(m) {
		if !s.Type.IsDendrite() || m.SectionLength(s) <= th.NarrowSectionMinLength {
			continue
		}
		geo := m.Geometry(s)
		var mean float64
		for _, p := range geo {
			mean += p.Radius
		}
		mean /= float64(len(geo))
		if mean < th.NarrowSectionRadius {
			out = append(out, Offender{Section: s.ID})
		}
	}
	return out
}

// flatNeurites flags neurites whose two smallest principal extents have a
// ratio below the threshold.
func flatNeurites(m *morphology.Morphology, th Thresholds) []Offender {
	var out []Offender
	for _, n := range m.Neurites() {
		var pts []morphology.Point
		for _, id := range n.Sections {
			pts = append(pts, m.Geometry(m.Section(id))...)
		}
		ext, ok := principalExtents(pts)
		if !ok {
			continue
		}
		sort.Float64s(ext[:])
		if ext[1] > 0 && ext[0]/ext[1] < th.FlatNeuriteRatio {
			out = append(out, Offender{Section: n.Root, Detail: fmt.Sprintf("principal extents %.3g/%.3g", ext[0], ext[1])})
		}
	}
	return out
}

func principalExtents(pts []morphology.Point) ([3]float64, bool) {
	var ext [3]float64
	if len(pts) < 3 {
		return ext, false
	}
	var mean [3]float64
	for _, p := range pts {
		mean[0] += p.Pos.X
		mean[1] += p.Pos.Y
		mean[2] += p.Pos.Z
	}
	n := float64(len(pts))
	for i := range mean {
		mean[i] /= n
	}
	centered := make([][3]float64, len(pts))
	cov := make([]float64, 9)
	for k, p := range pts {
		c := [3]float64{p.Pos.X - mean[0], p.Pos.Y - mean[1], p.Pos.Z - mean[2]}
		centered[k] = c
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				cov[3*i+j] += c[i] * c[j] / n
			}
		}
	}

	var eig mat.EigenSym
	if !eig.Factorize(mat.NewSymDense(3, cov), true) {
		return ext, false
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	for axis := 0; axis < 3; axis++ {
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, c := range centered {
			proj := c[0]*vecs.At(0, axis) + c[1]*vecs.At(1, axis) + c[2]*vecs.At(2, axis)
			lo = min(lo, proj)
			hi = max(hi, proj)
		}
		ext[axis] = hi - lo
	}
	return ext, true
}

func unifurcations(m *morphology.Morphology, _ Thresholds) []Offender {
	var out []Offender
	for _, s := range neuriteSections(m) {
		if len(s.Children) == 1 {
			geo := m.Geometry(s)
			out = append(out, Offender{Section: s.ID, Points: ids(geo[len(geo)-1])})
		}
	}
	return out
}

func multifurcations(m *morphology.Morphology, _ Thresholds) []Offender {
	var out []Offender
	for _, s := range neuriteSections(m) {
		if len(s.Children) > 2 {
			geo := m.Geometry(s)
			out = append(out, Offender{Section: s.ID, Points: ids(geo[len(geo)-1])})
		}
	}
	return out
}

func zeroSomaRadius(m *morphology.Morphology, _ Thresholds) []Offender {
	if m.Soma().Radius > 0 {
		return nil
	}
	return []Offender{{Section: -1, Detail: "soma radius is zero"}}
}

func missing(t morphology.Type) offenderFunc {
	return func(m *morphology.Morphology, _ Thresholds) []Offender {
		if len(m.NeuritesByType(t)) > 0 {
			return nil
		}
		return []Offender{{Section: -1, Detail: fmt.Sprintf("no %s neurite", t)}}
	}
}

func heterogeneousNeurites(m *morphology.Morphology, _ Thresholds) []Offender {
	var out []Offender
	for _, n := range m.Neurites() {
		for _, id := range n.Sections {
			if m.Section(id).Type != n.Type {
				out = append(out, Offender{Section: n.Root, Detail: fmt.Sprintf("section %d is %s in a %s neurite", id, m.Section(id).Type, n.Type)})
				break
			}
		}
	}
	return out
}

func heterogeneousNearSoma(m *morphology.Morphology, th Thresholds) []Offender {
	center := m.Soma().Center
	var out []Offender
	for _, s := range neuriteSections(m) {
		if s.IsRoot() {
			continue
		}
		parent := m.Section(s.Parent)
		if parent.Type == morphology.TypeSoma || parent.Type == s.Type {
			continue
		}
		junction := m.Points[s.Points[0]]
		if junction.Pos.Sub(center).Norm() < th.HeterogeneousSomaRadius {
			out = append(out, Offender{Section: s.ID, Points: ids(junction)})
		}
	}
	return out
}

func axonFirstComposites(m *morphology.Morphology, _ Thresholds) []Offender {
	var out []Offender
	for _, n := range m.NeuritesByType(morphology.TypeAxon) {
		for _, id := range n.Sections {
			if m.Section(id).Type != morphology.TypeAxon {
				out = append(out, Offender{Section: n.Root, Detail: fmt.Sprintf("axon carries %s section %d", m.Section(id).Type, id)})
				break
			}
		}
	}
	return out
}

func dendriticTrees(m *morphology.Morphology, _ Thresholds) float64 {
	return float64(len(m.NeuritesByType(morphology.TypeBasalDendrite)) + len(m.NeuritesByType(morphology.TypeApicalDendrite)))
}

func axonCount(m *morphology.Morphology, _ Thresholds) float64 {
	return float64(len(m.NeuritesByType(morphology.TypeAxon)))
}

func maxBranchOrder(m *morphology.Morphology, _ Thresholds) float64 {
	order := 0
	for _, s := range neuriteSections(m) {
		order = max(order, m.BranchOrder(s))
	}
	return float64(order)
}

func totalSectionLength(m *morphology.Morphology, _ Thresholds) float64 {
	var total float64
	for _, s := range neuriteSections(m) {
		total += m.SectionLength(s)
	}
	return total
}

func maxSectionLength(m *morphology.Morphology, _ Thresholds) float64 {
	var longest float64
	for _, s := range neuriteSections(m) {
		longest = max(longest, m.SectionLength(s))
	}
	return longest
}
