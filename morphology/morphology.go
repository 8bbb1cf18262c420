package morphology

import (
	"math"

	"github.com/golang/geo/r3"
)

// Morphology is a parsed reconstruction. Points are stored in ascending ID
// order; sections are numbered in depth-first order from each root.
type Morphology struct {
	Name     string
	Points   []Point
	Sections []Section

	index         map[int64]int
	pointChildren [][]int
	neurites      []Neurite
	soma          Soma
}

// PointByID returns the point with the given SWC id.
func (m *Morphology) PointByID(id int64) (Point, bool) {
	i, ok := m.index[id]
	if !ok {
		return Point{}, false
	}
	return m.Points[i], true
}

// Section returns the section with the given id.
func (m *Morphology) Section(id int) *Section {
	return &m.Sections[id]
}

// SectionsByType returns the sections of type t in id order.
func (m *Morphology) SectionsByType(t Type) []*Section {
	var out []*Section
	for i := range m.Sections {
		if m.Sections[i].Type == t {
			out = append(out, &m.Sections[i])
		}
	}
	return out
}

// Roots returns the sections without a parent.
func (m *Morphology) Roots() []*Section {
	var out []*Section
	for i := range m.Sections {
		if m.Sections[i].IsRoot() {
			out = append(out, &m.Sections[i])
		}
	}
	return out
}

// Leaves returns the sections without children.
func (m *Morphology) Leaves() []*Section {
	var out []*Section
	for i := range m.Sections {
		if m.Sections[i].IsLeaf() {
			out = append(out, &m.Sections[i])
		}
	}
	return out
}

// Neurites returns the neurite trees in root section order.
func (m *Morphology) Neurites() []Neurite {
	return m.neurites
}

// NeuritesByType returns the neurites whose root has type t.
func (m *Morphology) NeuritesByType(t Type) []Neurite {
	var out []Neurite
	for _, n := range m.neurites {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

// Soma returns the soma model.
func (m *Morphology) Soma() Soma {
	return m.soma
}

// Geometry returns the points that make up a section's shape. A section
// attached to the soma does not include the soma junction point.
func (m *Morphology) Geometry(s *Section) []Point {
	idx := s.Points
	if s.Type != TypeSoma && s.Parent >= 0 && m.Sections[s.Parent].Type == TypeSoma && len(idx) > 1 {
		idx = idx[1:]
	}
	out := make([]Point, len(idx))
	for i, p := range idx {
		out[i] = m.Points[p]
	}
	return out
}

// SectionLength is the polyline length of a section's geometry.
func (m *Morphology) SectionLength(s *Section) float64 {
	return PathLength(m.Geometry(s))
}

// PathLength sums consecutive point distances.
func PathLength(pts []Point) float64 {
	var total float64
	for i := 1; i < len(pts); i++ {
		total += pts[i].Pos.Sub(pts[i-1].Pos).Norm()
	}
	return total
}

// FrustumArea is the lateral area of the truncated cone between two points.
func FrustumArea(a, b Point) float64 {
	h := b.Pos.Sub(a.Pos).Norm()
	dr := a.Radius - b.Radius
	return math.Pi * (a.Radius + b.Radius) * math.Sqrt(dr*dr+h*h)
}

// FrustumVolume is the volume of the truncated cone between two points.
func FrustumVolume(a, b Point) float64 {
	h := b.Pos.Sub(a.Pos).Norm()
	return math.Pi * h * (a.Radius*a.Radius + a.Radius*b.Radius + b.Radius*b.Radius) / 3
}

// NeuriteOf returns the neurite containing section id.
func (m *Morphology) NeuriteOf(id int) (Neurite, bool) {
	for _, n := range m.neurites {
		for _, s := range n.Sections {
			if s == id {
				return n, true
			}
		}
	}
	return Neurite{}, false
}

// BranchOrder counts the bifurcating ancestors between a section and its
// neurite root.
func (m *Morphology) BranchOrder(s *Section) int {
	order := 0
	for p := s.Parent; p >= 0; p = m.Sections[p].Parent {
		if m.Sections[p].Type == TypeSoma {
			break
		}
		order++
	}
	return order
}

// Soma is the cell body model derived from the soma points.
type Soma struct {
	Center r3.Vector
	Radius float64
	Area   float64
	Points []Point
}

// MaxRadius is the largest distance from the centre to a soma point.
func (s Soma) MaxRadius() float64 {
	var max float64
	for _, p := range s.Points {
		if d := p.Pos.Sub(s.Center).Norm(); d > max {
			max = d
		}
	}
	return max
}

func newSoma(m *Morphology) Soma {
	var pts []Point
	for _, p := range m.Points {
		if p.Type == TypeSoma {
			pts = append(pts, p)
		}
	}
	s := Soma{Points: pts}
	switch len(pts) {
	case 0:
		return s
	case 1, 3:
		s.Center = pts[0].Pos
		s.Radius = pts[0].Radius
		s.Area = 4 * math.Pi * s.Radius * s.Radius
		return s
	}

	var sum r3.Vector
	var meanRadius float64
	for _, p := range pts {
		sum = sum.Add(p.Pos)
		meanRadius += p.Radius
	}
	n := float64(len(pts))
	s.Center = sum.Mul(1 / n)
	meanRadius /= n
	for _, p := range pts {
		s.Radius += p.Pos.Sub(s.Center).Norm()
	}
	s.Radius /= n
	if s.Radius == 0 {
		s.Radius = meanRadius
	}
	for _, p := range pts {
		if parent, ok := m.PointByID(p.Parent); ok && parent.Type == TypeSoma {
			s.Area += FrustumArea(parent, p)
		}
	}
	if s.Area == 0 {
		s.Area = 4 * math.Pi * s.Radius * s.Radius
	}
	return s
}
