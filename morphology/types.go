package morphology

import "github.com/golang/geo/r3"

// Type is the structural identifier of a point or section.
type Type int

// Point and section types. SWC codes 5 and above collapse into TypeCustom.
const (
	TypeUndefined Type = iota
	TypeSoma
	TypeAxon
	TypeBasalDendrite
	TypeApicalDendrite
	TypeCustom
)

// TypeFromCode maps an SWC type column to a Type.
func TypeFromCode(code int) Type {
	switch {
	case code >= 1 && code <= 4:
		return Type(code)
	case code >= 5:
		return TypeCustom
	default:
		return TypeUndefined
	}
}

func (t Type) String() string {
	switch t {
	case TypeSoma:
		return "soma"
	case TypeAxon:
		return "axon"
	case TypeBasalDendrite:
		return "basal_dendrite"
	case TypeApicalDendrite:
		return "apical_dendrite"
	case TypeCustom:
		return "custom"
	default:
		return "undefined"
	}
}

// IsNeurite reports whether t belongs to a neurite compartment.
func (t Type) IsNeurite() bool {
	return t == TypeAxon || t == TypeBasalDendrite || t == TypeApicalDendrite
}

// IsDendrite reports whether t is a basal or apical dendrite.
func (t Type) IsDendrite() bool {
	return t == TypeBasalDendrite || t == TypeApicalDendrite
}

// NeuriteTypes lists the neurite types in catalog order.
var NeuriteTypes = []Type{TypeAxon, TypeBasalDendrite, TypeApicalDendrite}

// Point is one SWC row.
type Point struct {
	ID     int64
	Type   Type
	Pos    r3.Vector
	Radius float64
	Parent int64
}

// IsRoot reports whether the point has no parent.
func (p Point) IsRoot() bool { return p.Parent == -1 }

// Section is a maximal chain of same-type points without internal branching.
// Points holds indices into Morphology.Points. A child section starts with
// its parent's last point.
type Section struct {
	ID       int
	Type     Type
	Parent   int
	Children []int
	Points   []int
}

// IsRoot reports whether the section has no parent section.
func (s *Section) IsRoot() bool { return s.Parent < 0 }

// IsLeaf reports whether the section has no children.
func (s *Section) IsLeaf() bool { return len(s.Children) == 0 }

// Neurite is the subtree hanging from a non-soma section whose parent is the
// soma or absent.
type Neurite struct {
	Root     int
	Type     Type
	Sections []int
}
