// Package atlas maps world positions to brain regions through a voxelised
// annotation volume and its region ontology.
package atlas

import (
	"fmt"
	"log/slog"

	"github.com/golang/geo/r3"
)

// ObservationKind distinguishes the three lookup outcomes.
type ObservationKind int

const (
	// InsideKnown is a voxel whose value is a region of the ontology.
	InsideKnown ObservationKind = iota
	// InsideUnknown is a voxel whose value is not in the ontology.
	InsideUnknown
	// Outside is a position beyond the raster bounds.
	Outside
)

func (k ObservationKind) String() string {
	switch k {
	case InsideKnown:
		return "inside_known"
	case InsideUnknown:
		return "inside_unknown"
	default:
		return "outside"
	}
}

// Observation is the result of probing one position. Region holds the voxel
// value for both inside kinds.
type Observation struct {
	Kind   ObservationKind
	Region int64
	Voxel  [3]int
}

// Atlas is an annotation volume with its transform and ontology. It is
// immutable after construction and shared by reference between workers.
type Atlas struct {
	Name     string
	volume   *Volume
	affine   *Affine
	resolver *Resolver
	logger   *slog.Logger
}

// New assembles an Atlas from a loaded volume and a shared resolver.
func New(name string, v *Volume, r *Resolver, logger *slog.Logger) (*Atlas, error) {
	if v == nil || r == nil {
		return nil, fmt.Errorf("create atlas %s: volume and resolver are required", name)
	}
	if logger == nil {
		logger = slog.Default()
	}
	affine, err := NewAffine(v.Origin, v.Directions)
	if err != nil {
		return nil, fmt.Errorf("create atlas %s: %w", name, err)
	}
	return &Atlas{Name: name, volume: v, affine: affine, resolver: r, logger: logger}, nil
}

// Load reads the annotation volume and ontology from disk.
func Load(name, volumePath, ontologyPath string, cacheSize int, logger *slog.Logger) (*Atlas, error) {
	o, err := LoadOntology(ontologyPath)
	if err != nil {
		return nil, err
	}
	r, err := NewResolver(o, cacheSize)
	if err != nil {
		return nil, err
	}
	v, err := ReadNRRD(volumePath)
	if err != nil {
		return nil, err
	}
	return New(name, v, r, logger)
}

// Resolver returns the shared ontology resolver.
func (a *Atlas) Resolver() *Resolver { return a.resolver }

// Ontology returns the region hierarchy.
func (a *Atlas) Ontology() *Ontology { return a.resolver.Ontology() }

// Affine returns the world↔voxel transform.
func (a *Atlas) Affine() *Affine { return a.affine }

// Volume returns the raster.
func (a *Atlas) Volume() *Volume { return a.volume }

// Observe probes a world position.
func (a *Atlas) Observe(p r3.Vector) (Observation, error) {
	idx, err := a.affine.WorldToVoxel(p)
	if err != nil {
		return Observation{}, err
	}
	return a.ObserveVoxel(idx), nil
}

// ObserveVoxel probes a voxel index.
func (a *Atlas) ObserveVoxel(idx [3]int) Observation {
	if !a.volume.Contains(idx) {
		return Observation{Kind: Outside, Voxel: idx}
	}
	value := int64(a.volume.At(idx[0], idx[1], idx[2]))
	if !a.resolver.Ontology().Has(value) {
		return Observation{Kind: InsideUnknown, Region: value, Voxel: idx}
	}
	return Observation{Kind: InsideKnown, Region: value, Voxel: idx}
}

// Neighbours returns the six face-adjacent voxel indices of idx.
func Neighbours(idx [3]int) [][3]int {
	out := make([][3]int, 0, 6)
	for axis := 0; axis < 3; axis++ {
		for _, step := range []int{-1, 1} {
			n := idx
			n[axis] += step
			out = append(out, n)
		}
	}
	return out
}
