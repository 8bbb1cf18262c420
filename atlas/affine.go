package atlas

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Affine maps voxel indices to world coordinates and back. The forward
// matrix has the direction vectors as its first three columns and the
// origin as the fourth.
type Affine struct {
	forward *mat.Dense
	inverse [3][4]float64
}

// NewAffine builds the transform and its inverse.
func NewAffine(origin r3.Vector, directions [3]r3.Vector) (*Affine, error) {
	t := mat.NewDense(4, 4, nil)
	for c, d := range directions {
		t.Set(0, c, d.X)
		t.Set(1, c, d.Y)
		t.Set(2, c, d.Z)
	}
	t.Set(0, 3, origin.X)
	t.Set(1, 3, origin.Y)
	t.Set(2, 3, origin.Z)
	t.Set(3, 3, 1)

	var inv mat.Dense
	if err := inv.Inverse(t); err != nil {
		return nil, &AtlasError{Op: "invert affine", Err: err}
	}
	a := &Affine{forward: t}
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			a.inverse[r][c] = inv.At(r, c)
		}
	}
	return a, nil
}

// WorldToVoxel converts a world position to the nearest voxel index.
func (a *Affine) WorldToVoxel(p r3.Vector) ([3]int, error) {
	var idx [3]int
	for r := 0; r < 3; r++ {
		row := a.inverse[r]
		v := math.RoundToEven(row[0]*p.X + row[1]*p.Y + row[2]*p.Z + row[3])
		if math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) > math.MaxInt32 {
			return idx, &AtlasError{Op: "world to voxel", Err: fmt.Errorf("position %v maps to %v", p, v)}
		}
		idx[r] = int(v)
	}
	return idx, nil
}

// VoxelToWorld returns the world position of a voxel index.
func (a *Affine) VoxelToWorld(idx [3]int) r3.Vector {
	in := mat.NewVecDense(4, []float64{float64(idx[0]), float64(idx[1]), float64(idx[2]), 1})
	var out mat.VecDense
	out.MulVec(a.forward, in)
	return r3.Vector{X: out.AtVec(0), Y: out.AtVec(1), Z: out.AtVec(2)}
}
