package features

import (
	"github.com/BlueBrain/data-integration-pipelines-sub000/morphology"
)

func somaSurfaceArea(m *morphology.Morphology) []float64 {
	return []float64{m.Soma().Area}
}

func somaRadius(m *morphology.Morphology) []float64 {
	return []float64{m.Soma().Radius}
}

func morphMaxRadialDistance(m *morphology.Morphology) []float64 {
	return maxRadialDistance(newSelection(m, m.Neurites()))
}

func perNeurite(m *morphology.Morphology, fn func(*selection) []float64) []float64 {
	var out []float64
	for _, n := range m.Neurites() {
		out = append(out, fn(newSelection(m, []morphology.Neurite{n}))...)
	}
	return out
}

func numberOfSectionsPerNeurite(m *morphology.Morphology) []float64 {
	return perNeurite(m, numberOfSections)
}

func totalLengthPerNeurite(m *morphology.Morphology) []float64 {
	return perNeurite(m, totalLength)
}

func totalAreaPerNeurite(m *morphology.Morphology) []float64 {
	return perNeurite(m, totalArea)
}

func extent(m *morphology.Morphology, axis func(morphology.Point) float64) []float64 {
	first := true
	var lo, hi float64
	for _, n := range m.Neurites() {
		for _, id := range n.Sections {
			for _, p := range m.Geometry(m.Section(id)) {
				c := axis(p)
				if first {
					lo, hi, first = c, c, false
					continue
				}
				lo = min(lo, c)
				hi = max(hi, c)
			}
		}
	}
	return []float64{hi - lo}
}

func totalWidth(m *morphology.Morphology) []float64 {
	return extent(m, func(p morphology.Point) float64 { return p.Pos.X })
}

func totalHeight(m *morphology.Morphology) []float64 {
	return extent(m, func(p morphology.Point) float64 { return p.Pos.Y })
}

func totalDepth(m *morphology.Morphology) []float64 {
	return extent(m, func(p morphology.Point) float64 { return p.Pos.Z })
}

func numberOfNeurites(m *morphology.Morphology) []float64 {
	return []float64{float64(len(m.Neurites()))}
}
