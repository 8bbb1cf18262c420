package features

import "strings"

// Units used in measurement series.
const (
	UnitMicrometer       = "μm"
	UnitSquareMicrometer = "μm²"
	UnitCubicMicrometer  = "μm³"
	UnitRadian           = "radian"
	UnitDimensionless    = "dimensionless"
)

var unitFamilies = []struct {
	unit     string
	keywords []string
}{
	{UnitMicrometer, []string{"length", "height", "width", "depth", "radius", "distance", "extents", "radii"}},
	{UnitSquareMicrometer, []string{"area"}},
	{UnitCubicMicrometer, []string{"volume"}},
	{UnitRadian, []string{"angle", "azimuths", "elevations"}},
}

// UnitFor infers a metric's unit from its name.
func UnitFor(name string) string {
	for _, family := range unitFamilies {
		for _, kw := range family.keywords {
			if strings.Contains(name, kw) {
				return family.unit
			}
		}
	}
	return UnitDimensionless
}
