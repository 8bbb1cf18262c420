package reconcile

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"

	"github.com/BlueBrain/data-integration-pipelines-sub000/atlas"
)

// Coordinate sources.
const (
	SourceSWC      = "swc"
	SourceMetadata = "metadata"
)

// References a coordinate is compared against.
const (
	RefDeclared       = "declared"
	RefOriginalBrain  = "original_brain"
	RefAlternateAtlas = "alternate_atlas"
)

var (
	sources    = []string{SourceSWC, SourceMetadata}
	references = []string{RefDeclared, RefOriginalBrain, RefAlternateAtlas}
)

// Cell carries what is known about one cell before reconciliation.
type Cell struct {
	Name          string
	Soma          r3.Vector
	HasSoma       bool
	Declared      int64
	DeclaredLabel string
	// Coordinates from the resource's brain location, when present.
	Coordinates *r3.Vector
}

// Comparison is one (source, reference) cell of the comparison row.
type Comparison struct {
	Source    string
	Reference string
	Available bool
	Outcome   atlas.ObservationKind
	Observed  int64
	Expected  int64
	Relation  Relation
}

// Agrees reports whether the observed region agrees with the reference.
func (c Comparison) Agrees() bool {
	return c.Available && c.Outcome == atlas.InsideKnown && c.Relation.Agrees()
}

// Row is the reconciliation result for one cell.
type Row struct {
	Cell             string
	Comparisons      []Comparison
	NeighbourRegions []int64
	NeighbourAgrees  bool
	ManualCorrection bool
}

// Get returns the comparison for a source and reference.
func (r *Row) Get(source, reference string) (Comparison, bool) {
	for _, c := range r.Comparisons {
		if c.Source == source && c.Reference == reference {
			return c, true
		}
	}
	return Comparison{}, false
}

// Header returns the column names of Values.
func Header() []string {
	cols := []string{"cell"}
	for _, s := range sources {
		for _, ref := range references {
			p := s + "_" + ref
			cols = append(cols, p+"_observed", p+"_agrees", p+"_relation")
		}
	}
	return append(cols, "neighbour_regions", "neighbour_agrees", "manual_correction")
}

// Values renders the row in Header order. Unavailable comparisons are blank.
func (r *Row) Values() []string {
	vals := []string{r.Cell}
	for _, s := range sources {
		for _, ref := range references {
			c, ok := r.Get(s, ref)
			if !ok || !c.Available {
				vals = append(vals, "", "", "")
				continue
			}
			observed := c.Outcome.String()
			if c.Outcome != atlas.Outside {
				observed = strconv.FormatInt(c.Observed, 10)
			}
			vals = append(vals, observed, strconv.FormatBool(c.Agrees()), c.Relation.String())
		}
	}
	ids := make([]string, len(r.NeighbourRegions))
	for i, id := range r.NeighbourRegions {
		ids[i] = strconv.FormatInt(id, 10)
	}
	return append(vals,
		strings.Join(ids, ","),
		strconv.FormatBool(r.NeighbourAgrees),
		strconv.FormatBool(r.ManualCorrection))
}

// Reconciler runs the region comparison against a primary atlas and an
// optional alternate one.
type Reconciler struct {
	primary   *atlas.Atlas
	alternate *atlas.Atlas
	logger    *slog.Logger
}

// New creates a Reconciler. alternate may be nil.
func New(primary, alternate *atlas.Atlas, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{primary: primary, alternate: alternate, logger: logger}
}

// Reconcile compares the cell's soma and metadata coordinates with its
// declared, original-brain and alternate-atlas regions. row may be nil.
func (r *Reconciler) Reconcile(cell Cell, row *MetadataRow) (*Row, error) {
	if r.primary == nil {
		return nil, fmt.Errorf("reconcile %s: no atlas configured", cell.Name)
	}
	out := &Row{Cell: cell.Name}
	if row != nil {
		out.ManualCorrection = row.ManualCorrection
	}

	positions := map[string]*r3.Vector{SourceMetadata: cell.Coordinates}
	if cell.HasSoma {
		soma := cell.Soma
		positions[SourceSWC] = &soma
	}

	for _, s := range sources {
		pos := positions[s]
		for _, ref := range references {
			c := Comparison{Source: s, Reference: ref}
			if pos != nil {
				if err := r.compare(&c, cell, row, *pos); err != nil {
					return nil, fmt.Errorf("reconcile %s: %w", cell.Name, err)
				}
			}
			out.Comparisons = append(out.Comparisons, c)
		}
	}

	if pos := positions[SourceSWC]; pos != nil {
		regions, agrees, err := r.probeNeighbours(*pos, cell)
		if err != nil {
			return nil, fmt.Errorf("reconcile %s: %w", cell.Name, err)
		}
		out.NeighbourRegions, out.NeighbourAgrees = regions, agrees
	}
	return out, nil
}

func (r *Reconciler) compare(c *Comparison, cell Cell, row *MetadataRow, pos r3.Vector) error {
	a := r.primary
	expected, ok := cell.Declared, cell.Declared != 0
	switch c.Reference {
	case RefOriginalBrain:
		expected, ok = r.metadataRegion(a, row, func(m *MetadataRow) string { return m.OriginalBrain })
	case RefAlternateAtlas:
		if r.alternate == nil {
			return nil
		}
		a = r.alternate
		if id, found := r.metadataRegion(a, row, func(m *MetadataRow) string { return m.AlternateAtlas }); found {
			expected, ok = id, true
		}
	}
	if !ok {
		return nil
	}

	obs, err := a.Observe(pos)
	if err != nil {
		return err
	}
	c.Available = true
	c.Expected = expected
	c.Outcome = obs.Kind
	c.Observed = obs.Region
	if obs.Kind == atlas.InsideKnown {
		c.Relation = Classify(a.Resolver(), obs.Region, expected, cell.DeclaredLabel)
	}
	return nil
}

func (r *Reconciler) metadataRegion(a *atlas.Atlas, row *MetadataRow, field func(*MetadataRow) string) (int64, bool) {
	if row == nil {
		return 0, false
	}
	label := field(row)
	if label == "" {
		return 0, false
	}
	if id, err := strconv.ParseInt(label, 10, 64); err == nil {
		return id, true
	}
	region, err := a.Ontology().Lookup(label)
	if err != nil {
		r.logger.Warn("Metadata region not in ontology", "cell", row.Cell, "region", label, "atlas", a.Name)
		return 0, false
	}
	return region.ID, true
}

// probeNeighbours looks at the six voxels around the soma voxel. It agrees
// when any known neighbour region agrees with the declared region.
func (r *Reconciler) probeNeighbours(pos r3.Vector, cell Cell) ([]int64, bool, error) {
	idx, err := r.primary.Affine().WorldToVoxel(pos)
	if err != nil {
		return nil, false, err
	}
	seen := make(map[int64]struct{})
	agrees := false
	for _, n := range atlas.Neighbours(idx) {
		obs := r.primary.ObserveVoxel(n)
		if obs.Kind != atlas.InsideKnown {
			continue
		}
		if _, dup := seen[obs.Region]; dup {
			continue
		}
		seen[obs.Region] = struct{}{}
		if cell.Declared != 0 && Classify(r.primary.Resolver(), obs.Region, cell.Declared, cell.DeclaredLabel).Agrees() {
			agrees = true
		}
	}
	regions := make([]int64, 0, len(seen))
	for id := range seen {
		regions = append(regions, id)
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i] < regions[j] })
	return regions, agrees, nil
}
