// Package morphology parses SWC neuron reconstructions into a point arena and
// a section tree.
package morphology

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const swcColumns = 7

// ParseFile reads and parses the SWC file at path. The morphology is named
// after the file without its extension.
func ParseFile(path string) (*Morphology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read swc file: %w", err)
	}
	m, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	m.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return m, nil
}

// Parse reads an SWC source. Rows may reference parents defined later in the
// file.
func Parse(r io.Reader) (*Morphology, error) {
	points, lines, err := readPoints(r)
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, ErrEmpty
	}
	return build(points, lines)
}

// readPoints is the first pass: one record per data row.
func readPoints(r io.Reader) ([]Point, []int, error) {
	var (
		points []Point
		lines  []int
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields) != swcColumns {
			return nil, nil, &ParseError{Line: lineNo, Msg: fmt.Sprintf("expected %d fields, got %d", swcColumns, len(fields))}
		}
		p, err := parseRow(fields)
		if err != nil {
			return nil, nil, &ParseError{Line: lineNo, Msg: err.Error()}
		}
		points = append(points, p)
		lines = append(lines, lineNo)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("scan swc: %w", err)
	}
	return points, lines, nil
}

func parseRow(fields []string) (Point, error) {
	id, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Point{}, fmt.Errorf("invalid id %q", fields[0])
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return Point{}, fmt.Errorf("invalid type %q", fields[1])
	}
	var coords [4]float64
	for i := range coords {
		v, err := strconv.ParseFloat(fields[2+i], 64)
		if err != nil {
			return Point{}, fmt.Errorf("invalid number %q in column %d", fields[2+i], 3+i)
		}
		coords[i] = v
	}
	parent, err := strconv.ParseInt(fields[6], 10, 64)
	if err != nil {
		return Point{}, fmt.Errorf("invalid parent id %q", fields[6])
	}
	p := Point{
		ID:     id,
		Type:   TypeFromCode(code),
		Radius: coords[3],
		Parent: parent,
	}
	p.Pos.X, p.Pos.Y, p.Pos.Z = coords[0], coords[1], coords[2]
	return p, nil
}

// build is the second pass: wire parents, then split into sections.
func build(points []Point, lines []int) (*Morphology, error) {
	order := make([]int, len(points))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return points[order[a]].ID < points[order[b]].ID })

	m := &Morphology{
		Points: make([]Point, len(points)),
		index:  make(map[int64]int, len(points)),
	}
	srcLine := make([]int, len(points))
	for i, src := range order {
		p := points[src]
		if _, dup := m.index[p.ID]; dup {
			return nil, &ParseError{Line: lines[src], Msg: fmt.Sprintf("duplicate id %d", p.ID)}
		}
		m.Points[i] = p
		m.index[p.ID] = i
		srcLine[i] = lines[src]
	}

	m.pointChildren = make([][]int, len(m.Points))
	var roots []int
	for i, p := range m.Points {
		if p.Parent == -1 {
			roots = append(roots, i)
			continue
		}
		parent, ok := m.index[p.Parent]
		if !ok {
			return nil, &ParseError{Line: srcLine[i], Msg: fmt.Sprintf("parent %d of point %d does not exist", p.Parent, p.ID)}
		}
		if parent == i {
			return nil, &ParseError{Line: srcLine[i], Msg: fmt.Sprintf("point %d is its own parent", p.ID)}
		}
		m.pointChildren[parent] = append(m.pointChildren[parent], i)
	}

	m.buildSections(roots)

	visited := 0
	for _, s := range m.Sections {
		visited += len(s.Points)
		if !s.IsRoot() {
			visited--
		}
	}
	if visited != len(m.Points) {
		return nil, &ParseError{Msg: fmt.Sprintf("%d points are not connected to a root", len(m.Points)-visited)}
	}

	m.buildNeurites()
	m.soma = newSoma(m)
	return m, nil
}

type pendingSection struct {
	start    int
	parent   int
	junction int
}

// buildSections walks every root depth first with an explicit stack so that
// deep reconstructions never exhaust the goroutine stack.
func (m *Morphology) buildSections(roots []int) {
	var stack []pendingSection
	for _, root := range roots {
		stack = append(stack, pendingSection{start: root, parent: -1, junction: -1})
		for len(stack) > 0 {
			item := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			sec := Section{
				ID:     len(m.Sections),
				Type:   m.Points[item.start].Type,
				Parent: item.parent,
			}
			if item.junction >= 0 {
				sec.Points = append(sec.Points, item.junction)
			}
			cur := item.start
			for {
				sec.Points = append(sec.Points, cur)
				kids := m.pointChildren[cur]
				if len(kids) == 1 && m.Points[kids[0]].Type == sec.Type {
					cur = kids[0]
					continue
				}
				break
			}
			m.Sections = append(m.Sections, sec)
			if sec.Parent >= 0 {
				m.Sections[sec.Parent].Children = append(m.Sections[sec.Parent].Children, sec.ID)
			}
			kids := m.pointChildren[cur]
			for i := len(kids) - 1; i >= 0; i-- {
				stack = append(stack, pendingSection{start: kids[i], parent: sec.ID, junction: cur})
			}
		}
	}
}

func (m *Morphology) buildNeurites() {
	for i := range m.Sections {
		s := &m.Sections[i]
		if s.Type == TypeSoma {
			continue
		}
		if s.Parent >= 0 && m.Sections[s.Parent].Type != TypeSoma {
			continue
		}
		n := Neurite{Root: s.ID, Type: s.Type}
		stack := []int{s.ID}
		for len(stack) > 0 {
			id := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			n.Sections = append(n.Sections, id)
			children := m.Sections[id].Children
			for j := len(children) - 1; j >= 0; j-- {
				stack = append(stack, children[j])
			}
		}
		m.neurites = append(m.neurites, n)
	}
}
