package atlas

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// Region is one node of the region ontology. Parent and Children are arena
// indices; Parent is -1 for a root.
type Region struct {
	ID       int64
	Name     string
	Acronym  string
	Parent   int
	Children []int
}

// Ontology is the region hierarchy stored as an arena.
type Ontology struct {
	regions   []Region
	byID      map[int64]int
	byName    map[string]int
	byAcronym map[string]int
}

// Node is the JSON shape of an ontology entry.
type Node struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Acronym  string `json:"acronym"`
	Children []Node `json:"children"`
}

// LoadOntology reads a region hierarchy JSON file.
func LoadOntology(path string) (*Ontology, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ontology: %w", err)
	}
	defer f.Close()
	return DecodeOntology(f)
}

// DecodeOntology parses the hierarchy found under "msg". The value may be a
// single root node or a list of roots.
func DecodeOntology(r io.Reader) (*Ontology, error) {
	var doc struct {
		Msg json.RawMessage `json:"msg"`
	}
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode ontology: %w", err)
	}
	if len(doc.Msg) == 0 {
		return nil, fmt.Errorf("decode ontology: missing msg")
	}

	var roots []Node
	if strings.HasPrefix(strings.TrimSpace(string(doc.Msg)), "[") {
		if err := json.Unmarshal(doc.Msg, &roots); err != nil {
			return nil, fmt.Errorf("decode ontology roots: %w", err)
		}
	} else {
		var root Node
		if err := json.Unmarshal(doc.Msg, &root); err != nil {
			return nil, fmt.Errorf("decode ontology root: %w", err)
		}
		roots = []Node{root}
	}
	return NewOntology(roots)
}

type pendingNode struct {
	node   *Node
	parent int
}

// NewOntology flattens a node tree into an arena.
func NewOntology(roots []Node) (*Ontology, error) {
	o := &Ontology{
		byID:      make(map[int64]int),
		byName:    make(map[string]int),
		byAcronym: make(map[string]int),
	}
	stack := make([]pendingNode, 0, len(roots))
	for i := len(roots) - 1; i >= 0; i-- {
		stack = append(stack, pendingNode{node: &roots[i], parent: -1})
	}
	for len(stack) > 0 {
		item := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if _, dup := o.byID[item.node.ID]; dup {
			return nil, fmt.Errorf("build ontology: duplicate region id %d", item.node.ID)
		}
		idx := len(o.regions)
		o.regions = append(o.regions, Region{
			ID:      item.node.ID,
			Name:    item.node.Name,
			Acronym: item.node.Acronym,
			Parent:  item.parent,
		})
		o.byID[item.node.ID] = idx
		if item.node.Name != "" {
			o.byName[strings.ToLower(item.node.Name)] = idx
		}
		if item.node.Acronym != "" {
			o.byAcronym[strings.ToLower(item.node.Acronym)] = idx
		}
		if item.parent >= 0 {
			o.regions[item.parent].Children = append(o.regions[item.parent].Children, idx)
		}
		for i := len(item.node.Children) - 1; i >= 0; i-- {
			stack = append(stack, pendingNode{node: &item.node.Children[i], parent: idx})
		}
	}
	return o, nil
}

// Len returns the number of regions.
func (o *Ontology) Len() int { return len(o.regions) }

// Region returns the region with the given id.
func (o *Ontology) Region(id int64) (Region, bool) {
	i, ok := o.byID[id]
	if !ok {
		return Region{}, false
	}
	return o.regions[i], true
}

// Has reports whether id is a known region.
func (o *Ontology) Has(id int64) bool {
	_, ok := o.byID[id]
	return ok
}

// Label returns the region name, or the decimal id when unknown.
func (o *Ontology) Label(id int64) string {
	if r, ok := o.Region(id); ok {
		return r.Name
	}
	return fmt.Sprintf("%d", id)
}

// Lookup resolves a label by name, then by acronym, ignoring case.
func (o *Ontology) Lookup(label string) (Region, error) {
	key := strings.ToLower(strings.TrimSpace(label))
	if i, ok := o.byName[key]; ok {
		return o.regions[i], nil
	}
	if i, ok := o.byAcronym[key]; ok {
		return o.regions[i], nil
	}
	return Region{}, fmt.Errorf("lookup %q: %w", label, ErrNotFound)
}

// Parent returns the parent id of a region.
func (o *Ontology) Parent(id int64) (int64, bool) {
	i, ok := o.byID[id]
	if !ok || o.regions[i].Parent < 0 {
		return 0, false
	}
	return o.regions[o.regions[i].Parent].ID, true
}

// Ancestors returns the ancestor ids of a region, nearest first.
func (o *Ontology) Ancestors(id int64) []int64 {
	i, ok := o.byID[id]
	if !ok {
		return nil
	}
	var out []int64
	for p := o.regions[i].Parent; p >= 0; p = o.regions[p].Parent {
		out = append(out, o.regions[p].ID)
	}
	return out
}

// Descendants returns every region below id in depth-first order.
func (o *Ontology) Descendants(id int64) []int64 {
	i, ok := o.byID[id]
	if !ok {
		return nil
	}
	var out []int64
	stack := append([]int(nil), o.regions[i].Children...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out = append(out, o.regions[n].ID)
		stack = append(stack, o.regions[n].Children...)
	}
	return out
}

// Siblings returns the other children of id's parent.
func (o *Ontology) Siblings(id int64) []int64 {
	i, ok := o.byID[id]
	if !ok || o.regions[i].Parent < 0 {
		return nil
	}
	var out []int64
	for _, c := range o.regions[o.regions[i].Parent].Children {
		if c != i {
			out = append(out, o.regions[c].ID)
		}
	}
	return out
}
