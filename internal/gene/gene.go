// Package gene implements the editable fragment tree that a chromosome is
// built from. A gene owns a byte payload and an ordered list of children;
// parents are never stored on the child and must be discovered by walking
// the tree from the owning chromosome.
package gene

import "math/rand"

// Mutator transforms a byte payload. n is operator-specific (a count of
// positions, a window length, and so on); implementations must be total,
// returning data unchanged rather than panicking when data is too short
// for the requested operation.
type Mutator interface {
	Mutate(data []byte, n int) []byte
}

// Tag carries format-specific metadata alongside a gene's payload (for
// example a chunk type tag in an image format). Parsers that need no
// metadata may leave a gene's Tag nil.
type Tag interface{}

// Gene is one node of a rooted ordered tree.
type Gene struct {
	Data     []byte
	children []*Gene
	Tag      Tag
	anomaly  bool

	// Equal reports whether this gene should be considered
	// interchangeable with other for the purposes of "similar gene"
	// recombinators. A nil Equal always reports false.
	Equal func(other *Gene) bool
}

// New returns a leaf gene with the given payload.
func New(data []byte) *Gene {
	return &Gene{Data: data}
}

// Children returns the gene's children in order. The returned slice must
// not be mutated by the caller; use AddChild/RemoveChild/ReplaceChild.
func (g *Gene) Children() []*Gene {
	return g.children
}

// ChildrenNumber returns the number of children g has.
func (g *Gene) ChildrenNumber() int {
	return len(g.children)
}

// AddChild appends child to g's children, or inserts it at index if
// index is within [0, len(children)].
func (g *Gene) AddChild(child *Gene, index int) {
	if index < 0 || index > len(g.children) {
		g.children = append(g.children, child)
		return
	}
	g.children = append(g.children, nil)
	copy(g.children[index+1:], g.children[index:])
	g.children[index] = child
}

// RemoveChild deletes target from g's children, reporting whether it was
// found.
func (g *Gene) RemoveChild(target *Gene) bool {
	for i, c := range g.children {
		if c == target {
			g.children = append(g.children[:i], g.children[i+1:]...)
			return true
		}
	}
	return false
}

// ReplaceChild swaps target for replacement in g's children at the same
// index, returning the replaced gene. It returns nil if target is not
// among g's children.
func (g *Gene) ReplaceChild(target, replacement *Gene) *Gene {
	for i, c := range g.children {
		if c == target {
			g.children[i] = replacement
			return c
		}
	}
	return nil
}

// SetChildren replaces g's entire children list. It is used by
// recombinators that restructure a tree wholesale (parent/child swaps,
// sibling shuffles) rather than adding or removing one child at a time.
func (g *Gene) SetChildren(children []*Gene) {
	g.children = children
}

// ShuffleChildren permutes g's children in place.
func (g *Gene) ShuffleChildren() {
	rand.Shuffle(len(g.children), func(i, j int) {
		g.children[i], g.children[j] = g.children[j], g.children[i]
	})
}

// MarkAnomaly flags g as an anomaly gene regardless of its payload.
// Parsers use it for genes whose bytes must never be touched (e.g. a
// format signature).
func (g *Gene) MarkAnomaly() {
	g.anomaly = true
}

// MarkedAnomaly reports whether g was explicitly flagged via
// MarkAnomaly, independent of the default empty-leaf rule.
func (g *Gene) MarkedAnomaly() bool {
	return g.anomaly
}

// Anomaly reports whether g should be excluded from mutation and
// recombination gene selection: either g was explicitly marked, or it
// is an empty leaf.
func (g *Gene) Anomaly() bool {
	return g.anomaly || (len(g.Data) == 0 && len(g.children) == 0)
}

// Mutate replaces g's payload with the result of applying m to it.
func (g *Gene) Mutate(m Mutator, n int) {
	g.Data = m.Mutate(g.Data, n)
}

// Serialize concatenates g's own payload followed by each child's
// serialization, in order. Format-specific parsers that need a different
// layout (length-prefixed chunks, checksums) build their own
// serialization directly from the gene tree rather than via this method.
func (g *Gene) Serialize() []byte {
	out := append([]byte(nil), g.Data...)
	for _, c := range g.children {
		out = append(out, c.Serialize()...)
	}
	return out
}

// Clone returns a deep copy of g and its subtree. Tag and Equal are
// copied by reference, since the former is typically an immutable value
// and the latter a closure with no gene-specific state to clone.
func (g *Gene) Clone() *Gene {
	clone := &Gene{
		Data:    append([]byte(nil), g.Data...),
		Tag:     g.Tag,
		anomaly: g.anomaly,
		Equal:   g.Equal,
	}
	clone.children = make([]*Gene, len(g.children))
	for i, c := range g.children {
		clone.children[i] = c.Clone()
	}
	return clone
}

// IsEqual reports whether g and other are interchangeable per g's Equal
// predicate. It returns false if g has no Equal predicate.
func (g *Gene) IsEqual(other *Gene) bool {
	if g.Equal == nil {
		return false
	}
	return g.Equal(other)
}
