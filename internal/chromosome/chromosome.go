// Package chromosome implements one candidate input: a tree of genes
// together with the bookkeeping (uid, fitness, metrics, trace, lineage)
// the evolutionary loop needs to track it.
package chromosome

import (
	"bytes"
	"crypto/rand"
	"encoding/gob"
	"errors"
	"fmt"
	"math/big"

	"github.com/duskwave/genoma/internal/gene"
	"github.com/duskwave/genoma/internal/trace"
)

// ErrNotMember is returned by FindParent when the queried gene is not
// part of the chromosome's tree at all (as opposed to being a root,
// which is a valid, non-error outcome reported as a nil parent).
var ErrNotMember = errors.New("chromosome: gene is not a member of this chromosome")

// Serializer turns a chromosome's root genes into the bytes that are fed
// to the target. It is the format-specific half of the parser plugin
// contract; see package parser.
type Serializer interface {
	Serialize(roots []*gene.Gene) ([]byte, error)
}

// Chromosome is one candidate input.
type Chromosome struct {
	UID     uint64
	Roots   []*gene.Gene
	Fitness float64
	Metrics map[string]float64
	Trace   *trace.Trace

	// Fuzzer names the "<recombinator>_<mutator>" pair that produced
	// this chromosome. It is empty for seed-originated chromosomes.
	Fuzzer string
}

// New returns a chromosome with a fresh uid and the given root genes.
func New(roots []*gene.Gene) *Chromosome {
	return &Chromosome{
		UID:     newUID(),
		Roots:   roots,
		Metrics: make(map[string]float64),
	}
}

func newUID() uint64 {
	n, err := rand.Int(rand.Reader, new(big.Int).SetUint64(^uint64(0)))
	if err != nil {
		// crypto/rand failing is a fatal environment problem; a zero
		// uid would silently collide with every other such failure.
		panic(fmt.Sprintf("chromosome: reading random uid: %v", err))
	}
	return n.Uint64()
}

// NewUID assigns c a fresh random uid, used when a clone collides with an
// existing population member.
func (c *Chromosome) NewUID() {
	c.UID = newUID()
}

// GetAllGenes returns every gene in the tree, pre-order.
func (c *Chromosome) GetAllGenes() []*gene.Gene {
	var all []*gene.Gene
	var walk func(g *gene.Gene)
	walk = func(g *gene.Gene) {
		all = append(all, g)
		for _, child := range g.Children() {
			walk(child)
		}
	}
	for _, r := range c.Roots {
		walk(r)
	}
	return all
}

// FindParent returns the parent of child, or nil if child is a root. It
// returns ErrNotMember if child is not found anywhere in the tree.
func (c *Chromosome) FindParent(child *gene.Gene) (*gene.Gene, error) {
	for _, r := range c.Roots {
		if r == child {
			return nil, nil
		}
	}
	var found *gene.Gene
	var walk func(g *gene.Gene) bool
	walk = func(g *gene.Gene) bool {
		for _, c := range g.Children() {
			if c == child {
				found = g
				return true
			}
			if walk(c) {
				return true
			}
		}
		return false
	}
	for _, r := range c.Roots {
		if walk(r) {
			return found, nil
		}
	}
	return nil, ErrNotMember
}

// ReplaceGene substitutes new for target, wherever target is in the
// tree: in place among the roots, or via target's parent.
func (c *Chromosome) ReplaceGene(target, replacement *gene.Gene) error {
	for i, r := range c.Roots {
		if r == target {
			c.Roots[i] = replacement
			return nil
		}
	}
	parent, err := c.FindParent(target)
	if err != nil {
		return err
	}
	if parent == nil {
		return ErrNotMember
	}
	parent.ReplaceChild(target, replacement)
	return nil
}

// RemoveGene deletes target from the tree, wherever it is.
func (c *Chromosome) RemoveGene(target *gene.Gene) error {
	for i, r := range c.Roots {
		if r == target {
			c.Roots = append(c.Roots[:i], c.Roots[i+1:]...)
			return nil
		}
	}
	parent, err := c.FindParent(target)
	if err != nil {
		return err
	}
	if parent == nil {
		return ErrNotMember
	}
	parent.RemoveChild(target)
	return nil
}

// AddGene appends g as an additional root gene.
func (c *Chromosome) AddGene(g *gene.Gene) {
	c.Roots = append(c.Roots, g)
}

// Serialize renders the chromosome to the bytes fed to the target, via
// the given format serializer.
func (c *Chromosome) Serialize(s Serializer) ([]byte, error) {
	return s.Serialize(c.Roots)
}

// Clone returns a deep copy of c with a fresh uid. Fitness, metrics, and
// trace are not carried over, since a clone is the starting point for a
// fresh round of mutation and analysis, not a copy of a measured result.
func (c *Chromosome) Clone() *Chromosome {
	roots := make([]*gene.Gene, len(c.Roots))
	for i, r := range c.Roots {
		roots[i] = r.Clone()
	}
	return New(roots)
}

// sideChannel is the envelope gob-encoded by Dumps/Loads.
type sideChannel struct {
	Version uint8
	UID     uint64
	Fitness float64
	Metrics map[string]float64
	Fuzzer  string
	Roots   []sideGene
	Trace   *sideTrace
}

type sideGene struct {
	Data     []byte
	Tag      gene.Tag
	Anomaly  bool
	Children []sideGene
}

type sideTrace struct {
	Images     []string
	Hit        map[string][]int
	HasCrashed bool
}

const sideChannelVersion = 1

func toSideGene(g *gene.Gene) sideGene {
	children := g.Children()
	sg := sideGene{
		Data:     g.Data,
		Tag:      g.Tag,
		Anomaly:  g.MarkedAnomaly(),
		Children: make([]sideGene, len(children)),
	}
	for i, c := range children {
		sg.Children[i] = toSideGene(c)
	}
	return sg
}

func fromSideGene(sg sideGene) *gene.Gene {
	g := gene.New(sg.Data)
	g.Tag = sg.Tag
	if sg.Anomaly {
		g.MarkAnomaly()
	}
	for _, sc := range sg.Children {
		g.AddChild(fromSideGene(sc), -1)
	}
	return g
}

// Dumps renders the side-channel serialization of c: its genes (with
// format-specific metadata), metrics, uid, and trace. This is distinct
// from Serialize, which renders only the bytes a parser's format would
// feed the target; Dumps is used for on-disk persistence and
// peer-instance exchange.
func (c *Chromosome) Dumps() ([]byte, error) {
	sc := sideChannel{
		Version: sideChannelVersion,
		UID:     c.UID,
		Fitness: c.Fitness,
		Metrics: c.Metrics,
		Fuzzer:  c.Fuzzer,
		Roots:   make([]sideGene, len(c.Roots)),
	}
	for i, r := range c.Roots {
		sc.Roots[i] = toSideGene(r)
	}
	if c.Trace != nil {
		st := &sideTrace{HasCrashed: c.Trace.HasCrashed, Hit: make(map[string][]int)}
		st.Images = append(st.Images, c.Trace.Images...)
		for _, img := range c.Trace.Images {
			for bbl := range c.Trace.Set(img) {
				st.Hit[img] = append(st.Hit[img], bbl)
			}
		}
		sc.Trace = st
	}

	var buf bytes.Buffer
	// A one-byte version header precedes the gob stream so that a future
	// incompatible envelope change can be detected before decode is even
	// attempted.
	buf.WriteByte(sideChannelVersion)
	if err := gob.NewEncoder(&buf).Encode(sc); err != nil {
		return nil, fmt.Errorf("chromosome: encoding side channel: %w", err)
	}
	return buf.Bytes(), nil
}

// Loads decodes a new chromosome from a blob produced by Dumps.
func Loads(data []byte) (*Chromosome, error) {
	if len(data) < 1 {
		return nil, errors.New("chromosome: empty side-channel blob")
	}
	version := data[0]
	if version != sideChannelVersion {
		return nil, fmt.Errorf("chromosome: unsupported side-channel version %d", version)
	}
	var sc sideChannel
	if err := gob.NewDecoder(bytes.NewReader(data[1:])).Decode(&sc); err != nil {
		return nil, fmt.Errorf("chromosome: decoding side channel: %w", err)
	}

	c := &Chromosome{
		UID:     sc.UID,
		Fitness: sc.Fitness,
		Metrics: sc.Metrics,
		Fuzzer:  sc.Fuzzer,
		Roots:   make([]*gene.Gene, len(sc.Roots)),
	}
	if c.Metrics == nil {
		c.Metrics = make(map[string]float64)
	}
	for i, sg := range sc.Roots {
		c.Roots[i] = fromSideGene(sg)
	}
	if sc.Trace != nil {
		t := trace.New()
		t.HasCrashed = sc.Trace.HasCrashed
		for _, img := range sc.Trace.Images {
			t.AddImage(img)
			for _, bbl := range sc.Trace.Hit[img] {
				t.AddBBL(img, bbl)
			}
		}
		c.Trace = t
	}
	return c, nil
}
