// Package recombine implements structural operators over a pair of
// chromosomes: they move, copy, or swap whole genes (and the subtrees
// hanging off them) rather than editing bytes in place, exploiting the
// format's tree structure the way a byte-level mutator cannot.
package recombine

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/duskwave/genoma/internal/chromosome"
	"github.com/duskwave/genoma/internal/gene"
	"github.com/duskwave/genoma/internal/mutate"
)

// defaultMutateN is the window/count passed to the fallback mutator used
// when a recombinator is not given one explicitly.
const defaultMutateN = 5

// Recombinator restructures a pair of chromosomes, optionally fuzzing
// the bytes of any gene it moves or copies with m. A nil m falls back to
// a plain random-byte mutator.
type Recombinator interface {
	Recombine(c1, c2 *chromosome.Chromosome, m gene.Mutator) (*chromosome.Chromosome, *chromosome.Chromosome)
}

var (
	mu       sync.Mutex
	registry = make(map[string]Recombinator)
)

// Register adds a named recombinator to the registry. It panics if name
// is already registered.
func Register(name string, r Recombinator) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := registry[name]; ok {
		panic(fmt.Sprintf("recombine: recombinator %q already registered", name))
	}
	registry[name] = r
}

// Lookup returns the recombinator registered under name.
func Lookup(name string) (Recombinator, error) {
	mu.Lock()
	defer mu.Unlock()
	r, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("recombine: no recombinator registered for %q", name)
	}
	return r, nil
}

func init() {
	Register("Null", Null{})
	Register("ParentChildrenSwap", ParentChildrenSwap{})
	Register("ShuffleSiblings", ShuffleSiblings{})
	Register("RandomGeneSwap", RandomGeneSwap{})
	Register("RemoveGene", RemoveGene{})
	Register("DuplicateGene", DuplicateGene{})
	Register("RandomGeneInsert", RandomGeneInsert{})
	Register("SimilarGeneInsert", SimilarGeneInsert{})
	Register("AdditiveSimilarGeneCrossOver", AdditiveSimilarGeneCrossOver{})
}

// pickable returns every gene of c that is a valid selection target:
// anomaly genes (format sentinels such as a signature) are never chosen
// by any operator.
func pickable(c *chromosome.Chromosome) []*gene.Gene {
	var out []*gene.Gene
	for _, g := range c.GetAllGenes() {
		if g.Anomaly() {
			continue
		}
		out = append(out, g)
	}
	return out
}

// chooseAny returns one uniformly random pickable gene from each
// chromosome's whole tree, or (nil, nil) if either tree has none.
func chooseAny(c1, c2 *chromosome.Chromosome) (*gene.Gene, *gene.Gene) {
	all1 := pickable(c1)
	all2 := pickable(c2)
	if len(all1) == 0 || len(all2) == 0 {
		return nil, nil
	}
	return all1[rand.Intn(len(all1))], all2[rand.Intn(len(all2))]
}

// chooseChildren returns one uniformly random pickable non-root gene
// from each chromosome, or nil for a chromosome with none.
func chooseChildren(c1, c2 *chromosome.Chromosome) (*gene.Gene, *gene.Gene) {
	return pickNonRoot(c1), pickNonRoot(c2)
}

func pickNonRoot(c *chromosome.Chromosome) *gene.Gene {
	all := pickable(c)
	roots := make(map[*gene.Gene]bool, len(c.Roots))
	for _, r := range c.Roots {
		roots[r] = true
	}
	for _, i := range rand.Perm(len(all)) {
		if !roots[all[i]] {
			return all[i]
		}
	}
	return nil
}

// chooseSimilar returns a pair of pickable genes, one from each
// chromosome, for which gene2.IsEqual(gene1) holds, or (nil, nil) if no
// such pair exists.
func chooseSimilar(c1, c2 *chromosome.Chromosome) (*gene.Gene, *gene.Gene) {
	all1 := pickable(c1)
	all2 := pickable(c2)
	for _, i := range rand.Perm(len(all1)) {
		g1 := all1[i]
		for _, g2 := range all2 {
			if g2.IsEqual(g1) {
				return g1, g2
			}
		}
	}
	return nil, nil
}

// mutateGene fuzzes g's payload with m unless g is an anomaly gene
// (a format sentinel that must never be touched), returning g either
// way for call-site convenience.
func mutateGene(g *gene.Gene, m gene.Mutator) *gene.Gene {
	if g == nil || g.Anomaly() {
		return g
	}
	if m == nil {
		m = mutate.RandomByte{}
	}
	g.Mutate(m, defaultMutateN)
	return g
}

// insertNextTo adds g as a new sibling of target: as a child of target's
// parent if target has one, or inserted into the chromosome's root list
// immediately before target otherwise.
func insertNextTo(c *chromosome.Chromosome, target, g *gene.Gene) {
	parent, err := c.FindParent(target)
	if err != nil {
		return
	}
	if parent == nil {
		for i, r := range c.Roots {
			if r == target {
				roots := make([]*gene.Gene, 0, len(c.Roots)+1)
				roots = append(roots, c.Roots[:i]...)
				roots = append(roots, g)
				roots = append(roots, c.Roots[i:]...)
				c.Roots = roots
				return
			}
		}
		return
	}
	parent.AddChild(g, -1)
}

// Null fuzzes one gene from each chromosome without changing structure.
type Null struct{}

func (Null) Recombine(c1, c2 *chromosome.Chromosome, m gene.Mutator) (*chromosome.Chromosome, *chromosome.Chromosome) {
	g1, g2 := chooseAny(c1, c2)
	if g1 == nil || g2 == nil {
		return c1, c2
	}
	mutateGene(g1, m)
	mutateGene(g2, m)
	return c1, c2
}

// ParentChildrenSwap exchanges a chosen non-root gene with its parent in
// each chromosome: the child inherits the parent's siblings as its own
// children, and the parent becomes a child of the former child at the
// same sibling index. The parent keeps its own place in the tree, so the
// chosen child (now carrying the parent's former children, itself
// replaced by the parent) ends up detached from the chromosome.
type ParentChildrenSwap struct{}

func (ParentChildrenSwap) Recombine(c1, c2 *chromosome.Chromosome, m gene.Mutator) (*chromosome.Chromosome, *chromosome.Chromosome) {
	child1, child2 := chooseChildren(c1, c2)
	if child1 == nil || child2 == nil {
		return c1, c2
	}
	swapWithParent(c1, child1)
	swapWithParent(c2, child2)
	return c1, c2
}

func swapWithParent(c *chromosome.Chromosome, child *gene.Gene) {
	parent, err := c.FindParent(child)
	if err != nil || parent == nil {
		return
	}
	siblings := append([]*gene.Gene(nil), parent.Children()...)
	index := -1
	for i, s := range siblings {
		if s == child {
			index = i
			break
		}
	}
	if index < 0 {
		return
	}
	childChildren := append([]*gene.Gene(nil), child.Children()...)
	parent.SetChildren(childChildren)
	siblings[index] = parent
	child.SetChildren(siblings)
}

// ShuffleSiblings chooses a non-root gene in each chromosome and permutes
// its parent's children list.
type ShuffleSiblings struct{}

func (ShuffleSiblings) Recombine(c1, c2 *chromosome.Chromosome, m gene.Mutator) (*chromosome.Chromosome, *chromosome.Chromosome) {
	child1, child2 := chooseChildren(c1, c2)
	if child1 == nil || child2 == nil {
		return c1, c2
	}
	if parent1, err := c1.FindParent(child1); err == nil && parent1 != nil {
		parent1.ShuffleChildren()
	}
	if parent2, err := c2.FindParent(child2); err == nil && parent2 != nil {
		parent2.ShuffleChildren()
	}
	return c1, c2
}

// RandomGeneSwap deep-copies a chosen gene from each chromosome, mutates
// each copy, and swaps the copies across chromosomes. Both sides get
// their own copy; the chromosomes never share gene state afterwards.
type RandomGeneSwap struct{}

func (RandomGeneSwap) Recombine(c1, c2 *chromosome.Chromosome, m gene.Mutator) (*chromosome.Chromosome, *chromosome.Chromosome) {
	old1, old2 := chooseAny(c1, c2)
	if old1 == nil || old2 == nil {
		return c1, c2
	}
	g1 := mutateGene(old1.Clone(), m)
	g2 := mutateGene(old2.Clone(), m)
	c2.ReplaceGene(old2, g1)
	c1.ReplaceGene(old1, g2)
	return c1, c2
}

// RemoveGene deletes a chosen gene from each chromosome.
type RemoveGene struct{}

func (RemoveGene) Recombine(c1, c2 *chromosome.Chromosome, m gene.Mutator) (*chromosome.Chromosome, *chromosome.Chromosome) {
	old1, old2 := chooseAny(c1, c2)
	if old1 == nil || old2 == nil {
		return c1, c2
	}
	c1.RemoveGene(old1)
	c2.RemoveGene(old2)
	return c1, c2
}

// DuplicateGene deep-copies a chosen gene from each chromosome, mutates
// each copy, and inserts it next to its own original.
type DuplicateGene struct{}

func (DuplicateGene) Recombine(c1, c2 *chromosome.Chromosome, m gene.Mutator) (*chromosome.Chromosome, *chromosome.Chromosome) {
	old1, old2 := chooseAny(c1, c2)
	if old1 == nil || old2 == nil {
		return c1, c2
	}
	g1 := mutateGene(old1.Clone(), m)
	g2 := mutateGene(old2.Clone(), m)
	insertNextTo(c1, old1, g1)
	insertNextTo(c2, old2, g2)
	return c1, c2
}

// RandomGeneInsert deep-copies a chosen gene from each chromosome,
// mutates each copy, and inserts it into the *other* chromosome next to
// that chromosome's chosen gene.
type RandomGeneInsert struct{}

func (RandomGeneInsert) Recombine(c1, c2 *chromosome.Chromosome, m gene.Mutator) (*chromosome.Chromosome, *chromosome.Chromosome) {
	old1, old2 := chooseAny(c1, c2)
	if old1 == nil || old2 == nil {
		return c1, c2
	}
	g1 := mutateGene(old1.Clone(), m)
	g2 := mutateGene(old2.Clone(), m)
	insertNextTo(c1, old1, g2)
	insertNextTo(c2, old2, g1)
	return c1, c2
}

// SimilarGeneInsert is RandomGeneInsert with genes chosen by similarity
// instead of uniformly at random.
type SimilarGeneInsert struct{}

func (SimilarGeneInsert) Recombine(c1, c2 *chromosome.Chromosome, m gene.Mutator) (*chromosome.Chromosome, *chromosome.Chromosome) {
	old1, old2 := chooseSimilar(c1, c2)
	if old1 == nil || old2 == nil {
		return c1, c2
	}
	g1 := mutateGene(old1.Clone(), m)
	g2 := mutateGene(old2.Clone(), m)
	insertNextTo(c1, old1, g2)
	insertNextTo(c2, old2, g1)
	return c1, c2
}

// AdditiveSimilarGeneCrossOver is SimilarGeneInsert under a different
// name, kept distinct because configuration selects recombinators by
// name and both are canonical entries.
type AdditiveSimilarGeneCrossOver struct{}

func (AdditiveSimilarGeneCrossOver) Recombine(c1, c2 *chromosome.Chromosome, m gene.Mutator) (*chromosome.Chromosome, *chromosome.Chromosome) {
	return SimilarGeneInsert{}.Recombine(c1, c2, m)
}
