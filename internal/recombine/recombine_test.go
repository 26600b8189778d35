package recombine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskwave/genoma/internal/chromosome"
	"github.com/duskwave/genoma/internal/gene"
)

func leaf(data string) *gene.Gene { return gene.New([]byte(data)) }

func twoChromosomesWithChildren() (*chromosome.Chromosome, *chromosome.Chromosome) {
	root1 := leaf("root1")
	child1 := leaf("child1")
	root1.AddChild(child1, -1)

	root2 := leaf("root2")
	child2 := leaf("child2")
	root2.AddChild(child2, -1)

	return chromosome.New([]*gene.Gene{root1}), chromosome.New([]*gene.Gene{root2})
}

func TestRegistryLookup(t *testing.T) {
	names := []string{
		"Null", "ParentChildrenSwap", "ShuffleSiblings", "RandomGeneSwap",
		"RemoveGene", "DuplicateGene", "RandomGeneInsert", "SimilarGeneInsert",
		"AdditiveSimilarGeneCrossOver",
	}
	for _, name := range names {
		r, err := Lookup(name)
		require.NoError(t, err, name)
		assert.NotNil(t, r, name)
	}
	_, err := Lookup("DoesNotExist")
	assert.Error(t, err)
}

func TestNullLeavesStructureIntact(t *testing.T) {
	c1, c2 := twoChromosomesWithChildren()
	before1 := len(c1.GetAllGenes())
	before2 := len(c2.GetAllGenes())

	Null{}.Recombine(c1, c2, nil)

	assert.Len(t, c1.GetAllGenes(), before1)
	assert.Len(t, c2.GetAllGenes(), before2)
}

func TestChoosersNeverSelectAnomalyGenes(t *testing.T) {
	marked := leaf("signature")
	marked.MarkAnomaly()
	payload := leaf("payload")
	c1 := chromosome.New([]*gene.Gene{marked, payload})
	c2 := chromosome.New([]*gene.Gene{leaf("other")})

	for i := 0; i < 20; i++ {
		g1, g2 := chooseAny(c1, c2)
		require.NotNil(t, g1)
		require.NotNil(t, g2)
		assert.NotSame(t, marked, g1)
	}

	// A chromosome whose only genes are anomalies yields no pick at
	// all, so every operator falls back to returning its inputs
	// unchanged.
	onlyMarked := chromosome.New([]*gene.Gene{marked.Clone()})
	g1, g2 := chooseAny(onlyMarked, c2)
	assert.Nil(t, g1)
	assert.Nil(t, g2)

	RemoveGene{}.Recombine(onlyMarked, c2, nil)
	assert.Len(t, onlyMarked.GetAllGenes(), 1)
}

func TestEmptyChromosomeReturnsUnchanged(t *testing.T) {
	empty := chromosome.New(nil)
	other := chromosome.New([]*gene.Gene{leaf("x")})

	r1, r2 := Null{}.Recombine(empty, other, nil)
	assert.Same(t, empty, r1)
	assert.Same(t, other, r2)
	assert.Empty(t, empty.GetAllGenes())
}

func TestSwapWithParentAdoptsChildSubtree(t *testing.T) {
	root := leaf("root")
	child := leaf("child")
	grand := leaf("grand")
	child.AddChild(grand, -1)
	root.AddChild(child, -1)
	c := chromosome.New([]*gene.Gene{root})

	swapWithParent(c, child)

	// The parent keeps its place in the tree but takes over the chosen
	// child's subtree; the chosen child itself ends up detached, so the
	// former grandchild is now a direct child of the root.
	require.Len(t, c.Roots, 1)
	assert.Equal(t, "root", string(c.Roots[0].Data))
	require.Len(t, c.Roots[0].Children(), 1)
	assert.Equal(t, "grand", string(c.Roots[0].Children()[0].Data))
}

func TestParentChildrenSwapDetachesChosenChild(t *testing.T) {
	// Each tree has exactly one non-root gene, so the chooser is
	// deterministic: the leaf is swapped with its root and detached,
	// leaving the root childless.
	c1, c2 := twoChromosomesWithChildren()
	ParentChildrenSwap{}.Recombine(c1, c2, nil)

	require.Len(t, c1.Roots, 1)
	assert.Equal(t, "root1", string(c1.Roots[0].Data))
	assert.Empty(t, c1.Roots[0].Children())
	require.Len(t, c2.Roots, 1)
	assert.Empty(t, c2.Roots[0].Children())
}

func TestRemoveGeneShrinksBothTrees(t *testing.T) {
	c1, c2 := twoChromosomesWithChildren()
	before1 := len(c1.GetAllGenes())
	before2 := len(c2.GetAllGenes())

	RemoveGene{}.Recombine(c1, c2, nil)

	assert.Less(t, len(c1.GetAllGenes()), before1)
	assert.Less(t, len(c2.GetAllGenes()), before2)
}

func TestDuplicateGeneGrowsBothTrees(t *testing.T) {
	c1, c2 := twoChromosomesWithChildren()
	before1 := len(c1.GetAllGenes())
	before2 := len(c2.GetAllGenes())

	DuplicateGene{}.Recombine(c1, c2, nil)

	assert.Greater(t, len(c1.GetAllGenes()), before1)
	assert.Greater(t, len(c2.GetAllGenes()), before2)
}

func TestRandomGeneSwapPreservesCombinedGeneCount(t *testing.T) {
	c1, c2 := twoChromosomesWithChildren()
	before := len(c1.GetAllGenes()) + len(c2.GetAllGenes())

	RandomGeneSwap{}.Recombine(c1, c2, nil)

	// A swap can move a whole subtree from one chromosome to the other,
	// so only the combined count is stable.
	after := len(c1.GetAllGenes()) + len(c2.GetAllGenes())
	assert.Equal(t, before, after)
}

func TestSimilarGeneInsertNoMatchLeavesUnchanged(t *testing.T) {
	c1, c2 := twoChromosomesWithChildren()
	before1 := len(c1.GetAllGenes())
	before2 := len(c2.GetAllGenes())

	// No gene in either tree has an Equal predicate set, so no pair
	// ever satisfies IsEqual and the operator must be a no-op.
	SimilarGeneInsert{}.Recombine(c1, c2, nil)

	assert.Len(t, c1.GetAllGenes(), before1)
	assert.Len(t, c2.GetAllGenes(), before2)
}

func TestAdditiveSimilarGeneCrossOverDelegatesToSimilarGeneInsert(t *testing.T) {
	c1, c2 := twoChromosomesWithChildren()
	before1 := len(c1.GetAllGenes())
	before2 := len(c2.GetAllGenes())

	AdditiveSimilarGeneCrossOver{}.Recombine(c1, c2, nil)

	assert.Len(t, c1.GetAllGenes(), before1)
	assert.Len(t, c2.GetAllGenes(), before2)
}
