// The lineage command describes how per-basic-block leadership shifted
// between two epochs of a campaign kept via KeepGenerations. For each
// epoch it reconstructs the same per-(image, block) leader chosen during
// elitism (highest fitness, ties broken by larger trace total), then
// builds an undirected graph whose nodes are the (recombinator, mutator)
// fuzzer tags that produced a leading chromosome and whose edge weights
// are counts of blocks whose leader's tag changed between the two
// epochs. The graph is written as a DOT file, so it can be rendered
// straight off to see which fuzzer strategies displaced which others.
package main

import (
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"path/filepath"
	"sort"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/encoding"
	"gonum.org/v1/gonum/graph/encoding/dot"
	"gonum.org/v1/gonum/graph/simple"

	"github.com/duskwave/genoma/internal/chromosome"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s <campaign-dir> <epoch-a> <epoch-b> <out-prefix>\n", os.Args[0])
	}
	flag.Parse()
	if flag.NArg() != 4 {
		flag.Usage()
		os.Exit(2)
	}

	dir := flag.Arg(0)
	epochA, epochB := flag.Arg(1), flag.Arg(2)
	outPrefix := flag.Arg(3)

	if err := run(dir, epochA, epochB, outPrefix); err != nil {
		log.Fatal(err)
	}
}

// blockKey identifies one basic block within one instrumented image.
type blockKey struct {
	image string
	bbl   int
}

func run(dir, epochA, epochB, outPrefix string) error {
	leadersA, err := leaders(filepath.Join(dir, "generations", epochA))
	if err != nil {
		return fmt.Errorf("lineage: reading epoch %s: %w", epochA, err)
	}
	leadersB, err := leaders(filepath.Join(dir, "generations", epochB))
	if err != nil {
		return fmt.Errorf("lineage: reading epoch %s: %w", epochB, err)
	}

	keys := make([]blockKey, 0, len(leadersA))
	for key := range leadersA {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].image != keys[j].image {
			return keys[i].image < keys[j].image
		}
		return keys[i].bbl < keys[j].bbl
	})

	g := newTagGraph()
	for _, key := range keys {
		tagA := leadersA[key]
		tagB, ok := leadersB[key]
		if !ok || tagA == tagB {
			continue
		}
		e := tagEdge{
			f: g.nodeFor(tagA),
			t: g.nodeFor(tagB),
			w: 1,
		}
		if existing := g.WeightedEdge(e.f.ID(), e.t.ID()); existing != nil {
			e.w = existing.Weight() + 1
		}
		g.SetWeightedEdge(e)
	}

	b, err := dot.Marshal(g, fmt.Sprintf("lineage_%s_%s", epochA, epochB), "", "\t")
	if err != nil {
		return fmt.Errorf("lineage: marshaling graph: %w", err)
	}
	path := outPrefix + ".dot"
	if err := ioutil.WriteFile(path, b, 0o664); err != nil {
		return fmt.Errorf("lineage: writing %s: %w", path, err)
	}
	return nil
}

// leaders reconstructs the per-block leader tag for one epoch's dumped
// generation directory, applying the same promotion rule as
// population.Population.Elitism.
func leaders(epochDir string) (map[blockKey]string, error) {
	entries, err := ioutil.ReadDir(epochDir)
	if err != nil {
		return nil, err
	}

	type held struct {
		tag     string
		fitness float64
		total   int
	}
	held1 := make(map[blockKey]held)

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := ioutil.ReadFile(filepath.Join(epochDir, e.Name()))
		if err != nil {
			return nil, err
		}
		c, err := chromosome.Loads(data)
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", e.Name(), err)
		}
		if c.Trace == nil {
			continue
		}
		tag := c.Fuzzer
		if tag == "" {
			tag = "seed"
		}
		for _, img := range c.Trace.Images {
			for bbl := range c.Trace.Set(img) {
				key := blockKey{image: img, bbl: bbl}
				cur, ok := held1[key]
				switch {
				case !ok:
					held1[key] = held{tag: tag, fitness: c.Fitness, total: c.Trace.Total()}
				case c.Fitness > cur.fitness:
					held1[key] = held{tag: tag, fitness: c.Fitness, total: c.Trace.Total()}
				case c.Fitness == cur.fitness && c.Trace.Total() > cur.total:
					held1[key] = held{tag: tag, fitness: c.Fitness, total: c.Trace.Total()}
				}
			}
		}
	}

	out := make(map[blockKey]string, len(held1))
	for key, h := range held1 {
		out[key] = h.tag
	}
	return out, nil
}

type tagGraph struct {
	*simple.WeightedUndirectedGraph
	idFor map[string]int64
}

func newTagGraph() tagGraph {
	return tagGraph{
		WeightedUndirectedGraph: simple.NewWeightedUndirectedGraph(0, 0),
		idFor:                   make(map[string]int64),
	}
}

func (g tagGraph) nodeFor(tag string) graph.Node {
	id, ok := g.idFor[tag]
	if ok {
		return g.Node(id)
	}
	id = g.WeightedUndirectedGraph.NewNode().ID()
	g.idFor[tag] = id
	n := tagNode{id: id, tag: tag}
	g.AddNode(n)
	return n
}

type tagNode struct {
	id  int64
	tag string
}

func (n tagNode) ID() int64     { return n.id }
func (n tagNode) DOTID() string { return n.tag }

type tagEdge struct {
	f, t graph.Node
	w    float64
}

func (e tagEdge) From() graph.Node         { return e.f }
func (e tagEdge) To() graph.Node           { return e.t }
func (e tagEdge) ReversedEdge() graph.Edge { return tagEdge{f: e.t, t: e.f, w: e.w} }
func (e tagEdge) Weight() float64          { return e.w }
func (e tagEdge) Attributes() []encoding.Attribute {
	return []encoding.Attribute{{Key: "weight", Value: fmt.Sprint(e.w)}}
}
