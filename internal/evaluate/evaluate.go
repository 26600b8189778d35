// Package evaluate computes per-chromosome coverage metrics, normalizes
// them against a global min/max taken across two generations, and
// combines them into a scalar fitness per the configured metric weights.
package evaluate

import (
	"fmt"
	"sync"

	"gonum.org/v1/gonum/floats"

	"github.com/duskwave/genoma/internal/blockcache"
	"github.com/duskwave/genoma/internal/chromosome"
	"github.com/duskwave/genoma/internal/population"
	"github.com/duskwave/genoma/internal/trace"
)

// Metric computes one named coverage statistic for c, given the
// generation c belongs to (own) and the other generation taking part in
// this evaluation pass (other, nil on the very first epoch).
type Metric func(c *chromosome.Chromosome, own, other *population.Generation, caches map[string]*blockcache.Cache) float64

var (
	mu       sync.Mutex
	registry = make(map[string]Metric)
)

// Register adds a named metric to the registry. It panics if name is
// already registered.
func Register(name string, m Metric) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := registry[name]; ok {
		panic(fmt.Sprintf("evaluate: metric %q already registered", name))
	}
	registry[name] = m
}

// Lookup returns the metric registered under name.
func Lookup(name string) (Metric, error) {
	mu.Lock()
	defer mu.Unlock()
	m, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("evaluate: no metric registered for %q", name)
	}
	return m, nil
}

func init() {
	Register("BasicBlockCoverage", basicBlockCoverage)
	Register("UniversalPathUniqueness", universalPathUniqueness)
	Register("GenerationUniqueness", generationUniqueness)
	Register("CodeCommonality", codeCommonality)
}

func emptyTrace() *trace.Trace { return trace.New() }

// basicBlockCoverage is the fraction of the target's total known blocks
// hit by c, 0 if the cache holds no blocks at all.
func basicBlockCoverage(c *chromosome.Chromosome, _, _ *population.Generation, caches map[string]*blockcache.Cache) float64 {
	total := 0
	for _, cache := range caches {
		total += cache.Count()
	}
	if total == 0 || c.Trace == nil {
		return 0
	}
	return float64(c.Trace.UniqueTotal()) / float64(total)
}

// universalPathUniqueness is the fraction of c's hit blocks that no
// other chromosome in either generation hit.
func universalPathUniqueness(c *chromosome.Chromosome, own, other *population.Generation, _ map[string]*blockcache.Cache) float64 {
	if c.Trace == nil {
		return 0
	}
	unique := c.Trace.UniqueTotal()
	if unique == 0 {
		return 0
	}

	otherTrace := emptyTrace()
	if other != nil {
		otherTrace = other.Trace
	}
	diff := c.Trace.DifferencePerImage(otherTrace)

	if own != nil {
		siblings, err := own.GetAll()
		if err == nil {
			for _, sib := range siblings {
				if sib.UID == c.UID || sib.Trace == nil {
					continue
				}
				for img, set := range diff {
					for bbl := range sib.Trace.Set(img) {
						delete(set, bbl)
					}
				}
			}
		}
	}

	n := 0
	for _, set := range diff {
		n += len(set)
	}
	return float64(n) / float64(unique)
}

// generationUniqueness is the fraction of c's hit blocks absent from the
// other generation's aggregate trace. The first generation (other == nil)
// returns 1.0: nothing has been seen anywhere yet.
func generationUniqueness(c *chromosome.Chromosome, _, other *population.Generation, _ map[string]*blockcache.Cache) float64 {
	if other == nil {
		return 1.0
	}
	if c.Trace == nil {
		return 0
	}
	unique := c.Trace.UniqueTotal()
	if unique == 0 {
		return 0
	}
	diff := c.Trace.DifferencePerImage(other.Trace)
	n := 0
	for _, set := range diff {
		n += len(set)
	}
	return float64(n) / float64(unique)
}

// codeCommonality is the average hit count per unique block, bounded
// below by 1; it is 0 for a chromosome with no coverage at all.
func codeCommonality(c *chromosome.Chromosome, _, _ *population.Generation, _ map[string]*blockcache.Cache) float64 {
	if c.Trace == nil {
		return 0
	}
	total := c.Trace.Total()
	if total == 0 {
		return 0
	}
	unique := c.Trace.UniqueTotal()
	if unique == 0 {
		return 0
	}
	v := float64(total) / float64(unique)
	if v < 1 {
		v = 1
	}
	return v
}

// Evaluator computes and normalizes metrics, then writes fitness into a
// pair of generations.
type Evaluator struct {
	Caches  map[string]*blockcache.Cache
	Weights map[string]float64
}

// New returns an Evaluator scoring against caches with the given
// per-metric weights.
func New(caches map[string]*blockcache.Cache, weights map[string]float64) *Evaluator {
	return &Evaluator{Caches: caches, Weights: weights}
}

// Evaluate runs two passes: it computes every configured metric for
// every chromosome in previous (if not nil) and current, folding the
// results into each generation's running min/max,
// then normalizes against the combined bounds and writes fitness back
// into both generations. If previous is nil (the first epoch), current's
// metric bounds are cleared before returning so the next epoch starts
// fresh.
func (e *Evaluator) Evaluate(previous, current *population.Generation) error {
	gens := []*population.Generation{current}
	if previous != nil {
		gens = []*population.Generation{previous, current}
	}

	for _, g := range gens {
		var other *population.Generation
		if g == current {
			other = previous
		}
		chroms, err := g.GetAll()
		if err != nil {
			return fmt.Errorf("evaluate: listing generation %d: %w", g.Epoch, err)
		}
		for _, c := range chroms {
			metrics := make(map[string]float64, len(e.Weights))
			for name := range e.Weights {
				fn, err := Lookup(name)
				if err != nil {
					return err
				}
				metrics[name] = fn(c, g, other, e.Caches)
			}
			if err := g.SetMetrics(c.UID, metrics); err != nil {
				return fmt.Errorf("evaluate: setting metrics for %d: %w", c.UID, err)
			}
		}
	}

	for _, g := range gens {
		chroms, err := g.GetAll()
		if err != nil {
			return fmt.Errorf("evaluate: listing generation %d: %w", g.Epoch, err)
		}
		for _, c := range chroms {
			fitness, err := e.fitness(c, gens)
			if err != nil {
				return err
			}
			if err := g.SetFitness(c.UID, fitness); err != nil {
				return fmt.Errorf("evaluate: setting fitness for %d: %w", c.UID, err)
			}
		}
	}

	if previous == nil {
		current.ResetMetricBounds()
	}
	return nil
}

// fitness computes the weighted sum of c's normalized metrics, with
// per-metric bounds taken across every generation in gens.
func (e *Evaluator) fitness(c *chromosome.Chromosome, gens []*population.Generation) (float64, error) {
	weights := make([]float64, 0, len(e.Weights))
	normalized := make([]float64, 0, len(e.Weights))
	for name, weight := range e.Weights {
		lo, hi, ok := globalBounds(name, gens)
		if !ok {
			lo, hi = 0, 0
		}
		den := hi - lo
		if den < 1 {
			den = 1
		}
		weights = append(weights, weight)
		normalized = append(normalized, (c.Metrics[name]-lo)/den)
	}
	return floats.Dot(weights, normalized), nil
}

// globalBounds returns the min and max observed for a named metric
// across every generation in gens.
func globalBounds(name string, gens []*population.Generation) (lo, hi float64, ok bool) {
	var los, his []float64
	for _, g := range gens {
		if v, ok2 := g.MinMetric(name); ok2 {
			los = append(los, v)
		}
		if v, ok2 := g.MaxMetric(name); ok2 {
			his = append(his, v)
		}
	}
	if len(los) == 0 || len(his) == 0 {
		return 0, 0, false
	}
	return floats.Min(los), floats.Max(his), true
}
