// Command fuzzd runs one evolutionary fuzzing campaign to completion, an
// unrecoverable error, or an interrupt.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/duskwave/genoma/internal/campaign"
	"github.com/duskwave/genoma/internal/chromosome"
	"github.com/duskwave/genoma/internal/config"
	"github.com/duskwave/genoma/internal/disasm"
	"github.com/duskwave/genoma/internal/evaluate"
	"github.com/duskwave/genoma/internal/ferrors"
	"github.com/duskwave/genoma/internal/parser"
	_ "github.com/duskwave/genoma/internal/parser/pngchunk"
	"github.com/duskwave/genoma/internal/population"
	"github.com/duskwave/genoma/internal/strategy"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s <config-path>\n", os.Args[0])
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(flag.Arg(0)); err != nil {
		if err == errInterrupted {
			os.Exit(0)
		}
		log.Fatal(err)
	}
}

var errInterrupted = fmt.Errorf("fuzzd: interrupted")

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	dir := filepath.Join(".", cfg.CampaignName)
	ws, err := campaign.New(dir)
	if err != nil {
		return fmt.Errorf("fuzzd: %w", err)
	}
	defer ws.Close()

	plugin, err := parser.Lookup(cfg.Parser)
	if err != nil {
		return ferrors.Wrap(ferrors.Configuration, err)
	}

	seedPaths, err := ws.CopySeeds(cfg.InitialPopulation)
	if err != nil {
		return err
	}
	if len(seedPaths) == 0 {
		return ferrors.New(ferrors.Configuration, "initial population is empty")
	}

	harness := disasm.NewHarness(cfg.Command, cfg.Whitelist, time.Duration(cfg.Timeout)*time.Second, ws.StagingDir())
	log.Printf("disassembling %d whitelisted modules with %s", len(cfg.Whitelist), cfg.Disassembler)
	if err := harness.Setup(cfg.Disassembler, cfg.DisassemblerPath); err != nil {
		return err
	}

	pop, err := population.New(dir, harness.Caches)
	if err != nil {
		return fmt.Errorf("fuzzd: %w", err)
	}

	log.Printf("seeding population from %d files", len(seedPaths))
	for _, path := range seedPaths {
		roots, err := plugin.Deserializer.Deserialize(path)
		if err != nil {
			return ferrors.Wrap(ferrors.Parse, fmt.Errorf("%s: %w", path, err))
		}
		if err := pop.AddChromosome(chromosome.New(roots)); err != nil {
			return err
		}
	}

	eval := evaluate.New(harness.Caches, cfg.FitnessAlgorithms)

	if err := analyze(pop.Current, harness, plugin.Serializer, ws); err != nil {
		return err
	}
	if err := eval.Evaluate(nil, pop.Current); err != nil {
		return err
	}
	if _, err := runElitism(pop); err != nil {
		return err
	}
	log.Printf("seed generation promoted %d chromosomes", pop.Current.Len())

	strat, err := strategy.New(cfg.Recombinators, cfg.Mutators)
	if err != nil {
		return ferrors.Wrap(ferrors.Configuration, err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case <-sigc:
			return errInterrupted
		default:
		}

		if err := fuzz(pop, strat); err != nil {
			return err
		}
		if err := analyze(pop.Current, harness, plugin.Serializer, ws); err != nil {
			return err
		}
		if err := eval.Evaluate(pop.Previous, pop.Current); err != nil {
			return err
		}

		newGen, err := runElitism(pop)
		if err != nil {
			return err
		}
		survivors, err := newGen.GetAll()
		if err != nil {
			return fmt.Errorf("fuzzd: %w", err)
		}
		creditAssign(strat, survivors)

		if cfg.KeepGenerations {
			if err := ws.DumpGeneration(pop.Current); err != nil {
				return err
			}
		}
		if cfg.ChromosomeShared != "" {
			if err := exchangePeers(pop, ws, plugin, cfg.ChromosomeShared); err != nil {
				return err
			}
		}

		log.Printf("epoch %d: %d chromosomes, %d unique blocks covered",
			pop.Epoch, pop.Current.Len(), pop.Current.Trace.UniqueTotal())
	}
}

// fuzz begins a new epoch, draws breeding couples from the previous
// (elite) generation until its selector is exhausted, and fills the new
// current generation with their offspring. Parents are cloned before
// recombination so the elites themselves are never restructured, and
// clone uids are redrawn until they collide with nothing in either
// generation.
func fuzz(pop *population.Population, strat *strategy.FuzzingStrategy) error {
	if _, err := pop.NewEpoch(nil); err != nil {
		return fmt.Errorf("fuzzd: advancing epoch: %w", err)
	}
	for {
		male, female, ok, err := pop.NextCoupleFromPrevious(true)
		if err != nil {
			return fmt.Errorf("fuzzd: selecting couple: %w", err)
		}
		if !ok {
			return nil
		}
		maleClone := male.Clone()
		femaleClone := female.Clone()
		for pop.Exists(maleClone.UID) || pop.Exists(femaleClone.UID) {
			maleClone.NewUID()
			femaleClone.NewUID()
		}
		son, daughter, _, err := strat.Recombine(maleClone, femaleClone)
		if err != nil {
			return fmt.Errorf("fuzzd: recombining: %w", err)
		}
		if err := pop.AddChromosome(son); err != nil {
			return err
		}
		if err := pop.AddChromosome(daughter); err != nil {
			return err
		}
	}
}

// analyze runs every chromosome in gen through the tracer harness,
// recording its trace, routing crashes to the crash archive, and
// dropping chromosomes that fail analysis.
func analyze(gen *population.Generation, harness *disasm.Harness, s chromosome.Serializer, ws *campaign.Workspace) error {
	chroms, err := gen.GetAll()
	if err != nil {
		return fmt.Errorf("fuzzd: %w", err)
	}
	for _, c := range chroms {
		t, err := harness.Analyze(c, s)
		if err != nil {
			log.Printf("fuzzd: dropping chromosome %d after analysis error: %v", c.UID, err)
			if derr := gen.Delete(c.UID); derr != nil {
				return derr
			}
			continue
		}
		if t.HasCrashed {
			log.Printf("fuzzd: chromosome %d crashed the target", c.UID)
			if err := ws.RecordCrash(c); err != nil {
				return err
			}
			if err := gen.Delete(c.UID); err != nil {
				return err
			}
			continue
		}
		if err := gen.AddTrace(c.UID, t); err != nil {
			return fmt.Errorf("fuzzd: %w", err)
		}
	}
	return nil
}

// runElitism advances the epoch via population.Elitism and aborts the
// campaign if fewer than two chromosomes survived.
func runElitism(pop *population.Population) (*population.Generation, error) {
	newGen, err := pop.Elitism()
	if err != nil {
		return nil, fmt.Errorf("fuzzd: %w", err)
	}
	if newGen.Len() < 2 {
		return nil, ferrors.New(ferrors.InsufficientDiversity,
			"fewer than two chromosomes survived elitism: seeds may be identical or exercise identical blocks")
	}
	return newGen, nil
}

// creditAssign tallies, per (recombinator, mutator) cid, how many
// chromosomes that tag produced survived elitism, and ratchets each
// surviving cid's score up to at least that count. Chromosomes with no fuzzer
// tag (seed-originated) carry no credit.
func creditAssign(strat *strategy.FuzzingStrategy, survivors []*chromosome.Chromosome) {
	counts := make(map[string]int)
	for _, c := range survivors {
		if c.Fuzzer != "" {
			counts[c.Fuzzer]++
		}
	}
	for cid, n := range counts {
		strat.Good(cid, n)
	}
}

// exchangePeers writes the current generation's elite chromosomes to the
// shared directory and folds in any new ones dropped there by peer
// instances. Ingested chromosomes pass through the parser plugin's
// rehydration hook, since the side channel preserves gene payloads and
// tags but not the format's similarity predicates.
func exchangePeers(pop *population.Population, ws *campaign.Workspace, plugin parser.Plugin, shared string) error {
	elites, err := pop.Current.GetAll()
	if err != nil {
		return fmt.Errorf("fuzzd: %w", err)
	}
	if err := ws.EmitElite(shared, elites); err != nil {
		return err
	}
	incoming, err := ws.IngestElite(shared)
	if err != nil {
		return err
	}
	for _, c := range incoming {
		if pop.Exists(c.UID) {
			continue
		}
		if plugin.Rehydrate != nil {
			for _, g := range c.GetAllGenes() {
				plugin.Rehydrate(g)
			}
		}
		if err := pop.AddChromosome(c); err != nil {
			return err
		}
		if c.Trace != nil {
			if err := pop.Current.AddTrace(c.UID, c.Trace); err != nil {
				return err
			}
		}
	}
	return nil
}
