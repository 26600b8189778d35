// The campaignctl command lets the generation stores a fuzzing campaign
// leaves behind be inspected after the fact. Given a campaign directory
// and an epoch number, it opens that epoch's generation store and
// streams one JSON record per chromosome to stdout: its uid,
// fitness, metrics, and the (recombinator, mutator) pair that produced
// it.
//
// Output is a JSON stream on stdout, one object per line, matching the
// convention used elsewhere in this repository for dumping persisted
// stores to a readable form.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/duskwave/genoma/internal/population"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s <campaign-dir> <epoch>\n", os.Args[0])
	}
	flag.Parse()
	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(2)
	}

	dir := flag.Arg(0)
	var epoch int
	if _, err := fmt.Sscanf(flag.Arg(1), "%d", &epoch); err != nil {
		log.Fatalf("campaignctl: invalid epoch %q: %v", flag.Arg(1), err)
	}

	if err := run(dir, epoch); err != nil {
		log.Fatal(err)
	}
}

// record is the JSON shape emitted for each chromosome in the inspected
// generation.
type record struct {
	UID     uint64             `json:"UID"`
	Fitness float64            `json:"Fitness"`
	Metrics map[string]float64 `json:"Metrics"`
	Fuzzer  string             `json:"Fuzzer,omitempty"`
}

func run(dir string, epoch int) error {
	g, err := population.OpenGeneration(dir, epoch)
	if err != nil {
		return err
	}
	defer g.Close()

	chroms, err := g.GetAll()
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	for _, c := range chroms {
		err := enc.Encode(record{
			UID:     c.UID,
			Fitness: c.Fitness,
			Metrics: c.Metrics,
			Fuzzer:  c.Fuzzer,
		})
		if err != nil {
			return fmt.Errorf("campaignctl: encoding chromosome %d: %w", c.UID, err)
		}
	}
	return nil
}
