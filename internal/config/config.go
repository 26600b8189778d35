// Package config loads the flat JSON settings record that drives a
// fuzzing campaign.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/duskwave/genoma/internal/ferrors"
)

// Config is the typed settings record read from a campaign's configuration
// file. Field names mirror the keys recognized by the campaign loader.
type Config struct {
	CampaignName string `json:"CampaignName"`

	// Parser names the registered parser plugin used to decompose and
	// recompose seed files.
	Parser string `json:"Parser"`

	// InitialPopulation is the path to a directory of seed files.
	InitialPopulation string `json:"InitialPopulation"`

	// FitnessAlgorithms maps a registered metric name to its weight in
	// the fitness sum.
	FitnessAlgorithms map[string]float64 `json:"FitnessAlgorithms"`

	// Recombinators and Mutators name the registered operators enabled
	// for this campaign. Every (recombinator, mutator) pair becomes one
	// lottery candidate.
	Recombinators []string `json:"Recombinators"`
	Mutators      []string `json:"Mutators"`

	// Disassembler names the registered disassembler driver;
	// DisassemblerPath is the path to its binary.
	Disassembler     string `json:"Disassembler"`
	DisassemblerPath string `json:"DisassemblerPath"`

	// KeepGenerations, if true, dumps every elite generation's
	// chromosomes to the campaign directory.
	KeepGenerations bool `json:"KeepGenerations"`

	// Timeout is the per-run watchdog deadline in seconds. Zero means
	// the default of 20 seconds.
	Timeout int `json:"Timeout"`

	// Command is a shell template for launching the target under the
	// coverage-instrumentation driver, with one %s for the input file
	// path.
	Command string `json:"Command"`

	// Whitelist lists the absolute paths of modules to instrument.
	Whitelist []string `json:"Whitelist"`

	// ChromosomeShared, if set, is a directory used to exchange elite
	// chromosomes with peer instances of the fuzzer.
	ChromosomeShared string `json:"ChromosomeShared"`
}

// DefaultTimeout is used when Timeout is unset or non-positive.
const DefaultTimeout = 20

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Configuration, err)
	}
	defer f.Close()

	var cfg Config
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, ferrors.Wrap(ferrors.Configuration, fmt.Errorf("decoding %s: %w", path, err))
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if err := cfg.validate(); err != nil {
		return nil, ferrors.Wrap(ferrors.Configuration, err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.CampaignName == "" {
		return fmt.Errorf("missing CampaignName")
	}
	if c.Parser == "" {
		return fmt.Errorf("missing Parser")
	}
	if c.InitialPopulation == "" {
		return fmt.Errorf("missing InitialPopulation")
	}
	if _, err := os.Stat(c.InitialPopulation); err != nil {
		return fmt.Errorf("InitialPopulation: %w", err)
	}
	if len(c.Mutators) == 0 {
		return fmt.Errorf("no Mutators configured")
	}
	if len(c.Recombinators) == 0 {
		return fmt.Errorf("no Recombinators configured")
	}
	if len(c.FitnessAlgorithms) == 0 {
		return fmt.Errorf("no FitnessAlgorithms configured")
	}
	if c.Command == "" {
		return fmt.Errorf("missing Command")
	}
	if len(c.Whitelist) == 0 {
		return fmt.Errorf("no Whitelist modules configured")
	}
	return nil
}
