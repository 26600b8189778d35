// Package parser defines the pluggable deserialize/serialize contract
// format implementations satisfy, and a name-keyed registry through which
// configuration selects one, mirroring the dynamic-dispatch registries
// used for mutators, recombinators, and metrics.
package parser

import (
	"fmt"
	"sync"

	"github.com/duskwave/genoma/internal/chromosome"
	"github.com/duskwave/genoma/internal/gene"
)

// Deserializer reads a seed file and produces its root genes.
type Deserializer interface {
	Deserialize(path string) ([]*gene.Gene, error)
}

// Plugin bundles the deserializer half with the chromosome.Serializer
// half; a format registers one Plugin under a name.
type Plugin struct {
	Deserializer Deserializer
	Serializer   chromosome.Serializer

	// Rehydrate, if set, restores the format-specific state a gene loses
	// when it travels through the chromosome side channel: payloads and
	// tags round-trip, but similarity predicates are closures and must be
	// rebuilt from the tag on the way back in. Called once per gene on
	// every chromosome ingested from a peer instance.
	Rehydrate func(g *gene.Gene)
}

var (
	mu       sync.Mutex
	registry = make(map[string]Plugin)
)

// Register adds a named plugin to the registry. It panics if name is
// already registered, matching the package-init-time registration
// pattern used throughout this repository's registries.
func Register(name string, p Plugin) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := registry[name]; ok {
		panic(fmt.Sprintf("parser: plugin %q already registered", name))
	}
	registry[name] = p
}

// Lookup returns the plugin registered under name.
func Lookup(name string) (Plugin, error) {
	mu.Lock()
	defer mu.Unlock()
	p, ok := registry[name]
	if !ok {
		return Plugin{}, fmt.Errorf("parser: no plugin registered for %q", name)
	}
	return p, nil
}
