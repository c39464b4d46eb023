// Package config loads a PD's instantiated graph from a YAML
// document (section 6's "an INI-style document... the core consumes
// only the resulting instantiated graph, not the text," reinterpreted
// here as structured YAML per SPEC_FULL.md A.3). internal/config is
// the only package that touches the document's text; everything
// downstream works with the typed Config this package produces.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/open-community-runtime/ocr/internal/guid"
)

// NeighborSpec names one other PD this PD dials during NETWORK_OK
// bring-up (section 6's "neighbors=0-7" id-ranged cross-reference,
// reinterpreted as an explicit list rather than a range expression).
type NeighborSpec struct {
	Location guid.Location `yaml:"location"`
	Addr     string        `yaml:"addr"`
}

// AffinitySpec pins an affinity-tagged location for placement hints
// (section 6's Affinity hints: ocrAffinityCount/Get/ToHintValue).
type AffinitySpec struct {
	Name     string        `yaml:"name"`
	Location guid.Location `yaml:"location"`
}

// Config is the instantiated graph a PD needs to bring itself up:
// its own identity, listen address, neighbor set, worker counts, and
// named affinities. Everything else in the original's INI sections
// (GuidType, AllocatorInst, WorkerType, …) is out of scope per
// section 1's Non-goals and is not represented here.
type Config struct {
	Location       guid.Location  `yaml:"location"`
	ListenAddr     string         `yaml:"listenAddr"`
	ComputeWorkers int            `yaml:"computeWorkers"`
	Blessed        bool           `yaml:"blessed"`
	Neighbors      []NeighborSpec `yaml:"neighbors"`
	Affinities     []AffinitySpec `yaml:"affinities"`
	LogLevel       string         `yaml:"logLevel"`
}

// Load reads and validates a PD configuration document from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	if c.ComputeWorkers <= 0 {
		c.ComputeWorkers = 1
	}
	for _, n := range c.Neighbors {
		if n.Location == c.Location {
			return fmt.Errorf("config: neighbor list must not include this PD's own location %d", c.Location)
		}
	}
	return nil
}

// NeighborLocations returns just the location component of every
// configured neighbor, the shape internal/sched.NewPlacer wants.
func (c *Config) NeighborLocations() []guid.Location {
	out := make([]guid.Location, len(c.Neighbors))
	for i, n := range c.Neighbors {
		out[i] = n.Location
	}
	return out
}
