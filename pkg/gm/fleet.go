package gm

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mario4tier/suiftly-co-sub006/pkg/store"
)

// FleetManager describes one LM endpoint the GM polls. Vaults defaults to
// every vault type when omitted.
type FleetManager struct {
	ID     string   `yaml:"id"`
	Name   string   `yaml:"name"`
	Host   string   `yaml:"host"`
	Vaults []string `yaml:"vaults"`
}

// Fleet is the edge topology, loaded from the fleet config file. The file
// is operator-maintained; it changes when edges are added or drained, not
// per request.
type Fleet struct {
	Managers []FleetManager `yaml:"managers"`
}

// LoadFleet parses the fleet topology file. An empty path yields an empty
// fleet (single-node development).
func LoadFleet(path string) (*Fleet, error) {
	if path == "" {
		return &Fleet{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("gm: read fleet config %s: %w", path, err)
	}
	var f Fleet
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("gm: parse fleet config %s: %w", path, err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *Fleet) validate() error {
	seen := make(map[string]bool, len(f.Managers))
	for i := range f.Managers {
		m := &f.Managers[i]
		if m.ID == "" {
			return fmt.Errorf("gm: fleet manager %d has no id", i)
		}
		if seen[m.ID] {
			return fmt.Errorf("gm: duplicate fleet manager id %q", m.ID)
		}
		seen[m.ID] = true
		if m.Host == "" {
			return fmt.Errorf("gm: fleet manager %q has no host", m.ID)
		}
		if m.Name == "" {
			m.Name = m.ID
		}
		if len(m.Vaults) == 0 {
			m.Vaults = append([]string(nil), store.VaultTypes...)
		}
		for _, vt := range m.Vaults {
			if store.ServiceTypeForVault(vt) == "" {
				return fmt.Errorf("gm: fleet manager %q lists unknown vault type %q", m.ID, vt)
			}
		}
	}
	return nil
}
