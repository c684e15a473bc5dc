package config

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// Profile describes one named sandbox flavor a provider can provision.
// Profiles live in a YAML catalog so operators can add flavors without a
// rebuild.
type Profile struct {
	Name     string            `yaml:"name"`
	Image    string            `yaml:"image"`
	Viewport ViewportProfile   `yaml:"viewport"`
	Env      map[string]string `yaml:"env"`
	MemoryMB int64             `yaml:"memory_mb"`
	CPUs     float64           `yaml:"cpus"`
}

// ViewportProfile is the default viewport for sessions in this profile.
type ViewportProfile struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// ProfileCatalog is the parsed YAML catalog keyed by profile name.
type ProfileCatalog struct {
	Profiles []Profile `yaml:"profiles"`
}

// LoadProfiles reads a YAML profile catalog.
func LoadProfiles(path string) (*ProfileCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile catalog: %w", err)
	}

	var catalog ProfileCatalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse profile catalog %s: %w", path, err)
	}

	for i := range catalog.Profiles {
		if catalog.Profiles[i].Name == "" {
			return nil, fmt.Errorf("profile %d in %s has no name", i, path)
		}
	}
	return &catalog, nil
}

// Get returns the named profile.
func (c *ProfileCatalog) Get(name string) (*Profile, bool) {
	for i := range c.Profiles {
		if c.Profiles[i].Name == name {
			return &c.Profiles[i], true
		}
	}
	return nil, false
}
