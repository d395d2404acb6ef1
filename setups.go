package main

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"gregoryjjb/verdant/driver"
)

// SetupsDir is the subdirectory under the data dir for setup overrides
const SetupsDir = "setups"

//go:embed setups/*.yaml
var setupsEmbed embed.FS

// Setup describes a kind of peripheral: which driver runs it, which policy
// controls it, and the defaults an installation can override.
type Setup struct {
	Name          string            `yaml:"name" json:"name"`
	Description   string            `yaml:"description" json:"description"`
	Driver        driver.Kind       `yaml:"driver" json:"driver"`
	Policy        string            `yaml:"policy" json:"policy"`
	Interval      string            `yaml:"interval" json:"interval,omitempty"`
	Communication map[string]string `yaml:"communication" json:"communication,omitempty"`
	Variables     map[string]string `yaml:"variables" json:"variables,omitempty"`
	Properties    map[string]string `yaml:"properties" json:"properties,omitempty"`
}

func parseSetup(name string, data []byte) (Setup, error) {
	var s Setup
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("%w: setup %s: %w", ErrValidation, name, err)
	}
	if s.Name == "" {
		return s, fmt.Errorf("%w: setup %s has no name", ErrValidation, name)
	}
	if s.Driver == "" || s.Policy == "" {
		return s, fmt.Errorf("%w: setup %s needs a driver and a policy", ErrValidation, s.Name)
	}
	if s.Interval != "" {
		if _, err := driver.ParseDuration(s.Interval); err != nil {
			return s, fmt.Errorf("%w: setup %s interval: %w", ErrValidation, s.Name, err)
		}
	}
	return s, nil
}

// LoadSetups returns the built-in setups, overridden by name with any
// found in <dataDir>/setups.
func LoadSetups(fsys afero.Fs, dataDir string) (map[string]Setup, error) {
	setups := make(map[string]Setup)

	entries, err := fs.Glob(setupsEmbed, "setups/*.yaml")
	if err != nil {
		return nil, err
	}
	for _, name := range entries {
		data, err := setupsEmbed.ReadFile(name)
		if err != nil {
			return nil, err
		}
		s, err := parseSetup(path.Base(name), data)
		if err != nil {
			return nil, err
		}
		setups[s.Name] = s
	}

	overrides, err := afero.Glob(fsys, filepath.Join(dataDir, SetupsDir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	for _, name := range overrides {
		data, err := afero.ReadFile(fsys, name)
		if err != nil {
			return nil, err
		}
		s, err := parseSetup(filepath.Base(name), data)
		if err != nil {
			return nil, err
		}
		setups[s.Name] = s
	}

	return setups, nil
}

func SortedSetups(setups map[string]Setup) []Setup {
	list := make([]Setup, 0, len(setups))
	for _, s := range setups {
		list = append(list, s)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Name < list[j].Name
	})
	return list
}

// merge layers the peripheral's overrides over the setup defaults.
func merge(base, override map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}
