package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Settings models garrison.yml. The durable copy lives in the DB; YAML is the
// import/export format.
type Settings struct {
	OpenPath             string `yaml:"open_path" json:"open_path"`
	AllowSharedCamps     bool   `yaml:"allow_shared_camps" json:"allow_shared_camps"`
	MaxConscriptsPerCamp int    `yaml:"max_conscripts_per_camp" json:"max_conscripts_per_camp"`
	PollIntervalSec      int    `yaml:"poll_interval_sec" json:"poll_interval_sec"`
	CampTTLMinutes       int    `yaml:"camp_ttl_minutes" json:"camp_ttl_minutes"`
	BranchPrefix         string `yaml:"branch_prefix" json:"branch_prefix"`
	Provider             struct {
		ActiveMax int `yaml:"active_max" json:"active_max"`
		DailyMax  int `yaml:"daily_max" json:"daily_max"`
	} `yaml:"provider" json:"provider"`
	Agent struct {
		Command string   `yaml:"command" json:"command"`
		Args    []string `yaml:"args" json:"args,omitempty"`
	} `yaml:"agent" json:"agent"`
}

// Default returns the settings seeded into a fresh workspace.
func Default() *Settings {
	s := &Settings{
		OpenPath:             ".",
		AllowSharedCamps:     false,
		MaxConscriptsPerCamp: 3,
		PollIntervalSec:      5,
		CampTTLMinutes:       240,
		BranchPrefix:         "garrison/",
	}
	s.Provider.ActiveMax = 8
	s.Provider.DailyMax = 24
	s.Agent.Command = "claude"
	return s
}

// EffectiveCampCapacity is the per-camp conscript limit under current policy.
func (s *Settings) EffectiveCampCapacity() int {
	if !s.AllowSharedCamps {
		return 1
	}
	if s.MaxConscriptsPerCamp < 1 {
		return 1
	}
	return s.MaxConscriptsPerCamp
}

// Validate ensures the settings meet required structure.
func (s *Settings) Validate() error {
	if s.OpenPath == "" {
		return fmt.Errorf("settings.open_path is required")
	}
	if s.MaxConscriptsPerCamp < 1 {
		return fmt.Errorf("settings.max_conscripts_per_camp must be >= 1")
	}
	if s.PollIntervalSec < 1 {
		return fmt.Errorf("settings.poll_interval_sec must be >= 1")
	}
	if s.CampTTLMinutes < 0 {
		return fmt.Errorf("settings.camp_ttl_minutes must be >= 0")
	}
	if s.Provider.ActiveMax < 1 {
		return fmt.Errorf("settings.provider.active_max must be >= 1")
	}
	if s.Provider.DailyMax < 1 {
		return fmt.Errorf("settings.provider.daily_max must be >= 1")
	}
	if s.Agent.Command == "" {
		return fmt.Errorf("settings.agent.command is required")
	}
	return nil
}

// FromYAML parses and validates settings from YAML bytes.
func FromYAML(data []byte) (*Settings, error) {
	s := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Load reads settings from a YAML file.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("settings %s not found; import with gar settings import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// ToYAML renders settings for export.
func (s *Settings) ToYAML() ([]byte, error) {
	return yaml.Marshal(s)
}
