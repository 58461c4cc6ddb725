package sim

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/sarchlab/bpsim/predictor/btb"
	"github.com/sarchlab/bpsim/sbbt"
)

// ErrInvalidConfig reports a configuration the engine cannot run with.
var ErrInvalidConfig = errors.New("sim: invalid config")

// Environment variables read by ApplyEnv.
const (
	EnvWarmup       = "BPSIM_WARMUP"
	EnvInstructions = "BPSIM_INSTRUCTIONS"
	EnvMostFailed   = "BPSIM_MOST_FAILED"
	EnvCompareLimit = "BPSIM_COMPARE_LIMIT"
	EnvBTBSets      = "BPSIM_BTB_SETS"
	EnvBTBWays      = "BPSIM_BTB_WAYS"
	EnvRecord       = "BPSIM_RECORD"
)

// Config holds the parameters of a simulation run.
type Config struct {
	// WarmupInstructions is the number of instructions executed before
	// branches start being counted.
	WarmupInstructions int64 `json:"warmup_instructions"`

	// SimInstructions is the number of instructions counted after the
	// warm-up. Zero simulates the whole trace.
	SimInstructions int64 `json:"simulation_instructions"`

	// MostFailedLimit caps the number of most-failed branches reported.
	// Zero disables the cap.
	MostFailedLimit int `json:"most_failed_limit"`

	// CompareLimit caps the number of divergent branches reported by
	// Compare. Zero disables the cap.
	CompareLimit int `json:"compare_limit"`

	// BTB enables target prediction with a buffer of the given geometry.
	BTB *btb.Config `json:"btb,omitempty"`

	// SampleResources enables sampling of the process memory and CPU use.
	SampleResources bool `json:"sample_resources"`

	// RecordPath is the SQLite database reports are stored into. Empty
	// disables recording.
	RecordPath string `json:"record_path,omitempty"`
}

// DefaultConfig returns a configuration that simulates the whole trace.
func DefaultConfig() *Config {
	return &Config{
		WarmupInstructions: 0,
		SimInstructions:    0,
		MostFailedLimit:    128,
		CompareLimit:       64,
		SampleResources:    true,
	}
}

// LoadConfig loads a configuration from a JSON file. Fields missing from
// the file keep their default values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sim config file: %w", err)
	}

	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse sim config: %w", err)
	}

	return config, nil
}

// SaveConfig saves the configuration to a JSON file.
func (c *Config) SaveConfig(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal sim config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write sim config file: %w", err)
	}

	return nil
}

// StopAt returns the instruction number at which reading stops. It is
// sbbt.EndOfTrace when the whole trace is simulated.
func (c *Config) StopAt() int64 {
	if c.SimInstructions == 0 {
		return sbbt.EndOfTrace
	}

	return c.WarmupInstructions + c.SimInstructions
}

// Validate checks that all values are usable.
func (c *Config) Validate() error {
	if c.WarmupInstructions < 0 {
		return fmt.Errorf("%w: warmup_instructions must be >= 0",
			ErrInvalidConfig)
	}

	if c.SimInstructions < 0 {
		return fmt.Errorf("%w: simulation_instructions must be >= 0",
			ErrInvalidConfig)
	}

	if c.WarmupInstructions+c.SimInstructions < 0 {
		return fmt.Errorf("%w: warmup_instructions + simulation_instructions "+
			"overflows", ErrInvalidConfig)
	}

	if c.MostFailedLimit < 0 {
		return fmt.Errorf("%w: most_failed_limit must be >= 0",
			ErrInvalidConfig)
	}

	if c.CompareLimit < 0 {
		return fmt.Errorf("%w: compare_limit must be >= 0", ErrInvalidConfig)
	}

	if c.BTB != nil {
		if err := c.BTB.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}

	return nil
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	if c.BTB != nil {
		b := *c.BTB
		clone.BTB = &b
	}

	return &clone
}

// ApplyEnv overrides the configuration with BPSIM_* variables. Variables
// are looked up in the process environment first and then in the given
// dotenv files, which are skipped when they do not exist.
func (c *Config) ApplyEnv(files ...string) error {
	vars := make(map[string]string)

	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}

		fileVars, err := godotenv.Read(f)
		if err != nil {
			return fmt.Errorf("failed to read env file %s: %w", f, err)
		}

		for k, v := range fileVars {
			if _, ok := vars[k]; !ok {
				vars[k] = v
			}
		}
	}

	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}

		v, ok := vars[key]

		return v, ok
	}

	return c.applyVars(lookup)
}

func (c *Config) applyVars(lookup func(string) (string, bool)) error {
	int64Vars := []struct {
		key string
		dst *int64
	}{
		{EnvWarmup, &c.WarmupInstructions},
		{EnvInstructions, &c.SimInstructions},
	}

	for _, v := range int64Vars {
		s, ok := lookup(v.key)
		if !ok {
			continue
		}

		n, err := strconv.ParseInt(s, 0, 64)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %w", ErrInvalidConfig, v.key, s, err)
		}

		*v.dst = n
	}

	intVars := []struct {
		key string
		dst *int
	}{
		{EnvMostFailed, &c.MostFailedLimit},
		{EnvCompareLimit, &c.CompareLimit},
	}

	for _, v := range intVars {
		s, ok := lookup(v.key)
		if !ok {
			continue
		}

		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %w", ErrInvalidConfig, v.key, s, err)
		}

		*v.dst = n
	}

	if err := c.applyBTBVars(lookup); err != nil {
		return err
	}

	if s, ok := lookup(EnvRecord); ok {
		c.RecordPath = s
	}

	return nil
}

func (c *Config) applyBTBVars(lookup func(string) (string, bool)) error {
	sets, hasSets := lookup(EnvBTBSets)
	ways, hasWays := lookup(EnvBTBWays)

	if !hasSets && !hasWays {
		return nil
	}

	geometry := btb.DefaultConfig()
	if c.BTB != nil {
		geometry = *c.BTB
	}

	if hasSets {
		n, err := strconv.Atoi(sets)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %w",
				ErrInvalidConfig, EnvBTBSets, sets, err)
		}

		geometry.Sets = n
	}

	if hasWays {
		n, err := strconv.Atoi(ways)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %w",
				ErrInvalidConfig, EnvBTBWays, ways, err)
		}

		geometry.Ways = n
	}

	c.BTB = &geometry

	return nil
}
