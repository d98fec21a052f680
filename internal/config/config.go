// Package config loads runtime configuration from an optional YAML file,
// then overlays BELUNA_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/xiaoland/beluna-core/internal/admission"
	"github.com/xiaoland/beluna-core/internal/continuity"
)

// #region types

type Config struct {
	Ledger    LedgerConfig    `yaml:"ledger"`
	Admission AdmissionConfig `yaml:"admission"`
	Policy    PolicyConfig    `yaml:"policy"`
	Paths     PathsConfig     `yaml:"paths"`
	Spine     SpineConfig     `yaml:"spine"`
}

type LedgerConfig struct {
	ID                   string `yaml:"id" env:"BELUNA_LEDGER_ID"`
	InitialBalanceMicro  int64  `yaml:"initial_balance_micro" env:"BELUNA_INITIAL_BALANCE_MICRO"`
	ReservationTTLCycles uint64 `yaml:"reservation_ttl_cycles" env:"BELUNA_RESERVATION_TTL_CYCLES"`
}

type AdmissionConfig struct {
	MaxDegradationVariants int          `yaml:"max_degradation_variants" env:"BELUNA_MAX_DEGRADATION_VARIANTS"`
	MaxDegradationDepth    uint8        `yaml:"max_degradation_depth" env:"BELUNA_MAX_DEGRADATION_DEPTH"`
	DegradationPreference  string       `yaml:"degradation_preference" env:"BELUNA_DEGRADATION_PREFERENCE"`
	Limits                 LimitsConfig `yaml:"limits"`
}

// LimitsConfig caps runtime dimensions per attempt. Zero is unlimited.
type LimitsConfig struct {
	MaxTimeMs     uint64 `yaml:"max_time_ms" env:"BELUNA_MAX_TIME_MS"`
	MaxIOUnits    uint64 `yaml:"max_io_units" env:"BELUNA_MAX_IO_UNITS"`
	MaxTokenUnits uint64 `yaml:"max_token_units" env:"BELUNA_MAX_TOKEN_UNITS"`
}

type PolicyConfig struct {
	CostPolicyVersion       string `yaml:"cost_policy_version" env:"BELUNA_COST_POLICY_VERSION"`
	AdmissionRulesetVersion string `yaml:"admission_ruleset_version" env:"BELUNA_ADMISSION_RULESET_VERSION"`
}

type PathsConfig struct {
	Catalog  string `yaml:"catalog" env:"BELUNA_CATALOG"`
	Journal  string `yaml:"journal" env:"BELUNA_JOURNAL"`
	Snapshot string `yaml:"snapshot" env:"BELUNA_SNAPSHOT"`
}

// SpineConfig selects the dispatch port. An empty Addr means the in-process
// loopback executor.
type SpineConfig struct {
	Addr              string `yaml:"addr" env:"BELUNA_SPINE_ADDR"`
	Concurrency       int    `yaml:"concurrency" env:"BELUNA_SPINE_CONCURRENCY"`
	LoopbackCostMilli uint32 `yaml:"loopback_cost_milli" env:"BELUNA_LOOPBACK_COST_MILLI"`
}

// #endregion types

// #region defaults

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Ledger: LedgerConfig{
			ID:                   "survival",
			InitialBalanceMicro:  1_000_000,
			ReservationTTLCycles: 4,
		},
		Admission: AdmissionConfig{
			MaxDegradationVariants: 8,
			MaxDegradationDepth:    4,
			DegradationPreference:  string(admission.CheapestFirst),
		},
		Policy: PolicyConfig{
			CostPolicyVersion:       "cost.v1",
			AdmissionRulesetVersion: "admission.v1",
		},
		Spine: SpineConfig{
			Concurrency:       4,
			LoopbackCostMilli: 1000,
		},
	}
}

// #endregion defaults

// #region load

// Load builds the configuration: defaults, then the YAML file at path (if
// path is non-empty), then environment variables. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	if c.Ledger.ID == "" {
		return fmt.Errorf("ledger.id is required")
	}
	if c.Ledger.InitialBalanceMicro < 0 {
		return fmt.Errorf("ledger.initial_balance_micro must be >= 0, got %d", c.Ledger.InitialBalanceMicro)
	}
	if c.Admission.MaxDegradationVariants < 0 {
		return fmt.Errorf("admission.max_degradation_variants must be >= 0, got %d", c.Admission.MaxDegradationVariants)
	}
	if _, err := admission.ParsePreference(c.Admission.DegradationPreference); err != nil {
		return fmt.Errorf("admission.degradation_preference: %w", err)
	}
	if c.Spine.Concurrency < 0 {
		return fmt.Errorf("spine.concurrency must be >= 0, got %d", c.Spine.Concurrency)
	}
	if c.Paths.Journal != "" && c.Paths.Snapshot == "" {
		return fmt.Errorf("paths.snapshot is required when paths.journal is set")
	}
	return nil
}

// #endregion load

// #region projections

// ResolverConfig projects the admission settings.
func (c Config) ResolverConfig() admission.ResolverConfig {
	pref, _ := admission.ParsePreference(c.Admission.DegradationPreference)
	return admission.ResolverConfig{
		MaxDegradationVariants: c.Admission.MaxDegradationVariants,
		MaxDegradationDepth:    c.Admission.MaxDegradationDepth,
		Preference:             pref,
		Limits: admission.RuntimeLimits{
			MaxTimeMs:     c.Admission.Limits.MaxTimeMs,
			MaxIOUnits:    c.Admission.Limits.MaxIOUnits,
			MaxTokenUnits: c.Admission.Limits.MaxTokenUnits,
		},
	}
}

// EngineConfig projects the ledger, policy and snapshot settings.
func (c Config) EngineConfig() continuity.Config {
	return continuity.Config{
		LedgerID:                c.Ledger.ID,
		InitialBalanceMicro:     c.Ledger.InitialBalanceMicro,
		ReservationTTLCycles:    c.Ledger.ReservationTTLCycles,
		CostPolicyVersion:       c.Policy.CostPolicyVersion,
		AdmissionRulesetVersion: c.Policy.AdmissionRulesetVersion,
		SnapshotPath:            c.Paths.Snapshot,
	}
}

// #endregion projections
