package replay

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/xiaoland/beluna-core/internal/admission"
	"github.com/xiaoland/beluna-core/internal/affordance"
	"github.com/xiaoland/beluna-core/internal/ledger"
	"github.com/xiaoland/beluna-core/internal/spine"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a replay fixture.
type Fixture struct {
	Description string                         `json:"description"`
	Config      FixtureConfig                  `json:"config"`
	Affordances []affordance.AffordanceProfile `json:"affordances"`
	Cycles      []FixtureCycle                 `json:"cycles"`
	Expected    []FixtureExpectedCycle         `json:"expected"`
}

// FixtureConfig holds the engine, resolver and loopback port settings.
type FixtureConfig struct {
	RegistryVersion        string   `json:"registry_version"`
	InitialBalanceMicro    int64    `json:"initial_balance_micro"`
	ReservationTTLCycles   uint64   `json:"reservation_ttl_cycles"`
	MaxDegradationVariants int      `json:"max_degradation_variants"`
	MaxDegradationDepth    uint8    `json:"max_degradation_depth"`
	DegradationPreference  string   `json:"degradation_preference"`
	MaxTimeMs              uint64   `json:"max_time_ms"`
	MaxIOUnits             uint64   `json:"max_io_units"`
	MaxTokenUnits          uint64   `json:"max_token_units"`
	LoopbackCostMilli      uint32   `json:"loopback_cost_milli"`
	RejectCapabilities     []string `json:"reject_capabilities"`
	DeferCapabilities      []string `json:"defer_capabilities"`
}

// FixtureCycle is one cycle's input. Attempt ids are derived on load.
type FixtureCycle struct {
	CycleID  uint64                            `json:"cycle_id"`
	Attempts []FixtureAttempt                  `json:"attempts"`
	Debits   []ledger.ExternalDebitObservation `json:"debits"`
}

// FixtureAttempt is an IntentAttempt without its derived fields.
type FixtureAttempt struct {
	CommitmentID       string                `json:"commitment_id"`
	GoalID             string                `json:"goal_id"`
	PlannerSlot        uint32                `json:"planner_slot"`
	AffordanceKey      string                `json:"affordance_key"`
	CapabilityHandle   string                `json:"capability_handle"`
	Payload            any                   `json:"payload"`
	RequestedResources affordance.CostVector `json:"requested_resources"`
	CostAttributionID  string                `json:"cost_attribution_id"`
}

// FixtureExpectedCycle lists what one cycle must produce. Dispositions are
// in report order, named as admission.DispositionName renders them. A nil
// BalanceMicro is not checked.
type FixtureExpectedCycle struct {
	CycleID      uint64   `json:"cycle_id"`
	Dispositions []string `json:"dispositions"`
	BalanceMicro *int64   `json:"balance_micro,omitempty"`
	Expired      *int     `json:"expired,omitempty"`
	Debits       *int     `json:"debits,omitempty"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	for _, p := range f.Affordances {
		if err := affordance.ValidateProfile(p); err != nil {
			return nil, fmt.Errorf("fixture %s: %w", path, err)
		}
	}
	return &f, nil
}

// ToAttempt derives the full attempt for cycleID.
func (fa FixtureAttempt) ToAttempt(cycleID uint64) (admission.IntentAttempt, error) {
	return admission.NewAttempt(admission.IntentAttempt{
		CycleID:            cycleID,
		CommitmentID:       fa.CommitmentID,
		GoalID:             fa.GoalID,
		PlannerSlot:        fa.PlannerSlot,
		AffordanceKey:      fa.AffordanceKey,
		CapabilityHandle:   fa.CapabilityHandle,
		NormalizedPayload:  fa.Payload,
		RequestedResources: fa.RequestedResources,
		CostAttributionID:  fa.CostAttributionID,
	})
}

// ToResolverConfig converts the fixture config to resolver policy. Zero
// values fall back to the resolver defaults.
func (fc FixtureConfig) ToResolverConfig() admission.ResolverConfig {
	cfg := admission.DefaultResolverConfig()
	if fc.MaxDegradationVariants > 0 {
		cfg.MaxDegradationVariants = fc.MaxDegradationVariants
	}
	if fc.MaxDegradationDepth > 0 {
		cfg.MaxDegradationDepth = fc.MaxDegradationDepth
	}
	if fc.DegradationPreference != "" {
		cfg.Preference = admission.DegradationPreference(fc.DegradationPreference)
	}
	cfg.Limits = admission.RuntimeLimits{MaxTimeMs: fc.MaxTimeMs, MaxIOUnits: fc.MaxIOUnits, MaxTokenUnits: fc.MaxTokenUnits}
	return cfg
}

// ToLoopback builds the loopback handler the fixture dispatches to.
func (fc FixtureConfig) ToLoopback() spine.Loopback {
	l := spine.Loopback{CostMultiplierMilli: fc.LoopbackCostMilli}
	if len(fc.RejectCapabilities) > 0 {
		l.Reject = make(map[string]bool, len(fc.RejectCapabilities))
		for _, c := range fc.RejectCapabilities {
			l.Reject[c] = true
		}
	}
	if len(fc.DeferCapabilities) > 0 {
		l.Defer = make(map[string]bool, len(fc.DeferCapabilities))
		for _, c := range fc.DeferCapabilities {
			l.Defer[c] = true
		}
	}
	return l
}

// #endregion fixture-loader
