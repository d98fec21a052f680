// Package admission turns planner attempts into dispositions and reservation
// proposals. It reads the available balance but never mutates the ledger.
package admission

import (
	"cmp"
	"fmt"
	"math"
	"math/bits"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/xiaoland/beluna-core/internal/affordance"
)

// actionNamespace roots the name-based action ids.
var actionNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:beluna:action"))

// #region config

// DegradationPreference orders affordable degradation candidates.
type DegradationPreference string

const (
	CheapestFirst       DegradationPreference = "cheapest_first"
	LeastCapabilityLoss DegradationPreference = "least_capability_loss"
	ShallowestFirst     DegradationPreference = "shallowest_first"
)

// ParsePreference validates a preference name. Empty means CheapestFirst.
func ParsePreference(s string) (DegradationPreference, error) {
	switch p := DegradationPreference(strings.TrimSpace(s)); p {
	case "":
		return CheapestFirst, nil
	case CheapestFirst, LeastCapabilityLoss, ShallowestFirst:
		return p, nil
	default:
		return "", fmt.Errorf("unknown degradation preference %q", s)
	}
}

// RuntimeLimits caps the non-economic resource dimensions. Zero is unlimited.
type RuntimeLimits struct {
	MaxTimeMs     uint64 `yaml:"max_time_ms"`
	MaxIOUnits    uint64 `yaml:"max_io_units"`
	MaxTokenUnits uint64 `yaml:"max_token_units"`
}

// Exceeded reports whether c breaks any configured limit.
func (l RuntimeLimits) Exceeded(c affordance.CostVector) bool {
	over := func(v, max uint64) bool { return max > 0 && v > max }
	return over(c.TimeMs, l.MaxTimeMs) || over(c.IOUnits, l.MaxIOUnits) || over(c.TokenUnits, l.MaxTokenUnits)
}

// ResolverConfig holds resolver policy.
type ResolverConfig struct {
	MaxDegradationVariants int
	MaxDegradationDepth    uint8
	Preference             DegradationPreference
	Limits                 RuntimeLimits
}

// DefaultResolverConfig returns the stock policy.
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		MaxDegradationVariants: 8,
		MaxDegradationDepth:    4,
		Preference:             CheapestFirst,
	}
}

// #endregion config

// #region resolver

// Resolver evaluates attempts against a registry. It keeps no state between
// calls and is safe for concurrent use.
type Resolver struct {
	registry *affordance.Registry
	config   ResolverConfig
}

// NewResolver validates cfg and builds a resolver over registry.
func NewResolver(registry *affordance.Registry, cfg ResolverConfig) (*Resolver, error) {
	if registry == nil {
		return nil, fmt.Errorf("resolver: nil registry")
	}
	pref, err := ParsePreference(string(cfg.Preference))
	if err != nil {
		return nil, fmt.Errorf("resolver: %w", err)
	}
	cfg.Preference = pref
	if cfg.MaxDegradationVariants < 0 {
		return nil, fmt.Errorf("resolver: negative max_degradation_variants %d", cfg.MaxDegradationVariants)
	}
	return &Resolver{registry: registry, config: cfg}, nil
}

// Config returns the resolver's policy.
func (r *Resolver) Config() ResolverConfig {
	return r.config
}

// RegistryVersion is the version of the registry the resolver reads.
func (r *Resolver) RegistryVersion() string {
	return r.registry.Version()
}

// Resolve produces one report item per attempt. Attempts are evaluated in
// (planner_slot, attempt_id) order and each admission is deducted from a
// running balance, so the proposals together never exceed available.
func (r *Resolver) Resolve(cycleID uint64, attempts []IntentAttempt, available int64) Resolution {
	ordered := slices.Clone(attempts)
	slices.SortStableFunc(ordered, func(a, b IntentAttempt) int {
		if c := cmp.Compare(a.PlannerSlot, b.PlannerSlot); c != 0 {
			return c
		}
		return strings.Compare(a.AttemptID, b.AttemptID)
	})

	res := Resolution{Report: AdmissionReport{CycleID: cycleID, Items: make([]AdmissionReportItem, 0, len(ordered))}}
	seen := make(map[string]bool, len(ordered))
	remaining := available

	for _, a := range ordered {
		if seen[a.AttemptID] && a.AttemptID != "" {
			res.Report.Items = append(res.Report.Items, hardDenial(a.AttemptID, CodeDuplicateAttempt))
			continue
		}
		seen[a.AttemptID] = true

		item, proposal := r.evaluate(cycleID, a, remaining)
		if proposal != nil {
			proposal.ActionID = deriveActionID(cycleID, a.AttemptID, len(res.Proposals))
			item.ActionID = proposal.ActionID
			remaining -= proposal.Cost.SurvivalMicro
			res.Proposals = append(res.Proposals, *proposal)
		}
		res.Report.Items = append(res.Report.Items, item)
	}
	return res
}

// evaluate applies the hard rules first, then affordability, then degradation.
func (r *Resolver) evaluate(cycleID uint64, a IntentAttempt, available int64) (AdmissionReportItem, *ReservationProposal) {
	// --- Hard rule pass ---
	// A registry miss outranks every other hard rule.
	profile, ok := r.registry.Resolve(a.AffordanceKey, a.CapabilityHandle)
	if !ok {
		return hardDenial(a.AttemptID, CodeUnknownAffordance), nil
	}
	if code := validate(cycleID, a); code != "" {
		return hardDenial(a.AttemptID, code), nil
	}

	if profile.MaxPayloadBytes > 0 {
		encoded, err := CanonicalPayload(a.NormalizedPayload)
		if err != nil {
			return hardDenial(a.AttemptID, CodeInvalidAttempt), nil
		}
		if uint64(len(encoded)) > profile.MaxPayloadBytes {
			return hardDenial(a.AttemptID, CodePayloadTooLarge), nil
		}
	}

	demand := effectiveDemand(profile.BaseCost, a.RequestedResources)
	if r.config.Limits.Exceeded(demand) {
		return hardDenial(a.AttemptID, CodeRuntimeLimit), nil
	}

	// --- Economic pass ---
	required := demand.SurvivalMicro
	if required <= available {
		return AdmissionReportItem{
				AttemptID:                a.AttemptID,
				Disposition:              Admitted{Degraded: false},
				LedgerDeltaSurvivalMicro: -required,
			}, &ReservationProposal{
				AttemptID:         a.AttemptID,
				CommitmentID:      a.CommitmentID,
				GoalID:            a.GoalID,
				CostAttributionID: a.CostAttributionID,
				EndpointID:        profile.EndpointID,
				CapabilityID:      profile.CapabilityID,
				NormalizedPayload: a.NormalizedPayload,
				Cost:              demand,
			}
	}

	chosen, ok := r.selectDegradation(profile.Degradations, required, available)
	if !ok {
		return AdmissionReportItem{
			AttemptID:   a.AttemptID,
			Disposition: DeniedEconomic{Code: CodeInsufficientBudget},
			Why: Economic{
				Code:                   CodeInsufficientBudget,
				AvailableSurvivalMicro: available,
				RequiredSurvivalMicro:  required,
			},
		}, nil
	}

	capability := profile.CapabilityID
	if chosen.profile.CapabilityOverride != "" {
		capability = chosen.profile.CapabilityOverride
	}
	cost := demand
	cost.SurvivalMicro = chosen.cost
	return AdmissionReportItem{
			AttemptID:   a.AttemptID,
			Disposition: Admitted{Degraded: true},
			Why: Economic{
				Code:                   CodeDegradedToFit,
				AvailableSurvivalMicro: available,
				RequiredSurvivalMicro:  required,
			},
			LedgerDeltaSurvivalMicro: -chosen.cost,
			DegradationProfileID:     chosen.profile.ProfileID,
		}, &ReservationProposal{
			AttemptID:            a.AttemptID,
			CommitmentID:         a.CommitmentID,
			GoalID:               a.GoalID,
			CostAttributionID:    a.CostAttributionID,
			EndpointID:           profile.EndpointID,
			CapabilityID:         capability,
			NormalizedPayload:    a.NormalizedPayload,
			Cost:                 cost,
			Degraded:             true,
			DegradationProfileID: chosen.profile.ProfileID,
		}
}

// #endregion resolver

// #region degradation

type candidate struct {
	profile affordance.DegradationProfile
	cost    int64
}

// selectDegradation picks the preferred affordable variant, if any.
func (r *Resolver) selectDegradation(profiles []affordance.DegradationProfile, required, available int64) (candidate, bool) {
	eligible := make([]affordance.DegradationProfile, 0, len(profiles))
	for _, p := range profiles {
		if p.Depth <= r.config.MaxDegradationDepth {
			eligible = append(eligible, p)
		}
	}
	slices.SortFunc(eligible, func(a, b affordance.DegradationProfile) int {
		if c := cmp.Compare(a.Depth, b.Depth); c != 0 {
			return c
		}
		return strings.Compare(a.ProfileID, b.ProfileID)
	})
	if len(eligible) > r.config.MaxDegradationVariants {
		eligible = eligible[:r.config.MaxDegradationVariants]
	}

	var affordable []candidate
	for _, p := range eligible {
		cost, ok := scaleCost(required, p.CostMultiplierMilli)
		if !ok || cost > available {
			continue
		}
		affordable = append(affordable, candidate{profile: p, cost: cost})
	}
	if len(affordable) == 0 {
		return candidate{}, false
	}
	slices.SortFunc(affordable, r.compareCandidates)
	return affordable[0], true
}

func (r *Resolver) compareCandidates(a, b candidate) int {
	byCost := cmp.Compare(a.cost, b.cost)
	byLoss := cmp.Compare(a.profile.CapabilityLossScore, b.profile.CapabilityLossScore)
	byDepth := cmp.Compare(a.profile.Depth, b.profile.Depth)
	var c int
	switch r.config.Preference {
	case LeastCapabilityLoss:
		c = cmp.Or(byLoss, byCost, byDepth)
	case ShallowestFirst:
		c = cmp.Or(byDepth, byCost, byLoss)
	default:
		c = cmp.Or(byCost, byLoss, byDepth)
	}
	return cmp.Or(c, strings.Compare(a.profile.ProfileID, b.profile.ProfileID))
}

// scaleCost returns required*multMilli/1000, or false on overflow.
func scaleCost(required int64, multMilli uint32) (int64, bool) {
	if required <= 0 {
		return 0, true
	}
	hi, lo := bits.Mul64(uint64(required), uint64(multMilli))
	if hi >= 1000 {
		return 0, false
	}
	q, _ := bits.Div64(hi, lo, 1000)
	if q > math.MaxInt64 {
		return 0, false
	}
	return int64(q), true
}

// #endregion degradation

// #region helpers

func validate(cycleID uint64, a IntentAttempt) string {
	if a.AttemptID == "" || a.AffordanceKey == "" || a.CapabilityHandle == "" || a.CostAttributionID == "" {
		return CodeInvalidAttempt
	}
	if a.CycleID != cycleID || a.RequestedResources.SurvivalMicro < 0 {
		return CodeInvalidAttempt
	}
	derived, err := DeriveAttemptID(a)
	if err != nil {
		return CodeInvalidAttempt
	}
	if derived != a.AttemptID {
		return CodeAttemptIDMismatch
	}
	return ""
}

// effectiveDemand applies the attempt's requested overrides to the base cost.
func effectiveDemand(base, requested affordance.CostVector) affordance.CostVector {
	d := base
	if requested.SurvivalMicro > 0 {
		d.SurvivalMicro = requested.SurvivalMicro
	}
	if requested.TimeMs > 0 {
		d.TimeMs = requested.TimeMs
	}
	if requested.IOUnits > 0 {
		d.IOUnits = requested.IOUnits
	}
	if requested.TokenUnits > 0 {
		d.TokenUnits = requested.TokenUnits
	}
	return d
}

func hardDenial(attemptID, code string) AdmissionReportItem {
	return AdmissionReportItem{
		AttemptID:   attemptID,
		Disposition: DeniedHard{Code: code},
		Why:         HardRule{Code: code},
	}
}

func deriveActionID(cycleID uint64, attemptID string, ordinal int) string {
	name := strconv.FormatUint(cycleID, 10) + "/" + attemptID + "/" + strconv.Itoa(ordinal)
	return uuid.NewSHA1(actionNamespace, []byte(name)).String()
}

// #endregion helpers
