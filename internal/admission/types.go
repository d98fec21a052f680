package admission

import (
	"github.com/xiaoland/beluna-core/internal/affordance"
)

// #region attempt

// IntentAttempt is one planner-proposed action awaiting admission.
// AttemptID is derived from every other field; see DeriveAttemptID.
type IntentAttempt struct {
	AttemptID          string                `json:"attempt_id"`
	CycleID            uint64                `json:"cycle_id"`
	CommitmentID       string                `json:"commitment_id"`
	GoalID             string                `json:"goal_id"`
	PlannerSlot        uint32                `json:"planner_slot"`
	AffordanceKey      string                `json:"affordance_key"`
	CapabilityHandle   string                `json:"capability_handle"`
	NormalizedPayload  any                   `json:"normalized_payload"`
	RequestedResources affordance.CostVector `json:"requested_resources"`
	CostAttributionID  string                `json:"cost_attribution_id"`
}

// #endregion attempt

// #region codes

// Disposition codes.
const (
	CodeUnknownAffordance  = "unknown_affordance"
	CodeInsufficientBudget = "insufficient_survival_budget"
	CodeRuntimeLimit       = "runtime_limit_exceeded"
	CodePayloadTooLarge    = "payload_too_large"
	CodeInvalidAttempt     = "invalid_attempt"
	CodeAttemptIDMismatch  = "attempt_id_mismatch"
	CodeDuplicateAttempt   = "duplicate_attempt"
	CodeDegradedToFit      = "degraded_to_fit"
)

// #endregion codes

// #region disposition

// Disposition is the closed set of admission outcomes: Admitted,
// DeniedHard, DeniedEconomic.
type Disposition interface {
	isDisposition()
}

// Admitted means a reservation is proposed, possibly at reduced capability.
type Admitted struct {
	Degraded bool
}

// DeniedHard is a policy or catalog violation. Never retried.
type DeniedHard struct {
	Code string
}

// DeniedEconomic is a budget shortfall. May succeed in a later cycle.
type DeniedEconomic struct {
	Code string
}

func (Admitted) isDisposition()       {}
func (DeniedHard) isDisposition()     {}
func (DeniedEconomic) isDisposition() {}

// IsAdmitted reports whether d is an Admitted disposition.
func IsAdmitted(d Disposition) bool {
	_, ok := d.(Admitted)
	return ok
}

// #endregion disposition

// #region why

// AdmissionWhy is the closed set of explanations: HardRule, Economic.
type AdmissionWhy interface {
	isWhy()
}

// HardRule names the rule that denied the attempt.
type HardRule struct {
	Code string
}

// Economic carries the affordability snapshot behind an economic outcome.
type Economic struct {
	Code                   string
	AvailableSurvivalMicro int64
	RequiredSurvivalMicro  int64
}

func (HardRule) isWhy() {}
func (Economic) isWhy() {}

// #endregion why

// #region report

// AdmissionReportItem is the resolver's verdict on one attempt.
type AdmissionReportItem struct {
	AttemptID   string
	Disposition Disposition
	// Why is nil for a plain, non-degraded admission.
	Why                      AdmissionWhy
	LedgerDeltaSurvivalMicro int64
	ActionID                 string
	DegradationProfileID     string
}

// AdmissionReport lists one item per attempt, in resolution order.
type AdmissionReport struct {
	CycleID uint64
	Items   []AdmissionReportItem
}

// ReservationProposal is what the resolver asks the engine to reserve for
// one admitted attempt. The resolver never touches the ledger itself.
type ReservationProposal struct {
	AttemptID            string
	ActionID             string
	CommitmentID         string
	GoalID               string
	CostAttributionID    string
	EndpointID           string
	CapabilityID         string // capability actually invoked
	NormalizedPayload    any
	Cost                 affordance.CostVector
	Degraded             bool
	DegradationProfileID string
}

// Resolution is the full output of one Resolve call.
type Resolution struct {
	Report    AdmissionReport
	Proposals []ReservationProposal
}

// #endregion report
