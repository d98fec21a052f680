package ledger

import (
	"encoding/json"
	"fmt"
)

// #region policy-versions

// PolicyVersionTuple snapshots the policy versions in force when an entry
// was written, so policy changes never reinterpret historical entries.
type PolicyVersionTuple struct {
	AffordanceRegistryVersion string `json:"affordance_registry_version" cbor:"affordance_registry_version"`
	CostPolicyVersion         string `json:"cost_policy_version" cbor:"cost_policy_version"`
	AdmissionRulesetVersion   string `json:"admission_ruleset_version" cbor:"admission_ruleset_version"`
}

// #endregion policy-versions

// #region reservation-state

// ReservationState is the reservation state machine:
// Open -> Settled | Refunded | Expired. Terminal states are absorbing.
type ReservationState uint8

const (
	StateOpen ReservationState = iota
	StateSettled
	StateRefunded
	StateExpired
)

func (s ReservationState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateSettled:
		return "settled"
	case StateRefunded:
		return "refunded"
	case StateExpired:
		return "expired"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// IsTerminal reports whether no transition leaves s.
func (s ReservationState) IsTerminal() bool {
	return s != StateOpen
}

// MarshalText encodes the state by name.
func (s ReservationState) MarshalText() ([]byte, error) {
	switch s {
	case StateOpen, StateSettled, StateRefunded, StateExpired:
		return []byte(s.String()), nil
	default:
		return nil, fmt.Errorf("unknown reservation state %d", uint8(s))
	}
}

// UnmarshalText decodes a state name.
func (s *ReservationState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "open":
		*s = StateOpen
	case "settled":
		*s = StateSettled
	case "refunded":
		*s = StateRefunded
	case "expired":
		*s = StateExpired
	default:
		return fmt.Errorf("unknown reservation state %q", text)
	}
	return nil
}

// #endregion reservation-state

// #region reservation-record

// ReservationRecord is a ledger-held, time-bounded debit pending settlement.
type ReservationRecord struct {
	ReserveEntryID        string           `json:"reserve_entry_id"`
	CostAttributionID     string           `json:"cost_attribution_id"`
	ReservedSurvivalMicro int64            `json:"reserved_survival_micro"`
	CreatedCycle          uint64           `json:"created_cycle"`
	ExpiresAtCycle        uint64           `json:"expires_at_cycle"`
	State                 ReservationState `json:"state"`
	ReserveReferenceID    string           `json:"reserve_reference_id,omitempty"`
	TerminalReferenceID   string           `json:"terminal_reference_id,omitempty"`
	TerminalCycle         uint64           `json:"terminal_cycle,omitempty"` // zero while Open
	ActionID              string           `json:"action_id,omitempty"`
	SettledSurvivalMicro  int64            `json:"settled_survival_micro,omitempty"`
}

// matchesAction reports whether actionID names this reservation's action.
// Before settlement the action is only known through the reserve reference.
func (r ReservationRecord) matchesAction(actionID string) bool {
	if actionID == "" {
		return false
	}
	return r.ActionID == actionID || r.ReserveReferenceID == actionID
}

// #endregion reservation-record

// #region entry-kind

// EntryKind is the closed set of ledger entry kinds. Each kind carries the id
// it correlates with. Consumers switch over the concrete types.
type EntryKind interface {
	Name() string
	CorrelationID() string
	isEntryKind()
}

// Reserve debits a new reservation.
type Reserve struct{ ReserveEntryID string }

// Adjustment posts the difference between reserved and settled amounts.
type Adjustment struct{ ReserveEntryID string }

// Settle finalizes a reservation against actual cost.
type Settle struct{ ReserveEntryID string }

// Refund returns a reservation's amount in full.
type Refund struct{ ReserveEntryID string }

// Expire releases a reservation past its TTL.
type Expire struct{ ReserveEntryID string }

// ExternalDebit records a cost observed outside the reservation flow.
type ExternalDebit struct{ ReferenceID string }

func (Reserve) Name() string       { return "reserve" }
func (Adjustment) Name() string    { return "adjustment" }
func (Settle) Name() string        { return "settle" }
func (Refund) Name() string        { return "refund" }
func (Expire) Name() string        { return "expire" }
func (ExternalDebit) Name() string { return "external_debit" }

func (k Reserve) CorrelationID() string       { return k.ReserveEntryID }
func (k Adjustment) CorrelationID() string    { return k.ReserveEntryID }
func (k Settle) CorrelationID() string        { return k.ReserveEntryID }
func (k Refund) CorrelationID() string        { return k.ReserveEntryID }
func (k Expire) CorrelationID() string        { return k.ReserveEntryID }
func (k ExternalDebit) CorrelationID() string { return k.ReferenceID }

func (Reserve) isEntryKind()       {}
func (Adjustment) isEntryKind()    {}
func (Settle) isEntryKind()        {}
func (Refund) isEntryKind()        {}
func (Expire) isEntryKind()        {}
func (ExternalDebit) isEntryKind() {}

// KindFromName rebuilds an EntryKind from its persisted name and correlation id.
func KindFromName(name, correlationID string) (EntryKind, error) {
	switch name {
	case "reserve":
		return Reserve{ReserveEntryID: correlationID}, nil
	case "adjustment":
		return Adjustment{ReserveEntryID: correlationID}, nil
	case "settle":
		return Settle{ReserveEntryID: correlationID}, nil
	case "refund":
		return Refund{ReserveEntryID: correlationID}, nil
	case "expire":
		return Expire{ReserveEntryID: correlationID}, nil
	case "external_debit":
		return ExternalDebit{ReferenceID: correlationID}, nil
	default:
		return nil, fmt.Errorf("unknown entry kind %q", name)
	}
}

// #endregion entry-kind

// #region ledger-entry

// LedgerEntry is one immutable record in the append-only log.
// AmountSurvivalMicro is the signed delta applied to the balance.
type LedgerEntry struct {
	EntryID             string
	SeqNo               uint64
	CycleID             uint64
	Kind                EntryKind
	AmountSurvivalMicro int64
	CostAttributionID   string
	ActionID            string
	ReferenceID         string
	Policy              PolicyVersionTuple
}

type entryWire struct {
	EntryID             string             `json:"entry_id"`
	SeqNo               uint64             `json:"seq_no"`
	CycleID             uint64             `json:"cycle_id"`
	Kind                string             `json:"kind"`
	CorrelationID       string             `json:"correlation_id"`
	AmountSurvivalMicro int64              `json:"amount_survival_micro"`
	CostAttributionID   string             `json:"cost_attribution_id,omitempty"`
	ActionID            string             `json:"action_id,omitempty"`
	ReferenceID         string             `json:"reference_id,omitempty"`
	Policy              PolicyVersionTuple `json:"policy"`
}

// MarshalJSON flattens the entry kind into name and correlation id.
func (e LedgerEntry) MarshalJSON() ([]byte, error) {
	if e.Kind == nil {
		return nil, fmt.Errorf("entry %d has no kind", e.SeqNo)
	}
	return json.Marshal(entryWire{
		EntryID:             e.EntryID,
		SeqNo:               e.SeqNo,
		CycleID:             e.CycleID,
		Kind:                e.Kind.Name(),
		CorrelationID:       e.Kind.CorrelationID(),
		AmountSurvivalMicro: e.AmountSurvivalMicro,
		CostAttributionID:   e.CostAttributionID,
		ActionID:            e.ActionID,
		ReferenceID:         e.ReferenceID,
		Policy:              e.Policy,
	})
}

// UnmarshalJSON restores the entry kind from name and correlation id.
func (e *LedgerEntry) UnmarshalJSON(data []byte) error {
	var w entryWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	kind, err := KindFromName(w.Kind, w.CorrelationID)
	if err != nil {
		return err
	}
	*e = LedgerEntry{
		EntryID:             w.EntryID,
		SeqNo:               w.SeqNo,
		CycleID:             w.CycleID,
		Kind:                kind,
		AmountSurvivalMicro: w.AmountSurvivalMicro,
		CostAttributionID:   w.CostAttributionID,
		ActionID:            w.ActionID,
		ReferenceID:         w.ReferenceID,
		Policy:              w.Policy,
	}
	return nil
}

// #endregion ledger-entry

// #region external-debit

// ExternalDebitObservation is a cost incurred outside the reservation flow,
// e.g. metered usage reported asynchronously. ReferenceID is the dedup key.
type ExternalDebitObservation struct {
	ReferenceID        string  `json:"reference_id" cbor:"reference_id"`
	CostAttributionID  string  `json:"cost_attribution_id" cbor:"cost_attribution_id"`
	ActionID           string  `json:"action_id,omitempty" cbor:"action_id,omitempty"`
	CycleID            *uint64 `json:"cycle_id,omitempty" cbor:"cycle_id,omitempty"`
	DebitSurvivalMicro int64   `json:"debit_survival_micro" cbor:"debit_survival_micro"`
}

// #endregion external-debit

// #region state

// State is the exportable form of a ledger, used by continuity snapshots.
type State struct {
	LedgerID            string              `json:"ledger_id"`
	InitialBalanceMicro int64               `json:"initial_balance_micro"`
	BalanceMicro        int64               `json:"balance_micro"`
	LastCycle           uint64              `json:"last_cycle"`
	Entries             []LedgerEntry       `json:"entries"`
	Reservations        []ReservationRecord `json:"reservations"`
}

// #endregion state
