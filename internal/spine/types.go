package spine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xiaoland/beluna-core/internal/affordance"
	"github.com/xiaoland/beluna-core/internal/codec"
)

// #region port

// Port executes admitted actions on behalf of the continuity engine. A
// failure is reported once for the whole batch; implementations never
// return a partial report together with an error.
type Port interface {
	ExecuteAdmitted(ctx context.Context, batch AdmittedActionBatch) (SpineExecutionReport, error)
}

// #endregion port

// #region batch

// AdmittedAction is one reserved action handed to the port.
type AdmittedAction struct {
	ActionID             string                `json:"action_id" cbor:"action_id"`
	ReserveEntryID       string                `json:"reserve_entry_id" cbor:"reserve_entry_id"`
	AttemptID            string                `json:"attempt_id" cbor:"attempt_id"`
	CostAttributionID    string                `json:"cost_attribution_id" cbor:"cost_attribution_id"`
	EndpointID           string                `json:"endpoint_id" cbor:"endpoint_id"`
	CapabilityID         string                `json:"capability_id" cbor:"capability_id"`
	NormalizedPayload    any                   `json:"normalized_payload" cbor:"normalized_payload"`
	ReservedCost         affordance.CostVector `json:"reserved_cost" cbor:"reserved_cost"`
	Degraded             bool                  `json:"degraded" cbor:"degraded"`
	DegradationProfileID string                `json:"degradation_profile_id,omitempty" cbor:"degradation_profile_id,omitempty"`
}

// AdmittedActionBatch is the per-cycle dispatch request.
type AdmittedActionBatch struct {
	CycleID uint64           `json:"cycle_id" cbor:"cycle_id"`
	Actions []AdmittedAction `json:"actions" cbor:"actions"`
}

// #endregion batch

// #region report

// Execution modes reported by the built-in ports.
const (
	ModeLocal   = "local"
	ModeRemote  = "grpc"
	ModeSkipped = "skipped"
)

// SpineExecutionReport carries one event per executed action, in the order
// the outcomes were received.
type SpineExecutionReport struct {
	Mode   string       `json:"mode" cbor:"mode"`
	Events []SpineEvent `json:"events" cbor:"events"`
}

// SkippedReport is the report for a cycle with nothing to dispatch.
func SkippedReport() SpineExecutionReport {
	return SpineExecutionReport{Mode: ModeSkipped}
}

// SpineEvent is the outcome of one action.
type SpineEvent struct {
	ActionID string
	Outcome  Outcome
}

// Outcome is the closed set of per-action results: Applied, Rejected,
// Deferred.
type Outcome interface {
	isOutcome()
	// Reference is the idempotency reference used to settle or refund.
	Reference() string
}

// Applied means the action ran and incurred ActualCostSurvivalMicro.
type Applied struct {
	ActualCostSurvivalMicro int64
	ReferenceID             string
}

// Rejected means the action did not run and will not.
type Rejected struct {
	ReasonCode  string
	ReferenceID string
}

// Deferred means the action did not run in this cycle.
type Deferred struct {
	ReasonCode  string
	ReferenceID string
}

func (Applied) isOutcome()  {}
func (Rejected) isOutcome() {}
func (Deferred) isOutcome() {}

func (o Applied) Reference() string  { return o.ReferenceID }
func (o Rejected) Reference() string { return o.ReferenceID }
func (o Deferred) Reference() string { return o.ReferenceID }

// #endregion report

// #region wire

type eventWire struct {
	ActionID    string `json:"action_id" cbor:"action_id"`
	Kind        string `json:"kind" cbor:"kind"`
	ReferenceID string `json:"reference_id" cbor:"reference_id"`
	ActualCost  int64  `json:"actual_cost_survival_micro,omitempty" cbor:"actual_cost_survival_micro,omitempty"`
	ReasonCode  string `json:"reason_code,omitempty" cbor:"reason_code,omitempty"`
}

func (e SpineEvent) wire() (eventWire, error) {
	w := eventWire{ActionID: e.ActionID}
	switch o := e.Outcome.(type) {
	case Applied:
		w.Kind, w.ReferenceID, w.ActualCost = "applied", o.ReferenceID, o.ActualCostSurvivalMicro
	case Rejected:
		w.Kind, w.ReferenceID, w.ReasonCode = "rejected", o.ReferenceID, o.ReasonCode
	case Deferred:
		w.Kind, w.ReferenceID, w.ReasonCode = "deferred", o.ReferenceID, o.ReasonCode
	default:
		return eventWire{}, fmt.Errorf("action %s: no outcome", e.ActionID)
	}
	return w, nil
}

func (w eventWire) event() (SpineEvent, error) {
	e := SpineEvent{ActionID: w.ActionID}
	switch w.Kind {
	case "applied":
		e.Outcome = Applied{ActualCostSurvivalMicro: w.ActualCost, ReferenceID: w.ReferenceID}
	case "rejected":
		e.Outcome = Rejected{ReasonCode: w.ReasonCode, ReferenceID: w.ReferenceID}
	case "deferred":
		e.Outcome = Deferred{ReasonCode: w.ReasonCode, ReferenceID: w.ReferenceID}
	default:
		return SpineEvent{}, fmt.Errorf("action %s: unknown outcome %q", w.ActionID, w.Kind)
	}
	return e, nil
}

// MarshalCBOR implements cbor.Marshaler.
func (e SpineEvent) MarshalCBOR() ([]byte, error) {
	w, err := e.wire()
	if err != nil {
		return nil, err
	}
	return codec.Marshal(w)
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (e *SpineEvent) UnmarshalCBOR(data []byte) error {
	var w eventWire
	if err := codec.Unmarshal(data, &w); err != nil {
		return err
	}
	parsed, err := w.event()
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// MarshalJSON renders the event with a tagged outcome.
func (e SpineEvent) MarshalJSON() ([]byte, error) {
	w, err := e.wire()
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (e *SpineEvent) UnmarshalJSON(data []byte) error {
	var w eventWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	parsed, err := w.event()
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// #endregion wire
