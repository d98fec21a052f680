package admission

import (
	"encoding/json"
	"fmt"

	"github.com/xiaoland/beluna-core/internal/codec"
)

// #region mutation

// DenyEconomic rewrites an admitted item as an economic denial. The engine
// uses it when the ledger rejects a proposed reservation.
func (r *AdmissionReport) DenyEconomic(attemptID string, available, required int64) bool {
	for i := range r.Items {
		it := &r.Items[i]
		if it.AttemptID != attemptID || !IsAdmitted(it.Disposition) {
			continue
		}
		it.Disposition = DeniedEconomic{Code: CodeInsufficientBudget}
		it.Why = Economic{
			Code:                   CodeInsufficientBudget,
			AvailableSurvivalMicro: available,
			RequiredSurvivalMicro:  required,
		}
		it.LedgerDeltaSurvivalMicro = 0
		it.ActionID = ""
		it.DegradationProfileID = ""
		return true
	}
	return false
}

// Counts returns the number of admitted, hard-denied and economically denied items.
func (r AdmissionReport) Counts() (admitted, hard, economic int) {
	for _, it := range r.Items {
		switch it.Disposition.(type) {
		case Admitted:
			admitted++
		case DeniedHard:
			hard++
		case DeniedEconomic:
			economic++
		}
	}
	return admitted, hard, economic
}

// #endregion mutation

// #region wire

type dispositionWire struct {
	Kind     string `json:"kind" cbor:"kind"`
	Degraded bool   `json:"degraded,omitempty" cbor:"degraded,omitempty"`
	Code     string `json:"code,omitempty" cbor:"code,omitempty"`
}

type whyWire struct {
	Kind      string `json:"kind" cbor:"kind"`
	Code      string `json:"code" cbor:"code"`
	Available int64  `json:"available_survival_micro,omitempty" cbor:"available_survival_micro,omitempty"`
	Required  int64  `json:"required_survival_micro,omitempty" cbor:"required_survival_micro,omitempty"`
}

type itemWire struct {
	AttemptID            string          `json:"attempt_id" cbor:"attempt_id"`
	Disposition          dispositionWire `json:"disposition" cbor:"disposition"`
	Why                  *whyWire        `json:"why,omitempty" cbor:"why,omitempty"`
	LedgerDelta          int64           `json:"ledger_delta_survival_micro" cbor:"ledger_delta_survival_micro"`
	ActionID             string          `json:"action_id,omitempty" cbor:"action_id,omitempty"`
	DegradationProfileID string          `json:"degradation_profile_id,omitempty" cbor:"degradation_profile_id,omitempty"`
}

type reportWire struct {
	CycleID uint64     `json:"cycle_id" cbor:"cycle_id"`
	Items   []itemWire `json:"items" cbor:"items"`
}

func (r AdmissionReport) wire() reportWire {
	w := reportWire{CycleID: r.CycleID, Items: make([]itemWire, 0, len(r.Items))}
	for _, it := range r.Items {
		iw := itemWire{
			AttemptID:            it.AttemptID,
			LedgerDelta:          it.LedgerDeltaSurvivalMicro,
			ActionID:             it.ActionID,
			DegradationProfileID: it.DegradationProfileID,
		}
		switch d := it.Disposition.(type) {
		case Admitted:
			iw.Disposition = dispositionWire{Kind: "admitted", Degraded: d.Degraded}
		case DeniedHard:
			iw.Disposition = dispositionWire{Kind: "denied_hard", Code: d.Code}
		case DeniedEconomic:
			iw.Disposition = dispositionWire{Kind: "denied_economic", Code: d.Code}
		}
		switch y := it.Why.(type) {
		case HardRule:
			iw.Why = &whyWire{Kind: "hard_rule", Code: y.Code}
		case Economic:
			iw.Why = &whyWire{Kind: "economic", Code: y.Code, Available: y.AvailableSurvivalMicro, Required: y.RequiredSurvivalMicro}
		}
		w.Items = append(w.Items, iw)
	}
	return w
}

func (w reportWire) report() (AdmissionReport, error) {
	r := AdmissionReport{CycleID: w.CycleID, Items: make([]AdmissionReportItem, 0, len(w.Items))}
	for _, iw := range w.Items {
		it := AdmissionReportItem{
			AttemptID:                iw.AttemptID,
			LedgerDeltaSurvivalMicro: iw.LedgerDelta,
			ActionID:                 iw.ActionID,
			DegradationProfileID:     iw.DegradationProfileID,
		}
		switch iw.Disposition.Kind {
		case "admitted":
			it.Disposition = Admitted{Degraded: iw.Disposition.Degraded}
		case "denied_hard":
			it.Disposition = DeniedHard{Code: iw.Disposition.Code}
		case "denied_economic":
			it.Disposition = DeniedEconomic{Code: iw.Disposition.Code}
		default:
			return AdmissionReport{}, fmt.Errorf("attempt %s: unknown disposition %q", iw.AttemptID, iw.Disposition.Kind)
		}
		if iw.Why != nil {
			switch iw.Why.Kind {
			case "hard_rule":
				it.Why = HardRule{Code: iw.Why.Code}
			case "economic":
				it.Why = Economic{Code: iw.Why.Code, AvailableSurvivalMicro: iw.Why.Available, RequiredSurvivalMicro: iw.Why.Required}
			default:
				return AdmissionReport{}, fmt.Errorf("attempt %s: unknown why %q", iw.AttemptID, iw.Why.Kind)
			}
		}
		r.Items = append(r.Items, it)
	}
	return r, nil
}

// Encode returns the deterministic CBOR encoding of the report. Equal
// reports always encode to identical bytes.
func (r AdmissionReport) Encode() ([]byte, error) {
	return codec.Marshal(r.wire())
}

// DecodeReport parses bytes produced by Encode.
func DecodeReport(data []byte) (AdmissionReport, error) {
	var w reportWire
	if err := codec.Unmarshal(data, &w); err != nil {
		return AdmissionReport{}, fmt.Errorf("decode admission report: %w", err)
	}
	return w.report()
}

// MarshalJSON renders the report with tagged dispositions.
func (r AdmissionReport) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.wire())
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (r *AdmissionReport) UnmarshalJSON(data []byte) error {
	var w reportWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	parsed, err := w.report()
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// DispositionName is the wire name of d, with its code when denied.
func DispositionName(d Disposition) string {
	switch v := d.(type) {
	case Admitted:
		if v.Degraded {
			return "admitted_degraded"
		}
		return "admitted"
	case DeniedHard:
		return "denied_hard:" + v.Code
	case DeniedEconomic:
		return "denied_economic:" + v.Code
	default:
		return "unknown"
	}
}

// #endregion wire
