package admission

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/zeebo/blake3"

	"github.com/xiaoland/beluna-core/internal/affordance"
	"github.com/xiaoland/beluna-core/internal/codec"
)

// attemptDomainKey keys the BLAKE3 hash so attempt ids never collide with
// hashes of the same bytes in another context.
var attemptDomainKey = [32]byte{
	'b', 'e', 'l', 'u', 'n', 'a', '.', 'a', 'd', 'm', 'i', 's', 's', 'i', 'o', 'n',
	'.', 'a', 't', 't', 'e', 'm', 'p', 't', 0, 0, 0, 0, 0, 0, 0, 0,
}

// #region canonical-form

// canonicalAttempt is the hashed form of an attempt: every field but the id.
type canonicalAttempt struct {
	CycleID            uint64                `cbor:"cycle_id"`
	CommitmentID       string                `cbor:"commitment_id"`
	GoalID             string                `cbor:"goal_id"`
	PlannerSlot        uint32                `cbor:"planner_slot"`
	AffordanceKey      string                `cbor:"affordance_key"`
	CapabilityHandle   string                `cbor:"capability_handle"`
	NormalizedPayload  any                   `cbor:"normalized_payload"`
	RequestedResources affordance.CostVector `cbor:"requested_resources"`
	CostAttributionID  string                `cbor:"cost_attribution_id"`
}

// CanonicalPayload encodes a payload so that logically equal payloads yield
// identical bytes: map keys sorted, integral floats folded to integers.
func CanonicalPayload(payload any) ([]byte, error) {
	norm, err := normalize(payload)
	if err != nil {
		return nil, err
	}
	return codec.Marshal(norm)
}

// normalize folds numeric representations so that 3, 3.0 and json.Number("3")
// encode identically regardless of how the payload was decoded.
func normalize(v any) (any, error) {
	switch x := v.(type) {
	case nil, bool, string:
		return x, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			n, err := normalize(val)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			out[k] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			n, err := normalize(val)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = n
		}
		return out, nil
	case json.Number:
		if i, err := strconv.ParseInt(string(x), 10, 64); err == nil {
			return i, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("number %q: %w", x, err)
		}
		return normalizeFloat(f)
	case float64:
		return normalizeFloat(x)
	case float32:
		return normalizeFloat(float64(x))
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint:
		return normalizeUint(uint64(x)), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		return normalizeUint(x), nil
	default:
		// Structured values are flattened through JSON into the generic form.
		data, err := json.Marshal(x)
		if err != nil {
			return nil, fmt.Errorf("payload type %T: %w", v, err)
		}
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return nil, fmt.Errorf("payload type %T: %w", v, err)
		}
		return normalize(generic)
	}
}

func normalizeFloat(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("non-finite number %v", f)
	}
	if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
		return int64(f), nil
	}
	return f, nil
}

func normalizeUint(u uint64) any {
	if u <= math.MaxInt64 {
		return int64(u)
	}
	return u
}

// #endregion canonical-form

// #region derive

// DeriveAttemptID computes the deterministic id of an attempt from all of
// its fields except AttemptID itself. Payload key order does not matter.
func DeriveAttemptID(a IntentAttempt) (string, error) {
	payload, err := normalize(a.NormalizedPayload)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	data, err := codec.Marshal(canonicalAttempt{
		CycleID:            a.CycleID,
		CommitmentID:       a.CommitmentID,
		GoalID:             a.GoalID,
		PlannerSlot:        a.PlannerSlot,
		AffordanceKey:      a.AffordanceKey,
		CapabilityHandle:   a.CapabilityHandle,
		NormalizedPayload:  payload,
		RequestedResources: a.RequestedResources,
		CostAttributionID:  a.CostAttributionID,
	})
	if err != nil {
		return "", fmt.Errorf("encode attempt: %w", err)
	}

	hasher, err := blake3.NewKeyed(attemptDomainKey[:])
	if err != nil {
		panic("admission: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	sum := hasher.Sum(nil)
	return "att_" + hex.EncodeToString(sum[:16]), nil
}

// NewAttempt fills in AttemptID for a and returns it.
func NewAttempt(a IntentAttempt) (IntentAttempt, error) {
	id, err := DeriveAttemptID(a)
	if err != nil {
		return IntentAttempt{}, err
	}
	a.AttemptID = id
	return a, nil
}

// #endregion derive
