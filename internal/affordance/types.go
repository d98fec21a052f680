package affordance

// #region cost-vector

// CostVector is resource demand or supply along four dimensions.
// SurvivalMicro is the economic currency; the other three are runtime-limit
// dimensions checked independently and never traded against survival.
type CostVector struct {
	SurvivalMicro int64  `json:"survival_micro" yaml:"survival_micro" cbor:"survival_micro"`
	TimeMs        uint64 `json:"time_ms" yaml:"time_ms" cbor:"time_ms"`
	IOUnits       uint64 `json:"io_units" yaml:"io_units" cbor:"io_units"`
	TokenUnits    uint64 `json:"token_units" yaml:"token_units" cbor:"token_units"`
}

// #endregion cost-vector

// #region key

// Key identifies an affordance: one endpoint exposing one capability.
type Key struct {
	EndpointID   string
	CapabilityID string
}

func (k Key) String() string {
	return k.EndpointID + "/" + k.CapabilityID
}

// #endregion key

// #region profiles

// DegradationProfile is a cheaper, reduced-capability variant of an affordance.
type DegradationProfile struct {
	ProfileID string `json:"profile_id" yaml:"profile_id" cbor:"profile_id"`

	// Depth is the degradation level; 1 is the least degraded.
	Depth uint8 `json:"depth" yaml:"depth" cbor:"depth"`

	// CapabilityLossScore grows with the capability given up.
	CapabilityLossScore uint16 `json:"capability_loss_score" yaml:"capability_loss_score" cbor:"capability_loss_score"`

	// CostMultiplierMilli scales the survival cost in thousandths.
	CostMultiplierMilli uint32 `json:"cost_multiplier_milli" yaml:"cost_multiplier_milli" cbor:"cost_multiplier_milli"`

	// CapabilityOverride, when set, is the capability actually invoked.
	CapabilityOverride string `json:"capability_id_override,omitempty" yaml:"capability_id_override,omitempty" cbor:"capability_id_override,omitempty"`
}

// AffordanceProfile is the cost and behavior profile of one (endpoint, capability) pair.
type AffordanceProfile struct {
	EndpointID      string               `json:"endpoint_id" yaml:"endpoint_id" cbor:"endpoint_id"`
	CapabilityID    string               `json:"capability_id" yaml:"capability_id" cbor:"capability_id"`
	MaxPayloadBytes uint64               `json:"max_payload_bytes" yaml:"max_payload_bytes" cbor:"max_payload_bytes"`
	BaseCost        CostVector           `json:"base_cost" yaml:"base_cost" cbor:"base_cost"`
	Degradations    []DegradationProfile `json:"degradation_profiles" yaml:"degradation_profiles" cbor:"degradation_profiles"`
}

// Key returns the registry key of the profile.
func (p AffordanceProfile) Key() Key {
	return Key{EndpointID: p.EndpointID, CapabilityID: p.CapabilityID}
}

// #endregion profiles
