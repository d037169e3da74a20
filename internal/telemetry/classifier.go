package telemetry

import (
	"errors"
	"math"
)

// Reasons a sample is marked invalid.
const (
	ReasonNoSource       = "no_temperature_source"
	ReasonPrimaryRange   = "primary_out_of_range"
	ReasonSourceMismatch = "source_delta_exceeded"
	ReasonAmbientRange   = "ambient_out_of_range"
)

// Thresholds are the lower bounds (°C, inclusive) of each fever tier.
type Thresholds struct {
	Mild     float64 `json:"mild,omitempty"`
	Moderate float64 `json:"moderate,omitempty"`
	High     float64 `json:"high,omitempty"`
	Critical float64 `json:"critical,omitempty"`
}

// DefaultThresholds returns mild 37.5, moderate 38.0, high 39.0, critical 40.0.
func DefaultThresholds() Thresholds {
	return Thresholds{Mild: 37.5, Moderate: 38.0, High: 39.0, Critical: 40.0}
}

// Validate requires strictly ascending thresholds.
func (t Thresholds) Validate() error {
	if !(t.Mild < t.Moderate && t.Moderate < t.High && t.High < t.Critical) {
		return errors.New("telemetry: thresholds must be strictly ascending")
	}
	return nil
}

// Override returns t with every non-zero field of o applied.
func (t Thresholds) Override(o Thresholds) Thresholds {
	if o.Mild != 0 {
		t.Mild = o.Mild
	}
	if o.Moderate != 0 {
		t.Moderate = o.Moderate
	}
	if o.High != 0 {
		t.High = o.High
	}
	if o.Critical != 0 {
		t.Critical = o.Critical
	}
	return t
}

// IsZero reports whether no threshold is set.
func (t Thresholds) IsZero() bool {
	return t == Thresholds{}
}

// Tier classifies temp, checking from critical down; first match wins.
func (t Thresholds) Tier(temp float64) FeverTier {
	switch {
	case temp >= t.Critical:
		return TierCritical
	case temp >= t.High:
		return TierHigh
	case temp >= t.Moderate:
		return TierModerate
	case temp >= t.Mild:
		return TierMild
	default:
		return TierNone
	}
}

// ValidityBounds are the plausibility limits for a reading (°C).
type ValidityBounds struct {
	PrimaryMin     float64
	PrimaryMax     float64
	MaxSourceDelta float64
	AmbientMin     float64
	AmbientMax     float64
}

// DefaultValidityBounds returns primary [30,45], delta 2.0, ambient [10,40].
func DefaultValidityBounds() ValidityBounds {
	return ValidityBounds{
		PrimaryMin:     30,
		PrimaryMax:     45,
		MaxSourceDelta: 2.0,
		AmbientMin:     10,
		AmbientMax:     40,
	}
}

// Classifier maps readings to classified samples.
// It holds only configuration and is safe for concurrent use.
type Classifier struct {
	thresholds Thresholds
	bounds     ValidityBounds
}

// NewClassifier validates the thresholds and returns a Classifier.
func NewClassifier(thresholds Thresholds, bounds ValidityBounds) (*Classifier, error) {
	if err := thresholds.Validate(); err != nil {
		return nil, err
	}
	return &Classifier{thresholds: thresholds, bounds: bounds}, nil
}

// Thresholds returns the default thresholds used by Classify.
func (c *Classifier) Thresholds() Thresholds {
	return c.thresholds
}

// Classify classifies r with the default thresholds.
func (c *Classifier) Classify(r Reading) Sample {
	return classify(r, c.thresholds, c.bounds)
}

// ClassifyWith classifies r with per-device overrides applied on top of the
// defaults. An override that would break the tier ordering is ignored.
func (c *Classifier) ClassifyWith(r Reading, override Thresholds) Sample {
	t := c.thresholds
	if !override.IsZero() {
		if merged := t.Override(override); merged.Validate() == nil {
			t = merged
		}
	}
	return classify(r, t, c.bounds)
}

// classify is pure: it never mutates r and depends only on its arguments.
func classify(r Reading, t Thresholds, b ValidityBounds) Sample {
	s := Sample{
		ID:           SampleID(r.DeviceID, r.Timestamp),
		DeviceID:     r.DeviceID,
		InfraredTemp: copyFloat(r.InfraredTemp),
		ContactTemp:  copyFloat(r.ContactTemp),
		AmbientTemp:  copyFloat(r.AmbientTemp),
		Type:         r.MeasurementType,
		Timestamp:    r.Timestamp,
		Tier:         TierNone,
		RawTier:      TierNone,
	}
	if r.DeviceValid != nil {
		v := *r.DeviceValid
		s.DeviceValid = &v
	}

	primary, ok := primaryTemperature(r)
	if !ok {
		s.Reasons = []string{ReasonNoSource}
		return s
	}
	s.Primary = primary
	s.RawTier = t.Tier(primary)

	if primary < b.PrimaryMin || primary > b.PrimaryMax {
		s.Reasons = append(s.Reasons, ReasonPrimaryRange)
	}
	if r.InfraredTemp != nil && r.ContactTemp != nil &&
		math.Abs(*r.InfraredTemp-*r.ContactTemp) > b.MaxSourceDelta {
		s.Reasons = append(s.Reasons, ReasonSourceMismatch)
	}
	if r.AmbientTemp != nil && (*r.AmbientTemp < b.AmbientMin || *r.AmbientTemp > b.AmbientMax) {
		s.Reasons = append(s.Reasons, ReasonAmbientRange)
	}

	s.Valid = len(s.Reasons) == 0
	if s.Valid {
		s.Tier = s.RawTier
	}
	return s
}

// primaryTemperature picks contact over infrared for combined readings and
// the declared source otherwise, falling back to whichever body source is
// present.
func primaryTemperature(r Reading) (float64, bool) {
	switch r.MeasurementType {
	case MeasurementContact:
		if r.ContactTemp != nil {
			return *r.ContactTemp, true
		}
	case MeasurementInfrared:
		if r.InfraredTemp != nil {
			return *r.InfraredTemp, true
		}
	}

	if r.ContactTemp != nil {
		return *r.ContactTemp, true
	}
	if r.InfraredTemp != nil {
		return *r.InfraredTemp, true
	}
	return 0, false
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
