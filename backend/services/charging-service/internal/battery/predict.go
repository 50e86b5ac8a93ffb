package battery

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Unit selects how a charging target is expressed.
type Unit string

const (
	UnitRange  Unit = "range"  // final range, km
	UnitTime   Unit = "time"   // charging duration, minutes
	UnitAmount Unit = "amount" // spend, currency units
	UnitSOC    Unit = "soc"    // final state of charge, percent
	UnitFull   Unit = "full"
)

var (
	ErrUnknownUnit       = errors.New("battery: unknown target unit")
	ErrInvalidTarget     = errors.New("battery: target out of range")
	ErrTargetNotAhead    = errors.New("battery: target does not exceed current state")
	ErrNoChargingCurrent = errors.New("battery: charging current must be positive")
	ErrUnknownCapacity   = errors.New("battery: variant capacity must be positive")
)

// ParseUnit validates a wire value.
func ParseUnit(s string) (Unit, error) {
	switch u := Unit(s); u {
	case UnitRange, UnitTime, UnitAmount, UnitSOC, UnitFull:
		return u, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownUnit, s)
}

// Limits bound the raw target a user may request. Zero disables a bound.
type Limits struct {
	MinRangeKm float64 `yaml:"minRangeKm"`
	MinTimeMin float64 `yaml:"minTimeMin"`
	MaxTimeMin float64 `yaml:"maxTimeMin"`
	MinAmount  float64 `yaml:"minAmount"`
	MaxAmount  float64 `yaml:"maxAmount"`
}

// DefaultLimits mirrors the operator UI sliders.
func DefaultLimits() Limits {
	return Limits{MinRangeKm: 10, MinTimeMin: 5, MaxTimeMin: 120, MinAmount: 5, MaxAmount: 50}
}

// State is the vehicle state a prediction starts from.
type State struct {
	Variant         Variant
	SOC             float64 // percent
	ChargingCurrent float64 // A
}

// Prediction is the derived outcome of charging toward a target.
// When AlreadyFull is set every numeric field is zero and must not be shown as a quote.
type Prediction struct {
	Unit         Unit    `json:"unit"`
	Target       float64 `json:"target"`
	AlreadyFull  bool    `json:"alreadyFull"`
	Capped       bool    `json:"capped"`
	AhToAdd      float64 `json:"ahToAdd"`
	EnergyKWh    float64 `json:"energyKWh"`
	TimeMin      float64 `json:"timeMin"`
	Cost         float64 `json:"cost"`
	FinalSOC     float64 `json:"finalSOC"`
	FinalRangeKm float64 `json:"finalRange"`
	RangeAddedKm float64 `json:"rangeAdded"`
}

// Predictor converts a target in one unit into all the others.
type Predictor struct {
	model  Model
	limits Limits
}

// NewPredictor builds a predictor over model and limits.
func NewPredictor(model Model, limits Limits) *Predictor {
	return &Predictor{model: model, limits: limits}
}

// Model exposes the constants the predictor uses.
func (p *Predictor) Model() Model {
	return p.model
}

// Predict resolves target (ignored for UnitFull) from state.
func (p *Predictor) Predict(state State, unit Unit, target float64) (Prediction, error) {
	m := p.model
	capacity := state.Variant.CapacityAh
	if capacity <= 0 {
		return Prediction{}, ErrUnknownCapacity
	}
	if state.ChargingCurrent <= 0 {
		return Prediction{}, ErrNoChargingCurrent
	}
	if math.IsNaN(target) || math.IsInf(target, 0) {
		return Prediction{}, ErrInvalidTarget
	}

	currentAh := m.AhFromSOC(state.SOC, capacity)
	currentRange := m.RangeFromAh(currentAh)
	fullAh := m.FullAh(capacity)

	if currentAh >= fullAh {
		if _, err := ParseUnit(string(unit)); err != nil {
			return Prediction{}, err
		}
		return Prediction{Unit: unit, Target: target, AlreadyFull: true}, nil
	}

	var targetAh float64
	switch unit {
	case UnitRange:
		if p.limits.MinRangeKm > 0 && target < p.limits.MinRangeKm {
			return Prediction{}, fmt.Errorf("%w: range below %.0f km", ErrInvalidTarget, p.limits.MinRangeKm)
		}
		if target <= currentRange {
			return Prediction{}, ErrTargetNotAhead
		}
		targetAh = currentAh + m.AhFromRange(target-currentRange)
	case UnitTime:
		if err := within(target, p.limits.MinTimeMin, p.limits.MaxTimeMin, "time"); err != nil {
			return Prediction{}, err
		}
		targetAh = currentAh + m.AhFromTimeMin(target, state.ChargingCurrent)
	case UnitAmount:
		if err := within(target, p.limits.MinAmount, p.limits.MaxAmount, "amount"); err != nil {
			return Prediction{}, err
		}
		targetAh = currentAh + m.AhFromEnergyKWh(m.EnergyKWhFromCost(target))
	case UnitSOC:
		if target <= 0 || target > 100 {
			return Prediction{}, fmt.Errorf("%w: soc must be within (0, 100]", ErrInvalidTarget)
		}
		if target <= state.SOC {
			return Prediction{}, ErrTargetNotAhead
		}
		targetAh = m.AhFromSOC(target, capacity)
	case UnitFull:
		targetAh = fullAh
	default:
		return Prediction{}, fmt.Errorf("%w: %q", ErrUnknownUnit, unit)
	}

	finalAh := m.CapAtFull(targetAh, capacity)
	delta := finalAh - currentAh
	energy := m.EnergyKWhFromAh(delta)
	rangeAdded := m.RangeFromAh(delta)

	pred := Prediction{
		Unit:         unit,
		Target:       target,
		Capped:       targetAh >= fullAh,
		AhToAdd:      delta,
		EnergyKWh:    energy,
		TimeMin:      m.TimeMinFromAh(delta, state.ChargingCurrent),
		Cost:         m.CostFromEnergyKWh(energy),
		FinalSOC:     m.SOCFromAh(finalAh, capacity),
		FinalRangeKm: currentRange + rangeAdded,
		RangeAddedKm: rangeAdded,
	}
	if pred.Capped {
		pred.FinalSOC = m.FullSOC
	}
	return pred, nil
}

func within(v, lo, hi float64, what string) error {
	if v <= 0 {
		return fmt.Errorf("%w: %s must be positive", ErrInvalidTarget, what)
	}
	if lo > 0 && v < lo {
		return fmt.Errorf("%w: %s below %.0f", ErrInvalidTarget, what, lo)
	}
	if hi > 0 && v > hi {
		return fmt.Errorf("%w: %s above %.0f", ErrInvalidTarget, what, hi)
	}
	return nil
}

// EstimateSessionEnergyWh is the one energy approximation used across the service:
// average power held constant over the time since the transaction started.
func EstimateSessionEnergyWh(avgPowerKW float64, elapsed time.Duration) float64 {
	if avgPowerKW <= 0 || elapsed <= 0 {
		return 0
	}
	return avgPowerKW * elapsed.Hours() * 1000
}
