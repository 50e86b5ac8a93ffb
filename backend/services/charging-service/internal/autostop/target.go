package autostop

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"flashcharge/backend/services/charging-service/internal/models"
	"flashcharge/backend/services/charging-service/internal/telemetry"
)

// Mode is the quantity a target is expressed in.
type Mode string

const (
	ModeSOC    Mode = "soc"    // percent
	ModeRange  Mode = "range"  // km
	ModeAmount Mode = "amount" // currency units
	ModeTime   Mode = "time"   // minutes
)

var ErrInvalidTarget = errors.New("autostop: invalid target")

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeSOC, ModeRange, ModeAmount, ModeTime:
		return m, nil
	}
	return "", fmt.Errorf("%w: unknown mode %q", ErrInvalidTarget, s)
}

// Target is what the user asked the session to reach, with the state it started from.
type Target struct {
	Mode          Mode      `json:"mode"`
	Value         float64   `json:"value"`
	StartTime     time.Time `json:"startTime"`
	StartSOC      float64   `json:"startSoc"`
	StartRangeKm  float64   `json:"startRange"`
	StartEnergyWh float64   `json:"startEnergyWh"`
	PaidAmount    float64   `json:"paidAmount"`
}

// Validate checks the target value for its mode.
func (t Target) Validate() error {
	if _, err := ParseMode(string(t.Mode)); err != nil {
		return err
	}
	if t.Value <= 0 || math.IsNaN(t.Value) || math.IsInf(t.Value, 0) {
		return fmt.Errorf("%w: value must be positive", ErrInvalidTarget)
	}
	if t.Mode == ModeSOC && t.Value > 100 {
		return fmt.Errorf("%w: soc above 100", ErrInvalidTarget)
	}
	if t.Mode == ModeTime && t.StartTime.IsZero() {
		return fmt.Errorf("%w: time target needs a start time", ErrInvalidTarget)
	}
	return nil
}

// Reading is the part of a snapshot the controller evaluates.
type Reading struct {
	SOC      float64
	RangeKm  float64
	EnergyWh float64
	Charging bool

	// Connected is set while a vehicle is plugged in but not drawing current.
	Connected bool
}

// ReadingFromSnapshot extracts a Reading. EnergyWh falls back to parsing the formatted energy field.
func ReadingFromSnapshot(s telemetry.Snapshot) Reading {
	energy := s.EnergyWh
	if energy == 0 && s.Energy != "" && s.Energy != telemetry.Placeholder {
		if v, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(s.Energy, "Wh")), 64); err == nil {
			energy = v
		}
	}
	return Reading{
		SOC:       s.SOC,
		RangeKm:   s.CurrentRangeKm,
		EnergyWh:  energy,
		Charging:  s.IsCharging,
		Connected: models.IsConnected(s.Status),
	}
}

// sessionCost is the cost of the energy delivered since the target was set.
func (t Target) sessionCost(r Reading, pricePerKWh float64) float64 {
	return math.Max(r.EnergyWh-t.StartEnergyWh, 0) / 1000 * pricePerKWh
}

// Reached reports whether r (observed at now) satisfies the target, with a human-readable reason.
func (t Target) Reached(r Reading, now time.Time, pricePerKWh float64) (bool, string) {
	switch t.Mode {
	case ModeSOC:
		if r.SOC >= t.Value {
			return true, fmt.Sprintf("target battery %.0f%% reached (%.1f%%)", t.Value, r.SOC)
		}
	case ModeRange:
		if r.RangeKm >= t.Value {
			return true, fmt.Sprintf("target range %.0f km reached (%.1f km)", t.Value, r.RangeKm)
		}
	case ModeAmount:
		if cost := t.sessionCost(r, pricePerKWh); cost >= t.Value {
			return true, fmt.Sprintf("target amount %.2f reached (%.2f)", t.Value, cost)
		}
	case ModeTime:
		if elapsed := now.Sub(t.StartTime).Minutes(); !t.StartTime.IsZero() && elapsed >= t.Value {
			return true, fmt.Sprintf("target time %.0f min reached (%.1f min)", t.Value, elapsed)
		}
	}
	return false, ""
}

// Progress is the completed share of the target in percent, clamped to [0, 100].
func (t Target) Progress(r Reading, now time.Time, pricePerKWh float64) float64 {
	var p float64
	switch t.Mode {
	case ModeSOC:
		p = ratio(r.SOC-t.StartSOC, t.Value-t.StartSOC)
	case ModeRange:
		p = ratio(r.RangeKm-t.StartRangeKm, t.Value-t.StartRangeKm)
	case ModeAmount:
		p = ratio(t.sessionCost(r, pricePerKWh), t.Value)
	case ModeTime:
		if !t.StartTime.IsZero() {
			p = ratio(now.Sub(t.StartTime).Minutes(), t.Value)
		}
	}
	return math.Max(0, math.Min(100, p))
}

// Remaining is the countdown of a time target, zero for other modes.
func (t Target) Remaining(now time.Time) time.Duration {
	if t.Mode != ModeTime || t.StartTime.IsZero() {
		return 0
	}
	end := t.StartTime.Add(time.Duration(t.Value * float64(time.Minute)))
	if left := end.Sub(now); left > 0 {
		return left
	}
	return 0
}

func ratio(done, total float64) float64 {
	if total <= 0 {
		return 100
	}
	return done / total * 100
}
