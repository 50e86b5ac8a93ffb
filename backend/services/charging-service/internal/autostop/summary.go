package autostop

import (
	"fmt"
	"math"
	"time"
)

// Summary describes a finished session.
type Summary struct {
	Reason            string        `json:"reason,omitempty"`
	StartSOC          float64       `json:"startSoc"`
	FinalSOC          float64       `json:"finalSoc"`
	SOCGain           float64       `json:"socGain"`
	StartRangeKm      float64       `json:"startRange"`
	FinalRangeKm      float64       `json:"finalRange"`
	RangeGainKm       float64       `json:"rangeGain"`
	EnergyKWh         float64       `json:"energyKwh"`
	EfficiencyWhPerKm float64       `json:"efficiencyWhPerKm"`
	Duration          time.Duration `json:"duration"`
	Cost              float64       `json:"cost"`
	Paid              float64       `json:"paid"`
	Refund            float64       `json:"refund"`
}

// Summarize compares the final reading to the target's start state.
// A refund is only reported when overpayment exceeds refundThreshold.
func Summarize(t Target, final Reading, now time.Time, pricePerKWh, refundThreshold float64) Summary {
	energyKWh := math.Max(final.EnergyWh-t.StartEnergyWh, 0) / 1000
	cost := energyKWh * pricePerKWh
	s := Summary{
		StartSOC:     t.StartSOC,
		FinalSOC:     final.SOC,
		SOCGain:      final.SOC - t.StartSOC,
		StartRangeKm: t.StartRangeKm,
		FinalRangeKm: final.RangeKm,
		RangeGainKm:  final.RangeKm - t.StartRangeKm,
		EnergyKWh:    energyKWh,
		Cost:         cost,
		Paid:         t.PaidAmount,
	}
	if s.RangeGainKm > 0 {
		s.EfficiencyWhPerKm = energyKWh * 1000 / s.RangeGainKm
	}
	if !t.StartTime.IsZero() && now.After(t.StartTime) {
		s.Duration = now.Sub(t.StartTime).Truncate(time.Second)
	}
	if s.Paid == 0 {
		s.Paid = cost
	}
	if over := s.Paid - cost; over > refundThreshold {
		s.Refund = over
	}
	return s
}

// String renders the summary for terminal output.
func (s Summary) String() string {
	out := fmt.Sprintf("SOC %.0f%% -> %.0f%% (+%.0f%%)\nRange %.0f km -> %.0f km (+%.0f km)\nEnergy %.2f kWh\n",
		s.StartSOC, s.FinalSOC, s.SOCGain, s.StartRangeKm, s.FinalRangeKm, s.RangeGainKm, s.EnergyKWh)
	if s.EfficiencyWhPerKm > 0 {
		out += fmt.Sprintf("Efficiency %.0f Wh/km\n", s.EfficiencyWhPerKm)
	} else {
		out += "Efficiency --\n"
	}
	out += fmt.Sprintf("Duration %s\nPaid %.2f, actual %.2f\n", s.Duration, s.Paid, s.Cost)
	if s.Refund > 0 {
		out += fmt.Sprintf("Refund %.2f\n", s.Refund)
	}
	return out
}
