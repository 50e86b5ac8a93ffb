package battery

import "math"

// Model holds the pack constants every conversion depends on.
type Model struct {
	NominalVoltage float64 // V
	RangePerAh     float64 // km per Ah
	FullSOC        float64 // charge-protection ceiling, percent
	PricePerKWh    float64
}

// DefaultModel is the 23S LFP pack sold with all tiers, priced in INR.
func DefaultModel() Model {
	return Model{
		NominalVoltage: 73.6,
		RangePerAh:     2.8,
		FullSOC:        90,
		PricePerKWh:    15.00,
	}
}

func (m Model) AhFromSOC(soc, capacityAh float64) float64 {
	return soc * capacityAh / 100
}

func (m Model) SOCFromAh(ah, capacityAh float64) float64 {
	if capacityAh <= 0 {
		return 0
	}
	return ah / capacityAh * 100
}

func (m Model) RangeFromAh(ah float64) float64 {
	return ah * m.RangePerAh
}

func (m Model) AhFromRange(km float64) float64 {
	if m.RangePerAh == 0 {
		return 0
	}
	return km / m.RangePerAh
}

func (m Model) EnergyKWhFromAh(ah float64) float64 {
	return ah * m.NominalVoltage / 1000
}

func (m Model) AhFromEnergyKWh(kwh float64) float64 {
	if m.NominalVoltage == 0 {
		return 0
	}
	return kwh * 1000 / m.NominalVoltage
}

// TimeMinFromAh returns minutes to deliver ah at currentA. Zero current yields +Inf.
func (m Model) TimeMinFromAh(ah, currentA float64) float64 {
	if currentA <= 0 {
		return math.Inf(1)
	}
	return ah / currentA * 60
}

func (m Model) AhFromTimeMin(minutes, currentA float64) float64 {
	return currentA * minutes / 60
}

func (m Model) CostFromEnergyKWh(kwh float64) float64 {
	return kwh * m.PricePerKWh
}

func (m Model) EnergyKWhFromCost(cost float64) float64 {
	if m.PricePerKWh == 0 {
		return 0
	}
	return cost / m.PricePerKWh
}

// FullAh is the usable ceiling for a pack of capacityAh.
func (m Model) FullAh(capacityAh float64) float64 {
	return capacityAh * m.FullSOC / 100
}

// CapAtFull clamps ah to the charge-protection ceiling.
func (m Model) CapAtFull(ah, capacityAh float64) float64 {
	return math.Min(ah, m.FullAh(capacityAh))
}

// Round rounds v to the given number of decimal places.
func Round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
