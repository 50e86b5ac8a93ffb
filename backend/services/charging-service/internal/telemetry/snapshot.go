package telemetry

import (
	"fmt"
	"time"
)

// Data sources reported on every snapshot.
const (
	SourceVehicleInfo = "vehicleInfo"
	SourceMeterValues = "meterValues"
	SourceIdle        = "idle"
)

// Placeholder shown when a value has no source.
const Placeholder = "--"

// Snapshot is the resolved state of one charger.
type Snapshot struct {
	ChargePointID  string    `json:"chargerId"`
	Status         string    `json:"status"`
	SOC            float64   `json:"soc"`
	Voltage        string    `json:"voltage"`
	Current        string    `json:"current"`
	Power          string    `json:"power"`
	Energy         string    `json:"energy"`
	Temperature    string    `json:"temperature"`
	Model          string    `json:"model"`
	Variant        string    `json:"variant"`
	CurrentRangeKm float64   `json:"currentRangeKm"`
	MaxRangeKm     float64   `json:"maxRangeKm"`
	IsCharging     bool      `json:"isCharging"`
	DataSource     string    `json:"dataSource"`
	EnergyWh       float64   `json:"energyWh"`
	PowerKW        float64   `json:"powerKw"`
	TransactionID  *int64    `json:"transactionId,omitempty"`
	ResolvedAt     time.Time `json:"resolvedAt"`
}

func formatVoltage(v float64) string     { return fmt.Sprintf("%.1f V", v) }
func formatCurrent(a float64) string     { return fmt.Sprintf("%.1f A", a) }
func formatPower(kw float64) string      { return fmt.Sprintf("%.2f kW", kw) }
func formatEnergy(wh float64) string     { return fmt.Sprintf("%.2f Wh", wh) }
func formatTemperature(c float64) string { return fmt.Sprintf("%.1f °C", c) }

func idleSnapshot(chargePointID, status string, now time.Time) Snapshot {
	return Snapshot{
		ChargePointID: chargePointID,
		Status:        status,
		Voltage:       formatVoltage(0),
		Current:       formatCurrent(0),
		Power:         formatPower(0),
		Energy:        formatEnergy(0),
		Temperature:   Placeholder,
		Model:         Placeholder,
		DataSource:    SourceIdle,
		ResolvedAt:    now,
	}
}
