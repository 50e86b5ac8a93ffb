package models

import "time"

// Measurands stored in connector_meter_value.
const (
	MeasurandSOC            = "SoC"
	MeasurandVoltage        = "Voltage"
	MeasurandCurrentImport  = "Current.Import"
	MeasurandCurrentOffered = "Current.Offered"
	MeasurandPower          = "Power.Active.Import"
	MeasurandTemperature    = "Temperature"
	MeasurandEnergyRegister = "Energy.Active.Import.Register"
)

// VehicleInfoMessageID tags the DataTransfer frames carrying vehicle info.
const VehicleInfoMessageID = "PreChargeData"

// MeterReading is one sampled measurand value.
type MeterReading struct {
	Measurand     string
	Value         float64
	Unit          string
	Timestamp     time.Time
	TransactionID *int64
}

// VehicleInfo is the decoded vehicle payload pushed by the charger roughly every 5s.
type VehicleInfo struct {
	SOC         *float64 `json:"soc"`
	Voltage     *float64 `json:"voltage"`
	Temperature *float64 `json:"temperature"`
	Model       string   `json:"model"`
	Range       *float64 `json:"range"`
	MaxCurrent  *float64 `json:"maxCurrent"`
}

// VehicleInfoMessage is a raw vendor message as stored.
type VehicleInfoMessage struct {
	ChargePointID string
	MessageID     string
	Data          string
	ReceivedAt    time.Time
}
