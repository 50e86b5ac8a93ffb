package telemetry

import (
	"math"
	"sort"
	"strings"
	"time"

	"flashcharge/backend/services/charging-service/internal/battery"
	"flashcharge/backend/services/charging-service/internal/models"
)

// Windows bounds how old each kind of input may be and still count.
type Windows struct {
	VehicleInfo    time.Duration `yaml:"vehicleInfo" env:"WINDOW_VEHICLE_INFO"`
	Charging       time.Duration `yaml:"charging" env:"WINDOW_CHARGING"`
	Connected      time.Duration `yaml:"connected" env:"WINDOW_CONNECTED"`
	CurrentOffered time.Duration `yaml:"currentOffered" env:"WINDOW_CURRENT_OFFERED"`
}

func DefaultWindows() Windows {
	return Windows{
		VehicleInfo:    10 * time.Second,
		Charging:       5 * time.Minute,
		Connected:      time.Hour,
		CurrentOffered: time.Hour,
	}
}

// Widest is the longest lookback any branch needs.
func (w Windows) Widest() time.Duration {
	widest := w.VehicleInfo
	for _, d := range []time.Duration{w.Charging, w.Connected, w.CurrentOffered} {
		if d > widest {
			widest = d
		}
	}
	return widest
}

// Inputs is everything the resolver looks at for one charger.
type Inputs struct {
	ChargePointID    string
	Status           string
	VehicleInfo      *models.VehicleInfoMessage
	Readings         []models.MeterReading // newest reading per measurand
	PowerSeries      []models.MeterReading // Power.Active.Import within the charging window
	TransactionID    *int64
	TransactionStart *time.Time
}

// Resolver turns raw inputs into a Snapshot. It holds no state and reads no clock.
type Resolver struct {
	model      battery.Model
	classifier *battery.Classifier
	windows    Windows
}

func NewResolver(model battery.Model, classifier *battery.Classifier, windows Windows) *Resolver {
	return &Resolver{model: model, classifier: classifier, windows: windows}
}

// Windows returns the configured lookbacks.
func (r *Resolver) Windows() Windows {
	return r.windows
}

// Resolve builds the snapshot as of now.
func (r *Resolver) Resolve(in Inputs, now time.Time) Snapshot {
	status := in.Status
	if status == "" {
		status = models.StatusAvailable
	}
	charging := models.IsCharging(status)

	readings := newestFirst(in.Readings)

	if info, ok := r.freshVehicleInfo(in.VehicleInfo, now); ok {
		snap := r.fromVehicleInfo(info, readings, charging, now)
		return r.finish(snap, in, status, readings, now)
	}

	if !charging && !models.IsConnected(status) {
		snap := idleSnapshot(in.ChargePointID, status, now)
		return snap
	}

	snap := r.fromMeterValues(readings, charging, now)
	return r.finish(snap, in, status, readings, now)
}

func (r *Resolver) freshVehicleInfo(msg *models.VehicleInfoMessage, now time.Time) (models.VehicleInfo, bool) {
	if msg == nil || now.Sub(msg.ReceivedAt) > r.windows.VehicleInfo {
		return models.VehicleInfo{}, false
	}
	info, err := DecodeVehicleInfo(msg.Data)
	if err != nil {
		return models.VehicleInfo{}, false
	}
	return info, true
}

func (r *Resolver) fromVehicleInfo(info models.VehicleInfo, readings []models.MeterReading, charging bool, now time.Time) Snapshot {
	variant, ok := r.classifier.ByName(info.Model)
	if !ok {
		variant = r.classifier.ClassifyOptional(info.MaxCurrent)
	}
	modelName := info.Model
	if modelName == "" {
		modelName = variant.Name
	}

	soc := clampSOC(valueOr(info.SOC, 0))
	rangeKm := r.model.RangeFromAh(r.model.AhFromSOC(soc, variant.CapacityAh))
	if info.Range != nil {
		rangeKm = *info.Range
	}

	snap := Snapshot{
		SOC:            battery.Round(soc, 2),
		Voltage:        formatVoltage(valueOr(info.Voltage, 0)),
		Current:        formatCurrent(0),
		Power:          formatPower(0),
		Temperature:    Placeholder,
		Model:          modelName,
		Variant:        variant.Name,
		CurrentRangeKm: battery.Round(rangeKm, 1),
		MaxRangeKm:     variant.MaxRangeKm,
		DataSource:     SourceVehicleInfo,
	}
	if info.Temperature != nil {
		snap.Temperature = formatTemperature(*info.Temperature)
	}

	if charging {
		since := now.Add(-r.windows.VehicleInfo)
		if v, ok := firstSeen(readings, models.MeasurandVoltage, since); ok {
			snap.Voltage = formatVoltage(v.Value)
		}
		if v, ok := firstSeen(readings, models.MeasurandCurrentImport, since); ok {
			snap.Current = formatCurrent(v.Value)
		}
		if v, ok := firstSeen(readings, models.MeasurandPower, since); ok {
			snap.PowerKW = powerKW(v)
			snap.Power = formatPower(snap.PowerKW)
		}
		if v, ok := firstSeen(readings, models.MeasurandTemperature, since); ok {
			snap.Temperature = formatTemperature(v.Value)
		}
	}
	return snap
}

func (r *Resolver) fromMeterValues(readings []models.MeterReading, charging bool, now time.Time) Snapshot {
	window := r.windows.Connected
	if charging {
		window = r.windows.Charging
	}
	since := now.Add(-window)

	var offered *float64
	if v, ok := firstSeen(readings, models.MeasurandCurrentOffered, now.Add(-r.windows.CurrentOffered)); ok {
		offered = &v.Value
	}
	variant := r.classifier.ClassifyOptional(offered)

	soc := 0.0
	if v, ok := firstSeen(readings, models.MeasurandSOC, since); ok {
		soc = clampSOC(v.Value)
	}

	snap := Snapshot{
		SOC:            battery.Round(soc, 2),
		Voltage:        formatVoltage(0),
		Current:        formatCurrent(0),
		Power:          formatPower(0),
		Temperature:    Placeholder,
		Model:          variant.Name,
		Variant:        variant.Name,
		CurrentRangeKm: battery.Round(r.model.RangeFromAh(r.model.AhFromSOC(soc, variant.CapacityAh)), 1),
		MaxRangeKm:     variant.MaxRangeKm,
		DataSource:     SourceMeterValues,
	}
	if v, ok := firstSeen(readings, models.MeasurandVoltage, since); ok {
		snap.Voltage = formatVoltage(v.Value)
	}
	if v, ok := firstSeen(readings, models.MeasurandCurrentImport, since); ok {
		snap.Current = formatCurrent(v.Value)
	}
	if v, ok := firstSeen(readings, models.MeasurandPower, since); ok {
		snap.PowerKW = powerKW(v)
		snap.Power = formatPower(snap.PowerKW)
	}
	if v, ok := firstSeen(readings, models.MeasurandTemperature, since); ok {
		snap.Temperature = formatTemperature(v.Value)
	}
	return snap
}

// finish fills the fields shared by both data branches.
func (r *Resolver) finish(snap Snapshot, in Inputs, status string, readings []models.MeterReading, now time.Time) Snapshot {
	snap.ChargePointID = in.ChargePointID
	snap.Status = status
	snap.IsCharging = models.IsCharging(status)
	snap.TransactionID = in.TransactionID
	snap.ResolvedAt = now

	snap.Energy = formatEnergy(0)
	if snap.IsCharging && in.TransactionStart != nil {
		series := readings
		if len(in.PowerSeries) > 0 {
			series = newestFirst(in.PowerSeries)
		}
		if avg, ok := meanPowerKW(series, now.Add(-r.windows.Charging)); ok {
			snap.EnergyWh = battery.Round(battery.EstimateSessionEnergyWh(avg, now.Sub(*in.TransactionStart)), 2)
			snap.Energy = formatEnergy(snap.EnergyWh)
		}
	}
	return snap
}

func newestFirst(readings []models.MeterReading) []models.MeterReading {
	out := make([]models.MeterReading, len(readings))
	copy(out, readings)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

// firstSeen returns the newest reading of measurand at or after since.
func firstSeen(readings []models.MeterReading, measurand string, since time.Time) (models.MeterReading, bool) {
	for _, rd := range readings {
		if rd.Timestamp.Before(since) {
			break
		}
		if rd.Measurand == measurand {
			return rd, true
		}
	}
	return models.MeterReading{}, false
}

func meanPowerKW(readings []models.MeterReading, since time.Time) (float64, bool) {
	var sum float64
	var n int
	for _, rd := range readings {
		if rd.Timestamp.Before(since) {
			break
		}
		if rd.Measurand == models.MeasurandPower {
			sum += powerKW(rd)
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// powerKW normalizes a Power.Active.Import reading, which chargers report in W unless tagged kW.
func powerKW(rd models.MeterReading) float64 {
	if strings.EqualFold(rd.Unit, "kW") {
		return rd.Value
	}
	return rd.Value / 1000
}

func valueOr(v *float64, fallback float64) float64 {
	if v == nil {
		return fallback
	}
	return *v
}

func clampSOC(soc float64) float64 {
	if math.IsNaN(soc) {
		return 0
	}
	return math.Max(0, math.Min(100, soc))
}
