package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flashcharge/backend/services/charging-service/internal/battery"
	"flashcharge/backend/services/charging-service/internal/models"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestResolver() *Resolver {
	return NewResolver(battery.DefaultModel(), battery.NewClassifier(nil), DefaultWindows())
}

func reading(measurand string, value float64, age time.Duration) models.MeterReading {
	return models.MeterReading{Measurand: measurand, Value: value, Timestamp: base.Add(-age)}
}

func vehicleInfo(data string, age time.Duration) *models.VehicleInfoMessage {
	return &models.VehicleInfoMessage{
		ChargePointID: "C1",
		MessageID:     models.VehicleInfoMessageID,
		Data:          data,
		ReceivedAt:    base.Add(-age),
	}
}

func TestResolveVehicleInfoWithoutMetering(t *testing.T) {
	r := newTestResolver()

	snap := r.Resolve(Inputs{
		ChargePointID: "C1",
		Status:        models.StatusPreparing,
		VehicleInfo:   vehicleInfo(`{"soc":44,"maxCurrent":45,"temperature":31.5}`, 3*time.Second),
	}, base)

	assert.Equal(t, SourceVehicleInfo, snap.DataSource)
	assert.Equal(t, 44.0, snap.SOC)
	assert.Equal(t, "Pro", snap.Model)
	assert.Equal(t, 168.0, snap.MaxRangeKm)
	assert.InDelta(t, 73.9, snap.CurrentRangeKm, 1e-9)
	assert.Equal(t, "0.0 A", snap.Current)
	assert.Equal(t, "0.00 kW", snap.Power)
	assert.Equal(t, "31.5 °C", snap.Temperature)
	assert.False(t, snap.IsCharging)
}

func TestResolveVehicleInfoOverlayWhileCharging(t *testing.T) {
	r := newTestResolver()
	start := base.Add(-30 * time.Minute)
	txID := int64(9)

	snap := r.Resolve(Inputs{
		ChargePointID: "C1",
		Status:        models.StatusCharging,
		VehicleInfo:   vehicleInfo(`{&quot;soc&quot;:&quot;61.237&quot;,&quot;model&quot;:&quot;max&quot;,&quot;voltage&quot;:76.04}`, 2*time.Second),
		Readings: []models.MeterReading{
			reading(models.MeasurandVoltage, 78.2, time.Second),
			reading(models.MeasurandVoltage, 70.0, 4*time.Second),
			reading(models.MeasurandCurrentImport, 32.0, 2*time.Second),
			reading(models.MeasurandPower, 2400, 2*time.Second),
			reading(models.MeasurandPower, 2600, 40*time.Second),
			reading(models.MeasurandCurrentImport, 10.0, 20*time.Second),
		},
		TransactionID:    &txID,
		TransactionStart: &start,
	}, base)

	assert.Equal(t, SourceVehicleInfo, snap.DataSource)
	assert.Equal(t, 61.24, snap.SOC)
	assert.Equal(t, "max", snap.Model)
	assert.Equal(t, "Max", snap.Variant)
	assert.Equal(t, "78.2 V", snap.Voltage)
	assert.Equal(t, "32.0 A", snap.Current)
	assert.Equal(t, "2.40 kW", snap.Power)
	assert.True(t, snap.IsCharging)
	// mean of 2.4 and 2.6 kW over half an hour
	assert.InDelta(t, 1250, snap.EnergyWh, 1e-6)
	assert.Equal(t, "1250.00 Wh", snap.Energy)
	require.NotNil(t, snap.TransactionID)
	assert.Equal(t, txID, *snap.TransactionID)
}

func TestResolveIdleIgnoresStaleReadings(t *testing.T) {
	r := newTestResolver()

	snap := r.Resolve(Inputs{
		ChargePointID: "C1",
		VehicleInfo:   vehicleInfo(`{"soc":80}`, time.Minute),
		Readings: []models.MeterReading{
			reading(models.MeasurandSOC, 77, time.Minute),
			reading(models.MeasurandVoltage, 80, time.Minute),
		},
	}, base)

	assert.Equal(t, SourceIdle, snap.DataSource)
	assert.Equal(t, models.StatusAvailable, snap.Status)
	assert.Zero(t, snap.SOC)
	assert.Equal(t, Placeholder, snap.Model)
	assert.Equal(t, "0.0 V", snap.Voltage)
	assert.Equal(t, "0.00 Wh", snap.Energy)
}

func TestResolveMeterValuesConnectedUsesHourWindow(t *testing.T) {
	r := newTestResolver()

	snap := r.Resolve(Inputs{
		ChargePointID: "C1",
		Status:        models.StatusFinishing,
		Readings: []models.MeterReading{
			reading(models.MeasurandSOC, 52, 40*time.Minute),
			reading(models.MeasurandSOC, 12, 90*time.Minute),
			reading(models.MeasurandCurrentOffered, 16, 50*time.Minute),
			reading(models.MeasurandVoltage, 75.54, 45*time.Minute),
		},
	}, base)

	assert.Equal(t, SourceMeterValues, snap.DataSource)
	assert.Equal(t, 52.0, snap.SOC)
	assert.Equal(t, "Classic", snap.Model)
	assert.Equal(t, 84.0, snap.MaxRangeKm)
	assert.InDelta(t, 43.7, snap.CurrentRangeKm, 1e-9)
	assert.Equal(t, "75.5 V", snap.Voltage)
	assert.False(t, snap.IsCharging)
}

func TestResolveMeterValuesChargingUsesShortWindow(t *testing.T) {
	r := newTestResolver()
	start := base.Add(-time.Hour)

	snap := r.Resolve(Inputs{
		ChargePointID: "C1",
		Status:        models.StatusCharging,
		Readings: []models.MeterReading{
			reading(models.MeasurandSOC, 60, 10*time.Minute),
			reading(models.MeasurandCurrentOffered, 100, 10*time.Minute),
			{Measurand: models.MeasurandPower, Value: 3, Unit: "kW", Timestamp: base.Add(-time.Minute)},
		},
		TransactionStart: &start,
	}, base)

	assert.Equal(t, SourceMeterValues, snap.DataSource)
	assert.Zero(t, snap.SOC)
	assert.Equal(t, "Max", snap.Model)
	assert.Equal(t, "3.00 kW", snap.Power)
	assert.InDelta(t, 3000, snap.EnergyWh, 1e-6)
}

func TestResolveUndecodableVehicleInfoFallsBack(t *testing.T) {
	r := newTestResolver()

	snap := r.Resolve(Inputs{
		ChargePointID: "C1",
		Status:        models.StatusPreparing,
		VehicleInfo:   vehicleInfo(`not-json`, time.Second),
		Readings:      []models.MeterReading{reading(models.MeasurandSOC, 33, time.Minute)},
	}, base)

	assert.Equal(t, SourceMeterValues, snap.DataSource)
	assert.Equal(t, 33.0, snap.SOC)
}

func TestDecodeVehicleInfo(t *testing.T) {
	info, err := DecodeVehicleInfo(`{"soc":"55.5","model":"Pro","range":120,"maxCurrent":null}`)
	require.NoError(t, err)
	require.NotNil(t, info.SOC)
	assert.Equal(t, 55.5, *info.SOC)
	assert.Equal(t, "Pro", info.Model)
	require.NotNil(t, info.Range)
	assert.Equal(t, 120.0, *info.Range)
	assert.Nil(t, info.MaxCurrent)

	_, err = DecodeVehicleInfo("  ")
	assert.ErrorIs(t, err, ErrEmptyPayload)
	_, err = DecodeVehicleInfo(`{"soc":"abc"}`)
	assert.Error(t, err)
}
