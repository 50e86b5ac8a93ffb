package service

import (
	"context"
	"errors"
	"time"

	"flashcharge/backend/services/charging-service/internal/battery"
	"flashcharge/backend/services/charging-service/internal/models"
	"flashcharge/backend/services/charging-service/internal/repository"
)

// ReadingSource reads connector status and meter values.
type ReadingSource interface {
	LatestStatus(ctx context.Context, chargePointID string, connectorID int) (string, error)
	LatestReadings(ctx context.Context, chargePointID string, connectorID int, since time.Time) ([]models.MeterReading, error)
}

// ChargingParameters is what the configure screen needs to quote a session.
type ChargingParameters struct {
	Variant         string  `json:"variant"`
	CurrentSOC      float64 `json:"currentSOC"`
	CurrentAh       float64 `json:"currentAh"`
	MaxCapacityAh   float64 `json:"maxCapacityAh"`
	CurrentRangeKm  float64 `json:"currentRangeKm"`
	MaxRangeKm      float64 `json:"maxRangeKm"`
	Voltage         float64 `json:"voltage"`
	ChargingCurrent float64 `json:"chargingCurrent"`
	Pricing         float64 `json:"pricing"`
	Currency        string  `json:"currency"`
	NominalVoltage  float64 `json:"nominalVoltage"`
	FullSOC         float64 `json:"fullSOC"`
}

// ChargingParamsService derives quoting inputs from recent metering.
type ChargingParamsService struct {
	source         ReadingSource
	classifier     *battery.Classifier
	predictor      *battery.Predictor
	lookback       time.Duration
	defaultCurrent float64
	currency       string
	now            func() time.Time
}

// NewChargingParamsService builds service. lookback bounds how old a reading may be.
func NewChargingParamsService(source ReadingSource, classifier *battery.Classifier, predictor *battery.Predictor, lookback time.Duration, currency string) *ChargingParamsService {
	if lookback <= 0 {
		lookback = time.Hour
	}
	return &ChargingParamsService{
		source:         source,
		classifier:     classifier,
		predictor:      predictor,
		lookback:       lookback,
		defaultCurrent: classifier.Baseline().MaxCurrent,
		currency:       currency,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Get returns the charging parameters for connector 1 of a charger.
func (s *ChargingParamsService) Get(ctx context.Context, chargePointID string) (*ChargingParameters, error) {
	const op = "charging parameters"
	if _, err := s.source.LatestStatus(ctx, chargePointID, 1); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, newError(KindNotFound, op, ErrChargerNotFound)
		}
		return nil, err
	}
	readings, err := s.source.LatestReadings(ctx, chargePointID, 1, s.now().Add(-s.lookback))
	if err != nil {
		return nil, err
	}

	model := s.predictor.Model()
	soc, voltage, current := 0.0, model.NominalVoltage, s.defaultCurrent
	var seenSOC, seenVoltage, seenCurrent bool
	for _, rd := range readings {
		switch {
		case rd.Measurand == models.MeasurandSOC && !seenSOC:
			soc, seenSOC = rd.Value, true
		case rd.Measurand == models.MeasurandVoltage && !seenVoltage:
			voltage, seenVoltage = rd.Value, true
		case rd.Measurand == models.MeasurandCurrentOffered && !seenCurrent && rd.Value > 0:
			current, seenCurrent = rd.Value, true
		}
	}

	variant := s.classifier.Classify(current)
	currentAh := model.AhFromSOC(soc, variant.CapacityAh)
	return &ChargingParameters{
		Variant:         variant.Name,
		CurrentSOC:      battery.Round(soc, 2),
		CurrentAh:       battery.Round(currentAh, 2),
		MaxCapacityAh:   variant.CapacityAh,
		CurrentRangeKm:  battery.Round(model.RangeFromAh(currentAh), 1),
		MaxRangeKm:      variant.MaxRangeKm,
		Voltage:         battery.Round(voltage, 1),
		ChargingCurrent: current,
		Pricing:         model.PricePerKWh,
		Currency:        s.currency,
		NominalVoltage:  model.NominalVoltage,
		FullSOC:         model.FullSOC,
	}, nil
}

// Predict quotes a session toward target from the charger's current parameters.
func (s *ChargingParamsService) Predict(ctx context.Context, chargePointID string, unit string, target float64) (*battery.Prediction, error) {
	const op = "predict"
	u, err := battery.ParseUnit(unit)
	if err != nil {
		return nil, newError(KindValidation, op, err)
	}
	params, err := s.Get(ctx, chargePointID)
	if err != nil {
		return nil, err
	}
	variant, ok := s.classifier.ByName(params.Variant)
	if !ok {
		variant = s.classifier.Baseline()
	}
	pred, err := s.predictor.Predict(battery.State{
		Variant:         variant,
		SOC:             params.CurrentSOC,
		ChargingCurrent: params.ChargingCurrent,
	}, u, target)
	if err != nil {
		return nil, newError(KindValidation, op, err)
	}
	return &pred, nil
}
