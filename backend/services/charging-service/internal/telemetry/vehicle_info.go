package telemetry

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"flashcharge/backend/services/charging-service/internal/models"
)

var ErrEmptyPayload = errors.New("telemetry: empty vehicle info payload")

// number accepts both JSON numbers and numeric strings, since firmware versions disagree.
type number struct {
	v     float64
	valid bool
}

func (n *number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	s := string(b)
	if b[0] == '"' {
		unquoted, err := strconv.Unquote(s)
		if err != nil {
			return err
		}
		s = strings.TrimSpace(unquoted)
		if s == "" {
			return nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("not a number: %s", s)
	}
	n.v, n.valid = f, true
	return nil
}

func (n number) ptr() *float64 {
	if !n.valid {
		return nil
	}
	v := n.v
	return &v
}

type vehicleInfoWire struct {
	SOC         number `json:"soc"`
	Voltage     number `json:"voltage"`
	Temperature number `json:"temperature"`
	Model       string `json:"model"`
	Range       number `json:"range"`
	MaxCurrent  number `json:"maxCurrent"`
}

// DecodeVehicleInfo parses a DataTransfer payload. Chargers relayed through the
// central system may deliver it HTML-escaped (&quot;), which is undone first.
func DecodeVehicleInfo(data string) (models.VehicleInfo, error) {
	raw := strings.TrimSpace(data)
	if raw == "" {
		return models.VehicleInfo{}, ErrEmptyPayload
	}
	if strings.Contains(raw, "&") {
		raw = html.UnescapeString(raw)
	}

	var wire vehicleInfoWire
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return models.VehicleInfo{}, fmt.Errorf("telemetry: decode vehicle info: %w", err)
	}
	return models.VehicleInfo{
		SOC:         wire.SOC.ptr(),
		Voltage:     wire.Voltage.ptr(),
		Temperature: wire.Temperature.ptr(),
		Model:       strings.TrimSpace(wire.Model),
		Range:       wire.Range.ptr(),
		MaxCurrent:  wire.MaxCurrent.ptr(),
	}, nil
}
