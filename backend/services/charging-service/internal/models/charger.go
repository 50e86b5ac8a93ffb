package models

import "time"

// Connector status values reported over OCPP 1.6.
const (
	StatusAvailable     = "Available"
	StatusPreparing     = "Preparing"
	StatusCharging      = "Charging"
	StatusSuspendedEV   = "SuspendedEV"
	StatusSuspendedEVSE = "SuspendedEVSE"
	StatusFinishing     = "Finishing"
	StatusReserved      = "Reserved"
	StatusUnavailable   = "Unavailable"
	StatusFaulted       = "Faulted"
)

// ChargePoint is a charger known to the central system.
type ChargePoint struct {
	ID            string     `json:"chargePointId"`
	LastHeartbeat *time.Time `json:"lastHeartbeat,omitempty"`
}

// Online reports whether the last heartbeat is younger than threshold.
func (c ChargePoint) Online(now time.Time, threshold time.Duration) bool {
	if c.LastHeartbeat == nil {
		return false
	}
	return now.Sub(*c.LastHeartbeat) < threshold
}

// ConnectorStatus is one row of the append-only status log.
type ConnectorStatus struct {
	ChargePointID string    `json:"chargePointId"`
	ConnectorID   int       `json:"connectorId"`
	Status        string    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
}

// ConnectorState is the latest known status of a connector, with Status empty when none was ever recorded.
type ConnectorState struct {
	ConnectorPK int        `json:"-"`
	ConnectorID int        `json:"connectorId"`
	Status      string     `json:"status"`
	UpdatedAt   *time.Time `json:"updatedAt,omitempty"`
}

// IsCharging reports the Charging status.
func IsCharging(status string) bool {
	return status == StatusCharging
}

// IsConnected reports a plugged but not charging connector.
func IsConnected(status string) bool {
	return status == StatusPreparing || status == StatusFinishing
}

// CanStart reports whether a start may be issued on status.
func CanStart(status string) bool {
	return status == StatusAvailable || status == StatusPreparing
}
