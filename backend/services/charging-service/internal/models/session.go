package models

import (
	"fmt"
	"time"
)

// Transaction is an OCPP charging transaction row.
type Transaction struct {
	ID             int64      `json:"transactionId"`
	ChargePointID  string     `json:"chargePointId"`
	ConnectorID    int        `json:"connectorId"`
	IDTag          string     `json:"idTag"`
	StartTimestamp time.Time  `json:"startedAt"`
	StopTimestamp  *time.Time `json:"stoppedAt,omitempty"`
	StopReason     string     `json:"stopReason,omitempty"`
}

// Open reports whether the transaction has not been stopped.
func (t Transaction) Open() bool {
	return t.StopTimestamp == nil
}

// Prepaid session states.
const (
	PrepaidPending   = "pending"
	PrepaidActive    = "active"
	PrepaidCompleted = "completed"
)

// PrepaidSession is a user's paid budget for one charge.
type PrepaidSession struct {
	ID             int64      `json:"sessionId"`
	UserID         int64      `json:"userId"`
	ChargePointID  string     `json:"chargerId"`
	ConnectorID    int        `json:"connectorId"`
	PrepaidAmount  float64    `json:"prepaidAmount"`
	MaxEnergyWh    float64    `json:"maxEnergyWh"`
	MaxDurationSec int64      `json:"maxDurationSec"`
	Status         string     `json:"status"`
	PaymentID      string     `json:"paymentId,omitempty"`
	TransactionID  *int64     `json:"transactionId,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

// IDTag is the OCPP id tag used to tie a transaction to this session.
func (p PrepaidSession) IDTag() string {
	return fmt.Sprintf("USER_%d_SESSION_%d", p.UserID, p.ID)
}
