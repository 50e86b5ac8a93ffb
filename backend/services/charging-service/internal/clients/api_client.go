package clients

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"flashcharge/backend/services/charging-service/internal/telemetry"
)

// ErrNoActiveTransaction mirrors the service's answer when there is nothing to stop.
var ErrNoActiveTransaction = errors.New("no active transaction")

// ActiveTransaction is the /active response.
type ActiveTransaction struct {
	Active        bool      `json:"active"`
	TransactionID int64     `json:"transactionId"`
	ConnectorID   int       `json:"connectorId"`
	StartedAt     time.Time `json:"startedAt"`
}

// APIClient talks to the charging service's own REST API on behalf of an operator.
type APIClient struct {
	base *BaseClient
}

// NewAPIClient builds a client authenticated with a bearer token.
func NewAPIClient(baseURL, token string, timeout time.Duration) *APIClient {
	headers := map[string]string{}
	if token != "" {
		headers["Authorization"] = "Bearer " + token
	}
	return &APIClient{base: NewBaseClient(baseURL, NewDefaultHTTPClient(timeout), headers)}
}

func chargerPath(chargerID, suffix string) string {
	return fmt.Sprintf("/api/chargers/%s/%s", url.PathEscape(chargerID), suffix)
}

// Snapshot fetches the current SOC snapshot.
func (c *APIClient) Snapshot(ctx context.Context, chargerID string) (telemetry.Snapshot, error) {
	var snap telemetry.Snapshot
	err := c.base.DoJSON(ctx, http.MethodGet, chargerPath(chargerID, "soc"), nil, &snap)
	return snap, err
}

// Active fetches the open transaction, if any.
func (c *APIClient) Active(ctx context.Context, chargerID string) (ActiveTransaction, error) {
	var active ActiveTransaction
	err := c.base.DoJSON(ctx, http.MethodGet, chargerPath(chargerID, "active"), nil, &active)
	return active, err
}

// Stop requests a stop of the charger's open transaction on behalf of a target controller.
// A "no active transaction" answer is returned as ErrNoActiveTransaction.
func (c *APIClient) Stop(ctx context.Context, chargerID string) error {
	body := map[string]any{"origin": "target"}
	err := c.base.DoJSON(ctx, http.MethodPost, chargerPath(chargerID, "stop"), body, nil)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusBadRequest && statusErr.Message == ErrNoActiveTransaction.Error() {
		return ErrNoActiveTransaction
	}
	return err
}
