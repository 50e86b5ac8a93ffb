package clients

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"flashcharge/backend/services/charging-service/internal/metrics"
)

// APIKeyHeader authenticates calls to the central system's external API.
const APIKeyHeader = "STEVE-API-KEY"

// StartCommand is a remote start request.
type StartCommand struct {
	ChargePointID string `json:"chargePointId"`
	ConnectorID   int    `json:"connectorId"`
	IDTag         string `json:"idTag"`
}

// StopCommand is a remote stop request.
type StopCommand struct {
	ChargePointID string `json:"chargePointId"`
	TransactionID int64  `json:"transactionId"`
}

// CommandResult is the central system's answer to a command.
type CommandResult struct {
	Success       bool   `json:"success"`
	Status        string `json:"status,omitempty"`
	TaskID        *int64 `json:"taskId,omitempty"`
	TransactionID *int64 `json:"transactionId,omitempty"`
	Message       string `json:"message,omitempty"`
}

// accepted reports whether the raw answer means the command was taken.
func (r CommandResult) accepted() bool {
	if r.Success {
		return true
	}
	status := strings.ToUpper(strings.TrimSpace(r.Status))
	return strings.HasSuffix(status, "ACCEPTED") && !strings.Contains(status, "NOT")
}

// ErrRejected is returned when the central system answers but refuses the command.
var ErrRejected = errors.New("command rejected")

// SteveClient drives charging through the central system's external REST API.
type SteveClient struct {
	base   *BaseClient
	logger *zap.Logger
}

// NewSteveClient builds the client. apiKey may be empty for unsecured deployments.
func NewSteveClient(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *SteveClient {
	headers := map[string]string{}
	if apiKey != "" {
		headers[APIKeyHeader] = apiKey
	}
	return &SteveClient{
		base:   NewBaseClient(baseURL, NewDefaultHTTPClient(timeout), headers),
		logger: logger,
	}
}

// StartCharging asks the central system to start a transaction.
func (c *SteveClient) StartCharging(ctx context.Context, cmd StartCommand) (*CommandResult, error) {
	return c.send(ctx, "start", "/api/external/charging/start", cmd)
}

// StopCharging asks the central system to stop a transaction.
func (c *SteveClient) StopCharging(ctx context.Context, cmd StopCommand) (*CommandResult, error) {
	return c.send(ctx, "stop", "/api/external/charging/stop", cmd)
}

func (c *SteveClient) send(ctx context.Context, op, path string, cmd any) (*CommandResult, error) {
	started := time.Now()
	var result CommandResult
	err := c.base.DoJSON(ctx, http.MethodPost, path, cmd, &result)

	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case !result.accepted():
		outcome = "rejected"
	}
	metrics.ObserveUpstream(op, outcome, time.Since(started))

	if err != nil {
		c.logger.Warn("central system call failed", zap.String("op", op), zap.Error(err))
		return nil, fmt.Errorf("%s charging: %w", op, err)
	}
	if !result.accepted() {
		msg := result.Message
		if msg == "" {
			msg = result.Status
		}
		return &result, fmt.Errorf("%s charging: %w: %s", op, ErrRejected, msg)
	}
	result.Success = true
	return &result, nil
}
