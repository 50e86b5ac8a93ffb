package httpserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"flashcharge/backend/services/charging-service/internal/auth"
	"flashcharge/backend/services/charging-service/internal/battery"
	"flashcharge/backend/services/charging-service/internal/clients"
	"flashcharge/backend/services/charging-service/internal/http/handlers"
	"flashcharge/backend/services/charging-service/internal/http/middleware"
	"flashcharge/backend/services/charging-service/internal/models"
	"flashcharge/backend/services/charging-service/internal/registry"
	"flashcharge/backend/services/charging-service/internal/repository"
	"flashcharge/backend/services/charging-service/internal/service"
	"flashcharge/backend/services/charging-service/internal/telemetry"
)

const testSecret = "router-secret"

type fakeSnapshots struct{}

func (fakeSnapshots) Snapshot(_ context.Context, id string) (telemetry.Snapshot, error) {
	if id != "CP1" {
		return telemetry.Snapshot{}, repository.ErrNotFound
	}
	return telemetry.Snapshot{ChargePointID: "CP1", SOC: 44, Model: "Pro", Status: models.StatusCharging, IsCharging: true}, nil
}

type fakeParams struct {
	full bool
}

func (fakeParams) Get(context.Context, string) (*service.ChargingParameters, error) {
	return &service.ChargingParameters{Variant: "Pro", CurrentSOC: 44}, nil
}

func (f fakeParams) Predict(_ context.Context, _ string, unit string, target float64) (*battery.Prediction, error) {
	if f.full {
		return &battery.Prediction{Unit: battery.Unit(unit), AlreadyFull: true}, nil
	}
	return &battery.Prediction{Unit: battery.Unit(unit), Target: target, AhToAdd: 16.5, EnergyKWh: 1.21, Cost: 18.2}, nil
}

type fakeChargers struct{}

func (fakeChargers) Health(context.Context, string) (*service.ChargerHealth, error) {
	return &service.ChargerHealth{ChargePointID: "CP1", Online: true}, nil
}

func (fakeChargers) Connectors(context.Context, string) ([]models.ConnectorState, error) {
	return []models.ConnectorState{{ConnectorID: 1, Status: models.StatusAvailable}}, nil
}

func (fakeChargers) Connector(_ context.Context, _ string, connectorID int) (*models.ConnectorState, error) {
	if connectorID != 1 {
		return nil, &service.Error{Kind: service.KindNotFound, Op: "get connector", Err: service.ErrConnectorNotFound}
	}
	return &models.ConnectorState{ConnectorID: 1, Status: models.StatusAvailable}, nil
}

func (fakeChargers) Active(context.Context, string) (*service.ActiveTransaction, error) {
	return &service.ActiveTransaction{Active: false}, nil
}

type fakeSessions struct {
	mu      sync.Mutex
	starts  []service.StartInput
	stops   []service.StopInput
	stopErr error
}

func (f *fakeSessions) StartCharging(_ context.Context, in service.StartInput) (*service.StartOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, in)
	if in.ConnectorID == 2 {
		return nil, &service.Error{Kind: service.KindConflict, Op: "start charging", Err: service.ErrTransactionAlreadyActive}
	}
	if in.ConnectorID == 3 {
		return nil, &service.Error{Kind: service.KindUpstream, Op: "start charging", Err: errors.New("steve down")}
	}
	return &service.StartOutcome{Success: true, Status: "Accepted"}, nil
}

func (f *fakeSessions) recorded() []service.StartInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]service.StartInput(nil), f.starts...)
}

func (f *fakeSessions) StopCharging(_ context.Context, in service.StopInput) (*service.StopOutcome, error) {
	f.mu.Lock()
	f.stops = append(f.stops, in)
	f.mu.Unlock()
	if f.stopErr != nil {
		return nil, f.stopErr
	}
	return &service.StopOutcome{Success: true, TransactionID: 9}, nil
}

type fakePrepaid struct {
	monitoredBy atomic.Int64
}

func (f *fakePrepaid) Create(_ context.Context, in service.CreatePrepaidInput) (*models.PrepaidSession, error) {
	return &models.PrepaidSession{ID: 1, UserID: in.UserID, ChargePointID: in.ChargePointID, Status: models.PrepaidPending}, nil
}

func (f *fakePrepaid) Start(context.Context, service.StartPrepaidInput) (*service.StartOutcome, error) {
	return &service.StartOutcome{Success: true}, nil
}

func (f *fakePrepaid) Monitor(_ context.Context, userID, sessionID int64) (*service.PrepaidStatus, error) {
	f.monitoredBy.Store(userID)
	return &service.PrepaidStatus{SessionID: sessionID, Status: models.PrepaidActive, PercentComplete: 42.9}, nil
}

type routerFixture struct {
	server   *httptest.Server
	tokens   *auth.TokenService
	sessions *fakeSessions
	prepaid  *fakePrepaid
}

func newRouterFixture(t *testing.T, params fakeParams) *routerFixture {
	t.Helper()
	logger := zap.NewNop()
	tokens := auth.NewTokenService(testSecret, time.Hour)
	sessions := &fakeSessions{}
	prepaid := &fakePrepaid{}

	router := NewRouter(RouterDeps{
		ChargerHandlers: handlers.NewChargerHandlers(fakeSnapshots{}, params, fakeChargers{}, logger),
		SessionHandlers: handlers.NewSessionHandlers(sessions, logger),
		PrepaidHandlers: handlers.NewPrepaidHandlers(prepaid, logger),
		HealthHandler:   handlers.NewHealthHandler(),
		WSStatsHandler:  handlers.NewWSStatsHandler(registry.New(50, time.Minute)),
	}, middleware.AuthMiddleware(tokens))

	srv := NewServer(":0", router, logger, middleware.RequestID, middleware.Recover(logger), middleware.Logging(logger))
	ts := httptest.NewServer(srv.server.Handler)
	t.Cleanup(ts.Close)
	return &routerFixture{server: ts, tokens: tokens, sessions: sessions, prepaid: prepaid}
}

func (f *routerFixture) do(t *testing.T, method, path, token, body string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (f *routerFixture) token(t *testing.T, userID int64) string {
	t.Helper()
	token, err := f.tokens.GenerateToken(userID, "user")
	require.NoError(t, err)
	return token
}

func TestSnapshotRoute(t *testing.T) {
	f := newRouterFixture(t, fakeParams{})

	resp, body := f.do(t, http.MethodGet, "/api/chargers/CP1/soc", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(middleware.RequestIDHeader))
	var snap telemetry.Snapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.Equal(t, 44.0, snap.SOC)
	assert.Equal(t, "Pro", snap.Model)

	resp, _ = f.do(t, http.MethodGet, "/api/chargers/CP9/soc", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestConnectorRoutes(t *testing.T) {
	f := newRouterFixture(t, fakeParams{})

	resp, body := f.do(t, http.MethodGet, "/api/chargers/CP1/connectors", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"connectors"`)

	resp, _ = f.do(t, http.MethodGet, "/api/chargers/CP1/connectors/1", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/api/chargers/CP1/connectors/4", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/api/chargers/CP1/connectors/abc", "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/chargers/CP1/active", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"active":false}`, string(body))
}

func TestPredictRoute(t *testing.T) {
	f := newRouterFixture(t, fakeParams{})
	resp, body := f.do(t, http.MethodPost, "/api/chargers/CP1/predict", "", `{"unit":"range","value":120}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pred battery.Prediction
	require.NoError(t, json.Unmarshal(body, &pred))
	assert.Equal(t, 16.5, pred.AhToAdd)

	resp, _ = f.do(t, http.MethodPost, "/api/chargers/CP1/predict", "", `{"unit":"range"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	full := newRouterFixture(t, fakeParams{full: true})
	resp, body = full.do(t, http.MethodPost, "/api/chargers/CP1/predict", "", `{"unit":"full"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"alreadyFull":true,"unit":"full"}`, string(body))
}

func TestStartRequiresValidToken(t *testing.T) {
	f := newRouterFixture(t, fakeParams{})

	resp, _ := f.do(t, http.MethodPost, "/api/chargers/CP1/start", "", `{}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		UserID: 7,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	resp, body := f.do(t, http.MethodPost, "/api/chargers/CP1/start", expired, `{}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, string(body), "token expired")

	resp, _ = f.do(t, http.MethodPost, "/api/chargers/CP1/start", f.token(t, 7), `{"connectorId":1}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	starts := f.sessions.recorded()
	require.Len(t, starts, 1)
	assert.Equal(t, "USER_7", starts[0].IDTag)
	assert.Equal(t, "CP1", starts[0].ChargePointID)
}

func TestServiceErrorsMapToStatus(t *testing.T) {
	f := newRouterFixture(t, fakeParams{})
	token := f.token(t, 7)

	resp, body := f.do(t, http.MethodPost, "/api/chargers/CP1/start", token, `{"connectorId":2,"idTag":"TAG"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, string(body), "transaction already active")
	assert.Contains(t, string(body), `"kind":"conflict"`)

	resp, _ = f.do(t, http.MethodPost, "/api/chargers/CP1/start", token, `{"connectorId":3,"idTag":"TAG"}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/chargers/CP1/start", token, `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStopWithoutTransactionIsRecognisedByClient(t *testing.T) {
	f := newRouterFixture(t, fakeParams{})
	f.sessions.stopErr = &service.Error{Kind: service.KindNotFound, Op: "stop charging", Err: service.ErrNoActiveTransaction}

	token := f.token(t, 7)
	resp, body := f.do(t, http.MethodPost, "/api/chargers/CP1/stop", token, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.JSONEq(t, `{"error":"no active transaction"}`, string(body))

	client := clients.NewAPIClient(f.server.URL, token, time.Second)
	assert.ErrorIs(t, client.Stop(context.Background(), "CP1"), clients.ErrNoActiveTransaction)
}

func TestStopCarriesOrigin(t *testing.T) {
	f := newRouterFixture(t, fakeParams{})
	token := f.token(t, 7)

	resp, _ := f.do(t, http.MethodPost, "/api/chargers/CP1/stop", token, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, clients.NewAPIClient(f.server.URL, token, time.Second).Stop(context.Background(), "CP1"))
	resp, _ = f.do(t, http.MethodPost, "/api/chargers/CP1/stop", token, `{"origin":"prepaid"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	f.sessions.mu.Lock()
	defer f.sessions.mu.Unlock()
	require.Len(t, f.sessions.stops, 2)
	assert.Equal(t, service.OriginUser, f.sessions.stops[0].Origin)
	assert.Equal(t, service.OriginTarget, f.sessions.stops[1].Origin)
}

func TestPrepaidRoutes(t *testing.T) {
	f := newRouterFixture(t, fakeParams{})
	token := f.token(t, 11)

	resp, _ := f.do(t, http.MethodGet, "/api/prepaid/monitor/5", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/api/prepaid/create", token, `{"chargerId":"CP1","amount":105}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Contains(t, string(body), `"userId":11`)

	resp, body = f.do(t, http.MethodPost, "/api/prepaid/start", token, `{"sessionId":1}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"paymentId":"MOCK_`)

	resp, _ = f.do(t, http.MethodPost, "/api/prepaid/start", token, `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/prepaid/monitor/5", token, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(11), f.prepaid.monitoredBy.Load())
	assert.Contains(t, string(body), `"percentComplete":42.9`)

	resp, _ = f.do(t, http.MethodGet, "/api/prepaid/monitor/abc", token, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthAndStats(t *testing.T) {
	f := newRouterFixture(t, fakeParams{})
	resp, body := f.do(t, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"ok"`)

	resp, body = f.do(t, http.MethodGet, "/api/ws/stats", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"activeConnections":0`)
}

func TestRecoverTurnsPanicInto500(t *testing.T) {
	handler := NewServer(":0", http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}), zap.NewNop(), middleware.RequestID, middleware.Recover(zap.NewNop())).server.Handler

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
