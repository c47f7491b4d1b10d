package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/models"
)

type erroredConnectors int

func (n erroredConnectors) ListByProviderStatus(_ context.Context, provider models.Provider, _ models.ConnectorStatus) ([]models.Connector, error) {
	if provider != models.ProviderKintone {
		return nil, nil
	}
	out := make([]models.Connector, int(n))
	for i := range out {
		out[i].ID = uuid.New()
	}
	return out, nil
}

func serve(t *testing.T, c *Checker, path string) (int, Response) {
	t.Helper()
	e := echo.New()
	c.RegisterRoutes(e)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var body Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func ok(context.Context) error { return nil }

func TestHealth_AllHealthy(t *testing.T) {
	c := NewChecker(map[string]Pinger{"database": PingFunc(ok), "redis": PingFunc(ok)}, erroredConnectors(0), "test")

	code, body := serve(t, c, "/api/v1/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, StatusHealthy, body.Status)
	assert.Len(t, body.Checks, 3)
}

func TestHealth_DependencyDown(t *testing.T) {
	down := PingFunc(func(context.Context) error { return errors.New("connection refused") })
	c := NewChecker(map[string]Pinger{"database": PingFunc(ok), "redis": down}, nil, "test")

	code, body := serve(t, c, "/api/v1/health")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, StatusUnhealthy, body.Status)
	assert.Equal(t, "connection refused", body.Checks["redis"].Message)
}

func TestHealth_ErroredConnectorsDegrade(t *testing.T) {
	c := NewChecker(map[string]Pinger{"database": PingFunc(ok)}, erroredConnectors(2), "test")

	code, body := serve(t, c, "/api/v1/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, StatusDegraded, body.Status)
	assert.Equal(t, "2 connectors in error", body.Checks["connectors"].Message)
}

func TestReadiness(t *testing.T) {
	c := NewChecker(map[string]Pinger{"database": PingFunc(ok)}, nil, "test")

	code, _ := serve(t, c, "/api/v1/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	c.SetReady(true)
	code, body := serve(t, c, "/api/v1/health/ready")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, StatusHealthy, body.Status)

	code, _ = serve(t, c, "/api/v1/health/live")
	assert.Equal(t, http.StatusOK, code)
}
