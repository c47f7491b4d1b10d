package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/apperrors"
	appctx "github.com/Ramsey-B/clover/pkg/context"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func newEcho() *echo.Echo {
	e := echo.New()
	e.HTTPErrorHandler = Error(testLogger())
	return e
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestError_ClassifiedErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"configuration", apperrors.Configuration("kintone config is missing"), http.StatusBadRequest, "configuration_error"},
		{"conflict with meta", apperrors.Conflict("exists").With("connector_id", "c1"), http.StatusConflict, "conflict"},
		{"refresh", apperrors.TokenRefresh(errors.New("invalid_grant"), "token refresh failed"), http.StatusBadGateway, "token_refresh_error"},
		{"repository not found", httperror.NewHTTPError(http.StatusNotFound, "connector does not exist"), http.StatusNotFound, "not_found"},
		{"echo error", echo.NewHTTPError(http.StatusUnauthorized, "missing bearer"), http.StatusUnauthorized, "unauthorized"},
		{"plain error", errors.New("pq: connection refused"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEcho()
			e.GET("/", func(c echo.Context) error { return tt.err })

			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

			assert.Equal(t, tt.status, rec.Code)
			body := decode(t, rec)
			assert.Equal(t, tt.code, body.Code)
			assert.NotContains(t, body.Message, "pq:")
		})
	}
}

func TestError_MetaAndRequestID(t *testing.T) {
	e := newEcho()
	e.Use(Context(false))
	e.GET("/", func(c echo.Context) error {
		return apperrors.Conflict("exists").With("connector_id", "c1")
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(echo.HeaderXRequestID, "req-1")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	body := decode(t, rec)
	assert.Equal(t, "req-1", body.RequestID)
	assert.Equal(t, "c1", body.Meta["connector_id"])
	assert.NotContains(t, body.Meta, "code")
}

func TestContext_TrustHeaders(t *testing.T) {
	for _, trust := range []bool{true, false} {
		e := newEcho()
		e.Use(Context(trust))
		var tenant string
		e.GET("/", func(c echo.Context) error {
			tenant = appctx.GetTenantID(c.Request().Context())
			return c.NoContent(http.StatusNoContent)
		})

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(HeaderTenantID, "t1")
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
		if trust {
			assert.Equal(t, "t1", tenant)
		} else {
			assert.Empty(t, tenant)
		}
	}
}

func TestCronAuth(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		header string
		status int
	}{
		{"valid", "s3cret", "Bearer s3cret", http.StatusOK},
		{"missing", "s3cret", "", http.StatusUnauthorized},
		{"wrong", "s3cret", "Bearer nope", http.StatusUnauthorized},
		{"wrong scheme", "s3cret", "Basic s3cret", http.StatusUnauthorized},
		{"unset secret", "", "Bearer ", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEcho()
			called := false
			e.POST("/cron/sync", func(c echo.Context) error {
				called = true
				return c.NoContent(http.StatusOK)
			}, CronAuth(tt.secret))

			req := httptest.NewRequest(http.MethodPost, "/cron/sync", nil)
			if tt.header != "" {
				req.Header.Set(echo.HeaderAuthorization, tt.header)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.status == http.StatusOK, called)
		})
	}
}

type fakeVerifier struct {
	claims *UserClaims
	err    error
}

func (f fakeVerifier) VerifyClaims(_ context.Context, _ string) (*UserClaims, error) {
	return f.claims, f.err
}

func TestAuthentication(t *testing.T) {
	tenant := "7b0f3c1e-8d6a-4e0b-9a43-0d1b2f9c6e11"
	roleClaims := &UserClaims{Sub: "u1"}
	roleClaims.RealmAccess.Roles = []string{"offline_access", tenant}

	tests := []struct {
		name     string
		header   string
		verifier fakeVerifier
		status   int
		tenant   string
	}{
		{"missing bearer", "", fakeVerifier{}, http.StatusUnauthorized, ""},
		{"invalid token", "Bearer x", fakeVerifier{err: errors.New("expired")}, http.StatusUnauthorized, ""},
		{"tenant claim", "Bearer x", fakeVerifier{claims: &UserClaims{Sub: "u1", TenantID: tenant}}, http.StatusOK, tenant},
		{"tenant role", "Bearer x", fakeVerifier{claims: roleClaims}, http.StatusOK, tenant},
		{"no tenant", "Bearer x", fakeVerifier{claims: &UserClaims{Sub: "u1"}}, http.StatusForbidden, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEcho()
			var got string
			e.GET("/", func(c echo.Context) error {
				got = appctx.GetTenantID(c.Request().Context())
				return c.NoContent(http.StatusOK)
			}, Authentication(testLogger(), tt.verifier))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set(echo.HeaderAuthorization, tt.header)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.tenant, got)
		})
	}
}
