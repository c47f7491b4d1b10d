package middleware

import (
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/apperrors"
	appctx "github.com/Ramsey-B/clover/pkg/context"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

type ErrorResponse struct {
	Message   string         `json:"message"`
	Code      string         `json:"code"`
	RequestID string         `json:"request_id"`
	TraceID   string         `json:"trace_id"`
	Meta      map[string]any `json:"meta"`
}

// Error renders every error as an ErrorResponse. Classified errors keep their
// status and code; anything unclassified becomes a 500 without details.
func Error(logger ectologger.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		ctx := c.Request().Context()
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		message := "Internal Server Error"
		kind := string(apperrors.KindInternal)
		meta := map[string]any{}

		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if msg, ok := he.Message.(string); ok {
				message = msg
			} else {
				message = http.StatusText(code)
			}
			kind = kindForStatus(code)
		} else if herr := apperrors.ToHTTP(err); httperror.IsHTTPError(herr) {
			converted := httperror.ToHTTPError(herr)
			code = httperror.GetStatusCode(herr)
			message = converted.Error()
			for k, v := range converted.Meta {
				meta[k] = v
			}
			if metaCode, ok := meta["code"].(string); ok {
				kind = metaCode
				delete(meta, "code")
			} else {
				kind = kindForStatus(code)
			}
		}

		entry := logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"status": code,
			"code":   kind,
		})
		if code >= http.StatusInternalServerError {
			entry.Error("api is returning an error")
		} else {
			entry.Warn("api is returning an error")
		}

		_ = c.JSON(code, ErrorResponse{
			Message:   message,
			Code:      kind,
			RequestID: appctx.GetRequestID(ctx),
			TraceID:   tracing.GetTraceID(ctx),
			Meta:      meta,
		})
	}
}

func kindForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return string(apperrors.KindValidation)
	case http.StatusUnauthorized:
		return string(apperrors.KindUnauthorized)
	case http.StatusForbidden:
		return string(apperrors.KindForbidden)
	case http.StatusNotFound:
		return string(apperrors.KindNotFound)
	case http.StatusConflict:
		return string(apperrors.KindConflict)
	}
	return string(apperrors.KindInternal)
}
