package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/apperrors"
)

// CronAuth requires "Authorization: Bearer <secret>". An empty secret
// rejects every request.
func CronAuth(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token, ok := strings.CutPrefix(c.Request().Header.Get(echo.HeaderAuthorization), "Bearer ")
			if !ok || secret == "" || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
				return apperrors.New(apperrors.KindUnauthorized, "invalid cron credentials")
			}
			return next(c)
		}
	}
}
