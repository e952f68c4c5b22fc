package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// routeIDs names the :id path parameter after the resource it identifies.
var routeIDs = []struct{ prefix, field string }{
	{"/api/v1/connections/", "connection_id"},
	{"/api/v1/imports/", "run_id"},
	{"/api/v1/records/", "record_id"},
	{"/api/v1/pending-changes/", "change_id"},
}

// routeID returns the log field and value for the route's :id parameter, or
// empty strings when the route has none.
func routeID(c echo.Context) (string, string) {
	id := c.Param("id")
	if id == "" {
		return "", ""
	}
	for _, r := range routeIDs {
		if strings.HasPrefix(c.Path(), r.prefix) {
			return r.field, id
		}
	}
	return "id", id
}

// Logger writes one line per request. Health probes log at debug, client
// errors at warn and server errors at error.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			rid, _ := c.Get("request_id").(string)

			err := next(c)

			status := c.Response().Status
			var he *echo.HTTPError
			if errors.As(err, &he) {
				status = he.Code
			} else if err != nil {
				status = http.StatusInternalServerError
			}

			var evt *zerolog.Event
			switch {
			case status >= 500:
				evt = logger.Error().Err(err)
			case status >= 400:
				evt = logger.Warn().Err(err)
			case strings.HasPrefix(req.URL.Path, "/health"):
				evt = logger.Debug()
			default:
				evt = logger.Info()
			}
			if field, id := routeID(c); field != "" {
				evt = evt.Str(field, id)
			}

			evt.
				Str("request_id", rid).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Msg("request")

			return err
		}
	}
}
