package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/felixgeelhaar/legacyguard/internal/audit"
	"github.com/felixgeelhaar/legacyguard/internal/errors"
)

// handleAudit exports an evidence bundle of audit entries.
func (s *Server) handleAudit(c echo.Context) error {
	if s.deps.Audit == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "audit log not configured")
	}

	format, err := audit.ParseExportFormat(c.QueryParam("format"))
	if err != nil {
		return errors.NewInvalidRequestError(err.Error())
	}
	filter := audit.Filter{
		OrchestrationID: c.QueryParam("orchestrationId"),
		Action:          c.QueryParam("action"),
		Severity:        audit.Severity(c.QueryParam("severity")),
	}
	if filter.Since, err = queryTime(c, "since"); err != nil {
		return err
	}
	if filter.Until, err = queryTime(c, "until"); err != nil {
		return err
	}
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return errors.NewInvalidRequestError("limit must be a positive integer")
		}
		filter.Limit = n
	}

	bundle, err := audit.Export(c.Request().Context(), s.deps.Audit, audit.ExportRequest{
		Format: format,
		Scope:  c.QueryParam("scope"),
		Filter: filter,
	}, time.Now())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, bundle)
}

func queryTime(c echo.Context, name string) (time.Time, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errors.NewInvalidRequestError(name + " must be an RFC3339 timestamp")
	}
	return t, nil
}
