package server

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/felixgeelhaar/legacyguard/internal/errors"
	"github.com/felixgeelhaar/legacyguard/internal/incident"
	"github.com/felixgeelhaar/legacyguard/internal/plan"
	"github.com/felixgeelhaar/legacyguard/internal/schedule"
)

// maxIncidentBody bounds webhook payloads.
const maxIncidentBody = 1 << 20

type playbookRequest struct {
	DSL     string `json:"dsl"`
	Request string `json:"request,omitempty"`
}

type playbookResponse struct {
	Playbook *plan.Playbook `json:"playbook"`
	Plan     *plan.Plan     `json:"plan"`
	Waves    [][]string     `json:"waves,omitempty"`
}

type incidentResponse struct {
	submitResponse
	IncidentID string          `json:"incidentId"`
	Source     incident.Source `json:"source"`
}

// handlePlaybook parses a playbook and returns the plan it compiles to without
// running it.
func (s *Server) handlePlaybook(c echo.Context) error {
	var req playbookRequest
	if err := c.Bind(&req); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidRequest, "malformed request body", err)
	}
	if strings.TrimSpace(req.DSL) == "" {
		return errors.NewInvalidRequestError("dsl is required")
	}
	pb, err := plan.ParsePlaybook(req.DSL)
	if err != nil {
		return errors.Wrap(errors.ErrCodeInvalidRequest, "invalid playbook", err)
	}

	text := req.Request
	if text == "" {
		text = pb.Name
	}
	p, err := plan.NewPlanner(plan.NewPlaybookGenerator(pb), s.deps.Logger).
		Plan(c.Request().Context(), plan.Request{Text: text})
	if err != nil {
		return err
	}
	waves, err := schedule.New(schedule.CycleReject, s.deps.Logger).Schedule(p.Subtasks)
	if err != nil {
		return err
	}
	resp := playbookResponse{Playbook: pb, Plan: p, Waves: make([][]string, len(waves))}
	for i, w := range waves {
		resp.Waves[i] = w.IDs()
	}
	return c.JSON(http.StatusOK, resp)
}

// handleIncident accepts an alert webhook and starts a sandboxed remediation.
// The source comes from the path; the bare route takes a caller-built incident.
func (s *Server) handleIncident(c echo.Context) error {
	source := incident.SourceGeneric
	if raw := c.Param("source"); raw != "" {
		src, err := incident.ParseSource(raw)
		if err != nil {
			return errors.NewInvalidRequestError(err.Error())
		}
		source = src
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxIncidentBody+1))
	if err != nil {
		return errors.Wrap(errors.ErrCodeInvalidRequest, "read request body", err)
	}
	if len(body) > maxIncidentBody {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "incident payload too large")
	}

	inc, env, err := incident.Normalize(source, body, time.Now())
	if err != nil {
		return errors.NewInvalidRequestError(err.Error())
	}
	id, err := s.deps.Service.Submit(c.Request().Context(), incident.Submission(inc, env, s.cfg.IncidentRepoPath))
	if err != nil {
		return err
	}

	s.logger.Info("incident accepted",
		"orchestration_id", id,
		"incident_id", inc.ID,
		"source", string(inc.Source),
	)
	return c.JSON(http.StatusAccepted, incidentResponse{
		submitResponse: submitResponse{
			OrchestrationID: id,
			StreamURL:       "/api/v1/orchestrations/" + id + "/stream",
			LogsURL:         "/api/v1/logs?orchestrationId=" + id,
		},
		IncidentID: inc.ID,
		Source:     inc.Source,
	})
}
