package server

import (
	stderrors "errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/felixgeelhaar/legacyguard/internal/errors"
	"github.com/felixgeelhaar/legacyguard/internal/health"
	"github.com/felixgeelhaar/legacyguard/internal/orchestrator"
)

type submitResponse struct {
	OrchestrationID string `json:"orchestrationId"`
	StreamURL       string `json:"streamUrl"`
	LogsURL         string `json:"logsUrl"`
}

type approveRequest struct {
	OrchestrationID string `json:"orchestrationId"`
}

// stateSummary is the compact view returned by approve and list.
type stateSummary struct {
	OrchestrationID string                        `json:"orchestrationId"`
	Status          orchestrator.Status           `json:"status"`
	Request         string                        `json:"request"`
	CurrentWave     int                           `json:"currentWave"`
	Waves           int                           `json:"waves"`
	Summary         orchestrator.Summary          `json:"summary"`
	PendingApproval *orchestrator.PendingApproval `json:"pendingApproval,omitempty"`
	Error           string                        `json:"error,omitempty"`
	CreatedAt       time.Time                     `json:"createdAt"`
	UpdatedAt       time.Time                     `json:"updatedAt"`
}

func summarize(st orchestrator.State) stateSummary {
	return stateSummary{
		OrchestrationID: st.ID,
		Status:          st.Status,
		Request:         st.Request,
		CurrentWave:     st.CurrentWaveIndex,
		Waves:           len(st.Waves),
		Summary:         st.Summarize(),
		PendingApproval: st.PendingApproval,
		Error:           st.Error,
		CreatedAt:       st.CreatedAt,
		UpdatedAt:       st.UpdatedAt,
	}
}

type errorBody struct {
	Code        string   `json:"code,omitempty"`
	Message     string   `json:"message"`
	Suggestions []string `json:"suggestions,omitempty"`
	RequestID   string   `json:"requestId,omitempty"`
}

func (s *Server) handleSubmit(c echo.Context) error {
	var sub orchestrator.Submission
	if err := c.Bind(&sub); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidRequest, "malformed request body", err)
	}

	id, err := s.deps.Service.Submit(c.Request().Context(), sub)
	if err != nil {
		return err
	}

	s.logger.Info("orchestration submitted", "orchestration_id", id)
	return c.JSON(http.StatusAccepted, submitResponse{
		OrchestrationID: id,
		StreamURL:       "/api/v1/orchestrations/" + id + "/stream",
		LogsURL:         "/api/v1/logs?orchestrationId=" + id,
	})
}

func (s *Server) handleApprove(c echo.Context) error {
	var req approveRequest
	if err := c.Bind(&req); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidRequest, "malformed request body", err)
	}
	id := strings.TrimSpace(req.OrchestrationID)
	if id == "" {
		return errors.NewInvalidRequestError("orchestrationId is required")
	}

	st, err := s.deps.Service.Approve(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, summarize(st))
}

func (s *Server) handleGet(c echo.Context) error {
	st, err := s.deps.Service.Get(c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleList(c echo.Context) error {
	states := s.deps.Service.List()
	out := make([]stateSummary, len(states))
	for i, st := range states {
		out[i] = summarize(st)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleCapabilities(c echo.Context) error {
	if s.deps.Sandbox == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "sandbox runner not configured")
	}
	return c.JSON(http.StatusOK, s.deps.Sandbox.Capabilities(c.Request().Context(), s.deps.RunnerPath))
}

func (s *Server) handleLive(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Monitor.Liveness(c.Request().Context()))
}

func (s *Server) handleReady(c echo.Context) error {
	res := s.deps.Monitor.Readiness(c.Request().Context())
	status := http.StatusOK
	if res.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, res)
}

// statusFor maps error codes to HTTP statuses.
func statusFor(code errors.ErrorCode) int {
	switch code {
	case errors.ErrCodeOrchestrationNotFound:
		return http.StatusNotFound
	case errors.ErrCodeNotWaitingApproval, errors.ErrCodeInvalidTransition:
		return http.StatusConflict
	case errors.ErrCodeOrchestrationExpired:
		return http.StatusGone
	case errors.ErrCodeInvalidRequest, errors.ErrCodeSandboxConfigInvalid, errors.ErrCodeSandboxImageDenied,
		errors.ErrCodePolicyLoad, errors.ErrCodeForbiddenKeyword, errors.ErrCodeAgentNotAllowed:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	body := errorBody{RequestID: c.Response().Header().Get(echo.HeaderXRequestID)}
	var status int

	var coded *errors.Error
	var httpErr *echo.HTTPError
	switch {
	case stderrors.As(err, &coded):
		status = statusFor(coded.Code)
		body.Code = string(coded.Code)
		body.Message = coded.Message
		if coded.Cause != nil {
			body.Message += ": " + errors.Brief(coded.Cause)
		}
		body.Suggestions = coded.Suggestions
	case stderrors.As(err, &httpErr):
		status = httpErr.Code
		if msg, ok := httpErr.Message.(string); ok {
			body.Message = msg
		} else {
			body.Message = http.StatusText(status)
		}
	default:
		status = http.StatusInternalServerError
		body.Message = http.StatusText(status)
	}

	if status >= http.StatusInternalServerError {
		s.logger.LogError("unhandled request error", err)
		s.deps.Metrics.RecordError(err, "http")
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, map[string]errorBody{"error": body})
	}
	if err != nil {
		s.logger.LogError("write error response", err)
	}
}
