package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/felixgeelhaar/legacyguard/internal/errors"
	"github.com/felixgeelhaar/legacyguard/internal/events"
)

// handleStream relays every event of one orchestration, history first.
func (s *Server) handleStream(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.deps.Service.Lookup(id); err != nil {
		return err
	}
	return s.stream(c, id, nil)
}

// handleLogs relays sandbox output, optionally for a single task.
func (s *Server) handleLogs(c echo.Context) error {
	id := c.QueryParam("orchestrationId")
	if id == "" {
		return errors.NewInvalidRequestError("orchestrationId query parameter is required")
	}
	if _, err := s.deps.Service.Lookup(id); err != nil {
		return err
	}

	taskID := c.QueryParam("taskId")
	return s.stream(c, id, func(ev events.Event) bool {
		return ev.Type == events.TypeSandboxLog && (taskID == "" || ev.TaskID == taskID)
	})
}

// stream writes events as SSE until the topic closes, the client goes away or
// the server shuts down.
func (s *Server) stream(c echo.Context, id string, filter events.Filter) error {
	sub := s.deps.Service.Events().Subscribe(id, filter)
	defer sub.Close()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	ticker := time.NewTicker(s.cfg.Heartbeat)
	defer ticker.Stop()

	logger := s.logger.WithOrchestration(id)
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				if n := sub.Dropped(); n > 0 {
					logger.Warn("slow stream subscriber dropped events", "dropped", n)
				}
				return nil
			}
			if err := writeEvent(w, ev); err != nil {
				logger.Debug("stream write failed", "error", err)
				return nil
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return nil
			}
			w.Flush()
		case <-c.Request().Context().Done():
			return nil
		case <-s.done:
			return nil
		}
	}
}

func writeEvent(w *echo.Response, ev events.Event) error {
	data, err := ev.ToJSON()
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data); err != nil {
		return err
	}
	w.Flush()
	return nil
}
