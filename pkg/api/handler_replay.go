package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// replayFlowHandler handles POST /replay/flow/:id: starts a whole-flow
// execution and returns its running state immediately.
func (s *Server) replayFlowHandler(c *echo.Context) error {
	exec, err := s.engine.ReplayFlow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return respond(c, http.StatusCreated, exec)
}

// replayTestCaseHandler handles POST /replay/testcase/:id: a strictly
// paired baseline+mutant execution.
func (s *Server) replayTestCaseHandler(c *echo.Context) error {
	exec, err := s.engine.ReplayTestCase(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return respond(c, http.StatusCreated, exec)
}

// replayStatusHandler handles GET /replay/status/:execution_id.
func (s *Server) replayStatusHandler(c *echo.Context) error {
	exec, err := s.engine.Status(c.Request().Context(), c.Param("execution_id"))
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, exec)
}

// replayStopHandler handles POST /replay/stop/:execution_id: cooperative
// cancellation; in-flight requests finish or time out.
func (s *Server) replayStopHandler(c *echo.Context) error {
	if err := s.engine.Stop(c.Request().Context(), c.Param("execution_id")); err != nil {
		return err
	}
	return respond(c, http.StatusOK, map[string]string{
		"execution_id": c.Param("execution_id"),
		"message":      "cancellation requested",
	})
}
