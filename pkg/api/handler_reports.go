package api

import (
	"fmt"
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// reportSummaryHandler handles GET /reports/summary/:id.
func (s *Server) reportSummaryHandler(c *echo.Context) error {
	report, err := s.reporter.Summary(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, report)
}

// reportJSONHandler handles GET /reports/json/:id. The body is the raw
// report document (the integration contract), served as an attachment —
// not wrapped in the API envelope.
func (s *Server) reportJSONHandler(c *echo.Context) error {
	report, err := s.reporter.JSON(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	c.Response().Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="report-%s.json"`, c.Param("id")))
	return c.JSON(http.StatusOK, report)
}

// reportHTMLHandler handles GET /reports/html/:id as a text/html
// attachment.
func (s *Server) reportHTMLHandler(c *echo.Context) error {
	doc, err := s.reporter.HTML(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	c.Response().Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="report-%s.html"`, c.Param("id")))
	return c.HTMLBlob(http.StatusOK, doc)
}

// reportExecutiveHandler handles GET /reports/executive/:id.
func (s *Server) reportExecutiveHandler(c *echo.Context) error {
	report, err := s.reporter.Executive(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, report)
}

// reportAnalyticsHandler handles GET /reports/analytics/:id.
func (s *Server) reportAnalyticsHandler(c *echo.Context) error {
	report, err := s.reporter.Analytics(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, report)
}
