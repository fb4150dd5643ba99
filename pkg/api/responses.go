package api

import (
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/probehound/probehound/pkg/models"
)

// Envelope is the uniform response wrapper: success carries data, failure
// carries error + code; both carry timestamp and request id.
type Envelope struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
	Code      string    `json:"code"`
	Details   any       `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id"`
}

// ListEnvelope extends the envelope with pagination metadata.
type ListEnvelope struct {
	Envelope
	Total   int  `json:"total"`
	Page    int  `json:"page"`
	PerPage int  `json:"per_page"`
	HasNext bool `json:"has_next"`
	HasPrev bool `json:"has_prev"`
}

// Success codes.
const (
	codeOK      = "ok"
	codeCreated = "created"
)

func respond(c *echo.Context, status int, data any) error {
	code := codeOK
	if status == http.StatusCreated {
		code = codeCreated
	}
	return c.JSON(status, &Envelope{
		Success:   true,
		Data:      data,
		Code:      code,
		Timestamp: time.Now().UTC(),
		RequestID: requestID(c),
	})
}

func respondList(c *echo.Context, data any, total int, params models.ListParams) error {
	return c.JSON(http.StatusOK, &ListEnvelope{
		Envelope: Envelope{
			Success:   true,
			Data:      data,
			Code:      codeOK,
			Timestamp: time.Now().UTC(),
			RequestID: requestID(c),
		},
		Total:   total,
		Page:    params.Page,
		PerPage: params.PerPage,
		HasNext: params.Page*params.PerPage < total,
		HasPrev: params.Page > 1,
	})
}

// listParams parses the shared pagination/sort/search query parameters.
func listParams(c *echo.Context) models.ListParams {
	params := models.ListParams{
		SortBy:    c.QueryParam("sort_by"),
		SortOrder: c.QueryParam("sort_order"),
		Search:    c.QueryParam("search"),
	}
	params.Page = intQueryParam(c, "page", 1)
	params.PerPage = intQueryParam(c, "per_page", 25)
	params.Normalize()
	return params
}

func intQueryParam(c *echo.Context, name string, fallback int) int {
	v := c.QueryParam(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
