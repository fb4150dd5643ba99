package reports

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"html/template"
)

//go:embed report.html.tmpl
var reportTemplate string

var htmlTmpl = template.Must(template.New("report").Parse(reportTemplate))

// HTML renders the JSON report data as a standalone HTML document for
// the text/html attachment endpoint.
func (r *Reporter) HTML(ctx context.Context, flowID string) ([]byte, error) {
	report, err := r.JSON(ctx, flowID)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := htmlTmpl.Execute(&buf, report); err != nil {
		return nil, fmt.Errorf("failed to render HTML report: %w", err)
	}
	return buf.Bytes(), nil
}
