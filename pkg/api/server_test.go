package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probehound/probehound/pkg/analyzer"
	"github.com/probehound/probehound/pkg/config"
	"github.com/probehound/probehound/pkg/events"
	"github.com/probehound/probehound/pkg/mutator"
	"github.com/probehound/probehound/pkg/recorder"
	"github.com/probehound/probehound/pkg/replayer"
	"github.com/probehound/probehound/pkg/reports"
	"github.com/probehound/probehound/pkg/services"
	testdb "github.com/probehound/probehound/test/database"
)

// newTestServer builds a fully wired server over a temp SQLite store and
// serves it on a random port. Returns the base URL.
func newTestServer(t *testing.T) string {
	t.Helper()

	client := testdb.NewTestClient(t)
	cfg := config.Default()
	cfg.Replay.RequestTimeout = 2 * time.Second

	locks := services.NewFlowLocks()
	flows := services.NewFlowService(client, locks)
	requests := services.NewRequestService(client, locks)
	testCases := services.NewTestCaseService(client, locks)
	responses := services.NewResponseService(client, locks)
	anomalies := services.NewAnomalyService(client, locks)
	executions := services.NewExecutionService(client, locks)

	mutationRules := mutator.NewRegistry(mutator.DefaultCatalog())
	detectionRules := analyzer.NewRegistry(analyzer.DefaultCatalog())
	thresholds := analyzer.NewThresholds(cfg.Analysis.ConfidenceThresholdDefault)
	connManager := events.NewConnectionManager(time.Second)

	engine := replayer.NewEngine(cfg.Replay,
		flows, requests, testCases, responses, executions, anomalies,
		analyzer.New(detectionRules), thresholds, replayer.NewRegistry(), connManager)

	server := NewServer(Deps{
		Config:         cfg,
		DBClient:       client,
		Flows:          flows,
		Requests:       requests,
		TestCases:      testCases,
		Anomalies:      anomalies,
		Executions:     executions,
		Recorder:       recorder.New(flows, requests),
		Generator:      mutator.NewGenerator(mutationRules),
		MutationRules:  mutationRules,
		DetectionRules: detectionRules,
		Thresholds:     thresholds,
		Engine:         engine,
		Reporter:       reports.NewReporter(flows, requests, testCases, anomalies, executions),
		ConnManager:    connManager,
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = server.StartWithListener(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	})

	return "http://" + ln.Addr().String()
}

func doJSON(t *testing.T, method, url string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded), "body: %s", raw)
	return resp.StatusCode, decoded
}

func createFlow(t *testing.T, base, name string) string {
	t.Helper()
	status, body := doJSON(t, http.MethodPost, base+"/flows", map[string]any{"name": name})
	require.Equal(t, http.StatusCreated, status)
	data := body["data"].(map[string]any)
	return data["flow_id"].(string)
}

func TestFlowCRUD_EnvelopeShape(t *testing.T) {
	base := newTestServer(t)

	status, body := doJSON(t, http.MethodPost, base+"/flows", map[string]any{
		"name":          "checkout",
		"target_domain": "shop.example.com",
	})
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "created", body["code"])
	assert.NotEmpty(t, body["request_id"])
	assert.NotEmpty(t, body["timestamp"])

	flowID := body["data"].(map[string]any)["flow_id"].(string)

	status, body = doJSON(t, http.MethodGet, base+"/flows/"+flowID, nil)
	require.Equal(t, http.StatusOK, status)
	got := body["data"].(map[string]any)
	assert.Equal(t, "checkout", got["name"])
	assert.Equal(t, "shop.example.com", got["target_domain"])

	status, body = doJSON(t, http.MethodGet, base+"/flows", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["total"])
	assert.EqualValues(t, 1, body["page"])
	assert.Equal(t, false, body["has_next"])

	status, _ = doJSON(t, http.MethodDelete, base+"/flows/"+flowID, nil)
	require.Equal(t, http.StatusOK, status)

	status, body = doJSON(t, http.MethodGet, base+"/flows/"+flowID, nil)
	require.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "not_found", body["code"])
}

func TestFlowCreate_ValidationError(t *testing.T) {
	base := newTestServer(t)

	status, body := doJSON(t, http.MethodPost, base+"/flows", map[string]any{"description": "no name"})
	require.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "validation", body["code"])
	details := body["details"].(map[string]any)
	assert.Contains(t, details, "name")
}

func TestRecordingSessionConflict(t *testing.T) {
	base := newTestServer(t)
	flowID := createFlow(t, base, "rec")

	status, _ := doJSON(t, http.MethodPost, base+"/recording/start", map[string]any{"flow_id": flowID})
	require.Equal(t, http.StatusCreated, status)

	status, body := doJSON(t, http.MethodPost, base+"/recording/start", map[string]any{"flow_id": flowID})
	require.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "conflict", body["code"])

	status, _ = doJSON(t, http.MethodPost, base+"/recording/request", map[string]any{
		"method":          "GET",
		"url":             "https://shop.example.com/cart",
		"captured_status": 200,
	})
	require.Equal(t, http.StatusCreated, status)

	status, body = doJSON(t, http.MethodPost, base+"/recording/stop", nil)
	require.Equal(t, http.StatusOK, status)
	summary := body["data"].(map[string]any)
	assert.EqualValues(t, 1, summary["requests_recorded"])
}

func TestPayloadGeneration_EndToEnd(t *testing.T) {
	base := newTestServer(t)
	flowID := createFlow(t, base, "gen")

	status, _ := doJSON(t, http.MethodPost, base+"/recording/import", map[string]any{
		"flow_id": flowID,
		"requests": []map[string]any{{
			"method":          "POST",
			"url":             "https://shop.example.com/cart/add?session=abc",
			"headers":         map[string]string{"Content-Type": "application/json"},
			"body":            `{"price":19.99,"qty":1}`,
			"captured_status": 200,
		}},
	})
	require.Equal(t, http.StatusCreated, status)

	status, body := doJSON(t, http.MethodPost, base+"/payloads/generate/flow/"+flowID, nil)
	require.Equal(t, http.StatusCreated, status)
	result := body["data"].(map[string]any)
	assert.Equal(t, mutator.DefaultCatalog().Version, result["catalog_version"])
	assert.Greater(t, result["generated"].(float64), float64(0))

	// Regeneration de-duplicates: the stored set stays the same size.
	status, body = doJSON(t, http.MethodPost, base+"/payloads/generate/flow/"+flowID, nil)
	require.Equal(t, http.StatusCreated, status)
	again := body["data"].(map[string]any)
	assert.Equal(t, result["generated"], again["generated"])

	status, body = doJSON(t, http.MethodGet, base+"/flows/"+flowID+"/testcases?per_page=100", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, result["generated"], body["total"])
}

func TestMutationRules_GetAndPut(t *testing.T) {
	base := newTestServer(t)

	status, body := doJSON(t, http.MethodGet, base+"/payloads/rules", nil)
	require.Equal(t, http.StatusOK, status)
	catalog := body["data"].(map[string]any)
	assert.Equal(t, mutator.DefaultCatalog().Version, catalog["version"])

	status, body = doJSON(t, http.MethodPut, base+"/payloads/rules", map[string]any{
		"version": "",
		"rules":   []any{},
	})
	require.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "validation", body["code"])

	status, _ = doJSON(t, http.MethodPut, base+"/payloads/rules", map[string]any{
		"version": "custom-1",
		"rules": []map[string]any{{
			"id":          "only-rule",
			"category":    "parameter",
			"description": "drop query params",
			"target":      map[string]any{"kind": "query_param"},
			"transform":   map[string]any{"op": "delete"},
		}},
	})
	require.Equal(t, http.StatusOK, status)

	status, body = doJSON(t, http.MethodGet, base+"/payloads/rules", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "custom-1", body["data"].(map[string]any)["version"])
}

func TestThresholdRoundTrip(t *testing.T) {
	base := newTestServer(t)

	status, body := doJSON(t, http.MethodGet, base+"/analysis/threshold", nil)
	require.Equal(t, http.StatusOK, status)
	assert.InDelta(t, 0.7, body["data"].(map[string]any)["confidence_threshold"].(float64), 1e-9)

	status, _ = doJSON(t, http.MethodPost, base+"/analysis/threshold", map[string]any{
		"confidence_threshold": 0.9,
	})
	require.Equal(t, http.StatusOK, status)

	status, body = doJSON(t, http.MethodGet, base+"/analysis/threshold", nil)
	require.Equal(t, http.StatusOK, status)
	assert.InDelta(t, 0.9, body["data"].(map[string]any)["confidence_threshold"].(float64), 1e-9)

	status, body = doJSON(t, http.MethodPost, base+"/analysis/threshold", map[string]any{
		"confidence_threshold": 1.5,
	})
	require.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "validation", body["code"])
}

func TestReportJSON_EmptyFlowIsWellFormed(t *testing.T) {
	base := newTestServer(t)
	flowID := createFlow(t, base, "empty")

	resp, err := http.Get(base + "/reports/json/" + flowID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "attachment")

	var report reports.JSONReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, reports.ReportVersion, report.ReportVersion)
	assert.Equal(t, flowID, report.Flow.FlowID)
	assert.NotNil(t, report.Anomalies)
	assert.Empty(t, report.Anomalies)
	assert.Zero(t, report.Aggregate.RiskScore)
}

func TestReplayStatus_UnknownExecutionIs404(t *testing.T) {
	base := newTestServer(t)
	status, body := doJSON(t, http.MethodGet, base+"/replay/status/nope", nil)
	require.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", body["code"])
}

func TestSystemEndpoints(t *testing.T) {
	base := newTestServer(t)

	status, body := doJSON(t, http.MethodGet, base+"/system/status", nil)
	require.Equal(t, http.StatusOK, status)
	data := body["data"].(map[string]any)
	assert.Contains(t, data["version"], "probehound")
	assert.EqualValues(t, 0, data["running_executions"])

	status, body = doJSON(t, http.MethodGet, base+"/system/config", nil)
	require.Equal(t, http.StatusOK, status)
	cfg := body["data"].(map[string]any)
	assert.Equal(t, "sqlite", cfg["database_dialect"])
	assert.EqualValues(t, 5, cfg["max_concurrent_requests"])
	// Credentials never leave the process.
	_, hasURL := cfg["database_url"]
	assert.False(t, hasURL)
}

func TestAnomalyTriageOverHTTP(t *testing.T) {
	base := newTestServer(t)
	flowID := createFlow(t, base, "triage")

	status, _ := doJSON(t, http.MethodGet, base+"/analysis/anomalies/"+flowID, nil)
	require.Equal(t, http.StatusOK, status)

	status, body := doJSON(t, http.MethodPut, base+"/analysis/anomaly/missing", map[string]any{
		"status": "confirmed",
	})
	require.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", body["code"])
}

