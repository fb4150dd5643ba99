package replayer

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/probehound/probehound/pkg/analyzer"
	"github.com/probehound/probehound/pkg/config"
	"github.com/probehound/probehound/pkg/models"
	"github.com/probehound/probehound/pkg/services"
)

// ProgressPublisher receives execution snapshots for real-time delivery.
// Implemented by the events connection manager; nil disables streaming.
type ProgressPublisher interface {
	PublishExecutionProgress(exec *models.Execution)
}

// Engine runs replay executions. Each execution gets its own worker
// bound, rate limiter, and cookie-jar clients; two executions never
// throttle each other.
type Engine struct {
	cfg        *config.ReplayConfig
	flows      *services.FlowService
	requests   *services.RequestService
	testCases  *services.TestCaseService
	responses  *services.ResponseService
	executions *services.ExecutionService
	anomalies  *services.AnomalyService
	analyzer   *analyzer.Analyzer
	thresholds *analyzer.Thresholds
	registry   *Registry
	publisher  ProgressPublisher

	// wg tracks live execution goroutines for graceful shutdown.
	wg sync.WaitGroup
}

// NewEngine wires the replay engine. publisher may be nil.
func NewEngine(
	cfg *config.ReplayConfig,
	flows *services.FlowService,
	requests *services.RequestService,
	testCases *services.TestCaseService,
	responses *services.ResponseService,
	executions *services.ExecutionService,
	anomalies *services.AnomalyService,
	anl *analyzer.Analyzer,
	thresholds *analyzer.Thresholds,
	registry *Registry,
	publisher ProgressPublisher,
) *Engine {
	return &Engine{
		cfg:        cfg,
		flows:      flows,
		requests:   requests,
		testCases:  testCases,
		responses:  responses,
		executions: executions,
		anomalies:  anomalies,
		analyzer:   anl,
		thresholds: thresholds,
		registry:   registry,
		publisher:  publisher,
	}
}

// Registry exposes the live execution registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Status returns the live snapshot for a running execution, falling back
// to the durable record for finished ones.
func (e *Engine) Status(ctx context.Context, executionID string) (*models.Execution, error) {
	if exec := e.registry.Get(executionID); exec != nil {
		return exec, nil
	}
	return e.executions.Get(ctx, executionID)
}

// Stop requests cooperative cancellation of a running execution.
func (e *Engine) Stop(ctx context.Context, executionID string) error {
	if e.registry.Cancel(executionID) {
		return nil
	}
	exec, err := e.executions.Get(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return services.ErrConflict
	}
	// Recorded as running but not live here: a crash leftover; the
	// startup reconciler handles it on next boot.
	return services.ErrConflict
}

// Drain cancels every execution live in the registry and waits for all
// execution goroutines to finish, so cancelled runs persist their
// terminal state before it returns. Called on shutdown.
func (e *Engine) Drain() {
	e.registry.mu.RLock()
	for _, ent := range e.registry.entries {
		ent.cancel()
	}
	e.registry.mu.RUnlock()
	e.wg.Wait()
}

// ReplayFlow starts a whole-flow execution: the baseline transcript in
// ordinal order, then every test case with its prefix context. Returns
// the running execution immediately.
func (e *Engine) ReplayFlow(ctx context.Context, flowID string) (*models.Execution, error) {
	flow, err := e.flows.GetFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}
	reqs, err := e.requests.AllByFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}
	cases, err := e.testCases.AllByFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}

	exec, err := e.executions.Create(ctx, flowID, models.ModeFlow, len(reqs)+len(cases))
	if err != nil {
		return nil, err
	}

	if len(reqs) == 0 {
		// Empty flow: the replay is a no-op that still terminates with
		// a defined state.
		if err := e.executions.Finish(ctx, exec.ID, models.ExecutionSucceeded, 0, 0, ""); err != nil {
			return nil, err
		}
		exec.Status = models.ExecutionSucceeded
		now := time.Now().UTC()
		exec.FinishedAt = &now
		return exec, nil
	}

	e.launch(exec, func(runCtx context.Context, run *run) {
		e.runFlow(runCtx, run, flow, reqs, cases)
	})
	return exec, nil
}

// ReplayTestCase starts a single-test-case execution: baseline once,
// mutant once, strictly paired.
func (e *Engine) ReplayTestCase(ctx context.Context, testCaseID string) (*models.Execution, error) {
	tc, err := e.testCases.GetTestCase(ctx, testCaseID)
	if err != nil {
		return nil, err
	}
	req, err := e.requests.GetRequest(ctx, tc.RequestID)
	if err != nil {
		return nil, err
	}
	flow, err := e.flows.GetFlow(ctx, tc.FlowID)
	if err != nil {
		return nil, err
	}

	exec, err := e.executions.Create(ctx, tc.FlowID, models.ModeSingle, 2)
	if err != nil {
		return nil, err
	}

	e.launch(exec, func(runCtx context.Context, run *run) {
		e.runSingle(runCtx, run, flow, req, tc)
	})
	return exec, nil
}

// run is the mutable state of one execution goroutine.
type run struct {
	exec    *models.Execution
	limiter *rate.Limiter

	mu     sync.Mutex
	done   int
	failed int
}

// launch registers the execution and starts its goroutine.
func (e *Engine) launch(exec *models.Execution, body func(context.Context, *run)) {
	runCtx, cancel := context.WithCancel(context.Background())
	e.registry.register(exec, cancel)

	r := &run{exec: exec}
	if e.cfg.DefaultRateLimitRPS > 0 {
		burst := int(e.cfg.DefaultRateLimitRPS)
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(e.cfg.DefaultRateLimitRPS), burst)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		body(runCtx, r)
	}()
}

// progress records one completed pair element and persists + publishes
// the updated counters.
func (e *Engine) progress(ctx context.Context, r *run, failed bool) {
	r.mu.Lock()
	r.done++
	if failed {
		r.failed++
	}
	done, failedCount := r.done, r.failed
	r.mu.Unlock()

	r.exec.Done = done
	r.exec.Failed = failedCount
	e.registry.update(r.exec)
	if err := e.executions.UpdateProgress(context.WithoutCancel(ctx), r.exec.ID, done, failedCount); err != nil {
		slog.Warn("Failed to persist execution progress",
			"execution_id", r.exec.ID, "error", err)
	}
	e.publish(r.exec)
}

func (e *Engine) publish(exec *models.Execution) {
	if e.publisher == nil {
		return
	}
	snapshot := *exec
	e.publisher.PublishExecutionProgress(&snapshot)
}

// thresholdExceeded reports whether failed/total crossed the configured
// failure threshold.
func (e *Engine) thresholdExceeded(r *run) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exec.Total == 0 {
		return false
	}
	return float64(r.failed)/float64(r.exec.Total)*100 > e.cfg.FailureThresholdPct
}

// finish persists the terminal state, publishes it, and drops the
// execution from the registry.
func (e *Engine) finish(ctx context.Context, r *run, status models.ExecutionStatus, errMsg string) {
	r.mu.Lock()
	done, failed := r.done, r.failed
	r.mu.Unlock()

	if err := e.executions.Finish(context.WithoutCancel(ctx), r.exec.ID, status, done, failed, errMsg); err != nil &&
		!errors.Is(err, services.ErrConflict) {
		slog.Error("Failed to persist execution terminal state",
			"execution_id", r.exec.ID, "status", status, "error", err)
	}

	now := time.Now().UTC()
	r.exec.Status = status
	r.exec.Done = done
	r.exec.Failed = failed
	r.exec.Error = errMsg
	r.exec.FinishedAt = &now
	e.publish(r.exec)
	e.registry.remove(r.exec.ID)

	slog.Info("Execution finished",
		"execution_id", r.exec.ID,
		"flow_id", r.exec.FlowID,
		"status", status,
		"done", done,
		"failed", failed)
}

// interRequestPause sleeps the configured delay between requests issued
// by one worker, returning early on cancellation.
func (e *Engine) interRequestPause(ctx context.Context) {
	if e.cfg.InterRequestDelay <= 0 {
		return
	}
	select {
	case <-time.After(e.cfg.InterRequestDelay):
	case <-ctx.Done():
	}
}

// --- Whole-flow execution ---

func (e *Engine) runFlow(ctx context.Context, r *run, flow *models.Flow, reqs []*models.Request, cases []*models.TestCase) {
	byOrdinal := make(map[int]*models.Request, len(reqs))
	byID := make(map[string]*models.Request, len(reqs))
	for _, req := range reqs {
		byOrdinal[req.Ordinal] = req
		byID[req.ID] = req
	}

	// Phase 1: the baseline transcript, in ordinal order, on one shared
	// cookie jar. Every mutant at ordinal N observes its baseline
	// committed first.
	client := newHTTPClient(e.cfg)
	baselines := make(map[int]*models.Response, len(reqs))
	for _, req := range reqs {
		if ctx.Err() != nil {
			e.finish(ctx, r, models.ExecutionCancelled, "")
			return
		}

		resp := e.replayBaseline(ctx, client, r, req)
		if ctx.Err() != nil {
			e.finish(ctx, r, models.ExecutionCancelled, "")
			return
		}
		baselines[req.Ordinal] = resp
		e.progress(ctx, r, resp.ErrorKind != models.ErrorKindNone)

		if e.thresholdExceeded(r) {
			e.finish(ctx, r, models.ExecutionFailed, "failure threshold exceeded during baseline replay")
			return
		}
		e.interRequestPause(ctx)
	}

	// Phase 2: mutants. Test cases at the same ordinal run serially
	// with each other (they contend on target state); different
	// ordinals run in parallel under the worker bound.
	groups := groupByOrdinal(cases, byID)
	ordinals := make([]int, 0, len(groups))
	for o := range groups {
		ordinals = append(ordinals, o)
	}
	sort.Ints(ordinals)

	var stopOnce sync.Once
	var stopReason string
	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxConcurrentRequests)

	for _, ordinal := range ordinals {
		group := groups[ordinal]
		g.Go(func() error {
			for _, tc := range group {
				if groupCtx.Err() != nil {
					return nil
				}
				e.runFlowMutant(groupCtx, r, flow, byOrdinal, byID, baselines, tc)
				if e.thresholdExceeded(r) {
					stopOnce.Do(func() {
						stopReason = "failure threshold exceeded"
					})
					return errors.New(stopReason)
				}
				e.interRequestPause(groupCtx)
			}
			return nil
		})
	}
	err := g.Wait()

	switch {
	case ctx.Err() != nil:
		e.finish(ctx, r, models.ExecutionCancelled, "")
	case err != nil:
		e.finish(ctx, r, models.ExecutionFailed, stopReason)
	default:
		e.finish(ctx, r, models.ExecutionSucceeded, "")
	}
}

func groupByOrdinal(cases []*models.TestCase, byID map[string]*models.Request) map[int][]*models.TestCase {
	groups := make(map[int][]*models.TestCase)
	for _, tc := range cases {
		req, ok := byID[tc.RequestID]
		if !ok {
			continue
		}
		groups[req.Ordinal] = append(groups[req.Ordinal], tc)
	}
	return groups
}

// replayBaseline executes one unmodified request and commits its
// response.
func (e *Engine) replayBaseline(ctx context.Context, client *http.Client, r *run, req *models.Request) *models.Response {
	resp := e.exchange(ctx, client, func(reqCtx context.Context) (*http.Request, error) {
		return materialize(reqCtx, req, nil, nil)
	}, r.limiter)

	resp.FlowID = req.FlowID
	resp.OwnerKind = models.OwnerBaseline
	resp.OwnerID = req.ID
	resp.ExecutionID = r.exec.ID
	resp.CapturedAt = time.Now().UTC()

	// Cancellation that landed while the request was in flight leaves
	// the pair pending; pending pairs are discarded, not committed.
	if ctx.Err() != nil {
		return resp
	}

	if _, err := e.responses.Commit(context.WithoutCancel(ctx), resp); err != nil {
		slog.Error("Failed to commit baseline response",
			"execution_id", r.exec.ID, "request_id", req.ID, "error", err)
		resp.ErrorKind = models.ErrorKindStorage
	}
	return resp
}

// runFlowMutant replays the prefix context for one test case, splices in
// the mutated request, and commits the (response, anomalies) pair.
func (e *Engine) runFlowMutant(ctx context.Context, r *run, flow *models.Flow,
	byOrdinal map[int]*models.Request, byID map[string]*models.Request,
	baselines map[int]*models.Response, tc *models.TestCase) {

	owner := byID[tc.RequestID]

	// Fresh client state per mutant; the prefix replay rebuilds cookies
	// and server-side session context.
	client := newHTTPClient(e.cfg)
	prefix, repeatTarget := planPrefix(owner.Ordinal, &tc.Mutation, byOrdinal)
	for _, preq := range prefix {
		if ctx.Err() != nil {
			return
		}
		// Prefix exchanges are context only: not committed, errors
		// tolerated. The pair's verdict comes from the spliced request.
		_ = e.exchange(ctx, client, func(reqCtx context.Context) (*http.Request, error) {
			return materialize(reqCtx, preq, nil, nil)
		}, r.limiter)
		e.interRequestPause(ctx)
	}
	if ctx.Err() != nil {
		return
	}

	target := owner
	if repeatTarget != nil {
		target = repeatTarget
	}
	mutation := &tc.Mutation
	if tc.Category == models.CategorySequence {
		// Sequence mutations alter the plan, not the envelope.
		mutation = nil
	}

	resp := e.exchange(ctx, client, func(reqCtx context.Context) (*http.Request, error) {
		return materialize(reqCtx, target, mutation, flow.IdentityPool)
	}, r.limiter)

	resp.FlowID = tc.FlowID
	resp.OwnerKind = models.OwnerMutant
	resp.OwnerID = tc.ID
	resp.ExecutionID = r.exec.ID
	resp.CapturedAt = time.Now().UTC()

	// Pair still pending at cancellation: discard it.
	if ctx.Err() != nil {
		return
	}

	anomalies := e.analyzePair(flow, tc, baselines[owner.Ordinal], resp)
	if _, err := e.responses.CommitReplayResult(context.WithoutCancel(ctx), resp, anomalies); err != nil {
		slog.Error("Failed to commit mutant response",
			"execution_id", r.exec.ID, "test_case_id", tc.ID, "error", err)
		resp.ErrorKind = models.ErrorKindStorage
	}
	e.progress(ctx, r, resp.ErrorKind != models.ErrorKindNone)
}

// planPrefix computes the ordinals replayed before the spliced request.
// Sequence mutations reshape it:
//
//	skip N:   prefix [1..k-1] minus N
//	repeat k: prefix [1..k] — the spliced request is the second run of k
//	swap N:   prefix [1..k-1] minus N — the probe runs before its
//	          prerequisite
func planPrefix(ordinal int, m *models.Mutation, byOrdinal map[int]*models.Request) ([]*models.Request, *models.Request) {
	skip := 0
	includeSelf := false
	switch m.Op {
	case models.OpSkipOrdinal, models.OpSwapOrdinal:
		skip = m.TargetIndex
	case models.OpRepeatOrdinal:
		includeSelf = true
	}

	var prefix []*models.Request
	for o := 1; o < ordinal; o++ {
		if o == skip {
			continue
		}
		if req, ok := byOrdinal[o]; ok {
			prefix = append(prefix, req)
		}
	}
	if includeSelf {
		if req, ok := byOrdinal[ordinal]; ok {
			prefix = append(prefix, req)
			return prefix, req
		}
	}
	return prefix, nil
}

// analyzePair invokes the analyzer when the pair is complete and at
// least one side produced a status.
func (e *Engine) analyzePair(flow *models.Flow, tc *models.TestCase, baseline, mutant *models.Response) []*models.Anomaly {
	if baseline == nil || mutant == nil {
		return nil
	}
	if baseline.ErrorKind != models.ErrorKindNone && mutant.ErrorKind != models.ErrorKindNone {
		return nil
	}
	return e.analyzer.Analyze(analyzer.Input{
		TestCase:            tc,
		Baseline:            baseline,
		Mutant:              mutant,
		ConfidenceThreshold: e.thresholds.Resolve(flow.ConfidenceThreshold),
	})
}

// --- Single test case execution ---

func (e *Engine) runSingle(ctx context.Context, r *run, flow *models.Flow, req *models.Request, tc *models.TestCase) {
	client := newHTTPClient(e.cfg)

	baseline := e.replayBaseline(ctx, client, r, req)
	if ctx.Err() != nil {
		e.finish(ctx, r, models.ExecutionCancelled, "")
		return
	}
	e.progress(ctx, r, baseline.ErrorKind != models.ErrorKindNone)

	if e.thresholdExceeded(r) {
		e.finish(ctx, r, models.ExecutionFailed, "failure threshold exceeded")
		return
	}
	e.interRequestPause(ctx)

	mutation := &tc.Mutation
	if tc.Category == models.CategorySequence {
		mutation = nil
	}
	mutant := e.exchange(ctx, client, func(reqCtx context.Context) (*http.Request, error) {
		return materialize(reqCtx, req, mutation, flow.IdentityPool)
	}, r.limiter)

	mutant.FlowID = tc.FlowID
	mutant.OwnerKind = models.OwnerMutant
	mutant.OwnerID = tc.ID
	mutant.ExecutionID = r.exec.ID
	mutant.CapturedAt = time.Now().UTC()

	if ctx.Err() != nil {
		e.finish(ctx, r, models.ExecutionCancelled, "")
		return
	}

	anomalies := e.analyzePair(flow, tc, baseline, mutant)
	if _, err := e.responses.CommitReplayResult(context.WithoutCancel(ctx), mutant, anomalies); err != nil {
		slog.Error("Failed to commit mutant response",
			"execution_id", r.exec.ID, "test_case_id", tc.ID, "error", err)
		mutant.ErrorKind = models.ErrorKindStorage
	}
	e.progress(ctx, r, mutant.ErrorKind != models.ErrorKindNone)

	switch {
	case ctx.Err() != nil:
		e.finish(ctx, r, models.ExecutionCancelled, "")
	case e.thresholdExceeded(r):
		e.finish(ctx, r, models.ExecutionFailed, "failure threshold exceeded")
	default:
		e.finish(ctx, r, models.ExecutionSucceeded, "")
	}
}
