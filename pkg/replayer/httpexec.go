package replayer

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"net/http/cookiejar"
	"time"

	"golang.org/x/time/rate"

	"github.com/probehound/probehound/pkg/config"
	"github.com/probehound/probehound/pkg/models"
)

// maxRecordedBody bounds how much of a target response body is kept.
const maxRecordedBody = 4 << 20 // 4 MiB

// newHTTPClient builds the client used for one replay pass. Each pass
// gets a fresh cookie jar so simulated client state starts clean and is
// threaded through the transcript by the jar alone.
func newHTTPClient(cfg *config.ReplayConfig) *http.Client {
	jar, _ := cookiejar.New(nil)
	return &http.Client{
		Jar: jar,
		Transport: &http.Transport{
			TLSClientConfig:     &tls.Config{InsecureSkipVerify: true},
			MaxIdleConns:        cfg.MaxConcurrentRequests * 2,
			MaxIdleConnsPerHost: cfg.MaxConcurrentRequests * 2,
			IdleConnTimeout:     90 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
		},
		// Redirects are data: a 302 from the target is recorded as-is,
		// not followed into a different resource.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// exchange executes one materialized request and converts the outcome to
// a Response shell (owner fields are filled by the caller).
//
// Transport errors (connect, DNS, TLS) retry with exponential backoff
// and jitter. Timeouts and HTTP statuses never retry: a timeout is the
// per-request deadline doing its job, and a status is data.
func (e *Engine) exchange(ctx context.Context, client *http.Client, build func(context.Context) (*http.Request, error), limiter *rate.Limiter) *models.Response {
	resp := &models.Response{}

	attempts := e.cfg.RetryAttempts + 1
	backoff := e.cfg.RetryBackoffBase
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			// factor 2 with ±20% jitter
			jittered := time.Duration(float64(backoff) * (0.8 + 0.4*rand.Float64()))
			select {
			case <-time.After(jittered):
			case <-ctx.Done():
				resp.ErrorKind = models.ErrorKindNetwork
				return resp
			}
			backoff *= 2
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				resp.ErrorKind = models.ErrorKindNetwork
				return resp
			}
		}

		// The per-request deadline is independent of execution
		// cancellation: an in-flight request finishes or times out.
		reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.RequestTimeout)
		httpReq, err := build(reqCtx)
		if err != nil {
			cancel()
			resp.ErrorKind = models.ErrorKindNetwork
			return resp
		}

		start := time.Now()
		httpResp, err := client.Do(httpReq)
		elapsed := time.Since(start)
		if err != nil {
			cancel()
			kind := classifyTransportError(err)
			resp.ErrorKind = kind
			resp.ResponseTimeMS = elapsed.Milliseconds()
			if kind == models.ErrorKindTimeout {
				return resp
			}
			continue // retry transport errors
		}

		body, readErr := io.ReadAll(io.LimitReader(httpResp.Body, maxRecordedBody))
		_ = httpResp.Body.Close()
		cancel()
		if readErr != nil {
			resp.ErrorKind = classifyTransportError(readErr)
			resp.ResponseTimeMS = elapsed.Milliseconds()
			if resp.ErrorKind == models.ErrorKindTimeout {
				return resp
			}
			continue
		}

		status := httpResp.StatusCode
		resp.Status = &status
		resp.ErrorKind = models.ErrorKindNone
		resp.Headers = flattenHeaders(httpResp.Header)
		resp.Body = body
		resp.ContentLength = int64(len(body))
		resp.ResponseTimeMS = elapsed.Milliseconds()
		return resp
	}

	return resp
}

// classifyTransportError separates deadline hits from transport faults.
func classifyTransportError(err error) models.ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return models.ErrorKindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return models.ErrorKindTimeout
	}
	return models.ErrorKindNetwork
}

func flattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
