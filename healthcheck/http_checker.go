package healthcheck

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// HTTPCheckerConfig configures the default HTTP-based Checker, which
// probes an endpoint's health-check path per spec.md §6: it sends
// `If-None-Match` for the last observed state and, when long-polling
// is enabled, a `Prefer: wait=<seconds>` hint, then interprets 200 as
// healthy, 503 as unhealthy, and 304 as "no change since last probe".
type HTTPCheckerConfig struct {
	// Path defaults to "/internal/healthcheck".
	Path string

	// Client defaults to http.DefaultClient.
	Client *http.Client

	// LongPollWait, if non-zero, is sent as Prefer: wait=<seconds> and
	// used as the probe's request timeout. Zero disables long-polling.
	LongPollWait time.Duration
}

// NewHTTPCheckerFactory returns a CheckerFactory that polls each
// endpoint's health-check path over HTTP, scheduling its next probe
// via the CheckerContext's executor and backoff.
func NewHTTPCheckerFactory(cfg HTTPCheckerConfig) CheckerFactory {
	if cfg.Path == "" {
		cfg.Path = "/internal/healthcheck"
	}
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	return func(cctx *CheckerContext) Checker {
		c := &httpChecker{cfg: cfg, cctx: cctx, lastState: "healthy"}
		cctx.Executor.Schedule(0, c.probe)
		return c
	}
}

type httpChecker struct {
	cfg  HTTPCheckerConfig
	cctx *CheckerContext

	mu             sync.Mutex
	stopped        bool
	inFlightCancel context.CancelFunc
	lastState      string // "healthy" or "unhealthy"
}

// Stop marks the checker stopped, so no further probe is scheduled,
// and cancels the in-flight probe request if any. It returns without
// waiting for that probe to finish.
func (c *httpChecker) Stop(ctx context.Context) error {
	c.mu.Lock()
	c.stopped = true
	if c.inFlightCancel != nil {
		c.inFlightCancel()
	}
	c.mu.Unlock()
	return nil
}

func (c *httpChecker) probe() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	timeout := c.cfg.LongPollWait
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(context.Background(), timeout)
	c.inFlightCancel = cancel
	c.mu.Unlock()

	report, healthy := c.doRequest(reqCtx)
	cancel()

	if report {
		if healthy {
			c.cctx.UpdateHealth(1)
		} else {
			c.cctx.UpdateHealth(0)
		}
	}

	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if !stopped {
		c.cctx.Executor.Schedule(c.cctx.NextDelay(), c.probe)
	}
}

// doRequest issues one probe and returns whether the observed state
// should be reported (false for a 304 "no change" response) and, if
// so, whether the endpoint is healthy.
func (c *httpChecker) doRequest(ctx context.Context) (report, healthy bool) {
	url := fmt.Sprintf("%s://%s%s", schemeFor(c.cctx.SessionProtocol), c.cctx.Endpoint.Authority, c.cfg.Path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return true, false
	}

	c.mu.Lock()
	lastState := c.lastState
	c.mu.Unlock()
	req.Header.Set("If-None-Match", `"`+lastState+`"`)
	if c.cfg.LongPollWait > 0 {
		req.Header.Set("Prefer", fmt.Sprintf("wait=%d", int(c.cfg.LongPollWait.Seconds())))
	}

	resp, err := c.cfg.Client.Do(req)
	if err != nil {
		c.setLastState("unhealthy")
		return true, false
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		c.setLastState("healthy")
		return true, true
	case http.StatusServiceUnavailable:
		c.setLastState("unhealthy")
		return true, false
	case http.StatusNotModified:
		return false, false
	default:
		c.setLastState("unhealthy")
		return true, false
	}
}

func (c *httpChecker) setLastState(state string) {
	c.mu.Lock()
	c.lastState = state
	c.mu.Unlock()
}

func schemeFor(sessionProtocol string) string {
	switch sessionProtocol {
	case "h2", "https":
		return "https"
	default:
		return "http"
	}
}
