package daemon

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	bkerrors "github.com/vinayprograms/botkit/errors"
	"github.com/vinayprograms/botkit/health"
	"github.com/vinayprograms/botkit/lifecycle"
	"github.com/vinayprograms/botkit/ratelimit"
	"github.com/vinayprograms/botkit/telemetry"
)

// Poller parameters read from Spec.Params.
const (
	ParamURL         = "url"
	ParamInterval    = "interval"
	ParamMaxFailures = "max_failures"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultMaxFailures  = 5
)

// Poller is the bundled worker: it GETs Params["url"] every interval
// through the worker's rate limit key. A 429 response becomes a throttle
// carrying the Retry-After hint; other failures count towards
// max_failures, after which the worker moves to error.
type Poller struct {
	Client *http.Client
	Tracer *telemetry.Tracer
	Calls  *health.CallTracker
}

var (
	_ lifecycle.Runner    = (*Poller)(nil)
	_ lifecycle.Validator = (*Poller)(nil)
)

// Validate checks the poller parameters of spec.
func (p *Poller) Validate(ctx context.Context, spec lifecycle.Spec) error {
	raw := spec.Params[ParamURL]
	if raw == "" {
		return bkerrors.InvalidInput("params.url is required")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return bkerrors.InvalidInput("params.url must be an absolute http(s) URL")
	}
	if _, err := pollInterval(spec); err != nil {
		return err
	}
	if _, err := maxFailures(spec); err != nil {
		return err
	}
	return nil
}

// Run polls until ctx is cancelled or too many consecutive polls fail.
func (p *Poller) Run(ctx context.Context, h *lifecycle.Handle) error {
	spec := h.Spec()
	interval, err := pollInterval(spec)
	if err != nil {
		return err
	}
	limit, err := maxFailures(spec)
	if err != nil {
		return err
	}
	target := spec.Params[ParamURL]
	logger := h.Logger()

	call := func(ctx context.Context) error { return p.poll(ctx, target) }
	if p.Tracer != nil {
		call = telemetry.Traced(p.Tracer, "poll", spec.Key, call)
	}
	if p.Calls != nil {
		call = p.Calls.Wrap("poll", call)
	}

	failures := 0
	for {
		err := h.Call(ctx, call)
		switch {
		case ctx.Err() != nil:
			return nil
		case err == nil:
			failures = 0
			h.Ready()
		case ratelimit.IsThrottled(err):
			logger.Debug("poll_throttled", map[string]interface{}{
				"retry_after": ratelimit.RetryAfter(err).String(),
			})
		default:
			failures++
			logger.Warn("poll_failed", map[string]interface{}{
				"error":    err.Error(),
				"failures": failures,
			})
			if failures >= limit {
				return bkerrors.Wrapf(err, "%d consecutive poll failures", failures)
			}
		}
		if h.Wait(ctx, interval) != nil {
			return nil
		}
	}
}

func (p *Poller) poll(ctx context.Context, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return bkerrors.WrapWithCode(err, bkerrors.ErrCodeInvalidInput, "build request")
	}
	telemetry.InjectHeaders(ctx, req.Header)

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return bkerrors.WrapWithCode(err, bkerrors.ErrCodeUnavailable, "poll")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return ratelimit.Throttled(retryAfter(resp.Header.Get("Retry-After"), time.Now()),
			fmt.Errorf("upstream returned %s", resp.Status))
	case resp.StatusCode >= 500:
		return bkerrors.Newf(bkerrors.ErrCodeUnavailable, "upstream returned %s", resp.Status)
	case resp.StatusCode >= 400:
		return bkerrors.Newf(bkerrors.ErrCodePrecondition, "upstream returned %s", resp.Status)
	}
	return nil
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP
// date. Unparseable or past values give zero.
func retryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

func pollInterval(spec lifecycle.Spec) (time.Duration, error) {
	raw, ok := spec.Params[ParamInterval]
	if !ok {
		return defaultPollInterval, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, bkerrors.InvalidInput("params.interval must be a positive duration")
	}
	return d, nil
}

func maxFailures(spec lifecycle.Spec) (int, error) {
	raw, ok := spec.Params[ParamMaxFailures]
	if !ok {
		return defaultMaxFailures, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, bkerrors.InvalidInput("params.max_failures must be a positive integer")
	}
	return n, nil
}
