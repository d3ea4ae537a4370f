package relay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"llmrelay/internal/account"
	"llmrelay/internal/dialect"
	tracing "llmrelay/internal/monitoring/tracing"
	"llmrelay/internal/relayerr"
	"llmrelay/internal/transport"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// UpstreamRequest describes one outbound call.
type UpstreamRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
	Stream  bool
}

// Result is the outcome of a non-streaming dispatch.
type Result struct {
	Status int
	Body   []byte
	Usage  dialect.Usage
}

// Dispatcher executes upstream calls over the proxy-aware transport and
// applies the account state transitions the upstream status demands. It never
// retries on another account: partial upstream streams make re-issue unsafe.
type Dispatcher struct {
	factory        *transport.Factory
	requestTimeout time.Duration
	streamTimeout  time.Duration
}

// NewDispatcher builds the dispatcher.
func NewDispatcher(factory *transport.Factory, requestTimeout, streamTimeout time.Duration) *Dispatcher {
	if requestTimeout <= 0 {
		requestTimeout = 120 * time.Second
	}
	if streamTimeout <= 0 {
		streamTimeout = 600 * time.Second
	}
	return &Dispatcher{factory: factory, requestTimeout: requestTimeout, streamTimeout: streamTimeout}
}

// send issues the upstream request on the account's proxy path.
func (d *Dispatcher) send(ctx context.Context, a *account.Account, up UpstreamRequest) (*http.Response, error) {
	spanName := "upstream.request"
	if up.Stream {
		spanName = "upstream.stream"
	}
	ctx, span := tracing.StartSpan(ctx, "relay", spanName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("account.id", a.ID),
			attribute.String("account.platform", a.Platform),
		))
	defer span.End()

	resp, err := d.doSend(ctx, a, up)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	return resp, nil
}

func (d *Dispatcher) doSend(ctx context.Context, a *account.Account, up UpstreamRequest) (*http.Response, error) {
	client, err := d.factory.Client(a.Proxy.URL())
	if err != nil {
		return nil, fmt.Errorf("build transport: %w", err)
	}
	method := up.Method
	if method == "" {
		method = http.MethodPost
	}
	var body io.Reader
	if len(up.Body) > 0 {
		body = bytes.NewReader(up.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, up.URL, body)
	if err != nil {
		return nil, err
	}
	for k, v := range up.Headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("Content-Type") == "" && len(up.Body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	if up.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	return client.Do(req)
}

// MarkFailure applies the account state transition an upstream failure
// demands. Only 429, 401 and 402 move the state machine.
func (d *Dispatcher) MarkFailure(ctx context.Context, repo *account.Repo, a *account.Account, status int, body []byte) {
	switch status {
	case http.StatusTooManyRequests:
		minutes := rateLimitMinutes(body)
		if _, err := repo.SetRateLimited(ctx, a.ID, true, minutes); err != nil {
			log.WithError(err).WithField("account", a.ID).Error("mark rate limited")
		}
	case http.StatusUnauthorized, http.StatusPaymentRequired:
		if _, err := repo.MarkUnauthorized(ctx, a.ID, fmt.Sprintf("upstream %d", status)); err != nil {
			log.WithError(err).WithField("account", a.ID).Error("mark unauthorized")
		}
	}
}

// rateLimitMinutes reads the reset hint from a 429 body, zero when absent so
// the account's configured duration applies.
func rateLimitMinutes(body []byte) int {
	for _, path := range []string{"error.resets_in_seconds", "resets_in_seconds"} {
		if v := gjson.GetBytes(body, path); v.Exists() {
			secs := v.Int()
			if secs <= 0 {
				return 0
			}
			return int((secs + 59) / 60)
		}
	}
	return 0
}

// DispatchJSON performs a non-streaming call: collect the body, mark the
// account on failure, extract usage on success. The caller writes the
// response and reports the usage.
func (d *Dispatcher) DispatchJSON(ctx context.Context, repo *account.Repo, a *account.Account, up UpstreamRequest, extract func([]byte) dialect.Usage, unwrapEnvelope bool) (*Result, *relayerr.Error) {
	callCtx, cancel := context.WithTimeout(ctx, d.requestTimeout)
	defer cancel()

	resp, err := d.send(callCtx, a, up)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, relayerr.New(http.StatusGatewayTimeout, relayerr.TypeAPIError, "upstream_timeout", "Upstream request timed out")
		}
		return nil, relayerr.New(http.StatusBadGateway, relayerr.TypeAPIError, "upstream_unreachable", err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, relayerr.New(http.StatusBadGateway, relayerr.TypeAPIError, "upstream_read_failed", err.Error())
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		d.MarkFailure(ctx, repo, a, resp.StatusCode, body)
		return nil, relayerr.MapUpstream(resp.StatusCode, body)
	}

	res := &Result{Status: resp.StatusCode, Body: body}
	if extract != nil {
		res.Usage = extract(body)
	}
	if unwrapEnvelope {
		if inner := gjson.GetBytes(body, "response"); inner.Exists() && inner.IsObject() {
			res.Body = []byte(inner.Raw)
		}
	}
	if err := repo.MarkUsed(ctx, a.ID); err != nil {
		log.WithError(err).WithField("account", a.ID).Warn("mark used")
	}
	return res, nil
}

// DispatchStream performs a streaming call and relays the SSE body to the
// client. Usage is handed to onUsage at most once, and only when observed.
// Upstream failures before the first byte surface as JSON; after headers are
// flushed the client gets the synthetic error epilogue instead.
func (d *Dispatcher) DispatchStream(c *gin.Context, repo *account.Repo, a *account.Account, up UpstreamRequest, sr *StreamRelay, onUsage func(dialect.Usage)) *relayerr.Error {
	ctx, cancel := context.WithTimeout(c.Request.Context(), d.streamTimeout)
	defer cancel()

	resp, err := d.send(ctx, a, up)
	if err != nil {
		return relayerr.New(http.StatusBadGateway, relayerr.TypeAPIError, "upstream_unreachable", err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		d.MarkFailure(c.Request.Context(), repo, a, resp.StatusCode, body)
		return relayerr.MapUpstream(resp.StatusCode, body)
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	usage, runErr := sr.Run(ctx, c.Writer, resp.Body)
	if usage.Observed() && onUsage != nil {
		onUsage(usage)
	}
	if runErr != nil {
		log.WithError(runErr).WithField("account", a.ID).Warn("stream ended with error")
	}
	// the client may have disconnected; finish bookkeeping regardless
	if err := repo.MarkUsed(context.WithoutCancel(c.Request.Context()), a.ID); err != nil {
		log.WithError(err).WithField("account", a.ID).Warn("mark used")
	}
	return nil
}
