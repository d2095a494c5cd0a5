// Package httpfetch builds fetch closures for JSON-over-HTTP services.
//
// One Remote per external service. Pooled connections each own a dedicated
// transport so the access layer's pool bounds are real connection bounds,
// and health probes hit the service's health path. Downstream failures are
// classified (timeout, transient, permanent) before they reach the breaker.
package httpfetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/finchworks/egress/internal/breaker"
	"github.com/finchworks/egress/internal/egress"
	"github.com/finchworks/egress/internal/pool"
)

// Remote describes one external HTTP service.
type Remote struct {
	service    string
	baseURL    string
	healthPath string
	timeout    time.Duration
	limiter    *rate.Limiter
}

// Option customizes a Remote.
type Option func(*Remote)

// WithSmoothing adds client-side token-bucket smoothing on top of the
// throttler's hard limits. Zero or negative rps disables it.
func WithSmoothing(rps float64) Option {
	return func(r *Remote) {
		if rps > 0 {
			r.limiter = rate.NewLimiter(rate.Limit(rps), int(rps)+1)
		}
	}
}

// NewRemote creates a Remote for the named service.
func NewRemote(service, baseURL, healthPath string, timeout time.Duration, opts ...Option) *Remote {
	r := &Remote{
		service:    service,
		baseURL:    baseURL,
		healthPath: healthPath,
		timeout:    timeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Conn is a pooled HTTP session with its own transport.
type Conn struct {
	client     *resty.Client
	transport  *http.Transport
	healthPath string
}

// Healthy probes the service's health path. A missing health path means the
// connection is trusted until a call fails on it.
func (c *Conn) Healthy(ctx context.Context) bool {
	if c.healthPath == "" {
		return true
	}
	resp, err := c.client.R().SetContext(ctx).Get(c.healthPath)
	return err == nil && resp.StatusCode() < http.StatusInternalServerError
}

// Close tears down the session's idle connections.
func (c *Conn) Close() error {
	c.transport.CloseIdleConnections()
	return nil
}

// Factory returns a pool.Factory creating sessions for this remote.
// The retryablehttp transport is used for its tuned connection settings
// only; retries stay off because the façade never retries.
func (r *Remote) Factory() pool.Factory {
	return func(ctx context.Context) (pool.Conn, error) {
		retryClient := retryablehttp.NewClient()
		retryClient.RetryMax = 0
		retryClient.Logger = nil

		transport, ok := retryClient.HTTPClient.Transport.(*http.Transport)
		if !ok {
			transport = http.DefaultTransport.(*http.Transport).Clone()
		}

		client := resty.New().
			SetBaseURL(r.baseURL).
			SetTimeout(r.timeout).
			SetHeader("User-Agent", "egress/1.0").
			SetTransport(transport)

		return &Conn{
			client:     client,
			transport:  transport,
			healthPath: r.healthPath,
		}, nil
	}
}

// Operation builds a FetchFunc for one JSON operation. GET-like methods send
// args as query parameters; everything else sends them as a JSON body.
func (r *Remote) Operation(method, path string) func(args map[string]interface{}) egress.FetchFunc {
	return func(args map[string]interface{}) egress.FetchFunc {
		return func(ctx context.Context, pc *pool.PooledConn) (interface{}, error) {
			conn, ok := pc.Handle.(*Conn)
			if !ok {
				return nil, egress.NewCallError(breaker.KindPermanent,
					fmt.Errorf("httpfetch: connection is not an HTTP session"))
			}

			// Smoothing waits inside fetch, the one layer allowed to block.
			if r.limiter != nil {
				if err := r.limiter.Wait(ctx); err != nil {
					return nil, egress.NewCallError(breaker.KindTimeout, err)
				}
			}

			req := conn.client.R().SetContext(ctx)

			switch method {
			case http.MethodGet, http.MethodHead, http.MethodDelete:
				for k, v := range args {
					req.SetQueryParam(k, fmt.Sprintf("%v", v))
				}
			default:
				req.SetHeader("Content-Type", "application/json").SetBody(args)
			}

			resp, err := req.Execute(method, path)
			if err != nil {
				return nil, egress.NewCallError(classifyTransport(err), err)
			}

			if resp.IsError() {
				return nil, egress.NewCallError(classifyStatus(resp.StatusCode()),
					fmt.Errorf("httpfetch: %s %s returned %s", method, path, resp.Status()))
			}

			body := resp.Body()
			if len(body) == 0 {
				return map[string]interface{}{}, nil
			}

			var value interface{}
			if err := sonic.Unmarshal(body, &value); err != nil {
				return nil, egress.NewCallError(breaker.KindPermanent,
					fmt.Errorf("httpfetch: invalid JSON response: %w", err))
			}
			return value, nil
		}
	}
}

// classifyTransport maps transport-level errors onto error kinds.
func classifyTransport(err error) breaker.ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return breaker.KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return breaker.KindTimeout
	}
	return breaker.KindTransient
}

// classifyStatus maps HTTP status codes onto error kinds. Server-side and
// rate-limit statuses are transient; other client errors are permanent.
func classifyStatus(status int) breaker.ErrorKind {
	switch {
	case status >= http.StatusInternalServerError:
		return breaker.KindTransient
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout:
		return breaker.KindTransient
	default:
		return breaker.KindPermanent
	}
}
