// Package httpx is the JSON-over-HTTP plumbing shared by the outbound
// service clients: bearer auth, a rate limiter, a circuit breaker and
// bounded retries of transient failures.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Service string
	Method  string
	Path    string
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s %s: %d %s", e.Service, e.Method, e.Path, e.Code, e.Body)
}

// Transient reports whether retrying the request could succeed.
func (e *StatusError) Transient() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout
}

type Options struct {
	Service        string
	BaseURL        string
	Token          string
	Timeout        time.Duration
	RequestsPerSec float64
	MaxAttempts    int
	// InitialBackoff is the first retry delay; later delays grow exponentially.
	InitialBackoff time.Duration
	// FailureThreshold is the number of consecutive failures that opens the breaker.
	FailureThreshold uint32
	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout   time.Duration
	OnStateChange func(service, from, to string)
	HTTPClient    *http.Client
}

type Caller struct {
	opts       Options
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
}

func NewCaller(opts Options) *Caller {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 200 * time.Millisecond
	}
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}

	c := &Caller{opts: opts, httpClient: opts.HTTPClient}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.RequestsPerSec > 0 {
		burst := int(opts.RequestsPerSec)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSec), burst)
	}

	threshold := opts.FailureThreshold
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    opts.Service,
		Timeout: opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Client errors say nothing about the health of the service.
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return !se.Transient()
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if opts.OnStateChange != nil {
				opts.OnStateChange(name, from.String(), to.String())
			}
		},
	})
	return c
}

// BreakerState returns "closed", "half-open" or "open".
func (c *Caller) BreakerState() string {
	return c.breaker.State().String()
}

// Do sends body as JSON and decodes the response into out (when non-nil).
// Transient failures are retried with exponential backoff up to MaxAttempts.
func (c *Caller) Do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode %s request: %w", c.opts.Service, err)
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialBackoff
	b.MaxInterval = 10 * c.opts.InitialBackoff

	data, err := backoff.Retry(ctx, func() ([]byte, error) {
		data, err := c.attempt(ctx, method, path, payload)
		if err == nil {
			return data, nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, backoff.Permanent(err)
		}
		var se *StatusError
		if errors.As(err, &se) && !se.Transient() {
			return nil, backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(c.opts.MaxAttempts)))
	if err != nil {
		return err
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode %s response: %w", c.opts.Service, err)
		}
	}
	return nil
}

func (c *Caller) attempt(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.send(ctx, method, path, payload)
	})
	if err != nil {
		return nil, err
	}
	return res.([]byte), nil
}

func (c *Caller) send(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.opts.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, &StatusError{
			Service: c.opts.Service,
			Method:  method,
			Path:    path,
			Code:    resp.StatusCode,
			Body:    string(bytes.TrimSpace(data)),
		}
	}
	return data, nil
}
