package hipchat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Per-attempt deadline and backoff schedule between timeout retries.
// Non-timeout failures are never retried. Vars so tests can shrink them.
var (
	requestTimeout = 10 * time.Second
	retryBackoff   = []time.Duration{1 * time.Second, 4 * time.Second}
)

// doWithRetry performs an outbound platform call with a bounded per-attempt
// timeout. On timeout it retries with increasing backoff; once the schedule is
// exhausted it surfaces ErrUpstreamTimeout. build must return a fresh request
// each attempt (request bodies are single-use).
func doWithRetry(ctx context.Context, hc *http.Client, build func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	if hc == nil {
		hc = http.DefaultClient
	}
	for attempt := 0; ; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		req, err := build(attemptCtx)
		if err != nil {
			cancel()
			return nil, err
		}
		start := time.Now()
		resp, err := hc.Do(req)
		if err == nil {
			// Caller owns the response; cancelling here would kill the body read,
			// so tie cleanup to the body via a wrapping closer.
			resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
			slog.Debug("upstream call",
				slog.String("method", req.Method),
				slog.String("url", req.URL.String()),
				slog.Int("status", resp.StatusCode),
				slog.Duration("elapsed", time.Since(start)))
			return resp, nil
		}
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !isTimeout(err) {
			return nil, err
		}
		if attempt >= len(retryBackoff) {
			return nil, ErrUpstreamTimeout
		}
		sleep := retryBackoff[attempt]
		slog.Warn("upstream call timed out, retrying",
			slog.String("url", req.URL.String()),
			slog.Duration("backoff", sleep))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
