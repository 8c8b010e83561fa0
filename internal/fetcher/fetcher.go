// Package fetcher implements the upstream channel clients.
//
// A client fetches the latest items of one subject from one channel and
// reports the result as a model.Outcome. Items are always returned oldest to
// newest, which is the reverse of the newest-first order both upstreams use.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"xwatch/internal/model"
)

// Channel names used for pacing and logging.
const (
	ChannelSyndication = "syndication"
	ChannelRSSHub      = "rsshub"
)

const maxBodySize = 5 * 1024 * 1024

// ErrMalformed marks an upstream response that could not be interpreted.
var ErrMalformed = errors.New("malformed response")

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client fetches items for a subject from a single upstream channel.
type Client interface {
	Channel() string
	Fetch(ctx context.Context, subject string) model.Outcome
}

// StatusError is returned for non-200 upstream responses.
type StatusError struct {
	Code       int
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// Classify maps a fetch error to an outcome.
//
//   - 429 is RateLimited, carrying the upstream hint if any
//   - 404, 410 and other 4xx plus malformed bodies are PermanentError
//   - 5xx, transport errors and timeouts are TransientError
func Classify(err error) model.Outcome {
	var se *StatusError
	switch {
	case err == nil:
		return model.Succeeded(nil)
	case errors.As(err, &se):
		switch {
		case se.Code == http.StatusTooManyRequests:
			return model.Limited(se.RetryAfter, err)
		case se.Code >= 500:
			return model.Transient(err)
		default:
			return model.Permanent(err)
		}
	case errors.Is(err, ErrMalformed):
		return model.Permanent(err)
	default:
		return model.Transient(err)
	}
}

func get(ctx context.Context, client HTTPClient, url string, header http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{
			Code:       resp.StatusCode,
			RetryAfter: retryAfter(resp.Header, time.Now()),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// retryAfter reads Retry-After (seconds or HTTP date) or x-rate-limit-reset (unix seconds).
func retryAfter(h http.Header, now time.Time) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
		if t, err := http.ParseTime(v); err == nil && t.After(now) {
			return t.Sub(now)
		}
	}
	if v := h.Get("X-Rate-Limit-Reset"); v != "" {
		if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
			if t := time.Unix(epoch, 0); t.After(now) {
				return t.Sub(now)
			}
		}
	}
	return 0
}

func reverse(items []model.Item) []model.Item {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items
}
