package httputil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/breeze-rmm/sessionguard/internal/logging"
)

var log = logging.L("httputil")

// maxErrorBody caps how much of a failed response is kept for diagnostics.
const maxErrorBody = 4 << 10

// Result is a fully-read response. Body is the raw payload, capped for
// non-2xx statuses.
type Result struct {
	StatusCode int
	Body       []byte
	RequestID  string
}

// OK reports a 2xx status.
func (r *Result) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Decode unmarshals the body into v. An empty body leaves v untouched.
func (r *Result) Decode(v any) error {
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}
	return json.Unmarshal(r.Body, v)
}

// DoJSON sends a single JSON request and reads the whole response. There is
// no retry: callers own their retry policy. Transport failures are returned
// as *NetworkError.
func DoJSON(ctx context.Context, client *http.Client, method, url string, payload any, headers http.Header) (*Result, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vals := range headers {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	requestID := req.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
		req.Header.Set("X-Request-ID", requestID)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, &NetworkError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	reader := io.Reader(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		reader = io.LimitReader(resp.Body, maxErrorBody)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, &NetworkError{URL: url, Err: fmt.Errorf("read response: %w", err)}
	}

	log.Debug("request complete",
		"method", method,
		"url", url,
		"status", resp.StatusCode,
		logging.KeyRequestID, requestID,
		logging.KeyDurationMs, time.Since(start).Milliseconds(),
	)

	return &Result{StatusCode: resp.StatusCode, Body: data, RequestID: requestID}, nil
}

// NetworkError wraps a failure to obtain any HTTP response.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return "request to " + e.URL + " failed: " + e.Err.Error()
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IsServerStatus returns true for statuses that indicate a transient
// server-side problem.
func IsServerStatus(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusRequestTimeout ||
		code >= 500
}

// Jitter adds ±frac random jitter to a duration.
func Jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	jitter := float64(d) * frac * (2*rand.Float64() - 1)
	result := time.Duration(float64(d) + jitter)
	if result < 0 {
		return 0
	}
	return result
}
