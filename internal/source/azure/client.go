package azure

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/nhle/roadmap-sync/internal/source"
)

const (
	apiVersion = "7.1"

	// maxResponseBytes caps how much of a response body is read.
	maxResponseBytes = 32 << 20
)

// HTTPError carries the status of a non-2xx response. It is wrapped inside
// a source.DatasourceError.
type HTTPError struct {
	StatusCode int
	Method     string
	Path       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.StatusCode)
}

// statusCode returns the HTTP status behind err, or 0.
func statusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}

// client issues requests against one organization with one credential.
// It is built per call from a Connection and never outlives it.
type client struct {
	baseURL    string
	auth       string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	retryWait  func(resp *http.Response, attempt int) time.Duration
	logger     *slog.Logger
}

func basicAuth(pat string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(":"+pat))
}

func (c *client) get(ctx context.Context, path string, query url.Values, result any) (http.Header, error) {
	return c.do(ctx, http.MethodGet, path, query, nil, result)
}

func (c *client) post(ctx context.Context, path string, query url.Values, body, result any) (http.Header, error) {
	return c.do(ctx, http.MethodPost, path, query, body, result)
}

// do builds the request, applies auth and the shared rate limiter, retries
// 429 and 5xx responses, and classifies every failure as a
// source.DatasourceError.
func (c *client) do(
	ctx context.Context,
	method string,
	path string,
	query url.Values,
	body any,
	result any,
) (http.Header, error) {
	q := url.Values{}
	for k, v := range query {
		q[k] = v
	}
	if q.Get("api-version") == "" {
		q.Set("api-version", apiVersion)
	}
	endpoint := c.baseURL + path + "?" + q.Encode()

	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request body: %w", err)
		}
		payload = data
	}

	var (
		lastErr error
		wait    time.Duration
	)
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, transportError(method, path, ctx.Err())
			case <-timer.C:
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, transportError(method, path, err)
		}

		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Authorization", c.auth)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, transportError(method, path, err)
		}

		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		resp.Body.Close()
		if readErr != nil {
			return nil, transportError(method, path, readErr)
		}

		c.logger.Debug("azure devops request",
			"method", method,
			"path", path,
			"status", resp.StatusCode,
			"attempt", attempt,
			"elapsed", time.Since(start),
		)

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			httpErr := &HTTPError{StatusCode: resp.StatusCode, Method: method, Path: path, Message: errorMessage(respBody)}
			lastErr = source.Errorf(source.KindRemote, httpErr,
				"Azure DevOps returned status %d", resp.StatusCode)
			wait = c.retryWait(resp, attempt)
			c.logger.Warn("azure devops request will be retried",
				"method", method,
				"path", path,
				"status", resp.StatusCode,
				"wait", wait,
			)
			continue
		}

		if err := checkStatus(resp, method, path, respBody); err != nil {
			return nil, err
		}

		if result == nil || resp.StatusCode == http.StatusNoContent || len(respBody) == 0 {
			return resp.Header, nil
		}
		if err := json.Unmarshal(respBody, result); err != nil {
			return nil, source.Errorf(source.KindRemote,
				fmt.Errorf("unmarshaling response from %s %s: %w", method, path, err),
				"Azure DevOps returned an unreadable response")
		}
		return resp.Header, nil
	}

	return nil, source.Errorf(source.KindRemote, lastErr,
		"Azure DevOps request failed after %d retries: %s", c.maxRetries, lastErr)
}

// checkStatus maps non-success responses to error kinds. Azure DevOps
// answers an invalid token with 203 and an HTML sign-in page instead of
// 401, so a successful HTML body is also an auth failure.
func checkStatus(resp *http.Response, method, path string, body []byte) error {
	httpErr := &HTTPError{StatusCode: resp.StatusCode, Method: method, Path: path}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		httpErr.Message = errorMessage(body)
		return source.Errorf(source.KindAuth, httpErr,
			"Azure DevOps rejected the personal access token (%d)", resp.StatusCode)
	case resp.StatusCode == http.StatusNonAuthoritativeInfo,
		resp.StatusCode >= 200 && resp.StatusCode < 300 && isHTML(resp):
		return source.Errorf(source.KindAuth, httpErr,
			"Azure DevOps redirected to a sign-in page; check the personal access token")
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		httpErr.Message = errorMessage(body)
		if httpErr.Message != "" {
			return source.Errorf(source.KindRemote, httpErr,
				"Azure DevOps error (%d): %s", resp.StatusCode, httpErr.Message)
		}
		return source.Errorf(source.KindRemote, httpErr,
			"Azure DevOps returned status %d", resp.StatusCode)
	}
	return nil
}

func isHTML(resp *http.Response) bool {
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return err == nil && mediaType == "text/html"
}

func errorMessage(body []byte) string {
	var apiErr errorResponse
	if json.Unmarshal(body, &apiErr) == nil {
		return apiErr.Message
	}
	return ""
}

// transportError classifies failures that happen before a response is read.
func transportError(method, path string, err error) error {
	wrapped := fmt.Errorf("%s %s: %w", method, path, err)

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return source.Errorf(source.KindTimeout, wrapped, "request to Azure DevOps timed out")
	case errors.Is(err, context.Canceled):
		return source.Errorf(source.KindRemote, wrapped, "request to Azure DevOps was cancelled")
	default:
		return source.Errorf(source.KindUnreachable, wrapped, "could not reach Azure DevOps")
	}
}

// retryAfterDuration reads the Retry-After header and computes a wait
// duration. Falls back to exponential backoff if the header is missing.
func retryAfterDuration(resp *http.Response, attempt int) time.Duration {
	if header := resp.Header.Get("Retry-After"); header != "" {
		if seconds, err := strconv.Atoi(header); err == nil {
			return min(time.Duration(seconds)*time.Second, 30*time.Second)
		}
	}

	// 500ms, 1s, 2s, ...
	backoff := time.Duration(1<<uint(attempt)) * 500 * time.Millisecond
	return min(backoff, 30*time.Second)
}

// escape encodes a single path segment such as a project or team name.
func escape(segment string) string {
	return url.PathEscape(segment)
}

func projectPath(project, team string) string {
	p := "/" + escape(project)
	if team != "" {
		p += "/" + escape(team)
	}
	return p
}

func trimOrgURL(raw string) string {
	return strings.TrimRight(strings.TrimSpace(raw), "/")
}
