package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/pipeline-runner/internal/agent/configuration"
	"github.com/G-Research/pipeline-runner/internal/common/runnererrors"
	"github.com/G-Research/pipeline-runner/internal/common/util"
)

const maxErrorBodyBytes = 4096

// ThrottlingHandler is told how long the server asked the agent to back off.
type ThrottlingHandler func(delay time.Duration, expiration time.Time)

// httpClient issues authenticated JSON requests, retrying on connection errors and 5xx/429 responses.
type httpClient struct {
	client  *retryablehttp.Client
	baseUrl *url.URL
	token   string

	throttlingMutex sync.Mutex
	onThrottling    ThrottlingHandler
}

func newHttpClient(config configuration.ServerConfiguration) (*httpClient, error) {
	baseUrl, err := url.Parse(strings.TrimSuffix(config.Url, "/"))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid server url %q", config.Url)
	}

	c := &httpClient{baseUrl: baseUrl, token: config.AccessToken}
	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient.Timeout = config.Timeout
	retryClient.RetryMax = config.RetryMax
	if config.RetryWaitMin > 0 {
		retryClient.RetryWaitMin = config.RetryWaitMin
	}
	if config.RetryWaitMax > 0 {
		retryClient.RetryWaitMax = config.RetryWaitMax
	}
	retryClient.Logger = &leveledLogger{entry: log.WithField("server", baseUrl.Host)}
	retryClient.Backoff = func(min time.Duration, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		wait := retryablehttp.DefaultBackoff(min, max, attemptNum, resp)
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			c.reportThrottling(wait)
		}
		return wait
	}
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	c.client = retryClient
	return c, nil
}

// OnThrottling sets the handler called whenever the server answers 429 Too Many Requests.
func (c *httpClient) OnThrottling(handler ThrottlingHandler) {
	c.throttlingMutex.Lock()
	defer c.throttlingMutex.Unlock()
	c.onThrottling = handler
}

func (c *httpClient) reportThrottling(delay time.Duration) {
	c.throttlingMutex.Lock()
	handler := c.onThrottling
	c.throttlingMutex.Unlock()
	if handler != nil {
		handler(delay, time.Now().Add(delay))
	}
}

// Close releases idle connections.
func (c *httpClient) Close() error {
	c.client.HTTPClient.CloseIdleConnections()
	return nil
}

func (c *httpClient) url(segments ...string) string {
	escaped := make([]string, 0, len(segments))
	for _, segment := range segments {
		escaped = append(escaped, url.PathEscape(segment))
	}
	return c.baseUrl.String() + "/" + strings.Join(escaped, "/")
}

// request describes one call. Value and resourceType feed the typed errors returned on failure.
type request struct {
	operation    string
	method       string
	url          string
	query        url.Values
	body         interface{}
	content      io.Reader
	contentType  string
	headers      map[string]string
	resourceType string
	value        string

	// Signed urls carry their own credentials, the bearer token must not be sent.
	anonymous bool
}

// do sends the request and decodes a JSON response into out, if out is not nil. It returns
// (false, nil) for 204 No Content.
func (c *httpClient) do(ctx context.Context, r request, out interface{}) (bool, error) {
	var body interface{}
	contentType := r.contentType
	switch {
	case r.content != nil:
		body = r.content
		if contentType == "" {
			contentType = "application/octet-stream"
		}
	case r.body != nil:
		encoded, err := json.Marshal(r.body)
		if err != nil {
			return false, errors.WithStack(err)
		}
		body = encoded
		contentType = "application/json"
	}

	target := r.url
	if len(r.query) > 0 {
		separator := "?"
		if strings.Contains(target, "?") {
			separator = "&"
		}
		target += separator + r.query.Encode()
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, r.method, target, body)
	if err != nil {
		return false, errors.WithStack(err)
	}
	if c.token != "" && !r.anonymous {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for name, value := range r.headers {
		req.Header.Set(name, value)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false, errors.Wrapf(err, "%s failed", r.operation)
	}
	defer util.CloseResource(r.operation+" response", resp.Body)

	if resp.StatusCode == http.StatusTooManyRequests {
		c.reportThrottling(retryAfter(resp))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		message, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return false, runnererrors.FromHttpStatus(r.operation, r.resourceType, r.value, resp.StatusCode, strings.TrimSpace(string(message)))
	}
	if resp.StatusCode == http.StatusNoContent {
		return false, nil
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return true, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return true, errors.Wrapf(err, "failed to decode %s response", r.operation)
	}
	return true, nil
}

func retryAfter(resp *http.Response) time.Duration {
	var seconds int64
	if _, err := fmt.Sscanf(resp.Header.Get("Retry-After"), "%d", &seconds); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return 0
}

// leveledLogger routes retryablehttp's logging through logrus.
type leveledLogger struct {
	entry *log.Entry
}

func (l *leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(fields(keysAndValues)).Error(msg)
}

func (l *leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(fields(keysAndValues)).Debug(msg)
}

func (l *leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(fields(keysAndValues)).Debug(msg)
}

func (l *leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(fields(keysAndValues)).Warn(msg)
}

func fields(keysAndValues []interface{}) log.Fields {
	result := log.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		result[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return result
}
