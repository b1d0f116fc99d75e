// Package pulp is a client for the slice of the Pulp 3 HTTP API the manager
// drives: repositories, remotes, publications, distributions and the
// asynchronous task pattern behind every mutating call.
package pulp

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/pulp-ops/pulp-manager/pkg/api"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultReadTimeout    = 2 * time.Minute
	defaultPageSize       = 100
	defaultRetryMax       = 4
)

// Options configures a client for one pulp server.
type Options struct {
	// BaseURL is the scheme and host of the pulp API, e.g.
	// https://pulp-primary.example.com. Hrefs returned by pulp are rooted
	// paths and get resolved against it.
	BaseURL  string
	Username string
	Password string
	// ConnectTimeout and ReadTimeout come from the remotes config section.
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	// RootCAFile optionally adds a private CA to the system pool.
	RootCAFile string
	// PageSize caps collection pages when walking paginated listings.
	PageSize int
	// TaskPollInterval is the initial task poll backoff. Tests shrink it.
	TaskPollInterval time.Duration
}

// Client talks to a single pulp server with basic auth and retrying
// transport. Transport-level failures and exhausted retries surface as
// pulp_unreachable, non-2xx responses as *APIError with the body verbatim.
type Client struct {
	baseURL      string
	host         string
	username     string
	password     string
	pageSize     int
	pollInterval time.Duration
	client       *http.Client
}

func NewClient(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("a pulp base URL is required")
	}
	parsed, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid pulp base URL %q: %w", opts.BaseURL, err)
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = defaultReadTimeout
	}
	if opts.PageSize == 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.TaskPollInterval == 0 {
		opts.TaskPollInterval = taskPollInterval
	}

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: opts.ConnectTimeout}).DialContext,
		ResponseHeaderTimeout: opts.ReadTimeout,
	}
	if opts.RootCAFile != "" {
		raw, err := os.ReadFile(opts.RootCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read root CA file %q: %w", opts.RootCAFile, err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(raw) {
			return nil, fmt.Errorf("no certificates found in root CA file %q", opts.RootCAFile)
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pool}
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = defaultRetryMax
	retryClient.Logger = adapter{}
	retryClient.HTTPClient = &http.Client{Transport: transport}

	return &Client{
		baseURL:      strings.TrimSuffix(opts.BaseURL, "/"),
		host:         parsed.Host,
		username:     opts.Username,
		password:     opts.Password,
		pageSize:     opts.PageSize,
		pollInterval: opts.TaskPollInterval,
		client:       retryClient.StandardClient(),
	}, nil
}

type adapter struct{}

func (a adapter) format(s string, i ...interface{}) string {
	builder := strings.Builder{}
	builder.WriteString(s)
	for _, x := range i {
		builder.WriteString(" ")
		builder.WriteString(fmt.Sprintf("%v", x))
	}
	return builder.String()
}

func (a adapter) Error(s string, i ...interface{}) {
	logrus.Error(a.format(s, i...))
}

func (a adapter) Info(s string, i ...interface{}) {
	logrus.Info(a.format(s, i...))
}

func (a adapter) Debug(s string, i ...interface{}) {
	logrus.Debug(a.format(s, i...))
}

func (a adapter) Warn(s string, i ...interface{}) {
	logrus.Warn(a.format(s, i...))
}

var _ retryablehttp.LeveledLogger = adapter{}

// APIError is a non-2xx answer from pulp. The body is kept verbatim so task
// submission failures can be recorded unmodified.
type APIError struct {
	StatusCode int
	Method     string
	URL        string
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("pulp returned %d for %s %s: %s", e.StatusCode, e.Method, e.URL, string(e.Body))
}

// IsStatus reports whether err is an *APIError with the given status code.
func IsStatus(err error, code int) bool {
	apiErr := &APIError{}
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

func (c *Client) url(path string) string {
	// Pagination "next" links come back as absolute URLs, hrefs as paths.
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.baseURL + path
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body for %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(path), reader)
	if err != nil {
		return nil, fmt.Errorf("failed to construct request for %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, api.TagErrorf(api.ErrorPulpUnreachable, "%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, api.TagErrorf(api.ErrorPulpUnreachable, "failed to read response body for %s %s: %v", method, path, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &APIError{StatusCode: resp.StatusCode, Method: method, URL: c.url(path), Body: payload}
	}
	return payload, nil
}

func (c *Client) get(ctx context.Context, path string, into interface{}) error {
	payload, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, into); err != nil {
		return fmt.Errorf("failed to unmarshal response for GET %s: %w", path, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body, into interface{}) error {
	payload, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	if into == nil {
		return nil
	}
	if err := json.Unmarshal(payload, into); err != nil {
		return fmt.Errorf("failed to unmarshal response for POST %s: %w", path, err)
	}
	return nil
}

// submit issues a mutating call that pulp answers with a task pointer and
// returns the task href for the caller to await.
func (c *Client) submit(ctx context.Context, method, path string, body interface{}) (string, error) {
	payload, err := c.do(ctx, method, path, body)
	if err != nil {
		return "", err
	}
	var pointer struct {
		Task string `json:"task"`
	}
	if err := json.Unmarshal(payload, &pointer); err != nil {
		return "", fmt.Errorf("failed to unmarshal task pointer for %s %s: %w", method, path, err)
	}
	if pointer.Task == "" {
		return "", fmt.Errorf("%s %s did not return a task href, got: %s", method, path, string(payload))
	}
	return pointer.Task, nil
}

type listPage struct {
	Count    int               `json:"count"`
	Next     *string           `json:"next"`
	Previous *string           `json:"previous"`
	Results  []json.RawMessage `json:"results"`
}

// getAll walks a paginated collection and invokes visit for every result.
func (c *Client) getAll(ctx context.Context, path string, visit func(json.RawMessage) error) error {
	next := c.withPageSize(path)
	for {
		var page listPage
		if err := c.get(ctx, next, &page); err != nil {
			return err
		}
		for _, result := range page.Results {
			if err := visit(result); err != nil {
				return err
			}
		}
		if page.Next == nil || *page.Next == "" {
			return nil
		}
		next = *page.Next
	}
}

func (c *Client) withPageSize(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%slimit=%d", path, sep, c.pageSize)
}

// Status describes the pulp server itself, used as a reachability and
// version probe when a session is opened.
type Status struct {
	DatabaseConnection struct {
		Connected bool `json:"connected"`
	} `json:"database_connection"`
	Versions []ComponentVersion `json:"versions"`
}

type ComponentVersion struct {
	Component string `json:"component"`
	Version   string `json:"version"`
}

func (c *Client) Status(ctx context.Context) (*Status, error) {
	var status Status
	if err := c.get(ctx, apiRoot+"status/", &status); err != nil {
		return nil, err
	}
	return &status, nil
}
