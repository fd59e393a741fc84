// Package client talks to a Seafile server over its web API and implements
// remote.Store for one library.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/dongsupark/seafile-fuse-client/internal/logging"
	"github.com/dongsupark/seafile-fuse-client/internal/metrics"
	"github.com/dongsupark/seafile-fuse-client/pkg/protocol"
	"github.com/dongsupark/seafile-fuse-client/pkg/remote"
	"github.com/dongsupark/seafile-fuse-client/pkg/retry"
)

// Client is a Seafile API client bound to one library.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	retryConfig retry.Config

	mu        sync.RWMutex
	online    bool
	lastPing  time.Time
	authToken string
	repo      string
}

// Config holds client configuration.
type Config struct {
	BaseURL string
	// Timeout bounds every HTTP request.
	Timeout time.Duration
	// RetryConfig applies to calls the filesystem core does not retry
	// itself: mkdir, delete and rename.
	RetryConfig retry.Config
	AuthToken   string
	Repo        string
}

var errRangeNotSatisfiable = errors.New("range not satisfiable")

var (
	_ remote.Store        = (*Client)(nil)
	_ remote.RangeFetcher = (*Client)(nil)
	_ remote.BlockChecker = (*Client)(nil)
)

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}

	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		retryConfig: cfg.RetryConfig,
		online:      true,
		authToken:   cfg.AuthToken,
		repo:        cfg.Repo,
	}
}

// SetAuthToken sets the API token for requests.
func (c *Client) SetAuthToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authToken = token
}

// SetRepo selects the library the Store methods operate on.
func (c *Client) SetRepo(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.repo = id
}

// Repo returns the selected library id.
func (c *Client) Repo() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.repo
}

// IsOnline returns true if the server answered the last request.
func (c *Client) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online != online {
		if online {
			logging.Info("server is back online", logging.String("server", c.baseURL))
		} else {
			logging.Error("server is offline", logging.String("server", c.baseURL))
		}
	}
	c.online = online
	c.lastPing = time.Now()
}

// LastContact returns when the server last answered or failed a request.
func (c *Client) LastContact() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPing
}

// Ping checks that the server is reachable and the token is accepted.
func (c *Client) Ping(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/api2/auth/ping/", nil, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req, "ping")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// ListRepos lists the libraries visible to the user.
func (c *Client) ListRepos(ctx context.Context) ([]protocol.Repo, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api2/repos/", nil, nil)
	if err != nil {
		return nil, err
	}
	var repos []protocol.Repo
	if err := c.doJSON(req, "list_repos", &repos); err != nil {
		return nil, err
	}
	return repos, nil
}

// SelectRepo picks the library with the given id, or the first library
// when id is empty, and binds the client to it.
func (c *Client) SelectRepo(ctx context.Context, id string) (protocol.Repo, error) {
	repos, err := c.ListRepos(ctx)
	if err != nil {
		return protocol.Repo{}, err
	}
	for _, r := range repos {
		if id == "" || r.ID == id {
			c.SetRepo(r.ID)
			return r, nil
		}
	}
	if id == "" {
		return protocol.Repo{}, fmt.Errorf("no libraries: %w", remote.ErrNotFound)
	}
	return protocol.Repo{}, fmt.Errorf("library %s: %w", id, remote.ErrNotFound)
}

// newRequest builds an authenticated API request for path on the server.
func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")
	c.mu.RLock()
	if c.authToken != "" {
		req.Header.Set("Authorization", "Token "+c.authToken)
	}
	c.mu.RUnlock()
	return req, nil
}

// repoPath returns the API path of suffix within the selected library.
func (c *Client) repoPath(suffix string) (string, error) {
	repo := c.Repo()
	if repo == "" {
		return "", errors.New("no library selected")
	}
	return "/api2/repos/" + repo + suffix, nil
}

// do sends req and maps transport failures and error statuses to remote
// error kinds. On success the caller owns the response body.
func (c *Client) do(req *http.Request, op string) (*http.Response, error) {
	reqID := uuid.NewString()
	req.Header.Set("X-Request-ID", reqID)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordRemoteRequest(op, time.Since(start), false)
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s: %w", op, ctxErr)
		}
		c.setOnline(false)
		return nil, retry.Retryable(fmt.Errorf("%s: %w: %w", op, remote.ErrNetwork, err))
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	metrics.RecordRemoteRequest(op, time.Since(start), ok)
	logging.Debug("remote request",
		logging.String("op", op),
		logging.String("request_id", reqID),
		logging.Int("status", resp.StatusCode),
		logging.Duration("duration", time.Since(start)))
	if ok {
		c.setOnline(true)
		return resp, nil
	}
	defer resp.Body.Close()
	return nil, c.statusError(op, resp)
}

func (c *Client) statusError(op string, resp *http.Response) error {
	var msg string
	var errResp protocol.ErrorResponse
	if r, err := body(resp); err == nil {
		data, _ := io.ReadAll(io.LimitReader(r, 4096))
		if json.Unmarshal(data, &errResp) == nil && errResp.Message() != "" {
			msg = errResp.Message()
		} else {
			msg = strings.TrimSpace(string(data))
		}
	}

	code := resp.StatusCode
	if code >= 500 || code == http.StatusTooManyRequests {
		c.setOnline(false)
		return retry.Retryable(fmt.Errorf("%s: server returned %d: %w", op, code, remote.ErrNetwork))
	}
	c.setOnline(true)

	var kind error
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden, 440:
		kind = remote.ErrPermissionDenied
	case http.StatusNotFound:
		kind = remote.ErrNotFound
	case http.StatusConflict:
		kind = remote.ErrAlreadyExists
	case http.StatusRequestedRangeNotSatisfiable:
		kind = errRangeNotSatisfiable
	default:
		if msg != "" {
			return fmt.Errorf("%s: server returned %d: %s", op, code, msg)
		}
		return fmt.Errorf("%s: server returned %d", op, code)
	}
	if msg != "" {
		return fmt.Errorf("%s: %s: %w", op, msg, kind)
	}
	return fmt.Errorf("%s: %w", op, kind)
}

// doJSON sends req and decodes a JSON response into v.
func (c *Client) doJSON(req *http.Request, op string, v interface{}) error {
	resp, err := c.do(req, op)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	r, err := body(resp)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer r.Close()
	if err := json.NewDecoder(r).Decode(v); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// body returns the decoded response body.
func body(resp *http.Response) (io.ReadCloser, error) {
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		return &gzipReadCloser{gr: gr, body: resp.Body}, nil
	}
	return resp.Body, nil
}

type gzipReadCloser struct {
	gr   *gzip.Reader
	body io.ReadCloser
}

func (g *gzipReadCloser) Read(p []byte) (int, error) {
	return g.gr.Read(p)
}

func (g *gzipReadCloser) Close() error {
	g.gr.Close()
	return g.body.Close()
}
