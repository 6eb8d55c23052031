package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gate-fs/gate/internal/cli/health"
)

// Client calls a broker Server over HTTP. It is deliberately unauthenticated
// (spec's access-control Non-goal): the broker trusts whatever process can
// reach its listener, which is why a Unix-domain socket under a
// restrictively-permissioned state directory is the preferred transport.
//
// Adapted from the teacher's pkg/apiclient do/get/post helper pattern, with
// the token/auth plumbing dropped.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient dials addr (host:port) over TCP.
func NewHTTPClient(addr string) *Client {
	return &Client{
		baseURL:    "http://" + addr,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// NewUnixSocketClient dials a Unix-domain socket at socketPath, the
// performance-preferred transport named in spec §6.
func NewUnixSocketClient(socketPath string) *Client {
	return &Client{
		baseURL: "http://unix",
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reqBody *bytes.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(buf)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Cause: err}
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// TransportError wraps a network-level failure reaching the broker (spec's
// broker_unreachable/transport_error kinds).
type TransportError struct {
	Cause error
}

func (e *TransportError) Error() string { return fmt.Sprintf("broker unreachable: %v", e.Cause) }
func (e *TransportError) Unwrap() error { return e.Cause }

// Acquire sends an acquire request and returns the decoded response.
func (c *Client) Acquire(ctx context.Context, path, mode, owner string, requestID uint64, timeout time.Duration) (*Response, error) {
	req := Request{
		Op:               OpAcquire,
		Path:             path,
		Mode:             mode,
		Owner:            owner,
		RequestID:        requestID,
		AcquireTimeoutMS: timeout.Milliseconds(),
	}
	var resp Response
	if err := c.do(ctx, http.MethodPost, "/v1/acquire", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Release sends a release request.
func (c *Client) Release(ctx context.Context, path, owner string) (*Response, error) {
	req := Request{Op: OpRelease, Path: path, Owner: owner}
	var resp Response
	if err := c.do(ctx, http.MethodPost, "/v1/release", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Heartbeat sends a heartbeat request.
func (c *Client) Heartbeat(ctx context.Context, path, owner string) (*Response, error) {
	req := Request{Op: OpHeartbeat, Path: path, Owner: owner}
	var resp Response
	if err := c.do(ctx, http.MethodPost, "/v1/heartbeat", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health queries the broker's /health endpoint.
func (c *Client) Health(ctx context.Context) (*health.Response, error) {
	var resp health.Response
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status queries the broker's status for path (or every path, if path is
// empty).
func (c *Client) Status(ctx context.Context, path string) (*Response, error) {
	url := "/v1/status"
	if path != "" {
		url += "?path=" + path
	}
	var resp Response
	if err := c.do(ctx, http.MethodGet, url, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
