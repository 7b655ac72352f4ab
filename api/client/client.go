// Package client is a Go client for the quiesced HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/containerd/errdefs/pkg/errhttp"

	api "github.com/spin-stack/quiesce/api/quiesce/v1"
)

// Client talks to a quiesced daemon over its unix socket. CPU sets are
// passed in cpulist format ("0-2,5"); validation happens daemon-side.
type Client struct {
	httpc *http.Client
}

// New returns a client for the daemon listening on socketPath.
func New(socketPath string) *Client {
	return &Client{
		httpc: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
			Timeout: 30 * time.Second,
		},
	}
}

// Ping checks daemon liveness and returns its version.
func (c *Client) Ping(ctx context.Context) (string, error) {
	var resp api.PingResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/ping", nil, &resp); err != nil {
		return "", err
	}
	return resp.Version, nil
}

// Halt asks the daemon to halt cpus on behalf of holder.
func (c *Client) Halt(ctx context.Context, holder, cpus string) (*api.CpusResponse, error) {
	return c.cpusOp(ctx, "/api/v1/cpus.halt", holder, cpus)
}

// Resume asks the daemon to release holder's hold on cpus.
func (c *Client) Resume(ctx context.Context, holder, cpus string) (*api.CpusResponse, error) {
	return c.cpusOp(ctx, "/api/v1/cpus.resume", holder, cpus)
}

// Status returns the per-CPU state and the outstanding holds.
func (c *Client) Status(ctx context.Context) (*api.StatusResponse, error) {
	var resp api.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/cpus.status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) cpusOp(ctx context.Context, path, holder, cpus string) (*api.CpusResponse, error) {
	var resp api.CpusResponse
	err := c.do(ctx, http.MethodPut, path, &api.CpusRequest{Holder: holder, Cpus: cpus}, &resp)
	if err != nil {
		// The body still carries the partial outcome on failure.
		return &resp, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, req, resp any) error {
	var body io.Reader
	if req != nil {
		data, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	// The host in the URL is ignored; the transport always dials the
	// unix socket.
	httpReq, err := http.NewRequestWithContext(ctx, method, "http://localhost"+path, body)
	if err != nil {
		return err
	}
	if req != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := c.httpc.Do(httpReq)
	if err != nil {
		return fmt.Errorf("quiesced request failed: %w", err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp != nil && len(data) > 0 {
		if err := json.Unmarshal(data, resp); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	if httpResp.StatusCode >= http.StatusBadRequest {
		msg := httpResp.Status
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return fmt.Errorf("%s: %w", msg, errhttp.ToNative(httpResp.StatusCode))
	}
	return nil
}
