package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/roach88/vaultsync/internal/discovery"
	"github.com/roach88/vaultsync/internal/engine"
	"github.com/roach88/vaultsync/internal/exchange"
	"github.com/roach88/vaultsync/internal/ir"
)

// Client talks to a running node's API.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for addr (host:port or URL).
func NewClient(addr string) *Client {
	return &Client{base: exchange.BaseURL(addr), http: &http.Client{Timeout: 30 * time.Second}}
}

// Status fetches GET /api/sync/status.
func (c *Client) Status(ctx context.Context) (engine.Status, error) {
	var st engine.Status
	err := c.do(ctx, http.MethodGet, "/api/sync/status", nil, &st)
	return st, err
}

// Conflicts fetches conflicts in status ("pending", "resolved" or "all").
func (c *Client) Conflicts(ctx context.Context, status string) ([]ir.SyncConflict, error) {
	var list []ir.SyncConflict
	err := c.do(ctx, http.MethodGet, "/api/sync/conflicts?status="+status, nil, &list)
	return list, err
}

// Resolve posts a manual resolution.
func (c *Client) Resolve(ctx context.Context, req ResolveRequest) (ir.SyncConflict, error) {
	var out ir.SyncConflict
	err := c.do(ctx, http.MethodPost, "/api/sync/conflicts/resolve", req, &out)
	return out, err
}

// Pair registers a peer by node ID and address.
func (c *Client) Pair(ctx context.Context, req PairRequest) (discovery.Peer, error) {
	var out discovery.Peer
	err := c.do(ctx, http.MethodPost, "/api/sync/peers", req, &out)
	return out, err
}

// Trigger asks the node to sync with every eligible peer.
func (c *Client) Trigger(ctx context.Context) (TriggerResponse, error) {
	var out TriggerResponse
	err := c.do(ctx, http.MethodPost, "/api/sync/trigger", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return ir.NewPeerUnreachable(c.base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return ir.NewPeerUnreachable(c.base, err)
	}
	if resp.StatusCode >= 300 {
		var eb exchange.ErrorBody
		if json.Unmarshal(data, &eb) == nil && eb.Code != "" {
			return ir.NewSyncError(eb.Code, eb.Message, nil)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
