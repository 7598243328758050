package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/roach88/vaultsync/internal/ir"
	"github.com/roach88/vaultsync/internal/vclock"
)

// Peer is the remote end of a sync session.
type Peer interface {
	// Pull asks the peer for the next batch of records newer than since.
	// The returned batch has already been verified.
	Pull(ctx context.Context, address string, since vclock.Clock, limit int) (ir.Batch, error)
}

// HTTPPeer pulls batches from other terminals over HTTP.
type HTTPPeer struct {
	nodeID     string
	signer     *ir.Signer
	httpClient *http.Client
	timeout    time.Duration
	compress   bool
	logger     *slog.Logger
}

// PeerOption configures an HTTPPeer.
type PeerOption func(*HTTPPeer)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) PeerOption {
	return func(p *HTTPPeer) { p.httpClient = c }
}

// WithSigner verifies record signatures with s.
func WithSigner(s *ir.Signer) PeerOption {
	return func(p *HTTPPeer) { p.signer = s }
}

// WithTimeout bounds one pull. Zero disables the per-pull timeout.
func WithTimeout(d time.Duration) PeerOption {
	return func(p *HTTPPeer) { p.timeout = d }
}

// WithCompression toggles requesting snappy responses.
func WithCompression(on bool) PeerOption {
	return func(p *HTTPPeer) { p.compress = on }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) PeerOption {
	return func(p *HTTPPeer) { p.logger = l }
}

// NewHTTPPeer creates a client that identifies itself as nodeID.
func NewHTTPPeer(nodeID string, opts ...PeerOption) *HTTPPeer {
	p := &HTTPPeer{
		nodeID:     nodeID,
		httpClient: &http.Client{},
		timeout:    30 * time.Second,
		compress:   true,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// BaseURL turns a roster address (host:port or URL) into a base URL.
func BaseURL(address string) string {
	address = strings.TrimRight(address, "/")
	if strings.HasPrefix(address, "http://") || strings.HasPrefix(address, "https://") {
		return address
	}
	return "http://" + address
}

// Pull implements Peer.
func (p *HTTPPeer) Pull(ctx context.Context, address string, since vclock.Clock, limit int) (ir.Batch, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	data, err := json.Marshal(ir.PushRequest{
		SinceVectorClock: since,
		RequesterNodeID:  p.nodeID,
		Limit:            ClampLimit(limit),
	})
	if err != nil {
		return ir.Batch{}, ir.NewSerializationError("encode push request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, BaseURL(address)+"/api/sync/push", bytes.NewReader(data))
	if err != nil {
		return ir.Batch{}, ir.NewPeerUnreachable(address, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.compress {
		req.Header.Set("Accept-Encoding", EncodingSnappy)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return ir.Batch{}, transportError(ctx, address, err)
	}
	defer resp.Body.Close()

	body, err := ReadBody(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return ir.Batch{}, transportError(ctx, address, err)
	}

	if resp.StatusCode != http.StatusOK {
		return ir.Batch{}, statusError(address, resp.StatusCode, body)
	}

	var batch ir.Batch
	if err := json.Unmarshal(body, &batch); err != nil {
		// A body that does not decode is treated like a corrupted one.
		return ir.Batch{}, ir.NewChecksumMismatch(fmt.Sprintf("decode batch from %s: %v", address, err))
	}
	if err := Verify(batch, p.signer); err != nil {
		return ir.Batch{}, err
	}

	p.logger.Debug("pulled batch",
		"peer_id", batch.SenderNodeID,
		"count", len(batch.Records),
		"has_more", batch.HasMore)
	return batch, nil
}

func transportError(ctx context.Context, address string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ir.NewSyncError(ir.ErrCodeSessionTimeout, "pull from "+address, err)
	}
	return ir.NewPeerUnreachable(address, err)
}

// statusError maps a non-200 response back into the taxonomy. Server-side
// failures count as the peer being unreachable for this session.
func statusError(address string, status int, body []byte) error {
	var eb ErrorBody
	if json.Unmarshal(body, &eb) == nil && eb.Code != "" && status < 500 {
		return ir.NewSyncError(eb.Code, fmt.Sprintf("peer %s: %s", address, eb.Message), nil)
	}
	msg := strings.TrimSpace(string(body))
	if eb.Message != "" {
		msg = eb.Message
	}
	return ir.NewPeerUnreachable(address, fmt.Errorf("unexpected status %d: %s", status, msg))
}
