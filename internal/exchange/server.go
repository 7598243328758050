package exchange

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/roach88/vaultsync/internal/vclock"
)

// AckRecorder remembers the clock a peer presented, for garbage collection.
// *store.Store implements it.
type AckRecorder interface {
	RecordPeerAck(ctx context.Context, nodeID string, clock vclock.Clock) error
}

// PushHandler serves POST /api/sync/push straight from the change log.
// It never goes through the sync actor: cutting a batch only reads.
type PushHandler struct {
	src    Source
	acks   AckRecorder
	logger *slog.Logger

	// OnServe, if set, is called after every batch served.
	OnServe func(requester string, records int)
}

// NewPushHandler creates the push endpoint. acks may be nil.
func NewPushHandler(src Source, acks AckRecorder, logger *slog.Logger) *PushHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PushHandler{src: src, acks: acks, logger: logger}
}

func (h *PushHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	req, err := DecodePushRequest(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	since := req.SinceVectorClock
	if since == nil {
		since = vclock.New()
	}

	ctx := r.Context()
	if h.acks != nil && req.RequesterNodeID != "" {
		// Everything dominated by since is held by the requester.
		if err := h.acks.RecordPeerAck(ctx, req.RequesterNodeID, since); err != nil {
			h.logger.Warn("record peer ack failed", "peer_id", req.RequesterNodeID, "error", err)
		}
	}

	batch, err := BuildBatch(ctx, h.src, since, req.Limit)
	if err != nil {
		WriteError(w, err)
		return
	}
	if err := WriteBatch(w, r, batch); err != nil {
		h.logger.Debug("write batch failed", "peer_id", req.RequesterNodeID, "error", err)
		return
	}

	h.logger.Debug("served batch",
		"peer_id", req.RequesterNodeID,
		"count", len(batch.Records),
		"has_more", batch.HasMore)
	if h.OnServe != nil {
		h.OnServe(req.RequesterNodeID, len(batch.Records))
	}
}
