package engine

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/vaultsync/internal/conflict"
	"github.com/roach88/vaultsync/internal/exchange"
	"github.com/roach88/vaultsync/internal/ir"
	"github.com/roach88/vaultsync/internal/store"
)

// SessionResult summarizes one finished sync session.
type SessionResult struct {
	SessionID string        `json:"session_id"`
	PeerID    string        `json:"peer_id"`
	Batches   int           `json:"batches"`
	Records   int           `json:"records"`
	Applied   int           `json:"applied"`
	Conflicts int           `json:"conflicts"`
	Duration  time.Duration `json:"duration"`
}

// ApplyResult counts what happened to the records of one batch.
type ApplyResult struct {
	Received     int      `json:"received"`
	Applied      int      `json:"applied"`
	Duplicates   int      `json:"duplicates"`
	Discarded    int      `json:"discarded"`
	Conflicts    int      `json:"conflicts"`
	AutoResolved int      `json:"auto_resolved"`
	ConflictIDs  []string `json:"conflict_ids,omitempty"`
}

func (r *ApplyResult) add(res conflict.Result) {
	r.Received++
	switch res.Outcome {
	case conflict.Duplicate:
		r.Duplicates++
	case conflict.Discarded:
		r.Discarded++
	case conflict.Applied:
		r.Applied++
	case conflict.Conflicted:
		r.Conflicts++
		r.ConflictIDs = append(r.ConflictIDs, res.ConflictID)
	case conflict.AutoResolved:
		r.Applied++
		r.Conflicts++
		r.AutoResolved++
		r.ConflictIDs = append(r.ConflictIDs, res.ConflictID)
	}
}

// startSession opens a session with peerID, or returns the one already
// running. Automatic starts respect the peer's backoff; explicit ones do not.
func (e *Engine) startSession(peerID string, explicit bool) (*session, error) {
	ps, ok := e.peers[peerID]
	if !ok {
		return nil, ir.NewPeerUnreachable(peerID, fmt.Errorf("not in roster"))
	}
	if s, running := e.sessions[ps.session]; running {
		return s, nil
	}
	now := e.now()
	if !explicit && now.Before(ps.backoffUntil) {
		return nil, fmt.Errorf("peer %s in backoff until %s", peerID, ps.backoffUntil.Format(time.RFC3339))
	}

	// Writes from collaborators bypass the actor, so the cursor comes from
	// the durable clock rather than the cached one.
	clock, err := e.store.NodeClock(e.runCtx)
	if err != nil {
		return nil, err
	}
	e.clock = clock

	s := &session{
		id:      e.ids.Generate(),
		peerID:  peerID,
		address: ps.peer.Address,
		since:   clock.Clone(),
		started: now,
	}
	s.result.SessionID = s.id
	s.result.PeerID = peerID
	e.sessions[s.id] = s
	ps.session = s.id
	e.metrics.activeSessions.Set(float64(len(e.sessions)))

	e.publish(Event{Type: EventSessionStarted, PeerID: peerID, SessionID: s.id})
	e.logger.Info("sync session started",
		"peer", peerID,
		"session_id", s.id,
		"since", clock.String())
	e.fetch(s)
	return s, nil
}

// fetch pulls the next batch off the actor goroutine and posts the result
// back. Results for sessions that no longer exist are dropped on arrival.
func (e *Engine) fetch(s *session) {
	ctx := e.runCtx
	id, address, since, limit := s.id, s.address, s.since.Clone(), e.cfg.BatchSize
	go func() {
		batch, err := e.peer.Pull(ctx, address, since, limit)
		var msg command
		if err != nil {
			msg = &fetchFailedCmd{sessionID: id, err: err}
		} else {
			msg = &batchFetchedCmd{sessionID: id, batch: batch}
		}
		select {
		case e.mailbox <- msg:
		case <-ctx.Done():
		}
	}()
}

func (e *Engine) onBatch(sessionID string, batch ir.Batch) {
	s, ok := e.sessions[sessionID]
	if !ok {
		e.logger.Debug("dropping batch for finished session", "session_id", sessionID)
		return
	}

	res, err := e.applyBatch(batch)
	if err != nil {
		if isIntegrityError(err) {
			e.retryOrFail(s, err)
			return
		}
		e.failSession(s, err)
		return
	}

	s.retries = 0
	s.since = s.since.Merge(batch.Clock())
	s.result.Batches++
	s.result.Records += res.Received
	s.result.Applied += res.Applied
	s.result.Conflicts += res.Conflicts

	e.publish(Event{
		Type:      EventBatchApplied,
		PeerID:    s.peerID,
		SessionID: s.id,
		Count:     res.Received,
	})

	// An empty batch claiming more would loop forever on the same cursor.
	if batch.HasMore && len(batch.Records) > 0 {
		e.fetch(s)
		return
	}
	e.completeSession(s)
}

func (e *Engine) onFetchFailed(sessionID string, err error) {
	s, ok := e.sessions[sessionID]
	if !ok {
		return
	}
	if isIntegrityError(err) {
		e.metrics.checksumFailures.Inc()
		e.retryOrFail(s, err)
		return
	}
	e.failSession(s, err)
}

func isIntegrityError(err error) bool {
	return ir.IsCode(err, ir.ErrCodeChecksumMismatch) || ir.IsCode(err, ir.ErrCodeSignatureInvalid)
}

// retryOrFail re-requests the same batch after an integrity failure, up to
// MaxChecksumRetries times in a row.
func (e *Engine) retryOrFail(s *session, err error) {
	s.retries++
	if s.retries > e.cfg.MaxChecksumRetries {
		e.failSession(s, err)
		return
	}
	e.logger.Warn("batch rejected, retrying",
		"peer", s.peerID,
		"session_id", s.id,
		"attempt", s.retries,
		"error", err)
	e.fetch(s)
}

// applyBatch verifies a batch and applies every record in one transaction.
// Nothing is written when verification or any record fails.
func (e *Engine) applyBatch(batch ir.Batch) (ApplyResult, error) {
	if err := exchange.Verify(batch, e.signer); err != nil {
		e.metrics.checksumFailures.Inc()
		return ApplyResult{}, err
	}

	ctx := e.runCtx
	var (
		res     ApplyResult
		details []conflict.Result
	)
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		for _, rec := range batch.Records {
			r, err := e.conflicts.Apply(ctx, tx, rec)
			if err != nil {
				return fmt.Errorf("apply %s: %w", rec.ID, err)
			}
			res.add(r)
			details = append(details, r)
		}
		return nil
	})
	if err != nil {
		return ApplyResult{}, err
	}

	e.clock = e.clock.Merge(batch.Clock())
	e.metrics.batches.Inc()
	for i, r := range details {
		e.metrics.records.WithLabelValues(r.Outcome.String()).Inc()
		rec := batch.Records[i]
		for _, id := range r.Superseded {
			e.publish(Event{
				Type:       EventConflictResolved,
				PeerID:     rec.OriginNode,
				ConflictID: id,
				EntityType: rec.EntityType,
				EntityID:   rec.EntityID,
				Strategy:   string(ir.RemoteWins),
			})
		}
		if r.ConflictID == "" {
			continue
		}
		e.metrics.conflicts.WithLabelValues(string(r.Kind)).Inc()
		e.publish(Event{
			Type:       EventConflictDetected,
			PeerID:     rec.OriginNode,
			ConflictID: r.ConflictID,
			EntityType: rec.EntityType,
			EntityID:   rec.EntityID,
			Kind:       string(r.Kind),
			Strategy:   string(r.Strategy),
		})
		if r.Outcome == conflict.AutoResolved {
			e.publish(Event{
				Type:       EventConflictResolved,
				ConflictID: r.ConflictID,
				EntityType: rec.EntityType,
				EntityID:   rec.EntityID,
				Kind:       string(r.Kind),
				Strategy:   string(r.Strategy),
			})
		}
	}
	e.logger.Debug("batch applied",
		"sender", batch.SenderNodeID,
		"received", res.Received,
		"applied", res.Applied,
		"duplicates", res.Duplicates,
		"conflicts", res.Conflicts)
	return res, nil
}

func (e *Engine) endSession(s *session) *peerState {
	delete(e.sessions, s.id)
	e.metrics.activeSessions.Set(float64(len(e.sessions)))
	ps := e.peers[s.peerID]
	if ps != nil && ps.session == s.id {
		ps.session = ""
	}
	return ps
}

func (e *Engine) completeSession(s *session) {
	ps := e.endSession(s)
	now := e.now()
	s.result.Duration = now.Sub(s.started)
	if ps != nil {
		ps.lastSync = now
		ps.lastError = ""
		ps.backoffUntil = time.Time{}
		ps.backoff.Reset()
	}
	e.lastSync = now

	e.metrics.sessions.WithLabelValues("completed").Inc()
	e.metrics.sessionDuration.Observe(s.result.Duration.Seconds())
	e.publish(Event{
		Type:      EventSessionCompleted,
		PeerID:    s.peerID,
		SessionID: s.id,
		Count:     s.result.Records,
	})
	e.logger.Info("sync session completed",
		"peer", s.peerID,
		"session_id", s.id,
		"batches", s.result.Batches,
		"records", s.result.Records,
		"conflicts", s.result.Conflicts,
		"duration", s.result.Duration)
	reply(s.waiters, sessionReply{result: s.result})
}

// failSession ends a session with err and pushes the peer's next automatic
// attempt out by its backoff.
func (e *Engine) failSession(s *session, err error) {
	ps := e.endSession(s)
	if ps != nil {
		ps.lastError = err.Error()
		if delay := ps.backoff.NextBackOff(); delay != backoff.Stop {
			ps.backoffUntil = e.now().Add(delay)
		}
	}

	e.metrics.sessions.WithLabelValues("failed").Inc()
	e.publish(Event{
		Type:      EventSessionFailed,
		PeerID:    s.peerID,
		SessionID: s.id,
		Error:     err.Error(),
	})
	e.logger.Warn("sync session failed",
		"peer", s.peerID,
		"session_id", s.id,
		"code", string(ir.CodeOf(err)),
		"error", err)
	reply(s.waiters, sessionReply{result: s.result, err: err})
}

// abortSessions drops every session without touching peer backoff.
func (e *Engine) abortSessions(err error) {
	for _, s := range e.sessions {
		e.endSession(s)
		e.metrics.sessions.WithLabelValues("aborted").Inc()
		reply(s.waiters, sessionReply{result: s.result, err: err})
	}
}

func reply(waiters []chan sessionReply, r sessionReply) {
	for _, w := range waiters {
		select {
		case w <- r:
		default:
		}
	}
}
