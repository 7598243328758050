package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/vaultsync/internal/conflict"
	"github.com/roach88/vaultsync/internal/discovery"
	"github.com/roach88/vaultsync/internal/exchange"
	"github.com/roach88/vaultsync/internal/ir"
	"github.com/roach88/vaultsync/internal/store"
	"github.com/roach88/vaultsync/internal/vclock"
)

// Config tunes the actor.
type Config struct {
	BatchSize          int
	SyncInterval       time.Duration // periodic SyncAll; zero disables
	MailboxSize        int
	MaxChecksumRetries int
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
}

// DefaultConfig returns the settings used when none are given.
func DefaultConfig() Config {
	return Config{
		BatchSize:          ir.MaxBatchSize,
		SyncInterval:       15 * time.Second,
		MailboxSize:        256,
		MaxChecksumRetries: 3,
		BackoffInitial:     time.Second,
		BackoffMax:         5 * time.Minute,
	}
}

// Engine is the sync actor handle. All exported methods are safe to call
// from any goroutine; they post commands to the mailbox and wait for the
// reply. Run must be called from exactly one goroutine at a time.
type Engine struct {
	store     *store.Store
	conflicts *conflict.Engine
	peer      exchange.Peer
	signer    *ir.Signer
	cfg       Config
	hub       *Hub
	metrics   *Metrics
	ids       ir.IDGenerator
	now       func() time.Time
	logger    *slog.Logger

	mailbox  chan command
	stopped  chan struct{}
	stopOnce sync.Once

	// Everything below is owned by the Run goroutine.
	runCtx     context.Context
	clock      vclock.Clock
	peers      map[string]*peerState
	sessions   map[string]*session
	lastSync   time.Time
	generation int
}

// testHookBeforeCommand, when set, runs ahead of every command.
var testHookBeforeCommand func(name string)

type peerState struct {
	peer         discovery.Peer
	session      string
	lastSync     time.Time
	lastError    string
	backoffUntil time.Time
	backoff      backoff.BackOff
}

type session struct {
	id      string
	peerID  string
	address string
	since   vclock.Clock
	started time.Time
	retries int
	result  SessionResult
	waiters []chan sessionReply
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig sets actor tuning.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithSigner verifies signatures on batches applied through ApplyRemoteBatch.
func WithSigner(s *ir.Signer) Option {
	return func(e *Engine) { e.signer = s }
}

// WithHub publishes events on h instead of a private hub.
func WithHub(h *Hub) Option {
	return func(e *Engine) { e.hub = h }
}

// WithMetrics records into m.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithIDGenerator overrides session ID generation.
func WithIDGenerator(g ir.IDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithNow overrides the wall clock.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates a sync actor. Nothing runs until Run is called.
func New(s *store.Store, conflicts *conflict.Engine, peer exchange.Peer, opts ...Option) *Engine {
	e := &Engine{
		store:     s,
		conflicts: conflicts,
		peer:      peer,
		cfg:       DefaultConfig(),
		ids:       ir.UUIDv7Generator{},
		now:       time.Now,
		logger:    slog.Default(),
		stopped:   make(chan struct{}),
		peers:     make(map[string]*peerState),
		sessions:  make(map[string]*session),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.hub == nil {
		e.hub = NewHub()
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(nil)
	}
	if e.cfg.MailboxSize < 1 {
		e.cfg.MailboxSize = 1
	}
	e.cfg.BatchSize = exchange.ClampLimit(e.cfg.BatchSize)
	e.mailbox = make(chan command, e.cfg.MailboxSize)
	return e
}

// Name identifies the actor to a supervisor.
func (e *Engine) Name() string {
	return "sync-actor"
}

// Hub returns the event hub.
func (e *Engine) Hub() *Hub {
	return e.hub
}

// Close stops accepting commands. Pending callers get ACTOR_UNAVAILABLE.
func (e *Engine) Close() {
	e.stopOnce.Do(func() {
		close(e.stopped)
		e.hub.Close()
	})
}

// Run processes the mailbox until ctx is cancelled. It returns an error
// only when a command panicked; the caller (a supervisor) is expected to
// call Run again, which resumes from the durable vector clock.
func (e *Engine) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := e.reload(runCtx); err != nil {
		return err
	}

	var tick <-chan time.Time
	if e.cfg.SyncInterval > 0 {
		ticker := time.NewTicker(e.cfg.SyncInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	e.logger.Info("sync actor running",
		"node_id", e.store.NodeID(),
		"vector_clock", e.clock.String(),
		"generation", e.generation)

	for {
		select {
		case <-ctx.Done():
			e.abortSessions(actorUnavailable("sync actor stopped", ctx.Err()))
			return nil
		case cmd := <-e.mailbox:
			e.metrics.mailboxDepth.Set(float64(len(e.mailbox)))
			if err := e.dispatch(cmd); err != nil {
				return err
			}
		case <-tick:
			if err := e.dispatch(&syncAllCmd{}); err != nil {
				return err
			}
		}
	}
}

// reload rebuilds actor state from the store. The roster survives because
// discovery only reports changes; sessions do not.
func (e *Engine) reload(ctx context.Context) error {
	clock, err := e.store.NodeClock(ctx)
	if err != nil {
		return fmt.Errorf("reload actor state: %w", err)
	}
	e.runCtx = ctx
	e.clock = clock
	e.sessions = make(map[string]*session)
	for _, ps := range e.peers {
		ps.session = ""
	}
	e.metrics.activeSessions.Set(0)

	e.generation++
	if e.generation > 1 {
		e.metrics.restarts.Inc()
		e.publish(Event{Type: EventActorRestarted, Count: e.generation - 1})
		e.logger.Warn("sync actor restarted", "vector_clock", clock.String(), "restarts", e.generation-1)
	}
	return nil
}

// dispatch runs one command. A panic answers the command with
// ACTOR_UNAVAILABLE, fails every session waiter, and is returned as an error.
func (e *Engine) dispatch(cmd command) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		e.logger.Error("sync actor command panicked",
			"command", cmd.name(),
			"panic", fmt.Sprint(r),
			"stack", string(debug.Stack()))
		unavailable := actorUnavailable(fmt.Sprintf("%s crashed", cmd.name()), nil)
		cmd.fail(unavailable)
		e.abortSessions(unavailable)
		err = fmt.Errorf("sync actor: %s panicked: %v", cmd.name(), r)
	}()

	if testHookBeforeCommand != nil {
		testHookBeforeCommand(cmd.name())
	}
	cmd.run(e)
	return nil
}

func (e *Engine) publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = e.now().UTC()
	}
	e.hub.Publish(ev)
}

func actorUnavailable(msg string, err error) error {
	return ir.NewSyncError(ir.ErrCodeActorUnavailable, msg, err)
}

// post delivers cmd to the mailbox, waiting for room.
func (e *Engine) post(ctx context.Context, cmd command) error {
	select {
	case <-e.stopped:
		return actorUnavailable("sync actor stopped", nil)
	default:
	}
	select {
	case e.mailbox <- cmd:
		e.metrics.mailboxDepth.Set(float64(len(e.mailbox)))
		return nil
	case <-e.stopped:
		return actorUnavailable("sync actor stopped", nil)
	case <-ctx.Done():
		return actorUnavailable("mailbox full", ctx.Err())
	}
}

// await waits for a command reply.
func await[T any](ctx context.Context, e *Engine, reply <-chan T) (T, error) {
	var zero T
	select {
	case r := <-reply:
		return r, nil
	case <-e.stopped:
		return zero, actorUnavailable("sync actor stopped", nil)
	case <-ctx.Done():
		return zero, actorUnavailable("no reply from sync actor", ctx.Err())
	}
}

// SyncWithPeer runs a full session with peerID and waits for it to finish.
// If a session with that peer is already running, the call joins it.
// Explicit syncs ignore the peer's backoff.
func (e *Engine) SyncWithPeer(ctx context.Context, peerID string) (SessionResult, error) {
	cmd := &syncPeerCmd{peerID: peerID, wait: true, reply: make(chan sessionReply, 1)}
	if err := e.post(ctx, cmd); err != nil {
		return SessionResult{}, err
	}
	r, err := await(ctx, e, cmd.reply)
	if err != nil {
		return SessionResult{}, err
	}
	return r.result, r.err
}

// StartSync starts (or joins) a session with peerID and returns its ID
// without waiting for it to finish.
func (e *Engine) StartSync(ctx context.Context, peerID string) (string, error) {
	cmd := &syncPeerCmd{peerID: peerID, reply: make(chan sessionReply, 1)}
	if err := e.post(ctx, cmd); err != nil {
		return "", err
	}
	r, err := await(ctx, e, cmd.reply)
	if err != nil {
		return "", err
	}
	return r.result.SessionID, r.err
}

// SyncAll starts a session with every peer not already syncing and not in
// backoff. Returns the IDs of the sessions started.
func (e *Engine) SyncAll(ctx context.Context) ([]string, error) {
	cmd := &syncAllCmd{reply: make(chan []string, 1)}
	if err := e.post(ctx, cmd); err != nil {
		return nil, err
	}
	return await(ctx, e, cmd.reply)
}

// ApplyRemoteBatch verifies and applies a batch in one transaction.
func (e *Engine) ApplyRemoteBatch(ctx context.Context, batch ir.Batch) (ApplyResult, error) {
	cmd := &applyBatchCmd{batch: batch, reply: make(chan applyReply, 1)}
	if err := e.post(ctx, cmd); err != nil {
		return ApplyResult{}, err
	}
	r, err := await(ctx, e, cmd.reply)
	if err != nil {
		return ApplyResult{}, err
	}
	return r.result, r.err
}

// Status returns a snapshot of sync state.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	cmd := &statusCmd{reply: make(chan statusReply, 1)}
	if err := e.post(ctx, cmd); err != nil {
		return Status{}, err
	}
	r, err := await(ctx, e, cmd.reply)
	if err != nil {
		return Status{}, err
	}
	return r.status, r.err
}

// ResolveConflict applies a manual resolution.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, strategy ir.Strategy, resolvedBy string) (ir.SyncConflict, error) {
	cmd := &resolveCmd{id: conflictID, strategy: strategy, by: resolvedBy, reply: make(chan resolveReply, 1)}
	if err := e.post(ctx, cmd); err != nil {
		return ir.SyncConflict{}, err
	}
	r, err := await(ctx, e, cmd.reply)
	if err != nil {
		return ir.SyncConflict{}, err
	}
	return r.conflict, r.err
}

// PeerChanged implements discovery.Sink. It blocks only while the mailbox
// is full.
func (e *Engine) PeerChanged(p discovery.Peer) {
	_ = e.post(context.Background(), &peerChangedCmd{peer: p})
}

func (e *Engine) newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.BackoffInitial
	b.MaxInterval = e.cfg.BackoffMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// sortedPeerIDs returns roster IDs in a stable order.
func (e *Engine) sortedPeerIDs() []string {
	ids := make([]string, 0, len(e.peers))
	for id := range e.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
