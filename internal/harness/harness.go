package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/roach88/vaultsync/internal/conflict"
	"github.com/roach88/vaultsync/internal/discovery"
	"github.com/roach88/vaultsync/internal/engine"
	"github.com/roach88/vaultsync/internal/exchange"
	"github.com/roach88/vaultsync/internal/ir"
	"github.com/roach88/vaultsync/internal/outbox"
	"github.com/roach88/vaultsync/internal/schema"
	"github.com/roach88/vaultsync/internal/store"
	"github.com/roach88/vaultsync/internal/testutil"
	"github.com/roach88/vaultsync/internal/vclock"
)

// epoch is where the shared fake clock starts.
var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// node is one terminal in a scenario.
type node struct {
	id     string
	store  *store.Store
	outbox *outbox.Outbox
	engine *engine.Engine
	done   chan struct{}
}

// Harness owns the nodes of one run.
type Harness struct {
	nodes    map[string]*node
	registry *schema.Registry
	clock    *testutil.FakeClock
	logger   *slog.Logger
	cancel   context.CancelFunc
}

// loopback is an exchange.Peer that pulls straight from another node's store.
// The requester's cursor is recorded as that node's ack, as the push
// endpoint does.
type loopback struct {
	self  string
	nodes map[string]*node
}

func (l loopback) Pull(ctx context.Context, address string, since vclock.Clock, limit int) (ir.Batch, error) {
	src, ok := l.nodes[address]
	if !ok {
		return ir.Batch{}, ir.NewPeerUnreachable(address, fmt.Errorf("no such node"))
	}
	if err := src.store.RecordPeerAck(ctx, l.self, since); err != nil {
		return ir.Batch{}, err
	}
	return exchange.BuildBatch(ctx, src.store, since, limit)
}

// Run executes a scenario and returns the result.
//
// Each node runs in a fresh in-memory database. An error is returned only
// when the harness itself cannot run; failed steps and assertions are
// reported in the Result.
func Run(scenario *Scenario) (*Result, error) {
	reg, err := schema.Load()
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}

	h := &Harness{
		nodes:    make(map[string]*node, len(scenario.Nodes)),
		registry: reg,
		clock:    testutil.NewFakeClock(epoch),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)), // Suppress logs in scenarios
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	defer h.close()

	if err := h.start(ctx, scenario); err != nil {
		return nil, err
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		h.clock.Advance(time.Second)
		h.execute(ctx, i+1, step, result)
	}

	for _, id := range scenario.Nodes {
		st, err := h.snapshot(ctx, h.nodes[id])
		if err != nil {
			return nil, fmt.Errorf("read final state of %s: %w", id, err)
		}
		result.State[id] = st
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) start(ctx context.Context, scenario *Scenario) error {
	cfg := engine.DefaultConfig()
	cfg.SyncInterval = 0
	if scenario.BatchSize > 0 {
		cfg.BatchSize = scenario.BatchSize
	}

	for _, id := range scenario.Nodes {
		st, err := store.Open(":memory:", store.WithNodeID(id), store.WithNow(h.clock.Now))
		if err != nil {
			return fmt.Errorf("failed to create in-memory store for %s: %w", id, err)
		}
		ids := testutil.NewSequenceGenerator(id)
		ob := outbox.New(
			outbox.WithValidator(h.registry),
			outbox.WithIDGenerator(ids),
			outbox.WithNow(h.clock.Now),
			outbox.WithLogger(h.logger))
		conflicts := conflict.New(h.registry, ob,
			conflict.WithIDGenerator(ids),
			conflict.WithNow(h.clock.Now),
			conflict.WithLogger(h.logger))
		eng := engine.New(st, conflicts, loopback{self: id, nodes: h.nodes},
			engine.WithConfig(cfg),
			engine.WithIDGenerator(ids),
			engine.WithNow(h.clock.Now),
			engine.WithLogger(h.logger))
		n := &node{id: id, store: st, outbox: ob, engine: eng, done: make(chan struct{})}
		h.nodes[id] = n
		go func() {
			defer close(n.done)
			_ = n.engine.Run(ctx)
		}()
	}

	for _, n := range h.nodes {
		for _, other := range scenario.Nodes {
			if other == n.id {
				continue
			}
			// Discovering peers are known but do not start sessions on their own.
			n.engine.PeerChanged(discovery.Peer{
				NodeID:   other,
				Address:  other,
				LastSeen: h.clock.Now(),
				Status:   discovery.StatusDiscovering,
			})
		}
	}
	return nil
}

func (h *Harness) close() {
	h.cancel()
	for _, n := range h.nodes {
		<-n.done
		n.engine.Close()
		n.store.Close()
	}
}

// execute runs one step and records it in the trace.
func (h *Harness) execute(ctx context.Context, index int, step Step, result *Result) {
	n := h.nodes[step.Node]
	ev := TraceEvent{Step: index, Action: step.Action, Node: step.Node, Peer: step.Peer, Entity: step.Entity}

	var err error
	switch step.Action {
	case ActionWrite:
		err = h.write(ctx, n, step)
	case ActionSync:
		var res engine.SessionResult
		res, err = n.engine.SyncWithPeer(ctx, step.Peer)
		ev.Records, ev.Applied, ev.Conflicts = res.Records, res.Applied, res.Conflicts
		if err == nil && step.Expect != nil {
			checkCount(result, index, "records", step.Expect.Records, res.Records)
			checkCount(result, index, "applied", step.Expect.Applied, res.Applied)
			checkCount(result, index, "conflicts", step.Expect.Conflicts, res.Conflicts)
		}
	case ActionResolve:
		err = h.resolve(ctx, n, step)
	}

	if err != nil {
		ev.Error = string(ir.CodeOf(err))
		if ev.Error == "" {
			ev.Error = err.Error()
		}
	}
	result.Trace = append(result.Trace, ev)

	switch {
	case step.ExpectError == "" && err != nil:
		result.AddError(fmt.Sprintf("step %d (%s on %s): %v", index, step.Action, step.Node, err))
	case step.ExpectError != "" && err == nil:
		result.AddError(fmt.Sprintf("step %d (%s on %s): expected error %s, got success", index, step.Action, step.Node, step.ExpectError))
	case step.ExpectError != "" && ev.Error != step.ExpectError:
		result.AddError(fmt.Sprintf("step %d (%s on %s): expected error %s, got %v", index, step.Action, step.Node, step.ExpectError, err))
	}
}

func checkCount(result *Result, index int, what string, want *int, got int) {
	if want != nil && *want != got {
		result.AddError(fmt.Sprintf("step %d: expected %d %s, got %d", index, *want, what, got))
	}
}

func (h *Harness) write(ctx context.Context, n *node, step Step) error {
	entityType, entityID, _ := splitEntity(step.Entity)
	payload, err := convertPayload(step.Payload)
	if err != nil {
		return err
	}

	repeat := max(step.Repeat, 1)
	for i := 1; i <= repeat; i++ {
		id := entityID
		obj := payload
		if step.Repeat > 0 {
			id = fmt.Sprintf("%s-%d", entityID, i)
			obj = payload.Clone()
			obj["id"] = ir.String(id)
		}
		err := n.store.WithTx(ctx, func(tx *store.Tx) error {
			_, err := n.outbox.Write(ctx, tx, entityType, id, ir.Operation(step.Op), obj)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (h *Harness) resolve(ctx context.Context, n *node, step Step) error {
	entityType, entityID, _ := splitEntity(step.Entity)
	strategy, err := ir.ParseStrategy(step.Strategy)
	if err != nil {
		return err
	}
	ids, err := n.store.PendingConflictsFor(ctx, entityType, entityID)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return ir.NewSyncError(ir.ErrCodeConflictNotFound, "no pending conflict on "+step.Entity, nil)
	}
	_, err = n.engine.ResolveConflict(ctx, ids[0], strategy, step.By)
	return err
}

// snapshot reads a node's final state.
func (h *Harness) snapshot(ctx context.Context, n *node) (NodeState, error) {
	clock, err := n.store.NodeClock(ctx)
	if err != nil {
		return NodeState{}, err
	}
	out := NodeState{Clock: clock, Entities: []EntityState{}, Conflicts: []ConflictState{}}

	for _, entityType := range h.registry.Types() {
		list, err := n.store.ListEntities(ctx, entityType)
		if err != nil {
			return NodeState{}, err
		}
		for _, e := range list {
			out.Entities = append(out.Entities, EntityState{Type: e.Type, ID: e.ID, State: e.State, Deleted: e.Deleted})
		}
	}

	conflicts, err := n.store.ListConflicts(ctx, "")
	if err != nil {
		return NodeState{}, err
	}
	for _, c := range conflicts {
		out.Conflicts = append(out.Conflicts, ConflictState{
			Entity:   c.EntityType + "/" + c.EntityID,
			Kind:     string(c.Kind),
			Status:   string(c.Status),
			Strategy: string(c.ResolutionStrategy),
		})
	}
	sort.SliceStable(out.Conflicts, func(i, j int) bool {
		return out.Conflicts[i].Entity < out.Conflicts[j].Entity
	})
	return out, nil
}

// convertPayload converts YAML-decoded values into a payload object.
func convertPayload(payload map[string]interface{}) (ir.Object, error) {
	if payload == nil {
		return ir.Object{}, nil
	}
	v, err := ir.FromGo(map[string]any(payload))
	if err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}
	return v.(ir.Object), nil
}
