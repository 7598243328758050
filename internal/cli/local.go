package cli

import (
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roach88/vaultsync/internal/ir"
	"github.com/roach88/vaultsync/internal/store"
	"github.com/roach88/vaultsync/internal/vclock"
)

// LocalOptions holds flags for commands that open the database directly.
type LocalOptions struct {
	*RootOptions
	Database string
}

func (o *LocalOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.Database, "db", "", "path to SQLite database (default from config)")
}

// openStore opens --db, or the configured database when --db is empty.
func (o *LocalOptions) openStore() (*store.Store, error) {
	path := o.Database
	if path == "" {
		cfg, err := o.loadConfig()
		if err != nil {
			return nil, err
		}
		path = cfg.DatabasePath()
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

// NodeInfo is the output of the node command.
type NodeInfo struct {
	NodeID           string                  `json:"node_id"`
	VectorClock      vclock.Clock            `json:"vector_clock"`
	ChangeLogSize    int                     `json:"change_log_size"`
	PendingConflicts int                     `json:"pending_conflicts"`
	PeerAcks         map[string]vclock.Clock `json:"peer_acks"`
}

// NewNodeCommand creates the node command.
func NewNodeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LocalOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "node",
		Short: "Show this terminal's identity and log state",
		Long: `Open the database and print the node ID, durable vector clock, change
log size, pending conflicts and the clock each peer last acknowledged.
Works while the node is stopped.

Example:
  vaultsync node --db ./vaultsync.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := opts.output(cmd)
			st, err := opts.openStore()
			if err != nil {
				return out.Fail(err)
			}
			defer closeStore(st)

			info, err := readNodeInfo(cmd, st)
			if err != nil {
				return out.Fail(WrapExitError(ExitFailure, "failed to read node state", err))
			}
			return out.Success(info, func(w io.Writer) {
				fmt.Fprintf(w, "Node:\t%s\n", info.NodeID)
				fmt.Fprintf(w, "Clock:\t%s\n", info.VectorClock)
				fmt.Fprintf(w, "Change log:\t%d records\n", info.ChangeLogSize)
				fmt.Fprintf(w, "Pending conflicts:\t%d\n", info.PendingConflicts)
				peers := make([]string, 0, len(info.PeerAcks))
				for id := range info.PeerAcks {
					peers = append(peers, id)
				}
				sort.Strings(peers)
				for _, id := range peers {
					fmt.Fprintf(w, "Ack %s:\t%s\n", id, info.PeerAcks[id])
				}
			})
		},
	}
	opts.bind(cmd)
	return cmd
}

func readNodeInfo(cmd *cobra.Command, st *store.Store) (NodeInfo, error) {
	ctx := commandContext(cmd)
	clock, err := st.NodeClock(ctx)
	if err != nil {
		return NodeInfo{}, err
	}
	size, err := st.ChangeCount(ctx)
	if err != nil {
		return NodeInfo{}, err
	}
	pending, err := st.CountConflicts(ctx, ir.StatusPending)
	if err != nil {
		return NodeInfo{}, err
	}
	acks, err := st.PeerAcks(ctx)
	if err != nil {
		return NodeInfo{}, err
	}
	return NodeInfo{
		NodeID:           st.NodeID(),
		VectorClock:      clock,
		ChangeLogSize:    size,
		PendingConflicts: pending,
		PeerAcks:         acks,
	}, nil
}

// GCResult is the output of the gc command.
type GCResult struct {
	Deleted   int64 `json:"deleted"`
	Remaining int   `json:"remaining"`
}

// NewGCCommand creates the gc command.
func NewGCCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LocalOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Delete change records every peer has seen",
		Long: `Delete change records acknowledged by every known peer. The latest
record of each entity is always kept. Safe to run while the node is serving.

Example:
  vaultsync gc --db ./vaultsync.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := opts.output(cmd)
			st, err := opts.openStore()
			if err != nil {
				return out.Fail(err)
			}
			defer closeStore(st)

			ctx := commandContext(cmd)
			deleted, err := st.CollectGarbage(ctx)
			if err != nil {
				return out.Fail(WrapExitError(ExitFailure, "garbage collection failed", err))
			}
			remaining, err := st.ChangeCount(ctx)
			if err != nil {
				return out.Fail(WrapExitError(ExitFailure, "failed to count change log", err))
			}
			res := GCResult{Deleted: deleted, Remaining: remaining}
			return out.Success(res, func(w io.Writer) {
				fmt.Fprintf(w, "Deleted:\t%d\n", res.Deleted)
				fmt.Fprintf(w, "Remaining:\t%d\n", res.Remaining)
			})
		},
	}
	opts.bind(cmd)
	return cmd
}

func closeStore(st *store.Store) {
	if err := st.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}
