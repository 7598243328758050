package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/vaultsync/internal/api"
	"github.com/roach88/vaultsync/internal/ir"
)

// RemoteOptions holds flags for commands that talk to a running node.
type RemoteOptions struct {
	*RootOptions
	Addr string
}

func (o *RemoteOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.Addr, "addr", "localhost:7420", "address of the node's HTTP API")
}

func (o *RemoteOptions) client() *api.Client {
	return api.NewClient(o.Addr)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RemoteOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a node's sync status",
		Long: `Show the node ID, vector clock, known peers, active sessions and the
number of pending conflicts of a running node.

Example:
  vaultsync status
  vaultsync status --addr 10.0.0.12:7420 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := opts.output(cmd)
			st, err := opts.client().Status(commandContext(cmd))
			if err != nil {
				return out.Fail(remoteError("failed to read status", err))
			}
			return out.Success(st, func(w io.Writer) {
				fmt.Fprintf(w, "Node:\t%s\n", st.NodeID)
				fmt.Fprintf(w, "Clock:\t%s\n", st.VectorClock)
				fmt.Fprintf(w, "Pending conflicts:\t%d\n", st.PendingConflicts)
				fmt.Fprintf(w, "Last sync:\t%s\n", formatTime(st.LastSync))
				fmt.Fprintf(w, "Active sessions:\t%d\n", len(st.ActiveSessions))
				if len(st.KnownPeers) == 0 {
					fmt.Fprintln(w, "Peers:\tnone")
					return
				}
				fmt.Fprintln(w, "\nPEER\tADDRESS\tSTATUS\tLAST SYNC\tLAST ERROR")
				for _, p := range st.KnownPeers {
					status := string(p.Status)
					if p.Syncing {
						status += " (syncing)"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.NodeID, p.Address, status, formatTime(p.LastSync), p.LastError)
				}
			})
		},
	}
	opts.bind(cmd)
	return cmd
}

// ConflictsOptions holds flags for the conflicts command.
type ConflictsOptions struct {
	RemoteOptions
	Status string
}

// NewConflictsCommand creates the conflicts command.
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ConflictsOptions{RemoteOptions: RemoteOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List sync conflicts",
		Long: `List conflicts recorded by a running node with both sides of each.

Example:
  vaultsync conflicts
  vaultsync conflicts --status all --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := opts.output(cmd)
			list, err := opts.client().Conflicts(commandContext(cmd), opts.Status)
			if err != nil {
				return out.Fail(remoteError("failed to list conflicts", err))
			}
			return out.Success(list, func(w io.Writer) {
				if len(list) == 0 {
					fmt.Fprintln(w, "No conflicts.")
					return
				}
				fmt.Fprintln(w, "CONFLICT\tENTITY\tKIND\tSTATUS\tLOCAL\tREMOTE")
				for i := range list {
					c := &list[i]
					fmt.Fprintf(w, "%s\t%s/%s\t%s\t%s\t%s\t%s\n",
						c.ID, c.EntityType, c.EntityID, c.Kind, c.Status,
						snapshotSummary(c, ir.SideLocal), snapshotSummary(c, ir.SideRemote))
				}
			})
		},
	}
	opts.bind(cmd)
	cmd.Flags().StringVar(&opts.Status, "status", "pending", "conflicts to list (pending|resolved|all)")
	return cmd
}

// ResolveOptions holds flags for the resolve command.
type ResolveOptions struct {
	RemoteOptions
	By string
}

// NewResolveCommand creates the resolve command.
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResolveOptions{RemoteOptions: RemoteOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "resolve <conflict-id> <LocalWins|RemoteWins>",
		Short: "Resolve a pending conflict",
		Long: `Resolve a pending conflict by keeping one side. The chosen state is
written as a new change and replicates to every other terminal.

Example:
  vaultsync resolve 0192f3c4-... RemoteWins --by manager`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := opts.output(cmd)
			strategy, err := ir.ParseStrategy(args[1])
			if err != nil || !strategy.Manual() {
				return out.Fail(WrapExitError(ExitCommandError, "resolution must be LocalWins or RemoteWins",
					ir.NewSyncError(ir.ErrCodeInvalidStrategy, args[1], nil)))
			}
			c, err := opts.client().Resolve(commandContext(cmd), api.ResolveRequest{
				ConflictID: args[0],
				Resolution: string(strategy),
				ResolvedBy: opts.By,
			})
			if err != nil {
				return out.Fail(remoteError("failed to resolve conflict", err))
			}
			return out.Success(c, func(w io.Writer) {
				fmt.Fprintf(w, "Resolved %s (%s/%s) with %s by %s\n",
					c.ID, c.EntityType, c.EntityID, c.ResolutionStrategy, c.ResolvedBy)
			})
		},
	}
	opts.bind(cmd)
	cmd.Flags().StringVar(&opts.By, "by", "", "name recorded as the resolver")
	return cmd
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RemoteOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Start a sync round with every peer",
		Long: `Ask a running node to start sessions with every known peer that is not
already syncing or backing off. Returns once the sessions have started.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := opts.output(cmd)
			res, err := opts.client().Trigger(commandContext(cmd))
			if err != nil {
				return out.Fail(remoteError("failed to trigger sync", err))
			}
			return out.Success(res, func(w io.Writer) {
				fmt.Fprintf(w, "Started %d session(s)\n", len(res.Sessions))
			})
		},
	}
	opts.bind(cmd)
	return cmd
}

// NewPairCommand creates the pair command.
func NewPairCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RemoteOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "pair <node-id> <address>",
		Short: "Pair with a terminal by address",
		Long: `Register a terminal that discovery cannot see, such as one on another
subnet. The node probes it and syncs with it once it answers.

Example:
  vaultsync pair till-2 10.0.4.12:7420`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := opts.output(cmd)
			p, err := opts.client().Pair(commandContext(cmd), api.PairRequest{NodeID: args[0], Address: args[1]})
			if err != nil {
				return out.Fail(remoteError("failed to pair", err))
			}
			return out.Success(p, func(w io.Writer) {
				fmt.Fprintf(w, "Paired %s at %s (%s)\n", p.NodeID, p.Address, p.Status)
			})
		},
	}
	opts.bind(cmd)
	return cmd
}

func snapshotSummary(c *ir.SyncConflict, side ir.Side) string {
	for _, s := range c.Snapshots {
		if s.Side != side {
			continue
		}
		if s.Deleted {
			return s.OriginNode + ": deleted"
		}
		data, err := ir.MarshalCanonical(s.State)
		if err != nil {
			return s.OriginNode + ": ?"
		}
		state := string(data)
		if len(state) > 48 {
			state = state[:45] + "..."
		}
		return s.OriginNode + ": " + strings.ReplaceAll(state, "\t", " ")
	}
	return "-"
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format(time.DateTime)
}
