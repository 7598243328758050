package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/roach88/vaultsync/internal/api"
	"github.com/roach88/vaultsync/internal/catalog"
	"github.com/roach88/vaultsync/internal/config"
	"github.com/roach88/vaultsync/internal/conflict"
	"github.com/roach88/vaultsync/internal/discovery"
	"github.com/roach88/vaultsync/internal/engine"
	"github.com/roach88/vaultsync/internal/exchange"
	"github.com/roach88/vaultsync/internal/ir"
	"github.com/roach88/vaultsync/internal/logging"
	"github.com/roach88/vaultsync/internal/notify"
	"github.com/roach88/vaultsync/internal/outbox"
	"github.com/roach88/vaultsync/internal/schema"
	"github.com/roach88/vaultsync/internal/store"
	"github.com/roach88/vaultsync/internal/supervisor"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Database string
	Listen   string
	NoMDNS   bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a sync node",
		Long: `Open the database, start the sync actor, the HTTP API, and peer
discovery, and run until interrupted.

Example:
  vaultsync serve
  vaultsync serve --db ./till-2.db --listen :7421 --no-mdns`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := opts.output(cmd)
			cfg, err := opts.loadConfig()
			if err != nil {
				return out.Fail(err)
			}
			if opts.Database != "" {
				cfg.Node.DBPath = opts.Database
			}
			if opts.Listen != "" {
				cfg.HTTP.Listen = opts.Listen
			}
			if opts.NoMDNS {
				cfg.Discovery.Enabled = false
			}
			if err := cfg.Validate(); err != nil {
				return out.Fail(WrapExitError(ExitCommandError, "invalid config", err))
			}

			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := runNode(ctx, cfg, cmd, opts.Verbose); err != nil {
				return out.Fail(WrapExitError(ExitFailure, "node stopped", err))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "HTTP listen address (overrides config)")
	cmd.Flags().BoolVar(&opts.NoMDNS, "no-mdns", false, "disable mDNS browsing; static peers only")

	return cmd
}

// runNode wires every component of a node and supervises it until ctx ends.
func runNode(ctx context.Context, cfg config.Config, cmd *cobra.Command, verbose bool) error {
	logger, closer, err := logging.New(cfg.Logging, cmd.ErrOrStderr(), verbose)
	if err != nil {
		return err
	}
	defer closer.Close()
	slog.SetDefault(logger)

	if dir := cfg.Node.DataDir; cfg.Node.DBPath == "" && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer closeStore(st)

	reg, err := schema.Load()
	if err != nil {
		return err
	}
	signer := ir.NewSigner(cfg.Sync.SharedSecret)
	ob := outbox.New(
		outbox.WithSigner(signer),
		outbox.WithValidator(reg),
		outbox.WithLogger(logger))
	conflicts := conflict.New(reg, ob, conflict.WithLogger(logger))

	peer := exchange.NewHTTPPeer(st.NodeID(),
		exchange.WithSigner(signer),
		exchange.WithTimeout(cfg.Sync.SessionTimeout),
		exchange.WithCompression(cfg.Sync.CompressionEnabled()),
		exchange.WithLogger(logger))

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	eng := engine.New(st, conflicts, peer,
		engine.WithConfig(engineConfig(cfg.Sync)),
		engine.WithSigner(signer),
		engine.WithMetrics(engine.NewMetrics(registry)),
		engine.WithLogger(logger))
	defer eng.Close()

	port, err := advertisePort(cfg.HTTP)
	if err != nil {
		return err
	}
	disc := discovery.New(discovery.Config{
		NodeID:       st.NodeID(),
		Port:         port,
		Service:      cfg.Discovery.Service,
		Domain:       cfg.Discovery.Domain,
		MDNS:         cfg.Discovery.Enabled,
		Tick:         cfg.Discovery.Tick,
		StaleAfter:   cfg.Discovery.StaleAfter,
		OfflineAfter: cfg.Discovery.OfflineAfter,
		StaticPeers:  cfg.Discovery.StaticPeers,
	}, eng, discovery.WithLogger(logger))

	push := exchange.NewPushHandler(st, st, logger)
	push.OnServe = func(requester string, records int) {
		logger.Debug("batch served", "peer", requester, "records", records)
	}
	srv := api.NewServer(st.NodeID(), eng, st, push,
		api.WithGatherer(registry),
		api.WithCatalog(catalog.NewService(st, ob, nil, logger)),
		api.WithPairer(disc),
		api.WithLogger(logger))
	listener := api.NewListener(cfg.HTTP.Listen, srv, logger)

	notifier, err := notify.New(cfg.Notify, logger)
	if err != nil {
		return err
	}

	sup := supervisor.New("node", supervisor.WithLogger(logger))
	sup.Add(supervisor.Spec{Worker: eng, Strategy: supervisor.Permanent})
	sup.Add(supervisor.Spec{Worker: listener, Strategy: supervisor.Permanent})
	sup.Add(supervisor.Spec{Worker: disc, Strategy: supervisor.Permanent})
	sup.Add(supervisor.Spec{
		Worker:   notify.NewForwarder(st.NodeID(), eng.Hub(), notifier, logger),
		Strategy: supervisor.Transient,
	})

	logger.Info("node starting",
		"node_id", st.NodeID(),
		"name", cfg.Node.Name,
		"db", cfg.DatabasePath(),
		"listen", cfg.HTTP.Listen,
		"mdns", cfg.Discovery.Enabled,
		"signed", signer != nil)

	err = sup.Run(ctx)
	if ctx.Err() != nil {
		logger.Info("node stopped")
		return nil
	}
	return err
}

func engineConfig(s config.SyncConfig) engine.Config {
	return engine.Config{
		BatchSize:          s.BatchSize,
		SyncInterval:       s.Interval,
		MailboxSize:        s.MailboxSize,
		MaxChecksumRetries: s.MaxChecksumRetries,
		BackoffInitial:     s.BackoffInitial,
		BackoffMax:         s.BackoffMax,
	}
}

// advertisePort is the port peers should dial: advertise_port, or the port
// of the listen address.
func advertisePort(h config.HTTPConfig) (int, error) {
	if h.AdvertisePort > 0 {
		return h.AdvertisePort, nil
	}
	_, portStr, err := net.SplitHostPort(h.Listen)
	if err != nil {
		return 0, fmt.Errorf("http.listen %q: %w", h.Listen, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return 0, fmt.Errorf("http.listen %q: advertise_port is required when the port is not fixed", h.Listen)
	}
	return port, nil
}
