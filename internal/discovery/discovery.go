// Package discovery finds sibling terminals on the local network.
//
// Each node advertises an mDNS service carrying its node ID and sync port,
// browses for the same service type, and keeps a Roster of what it has
// seen. Manually paired static peers are probed over HTTP instead. Roster
// changes are handed to a Sink (the sync actor's mailbox); discovery never
// touches sync state itself. No data travels over discovery.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/roach88/vaultsync/internal/ir"
)

// Sink receives roster changes.
type Sink interface {
	PeerChanged(p Peer)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Peer)

// PeerChanged implements Sink.
func (f SinkFunc) PeerChanged(p Peer) { f(p) }

// StaticPeer is a manually paired peer.
type StaticPeer struct {
	NodeID  string `yaml:"node_id" json:"node_id"`
	Address string `yaml:"address" json:"address"`
}

// Config configures a discovery Service.
type Config struct {
	NodeID       string
	Port         int
	Service      string
	Domain       string
	MDNS         bool
	Tick         time.Duration
	StaleAfter   time.Duration
	OfflineAfter time.Duration
	StaticPeers  []StaticPeer
}

// BrowseFunc streams service entries until ctx ends.
type BrowseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// ProbeFunc reports whether a static peer answers.
type ProbeFunc func(ctx context.Context, address string) bool

// Service runs advertisement, browsing and liveness ticking.
type Service struct {
	cfg    Config
	roster *Roster
	sink   Sink
	browse BrowseFunc
	probe  ProbeFunc
	logger *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithBrowser replaces the mDNS browser.
func WithBrowser(b BrowseFunc) Option {
	return func(s *Service) { s.browse = b }
}

// WithProber replaces the static peer health probe.
func WithProber(p ProbeFunc) Option {
	return func(s *Service) { s.probe = p }
}

// WithNow sets the clock the roster ages peers with.
func WithNow(now func() time.Time) Option {
	return func(s *Service) {
		s.roster = NewRoster(s.cfg.NodeID, s.cfg.StaleAfter, s.cfg.OfflineAfter, now)
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New creates a discovery service reporting to sink.
func New(cfg Config, sink Sink, opts ...Option) *Service {
	if cfg.Service == "" {
		cfg.Service = "_vaultsync._tcp"
	}
	if cfg.Domain == "" {
		cfg.Domain = "local."
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 30 * time.Second
	}
	s := &Service{
		cfg:    cfg,
		roster: NewRoster(cfg.NodeID, cfg.StaleAfter, cfg.OfflineAfter, time.Now),
		sink:   sink,
		browse: browseMDNS,
		probe:  probeHealth,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Roster exposes the roster for read-only views.
func (s *Service) Roster() *Roster {
	return s.roster
}

// Name identifies the worker to a supervisor.
func (s *Service) Name() string {
	return "discovery"
}

// Run advertises this node and refreshes the roster every tick until ctx
// is cancelled.
func (s *Service) Run(ctx context.Context) error {
	for _, sp := range s.cfg.StaticPeers {
		if p, changed := s.roster.AddStatic(sp.NodeID, sp.Address); changed {
			s.notify(p)
		}
	}

	if s.cfg.MDNS {
		server, err := zeroconf.Register(s.cfg.NodeID, s.cfg.Service, s.cfg.Domain, s.cfg.Port, TXTRecords(s.cfg.NodeID), nil)
		if err != nil {
			return fmt.Errorf("advertise %s: %w", s.cfg.Service, err)
		}
		defer server.Shutdown()
		s.logger.Info("advertising sync service",
			"service", s.cfg.Service,
			"domain", s.cfg.Domain,
			"port", s.cfg.Port)
	}

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	s.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Refresh(ctx)
		}
	}
}

// Refresh runs one browse window and one static probe round, then ages the
// roster. Every resulting change is reported to the sink.
func (s *Service) Refresh(ctx context.Context) {
	if s.cfg.MDNS && s.browse != nil {
		s.browseRound(ctx)
	}
	for _, p := range s.roster.Peers() {
		if !p.Static || s.probe == nil {
			continue
		}
		if s.probe(ctx, p.Address) {
			if seen, changed := s.roster.Observe(p.NodeID, p.Address); changed {
				s.notify(seen)
			}
		}
	}
	for _, p := range s.roster.Tick() {
		s.notify(p)
	}
}

// browseRound listens for half a tick (at most 5s). The zeroconf resolver
// reports each instance once per browse, so liveness needs a fresh round
// every tick.
func (s *Service) browseRound(ctx context.Context) {
	window := min(s.cfg.Tick/2, 5*time.Second)
	ctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := s.browse(ctx, s.cfg.Service, s.cfg.Domain, entries); err != nil {
		s.logger.Warn("mdns browse failed", "error", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-entries:
			if !ok {
				return
			}
			nodeID, address, ok := PeerFromEntry(e)
			if !ok {
				continue
			}
			if p, changed := s.roster.Observe(nodeID, address); changed {
				s.notify(p)
			}
		}
	}
}

// Pair registers a manually paired peer while the service runs, probes it
// once, and reports the result to the sink.
func (s *Service) Pair(ctx context.Context, nodeID, address string) (Peer, error) {
	nodeID = strings.TrimSpace(nodeID)
	address = strings.TrimSpace(address)
	switch {
	case nodeID == "":
		return Peer{}, ir.NewSyncError(ir.ErrCodeInvalidRequest, "node_id is required", nil)
	case address == "":
		return Peer{}, ir.NewSyncError(ir.ErrCodeInvalidRequest, "address is required", nil)
	case nodeID == s.cfg.NodeID:
		return Peer{}, ir.NewSyncError(ir.ErrCodeInvalidRequest, "cannot pair with self", nil)
	}

	p, changed := s.roster.AddStatic(nodeID, address)
	if changed {
		s.notify(p)
	}
	if s.probe != nil && s.probe(ctx, address) {
		if seen, changed := s.roster.Observe(nodeID, address); changed {
			s.notify(seen)
		}
	}
	s.logger.Info("peer paired", "peer_id", nodeID, "address", address)

	p, _ = s.roster.Get(nodeID)
	return p, nil
}

func (s *Service) notify(p Peer) {
	s.logger.Debug("peer changed", "peer_id", p.NodeID, "address", p.Address, "status", string(p.Status))
	if s.sink != nil {
		s.sink.PeerChanged(p)
	}
}

// TXTRecords is the TXT payload advertised by nodeID.
func TXTRecords(nodeID string) []string {
	return []string{"node_id=" + nodeID, "proto=" + ir.ProtocolVersion}
}

// PeerFromEntry extracts the node ID and host:port address of an entry.
// Entries from another protocol version are skipped.
func PeerFromEntry(e *zeroconf.ServiceEntry) (nodeID, address string, ok bool) {
	if e == nil || e.Port <= 0 {
		return "", "", false
	}
	nodeID = e.Instance
	for _, txt := range e.Text {
		k, v, _ := strings.Cut(txt, "=")
		switch k {
		case "node_id":
			nodeID = v
		case "proto":
			if v != ir.ProtocolVersion {
				return "", "", false
			}
		}
	}
	if nodeID == "" {
		return "", "", false
	}

	var host string
	switch {
	case len(e.AddrIPv4) > 0:
		host = e.AddrIPv4[0].String()
	case len(e.AddrIPv6) > 0:
		host = e.AddrIPv6[0].String()
	default:
		host = strings.TrimSuffix(e.HostName, ".")
	}
	if host == "" {
		return "", "", false
	}
	return nodeID, net.JoinHostPort(host, strconv.Itoa(e.Port)), true
}

func browseMDNS(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("mdns resolver: %w", err)
	}
	return resolver.Browse(ctx, service, domain, entries)
}

var probeClient = &http.Client{Timeout: 2 * time.Second}

func probeHealth(ctx context.Context, address string) bool {
	base := address
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/api/health", nil)
	if err != nil {
		return false
	}
	resp, err := probeClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
