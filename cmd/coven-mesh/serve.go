// ABOUTME: serve subcommand: runs the bridge host behind a gRPC link server
// ABOUTME: Each link gets a point-to-point agent resolving fetch and analytics intents

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/tsnet"

	"github.com/2389/coven-mesh/internal/agent"
	"github.com/2389/coven-mesh/internal/analytics"
	"github.com/2389/coven-mesh/internal/apibridge"
	"github.com/2389/coven-mesh/internal/auth"
	"github.com/2389/coven-mesh/internal/bridge"
	"github.com/2389/coven-mesh/internal/config"
	"github.com/2389/coven-mesh/internal/dedupe"
	"github.com/2389/coven-mesh/internal/mesh"
	"github.com/2389/coven-mesh/internal/ptp"
	"github.com/2389/coven-mesh/internal/store"
	"github.com/2389/coven-mesh/internal/transport/grpclink"
	"github.com/2389/coven-mesh/internal/transport/memory"
)

// anonymousIdentity is the analytics identity of links on unsecured bridges.
const anonymousIdentity = "anonymous"

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge host",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), c)
		},
	}
}

func runServe(ctx context.Context, c *cli) error {
	cfg := c.cfg
	logger := c.logger

	printBanner()
	statusLine("Config", c.configPath)
	statusLine("Node", cfg.Node.Name)
	if cfg.API.BaseURL != "" {
		statusLine("API", cfg.API.BaseURL)
	}

	host, err := newBridgeHost(cfg, logger)
	if err != nil {
		return err
	}
	defer host.Close()

	server := newGRPCServer(cfg, logger)
	grpclink.Register(server, host.accept, logger)

	lis, closeListener, err := listen(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeListener()
	statusLine("Listening", lis.Addr().String())
	fmt.Println()

	logger.Info("starting coven-mesh bridge", "addr", lis.Addr().String(), "sinks", host.sinkNames())

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(lis) }()

	select {
	case err := <-serveErr:
		return fmt.Errorf("serving: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	host.closeLinks()
	server.GracefulStop()
	return nil
}

func newGRPCServer(cfg *config.Config, logger *slog.Logger) *grpc.Server {
	opts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	if cfg.Bridge.JWTSecret != "" {
		verifier := auth.NewJWTVerifier([]byte(cfg.Bridge.JWTSecret))
		opts = append(opts, grpc.ChainStreamInterceptor(auth.StreamInterceptor(verifier, logger)))
		logger.Info("link authentication enabled")
	} else {
		logger.Warn("auth disabled - no jwt_secret configured")
	}
	return grpc.NewServer(opts...)
}

// listen opens the link listener, on the tailnet when enabled.
func listen(ctx context.Context, cfg *config.Config, logger *slog.Logger) (net.Listener, func(), error) {
	if !cfg.Tailscale.Enabled {
		lis, err := net.Listen("tcp", cfg.Bridge.ListenAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("listening on %s: %w", cfg.Bridge.ListenAddr, err)
		}
		return lis, func() { _ = lis.Close() }, nil
	}

	ts := cfg.Tailscale
	stateDir := ts.StateDir
	if stateDir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return nil, nil, fmt.Errorf("resolving tailscale state dir: %w", err)
		}
		stateDir = filepath.Join(base, "coven", "tsnet-"+ts.Hostname)
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	srv := &tsnet.Server{
		Hostname:  ts.Hostname,
		Dir:       stateDir,
		Ephemeral: ts.Ephemeral,
		AuthKey:   ts.AuthKey,
	}
	logger.Info("starting tailscale node", "hostname", ts.Hostname, "state_dir", stateDir, "ephemeral", ts.Ephemeral)
	status, err := srv.Up(ctx)
	if err != nil {
		_ = srv.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	if len(status.TailscaleIPs) > 0 {
		statusLine("Tailscale", ts.Hostname+" ("+status.TailscaleIPs[0].String()+")")
	}

	_, port, err := net.SplitHostPort(cfg.Bridge.ListenAddr)
	if err != nil || port == "" {
		port = "50061"
	}
	lis, err := srv.Listen("tcp", ":"+port)
	if err != nil {
		_ = srv.Close()
		return nil, nil, fmt.Errorf("listening on tailscale port %s: %w", port, err)
	}
	return lis, func() {
		_ = lis.Close()
		_ = srv.Close()
	}, nil
}

// bridgeHost owns the mesh node that holds API credentials and the
// analytics sinks shared by every link.
type bridgeHost struct {
	node     *mesh.Node
	fetching bool
	sinks    []analytics.Sink
	events   *store.SQLiteStore
	seen     *dedupe.Cache
	closers  []io.Closer
	logger   *slog.Logger

	mu    sync.Mutex
	links map[*grpclink.Port]struct{}
}

func newBridgeHost(cfg *config.Config, logger *slog.Logger) (*bridgeHost, error) {
	h := &bridgeHost{
		seen:   dedupe.New(cfg.Analytics.DedupeTTL, cfg.Analytics.DedupeSize),
		logger: logger.With("component", "bridge"),
		links:  make(map[*grpclink.Port]struct{}),
	}

	node, err := mesh.New(mesh.Options{
		Name:             cfg.Node.Name,
		Self:             memory.NewWindow(cfg.Node.Name, logger),
		Logger:           logger,
		AnnounceInterval: cfg.Node.AnnounceInterval,
	})
	if err != nil {
		h.seen.Close()
		return nil, fmt.Errorf("creating mesh node: %w", err)
	}
	h.node = node

	if cfg.API.BaseURL != "" {
		resolver, err := apibridge.NewResolver(apibridge.Config{
			BaseURL: cfg.API.BaseURL,
			Timeout: cfg.API.Timeout,
			Token:   cfg.API.Token,
			Logger:  logger,
		})
		if err != nil {
			h.Close()
			return nil, err
		}
		if _, err := apibridge.Subscribe(node, resolver); err != nil {
			h.Close()
			return nil, fmt.Errorf("subscribing fetch resolver: %w", err)
		}
		h.fetching = true
	}

	if err := h.openSinks(cfg.Analytics, logger); err != nil {
		h.Close()
		return nil, err
	}
	return h, nil
}

func (h *bridgeHost) openSinks(cfg config.AnalyticsConfig, logger *slog.Logger) error {
	if cfg.DatabasePath != "" {
		s, err := store.NewSQLiteStore(cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("opening analytics store: %w", err)
		}
		h.events = s
		h.closers = append(h.closers, s)
		h.sinks = append(h.sinks, analytics.NewStoreSink(s))
	}
	if cfg.Mixpanel.Token != "" {
		h.sinks = append(h.sinks, analytics.NewHTTPSink(cfg.Mixpanel.Token, cfg.Mixpanel.APIURL, nil))
	}
	if len(cfg.Kafka.Brokers) > 0 {
		k := analytics.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		h.closers = append(h.closers, k)
		h.sinks = append(h.sinks, k)
	}
	return nil
}

func (h *bridgeHost) sinkNames() string {
	names := make([]string, 0, len(h.sinks))
	for _, s := range h.sinks {
		names = append(names, s.Name())
	}
	return strings.Join(names, ",")
}

// accept binds a point-to-point agent to the link for as long as it lives.
func (h *bridgeHost) accept(p *grpclink.Port) {
	identity := anonymousIdentity
	if principal, ok := auth.PrincipalFromContext(p.Context()); ok {
		identity = principal.Subject
	}
	logger := h.logger.With("identity", identity)

	linkAgent := ptp.New(p, ptp.Options{Name: "link " + identity, Logger: logger})

	var undo []agent.Unsubscribe
	if h.fetching {
		u, err := bridge.Forward(linkAgent, h.node, bridge.FetchIntent)
		if err != nil {
			logger.Error("forwarding fetch", "error", err)
		} else {
			undo = append(undo, u)
		}
	}
	if len(h.sinks) > 0 {
		u, err := analytics.Subscribe(linkAgent, identity, h.seen, h.sinks...)
		if err != nil {
			logger.Error("subscribing analytics", "error", err)
		} else {
			undo = append(undo, u)
		}
	}

	h.mu.Lock()
	h.links[p] = struct{}{}
	h.mu.Unlock()
	logger.Info("link up", "agent_id", linkAgent.ID())

	go func() {
		<-p.Done()
		for _, u := range undo {
			u()
		}
		linkAgent.Destroy()

		h.mu.Lock()
		delete(h.links, p)
		h.mu.Unlock()

		if err := p.Err(); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("link down", "error", err)
			return
		}
		logger.Info("link down")
	}()
}

func (h *bridgeHost) closeLinks() {
	h.mu.Lock()
	links := make([]*grpclink.Port, 0, len(h.links))
	for p := range h.links {
		links = append(links, p)
	}
	h.mu.Unlock()

	for _, p := range links {
		_ = p.Close()
	}
}

// Close ends every link and releases the node and sinks.
func (h *bridgeHost) Close() {
	h.closeLinks()
	if h.node != nil {
		h.node.Destroy()
	}
	for _, c := range h.closers {
		if err := c.Close(); err != nil {
			h.logger.Warn("closing sink", "error", err)
		}
	}
	h.seen.Close()
}
