// Package main provides the CLI entry point for meshsocks: a SOCKS5 proxy
// whose transport hop between peers is multiplexed over one authenticated
// WebSocket link, in forward, reverse, and agent (provider/connector)
// deployment shapes.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/relaywire/meshsocks/internal/channel"
	"github.com/relaywire/meshsocks/internal/config"
	"github.com/relaywire/meshsocks/internal/logging"
	"github.com/relaywire/meshsocks/internal/mgmtapi"
	"github.com/relaywire/meshsocks/internal/portpool"
	"github.com/relaywire/meshsocks/internal/protocol"
	"github.com/relaywire/meshsocks/internal/serverapp"
	"github.com/relaywire/meshsocks/internal/session"
	"github.com/relaywire/meshsocks/internal/socks5"
	"github.com/relaywire/meshsocks/internal/sysinfo"
	"github.com/relaywire/meshsocks/internal/token"
	"github.com/relaywire/meshsocks/internal/transport"
	"github.com/relaywire/meshsocks/internal/wizard"
)

// Version is set at build time via -ldflags; left at "dev" it falls back to
// sysinfo's VCS-enriched value.
var Version = "dev"

func init() {
	if Version == "dev" {
		Version = sysinfo.Version
	} else {
		sysinfo.Version = Version
	}
}

func main() {
	rootCmd := &cobra.Command{
		Use:     "meshsocks",
		Short:   "A SOCKS5 proxy multiplexed over a single authenticated WebSocket link",
		Version: Version,
	}

	rootCmd.AddCommand(serverCmd())
	rootCmd.AddCommand(clientCmd())
	rootCmd.AddCommand(providerCmd())
	rootCmd.AddCommand(connectorCmd())
	rootCmd.AddCommand(setupCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// flagSet mirrors config.Config's CLI-settable fields one-to-one, per
// spec.md §6's common flag surface.
type flagSet struct {
	configPath string

	token             string
	url               string
	wsHost            string
	wsPort            int
	socksHost         string
	socksPort         int
	socksUsername     string
	socksPassword     string
	reverse           bool
	connectorToken    string
	connectorAutonomy bool
	bufferSize        int
	fastOpen          bool
	upstreamProxy     string
	threads           int
	noReconnect       bool
	noEnvProxy        bool
	apiKey            string
	debug             int
	userAgent         string
}

func addCommonFlags(cmd *cobra.Command, f *flagSet) {
	cmd.Flags().StringVarP(&f.token, "token", "t", "", "Authentication token for this role")
	cmd.Flags().StringVarP(&f.url, "url", "u", "", "Full ws(s):// URL to dial (overrides --ws-host/--ws-port)")
	cmd.Flags().StringVarP(&f.wsHost, "ws-host", "H", "127.0.0.1", "Server WebSocket host")
	cmd.Flags().IntVarP(&f.wsPort, "ws-port", "P", 8765, "Server WebSocket port")
	cmd.Flags().StringVarP(&f.socksHost, "socks-host", "s", "127.0.0.1", "SOCKS5 listener bind host")
	cmd.Flags().IntVarP(&f.socksPort, "socks-port", "p", 1080, "SOCKS5 listener bind port")
	cmd.Flags().StringVarP(&f.socksUsername, "socks-username", "n", "", "SOCKS5 username (enables username/password auth)")
	cmd.Flags().StringVarP(&f.socksPassword, "socks-password", "w", "", "SOCKS5 password")
	cmd.Flags().BoolVarP(&f.reverse, "reverse", "r", false, "Run as a reverse-mode provider (equivalent to the provider subcommand)")
	cmd.Flags().StringVarP(&f.connectorToken, "connector-token", "c", "", "Reverse token this connector pairs with")
	cmd.Flags().BoolVarP(&f.connectorAutonomy, "connector-autonomy", "a", false, "Accept exclusive pairing advertised by the provider instead of round robin")
	cmd.Flags().IntVarP(&f.bufferSize, "buffer-size", "b", 32*1024, "Relay buffer size in bytes")
	cmd.Flags().BoolVarP(&f.fastOpen, "fast-open", "f", false, "Start relaying before the peer's dial confirms")
	cmd.Flags().StringVarP(&f.upstreamProxy, "upstream-proxy", "x", "", "Upstream socks5://[u:p@]host:port proxy for the WebSocket dial")
	cmd.Flags().IntVarP(&f.threads, "threads", "T", 1, "Parallel peer sessions to open under this token")
	cmd.Flags().BoolVarP(&f.noReconnect, "no-reconnect", "R", false, "Disable automatic reconnect on disconnect")
	cmd.Flags().BoolVarP(&f.noEnvProxy, "no-env-proxy", "E", false, "Ignore HTTP_PROXY/HTTPS_PROXY/ALL_PROXY/NO_PROXY for the WebSocket dial")
	cmd.Flags().StringVarP(&f.apiKey, "api-key", "k", "", "Enable the HTTP management API with this key (server only)")
	cmd.Flags().CountVarP(&f.debug, "debug", "d", "Increase log verbosity (repeat for trace)")
	cmd.Flags().StringVar(&f.userAgent, "user-agent", transport.DefaultUserAgent, "User-Agent sent on the WebSocket upgrade request")
	cmd.Flags().StringVar(&f.configPath, "config", "", "Optional YAML config file; flags override its values")
}

// buildConfig merges an optional YAML file with the flags the caller
// actually set, per internal/config's file-then-flags precedence.
func buildConfig(cmd *cobra.Command, f *flagSet, role config.Role) (*config.Config, error) {
	var cfg *config.Config
	if f.configPath != "" {
		loaded, err := config.Load(f.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}
	cfg.Role = role

	set := func(name string, apply func()) {
		if cmd.Flags().Changed(name) {
			apply()
		}
	}
	set("token", func() { cfg.Token = f.token })
	set("url", func() { cfg.URL = f.url })
	set("ws-host", func() { cfg.WSHost = f.wsHost })
	set("ws-port", func() { cfg.WSPort = f.wsPort })
	set("socks-host", func() { cfg.SocksHost = f.socksHost })
	set("socks-port", func() { cfg.SocksPort = f.socksPort })
	set("socks-username", func() { cfg.SocksUsername = f.socksUsername })
	set("socks-password", func() { cfg.SocksPassword = f.socksPassword })
	set("reverse", func() { cfg.Reverse = f.reverse })
	set("connector-token", func() { cfg.ConnectorToken = f.connectorToken })
	set("connector-autonomy", func() { cfg.ConnectorAutonomy = f.connectorAutonomy })
	set("buffer-size", func() { cfg.BufferSize = f.bufferSize })
	set("fast-open", func() { cfg.FastOpen = f.fastOpen })
	set("upstream-proxy", func() { cfg.UpstreamProxy = f.upstreamProxy })
	set("threads", func() { cfg.Threads = f.threads })
	set("no-reconnect", func() { cfg.NoReconnect = f.noReconnect })
	set("no-env-proxy", func() { cfg.NoEnvProxy = f.noEnvProxy })
	set("api-key", func() { cfg.APIKey = f.apiKey })
	set("user-agent", func() { cfg.UserAgent = f.userAgent })
	if f.debug > 0 {
		cfg.Debug = f.debug
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func dialOptionsFor(cfg *config.Config) transport.DialOptions {
	opts := transport.DefaultDialOptions()
	if cfg.UserAgent != "" {
		opts.UserAgent = cfg.UserAgent
	}
	opts.UpstreamProxy = cfg.UpstreamProxy
	opts.NoEnvProxy = cfg.NoEnvProxy
	return opts
}

func engineConfigFor(cfg *config.Config, logger *slog.Logger) channel.EngineConfig {
	ec := channel.DefaultEngineConfig()
	ec.BufferSize = cfg.BufferSize
	ec.Logger = logger
	return ec
}

// wsListenAddr is the bare host:port the server's WebSocket upgrade
// listener binds on, distinct from Config.Addr()'s ws(s):// dial URL.
func wsListenAddr(cfg *config.Config) string {
	return fmt.Sprintf("%s:%d", cfg.WSHost, cfg.WSPort)
}

// setupSignalContext returns a context canceled on SIGINT/SIGTERM.
func setupSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// ---- server ----

func serverCmd() *cobra.Command {
	f := &flagSet{}
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the central relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildConfig(cmd, f, config.RoleServer)
			if err != nil {
				return err
			}
			return runServer(cfg)
		},
	}
	addCommonFlags(cmd, f)
	return cmd
}

func runServer(cfg *config.Config) error {
	logger := logging.NewLogger(cfg.LogLevel(), "text")
	logger.Info("starting meshsocks server", slog.String("version", Version), slog.String("addr", wsListenAddr(cfg)))

	tokens := token.NewRegistry()
	bootstrapTokens(tokens, cfg, logger)

	pool, err := portpool.New(cfg.PortRangeLow, cfg.PortRangeHigh)
	if err != nil {
		return fmt.Errorf("server: port pool: %w", err)
	}

	app := serverapp.NewApp(tokens, serverapp.Config{
		SocksBindHost: cfg.SocksHost,
		PortPool:      pool,
		EngineConfig:  engineConfigFor(cfg, logger),
		Logger:        logger,
	})

	for _, tok := range tokens.All() {
		if tok.Kind == token.KindReverse {
			if err := app.RegisterReverseToken(tok, tok.Port != 0); err != nil {
				return fmt.Errorf("server: register reverse token: %w", err)
			}
		}
	}

	listenOpts := transport.DefaultListenOptions()
	listenOpts.PlainText = true
	if cfg.APIKey != "" {
		api := mgmtapi.New(tokens, app, cfg.APIKey, func() string { return Version }, logger)
		listenOpts.ExtraHandler = api.Handler()
		logger.Info("management API and /metrics mounted alongside the WebSocket upgrade handler")
	}

	ln, err := transport.Listen(wsListenAddr(cfg), listenOpts)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	defer ln.Close()

	ctx, cancel := setupSignalContext()
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- app.Serve(ctx, ln) }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}

func bootstrapTokens(tokens *token.Registry, cfg *config.Config, logger *slog.Logger) {
	if cfg.Token != "" && len(cfg.Tokens) == 0 {
		if _, _, err := tokens.AddForward(cfg.Token); err != nil {
			logger.Error("bootstrap token rejected", slog.Any("error", err))
		}
	}
	for _, tc := range cfg.Tokens {
		switch tc.Kind {
		case "forward":
			if _, _, err := tokens.AddForward(tc.Token); err != nil {
				logger.Error("bootstrap forward token rejected", slog.Any("error", err))
			}
		case "reverse":
			if _, _, err := tokens.AddReverse(tc.Token, token.ReverseOptions{
				Port:                 tc.Port,
				Username:             tc.Username,
				Password:             tc.Password,
				AllowManageConnector: tc.AllowManageConnector,
			}); err != nil {
				logger.Error("bootstrap reverse token rejected", slog.Any("error", err))
			}
		case "connector":
			if _, _, err := tokens.AddConnector(tc.Token, tc.ReverseToken); err != nil {
				logger.Error("bootstrap connector token rejected", slog.Any("error", err))
			}
		}
	}
}

// ---- client / provider (client -r) / connector ----

func clientCmd() *cobra.Command {
	f := &flagSet{}
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Run a forward-mode SOCKS5 client",
		RunE: func(cmd *cobra.Command, args []string) error {
			role := config.RoleClient
			if f.reverse {
				role = config.RoleProvider
			}
			cfg, err := buildConfig(cmd, f, role)
			if err != nil {
				return err
			}
			return runInitiator(cfg)
		},
	}
	addCommonFlags(cmd, f)
	return cmd
}

func providerCmd() *cobra.Command {
	f := &flagSet{}
	cmd := &cobra.Command{
		Use:   "provider",
		Short: "Run a reverse-mode egress provider (alias for client -r)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildConfig(cmd, f, config.RoleProvider)
			if err != nil {
				return err
			}
			return runInitiator(cfg)
		},
	}
	addCommonFlags(cmd, f)
	return cmd
}

func connectorCmd() *cobra.Command {
	f := &flagSet{}
	cmd := &cobra.Command{
		Use:   "connector",
		Short: "Run an agent-mode connector: hosts SOCKS5, relayed through a paired provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildConfig(cmd, f, config.RoleConnector)
			if err != nil {
				return err
			}
			return runInitiator(cfg)
		},
	}
	addCommonFlags(cmd, f)
	return cmd
}

// runInitiator drives every non-server role. A provider's Config.Reverse is
// true (forced by config.Validate), so it never starts a local SOCKS5
// listener: the reverse token's listener lives on the server, and the
// provider's Bridge is reached through the server's dispatcher instead. A
// client or connector additionally runs a local SOCKS5 listener over a
// FixedOpener bound to its own peer session.
func runInitiator(cfg *config.Config) error {
	logger := logging.NewLogger(cfg.LogLevel(), "text")
	logger.Info("starting meshsocks",
		slog.String("role", string(cfg.Role)),
		slog.String("addr", cfg.Addr()),
		slog.String("buffer_size", humanize.Bytes(uint64(cfg.BufferSize))),
	)

	registry := channel.NewRegistry()
	engine := channel.NewEngine(engineConfigFor(cfg, logger))
	bridge := channel.NewBridge(registry, engine, logger)

	sessionCfg := session.Config{
		Logger:  logger,
		Handler: bridge,
	}
	dialOpts := dialOptionsFor(cfg)

	ctx, cancel := setupSignalContext()
	defer cancel()

	if !cfg.Reverse {
		return runForwardLike(ctx, cfg, sessionCfg, dialOpts, bridge, logger)
	}
	return runProvider(ctx, cfg, sessionCfg, dialOpts, logger)
}

// runForwardLike serves client and connector roles: a local SOCKS5 listener
// backed by a FixedOpener bound to the first thread's session, plus
// Threads-1 redundant peer sessions that keep the same token's presence up
// without taking on new channels themselves.
func runForwardLike(ctx context.Context, cfg *config.Config, sessionCfg session.Config, dialOpts transport.DialOptions, bridge *channel.Bridge, logger *slog.Logger) error {
	auths, err := socksAuthenticatorsFor(cfg)
	if err != nil {
		return err
	}

	reverse := cfg.Reverse || cfg.Role == config.RoleConnector
	firstDial := session.ClientDial(cfg.Addr(), dialOpts, cfg.Token, reverse, sessionCfg)

	var out channel.Outbound
	firstErrCh := make(chan error, 1)

	if cfg.NoReconnect {
		s, err := firstDial(ctx)
		if err != nil {
			return fmt.Errorf("dial: %w", err)
		}
		out = s
		go func() { <-s.Done(); firstErrCh <- nil }()
	} else {
		sup := session.NewSupervisor(session.DefaultReconnectConfig(), firstDial, logger)
		out = supervisorOutbound{sup}
		go func() { firstErrCh <- sup.Run(ctx) }()
	}

	sc := socks5.DefaultServerConfig()
	sc.Address = cfg.SocksAddr()
	sc.Authenticators = auths
	sc.Logger = logger
	sc.FastOpen = cfg.FastOpen
	sc.Opener = &socks5.FixedOpener{Bridge: bridge, Out: out}

	socksSrv := socks5.NewServer(sc)
	if err := socksSrv.Start(); err != nil {
		return fmt.Errorf("socks5: %w", err)
	}
	logger.Info("SOCKS5 listener started", slog.String("addr", cfg.SocksAddr()))
	defer socksSrv.Stop()

	for i := 1; i < cfg.Threads; i++ {
		dial := session.ClientDial(cfg.Addr(), dialOpts, cfg.Token, reverse, sessionCfg)
		go runExtraSession(ctx, dial, cfg.NoReconnect, logger)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	case err := <-firstErrCh:
		if err != nil && err != context.Canceled {
			return err
		}
		return nil
	}
}

// runProvider serves the reverse-claiming role: no local SOCKS5 listener,
// just Threads peer sessions kept alive under the reverse token so the
// server's dispatcher can pick this process for egress.
func runProvider(ctx context.Context, cfg *config.Config, sessionCfg session.Config, dialOpts transport.DialOptions, logger *slog.Logger) error {
	errCh := make(chan error, cfg.Threads)
	for i := 0; i < cfg.Threads; i++ {
		dial := session.ClientDial(cfg.Addr(), dialOpts, cfg.Token, cfg.Reverse, sessionCfg)
		if cfg.NoReconnect {
			go func() {
				s, err := dial(ctx)
				if err != nil {
					errCh <- err
					return
				}
				<-s.Done()
				errCh <- nil
			}()
			continue
		}
		sup := session.NewSupervisor(session.DefaultReconnectConfig(), dial, logger)
		go func() { errCh <- sup.Run(ctx) }()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			return err
		}
		return nil
	}
}

func runExtraSession(ctx context.Context, dial session.DialFunc, noReconnect bool, logger *slog.Logger) {
	if noReconnect {
		s, err := dial(ctx)
		if err != nil {
			logger.Error("extra session dial failed", slog.Any("error", err))
			return
		}
		<-s.Done()
		return
	}
	sup := session.NewSupervisor(session.DefaultReconnectConfig(), dial, logger)
	if err := sup.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("extra session supervisor exited", slog.Any("error", err))
	}
}

// supervisorOutbound adapts a reconnecting Supervisor to channel.Outbound,
// always sending on whichever session is presently current so a SOCKS5
// listener's FixedOpener survives a reconnect without being rebuilt.
type supervisorOutbound struct{ sup *session.Supervisor }

func (o supervisorOutbound) Send(m protocol.Message) error {
	s := o.sup.Current()
	if s == nil {
		return session.ErrClosed
	}
	return s.Send(m)
}

func socksAuthenticatorsFor(cfg *config.Config) ([]socks5.Authenticator, error) {
	if cfg.SocksUsername == "" {
		return []socks5.Authenticator{&socks5.NoAuthAuthenticator{}}, nil
	}
	hash, err := socks5.HashPassword(cfg.SocksPassword)
	if err != nil {
		return nil, fmt.Errorf("hash socks5 password: %w", err)
	}
	creds := socks5.HashedCredentials{cfg.SocksUsername: hash}
	return []socks5.Authenticator{socks5.NewUserPassAuthenticator(creds)}, nil
}

// ---- setup ----

func setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactively build a starter config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := wizard.New().Run()
			return err
		},
	}
}
