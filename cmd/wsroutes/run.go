package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/sessamekesh/wsroutes/internal/config"
	"github.com/sessamekesh/wsroutes/internal/logging"
	"github.com/sessamekesh/wsroutes/pkg/bridge"
	"github.com/sessamekesh/wsroutes/pkg/errors"
	"github.com/sessamekesh/wsroutes/pkg/eventbus"
	"github.com/sessamekesh/wsroutes/pkg/loop"
	"github.com/sessamekesh/wsroutes/pkg/metrics"
	"github.com/sessamekesh/wsroutes/pkg/routes"
	"github.com/sessamekesh/wsroutes/pkg/subscribers"
	"github.com/sessamekesh/wsroutes/pkg/transport"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type runOptions struct {
	*rootOptions

	routes        []string
	exchanges     []string
	redisChannels []string
	broadcast     bool
	excludeSender bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "run [HOST:PORT]",
		Short: "Run the websocket server",
		Long: `Run the websocket server on HOST:PORT (default from the config file).
Only the routes named with --route are served; every configured route when
none is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			address := ""
			if len(args) == 1 {
				address = args[0]
			}
			return run(cmd.Context(), address, opts)
		},
	}

	cmd.Flags().StringArrayVar(&opts.routes, "route", nil, "Route to listen on (repeatable)")
	cmd.Flags().StringArrayVar(&opts.exchanges, "exchange", nil, "AMQP fanout exchange to relay, as exchange[:route] (repeatable)")
	cmd.Flags().StringArrayVar(&opts.redisChannels, "redis-channel", nil, "Redis channel to relay, as channel[:route] (repeatable)")
	cmd.Flags().BoolVar(&opts.broadcast, "broadcast", false, "Broadcast open, close and message notices to every connection of the route")
	cmd.Flags().BoolVar(&opts.excludeSender, "broadcast-exclude-sender", false, "Do not echo a message notice back to the connection that sent it")

	return cmd
}

func splitAddress(address string, cfg *config.Config) (string, int, error) {
	if address == "" {
		return cfg.Server.Host, cfg.Server.Port, nil
	}

	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return "", 0, fmt.Errorf("invalid address %q: %w", address, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}

func mergeMappings(configured map[string]string, flags []string) (map[string]string, error) {
	parsed, err := bridge.ParseMappings(flags)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]string, len(configured)+len(parsed))
	for name, route := range configured {
		merged[name] = route
	}
	for name, route := range parsed {
		merged[name] = route
	}
	return merged, nil
}

func hasAuthRoute(names []string, cfg *config.Config) bool {
	for _, name := range names {
		if cfg.Routes[name].Authorizable {
			return true
		}
	}
	return false
}

func announcerParams(cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) subscribers.AnnouncerParams {
	return subscribers.AnnouncerParams{
		ExcludeSender: cfg.BroadcastExcludeSender,
		Logger:        logger,
		Metrics:       m,
	}
}

func printHeader(logger *zap.Logger, host string, port int, routeNames []string, cfg *config.Config) {
	logger.Info(strings.Repeat("-", 40))
	logger.Info("wsroutes websocket server", zap.String("version", version))
	logger.Info(strings.Repeat("-", 40))
	logger.Info("Host: " + host)
	logger.Info("Port: " + strconv.Itoa(port))
	logger.Info("Routes: " + strings.Join(routeNames, ", "))
	logger.Info("Debug: " + strconv.FormatBool(cfg.Log.Level == "debug"))
	logger.Info(strings.Repeat("-", 40))
}

// buildSources returns the relay sources and a cleanup releasing the clients
// they hold; the cleanup is never nil.
func buildSources(logger *zap.Logger, opts *runOptions, cfg *config.Config) ([]bridge.Source, func(), error) {
	var sources []bridge.Source
	cleanup := func() {}

	exchanges, err := mergeMappings(cfg.AMQP.Exchanges, opts.exchanges)
	if err != nil {
		return nil, cleanup, err
	}
	if len(exchanges) > 0 {
		if cfg.AMQP.URL == "" {
			return nil, cleanup, fmt.Errorf("exchanges configured but amqp.url is empty")
		}
		sources = append(sources, bridge.CreateAMQPSource(bridge.AMQPSourceParams{
			URL:       cfg.AMQP.URL,
			Exchanges: exchanges,
			Logger:    logger,
		}))
	}

	channels, err := mergeMappings(cfg.Redis.Channels, opts.redisChannels)
	if err != nil {
		return nil, cleanup, err
	}
	if len(channels) > 0 {
		if cfg.Redis.Addr == "" {
			return nil, cleanup, fmt.Errorf("redis channels configured but redis.addr is empty")
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		cleanup = func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close redis client", zap.Error(err))
			}
		}
		sources = append(sources, bridge.CreateRedisSource(bridge.RedisSourceParams{
			Client:   client,
			Channels: channels,
			Logger:   logger,
		}))
	}

	return sources, cleanup, nil
}

func run(ctx context.Context, address string, opts *runOptions) error {
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return err
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.broadcast {
		cfg.Broadcast = true
	}
	if opts.excludeSender {
		cfg.BroadcastExcludeSender = true
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	host, port, err := splitAddress(address, cfg)
	if err != nil {
		return err
	}

	logger, err := logging.Build(logging.Params{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
	})
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	routeNames := opts.routes
	if len(routeNames) == 0 {
		routeNames = cfg.RouteNames()
	}

	printHeader(logger, host, port, routeNames, cfg)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	m := metrics.New()
	eventLoop := loop.Create(loop.Params{Logger: logger})
	bus := eventbus.CreateBus(eventbus.BusParams{
		Workers:     cfg.Bus.Workers,
		QueueLength: cfg.Bus.QueueLength,
		Logger:      logger,
	})

	if cfg.Broadcast {
		announcer := subscribers.CreateAnnouncer(announcerParams(cfg, logger, m))
		if err := announcer.Register(bus); err != nil {
			return err
		}
	}
	if hasAuthRoute(routeNames, cfg) {
		authorizer := subscribers.CreateStaticTokenAuthorizer(subscribers.StaticTokenAuthorizerParams{
			Tokens: cfg.Auth.Tokens,
			Logger: logger,
		})
		if err := authorizer.Register(bus); err != nil {
			return err
		}
	}

	table, err := routes.BuildTable(routes.TableParams{
		Routes:      cfg.Routes,
		Publisher:   bus,
		Loop:        eventLoop,
		AuthTimeout: cfg.AuthTimeout,
		Context:     ctx,
		Logger:      logger,
		Metrics:     m,
	})
	if err != nil {
		return err
	}
	if missing := table.Missing(routeNames); len(missing) > 0 {
		return &errors.UnknownRoute{Names: missing}
	}

	sources, closeSources, err := buildSources(logger, opts, cfg)
	defer closeSources()
	if err != nil {
		return err
	}

	server := transport.CreateWebsocketServer(table, transport.WebsocketServerParams{
		MetricsPath:     cfg.Server.MetricsPath,
		Metrics:         m,
		ReadLimit:       cfg.Server.ReadLimit,
		SendQueueLength: cfg.Server.SendQueueLength,
		Logger:          logger,
	})
	relay := bridge.CreateBridge(bridge.BridgeParams{
		Table:   table,
		Sources: sources,
		Routes:  routeNames,
		Logger:  logger,
		Metrics: m,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eventLoop.Run(gctx) })
	g.Go(func() error { return bus.Start(gctx) })
	g.Go(func() error {
		return server.Start(gctx, host, port, routeNames, cfg.Server.BindAddress)
	})
	g.Go(func() error { return relay.Start(gctx) })
	g.Go(func() error {
		select {
		case <-server.Ready():
		case <-gctx.Done():
			return nil
		}
		logger.Info("Kernel ready to accept websocket connections.", zap.Stringer("addr", server.Addr()))
		if len(sources) > 0 {
			logger.Info("Relaying external sources.", zap.Int("sources", len(sources)))
		}
		return nil
	})

	err = g.Wait()

	logger.Info("The event loop stopped.")
	logger.Info("The websocket server will shut down.")
	logger.Info("Bye!")
	return err
}
