package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cyberinferno/filesfer/config"
	"github.com/cyberinferno/filesfer/events"
	"github.com/cyberinferno/filesfer/logger"
	"github.com/cyberinferno/filesfer/metrics"
	"github.com/cyberinferno/filesfer/server"
	"github.com/cyberinferno/filesfer/store"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	serviceName    = "filesfer"
	portProbeDelay = 300 * time.Millisecond
	webhookTimeout = 5 * time.Second
)

type serveOptions struct {
	port int
	dir  string
	host string
}

func newServeCmd(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the file server in the foreground",
		Long: `Run the filesfer server in the foreground until interrupted.

Events such as connections and completed transfers are printed to stdout;
logs go to stderr and, when logging.dir is set, to daily log files.

Examples:
  # Serve with the configured directory and port
  filesfer serve

  # Override port and directory
  filesfer serve --port 9001 --dir /srv/share

  # Debug logging through the environment
  FILESFER_LOGGING_LEVEL=debug filesfer serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(root.configFile)
			if err != nil {
				return err
			}

			opts.apply(cmd, cfg)
			if err := config.Validate(cfg); err != nil {
				return err
			}

			return runServe(cmd, cfg)
		},
	}

	cmd.Flags().IntVarP(&opts.port, "port", "p", 0, "TCP port (overrides server.port)")
	cmd.Flags().StringVarP(&opts.dir, "dir", "d", "", "Shared directory (overrides server.shared_dir)")
	cmd.Flags().StringVar(&opts.host, "host", "", "Bind address (overrides server.host)")
	return cmd
}

func (o *serveOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = o.port
	}
	if cmd.Flags().Changed("dir") {
		cfg.Server.SharedDir = o.dir
	}
	if cmd.Flags().Changed("host") {
		cfg.Server.Host = o.host
	}
}

func runServe(cmd *cobra.Command, cfg *config.Config) error {
	log, err := logger.New(logger.Options{
		Service: serviceName,
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Dir:     cfg.Logging.Dir,
		Output:  cmd.ErrOrStderr(),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = log.Close() }()

	if PortInUse(cfg.Server.Host, cfg.Server.Port) {
		return fmt.Errorf("port %d is already in use", cfg.Server.Port)
	}

	st, err := store.NewDiskStore(cfg.Server.SharedDir, store.Options{ListCacheTTL: cfg.Store.ListCacheTTL})
	if err != nil {
		return err
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(nil)
	}

	sinks, closeSinks := buildSinks(cfg, log)
	defer closeSinks()

	feed := events.NewFeed(events.FeedOptions{
		Retention: cfg.Events.Retention,
		Logger:    log,
		Sinks:     sinks,
	})
	defer func() { _ = feed.Close() }()

	sup, err := server.New(server.Options{
		Store:           st,
		Logger:          log,
		Feed:            feed,
		Metrics:         m,
		Host:            cfg.Server.Host,
		ChunkSize:       cfg.Server.ChunkSize.Int(),
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	updates, unsubscribe := feed.Subscribe(64)
	defer unsubscribe()

	if err := sup.Start(cfg.Server.Port); err != nil {
		return err
	}

	log.Info("serving",
		logger.Field{Key: "dir", Value: st.Root()},
		logger.Field{Key: "addr", Value: sup.Addr().String()})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		printEvents(cmd.OutOrStdout(), updates)
		return nil
	})

	if m != nil {
		metricsSrv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           metricsMux(m),
			ReadHeaderTimeout: 5 * time.Second,
		}

		g.Go(func() error {
			log.Info("metrics enabled", logger.Field{Key: "addr", Value: cfg.Metrics.Addr})
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})

		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		err := sup.Close()
		unsubscribe()
		return err
	})

	return g.Wait()
}

// buildSinks creates the configured event sinks and a function releasing
// their clients.
func buildSinks(cfg *config.Config, log logger.Logger) ([]events.Sink, func()) {
	var sinks []events.Sink
	closers := []func(){}

	if addr := cfg.Events.Redis.Addr; addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Events.Redis.Password,
			DB:       cfg.Events.Redis.DB,
		})
		closers = append(closers, func() { _ = rdb.Close() })
		sinks = append(sinks, events.NewRedisSink(rdb, cfg.Events.Redis.Key, cfg.Events.Redis.Channel, cfg.Events.Retention))
		log.Info("redis event sink enabled", logger.Field{Key: "addr", Value: addr})
	}

	if hook := cfg.Events.DiscordWebhook; hook != "" {
		sinks = append(sinks, events.NewDiscordSink(hook, &http.Client{Timeout: webhookTimeout}))
		log.Info("discord event sink enabled")
	}

	return sinks, func() {
		for _, c := range closers {
			c()
		}
	}
}

func metricsMux(m *metrics.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return mux
}

func printEvents(w io.Writer, updates <-chan events.Event) {
	for e := range updates {
		_, _ = fmt.Fprintln(w, e.String())
	}
}

// PortInUse reports whether something already accepts connections on port.
// It dials the loopback address (or host when set) with a short timeout.
//
// Parameters:
//   - host: Bind host; empty or unspecified probes 127.0.0.1
//   - port: TCP port
//
// Returns:
//   - true if a connection was accepted
func PortInUse(host string, port int) bool {
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}

	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), portProbeDelay)
	if err != nil {
		return false
	}

	_ = conn.Close()
	return true
}
