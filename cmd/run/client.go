package run

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Mmx233/igtlink/client"
	"github.com/Mmx233/igtlink/config"
	"github.com/Mmx233/igtlink/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	clientCmd = &cobra.Command{
		Use:   "client",
		Short: "Connect to a device and print the received messages",
		Args:  cobra.NoArgs,
		RunE:  runClient,
	}

	metricsListen string
	outputFormat  string
	commands      []string
)

func init() {
	clientCmd.Flags().StringVar(&metricsListen, "metrics", "", "metrics listen address, overrides the config file")
	clientCmd.Flags().StringVarP(&outputFormat, "output", "o", "", "output format, log or json")
	clientCmd.Flags().StringArrayVar(&commands, "command", nil, "command sent after every connect, repeatable")
}

func runClient(cmd *cobra.Command, args []string) error {
	logger := log.With().Str("com", "client-cmd").Logger()

	// Load configuration with validation
	logger.Info().Str("config", configFile).Msg("loading configuration")
	cfg, err := config.LoadClientConfig(configFile)
	if err != nil {
		return err
	}
	if metricsListen != "" {
		cfg.Metrics.Listen = metricsListen
	}
	if outputFormat != "" {
		cfg.Output = outputFormat
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = runConnection(ctx, cfg, commands, newPrinter(cfg.Output, os.Stdout, logger), logger)
	if err != nil {
		logger.Error().Err(err).Msg("client error")
		return err
	}
	logger.Info().Msg("client stopped")
	return nil
}

// runConnection connects to the configured device and keeps reconnecting
// until ctx is done.
func runConnection(ctx context.Context, cfg *config.Client, commands []string, out *printer, logger zerolog.Logger) error {
	reg := prometheus.NewRegistry()
	collector := metrics.New(reg, cfg.Metrics.Namespace, prometheus.Labels{"role": "client"})

	conn, err := client.New(cfg, log.Logger, client.WithMetrics(collector))
	if err != nil {
		return err
	}
	out.subscribe(conn.Events())

	g, gctx := errgroup.WithContext(ctx)

	rc := newReconnector(gctx, conn, cfg.ReconnectInterval, logger)
	defer rc.stop()

	if len(commands) > 0 {
		conn.Events().OnConnected(func() {
			// SendCommand blocks on the reply, which the connection goroutine delivers
			go func() {
				for _, command := range commands {
					reply, err := conn.SendCommand(gctx, command)
					out.reply(command, reply, err)
					if err != nil {
						return
					}
				}
			}()
		})
	}

	g.Go(func() error { return conn.Run(gctx) })
	if cfg.Metrics.Listen != "" {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.Metrics.Listen, metrics.Router(reg, conn.IsConnected), logger)
		})
	}

	logger.Info().Stringer("info", conn.Info()).Msg("starting igtlink client")
	conn.Connect()
	return g.Wait()
}

func serveMetrics(ctx context.Context, addr string, handler http.Handler, logger zerolog.Logger) error {
	hs := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	stop := context.AfterFunc(ctx, func() { _ = hs.Close() })
	defer stop()

	logger.Info().Str("listen", addr).Msg("metrics endpoint started")
	if err := hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics endpoint: %w", err)
	}
	return nil
}

// reconnector schedules a new connection attempt after every failure or drop.
type reconnector struct {
	ctx      context.Context
	conn     *client.Connection
	interval time.Duration
	logger   zerolog.Logger

	mu    sync.Mutex
	timer *time.Timer
	unsub []func()
}

func newReconnector(ctx context.Context, conn *client.Connection, interval time.Duration, logger zerolog.Logger) *reconnector {
	rc := &reconnector{
		ctx:      ctx,
		conn:     conn,
		interval: interval,
		logger:   logger,
	}
	if interval <= 0 {
		return rc
	}
	rc.unsub = append(rc.unsub,
		conn.Events().OnError(func(client.TransportError) { rc.schedule() }),
		conn.Events().OnDisconnected(rc.schedule),
	)
	return rc
}

func (rc *reconnector) schedule() {
	if rc.conn.IsConnected() || rc.ctx.Err() != nil {
		return
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.timer != nil {
		return
	}
	rc.logger.Info().Dur("in", rc.interval).Msg("reconnecting")
	rc.timer = time.AfterFunc(rc.interval, func() {
		rc.mu.Lock()
		rc.timer = nil
		rc.mu.Unlock()
		if rc.ctx.Err() == nil {
			rc.conn.Connect()
		}
	})
}

func (rc *reconnector) stop() {
	for _, unsub := range rc.unsub {
		unsub()
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.timer != nil {
		rc.timer.Stop()
		rc.timer = nil
	}
}
