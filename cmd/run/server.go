package run

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/Mmx233/igtlink/config"
	"github.com/Mmx233/igtlink/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	serverCmd = &cobra.Command{
		Use:   "server",
		Short: "Start the device simulator",
		Args:  cobra.NoArgs,
		RunE:  runServer,
	}
)

func runServer(cmd *cobra.Command, args []string) error {
	logger := log.With().Str("com", "server-cmd").Logger()

	// Load configuration
	logger.Info().Str("config", configFile).Msg("loading configuration")
	cfg, err := config.LoadServerConfig(configFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("protocol", cfg.Protocol).Msg("starting device simulator")
	if err := server.Start(ctx, cfg, log.Logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("server error")
		return err
	}

	logger.Info().Msg("server stopped")
	return nil
}
