package config

import (
	"fmt"
	"os"

	"github.com/Mmx233/igtlink/examples"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	configFile string // --config flag value
	force      bool   // --force flag value

	Cmd = &cobra.Command{
		Use:   "config",
		Short: "Generate configuration files",
		Args:  cobra.NoArgs,
	}

	// ClientCmd writes the client configuration template
	ClientCmd = &cobra.Command{
		Use:   "client",
		Short: "Generate client configuration file",
		Args:  cobra.NoArgs,
		RunE:  runClientGenerate,
	}

	// ServerCmd writes the device simulator configuration template
	ServerCmd = &cobra.Command{
		Use:   "server",
		Short: "Generate device simulator configuration file",
		Args:  cobra.NoArgs,
		RunE:  runServerGenerate,
	}
)

func init() {
	Cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "config.yaml", "output config file path")
	Cmd.PersistentFlags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	Cmd.AddCommand(ServerCmd)
	Cmd.AddCommand(ClientCmd)
}

// GetConfigFile returns the value of the --config flag
func GetConfigFile() string {
	return configFile
}

func runClientGenerate(cmd *cobra.Command, args []string) error {
	return writeTemplate("client", examples.ClientConfig)
}

func runServerGenerate(cmd *cobra.Command, args []string) error {
	return writeTemplate("server", examples.ServerConfig)
}

func writeTemplate(kind string, load func() ([]byte, error)) error {
	logger := log.With().Str("com", "generate").Logger()
	outputPath := GetConfigFile()

	if _, err := os.Stat(outputPath); err == nil && !force {
		return fmt.Errorf("file already exists: %s", outputPath)
	}

	content, err := load()
	if err != nil {
		return fmt.Errorf("load %s config template: %w", kind, err)
	}
	if err := os.WriteFile(outputPath, content, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	logger.Info().Str("file", outputPath).Str("kind", kind).Msg("generated configuration")
	return nil
}
