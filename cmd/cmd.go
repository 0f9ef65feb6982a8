package cmd

import (
	"context"
	"log/slog"

	"github.com/gaze-network/txcore/internal/config"
	"github.com/gaze-network/txcore/pkg/logger"
	"github.com/gaze-network/txcore/pkg/logger/slogx"
	"github.com/spf13/cobra"
)

var cmd = &cobra.Command{
	Use:  "txcore",
	Long: `Unit of work sessions and two-phase commit coordination over entity snapshot stores`,
}

func init() {
	var configFile string

	// Add global flags
	flags := cmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file, E.g. `./config.yaml`")
	flags.String("store", config.StoreDriverMemory, "store driver, E.g. `memory`, `sqlite` or `postgres`")

	// Bind flags to configuration
	config.BindPFlag("store.driver", flags.Lookup("store"))

	// Initialize configuration and logger on start command
	cobra.OnInitialize(func() {
		// Initialize configuration
		config.Parse(configFile)
		conf := config.Load()

		// Initialize logger
		if err := logger.Init(conf.Logger); err != nil {
			logger.Panic("Failed to initialize logger", slogx.Error(err), slog.Any("config", conf.Logger))
		}
	})
}

func Execute(ctx context.Context) {
	// Register sub-commands
	cmd.AddCommand(
		NewVersionCommand(),
		NewMigrateCommand(),
		NewProbeCommand(),
		NewRecoverCommand(),
	)

	// Execute command
	if err := cmd.ExecuteContext(ctx); err != nil {
		logger.PanicContext(ctx, "Failed to execute root command", slogx.Error(err))
	}
}
