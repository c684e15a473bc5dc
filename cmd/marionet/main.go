package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/marionet-dev/marionet/internal/infrastructure/config"
	"github.com/marionet-dev/marionet/internal/infrastructure/logging"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type cliEnv struct {
	cfg    *config.Config
	logger *logging.Logger
}

func newRootCommand() *cobra.Command {
	env := &cliEnv{}
	var configPath string

	root := &cobra.Command{
		Use:           "marionet",
		Short:         "Provision and drive remote headful-browser sandboxes",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "TOML config file")

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		// .env is optional; environment always wins over file config.
		_ = godotenv.Load()

		var err error
		if configPath != "" {
			env.cfg, err = config.LoadFile(configPath)
		} else {
			env.cfg, err = config.Load()
		}
		if err != nil {
			return err
		}

		env.logger, err = logging.New(logging.Config{
			Level:       env.cfg.Logging.Level,
			Development: env.cfg.Logging.Development,
			OutputPaths: []string{"stderr"},
		})
		return err
	}

	root.AddCommand(
		newCreateCommand(env),
		newListCommand(env),
		newDestroyCommand(env),
		newPingCommand(env),
		newNavigateCommand(env),
		newScreenshotCommand(env),
		newServeCommand(env),
	)
	return root
}
