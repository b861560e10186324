package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/MegaGrindStone/horizon-web/internal/logger"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const rootLongDesc string = `Horizon is a chat client for a streaming chat backend.

Run it using:
  horizon serve    Serve the web client API and live updates
  horizon chat     Chat from the terminal`

const rootShortDesc string = "Horizon - streaming chat client"

const errLoggerKey = "error"

// commander holds what every subcommand needs once the persistent flags are parsed.
type commander struct {
	configPath string
	debug      bool

	cfg config
}

func newRootCmd() *cobra.Command {
	c := &commander{}

	cmd := &cobra.Command{
		Use:           "horizon",
		Short:         rootShortDesc,
		Long:          rootLongDesc,
		SilenceUsage:  true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("failed to load .env: %w", err)
			}

			path, err := resolveConfigPath(c.configPath)
			if err != nil {
				return err
			}
			c.cfg, err = loadConfig(path)
			if err != nil {
				return err
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "Path to the config file")
	cmd.PersistentFlags().BoolVarP(&c.debug, "debug", "d", false, "Enable debug logging")

	cmd.AddCommand(newServeCmd(c))
	cmd.AddCommand(newChatCmd(c))

	return cmd
}

func (c *commander) logger(opts ...logger.Option) *slog.Logger {
	base := []logger.Option{
		logger.WithLevel(logger.ParseLevel(c.cfg.Log.Level)),
		logger.WithDebug(c.debug),
		logger.WithSource(c.cfg.Log.Source),
		logger.WithPretty(c.cfg.Log.Pretty),
		logger.WithJSON(c.cfg.Log.JSON),
		logger.WithWriter(os.Stderr),
	}
	return logger.New(append(base, opts...)...)
}
