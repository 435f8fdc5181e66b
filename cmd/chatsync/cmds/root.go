package cmds

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatsync/pkg/config"
)

type rootFlags struct {
	configPath string
	envFile    string
	logLevel   string
	logFormat  string
	scope      string
	backend    string
}

// NewRootCommand wires every chatsync subcommand under one cobra root.
func NewRootCommand() *cobra.Command {
	flags := &rootFlags{}
	cfg := config.Default()

	rootCmd := &cobra.Command{
		Use:           "chatsync",
		Short:         "chatsync keeps a local cache of chat sessions in sync with the chat backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadEnvFile(flags.envFile); err != nil {
				return err
			}
			loaded, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			if flags.logLevel != "" {
				loaded.Log.Level = flags.logLevel
			}
			if flags.logFormat != "" {
				loaded.Log.Format = flags.logFormat
			}
			if flags.scope != "" {
				loaded.Cache.Backend.Scope = flags.scope
			}
			if flags.backend != "" {
				loaded.Cache.Backend.Kind = strings.ToLower(flags.backend)
			}
			if err := loaded.Validate(); err != nil {
				return err
			}
			if err := initLogger(loaded.Log); err != nil {
				return err
			}
			*cfg = *loaded
			return nil
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", os.Getenv("CHATSYNC_CONFIG"), "Path to a YAML config file")
	pf.StringVar(&flags.envFile, "env-file", ".env", "Optional .env file loaded before reading the environment")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	pf.StringVar(&flags.logFormat, "log-format", "", "Log format (auto, console, json)")
	pf.StringVar(&flags.scope, "scope", "", "Cache scope, one durable record per scope")
	pf.StringVar(&flags.backend, "cache-backend", "", "Cache backend (memory, sqlite, redis, valkey)")

	rootCmd.AddCommand(
		newLoadCommand(cfg),
		newOlderCommand(cfg),
		newSendCommand(cfg),
		newWatchCommand(cfg),
		newCacheCommand(cfg),
		newBrowseCommand(cfg),
		newPublishCommand(cfg),
	)
	return rootCmd
}

func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "stat %s", path)
	}
	// Variables already set in the environment win over the file.
	if err := godotenv.Load(path); err != nil {
		return errors.Wrapf(err, "load %s", path)
	}
	return nil
}

func initLogger(c config.LogConfig) error {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil {
		return errors.Wrapf(err, "invalid log level %q", c.Level)
	}
	zerolog.SetGlobalLevel(level)

	console := c.Format == "console" || (c.Format == "auto" && isatty.IsTerminal(os.Stderr.Fd()))
	if console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return nil
}
