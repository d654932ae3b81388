package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"drivebackup/internal/config"
)

type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

// configFile returns --config, or the path resolved from the environment.
func (o *rootOptions) configFile() string {
	if o.configPath != "" {
		return o.configPath
	}
	return config.Path()
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "drivebackup",
		Short: "DriveBackup - scheduled multi-destination backups",
		Long: `DriveBackup snapshots local state on a schedule and uploads each snapshot
to every enabled destination (S3, Google Drive, OneDrive, FTP/SFTP, local
directory).`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default $DRIVEBACKUP_CONFIG, /config/config.yml or ./config.yml)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "console", "log format (console, json)")

	cmd.AddCommand(
		newRunCmd(opts),
		newBackupCmd(opts),
		newCheckUpdateCmd(opts),
		newStatusCmd(opts),
		newListCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// newLogger builds the process logger. Console output goes to stderr so
// command output on stdout stays machine readable.
func newLogger(w io.Writer, level, format string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if w == nil {
		w = os.Stderr
	}

	switch format {
	case "", "console":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	case "json":
	default:
		return zerolog.Nop(), fmt.Errorf("invalid log format %q (use console or json)", format)
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

func (o *rootOptions) logger(cmd *cobra.Command) (zerolog.Logger, error) {
	return newLogger(cmd.ErrOrStderr(), o.logLevel, o.logFormat)
}
