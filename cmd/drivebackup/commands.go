package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"drivebackup/internal/config"
	"drivebackup/internal/dispatch"
	"drivebackup/internal/events"
	"drivebackup/internal/snapshot"
	"drivebackup/internal/status"
	"drivebackup/internal/updates"
)

func newBackupCmd(opts *rootOptions) *cobra.Command {
	var remote string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Run one backup cycle now",
		Long: `Run one backup cycle in this process and print the outcome per destination.
With --remote the cycle is triggered on a running daemon instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if remote != "" {
				c, err := status.NewClient(remote)
				if err != nil {
					return err
				}
				if err := c.TriggerBackup(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Backup started on", remote)
				return nil
			}

			logger, err := opts.logger(cmd)
			if err != nil {
				return err
			}
			a, err := newApp(opts.configFile(), snapshot.NewZipProducer(logger), buildDestinations(), logger)
			if err != nil {
				return err
			}
			report, err := a.engine.RunCycle(cmd.Context())
			if err != nil {
				return err
			}
			printReport(cmd.OutOrStdout(), report)
			if report.SourceError != "" {
				return fmt.Errorf("backup source unavailable: %s", report.SourceError)
			}
			if n := report.Summary.Failed; n > 0 {
				return fmt.Errorf("%d destination(s) failed", n)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&remote, "remote", "", "trigger the cycle on a running daemon at this status address")
	return cmd
}

func newCheckUpdateCmd(opts *rootOptions) *cobra.Command {
	var feedURL string
	cmd := &cobra.Command{
		Use:   "check-update",
		Short: "Check the release feed for a newer version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := opts.logger(cmd)
			if err != nil {
				return err
			}
			var checkerOpts []updates.Option
			if feedURL != "" {
				checkerOpts = append(checkerOpts, updates.WithFeedURL(feedURL))
			}
			info := updates.NewChecker(Version, nil, nil, logger, checkerOpts...).Check(cmd.Context())

			out := cmd.OutOrStdout()
			switch info.Classification {
			case updates.Outdated:
				fmt.Fprintf(out, "Version %s has been released. You are currently running version %s\n", info.LatestTitle, info.CurrentTitle)
				fmt.Fprintf(out, "Update at: %s\n", updates.DownloadURL)
			case updates.AheadOfFeed:
				fmt.Fprintf(out, "You are running an unsupported build! The recommended version is %s, and you are running %s.\n", info.LatestTitle, info.CurrentTitle)
			case updates.UpToDate:
				fmt.Fprintf(out, "You are running the latest build (%s).\n", info.CurrentTitle)
			case updates.CheckFailed:
				return fmt.Errorf("update check failed: %w", info.Err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&feedURL, "feed", "", "release feed URL")
	return cmd
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running daemon",
		Long: `Query a running daemon's status server. The address defaults to
status.listen from the config file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := config.Parse(opts.configFile())
				if err != nil {
					return err
				}
				if cfg.Status.Listen == "" {
					return errors.New("status server disabled: set status.listen in the config or pass --addr")
				}
				addr = cfg.Status.Listen
			}
			c, err := status.NewClient(addr)
			if err != nil {
				return err
			}
			st, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "status server address (host:port or URL)")
	return cmd
}

func newListCmd(opts *rootOptions) *cobra.Command {
	var destination, remote string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored backups of one destination",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if destination == "" {
				return fmt.Errorf("--destination is required (one of %s)", strings.Join(kindStrings(config.Kinds), ", "))
			}
			kind := config.DestinationKind(destination)

			if remote != "" {
				c, err := status.NewClient(remote)
				if err != nil {
					return err
				}
				resp, err := c.Backups(cmd.Context(), kind)
				if err != nil {
					return err
				}
				printBackupEntries(cmd.OutOrStdout(), kind, resp.Backups)
				return nil
			}

			logger, err := opts.logger(cmd)
			if err != nil {
				return err
			}
			a, err := newApp(opts.configFile(), snapshot.NewZipProducer(logger), buildDestinations(), logger)
			if err != nil {
				return err
			}
			listing, err := a.engine.ListBackups(cmd.Context(), kind)
			if err != nil {
				return err
			}
			printListing(cmd.OutOrStdout(), listing)
			return nil
		},
	}
	cmd.Flags().StringVar(&destination, "destination", "", "destination kind (s3, googledrive, onedrive, ftp, local)")
	cmd.Flags().StringVar(&remote, "remote", "", "list through a running daemon at this status address")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "DriveBackup %s\n", Version)
		},
	}
}

func printReport(w io.Writer, r *dispatch.Report) {
	if len(r.Summary.Outcomes) == 0 && r.SourceError == "" {
		fmt.Fprintln(w, "No backup destinations enabled")
		return
	}
	if r.Snapshot != "" {
		fmt.Fprintf(w, "Snapshot %s (%s)\n", r.Snapshot, formatSize(r.Summary.Size))
	}
	printOutcomes(w, r.Summary.Outcomes)
	fmt.Fprintf(w, "%d succeeded, %d failed, %d skipped in %s\n",
		r.Summary.Succeeded, r.Summary.Failed, r.Summary.Skipped, r.Summary.Duration.Round(time.Millisecond))
}

func printOutcomes(w io.Writer, outcomes []events.Outcome) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "DESTINATION\tSTATUS\tREASON\tDURATION\tDETAIL\n")
	for _, o := range outcomes {
		detail := o.Key
		if o.Error != "" {
			detail = o.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", o.Kind, o.Status, dash(string(o.Reason)), o.Duration.Round(time.Millisecond), detail)
	}
	tw.Flush()
}

func printStatus(w io.Writer, st *status.Response) {
	state := "idle"
	if st.Running {
		state = "backup running"
	}
	fmt.Fprintf(w, "DriveBackup %s: %s\n", dash(st.Version), state)
	if len(st.Destinations) == 0 {
		fmt.Fprintln(w, "Destinations: none enabled")
	} else {
		fmt.Fprintf(w, "Destinations: %s\n", strings.Join(kindStrings(st.Destinations), ", "))
	}
	if st.Update != nil {
		fmt.Fprintf(w, "Update check: %s (running %s, latest %s)\n", st.Update.Classification, st.Update.CurrentTitle, dash(st.Update.LatestTitle))
	}
	if c := st.LastCycle; c != nil {
		fmt.Fprintf(w, "Last cycle: %s at %s\n", c.CycleID, c.StartedAt.Format(time.RFC3339))
		if c.SourceError != "" {
			fmt.Fprintf(w, "Source unavailable: %s\n", c.SourceError)
		}
		if len(c.Summary.Outcomes) > 0 {
			printOutcomes(w, c.Summary.Outcomes)
		}
	} else {
		fmt.Fprintln(w, "Last cycle: none")
	}
}

func printListing(w io.Writer, l *dispatch.Listing) {
	entries := make([]status.BackupEntry, 0, len(l.Backups))
	for _, b := range l.Backups {
		entries = append(entries, status.BackupEntry{
			Key:              b.Key,
			FileName:         b.FileName,
			Size:             b.Size,
			CreatedAt:        b.CreatedAt,
			RetentionBuckets: l.Buckets[b.Key],
		})
	}
	printBackupEntries(w, l.Kind, entries)
}

func printBackupEntries(w io.Writer, kind config.DestinationKind, entries []status.BackupEntry) {
	if len(entries) == 0 {
		fmt.Fprintf(w, "No backups found on %s\n", kind)
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "KEY\tFILENAME\tSIZE\tCREATED\tRETENTION\n")
	for _, b := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", b.Key, b.FileName, formatSize(b.Size), b.CreatedAt.Format(time.RFC3339), dash(strings.Join(b.RetentionBuckets, ",")))
	}
	tw.Flush()
}

func kindStrings(kinds []config.DestinationKind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// formatSize returns a human-readable size string.
func formatSize(bytes int64) string {
	switch {
	case bytes >= 1<<30:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(1<<30))
	case bytes >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(1<<20))
	case bytes >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(1<<10))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
