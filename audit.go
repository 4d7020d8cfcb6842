package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/oupson/flatline/internal/config"
	"github.com/oupson/flatline/internal/sshaudit"
)

func auditCmd() *cobra.Command {
	var (
		opts    sshaudit.QueryOptions
		since   time.Duration
		asJSON  bool
		evtType string
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the session audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			auditor, closeDB, err := openAuditor(config.Cfg)
			if err != nil {
				return err
			}
			defer closeDB()

			opts.EventType = sshaudit.EventType(evtType)
			if since > 0 {
				t := time.Now().Add(-since)
				opts.Since = &t
			}
			entries, total, err := auditor.Query(opts)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					Entries []sshaudit.AuditEntry `json:"entries"`
					Total   int64                 `json:"total"`
				}{entries, total})
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tEVENT\tADDRESS\tUSER\tDURATION\tDETAILS")
			for _, e := range entries {
				duration := "-"
				if e.DurationMs > 0 {
					duration = (time.Duration(e.DurationMs) * time.Millisecond).String()
				}
				details := e.Details
				if e.Identity != "" {
					details = e.Identity
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					e.CreatedAt.Format(time.DateTime), e.EventType, e.Address, orDash(e.User), duration, orDash(details))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if int64(len(entries)) < total {
				fmt.Fprintf(cmd.ErrOrStderr(), "showing %d of %d entries\n", len(entries), total)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Address, "address", "", "only entries for this host:port")
	cmd.Flags().StringVar(&opts.SessionID, "session", "", "only entries for this session ID")
	cmd.Flags().StringVar(&opts.User, "user", "", "only entries for this remote user")
	cmd.Flags().StringVar(&evtType, "type", "", "only this event type (session_start, session_end, auth_failed, ...)")
	cmd.Flags().DurationVar(&since, "since", 0, "only entries newer than this (e.g. 24h)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "maximum number of entries")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "skip this many entries")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")

	cmd.AddCommand(auditPurgeCmd())
	return cmd
}

func auditPurgeCmd() *cobra.Command {
	var (
		olderThan time.Duration
		watch     bool
	)
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete audit entries past the retention period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := config.Cfg
			auditor, closeDB, err := openAuditor(s)
			if err != nil {
				return err
			}
			defer closeDB()

			if watch {
				stopCleanup, err := auditor.StartRetentionCleanup(cmd.Context(), s.AuditPurgeSchedule)
				if err != nil {
					return err
				}
				defer stopCleanup()

				sig := make(chan os.Signal, 1)
				signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
				defer signal.Stop(sig)
				fmt.Fprintf(cmd.ErrOrStderr(), "purging entries older than %d days on %q; interrupt to stop\n",
					auditor.RetentionDays(), s.AuditPurgeSchedule)
				<-sig
				return nil
			}

			if olderThan <= 0 {
				olderThan = time.Duration(auditor.RetentionDays()) * 24 * time.Hour
			}
			deleted, err := auditor.PurgeOlderThan(olderThan)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d entries older than %s\n", deleted, olderThan)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "age cutoff (default: FLATLINE_AUDIT_RETENTION_DAYS)")
	cmd.Flags().BoolVar(&watch, "watch", false, "keep running and purge on FLATLINE_AUDIT_PURGE_SCHEDULE")
	return cmd
}
