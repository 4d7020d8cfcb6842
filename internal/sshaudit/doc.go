// Package sshaudit keeps a persistent log of remote-shell sessions.
//
// [Auditor] writes one row per event to the ssh_audit_logs table through
// GORM and echoes it to the standard logger. It implements the session
// bridge's audit sink, so every spawned session produces either a start and
// an end record or a single failure record.
//
// # Event Types
//
//   - [EventSessionStart]: authentication succeeded (includes the identity).
//   - [EventSessionEnd]: an active session ended (includes the reason,
//     duration and byte counts).
//   - [EventAuthFailed]: no agent, an empty agent, or every identity rejected.
//   - [EventConnectionFailed]: dial, key exchange or host key rejection.
//   - [EventSetupFailed]: the server refused the pty, env or shell request.
//   - [EventSessionFailed]: any other failure before the session was usable.
//
// # Retention and Purging
//
// Entries are kept for [DefaultRetentionDays] (90 days) by default.
// [Auditor.StartRetentionCleanup] runs the purge on a cron schedule
// ([DefaultPurgeSchedule] unless one is given); [Auditor.PurgeOlderThan]
// purges on demand.
//
// # Usage
//
//	db, err := database.Open(path)
//	auditor, err := sshaudit.NewAuditor(db, 90)
//	stop, err := auditor.StartRetentionCleanup(ctx, "@daily")
//	defer stop()
//
//	cfg, err := sshterminal.NewConfig(addr, sshterminal.WithAudit(auditor))
//
//	entries, total, err := auditor.Query(sshaudit.QueryOptions{
//	    Address:   "db.example.com:22",
//	    EventType: sshaudit.EventAuthFailed,
//	})
//
// # Log Prefixes
//
// Audit log messages use the [ssh-audit] prefix for easy filtering.
package sshaudit
