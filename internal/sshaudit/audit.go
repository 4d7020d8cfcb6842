package sshaudit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/oupson/flatline/internal/logutil"
	"github.com/oupson/flatline/internal/sshauth"
	"github.com/oupson/flatline/internal/sshchannel"
)

// EventType identifies what happened to a session.
type EventType string

const (
	EventSessionStart     EventType = "session_start"
	EventSessionEnd       EventType = "session_end"
	EventAuthFailed       EventType = "auth_failed"
	EventConnectionFailed EventType = "connection_failed"
	EventSetupFailed      EventType = "setup_failed"
	EventSessionFailed    EventType = "session_failed"
)

const (
	// DefaultRetentionDays is the default number of days to keep audit logs.
	DefaultRetentionDays = 90
	// DefaultPurgeSchedule is the cron schedule the retention purge runs on.
	DefaultPurgeSchedule = "@daily"
	// maxQueryLimit caps the number of entries one Query returns.
	maxQueryLimit = 1000
)

// AuditEntry is one row of the ssh_audit_logs table.
type AuditEntry struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID  string    `gorm:"index;size:36" json:"session_id"`
	EventType  string    `gorm:"index;not null" json:"event_type"`
	Address    string    `gorm:"index" json:"address"`
	User       string    `json:"user"`
	Identity   string    `json:"identity,omitempty"`
	Details    string    `json:"details,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	BytesIn    int64     `json:"bytes_in,omitempty"`
	BytesOut   int64     `json:"bytes_out,omitempty"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
}

// TableName pins the table name regardless of gorm's naming strategy.
func (AuditEntry) TableName() string { return "ssh_audit_logs" }

// Auditor records session events to the database and the standard logger.
// It satisfies sshterminal.AuditSink.
type Auditor struct {
	db *gorm.DB

	mu            sync.RWMutex
	retentionDays int
	nowFn         func() time.Time // injectable clock for testing
}

// NewAuditor migrates the audit table and returns an Auditor writing to db.
// A retentionDays of 0 or less selects DefaultRetentionDays.
func NewAuditor(db *gorm.DB, retentionDays int) (*Auditor, error) {
	if err := db.AutoMigrate(&AuditEntry{}); err != nil {
		return nil, fmt.Errorf("migrate audit table: %w", err)
	}
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Auditor{
		db:            db,
		retentionDays: retentionDays,
		nowFn:         time.Now,
	}, nil
}

// Log writes one entry. CreatedAt defaults to the current time.
func (a *Auditor) Log(entry AuditEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = a.nowFn()
	}
	if err := a.db.Create(&entry).Error; err != nil {
		log.Printf("[ssh-audit] failed to write audit log: %v", err)
		return err
	}

	log.Printf("[ssh-audit] %s session=%s address=%s user=%s details=%s",
		entry.EventType,
		entry.SessionID,
		logutil.SanitizeForLog(entry.Address),
		logutil.SanitizeForLog(entry.User),
		logutil.SanitizeForLog(entry.Details),
	)
	return nil
}

// SessionStarted records a session that authenticated as identity.
func (a *Auditor) SessionStarted(sessionID, address, username, identity string) {
	a.Log(AuditEntry{
		SessionID: sessionID,
		EventType: string(EventSessionStart),
		Address:   address,
		User:      username,
		Identity:  identity,
	})
}

// SessionFailed records a session that never became usable. The event type
// follows the error's class.
func (a *Auditor) SessionFailed(sessionID, address, username string, err error) {
	details := ""
	if err != nil {
		details = err.Error()
	}
	a.Log(AuditEntry{
		SessionID: sessionID,
		EventType: string(ClassifyFailure(err)),
		Address:   address,
		User:      username,
		Details:   details,
	})
}

// SessionEnded records the end of a session that was active.
func (a *Auditor) SessionEnded(sessionID, address, username, reason string, duration time.Duration, bytesIn, bytesOut int64) {
	a.Log(AuditEntry{
		SessionID:  sessionID,
		EventType:  string(EventSessionEnd),
		Address:    address,
		User:       username,
		Details:    reason,
		DurationMs: duration.Milliseconds(),
		BytesIn:    bytesIn,
		BytesOut:   bytesOut,
	})
}

// ClassifyFailure maps a session setup error to its audit event type.
func ClassifyFailure(err error) EventType {
	var (
		transportErr *sshauth.TransportError
		setupErr     *sshchannel.SetupError
	)
	switch {
	case errors.Is(err, sshauth.ErrAuthExhausted),
		errors.Is(err, sshauth.ErrAgentUnavailable),
		errors.Is(err, sshauth.ErrNoIdentities):
		return EventAuthFailed
	case errors.As(err, &transportErr):
		return EventConnectionFailed
	case errors.As(err, &setupErr):
		return EventSetupFailed
	default:
		return EventSessionFailed
	}
}

// QueryOptions specifies filters for retrieving audit logs.
type QueryOptions struct {
	SessionID string
	EventType EventType
	Address   string
	User      string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// Query returns matching entries newest first, plus the total number of
// matches ignoring Limit and Offset. Limit defaults to 50 and is capped at
// 1000.
func (a *Auditor) Query(opts QueryOptions) ([]AuditEntry, int64, error) {
	tx := a.db.Model(&AuditEntry{})

	if opts.SessionID != "" {
		tx = tx.Where("session_id = ?", opts.SessionID)
	}
	if opts.EventType != "" {
		tx = tx.Where("event_type = ?", string(opts.EventType))
	}
	if opts.Address != "" {
		tx = tx.Where("address = ?", opts.Address)
	}
	if opts.User != "" {
		tx = tx.Where("user = ?", opts.User)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}
	if opts.Until != nil {
		tx = tx.Where("created_at <= ?", *opts.Until)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > maxQueryLimit {
		opts.Limit = maxQueryLimit
	}

	var entries []AuditEntry
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// PurgeOlderThan deletes entries older than maxAge and returns how many were
// removed.
func (a *Auditor) PurgeOlderThan(maxAge time.Duration) (int64, error) {
	cutoff := a.nowFn().Add(-maxAge)
	result := a.db.Where("created_at < ?", cutoff).Delete(&AuditEntry{})
	if result.Error != nil {
		log.Printf("[ssh-audit] purge failed: %v", result.Error)
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		log.Printf("[ssh-audit] purged %d audit log entries older than %s", result.RowsAffected, maxAge)
	}
	return result.RowsAffected, nil
}

// RetentionDays returns the configured retention period.
func (a *Auditor) RetentionDays() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.retentionDays
}

// SetRetentionDays changes the retention period. Zero or less disables the
// scheduled purge.
func (a *Auditor) SetRetentionDays(days int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.retentionDays = days
}

// SetNowFunc sets the clock function used for testing.
func (a *Auditor) SetNowFunc(fn func() time.Time) {
	a.nowFn = fn
}

// purgeExpired applies the retention period once.
func (a *Auditor) purgeExpired() {
	days := a.RetentionDays()
	if days <= 0 {
		return
	}
	a.PurgeOlderThan(time.Duration(days) * 24 * time.Hour)
}

// StartRetentionCleanup purges expired entries on the given cron schedule
// until ctx is done or the returned function is called. An empty schedule
// selects DefaultPurgeSchedule.
func (a *Auditor) StartRetentionCleanup(ctx context.Context, schedule string) (context.CancelFunc, error) {
	if schedule == "" {
		schedule = DefaultPurgeSchedule
	}
	c := cron.New()
	if _, err := c.AddFunc(schedule, a.purgeExpired); err != nil {
		return nil, fmt.Errorf("parse purge schedule %q: %w", schedule, err)
	}
	c.Start()
	log.Printf("[ssh-audit] retention purge scheduled (%s, %d days)", schedule, a.RetentionDays())

	ctx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return func() {
		cancel()
		<-stopped
	}, nil
}
