// Package storage persists control audit entries and reading history in SQLite.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/nexus-edge/meter-gateway/internal/domain"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// auditRecord is the control_audit row.
type auditRecord struct {
	ID            string    `gorm:"primaryKey;size:36"`
	RequestID     string    `gorm:"index;size:64"`
	DeviceID      string    `gorm:"index;size:128"`
	ControlMode   string    `gorm:"size:32"`
	ControlTarget string    `gorm:"size:64"`
	Action        string    `gorm:"size:16"`
	Reason        string
	Operator      string    `gorm:"size:128"`
	ProjectID     string    `gorm:"size:128"`
	Status        string    `gorm:"size:16"`
	Tier          string    `gorm:"size:16"`
	ErrorMessage  *string
	Verified      bool
	Warning       *string
	RequestedAt   time.Time
	ExecutedAt    time.Time `gorm:"index"`
}

func (auditRecord) TableName() string { return "control_audit" }

// AuditStore is an append-only domain.AuditSink backed by gorm.
type AuditStore struct {
	db *gorm.DB
}

var _ domain.AuditSink = (*AuditStore)(nil)

// OpenAuditStore opens (or creates) the audit database at path.
func OpenAuditStore(path string) (*AuditStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if err := db.AutoMigrate(&auditRecord{}); err != nil {
		_ = closeGorm(db)
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}
	return &AuditStore{db: db}, nil
}

// AppendAudit inserts one entry. Existing rows are never updated.
func (s *AuditStore) AppendAudit(ctx context.Context, entry domain.AuditEntry) error {
	rec := auditRecord{
		ID:            entry.ID,
		RequestID:     entry.RequestID,
		DeviceID:      entry.DeviceID,
		ControlMode:   entry.ControlMode,
		ControlTarget: entry.ControlTarget,
		Action:        entry.Action,
		Reason:        entry.Reason,
		Operator:      entry.Operator,
		ProjectID:     entry.ProjectID,
		Status:        string(entry.Status),
		Tier:          string(entry.Tier),
		ErrorMessage:  entry.ErrorMessage,
		Verified:      entry.Verified,
		Warning:       entry.Warning,
		RequestedAt:   entry.RequestedAt,
		ExecutedAt:    entry.ExecutedAt,
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("append audit %s: %w", entry.ID, err)
	}
	return nil
}

// ListByDevice returns the newest entries for a device, newest first.
// limit <= 0 returns everything.
func (s *AuditStore) ListByDevice(ctx context.Context, deviceID string, limit int) ([]domain.AuditEntry, error) {
	q := s.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("executed_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []auditRecord
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.AuditEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.AuditEntry{
			ID:            r.ID,
			RequestID:     r.RequestID,
			DeviceID:      r.DeviceID,
			ControlMode:   r.ControlMode,
			ControlTarget: r.ControlTarget,
			Action:        r.Action,
			Reason:        r.Reason,
			Operator:      r.Operator,
			ProjectID:     r.ProjectID,
			Status:        domain.ControlStatus(r.Status),
			Tier:          domain.Tier(r.Tier),
			ErrorMessage:  r.ErrorMessage,
			Verified:      r.Verified,
			Warning:       r.Warning,
			RequestedAt:   r.RequestedAt,
			ExecutedAt:    r.ExecutedAt,
		})
	}
	return out, nil
}

// Count returns the number of stored entries.
func (s *AuditStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&auditRecord{}).Count(&n).Error
	return n, err
}

// HealthCheck implements the health.Checker interface.
func (s *AuditStore) HealthCheck(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying database.
func (s *AuditStore) Close() error {
	return closeGorm(s.db)
}

func closeGorm(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
