package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/receiving_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	ResolutionJobStatusPending   = "PENDING"
	ResolutionJobStatusResolved  = "RESOLVED"
	ResolutionJobStatusAbandoned = "ABANDONED"
)

// ResolutionJobRecord mirrors the in-process resolution job so a restarted
// instance can pick pending work back up. One row per schedule.
type ResolutionJobRecord struct {
	ID                   int        `gorm:"primary_key" json:"id"`
	ScheduleId           int        `gorm:"uniqueIndex;not null" json:"schedule_id"`
	Status               string     `gorm:"size:20;not null;index" json:"status"`
	AttemptCount         int        `gorm:"not null;default:0" json:"attempt_count"`
	MaxAttempts          int        `gorm:"not null;default:10" json:"max_attempts"`
	NextAttemptAt        *time.Time `gorm:"index" json:"next_attempt_at"`
	InvoiceNumber        string     `gorm:"size:255;not null" json:"invoice_number"`
	ClientTaxId          string     `gorm:"size:32" json:"client_tax_id"`
	ClientSequenceNumber string     `gorm:"size:32" json:"client_sequence_number"`
	DocumentNumber       *string    `gorm:"size:64" json:"document_number"`
	Strategy             string     `gorm:"size:40" json:"strategy"`
	LastError            *string    `gorm:"type:text" json:"last_error"`
	EnqueuedAt           time.Time  `json:"enqueued_at"`
	CreatedAt            time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ResolutionJobRecord) TableName() string {
	return "document_resolution_jobs"
}

type ResolutionJobRepository struct {
	DB *gorm.DB
}

func NewResolutionJobRepository(db *gorm.DB) *ResolutionJobRepository {
	return &ResolutionJobRepository{DB: db}
}

// SaveJob upserts the row for rec.ScheduleId.
func (r *ResolutionJobRepository) SaveJob(ctx context.Context, rec ResolutionJobRecord) error {
	return r.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "schedule_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "attempt_count", "max_attempts", "next_attempt_at",
			"invoice_number", "client_tax_id", "client_sequence_number",
			"document_number", "strategy", "last_error", "enqueued_at", "updated_at",
		}),
	}).Create(&rec).Error
}

func (r *ResolutionJobRepository) GetJob(ctx context.Context, scheduleId int) (*ResolutionJobRecord, error) {
	var rec ResolutionJobRecord
	err := r.DB.WithContext(ctx).Where("schedule_id = ?", scheduleId).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrorRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListRecoverableJobs returns PENDING rows whose schedule still has no DP and
// sits in one of the pre-terminal statuses.
func (r *ResolutionJobRepository) ListRecoverableJobs(ctx context.Context) ([]ResolutionJobRecord, error) {
	var recs []ResolutionJobRecord
	err := r.DB.WithContext(ctx).
		Table(ResolutionJobRecord{}.TableName()+" AS j").
		Select("j.*").
		Joins("JOIN schedules s ON s.id = j.schedule_id").
		Where("j.status = ?", ResolutionJobStatusPending).
		Where("(s.document_number IS NULL OR s.document_number = '')").
		Where("s.status IN ?", PreTerminalStatuses).
		Order("j.schedule_id ASC").
		Find(&recs).Error
	return recs, err
}

func (r *ResolutionJobRepository) ListJobsByStatus(ctx context.Context, status string, limit int) ([]ResolutionJobRecord, error) {
	q := r.DB.WithContext(ctx).Where("status = ?", status).Order("updated_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var recs []ResolutionJobRecord
	err := q.Find(&recs).Error
	return recs, err
}
