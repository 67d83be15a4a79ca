package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/receiving_backend/utils"
	"gorm.io/gorm"
)

type ScheduleStatus string

const (
	ScheduleStatusScheduled       ScheduleStatus = "scheduled"
	ScheduleStatusConfirmed       ScheduleStatus = "confirmed"
	ScheduleStatusAwaitingReceipt ScheduleStatus = "awaiting_receipt"
	ScheduleStatusInStock         ScheduleStatus = "in_stock"
	ScheduleStatusCancelled       ScheduleStatus = "cancelled"
	ScheduleStatusRejected        ScheduleStatus = "rejected"
)

// PreTerminalStatuses are the states in which a schedule is still waiting for its DP.
var PreTerminalStatuses = []ScheduleStatus{ScheduleStatusConfirmed, ScheduleStatusAwaitingReceipt}

func (s ScheduleStatus) IsTerminal() bool {
	return s == ScheduleStatusInStock
}

// Schedule is the goods-receipt appointment. The engine only writes
// document_number, status and the history rows.
type Schedule struct {
	ID             int            `gorm:"primary_key" json:"id"`
	InvoiceNumber  string         `gorm:"size:255;index" json:"invoice_number"`
	ClientTaxId    string         `gorm:"size:32;index" json:"client_tax_id"`
	DocumentNumber *string        `gorm:"size:64;index" json:"document_number"`
	Status         ScheduleStatus `gorm:"size:32;index;not null" json:"status"`
	CreatedAt      time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

func (s Schedule) HasDocument() bool {
	return s.DocumentNumber != nil && strings.TrimSpace(*s.DocumentNumber) != ""
}

// ScheduleRepository reads and mutates schedules through gorm.
type ScheduleRepository struct {
	DB *gorm.DB
}

func NewScheduleRepository(db *gorm.DB) *ScheduleRepository {
	return &ScheduleRepository{DB: db}
}

func (r *ScheduleRepository) GetSchedule(ctx context.Context, id int) (*Schedule, error) {
	var schedule Schedule
	err := r.DB.WithContext(ctx).Where("id = ?", id).Take(&schedule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrorRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &schedule, nil
}

// AssignDocumentNumber writes the DP once. applied=false means the schedule
// already carried a document number and nothing was written.
func (r *ScheduleRepository) AssignDocumentNumber(ctx context.Context, id int, documentNumber string, description string) (applied bool, err error) {
	documentNumber = strings.TrimSpace(documentNumber)
	if documentNumber == "" {
		return false, errors.New("document number is required")
	}

	err = r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var schedule Schedule
		if err := tx.Where("id = ?", id).Take(&schedule).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return utils.ErrorRecordNotFound
			}
			return err
		}

		res := tx.Model(&Schedule{}).
			Where("id = ? AND (document_number IS NULL OR document_number = '')", id).
			Update("document_number", documentNumber)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		applied = true

		return createScheduleHistory(tx, ScheduleHistoryActionDocumentResolved, id,
			schedule.Status, schedule.Status, &documentNumber, description)
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// PromoteStatus moves a schedule from one status to another, guarded on the
// current status. applied=false means the row was no longer in `from`.
func (r *ScheduleRepository) PromoteStatus(ctx context.Context, id int, from, to ScheduleStatus, documentNumber string, description string) (applied bool, err error) {
	if from == to {
		return false, fmt.Errorf("status transition %s -> %s is a no-op", from, to)
	}
	if from.IsTerminal() {
		return false, fmt.Errorf("status %s is terminal", from)
	}

	err = r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Schedule{}).
			Where("id = ? AND status = ?", id, from).
			Update("status", to)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		applied = true

		return createScheduleHistory(tx, ScheduleHistoryActionStatusChanged, id,
			from, to, utils.NilIfEmpty(documentNumber), description)
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// ListReconcileCandidates pages schedules that have a DP but are not terminal,
// ordered by id and starting after afterID.
func (r *ScheduleRepository) ListReconcileCandidates(ctx context.Context, afterID int, limit int, excluded []ScheduleStatus) ([]Schedule, error) {
	if limit <= 0 {
		limit = 100
	}
	skip := append([]ScheduleStatus{ScheduleStatusInStock}, excluded...)

	var schedules []Schedule
	err := r.DB.WithContext(ctx).
		Where("document_number IS NOT NULL AND document_number <> ''").
		Where("status NOT IN ?", skip).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Find(&schedules).Error
	return schedules, err
}

// ListUnresolved returns schedules still waiting for a DP in one of statuses.
func (r *ScheduleRepository) ListUnresolved(ctx context.Context, statuses []ScheduleStatus, limit int) ([]Schedule, error) {
	if len(statuses) == 0 {
		statuses = PreTerminalStatuses
	}
	q := r.DB.WithContext(ctx).
		Where("document_number IS NULL OR document_number = ''").
		Where("status IN ?", statuses).
		Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var schedules []Schedule
	err := q.Find(&schedules).Error
	return schedules, err
}

// LastTransitionAt returns when the schedule last entered status, or nil if
// the history holds no such transition.
func (r *ScheduleRepository) LastTransitionAt(ctx context.Context, id int, status ScheduleStatus) (*time.Time, error) {
	var entry ScheduleHistory
	err := r.DB.WithContext(ctx).
		Where("schedule_id = ? AND new_status = ? AND previous_status <> new_status", id, status).
		Order("created_at DESC, id DESC").
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t := entry.CreatedAt
	return &t, nil
}

func (r *ScheduleRepository) ListHistory(ctx context.Context, id int) ([]ScheduleHistory, error) {
	var entries []ScheduleHistory
	err := r.DB.WithContext(ctx).
		Where("schedule_id = ?", id).
		Order("created_at ASC, id ASC").
		Find(&entries).Error
	return entries, err
}
