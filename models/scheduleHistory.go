package models

import (
	"errors"
	"time"

	"github.com/mmdatafocus/receiving_backend/utils"
	"gorm.io/gorm"
)

const (
	ScheduleHistoryActionDocumentResolved = "DOCUMENT_RESOLVED"
	ScheduleHistoryActionStatusChanged    = "STATUS_CHANGED"
)

// ScheduleHistory is the append-only audit log of a schedule.
type ScheduleHistory struct {
	ID             int            `gorm:"primary_key" json:"id"`
	ScheduleId     int            `gorm:"index;not null" json:"schedule_id"`
	ActionType     string         `gorm:"size:32;not null" json:"action_type"`
	PreviousStatus ScheduleStatus `gorm:"size:32" json:"previous_status"`
	NewStatus      ScheduleStatus `gorm:"size:32;index" json:"new_status"`
	DocumentNumber *string        `gorm:"size:64" json:"document_number"`
	Description    string         `gorm:"type:text;not null" json:"description"`
	UserId         int            `gorm:"index;not null" json:"user_id"`
	UserName       string         `gorm:"size:100" json:"user_name"`
	CreatedAt      time.Time      `gorm:"autoCreateTime" json:"created_at"`
}

func createScheduleHistory(tx *gorm.DB,
	actionType string,
	scheduleId int,
	previous ScheduleStatus,
	next ScheduleStatus,
	documentNumber *string,
	description string) error {

	ctx := tx.Statement.Context
	// the acting principal travels with the context, never through globals
	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok {
		return errors.New("user id is required")
	}
	userName, ok := utils.GetUserNameFromContext(ctx)
	if !ok || userName == "" {
		return errors.New("user name is required")
	}

	history := ScheduleHistory{
		ScheduleId:     scheduleId,
		ActionType:     actionType,
		PreviousStatus: previous,
		NewStatus:      next,
		DocumentNumber: documentNumber,
		Description:    description,
		UserId:         userId,
		UserName:       userName,
	}
	return tx.Create(&history).Error
}
