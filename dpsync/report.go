package dpsync

import (
	"context"
	"fmt"
	"time"

	"github.com/mmdatafocus/receiving_backend/models"
	"github.com/mmdatafocus/receiving_backend/utils"
	"github.com/xuri/excelize/v2"
)

const (
	XlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

	pendingSheet   = "Pending"
	abandonedSheet = "Abandoned"
	reportLimit    = 1000
)

// BuildReport renders active jobs and abandoned job records as an xlsx workbook.
func (e *Engine) BuildReport(ctx context.Context) ([]byte, error) {
	abandoned, err := e.Jobs.ListJobsByStatus(ctx, models.ResolutionJobStatusAbandoned, reportLimit)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", pendingSheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(abandonedSheet); err != nil {
		return nil, err
	}

	f.SetSheetRow(pendingSheet, "A1", &[]interface{}{
		"ScheduleId", "InvoiceNumber", "ClientTaxId", "ClientSequenceNumber",
		"Attempts", "MaxAttempts", "NextAttemptAt", "EnqueuedAt", "LastError",
	})
	for i, job := range e.Scheduler.Store.List() {
		f.SetSheetRow(pendingSheet, "A"+fmt.Sprint(i+2), &[]interface{}{
			job.ScheduleID,
			job.Search.InvoiceNumber,
			job.Search.ClientTaxId,
			job.Search.ClientSequenceNumber,
			job.AttemptCount,
			job.MaxAttempts,
			formatReportTime(&job.NextAttemptAt),
			formatReportTime(&job.EnqueuedAt),
			job.LastError,
		})
	}

	f.SetSheetRow(abandonedSheet, "A1", &[]interface{}{
		"ScheduleId", "InvoiceNumber", "ClientTaxId", "ClientSequenceNumber",
		"Attempts", "MaxAttempts", "LastError", "AbandonedAt",
	})
	for i, rec := range abandoned {
		f.SetSheetRow(abandonedSheet, "A"+fmt.Sprint(i+2), &[]interface{}{
			rec.ScheduleId,
			rec.InvoiceNumber,
			rec.ClientTaxId,
			rec.ClientSequenceNumber,
			rec.AttemptCount,
			rec.MaxAttempts,
			utils.DereferencePtr(rec.LastError),
			formatReportTime(&rec.UpdatedAt),
		})
	}

	f.SetColWidth(pendingSheet, "A", "I", 20)
	f.SetColWidth(abandonedSheet, "A", "H", 20)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UploadReport stores the workbook in bucket and returns the object name.
func (e *Engine) UploadReport(ctx context.Context, bucket string) (string, error) {
	data, err := e.BuildReport(ctx)
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("dp-sync/reports/dp-sync-report-%s-%s.xlsx",
		time.Now().UTC().Format("20060102-150405"), utils.GenerateUniqueFilename())
	if err := utils.UploadObjectToGCS(ctx, bucket, name, XlsxContentType, data); err != nil {
		return "", err
	}
	return name, nil
}

func formatReportTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
