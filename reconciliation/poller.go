package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mmdatafocus/receiving_backend/config"
	"github.com/mmdatafocus/receiving_backend/models"
	"github.com/mmdatafocus/receiving_backend/utils"
	"github.com/mmdatafocus/receiving_backend/worker"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var ErrIntervalTooShort = fmt.Errorf("poll interval must be at least %s", config.MinReconcileInterval)

const (
	DefaultInterval        = 30 * time.Second
	DefaultPageSize        = 100
	DefaultClosedSituation = "fechado"
)

var tracer = otel.Tracer("github.com/mmdatafocus/receiving_backend/reconciliation")

type ScheduleStore interface {
	GetSchedule(ctx context.Context, id int) (*models.Schedule, error)
	ListReconcileCandidates(ctx context.Context, afterID int, limit int, excluded []models.ScheduleStatus) ([]models.Schedule, error)
	PromoteStatus(ctx context.Context, id int, from, to models.ScheduleStatus, documentNumber string, description string) (bool, error)
}

type LedgerLookup interface {
	FindByDocumentNumber(ctx context.Context, documentNumber string) (*models.LedgerEntry, error)
}

type Outcome string

const (
	OutcomeUpdated    Outcome = "updated"
	OutcomeNotUpdated Outcome = "not_updated"
	OutcomeNotFound   Outcome = "not_found"
	OutcomeNoDocument Outcome = "no_document"
)

// CheckOutcome is the result of reconciling one schedule.
type CheckOutcome struct {
	ScheduleID     int                   `json:"schedule_id"`
	Outcome        Outcome               `json:"outcome"`
	Reason         string                `json:"reason"`
	DocumentNumber string                `json:"document_number,omitempty"`
	Situation      string                `json:"situation,omitempty"`
	PreviousStatus models.ScheduleStatus `json:"previous_status,omitempty"`
	CurrentStatus  models.ScheduleStatus `json:"current_status,omitempty"`
}

type Stats struct {
	Running         bool          `json:"running"`
	Interval        time.Duration `json:"interval"`
	PageSize        int           `json:"page_size"`
	Cursor          int           `json:"cursor"`
	LastTickAt      *time.Time    `json:"last_tick_at"`
	LastPromoted    int           `json:"last_promoted"`
	TotalPromoted   int           `json:"total_promoted"`
	Ticks           int64         `json:"ticks"`
	SkippedTicks    int64         `json:"skipped_ticks"`
	ClosedSituation string        `json:"closed_situation"`
}

// Poller promotes schedules to in_stock once the ledger reports their
// document as closed. Idempotent by selection: terminal schedules are never
// candidates.
type Poller struct {
	Schedules ScheduleStore
	Ledger    LedgerLookup
	Logger    *logrus.Logger

	PageSize        int
	Excluded        []models.ScheduleStatus
	ClosedSituation string

	mu            sync.Mutex
	cursor        int
	lastPromoted  int
	totalPromoted int

	loop *worker.Loop
}

func NewPoller(schedules ScheduleStore, ledger LedgerLookup, logger *logrus.Logger) *Poller {
	p := &Poller{
		Schedules:       schedules,
		Ledger:          ledger,
		Logger:          logger,
		PageSize:        DefaultPageSize,
		Excluded:        []models.ScheduleStatus{models.ScheduleStatusCancelled, models.ScheduleStatusRejected},
		ClosedSituation: DefaultClosedSituation,
	}
	p.loop = worker.NewLoop("dp-reconciliation", DefaultInterval, logger, p.tick)
	return p
}

func (p *Poller) Loop() *worker.Loop {
	return p.loop
}

func (p *Poller) Start(ctx context.Context) bool {
	return p.loop.Start(ctx)
}

func (p *Poller) Stop() bool {
	return p.loop.Stop()
}

func (p *Poller) Tick(ctx context.Context) (bool, error) {
	return p.loop.RunOnce(ctx)
}

// SetInterval rejects periods below the floor.
func (p *Poller) SetInterval(d time.Duration) error {
	if d < config.MinReconcileInterval {
		return ErrIntervalTooShort
	}
	p.loop.SetInterval(d)
	p.log().WithFields(logrus.Fields{"field": "ReconciliationPoller", "interval": d.String()}).Info("poll interval changed")
	return nil
}

func (p *Poller) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Running:         p.loop.Running(),
		Interval:        p.loop.Interval(),
		PageSize:        p.pageSize(),
		Cursor:          p.cursor,
		LastTickAt:      p.loop.LastTickAt(),
		LastPromoted:    p.lastPromoted,
		TotalPromoted:   p.totalPromoted,
		Ticks:           p.loop.TickCount(),
		SkippedTicks:    p.loop.SkippedTicks(),
		ClosedSituation: p.ClosedSituation,
	}
}

// ForceCheck reconciles one schedule synchronously. Expected non-updates are
// reported in the outcome; only I/O failures return an error.
func (p *Poller) ForceCheck(ctx context.Context, scheduleID int) (CheckOutcome, error) {
	if name, ok := utils.GetUserNameFromContext(ctx); !ok || name == "" {
		ctx = utils.SystemContext(ctx)
	}
	schedule, err := p.Schedules.GetSchedule(ctx, scheduleID)
	if errors.Is(err, utils.ErrorRecordNotFound) {
		return CheckOutcome{ScheduleID: scheduleID, Outcome: OutcomeNotFound, Reason: "schedule not found"}, nil
	}
	if err != nil {
		return CheckOutcome{}, err
	}
	return p.check(ctx, *schedule)
}

func (p *Poller) tick(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "reconciliation.tick", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	ctx = utils.SystemContext(ctx)

	p.mu.Lock()
	after := p.cursor
	p.mu.Unlock()

	limit := p.pageSize()
	page, err := p.Schedules.ListReconcileCandidates(ctx, after, limit, p.Excluded)
	if err != nil {
		return fmt.Errorf("list reconcile candidates: %w", err)
	}

	promoted := 0
	for _, schedule := range page {
		out, err := p.check(ctx, schedule)
		if err != nil {
			entry := p.log().WithFields(logrus.Fields{
				"field":           "ReconciliationPoller",
				"schedule_id":     schedule.ID,
				"document_number": utils.DereferencePtr(schedule.DocumentNumber),
			})
			if num, ok := utils.MySQLErrorNumber(err); ok {
				entry = entry.WithField("mysql_error", num)
			}
			entry.Warn("reconciliation check failed: " + err.Error())
			continue
		}
		if out.Outcome == OutcomeUpdated {
			promoted++
		}
	}

	next := 0
	if len(page) == limit {
		next = page[len(page)-1].ID
	}
	p.mu.Lock()
	p.cursor = next
	p.lastPromoted = promoted
	p.totalPromoted += promoted
	p.mu.Unlock()

	span.SetAttributes(
		attribute.Int("dp.candidates", len(page)),
		attribute.Int("dp.promoted", promoted),
		attribute.Int("dp.cursor", next),
	)
	if promoted > 0 {
		p.log().WithFields(logrus.Fields{"field": "ReconciliationPoller", "promoted": promoted, "candidates": len(page)}).Info("reconciliation tick promoted schedules")
	}
	return nil
}

func (p *Poller) check(ctx context.Context, schedule models.Schedule) (CheckOutcome, error) {
	out := CheckOutcome{
		ScheduleID:     schedule.ID,
		PreviousStatus: schedule.Status,
		CurrentStatus:  schedule.Status,
	}
	if !schedule.HasDocument() {
		out.Outcome = OutcomeNoDocument
		out.Reason = "schedule has no document number"
		return out, nil
	}
	doc := strings.TrimSpace(*schedule.DocumentNumber)
	out.DocumentNumber = doc

	if schedule.Status.IsTerminal() {
		out.Outcome = OutcomeNotUpdated
		out.Reason = "schedule already in terminal status"
		return out, nil
	}
	if slices.Contains(p.Excluded, schedule.Status) {
		out.Outcome = OutcomeNotUpdated
		out.Reason = fmt.Sprintf("status %s is excluded from reconciliation", schedule.Status)
		return out, nil
	}

	entry, err := p.Ledger.FindByDocumentNumber(ctx, doc)
	if errors.Is(err, utils.ErrorRecordNotFound) {
		p.log().WithFields(logrus.Fields{
			"field":           "ReconciliationPoller",
			"schedule_id":     schedule.ID,
			"document_number": doc,
		}).Warn("document number not found in ledger")
		out.Outcome = OutcomeNotFound
		out.Reason = "document not found in ledger"
		return out, nil
	}
	if err != nil {
		return CheckOutcome{}, err
	}
	out.Situation = entry.Situation

	if !IsClosed(entry.Situation, p.ClosedSituation) {
		out.Outcome = OutcomeNotUpdated
		out.Reason = fmt.Sprintf("ledger situation is %q", strings.TrimSpace(entry.Situation))
		return out, nil
	}

	description := fmt.Sprintf("Status changed automatically from %s to %s: ledger document %s is %s",
		schedule.Status, models.ScheduleStatusInStock, doc, strings.TrimSpace(entry.Situation))
	applied, err := p.Schedules.PromoteStatus(ctx, schedule.ID, schedule.Status, models.ScheduleStatusInStock, doc, description)
	if err != nil {
		return CheckOutcome{}, err
	}
	if !applied {
		out.Outcome = OutcomeNotUpdated
		out.Reason = "schedule status changed before promotion"
		return out, nil
	}

	out.Outcome = OutcomeUpdated
	out.Reason = "ledger document closed"
	out.CurrentStatus = models.ScheduleStatusInStock
	p.log().WithFields(logrus.Fields{
		"field":           "ReconciliationPoller",
		"schedule_id":     schedule.ID,
		"document_number": doc,
		"previous_status": schedule.Status,
	}).Info("schedule promoted to in_stock")
	return out, nil
}

// IsClosed compares the ledger situation to the closed term, trimmed and case-insensitive.
func IsClosed(situation, closed string) bool {
	closed = strings.ToLower(strings.TrimSpace(closed))
	if closed == "" {
		closed = DefaultClosedSituation
	}
	return strings.ToLower(strings.TrimSpace(situation)) == closed
}

func (p *Poller) pageSize() int {
	if p.PageSize <= 0 {
		return DefaultPageSize
	}
	return p.PageSize
}

func (p *Poller) log() *logrus.Logger {
	if p.Logger == nil {
		return logrus.StandardLogger()
	}
	return p.Logger
}
