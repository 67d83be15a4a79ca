package resolution

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/mmdatafocus/receiving_backend/ledger"
	"github.com/mmdatafocus/receiving_backend/models"
	"github.com/mmdatafocus/receiving_backend/utils"
	"github.com/mmdatafocus/receiving_backend/worker"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrMissingInvoiceNumber = errors.New("schedule has no invoice number")
	ErrAlreadyResolved      = errors.New("schedule already has a document number")
	ErrNotAwaitingDocument  = errors.New("schedule status does not await a document number")
)

const (
	DefaultTickInterval = 30 * time.Second
	DefaultBackoff      = 5 * time.Minute
	DefaultMaxAttempts  = 10
)

var tracer = otel.Tracer("github.com/mmdatafocus/receiving_backend/resolution")

type Matcher interface {
	Match(ctx context.Context, q ledger.Query) (ledger.Result, error)
}

// ScheduleStore is the slice of the schedule repository the scheduler needs.
type ScheduleStore interface {
	GetSchedule(ctx context.Context, id int) (*models.Schedule, error)
	AssignDocumentNumber(ctx context.Context, id int, documentNumber string, description string) (bool, error)
	LastTransitionAt(ctx context.Context, id int, status models.ScheduleStatus) (*time.Time, error)
}

// JobPersister mirrors job state into durable storage. Optional.
type JobPersister interface {
	SaveJob(ctx context.Context, rec models.ResolutionJobRecord) error
	GetJob(ctx context.Context, scheduleId int) (*models.ResolutionJobRecord, error)
	ListRecoverableJobs(ctx context.Context) ([]models.ResolutionJobRecord, error)
}

type Stats struct {
	ActiveJobs   int           `json:"active_jobs"`
	Running      bool          `json:"running"`
	TickInterval time.Duration `json:"tick_interval"`
	Backoff      time.Duration `json:"backoff"`
	MaxAttempts  int           `json:"max_attempts"`
	LastTickAt   *time.Time    `json:"last_tick_at"`
	Ticks        int64         `json:"ticks"`
	SkippedTicks int64         `json:"skipped_ticks"`
}

type Scheduler struct {
	Store     *JobStore
	Matcher   Matcher
	Schedules ScheduleStore
	Persister JobPersister
	Logger    *logrus.Logger

	Backoff     time.Duration
	MaxAttempts int
	// DateValidated feeds the confirmation date to the matcher as target date.
	DateValidated bool
	Now           func() time.Time

	loop *worker.Loop
}

func NewScheduler(matcher Matcher, schedules ScheduleStore, logger *logrus.Logger) *Scheduler {
	s := &Scheduler{
		Store:       NewJobStore(),
		Matcher:     matcher,
		Schedules:   schedules,
		Logger:      logger,
		Backoff:     DefaultBackoff,
		MaxAttempts: DefaultMaxAttempts,
		Now:         time.Now,
	}
	s.loop = worker.NewLoop("dp-resolution", DefaultTickInterval, logger, s.tick)
	return s
}

func (s *Scheduler) Loop() *worker.Loop {
	return s.loop
}

func (s *Scheduler) Start(ctx context.Context) bool {
	return s.loop.Start(ctx)
}

func (s *Scheduler) Stop() bool {
	return s.loop.Stop()
}

// Tick runs one pass over the due jobs through the loop's overlap guard.
func (s *Scheduler) Tick(ctx context.Context) (bool, error) {
	return s.loop.RunOnce(ctx)
}

// Enqueue registers a resolution job. It reports false when the schedule
// already has an active job.
func (s *Scheduler) Enqueue(ctx context.Context, scheduleID int, search SearchContext) (bool, error) {
	return s.enqueue(ctx, scheduleID, search, s.now().Add(s.backoff()))
}

func (s *Scheduler) enqueue(ctx context.Context, scheduleID int, search SearchContext, dueAt time.Time) (bool, error) {
	search.InvoiceNumber = strings.TrimSpace(search.InvoiceNumber)
	search.ClientTaxId = strings.TrimSpace(search.ClientTaxId)
	search.ClientSequenceNumber = strings.TrimSpace(search.ClientSequenceNumber)
	if search.InvoiceNumber == "" {
		s.log().WithFields(logrus.Fields{
			"field":       "ResolutionScheduler",
			"schedule_id": scheduleID,
		}).Warn("resolution job not enqueued: schedule has no invoice number")
		return false, ErrMissingInvoiceNumber
	}

	job := Job{
		ScheduleID:    scheduleID,
		MaxAttempts:   s.maxAttempts(),
		NextAttemptAt: dueAt,
		EnqueuedAt:    s.now(),
		Search:        search,
	}
	if !s.Store.Add(job) {
		return false, nil
	}
	s.persist(ctx, job, models.ResolutionJobStatusPending, nil, "")

	s.log().WithFields(logrus.Fields{
		"field":           "ResolutionScheduler",
		"schedule_id":     scheduleID,
		"invoice_number":  search.InvoiceNumber,
		"next_attempt_at": dueAt.Format(time.RFC3339),
	}).Info("resolution job enqueued")
	return true, nil
}

// Retry re-enqueues a job for an unresolved schedule, due on the next tick.
// The search keys are re-read from the schedule; the client sequence number
// comes from the last persisted job when there is one.
func (s *Scheduler) Retry(ctx context.Context, scheduleID int) (bool, error) {
	schedule, err := s.Schedules.GetSchedule(ctx, scheduleID)
	if err != nil {
		return false, err
	}
	if schedule.HasDocument() {
		return false, ErrAlreadyResolved
	}
	if !slices.Contains(models.PreTerminalStatuses, schedule.Status) {
		return false, fmt.Errorf("%w: %s", ErrNotAwaitingDocument, schedule.Status)
	}

	search := SearchContext{
		InvoiceNumber: schedule.InvoiceNumber,
		ClientTaxId:   schedule.ClientTaxId,
	}
	if s.Persister != nil {
		rec, err := s.Persister.GetJob(ctx, scheduleID)
		if err != nil && !errors.Is(err, utils.ErrorRecordNotFound) {
			return false, err
		}
		if rec != nil {
			search.ClientSequenceNumber = rec.ClientSequenceNumber
		}
	}
	return s.enqueue(ctx, scheduleID, search, s.now())
}

// Rehydrate loads pending jobs persisted by a previous process.
func (s *Scheduler) Rehydrate(ctx context.Context) (int, error) {
	if s.Persister == nil {
		return 0, nil
	}
	recs, err := s.Persister.ListRecoverableJobs(ctx)
	if err != nil {
		return 0, err
	}
	now := s.now()
	restored := 0
	for _, rec := range recs {
		next := now
		if rec.NextAttemptAt != nil {
			next = *rec.NextAttemptAt
		}
		limit := rec.MaxAttempts
		if limit <= 0 {
			limit = s.maxAttempts()
		}
		job := Job{
			ScheduleID:    rec.ScheduleId,
			AttemptCount:  rec.AttemptCount,
			MaxAttempts:   limit,
			NextAttemptAt: next,
			EnqueuedAt:    rec.EnqueuedAt,
			Search: SearchContext{
				InvoiceNumber:        rec.InvoiceNumber,
				ClientTaxId:          rec.ClientTaxId,
				ClientSequenceNumber: rec.ClientSequenceNumber,
			},
			LastError: utils.DereferencePtr(rec.LastError),
		}
		if s.Store.Add(job) {
			restored++
		}
	}
	s.log().WithFields(logrus.Fields{"field": "ResolutionScheduler", "restored": restored}).Info("resolution jobs rehydrated")
	return restored, nil
}

func (s *Scheduler) Stats() Stats {
	return Stats{
		ActiveJobs:   s.Store.Len(),
		Running:      s.loop.Running(),
		TickInterval: s.loop.Interval(),
		Backoff:      s.backoff(),
		MaxAttempts:  s.maxAttempts(),
		LastTickAt:   s.loop.LastTickAt(),
		Ticks:        s.loop.TickCount(),
		SkippedTicks: s.loop.SkippedTicks(),
	}
}

func (s *Scheduler) tick(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "resolution.tick", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	ctx = utils.SystemContext(ctx)

	now := s.now()
	due := s.Store.Due(now)
	span.SetAttributes(attribute.Int("dp.due_jobs", len(due)), attribute.Int("dp.active_jobs", s.Store.Len()))

	for _, job := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.process(ctx, job, now)
	}
	return nil
}

func (s *Scheduler) process(ctx context.Context, job Job, now time.Time) {
	fields := logrus.Fields{
		"field":          "ResolutionScheduler",
		"schedule_id":    job.ScheduleID,
		"invoice_number": job.Search.InvoiceNumber,
		"attempt":        job.AttemptCount + 1,
	}

	q := ledger.Query{
		InvoiceNumber:        job.Search.InvoiceNumber,
		ClientTaxId:          job.Search.ClientTaxId,
		ClientSequenceNumber: job.Search.ClientSequenceNumber,
	}
	if s.DateValidated {
		target, err := s.Schedules.LastTransitionAt(ctx, job.ScheduleID, models.ScheduleStatusConfirmed)
		if err != nil {
			s.logTransient(fields, err)
			s.fail(ctx, job, now, err)
			return
		}
		q.TargetDate = target
	}

	res, err := s.Matcher.Match(ctx, q)
	switch {
	case errors.Is(err, ledger.ErrMissingInvoiceNumber):
		s.abandon(ctx, job, err, "resolution job abandoned: data-quality failure")
		return
	case errors.Is(err, ledger.ErrTargetDateUnknown):
		s.log().WithFields(fields).Warn("confirmation date unknown; date-validated search refused")
		s.fail(ctx, job, now, err)
		return
	case err != nil:
		s.logTransient(fields, err)
		s.fail(ctx, job, now, err)
		return
	case !res.Found:
		s.log().WithFields(fields).Debug("no ledger match yet")
		s.fail(ctx, job, now, nil)
		return
	}

	if res.LowConfidence {
		s.log().WithFields(logrus.Fields{
			"field":                 "ResolutionScheduler",
			"schedule_id":           job.ScheduleID,
			"strategy":              res.Strategy,
			"document_number":       res.Entry.DocumentNumber,
			"expected_tax_id":       job.Search.ClientTaxId,
			"found_tax_id":          utils.DereferencePtr(res.Entry.ClientTaxId),
			"expected_sequence":     job.Search.ClientSequenceNumber,
			"found_sequence":        res.Entry.ClientSequenceNumber,
			"client_identity_match": ledger.SameTaxId(job.Search.ClientTaxId, utils.DereferencePtr(res.Entry.ClientTaxId)),
		}).Warn("low-confidence ledger match applied; client identity not verified")
	}

	description := fmt.Sprintf("Document number %s resolved automatically from ledger (strategy %s, attempt %d)",
		res.Entry.DocumentNumber, res.Strategy, job.AttemptCount+1)
	applied, err := s.Schedules.AssignDocumentNumber(ctx, job.ScheduleID, res.Entry.DocumentNumber, description)
	if errors.Is(err, utils.ErrorRecordNotFound) {
		s.abandon(ctx, job, err, "resolution job abandoned: schedule no longer exists")
		return
	}
	if err != nil {
		s.logTransient(fields, err)
		s.fail(ctx, job, now, err)
		return
	}

	s.Store.Remove(job.ScheduleID)
	doc := res.Entry.DocumentNumber
	s.persist(ctx, job, models.ResolutionJobStatusResolved, &doc, res.Strategy)

	if !applied {
		s.log().WithFields(fields).Info("schedule already carries a document number; job removed")
		return
	}
	s.log().WithFields(logrus.Fields{
		"field":           "ResolutionScheduler",
		"schedule_id":     job.ScheduleID,
		"document_number": doc,
		"strategy":        res.Strategy,
		"attempt":         job.AttemptCount + 1,
	}).Info("document number resolved")
}

// fail books one unsuccessful attempt and either reschedules or abandons.
func (s *Scheduler) fail(ctx context.Context, job Job, now time.Time, cause error) {
	job.AttemptCount++
	job.LastError = ""
	if cause != nil {
		job.LastError = cause.Error()
	}
	if job.AttemptCount >= job.MaxAttempts {
		s.abandon(ctx, job, cause, "resolution job abandoned: attempts exhausted")
		return
	}
	job.NextAttemptAt = now.Add(s.backoff())
	if !s.Store.Update(job) {
		return
	}
	s.persist(ctx, job, models.ResolutionJobStatusPending, nil, "")
}

func (s *Scheduler) abandon(ctx context.Context, job Job, cause error, msg string) {
	if cause != nil {
		job.LastError = cause.Error()
	}
	s.Store.Remove(job.ScheduleID)
	s.persist(ctx, job, models.ResolutionJobStatusAbandoned, nil, "")
	s.log().WithFields(logrus.Fields{
		"field":          "ResolutionScheduler",
		"schedule_id":    job.ScheduleID,
		"invoice_number": job.Search.InvoiceNumber,
		"attempts":       job.AttemptCount,
		"max_attempts":   job.MaxAttempts,
		"last_error":     job.LastError,
	}).Error(msg)
}

func (s *Scheduler) logTransient(fields logrus.Fields, err error) {
	entry := s.log().WithFields(fields)
	if num, ok := utils.MySQLErrorNumber(err); ok {
		entry = entry.WithField("mysql_error", num)
	}
	entry.Warn("transient error during resolution attempt: " + err.Error())
}

func (s *Scheduler) persist(ctx context.Context, job Job, status string, documentNumber *string, strategy string) {
	if s.Persister == nil {
		return
	}
	rec := models.ResolutionJobRecord{
		ScheduleId:           job.ScheduleID,
		Status:               status,
		AttemptCount:         job.AttemptCount,
		MaxAttempts:          job.MaxAttempts,
		InvoiceNumber:        job.Search.InvoiceNumber,
		ClientTaxId:          job.Search.ClientTaxId,
		ClientSequenceNumber: job.Search.ClientSequenceNumber,
		DocumentNumber:       documentNumber,
		Strategy:             strategy,
		LastError:            utils.NilIfEmpty(job.LastError),
		EnqueuedAt:           job.EnqueuedAt,
	}
	if status == models.ResolutionJobStatusPending {
		next := job.NextAttemptAt
		rec.NextAttemptAt = &next
	}
	if err := s.Persister.SaveJob(ctx, rec); err != nil {
		s.log().WithFields(logrus.Fields{
			"field":       "ResolutionScheduler",
			"schedule_id": job.ScheduleID,
			"status":      status,
		}).Warn("failed to persist resolution job: " + err.Error())
	}
}

func (s *Scheduler) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func (s *Scheduler) backoff() time.Duration {
	if s.Backoff <= 0 {
		return DefaultBackoff
	}
	return s.Backoff
}

func (s *Scheduler) maxAttempts() int {
	if s.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return s.MaxAttempts
}

func (s *Scheduler) log() *logrus.Logger {
	if s.Logger == nil {
		return logrus.StandardLogger()
	}
	return s.Logger
}
