package dpsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/receiving_backend/config"
	"github.com/mmdatafocus/receiving_backend/ledger"
	"github.com/mmdatafocus/receiving_backend/models"
	"github.com/mmdatafocus/receiving_backend/reconciliation"
	"github.com/mmdatafocus/receiving_backend/resolution"
	"github.com/mmdatafocus/receiving_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const engineStateKey = "dp-sync:engine-state"

// StateStore publishes the engine's lifecycle state for other instances.
type StateStore interface {
	SetValue(key string, value string, exp time.Duration) error
	GetValue(key string) (string, bool, error)
}

// RedisStateStore keeps the state in the shared Redis connection.
type RedisStateStore struct{}

func (RedisStateStore) SetValue(key string, value string, exp time.Duration) error {
	return config.SetRedisValue(key, value, exp)
}

func (RedisStateStore) GetValue(key string) (string, bool, error) {
	return config.GetRedisValue(key)
}

// Engine wires the resolution scheduler and the reconciliation poller
// behind the administrative contract.
type Engine struct {
	Scheduler *resolution.Scheduler
	Poller    *reconciliation.Poller
	Jobs      *models.ResolutionJobRepository
	Settings  config.EngineSettings
	Logger    *logrus.Logger
	State     StateStore

	InstanceId string
	Strategies []string

	// lifecycle serializes Start and Stop; mu guards the status fields.
	lifecycle  sync.Mutex
	rehydrated bool

	mu        sync.Mutex
	running   bool
	startedAt *time.Time
}

func NewEngine(db *gorm.DB, settings config.EngineSettings, logger *logrus.Logger) (*Engine, error) {
	chain, err := strategyChain(settings)
	if err != nil {
		return nil, err
	}

	schedules := models.NewScheduleRepository(db)
	ledgerRepo := models.NewLedgerRepository(db, settings.LedgerTable)
	jobs := models.NewResolutionJobRepository(db)

	matcher := ledger.NewMatcher(ledgerRepo, chain)
	matcher.Strict = settings.MatchStrict
	if settings.LedgerLocation != nil {
		matcher.Location = settings.LedgerLocation
	}

	scheduler := resolution.NewScheduler(matcher, schedules, logger)
	scheduler.Persister = jobs
	scheduler.Backoff = settings.ResolutionBackoff
	scheduler.MaxAttempts = settings.ResolutionMaxAttempts
	scheduler.Loop().SetInterval(settings.ResolutionTickInterval)

	names := make([]string, 0, len(chain))
	for _, s := range chain {
		names = append(names, s.Name)
		if s.RequireDate {
			scheduler.DateValidated = true
		}
	}

	poller := reconciliation.NewPoller(schedules, ledgerRepo, logger)
	poller.PageSize = settings.ReconcilePageSize
	poller.ClosedSituation = settings.LedgerClosedSituation
	poller.Excluded = make([]models.ScheduleStatus, 0, len(settings.ReconcileExcludedStatuses))
	for _, s := range settings.ReconcileExcludedStatuses {
		poller.Excluded = append(poller.Excluded, models.ScheduleStatus(s))
	}
	// already clamped to the floor by LoadEngineSettings
	poller.Loop().SetInterval(settings.ReconcileInterval)

	return &Engine{
		Scheduler:  scheduler,
		Poller:     poller,
		Jobs:       jobs,
		Settings:   settings,
		Logger:     logger,
		InstanceId: uuid.NewString(),
		Strategies: names,
	}, nil
}

func strategyChain(settings config.EngineSettings) ([]ledger.Strategy, error) {
	if len(settings.MatchStrategies) > 0 {
		chain, err := ledger.ParseStrategies(settings.MatchStrategies)
		if err != nil {
			return nil, fmt.Errorf("DP_MATCH_STRATEGIES: %w", err)
		}
		return chain, nil
	}
	if settings.MatchDateValidated {
		return ledger.DateValidatedStrategies(), nil
	}
	return ledger.DefaultStrategies(), nil
}

// UseTickLocker serializes both loops across instances.
func (e *Engine) UseTickLocker(locker utils.TickLocker) {
	e.Scheduler.Loop().Locker = locker
	e.Poller.Loop().Locker = locker
}

// Start launches both loops. The first start rehydrates persisted jobs.
// It reports false if the engine was already running.
func (e *Engine) Start(ctx context.Context) (bool, error) {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if e.Running() {
		return false, nil
	}
	if !e.rehydrated {
		if _, err := e.Scheduler.Rehydrate(ctx); err != nil {
			return false, fmt.Errorf("rehydrate resolution jobs: %w", err)
		}
		e.rehydrated = true
	}

	// loops outlive the request that started them
	loopCtx := context.WithoutCancel(ctx)
	e.Scheduler.Start(loopCtx)
	e.Poller.Start(loopCtx)

	now := time.Now()
	e.mu.Lock()
	e.running = true
	e.startedAt = &now
	e.mu.Unlock()
	e.publishState(true)
	e.log().WithFields(logrus.Fields{"field": "DpSyncEngine", "instance_id": e.InstanceId}).Info("dp sync engine started")
	return true, nil
}

// Stop halts both loops and waits for in-flight ticks. The engine reports
// stopped as soon as Stop is called; status reads do not wait on the ticks.
func (e *Engine) Stop() bool {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return false
	}
	e.running = false
	e.startedAt = nil
	e.mu.Unlock()

	e.Scheduler.Stop()
	e.Poller.Stop()
	e.publishState(false)
	e.log().WithFields(logrus.Fields{"field": "DpSyncEngine", "instance_id": e.InstanceId}).Info("dp sync engine stopped")
	return true
}

func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Engine) GetStats() Stats {
	e.mu.Lock()
	running, startedAt := e.running, e.startedAt
	e.mu.Unlock()

	res := e.Scheduler.Stats()
	rec := e.Poller.Stats()
	stats := Stats{
		InstanceId: e.InstanceId,
		Running:    running,
		StartedAt:  startedAt,
		ActiveJobs: res.ActiveJobs,
		Resolution: ResolutionStats{
			Running:             res.Running,
			TickIntervalSeconds: int(res.TickInterval / time.Second),
			BackoffSeconds:      int(res.Backoff / time.Second),
			MaxAttempts:         res.MaxAttempts,
			LastTickAt:          res.LastTickAt,
			Ticks:               res.Ticks,
			SkippedTicks:        res.SkippedTicks,
			Strategies:          e.Strategies,
			Strict:              e.Settings.MatchStrict,
			DateValidated:       e.Scheduler.DateValidated,
		},
		Reconciliation: ReconciliationStats{
			Running:             rec.Running,
			PollIntervalSeconds: int(rec.Interval / time.Second),
			MinIntervalSeconds:  int(config.MinReconcileInterval / time.Second),
			PageSize:            rec.PageSize,
			Cursor:              rec.Cursor,
			LastTickAt:          rec.LastTickAt,
			LastPromoted:        rec.LastPromoted,
			TotalPromoted:       rec.TotalPromoted,
			Ticks:               rec.Ticks,
			SkippedTicks:        rec.SkippedTicks,
			ClosedSituation:     rec.ClosedSituation,
		},
	}
	stats.ClusterState = e.readState()
	return stats
}

func (e *Engine) Retry(ctx context.Context, scheduleID int) (bool, error) {
	return e.Scheduler.Retry(ctx, scheduleID)
}

func (e *Engine) ForceCheck(ctx context.Context, scheduleID int) (reconciliation.CheckOutcome, error) {
	return e.Poller.ForceCheck(ctx, scheduleID)
}

func (e *Engine) SetPollInterval(seconds int) error {
	return e.Poller.SetInterval(time.Duration(seconds) * time.Second)
}

// OnRegistrationSucceeded is the trigger from the goods-registration integration.
func (e *Engine) OnRegistrationSucceeded(ctx context.Context, ev RegistrationSucceeded) (bool, error) {
	added, err := e.Scheduler.Enqueue(ctx, ev.ScheduleId, resolution.SearchContext{
		InvoiceNumber:        ev.InvoiceNumber,
		ClientTaxId:          ev.ClientTaxId,
		ClientSequenceNumber: ev.ClientSequenceNumber,
	})
	if err != nil {
		return false, err
	}
	if !added {
		e.log().WithFields(logrus.Fields{
			"field":          "DpSyncEngine",
			"schedule_id":    ev.ScheduleId,
			"correlation_id": ev.CorrelationId,
		}).Info("registration trigger ignored: resolution job already active")
	}
	return added, nil
}

func (e *Engine) publishState(running bool) {
	if e.State == nil {
		return
	}
	data, _ := json.Marshal(ClusterState{InstanceId: e.InstanceId, Running: running, At: time.Now().UTC()})
	if err := e.State.SetValue(engineStateKey, string(data), 24*time.Hour); err != nil {
		e.log().WithFields(logrus.Fields{"field": "DpSyncEngine"}).Warn("failed to publish engine state: " + err.Error())
	}
}

func (e *Engine) readState() *ClusterState {
	if e.State == nil {
		return nil
	}
	raw, ok, err := e.State.GetValue(engineStateKey)
	if err != nil || !ok {
		return nil
	}
	var st ClusterState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil
	}
	return &st
}

func (e *Engine) log() *logrus.Logger {
	if e.Logger == nil {
		return logrus.StandardLogger()
	}
	return e.Logger
}
