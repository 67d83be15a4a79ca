package dpsync

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/receiving_backend/config"
	"github.com/mmdatafocus/receiving_backend/ledger"
	"github.com/mmdatafocus/receiving_backend/models"
	"github.com/mmdatafocus/receiving_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := models.AutoMigrate(db, true); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestEngine(t *testing.T, db *gorm.DB, settings config.EngineSettings) (*Engine, *testClock) {
	t.Helper()
	e, err := NewEngine(db, settings, quietLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	clock := &testClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	e.Scheduler.Now = clock.Now
	return e, clock
}

func strPtr(s string) *string { return &s }

func TestEngine_EndToEnd(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := db.Create(&models.Schedule{ID: 501, InvoiceNumber: "7788", ClientTaxId: "11222333000144", Status: models.ScheduleStatusAwaitingReceipt}).Error; err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	e, clock := newTestEngine(t, db, config.DefaultEngineSettings())
	schedules := models.NewScheduleRepository(db)

	added, err := e.OnRegistrationSucceeded(ctx, RegistrationSucceeded{ScheduleId: 501, InvoiceNumber: "7788", ClientTaxId: "11222333000144"})
	if err != nil || !added {
		t.Fatalf("enqueue: added=%v err=%v", added, err)
	}

	tick := func() {
		t.Helper()
		clock.Advance(e.Scheduler.Backoff)
		if ran, err := e.Scheduler.Tick(ctx); !ran || err != nil {
			t.Fatalf("resolution tick: ran=%v err=%v", ran, err)
		}
	}
	for i := 0; i < 3; i++ {
		tick()
	}
	job, ok := e.Scheduler.Store.Get(501)
	if !ok || job.AttemptCount != 3 {
		t.Fatalf("expected job at attempt 3, got %+v ok=%v", job, ok)
	}

	if err := db.Create(&models.LedgerEntry{
		DocumentNumber:       "DP-9001",
		InvoiceNumbers:       "7788",
		ClientTaxId:          strPtr("11.222.333/0001-44"),
		ClientSequenceNumber: "44",
		InclusionDate:        clock.Now(),
		Situation:            "Aberto",
	}).Error; err != nil {
		t.Fatalf("create ledger row: %v", err)
	}

	tick()
	schedule, err := schedules.GetSchedule(ctx, 501)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if utils.DereferencePtr(schedule.DocumentNumber) != "DP-9001" || schedule.Status != models.ScheduleStatusAwaitingReceipt {
		t.Fatalf("expected DP-9001 on a pre-terminal schedule, got %+v", schedule)
	}
	if e.Scheduler.Store.Len() != 0 {
		t.Fatalf("job must be removed on resolution")
	}
	rec, err := e.Jobs.GetJob(ctx, 501)
	if err != nil || rec.Status != models.ResolutionJobStatusResolved || rec.Strategy != ledger.StrategyExact {
		t.Fatalf("expected RESOLVED record via exact strategy, got %+v err=%v", rec, err)
	}

	if _, err := e.Poller.Tick(ctx); err != nil {
		t.Fatalf("poller tick: %v", err)
	}
	schedule, _ = schedules.GetSchedule(ctx, 501)
	if schedule.Status != models.ScheduleStatusAwaitingReceipt {
		t.Fatalf("open ledger document must not promote, got %s", schedule.Status)
	}

	if err := db.Model(&models.LedgerEntry{}).Where("document_number = ?", "DP-9001").Update("situation", "Fechado").Error; err != nil {
		t.Fatalf("close ledger row: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := e.Poller.Tick(ctx); err != nil {
			t.Fatalf("poller tick: %v", err)
		}
	}
	schedule, _ = schedules.GetSchedule(ctx, 501)
	if schedule.Status != models.ScheduleStatusInStock {
		t.Fatalf("expected in_stock, got %s", schedule.Status)
	}

	history, err := schedules.ListHistory(ctx, 501)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected one resolution and one promotion entry, got %+v", history)
	}
	promotion := history[1]
	if promotion.ActionType != models.ScheduleHistoryActionStatusChanged ||
		promotion.PreviousStatus != models.ScheduleStatusAwaitingReceipt ||
		promotion.NewStatus != models.ScheduleStatusInStock ||
		utils.DereferencePtr(promotion.DocumentNumber) != "DP-9001" ||
		promotion.UserName != utils.SystemUserName {
		t.Fatalf("unexpected promotion entry %+v", promotion)
	}
}

func TestEngine_MultiInvoiceAndDateValidated(t *testing.T) {
	db := openTestDB(t)
	ctx := utils.SystemContext(context.Background())
	for _, s := range []models.Schedule{
		{ID: 1, InvoiceNumber: "200", ClientTaxId: "11222333000144", Status: models.ScheduleStatusConfirmed},
		{ID: 2, InvoiceNumber: "20", ClientTaxId: "11222333000144", Status: models.ScheduleStatusConfirmed},
	} {
		if err := db.Create(&s).Error; err != nil {
			t.Fatalf("create schedule: %v", err)
		}
	}
	inclusion := time.Date(2026, 2, 27, 14, 0, 0, 0, time.UTC)
	if err := db.Create(&models.LedgerEntry{DocumentNumber: "DP-300", InvoiceNumbers: "100,200,300", ClientTaxId: strPtr("11222333000144"), InclusionDate: inclusion, Situation: "Aberto"}).Error; err != nil {
		t.Fatalf("create ledger row: %v", err)
	}
	// schedule 1 was confirmed the same day the ledger row was included
	if err := db.Create(&models.ScheduleHistory{ScheduleId: 1, ActionType: models.ScheduleHistoryActionStatusChanged, PreviousStatus: models.ScheduleStatusScheduled, NewStatus: models.ScheduleStatusConfirmed, Description: "confirmed", UserName: "ana", CreatedAt: inclusion.Add(-4 * time.Hour)}).Error; err != nil {
		t.Fatalf("create history: %v", err)
	}

	settings := config.DefaultEngineSettings()
	settings.MatchDateValidated = true
	e, clock := newTestEngine(t, db, settings)
	if !e.Scheduler.DateValidated {
		t.Fatalf("date-validated chain should enable target date lookup")
	}

	e.OnRegistrationSucceeded(ctx, RegistrationSucceeded{ScheduleId: 1, InvoiceNumber: "200", ClientTaxId: "11222333000144"})
	e.OnRegistrationSucceeded(ctx, RegistrationSucceeded{ScheduleId: 2, InvoiceNumber: "20", ClientTaxId: "11222333000144"})
	clock.Advance(e.Scheduler.Backoff)
	e.Scheduler.Tick(ctx)

	s1, _ := models.NewScheduleRepository(db).GetSchedule(ctx, 1)
	if utils.DereferencePtr(s1.DocumentNumber) != "DP-300" {
		t.Fatalf("expected multi-invoice date-validated match, got %+v", s1)
	}
	rec, _ := e.Jobs.GetJob(ctx, 1)
	if rec.Strategy != ledger.StrategyDateMultiInvoice {
		t.Fatalf("expected %s, got %s", ledger.StrategyDateMultiInvoice, rec.Strategy)
	}

	job, ok := e.Scheduler.Store.Get(2)
	if !ok || job.AttemptCount != 1 {
		t.Fatalf("schedule 2 has no confirmation date and must stay unresolved, got %+v ok=%v", job, ok)
	}
}

func TestEngine_StrictModeRefusesInvoiceOnly(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	db.Create(&models.Schedule{ID: 1, InvoiceNumber: "7788", ClientTaxId: "11222333000144", Status: models.ScheduleStatusAwaitingReceipt})
	db.Create(&models.LedgerEntry{DocumentNumber: "DP-OTHER", InvoiceNumbers: "7788", ClientTaxId: strPtr("99888777000166"), InclusionDate: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)})

	settings := config.DefaultEngineSettings()
	settings.MatchStrict = true
	e, clock := newTestEngine(t, db, settings)
	e.OnRegistrationSucceeded(ctx, RegistrationSucceeded{ScheduleId: 1, InvoiceNumber: "7788", ClientTaxId: "11222333000144"})
	clock.Advance(e.Scheduler.Backoff)
	e.Scheduler.Tick(ctx)

	s, _ := models.NewScheduleRepository(db).GetSchedule(ctx, 1)
	if s.HasDocument() {
		t.Fatalf("strict mode must not apply a match for another client, got %s", *s.DocumentNumber)
	}

	lenient, lenientClock := newTestEngine(t, db, config.DefaultEngineSettings())
	lenient.OnRegistrationSucceeded(ctx, RegistrationSucceeded{ScheduleId: 1, InvoiceNumber: "7788", ClientTaxId: "11222333000144"})
	lenientClock.Advance(lenient.Scheduler.Backoff)
	lenient.Scheduler.Tick(ctx)
	s, _ = models.NewScheduleRepository(db).GetSchedule(ctx, 1)
	if utils.DereferencePtr(s.DocumentNumber) != "DP-OTHER" {
		t.Fatalf("default mode applies the low-confidence match, got %+v", s)
	}
}

func TestEngine_RehydrateOnStart(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	db.Create(&models.Schedule{ID: 1, InvoiceNumber: "7788", ClientTaxId: "1", Status: models.ScheduleStatusAwaitingReceipt})

	first, _ := newTestEngine(t, db, config.DefaultEngineSettings())
	first.OnRegistrationSucceeded(ctx, RegistrationSucceeded{ScheduleId: 1, InvoiceNumber: "7788", ClientTaxId: "1", ClientSequenceNumber: "44"})

	second, _ := newTestEngine(t, db, config.DefaultEngineSettings())
	started, err := second.Start(ctx)
	if err != nil || !started {
		t.Fatalf("start: started=%v err=%v", started, err)
	}
	defer second.Stop()
	if again, _ := second.Start(ctx); again {
		t.Fatalf("second Start must be a no-op")
	}

	job, ok := second.Scheduler.Store.Get(1)
	if !ok || job.Search.ClientSequenceNumber != "44" {
		t.Fatalf("expected rehydrated job with frozen search context, got %+v ok=%v", job, ok)
	}
	stats := second.GetStats()
	if !stats.Running || stats.ActiveJobs != 1 || stats.Reconciliation.MinIntervalSeconds != 10 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

type memoryState struct {
	mu   sync.Mutex
	vals map[string]string
}

func (m *memoryState) SetValue(key, value string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vals[key] = value
	return nil
}

func (m *memoryState) GetValue(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vals[key]
	return v, ok, nil
}

func TestEngine_PublishesClusterState(t *testing.T) {
	db := openTestDB(t)
	e, _ := newTestEngine(t, db, config.DefaultEngineSettings())
	e.State = &memoryState{vals: map[string]string{}}

	e.Start(context.Background())
	if st := e.GetStats().ClusterState; st == nil || !st.Running || st.InstanceId != e.InstanceId {
		t.Fatalf("expected running cluster state, got %+v", st)
	}
	if !e.Stop() || e.Stop() {
		t.Fatalf("Stop should succeed exactly once")
	}
	if st := e.GetStats().ClusterState; st == nil || st.Running {
		t.Fatalf("expected stopped cluster state, got %+v", st)
	}
}

func TestNewEngine_RejectsUnknownStrategy(t *testing.T) {
	settings := config.DefaultEngineSettings()
	settings.MatchStrategies = []string{"exact", "fuzzy"}
	if _, err := NewEngine(openTestDB(t), settings, quietLogger()); err == nil {
		t.Fatalf("expected unknown strategy error")
	}
}

func TestEngine_MultiInvoiceMatchNotCrowdedOut(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	tax := "11222333000144"
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	db.Create(&models.Schedule{ID: 7, InvoiceNumber: "20", ClientTaxId: tax, Status: models.ScheduleStatusAwaitingReceipt})
	db.Create(&models.LedgerEntry{DocumentNumber: "DP-TARGET", InvoiceNumbers: "19,20", ClientTaxId: strPtr(tax), InclusionDate: base})
	for i := 0; i < 60; i++ {
		if err := db.Create(&models.LedgerEntry{
			DocumentNumber: fmt.Sprintf("DP-%04d", 2000+i),
			InvoiceNumbers: fmt.Sprintf("%d", 2000+i),
			ClientTaxId:    strPtr(tax),
			InclusionDate:  base.Add(time.Duration(i+1) * time.Hour),
		}).Error; err != nil {
			t.Fatalf("create ledger row: %v", err)
		}
	}

	e, clock := newTestEngine(t, db, config.DefaultEngineSettings())
	e.OnRegistrationSucceeded(ctx, RegistrationSucceeded{ScheduleId: 7, InvoiceNumber: "20", ClientTaxId: tax})
	clock.Advance(e.Scheduler.Backoff)
	if ran, err := e.Scheduler.Tick(ctx); !ran || err != nil {
		t.Fatalf("tick: ran=%v err=%v", ran, err)
	}

	s, _ := models.NewScheduleRepository(db).GetSchedule(ctx, 7)
	if utils.DereferencePtr(s.DocumentNumber) != "DP-TARGET" {
		t.Fatalf("expected DP-TARGET, got %q", utils.DereferencePtr(s.DocumentNumber))
	}
	rec, _ := e.Jobs.GetJob(ctx, 7)
	if rec == nil || rec.Strategy != ledger.StrategyMultiInvoice {
		t.Fatalf("expected %s record, got %+v", ledger.StrategyMultiInvoice, rec)
	}
}

func TestEngine_StopReleasesStatusWhileTickInFlight(t *testing.T) {
	db := openTestDB(t)
	e, _ := newTestEngine(t, db, config.DefaultEngineSettings())

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	loop := e.Scheduler.Loop()
	loop.Tick = func(ctx context.Context) error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	}
	loop.SetInterval(time.Millisecond)

	if started, err := e.Start(context.Background()); err != nil || !started {
		t.Fatalf("start: started=%v err=%v", started, err)
	}
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("tick never started")
	}

	stopped := make(chan bool, 1)
	go func() { stopped <- e.Stop() }()

	deadline := time.After(2 * time.Second)
	for e.Running() {
		select {
		case <-deadline:
			t.Fatal("engine still reports running while stop waits on the tick")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	statsDone := make(chan Stats, 1)
	go func() { statsDone <- e.GetStats() }()
	select {
	case stats := <-statsDone:
		if stats.Running || stats.StartedAt != nil {
			t.Fatalf("stats during stop: %+v", stats)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("GetStats blocked behind the in-flight tick")
	}

	select {
	case <-stopped:
		t.Fatal("Stop returned before the in-flight tick finished")
	default:
	}
	close(release)
	select {
	case ok := <-stopped:
		if !ok {
			t.Fatal("Stop reported the engine was not running")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the tick finished")
	}
}
