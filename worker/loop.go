package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mmdatafocus/receiving_backend/utils"
	"github.com/sirupsen/logrus"
)

type TickFunc func(ctx context.Context) error

// Loop runs TickFunc on a fixed period. At most one tick is in flight at any
// time; a tick that would overlap is skipped and counted.
type Loop struct {
	Name   string
	Logger *logrus.Logger
	Tick   TickFunc

	// Locker, when set, serializes ticks across instances.
	Locker  utils.TickLocker
	LockKey string

	mu       sync.Mutex
	interval time.Duration
	ticker   *time.Ticker
	cancel   context.CancelFunc
	done     chan struct{}
	running  bool

	inFlight atomic.Bool
	skipped  atomic.Int64
	ticks    atomic.Int64
	lastTick atomic.Int64
}

func NewLoop(name string, interval time.Duration, logger *logrus.Logger, tick TickFunc) *Loop {
	return &Loop{
		Name:     name,
		Logger:   logger,
		Tick:     tick,
		LockKey:  "lock:dp-sync:" + name,
		interval: interval,
	}
}

// Start launches the ticking goroutine. It reports false if already running.
func (l *Loop) Start(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return false
	}
	if ctx == nil {
		ctx = context.Background()
	}
	loopCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.ticker = time.NewTicker(l.interval)
	l.done = make(chan struct{})
	l.running = true

	go l.run(loopCtx, l.ticker, l.done)

	l.log().WithFields(logrus.Fields{"field": l.Name, "interval": l.interval.String()}).Info("loop started")
	return true
}

func (l *Loop) run(ctx context.Context, ticker *time.Ticker, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// a stop may have raced with the tick
			if ctx.Err() != nil {
				return
			}
			// the tick itself completes even if Stop lands mid-way
			_, _ = l.RunOnce(context.WithoutCancel(ctx))
		}
	}
}

// Stop cancels the loop and waits for the in-flight tick of the loop
// goroutine to return. It reports false if the loop was not running.
func (l *Loop) Stop() bool {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return false
	}
	l.cancel()
	l.ticker.Stop()
	done := l.done
	l.running = false
	l.mu.Unlock()

	<-done
	l.log().WithFields(logrus.Fields{"field": l.Name}).Info("loop stopped")
	return true
}

// RunOnce executes a single tick unless one is already in flight. Panics in
// the tick are recovered and returned as errors.
func (l *Loop) RunOnce(ctx context.Context) (ran bool, err error) {
	if !l.inFlight.CompareAndSwap(false, true) {
		l.skipped.Add(1)
		l.log().WithFields(logrus.Fields{"field": l.Name}).Warn("tick skipped: previous tick still in flight")
		return false, nil
	}
	defer l.inFlight.Store(false)

	if l.Locker != nil {
		release, ok, lockErr := l.Locker.TryTickLock(ctx, l.LockKey, l.lockTTL())
		switch {
		case lockErr != nil:
			l.log().WithFields(logrus.Fields{"field": l.Name, "key": l.LockKey}).
				Warn("error obtaining tick lock; proceeding without lock: " + lockErr.Error())
		case !ok:
			l.skipped.Add(1)
			l.log().WithFields(logrus.Fields{"field": l.Name, "key": l.LockKey}).Debug("tick skipped: lock held by another instance")
			return false, nil
		default:
			defer release()
		}
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panic: %v", r)
			l.log().WithFields(logrus.Fields{"field": l.Name, "stack": string(debug.Stack())}).Error(err)
		}
	}()

	l.lastTick.Store(time.Now().UnixNano())
	l.ticks.Add(1)
	if err = l.Tick(ctx); err != nil {
		l.log().WithFields(logrus.Fields{"field": l.Name}).Error("tick failed: " + err.Error())
	}
	return true, err
}

// SetInterval changes the period; a running ticker is reset in place.
func (l *Loop) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.interval = d
	if l.running {
		l.ticker.Reset(d)
	}
}

func (l *Loop) Interval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.interval
}

func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

func (l *Loop) InFlight() bool {
	return l.inFlight.Load()
}

func (l *Loop) SkippedTicks() int64 {
	return l.skipped.Load()
}

func (l *Loop) TickCount() int64 {
	return l.ticks.Load()
}

// LastTickAt is nil until the first tick ran.
func (l *Loop) LastTickAt() *time.Time {
	n := l.lastTick.Load()
	if n == 0 {
		return nil
	}
	t := time.Unix(0, n)
	return &t
}

func (l *Loop) lockTTL() time.Duration {
	ttl := l.Interval() * 2
	if ttl < 10*time.Second {
		ttl = 10 * time.Second
	}
	return ttl
}

func (l *Loop) log() *logrus.Logger {
	if l.Logger == nil {
		return logrus.StandardLogger()
	}
	return l.Logger
}
