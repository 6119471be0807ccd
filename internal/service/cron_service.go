// Package service contains the service layer for the Ticker API
package service

import (
	"context"
	"strconv"
	"time"

	"github.com/quantbots/tickerapi/pkg/utils/zaplogger"
	"github.com/robfig/cron/v3"
)

// CronService schedules the recurring operational jobs: the daily
// instrument refresh, the ticker start and stop around market hours, and
// the mock state sweep that drops expired contracts.
type CronService struct {
	c         *cron.Cron
	clock     *MarketClock
	registry  *InstrumentRegistry
	loop      *MultiAccountTickerLoop
	mockCache *MockStateCache
	monitor   *TaskMonitor
}

// NewCronService creates a new CronService
func NewCronService(clock *MarketClock, registry *InstrumentRegistry, loop *MultiAccountTickerLoop, mockCache *MockStateCache, monitor *TaskMonitor) *CronService {
	return &CronService{
		c:         cron.New(cron.WithLocation(clock.Location())),
		clock:     clock,
		registry:  registry,
		loop:      loop,
		mockCache: mockCache,
		monitor:   monitor,
	}
}

// Start registers and starts the cron jobs
func (cs *CronService) Start(ctx context.Context) {
	zaplogger.Info("Initializing CronService")

	// ------------------------------------------------------------
	// Add your SCHEDULED jobs here
	// ------------------------------------------------------------
	cs.addScheduledJob("Instruments UPDATE Job", cs.instrumentsUpdateJob, "0 8 * * 1-5")  // Once at 08:00am, Mon-Fri
	cs.addScheduledJob("Ticker START Job", cs.tickerStartJob, "55 8 * * 1-5")             // Once at 08:55am, Mon-Fri
	cs.addScheduledJob("Ticker STOP Job", cs.tickerStopJob, "59 23 * * 1-5")              // Once at 11:59pm, Mon-Fri
	cs.addScheduledJob("MockState SWEEP Job", cs.mockStateSweepJob, "*/5 * * * *")        // Every 5 minutes

	// ------------------------------------------------------------
	// Add your STARTUP jobs here
	// ------------------------------------------------------------
	cs.addStartupJob(ctx, "Instruments UPDATE Job", cs.instrumentsUpdateJob, 1*time.Second)
	cs.addStartupJob(ctx, "Ticker START Job", cs.tickerStartJob, 10*time.Second)
	// ------------------------------------------------------------

	cs.c.Start()
}

// Stop stops the cron scheduler
func (cs *CronService) Stop() {
	cs.c.Stop()
}

// addStartupJob runs a one-shot delayed job on a monitored task
func (cs *CronService) addStartupJob(ctx context.Context, name string, job func(), delay time.Duration) {
	cs.monitor.Spawn(ctx, "startup-"+name, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		zaplogger.Info("STARTED STARTUP job", zaplogger.Fields{
			"job": name,
		})
		job()
		zaplogger.Info("COMPLETED STARTUP job", zaplogger.Fields{
			"job": name,
		})
		return nil
	}, nil)
	zaplogger.Info("QUEUED STARTUP job", zaplogger.Fields{
		"job": name,
	})
}

func (cs *CronService) addScheduledJob(name string, job func(), schedule string) {
	_, err := cs.c.AddFunc(schedule, func() {
		zaplogger.Info("STARTED SCHEDULED JOB", zaplogger.Fields{
			"job": name,
		})
		job()
		zaplogger.Info("COMPLETED SCHEDULED JOB", zaplogger.Fields{
			"job": name,
		})
	})
	if err != nil {
		zaplogger.Error("FAILED TO QUEUE SCHEDULED JOB", zaplogger.Fields{
			"job":   name,
			"error": err.Error(),
		})
		return
	}
	zaplogger.Info("QUEUED SCHEDULED job", zaplogger.Fields{
		"job": name,
	})
}

// instrumentsUpdateJob refreshes the instrument dump from the broker
func (cs *CronService) instrumentsUpdateJob() {
	jobName := "Instruments UPDATE Job "

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	rowsInserted, err := cs.registry.UpdateFromBroker(ctx)
	if err != nil {
		zaplogger.Error(jobName, zaplogger.Fields{
			"error": err.Error(),
		})
		return
	}
	zaplogger.Info(jobName, zaplogger.Fields{
		"rows_inserted": strconv.FormatInt(rowsInserted, 10),
	})
}

// tickerStartJob starts the multi account ticker loop
func (cs *CronService) tickerStartJob() {
	jobName := "Ticker START Job "

	if err := cs.loop.Start(context.Background()); err != nil {
		if err == ErrTickerAlreadyRunning {
			zaplogger.Info(jobName, zaplogger.Fields{
				"step": "TickerStart",
				"note": "already running",
			})
			return
		}
		zaplogger.Error(jobName, zaplogger.Fields{
			"step":  "TickerStart",
			"error": err.Error(),
		})
		return
	}
	zaplogger.Info(jobName, zaplogger.Fields{
		"step": "TickerStart",
	})
}

// tickerStopJob stops the multi account ticker loop
func (cs *CronService) tickerStopJob() {
	jobName := "Ticker STOP Job "

	if err := cs.loop.Stop(); err != nil {
		if err == ErrTickerNotRunning {
			return
		}
		zaplogger.Error(jobName, zaplogger.Fields{
			"step":  "TickerStop",
			"error": err.Error(),
		})
		return
	}
	zaplogger.Info(jobName, zaplogger.Fields{
		"step": "TickerStop",
	})
}

// mockStateSweepJob drops mock state for contracts that have expired
func (cs *CronService) mockStateSweepJob() {
	jobName := "MockState SWEEP Job "

	if cs.mockCache == nil {
		return
	}
	swept := cs.mockCache.Sweep(cs.clock.MarketDate(cs.clock.Now()))
	if swept > 0 {
		zaplogger.Info(jobName, zaplogger.Fields{
			"swept": strconv.Itoa(swept),
		})
	}
}
