package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCronStartupJobRunsMonitored(t *testing.T) {
	monitor := NewTaskMonitor(nil)
	cs := NewCronService(istClockAt(20, 0, time.Monday), nil, nil, nil, monitor)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ran atomic.Bool
	cs.addStartupJob(ctx, "flag job", func() { ran.Store(true) }, time.Millisecond)

	require.Eventually(t, ran.Load, time.Second, 5*time.Millisecond)
	monitor.Wait()
	assert.Zero(t, monitor.RunningCount())
}

func TestCronStartupJobCancelledBeforeDelay(t *testing.T) {
	monitor := NewTaskMonitor(nil)
	cs := NewCronService(istClockAt(20, 0, time.Monday), nil, nil, nil, monitor)

	ctx, cancel := context.WithCancel(context.Background())

	var ran atomic.Bool
	cs.addStartupJob(ctx, "never job", func() { ran.Store(true) }, time.Hour)

	cancel()
	monitor.Wait()
	assert.False(t, ran.Load(), "a cancelled startup job must not fire")
}
