package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTaskMonitorInvokesOnError(t *testing.T) {
	m := NewTaskMonitor(func(string, error) { t.Fatal("fault handler should not fire") })

	var got atomic.Value
	m.Spawn(context.Background(), "failing", func(context.Context) error {
		return errors.New("boom")
	}, func(err error) { got.Store(err.Error()) })

	m.Wait()
	assert.Equal(t, "boom", got.Load())
}

func TestTaskMonitorEscalatesWithoutOnError(t *testing.T) {
	var faultName atomic.Value
	m := NewTaskMonitor(func(name string, err error) { faultName.Store(name) })

	m.Spawn(context.Background(), "escalating", func(context.Context) error {
		return errors.New("boom")
	}, nil)

	m.Wait()
	assert.Equal(t, "escalating", faultName.Load())
}

func TestTaskMonitorRecoversPanics(t *testing.T) {
	var got atomic.Value
	m := NewTaskMonitor(nil)

	m.Spawn(context.Background(), "panicking", func(context.Context) error {
		panic("kaboom")
	}, func(err error) { got.Store(err.Error()) })

	m.Wait()
	assert.Contains(t, got.Load().(string), "kaboom")
}

func TestTaskMonitorIgnoresCancellation(t *testing.T) {
	m := NewTaskMonitor(func(string, error) { t.Fatal("cancellation must not escalate") })

	ctx, cancel := context.WithCancel(context.Background())
	m.Spawn(ctx, "cancelled", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, nil)

	cancel()
	m.Wait()
}

func TestTaskMonitorRunningCount(t *testing.T) {
	m := NewTaskMonitor(nil)
	release := make(chan struct{})

	m.Spawn(context.Background(), "worker", func(context.Context) error {
		<-release
		return nil
	}, nil)

	assert.Eventually(t, func() bool { return m.RunningCount() == 1 }, time.Second, 10*time.Millisecond)
	close(release)
	m.Wait()
	assert.Equal(t, 0, m.RunningCount())
}
