// Package service contains the service layer for the Ticker API
package service

import (
	"context"
	"errors"
	"sync"

	"github.com/quantbots/tickerapi/pkg/utils/zaplogger"
	"github.com/sourcegraph/conc/panics"
)

// TaskMonitor adopts every long-lived background task in the service.
// Unhandled failures are logged with the task name and either passed to the
// task's onError callback or escalated to the process-level fault handler.
// Cancellation is propagated untouched and never counted as a failure.
type TaskMonitor struct {
	wg      sync.WaitGroup
	onFault func(name string, err error)

	mu      sync.Mutex
	running map[string]int
}

// NewTaskMonitor creates a monitor. onFault receives failures from tasks
// spawned without their own onError callback; nil installs a fatal handler.
func NewTaskMonitor(onFault func(name string, err error)) *TaskMonitor {
	if onFault == nil {
		onFault = func(name string, err error) {
			zaplogger.Fatal("unhandled background task failure", zaplogger.Fields{
				"task":  name,
				"error": err.Error(),
			})
		}
	}
	return &TaskMonitor{
		onFault: onFault,
		running: make(map[string]int),
	}
}

// Spawn runs body on a monitored goroutine. Panics are recovered with their
// stack; any error other than context cancellation is reported.
func (m *TaskMonitor) Spawn(ctx context.Context, name string, body func(ctx context.Context) error, onError func(error)) {
	m.mu.Lock()
	m.running[name]++
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			m.running[name]--
			if m.running[name] == 0 {
				delete(m.running, name)
			}
			m.mu.Unlock()
		}()

		var err error
		recovered := panics.Try(func() {
			err = body(ctx)
		})
		if recovered != nil {
			err = recovered.AsError()
			zaplogger.Error("background task panicked", zaplogger.Fields{
				"task":  name,
				"panic": recovered.Value,
				"stack": string(recovered.Stack),
			})
		}

		if err == nil || errors.Is(err, context.Canceled) {
			return
		}

		zaplogger.Error("background task failed", zaplogger.Fields{
			"task":  name,
			"error": err.Error(),
		})

		if onError != nil {
			onError(err)
			return
		}
		m.onFault(name, err)
	}()
}

// RunningCount returns the number of live monitored tasks
func (m *TaskMonitor) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.running {
		total += n
	}
	return total
}

// Wait blocks until every spawned task has returned
func (m *TaskMonitor) Wait() {
	m.wg.Wait()
}
