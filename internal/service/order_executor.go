// Package service contains the service layer for the Ticker API
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/quantbots/tickerapi/internal/models"
	"github.com/quantbots/tickerapi/internal/repository"
	"github.com/quantbots/tickerapi/pkg/utils/zaplogger"
	"gorm.io/gorm"
)

// OrderGateway executes one order operation against the broker
type OrderGateway interface {
	Execute(ctx context.Context, accountID string, op models.OrderOperation, params models.OrderParams) (result string, err error)
}

// orderTaskStore is the durable task storage the executor drives.
// *repository.OrderTaskRepository satisfies it.
type orderTaskStore interface {
	Create(task *models.OrderTaskModel) error
	Save(task *models.OrderTaskModel) error
	Get(id string) (*models.OrderTaskModel, error)
	FindByIdempotencyKey(key string, window time.Duration) (*models.OrderTaskModel, error)
	ListPending(now time.Time, limit int) ([]models.OrderTaskModel, error)
	RecoverRunning() (int64, error)
	CountByStatus(status models.OrderTaskStatus) (int64, error)
}

// OrderExecutorConfig are the executor tunables
type OrderExecutorConfig struct {
	PollInterval      time.Duration
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	MaxTasks          int
	IdempotencyWindow time.Duration
	BreakerThreshold  int
	BreakerRecovery   time.Duration
	CallTimeout       time.Duration
}

func (c *OrderExecutorConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 60 * time.Second
	}
	if c.MaxTasks <= 0 {
		c.MaxTasks = 10000
	}
	if c.IdempotencyWindow <= 0 {
		c.IdempotencyWindow = 5 * time.Minute
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerRecovery <= 0 {
		c.BreakerRecovery = 30 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
}

// ExecutorStats is the executor's health snapshot
type ExecutorStats struct {
	InMemory   int    `json:"in_memory"`
	Submitted  uint64 `json:"submitted"`
	Deduped    uint64 `json:"deduped"`
	Completed  uint64 `json:"completed"`
	DeadLetter uint64 `json:"dead_letter"`
	Requeued   uint64 `json:"requeued"`
}

// OrderExecutor is a bounded, durable order task queue. Tasks survive
// restarts in storage; the in-memory map is a bounded working set from
// which only completed tasks are evicted (LRU). Dead-lettered tasks are
// persisted and dropped from memory; Get falls back to storage.
type OrderExecutor struct {
	store   orderTaskStore
	gateway OrderGateway
	cfg     OrderExecutorConfig

	mu        sync.Mutex
	tasks     map[string]*models.OrderTaskModel
	doneOrder []string // completed task ids, oldest first
	breakers  map[string]*CircuitBreaker

	submitted  uint64
	deduped    uint64
	completed  uint64
	deadLetter uint64
	requeued   uint64

	rng *rand.Rand
}

// NewOrderExecutor creates the executor over a durable store
func NewOrderExecutor(store orderTaskStore, gateway OrderGateway, cfg OrderExecutorConfig) *OrderExecutor {
	cfg.applyDefaults()
	return &OrderExecutor{
		store:    store,
		gateway:  gateway,
		cfg:      cfg,
		tasks:    make(map[string]*models.OrderTaskModel),
		breakers: make(map[string]*CircuitBreaker),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NewOrderExecutorFromDB is the production constructor
func NewOrderExecutorFromDB(db *gorm.DB, gateway OrderGateway, cfg OrderExecutorConfig) *OrderExecutor {
	return NewOrderExecutor(repository.NewOrderTaskRepository(db), gateway, cfg)
}

// Recover resets tasks left running by an unclean shutdown. Call once
// before the worker starts.
func (e *OrderExecutor) Recover() error {
	recovered, err := e.store.RecoverRunning()
	if err != nil {
		return err
	}
	if recovered > 0 {
		zaplogger.Warn("recovered stuck order tasks", zaplogger.Fields{
			"tasks": recovered,
		})
	}
	return nil
}

// idempotencyKey hashes operation, account and canonical params
func idempotencyKey(op models.OrderOperation, accountID string, params models.OrderParams) string {
	payload, _ := json.Marshal(params)
	sum := sha256.Sum256([]byte(string(op) + "|" + accountID + "|" + string(payload)))
	return hex.EncodeToString(sum[:])
}

// Submit enqueues an order task and returns its id. An equivalent task
// within the idempotency window returns the existing id without enqueuing.
func (e *OrderExecutor) Submit(ctx context.Context, accountID string, op models.OrderOperation, params models.OrderParams) (string, error) {
	key := idempotencyKey(op, accountID, params)

	existing, err := e.store.FindByIdempotencyKey(key, e.cfg.IdempotencyWindow)
	if err == nil && existing != nil {
		e.mu.Lock()
		e.deduped++
		e.mu.Unlock()
		return existing.ID, nil
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return "", err
	}

	now := time.Now()
	task := &models.OrderTaskModel{
		ID:             uuid.NewString(),
		Operation:      op,
		Params:         string(paramsJSON),
		AccountID:      accountID,
		IdempotencyKey: key,
		Status:         models.OrderTaskPending,
		NextAttemptAt:  now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.store.Create(task); err != nil {
		return "", err
	}

	e.mu.Lock()
	e.tasks[task.ID] = task
	e.submitted++
	e.evictLocked()
	e.mu.Unlock()

	return task.ID, nil
}

// Get returns the current task state, falling back to storage for tasks
// evicted from the working set.
func (e *OrderExecutor) Get(id string) (*models.OrderTaskModel, error) {
	e.mu.Lock()
	if task, ok := e.tasks[id]; ok {
		snapshot := *task
		e.mu.Unlock()
		return &snapshot, nil
	}
	e.mu.Unlock()
	return e.store.Get(id)
}

// Run is the worker loop; spawn it under the task monitor
func (e *OrderExecutor) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.drainDue(ctx)
		}
	}
}

// drainDue executes every pending task whose next attempt is due
func (e *OrderExecutor) drainDue(ctx context.Context) {
	due, err := e.store.ListPending(time.Now(), 100)
	if err != nil {
		zaplogger.Error("failed to load pending order tasks", zaplogger.Fields{
			"error": err.Error(),
		})
		return
	}

	for i := range due {
		if ctx.Err() != nil {
			return
		}
		e.execute(ctx, &due[i])
	}
}

// execute runs one task through the per-account breaker and the gateway
func (e *OrderExecutor) execute(ctx context.Context, task *models.OrderTaskModel) {
	breaker := e.breakerFor(task.AccountID)

	// Open breaker: requeue without consuming an attempt.
	if !breaker.MayExecute() {
		task.Status = models.OrderTaskPending
		task.NextAttemptAt = time.Now().Add(e.cfg.PollInterval)
		task.UpdatedAt = time.Now()
		e.persist(task)
		e.mu.Lock()
		e.requeued++
		e.mu.Unlock()
		return
	}

	task.Status = models.OrderTaskRunning
	task.UpdatedAt = time.Now()
	e.persist(task)

	var params models.OrderParams
	if err := json.Unmarshal([]byte(task.Params), &params); err != nil {
		e.fail(task, breaker, fmt.Errorf("corrupt task params: %v", err))
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	result, err := e.gateway.Execute(callCtx, task.AccountID, task.Operation, params)
	cancel()

	if err != nil {
		e.fail(task, breaker, err)
		return
	}

	breaker.RecordSuccess()
	task.Status = models.OrderTaskCompleted
	task.Result = result
	task.UpdatedAt = time.Now()
	e.persist(task)

	e.mu.Lock()
	e.tasks[task.ID] = task
	e.doneOrder = append(e.doneOrder, task.ID)
	e.completed++
	e.evictLocked()
	e.mu.Unlock()
}

// fail applies the retry state machine to a failed attempt
func (e *OrderExecutor) fail(task *models.OrderTaskModel, breaker *CircuitBreaker, cause error) {
	breaker.RecordFailure()
	task.AttemptCount++
	task.LastError = cause.Error()
	task.UpdatedAt = time.Now()

	if task.AttemptCount >= e.cfg.MaxAttempts {
		task.Status = models.OrderTaskDeadLetter
		e.persist(task)

		// DLQ tasks live in storage only; Get falls back there.
		e.mu.Lock()
		delete(e.tasks, task.ID)
		e.deadLetter++
		e.mu.Unlock()

		zaplogger.Error("order task dead-lettered", zaplogger.Fields{
			"task_id":    task.ID,
			"account_id": task.AccountID,
			"operation":  string(task.Operation),
			"attempts":   task.AttemptCount,
			"last_error": task.LastError,
		})
		return
	}

	task.Status = models.OrderTaskPending
	task.NextAttemptAt = time.Now().Add(e.backoff(task.AttemptCount))
	e.persist(task)

	e.mu.Lock()
	e.tasks[task.ID] = task
	e.mu.Unlock()
}

// backoff is base * 2^(attempts-1) with jitter, capped
func (e *OrderExecutor) backoff(attempts int) time.Duration {
	d := e.cfg.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= e.cfg.BackoffCap {
			d = e.cfg.BackoffCap
			break
		}
	}
	e.mu.Lock()
	jitter := time.Duration(e.rng.Int63n(int64(e.cfg.BackoffBase)))
	e.mu.Unlock()
	if d+jitter > e.cfg.BackoffCap {
		return e.cfg.BackoffCap
	}
	return d + jitter
}

func (e *OrderExecutor) persist(task *models.OrderTaskModel) {
	if err := e.store.Save(task); err != nil {
		zaplogger.Error("failed to persist order task", zaplogger.Fields{
			"task_id": task.ID,
			"error":   err.Error(),
		})
	}
}

func (e *OrderExecutor) breakerFor(accountID string) *CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	breaker, ok := e.breakers[accountID]
	if !ok {
		breaker = NewCircuitBreaker(e.cfg.BreakerThreshold, e.cfg.BreakerRecovery, 1)
		e.breakers[accountID] = breaker
	}
	return breaker
}

// evictLocked drops the oldest completed tasks beyond the memory cap.
// Pending and running tasks are never evicted. Caller holds mu.
func (e *OrderExecutor) evictLocked() {
	for len(e.tasks) > e.cfg.MaxTasks && len(e.doneOrder) > 0 {
		id := e.doneOrder[0]
		e.doneOrder = e.doneOrder[1:]
		if task, ok := e.tasks[id]; ok && task.Status == models.OrderTaskCompleted {
			delete(e.tasks, id)
		}
	}
}

// Stats returns the executor's counters
func (e *OrderExecutor) Stats() ExecutorStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return ExecutorStats{
		InMemory:   len(e.tasks),
		Submitted:  e.submitted,
		Deduped:    e.deduped,
		Completed:  e.completed,
		DeadLetter: e.deadLetter,
		Requeued:   e.requeued,
	}
}

// BreakerState exposes an account's breaker state for the health surface
func (e *OrderExecutor) BreakerState(accountID string) BreakerState {
	return e.breakerFor(accountID).State()
}
