// Package pool provides the bounded-concurrency, rate-limited processing
// pool that workers pull messages from and mediate against a subscriber
// endpoint.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"go.flowcatalyst.tech/internal/common/metrics"
	"go.flowcatalyst.tech/internal/router/model"
)

// MessagePointer is the internal, in-pipeline representation of a message
// pointer, carrying the broker callbacks needed to complete it.
type MessagePointer struct {
	ID              string
	BrokerMessageID string
	BatchID         string
	QueueID         string
	MessageGroupID  string
	MediationTarget string
	MediationType   model.MediationType
	Payload         []byte
	Headers         map[string]string
	TimeoutSeconds  int

	AckFunc        func() error
	NakFunc        func() error
	NakDelayFunc   func(time.Duration) error
	InProgressFunc func() error
}

// Mediator executes the outbound call and classifies the outcome. It never
// returns an error directly: every path resolves to a MediationResult.
type Mediator interface {
	Process(ctx context.Context, msg *MessagePointer) *model.MediationResult
}

// MessageCallback bridges pool outcomes to the broker ACK/NACK protocol.
type MessageCallback interface {
	Ack(msg *MessagePointer)
	Nack(msg *MessagePointer)
	SetVisibilityDelay(msg *MessagePointer, seconds int)
	SetFastFailVisibility(msg *MessagePointer)
	ResetVisibilityToDefault(msg *MessagePointer)
}

// Pool is the external contract for a processing pool.
type Pool interface {
	Start()
	Drain()
	Submit(msg *MessagePointer) bool
	GetPoolCode() string
	GetConcurrency() int
	GetRateLimitPerMinute() *int
	IsFullyDrained() bool
	Shutdown()
	GetQueueSize() int
	GetActiveWorkers() int
	GetQueueCapacity() int
	IsRateLimited() bool
	UpdateConcurrency(newLimit int, timeoutSeconds int) bool
	UpdateRateLimit(newRateLimitPerMinute *int)
	Stats() Stats
}

// Stats is a point-in-time snapshot of a pool's counters, used by the
// monitoring surface and the health subsystem.
type Stats struct {
	PoolCode         string
	TotalProcessed   int64
	TotalSucceeded   int64
	TotalFailed      int64
	TotalRateLimited int64
	ActiveWorkers    int
	AvailablePermits int
	MaxConcurrency   int
	QueueSize        int
	MaxQueueCapacity int
	Window5m         windowStats
	Window30m        windowStats
}

type windowStats struct {
	Processed int64
	Succeeded int64
}

// SuccessRate returns succeeded/processed, 0 when processed is 0.
func (w windowStats) SuccessRate() float64 {
	if w.Processed == 0 {
		return 0
	}
	return float64(w.Succeeded) / float64(w.Processed)
}

// ProcessPool implements Pool with per-message-group FIFO ordering. Each
// active message group gets its own goroutine that drains the group's queue
// in order; idle groups are cleaned up after a timeout.
type ProcessPool struct {
	poolCode      string
	concurrency   int32
	queueCapacity int
	semaphore     chan struct{}

	running            atomic.Bool
	rateLimiter        *rate.Limiter
	rateLimitMu        sync.RWMutex
	rateLimitPerMinute *int

	mediator        Mediator
	messageCallback MessageCallback

	messageGroupQueues sync.Map // map[string]chan *MessagePointer
	activeGroupThreads sync.Map // map[string]bool

	totalQueuedMessages atomic.Int32

	// Batch+group FIFO failure barrier: once a message in a batch+group
	// fails, later messages from the same batch in the same group are
	// nacked without attempting mediation, preserving FIFO within the batch.
	failedBatchGroups      sync.Map // map[string]bool
	batchGroupMessageCount sync.Map // map[string]*atomic.Int32

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	shutdownMu sync.Mutex

	gaugeCtx    context.Context
	gaugeCancel context.CancelFunc
	gaugeWg     sync.WaitGroup

	counters     lifetimeCounters
	windows      *windowTracker
	lastActivity atomic.Int64
}

type lifetimeCounters struct {
	totalProcessed   atomic.Int64
	totalSucceeded   atomic.Int64
	totalFailed      atomic.Int64
	totalRateLimited atomic.Int64
}

const (
	// DefaultGroup is used for messages without a messageGroupId.
	DefaultGroup = "default"

	// IdleTimeoutMinutes before cleaning up an inactive message group goroutine.
	IdleTimeoutMinutes = 5
)

// NewProcessPool creates a new process pool with the given concurrency,
// queue capacity, and optional rate limit (messages/minute).
func NewProcessPool(
	poolCode string,
	concurrency int,
	queueCapacity int,
	rateLimitPerMinute *int,
	mediator Mediator,
	messageCallback MessageCallback,
) *ProcessPool {
	ctx, cancel := context.WithCancel(context.Background())
	gaugeCtx, gaugeCancel := context.WithCancel(context.Background())

	// The semaphore is sized for the largest concurrency the pool can be
	// raised to, so UpdateConcurrency can add permits without blocking.
	p := &ProcessPool{
		poolCode:           poolCode,
		concurrency:        int32(concurrency),
		queueCapacity:      queueCapacity,
		semaphore:          make(chan struct{}, max(concurrency, 10_000)),
		mediator:           mediator,
		messageCallback:    messageCallback,
		rateLimitPerMinute: rateLimitPerMinute,
		ctx:                ctx,
		cancel:             cancel,
		gaugeCtx:           gaugeCtx,
		gaugeCancel:        gaugeCancel,
		windows:            newWindowTracker(),
	}

	for i := 0; i < concurrency; i++ {
		p.semaphore <- struct{}{}
	}

	if rateLimitPerMinute != nil && *rateLimitPerMinute > 0 {
		perSecond := float64(*rateLimitPerMinute) / 60.0
		p.rateLimiter = rate.NewLimiter(rate.Limit(perSecond), *rateLimitPerMinute)
		slog.Info("created pool rate limiter", "pool", poolCode, "rateLimit", *rateLimitPerMinute)
	}

	return p
}

// Start begins gauge reporting. Worker goroutines start lazily, one per
// message group, as messages arrive.
func (p *ProcessPool) Start() {
	if p.running.CompareAndSwap(false, true) {
		p.gaugeWg.Add(1)
		go p.runGaugeUpdater()
		slog.Info("starting process pool", "pool", p.poolCode, "concurrency", atomic.LoadInt32(&p.concurrency))
	}
}

// Drain stops accepting new work but lets in-flight work finish.
func (p *ProcessPool) Drain() {
	slog.Info("draining process pool", "pool", p.poolCode, "queued", p.totalQueuedMessages.Load())
	p.running.Store(false)
}

// Submit enqueues msg into its message group's queue.
func (p *ProcessPool) Submit(msg *MessagePointer) bool {
	if !p.running.Load() {
		return false
	}

	groupID := msg.MessageGroupID
	if groupID == "" {
		groupID = DefaultGroup
	}

	batchID := msg.BatchID
	var batchGroupKey string
	if batchID != "" {
		batchGroupKey = batchID + "|" + groupID
		counter, _ := p.batchGroupMessageCount.LoadOrStore(batchGroupKey, &atomic.Int32{})
		counter.(*atomic.Int32).Add(1)
	}

	queueIface, created := p.messageGroupQueues.LoadOrStore(groupID, make(chan *MessagePointer, p.queueCapacity))
	queue := queueIface.(chan *MessagePointer)

	if created {
		p.startGroupGoroutine(groupID, queue)
	} else if _, active := p.activeGroupThreads.Load(groupID); !active {
		slog.Warn("message group goroutine died, restarting", "pool", p.poolCode, "group", groupID)
		p.startGroupGoroutine(groupID, queue)
	}

	current := p.totalQueuedMessages.Load()
	if int(current) >= p.queueCapacity {
		if batchGroupKey != "" {
			p.decrementAndCleanupBatchGroup(batchGroupKey)
		}
		return false
	}

	select {
	case queue <- msg:
		p.totalQueuedMessages.Add(1)
		return true
	default:
		if batchGroupKey != "" {
			p.decrementAndCleanupBatchGroup(batchGroupKey)
		}
		return false
	}
}

func (p *ProcessPool) startGroupGoroutine(groupID string, queue chan *MessagePointer) {
	p.activeGroupThreads.Store(groupID, true)
	p.wg.Add(1)
	go p.processMessageGroup(groupID, queue)
}

func (p *ProcessPool) processMessageGroup(groupID string, queue chan *MessagePointer) {
	defer p.wg.Done()
	defer p.activeGroupThreads.Delete(groupID)

	idleTimeout := time.Duration(IdleTimeoutMinutes) * time.Minute
	timer := time.NewTimer(idleTimeout)
	defer timer.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return

		case msg := <-queue:
			if msg == nil {
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(idleTimeout)

			p.totalQueuedMessages.Add(-1)
			p.processMessage(msg)

		case <-timer.C:
			if len(queue) == 0 {
				p.messageGroupQueues.Delete(groupID)
				return
			}
			timer.Reset(idleTimeout)
		}
	}
}

func (p *ProcessPool) processMessage(msg *MessagePointer) {
	var semaphoreAcquired bool

	groupID := msg.MessageGroupID
	if groupID == "" {
		groupID = DefaultGroup
	}
	var batchGroupKey string
	if msg.BatchID != "" {
		batchGroupKey = msg.BatchID + "|" + groupID
	}

	defer func() {
		if semaphoreAcquired {
			p.semaphore <- struct{}{}
		}
		if r := recover(); r != nil {
			slog.Error("panic during message processing", "pool", p.poolCode, "messageId", msg.ID, "panic", r)
			p.nackSafely(msg)
			if batchGroupKey != "" {
				p.decrementAndCleanupBatchGroup(batchGroupKey)
			}
		}
	}()

	if batchGroupKey != "" {
		if _, failed := p.failedBatchGroups.Load(batchGroupKey); failed {
			p.messageCallback.SetFastFailVisibility(msg)
			p.nackSafely(msg)
			p.decrementAndCleanupBatchGroup(batchGroupKey)
			return
		}
	}

	// Step 2 of the worker loop: rate-limit token, checked before acquiring a
	// concurrency permit so a throttled message never occupies a worker slot.
	if p.rateLimited() {
		delay := p.projectedRateLimitWaitSeconds()
		p.counters.totalRateLimited.Add(1)
		metrics.PoolRateLimitRejections.WithLabelValues(p.poolCode).Inc()
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "rate_limited").Inc()
		p.messageCallback.SetVisibilityDelay(msg, delay)
		p.nackSafely(msg)
		if batchGroupKey != "" {
			p.decrementAndCleanupBatchGroup(batchGroupKey)
		}
		return
	}

	select {
	case <-p.semaphore:
		semaphoreAcquired = true
	case <-p.ctx.Done():
		p.nackSafely(msg)
		if batchGroupKey != "" {
			p.decrementAndCleanupBatchGroup(batchGroupKey)
		}
		return
	}

	ctx := p.ctx
	if msg.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(p.ctx, time.Duration(msg.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	start := time.Now()
	result := p.mediator.Process(ctx, msg)
	duration := time.Since(start)

	metrics.PoolProcessingDuration.WithLabelValues(p.poolCode).Observe(duration.Seconds())

	p.handleMediationResult(msg, result, batchGroupKey)
}

// rateLimited reports whether a message should be deferred for lack of a
// token. The check is non-blocking: a worker that cannot acquire a token
// reports RATE_LIMITED and the message comes back as a delayed redelivery
// instead of occupying the worker goroutine.
func (p *ProcessPool) rateLimited() bool {
	p.rateLimitMu.RLock()
	limiter := p.rateLimiter
	p.rateLimitMu.RUnlock()

	if limiter == nil {
		return false
	}
	return !limiter.Allow()
}

func (p *ProcessPool) projectedRateLimitWaitSeconds() int {
	p.rateLimitMu.RLock()
	perMinute := p.rateLimitPerMinute
	p.rateLimitMu.RUnlock()
	if perMinute == nil || *perMinute <= 0 {
		return model.DefaultDelaySeconds
	}
	waitMs := 60_000 / *perMinute
	if waitMs < 1 {
		waitMs = 1
	}
	return model.ClampDelaySeconds(waitMs/1000 + 1)
}

func (p *ProcessPool) handleMediationResult(msg *MessagePointer, result *model.MediationResult, batchGroupKey string) {
	if result == nil {
		result = &model.MediationResult{Outcome: model.OutcomeErrorProcess}
	}

	p.counters.totalProcessed.Add(1)
	p.windows.recordProcessed(result.Outcome == model.OutcomeSuccess)
	p.lastActivity.Store(time.Now().UnixMilli())

	switch result.Outcome {
	case model.OutcomeSuccess:
		p.counters.totalSucceeded.Add(1)
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "success").Inc()
		p.messageCallback.Ack(msg)
		if batchGroupKey != "" {
			p.decrementAndCleanupBatchGroup(batchGroupKey)
		}

	case model.OutcomeErrorConfig:
		p.counters.totalFailed.Add(1)
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "failed").Inc()
		slog.Warn("config error, acking to prevent retry", "pool", p.poolCode, "messageId", msg.ID, "error", result.ErrorMessage)
		p.messageCallback.Ack(msg)
		if batchGroupKey != "" {
			p.decrementAndCleanupBatchGroup(batchGroupKey)
		}

	default: // ERROR_PROCESS and anything unrecognized NACK with a delay.
		p.counters.totalFailed.Add(1)
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "failed").Inc()
		delay := model.ClampDelaySeconds(result.DelaySeconds)
		p.messageCallback.SetVisibilityDelay(msg, delay)
		p.messageCallback.Nack(msg)

		if batchGroupKey != "" {
			p.failedBatchGroups.Store(batchGroupKey, true)
			p.decrementAndCleanupBatchGroup(batchGroupKey)
		}
	}
}

func (p *ProcessPool) nackSafely(msg *MessagePointer) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic during message nack", "pool", p.poolCode, "messageId", msg.ID, "panic", r)
		}
	}()
	p.messageCallback.Nack(msg)
}

func (p *ProcessPool) decrementAndCleanupBatchGroup(batchGroupKey string) {
	if counterIface, ok := p.batchGroupMessageCount.Load(batchGroupKey); ok {
		counter := counterIface.(*atomic.Int32)
		if counter.Add(-1) <= 0 {
			p.batchGroupMessageCount.Delete(batchGroupKey)
			p.failedBatchGroups.Delete(batchGroupKey)
		}
	}
}

func (p *ProcessPool) GetPoolCode() string { return p.poolCode }

func (p *ProcessPool) GetConcurrency() int { return int(atomic.LoadInt32(&p.concurrency)) }

func (p *ProcessPool) GetRateLimitPerMinute() *int {
	p.rateLimitMu.RLock()
	defer p.rateLimitMu.RUnlock()
	return p.rateLimitPerMinute
}

func (p *ProcessPool) IsFullyDrained() bool {
	return p.totalQueuedMessages.Load() == 0 && len(p.semaphore) == int(atomic.LoadInt32(&p.concurrency))
}

func (p *ProcessPool) Shutdown() {
	p.shutdownMu.Lock()
	defer p.shutdownMu.Unlock()

	p.running.Store(false)
	p.gaugeCancel()
	p.gaugeWg.Wait()
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("pool shutdown complete", "pool", p.poolCode)
	case <-time.After(10 * time.Second):
		slog.Warn("pool shutdown timed out", "pool", p.poolCode)
	}
}

func (p *ProcessPool) GetQueueSize() int { return int(p.totalQueuedMessages.Load()) }

// LastActivityAt returns when the pool last completed a message, or nil if it
// has never processed anything.
func (p *ProcessPool) LastActivityAt() *time.Time {
	millis := p.lastActivity.Load()
	if millis == 0 {
		return nil
	}
	ts := time.UnixMilli(millis)
	return &ts
}

func (p *ProcessPool) GetActiveWorkers() int {
	return int(atomic.LoadInt32(&p.concurrency)) - len(p.semaphore)
}

func (p *ProcessPool) GetQueueCapacity() int { return p.queueCapacity }

func (p *ProcessPool) HasCapacity(needed int) bool {
	return p.GetQueueSize()+needed <= p.queueCapacity
}

func (p *ProcessPool) IsRateLimited() bool {
	p.rateLimitMu.RLock()
	limiter := p.rateLimiter
	p.rateLimitMu.RUnlock()
	if limiter == nil {
		return false
	}
	return limiter.Tokens() <= 0
}

// UpdateConcurrency grows or shrinks permits live; in-flight work completes
// at the old concurrency, new work uses the new one.
func (p *ProcessPool) UpdateConcurrency(newLimit int, timeoutSeconds int) bool {
	if newLimit <= 0 || newLimit > cap(p.semaphore) {
		return false
	}

	current := int(atomic.LoadInt32(&p.concurrency))
	if newLimit == current {
		return true
	}

	if newLimit > current {
		diff := newLimit - current
		for i := 0; i < diff; i++ {
			p.semaphore <- struct{}{}
		}
		atomic.StoreInt32(&p.concurrency, int32(newLimit))
		return true
	}

	diff := current - newLimit
	deadline := time.Now().Add(time.Duration(timeoutSeconds) * time.Second)
	acquired := 0
	for acquired < diff {
		select {
		case <-p.semaphore:
			acquired++
		case <-time.After(time.Until(deadline)):
			for i := 0; i < acquired; i++ {
				p.semaphore <- struct{}{}
			}
			return false
		}
	}

	atomic.StoreInt32(&p.concurrency, int32(newLimit))
	return true
}

func (p *ProcessPool) UpdateRateLimit(newRateLimitPerMinute *int) {
	p.rateLimitMu.Lock()
	defer p.rateLimitMu.Unlock()

	if newRateLimitPerMinute == nil || *newRateLimitPerMinute <= 0 {
		p.rateLimiter = nil
		p.rateLimitPerMinute = nil
		return
	}

	// An unchanged limit keeps the live bucket; rebuilding it would hand
	// every reconcile cycle a fresh burst of tokens.
	if p.rateLimitPerMinute != nil && *p.rateLimitPerMinute == *newRateLimitPerMinute {
		return
	}

	perSecond := float64(*newRateLimitPerMinute) / 60.0
	p.rateLimiter = rate.NewLimiter(rate.Limit(perSecond), *newRateLimitPerMinute)
	p.rateLimitPerMinute = newRateLimitPerMinute
}

func (p *ProcessPool) runGaugeUpdater() {
	defer p.gaugeWg.Done()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	p.updateGauges()
	for {
		select {
		case <-p.gaugeCtx.Done():
			return
		case <-ticker.C:
			p.updateGauges()
		}
	}
}

func (p *ProcessPool) updateGauges() {
	activeWorkers := p.GetActiveWorkers()
	queueSize := p.GetQueueSize()
	availablePermits := int(atomic.LoadInt32(&p.concurrency)) - activeWorkers
	groupCount := p.countMessageGroups()

	metrics.PoolActiveWorkers.WithLabelValues(p.poolCode).Set(float64(activeWorkers))
	metrics.PoolQueueDepth.WithLabelValues(p.poolCode).Set(float64(queueSize))
	metrics.PoolAvailablePermits.WithLabelValues(p.poolCode).Set(float64(availablePermits))
	metrics.PoolMessageGroupCount.WithLabelValues(p.poolCode).Set(float64(groupCount))
}

func (p *ProcessPool) countMessageGroups() int {
	count := 0
	p.messageGroupQueues.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// Stats returns a point-in-time snapshot of pool counters.
func (p *ProcessPool) Stats() Stats {
	return Stats{
		PoolCode:         p.poolCode,
		TotalProcessed:   p.counters.totalProcessed.Load(),
		TotalSucceeded:   p.counters.totalSucceeded.Load(),
		TotalFailed:      p.counters.totalFailed.Load(),
		TotalRateLimited: p.counters.totalRateLimited.Load(),
		ActiveWorkers:    p.GetActiveWorkers(),
		AvailablePermits: int(atomic.LoadInt32(&p.concurrency)) - p.GetActiveWorkers(),
		MaxConcurrency:   p.GetConcurrency(),
		QueueSize:        p.GetQueueSize(),
		MaxQueueCapacity: p.queueCapacity,
		Window5m:         p.windows.snapshot(5 * time.Minute),
		Window30m:        p.windows.snapshot(30 * time.Minute),
	}
}
