// Package queue is an in-memory delivery queue with worker goroutines,
// delayed retries and a circuit breaker in front of the worker.
package queue

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// Option customizes a queue.
type Option[T any] func(*Queue[T])

// WithName labels the queue in logs and stats.
func WithName[T any](name string) Option[T] {
	return func(q *Queue[T]) { q.name = name }
}

// WithDropHandler is called for every message the queue gives up on.
func WithDropHandler[T any](fn func(msg Message[T], reason string)) Option[T] {
	return func(q *Queue[T]) { q.onDrop = fn }
}

// WithResultHandler is called after each worker call with its error.
func WithResultHandler[T any](fn func(msg Message[T], err error)) Option[T] {
	return func(q *Queue[T]) { q.onResult = fn }
}

// Queue delivers messages to a worker.
type Queue[T any] struct {
	name           string
	config         Config
	messages       chan Message[T]
	retryQueue     chan Message[T]
	worker         Worker[T]
	circuitBreaker *CircuitBreaker

	ctx        context.Context
	cancel     context.CancelFunc
	workCtx    context.Context
	cancelWork context.CancelFunc

	// mu guards closed and the close of messages against Enqueue.
	mu     sync.RWMutex
	closed bool

	onDrop   func(Message[T], string)
	onResult func(Message[T], error)

	processed atomic.Uint64
	failed    atomic.Uint64
	retried   atomic.Uint64
	dropped   atomic.Uint64
}

// NewQueue creates a queue bound to ctx. Workers start with Start.
func NewQueue[T any](ctx context.Context, worker Worker[T], config Config, opts ...Option[T]) *Queue[T] {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 1
	}

	queueCtx, cancel := context.WithCancel(ctx)
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))

	q := &Queue[T]{
		name:       "queue",
		config:     config,
		messages:   make(chan Message[T], config.BufferSize),
		retryQueue: make(chan Message[T], config.BufferSize),
		worker:     worker,
		circuitBreaker: NewCircuitBreaker(
			config.CircuitBreaker.FailureThreshold,
			config.CircuitBreaker.Timeout,
		),
		ctx:        queueCtx,
		cancel:     cancel,
		workCtx:    workCtx,
		cancelWork: cancelWork,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue[T]) logger() *log.Entry {
	return log.WithField("queue", q.name)
}

// Start runs the workers and blocks until the queue context ends and pending
// messages were drained or ShutdownTimeout elapsed.
func (q *Queue[T]) Start() error {
	q.logger().WithField("workers", q.config.Workers).Info("Starting queue")

	var workers sync.WaitGroup
	for i := 0; i < q.config.Workers; i++ {
		workers.Add(1)
		go func(id int) {
			defer workers.Done()
			q.workerLoop(id)
		}(i)
	}

	retryDone := make(chan struct{})
	go func() {
		defer close(retryDone)
		q.retryLoop()
	}()

	<-q.ctx.Done()
	q.logger().Info("Queue: starting graceful shutdown")

	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	<-retryDone
	close(q.messages)

	workersDone := make(chan struct{})
	go func() {
		workers.Wait()
		close(workersDone)
	}()

	timer := time.NewTimer(q.config.ShutdownTimeout)
	defer timer.Stop()

	select {
	case <-workersDone:
	case <-timer.C:
		q.logger().Warn("Queue: shutdown timeout reached, abandoning pending messages")
		q.cancelWork()
		<-workersDone
	}
	q.cancelWork()

drain:
	for {
		select {
		case msg := <-q.retryQueue:
			q.drop(msg, "shutdown with retry pending")
		default:
			break drain
		}
	}

	q.logger().Info("Queue shutdown completed")
	return q.ctx.Err()
}

// Stop ends the queue context. Start drains pending messages and returns.
func (q *Queue[T]) Stop() {
	q.cancel()
}

// Enqueue adds data without blocking. A full queue rejects the message.
func (q *Queue[T]) Enqueue(data T) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed || q.ctx.Err() != nil {
		return ErrQueueClosed
	}

	msg := Message[T]{
		ID:        generateID(),
		Data:      data,
		MaxTries:  q.config.RetryPolicy.Attempts(),
		CreatedAt: time.Now(),
	}

	select {
	case q.messages <- msg:
		return nil
	default:
		q.drop(msg, "queue full")
		return ErrQueueFull
	}
}

func (q *Queue[T]) workerLoop(workerID int) {
	for msg := range q.messages {
		if q.workCtx.Err() != nil {
			q.drop(msg, "shutdown timeout")
			continue
		}
		q.processMessage(msg, workerID)
	}
	q.logger().WithField("worker", workerID).Debug("Worker stopped")
}

func (q *Queue[T]) retryLoop() {
	for {
		select {
		case msg := <-q.retryQueue:
			q.waitAndRequeue(msg)
		case <-q.ctx.Done():
			q.flushRetries()
			return
		}
	}
}

func (q *Queue[T]) waitAndRequeue(msg Message[T]) {
	delay := q.config.RetryPolicy.CalculateDelay(msg.Attempts - 1)
	q.logger().WithFields(log.Fields{"message": msg.ID, "delay": delay}).Debug("Waiting before retry")

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-q.ctx.Done():
	}

	select {
	case q.messages <- msg:
	default:
		q.drop(msg, "queue full on retry")
	}
}

// flushRetries moves waiting retries to the main channel for one last try.
func (q *Queue[T]) flushRetries() {
	for {
		select {
		case msg := <-q.retryQueue:
			select {
			case q.messages <- msg:
			default:
				q.drop(msg, "queue full during shutdown")
			}
		default:
			return
		}
	}
}

func (q *Queue[T]) processMessage(msg Message[T], workerID int) {
	for {
		msg.Attempts++
		msg.LastTry = time.Now()

		err := q.execute(msg)
		if q.onResult != nil {
			q.onResult(msg, err)
		}
		if err == nil {
			q.processed.Add(1)
			q.logger().WithFields(log.Fields{"worker": workerID, "message": msg.ID}).Debug("Message processed")
			return
		}

		q.failed.Add(1)
		shutdown := q.ctx.Err() != nil
		q.logger().WithFields(log.Fields{
			"worker":   workerID,
			"message":  msg.ID,
			"attempt":  msg.Attempts,
			"max":      msg.MaxTries,
			"shutdown": shutdown,
			"error":    err,
		}).Warn("Error processing message")

		if msg.Attempts >= msg.MaxTries || !ShouldRetry(q.ctx, err, msg.Attempts) {
			q.drop(msg, "giving up after "+pluralAttempts(msg.Attempts))
			return
		}
		q.retried.Add(1)

		if shutdown {
			continue
		}
		select {
		case q.retryQueue <- msg:
		default:
			q.drop(msg, "retry queue full")
		}
		return
	}
}

func (q *Queue[T]) execute(msg Message[T]) error {
	ctx, cancel := q.workCtx, context.CancelFunc(func() {})
	if q.config.ProcessingTimeout > 0 {
		ctx, cancel = context.WithTimeout(q.workCtx, q.config.ProcessingTimeout)
	}
	defer cancel()

	err := q.circuitBreaker.Call(func() error {
		return q.worker.Process(ctx, msg)
	})
	if errors.Is(err, ErrCircuitBreakerOpen) {
		q.logger().WithField("message", msg.ID).Debug("Circuit breaker open")
	}
	return err
}

func (q *Queue[T]) drop(msg Message[T], reason string) {
	q.dropped.Add(1)
	q.logger().WithFields(log.Fields{"message": msg.ID, "reason": reason}).Warn("Dropping message")
	if q.onDrop != nil {
		q.onDrop(msg, reason)
	}
}

// Stats returns a snapshot of the queue.
func (q *Queue[T]) Stats() Stats {
	return Stats{
		Name:                q.name,
		QueueSize:           len(q.messages),
		RetryQueueSize:      len(q.retryQueue),
		CircuitBreakerState: q.circuitBreaker.State(),
		Workers:             q.config.Workers,
		Processed:           q.processed.Load(),
		Failed:              q.failed.Load(),
		Retried:             q.retried.Load(),
		Dropped:             q.dropped.Load(),
	}
}

func pluralAttempts(n int) string {
	if n == 1 {
		return "1 attempt"
	}
	return strconv.Itoa(n) + " attempts"
}
