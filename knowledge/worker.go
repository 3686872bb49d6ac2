package knowledge

import (
	"context"
	"errors"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
)

var (
	ErrQueueFull         = errors.New("knowledge: ingestion queue is full")
	ErrDispatcherStopped = errors.New("knowledge: ingestion dispatcher is stopped")
)

// Dispatcher runs ingestion jobs on a fixed number of workers. Jobs for
// different documents run concurrently; each document is handled by exactly
// one worker.
type Dispatcher struct {
	process func(context.Context, string) error
	workers int
	jobs    chan string

	mu      sync.RWMutex
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewDispatcher(workers, queueSize int, process func(context.Context, string) error) *Dispatcher {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	return &Dispatcher{process: process, workers: workers, jobs: make(chan string, queueSize)}
}

// DispatcherSizeFromEnv reads INGEST_WORKERS and INGEST_QUEUE_SIZE.
func DispatcherSizeFromEnv() (workers, queueSize int) {
	workers, queueSize = 2, 100
	if raw := strings.TrimSpace(os.Getenv("INGEST_WORKERS")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			workers = parsed
		}
	}
	if raw := strings.TrimSpace(os.Getenv("INGEST_QUEUE_SIZE")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			queueSize = parsed
		}
	}
	return workers, queueSize
}

// Start launches the workers. Cancelling ctx abandons in-flight jobs.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx != nil || d.stopped {
		return
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.loop()
	}
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case id, ok := <-d.jobs:
			if !ok {
				return
			}
			d.run(id)
		}
	}
}

func (d *Dispatcher) run(id string) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("knowledge: ingestion of %s panicked: %v", id, r)
		}
	}()
	if err := d.process(d.ctx, id); err != nil {
		log.Printf("knowledge: ingestion of %s: %v", id, err)
	}
}

// Submit queues a document without blocking.
func (d *Dispatcher) Submit(documentID string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped || d.ctx == nil {
		return ErrDispatcherStopped
	}
	select {
	case d.jobs <- documentID:
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown stops accepting jobs, lets queued and running jobs finish until
// ctx expires, then cancels whatever is still running.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.jobs)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if d.cancel != nil {
			d.cancel()
		}
		<-done
	}
	if d.cancel != nil {
		d.cancel()
	}
}
