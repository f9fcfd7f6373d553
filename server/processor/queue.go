package processor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/san-kum/pose-landmarker/server/models"
)

var (
	ErrQueueFull    = errors.New("processing queue is full")
	ErrQueueStopped = errors.New("processing queue is shut down")
)

// Task is one unit of pipeline work. Tasks that only configure return a nil
// bundle.
type Task func() (*models.ResultBundle, error)

type ProcessingQueue struct {
	items      chan *QueueItem
	workers    int
	lockThread bool
	wg         sync.WaitGroup
	shutdown   chan struct{}
	isRunning  bool
	mutex      sync.RWMutex
}

type QueueItem struct {
	Task       Task
	ResultChan chan *ProcessingResult
	StartTime  time.Time
}

type ProcessingResult struct {
	Bundle *models.ResultBundle
	Error  error
	Waited time.Duration
}

func NewQueueItem(task Task) *QueueItem {
	return &QueueItem{
		Task:       task,
		ResultChan: make(chan *ProcessingResult, 1),
		StartTime:  time.Now(),
	}
}

func NewProcessingQueue(queueSize, workers int) *ProcessingQueue {
	return newProcessingQueue(queueSize, workers, false)
}

// NewExecutor returns a one-worker queue whose worker stays on a single OS
// thread for its lifetime. Every task submitted to it runs on that thread,
// in submission order.
func NewExecutor(queueSize int) *ProcessingQueue {
	return newProcessingQueue(queueSize, 1, true)
}

func newProcessingQueue(queueSize, workers int, lockThread bool) *ProcessingQueue {
	if workers < 1 {
		workers = 1
	}
	queue := &ProcessingQueue{
		items:      make(chan *QueueItem, queueSize),
		workers:    workers,
		lockThread: lockThread,
		shutdown:   make(chan struct{}),
		isRunning:  true,
	}

	for i := 0; i < workers; i++ {
		queue.wg.Add(1)
		go queue.worker()
	}

	return queue
}

func (pq *ProcessingQueue) worker() {
	defer pq.wg.Done()

	if pq.lockThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}

	for {
		select {
		case item := <-pq.items:
			if item != nil {
				pq.run(item)
			}
		case <-pq.shutdown:
			return
		}
	}
}

func (pq *ProcessingQueue) run(item *QueueItem) {
	result := &ProcessingResult{Waited: time.Since(item.StartTime)}
	defer func() {
		if r := recover(); r != nil {
			result.Bundle = nil
			result.Error = fmt.Errorf("worker panic: %v", r)
		}
		select {
		case item.ResultChan <- result:
		default:
		}
	}()

	result.Bundle, result.Error = item.Task()
}

func (pq *ProcessingQueue) Enqueue(item *QueueItem) bool {
	pq.mutex.RLock()
	defer pq.mutex.RUnlock()
	if !pq.isRunning {
		return false
	}

	select {
	case pq.items <- item:
		return true
	default:
		return false
	}
}

// Submit enqueues task and waits for its result. When ctx ends first the task
// still runs, but its result is discarded.
func (pq *ProcessingQueue) Submit(ctx context.Context, task Task) (*models.ResultBundle, error) {
	item := NewQueueItem(task)
	if !pq.Enqueue(item) {
		if !pq.IsRunning() {
			return nil, ErrQueueStopped
		}
		return nil, ErrQueueFull
	}

	select {
	case result := <-item.ResultChan:
		return result.Bundle, result.Error
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Do runs fn on a worker and waits for it.
func (pq *ProcessingQueue) Do(ctx context.Context, fn func() error) error {
	_, err := pq.Submit(ctx, func() (*models.ResultBundle, error) {
		return nil, fn()
	})
	return err
}

func (pq *ProcessingQueue) Size() int {
	return len(pq.items)
}

func (pq *ProcessingQueue) Capacity() int {
	return cap(pq.items)
}

func (pq *ProcessingQueue) IsRunning() bool {
	pq.mutex.RLock()
	defer pq.mutex.RUnlock()
	return pq.isRunning
}

func (pq *ProcessingQueue) Workers() int {
	return pq.workers
}

// Shutdown stops the workers and fails whatever was still queued.
func (pq *ProcessingQueue) Shutdown(timeout time.Duration) error {
	pq.mutex.Lock()
	if !pq.isRunning {
		pq.mutex.Unlock()
		return nil
	}
	pq.isRunning = false
	pq.mutex.Unlock()

	close(pq.shutdown)

	done := make(chan struct{})
	go func() {
		pq.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		pq.DrainQueue()
		return nil
	case <-time.After(timeout):
		pq.DrainQueue()
		return fmt.Errorf("shutdown timeout exceeded")
	}
}

func (pq *ProcessingQueue) DrainQueue() int {
	drained := 0

	for {
		select {
		case item := <-pq.items:
			if item != nil {
				select {
				case item.ResultChan <- &ProcessingResult{Error: ErrQueueStopped}:
				default:
				}
				drained++
			}
		default:
			return drained
		}
	}
}

func (pq *ProcessingQueue) GetQueueStats() QueueStats {
	pq.mutex.RLock()
	defer pq.mutex.RUnlock()

	utilization := 0.0
	if pq.Capacity() > 0 {
		utilization = float64(pq.Size()) / float64(pq.Capacity()) * 100
	}

	return QueueStats{
		CurrentSize:        pq.Size(),
		MaxCapacity:        pq.Capacity(),
		ActiveWorkers:      pq.workers,
		IsRunning:          pq.isRunning,
		UtilizationPercent: utilization,
	}
}

type QueueStats struct {
	CurrentSize        int     `json:"current_size"`
	MaxCapacity        int     `json:"max_capacity"`
	ActiveWorkers      int     `json:"active_workers"`
	IsRunning          bool    `json:"is_running"`
	UtilizationPercent float64 `json:"utilization_percent"`
}
