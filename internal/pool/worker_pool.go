package pool

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"abusedesk/backend/internal/monitoring"
)

// Task 后台任务，ctx 是协程池的生命周期上下文
type Task func(ctx context.Context)

// WorkerPool 协程池
//
// 用于限制后台批处理的并发数量。任务与提交它的请求解耦，
// 只在协程池停止时被取消。
type WorkerPool struct {
	maxWorkers int
	taskQueue  chan Task
	wg         sync.WaitGroup
	log        *zap.Logger
	metrics    *monitoring.Metrics

	mu      sync.RWMutex
	stopped bool

	running   atomic.Int64
	completed atomic.Int64
	panics    atomic.Int64
}

// Stats 协程池运行状态
type Stats struct {
	Workers   int   `json:"workers"`
	Queued    int   `json:"queued"`
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Panics    int64 `json:"panics"`
}

// NewWorkerPool 创建协程池
//
// 参数:
//   - maxWorkers: 最大协程数
//   - queueSize: 任务队列大小
func NewWorkerPool(maxWorkers, queueSize int, metrics *monitoring.Metrics, log *zap.Logger) *WorkerPool {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &WorkerPool{
		maxWorkers: maxWorkers,
		taskQueue:  make(chan Task, queueSize),
		log:        log.Named("pool"),
		metrics:    metrics,
	}
}

// Start 启动协程池
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Submit 提交任务
//
// 如果队列已满，会阻塞直到有空位或 ctx 结束
func (p *WorkerPool) Submit(ctx context.Context, task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return false
	}

	select {
	case p.taskQueue <- task:
		return true
	case <-ctx.Done():
		return false
	}
}

// TrySubmit 尝试提交任务
//
// 如果队列已满或协程池已停止，立即返回 false
func (p *WorkerPool) TrySubmit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return false
	}

	select {
	case p.taskQueue <- task:
		return true
	default:
		return false
	}
}

// Stop 停止接收新任务并等待已入队的任务执行完毕
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.taskQueue)
	p.mu.Unlock()

	p.wg.Wait()
}

// Stats 返回当前运行状态
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Workers:   p.maxWorkers,
		Queued:    len(p.taskQueue),
		Running:   p.running.Load(),
		Completed: p.completed.Load(),
		Panics:    p.panics.Load(),
	}
}

// worker 工作协程
func (p *WorkerPool) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-p.taskQueue:
			if !ok {
				return
			}
			p.run(ctx, task)
		}
	}
}

// run 执行任务（捕获 panic）
func (p *WorkerPool) run(ctx context.Context, task Task) {
	p.running.Add(1)
	defer func() {
		p.running.Add(-1)
		p.completed.Add(1)
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.metrics.RecordPanic()
			p.log.Error("Background task panicked",
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()
	task(ctx)
}
