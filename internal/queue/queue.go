// Package queue 实现编译队列和后台编译线程池
//
// 两种排队方式：
//   - 遍历式优先队列：每次取任务时重算所有条目的权重，取最大者
//   - 按层级 FIFO：多层模式下第一层任务全部先于最后一层，层内按提交顺序
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/tangzhangming/tierjit/internal/config"
	jerrors "github.com/tangzhangming/tierjit/internal/errors"
	"github.com/tangzhangming/tierjit/internal/task"
)

// MaxWorkers 编译线程数上限
const MaxWorkers = 256

// Handler 执行一个已开始的任务，返回值作为任务结果
type Handler func(t *task.Task) error

// DropFunc 任务因取消或目标被回收而被丢弃时回调
//
// byQueue 为 true 表示任务是被队列自己取消的（目标被回收或队列关闭）。
type DropFunc func(t *task.Task, byQueue bool)

// Queue 编译队列
type Queue struct {
	// =========================================================================
	// 配置
	// =========================================================================

	policy     task.Policy
	numWorkers int
	seq        task.Sequence
	handler    Handler
	onDrop     DropFunc
	logger     *zap.Logger

	// =========================================================================
	// 待执行任务
	// =========================================================================

	pending pending
	signal  chan struct{}

	// =========================================================================
	// 生命周期控制
	// =========================================================================

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	running  atomic.Bool
	shutdown atomic.Bool
	startMu  sync.Mutex

	// =========================================================================
	// 统计信息
	// =========================================================================

	stats queueCounters
}

type queueCounters struct {
	submitted atomic.Int64
	started   atomic.Int64
	completed atomic.Int64
	dropped   atomic.Int64
	panics    atomic.Int64
	active    atomic.Int32
}

// Stats 队列统计快照
type Stats struct {
	Workers   int   // 编译线程数
	Pending   int   // 待执行任务数
	Active    int   // 正在执行的任务数
	Submitted int64 // 提交总数
	Started   int64 // 开始执行总数
	Completed int64 // 执行完成总数
	Dropped   int64 // 丢弃总数
	Panics    int64 // 处理函数 panic 次数
}

// New 创建编译队列
func New(opts *config.Options, handler Handler, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	numWorkers := opts.WorkerCount()
	if numWorkers > MaxWorkers {
		numWorkers = MaxWorkers
	}

	var p pending
	if opts.PriorityQueue {
		p = newTraversingQueue()
	} else {
		p = newFIFOQueue(opts.MultiTier)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		policy:     task.PolicyFromOptions(opts),
		numWorkers: numWorkers,
		handler:    handler,
		logger:     logger,
		pending:    p,
		signal:     make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// OnDrop 设置丢弃回调，必须在 Start 之前调用
func (q *Queue) OnDrop(fn DropFunc) {
	q.onDrop = fn
}

// Start 启动编译线程，重复调用无效果
func (q *Queue) Start() {
	q.startMu.Lock()
	defer q.startMu.Unlock()
	if q.running.Load() || q.shutdown.Load() {
		return
	}
	q.running.Store(true)
	for i := 0; i < q.numWorkers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	q.logger.Debug("compile queue started", zap.Int("workers", q.numWorkers))
}

// NumWorkers 编译线程数
func (q *Queue) NumWorkers() int {
	return q.numWorkers
}

// Policy 排序策略
func (q *Queue) Policy() task.Policy {
	return q.policy
}

// ============================================================================
// 提交
// ============================================================================

// Submit 提交编译请求
//
// target 是目标的弱句柄。队列关闭后返回 ErrRejected。
func (q *Queue) Submit(target func() task.Target, tier task.Tier, osr bool) (*task.Task, error) {
	if q.shutdown.Load() {
		return nil, fmt.Errorf("submit %s tier: %w", tier, jerrors.ErrRejected)
	}
	t := task.New(task.Params{
		ID:     q.seq.Next(),
		Tier:   tier,
		OSR:    osr,
		Target: target,
		Policy: q.policy,
		Parent: q.ctx,
	})
	if !q.enqueue(t) {
		return nil, fmt.Errorf("submit %s tier: %w", tier, jerrors.ErrRejected)
	}
	return t, nil
}

// SubmitAction 提交非编译任务，它优先于所有编译任务
func (q *Queue) SubmitAction(action func(ctx context.Context) error) (*task.Task, error) {
	if q.shutdown.Load() {
		return nil, fmt.Errorf("submit action: %w", jerrors.ErrRejected)
	}
	t := task.New(task.Params{
		ID:     q.seq.Next(),
		Action: action,
		Policy: q.policy,
		Parent: q.ctx,
	})
	if !q.enqueue(t) {
		return nil, fmt.Errorf("submit action: %w", jerrors.ErrRejected)
	}
	return t, nil
}

// enqueue 在 startMu 下检查关闭并加入待执行集合，与关闭时的排空互斥
//
// 队列已关闭时取消任务并返回 false。
func (q *Queue) enqueue(t *task.Task) bool {
	q.startMu.Lock()
	if q.shutdown.Load() {
		q.startMu.Unlock()
		t.Cancel()
		return false
	}
	q.pending.add(t)
	q.startMu.Unlock()
	q.stats.submitted.Inc()
	q.notify()
	return true
}

func (q *Queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// ============================================================================
// 工作线程
// ============================================================================

func (q *Queue) worker(id int) {
	defer q.wg.Done()
	for {
		if q.ctx.Err() != nil {
			return
		}
		t := q.take()
		if t == nil {
			select {
			case <-q.signal:
				continue
			case <-q.ctx.Done():
				return
			}
		}
		// 还有剩余任务时唤醒其它线程
		if q.pending.size() > 0 {
			q.notify()
		}
		q.run(id, t)
	}
}

func (q *Queue) take() *task.Task {
	best, dropped := q.pending.takeMax(time.Now())
	for _, t := range dropped {
		q.drop(t)
	}
	return best
}

func (q *Queue) drop(t *task.Task) {
	q.stats.dropped.Inc()
	// 目标被回收的任务也要结束，避免等待者挂起
	byQueue := t.Cancel()
	if q.onDrop != nil {
		q.onDrop(t, byQueue)
	}
}

func (q *Queue) run(worker int, t *task.Task) {
	if !t.Start() {
		q.drop(t)
		return
	}
	q.stats.started.Inc()
	q.stats.active.Inc()
	defer q.stats.active.Dec()

	err := q.invoke(worker, t)
	q.stats.completed.Inc()
	t.Finish(err)
}

// invoke 执行任务体，panic 被转换为内部错误
func (q *Queue) invoke(worker int, t *task.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.stats.panics.Inc()
			q.logger.Error("compile task panicked",
				zap.Int("worker", worker),
				zap.Int64("task", t.ID()),
				zap.Any("panic", r))
			err = jerrors.Panicked(r)
		}
	}()
	if t.IsAction() {
		return t.Action()(t.Context())
	}
	if q.handler == nil {
		return nil
	}
	return q.handler(t)
}

// ============================================================================
// 关闭
// ============================================================================

// ShutdownAndAwaitTermination 立即中断所有编译线程并在限定时间内等待它们退出
//
// 待执行任务全部被取消。超时未退出返回 ErrShutdownTimeout。
func (q *Queue) ShutdownAndAwaitTermination(timeout time.Duration) error {
	q.startMu.Lock()
	first := !q.shutdown.Swap(true)
	q.startMu.Unlock()
	if first {
		q.cancel()
		for _, t := range q.pending.drain() {
			q.drop(t)
		}
	}

	terminated := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(terminated)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-terminated:
		q.running.Store(false)
		return nil
	case <-timer.C:
		q.logger.Error("compiler threads did not terminate",
			zap.Duration("timeout", timeout),
			zap.Int32("active", q.stats.active.Load()))
		return fmt.Errorf("shutdown after %s: %w", timeout, jerrors.ErrShutdownTimeout)
	}
}

// IsShutdown 是否已关闭
func (q *Queue) IsShutdown() bool {
	return q.shutdown.Load()
}

// Size 待执行任务数
func (q *Queue) Size() int {
	return q.pending.size()
}

// GetStats 获取统计快照
func (q *Queue) GetStats() Stats {
	return Stats{
		Workers:   q.numWorkers,
		Pending:   q.pending.size(),
		Active:    int(q.stats.active.Load()),
		Submitted: q.stats.submitted.Load(),
		Started:   q.stats.started.Load(),
		Completed: q.stats.completed.Load(),
		Dropped:   q.stats.dropped.Load(),
		Panics:    q.stats.panics.Load(),
	}
}
