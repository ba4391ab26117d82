// Package listener 实现编译生命周期事件的监听接口和分发
package listener

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tangzhangming/tierjit/internal/task"
)

// Unit 事件涉及的编译单元
type Unit interface {
	ID() int64
	Name() string
}

// Result 一次成功编译的结果
type Result struct {
	Tier     task.Tier     // 编译层级
	CodeSize int           // 机器码大小（字节）
	Duration time.Duration // 编译耗时
	OSR      bool          // 是否是 OSR 编译
}

// Failure 一次失败编译的描述
type Failure struct {
	Tier      task.Tier
	Reason    string
	Bailout   bool
	Permanent bool
	Duration  time.Duration
}

// Listener 编译事件监听器
//
// 所有方法都可能在编译线程中被调用。需要部分事件时嵌入 Base。
type Listener interface {
	OnQueued(u Unit, tier task.Tier)
	OnDequeued(u Unit, tier task.Tier, reason string)
	OnStarted(u Unit, t *task.Task)
	OnSuccess(u Unit, t *task.Task, r Result)
	OnFailed(u Unit, f Failure)
	OnInvalidated(u Unit, source string, reason string)
	OnDeoptimized(u Unit)
	OnSplit(source Unit, clone Unit)
	OnShutdown()
}

// Base 空实现
type Base struct{}

func (Base) OnQueued(Unit, task.Tier) {}
func (Base) OnDequeued(Unit, task.Tier, string) {}
func (Base) OnStarted(Unit, *task.Task) {}
func (Base) OnSuccess(Unit, *task.Task, Result) {}
func (Base) OnFailed(Unit, Failure) {}
func (Base) OnInvalidated(Unit, string, string) {}
func (Base) OnDeoptimized(Unit) {}
func (Base) OnSplit(Unit, Unit) {}
func (Base) OnShutdown() {}

// ============================================================================
// 分发器
// ============================================================================

// Dispatcher 按注册顺序把事件分发给所有监听器
//
// 某个监听器 panic 不会影响后面的监听器，panic 被收集后记录日志。
type Dispatcher struct {
	mu        sync.RWMutex
	listeners []Listener
	logger    *zap.Logger
}

// NewDispatcher 创建分发器
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{logger: logger}
}

// SetLogger 设置记录监听器 panic 的日志记录器
func (d *Dispatcher) SetLogger(logger *zap.Logger) {
	if logger == nil {
		return
	}
	d.mu.Lock()
	d.logger = logger
	d.mu.Unlock()
}

// Add 注册监听器
func (d *Dispatcher) Add(l Listener) {
	if l == nil {
		return
	}
	d.mu.Lock()
	d.listeners = append(d.listeners, l)
	d.mu.Unlock()
}

// Remove 注销监听器
func (d *Dispatcher) Remove(l Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, existing := range d.listeners {
		if existing == l {
			d.listeners = append(d.listeners[:i:i], d.listeners[i+1:]...)
			return
		}
	}
}

// Len 监听器数量
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.listeners)
}

func (d *Dispatcher) snapshot() []Listener {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.listeners
}

// fanOut 依次调用每个监听器，返回合并后的 panic 错误
func (d *Dispatcher) fanOut(event string, call func(l Listener)) error {
	var err error
	for i, l := range d.snapshot() {
		err = multierr.Append(err, safeCall(i, call, l))
	}
	if err != nil {
		d.mu.RLock()
		logger := d.logger
		d.mu.RUnlock()
		logger.Error("listener failed", zap.String("event", event), zap.Error(err))
	}
	return err
}

func safeCall(index int, call func(l Listener), l Listener) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener %d (%T) panicked: %v", index, l, r)
		}
	}()
	call(l)
	return nil
}

// OnQueued 分发入队事件
func (d *Dispatcher) OnQueued(u Unit, tier task.Tier) error {
	return d.fanOut("queued", func(l Listener) { l.OnQueued(u, tier) })
}

// OnDequeued 分发出队（取消）事件
func (d *Dispatcher) OnDequeued(u Unit, tier task.Tier, reason string) error {
	return d.fanOut("dequeued", func(l Listener) { l.OnDequeued(u, tier, reason) })
}

// OnStarted 分发开始编译事件
func (d *Dispatcher) OnStarted(u Unit, t *task.Task) error {
	return d.fanOut("started", func(l Listener) { l.OnStarted(u, t) })
}

// OnSuccess 分发编译成功事件
func (d *Dispatcher) OnSuccess(u Unit, t *task.Task, r Result) error {
	return d.fanOut("success", func(l Listener) { l.OnSuccess(u, t, r) })
}

// OnFailed 分发编译失败事件
func (d *Dispatcher) OnFailed(u Unit, f Failure) error {
	return d.fanOut("failed", func(l Listener) { l.OnFailed(u, f) })
}

// OnInvalidated 分发代码失效事件
func (d *Dispatcher) OnInvalidated(u Unit, source string, reason string) error {
	return d.fanOut("invalidated", func(l Listener) { l.OnInvalidated(u, source, reason) })
}

// OnDeoptimized 分发反优化事件
func (d *Dispatcher) OnDeoptimized(u Unit) error {
	return d.fanOut("deoptimized", func(l Listener) { l.OnDeoptimized(u) })
}

// OnSplit 分发拆分事件
func (d *Dispatcher) OnSplit(source Unit, clone Unit) error {
	return d.fanOut("split", func(l Listener) { l.OnSplit(source, clone) })
}

// OnShutdown 分发关闭事件
func (d *Dispatcher) OnShutdown() error {
	return d.fanOut("shutdown", func(l Listener) { l.OnShutdown() })
}
