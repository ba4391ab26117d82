// Package assumption 实现可失效的推测假设及其依赖者链
//
// 假设一旦失效就永远失效，失效时同步通知所有已注册的依赖者。
// 依赖者在注册时二选一地以强引用或弱引用挂入链表：
// 依赖者报告 ReachabilityDeterminesValidity 时用弱引用，否则用强引用。
package assumption

import (
	"fmt"
	"sync"

	"go.uber.org/atomic"
)

// Dependent 依赖某个假设的已编译代码
type Dependent interface {
	// OnAssumptionInvalidated 假设失效时被调用，依赖者必须使自身失效
	OnAssumptionInvalidated(source *Assumption, reason string)
	// IsValid 依赖者是否仍然有效
	IsValid() bool
}

// WeakDependent 有效性完全由可达性决定的依赖者
//
// 这类依赖者被弱引用持有，假设不会延长它的生命周期。
type WeakDependent interface {
	Dependent
	// ReachabilityDeterminesValidity 为 true 时按弱引用注册
	ReachabilityDeterminesValidity() bool
	// WeakHandle 返回弱句柄，依赖者被回收后句柄返回 nil
	WeakHandle() func() Dependent
}

// Registration 依赖注册闭包，调用时把依赖者挂到假设上
//
// 如果调用时假设已经失效，依赖者会被立即失效。
type Registration func(d Dependent)

// Invalidated 检查失效假设时返回的错误
type Invalidated struct {
	Name string
}

func (e *Invalidated) Error() string {
	return fmt.Sprintf("assumption %q is invalid", e.Name)
}

// ============================================================================
// 依赖者条目
// ============================================================================

// entry 依赖链表条目，owned 与 weak 只有一个非空
type entry struct {
	owned Dependent
	weak  func() Dependent
	next  *entry
}

func newEntry(d Dependent) *entry {
	if w, ok := d.(WeakDependent); ok && w.ReachabilityDeterminesValidity() {
		return &entry{weak: w.WeakHandle()}
	}
	return &entry{owned: d}
}

// resolve 取出依赖者，弱引用已被回收时返回 nil
func (e *entry) resolve() Dependent {
	if e.owned != nil {
		return e.owned
	}
	if e.weak == nil {
		return nil
	}
	return e.weak()
}

// ============================================================================
// 假设
// ============================================================================

// Assumption 可失效的推测假设
type Assumption struct {
	name  string
	valid atomic.Bool

	mu   sync.Mutex
	head *entry
	tail *entry
	size int
	// done 在第一次 Invalidate 走完依赖者后关闭
	done chan struct{}
}

// New 创建有效的假设
func New(name string) *Assumption {
	a := &Assumption{name: name}
	a.valid.Store(true)
	return a
}

// NeverValid 创建一开始就失效的假设
func NeverValid(name string) *Assumption {
	return &Assumption{name: name}
}

// Name 假设名
func (a *Assumption) Name() string {
	return a.name
}

// IsValid 假设是否有效
func (a *Assumption) IsValid() bool {
	return a.valid.Load()
}

// Check 假设失效时返回 *Invalidated
func (a *Assumption) Check() error {
	if a.valid.Load() {
		return nil
	}
	return &Invalidated{Name: a.name}
}

// RegisterDependency 返回依赖注册闭包
func (a *Assumption) RegisterDependency() Registration {
	return func(d Dependent) {
		if d == nil {
			return
		}
		a.mu.Lock()
		if a.valid.Load() {
			e := newEntry(d)
			if a.tail == nil {
				a.head = e
			} else {
				a.tail.next = e
			}
			a.tail = e
			a.size++
			a.mu.Unlock()
			return
		}
		a.mu.Unlock()
		// 已失效：等同于先注册再立即失效
		d.OnAssumptionInvalidated(a, "assumption already invalidated")
	}
}

// DependentCount 当前挂着的依赖者数量
func (a *Assumption) DependentCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.size
}

// Invalidate 使假设失效，并同步失效所有依赖者
//
// 重复调用不会再次通知依赖者，但会等到第一次调用通知完所有依赖者才返回。
// 依赖者的回调里不能再次失效同一个假设。
func (a *Assumption) Invalidate(reason string) {
	a.mu.Lock()
	if !a.valid.Load() {
		done := a.done
		a.mu.Unlock()
		if done != nil {
			<-done
		}
		return
	}
	a.valid.Store(false)
	head := a.head
	a.head, a.tail, a.size = nil, nil, 0
	done := make(chan struct{})
	a.done = done
	a.mu.Unlock()
	defer close(done)

	for e := head; e != nil; e = e.next {
		if d := e.resolve(); d != nil {
			d.OnAssumptionInvalidated(a, reason)
		}
	}
}

func (a *Assumption) String() string {
	state := "valid"
	if !a.IsValid() {
		state = "invalid"
	}
	return fmt.Sprintf("Assumption(%s, %s)", a.name, state)
}
