// task_test.go - 编译任务测试

package task

import (
	"context"
	"testing"
	"time"

	"go.uber.org/atomic"

	jerrors "github.com/tangzhangming/tierjit/internal/errors"
)

// fakeTarget 测试用目标
type fakeTarget struct {
	name  string
	count atomic.Int64
}

func (f *fakeTarget) Name() string          { return f.name }
func (f *fakeTarget) CallAndLoopCount() int { return int(f.count.Load()) }

func strong(t Target) func() Target {
	return func() Target { return t }
}

func newTask(id int64, tier Tier, policy Policy, weight float64) *Task {
	tk := New(Params{ID: id, Tier: tier, Target: strong(&fakeTarget{name: "u"}), Policy: policy})
	tk.SetWeight(weight)
	return tk
}

// TestPriorityFirstTierWins 测试第一层优先时层级压过权重
func TestPriorityFirstTierWins(t *testing.T) {
	policy := Policy{PriorityQueue: true, FirstTierPriority: true, WeightingBothTiers: true}
	a := newTask(1, TierFirst, policy, 5)
	b := newTask(2, TierLast, policy, 100)

	if !a.HigherPriorityThan(b) {
		t.Error("first tier task should sort before last tier regardless of weight")
	}
	if b.HigherPriorityThan(a) {
		t.Error("comparison must be antisymmetric")
	}
}

// TestPriorityFallsThroughToWeight 测试关闭第一层优先时按权重再按 ID
func TestPriorityFallsThroughToWeight(t *testing.T) {
	policy := Policy{PriorityQueue: true, FirstTierPriority: false, WeightingBothTiers: true}
	a := newTask(1, TierFirst, policy, 5)
	b := newTask(2, TierLast, policy, 100)
	if !b.HigherPriorityThan(a) {
		t.Error("heavier task should win when tier priority is disabled")
	}

	// 权重相同按 ID
	c := newTask(3, TierLast, policy, 100)
	if !b.HigherPriorityThan(c) || c.HigherPriorityThan(b) {
		t.Error("equal weight must fall back to ascending id")
	}
}

// TestPriorityFIFOWithoutPriorityMode 测试未启用权重时严格 FIFO
func TestPriorityFIFOWithoutPriorityMode(t *testing.T) {
	policy := Policy{PriorityQueue: false}
	a := newTask(1, TierLast, policy, 1)
	b := newTask(2, TierLast, policy, 1000)
	if !a.HigherPriorityThan(b) {
		t.Error("weight must be ignored without priority mode")
	}
}

// TestPriorityLastTierWeighting 测试最后一层不按权重时跳过权重比较
func TestPriorityLastTierWeighting(t *testing.T) {
	policy := Policy{PriorityQueue: true, WeightingBothTiers: false}
	a := newTask(1, TierLast, policy, 1)
	b := newTask(2, TierLast, policy, 1000)
	if !a.HigherPriorityThan(b) {
		t.Error("last tier tasks should be FIFO when weighting both tiers is disabled")
	}
	c := newTask(3, TierFirst, policy, 1)
	d := newTask(4, TierFirst, policy, 1000)
	if !d.HigherPriorityThan(c) {
		t.Error("first tier tasks should be weighted in priority mode")
	}
}

// TestPriorityActionAndOSR 测试初始化任务和 OSR 任务的优先级
func TestPriorityActionAndOSR(t *testing.T) {
	policy := Policy{PriorityQueue: true, FirstTierPriority: true, WeightingBothTiers: true}
	action := New(Params{ID: 10, Action: func(context.Context) error { return nil }, Policy: policy})
	first := newTask(1, TierFirst, policy, 1000)
	if !action.HigherPriorityThan(first) {
		t.Error("initialization task must outrank all compilations")
	}

	osr := New(Params{ID: 5, Tier: TierLast, OSR: true, Target: strong(&fakeTarget{}), Policy: policy})
	last := newTask(2, TierLast, policy, 1000)
	if !osr.HigherPriorityThan(last) {
		t.Error("OSR task must outrank ordinary last tier task")
	}
}

// TestCancelBeforeStart 测试开始前取消是同步的
func TestCancelBeforeStart(t *testing.T) {
	tk := newTask(1, TierFirst, Policy{}, 0)
	if !tk.Cancel() {
		t.Fatal("cancel before start should succeed")
	}
	if tk.Start() {
		t.Fatal("cancelled task must never start")
	}
	if !tk.IsDone() {
		t.Error("cancelled task should be done")
	}
	if !jerrors.IsCancelled(tk.Err()) {
		t.Errorf("Err = %v, want cancelled", tk.Err())
	}
	if tk.Cancel() {
		t.Error("second cancel should report false")
	}
}

// TestCancelAfterStartIsAdvisory 测试开始后取消只是建议
func TestCancelAfterStartIsAdvisory(t *testing.T) {
	tk := newTask(1, TierFirst, Policy{}, 0)
	if !tk.Start() {
		t.Fatal("Start failed")
	}
	if tk.Cancel() {
		t.Error("cancel after start must report false")
	}
	if !tk.CancelRequested() {
		t.Error("cancel intent should be recorded")
	}
	if tk.Context().Err() == nil {
		t.Error("compile context should be cancelled")
	}
	if tk.IsDone() {
		t.Error("started task must run to completion")
	}
	tk.Finish(nil)
	if !tk.IsDone() || tk.Err() != nil {
		t.Error("task should finish successfully")
	}
}

// TestAwaitUninterruptibly 测试等待期间中断不会提前返回
func TestAwaitUninterruptibly(t *testing.T) {
	tk := newTask(1, TierLast, Policy{}, 0)
	tk.Start()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	finished := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(finished)
		tk.Finish(nil)
	}()

	interrupted := tk.AwaitUninterruptibly(ctx)
	select {
	case <-finished:
	default:
		t.Fatal("await returned before the task finished")
	}
	if !interrupted {
		t.Error("interrupt should be reported after completion")
	}

	done := newTask(2, TierLast, Policy{}, 0)
	done.Finish(nil)
	if done.AwaitUninterruptibly(context.Background()) {
		t.Error("no interrupt expected")
	}
}

// TestAwaitTimeout 测试限时等待
func TestAwaitTimeout(t *testing.T) {
	tk := newTask(1, TierLast, Policy{}, 0)
	if tk.AwaitTimeout(5 * time.Millisecond) {
		t.Error("unfinished task should time out")
	}
	tk.Finish(nil)
	if !tk.AwaitTimeout(time.Second) {
		t.Error("finished task should not time out")
	}
}

// TestUpdateWeight 测试权重随调用速率变化
func TestUpdateWeight(t *testing.T) {
	target := &fakeTarget{name: "hot"}
	start := time.Now()
	tk := New(Params{ID: 1, Tier: TierLast, Target: strong(target), Now: start})

	target.count.Store(100)
	// 不足 1ms 不更新
	tk.UpdateWeight(start.Add(500 * time.Microsecond))
	if tk.Weight() != 0 {
		t.Errorf("weight updated too early: %v", tk.Weight())
	}

	tk.UpdateWeight(start.Add(10 * time.Millisecond))
	// rate = 100/10ms = 10, weight = 10 * 100
	if tk.Weight() != 1000 {
		t.Errorf("Weight = %v, want 1000", tk.Weight())
	}

	first := New(Params{ID: 2, Tier: TierFirst, Target: strong(target), Now: start, Policy: Policy{FirstTierBonus: 2}})
	target.count.Store(200)
	first.UpdateWeight(start.Add(10 * time.Millisecond))
	// rate = 100/10ms = 10, weight = 10 * 200 * 2
	if first.Weight() != 4000 {
		t.Errorf("first tier Weight = %v, want 4000", first.Weight())
	}
}

// TestUpdateWeightCollectedTarget 测试目标被回收
func TestUpdateWeightCollectedTarget(t *testing.T) {
	tk := New(Params{ID: 1, Tier: TierLast, Target: func() Target { return nil }})
	if tk.UpdateWeight(time.Now().Add(time.Second)) {
		t.Error("collected target should report false")
	}
}

// TestSequence 测试 ID 单调递增
func TestSequence(t *testing.T) {
	var seq Sequence
	a, b := seq.Next(), seq.Next()
	if b <= a {
		t.Errorf("ids not increasing: %d, %d", a, b)
	}
}
