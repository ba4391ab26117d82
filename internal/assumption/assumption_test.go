package assumption

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/atomic"
)

// testDependent 测试用依赖者
type testDependent struct {
	valid   atomic.Bool
	calls   atomic.Int32
	reasons []string
	mu      sync.Mutex
}

func newTestDependent() *testDependent {
	d := &testDependent{}
	d.valid.Store(true)
	return d
}

func (d *testDependent) OnAssumptionInvalidated(source *Assumption, reason string) {
	d.valid.Store(false)
	d.calls.Inc()
	d.mu.Lock()
	d.reasons = append(d.reasons, reason)
	d.mu.Unlock()
}

func (d *testDependent) IsValid() bool { return d.valid.Load() }

// weakTestDependent 可以模拟被回收的弱依赖者
type weakTestDependent struct {
	*testDependent
	collected atomic.Bool
}

func (d *weakTestDependent) ReachabilityDeterminesValidity() bool { return true }

func (d *weakTestDependent) WeakHandle() func() Dependent {
	return func() Dependent {
		if d.collected.Load() {
			return nil
		}
		return d
	}
}

func TestInvalidateCascades(t *testing.T) {
	x := New("x")
	d1, d2 := newTestDependent(), newTestDependent()
	reg := x.RegisterDependency()
	reg(d1)
	reg(d2)

	if x.DependentCount() != 2 {
		t.Fatalf("DependentCount = %d, want 2", x.DependentCount())
	}

	x.Invalidate("node replaced")

	if x.IsValid() {
		t.Error("assumption should be invalid")
	}
	if d1.IsValid() || d2.IsValid() {
		t.Error("all dependents should be invalid")
	}
	if x.DependentCount() != 0 {
		t.Errorf("dependent list should be discarded, got %d", x.DependentCount())
	}

	// 再次失效是无操作
	x.Invalidate("again")
	if d1.calls.Load() != 1 || d2.calls.Load() != 1 {
		t.Errorf("dependents notified %d/%d times, want 1/1", d1.calls.Load(), d2.calls.Load())
	}
	if x.IsValid() {
		t.Error("assumption must stay invalid")
	}
}

func TestAcceptAfterInvalidation(t *testing.T) {
	x := New("x")
	reg := x.RegisterDependency()
	x.Invalidate("gone")

	d := newTestDependent()
	reg(d)
	if d.IsValid() {
		t.Error("accept on invalid assumption must invalidate dependent immediately")
	}
	if x.DependentCount() != 0 {
		t.Error("invalid assumption must not keep dependents")
	}

	never := NeverValid("never")
	d2 := newTestDependent()
	never.RegisterDependency()(d2)
	if d2.IsValid() {
		t.Error("NeverValid must invalidate dependents on accept")
	}
}

func TestWeakDependentCollected(t *testing.T) {
	x := New("x")
	alive := &weakTestDependent{testDependent: newTestDependent()}
	dead := &weakTestDependent{testDependent: newTestDependent()}
	x.RegisterDependency()(alive)
	x.RegisterDependency()(dead)

	dead.collected.Store(true)
	x.Invalidate("weak")

	if alive.IsValid() {
		t.Error("reachable weak dependent should be invalidated")
	}
	// 已回收的依赖者不会被通知
	if dead.calls.Load() != 0 {
		t.Error("collected dependent should not be notified")
	}
}

func TestCheck(t *testing.T) {
	x := New("stable")
	if err := x.Check(); err != nil {
		t.Errorf("Check on valid = %v", err)
	}
	x.Invalidate("")
	err := x.Check()
	if err == nil {
		t.Fatal("Check on invalid should fail")
	}
	if inv, ok := err.(*Invalidated); !ok || inv.Name != "stable" {
		t.Errorf("unexpected error %v", err)
	}
}

func TestConcurrentRegisterAndInvalidate(t *testing.T) {
	// 并发注册与失效：每个依赖者最终都必须失效
	for round := 0; round < 50; round++ {
		x := New("race")
		reg := x.RegisterDependency()
		deps := make([]*testDependent, 64)
		for i := range deps {
			deps[i] = newTestDependent()
		}

		var wg sync.WaitGroup
		for i := range deps {
			wg.Add(1)
			go func(d *testDependent) {
				defer wg.Done()
				reg(d)
			}(deps[i])
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			x.Invalidate("race")
		}()
		wg.Wait()

		for i, d := range deps {
			if d.IsValid() {
				t.Fatalf("round %d: dependent %d still valid", round, i)
			}
			if d.calls.Load() != 1 {
				t.Fatalf("round %d: dependent %d notified %d times", round, i, d.calls.Load())
			}
		}
	}
}

// blockingDependent 回调阻塞到 release 关闭
type blockingDependent struct {
	*testDependent
	entered chan struct{}
	release chan struct{}
}

func (d *blockingDependent) OnAssumptionInvalidated(source *Assumption, reason string) {
	close(d.entered)
	<-d.release
	d.testDependent.OnAssumptionInvalidated(source, reason)
}

func TestSecondInvalidateWaitsForFirst(t *testing.T) {
	// 第二次失效返回时，第一次失效已经通知完所有依赖者
	x := New("serial")
	d1 := &blockingDependent{
		testDependent: newTestDependent(),
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
	d2 := newTestDependent()
	reg := x.RegisterDependency()
	reg(d1)
	reg(d2)

	go x.Invalidate("first")
	<-d1.entered

	second := make(chan struct{})
	go func() {
		x.Invalidate("second")
		close(second)
	}()

	select {
	case <-second:
		t.Fatal("second Invalidate returned while the first was still notifying")
	case <-time.After(20 * time.Millisecond):
	}
	if !d2.IsValid() {
		t.Fatal("d2 should not be notified before d1 returns")
	}

	close(d1.release)
	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatal("second Invalidate did not return")
	}
	if d1.IsValid() || d2.IsValid() {
		t.Error("both dependents should be invalid once Invalidate returns")
	}
	if d2.calls.Load() != 1 {
		t.Errorf("d2 notified %d times, want 1", d2.calls.Load())
	}
	// 从未有效的假设不需要等待
	NeverValid("never").Invalidate("noop")
}

func TestSpeculationLog(t *testing.T) {
	log := NewSpeculationLog()
	if !log.MaySpeculate("arg0:int") {
		t.Error("fresh log should allow speculation")
	}
	if !log.RecordFailure("arg0:int") {
		t.Error("first record should be new")
	}
	if log.RecordFailure("arg0:int") {
		t.Error("second record should not be new")
	}
	if log.MaySpeculate("arg0:int") {
		t.Error("failed speculation should be disallowed")
	}
	if log.FailedCount() != 1 {
		t.Errorf("FailedCount = %d, want 1", log.FailedCount())
	}
}
