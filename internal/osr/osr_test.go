// osr_test.go - OSR 测试

package osr

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/atomic"

	"github.com/tangzhangming/tierjit/internal/config"
	"github.com/tangzhangming/tierjit/internal/engine"
	jerrors "github.com/tangzhangming/tierjit/internal/errors"
	"github.com/tangzhangming/tierjit/internal/task"
)

// node 测试用 AST 节点
type node struct {
	parent *node
}

func (n *node) Parent() engine.Node {
	if n.parent == nil {
		return nil
	}
	return n.parent
}

// root 解释器根节点
type root struct {
	name string
}

func (r *root) Name() string { return r.name }

func (r *root) Execute(ctx context.Context, f *engine.Frame) (any, error) {
	return "interp", nil
}

// loopArtifact OSR 代码：跑完剩下的迭代并返回最终计数
type loopArtifact struct {
	limit int
}

func (a *loopArtifact) Call(ctx context.Context, f *engine.Frame) (any, error) {
	i := f.Locals[0].(int)
	for i < a.limit {
		i++
	}
	f.Locals[0] = i
	return "osr", nil
}

func (a *loopArtifact) CodeSize() int { return 64 }

// backend OSR 单元的编译后端
type backend struct {
	mu      sync.Mutex
	compile func(u *engine.Unit) (engine.Artifact, error)
	calls   atomic.Int64
}

func (b *backend) Compile(ctx context.Context, u *engine.Unit, t *task.Task, options map[string]any) (engine.Artifact, error) {
	b.calls.Inc()
	b.mu.Lock()
	fn := b.compile
	b.mu.Unlock()
	if fn == nil {
		return &loopArtifact{limit: 10000}, nil
	}
	return fn(u)
}

func newTestManager(t *testing.T, b *backend, threshold, interval int) (*Manager, *engine.Engine) {
	t.Helper()
	opts := config.Default()
	opts.CompilerThreads = 1
	opts.OSRCompilationThreshold = threshold
	opts.OSRPollInterval = interval
	opts.CompilationFailureAction = jerrors.ActionSilent
	opts.ShutdownTimeout = config.Duration(5 * time.Second)
	e, err := engine.New(opts, b)
	if err != nil {
		t.Fatalf("engine.New() error: %v", err)
	}
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = e.Shutdown() })
	return NewManager(e), e
}

func newFrame(i int) *engine.Frame {
	f := engine.NewFrame(nil, 1)
	f.Locals[0] = i
	return f
}

// TestPollBackEdge 测试只在越过阈值且落在轮询边界时轮询
func TestPollBackEdge(t *testing.T) {
	m, e := newTestManager(t, &backend{}, 8, 4)
	l := m.Loop(e.NewUnit(&root{name: "f"}), &node{}, &root{name: "f.loop"})

	var hits []int64
	for i := 0; i < 20; i++ {
		if l.PollBackEdge() {
			hits = append(hits, l.BackEdges())
		}
	}
	want := []int64{8, 12, 16, 20}
	if len(hits) != len(want) {
		t.Fatalf("polls at %v, want %v", hits, want)
	}
	for i := range want {
		if hits[i] != want[i] {
			t.Errorf("poll %d at %d, want %d", i, hits[i], want[i])
		}
	}
}

// TestLoopIsShared 测试同一循环头返回同一个循环
func TestLoopIsShared(t *testing.T) {
	m, e := newTestManager(t, &backend{}, 8, 4)
	parent := e.NewUnit(&root{name: "f"})
	header := &node{}
	a := m.Loop(parent, header, &root{name: "f.loop"})
	b := m.Loop(parent, header, &root{name: "f.loop"})
	if a != b {
		t.Error("same header should return the same loop")
	}
	if m.GetStats().Loops != 1 {
		t.Errorf("Loops = %d, want 1", m.GetStats().Loops)
	}
}

// TestRunTransfers 测试热循环转入 OSR 代码执行完剩余迭代
func TestRunTransfers(t *testing.T) {
	b := &backend{}
	m, e := newTestManager(t, b, 16, 8)
	parent := e.NewUnit(&root{name: "f"})
	l := m.Loop(parent, &node{}, &root{name: "f.loop"})

	f := newFrame(0)
	interpreted := 0
	result, err := l.Run(context.Background(), f, func(ctx context.Context, f *engine.Frame) (bool, error) {
		i := f.Locals[0].(int)
		if i >= 10000 {
			return false, nil
		}
		f.Locals[0] = i + 1
		interpreted++
		return true, nil
	})
	if err != nil || result != "osr" {
		t.Fatalf("Run = (%v, %v), want osr", result, err)
	}
	if interpreted != 16 {
		t.Errorf("interpreted iterations = %d, want 16", interpreted)
	}
	if f.Locals[0].(int) != 10000 {
		t.Errorf("loop state = %v, want 10000", f.Locals[0])
	}
	if l.State() != StateCompiledValid {
		t.Errorf("State = %s, want compiled-valid", l.State())
	}
	target := l.Target()
	if !target.IsOSR() || target.OSRParent() != parent {
		t.Error("target should be an OSR unit of the parent")
	}
	if parent.Profile().CallAndLoopCount() != 16 {
		t.Errorf("parent loop count = %d, want 16", parent.Profile().CallAndLoopCount())
	}
	if s := m.GetStats(); s.Compilations != 1 || s.Transfers != 1 {
		t.Errorf("stats = %+v", s)
	}
}

// TestMaterializedFrame 测试物化的帧不转入 OSR 代码
func TestMaterializedFrame(t *testing.T) {
	b := &backend{}
	m, e := newTestManager(t, b, 1, 1)
	l := m.Loop(e.NewUnit(&root{name: "f"}), &node{}, &root{name: "f.loop"})
	ctx := context.Background()

	if _, transferred, _ := l.TryOSR(ctx, newFrame(0)); !transferred {
		t.Fatal("fresh frame should transfer")
	}
	f := newFrame(0)
	f.Materialize()
	if _, transferred, _ := l.TryOSR(ctx, f); transferred {
		t.Error("materialized frame must not transfer")
	}
	if l.State() != StateCompiledValid {
		t.Error("target should stay valid")
	}
}

// TestFailureDisables 测试同步编译失败后永久关闭
func TestFailureDisables(t *testing.T) {
	b := &backend{}
	b.compile = func(u *engine.Unit) (engine.Artifact, error) {
		return nil, jerrors.Bailout("loop not reducible")
	}
	m, e := newTestManager(t, b, 1, 1)
	l := m.Loop(e.NewUnit(&root{name: "f"}), &node{}, &root{name: "f.loop"})
	ctx := context.Background()

	if _, transferred, err := l.TryOSR(ctx, newFrame(0)); transferred || err != nil {
		t.Fatalf("TryOSR = (%v, %v), want no transfer", transferred, err)
	}
	if l.State() != StateDisabled {
		t.Fatalf("State = %s, want disabled", l.State())
	}
	if l.PollBackEdge() {
		t.Error("disabled loop must not poll")
	}
	_, _, _ = l.TryOSR(ctx, newFrame(0))
	if b.calls.Load() != 1 {
		t.Errorf("compiles = %d, want 1", b.calls.Load())
	}
	if m.GetStats().Disabled != 1 {
		t.Error("disabled loop should be counted")
	}
}

// TestInvalidTargetDiscarded 测试失效目标被丢弃且本次不重试
func TestInvalidTargetDiscarded(t *testing.T) {
	b := &backend{}
	m, e := newTestManager(t, b, 1, 1)
	l := m.Loop(e.NewUnit(&root{name: "f"}), &node{}, &root{name: "f.loop"})
	ctx := context.Background()

	if _, transferred, _ := l.TryOSR(ctx, newFrame(0)); !transferred {
		t.Fatal("first attempt should transfer")
	}
	l.Target().Invalidate("dependency changed")
	if l.State() != StateCompiledInvalid {
		t.Fatalf("State = %s, want compiled-invalid", l.State())
	}

	if _, transferred, _ := l.TryOSR(ctx, newFrame(0)); transferred {
		t.Error("invalid target must not be entered")
	}
	if l.State() != StateNoTarget {
		t.Errorf("State = %s, want no-target", l.State())
	}
	if b.calls.Load() != 1 {
		t.Errorf("compiles = %d, want 1 (no retry in the same call)", b.calls.Load())
	}

	if _, transferred, _ := l.TryOSR(ctx, newFrame(0)); !transferred {
		t.Error("next attempt should recompile and transfer")
	}
	if b.calls.Load() != 2 {
		t.Errorf("compiles = %d, want 2", b.calls.Load())
	}
}

// TestNodeReplacedInvalidatesTarget 测试循环体内的替换使目标失效，体外的不影响
func TestNodeReplacedInvalidatesTarget(t *testing.T) {
	b := &backend{}
	m, e := newTestManager(t, b, 1, 1)
	ctx := context.Background()
	parent := e.NewUnit(&root{name: "f"})

	fn := &node{}
	header := &node{parent: fn}
	other := &node{parent: fn}
	inner := m.Loop(parent, header, &root{name: "f.inner"})
	outer := m.Loop(parent, other, &root{name: "f.outer"})
	_, _, _ = inner.TryOSR(ctx, newFrame(0))
	_, _, _ = outer.TryOSR(ctx, newFrame(0))
	innerTarget := inner.Target()

	changed := &node{parent: header}
	parent.NodeReplaced(&node{parent: header}, changed, "specialize")

	if innerTarget.IsValid() || inner.State() != StateNoTarget {
		t.Errorf("inner loop should lose its target, state %s", inner.State())
	}
	if outer.State() != StateCompiledValid {
		t.Errorf("outer loop should keep its target, state %s", outer.State())
	}

	// 替换循环头的祖先影响其下所有循环
	parent.NodeReplaced(fn, &node{}, "rewrite function")
	if outer.State() != StateNoTarget {
		t.Errorf("outer loop should lose its target, state %s", outer.State())
	}
}

// TestReplacementDuringCompile 测试编译期间的替换
func TestReplacementDuringCompile(t *testing.T) {
	var parentUnit *engine.Unit
	header := &node{}
	var fail atomic.Bool
	b := &backend{}
	b.compile = func(u *engine.Unit) (engine.Artifact, error) {
		parentUnit.NodeReplaced(nil, &node{parent: header}, "rewrite during osr compile")
		if fail.Load() {
			return nil, stderrors.New("osr compile crashed")
		}
		return &loopArtifact{limit: 10}, nil
	}
	m, e := newTestManager(t, b, 1, 1)
	ctx := context.Background()
	parentUnit = e.NewUnit(&root{name: "f"})
	l := m.Loop(parentUnit, header, &root{name: "f.loop"})

	// 成功的编译被丢弃，之后还能重新编译
	if _, transferred, _ := l.TryOSR(ctx, newFrame(0)); transferred {
		t.Error("code compiled against a replaced body must not be entered")
	}
	if l.State() != StateNoTarget {
		t.Errorf("State = %s, want no-target", l.State())
	}

	// 失败的编译关闭循环，之后的替换不会重新打开
	fail.Store(true)
	_, _, _ = l.TryOSR(ctx, newFrame(0))
	if l.State() != StateDisabled {
		t.Fatalf("State = %s, want disabled", l.State())
	}
	parentUnit.NodeReplaced(nil, nil, "later rewrite")
	if l.State() != StateDisabled {
		t.Error("replacement must not reset a disabled loop")
	}
}

// TestConcurrentTryOSR 测试并发尝试只编译一次
func TestConcurrentTryOSR(t *testing.T) {
	release := make(chan struct{})
	b := &backend{}
	b.compile = func(u *engine.Unit) (engine.Artifact, error) {
		<-release
		return &loopArtifact{limit: 100}, nil
	}
	m, e := newTestManager(t, b, 1, 1)
	l := m.Loop(e.NewUnit(&root{name: "f"}), &node{}, &root{name: "f.loop"})

	var wg sync.WaitGroup
	var transfers atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, transferred, _ := l.TryOSR(context.Background(), newFrame(0)); transferred {
				transfers.Inc()
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if b.calls.Load() != 1 {
		t.Errorf("compiles = %d, want 1", b.calls.Load())
	}
	if transfers.Load() != 8 {
		t.Errorf("transfers = %d, want 8", transfers.Load())
	}
}

// TestDisabledByConfig 测试关闭 OSR 时不轮询也不编译
func TestDisabledByConfig(t *testing.T) {
	b := &backend{}
	m, e := newTestManager(t, b, 1, 1)
	m.SetConfig(Config{Enabled: false, Threshold: 1, PollInterval: 1})
	l := m.Loop(e.NewUnit(&root{name: "f"}), &node{}, &root{name: "f.loop"})
	if l.PollBackEdge() {
		t.Error("disabled OSR must not poll")
	}
	if _, transferred, _ := l.TryOSR(context.Background(), newFrame(0)); transferred {
		t.Error("disabled OSR must not transfer")
	}
	if b.calls.Load() != 0 {
		t.Error("disabled OSR must not compile")
	}
}
