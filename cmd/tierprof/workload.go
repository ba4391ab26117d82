package main

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/tangzhangming/tierjit/internal/engine"
	jerrors "github.com/tangzhangming/tierjit/internal/errors"
	"github.com/tangzhangming/tierjit/internal/osr"
	"github.com/tangzhangming/tierjit/internal/task"
)

// ============================================================================
// 合成程序
// ============================================================================

// kind 合成单元的行为
type kind int

const (
	kindPlain     kind = iota // 普通函数
	kindLoop                  // 带热循环，走 OSR
	kindGuarded               // 编译代码偶尔反优化
	kindUnstable              // 第一次编译放弃，稍后重试
	kindRejecting             // 编译永久失败
)

func (k kind) String() string {
	switch k {
	case kindLoop:
		return "loop"
	case kindGuarded:
		return "guarded"
	case kindUnstable:
		return "unstable"
	case kindRejecting:
		return "rejecting"
	default:
		return "plain"
	}
}

// syntheticNode 循环头节点
type syntheticNode struct{}

func (*syntheticNode) Parent() engine.Node { return nil }

// syntheticRoot 合成函数：解释执行时走一小段循环
type syntheticRoot struct {
	name  string
	kind  kind
	nodes int
	trips int

	header *syntheticNode
	loop   *osr.Loop
}

func (r *syntheticRoot) Name() string   { return r.name }
func (r *syntheticRoot) NodeCount() int { return r.nodes }

func (r *syntheticRoot) Execute(ctx context.Context, f *engine.Frame) (any, error) {
	if r.loop == nil {
		return spin(r.trips), nil
	}
	lf := engine.NewFrame(f.Args, 2)
	lf.Locals[0], lf.Locals[1] = 0, 0
	result, err := r.loop.Run(ctx, lf, func(ctx context.Context, f *engine.Frame) (bool, error) {
		i := f.Locals[0].(int)
		if i >= r.trips {
			return false, nil
		}
		f.Locals[0], f.Locals[1] = i+1, f.Locals[1].(int)+i
		return true, nil
	})
	if err != nil || result != nil {
		return result, err
	}
	return lf.Locals[1], nil
}

// loopBody 循环体的根节点，OSR 单元为它编译
type loopBody struct {
	name  string
	trips int
}

func (b *loopBody) Name() string { return b.name }

func (b *loopBody) Execute(ctx context.Context, f *engine.Frame) (any, error) {
	return finishLoop(f, b.trips), nil
}

func spin(n int) int {
	sum := 0
	for i := 0; i < n; i++ {
		sum += i
	}
	return sum
}

// finishLoop 从帧里的迭代位置跑完剩下的迭代
func finishLoop(f *engine.Frame, trips int) int {
	i, sum := f.Locals[0].(int), f.Locals[1].(int)
	for ; i < trips; i++ {
		sum += i
	}
	f.Locals[0], f.Locals[1] = i, sum
	return sum
}

// ============================================================================
// 合成后端
// ============================================================================

// backend 模拟编译耗时与失败的后端
type backend struct {
	mu    sync.Mutex
	rng   *rand.Rand
	tries map[string]int
}

func newBackend(seed int64) *backend {
	return &backend{
		rng:   rand.New(rand.NewSource(seed)),
		tries: make(map[string]int),
	}
}

// Initialize 实现 engine.Initializer
func (b *backend) Initialize(ctx context.Context) error {
	time.Sleep(time.Millisecond)
	return nil
}

func (b *backend) Compile(ctx context.Context, u *engine.Unit, t *task.Task, options map[string]any) (engine.Artifact, error) {
	b.mu.Lock()
	b.tries[u.Name()]++
	tries := b.tries[u.Name()]
	jitter := time.Duration(b.rng.Intn(200)) * time.Microsecond
	b.mu.Unlock()

	// 层级越高越慢
	cost := time.Duration(u.NodeCount())*time.Microsecond + jitter
	if t.Tier() == task.TierLast {
		cost *= 4
	}
	select {
	case <-time.After(cost):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if body, ok := u.Root().(*loopBody); ok {
		return &osrCode{trips: body.trips, size: 256}, nil
	}
	root, ok := u.Root().(*syntheticRoot)
	if !ok {
		return nil, fmt.Errorf("unknown root %T", u.Root())
	}
	switch root.kind {
	case kindUnstable:
		if tries == 1 {
			return nil, jerrors.Bailout("unstable profile in %s", root.name)
		}
	case kindRejecting:
		return nil, jerrors.PermanentBailout("unsupported construct in %s", root.name)
	}
	return &compiledCode{root: root, size: root.nodes * 16 * (int(t.Tier()) + 1)}, nil
}

// compiledCode 合成编译代码
type compiledCode struct {
	root  *syntheticRoot
	size  int
	calls atomic.Int64
}

func (c *compiledCode) CodeSize() int { return c.size }

func (c *compiledCode) Call(ctx context.Context, f *engine.Frame) (any, error) {
	n := c.calls.Inc()
	if c.root.kind == kindGuarded && n%500 == 0 {
		return nil, &engine.Deoptimization{
			Reason:      "type guard failed",
			Speculation: fmt.Sprintf("%s arg0 stable", c.root.name),
			Invalidate:  n%1000 == 0,
		}
	}
	return spin(c.root.trips), nil
}

// osrCode 循环体的 OSR 代码
type osrCode struct {
	trips int
	size  int
}

func (c *osrCode) CodeSize() int { return c.size }

func (c *osrCode) Call(ctx context.Context, f *engine.Frame) (any, error) {
	return finishLoop(f, c.trips), nil
}

// ============================================================================
// 负载
// ============================================================================

// workload 一组合成单元和对它们的调用
type workload struct {
	units []*engine.Unit
	sites []*engine.CallSite

	calls       atomic.Int64
	compiled    atomic.Int64
	interpreted atomic.Int64
	errors      atomic.Int64
	elapsed     time.Duration
}

type workloadStats struct {
	calls       int64
	compiled    int64
	interpreted int64
	errors      int64
	elapsed     time.Duration
}

func newWorkload(e *engine.Engine, m *osr.Manager, n int, seed int64) *workload {
	rng := rand.New(rand.NewSource(seed))
	w := &workload{}
	for i := 0; i < n; i++ {
		k := kind(rng.Intn(5))
		root := &syntheticRoot{
			name:  fmt.Sprintf("%s_%03d", k, i),
			kind:  k,
			nodes: 20 + rng.Intn(400),
			trips: 8 + rng.Intn(64),
		}
		u := e.NewUnit(root)
		if k == kindLoop {
			root.trips = 4096
			root.header = &syntheticNode{}
			root.loop = m.Loop(u, root.header, &loopBody{name: root.name + " loop", trips: root.trips})
		}
		w.units = append(w.units, u)
	}
	// 每个单元被前一个单元调用，形成一条调用链
	for i, u := range w.units {
		var caller *engine.Unit
		if i > 0 {
			caller = w.units[i-1]
		}
		w.sites = append(w.sites, u.NewCallSite(caller))
	}
	return w
}

// run 每个调用点调用 calls 次，ctx 取消时提前停止
func (w *workload) run(ctx context.Context, calls int) error {
	start := time.Now()
	defer func() { w.elapsed = time.Since(start) }()
	for c := 0; c < calls; c++ {
		for _, site := range w.sites {
			if err := ctx.Err(); err != nil {
				return err
			}
			if site.Target().IsValid() {
				w.compiled.Inc()
			} else {
				w.interpreted.Inc()
			}
			w.calls.Inc()
			if _, err := site.Call(ctx, c); err != nil {
				w.errors.Inc()
			}
		}
	}
	for _, site := range w.sites {
		site.Release()
	}
	return nil
}

func (w *workload) stats() workloadStats {
	return workloadStats{
		calls:       w.calls.Load(),
		compiled:    w.compiled.Load(),
		interpreted: w.interpreted.Load(),
		errors:      w.errors.Load(),
		elapsed:     w.elapsed,
	}
}
