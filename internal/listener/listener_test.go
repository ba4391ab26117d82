package listener

import (
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tangzhangming/tierjit/internal/task"
)

type testUnit struct {
	id   int64
	name string
}

func (u testUnit) ID() int64    { return u.id }
func (u testUnit) Name() string { return u.name }

// recorder 记录收到的事件
type recorder struct {
	Base
	name   string
	mu     sync.Mutex
	events *[]string
}

func (r *recorder) OnQueued(u Unit, tier task.Tier) {
	r.mu.Lock()
	*r.events = append(*r.events, r.name+":queued:"+u.Name())
	r.mu.Unlock()
}

func (r *recorder) OnShutdown() {
	r.mu.Lock()
	*r.events = append(*r.events, r.name+":shutdown")
	r.mu.Unlock()
}

// panicker 总是 panic 的监听器
type panicker struct {
	Base
}

func (panicker) OnQueued(Unit, task.Tier) { panic("listener bug") }

func TestDispatchOrderAndPanicIsolation(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	d := NewDispatcher(zap.New(core))

	var events []string
	d.Add(&recorder{name: "a", events: &events})
	d.Add(panicker{})
	d.Add(&recorder{name: "b", events: &events})
	d.Add(panicker{})

	err := d.OnQueued(testUnit{1, "foo"}, task.TierFirst)
	if err == nil {
		t.Fatal("expected panic errors")
	}
	if n := len(multierr.Errors(err)); n != 2 {
		t.Errorf("got %d errors, want 2", n)
	}
	want := []string{"a:queued:foo", "b:queued:foo"}
	if strings.Join(events, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", events, want)
	}
	if logs.Len() != 1 {
		t.Errorf("expected one error log entry, got %d", logs.Len())
	}

	// 没有 panic 时不返回错误
	if err := d.OnShutdown(); err != nil {
		t.Errorf("OnShutdown err = %v", err)
	}
}

func TestDispatcherRemove(t *testing.T) {
	d := NewDispatcher(nil)
	var events []string
	a := &recorder{name: "a", events: &events}
	b := &recorder{name: "b", events: &events}
	d.Add(a)
	d.Add(b)
	d.Add(nil)
	if d.Len() != 2 {
		t.Fatalf("Len = %d, want 2", d.Len())
	}
	d.Remove(a)
	d.OnShutdown()
	if len(events) != 1 || events[0] != "b:shutdown" {
		t.Errorf("events = %v", events)
	}
}

func TestStatistics(t *testing.T) {
	s := NewStatistics()
	d := NewDispatcher(nil)
	d.Add(s)

	u := testUnit{1, "hot.loop"}
	tk := task.New(task.Params{ID: 1, Tier: task.TierLast, Target: func() task.Target { return nil }})
	d.OnQueued(u, task.TierLast)
	d.OnStarted(u, tk)
	d.OnSuccess(u, tk, Result{Tier: task.TierLast, CodeSize: 2048, Duration: 3 * time.Millisecond})
	d.OnQueued(u, task.TierLast)
	d.OnFailed(u, Failure{Tier: task.TierLast, Reason: "graph too big", Bailout: true})
	d.OnInvalidated(u, "node rewrite", "replaced")
	d.OnDeoptimized(u)
	d.OnSplit(u, testUnit{2, "hot.loop"})

	snap := s.Snapshot()
	if snap.Queued != 2 || snap.Started != 1 || snap.Succeeded != 1 || snap.Failed != 1 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	if snap.Bailouts != 1 || snap.Permanent != 0 {
		t.Errorf("bailouts/permanent = %d/%d", snap.Bailouts, snap.Permanent)
	}
	if snap.Invalidated != 1 || snap.Deoptimized != 1 || snap.Splits != 1 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	if snap.SuccessRate() != 50 {
		t.Errorf("SuccessRate = %v, want 50", snap.SuccessRate())
	}
	if snap.CodeBytes != 2048 || snap.CompileTime != 3*time.Millisecond {
		t.Errorf("code/time = %d/%v", snap.CodeBytes, snap.CompileTime)
	}

	var sb strings.Builder
	if err := s.WriteReport(&sb, 10); err != nil {
		t.Fatalf("WriteReport: %v", err)
	}
	report := sb.String()
	for _, want := range []string{"Compilation Statistics", "hot.loop", "graph too big", "last"} {
		if !strings.Contains(report, want) {
			t.Errorf("report missing %q:\n%s", want, report)
		}
	}
}

func TestTraceLogsEvents(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	tr := NewTrace(zap.New(core))
	u := testUnit{7, "fib"}
	tk := task.New(task.Params{ID: 3, Tier: task.TierFirst, Target: func() task.Target { return nil }})

	tr.OnQueued(u, task.TierFirst)
	tr.OnStarted(u, tk)
	tr.OnSuccess(u, tk, Result{Tier: task.TierFirst, CodeSize: 1500})
	tr.OnFailed(u, Failure{Reason: "x"})
	tr.OnInvalidated(u, "src", "why")
	tr.OnDeoptimized(u)
	tr.OnSplit(u, testUnit{8, "fib"})

	want := []string{"opt queued", "opt start", "opt done", "opt failed", "opt inval", "opt deopt", "opt split"}
	entries := logs.All()
	if len(entries) != len(want) {
		t.Fatalf("got %d entries, want %d", len(entries), len(want))
	}
	for i, w := range want {
		if entries[i].Message != w {
			t.Errorf("entry %d = %q, want %q", i, entries[i].Message, w)
		}
	}
	done := entries[2].ContextMap()
	if done["unit"] != "fib" || done["size"] != "1.5kB" {
		t.Errorf("unexpected fields %v", done)
	}
}
