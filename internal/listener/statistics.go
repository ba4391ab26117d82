package listener

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-units"

	"github.com/tangzhangming/tierjit/internal/task"
)

// Statistics 收集编译统计
type Statistics struct {
	Base

	mu sync.Mutex

	queued      int64
	dequeued    int64
	started     int64
	succeeded   int64
	failed      int64
	bailouts    int64
	permanent   int64
	invalidated int64
	deoptimized int64
	splits      int64

	perTier   map[task.Tier]*tierStats
	reasons   map[string]int64
	units     map[int64]*unitStats
	startTime time.Time
}

type tierStats struct {
	count     int64
	totalTime time.Duration
	maxTime   time.Duration
	codeBytes int64
}

type unitStats struct {
	name        string
	compiles    int64
	totalTime   time.Duration
	invalidated int64
}

// NewStatistics 创建统计监听器
func NewStatistics() *Statistics {
	return &Statistics{
		perTier:   make(map[task.Tier]*tierStats),
		reasons:   make(map[string]int64),
		units:     make(map[int64]*unitStats),
		startTime: time.Now(),
	}
}

func (s *Statistics) unit(u Unit) *unitStats {
	us, ok := s.units[u.ID()]
	if !ok {
		us = &unitStats{name: u.Name()}
		s.units[u.ID()] = us
	}
	return us
}

func (s *Statistics) OnQueued(Unit, task.Tier) {
	s.mu.Lock()
	s.queued++
	s.mu.Unlock()
}

func (s *Statistics) OnDequeued(Unit, task.Tier, string) {
	s.mu.Lock()
	s.dequeued++
	s.mu.Unlock()
}

func (s *Statistics) OnStarted(Unit, *task.Task) {
	s.mu.Lock()
	s.started++
	s.mu.Unlock()
}

func (s *Statistics) OnSuccess(u Unit, _ *task.Task, r Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.succeeded++
	ts, ok := s.perTier[r.Tier]
	if !ok {
		ts = &tierStats{}
		s.perTier[r.Tier] = ts
	}
	ts.count++
	ts.totalTime += r.Duration
	if r.Duration > ts.maxTime {
		ts.maxTime = r.Duration
	}
	ts.codeBytes += int64(r.CodeSize)

	us := s.unit(u)
	us.compiles++
	us.totalTime += r.Duration
}

func (s *Statistics) OnFailed(_ Unit, f Failure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed++
	if f.Bailout {
		s.bailouts++
	}
	if f.Permanent {
		s.permanent++
	}
	s.reasons[f.Reason]++
}

func (s *Statistics) OnInvalidated(u Unit, _ string, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated++
	s.unit(u).invalidated++
}

func (s *Statistics) OnDeoptimized(Unit) {
	s.mu.Lock()
	s.deoptimized++
	s.mu.Unlock()
}

func (s *Statistics) OnSplit(Unit, Unit) {
	s.mu.Lock()
	s.splits++
	s.mu.Unlock()
}

// ============================================================================
// 快照与报告
// ============================================================================

// Snapshot 统计快照
type Snapshot struct {
	Queued      int64
	Dequeued    int64
	Started     int64
	Succeeded   int64
	Failed      int64
	Bailouts    int64
	Permanent   int64
	Invalidated int64
	Deoptimized int64
	Splits      int64
	CompileTime time.Duration
	CodeBytes   int64
	Elapsed     time.Duration
}

// SuccessRate 成功率（百分比）
func (s Snapshot) SuccessRate() float64 {
	total := s.Succeeded + s.Failed
	if total == 0 {
		return 0
	}
	return float64(s.Succeeded) / float64(total) * 100
}

// Snapshot 取统计快照
func (s *Statistics) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Queued:      s.queued,
		Dequeued:    s.dequeued,
		Started:     s.started,
		Succeeded:   s.succeeded,
		Failed:      s.failed,
		Bailouts:    s.bailouts,
		Permanent:   s.permanent,
		Invalidated: s.invalidated,
		Deoptimized: s.deoptimized,
		Splits:      s.splits,
		Elapsed:     time.Since(s.startTime),
	}
	for _, ts := range s.perTier {
		snap.CompileTime += ts.totalTime
		snap.CodeBytes += ts.codeBytes
	}
	return snap
}

// reportItem 报告条目
type reportItem struct {
	Name     string
	Count    int64
	Duration time.Duration
}

// WriteReport 写出文本报告
func (s *Statistics) WriteReport(w io.Writer, top int) error {
	snap := s.Snapshot()

	s.mu.Lock()
	tiers := make([]task.Tier, 0, len(s.perTier))
	for tier := range s.perTier {
		tiers = append(tiers, tier)
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i] < tiers[j] })
	tierLines := make([]string, 0, len(tiers))
	for _, tier := range tiers {
		ts := s.perTier[tier]
		avg := time.Duration(0)
		if ts.count > 0 {
			avg = ts.totalTime / time.Duration(ts.count)
		}
		tierLines = append(tierLines, fmt.Sprintf("  %-6s %6d compiles  avg %-10s max %-10s code %s",
			tier, ts.count, avg, ts.maxTime, units.HumanSize(float64(ts.codeBytes))))
	}

	items := make([]reportItem, 0, len(s.units))
	for _, us := range s.units {
		items = append(items, reportItem{Name: us.name, Count: us.compiles, Duration: us.totalTime})
	}
	reasons := make([]reportItem, 0, len(s.reasons))
	for reason, n := range s.reasons {
		reasons = append(reasons, reportItem{Name: reason, Count: n})
	}
	s.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		if items[i].Duration != items[j].Duration {
			return items[i].Duration > items[j].Duration
		}
		return items[i].Name < items[j].Name
	})
	sort.Slice(reasons, func(i, j int) bool {
		if reasons[i].Count != reasons[j].Count {
			return reasons[i].Count > reasons[j].Count
		}
		return reasons[i].Name < reasons[j].Name
	})

	var sb strings.Builder
	sb.WriteString("=== Compilation Statistics ===\n")
	fmt.Fprintf(&sb, "Elapsed:      %s\n", units.HumanDuration(snap.Elapsed))
	fmt.Fprintf(&sb, "Queued:       %d (dequeued %d)\n", snap.Queued, snap.Dequeued)
	fmt.Fprintf(&sb, "Started:      %d\n", snap.Started)
	fmt.Fprintf(&sb, "Succeeded:    %d (%.1f%%)\n", snap.Succeeded, snap.SuccessRate())
	fmt.Fprintf(&sb, "Failed:       %d (bailouts %d, permanent %d)\n", snap.Failed, snap.Bailouts, snap.Permanent)
	fmt.Fprintf(&sb, "Invalidated:  %d\n", snap.Invalidated)
	fmt.Fprintf(&sb, "Deoptimized:  %d\n", snap.Deoptimized)
	fmt.Fprintf(&sb, "Splits:       %d\n", snap.Splits)
	fmt.Fprintf(&sb, "Compile time: %s\n", snap.CompileTime)
	fmt.Fprintf(&sb, "Code size:    %s\n", units.HumanSize(float64(snap.CodeBytes)))
	if len(tierLines) > 0 {
		sb.WriteString("Tiers:\n")
		sb.WriteString(strings.Join(tierLines, "\n"))
		sb.WriteString("\n")
	}
	if len(items) > 0 {
		sb.WriteString("Top units by compile time:\n")
		for i, item := range items {
			if top > 0 && i >= top {
				break
			}
			fmt.Fprintf(&sb, "  %-30s %4d compiles  %s\n", item.Name, item.Count, item.Duration)
		}
	}
	if len(reasons) > 0 {
		sb.WriteString("Failure reasons:\n")
		for _, r := range reasons {
			fmt.Fprintf(&sb, "  %4d  %s\n", r.Count, r.Name)
		}
	}
	_, err := io.WriteString(w, sb.String())
	return err
}
