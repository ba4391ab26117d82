package errors

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ============================================================================
// 失败报告器
// ============================================================================

// Report 一次编译失败的报告
type Report struct {
	Unit      string // 编译单元名
	Tier      int    // 编译层级
	Code      string // 错误码
	Level     Level  // 错误码的级别
	Reason    string // 原因
	Bailout   bool   // 是否放弃
	Permanent bool   // 是否永久
}

// String 格式化报告
func (r Report) String() string {
	kind := "error"
	if r.Bailout {
		kind = "bailout"
		if r.Permanent {
			kind = "permanent bailout"
		}
	}
	return fmt.Sprintf("opt fail %s (tier %d) [%s %s] %s: %s", r.Unit, r.Tier, r.Level, r.Code, kind, r.Reason)
}

// NewReport 根据错误创建报告
func NewReport(unit string, tier int, err error) Report {
	ce := Classify(err)
	level := LevelError
	if info, ok := GetErrorInfo(ce.Code); ok {
		level = info.Level
	}
	return Report{
		Unit:      unit,
		Tier:      tier,
		Code:      ce.Code,
		Level:     level,
		Reason:    ce.Error(),
		Bailout:   ce.Kind == KindBailout,
		Permanent: IsPermanent(ce),
	}
}

// Reporter 失败报告器
//
// 每个编译单元的同一种失败只报告一次，避免后台编译刷屏。
type Reporter struct {
	mu      sync.Mutex
	seen    map[string]struct{}
	reports []Report
}

// NewReporter 创建失败报告器
func NewReporter() *Reporter {
	return &Reporter{
		seen: make(map[string]struct{}),
	}
}

// Add 添加报告，返回是否是第一次出现
func (r *Reporter) Add(report Report) bool {
	key := report.Unit + "\x00" + report.Code
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[key]; ok {
		return false
	}
	r.seen[key] = struct{}{}
	r.reports = append(r.reports, report)
	return true
}

// Reports 返回所有报告的副本
func (r *Reporter) Reports() []Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Report, len(r.reports))
	copy(out, r.reports)
	return out
}

// Count 报告数量
func (r *Reporter) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reports)
}

// Summary 按错误码汇总
func (r *Reporter) Summary() string {
	r.mu.Lock()
	counts := make(map[string]int)
	levels := make(map[string]Level)
	for _, rep := range r.reports {
		counts[rep.Code]++
		levels[rep.Code] = rep.Level
	}
	r.mu.Unlock()

	codes := make([]string, 0, len(counts))
	for code := range counts {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	var sb strings.Builder
	for _, code := range codes {
		category := GetCategory(code)
		sb.WriteString(fmt.Sprintf("%s (%s, %s): %d\n", code, category, levels[code], counts[code]))
	}
	return sb.String()
}
