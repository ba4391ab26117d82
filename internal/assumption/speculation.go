package assumption

import (
	"sync"

	"go.uber.org/atomic"
)

// SpeculationLog 记录失败过的推测
//
// 后端在推测失败导致反优化时记录原因，下次编译时跳过同一推测。
// 拆分出的克隆与源单元共享同一个日志。
type SpeculationLog struct {
	failed sync.Map // reason -> struct{}
	count  atomic.Int32
}

// NewSpeculationLog 创建推测日志
func NewSpeculationLog() *SpeculationLog {
	return &SpeculationLog{}
}

// RecordFailure 记录一次推测失败，返回是否是新记录
func (l *SpeculationLog) RecordFailure(speculation string) bool {
	if _, loaded := l.failed.LoadOrStore(speculation, struct{}{}); loaded {
		return false
	}
	l.count.Inc()
	return true
}

// MaySpeculate 该推测是否还可以使用
func (l *SpeculationLog) MaySpeculate(speculation string) bool {
	_, failed := l.failed.Load(speculation)
	return !failed
}

// FailedCount 失败推测数量
func (l *SpeculationLog) FailedCount() int {
	return int(l.count.Load())
}
