package listener

import (
	"github.com/docker/go-units"
	"go.uber.org/zap"

	"github.com/tangzhangming/tierjit/internal/task"
)

// Trace 把每个编译事件写入日志
type Trace struct {
	logger *zap.Logger
}

// NewTrace 创建追踪监听器
func NewTrace(logger *zap.Logger) *Trace {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trace{logger: logger}
}

func unitFields(u Unit) []zap.Field {
	return []zap.Field{zap.Int64("id", u.ID()), zap.String("unit", u.Name())}
}

func (tr *Trace) OnQueued(u Unit, tier task.Tier) {
	tr.logger.Info("opt queued", append(unitFields(u), zap.Stringer("tier", tier))...)
}

func (tr *Trace) OnDequeued(u Unit, tier task.Tier, reason string) {
	tr.logger.Info("opt unqueued", append(unitFields(u), zap.Stringer("tier", tier), zap.String("reason", reason))...)
}

func (tr *Trace) OnStarted(u Unit, t *task.Task) {
	tr.logger.Info("opt start", append(unitFields(u),
		zap.Stringer("tier", t.Tier()),
		zap.Int64("task", t.ID()),
		zap.Float64("weight", t.Weight()))...)
}

func (tr *Trace) OnSuccess(u Unit, t *task.Task, r Result) {
	tr.logger.Info("opt done", append(unitFields(u),
		zap.Stringer("tier", r.Tier),
		zap.Bool("osr", r.OSR),
		zap.String("size", units.HumanSize(float64(r.CodeSize))),
		zap.Duration("time", r.Duration))...)
}

func (tr *Trace) OnFailed(u Unit, f Failure) {
	tr.logger.Info("opt failed", append(unitFields(u),
		zap.Stringer("tier", f.Tier),
		zap.String("reason", f.Reason),
		zap.Bool("bailout", f.Bailout),
		zap.Bool("permanent", f.Permanent))...)
}

func (tr *Trace) OnInvalidated(u Unit, source string, reason string) {
	tr.logger.Info("opt inval", append(unitFields(u), zap.String("source", source), zap.String("reason", reason))...)
}

func (tr *Trace) OnDeoptimized(u Unit) {
	tr.logger.Info("opt deopt", unitFields(u)...)
}

func (tr *Trace) OnSplit(source Unit, clone Unit) {
	tr.logger.Info("opt split", append(unitFields(source), zap.Int64("clone", clone.ID()))...)
}

func (tr *Trace) OnShutdown() {
	tr.logger.Info("opt shutdown")
}
