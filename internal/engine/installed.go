package engine

import (
	"time"
	"weak"

	"go.uber.org/atomic"

	"github.com/tangzhangming/tierjit/internal/assumption"
	"github.com/tangzhangming/tierjit/internal/task"
)

// InstalledCode 安装在单元上的编译代码
//
// 它以弱引用挂在所依赖的假设上：代码被新代码替换并回收后，
// 假设不会再持有它。
type InstalledCode struct {
	unit      *Unit
	artifact  Artifact
	tier      task.Tier
	osr       bool
	taskID    int64
	installed time.Time

	valid atomic.Bool
	// published 代码已经对调用者可见，之前的失效不产生失效事件
	published atomic.Bool
}

func newInstalledCode(u *Unit, artifact Artifact, t *task.Task) *InstalledCode {
	code := &InstalledCode{
		unit:      u,
		artifact:  artifact,
		tier:      t.Tier(),
		osr:       t.IsOSR(),
		taskID:    t.ID(),
		installed: time.Now(),
	}
	code.valid.Store(true)
	return code
}

// Tier 编译层级
func (c *InstalledCode) Tier() task.Tier { return c.tier }

// Artifact 编译产物
func (c *InstalledCode) Artifact() Artifact { return c.artifact }

// CodeSize 机器码大小
func (c *InstalledCode) CodeSize() int { return c.artifact.CodeSize() }

// IsValid 实现 assumption.Dependent
func (c *InstalledCode) IsValid() bool { return c.valid.Load() }

// OnAssumptionInvalidated 实现 assumption.Dependent
func (c *InstalledCode) OnAssumptionInvalidated(source *assumption.Assumption, reason string) {
	if !c.valid.CAS(true, false) {
		return
	}
	if !c.published.Load() {
		return
	}
	c.unit.onInvalidate(source.Name(), reason, true)
}

// ReachabilityDeterminesValidity 实现 assumption.WeakDependent
func (c *InstalledCode) ReachabilityDeterminesValidity() bool { return true }

// WeakHandle 实现 assumption.WeakDependent
func (c *InstalledCode) WeakHandle() func() assumption.Dependent {
	wp := weak.Make(c)
	return func() assumption.Dependent {
		if code := wp.Value(); code != nil {
			return code
		}
		return nil
	}
}

// publish 标记代码对调用者可见，返回代码是否仍然有效
func (c *InstalledCode) publish() bool {
	c.published.Store(true)
	return c.valid.Load()
}

// retire 被同一单元的新代码替换，不触发失效事件
func (c *InstalledCode) retire() {
	c.valid.Store(false)
}

// register 把代码挂到它依赖的所有假设上
func (c *InstalledCode) register(deps ...*assumption.Assumption) {
	for _, a := range deps {
		if a == nil {
			continue
		}
		a.RegisterDependency()(c)
	}
}
