// manager.go - On-Stack Replacement (OSR)
//
// 解释器中长时间运行的循环在回边上计数，越过阈值后为循环体同步编译
// 一个 OSR 单元，并把正在运行的帧交给编译代码执行剩下的迭代。
//
// 功能：
// 1. 回边计数与 2 的幂轮询
// 2. 每个循环头只编译一次的 OSR 目标
// 3. 帧物化保护
// 4. 失效目标的丢弃与重新编译
// 5. 节点替换时使受影响的目标失效

// Package osr 实现循环的栈上替换
package osr

import (
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/tangzhangming/tierjit/internal/engine"
	"github.com/tangzhangming/tierjit/internal/logging"
)

// Manager OSR 管理器
type Manager struct {
	mu sync.Mutex

	engine *engine.Engine
	logger *zap.Logger

	// 循环：(所在单元, 循环头) -> Loop
	loops map[loopKey]*Loop

	// 配置
	config Config

	// 统计
	stats managerStats
}

type loopKey struct {
	parent *engine.Unit
	header engine.Node
}

// Config OSR 配置
type Config struct {
	// Enabled 是否启用 OSR
	Enabled bool

	// Threshold 触发 OSR 的回边次数
	Threshold int64

	// PollInterval 轮询间隔，必须是 2 的幂
	PollInterval int64
}

// Stats OSR 统计
type Stats struct {
	Loops         int64
	Compilations  int64
	Transfers     int64
	Failures      int64
	Invalidations int64
	Disabled      int64
}

type managerStats struct {
	loops         atomic.Int64
	compilations  atomic.Int64
	transfers     atomic.Int64
	failures      atomic.Int64
	invalidations atomic.Int64
	disabled      atomic.Int64
}

// ConfigFromEngine 从引擎配置读取 OSR 配置
func ConfigFromEngine(e *engine.Engine) Config {
	opts := e.Options()
	return Config{
		Enabled:      opts.OSR,
		Threshold:    int64(opts.OSRCompilationThreshold),
		PollInterval: int64(opts.OSRPollInterval),
	}
}

// NewManager 创建 OSR 管理器
func NewManager(e *engine.Engine) *Manager {
	return &Manager{
		engine: e,
		logger: e.Logger().Named(logging.OSR),
		loops:  make(map[loopKey]*Loop),
		config: ConfigFromEngine(e),
	}
}

// Config 当前配置
func (m *Manager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config
}

// SetConfig 设置配置，只影响之后创建的循环
func (m *Manager) SetConfig(config Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if config.PollInterval <= 0 || config.PollInterval&(config.PollInterval-1) != 0 {
		config.PollInterval = m.config.PollInterval
	}
	m.config = config
}

// Loop 返回 parent 中循环头为 header 的循环，第一次请求时创建
//
// body 是循环体的根节点，从回边处接管帧并执行剩下的迭代。
func (m *Manager) Loop(parent *engine.Unit, header engine.Node, body engine.Root) *Loop {
	key := loopKey{parent: parent, header: header}
	m.mu.Lock()
	if l, ok := m.loops[key]; ok {
		m.mu.Unlock()
		return l
	}
	l := newLoop(m, parent, header, body, m.config)
	m.loops[key] = l
	m.mu.Unlock()

	parent.AddReplaceObserver(l)
	m.stats.loops.Inc()
	m.logger.Debug("osr loop registered",
		zap.String("unit", parent.Name()),
		zap.String("body", body.Name()))
	return l
}

// GetStats 获取统计
func (m *Manager) GetStats() Stats {
	return Stats{
		Loops:         m.stats.loops.Load(),
		Compilations:  m.stats.compilations.Load(),
		Transfers:     m.stats.transfers.Load(),
		Failures:      m.stats.failures.Load(),
		Invalidations: m.stats.invalidations.Load(),
		Disabled:      m.stats.disabled.Load(),
	}
}
