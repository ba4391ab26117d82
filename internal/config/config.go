// Package config 实现编译引擎的配置项：默认值、TOML 加载与保存、校验和阈值推导
package config

import (
	"fmt"
	"math/bits"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/multierr"

	jerrors "github.com/tangzhangming/tierjit/internal/errors"
)

// 常量定义
const (
	ConfigFileName = "tierjit.toml" // 配置文件名

	// MaxProfiledArguments 参与参数类型剖析的最大参数个数
	MaxProfiledArguments = 256
)

// Duration 可以用 "5s"、"250ms" 这类字符串书写的时长
type Duration time.Duration

// MarshalText 实现 encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText 实现 encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std 转换为 time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// LogOptions 日志配置
type LogOptions struct {
	Level    string `toml:"level"`    // debug / info / warn / error
	Encoding string `toml:"encoding"` // json / console
	Output   string `toml:"output"`   // 输出路径，空表示 stderr
}

// Options 编译引擎配置
type Options struct {
	// =========================================================================
	// 编译模式
	// =========================================================================

	BackgroundCompilation bool `toml:"background_compilation"` // 后台编译
	MultiTier             bool `toml:"multi_tier"`             // 多层编译
	FirstTierOnly         bool `toml:"first_tier_only"`        // 只做第一层编译
	CompileImmediately    bool `toml:"compile_immediately"`    // 首次调用即编译

	// =========================================================================
	// 阈值
	// =========================================================================

	SingleTierCompilationThreshold int     `toml:"single_tier_compilation_threshold"` // 单层模式调用+循环阈值
	FirstTierCompilationThreshold  int     `toml:"first_tier_compilation_threshold"`  // 第一层调用+循环阈值
	LastTierCompilationThreshold   int     `toml:"last_tier_compilation_threshold"`   // 最后一层调用+循环阈值
	FirstTierMinInvokeThreshold    int     `toml:"first_tier_min_invoke_threshold"`   // 第一层最少调用次数
	MinInvokeThreshold             int     `toml:"min_invoke_threshold"`              // 最后一层（或单层）最少调用次数
	CompilationThresholdScale      float64 `toml:"compilation_threshold_scale"`       // 调用+循环阈值缩放因子
	InvalidationReprofileCount     int     `toml:"invalidation_reprofile_count"`      // 失效（反优化）后阈值增量
	ReplaceReprofileCount          int     `toml:"replace_reprofile_count"`           // 节点替换后阈值增量

	// =========================================================================
	// 队列与线程
	// =========================================================================

	CompilerThreads                   int      `toml:"compiler_threads"`                      // 编译线程数，0 表示自动
	PriorityQueue                     bool     `toml:"priority_queue"`                        // 使用遍历式优先队列
	TraversingQueueFirstTierPriority  bool     `toml:"traversing_queue_first_tier_priority"`  // 第一层任务总是优先
	TraversingQueueWeightingBothTiers bool     `toml:"traversing_queue_weighting_both_tiers"` // 两层都按权重排序
	TraversingQueueFirstTierBonus     float64  `toml:"traversing_queue_first_tier_bonus"`     // 第一层权重加成
	ShutdownTimeout                   Duration `toml:"shutdown_timeout"`                      // 关闭等待时间

	// =========================================================================
	// OSR
	// =========================================================================

	OSR                     bool `toml:"osr"`                       // 启用 OSR
	OSRCompilationThreshold int  `toml:"osr_compilation_threshold"` // 回边阈值
	OSRPollInterval         int  `toml:"osr_poll_interval"`         // 轮询间隔（2 的幂）

	// =========================================================================
	// 类型推测
	// =========================================================================

	ArgumentTypeSpeculation bool `toml:"argument_type_speculation"` // 参数类型推测
	ReturnTypeSpeculation   bool `toml:"return_type_speculation"`   // 返回值类型推测

	// =========================================================================
	// 失败处理
	// =========================================================================

	CompilationFailureAction         jerrors.Action `toml:"compilation_failure_action"`           // 内部错误处理动作
	TreatPerformanceWarningsAsErrors bool           `toml:"treat_performance_warnings_as_errors"` // 性能警告视为错误

	// =========================================================================
	// 过滤、分块与拆分
	// =========================================================================

	CompileOnly                  string `toml:"compile_only"`                    // 名称过滤器，如 "foo,~bar"
	PartialBlockCompilation      bool   `toml:"partial_block_compilation"`       // 图过大时改用分块编译
	PartialBlockMaximumSize      int    `toml:"partial_block_maximum_size"`      // 单个分块的最大节点数
	Splitting                    bool   `toml:"splitting"`                       // 启用拆分
	SplittingMaxPropagationDepth int    `toml:"splitting_max_propagation_depth"` // needsSplit 向上传播的最大深度

	// =========================================================================
	// 观测
	// =========================================================================

	TraceCompilation      bool       `toml:"trace_compilation"`      // 追踪编译事件
	CompilationStatistics bool       `toml:"compilation_statistics"` // 收集编译统计
	Log                   LogOptions `toml:"log"`                    // 日志配置
}

// Default 返回默认配置
func Default() *Options {
	return &Options{
		BackgroundCompilation: true,
		MultiTier:             true,

		SingleTierCompilationThreshold: 1000,
		FirstTierCompilationThreshold:  400,
		LastTierCompilationThreshold:   10000,
		FirstTierMinInvokeThreshold:    1,
		MinInvokeThreshold:             3,
		CompilationThresholdScale:      1.0,
		InvalidationReprofileCount:     3,
		ReplaceReprofileCount:          3,

		CompilerThreads:                   0,
		PriorityQueue:                     true,
		TraversingQueueFirstTierPriority:  false,
		TraversingQueueWeightingBothTiers: true,
		TraversingQueueFirstTierBonus:     15.0,
		ShutdownTimeout:                   Duration(10 * time.Second),

		OSR:                     true,
		OSRCompilationThreshold: 100352,
		OSRPollInterval:         1024,

		ArgumentTypeSpeculation: true,
		ReturnTypeSpeculation:   true,

		CompilationFailureAction: jerrors.ActionPrint,

		PartialBlockCompilation:      true,
		PartialBlockMaximumSize:      10000,
		Splitting:                    true,
		SplittingMaxPropagationDepth: 5,

		Log: LogOptions{Level: "info", Encoding: "console"},
	}
}

// Clone 复制配置
func (o *Options) Clone() *Options {
	c := *o
	return &c
}

// Load 从文件加载配置，未出现的字段保留默认值
func Load(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse 解析 TOML 配置
func Parse(data []byte) (*Options, error) {
	opts := Default()
	if err := toml.Unmarshal(data, opts); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// Encode 编码为带注释头的 TOML
func (o *Options) Encode() ([]byte, error) {
	data, err := toml.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	header := "# tierjit 编译引擎配置\n# 阈值单位为次数，时长使用 Go duration 语法（如 \"10s\"）\n\n"
	return append([]byte(header), data...), nil
}

// Save 保存配置到文件
func (o *Options) Save(path string) error {
	content, err := o.Encode()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate 校验配置，返回所有问题的合并错误
func (o *Options) Validate() error {
	var err error
	nonNegative := map[string]int{
		"single_tier_compilation_threshold": o.SingleTierCompilationThreshold,
		"first_tier_compilation_threshold":  o.FirstTierCompilationThreshold,
		"last_tier_compilation_threshold":   o.LastTierCompilationThreshold,
		"first_tier_min_invoke_threshold":   o.FirstTierMinInvokeThreshold,
		"min_invoke_threshold":              o.MinInvokeThreshold,
		"invalidation_reprofile_count":      o.InvalidationReprofileCount,
		"replace_reprofile_count":           o.ReplaceReprofileCount,
		"osr_compilation_threshold":         o.OSRCompilationThreshold,
		"partial_block_maximum_size":        o.PartialBlockMaximumSize,
	}
	for _, name := range sortedKeys(nonNegative) {
		if nonNegative[name] < 0 {
			err = multierr.Append(err, jerrors.InvalidOption(jerrors.O0001, "%s must not be negative, got %d", name, nonNegative[name]))
		}
	}
	if o.CompilerThreads < 0 {
		err = multierr.Append(err, jerrors.InvalidOption(jerrors.O0004, "compiler_threads must not be negative, got %d", o.CompilerThreads))
	}
	if o.CompilationThresholdScale <= 0 {
		err = multierr.Append(err, jerrors.InvalidOption(jerrors.O0005, "compilation_threshold_scale must be positive, got %g", o.CompilationThresholdScale))
	}
	if o.OSRPollInterval <= 0 || bits.OnesCount(uint(o.OSRPollInterval)) != 1 {
		err = multierr.Append(err, jerrors.InvalidOption(jerrors.O0002, "osr_poll_interval must be a power of two, got %d", o.OSRPollInterval))
	}
	return err
}

// ============================================================================
// 派生值
// ============================================================================

// Thresholds 推导出的编译阈值
type Thresholds struct {
	CallInInterpreter        int // 解释器中触发编译的调用次数
	CallAndLoopInInterpreter int // 解释器中触发编译的调用+循环次数
	CallInFirstTier          int // 第一层代码中触发升层的调用次数
	CallAndLoopInFirstTier   int // 第一层代码中触发升层的调用+循环次数
}

// Thresholds 根据编译模式推导阈值
func (o *Options) Thresholds() Thresholds {
	if o.CompileImmediately {
		return Thresholds{}
	}
	if o.MultiTier {
		return Thresholds{
			CallInInterpreter:        o.FirstTierMinInvokeThreshold,
			CallAndLoopInInterpreter: o.FirstTierCompilationThreshold,
			CallInFirstTier:          o.MinInvokeThreshold,
			CallAndLoopInFirstTier:   o.LastTierCompilationThreshold,
		}
	}
	return Thresholds{
		CallInInterpreter:        o.MinInvokeThreshold,
		CallAndLoopInInterpreter: o.SingleTierCompilationThreshold,
		CallInFirstTier:          o.MinInvokeThreshold,
		CallAndLoopInFirstTier:   o.SingleTierCompilationThreshold,
	}
}

// ScaledThreshold 按缩放因子缩放调用+循环阈值
func (o *Options) ScaledThreshold(threshold int) int {
	scaled := float64(threshold) * o.CompilationThresholdScale
	if scaled >= float64(int32Max) {
		return int32Max
	}
	return int(scaled)
}

const int32Max = 1<<31 - 1

// WorkerCount 计算编译线程数
//
// 未显式配置时：逻辑处理器不少于 4 个用 2 个线程，否则 1 个。
func (o *Options) WorkerCount() int {
	if o.CompilerThreads > 0 {
		return o.CompilerThreads
	}
	if runtime.NumCPU() >= 4 {
		return 2
	}
	return 1
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
