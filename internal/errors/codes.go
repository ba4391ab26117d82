// Package errors 定义分层编译调度器的失败分类、错误码和失败处理策略
package errors

// ============================================================================
// 错误级别
// ============================================================================

// Level 错误级别
type Level int

const (
	LevelError   Level = iota // 错误
	LevelWarning              // 警告
	LevelNote                 // 提示
)

func (l Level) String() string {
	switch l {
	case LevelError:
		return "error"
	case LevelWarning:
		return "warning"
	case LevelNote:
		return "note"
	default:
		return "unknown"
	}
}

// ============================================================================
// 失败类别
// ============================================================================

// Kind 失败类别
type Kind int

const (
	KindBailout            Kind = iota // 编译器放弃（可恢复或永久）
	KindInternal                       // 编译器内部错误
	KindPerformanceWarning             // 性能警告（可配置提升为错误）
	KindCancelled                      // 任务被取消（不是错误，不对外报告）
	KindRejected                       // 队列拒绝提交
	KindShutdownTimeout                // 关闭超时
	KindInvalidOption                  // 配置项非法
)

func (k Kind) String() string {
	switch k {
	case KindBailout:
		return "bailout"
	case KindInternal:
		return "internal"
	case KindPerformanceWarning:
		return "performance-warning"
	case KindCancelled:
		return "cancelled"
	case KindRejected:
		return "rejected"
	case KindShutdownTimeout:
		return "shutdown-timeout"
	case KindInvalidOption:
		return "invalid-option"
	default:
		return "unknown"
	}
}

// ============================================================================
// 编译错误码 (C 开头)
// ============================================================================

const (
	// C0001-C0099: 放弃编译
	C0001 = "C0001" // 非永久放弃
	C0002 = "C0002" // 永久放弃
	C0003 = "C0003" // 图过大
	C0004 = "C0004" // 分块过大

	// C0100-C0199: 内部错误
	C0100 = "C0100" // 编译器内部错误
	C0101 = "C0101" // 编译器 panic
	C0102 = "C0102" // 性能警告被视为错误
	C0103 = "C0103" // 编译器未返回产物
)

// ============================================================================
// 队列错误码 (Q 开头)
// ============================================================================

const (
	Q0001 = "Q0001" // 队列已关闭，拒绝提交
	Q0002 = "Q0002" // 关闭超时，工作线程未退出
	Q0003 = "Q0003" // 任务已取消
)

// ============================================================================
// 配置错误码 (O 开头)
// ============================================================================

const (
	O0001 = "O0001" // 阈值为负
	O0002 = "O0002" // 轮询间隔不是 2 的幂
	O0003 = "O0003" // 未知的失败处理动作
	O0004 = "O0004" // 线程数非法
	O0005 = "O0005" // 比例因子非法
)

// ============================================================================
// 错误码信息
// ============================================================================

// ErrorInfo 错误码信息
type ErrorInfo struct {
	Code     string // 错误码
	Level    Level  // 错误级别
	Kind     Kind   // 失败类别
	Message  string // 默认消息
	Category string // 错误分类
}

// codeInfos 错误码信息表
var codeInfos = map[string]ErrorInfo{
	C0001: {C0001, LevelNote, KindBailout, "compilation bailed out", "bailout"},
	C0002: {C0002, LevelWarning, KindBailout, "compilation permanently bailed out", "bailout"},
	C0003: {C0003, LevelNote, KindBailout, "graph too big", "bailout"},
	C0004: {C0004, LevelNote, KindBailout, "partial block is too big to be compiled", "bailout"},

	C0100: {C0100, LevelError, KindInternal, "internal compiler error", "internal"},
	C0101: {C0101, LevelError, KindInternal, "compiler panicked", "internal"},
	C0102: {C0102, LevelError, KindInternal, "performance warning treated as error", "internal"},
	C0103: {C0103, LevelError, KindInternal, "compiler returned no artifact", "internal"},

	Q0001: {Q0001, LevelWarning, KindRejected, "compile queue is shut down", "queue"},
	Q0002: {Q0002, LevelError, KindShutdownTimeout, "compiler threads did not terminate in time", "queue"},
	Q0003: {Q0003, LevelNote, KindCancelled, "compilation task cancelled", "queue"},

	O0001: {O0001, LevelError, KindInvalidOption, "threshold must not be negative", "option"},
	O0002: {O0002, LevelError, KindInvalidOption, "poll interval must be a power of two", "option"},
	O0003: {O0003, LevelError, KindInvalidOption, "unknown compilation failure action", "option"},
	O0004: {O0004, LevelError, KindInvalidOption, "compiler thread count must not be negative", "option"},
	O0005: {O0005, LevelError, KindInvalidOption, "threshold scale must be positive", "option"},
}

// GetErrorInfo 获取错误码信息
func GetErrorInfo(code string) (ErrorInfo, bool) {
	info, ok := codeInfos[code]
	return info, ok
}

// GetCategory 获取错误码分类
func GetCategory(code string) string {
	if info, ok := codeInfos[code]; ok {
		return info.Category
	}
	return "unknown"
}
