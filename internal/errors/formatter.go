package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// ============================================================================
// 哨兵错误
// ============================================================================

var (
	// ErrRejected 队列已关闭，拒绝新的编译请求
	ErrRejected = &CompileError{Kind: KindRejected, Code: Q0001, Reason: "compile queue is shut down"}

	// ErrCancelled 任务在开始前被取消
	ErrCancelled = &CompileError{Kind: KindCancelled, Code: Q0003, Reason: "compilation task cancelled"}

	// ErrShutdownTimeout 关闭时工作线程未按时退出
	ErrShutdownTimeout = &CompileError{Kind: KindShutdownTimeout, Code: Q0002, Reason: "compiler threads did not terminate in time", Permanent: true}
)

// ============================================================================
// 编译错误
// ============================================================================

// CompileError 编译失败
//
// 后端通过返回 *CompileError 来区分放弃（Bailout）和内部错误，
// 其它任意 error 一律按内部错误处理。
type CompileError struct {
	Kind        Kind   // 失败类别
	Code        string // 错误码 (C0001)
	Reason      string // 原因描述
	Permanent   bool   // 是否永久（仅对 Bailout 有意义）
	GraphTooBig bool   // 是否因为图过大而放弃
	Cause       error  // 底层错误
}

// Error 实现 error 接口
func (e *CompileError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Code)
	sb.WriteString(": ")
	if e.Reason != "" {
		sb.WriteString(e.Reason)
	} else if info, ok := GetErrorInfo(e.Code); ok {
		sb.WriteString(info.Message)
	}
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

// Unwrap 返回底层错误
func (e *CompileError) Unwrap() error {
	return e.Cause
}

// Is 按错误码比较，使哨兵错误可以用 errors.Is 判断
func (e *CompileError) Is(target error) bool {
	t, ok := target.(*CompileError)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Kind == t.Kind
}

// Bailout 创建非永久放弃错误
func Bailout(format string, args ...interface{}) *CompileError {
	return &CompileError{Kind: KindBailout, Code: C0001, Reason: fmt.Sprintf(format, args...)}
}

// PermanentBailout 创建永久放弃错误
func PermanentBailout(format string, args ...interface{}) *CompileError {
	return &CompileError{Kind: KindBailout, Code: C0002, Reason: fmt.Sprintf(format, args...), Permanent: true}
}

// GraphTooBig 创建图过大错误（非永久，触发分块编译）
func GraphTooBig(nodeCount int) *CompileError {
	return &CompileError{
		Kind:        KindBailout,
		Code:        C0003,
		Reason:      fmt.Sprintf("graph too big: %d nodes", nodeCount),
		GraphTooBig: true,
	}
}

// Internal 创建内部错误
func Internal(cause error) *CompileError {
	return &CompileError{Kind: KindInternal, Code: C0100, Reason: "internal compiler error", Cause: cause, Permanent: true}
}

// Panicked 将编译器的 panic 转换为内部错误
func Panicked(value interface{}) *CompileError {
	return &CompileError{Kind: KindInternal, Code: C0101, Reason: fmt.Sprintf("compiler panicked: %v", value), Permanent: true}
}

// PerformanceWarning 创建性能警告
func PerformanceWarning(format string, args ...interface{}) *CompileError {
	return &CompileError{Kind: KindPerformanceWarning, Code: C0102, Reason: fmt.Sprintf(format, args...)}
}

// InvalidOption 创建配置错误
func InvalidOption(code string, format string, args ...interface{}) *CompileError {
	return &CompileError{Kind: KindInvalidOption, Code: code, Reason: fmt.Sprintf(format, args...), Permanent: true}
}

// ============================================================================
// 分类
// ============================================================================

// Classify 将任意错误归类为 *CompileError
//
// 非 *CompileError 的错误被包装为内部错误。
func Classify(err error) *CompileError {
	if err == nil {
		return nil
	}
	var ce *CompileError
	if stderrors.As(err, &ce) {
		return ce
	}
	return Internal(err)
}

// IsBailout 是否是放弃
func IsBailout(err error) bool {
	ce := Classify(err)
	return ce != nil && ce.Kind == KindBailout
}

// IsPermanent 是否是永久失败（永久放弃或内部错误）
func IsPermanent(err error) bool {
	ce := Classify(err)
	if ce == nil {
		return false
	}
	if ce.Kind == KindBailout {
		return ce.Permanent
	}
	return ce.Kind == KindInternal
}

// IsCancelled 是否是取消
func IsCancelled(err error) bool {
	var ce *CompileError
	return stderrors.As(err, &ce) && ce.Kind == KindCancelled
}

// ============================================================================
// 优化失败
// ============================================================================

// OptimizationFailedError 前台编译失败且策略为 Throw 时返回给调用者
type OptimizationFailedError struct {
	Unit  string // 编译单元名
	Cause error  // 失败原因
}

// Error 实现 error 接口
func (e *OptimizationFailedError) Error() string {
	return fmt.Sprintf("optimization failed for %s: %v", e.Unit, e.Cause)
}

// Unwrap 返回底层错误
func (e *OptimizationFailedError) Unwrap() error {
	return e.Cause
}

// ============================================================================
// 失败处理动作
// ============================================================================

// Action 编译失败时的处理动作
type Action int

const (
	ActionSilent Action = iota // 静默
	ActionPrint                // 记录日志
	ActionThrow                // 抛给前台调用者
	ActionExitVM               // 记录日志并退出进程
)

func (a Action) String() string {
	switch a {
	case ActionSilent:
		return "Silent"
	case ActionPrint:
		return "Print"
	case ActionThrow:
		return "Throw"
	case ActionExitVM:
		return "ExitVM"
	default:
		return "unknown"
	}
}

// ParseAction 解析处理动作（大小写不敏感）
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "silent":
		return ActionSilent, nil
	case "print", "":
		return ActionPrint, nil
	case "throw":
		return ActionThrow, nil
	case "exitvm", "exit":
		return ActionExitVM, nil
	}
	return ActionPrint, InvalidOption(O0003, "unknown compilation failure action %q", s)
}

// MarshalText 实现 encoding.TextMarshaler
func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText 实现 encoding.TextUnmarshaler
func (a *Action) UnmarshalText(text []byte) error {
	parsed, err := ParseAction(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
