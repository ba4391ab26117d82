package profile

import (
	"reflect"

	"github.com/tangzhangming/tierjit/internal/assumption"
	"github.com/tangzhangming/tierjit/internal/config"
)

// 假设名
const (
	ArgumentTypesAssumptionName = "Profiled Argument Types"
	ReturnTypeAssumptionName    = "Profiled Return Type"
)

// ============================================================================
// 参数类型剖析
// ============================================================================

// ArgumentsProfile 参数类型剖析快照，发布后不可变
//
// Types 中为 nil 的位置表示未知类型，可以匹配任何值。
type ArgumentsProfile struct {
	Types      []reflect.Type
	Assumption *assumption.Assumption
}

// invalidArguments 参数剖析被永久放弃
var invalidArguments = &ArgumentsProfile{Assumption: assumption.NeverValid(ArgumentTypesAssumptionName)}

// IsInvalid 是否是被放弃的剖析
func (ap *ArgumentsProfile) IsInvalid() bool {
	return ap == invalidArguments
}

func newArgumentsProfile(types []reflect.Type) *ArgumentsProfile {
	return &ArgumentsProfile{Types: types, Assumption: assumption.New(ArgumentTypesAssumptionName)}
}

// ProfileArguments 剖析一次调用的参数
//
// 剖析只在解释器中初始化；已编译代码遇到未初始化的剖析直接返回。
func (p *Profile) ProfileArguments(args []any, inInterpreter bool) {
	for {
		current := p.arguments.Load()
		if current == invalidArguments {
			return
		}
		if current == nil {
			if !inInterpreter {
				return
			}
			if p.updateArguments(nil, p.initialArguments(args)) {
				return
			}
			continue
		}
		if len(current.Types) == len(args) && argumentTypesMatch(args, current.Types) {
			if inInterpreter || current.Assumption.IsValid() {
				return
			}
		}
		var next *ArgumentsProfile
		if len(current.Types) != len(args) {
			next = invalidArguments
		} else {
			next = newArgumentsProfile(joinArguments(current.Types, args))
		}
		if p.updateArguments(current, next) {
			return
		}
		// 输掉竞争，重新检查
	}
}

func (p *Profile) initialArguments(args []any) *ArgumentsProfile {
	if len(args) > config.MaxProfiledArguments || !p.argumentSpeculation {
		return invalidArguments
	}
	types := make([]reflect.Type, len(args))
	for i, arg := range args {
		types[i] = classOf(arg)
	}
	return newArgumentsProfile(types)
}

// updateArguments 先失效旧剖析的假设，再 CAS 安装新剖析
func (p *Profile) updateArguments(old, next *ArgumentsProfile) bool {
	if old != nil {
		old.Assumption.Invalidate("argument types changed")
	}
	return p.arguments.CompareAndSwap(old, next)
}

// ArgumentsProfile 当前参数剖析，可能为 nil
func (p *Profile) ArgumentsProfile() *ArgumentsProfile {
	return p.arguments.Load()
}

// InitializedArgumentsProfile 返回已初始化的参数剖析
//
// 供编译器使用：还没有剖析时保守地放弃参数剖析。
func (p *Profile) InitializedArgumentsProfile() *ArgumentsProfile {
	if p.arguments.Load() == nil {
		p.arguments.CompareAndSwap(nil, invalidArguments)
	}
	return p.arguments.Load()
}

// ProfiledArgumentType 第 i 个参数的剖析类型，未知时返回 nil
func (p *Profile) ProfiledArgumentType(i int) reflect.Type {
	ap := p.arguments.Load()
	if ap == nil || i < 0 || i >= len(ap.Types) {
		return nil
	}
	return ap.Types[i]
}

func argumentTypesMatch(args []any, types []reflect.Type) bool {
	for i, t := range types {
		if t == nil {
			continue
		}
		if args[i] == nil || reflect.TypeOf(args[i]) != t {
			return false
		}
	}
	return true
}

func joinArguments(old []reflect.Type, args []any) []reflect.Type {
	types := make([]reflect.Type, len(old))
	for i := range old {
		types[i] = joinTypes(old[i], classOf(args[i]))
	}
	return types
}

// joinTypes 类型不同立即放弃，不尝试求公共类型
func joinTypes(a, b reflect.Type) reflect.Type {
	if a == b {
		return a
	}
	return nil
}

func classOf(v any) reflect.Type {
	if v == nil {
		return nil
	}
	return reflect.TypeOf(v)
}

// ============================================================================
// 返回值类型剖析
// ============================================================================

// ReturnProfile 返回值类型剖析快照，发布后不可变
type ReturnProfile struct {
	Type       reflect.Type
	Assumption *assumption.Assumption
}

var invalidReturn = &ReturnProfile{Assumption: assumption.NeverValid(ReturnTypeAssumptionName)}

// IsInvalid 是否是被放弃的剖析
func (rp *ReturnProfile) IsInvalid() bool {
	return rp == invalidReturn
}

// ProfileReturn 剖析一次返回值
//
// 第一次不匹配直接放弃，不求公共类型。
func (p *Profile) ProfileReturn(result any, inInterpreter bool) {
	for {
		current := p.returns.Load()
		if current == invalidReturn {
			return
		}
		if current == nil {
			if !inInterpreter {
				return
			}
			next := invalidReturn
			if t := classOf(result); t != nil && p.returnSpeculation {
				next = &ReturnProfile{Type: t, Assumption: assumption.New(ReturnTypeAssumptionName)}
			}
			if p.returns.CompareAndSwap(nil, next) {
				return
			}
			continue
		}
		if result != nil && current.Type == reflect.TypeOf(result) {
			if inInterpreter || current.Assumption.IsValid() {
				return
			}
		}
		current.Assumption.Invalidate("return type changed")
		p.returns.Swap(invalidReturn)
		return
	}
}

// ReturnProfile 当前返回值剖析，可能为 nil
func (p *Profile) ReturnProfile() *ReturnProfile {
	return p.returns.Load()
}

// InitializedReturnProfile 返回已初始化的返回值剖析
func (p *Profile) InitializedReturnProfile() *ReturnProfile {
	if p.returns.Load() == nil {
		p.returns.CompareAndSwap(nil, invalidReturn)
	}
	return p.returns.Load()
}

// ============================================================================
// 异常类型剖析
// ============================================================================

type exceptionProfile struct {
	typ reflect.Type
}

// anyException 见过两种以上异常：总是反优化，不再推测
var anyException = &exceptionProfile{}

// ProfileException 剖析一次异常（错误）类型，原样返回 err
func (p *Profile) ProfileException(err error) error {
	if err == nil {
		return nil
	}
	t := reflect.TypeOf(err)
	for {
		current := p.exception.Load()
		if current == anyException {
			return err
		}
		if current != nil && current.typ == t {
			return err
		}
		next := anyException
		if current == nil {
			next = &exceptionProfile{typ: t}
		}
		if p.exception.CompareAndSwap(current, next) {
			return err
		}
	}
}

// ProfiledExceptionType 剖析到的异常类型
//
// 没见过异常时返回 (nil, true)，见过多种时返回 (nil, false)。
func (p *Profile) ProfiledExceptionType() (reflect.Type, bool) {
	current := p.exception.Load()
	switch current {
	case nil:
		return nil, true
	case anyException:
		return nil, false
	default:
		return current.typ, true
	}
}
