package errors

import (
	stdErrors "errors"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"sync"
	"time"
)

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Class 对错误进行归类，决定调用方应当如何处理。
type Class string

const (
	// ClassCaller 表示调用方输入不合法，需要修正后重试。
	ClassCaller Class = "caller"
	// ClassCollaborator 表示外部依赖（行情、风控模型等）不可用。
	ClassCollaborator Class = "collaborator"
	// ClassPolicy 表示策略层拒绝，不属于故障。
	ClassPolicy Class = "policy"
	// ClassInvariant 表示账本不变量被违反，状态保持不变。
	ClassInvariant Class = "invariant"
	// ClassAdmission 表示请求被准入控制拒绝，可在稍后重试。
	ClassAdmission Class = "admission"
	// ClassInternal 表示系统内部故障。
	ClassInternal Class = "internal"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message   string
	Class     Class
	Severity  Severity
	Retryable bool
	Alert     bool
}

// metadataRetryAfter 是准入拒绝时携带的重试等待时间（毫秒）。
const metadataRetryAfter = "retry_after_ms"

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown: {
			Message:  "unknown error",
			Class:    ClassInternal,
			Severity: SeverityCritical,
			Alert:    true,
		},
		CodeInvalidArgument: {
			Message:  "invalid argument",
			Class:    ClassCaller,
			Severity: SeverityInfo,
		},
		CodeNotFound: {
			Message:  "resource not found",
			Class:    ClassCaller,
			Severity: SeverityInfo,
		},
		CodeConflict: {
			Message:  "resource conflict",
			Class:    ClassInvariant,
			Severity: SeverityWarning,
		},
		CodeUnauthorized: {
			Message:  "caller not authorized",
			Class:    ClassInvariant,
			Severity: SeverityWarning,
		},
		CodeRateLimited: {
			Message:   "rate limit exceeded",
			Class:     ClassAdmission,
			Severity:  SeverityInfo,
			Retryable: true,
		},
		CodeUnavailable: {
			Message:   "collaborator unavailable",
			Class:     ClassCollaborator,
			Severity:  SeverityWarning,
			Retryable: true,
			Alert:     true,
		},
		CodeInitializationFailure: {
			Message:   "service not initialized",
			Class:     ClassInternal,
			Severity:  SeverityWarning,
			Retryable: true,
			Alert:     true,
		},
		CodeStorageFailure: {
			Message:   "storage failure",
			Class:     ClassInternal,
			Severity:  SeverityCritical,
			Retryable: true,
			Alert:     true,
		},
		CodeQueueFailure: {
			Message:   "queue failure",
			Class:     ClassInternal,
			Severity:  SeverityCritical,
			Retryable: true,
			Alert:     true,
		},
		CodeTimeout: {
			Message:   "operation timed out",
			Class:     ClassCollaborator,
			Severity:  SeverityWarning,
			Retryable: true,
			Alert:     true,
		},
	}
)

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeUnauthorized          Code = "UNAUTHORIZED"
	CodeRateLimited           Code = "RATE_LIMITED"
	CodeUnavailable           Code = "UNAVAILABLE"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
)

// Register 允许业务模块在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	if attr.Class == "" {
		attr.Class = ClassInternal
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是系统内统一的错误类型。
type Error struct {
	code      Code
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool
	alert     *bool
	severity  *Severity
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithRetryAfter 记录调用方需要等待的时间。
func WithRetryAfter(d time.Duration) Option {
	return WithMetadata(metadataRetryAfter, strconv.FormatInt(d.Milliseconds(), 10))
}

// WithRetryable 指定错误是否可重试。
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithAlert 指定错误是否需要告警。
func WithAlert(alert bool) Option {
	return func(e *Error) {
		e.alert = &alert
	}
}

// WithSeverity 覆盖默认严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) {
		e.severity = &sev
	}
}

// New 创建一个新的错误实例。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

// Unwrap 实现 errors.Unwrap。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 允许通过 errors.Is 判断是否相同错误码。
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回错误信息。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Attributes 返回注册属性叠加实例级覆盖后的结果。
func (e *Error) Attributes() Attributes {
	if e == nil {
		return Attributes{Class: ClassInternal, Severity: SeverityInfo}
	}
	attr := AttributesOf(e.code)
	if e.retryable != nil {
		attr.Retryable = *e.retryable
	}
	if e.alert != nil {
		attr.Alert = *e.alert
	}
	if e.severity != nil {
		attr.Severity = *e.severity
	}
	return attr
}

// Class 返回错误分类。
func (e *Error) Class() Class { return e.Attributes().Class }

// Retryable 判断是否可重试。
func (e *Error) Retryable() bool { return e.Attributes().Retryable }

// ShouldAlert 判断是否需要告警。
func (e *Error) ShouldAlert() bool { return e.Attributes().Alert }

// Severity 返回错误严重程度。
func (e *Error) Severity() Severity { return e.Attributes().Severity }

// Metadata 返回附加信息的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	return maps.Clone(e.metadata)
}

// RetryAfter 返回准入拒绝时建议的等待时间。
func (e *Error) RetryAfter() (time.Duration, bool) {
	if e == nil {
		return 0, false
	}
	raw, ok := e.metadata[metadataRetryAfter]
	if !ok {
		return 0, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

// From 尝试从 error 中解析统一错误类型。
func From(err error) (*Error, bool) {
	var target *Error
	if err != nil && stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// attributesOf 对非统一错误返回 UNKNOWN 的属性。
func attributesOf(err error) Attributes {
	if e, ok := From(err); ok {
		return e.Attributes()
	}
	return AttributesOf(CodeUnknown)
}

// CodeOf 返回错误对应的错误码。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// ClassOf 返回错误分类，非统一错误一律视为内部错误。
func ClassOf(err error) Class { return attributesOf(err).Class }

// RetryableError 判断任意 error 是否可重试。
func RetryableError(err error) bool {
	_, ok := From(err)
	return ok && attributesOf(err).Retryable
}

// ShouldAlert 判断是否需要触发告警。
func ShouldAlert(err error) bool {
	_, ok := From(err)
	return ok && attributesOf(err).Alert
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity { return attributesOf(err).Severity }

// LogAttrs 返回用于结构化日志的错误字段。
func LogAttrs(err error) []any {
	attr := attributesOf(err)
	return []any{
		slog.String("error", err.Error()),
		slog.String("error_code", string(CodeOf(err))),
		slog.String("error_class", string(attr.Class)),
		slog.String("severity", string(attr.Severity)),
	}
}
