package errors

import (
	stdErrors "errors"
	"fmt"
	"sync"
)

// Code 表示系统内的统一错误码。对外响应中的 reason 字段直接使用该值，
// 因此错误码必须保持稳定，供调用方程序化分支。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

const (
	CodeUnknown             Code = "Unknown"
	CodeInvalidArgument     Code = "InvalidArgument"
	CodeEncoding            Code = "EncodingError"
	CodeInvalidSignature    Code = "InvalidSignature"
	CodeUnknownAgent        Code = "UnknownAgent"
	CodeUnknownService      Code = "UnknownService"
	CodeProviderUnavailable Code = "ProviderUnavailable"
	CodeProviderError       Code = "ProviderError"
	CodeRateLimited         Code = "RateLimited"
	CodeRegistryUnavailable Code = "RegistryUnavailable"
	CodeApprovalExpired     Code = "ApprovalExpired"
	CodeApprovalDecided     Code = "ApprovalAlreadyDecided"
	CodeApprovalRejected    Code = "ApprovalRejected"
	CodeDuplicateTx         Code = "DuplicateTransaction"
	CodeStorageFailure      Code = "StorageFailure"
	CodeNotInitialized      Code = "NotInitialized"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:          {Message: "unknown error", Severity: SeverityCritical, Retryable: false, Alert: true},
		CodeInvalidArgument:  {Message: "invalid argument", Severity: SeverityInfo, Retryable: false, Alert: false},
		CodeEncoding:         {Message: "payload cannot be canonically encoded", Severity: SeverityInfo, Retryable: false, Alert: false},
		CodeInvalidSignature: {Message: "signature verification failed", Severity: SeverityWarning, Retryable: false, Alert: false},
		CodeUnknownAgent:     {Message: "agent not registered", Severity: SeverityInfo, Retryable: false, Alert: false},
		CodeUnknownService:   {Message: "service not registered", Severity: SeverityInfo, Retryable: false, Alert: false},
		CodeProviderUnavailable: {
			Message: "provider agent suspended or unreachable", Severity: SeverityWarning, Retryable: false, Alert: true,
		},
		CodeProviderError: {Message: "provider returned an error", Severity: SeverityWarning, Retryable: false, Alert: true},
		CodeRateLimited:   {Message: "rate limit exceeded", Severity: SeverityInfo, Retryable: false, Alert: false},
		CodeRegistryUnavailable: {
			// 注册中心暂时不可用属于基础设施故障，协调器会对其做有界退避重试。
			Message: "trust registry unavailable", Severity: SeverityCritical, Retryable: true, Alert: true,
		},
		CodeApprovalExpired:  {Message: "approval request expired", Severity: SeverityInfo, Retryable: false, Alert: false},
		CodeApprovalDecided:  {Message: "approval already decided", Severity: SeverityInfo, Retryable: false, Alert: false},
		CodeApprovalRejected: {Message: "approval rejected", Severity: SeverityInfo, Retryable: false, Alert: false},
		CodeDuplicateTx:      {Message: "duplicate transaction id", Severity: SeverityInfo, Retryable: false, Alert: false},
		CodeStorageFailure:   {Message: "storage failure", Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeNotInitialized:   {Message: "component not initialized", Severity: SeverityWarning, Retryable: true, Alert: true},
	}
)

// Register 允许业务模块在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 Unknown 的属性。
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

// WithRetryable 指定错误是否可重试。
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
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

// Metadata 返回附加信息。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

// Retryable 判断是否可重试。
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.retryable != nil {
		return *e.retryable
	}
	return AttributesOf(e.code).Retryable
}

// Severity 返回错误严重程度。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	if e.severity != nil {
		return *e.severity
	}
	return AttributesOf(e.code).Severity
}

// From 尝试从 error 中解析统一错误类型。
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误对应的错误码。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// RetryableError 判断任意 error 是否可重试。
func RetryableError(err error) bool {
	if e, ok := From(err); ok {
		return e.Retryable()
	}
	return false
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}
