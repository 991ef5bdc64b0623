package domain

import (
	"context"
	"errors"
	"fmt"
)

// Category sentinels. Subsystem errors should wrap one of these so that
// ErrorCodeOf and CategoryOf can classify them.
var (
	ErrNotFound         = errors.New("not found")
	ErrDuplicate        = errors.New("duplicate")
	ErrTimeout          = errors.New("operation timed out")
	ErrLimitReached     = errors.New("limit reached")
	ErrPermissionDenied = errors.New("permission denied")
	ErrDisabled         = errors.New("disabled")
	ErrInvalidInput     = errors.New("invalid input")
	ErrProviderError    = errors.New("provider error")
)

// Sentinel errors for the domain layer.
var (
	ErrProviderNotFound = errors.New("llm provider not found")
	ErrToolNotFound     = errors.New("tool not found")
	ErrAgentNotFound    = errors.New("agent not found")
	ErrMaxIterations    = errors.New("agent reached max iterations")
	ErrConfigLoad       = errors.New("failed to load configuration")
	ErrDecryption       = errors.New("decryption failed")
	ErrEncryption       = errors.New("encryption operation failed")
	ErrAuditWrite       = errors.New("audit log write failed")

	// Gateway errors.
	ErrGatewayAuthFailed = fmt.Errorf("gateway: %w", ErrAuthInvalid)
	ErrInvalidPayload    = errors.New("request payload invalid")

	// RBAC errors.
	ErrForbidden = errors.New("forbidden: insufficient permissions")

	// Write safety errors.
	ErrConfirmRequired   = fmt.Errorf("confirm flag required: %w", ErrPermissionDenied)
	ErrDestructiveSQL    = fmt.Errorf("destructive statement: %w", ErrPermissionDenied)
	ErrMultiStatement    = fmt.Errorf("multi-statement payload: %w", ErrPermissionDenied)
	ErrReadOnlyQuery     = fmt.Errorf("read-only query required: %w", ErrPermissionDenied)
	ErrDraftOnly         = fmt.Errorf("draft-only agent: %w", ErrPermissionDenied)
	ErrWriteBudgetSpent  = fmt.Errorf("write budget exhausted: %w", ErrLimitReached)
	ErrTooManyRows       = fmt.Errorf("statement affects too many rows: %w", ErrPermissionDenied)
	ErrUnboundedMutation = fmt.Errorf("unbounded mutation: %w", ErrPermissionDenied)

	// Resilience errors.
	ErrContextOverflow = errors.New("context window exceeded")
	ErrRateLimit       = errors.New("rate limit exceeded")
	ErrQuotaExceeded   = errors.New("provider quota exhausted")
	ErrAuthInvalid     = errors.New("authentication failed")
	ErrToolFailure     = errors.New("tool execution failed")
)

// DomainError ties a sentinel to the operation that hit it.
type DomainError struct {
	Op        string // operation name (e.g., "Tool.Execute")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "store", "llm")
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp prefixes err with op. A nil err stays nil.
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether a model call failing with err is worth
// repeating.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrContextOverflow)
}

// ErrorCode is the stable name of an error in metrics labels and API bodies.
type ErrorCode string

const (
	CodeUnknown          ErrorCode = "UNKNOWN"
	CodeProviderNotFound ErrorCode = "PROVIDER_NOT_FOUND"
	CodeToolNotFound     ErrorCode = "TOOL_NOT_FOUND"
	CodeToolFailure      ErrorCode = "TOOL_FAILURE"
	CodeAgentNotFound    ErrorCode = "AGENT_NOT_FOUND"
	CodeMaxIterations    ErrorCode = "MAX_ITERATIONS"
	CodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	CodeEncryption       ErrorCode = "ENCRYPTION"
	CodeDecryption       ErrorCode = "DECRYPTION"
	CodeAuditWrite       ErrorCode = "AUDIT_WRITE"
	CodeGatewayAuth      ErrorCode = "GATEWAY_AUTH"
	CodeInvalidPayload   ErrorCode = "INVALID_PAYLOAD"
	CodeContextOverflow  ErrorCode = "CONTEXT_OVERFLOW"
	CodeRateLimit        ErrorCode = "RATE_LIMIT"
	CodeQuotaExceeded    ErrorCode = "QUOTA_EXCEEDED"
	CodeAuthInvalid      ErrorCode = "AUTH_INVALID"
	CodeForbidden        ErrorCode = "FORBIDDEN"
	CodeConfirmRequired  ErrorCode = "CONFIRM_REQUIRED"
	CodeDestructiveSQL   ErrorCode = "DESTRUCTIVE_SQL"
	CodeMultiStatement   ErrorCode = "MULTI_STATEMENT"
	CodeReadOnlyQuery    ErrorCode = "READ_ONLY_QUERY"
	CodeDraftOnly        ErrorCode = "DRAFT_ONLY"
	CodeWriteBudget      ErrorCode = "WRITE_BUDGET"
	CodeTooManyRows      ErrorCode = "TOO_MANY_ROWS"
	CodeUnboundedWrite   ErrorCode = "UNBOUNDED_WRITE"

	// Subsystem-specific codes resolved through subSystemCodes.
	CodeStoreNotFound    ErrorCode = "STORE_NOT_FOUND"
	CodeExternalNotFound ErrorCode = "EXTERNAL_NOT_FOUND"
	CodeExternalProvider ErrorCode = "EXTERNAL_PROVIDER"
	CodeStoreTimeout     ErrorCode = "STORE_TIMEOUT"

	// Category error codes, the fallback when nothing more specific matches.
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeDuplicate        ErrorCode = "DUPLICATE"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeLimitReached     ErrorCode = "LIMIT_REACHED"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeDisabled         ErrorCode = "DISABLED"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeProviderError    ErrorCode = "PROVIDER_ERROR"
)

// errorCodeMap names every sentinel.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:         CodeNotFound,
	ErrDuplicate:        CodeDuplicate,
	ErrTimeout:          CodeTimeout,
	ErrLimitReached:     CodeLimitReached,
	ErrPermissionDenied: CodePermissionDenied,
	ErrDisabled:         CodeDisabled,
	ErrInvalidInput:     CodeInvalidInput,
	ErrProviderError:    CodeProviderError,

	ErrProviderNotFound:  CodeProviderNotFound,
	ErrToolNotFound:      CodeToolNotFound,
	ErrToolFailure:       CodeToolFailure,
	ErrAgentNotFound:     CodeAgentNotFound,
	ErrMaxIterations:     CodeMaxIterations,
	ErrConfigLoad:        CodeConfigLoad,
	ErrDecryption:        CodeDecryption,
	ErrEncryption:        CodeEncryption,
	ErrAuditWrite:        CodeAuditWrite,
	ErrGatewayAuthFailed: CodeGatewayAuth,
	ErrInvalidPayload:    CodeInvalidPayload,
	ErrContextOverflow:   CodeContextOverflow,
	ErrRateLimit:         CodeRateLimit,
	ErrQuotaExceeded:     CodeQuotaExceeded,
	ErrAuthInvalid:       CodeAuthInvalid,
	ErrForbidden:         CodeForbidden,
	ErrConfirmRequired:   CodeConfirmRequired,
	ErrDestructiveSQL:    CodeDestructiveSQL,
	ErrMultiStatement:    CodeMultiStatement,
	ErrReadOnlyQuery:     CodeReadOnlyQuery,
	ErrDraftOnly:         CodeDraftOnly,
	ErrWriteBudgetSpent:  CodeWriteBudget,
	ErrTooManyRows:       CodeTooManyRows,
	ErrUnboundedMutation: CodeUnboundedWrite,
}

// specificSentinels are checked before the category sentinels they wrap so
// that the chain walk in ErrorCodeOf returns the most specific code.
var specificSentinels = []error{
	ErrConfirmRequired, ErrDestructiveSQL, ErrMultiStatement, ErrReadOnlyQuery,
	ErrDraftOnly, ErrWriteBudgetSpent, ErrTooManyRows, ErrUnboundedMutation,
	ErrGatewayAuthFailed, ErrQuotaExceeded, ErrRateLimit, ErrAuthInvalid,
	ErrContextOverflow, ErrAgentNotFound, ErrToolNotFound, ErrProviderNotFound,
}

// subSystemCodes refines a category sentinel by the subsystem that raised it.
var subSystemCodes = map[error]map[string]ErrorCode{
	ErrNotFound:      {"store": CodeStoreNotFound, "external": CodeExternalNotFound},
	ErrTimeout:       {"store": CodeStoreTimeout},
	ErrProviderError: {"external": CodeExternalProvider},
}

// categorySentinels is the fallback order once no specific sentinel matched.
var categorySentinels = []error{
	ErrNotFound, ErrDuplicate, ErrTimeout, ErrLimitReached,
	ErrPermissionDenied, ErrDisabled, ErrInvalidInput, ErrProviderError,
}

// ErrorCodeOf classifies err for metrics and API responses. The first
// *DomainError in the chain wins, then the most specific wrapped sentinel.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	if code, ok := errorCodeMap[err]; ok {
		return code
	}
	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}
	for _, group := range [][]error{specificSentinels, categorySentinels} {
		for _, sentinel := range group {
			if errors.Is(err, sentinel) {
				return errorCodeMap[sentinel]
			}
		}
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}

// Code is the code of e's own sentinel, refined by SubSystem when known.
func (e *DomainError) Code() ErrorCode {
	if code, ok := subSystemCodes[e.Err][e.SubSystem]; ok {
		return code
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}

// ErrorCategory is the coarse classification attached to every failed tool
// call. The model and the response synthesizer both reason over it.
type ErrorCategory string

const (
	CategoryNone             ErrorCategory = ""
	CategoryValidation       ErrorCategory = "VALIDATION"
	CategoryPermissionDenied ErrorCategory = "PERMISSION_DENIED"
	CategoryNotFound         ErrorCategory = "NOT_FOUND"
	CategoryBudgetExceeded   ErrorCategory = "BUDGET_EXCEEDED"
	CategoryUpstreamFailure  ErrorCategory = "UPSTREAM_FAILURE"
	CategorySystemic         ErrorCategory = "SYSTEMIC"
)

// CategorizedError is a tool-facing error with a short message that is safe
// to show to the model and the end user.
type CategorizedError struct {
	Category ErrorCategory
	Message  string
	Err      error
}

func (e *CategorizedError) Error() string { return e.Message }

func (e *CategorizedError) Unwrap() error { return e.Err }

// Categorize builds a CategorizedError wrapping err with a formatted message.
func Categorize(cat ErrorCategory, err error, format string, args ...any) *CategorizedError {
	return &CategorizedError{Category: cat, Message: fmt.Sprintf(format, args...), Err: err}
}

// Validationf reports a malformed or missing argument.
func Validationf(format string, args ...any) error {
	return Categorize(CategoryValidation, ErrInvalidInput, format, args...)
}

// Deniedf reports a refused action, wrapping the specific sentinel.
func Deniedf(sentinel error, format string, args ...any) error {
	if sentinel == nil {
		sentinel = ErrPermissionDenied
	}
	return Categorize(CategoryPermissionDenied, sentinel, format, args...)
}

// NotFoundf reports a missing entity.
func NotFoundf(format string, args ...any) error {
	return Categorize(CategoryNotFound, ErrNotFound, format, args...)
}

// Upstreamf reports an external collaborator failure.
func Upstreamf(err error, format string, args ...any) error {
	if err == nil {
		err = ErrProviderError
	}
	return Categorize(CategoryUpstreamFailure, err, format, args...)
}

// CategoryOf classifies err into the tool error taxonomy. Unrecognised errors
// are treated as upstream failures.
func CategoryOf(err error) ErrorCategory {
	if err == nil {
		return CategoryNone
	}
	var ce *CategorizedError
	if errors.As(err, &ce) && ce.Category != CategoryNone {
		return ce.Category
	}
	switch {
	case errors.Is(err, ErrLimitReached), errors.Is(err, ErrRateLimit), errors.Is(err, ErrQuotaExceeded):
		return CategoryBudgetExceeded
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrForbidden), errors.Is(err, ErrDisabled):
		return CategoryPermissionDenied
	case errors.Is(err, ErrNotFound):
		return CategoryNotFound
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrInvalidPayload):
		return CategoryValidation
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTimeout):
		return CategoryUpstreamFailure
	}
	return CategoryUpstreamFailure
}
