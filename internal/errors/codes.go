package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents internal error codes for engine operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors (rejected locally, never retried by the core)
	ErrCodeInvalidArgument     ErrorCode = 1000
	ErrCodeKeyNotFound         ErrorCode = 1001
	ErrCodeUnknownCollection   ErrorCode = 1002
	ErrCodeUnknownSchema       ErrorCode = 1003
	ErrCodeKeyTooLarge         ErrorCode = 1004
	ErrCodeDocumentTooLarge    ErrorCode = 1005
	ErrCodeReadViewClosed      ErrorCode = 1006
	ErrCodeReadBeyondHorizon   ErrorCode = 1007
	ErrCodeNotWriteAuthority   ErrorCode = 1008
	ErrCodeStandbyNotReadable  ErrorCode = 1009
	ErrCodePromotionDenied     ErrorCode = 1010

	// Config errors (refuse to start)
	ErrCodeConfig ErrorCode = 1500

	// Durability and storage errors
	ErrCodeWalAppendFailed     ErrorCode = 2000
	ErrCodeWalSyncFailed       ErrorCode = 2001
	ErrCodeWalCorruption       ErrorCode = 2002
	ErrCodeChecksumCompute     ErrorCode = 2003
	ErrCodeStorageAppendFailed ErrorCode = 2004
	ErrCodeCorruptionDetected  ErrorCode = 2005
	ErrCodeRecoveryFailed      ErrorCode = 2006

	// Replication errors
	ErrCodeReplicaGap        ErrorCode = 3000
	ErrCodeReplicaChecksum   ErrorCode = 3001
	ErrCodeReplicaDivergence ErrorCode = 3002
	ErrCodeReplicaHalted     ErrorCode = 3003
	ErrCodeSnapshotInstall   ErrorCode = 3004
	ErrCodeSegmentsGone      ErrorCode = 3005

	// Promotion errors
	ErrCodePromotionValidation ErrorCode = 4000
	ErrCodePromotionTransition ErrorCode = 4001

	// Internal
	ErrCodeInternal ErrorCode = 5000
)

// Severity classifies how an error must be handled by callers and operators.
type Severity string

const (
	// SeverityFatal means the process must halt; downtime is preferred over
	// undetected data loss or divergence.
	SeverityFatal Severity = "fatal"
	// SeverityError means the containing operation aborts; the process keeps
	// serving.
	SeverityError Severity = "error"
	// SeverityReject means the request was refused locally with a stable code
	// and had no side effect.
	SeverityReject Severity = "reject"
	// SeverityBug marks an internal invariant violation.
	SeverityBug Severity = "bug"
)

// EngineError represents a structured error with code, severity and context
type EngineError struct {
	Code      ErrorCode
	Severity  Severity
	Message   string
	Invariant string // stable identifier of the violated rule, if any
	Details   map[string]interface{}
	Cause     error
}

// Error implements the error interface
func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps internal error codes to HTTP status codes
func (e *EngineError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeOK:
		return http.StatusOK
	case ErrCodeInvalidArgument, ErrCodeKeyTooLarge, ErrCodeDocumentTooLarge,
		ErrCodeUnknownSchema, ErrCodeReadViewClosed:
		return http.StatusBadRequest
	case ErrCodeKeyNotFound, ErrCodeUnknownCollection:
		return http.StatusNotFound
	case ErrCodeNotWriteAuthority:
		return http.StatusMisdirectedRequest
	case ErrCodeReadBeyondHorizon, ErrCodeStandbyNotReadable, ErrCodeReplicaHalted:
		return http.StatusServiceUnavailable
	case ErrCodePromotionDenied, ErrCodePromotionValidation:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// New creates a new EngineError
func New(code ErrorCode, severity Severity, message string, cause error) *EngineError {
	return &EngineError{
		Code:     code,
		Severity: severity,
		Message:  message,
		Details:  make(map[string]interface{}),
		Cause:    cause,
	}
}

// WithDetail adds a detail to the error
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	e.Details[key] = value
	return e
}

// WithInvariant records the identifier of the violated invariant
func (e *EngineError) WithInvariant(id string) *EngineError {
	e.Invariant = id
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *EngineError {
	return New(ErrCodeInvalidArgument, SeverityReject, message, cause)
}

func KeyNotFound(collection, key string) *EngineError {
	return New(ErrCodeKeyNotFound, SeverityReject, fmt.Sprintf("key not found: %s/%s", collection, key), nil).
		WithDetail("collection", collection).
		WithDetail("key", key)
}

func UnknownSchema(collection string, version int) *EngineError {
	return New(ErrCodeUnknownSchema, SeverityReject, fmt.Sprintf("unknown schema version %d for collection %s", version, collection), nil).
		WithDetail("collection", collection).
		WithDetail("schema_version", version)
}

func ConfigError(message string, cause error) *EngineError {
	return New(ErrCodeConfig, SeverityFatal, message, cause)
}

func WalAppendFailed(message string, cause error) *EngineError {
	return New(ErrCodeWalAppendFailed, SeverityError, message, cause)
}

func WalSyncFailed(message string, cause error) *EngineError {
	return New(ErrCodeWalSyncFailed, SeverityError, message, cause)
}

func WalCorruption(message string, cause error) *EngineError {
	return New(ErrCodeWalCorruption, SeverityFatal, message, cause).
		WithInvariant("wal.record.checksum")
}

func ChecksumComputeFailed(message string) *EngineError {
	return New(ErrCodeChecksumCompute, SeverityFatal, message, nil)
}

func StorageAppendFailed(message string, cause error) *EngineError {
	return New(ErrCodeStorageAppendFailed, SeverityError, message, cause)
}

func CorruptionDetected(message string, expected, actual uint32) *EngineError {
	return New(ErrCodeCorruptionDetected, SeverityFatal,
		fmt.Sprintf("%s: checksum expected %d, got %d", message, expected, actual), nil).
		WithInvariant("storage.entry.checksum").
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

func RecoveryFailed(message string, cause error) *EngineError {
	return New(ErrCodeRecoveryFailed, SeverityFatal, message, cause).
		WithInvariant("recovery.no-partial-application")
}

func ReadBeyondHorizon(requested, horizon uint64) *EngineError {
	return New(ErrCodeReadBeyondHorizon, SeverityReject,
		fmt.Sprintf("read view bound %d exceeds applied commit horizon %d", requested, horizon), nil).
		WithInvariant("gate.horizon").
		WithDetail("requested", requested).
		WithDetail("horizon", horizon)
}

func StandbyNotReadable(mode string) *EngineError {
	return New(ErrCodeStandbyNotReadable, SeverityReject,
		fmt.Sprintf("standby refuses reads while %s", mode), nil).
		WithInvariant("gate.mode-ready").
		WithDetail("mode", mode)
}

func NotWriteAuthority(nodeID string) *EngineError {
	return New(ErrCodeNotWriteAuthority, SeverityReject,
		fmt.Sprintf("node %s does not hold write authority", nodeID), nil).
		WithInvariant("authority.single-writer").
		WithDetail("node_id", nodeID)
}

func ReplicaGap(expected, got uint64) *EngineError {
	return New(ErrCodeReplicaGap, SeverityError,
		fmt.Sprintf("segment does not extend applied log contiguously: expected seq %d, got %d", expected, got), nil).
		WithInvariant("replication.prefix").
		WithDetail("expected_seq", expected).
		WithDetail("got_seq", got)
}

func ReplicaChecksum(seq uint64) *EngineError {
	return New(ErrCodeReplicaChecksum, SeverityError,
		fmt.Sprintf("checksum mismatch in replicated record %d", seq), nil).
		WithInvariant("replication.record.checksum").
		WithDetail("seq", seq)
}

func ReplicaHalted(reason string) *EngineError {
	return New(ErrCodeReplicaHalted, SeverityError,
		fmt.Sprintf("replication halted: %s", reason), nil).
		WithInvariant("replication.halt-on-violation")
}

func SegmentsUnavailable(requested, base uint64) *EngineError {
	return New(ErrCodeSegmentsGone, SeverityReject,
		fmt.Sprintf("records from seq %d are no longer in the local log (base %d); bootstrap from snapshot", requested, base), nil).
		WithDetail("requested_seq", requested).
		WithDetail("base_seq", base)
}

func PromotionDenied(standbyID, reason string) *EngineError {
	return New(ErrCodePromotionDenied, SeverityReject,
		fmt.Sprintf("promotion of %s denied: %s", standbyID, reason), nil).
		WithDetail("standby_id", standbyID).
		WithDetail("reason", reason)
}

func InternalError(message string, cause error) *EngineError {
	return New(ErrCodeInternal, SeverityBug, message, cause)
}

// IsEngineError checks if an error is an EngineError
func IsEngineError(err error) bool {
	var ee *EngineError
	return errors.As(err, &ee)
}

// AsEngineError unwraps err to its EngineError, if it carries one.
func AsEngineError(err error) (*EngineError, bool) {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ErrCodeInternal
}

// GetSeverity extracts the severity from an error
func GetSeverity(err error) Severity {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Severity
	}
	return SeverityBug
}

// IsFatal reports whether the error requires the process to halt
func IsFatal(err error) bool {
	return GetSeverity(err) == SeverityFatal
}
