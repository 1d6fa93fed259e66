// Package errors provides structured, code-matchable kernel errors.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Input errors
	CodeInvalidArgument Code = "INVALID_ARGUMENT"

	// Access control errors
	CodeUnauthenticated    Code = "UNAUTHENTICATED"
	CodeUnauthorized       Code = "UNAUTHORIZED"
	CodeRoleNotFound       Code = "ROLE_NOT_FOUND"
	CodeLastAdmin          Code = "LAST_ADMIN"
	CodeAlreadyInitialized Code = "ALREADY_INITIALIZED"

	// Registry errors
	CodeModuleNotFound          Code = "MODULE_NOT_FOUND"
	CodeModuleAlreadyRegistered Code = "MODULE_ALREADY_REGISTERED"
	CodeModuleInactive          Code = "MODULE_INACTIVE"
	CodeModulePaused            Code = "MODULE_PAUSED"

	// Call graph errors
	CodeDepthExceeded         Code = "DEPTH_EXCEEDED"
	CodeReentrantTopLevelCall Code = "REENTRANT_TOP_LEVEL_CALL"
	CodeNoActiveContext       Code = "NO_ACTIVE_CONTEXT"
	CodeReadOnlyViolation     Code = "READ_ONLY_VIOLATION"

	// Module execution errors
	CodeModuleError           Code = "MODULE_ERROR"
	CodeInsufficientResources Code = "INSUFFICIENT_RESOURCES"

	// Migration errors
	CodeAlreadyCompleted    Code = "ALREADY_COMPLETED"
	CodePrerequisiteMissing Code = "PREREQUISITE_MISSING"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case CodeInvalidArgument:
		return codes.InvalidArgument

	case CodeUnauthenticated:
		return codes.Unauthenticated

	case CodeUnauthorized:
		return codes.PermissionDenied

	// NotFound - identity does not exist
	case CodeModuleNotFound,
		CodeRoleNotFound:
		return codes.NotFound

	// AlreadyExists - unique identity or completed work
	case CodeModuleAlreadyRegistered,
		CodeAlreadyInitialized,
		CodeAlreadyCompleted:
		return codes.AlreadyExists

	// FailedPrecondition - state doesn't allow operation
	case CodeModuleInactive,
		CodeModulePaused,
		CodeReentrantTopLevelCall,
		CodeNoActiveContext,
		CodeReadOnlyViolation,
		CodeInsufficientResources,
		CodeLastAdmin,
		CodePrerequisiteMissing:
		return codes.FailedPrecondition

	case CodeDepthExceeded:
		return codes.ResourceExhausted

	case CodeModuleError:
		return codes.Aborted

	default:
		return codes.Internal
	}
}

// Retryable reports whether a failure with this code may succeed when retried
// without any change by the caller. Access-control and registry failures never
// are: they reflect caller or configuration mistakes.
func (c Code) Retryable() bool {
	return c == CodeModuleError
}
