// Package errors provides standardized error handling patterns for lattice components.
//
// # Overview
//
// The errors package implements a four-class error classification system for
// the graph platform: Transient (temporary, retryable), Invalid (bad input,
// non-retryable), Fatal (unrecoverable, stop processing), and NotFound
// (absent entity, project, or federation link).
//
// Classification enables intelligent error handling throughout lattice:
// components make informed decisions about retries and degradation, and the
// HTTP layer maps classes to status codes (Invalid→400, NotFound→404,
// Transient→503, Fatal→500) without string matching.
//
// # Error Wrapping Pattern
//
// All error wrapping follows the standardized format:
//
//	"component.method: action failed: %w"
//
// Four classification-aware wrappers apply this pattern while tagging the
// class:
//
//	errors.WrapTransient(err, "Emitter", "Emit", "publish event")
//	errors.WrapInvalid(err, "Parser", "Parse", "resolve entity noun")
//	errors.WrapFatal(err, "KVStore", "Open", "bind bucket")
//	errors.WrapNotFound(err, "MemoryStore", "GetNode", "lookup node")
//
// The generic Wrap() adds context without asserting a class.
//
// # Standard Error Variables
//
// Pre-defined variables cover the platform's common conditions: lifecycle
// (ErrAlreadyStarted, ErrNotStarted), transport (ErrConnectionLost,
// ErrReconnectExceeded), graph store (ErrNodeNotFound, ErrProjectNotFound),
// query (ErrQueryParse, ErrQueryValidation, ErrDepthExceeded), federation
// (ErrLinkNotFound, ErrUnknownProject), and resources (ErrQueueFull,
// ErrRateLimited). Use these instead of ad-hoc messages so callers can match
// with errors.Is.
//
// # Integration with errors.Is/As
//
// Classification is preserved through wrapping chains:
//
//	wrapped := errors.WrapTransient(errors.ErrConnectionLost, "WSClient", "Dial", "open socket")
//	errors.IsTransient(wrapped) // true
//	errors.Is(wrapped, errors.ErrConnectionLost) // true
//
// Context cancellation errors classify as transient, so context timeouts and
// network timeouts take the same retry path.
//
// # Thread Safety
//
// All classification and wrapping operations are thread-safe. Error
// variables are immutable and safe for concurrent access.
package errors
