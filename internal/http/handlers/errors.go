// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// Codes are lowercase snake_case and stable; clients branch on them rather
// than on messages. Generic codes mirror HTTP status semantics, the
// session-specific ones name conditions a status alone cannot convey (a busy
// session lock versus a closed session, both of which a client retries
// differently).
package handlers

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeForbidden        = "forbidden"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeTooLarge         = "payload_too_large"

	// Session lifecycle:
	ErrCodeSessionClosed     = "session_closed"
	ErrCodeAlreadyClosed     = "already_closed"
	ErrCodeInvalidTransition = "invalid_transition"
	ErrCodeLockTimeout       = "lock_timeout"
	ErrCodeOperatorNotFound  = "operator_not_found"

	// Attachments:
	ErrCodeAttachmentsDisabled = "attachments_disabled"
	ErrCodeBadAttachment       = "bad_attachment"

	// Fallbacks for unexpected failures, per operation family:
	ErrCodeCreateFailed = "create_failed"
	ErrCodeListFailed   = "list_failed"
	ErrCodePostFailed   = "post_failed"
	ErrCodeUpdateFailed = "update_failed"
)
