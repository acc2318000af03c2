package conversation

import "errors"

// Code is the machine-readable error code carried on the wire.
// Clients classify failures by code, never by transport status.
type Code string

const (
	CodeStaleEpoch       Code = "STALE_EPOCH"
	CodeWrapSetMismatch  Code = "WRAP_SET_MISMATCH"
	CodeKeyUnavailable   Code = "KEY_UNAVAILABLE"
	CodeNotFound         Code = "NOT_FOUND"
	CodeMemberNotFound   Code = "MEMBER_NOT_FOUND"
	CodeMemberExists     Code = "MEMBER_EXISTS"
	CodeMemberLimit      Code = "MEMBER_LIMIT"
	CodeForbidden        Code = "FORBIDDEN"
	CodeOwnerImmutable   Code = "OWNER_IMMUTABLE"
	CodeSelfOperation    Code = "SELF_OPERATION"
	CodeProposalRequired Code = "PROPOSAL_REQUIRED"
)

// Error is a domain error with a stable wire code
type Error struct {
	code Code
	text string
}

func newError(code Code, text string) *Error {
	return &Error{code: code, text: text}
}

func (e *Error) Error() string {
	return e.text
}

func (e *Error) Code() Code {
	return e.code
}

var (
	// ErrStaleEpoch is the optimistic concurrency conflict: the proposal's
	// expectedEpoch no longer matches the conversation. The only condition
	// a client is allowed to retry.
	ErrStaleEpoch = newError(CodeStaleEpoch, "rotation proposal is stale")
	// ErrWrapSetMismatch means the proposed wrap set is not exactly the
	// intended post-operation member set. Fatal, indicates state drift.
	ErrWrapSetMismatch = newError(CodeWrapSetMismatch, "wrap set does not match active members")
	// ErrKeyUnavailable is the client-local zeroed-key precondition failure
	ErrKeyUnavailable = newError(CodeKeyUnavailable, "epoch key unavailable")

	ErrConversationNotFound  = newError(CodeNotFound, "conversation not found")
	ErrMemberNotFound        = newError(CodeMemberNotFound, "member not found")
	ErrMemberExists          = newError(CodeMemberExists, "member already exists")
	ErrMemberLimit           = newError(CodeMemberLimit, "member limit reached")
	ErrInsufficientPrivilege = newError(CodeForbidden, "insufficient privilege")
	ErrOwnerImmutable        = newError(CodeOwnerImmutable, "owner cannot be removed or demoted")
	ErrSelfOperation         = newError(CodeSelfOperation, "operation cannot target self")
	ErrProposalRequired      = newError(CodeProposalRequired, "operation requires a rotation proposal")
)

// CodeOf extracts the wire code from err, empty when err carries none
func CodeOf(err error) Code {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.code
	}
	return ""
}

// IsCode reports whether err carries the given wire code
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
