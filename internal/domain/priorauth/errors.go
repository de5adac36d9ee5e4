package priorauth

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable symbolic error code returned to callers.
type Code string

const (
	CodeUnauthorized               Code = "Unauthorized"
	CodeRequestNotFound            Code = "RequestNotFound"
	CodeAppealNotFound             Code = "AppealNotFound"
	CodeInvalidDecision            Code = "InvalidDecision"
	CodeInvalidStatusTransition    Code = "InvalidStatusTransition"
	CodeAlreadyReviewed            Code = "AlreadyReviewed"
	CodeNotDenied                  Code = "NotDenied"
	CodeMaxAppealLevelReached      Code = "MaxAppealLevelReached"
	CodeNotApproved                Code = "NotApproved"
	CodeAuthorizationExpired       Code = "AuthorizationExpired"
	CodeExceedsApprovedUnits       Code = "ExceedsApprovedUnits"
	CodePeerToPeerAlreadyScheduled Code = "PeerToPeerAlreadyScheduled"
	CodeForbidden                  Code = "Forbidden"
	CodeInvalidRequest             Code = "InvalidRequest"
)

// Error is a precondition failure. Compare with errors.Is against the
// exported sentinels.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string { return e.Message }

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrUnauthorized               = &Error{CodeUnauthorized, "caller is not the provider of record"}
	ErrRequestNotFound            = &Error{CodeRequestNotFound, "authorization request not found"}
	ErrAppealNotFound             = &Error{CodeAppealNotFound, "appeal not found"}
	ErrInvalidDecision            = &Error{CodeInvalidDecision, "decision must be approved, denied or more_info_needed"}
	ErrInvalidStatusTransition    = &Error{CodeInvalidStatusTransition, "operation not allowed in current status"}
	ErrAlreadyReviewed            = &Error{CodeAlreadyReviewed, "authorization request already reviewed"}
	ErrNotDenied                  = &Error{CodeNotDenied, "only denied or appealed requests can be appealed"}
	ErrMaxAppealLevelReached      = &Error{CodeMaxAppealLevelReached, "appeal level must increase and may not exceed 3"}
	ErrNotApproved                = &Error{CodeNotApproved, "authorization request is not approved"}
	ErrAuthorizationExpired       = &Error{CodeAuthorizationExpired, "authorization has expired"}
	ErrExceedsApprovedUnits       = &Error{CodeExceedsApprovedUnits, "usage exceeds approved units"}
	ErrPeerToPeerAlreadyScheduled = &Error{CodePeerToPeerAlreadyScheduled, "peer-to-peer review already requested"}
	ErrForbidden                  = &Error{CodeForbidden, "caller is not permitted to adjudicate"}
)

// invalidf reports malformed input that no state transition could accept.
func invalidf(format string, args ...any) error {
	return &Error{Code: CodeInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the symbolic code from err, or "" for non-domain errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HTTPStatus maps a domain error onto a response status.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeRequestNotFound, CodeAppealNotFound:
		return http.StatusNotFound
	case CodeUnauthorized, CodeForbidden:
		return http.StatusForbidden
	case CodeInvalidDecision, CodeExceedsApprovedUnits, CodeMaxAppealLevelReached, CodeInvalidRequest:
		return http.StatusUnprocessableEntity
	case CodeInvalidStatusTransition, CodeAlreadyReviewed, CodeNotDenied, CodeNotApproved,
		CodeAuthorizationExpired, CodePeerToPeerAlreadyScheduled:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
