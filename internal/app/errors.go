package app

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindValidation          ErrorKind = "ValidationError"
	KindNotFound            ErrorKind = "NotFound"
	KindForbidden           ErrorKind = "Forbidden"
	KindConflict            ErrorKind = "Conflict"
	KindLimitReached        ErrorKind = "LimitReached"
	KindInvalidRelationship ErrorKind = "InvalidRelationship"
)

// DomainError is a typed outcome the routing layer translates into a
// transport status. Code is stable and machine readable.
type DomainError struct {
	Kind    ErrorKind
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(kind ErrorKind, code, message string, details any) *DomainError {
	return &DomainError{
		Kind:    kind,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(message string) *DomainError {
	return domainError(KindValidation, "VALIDATION_ERROR", message, nil)
}

func notFound(message string) *DomainError {
	return domainError(KindNotFound, "NOT_FOUND", message, nil)
}

func forbidden(message string) *DomainError {
	return domainError(KindForbidden, "FORBIDDEN", message, nil)
}

func boardClosed(boardID string) *DomainError {
	return domainError(KindConflict, "BOARD_CLOSED", "board is not open", map[string]any{
		"boardId": boardID,
	})
}

func limitReached(quota string, current, limit int) *DomainError {
	return domainError(KindLimitReached, "LIMIT_REACHED", quota+" limit reached", map[string]any{
		"quota":        quota,
		"currentCount": current,
		"limit":        limit,
	})
}

// Rule names reported in InvalidRelationship details.
const (
	ruleSelfLink        = "self_link"
	ruleKindMismatch    = "kind_mismatch"
	ruleTargetIsParent  = "target_has_children"
	ruleSourceIsChild   = "source_has_parent"
	ruleTargetHasParent = "target_has_parent"
	ruleCycle           = "cycle"
	ruleCrossBoard      = "cross_board"
)

func invalidRelationship(rule, sourceID, targetID, message string) *DomainError {
	return domainError(KindInvalidRelationship, "INVALID_RELATIONSHIP", message, map[string]any{
		"rule":     rule,
		"sourceId": sourceID,
		"targetId": targetID,
	})
}

// IsKind reports whether err is a DomainError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var de *DomainError
	return errors.As(err, &de) && de.Kind == kind
}
