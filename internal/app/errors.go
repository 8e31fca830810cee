package app

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"net/http"
)

const (
	CodeForbidden  = "FORBIDDEN"
	CodeNotFound   = "NOT_FOUND"
	CodeConflict   = "CONFLICT"
	CodeValidation = "VALIDATION_ERROR"
	CodeDependency = "DEPENDENCY_UNAVAILABLE"
)

type DomainError struct {
	Status  int
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

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// errForbidden never discloses whether the resource exists.
func errForbidden() *DomainError {
	return domainError(http.StatusForbidden, CodeForbidden, "Forbidden", nil)
}

// errNotFound covers both a missing resource and one outside the caller's
// organization; the two are deliberately indistinguishable.
func errNotFound(resource string) *DomainError {
	return domainError(http.StatusNotFound, CodeNotFound, resource+" not found", nil)
}

func errConflict(message string) *DomainError {
	return domainError(http.StatusConflict, CodeConflict, message, nil)
}

func errValidation(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, CodeValidation, message, nil)
}

func errDependency(message string) *DomainError {
	return domainError(http.StatusServiceUnavailable, CodeDependency, message, nil)
}

// storeUnavailable reports whether err is an infrastructure failure
// rather than a domain outcome: a dial or socket error, a connection
// the driver gave up on, or a deadline hit while the merge held its
// locks. These surface to callers as 503 instead of 500.
func storeUnavailable(err error) bool {
	var netErr net.Error
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.As(err, &netErr)
}
