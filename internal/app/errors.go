package app

import "fmt"

// DomainError is a service-level failure that maps directly onto an HTTP
// response: Status becomes the response code, Code is a stable machine-readable
// identifier, and Details rides along in the error body. The save path uses
// Details to hand the current server row back on a version conflict.
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
