package app

import "fmt"

// DomainError is an error the API maps directly to an HTTP response. Anything
// else that escapes the service layer becomes a generic 500.
type DomainError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func notFoundError(message string) *DomainError {
	return &DomainError{Status: 404, Code: "NOT_FOUND", Message: message}
}

func forbiddenError(message string) *DomainError {
	return &DomainError{Status: 403, Code: "FORBIDDEN", Message: message}
}

func businessError(message string) *DomainError {
	return &DomainError{Status: 409, Code: "BUSINESS_RULE", Message: message}
}

func validationError(message string, details any) *DomainError {
	return &DomainError{Status: 422, Code: "VALIDATION_ERROR", Message: message, Details: details}
}

func resolutionError(message string, details any) *DomainError {
	return &DomainError{Status: 502, Code: "RESOLUTION_FAILED", Message: message, Details: details}
}
