package wms

import "fmt"

// Exception codes reported to clients.
const (
	CodeMissingParameterValue = "MissingParameterValue"
	CodeInvalidSRS            = "InvalidSRS"
	CodeInvalidParameterValue = "InvalidParameterValue"
	CodeNoApplicableCode      = "NoApplicableCode"
)

// ServiceError is a user facing WMS exception. Err, when set, is the
// underlying cause of a NoApplicableCode error and is never shown to clients.
type ServiceError struct {
	Code    string
	Message string
	Locator string
	Err     error
}

func (e *ServiceError) Error() string {
	if e.Locator != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Locator)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func missing(param string) *ServiceError {
	return &ServiceError{
		Code:    CodeMissingParameterValue,
		Message: fmt.Sprintf("missing required parameter %s", param),
		Locator: param,
	}
}

func invalid(locator, format string, args ...any) *ServiceError {
	return &ServiceError{
		Code:    CodeInvalidParameterValue,
		Message: fmt.Sprintf(format, args...),
		Locator: locator,
	}
}
