// Package runnererrors contains generic errors returned by the clients talking to the orchestration
// and results services. Callers look for these types with errors.As rather than inspecting status codes.
//
// If multiple errors occur in some function (e.g., several timeline updates failed), that function
// should return an error of type multierror.Error from package github.com/hashicorp/go-multierror
// that encapsulates those individual errors.
package runnererrors

import (
	"fmt"
	"net/http"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// ErrAlreadyExists is a generic error to be returned whenever some resource already exists.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrAlreadyExists struct {
	Type    string // Resource type, e.g., "timeline"
	Value   string // Resource name, e.g., a timeline id
	Message string // An optional message to include in the error message
}

func (err *ErrAlreadyExists) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q already exists", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q already exists", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrNotFound is a generic error to be returned whenever some resource isn't found.
//
// See ErrAlreadyExists for more info.
type ErrNotFound struct {
	Type    string
	Value   string
	Message string
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q does not exist", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q does not exist", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrInvalidArgument is a generic error to be returned on invalid argument.
type ErrInvalidArgument struct {
	Name    string      // Name of the field referred to, e.g., "planId"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message explaining why the value is invalid
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %q is invalid for field %q", err.Value, err.Name)
	}
	return fmt.Sprintf("value %q is invalid for field %q; %s", err.Value, err.Name, err.Message)
}

// ErrUnexpectedStatus is returned when a remote service answers with a status the caller can't handle.
type ErrUnexpectedStatus struct {
	Operation  string
	StatusCode int
	Body       string
}

func (err *ErrUnexpectedStatus) Error() string {
	if err.Body == "" {
		return fmt.Sprintf("%s failed with status %d", err.Operation, err.StatusCode)
	}
	return fmt.Sprintf("%s failed with status %d: %s", err.Operation, err.StatusCode, err.Body)
}

// ErrOutputVariablesLost is returned at shutdown when timeline records carrying output variables
// could not be delivered. Downstream jobs would read corrupted outputs, so the job must fail.
type ErrOutputVariablesLost struct {
	TimelineId string
	Errors     *multierror.Error
}

func (err *ErrOutputVariablesLost) Error() string {
	return fmt.Sprintf("failed to update timeline %s with output variables: %s", err.TimelineId, err.Errors.Error())
}

func (err *ErrOutputVariablesLost) Unwrap() error {
	return err.Errors.ErrorOrNil()
}

// FromHttpStatus maps a non-success HTTP status to one of the errors in this package.
func FromHttpStatus(operation string, resourceType string, value string, statusCode int, body string) error {
	switch statusCode {
	case http.StatusConflict:
		return &ErrAlreadyExists{Type: resourceType, Value: value, Message: body}
	case http.StatusNotFound:
		return &ErrNotFound{Type: resourceType, Value: value, Message: body}
	case http.StatusBadRequest:
		return &ErrInvalidArgument{Name: resourceType, Value: value, Message: body}
	default:
		return &ErrUnexpectedStatus{Operation: operation, StatusCode: statusCode, Body: body}
	}
}

// IsAlreadyExists looks through the chain of errors for an ErrAlreadyExists.
func IsAlreadyExists(err error) bool {
	var e *ErrAlreadyExists
	return errors.As(err, &e)
}

// IsNotFound looks through the chain of errors for an ErrNotFound.
func IsNotFound(err error) bool {
	var e *ErrNotFound
	return errors.As(err, &e)
}
