package gerror

import (
	"errors"
	"net/http"
)

const (
	ErrCodeInternal             Code = "Internal"
	ErrCodeValidationFailed     Code = "ValidationFailed"
	ErrCodeNotFound             Code = "NotFound"
	ErrCodeAlreadyExists        Code = "AlreadyExists"
	ErrCodeOptimisticLockFailed Code = "OptimisticLockFailed"
	ErrCodeTimeout              Code = "Timeout"
	ErrCodeStepDispatch         Code = "StepDispatch"
	ErrCodeStepExecution        Code = "StepExecution"
	ErrCodeDependencyUnresolved Code = "DependencyUnresolved"
	ErrCodeHealthDegraded       Code = "HealthDegraded"
)

// ToError locates an Error in the provided error chain and returns it if it
// matches the provided code. Otherwise, returns nil.
func ToError(err error, code Code) *Error {
	if err == nil {
		return nil
	}
	var gErr Error
	if errors.As(err, &gErr) && gErr.Code() == code {
		return &gErr
	}
	return nil
}

func NewErrInternal() Error {
	return NewError(
		"An internal server error occurred",
		AudienceExternal,
		ErrCodeInternal,
		http.StatusInternalServerError,
		nil,
	)
}

func ToInternal(err error) *Error {
	return ToError(err, ErrCodeInternal)
}

func IsInternal(err error) bool {
	return ToInternal(err) != nil
}

func NewErrValidationFailed(message string) Error {
	return NewError(message, AudienceExternal, ErrCodeValidationFailed, http.StatusBadRequest, nil)
}

func ToValidationFailed(err error) *Error {
	return ToError(err, ErrCodeValidationFailed)
}

func IsValidationFailed(err error) bool {
	return ToValidationFailed(err) != nil
}

func NewErrNotFound(message string) Error {
	return NewError(message, AudienceExternal, ErrCodeNotFound, http.StatusNotFound, nil)
}

func ToNotFound(err error) *Error {
	return ToError(err, ErrCodeNotFound)
}

func IsNotFound(err error) bool {
	return ToNotFound(err) != nil
}

func NewErrAlreadyExists(message string) Error {
	return NewError(message, AudienceExternal, ErrCodeAlreadyExists, http.StatusConflict, nil)
}

func ToAlreadyExists(err error) *Error {
	return ToError(err, ErrCodeAlreadyExists)
}

func IsAlreadyExists(err error) bool {
	return ToAlreadyExists(err) != nil
}

func NewErrOptimisticLockFailed(message string) Error {
	return NewError(message, AudienceInternal, ErrCodeOptimisticLockFailed, http.StatusConflict, nil)
}

func ToOptimisticLockFailed(err error) *Error {
	return ToError(err, ErrCodeOptimisticLockFailed)
}

func IsOptimisticLockFailed(err error) bool {
	return ToOptimisticLockFailed(err) != nil
}

func NewErrTimeout(message string, err error) Error {
	return NewError(message, AudienceInternal, ErrCodeTimeout, http.StatusInternalServerError, err)
}

func ToTimeout(err error) *Error {
	return ToError(err, ErrCodeTimeout)
}

func IsTimeout(err error) bool {
	return ToTimeout(err) != nil
}

// NewErrStepDispatch is returned when the broker refuses or fails to accept
// a pipeline step task.
func NewErrStepDispatch(message string, err error) Error {
	return NewError(message, AudienceExternal, ErrCodeStepDispatch, http.StatusInternalServerError, err)
}

func ToStepDispatch(err error) *Error {
	return ToError(err, ErrCodeStepDispatch)
}

func IsStepDispatch(err error) bool {
	return ToStepDispatch(err) != nil
}

// NewErrStepExecution records a failure inside a running step. It is stored
// on the job rather than surfaced over HTTP.
func NewErrStepExecution(message string, err error) Error {
	return NewError(message, AudienceInternal, ErrCodeStepExecution, http.StatusInternalServerError, err)
}

func ToStepExecution(err error) *Error {
	return ToError(err, ErrCodeStepExecution)
}

func IsStepExecution(err error) bool {
	return ToStepExecution(err) != nil
}

func NewErrDependencyUnresolved(message string) Error {
	return NewError(message, AudienceExternal, ErrCodeDependencyUnresolved, http.StatusConflict, nil)
}

func ToDependencyUnresolved(err error) *Error {
	return ToError(err, ErrCodeDependencyUnresolved)
}

func IsDependencyUnresolved(err error) bool {
	return ToDependencyUnresolved(err) != nil
}

func NewErrHealthDegraded(message string) Error {
	return NewError(message, AudienceInternal, ErrCodeHealthDegraded, http.StatusServiceUnavailable, nil)
}

func ToHealthDegraded(err error) *Error {
	return ToError(err, ErrCodeHealthDegraded)
}

func IsHealthDegraded(err error) bool {
	return ToHealthDegraded(err) != nil
}
