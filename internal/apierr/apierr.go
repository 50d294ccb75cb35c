// Package apierr defines the error taxonomy shared by the skill manager, the broker
// authorization endpoints and the HTTP layer. Every rejection carries a stable,
// machine-readable code plus a human-readable detail.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind groups error codes by how callers are expected to react.
type Kind string

const (
	KindValidation            Kind = "validation"
	KindConflict              Kind = "conflict"
	KindEngine                Kind = "engine"
	KindDependencyUnavailable Kind = "dependency_unavailable"
	KindNotFound              Kind = "not_found"
	KindAuth                  Kind = "auth"
	KindInconsistency         Kind = "inconsistency"
	KindInternal              Kind = "internal"
)

// Code is a stable identifier returned to API clients as error_code.
type Code string

const (
	CodeFileRequired             Code = "file_required"
	CodeInvalidArchive           Code = "invalid_archive"
	CodeManifestNotPresent       Code = "manifest_not_present"
	CodeInvalidManifest          Code = "invalid_manifest"
	CodeImageNotPresent          Code = "image_not_present"
	CodeSentencesNotPresent      Code = "sentences_not_present"
	CodeInvalidAccess            Code = "invalid_access"
	CodeSkillAlreadyInstalled    Code = "skill_already_installed"
	CodeContainerNameAlreadyUsed Code = "container_name_already_used"
	CodeBuildImage               Code = "build_image"
	CodeContainerCreation        Code = "container_creation"
	CodeEngineError              Code = "engine_error"
	CodeTrainingUnavailable      Code = "training_unavailable"
	CodeNotFound                 Code = "not_found"
	CodeUnauthorized             Code = "unauthorized"
	CodeForbidden                Code = "forbidden"
	CodeInconsistentState        Code = "inconsistent_state"
	CodeInternal                 Code = "internal"
)

type codeInfo struct {
	kind   Kind
	status int
}

var codes = map[Code]codeInfo{
	CodeFileRequired:             {KindValidation, http.StatusBadRequest},
	CodeInvalidArchive:           {KindValidation, http.StatusBadRequest},
	CodeManifestNotPresent:       {KindValidation, http.StatusBadRequest},
	CodeInvalidManifest:          {KindValidation, http.StatusUnprocessableEntity},
	CodeImageNotPresent:          {KindValidation, http.StatusUnprocessableEntity},
	CodeSentencesNotPresent:      {KindValidation, http.StatusUnprocessableEntity},
	CodeInvalidAccess:            {KindValidation, http.StatusBadRequest},
	CodeSkillAlreadyInstalled:    {KindConflict, http.StatusUnprocessableEntity},
	CodeContainerNameAlreadyUsed: {KindConflict, http.StatusUnprocessableEntity},
	CodeBuildImage:               {KindEngine, http.StatusUnprocessableEntity},
	CodeContainerCreation:        {KindEngine, http.StatusUnprocessableEntity},
	CodeEngineError:              {KindEngine, http.StatusInternalServerError},
	CodeTrainingUnavailable:      {KindDependencyUnavailable, http.StatusFailedDependency},
	CodeNotFound:                 {KindNotFound, http.StatusNotFound},
	CodeUnauthorized:             {KindAuth, http.StatusUnauthorized},
	CodeForbidden:                {KindAuth, http.StatusForbidden},
	CodeInconsistentState:        {KindInconsistency, http.StatusInternalServerError},
	CodeInternal:                 {KindInternal, http.StatusInternalServerError},
}

// Error is a coded error. Detail is usually a string; manifest validation
// stores a list of FieldError values instead.
type Error struct {
	Code   Code
	Detail any
	Cause  error
}

// FieldError describes one schema violation in an uploaded manifest.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// New creates a coded error with a string detail.
func New(code Code, format string, a ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, a...)}
}

// Wrap creates a coded error that keeps cause in the chain.
// The detail is the cause's message unless one is given.
func Wrap(code Code, cause error, format string, a ...any) *Error {
	detail := ""
	if format != "" {
		detail = fmt.Sprintf(format, a...)
	} else if cause != nil {
		detail = cause.Error()
	}
	return &Error{Code: code, Detail: detail, Cause: cause}
}

// WithDetail creates a coded error carrying a structured detail.
func WithDetail(code Code, detail any) *Error {
	return &Error{Code: code, Detail: detail}
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch d := e.Detail.(type) {
	case string:
		if d != "" {
			return fmt.Sprintf("%s: %s", e.Code, d)
		}
	case []FieldError:
		if len(d) == 1 {
			return fmt.Sprintf("%s: %s: %s", e.Code, d[0].Field, d[0].Message)
		}
		return fmt.Sprintf("%s: %d field errors", e.Code, len(d))
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Cause)
	}
	return string(e.Code)
}

// Unwrap returns the underlying cause for errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Kind returns the taxonomy group of the error's code.
func (e *Error) Kind() Kind {
	if info, ok := codes[e.Code]; ok {
		return info.kind
	}
	return KindInternal
}

// Status returns the HTTP status associated with the error's code.
func (e *Error) Status() int {
	if info, ok := codes[e.Code]; ok {
		return info.status
	}
	return http.StatusInternalServerError
}

// As extracts the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var coded *Error
	if errors.As(err, &coded) {
		return coded, true
	}
	return nil, false
}

// CodeOf returns the code carried by err, CodeInternal for uncoded errors
// and the empty code for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if coded, ok := As(err); ok {
		return coded.Code
	}
	return CodeInternal
}

// StatusOf returns the HTTP status for err; uncoded errors map to 500.
func StatusOf(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if coded, ok := As(err); ok {
		return coded.Status()
	}
	return http.StatusInternalServerError
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
