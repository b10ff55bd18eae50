// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package errors holds the non-retryable domain errors every layer in this
// repository can return. Store errors (fdb.Error) are never wrapped in one
// of these; they propagate untouched so a caller's retry loop can still
// inspect fdb.Error.Code().
package errors

import "fmt"

// Code identifies a domain error independent of its formatted message, so
// callers can switch on it without string-matching.
type Code string

const (
	CodeEmptyKey                   Code = "empty_key"
	CodeItemNotFound               Code = "item_not_found"
	CodeAlreadyExists              Code = "already_exists"
	CodeDoesNotExist               Code = "does_not_exist"
	CodeIncompatibleLayer          Code = "incompatible_layer"
	CodeCannotMoveBetweenPartition Code = "cannot_move_between_partitions"
	CodeDestinationIsSubdirectory  Code = "destination_is_subdirectory"
	CodePrefixInUse                Code = "prefix_in_use"
	CodeEmptyCache                 Code = "empty_cache"
	CodeVersionMismatch            Code = "version_mismatch"
	CodeEntropyExhausted           Code = "entropy_exhausted"
)

// DomainError is a non-retryable error raised by a layer itself, as opposed
// to one surfaced from the store. Never retry on this; it will not change
// outcome on a subsequent attempt.
type DomainError struct {
	Code    Code
	Message string
}

func (e *DomainError) Error() string {
	return e.Message
}

// New builds a DomainError with a formatted message, in the style of
// fmt.Errorf, tagged with a stable Code for programmatic matching.
func New(code Code, format string, args ...interface{}) *DomainError {
	return &DomainError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Is lets errors.Is(err, errors.CodeDoesNotExist) work against a bare Code,
// by treating the Code itself as a sentinel comparable to a DomainError.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// IsCode reports whether err is a *DomainError with the given code.
func IsCode(err error, code Code) bool {
	de, ok := err.(*DomainError)
	return ok && de.Code == code
}
